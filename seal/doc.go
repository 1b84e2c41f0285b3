// Package seal tracks whether the master encryption key is available in
// process memory.
//
// The Manager is the single source of truth for "is the system operable":
// every resident-facing operation checks IsSealed, and the envelope package
// refuses to touch a cipher while sealed. The key itself lives inside a
// memguard enclave, so the plaintext exists only in a locked, canary-guarded
// buffer that is wiped when released. There is no accessor that returns key
// bytes; the only way to use the key is the WithKey lease, which opens the
// enclave, runs exactly one closure, and destroys the plaintext buffer on
// every exit path.
//
// State transitions: Sealed (initial) -> Unsealed via UnsealFromKey or
// UnsealFromShares -> Sealed again only via Reseal or process restart.
package seal
