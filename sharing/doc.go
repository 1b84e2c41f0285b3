// Package sharing implements threshold secret sharing for the master
// encryption key.
//
// The arithmetic is Shamir's Secret Sharing from hashicorp/vault's shamir
// package: any T of N shares reconstruct the secret exactly, and any T-1
// shares are information-theoretically independent of it. This package layers
// index bookkeeping, format validation, and transport encoding on top:
//
//   - Split produces N indexed shares (1..N) for a threshold T.
//   - Reconstruct combines at least T distinct, validly-indexed shares.
//   - Reshare is reconstruct-then-split under new parameters; it never
//     shortcuts the reconstruction.
//
// Shares travel between guardians and the ceremony coordinator as opaque
// strings ("<index>:<base64>"); Encode and Parse convert between the two
// forms. Secret buffers handled here are overwritten with zeros immediately
// after use, on success and error paths alike.
package sharing
