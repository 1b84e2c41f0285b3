// Package vault stores one encrypted blob per resident on durable storage.
//
// The vault is deliberately dumb: it moves opaque EncryptedBlob values in
// and out of a backend and guarantees atomic replacement, nothing more. All
// cryptographic decisions live in the envelope package.
//
// Backends:
//
//   - FileVault: local filesystem, one file per resident, replaced via
//     write-to-temp-then-rename so a crash mid-write never corrupts the
//     prior blob.
//   - S3Vault: Amazon S3 or compatible object stores, where PutObject is
//     already an atomic replace.
//   - MemoryVault: in-process map for tests.
package vault
