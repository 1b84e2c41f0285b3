// Package custody orchestrates the three master-key ceremonies: the initial
// split, reshare, and recovery.
//
// The Coordinator ties together the sharing arithmetic, the guardian
// registry, the ceremony audit log and the seal manager. It holds the
// plaintext master key only transiently inside a single call frame and wipes
// it on every exit path; the only place a master key may persist in process
// memory is the seal manager's enclave, and only when an unseal was
// explicitly requested.
//
// Ceremony bookkeeping rules enforced here and in the store:
//
//   - Exactly one initial split may ever complete. A second attempt is
//     rejected with ErrCeremonyConflict regardless of input validity.
//   - A reshare reconstructs the key from the caller's shares before any
//     guardian mutation; cohort revocation commits atomically with the new
//     cohort, never speculatively.
//   - Recovery reconstructs the key for exactly one closure and wipes it
//     before returning, whether the closure succeeded, failed, or panicked.
//   - Every ceremony leaves an audit row: pending first, then exactly one
//     transition to completed or failed. Shares are never cached between
//     invocations.
//
// Ceremonies are serialized by a coordinator-level mutex; they are rare,
// administrator-driven operations and never need to overlap.
package custody
