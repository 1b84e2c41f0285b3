// Package interfaces defines the shared types, sentinel errors, and component
// contracts used throughout the resident custody system.
//
// The package contains no logic beyond constructors and validation. It exists
// so that the stateful packages (sharing, vault, envelope, seal, custody,
// store, engine) can depend on a common vocabulary without depending on each
// other's implementations:
//
//   - ResidentState and EncryptedBlob: the decrypted payload and its
//     at-rest envelope form.
//   - Guardian and KeyCeremony: custody metadata and the append-only
//     ceremony audit record.
//   - BlobStore: content store holding one encrypted blob per resident,
//     with atomic replace semantics.
//   - ResidentStore: durable record store for resident rows, guardians,
//     ceremonies, the run log, inbox and public posts.
//   - CompletionClient: the opaque agent-completion boundary.
//
// Error values defined here form the failure taxonomy of the core. Callers
// match them with errors.Is; implementations wrap them with context via
// fmt.Errorf("...: %w", err).
package interfaces
