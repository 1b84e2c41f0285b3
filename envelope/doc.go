// Package envelope implements per-resident envelope encryption.
//
// Each resident's state is serialized and encrypted under a fresh 256-bit
// data encryption key (DEK) with AES-256-GCM; the DEK is wrapped under a key
// derived from the master encryption key (MEK) with HKDF-SHA256 and stored
// beside the payload in the EncryptedBlob. A new DEK is generated for every
// write, so key rotation is a side effect of persistence rather than a
// separate process.
//
// Decryption fails closed: while the seal manager reports Sealed, Decrypt
// returns ErrKeyUnavailable before any cipher work. An authentication-tag
// mismatch surfaces as ErrDecryptFailed and is treated as tamper or
// corruption, never silently recovered.
//
// Erase deletes a resident's blob from the vault. Because the only copy of
// the DEK is wrapped inside that blob, deletion is cryptographic erasure:
// no future MEK reconstruction can ever decrypt that resident again.
package envelope
