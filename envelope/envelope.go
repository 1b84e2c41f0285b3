package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"

	"github.com/emberward/residentd/interfaces"
	"github.com/emberward/residentd/seal"
	"github.com/emberward/residentd/sharing"
)

// dekSize is the data-encryption-key length: 256 bits.
const dekSize = 32

// wrapInfo domain-separates the DEK-wrapping key from any other use of the
// master key.
const wrapInfo = "residentd/dek-wrap/v1"

// Service performs envelope encryption and decryption of resident state. It
// never holds the master key itself; every wrap and unwrap runs inside a
// seal-manager lease.
type Service struct {
	seal  *seal.Manager
	blobs interfaces.BlobStore
	log   *slog.Logger
}

// NewService creates an envelope crypto service over the given seal manager
// and blob store.
func NewService(sealMgr *seal.Manager, blobs interfaces.BlobStore, log *slog.Logger) *Service {
	return &Service{seal: sealMgr, blobs: blobs, log: log}
}

// Encrypt serializes state, encrypts it under a fresh DEK, and wraps the DEK
// under the current master key. Returns ErrKeyUnavailable while sealed.
func (s *Service) Encrypt(state *interfaces.ResidentState) (*interfaces.EncryptedBlob, error) {
	if s.seal.IsSealed() {
		return nil, interfaces.ErrKeyUnavailable
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize resident state: %w", err)
	}

	dek := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("failed to generate DEK: %w", err)
	}
	defer sharing.Wipe(dek)

	payloadCT, err := aeadSeal(dek, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	var wrappedDEK interfaces.CipherText
	err = s.seal.WithKey(func(mek []byte) error {
		wrapKey, err := deriveWrapKey(mek)
		if err != nil {
			return err
		}
		defer sharing.Wipe(wrapKey)

		wrappedDEK, err = aeadSeal(wrapKey, dek)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wrap DEK: %w", err)
	}

	return &interfaces.EncryptedBlob{
		ResidentID: state.ID,
		Version:    interfaces.BlobFormatVersion,
		WrappedDEK: wrappedDEK,
		Payload:    payloadCT,
	}, nil
}

// Decrypt unwraps the blob's DEK under the master key and decrypts the
// payload. It fails closed with ErrKeyUnavailable while sealed, before any
// cipher operation, and returns ErrDecryptFailed on authentication mismatch.
func (s *Service) Decrypt(blob *interfaces.EncryptedBlob) (*interfaces.ResidentState, error) {
	if s.seal.IsSealed() {
		return nil, interfaces.ErrKeyUnavailable
	}

	if blob.Version != interfaces.BlobFormatVersion {
		return nil, fmt.Errorf("unsupported blob format version %d", blob.Version)
	}

	var payload []byte
	err := s.seal.WithKey(func(mek []byte) error {
		wrapKey, err := deriveWrapKey(mek)
		if err != nil {
			return err
		}
		defer sharing.Wipe(wrapKey)

		dek, err := aeadOpen(wrapKey, blob.WrappedDEK)
		if err != nil {
			return fmt.Errorf("%w: DEK unwrap for resident %s", interfaces.ErrDecryptFailed, blob.ResidentID)
		}
		defer sharing.Wipe(dek)

		payload, err = aeadOpen(dek, blob.Payload)
		if err != nil {
			return fmt.Errorf("%w: payload for resident %s", interfaces.ErrDecryptFailed, blob.ResidentID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var state interfaces.ResidentState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("failed to deserialize resident state: %w", err)
	}

	return &state, nil
}

// Load reads and decrypts a resident's state from the vault.
func (s *Service) Load(ctx context.Context, id interfaces.ResidentID) (*interfaces.ResidentState, error) {
	if s.seal.IsSealed() {
		return nil, interfaces.ErrKeyUnavailable
	}

	blob, err := s.blobs.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Decrypt(blob)
}

// Store encrypts state under a fresh DEK and atomically replaces the
// resident's blob in the vault.
func (s *Service) Store(ctx context.Context, state *interfaces.ResidentState) error {
	blob, err := s.Encrypt(state)
	if err != nil {
		return err
	}
	return s.blobs.Write(ctx, blob)
}

// Erase destroys the resident's blob. The wrapped DEK goes with it, so even
// a later master key reconstruction cannot decrypt this resident again.
func (s *Service) Erase(ctx context.Context, id interfaces.ResidentID) error {
	if err := s.blobs.Delete(ctx, id); err != nil {
		return err
	}

	s.log.Info("Cryptographically erased resident state",
		slog.String("resident", id.String()))
	return nil
}

// deriveWrapKey derives the DEK-wrapping key from the master key with
// HKDF-SHA256 under a fixed info label. The caller wipes the result.
func deriveWrapKey(mek []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, mek, nil, []byte(wrapInfo))
	key := make([]byte, dekSize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive wrap key: %w", err)
	}
	return key, nil
}

// aeadSeal encrypts plaintext with AES-256-GCM under key, using a fresh
// random 96-bit nonce. The nonce is stored beside the ciphertext; with a
// fresh DEK per write, nonce reuse under one key cannot occur.
func aeadSeal(key, plaintext []byte) (interfaces.CipherText, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return interfaces.CipherText{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return interfaces.CipherText{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return interfaces.CipherText{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return interfaces.CipherText{
		Nonce: nonce,
		Data:  gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// aeadOpen decrypts an authenticated ciphertext. Errors indicate a wrong key
// or tampered data; callers map them to ErrDecryptFailed.
func aeadOpen(key []byte, ct interfaces.CipherText) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ct.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(ct.Nonce))
	}

	return gcm.Open(nil, ct.Nonce, ct.Data, nil)
}
