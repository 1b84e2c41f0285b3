package vault

import (
	"context"
	"sync"

	"github.com/emberward/residentd/interfaces"
)

// MemoryVault implements interfaces.BlobStore in process memory. It exists
// for tests; nothing survives a restart.
type MemoryVault struct {
	mu    sync.RWMutex
	blobs map[interfaces.ResidentID]*interfaces.EncryptedBlob
}

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{blobs: make(map[interfaces.ResidentID]*interfaces.EncryptedBlob)}
}

// Read retrieves a resident's blob or ErrBlobNotFound.
func (v *MemoryVault) Read(ctx context.Context, id interfaces.ResidentID) (*interfaces.EncryptedBlob, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	blob, ok := v.blobs[id]
	if !ok {
		return nil, interfaces.ErrBlobNotFound
	}
	cp := *blob
	return &cp, nil
}

// Write replaces the resident's blob.
func (v *MemoryVault) Write(ctx context.Context, blob *interfaces.EncryptedBlob) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	cp := *blob
	v.blobs[blob.ResidentID] = &cp
	return nil
}

// Delete removes the resident's blob.
func (v *MemoryVault) Delete(ctx context.Context, id interfaces.ResidentID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.blobs, id)
	return nil
}

// Exists reports whether a blob is present.
func (v *MemoryVault) Exists(ctx context.Context, id interfaces.ResidentID) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	_, ok := v.blobs[id]
	return ok, nil
}

// Name returns an identifier for logging.
func (v *MemoryVault) Name() string { return "memory" }
