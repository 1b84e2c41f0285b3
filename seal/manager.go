package seal

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/emberward/residentd/interfaces"
	"github.com/emberward/residentd/sharing"
)

// KeySize is the required master key length in bytes.
const KeySize = 32

// Manager is the process-wide seal state machine. The master key is read by
// many concurrent decrypt leases but written exactly once per unseal event,
// so the state is guarded by a single-writer, many-reader lock.
type Manager struct {
	mu         sync.RWMutex
	enclave    *memguard.Enclave // nil while sealed
	unsealedAt time.Time
	log        *slog.Logger
}

// NewManager creates a sealed manager.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{log: log}
}

// IsSealed reports whether the master key is absent from process memory.
func (m *Manager) IsSealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enclave == nil
}

// UnsealFromKey validates and installs a raw master key, transitioning to
// Unsealed. The caller's buffer is wiped before this method returns,
// regardless of outcome; the only remaining copy lives inside the enclave.
func (m *Manager) UnsealFromKey(raw []byte) error {
	if len(raw) != KeySize {
		sharing.Wipe(raw)
		return fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(raw))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enclave != nil {
		sharing.Wipe(raw)
		return fmt.Errorf("already unsealed")
	}

	// NewEnclave seals the buffer and wipes the source.
	m.enclave = memguard.NewEnclave(raw)
	m.unsealedAt = time.Now()

	m.log.Info("Seal manager unsealed", slog.String("source", "raw key"))
	return nil
}

// UnsealFromShares reconstructs the master key from ceremony shares in their
// transport encoding and installs it. The reconstructed buffer never leaves
// this method in plaintext. This checks the arithmetic only; the custody
// coordinator is the layer that rejects shares from a rotated-out cohort.
func (m *Manager) UnsealFromShares(encoded []string, threshold int) error {
	shares := make([]sharing.Share, 0, len(encoded))
	for _, e := range encoded {
		s, err := sharing.Parse(e)
		if err != nil {
			return err
		}
		shares = append(shares, s)
	}

	key, err := sharing.Reconstruct(shares, threshold)
	if err != nil {
		return err
	}

	if err := m.UnsealFromKey(key); err != nil {
		return err
	}

	m.log.Info("Seal manager unsealed", slog.String("source", "share reconstruction"),
		slog.Int("shares", len(shares)))
	return nil
}

// Reseal discards the master key and returns to the Sealed state. The
// enclave's locked buffer is purged from memory.
func (m *Manager) Reseal() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enclave == nil {
		return
	}

	// Opening and destroying the buffer wipes the plaintext; dropping the
	// enclave reference discards the sealed copy.
	if lb, err := m.enclave.Open(); err == nil {
		lb.Destroy()
	}
	m.enclave = nil
	m.unsealedAt = time.Time{}

	m.log.Info("Seal manager resealed")
}

// WithKey leases the master key to a single closure. The plaintext buffer is
// destroyed when the closure returns, including on panic. Returns
// ErrKeyUnavailable while sealed; the closure is then never invoked.
//
// The leased slice is only valid for the duration of the closure and must
// not be retained, copied into logs, or persisted.
func (m *Manager) WithKey(fn func(key []byte) error) error {
	m.mu.RLock()
	enclave := m.enclave
	m.mu.RUnlock()

	if enclave == nil {
		return interfaces.ErrKeyUnavailable
	}

	lb, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer lb.Destroy()

	return fn(lb.Bytes())
}

// UnsealedSince returns the time of the last unseal event, or the zero time
// while sealed.
func (m *Manager) UnsealedSince() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unsealedAt
}
