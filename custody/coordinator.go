package custody

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/emberward/residentd/interfaces"
	"github.com/emberward/residentd/seal"
	"github.com/emberward/residentd/sharing"
)

// IssuedShare pairs a freshly created guardian with their share in transport
// encoding. Shares are returned exactly once, for out-of-band distribution;
// they are never written to the store or the logs.
type IssuedShare struct {
	GuardianID   string
	GuardianName string
	ShareIndex   int
	Share        string
}

// Coordinator runs key ceremonies. A single mutex serializes them: the
// operations are rare and administrator-driven, and serializing removes the
// concurrent-reshare race entirely.
type Coordinator struct {
	mu    sync.Mutex
	store interfaces.CustodyStore
	seal  *seal.Manager
	log   *slog.Logger
}

// NewCoordinator creates a ceremony coordinator.
func NewCoordinator(store interfaces.CustodyStore, sealMgr *seal.Manager, log *slog.Logger) *Coordinator {
	return &Coordinator{store: store, seal: sealMgr, log: log}
}

// InitialSplit generates a fresh master key, splits it across a new guardian
// cohort, and records the ceremony. At most one initial split may ever
// complete; later attempts fail with ErrCeremonyConflict before any key
// material is generated.
//
// When unseal is true the new key is installed in the seal manager before
// the coordinator's copy is wiped; otherwise the shares are the only way to
// ever reconstruct it.
func (c *Coordinator) InitialSplit(ctx context.Context, initiator string, threshold int, guardians []interfaces.GuardianSpec, unseal bool) (*interfaces.KeyCeremony, []IssuedShare, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := len(guardians)
	if total < threshold {
		return nil, nil, fmt.Errorf("need at least %d guardians for threshold %d, got %d", threshold, threshold, total)
	}

	done, err := c.store.HasCompletedCeremony(ctx, interfaces.CeremonyInitialSplit)
	if err != nil {
		return nil, nil, err
	}
	if done {
		return nil, nil, fmt.Errorf("%w: initial split already completed", interfaces.ErrCeremonyConflict)
	}

	ceremony := &interfaces.KeyCeremony{
		Type:        interfaces.CeremonyInitialSplit,
		Threshold:   threshold,
		TotalShares: total,
		Initiator:   initiator,
	}
	if err := c.store.CreateCeremony(ctx, ceremony); err != nil {
		return nil, nil, err
	}

	masterKey := make([]byte, seal.KeySize)
	if _, err := io.ReadFull(rand.Reader, masterKey); err != nil {
		c.failCeremony(ctx, ceremony.ID, "master key generation failed")
		return nil, nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	defer sharing.Wipe(masterKey)

	shares, err := sharing.Split(masterKey, threshold, total)
	if err != nil {
		c.failCeremony(ctx, ceremony.ID, "secret split failed")
		return nil, nil, err
	}
	defer wipeShares(shares)

	cohort, err := c.store.CreateCohort(ctx, ceremony.ID, guardians)
	if err != nil {
		c.failCeremony(ctx, ceremony.ID, "guardian cohort creation failed")
		return nil, nil, err
	}

	issued := issueShares(shares, cohort)

	if unseal {
		if err := c.seal.UnsealFromKey(bytes.Clone(masterKey)); err != nil {
			// The ceremony itself succeeded; the operator can still unseal
			// from shares.
			c.log.Warn("Unseal after initial split failed", "err", err)
		}
	}

	c.log.Info("Initial split ceremony completed",
		"ceremony", ceremony.ID, "threshold", threshold, "totalShares", total)

	ceremony.Status = interfaces.CeremonyCompleted
	return ceremony, issued, nil
}

// Reshare reconstructs the master key from the supplied current shares and
// re-splits it under new parameters for a new guardian cohort. The old
// cohort is revoked atomically with the new cohort's creation; a failed
// reconstruction aborts before any guardian mutation.
func (c *Coordinator) Reshare(ctx context.Context, initiator string, encodedShares []string, newThreshold int, guardians []interfaces.GuardianSpec) (*interfaces.KeyCeremony, []IssuedShare, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	newTotal := len(guardians)
	if newTotal < newThreshold {
		return nil, nil, fmt.Errorf("need at least %d guardians for threshold %d, got %d", newThreshold, newThreshold, newTotal)
	}

	prior, err := c.store.LatestCompletedSplit(ctx)
	if err != nil {
		return nil, nil, err
	}
	if prior == nil {
		return nil, nil, fmt.Errorf("%w: no completed split to reshare", interfaces.ErrCeremonyConflict)
	}

	ceremony := &interfaces.KeyCeremony{
		Type:        interfaces.CeremonyReshare,
		Threshold:   newThreshold,
		TotalShares: newTotal,
		Initiator:   initiator,
	}
	if err := c.store.CreateCeremony(ctx, ceremony); err != nil {
		return nil, nil, err
	}

	oldShares, err := parseShares(encodedShares)
	if err != nil {
		c.failCeremony(ctx, ceremony.ID, "share parse failed")
		return nil, nil, err
	}
	defer wipeShares(oldShares)

	if err := c.requireActiveIndices(ctx, oldShares); err != nil {
		c.failCeremony(ctx, ceremony.ID, ceremonyFailureKind(err))
		return nil, nil, err
	}

	// Reconstruct-then-split, via the sharing package's own Reshare so the
	// reconstruction is never shortcut. Reconstruction failure aborts here,
	// before the cohort rotation below touches any guardian record.
	newShares, err := sharing.Reshare(oldShares, prior.Threshold, newThreshold, newTotal)
	if err != nil {
		c.failCeremony(ctx, ceremony.ID, ceremonyFailureKind(err))
		return nil, nil, err
	}
	defer wipeShares(newShares)

	cohort, err := c.store.RotateCohort(ctx, ceremony.ID, guardians)
	if err != nil {
		c.failCeremony(ctx, ceremony.ID, "cohort rotation failed")
		return nil, nil, err
	}

	issued := issueShares(newShares, cohort)

	c.log.Info("Reshare ceremony completed",
		"ceremony", ceremony.ID, "threshold", newThreshold, "totalShares", newTotal,
		"priorCeremony", prior.ID)

	ceremony.Status = interfaces.CeremonyCompleted
	return ceremony, issued, nil
}

// Recover reconstructs the master key from the supplied shares and leases it
// to a single closure. The key is wiped before Recover returns on every
// path, including a panic inside the closure; it must not escape the
// closure.
func (c *Coordinator) Recover(ctx context.Context, initiator string, encodedShares []string, use func(key []byte) error) (*interfaces.KeyCeremony, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prior, err := c.store.LatestCompletedSplit(ctx)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, fmt.Errorf("%w: no completed split to recover from", interfaces.ErrCeremonyConflict)
	}

	ceremony := &interfaces.KeyCeremony{
		Type:        interfaces.CeremonyRecovery,
		Threshold:   prior.Threshold,
		TotalShares: prior.TotalShares,
		Initiator:   initiator,
	}
	if err := c.store.CreateCeremony(ctx, ceremony); err != nil {
		return nil, err
	}

	shares, err := parseShares(encodedShares)
	if err != nil {
		c.failCeremony(ctx, ceremony.ID, "share parse failed")
		return nil, err
	}
	defer wipeShares(shares)

	if err := c.requireActiveIndices(ctx, shares); err != nil {
		c.failCeremony(ctx, ceremony.ID, ceremonyFailureKind(err))
		return nil, err
	}

	masterKey, err := sharing.Reconstruct(shares, prior.Threshold)
	if err != nil {
		c.failCeremony(ctx, ceremony.ID, ceremonyFailureKind(err))
		return nil, err
	}

	// The wipe is deferred before the closure runs, so the key is destroyed
	// even if the closure panics.
	defer sharing.Wipe(masterKey)

	if err := use(masterKey); err != nil {
		c.failCeremony(ctx, ceremony.ID, "recovery operation failed")
		return nil, fmt.Errorf("recovery operation: %w", err)
	}

	if err := c.store.CompleteCeremony(ctx, ceremony.ID); err != nil {
		return nil, err
	}

	c.log.Info("Recovery ceremony completed", "ceremony", ceremony.ID)

	ceremony.Status = interfaces.CeremonyCompleted
	return ceremony, nil
}

// RecoverAndUnseal is a recovery ceremony whose bounded operation installs
// the reconstructed key into the seal manager.
func (c *Coordinator) RecoverAndUnseal(ctx context.Context, initiator string, encodedShares []string) (*interfaces.KeyCeremony, error) {
	return c.Recover(ctx, initiator, encodedShares, func(key []byte) error {
		return c.seal.UnsealFromKey(bytes.Clone(key))
	})
}

// UnsealFromShares reconstructs the master key from current-cohort shares
// under the latest split's threshold and installs it in the seal manager.
// Shares issued to a rotated-out cohort are rejected here: resharing
// preserves the secret, so retired shares could still reconstruct it, and
// their retirement is enforced against the guardian registry instead.
func (c *Coordinator) UnsealFromShares(ctx context.Context, encodedShares []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prior, err := c.store.LatestCompletedSplit(ctx)
	if err != nil {
		return err
	}
	if prior == nil {
		return fmt.Errorf("%w: no completed split to unseal from", interfaces.ErrCeremonyConflict)
	}

	shares, err := parseShares(encodedShares)
	if err != nil {
		return err
	}
	defer wipeShares(shares)

	if err := c.requireActiveIndices(ctx, shares); err != nil {
		return err
	}

	masterKey, err := sharing.Reconstruct(shares, prior.Threshold)
	if err != nil {
		return err
	}

	// UnsealFromKey wipes the buffer on every path.
	return c.seal.UnsealFromKey(masterKey)
}

// VerifyGuardianShare checks that an encoded share is well-formed and
// carries the guardian's assigned index, then records the verification time.
// It does not and cannot verify the share against the secret on its own.
func (c *Coordinator) VerifyGuardianShare(ctx context.Context, guardianID, encoded string) error {
	share, err := sharing.Parse(encoded)
	if err != nil {
		return err
	}
	defer sharing.Wipe(share.Data)

	guardians, err := c.store.ListGuardians(ctx, false)
	if err != nil {
		return err
	}
	for _, g := range guardians {
		if g.ID == guardianID {
			if g.ShareIndex != share.Index {
				return fmt.Errorf("%w: index %d does not match guardian assignment %d",
					interfaces.ErrInvalidShare, share.Index, g.ShareIndex)
			}
			return c.store.TouchGuardianVerified(ctx, guardianID)
		}
	}
	return interfaces.ErrGuardianNotFound
}

// requireActiveIndices rejects any share whose index is not held by an
// active guardian. The rejection names the index only, never the share
// contents.
func (c *Coordinator) requireActiveIndices(ctx context.Context, shares []sharing.Share) error {
	guardians, err := c.store.ListGuardians(ctx, false)
	if err != nil {
		return err
	}

	active := make(map[int]bool, len(guardians))
	for _, g := range guardians {
		if g.Status == interfaces.GuardianActive {
			active[g.ShareIndex] = true
		}
	}

	for _, s := range shares {
		if !active[s.Index] {
			return fmt.Errorf("%w: index %d is not held by an active guardian", interfaces.ErrInvalidShare, s.Index)
		}
	}
	return nil
}

// failCeremony records a terminal failure. The note names the failure kind
// only, never share contents or key material.
func (c *Coordinator) failCeremony(ctx context.Context, id, note string) {
	if err := c.store.FailCeremony(ctx, id, note); err != nil {
		c.log.Error("Failed to record ceremony failure", "ceremony", id, "err", err)
	}
}

func ceremonyFailureKind(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrInsufficientShares):
		return "insufficient shares"
	case errors.Is(err, interfaces.ErrInvalidShare):
		return "invalid share"
	default:
		return "reconstruction failed"
	}
}

// issueShares pairs split shares with their guardians positionally and
// re-indexes each share to the guardian's registry index before encoding.
func issueShares(shares []sharing.Share, cohort []interfaces.Guardian) []IssuedShare {
	issued := make([]IssuedShare, 0, len(cohort))
	for i, g := range cohort {
		if i >= len(shares) {
			break
		}
		s := sharing.Share{Index: g.ShareIndex, Data: shares[i].Data}
		issued = append(issued, IssuedShare{
			GuardianID:   g.ID,
			GuardianName: g.DisplayName,
			ShareIndex:   g.ShareIndex,
			Share:        s.Encode(),
		})
	}
	return issued
}

func parseShares(encoded []string) ([]sharing.Share, error) {
	shares := make([]sharing.Share, 0, len(encoded))
	for _, e := range encoded {
		s, err := sharing.Parse(e)
		if err != nil {
			wipeShares(shares)
			return nil, err
		}
		shares = append(shares, s)
	}
	return shares, nil
}

func wipeShares(shares []sharing.Share) {
	for i := range shares {
		sharing.Wipe(shares[i].Data)
	}
}
