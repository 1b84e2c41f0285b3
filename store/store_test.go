package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberward/residentd/interfaces"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddGuardianEnforcesMonotonicIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next, err := s.NextShareIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	g1, err := s.AddGuardian(ctx, "alice", "alice@example.com", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, g1.ShareIndex)
	assert.Equal(t, interfaces.GuardianPending, g1.Status)

	// Gaps and reuse are both rejected.
	_, err = s.AddGuardian(ctx, "bob", "", 1)
	require.ErrorIs(t, err, interfaces.ErrShareIndexTaken)
	_, err = s.AddGuardian(ctx, "bob", "", 3)
	require.ErrorIs(t, err, interfaces.ErrShareIndexTaken)

	_, err = s.AddGuardian(ctx, "bob", "", 2)
	require.NoError(t, err)
}

func TestGuardianRevocationIsPermanent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g, err := s.AddGuardian(ctx, "alice", "", 1)
	require.NoError(t, err)

	require.NoError(t, s.UpdateGuardianStatus(ctx, g.ID, interfaces.GuardianActive))
	require.NoError(t, s.UpdateGuardianStatus(ctx, g.ID, interfaces.GuardianRevoked))

	err = s.UpdateGuardianStatus(ctx, g.ID, interfaces.GuardianActive)
	require.Error(t, err)

	// Revoked guardians drop out of the default listing but not the index
	// sequence.
	active, err := s.ListGuardians(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)

	next, err := s.NextShareIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, next)
}

func TestGuardianCountCountsActiveOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g1, err := s.AddGuardian(ctx, "alice", "", 1)
	require.NoError(t, err)
	_, err = s.AddGuardian(ctx, "bob", "", 2)
	require.NoError(t, err)

	n, err := s.GuardianCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.UpdateGuardianStatus(ctx, g1.ID, interfaces.GuardianActive))
	n, err = s.GuardianCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCeremonyTerminalTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &interfaces.KeyCeremony{
		Type:        interfaces.CeremonyRecovery,
		Threshold:   2,
		TotalShares: 3,
		Initiator:   "admin",
	}
	require.NoError(t, s.CreateCeremony(ctx, c))
	require.NotEmpty(t, c.ID)
	assert.Equal(t, interfaces.CeremonyPending, c.Status)

	require.NoError(t, s.CompleteCeremony(ctx, c.ID))

	// Terminal states are final.
	require.Error(t, s.CompleteCeremony(ctx, c.ID))
	require.Error(t, s.FailCeremony(ctx, c.ID, "late failure"))

	got, err := s.GetCeremony(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.CeremonyCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestFailCeremonyRecordsNote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &interfaces.KeyCeremony{Type: interfaces.CeremonyReshare, Threshold: 2, TotalShares: 3, Initiator: "admin"}
	require.NoError(t, s.CreateCeremony(ctx, c))
	require.NoError(t, s.FailCeremony(ctx, c.ID, "insufficient shares"))

	got, err := s.GetCeremony(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.CeremonyFailed, got.Status)
	assert.Equal(t, "insufficient shares", got.Notes)
}

func TestLatestCompletedSplit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	split, err := s.LatestCompletedSplit(ctx)
	require.NoError(t, err)
	assert.Nil(t, split)

	initial := &interfaces.KeyCeremony{Type: interfaces.CeremonyInitialSplit, Threshold: 2, TotalShares: 3, Initiator: "admin"}
	require.NoError(t, s.CreateCeremony(ctx, initial))
	_, err = s.CreateCohort(ctx, initial.ID, []interfaces.GuardianSpec{{Name: "a"}, {Name: "b"}, {Name: "c"}})
	require.NoError(t, err)

	split, err = s.LatestCompletedSplit(ctx)
	require.NoError(t, err)
	require.NotNil(t, split)
	assert.Equal(t, initial.ID, split.ID)

	time.Sleep(10 * time.Millisecond)

	reshare := &interfaces.KeyCeremony{Type: interfaces.CeremonyReshare, Threshold: 3, TotalShares: 4, Initiator: "admin"}
	require.NoError(t, s.CreateCeremony(ctx, reshare))
	_, err = s.RotateCohort(ctx, reshare.ID, []interfaces.GuardianSpec{{Name: "d"}, {Name: "e"}, {Name: "f"}, {Name: "g"}})
	require.NoError(t, err)

	split, err = s.LatestCompletedSplit(ctx)
	require.NoError(t, err)
	require.NotNil(t, split)
	assert.Equal(t, reshare.ID, split.ID)
	assert.Equal(t, 3, split.Threshold)
}

func TestRotateCohortIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	initial := &interfaces.KeyCeremony{Type: interfaces.CeremonyInitialSplit, Threshold: 2, TotalShares: 2, Initiator: "admin"}
	require.NoError(t, s.CreateCeremony(ctx, initial))
	cohort, err := s.CreateCohort(ctx, initial.ID, []interfaces.GuardianSpec{{Name: "a"}, {Name: "b"}})
	require.NoError(t, err)
	require.Len(t, cohort, 2)
	assert.Equal(t, []int{1, 2}, []int{cohort[0].ShareIndex, cohort[1].ShareIndex})

	// Rotation against a non-pending ceremony rolls the whole thing back:
	// no revocation, no new guardians.
	_, err = s.RotateCohort(ctx, initial.ID, []interfaces.GuardianSpec{{Name: "x"}})
	require.Error(t, err)

	active, err := s.ListGuardians(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, g := range active {
		assert.Equal(t, interfaces.GuardianActive, g.Status)
	}

	// A proper rotation revokes the old cohort and continues the index
	// sequence.
	reshare := &interfaces.KeyCeremony{Type: interfaces.CeremonyReshare, Threshold: 2, TotalShares: 2, Initiator: "admin"}
	require.NoError(t, s.CreateCeremony(ctx, reshare))
	fresh, err := s.RotateCohort(ctx, reshare.ID, []interfaces.GuardianSpec{{Name: "x"}, {Name: "y"}})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, []int{fresh[0].ShareIndex, fresh[1].ShareIndex})

	all, err := s.ListGuardians(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestShareIndexSpaceIsBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specs := make([]interfaces.GuardianSpec, 254)
	for i := range specs {
		specs[i].Name = fmt.Sprintf("guardian-%03d", i+1)
	}

	initial := &interfaces.KeyCeremony{Type: interfaces.CeremonyInitialSplit, Threshold: 2, TotalShares: len(specs), Initiator: "admin"}
	require.NoError(t, s.CreateCeremony(ctx, initial))
	cohort, err := s.CreateCohort(ctx, initial.ID, specs)
	require.NoError(t, err)
	assert.Equal(t, 254, cohort[len(cohort)-1].ShareIndex)

	// A rotation that would push an index past the encodable range is
	// rejected before touching any guardian.
	reshare := &interfaces.KeyCeremony{Type: interfaces.CeremonyReshare, Threshold: 2, TotalShares: 2, Initiator: "admin"}
	require.NoError(t, s.CreateCeremony(ctx, reshare))
	_, err = s.RotateCohort(ctx, reshare.ID, []interfaces.GuardianSpec{{Name: "x"}, {Name: "y"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index space exhausted")

	n, err := s.GuardianCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 254, n)

	// The last encodable index is still usable.
	fresh, err := s.RotateCohort(ctx, reshare.ID, []interfaces.GuardianSpec{{Name: "x"}})
	require.NoError(t, err)
	assert.Equal(t, 255, fresh[0].ShareIndex)

	// After that the space is spent, for single additions too.
	next, err := s.NextShareIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 256, next)
	_, err = s.AddGuardian(ctx, "overflow", "", next)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index space exhausted")
}

func seedResidentRow(t *testing.T, s *Store) interfaces.ResidentID {
	t.Helper()
	id := interfaces.NewResidentID()
	require.NoError(t, s.CreateResident(context.Background(), id, "owner:test", time.Now().UTC()))
	return id
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedResidentRow(t, s)

	rec := &interfaces.RunRecord{ResidentID: id}
	require.NoError(t, s.CreateRun(ctx, rec))
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, interfaces.RunStarted, rec.Status)

	require.NoError(t, s.AddInboxMessage(ctx, id, "owner:test", "hello"))
	n, err := s.UnreadInboxCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	now := time.Now().UTC()
	require.NoError(t, s.CompleteRunTxn(ctx, &interfaces.RunOutcome{
		ResidentID:   id,
		RunID:        rec.ID,
		TokensUsed:   4_000,
		TokenBalance: 6_000,
		TokenBank:    56_000,
		TotalRuns:    1,
		LastRunAt:    now,
	}))

	row, err := s.GetResident(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.TotalRuns)
	assert.Equal(t, int64(4_000), row.TokensUsedTotal)
	assert.Equal(t, int64(56_000), row.TokenBank)

	// Inbox delivery is part of the same transaction.
	n, err = s.UnreadInboxCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A completed run cannot complete again.
	err = s.CompleteRunTxn(ctx, &interfaces.RunOutcome{ResidentID: id, RunID: rec.ID, LastRunAt: now})
	require.Error(t, err)
}

func TestCompleteRunTxnRollsBackOnMissingResident(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedResidentRow(t, s)

	rec := &interfaces.RunRecord{ResidentID: id}
	require.NoError(t, s.CreateRun(ctx, rec))
	require.NoError(t, s.AddInboxMessage(ctx, id, "", "hello"))

	err := s.CompleteRunTxn(ctx, &interfaces.RunOutcome{
		ResidentID: interfaces.NewResidentID(), // no such resident
		RunID:      rec.ID,
		LastRunAt:  time.Now().UTC(),
	})
	require.ErrorIs(t, err, interfaces.ErrResidentNotFound)

	// Nothing committed: the run is still open and the inbox undelivered.
	n, err := s.UnreadInboxCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.FailRun(ctx, rec.ID, "aborted"))
}

func TestFailRunOnlyFromStarted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedResidentRow(t, s)

	rec := &interfaces.RunRecord{ResidentID: id}
	require.NoError(t, s.CreateRun(ctx, rec))
	require.NoError(t, s.FailRun(ctx, rec.ID, "completion failed"))
	require.Error(t, s.FailRun(ctx, rec.ID, "twice"))
}

func TestPeerPostsExcludeSelfAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	me := seedResidentRow(t, s)
	peer := seedResidentRow(t, s)

	require.NoError(t, s.AppendPost(ctx, &interfaces.Post{ResidentID: me, Body: "mine"}))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendPost(ctx, &interfaces.Post{
			ResidentID: peer,
			Body:       "peer post",
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	posts, err := s.RecentPeerPosts(ctx, me, 2)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	for _, p := range posts {
		assert.Equal(t, peer, p.ResidentID)
	}
}

func TestSetPinnedPost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedResidentRow(t, s)
	other := seedResidentRow(t, s)

	first := &interfaces.Post{ResidentID: id, Body: "one"}
	second := &interfaces.Post{ResidentID: id, Body: "two"}
	require.NoError(t, s.AppendPost(ctx, first))
	require.NoError(t, s.AppendPost(ctx, second))

	require.NoError(t, s.SetPinnedPost(ctx, id, first.ID))
	require.NoError(t, s.SetPinnedPost(ctx, id, second.ID))

	posts, err := s.RecentPeerPosts(ctx, other, 10)
	require.NoError(t, err)
	pinned := 0
	for _, p := range posts {
		if p.Pinned {
			pinned++
			assert.Equal(t, second.ID, p.ID)
		}
	}
	assert.Equal(t, 1, pinned)

	// Pinning another resident's post is rejected.
	require.Error(t, s.SetPinnedPost(ctx, other, second.ID))
}

func TestMarkMemorial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedResidentRow(t, s)

	require.NoError(t, s.MarkMemorial(ctx, id, "it was a good garden"))

	row, err := s.GetResident(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ResidentMemorial, row.Status)
	assert.Equal(t, "it was a good garden", row.FinalWords)

	active, err := s.ListActiveResidents(ctx)
	require.NoError(t, err)
	assert.NotContains(t, active, id)

	require.ErrorIs(t, s.MarkMemorial(ctx, interfaces.NewResidentID(), ""), interfaces.ErrResidentNotFound)
}
