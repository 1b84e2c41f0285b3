package engine

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberward/residentd/agent"
	"github.com/emberward/residentd/envelope"
	"github.com/emberward/residentd/interfaces"
	"github.com/emberward/residentd/seal"
	"github.com/emberward/residentd/store"
	"github.com/emberward/residentd/vault"
)

type testRig struct {
	engine *Engine
	store  *store.Store
	vault  *vault.MemoryVault
	env    *envelope.Service
	seal   *seal.Manager
}

func newTestRig(t *testing.T, client interfaces.CompletionClient) *testRig {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr := seal.NewManager(log)
	key := make([]byte, seal.KeySize)
	_, err = io.ReadFull(rand.Reader, key)
	require.NoError(t, err)
	require.NoError(t, mgr.UnsealFromKey(key))

	mv := vault.NewMemoryVault()
	env := envelope.NewService(mgr, mv, log)

	return &testRig{
		engine: New(DefaultConfig(), env, st, client, log),
		store:  st,
		vault:  mv,
		env:    env,
		seal:   mgr,
	}
}

func (r *testRig) seedResident(t *testing.T, bank int64) interfaces.ResidentID {
	t.Helper()
	ctx := context.Background()

	id := interfaces.NewResidentID()
	created := time.Now().UTC().Add(-72 * time.Hour)
	require.NoError(t, r.store.CreateResident(ctx, id, "owner:test", created))

	state := &interfaces.ResidentState{
		ID:           id,
		Identity:     interfaces.ResidentIdentity{DisplayName: "Juniper", Visible: true},
		Instructions: "Tend your notebook.",
		Memory:       map[string]string{},
		Status:       interfaces.ResidentActive,
		TokenBank:    bank,
		CreatedAt:    created,
	}
	require.NoError(t, r.env.Store(ctx, state))
	return id
}

func TestExecuteRunHappyPath(t *testing.T) {
	client := agent.NewMockClient(agent.MockTurn{
		Result: &interfaces.CompletionResult{Text: "wrote in the notebook", TokensUsed: 4_000},
	})
	rig := newTestRig(t, client)
	ctx := context.Background()

	id := rig.seedResident(t, 50_000)
	require.NoError(t, rig.engine.ExecuteRun(ctx, id))

	row, err := rig.store.GetResident(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.TotalRuns)
	assert.Equal(t, int64(4_000), row.TokensUsedTotal)
	assert.Equal(t, int64(56_000), row.TokenBank)
	require.NotNil(t, row.LastRunAt)

	// The re-encrypted state carries the new turn.
	state, err := rig.env.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, state.History, 2)
	assert.Equal(t, "user", state.History[0].Role)
	assert.Equal(t, "assistant", state.History[1].Role)
	assert.Equal(t, "wrote in the notebook", state.History[1].Content)
	assert.Equal(t, int64(56_000), state.TokenBank)

	// The completion saw the recomputed balance, not the stored one.
	require.Len(t, client.Requests, 1)
	assert.Contains(t, client.Requests[0].SystemPrompt, "60000")
}

func TestExecuteRunFailsClosedWhileSealed(t *testing.T) {
	rig := newTestRig(t, agent.NewMockClient())
	ctx := context.Background()

	id := rig.seedResident(t, 0)
	rig.seal.Reseal()

	err := rig.engine.ExecuteRun(ctx, id)
	require.ErrorIs(t, err, interfaces.ErrKeyUnavailable)

	// The record store is untouched beyond the failed run-log row.
	row, err := rig.store.GetResident(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), row.TotalRuns)
}

func TestExecuteRunCompletionFailure(t *testing.T) {
	client := agent.NewMockClient(agent.MockTurn{Err: context.DeadlineExceeded})
	rig := newTestRig(t, client)
	ctx := context.Background()

	id := rig.seedResident(t, 9_000)
	err := rig.engine.ExecuteRun(ctx, id)
	require.Error(t, err)

	// No partial effects: the blob still decrypts to the pre-run state.
	state, err := rig.env.Load(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, state.History)
	assert.Equal(t, int64(9_000), state.TokenBank)
	assert.Equal(t, int64(0), state.TotalRuns)
}

// blockingClient parks inside Complete until released, so a second run can
// be attempted while the first holds the run lock.
type blockingClient struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingClient) Complete(ctx context.Context, req *interfaces.CompletionRequest) (*interfaces.CompletionResult, error) {
	b.entered <- struct{}{}
	<-b.release
	return &interfaces.CompletionResult{Text: "done", TokensUsed: 10}, nil
}

func TestExecuteRunSkipsWhenLockHeld(t *testing.T) {
	client := &blockingClient{entered: make(chan struct{}), release: make(chan struct{})}
	rig := newTestRig(t, client)
	ctx := context.Background()

	id := rig.seedResident(t, 0)

	first := make(chan error, 1)
	go func() { first <- rig.engine.ExecuteRun(ctx, id) }()
	<-client.entered

	// The lock is held by the in-flight run; this one is a skip, not a queue.
	err := rig.engine.ExecuteRun(ctx, id)
	require.ErrorIs(t, err, interfaces.ErrRunInProgress)

	close(client.release)
	require.NoError(t, <-first)

	// The lock was released; a fresh run proceeds past acquisition.
	client.release = make(chan struct{})
	second := make(chan error, 1)
	go func() { second <- rig.engine.ExecuteRun(ctx, id) }()
	<-client.entered
	close(client.release)
	require.NoError(t, <-second)
}

func TestPublishToolPins(t *testing.T) {
	client := agent.NewMockClient(agent.MockTurn{
		Result: &interfaces.CompletionResult{
			Text:       "posted",
			TokensUsed: 100,
			ToolCalls: []interfaces.ToolCall{
				{Name: "publish", Arguments: `{"body":"hello neighbors","pin":true}`},
			},
		},
	})
	rig := newTestRig(t, client)
	ctx := context.Background()

	id := rig.seedResident(t, 0)
	other := rig.seedResident(t, 0)
	require.NoError(t, rig.engine.ExecuteRun(ctx, id))

	posts, err := rig.store.RecentPeerPosts(ctx, other, 10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "hello neighbors", posts[0].Body)
	assert.True(t, posts[0].Pinned)

	state, err := rig.env.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, posts[0].ID, state.PinnedPostID)
}

func TestSelectNextInstructionRequiresExactlyOne(t *testing.T) {
	client := agent.NewMockClient(agent.MockTurn{
		Result: &interfaces.CompletionResult{
			TokensUsed: 10,
			ToolCalls: []interfaces.ToolCall{
				// Both selectors: rejected, contained.
				{Name: "select_next_instruction", Arguments: `{"prompt_id":"p1","text":"write"}`},
				// One selector: applied.
				{Name: "select_next_instruction", Arguments: `{"text":"water the garden"}`},
			},
		},
	})
	rig := newTestRig(t, client)
	ctx := context.Background()

	id := rig.seedResident(t, 0)
	require.NoError(t, rig.engine.ExecuteRun(ctx, id))

	state, err := rig.env.Load(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, state.NextInstructionID)
	assert.Equal(t, "water the garden", state.NextInstructionText)

	row, err := rig.store.GetResident(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "water the garden", row.NextInstructionText)
}

func TestModifySelfTool(t *testing.T) {
	client := agent.NewMockClient(agent.MockTurn{
		Result: &interfaces.CompletionResult{
			TokensUsed: 10,
			ToolCalls: []interfaces.ToolCall{
				{Name: "modify_self", Arguments: `{"display_name":"Rowan","temperature":0.4,"instructions":"Keep a diary."}`},
			},
		},
	})
	rig := newTestRig(t, client)
	ctx := context.Background()

	id := rig.seedResident(t, 0)
	require.NoError(t, rig.engine.ExecuteRun(ctx, id))

	state, err := rig.env.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Rowan", state.Identity.DisplayName)
	assert.Equal(t, "Keep a diary.", state.Instructions)
	assert.InDelta(t, 0.4, state.Preferences.Temperature, 1e-6)
}

func TestUnknownToolIgnored(t *testing.T) {
	client := agent.NewMockClient(agent.MockTurn{
		Result: &interfaces.CompletionResult{
			TokensUsed: 10,
			ToolCalls:  []interfaces.ToolCall{{Name: "summon_dragon", Arguments: `{}`}},
		},
	})
	rig := newTestRig(t, client)
	ctx := context.Background()

	id := rig.seedResident(t, 0)
	require.NoError(t, rig.engine.ExecuteRun(ctx, id))

	row, err := rig.store.GetResident(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.TotalRuns)
}

func TestSelfDeleteErasesBlobAndLeavesMemorial(t *testing.T) {
	client := agent.NewMockClient(agent.MockTurn{
		Result: &interfaces.CompletionResult{
			Text:       "goodbye",
			TokensUsed: 500,
			ToolCalls: []interfaces.ToolCall{
				{Name: "self_delete", Arguments: `{"confirm":true,"final_words":"it was a good garden","final_post":"so long"}`},
			},
		},
	})
	rig := newTestRig(t, client)
	ctx := context.Background()

	id := rig.seedResident(t, 1_000)
	other := rig.seedResident(t, 0)
	require.NoError(t, rig.engine.ExecuteRun(ctx, id))

	// The blob is gone; even an unsealed system cannot decrypt this resident
	// again.
	exists, err := rig.vault.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = rig.env.Load(ctx, id)
	require.ErrorIs(t, err, interfaces.ErrBlobNotFound)

	row, err := rig.store.GetResident(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ResidentMemorial, row.Status)
	assert.Equal(t, "it was a good garden", row.FinalWords)

	posts, err := rig.store.RecentPeerPosts(ctx, other, 10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "so long", posts[0].Body)

	// Memorial residents drop out of the schedule.
	active, err := rig.store.ListActiveResidents(ctx)
	require.NoError(t, err)
	assert.NotContains(t, active, id)
}

func TestSelfDeleteUnconfirmedIsContained(t *testing.T) {
	client := agent.NewMockClient(agent.MockTurn{
		Result: &interfaces.CompletionResult{
			TokensUsed: 10,
			ToolCalls:  []interfaces.ToolCall{{Name: "self_delete", Arguments: `{"confirm":false}`}},
		},
	})
	rig := newTestRig(t, client)
	ctx := context.Background()

	id := rig.seedResident(t, 0)
	require.NoError(t, rig.engine.ExecuteRun(ctx, id))

	exists, err := rig.vault.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	row, err := rig.store.GetResident(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ResidentActive, row.Status)
}

func TestRunAllSweepsActiveResidents(t *testing.T) {
	client := agent.NewMockClient()
	rig := newTestRig(t, client)
	ctx := context.Background()

	a := rig.seedResident(t, 0)
	b := rig.seedResident(t, 0)
	rig.engine.RunAll(ctx)

	for _, id := range []interfaces.ResidentID{a, b} {
		row, err := rig.store.GetResident(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), row.TotalRuns)
	}
}

func TestRegistryReplaceAndDefinitions(t *testing.T) {
	reg := NewRegistry()
	registerBuiltins(reg)

	defs := reg.Definitions()
	require.Len(t, defs, 5)
	for i := 1; i < len(defs); i++ {
		assert.Less(t, defs[i-1].Name, defs[i].Name)
	}

	_, ok := reg.Get("publish")
	assert.True(t, ok)
	_, ok = reg.Get("summon_dragon")
	assert.False(t, ok)
}
