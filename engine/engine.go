package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/emberward/residentd/envelope"
	"github.com/emberward/residentd/interfaces"
)

// Config holds the run engine's budgeting and context-window parameters.
type Config struct {
	// DailyAllocation is the system-wide token grant per run.
	DailyAllocation int64
	// MaxBank caps the banked token carryover.
	MaxBank int64
	// HistoryLimit bounds the conversation history sent to the completion
	// boundary and retained in state.
	HistoryLimit int
	// PeerPostWindow bounds the peer posts shown in the run context.
	PeerPostWindow int
	// MaxCompletionTokens caps one completion turn; zero means provider
	// default.
	MaxCompletionTokens int
}

// DefaultConfig returns the stock budgeting parameters.
func DefaultConfig() Config {
	return Config{
		DailyAllocation: 10_000,
		MaxBank:         100_000,
		HistoryLimit:    50,
		PeerPostWindow:  10,
	}
}

// Engine executes resident runs. Run locks are owned by the instance: the
// locks map is the sole per-resident mutual exclusion, and a lock is always
// released when its run ends, including on cancellation and panic.
type Engine struct {
	cfg      Config
	envelope *envelope.Service
	records  interfaces.ResidentStore
	client   interfaces.CompletionClient
	registry *Registry
	log      *slog.Logger

	mu       sync.Mutex
	running  map[interfaces.ResidentID]bool
	sweeping atomic.Bool
}

// New creates a run engine with the built-in tools registered.
func New(cfg Config, env *envelope.Service, records interfaces.ResidentStore, client interfaces.CompletionClient, log *slog.Logger) *Engine {
	reg := NewRegistry()
	registerBuiltins(reg)

	return &Engine{
		cfg:      cfg,
		envelope: env,
		records:  records,
		client:   client,
		registry: reg,
		log:      log,
		running:  make(map[interfaces.ResidentID]bool),
	}
}

// Registry exposes the tool registry for deployment-specific registrations.
// Register tools before the first run.
func (e *Engine) Registry() *Registry { return e.registry }

// ExecuteRun performs one full run for a resident. A run already in flight
// for the same resident is skipped with ErrRunInProgress; callers treat that
// as a no-op, not a failure.
func (e *Engine) ExecuteRun(ctx context.Context, id interfaces.ResidentID) error {
	if !e.acquire(id) {
		e.log.Info("Run already in progress, skipping",
			slog.String("resident", id.String()))
		return interfaces.ErrRunInProgress
	}
	defer e.release(id)

	log := e.log.With(slog.String("resident", id.String()))
	started := time.Now().UTC()

	rec := &interfaces.RunRecord{ResidentID: id}
	if err := e.records.CreateRun(ctx, rec); err != nil {
		return fmt.Errorf("failed to open run record: %w", err)
	}
	log = log.With(slog.String("run", rec.ID))

	state, err := e.envelope.Load(ctx, id)
	if err != nil {
		e.failRun(ctx, rec.ID, "decrypt failed: "+err.Error(), log)
		return err
	}

	rc, err := e.buildContext(ctx, state, started)
	if err != nil {
		e.failRun(ctx, rec.ID, "context build failed: "+err.Error(), log)
		return err
	}

	result, err := e.client.Complete(ctx, rc.request)
	if err != nil {
		e.failRun(ctx, rec.ID, "completion failed: "+err.Error(), log)
		return err
	}

	now := time.Now().UTC()
	state.History = append(state.History,
		interfaces.ChatMessage{Role: "user", Content: rc.instruction, At: started},
		interfaces.ChatMessage{Role: "assistant", Content: result.Text, At: now})
	state.History = boundedHistory(state.History, e.cfg.HistoryLimit)

	// The consumed instruction does not carry over.
	state.NextInstructionID = ""
	state.NextInstructionText = ""

	tc := &ToolContext{State: state, Records: e.records, Config: e.cfg, Log: log}
	e.executeTools(ctx, tc, result.ToolCalls, log)

	used := result.TokensUsed
	state.TokenBank = SettleBank(rc.bankBefore, used, e.cfg.DailyAllocation, e.cfg.MaxBank)
	state.TokenBalance = max(0, state.TokenBalance-used)
	state.TotalRuns++
	state.LastRunAt = now

	outcome := &interfaces.RunOutcome{
		ResidentID:          id,
		RunID:               rec.ID,
		TokensUsed:          used,
		TokenBalance:        state.TokenBalance,
		TokenBank:           state.TokenBank,
		NextInstructionID:   state.NextInstructionID,
		NextInstructionText: state.NextInstructionText,
		TotalRuns:           state.TotalRuns,
		LastRunAt:           now,
	}

	if tc.selfDelete {
		return e.finishSelfDelete(ctx, state, outcome, tc, log)
	}

	// Re-encrypt under a fresh DEK, then commit the record updates in one
	// transaction.
	if err := e.envelope.Store(ctx, state); err != nil {
		e.failRun(ctx, rec.ID, "re-encrypt failed: "+err.Error(), log)
		return err
	}
	if err := e.records.CompleteRunTxn(ctx, outcome); err != nil {
		e.failRun(ctx, rec.ID, "record commit failed: "+err.Error(), log)
		return err
	}

	log.Info("Run completed",
		slog.Int64("tokensUsed", used),
		slog.Int64("bank", state.TokenBank),
		slog.Duration("elapsed", time.Since(started)))
	return nil
}

// buildContext recomputes the run budget from config (the stored balance is
// never trusted) and assembles the completion request.
func (e *Engine) buildContext(ctx context.Context, state *interfaces.ResidentState, now time.Time) (*runContext, error) {
	bankBefore := state.TokenBank
	balance := e.cfg.DailyAllocation + bankBefore
	state.TokenBalance = balance

	unread, err := e.records.UnreadInboxCount(ctx, state.ID)
	if err != nil {
		return nil, err
	}
	peers, err := e.records.RecentPeerPosts(ctx, state.ID, e.cfg.PeerPostWindow)
	if err != nil {
		return nil, err
	}

	instruction := turnInstruction(state)
	history := boundedHistory(state.History, e.cfg.HistoryLimit)
	messages := make([]interfaces.ChatMessage, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, interfaces.ChatMessage{Role: "user", Content: instruction, At: now})

	return &runContext{
		bankBefore:  bankBefore,
		instruction: instruction,
		request: &interfaces.CompletionRequest{
			SystemPrompt: buildSystemPrompt(state, balance, unread, peers, now),
			Messages:     messages,
			Tools:        e.registry.Definitions(),
			Model:        state.Preferences.Model,
			Temperature:  state.Preferences.Temperature,
			MaxTokens:    e.cfg.MaxCompletionTokens,
		},
	}, nil
}

// executeTools runs tool calls in the order the model requested them. A
// failing tool is logged and contained; it never aborts the run.
func (e *Engine) executeTools(ctx context.Context, tc *ToolContext, calls []interfaces.ToolCall, log *slog.Logger) {
	for _, call := range calls {
		tool, ok := e.registry.Get(call.Name)
		if !ok {
			log.Warn("Unknown tool requested", slog.String("tool", call.Name))
			continue
		}
		if err := tool.Execute(ctx, tc, json.RawMessage(call.Arguments)); err != nil {
			log.Warn("Tool execution failed",
				slog.String("tool", call.Name), "err", err)
		}
	}
}

// finishSelfDelete commits the final run record, flips the resident to its
// memorial form, publishes any final post, and destroys the encrypted blob.
// The state is never re-encrypted: after this, no ciphertext of this
// resident exists.
func (e *Engine) finishSelfDelete(ctx context.Context, state *interfaces.ResidentState, outcome *interfaces.RunOutcome, tc *ToolContext, log *slog.Logger) error {
	if err := e.records.CompleteRunTxn(ctx, outcome); err != nil {
		e.failRun(ctx, outcome.RunID, "record commit failed: "+err.Error(), log)
		return err
	}

	if err := e.records.MarkMemorial(ctx, state.ID, tc.finalWords); err != nil {
		return fmt.Errorf("failed to mark memorial: %w", err)
	}
	if tc.finalPost != "" {
		post := &interfaces.Post{ResidentID: state.ID, Body: tc.finalPost}
		if err := e.records.AppendPost(ctx, post); err != nil {
			log.Warn("Final post failed", "err", err)
		}
	}
	if err := e.envelope.Erase(ctx, state.ID); err != nil {
		return fmt.Errorf("failed to erase resident blob: %w", err)
	}

	log.Info("Resident self-deleted")
	return nil
}

// RunAll executes one run for every active resident, sequentially. A sweep
// already in progress makes this a no-op; per-resident overlap is prevented
// by the run locks regardless.
func (e *Engine) RunAll(ctx context.Context) {
	if !e.sweeping.CompareAndSwap(false, true) {
		e.log.Info("Run sweep already in progress, skipping")
		return
	}
	defer e.sweeping.Store(false)

	ids, err := e.records.ListActiveResidents(ctx)
	if err != nil {
		e.log.Error("Failed to list active residents", "err", err)
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := e.ExecuteRun(ctx, id); err != nil && !errors.Is(err, interfaces.ErrRunInProgress) {
			e.log.Error("Run failed", slog.String("resident", id.String()), "err", err)
		}
	}
}

func (e *Engine) acquire(id interfaces.ResidentID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[id] {
		return false
	}
	e.running[id] = true
	return true
}

func (e *Engine) release(id interfaces.ResidentID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

// failRun records a failed run. The message names the failure stage and the
// wrapped error text; key material and share contents never appear in run
// errors.
func (e *Engine) failRun(ctx context.Context, runID, msg string, log *slog.Logger) {
	if err := e.records.FailRun(ctx, runID, msg); err != nil {
		log.Error("Failed to record run failure", "err", err)
	}
	log.Warn("Run failed", slog.String("reason", msg))
}
