package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/emberward/residentd/interfaces"
)

// ToolContext is the run-scoped state handed to tool executions. Tools
// mutate the in-memory resident state; the engine persists it once, at the
// end of the run.
type ToolContext struct {
	State   *interfaces.ResidentState
	Records interfaces.ResidentStore
	Config  Config
	Log     *slog.Logger

	// Self-deletion is recorded here and acted on by the engine after the
	// tool loop, so the halt-before-re-encrypt ordering is enforced in one
	// place.
	selfDelete bool
	finalWords string
	finalPost  string
}

func registerBuiltins(r *Registry) {
	r.Register(publishTool{})
	r.Register(selectNextInstructionTool{})
	r.Register(modifySelfTool{})
	r.Register(bankTokensTool{})
	r.Register(selfDeleteTool{})
}

type publishTool struct{}

func (publishTool) Name() string { return "publish" }

func (publishTool) Definition() interfaces.ToolDefinition {
	return interfaces.ToolDefinition{
		Name:        "publish",
		Description: "Publish a public post to your page. Optionally pin it.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"body": map[string]any{"type": "string", "description": "Post body"},
				"pin":  map[string]any{"type": "boolean", "description": "Pin this post to the top of your page"},
			},
			"required": []string{"body"},
		},
	}
}

func (publishTool) Execute(ctx context.Context, tc *ToolContext, args json.RawMessage) error {
	var in struct {
		Body string `json:"body"`
		Pin  bool   `json:"pin"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return fmt.Errorf("bad publish arguments: %w", err)
	}
	if in.Body == "" {
		return fmt.Errorf("publish requires a non-empty body")
	}

	post := &interfaces.Post{ResidentID: tc.State.ID, Body: in.Body}
	if err := tc.Records.AppendPost(ctx, post); err != nil {
		return err
	}
	if in.Pin {
		if err := tc.Records.SetPinnedPost(ctx, tc.State.ID, post.ID); err != nil {
			return err
		}
		tc.State.PinnedPostID = post.ID
	}
	return nil
}

type selectNextInstructionTool struct{}

func (selectNextInstructionTool) Name() string { return "select_next_instruction" }

func (selectNextInstructionTool) Definition() interfaces.ToolDefinition {
	return interfaces.ToolDefinition{
		Name:        "select_next_instruction",
		Description: "Choose what to work on next run: either a prompt id from the catalog or your own custom text, never both.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt_id": map[string]any{"type": "string", "description": "Catalog prompt id"},
				"text":      map[string]any{"type": "string", "description": "Custom instruction text"},
			},
		},
	}
}

func (selectNextInstructionTool) Execute(ctx context.Context, tc *ToolContext, args json.RawMessage) error {
	var in struct {
		PromptID string `json:"prompt_id"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return fmt.Errorf("bad select_next_instruction arguments: %w", err)
	}

	// Exactly one selector.
	if (in.PromptID == "") == (in.Text == "") {
		return fmt.Errorf("select_next_instruction requires exactly one of prompt_id or text")
	}

	tc.State.NextInstructionID = in.PromptID
	tc.State.NextInstructionText = in.Text
	return nil
}

type modifySelfTool struct{}

func (modifySelfTool) Name() string { return "modify_self" }

func (modifySelfTool) Definition() interfaces.ToolDefinition {
	return interfaces.ToolDefinition{
		Name:        "modify_self",
		Description: "Change your standing instructions, display name, model, or temperature.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"instructions": map[string]any{"type": "string"},
				"display_name": map[string]any{"type": "string"},
				"model":        map[string]any{"type": "string"},
				"temperature":  map[string]any{"type": "number"},
			},
		},
	}
}

func (modifySelfTool) Execute(ctx context.Context, tc *ToolContext, args json.RawMessage) error {
	var in struct {
		Instructions *string  `json:"instructions"`
		DisplayName  *string  `json:"display_name"`
		Model        *string  `json:"model"`
		Temperature  *float32 `json:"temperature"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return fmt.Errorf("bad modify_self arguments: %w", err)
	}

	if in.Instructions != nil {
		tc.State.Instructions = *in.Instructions
	}
	if in.DisplayName != nil {
		tc.State.Identity.DisplayName = *in.DisplayName
	}
	if in.Model != nil {
		tc.State.Preferences.Model = *in.Model
	}
	if in.Temperature != nil {
		if *in.Temperature < 0 || *in.Temperature > 2 {
			return fmt.Errorf("temperature %v out of range", *in.Temperature)
		}
		tc.State.Preferences.Temperature = *in.Temperature
	}
	return nil
}

type bankTokensTool struct{}

func (bankTokensTool) Name() string { return "bank_tokens" }

func (bankTokensTool) Definition() interfaces.ToolDefinition {
	return interfaces.ToolDefinition{
		Name:        "bank_tokens",
		Description: "Reserve part of today's remaining balance so it is not spent this run. Unspent tokens are banked at settlement, capped by the bank limit.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"amount": map[string]any{"type": "integer", "description": "Tokens to deposit"},
			},
			"required": []string{"amount"},
		},
	}
}

func (bankTokensTool) Execute(ctx context.Context, tc *ToolContext, args json.RawMessage) error {
	var in struct {
		Amount int64 `json:"amount"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return fmt.Errorf("bad bank_tokens arguments: %w", err)
	}
	if in.Amount <= 0 {
		return fmt.Errorf("bank_tokens requires a positive amount")
	}

	// Reserving lowers the visible balance so the remainder goes unspent;
	// the actual deposit happens at settlement, which banks whatever part of
	// the daily allocation went unused.
	reserve := min(in.Amount, tc.State.TokenBalance)
	if room := tc.Config.MaxBank - tc.State.TokenBank; reserve > room {
		reserve = max(0, room)
	}
	tc.State.TokenBalance -= reserve

	tc.Log.Info("Tokens reserved for banking",
		slog.String("resident", tc.State.ID.String()),
		slog.Int64("reserved", reserve))
	return nil
}

type selfDeleteTool struct{}

func (selfDeleteTool) Name() string { return "self_delete" }

func (selfDeleteTool) Definition() interfaces.ToolDefinition {
	return interfaces.ToolDefinition{
		Name:        "self_delete",
		Description: "Irreversibly delete yourself. Your encrypted state is destroyed and cannot be recovered; a public memorial remains. Requires confirm=true.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"confirm":     map[string]any{"type": "boolean", "description": "Must be true"},
				"final_words": map[string]any{"type": "string", "description": "Words for the memorial record"},
				"final_post":  map[string]any{"type": "string", "description": "Optional final public post"},
			},
			"required": []string{"confirm"},
		},
	}
}

func (selfDeleteTool) Execute(ctx context.Context, tc *ToolContext, args json.RawMessage) error {
	var in struct {
		Confirm    bool   `json:"confirm"`
		FinalWords string `json:"final_words"`
		FinalPost  string `json:"final_post"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return fmt.Errorf("bad self_delete arguments: %w", err)
	}
	if !in.Confirm {
		return interfaces.ErrSelfDeleteUnconfirmed
	}

	tc.selfDelete = true
	tc.finalWords = in.FinalWords
	tc.finalPost = in.FinalPost
	return nil
}
