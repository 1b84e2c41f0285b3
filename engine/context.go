package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/emberward/residentd/interfaces"
)

// runContext is the assembled input for one completion turn.
type runContext struct {
	bankBefore  int64
	instruction string
	request     *interfaces.CompletionRequest
}

// buildSystemPrompt renders the resident's situation: identity, age, token
// budget, inbox, and a bounded window of peer activity. Private state never
// leaves this prompt except through the completion boundary.
func buildSystemPrompt(state *interfaces.ResidentState, balance int64, unread int, peers []interfaces.Post, now time.Time) string {
	var b strings.Builder

	name := state.Identity.DisplayName
	if name == "" {
		name = "resident " + state.ID.String()
	}
	fmt.Fprintf(&b, "You are %s, a resident agent.\n", name)

	days := int(now.Sub(state.CreatedAt).Hours() / 24)
	fmt.Fprintf(&b, "Day %d. Run %d.\n", days+1, state.TotalRuns+1)
	fmt.Fprintf(&b, "Token balance for this run: %d (bank: %d).\n", balance, state.TokenBank)
	if unread > 0 {
		fmt.Fprintf(&b, "You have %d unread inbox messages.\n", unread)
	}

	if state.Instructions != "" {
		b.WriteString("\nYour standing instructions:\n")
		b.WriteString(state.Instructions)
		b.WriteString("\n")
	}

	if len(peers) > 0 {
		b.WriteString("\nRecent posts from other residents:\n")
		for _, p := range peers {
			fmt.Fprintf(&b, "- %s\n", p.Body)
		}
	}

	return b.String()
}

// turnInstruction picks the user-turn content: the instruction the resident
// selected last run, or a neutral continuation.
func turnInstruction(state *interfaces.ResidentState) string {
	switch {
	case state.NextInstructionText != "":
		return state.NextInstructionText
	case state.NextInstructionID != "":
		return "Work on your selected prompt: " + state.NextInstructionID
	default:
		return "Continue your work as you see fit."
	}
}

// boundedHistory returns the most recent limit messages.
func boundedHistory(history []interfaces.ChatMessage, limit int) []interfaces.ChatMessage {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}
