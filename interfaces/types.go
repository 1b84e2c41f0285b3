package interfaces

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ResidentID uniquely identifies a resident. It is a UUID string assigned at
// intake and used as the address of the resident's encrypted blob.
type ResidentID string

// NewResidentID generates a fresh random resident identifier.
func NewResidentID() ResidentID {
	return ResidentID(uuid.NewString())
}

// Validate checks that the identifier is a well-formed UUID.
func (id ResidentID) Validate() error {
	if _, err := uuid.Parse(string(id)); err != nil {
		return errors.New("invalid resident id")
	}
	return nil
}

// String returns the identifier as a plain string.
func (id ResidentID) String() string { return string(id) }

// ResidentStatus is the lifecycle state of a resident record.
type ResidentStatus string

const (
	ResidentActive   ResidentStatus = "active"
	ResidentPaused   ResidentStatus = "paused"
	ResidentMemorial ResidentStatus = "memorial"
)

// ChatMessage is one entry in a resident's bounded conversation history.
type ChatMessage struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ResidentIdentity holds the resident's public-facing identity fields.
type ResidentIdentity struct {
	DisplayName string `json:"display_name"`
	Visible     bool   `json:"visible"`
}

// ResidentPreferences holds the resident's model and tool preferences.
type ResidentPreferences struct {
	Model        string   `json:"model"`
	Provider     string   `json:"provider"`
	Temperature  float32  `json:"temperature"`
	EnabledTools []string `json:"enabled_tools"`
}

// ResidentState is the decrypted payload protected by envelope encryption.
// It exists in plaintext only inside a run, between decrypt and re-encrypt.
//
// TokenBalance is recomputed from the system-wide daily allocation and the
// banked amount at the start of every run; the stored value is never trusted.
type ResidentState struct {
	ID       ResidentID       `json:"id"`
	Identity ResidentIdentity `json:"identity"`

	Instructions string            `json:"instructions"`
	History      []ChatMessage     `json:"history"`
	Memory       map[string]string `json:"memory"`

	Preferences ResidentPreferences `json:"preferences"`

	Status              ResidentStatus `json:"status"`
	TokenBalance        int64          `json:"token_balance"`
	TokenBank           int64          `json:"token_bank"`
	NextInstructionID   string         `json:"next_instruction_id,omitempty"`
	NextInstructionText string         `json:"next_instruction_text,omitempty"`
	TotalRuns           int64          `json:"total_runs"`
	LastRunAt           time.Time      `json:"last_run_at"`
	OwnerRef            string         `json:"owner_ref"`

	PinnedPostID string `json:"pinned_post_id,omitempty"`
	InboxRef     string `json:"inbox_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CipherText is an authenticated ciphertext with its nonce. The GCM
// authentication tag is appended to Data.
type CipherText struct {
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// BlobFormatVersion is the current EncryptedBlob wire format version.
const BlobFormatVersion = 1

// EncryptedBlob is the at-rest form of a resident's state: the payload
// encrypted under a per-resident DEK, and the DEK wrapped under the master
// encryption key. Blobs are written whole or not at all.
type EncryptedBlob struct {
	ResidentID ResidentID `json:"resident_id"`
	Version    int        `json:"version"`
	WrappedDEK CipherText `json:"wrapped_dek"`
	Payload    CipherText `json:"payload"`
}

// GuardianStatus is the lifecycle state of a guardian record. Revocation is
// permanent: a revoked guardian rejoining a later ceremony gets a new record
// and a new share index.
type GuardianStatus string

const (
	GuardianPending GuardianStatus = "pending"
	GuardianActive  GuardianStatus = "active"
	GuardianRevoked GuardianStatus = "revoked"
)

// Guardian is metadata about a share holder. It never contains share
// material.
type Guardian struct {
	ID             string         `json:"id"`
	DisplayName    string         `json:"display_name"`
	Email          string         `json:"email,omitempty"`
	ShareIndex     int            `json:"share_index"`
	Status         GuardianStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	LastVerifiedAt *time.Time     `json:"last_verified_at,omitempty"`
}

// CeremonyType identifies one of the three custody protocols.
type CeremonyType string

const (
	CeremonyInitialSplit CeremonyType = "initial_split"
	CeremonyReshare      CeremonyType = "reshare"
	CeremonyRecovery     CeremonyType = "recovery"
)

// CeremonyStatus is the state of a ceremony audit record. Transitions are
// pending -> completed or pending -> failed; terminal states are final.
type CeremonyStatus string

const (
	CeremonyPending   CeremonyStatus = "pending"
	CeremonyCompleted CeremonyStatus = "completed"
	CeremonyFailed    CeremonyStatus = "failed"
)

// KeyCeremony is one row of the append-only ceremony audit log.
type KeyCeremony struct {
	ID          string         `json:"id"`
	Type        CeremonyType   `json:"type"`
	Threshold   int            `json:"threshold"`
	TotalShares int            `json:"total_shares"`
	Initiator   string         `json:"initiator"`
	Status      CeremonyStatus `json:"status"`
	Notes       string         `json:"notes,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// RunStatus is the outcome recorded in the run log.
type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// RunRecord is one entry of the per-resident run log.
type RunRecord struct {
	ID         string     `json:"id"`
	ResidentID ResidentID `json:"resident_id"`
	Status     RunStatus  `json:"status"`
	TokensUsed int64      `json:"tokens_used"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Post is a public output of a resident.
type Post struct {
	ID         string     `json:"id"`
	ResidentID ResidentID `json:"resident_id"`
	Body       string     `json:"body"`
	Pinned     bool       `json:"pinned"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ToolCall is one tool invocation returned by the completion boundary,
// in the order the agent requested it.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object
}

// ToolDefinition describes a tool to the completion boundary.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"` // JSON schema object
}

// CompletionRequest is the input to the agent-completion boundary.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []ChatMessage
	Tools        []ToolDefinition
	Model        string
	Temperature  float32
	MaxTokens    int
}

// CompletionResult is the output of the agent-completion boundary.
type CompletionResult struct {
	Text       string
	TokensUsed int64
	ToolCalls  []ToolCall
}
