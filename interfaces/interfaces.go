package interfaces

import (
	"context"
	"time"
)

// BlobStore holds one encrypted blob per resident on durable storage.
// Implementations must provide atomic replace semantics: a Write either
// fully replaces the prior blob or leaves it intact. No cryptographic
// logic lives behind this interface.
type BlobStore interface {
	// Read retrieves the blob for a resident. Returns ErrBlobNotFound if
	// no blob exists.
	Read(ctx context.Context, id ResidentID) (*EncryptedBlob, error)

	// Write atomically replaces the resident's blob.
	Write(ctx context.Context, blob *EncryptedBlob) error

	// Delete removes the resident's blob. Deleting a missing blob is not
	// an error.
	Delete(ctx context.Context, id ResidentID) error

	// Exists reports whether a blob is present for the resident.
	Exists(ctx context.Context, id ResidentID) (bool, error)

	// Name returns an identifier for logging.
	Name() string
}

// GuardianSpec names a guardian to be created during a ceremony.
type GuardianSpec struct {
	Name  string
	Email string
}

// CustodyStore persists guardian records and the append-only ceremony audit
// log. Guardian records are metadata only; share material never touches this
// store.
type CustodyStore interface {
	// AddGuardian creates a guardian with the given share index. The index
	// must be the next unused integer; ErrShareIndexTaken otherwise.
	AddGuardian(ctx context.Context, name, email string, shareIndex int) (*Guardian, error)

	// UpdateGuardianStatus transitions a guardian's status. Revocation is
	// permanent.
	UpdateGuardianStatus(ctx context.Context, id string, status GuardianStatus) error

	// TouchGuardianVerified records a successful share verification time.
	TouchGuardianVerified(ctx context.Context, id string) error

	// ListGuardians returns guardian records, optionally including revoked
	// ones.
	ListGuardians(ctx context.Context, includeRevoked bool) ([]Guardian, error)

	// GuardianCount returns the number of active guardians.
	GuardianCount(ctx context.Context) (int, error)

	// NextShareIndex returns the next unassigned share index. Indices are
	// monotonic across all cohorts and never reused.
	NextShareIndex(ctx context.Context) (int, error)

	// CreateCeremony appends a pending ceremony row to the audit log.
	CreateCeremony(ctx context.Context, c *KeyCeremony) error

	// HasCompletedCeremony reports whether a completed ceremony of the given
	// type exists.
	HasCompletedCeremony(ctx context.Context, typ CeremonyType) (bool, error)

	// CompleteCeremony transitions a pending ceremony to completed.
	CompleteCeremony(ctx context.Context, id string) error

	// FailCeremony transitions a pending ceremony to failed with a note.
	FailCeremony(ctx context.Context, id, note string) error

	// GetCeremony returns one audit row.
	GetCeremony(ctx context.Context, id string) (*KeyCeremony, error)

	// LatestCompletedSplit returns the most recent completed initial_split
	// or reshare ceremony, whose threshold and total are the current sharing
	// parameters. Returns nil when no split has ever completed.
	LatestCompletedSplit(ctx context.Context) (*KeyCeremony, error)

	// CreateCohort inserts a fresh guardian cohort and marks the ceremony
	// completed in a single transaction. Used by the initial split.
	CreateCohort(ctx context.Context, ceremonyID string, specs []GuardianSpec) ([]Guardian, error)

	// RotateCohort revokes all active guardians, inserts the new cohort with
	// fresh monotonic share indices, and marks the ceremony completed, all in
	// a single transaction. Any failure rolls the whole rotation back.
	RotateCohort(ctx context.Context, ceremonyID string, specs []GuardianSpec) ([]Guardian, error)
}

// RunOutcome carries the durable-record updates applied after a successful
// run. The store applies them in one transaction together with inbox
// delivery marking and the run-log completion.
type RunOutcome struct {
	ResidentID   ResidentID
	RunID        string
	TokensUsed   int64
	TokenBalance int64
	TokenBank    int64
	NextInstructionID   string
	NextInstructionText string
	TotalRuns    int64
	LastRunAt    time.Time
}

// ResidentStore persists resident records, the run log, inbox messages and
// public posts. It is the transactional collaborator behind the run engine's
// Persist step.
type ResidentStore interface {
	// CreateResident inserts a resident record at intake.
	CreateResident(ctx context.Context, id ResidentID, ownerRef string, createdAt time.Time) error

	// ListActiveResidents returns the ids of residents eligible for runs.
	ListActiveResidents(ctx context.Context) ([]ResidentID, error)

	// CreateRun appends a started run-log entry.
	CreateRun(ctx context.Context, rec *RunRecord) error

	// FailRun marks a run failed with an error message. The message must
	// never contain key material or share contents.
	FailRun(ctx context.Context, runID, errMsg string) error

	// CompleteRunTxn applies the run outcome: updates the resident record,
	// marks pending inbox messages delivered, and completes the run-log row.
	// All updates commit atomically or roll back entirely.
	CompleteRunTxn(ctx context.Context, out *RunOutcome) error

	// UnreadInboxCount returns the number of undelivered inbox messages.
	UnreadInboxCount(ctx context.Context, id ResidentID) (int, error)

	// RecentPeerPosts returns a bounded window of public posts by other
	// residents, newest first.
	RecentPeerPosts(ctx context.Context, exclude ResidentID, limit int) ([]Post, error)

	// AppendPost records a public post.
	AppendPost(ctx context.Context, post *Post) error

	// SetPinnedPost pins a post on the resident's public page.
	SetPinnedPost(ctx context.Context, id ResidentID, postID string) error

	// MarkMemorial flips the resident record to its public memorial form.
	// The encrypted blob is destroyed separately by cryptographic erasure.
	MarkMemorial(ctx context.Context, id ResidentID, finalWords string) error
}

// CompletionClient is the opaque agent-completion boundary. Implementations
// are potentially slow, potentially failing network calls; the engine treats
// them as cancellable via ctx and never retries internally.
type CompletionClient interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)
}
