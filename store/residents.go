package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/emberward/residentd/interfaces"
)

// ResidentRow is the durable, public-safe projection of a resident. The
// private state (instructions, history, memory) lives only in the encrypted
// blob.
type ResidentRow struct {
	ID              interfaces.ResidentID
	OwnerRef        string
	Status          interfaces.ResidentStatus
	TotalRuns       int64
	TokensUsedTotal int64
	TokenBalance    int64
	TokenBank       int64
	NextInstructionID   string
	NextInstructionText string
	FinalWords      string
	LastRunAt       *time.Time
	CreatedAt       time.Time
}

// CreateResident inserts a resident record at intake.
func (s *Store) CreateResident(ctx context.Context, id interfaces.ResidentID, ownerRef string, createdAt time.Time) error {
	query, args, err := s.sq.Insert("residents").
		Columns("id", "owner_ref", "status", "created_at").
		Values(id.String(), ownerRef, string(interfaces.ResidentActive), createdAt.UTC()).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert resident: %w", err)
	}
	return nil
}

// GetResident loads a resident row.
func (s *Store) GetResident(ctx context.Context, id interfaces.ResidentID) (*ResidentRow, error) {
	query, args, err := s.sq.Select(
		"id", "owner_ref", "status", "total_runs", "tokens_used_total",
		"token_balance", "token_bank", "next_instruction_id", "next_instruction_text",
		"final_words", "last_run_at", "created_at").
		From("residents").
		Where(sq.Eq{"id": id.String()}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row ResidentRow
	var idStr, status string
	var lastRun sql.NullTime
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&idStr, &row.OwnerRef, &status, &row.TotalRuns, &row.TokensUsedTotal,
		&row.TokenBalance, &row.TokenBank, &row.NextInstructionID, &row.NextInstructionText,
		&row.FinalWords, &lastRun, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrResidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load resident: %w", err)
	}

	row.ID = interfaces.ResidentID(idStr)
	row.Status = interfaces.ResidentStatus(status)
	if lastRun.Valid {
		t := lastRun.Time
		row.LastRunAt = &t
	}
	return &row, nil
}

// ListActiveResidents returns the ids of residents eligible for scheduled
// runs.
func (s *Store) ListActiveResidents(ctx context.Context) ([]interfaces.ResidentID, error) {
	query, args, err := s.sq.Select("id").From("residents").
		Where(sq.Eq{"status": string(interfaces.ResidentActive)}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list residents: %w", err)
	}
	defer rows.Close()

	var out []interfaces.ResidentID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan resident id: %w", err)
		}
		out = append(out, interfaces.ResidentID(id))
	}
	return out, rows.Err()
}

// CreateRun appends a started run-log entry.
func (s *Store) CreateRun(ctx context.Context, rec *interfaces.RunRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = interfaces.RunStarted
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	query, args, err := s.sq.Insert("run_log").
		Columns("id", "resident_id", "status", "started_at").
		Values(rec.ID, rec.ResidentID.String(), string(rec.Status), rec.StartedAt).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert run record: %w", err)
	}
	return nil
}

// FailRun marks a started run failed. The message carries the error kind and
// identifiers only; key material and share contents never reach the run log.
func (s *Store) FailRun(ctx context.Context, runID, errMsg string) error {
	query, args, err := s.sq.Update("run_log").
		Set("status", string(interfaces.RunFailed)).
		Set("error", errMsg).
		Set("finished_at", time.Now().UTC()).
		Where(sq.Eq{"id": runID, "status": string(interfaces.RunStarted)}).
		ToSql()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s is not in started state", runID)
	}
	return nil
}

// CompleteRunTxn applies a run's durable effects in one transaction: the
// resident record update, inbox delivery marking, and the run-log
// completion. Any failure rolls the whole set back, leaving the prior record
// observable and the run retryable.
func (s *Store) CompleteRunTxn(ctx context.Context, out *interfaces.RunOutcome) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE residents SET
				total_runs = ?,
				tokens_used_total = tokens_used_total + ?,
				token_balance = ?,
				token_bank = ?,
				next_instruction_id = ?,
				next_instruction_text = ?,
				last_run_at = ?
			WHERE id = ?`,
			out.TotalRuns, out.TokensUsed, out.TokenBalance, out.TokenBank,
			out.NextInstructionID, out.NextInstructionText, out.LastRunAt.UTC(),
			out.ResidentID.String())
		if err != nil {
			return fmt.Errorf("failed to update resident record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrResidentNotFound
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE inbox SET delivered = 1, delivered_at = ? WHERE resident_id = ? AND delivered = 0",
			now, out.ResidentID.String()); err != nil {
			return fmt.Errorf("failed to mark inbox delivered: %w", err)
		}

		res, err = tx.ExecContext(ctx,
			"UPDATE run_log SET status = ?, tokens_used = ?, finished_at = ? WHERE id = ? AND status = ?",
			string(interfaces.RunCompleted), out.TokensUsed, now, out.RunID, string(interfaces.RunStarted))
		if err != nil {
			return fmt.Errorf("failed to complete run record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %s is not in started state", out.RunID)
		}
		return nil
	})
}

// AddInboxMessage queues a message for delivery at the resident's next run.
func (s *Store) AddInboxMessage(ctx context.Context, id interfaces.ResidentID, senderRef, body string) error {
	query, args, err := s.sq.Insert("inbox").
		Columns("id", "resident_id", "sender_ref", "body", "created_at").
		Values(uuid.NewString(), id.String(), senderRef, body, time.Now().UTC()).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert inbox message: %w", err)
	}
	return nil
}

// UnreadInboxCount returns the number of undelivered inbox messages.
func (s *Store) UnreadInboxCount(ctx context.Context, id interfaces.ResidentID) (int, error) {
	query, args, err := s.sq.Select("COUNT(*)").From("inbox").
		Where(sq.Eq{"resident_id": id.String(), "delivered": 0}).
		ToSql()
	if err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count inbox: %w", err)
	}
	return n, nil
}

// RecentPeerPosts returns a bounded window of public posts by other
// residents, newest first.
func (s *Store) RecentPeerPosts(ctx context.Context, exclude interfaces.ResidentID, limit int) ([]interfaces.Post, error) {
	query, args, err := s.sq.Select("id", "resident_id", "body", "pinned", "created_at").
		From("posts").
		Where(sq.NotEq{"resident_id": exclude.String()}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list peer posts: %w", err)
	}
	defer rows.Close()

	var out []interfaces.Post
	for rows.Next() {
		var p interfaces.Post
		var idStr string
		if err := rows.Scan(&p.ID, &idStr, &p.Body, &p.Pinned, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		p.ResidentID = interfaces.ResidentID(idStr)
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendPost records a public post.
func (s *Store) AppendPost(ctx context.Context, post *interfaces.Post) error {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}

	query, args, err := s.sq.Insert("posts").
		Columns("id", "resident_id", "body", "pinned", "created_at").
		Values(post.ID, post.ResidentID.String(), post.Body, post.Pinned, post.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert post: %w", err)
	}
	return nil
}

// SetPinnedPost pins one post and unpins the rest for the resident.
func (s *Store) SetPinnedPost(ctx context.Context, id interfaces.ResidentID, postID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE posts SET pinned = 0 WHERE resident_id = ?", id.String()); err != nil {
			return fmt.Errorf("failed to unpin posts: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			"UPDATE posts SET pinned = 1 WHERE id = ? AND resident_id = ?", postID, id.String())
		if err != nil {
			return fmt.Errorf("failed to pin post: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("post %s not found for resident %s", postID, id)
		}
		return nil
	})
}

// MarkMemorial flips the resident record to its public memorial form. The
// encrypted blob is destroyed separately by the envelope service; this row
// is all that remains.
func (s *Store) MarkMemorial(ctx context.Context, id interfaces.ResidentID, finalWords string) error {
	query, args, err := s.sq.Update("residents").
		Set("status", string(interfaces.ResidentMemorial)).
		Set("final_words", finalWords).
		Where(sq.Eq{"id": id.String()}).
		ToSql()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark memorial: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return interfaces.ErrResidentNotFound
	}
	return nil
}
