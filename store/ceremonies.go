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
	"github.com/emberward/residentd/sharing"
)

// CreateCeremony appends a pending ceremony row to the audit log.
func (s *Store) CreateCeremony(ctx context.Context, c *interfaces.KeyCeremony) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = interfaces.CeremonyPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	query, args, err := s.sq.Insert("ceremonies").
		Columns("id", "type", "threshold", "total_shares", "initiator", "status", "notes", "created_at").
		Values(c.ID, string(c.Type), c.Threshold, c.TotalShares, c.Initiator, string(c.Status), c.Notes, c.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert ceremony: %w", err)
	}

	s.log.Info("Ceremony recorded",
		"ceremony", c.ID, "type", string(c.Type),
		"threshold", c.Threshold, "totalShares", c.TotalShares)
	return nil
}

// HasCompletedCeremony reports whether a completed ceremony of the given
// type exists in the audit log.
func (s *Store) HasCompletedCeremony(ctx context.Context, typ interfaces.CeremonyType) (bool, error) {
	query, args, err := s.sq.Select("COUNT(*)").From("ceremonies").
		Where(sq.Eq{"type": string(typ), "status": string(interfaces.CeremonyCompleted)}).
		ToSql()
	if err != nil {
		return false, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query ceremonies: %w", err)
	}
	return n > 0, nil
}

// CompleteCeremony transitions a pending ceremony to completed. Terminal
// states are never revisited: completing a non-pending ceremony fails.
func (s *Store) CompleteCeremony(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return completeCeremonyTx(ctx, tx, id)
	})
}

// FailCeremony transitions a pending ceremony to failed, recording a note.
// The note must describe the failure kind only; share contents never land in
// the audit log.
func (s *Store) FailCeremony(ctx context.Context, id, note string) error {
	now := time.Now().UTC()
	query, args, err := s.sq.Update("ceremonies").
		Set("status", string(interfaces.CeremonyFailed)).
		Set("notes", note).
		Set("completed_at", now).
		Where(sq.Eq{"id": id, "status": string(interfaces.CeremonyPending)}).
		ToSql()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to fail ceremony: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ceremony %s is not pending", id)
	}
	return nil
}

// GetCeremony returns one audit row.
func (s *Store) GetCeremony(ctx context.Context, id string) (*interfaces.KeyCeremony, error) {
	query, args, err := s.sq.Select("id", "type", "threshold", "total_shares", "initiator", "status", "notes", "created_at", "completed_at").
		From("ceremonies").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var c interfaces.KeyCeremony
	var typ, status string
	var completed sql.NullTime
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&c.ID, &typ, &c.Threshold, &c.TotalShares, &c.Initiator, &status, &c.Notes, &c.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ceremony %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ceremony: %w", err)
	}

	c.Type = interfaces.CeremonyType(typ)
	c.Status = interfaces.CeremonyStatus(status)
	if completed.Valid {
		t := completed.Time
		c.CompletedAt = &t
	}
	return &c, nil
}

// LatestCompletedSplit returns the most recent completed ceremony that set
// sharing parameters (initial_split or reshare), or nil if none exists.
func (s *Store) LatestCompletedSplit(ctx context.Context) (*interfaces.KeyCeremony, error) {
	query, args, err := s.sq.Select("id").From("ceremonies").
		Where(sq.Eq{
			"type":   []string{string(interfaces.CeremonyInitialSplit), string(interfaces.CeremonyReshare)},
			"status": string(interfaces.CeremonyCompleted),
		}).
		OrderBy("completed_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}

	var id string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest split: %w", err)
	}
	return s.GetCeremony(ctx, id)
}

// CreateCohort inserts the first guardian cohort and marks the ceremony
// completed in one transaction. Guardians come out active: the initial split
// hands each of them a share as part of the same ceremony.
func (s *Store) CreateCohort(ctx context.Context, ceremonyID string, specs []interfaces.GuardianSpec) ([]interfaces.Guardian, error) {
	var out []interfaces.Guardian
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.insertCohortTx(ctx, tx, specs)
		if err != nil {
			return err
		}
		return completeCeremonyTx(ctx, tx, ceremonyID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RotateCohort revokes every active or pending guardian, inserts the new
// cohort with fresh monotonic share indices, and marks the ceremony
// completed, all in a single transaction. A failure at any step rolls the
// whole rotation back, so guardian revocation is never applied without the
// resplit it belongs to.
func (s *Store) RotateCohort(ctx context.Context, ceremonyID string, specs []interfaces.GuardianSpec) ([]interfaces.Guardian, error) {
	var out []interfaces.Guardian
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := s.sq.Update("guardians").
			Set("status", string(interfaces.GuardianRevoked)).
			Where(sq.NotEq{"status": string(interfaces.GuardianRevoked)}).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to revoke guardian cohort: %w", err)
		}

		out, err = s.insertCohortTx(ctx, tx, specs)
		if err != nil {
			return err
		}
		return completeCeremonyTx(ctx, tx, ceremonyID)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Guardian cohort rotated", "ceremony", ceremonyID, "newCohortSize", len(specs))
	return out, nil
}

// insertCohortTx inserts guardians with consecutive share indices starting
// after the highest ever assigned.
func (s *Store) insertCohortTx(ctx context.Context, tx *sql.Tx, specs []interfaces.GuardianSpec) ([]interfaces.Guardian, error) {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(share_index) FROM guardians").Scan(&max); err != nil {
		return nil, fmt.Errorf("failed to query share index: %w", err)
	}
	next := int(max.Int64) + 1

	// Indices are monotonic forever and the transport encoding caps them at
	// the shamir field size, so the cumulative index space is bounded too.
	if last := next + len(specs) - 1; last > sharing.MaxShares {
		return nil, fmt.Errorf("share index space exhausted: cohort needs index %d, maximum is %d", last, sharing.MaxShares)
	}

	now := time.Now().UTC()
	out := make([]interfaces.Guardian, 0, len(specs))
	for i, spec := range specs {
		g := interfaces.Guardian{
			ID:          uuid.NewString(),
			DisplayName: spec.Name,
			Email:       spec.Email,
			ShareIndex:  next + i,
			Status:      interfaces.GuardianActive,
			CreatedAt:   now,
		}

		query, args, err := s.sq.Insert("guardians").
			Columns("id", "display_name", "email", "share_index", "status", "created_at").
			Values(g.ID, g.DisplayName, g.Email, g.ShareIndex, string(g.Status), g.CreatedAt).
			ToSql()
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("failed to insert guardian %q: %w", spec.Name, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func completeCeremonyTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE ceremonies SET status = ?, completed_at = ? WHERE id = ? AND status = ?",
		string(interfaces.CeremonyCompleted), time.Now().UTC(), id, string(interfaces.CeremonyPending))
	if err != nil {
		return fmt.Errorf("failed to complete ceremony: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ceremony %s is not pending", id)
	}
	return nil
}
