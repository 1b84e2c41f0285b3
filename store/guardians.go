package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/emberward/residentd/interfaces"
	"github.com/emberward/residentd/sharing"
)

// AddGuardian creates a guardian record holding the given share index. The
// index must be the next unassigned integer; anything else is rejected so
// indices stay dense, monotonic, and never reused.
func (s *Store) AddGuardian(ctx context.Context, name, email string, shareIndex int) (*interfaces.Guardian, error) {
	next, err := s.NextShareIndex(ctx)
	if err != nil {
		return nil, err
	}
	if shareIndex != next {
		return nil, fmt.Errorf("%w: index %d, next unassigned is %d", interfaces.ErrShareIndexTaken, shareIndex, next)
	}
	if shareIndex > sharing.MaxShares {
		return nil, fmt.Errorf("share index space exhausted: index %d beyond maximum %d", shareIndex, sharing.MaxShares)
	}

	g := &interfaces.Guardian{
		ID:          uuid.NewString(),
		DisplayName: name,
		Email:       email,
		ShareIndex:  shareIndex,
		Status:      interfaces.GuardianPending,
		CreatedAt:   time.Now().UTC(),
	}

	query, args, err := s.sq.Insert("guardians").
		Columns("id", "display_name", "email", "share_index", "status", "created_at").
		Values(g.ID, g.DisplayName, g.Email, g.ShareIndex, string(g.Status), g.CreatedAt).
		ToSql()
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, interfaces.ErrShareIndexTaken
		}
		return nil, fmt.Errorf("failed to insert guardian: %w", err)
	}

	return g, nil
}

// UpdateGuardianStatus transitions a guardian's lifecycle status. A revoked
// guardian stays revoked: the only path back into a cohort is a new record
// created by a later ceremony.
func (s *Store) UpdateGuardianStatus(ctx context.Context, id string, status interfaces.GuardianStatus) error {
	var current string
	query, args, err := s.sq.Select("status").From("guardians").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return interfaces.ErrGuardianNotFound
		}
		return fmt.Errorf("failed to load guardian: %w", err)
	}

	if interfaces.GuardianStatus(current) == interfaces.GuardianRevoked {
		return fmt.Errorf("guardian %s is revoked; revocation is permanent", id)
	}

	query, args, err = s.sq.Update("guardians").
		Set("status", string(status)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update guardian status: %w", err)
	}
	return nil
}

// TouchGuardianVerified records that the guardian proved possession of their
// share.
func (s *Store) TouchGuardianVerified(ctx context.Context, id string) error {
	query, args, err := s.sq.Update("guardians").
		Set("last_verified_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to touch guardian: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return interfaces.ErrGuardianNotFound
	}
	return nil
}

// ListGuardians returns guardian records ordered by share index.
func (s *Store) ListGuardians(ctx context.Context, includeRevoked bool) ([]interfaces.Guardian, error) {
	b := s.sq.Select("id", "display_name", "email", "share_index", "status", "created_at", "last_verified_at").
		From("guardians").
		OrderBy("share_index")
	if !includeRevoked {
		b = b.Where(sq.NotEq{"status": string(interfaces.GuardianRevoked)})
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list guardians: %w", err)
	}
	defer rows.Close()

	var out []interfaces.Guardian
	for rows.Next() {
		var g interfaces.Guardian
		var status string
		var verified sql.NullTime
		if err := rows.Scan(&g.ID, &g.DisplayName, &g.Email, &g.ShareIndex, &status, &g.CreatedAt, &verified); err != nil {
			return nil, fmt.Errorf("failed to scan guardian: %w", err)
		}
		g.Status = interfaces.GuardianStatus(status)
		if verified.Valid {
			t := verified.Time
			g.LastVerifiedAt = &t
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GuardianCount returns the number of active guardians.
func (s *Store) GuardianCount(ctx context.Context) (int, error) {
	query, args, err := s.sq.Select("COUNT(*)").From("guardians").
		Where(sq.Eq{"status": string(interfaces.GuardianActive)}).
		ToSql()
	if err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count guardians: %w", err)
	}
	return n, nil
}

// NextShareIndex returns the next unassigned share index, monotonic across
// all cohorts ever created.
func (s *Store) NextShareIndex(ctx context.Context) (int, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(share_index) FROM guardians").Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to query share index: %w", err)
	}
	return int(max.Int64) + 1, nil
}
