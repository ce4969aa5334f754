package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UpsertUser records a user on first contact and refreshes the username on
// subsequent contacts. Users are never deleted.
func (s *Store) UpsertUser(ctx context.Context, id int64, username string) error {
	const q = `
INSERT INTO users (id, username)
VALUES ($1, NULLIF($2, ''))
ON CONFLICT (id) DO UPDATE SET username = COALESCE(NULLIF($2, ''), users.username)`
	if _, err := s.db.ExecContext(ctx, q, id, username); err != nil {
		return fmt.Errorf("store: upsert user %d: %w", id, err)
	}
	return nil
}

// GetUser fetches one user.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %d: %w", id, err)
	}
	return &u, nil
}

// GetUserByIDOrUsername resolves an operator-supplied reference: all
// digits means the id, anything else the username, with or without the
// leading @.
func (s *Store) GetUserByIDOrUsername(ctx context.Context, ref string) (*User, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return s.GetUser(ctx, id)
	}
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE username = $1`, strings.TrimPrefix(ref, "@"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %q: %w", ref, err)
	}
	return &u, nil
}

// ListUsers returns every user, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var us []User
	if err := s.db.SelectContext(ctx, &us, `SELECT * FROM users ORDER BY id`); err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	return us, nil
}

// ListUserIDs returns every known user id.
func (s *Store) ListUserIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM users ORDER BY id`); err != nil {
		return nil, fmt.Errorf("store: list user ids: %w", err)
	}
	return ids, nil
}

// MarkTrialUsed flags the user's one-time trial as consumed and records
// when it runs out.
func (s *Store) MarkTrialUsed(ctx context.Context, id int64, expiresAt time.Time) error {
	const q = `UPDATE users SET trial_used = TRUE, trial_expires_at = $2 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("store: mark trial used for %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BanUser blocks the user. Banned users keep their rows and keys; the
// front end refuses them at authentication.
func (s *Store) BanUser(ctx context.Context, id int64) error {
	return s.setBanned(ctx, id, true)
}

// UnbanUser lifts the block.
func (s *Store) UnbanUser(ctx context.Context, id int64) error {
	return s.setBanned(ctx, id, false)
}

func (s *Store) setBanned(ctx context.Context, id int64, banned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET banned = $2 WHERE id = $1`, id, banned)
	if err != nil {
		return fmt.Errorf("store: set banned=%t for user %d: %w", banned, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustBalance moves the user's balance by delta, which may be negative.
func (s *Store) AdjustBalance(ctx context.Context, id int64, delta float64) error {
	const q = `UPDATE users SET balance = balance + $2 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, delta)
	if err != nil {
		return fmt.Errorf("store: adjust balance for %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
