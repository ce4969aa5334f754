package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertKey persists a freshly issued key and returns its id.
func (s *Store) InsertKey(ctx context.Context, k *Key) (int64, error) {
	const q = `
INSERT INTO keys (user_id, server_id, key, device, name, payment_id, start, finish, active, alerted, is_test)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10)
RETURNING id`
	var id int64
	err := s.db.GetContext(ctx, &id, q,
		k.UserID, k.ServerID, k.Key, k.Device, k.Name, k.PaymentID,
		k.Start.UTC(), k.Finish.UTC(), k.Active, k.IsTest)
	if err != nil {
		return 0, fmt.Errorf("store: insert key for user %d: %w", k.UserID, err)
	}
	return id, nil
}

// GetKey fetches one key.
func (s *Store) GetKey(ctx context.Context, id int64) (*Key, error) {
	var k Key
	err := s.db.GetContext(ctx, &k, `SELECT * FROM keys WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get key %d: %w", id, err)
	}
	return &k, nil
}

// GetKeyByPaymentID fetches the key a payment produced, if any. The
// unique index on payment_id guarantees at most one row.
func (s *Store) GetKeyByPaymentID(ctx context.Context, paymentID int64) (*Key, error) {
	var k Key
	err := s.db.GetContext(ctx, &k, `SELECT * FROM keys WHERE payment_id = $1`, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get key for payment %d: %w", paymentID, err)
	}
	return &k, nil
}

// ListUserKeys returns every key of the user, newest first.
func (s *Store) ListUserKeys(ctx context.Context, userID int64) ([]Key, error) {
	var keys []Key
	const q = `SELECT * FROM keys WHERE user_id = $1 ORDER BY id DESC`
	if err := s.db.SelectContext(ctx, &keys, q, userID); err != nil {
		return nil, fmt.Errorf("store: list keys for user %d: %w", userID, err)
	}
	return keys, nil
}

// ListActiveUserKeys returns the user's active keys, newest first.
func (s *Store) ListActiveUserKeys(ctx context.Context, userID int64) ([]Key, error) {
	var keys []Key
	const q = `SELECT * FROM keys WHERE user_id = $1 AND active ORDER BY id DESC`
	if err := s.db.SelectContext(ctx, &keys, q, userID); err != nil {
		return nil, fmt.Errorf("store: list active keys for user %d: %w", userID, err)
	}
	return keys, nil
}

// ListServerKeys returns every active key on the server.
func (s *Store) ListServerKeys(ctx context.Context, serverID int64) ([]Key, error) {
	var keys []Key
	const q = `SELECT * FROM keys WHERE server_id = $1 AND active ORDER BY id`
	if err := s.db.SelectContext(ctx, &keys, q, serverID); err != nil {
		return nil, fmt.Errorf("store: list keys on server %d: %w", serverID, err)
	}
	return keys, nil
}

// HasActiveKey reports whether the user holds any active key.
func (s *Store) HasActiveKey(ctx context.Context, userID int64) (bool, error) {
	var ok bool
	const q = `SELECT EXISTS (SELECT 1 FROM keys WHERE user_id = $1 AND active)`
	if err := s.db.GetContext(ctx, &ok, q, userID); err != nil {
		return false, fmt.Errorf("store: check active keys for user %d: %w", userID, err)
	}
	return ok, nil
}

// HasActivePaidKey reports whether the user holds an active non-test key.
func (s *Store) HasActivePaidKey(ctx context.Context, userID int64) (bool, error) {
	var ok bool
	const q = `SELECT EXISTS (SELECT 1 FROM keys WHERE user_id = $1 AND active AND NOT is_test)`
	if err := s.db.GetContext(ctx, &ok, q, userID); err != nil {
		return false, fmt.Errorf("store: check active paid keys for user %d: %w", userID, err)
	}
	return ok, nil
}

// NextDeviceIndex returns the ordinal the next key name for this user and
// device should carry, starting at 1. It takes the highest ordinal ever
// used rather than counting rows, so deleted keys never free their name.
func (s *Store) NextDeviceIndex(ctx context.Context, userID int64, device Device) (int, error) {
	var n int
	const q = `
SELECT COALESCE(MAX((regexp_match(name, '_(\d+)$'))[1]::int), 0) + 1
FROM keys WHERE user_id = $1 AND device = $2`
	if err := s.db.GetContext(ctx, &n, q, userID, device); err != nil {
		return 0, fmt.Errorf("store: next device index for user %d: %w", userID, err)
	}
	return n, nil
}

// UpdateKeyFinish moves the key's finish instant. Prolonging also clears
// the expiry alert and reactivates the key.
func (s *Store) UpdateKeyFinish(ctx context.Context, id int64, finish time.Time) error {
	const q = `UPDATE keys SET finish = $2, active = TRUE, alerted = FALSE WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, finish.UTC())
	if err != nil {
		return fmt.Errorf("store: update finish for key %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateKeyServer repoints the key at another server with its new
// credential material.
func (s *Store) UpdateKeyServer(ctx context.Context, id, serverID int64, uri string) error {
	const q = `UPDATE keys SET server_id = $2, key = $3 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, serverID, uri)
	if err != nil {
		return fmt.Errorf("store: move key %d to server %d: %w", id, serverID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkKeyAlerted remembers that the expiry warning went out.
func (s *Store) MarkKeyAlerted(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE keys SET alerted = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: mark key %d alerted: %w", id, err)
	}
	return nil
}

// DeactivateKey turns the key off locally.
func (s *Store) DeactivateKey(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE keys SET active = FALSE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: deactivate key %d: %w", id, err)
	}
	return nil
}

// DeleteKey removes the key row.
func (s *Store) DeleteKey(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM keys WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete key %d: %w", id, err)
	}
	return nil
}

// ListExpiringKeys returns active keys whose finish falls inside
// (now, now+window] and which have not been alerted yet.
func (s *Store) ListExpiringKeys(ctx context.Context, now time.Time, window time.Duration) ([]Key, error) {
	var keys []Key
	const q = `
SELECT * FROM keys
WHERE active AND NOT alerted AND finish > $1 AND finish <= $2
ORDER BY finish`
	if err := s.db.SelectContext(ctx, &keys, q, now.UTC(), now.UTC().Add(window)); err != nil {
		return nil, fmt.Errorf("store: list expiring keys: %w", err)
	}
	return keys, nil
}

// ListExpiredActiveKeys returns active keys whose finish has passed.
func (s *Store) ListExpiredActiveKeys(ctx context.Context, now time.Time) ([]Key, error) {
	var keys []Key
	const q = `SELECT * FROM keys WHERE active AND finish <= $1 ORDER BY finish`
	if err := s.db.SelectContext(ctx, &keys, q, now.UTC()); err != nil {
		return nil, fmt.Errorf("store: list expired keys: %w", err)
	}
	return keys, nil
}

// ListOverdueKeys returns keys whose finish lies at least grace in the
// past, active or not. These are removed entirely.
func (s *Store) ListOverdueKeys(ctx context.Context, now time.Time, grace time.Duration) ([]Key, error) {
	var keys []Key
	const q = `SELECT * FROM keys WHERE finish <= $1 ORDER BY finish`
	if err := s.db.SelectContext(ctx, &keys, q, now.UTC().Add(-grace)); err != nil {
		return nil, fmt.Errorf("store: list overdue keys: %w", err)
	}
	return keys, nil
}
