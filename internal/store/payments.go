package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreatePayment records a new pending purchase intent and returns its id.
func (s *Store) CreatePayment(ctx context.Context, p *Payment) (int64, error) {
	const q = `
INSERT INTO payments (label, user_id, tariff_id, amount, url, device, key_id, promo, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
RETURNING id`
	var id int64
	err := s.db.GetContext(ctx, &id, q,
		p.Label, p.UserID, p.TariffID, p.Amount, p.URL, p.Device, p.KeyID, p.Promo)
	if err != nil {
		return 0, fmt.Errorf("store: create payment %q: %w", p.Label, err)
	}
	return id, nil
}

// GetPayment fetches one payment.
func (s *Store) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	var p Payment
	err := s.db.GetContext(ctx, &p, `SELECT * FROM payments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get payment %d: %w", id, err)
	}
	return &p, nil
}

// ListPendingPayments returns every payment still awaiting confirmation,
// oldest first.
func (s *Store) ListPendingPayments(ctx context.Context) ([]Payment, error) {
	var ps []Payment
	const q = `SELECT * FROM payments WHERE status = 'pending' ORDER BY created_at`
	if err := s.db.SelectContext(ctx, &ps, q); err != nil {
		return nil, fmt.Errorf("store: list pending payments: %w", err)
	}
	return ps, nil
}

// ListSuccessWithoutKey returns confirmed payments that never got a key,
// the recovery sweep's input.
func (s *Store) ListSuccessWithoutKey(ctx context.Context) ([]Payment, error) {
	var ps []Payment
	const q = `
SELECT * FROM payments
WHERE status = 'success' AND key_issued_at IS NULL
ORDER BY created_at`
	if err := s.db.SelectContext(ctx, &ps, q); err != nil {
		return nil, fmt.Errorf("store: list unprovisioned payments: %w", err)
	}
	return ps, nil
}

// DeletePayment removes one payment row. Used for pending intents the
// provider denied past their time to live.
func (s *Store) DeletePayment(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM payments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete payment %d: %w", id, err)
	}
	return nil
}

// MarkPaymentSuccess flips a pending payment to success. The guard on the
// current status makes the transition idempotent under concurrent polls.
func (s *Store) MarkPaymentSuccess(ctx context.Context, id int64) (bool, error) {
	const q = `
UPDATE payments SET status = 'success', updated_at = now()
WHERE id = $1 AND status = 'pending'`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("store: mark payment %d success: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkPaymentError parks the payment for manual review, recording why.
func (s *Store) MarkPaymentError(ctx context.Context, id int64, reason string) error {
	const q = `UPDATE payments SET status = 'error', error = $2, updated_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id, reason); err != nil {
		return fmt.Errorf("store: mark payment %d error: %w", id, err)
	}
	return nil
}

// MarkKeyIssued stamps the payment as provisioned, linking the key it
// produced. Returns false when another worker already claimed it.
func (s *Store) MarkKeyIssued(ctx context.Context, id, keyID int64, at time.Time) (bool, error) {
	const q = `
UPDATE payments SET key_id = $2, key_issued_at = $3, updated_at = now()
WHERE id = $1 AND key_issued_at IS NULL`
	res, err := s.db.ExecContext(ctx, q, id, keyID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("store: mark payment %d issued: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IsKeyIssued reports whether the payment already produced a key.
func (s *Store) IsKeyIssued(ctx context.Context, id int64) (bool, error) {
	var issued bool
	const q = `SELECT key_issued_at IS NOT NULL FROM payments WHERE id = $1`
	err := s.db.GetContext(ctx, &issued, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: check payment %d issued: %w", id, err)
	}
	return issued, nil
}
