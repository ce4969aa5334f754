package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Promo activation failures the callers branch on.
var (
	ErrPromoExpired   = errors.New("store: promo expired")
	ErrPromoExhausted = errors.New("store: promo user limit reached")
	ErrPromoUsed      = errors.New("store: promo already used by this user")
)

// GetPromoByCode fetches a promo by its code.
func (s *Store) GetPromoByCode(ctx context.Context, code string) (*Promo, error) {
	var p Promo
	err := s.db.GetContext(ctx, &p, `SELECT * FROM promos WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get promo %q: %w", code, err)
	}
	return &p, nil
}

// GetPromo fetches one promo by id.
func (s *Store) GetPromo(ctx context.Context, id int64) (*Promo, error) {
	var p Promo
	err := s.db.GetContext(ctx, &p, `SELECT * FROM promos WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get promo %d: %w", id, err)
	}
	return &p, nil
}

// ActivatePromo records the user against the promo after checking expiry,
// the usage cap and per-user single use, all inside one transaction so two
// concurrent activations cannot both take the last slot.
func (s *Store) ActivatePromo(ctx context.Context, promoID, userID int64, now time.Time) (*Promo, error) {
	var out *Promo
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var p Promo
		err := tx.GetContext(ctx, &p, `SELECT * FROM promos WHERE id = $1 FOR UPDATE`, promoID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: lock promo %d: %w", promoID, err)
		}
		if p.FinishTime != nil && !now.Before(*p.FinishTime) {
			return ErrPromoExpired
		}
		if p.UsedBy(userID) {
			return ErrPromoUsed
		}
		if p.UsersLimit > 0 && len(p.Users) >= p.UsersLimit {
			return ErrPromoExhausted
		}
		const q = `UPDATE promos SET users = array_append(users, $2) WHERE id = $1`
		if _, err := tx.ExecContext(ctx, q, promoID, userID); err != nil {
			return fmt.Errorf("store: record promo %d use: %w", promoID, err)
		}
		p.Users = append(p.Users, userID)
		out = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
