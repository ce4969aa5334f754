package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetTariff fetches one tariff.
func (s *Store) GetTariff(ctx context.Context, id int64) (*Tariff, error) {
	var t Tariff
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tariffs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tariff %d: %w", id, err)
	}
	return &t, nil
}

// ListTariffs returns every tariff, cheapest first.
func (s *Store) ListTariffs(ctx context.Context) ([]Tariff, error) {
	var ts []Tariff
	if err := s.db.SelectContext(ctx, &ts, `SELECT * FROM tariffs ORDER BY price`); err != nil {
		return nil, fmt.Errorf("store: list tariffs: %w", err)
	}
	return ts, nil
}
