package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetServer fetches one server.
func (s *Store) GetServer(ctx context.Context, id int64) (*Server, error) {
	var srv Server
	err := s.db.GetContext(ctx, &srv, `SELECT * FROM servers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get server %d: %w", id, err)
	}
	return &srv, nil
}

// ListServersByFreeSlots returns servers with their active key counts,
// ordered by remaining capacity, fullest last. Occupancy counts only
// active keys so expired ones free their slot.
func (s *Store) ListServersByFreeSlots(ctx context.Context) ([]ServerSlots, error) {
	var out []ServerSlots
	const q = `
SELECT s.*, count(k.id) FILTER (WHERE k.active) AS used_slots
FROM servers s
LEFT JOIN keys k ON k.server_id = s.id
GROUP BY s.id
ORDER BY s.max_users - count(k.id) FILTER (WHERE k.active) DESC, s.id`
	if err := s.db.SelectContext(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("store: list servers by free slots: %w", err)
	}
	return out, nil
}

// AddServer registers a new panel endpoint.
func (s *Store) AddServer(ctx context.Context, srv *Server) (int64, error) {
	const q = `
INSERT INTO servers (host, login, password, max_users, is_test)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`
	var id int64
	err := s.db.GetContext(ctx, &id, q, srv.Host, srv.Login, srv.Password, srv.MaxUsers, srv.IsTest)
	if err != nil {
		return 0, fmt.Errorf("store: add server %q: %w", srv.Host, err)
	}
	return id, nil
}
