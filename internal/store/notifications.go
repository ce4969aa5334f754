package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// GetRule fetches one notification rule.
func (s *Store) GetRule(ctx context.Context, id int64) (*NotificationRule, error) {
	var r NotificationRule
	err := s.db.GetContext(ctx, &r, `SELECT * FROM notification_rules WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get rule %d: %w", id, err)
	}
	return &r, nil
}

// ListActiveRules returns every active rule, highest priority first.
func (s *Store) ListActiveRules(ctx context.Context) ([]NotificationRule, error) {
	var rs []NotificationRule
	const q = `SELECT * FROM notification_rules WHERE is_active ORDER BY priority DESC, id`
	if err := s.db.SelectContext(ctx, &rs, q); err != nil {
		return nil, fmt.Errorf("store: list active rules: %w", err)
	}
	return rs, nil
}

// ListActiveRulesByTypes returns active rules limited to the given types.
func (s *Store) ListActiveRulesByTypes(ctx context.Context, types []NotificationType) ([]NotificationRule, error) {
	if len(types) == 0 {
		return nil, nil
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	query, args, err := sqlx.In(
		`SELECT * FROM notification_rules WHERE is_active AND type IN (?) ORDER BY priority DESC, id`, names)
	if err != nil {
		return nil, fmt.Errorf("store: build rules query: %w", err)
	}
	var rs []NotificationRule
	if err := s.db.SelectContext(ctx, &rs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("store: list rules by types: %w", err)
	}
	return rs, nil
}

// CreateRule inserts a rule and returns its id.
func (s *Store) CreateRule(ctx context.Context, r *NotificationRule) (int64, error) {
	const q = `
INSERT INTO notification_rules
    (name, type, priority, offset_days, offset_hours, repeat_every_days, repeat_every_hours,
     weekday, time_of_day, timezone, message_template, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id`
	var id int64
	err := s.db.GetContext(ctx, &id, q,
		r.Name, r.Type, r.Priority, r.OffsetDays, r.OffsetHours,
		r.RepeatEveryDays, r.RepeatEveryHours, r.Weekday, r.TimeOfDay, r.Timezone,
		r.MessageTemplate, r.IsActive)
	if err != nil {
		return 0, fmt.Errorf("store: create rule %q: %w", r.Name, err)
	}
	return id, nil
}

// UpdateRule overwrites a rule in place.
func (s *Store) UpdateRule(ctx context.Context, r *NotificationRule) error {
	const q = `
UPDATE notification_rules SET
    name = $2, type = $3, priority = $4, offset_days = $5, offset_hours = $6,
    repeat_every_days = $7, repeat_every_hours = $8, weekday = $9, time_of_day = $10,
    timezone = $11, message_template = $12, is_active = $13, updated_at = now()
WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q,
		r.ID, r.Name, r.Type, r.Priority, r.OffsetDays, r.OffsetHours,
		r.RepeatEveryDays, r.RepeatEveryHours, r.Weekday, r.TimeOfDay, r.Timezone,
		r.MessageTemplate, r.IsActive)
	if err != nil {
		return fmt.Errorf("store: update rule %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertSchedule inserts one planned delivery. A dedup collision with a
// live or already-sent row is the normal replanning outcome and inserts
// nothing; a collision with a cancelled row resurrects it.
func (s *Store) UpsertSchedule(ctx context.Context, e ScheduleEntry) (bool, error) {
	const q = `
INSERT INTO notification_schedules (user_id, rule_id, planned_at, status, dedup_key)
VALUES ($1, $2, $3, 'planned', $4)
ON CONFLICT (dedup_key) DO UPDATE
SET status = 'planned', planned_at = EXCLUDED.planned_at
WHERE notification_schedules.status = 'cancelled'`
	res, err := s.db.ExecContext(ctx, q, e.UserID, e.RuleID, e.PlannedAt.UTC(), e.DedupKey)
	if err != nil {
		return false, fmt.Errorf("store: upsert schedule %q: %w", e.DedupKey, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// BulkUpsertSchedules inserts a batch of planned deliveries inside one
// transaction and returns how many were new.
func (s *Store) BulkUpsertSchedules(ctx context.Context, entries []ScheduleEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	var inserted int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		const q = `
INSERT INTO notification_schedules (user_id, rule_id, planned_at, status, dedup_key)
VALUES ($1, $2, $3, 'planned', $4)
ON CONFLICT (dedup_key) DO UPDATE
SET status = 'planned', planned_at = EXCLUDED.planned_at
WHERE notification_schedules.status = 'cancelled'`
		for _, e := range entries {
			res, err := tx.ExecContext(ctx, q, e.UserID, e.RuleID, e.PlannedAt.UTC(), e.DedupKey)
			if err != nil {
				return fmt.Errorf("store: upsert schedule %q: %w", e.DedupKey, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// FetchDueSchedules returns planned deliveries whose time has come, oldest
// first, capped at limit. The dispatcher decides whether a stale entry is
// sent or skipped.
func (s *Store) FetchDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	var out []Schedule
	const q = `
SELECT * FROM notification_schedules
WHERE status = 'planned' AND planned_at <= $1
ORDER BY planned_at
LIMIT $2`
	if err := s.db.SelectContext(ctx, &out, q, now.UTC(), limit); err != nil {
		return nil, fmt.Errorf("store: fetch due schedules: %w", err)
	}
	return out, nil
}

// MarkScheduleSent finalizes a delivered schedule.
func (s *Store) MarkScheduleSent(ctx context.Context, id int64, at time.Time) error {
	const q = `UPDATE notification_schedules SET status = 'sent', sent_at = $2 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id, at.UTC()); err != nil {
		return fmt.Errorf("store: mark schedule %d sent: %w", id, err)
	}
	return nil
}

// MarkScheduleSkipped finalizes a schedule whose condition no longer
// holds at send time.
func (s *Store) MarkScheduleSkipped(ctx context.Context, id int64) error {
	const q = `UPDATE notification_schedules SET status = 'skipped' WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("store: mark schedule %d skipped: %w", id, err)
	}
	return nil
}

// MarkScheduleError records a failed delivery attempt.
func (s *Store) MarkScheduleError(ctx context.Context, id int64, cause string) error {
	const q = `UPDATE notification_schedules SET status = 'error', last_error = $2 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id, cause); err != nil {
		return fmt.Errorf("store: mark schedule %d error: %w", id, err)
	}
	return nil
}

// CancelSchedulesByRule cancels every still-planned delivery of the rule
// and returns how many were cancelled.
func (s *Store) CancelSchedulesByRule(ctx context.Context, ruleID int64) (int64, error) {
	const q = `
UPDATE notification_schedules SET status = 'cancelled'
WHERE rule_id = $1 AND status = 'planned'`
	res, err := s.db.ExecContext(ctx, q, ruleID)
	if err != nil {
		return 0, fmt.Errorf("store: cancel schedules for rule %d: %w", ruleID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CancelSchedulesByUserTypes cancels the user's still-planned deliveries
// for rules of the given types.
func (s *Store) CancelSchedulesByUserTypes(ctx context.Context, userID int64, types []NotificationType) (int64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	query, args, err := sqlx.In(`
UPDATE notification_schedules SET status = 'cancelled'
WHERE user_id = ? AND status = 'planned'
  AND rule_id IN (SELECT id FROM notification_rules WHERE type IN (?))`, userID, names)
	if err != nil {
		return 0, fmt.Errorf("store: build cancel query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("store: cancel schedules for user %d: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertNotificationLog appends one delivery audit row.
func (s *Store) InsertNotificationLog(ctx context.Context, l *NotificationLog) error {
	const q = `
INSERT INTO notification_logs (user_id, rule_id, schedule_id, status, message_id, error, sent_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, q,
		l.UserID, l.RuleID, l.ScheduleID, l.Status, l.MessageID, l.Error, l.SentAt.UTC())
	if err != nil {
		return fmt.Errorf("store: insert notification log: %w", err)
	}
	return nil
}
