package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/corsarvpn/corsard/internal/clock"
	"github.com/corsarvpn/corsard/internal/log"
	"github.com/corsarvpn/corsard/internal/store"
)

// globalJobPrefix names the scheduler entries owned by weekly rules. The
// whole group is replaced on every refresh.
const globalJobPrefix = "notification_global_"

// keyRuleTypes are the rule types bound to key lifecycles.
var keyRuleTypes = []store.NotificationType{
	store.TypeTrialExpiringSoon,
	store.TypeTrialExpired,
	store.TypePaidExpiringSoon,
	store.TypePaidExpired,
}

// ErrInvalidRule rejects rules whose planning fields do not fit their
// type. Nothing is persisted for such rules.
var ErrInvalidRule = errors.New("notify: invalid rule")

// Store is the persistence surface of the notification engine.
type Store interface {
	GetRule(ctx context.Context, id int64) (*store.NotificationRule, error)
	ListActiveRules(ctx context.Context) ([]store.NotificationRule, error)
	ListActiveRulesByTypes(ctx context.Context, types []store.NotificationType) ([]store.NotificationRule, error)
	CreateRule(ctx context.Context, r *store.NotificationRule) (int64, error)
	UpdateRule(ctx context.Context, r *store.NotificationRule) error
	UpsertSchedule(ctx context.Context, e store.ScheduleEntry) (bool, error)
	BulkUpsertSchedules(ctx context.Context, entries []store.ScheduleEntry) (int, error)
	FetchDueSchedules(ctx context.Context, now time.Time, limit int) ([]store.Schedule, error)
	MarkScheduleSent(ctx context.Context, id int64, at time.Time) error
	MarkScheduleSkipped(ctx context.Context, id int64) error
	MarkScheduleError(ctx context.Context, id int64, cause string) error
	CancelSchedulesByRule(ctx context.Context, ruleID int64) (int64, error)
	CancelSchedulesByUserTypes(ctx context.Context, userID int64, types []store.NotificationType) (int64, error)
	InsertNotificationLog(ctx context.Context, l *store.NotificationLog) error
	ListActiveUserKeys(ctx context.Context, userID int64) ([]store.Key, error)
	HasActiveKey(ctx context.Context, userID int64) (bool, error)
	HasActivePaidKey(ctx context.Context, userID int64) (bool, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
}

// Scheduler is the cron surface weekly rules are installed on.
type Scheduler interface {
	Install(id, spec string, job func()) error
	Remove(id string)
	RemovePrefix(prefix string)
}

// Engine owns notification planning: key lifecycle hooks, rule management
// with its side effects, and the weekly cron jobs.
type Engine struct {
	store    Store
	sched    Scheduler
	clock    clock.Clock
	zone     string
	disabled bool
	logger   zerolog.Logger
}

// NewEngine wires the engine. zone is the default civil zone for weekly
// rules without one of their own. disabled turns key-bound planning into
// a no-op while leaving global rules alive.
func NewEngine(st Store, sched Scheduler, clk clock.Clock, zone string, disabled bool) *Engine {
	return &Engine{
		store:    st,
		sched:    sched,
		clock:    clk,
		zone:     zone,
		disabled: disabled,
		logger:   log.WithComponent("notify"),
	}
}

// SyncUserKeyRules replans every key-bound delivery the user is owed:
// stale plans are cancelled and fresh ones derived from the keys as they
// are now. A user holding any key loses the no-keys nudge; a user holding
// a paid key leaves the trial funnel, so trial plans stay cancelled even
// while a test key is live. Called after any key mutation.
func (e *Engine) SyncUserKeyRules(ctx context.Context, userID int64) error {
	if e.disabled {
		return nil
	}
	keys, err := e.store.ListActiveUserKeys(ctx, userID)
	if err != nil {
		return err
	}
	hasPaid := false
	for _, k := range keys {
		if !k.IsTest {
			hasPaid = true
			break
		}
	}

	cancel := append([]store.NotificationType(nil), keyRuleTypes...)
	if len(keys) > 0 {
		cancel = append(cancel, store.TypeNewUserNoKeys)
	}
	if _, err := e.store.CancelSchedulesByUserTypes(ctx, userID, cancel); err != nil {
		return err
	}
	rules, err := e.store.ListActiveRulesByTypes(ctx, keyRuleTypes)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}
	plannable := keys
	if hasPaid {
		plannable = nil
		for _, k := range keys {
			if !k.IsTest {
				plannable = append(plannable, k)
			}
		}
	}
	entries := planUserKeys(rules, plannable, e.clock.Now())
	n, err := e.store.BulkUpsertSchedules(ctx, entries)
	if err != nil {
		return err
	}
	e.logger.Debug().
		Str("event", "notify.synced").
		Int64("user_id", userID).
		Int("planned", n).
		Msg("key notifications replanned")
	return nil
}

// PlanNewUser schedules the no-keys nudges for a user who just appeared.
func (e *Engine) PlanNewUser(ctx context.Context, userID int64) error {
	rules, err := e.store.ListActiveRulesByTypes(ctx, []store.NotificationType{store.TypeNewUserNoKeys})
	if err != nil {
		return err
	}
	now := e.clock.Now()
	for _, rule := range rules {
		if _, err := e.store.UpsertSchedule(ctx, planEvent(rule, userID, now)); err != nil {
			return err
		}
	}
	return nil
}

// validateRule checks that a rule's planning fields fit its type before
// anything touches the database.
func (e *Engine) validateRule(r *store.NotificationRule) error {
	switch {
	case r.Type.IsReminder():
		if r.Offset() <= 0 {
			return fmt.Errorf("%w: %s needs a positive offset", ErrInvalidRule, r.Type)
		}
	case r.Type.IsKeyRule():
		if r.Offset() < 0 {
			return fmt.Errorf("%w: %s cannot fire before the finish", ErrInvalidRule, r.Type)
		}
	case r.Type == store.TypeGlobalWeekly:
		if _, err := cronSpec(*r, e.zone); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	return nil
}

// CreateRule stores a new rule and brings its plans and cron jobs up.
func (e *Engine) CreateRule(ctx context.Context, r *store.NotificationRule) (int64, error) {
	if err := e.validateRule(r); err != nil {
		return 0, err
	}
	id, err := e.store.CreateRule(ctx, r)
	if err != nil {
		return 0, err
	}
	r.ID = id
	if r.IsActive {
		if err := e.activateRule(ctx, *r); err != nil {
			return id, err
		}
	}
	return id, nil
}

// UpdateRule saves the rule and applies the side effects of what changed:
// deactivation cancels plans, activation creates them, and a changed type
// or offset regenerates them from scratch.
func (e *Engine) UpdateRule(ctx context.Context, r *store.NotificationRule) error {
	if err := e.validateRule(r); err != nil {
		return err
	}
	old, err := e.store.GetRule(ctx, r.ID)
	if err != nil {
		return err
	}
	if err := e.store.UpdateRule(ctx, r); err != nil {
		return err
	}
	switch {
	case old.IsActive && !r.IsActive:
		return e.deactivateRule(ctx, *r)
	case !old.IsActive && r.IsActive:
		return e.activateRule(ctx, *r)
	case r.IsActive && (old.Type != r.Type || old.Offset() != r.Offset() || !equalWeekly(old, r)):
		if err := e.deactivateRule(ctx, *r); err != nil {
			return err
		}
		return e.activateRule(ctx, *r)
	}
	return nil
}

func equalWeekly(a, b *store.NotificationRule) bool {
	return equalIntPtr(a.Weekday, b.Weekday) &&
		equalStrPtr(a.TimeOfDay, b.TimeOfDay) &&
		equalStrPtr(a.Timezone, b.Timezone)
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// deactivateRule cancels every planned delivery and drops the cron job.
func (e *Engine) deactivateRule(ctx context.Context, r store.NotificationRule) error {
	n, err := e.store.CancelSchedulesByRule(ctx, r.ID)
	if err != nil {
		return err
	}
	if r.Type == store.TypeGlobalWeekly {
		e.sched.Remove(globalJobID(r.ID))
	}
	e.logger.Info().
		Str("event", "notify.rule_deactivated").
		Int64("rule_id", r.ID).
		Int64("cancelled", n).
		Msg("rule deactivated")
	return nil
}

// activateRule builds plans for a rule that just went live.
func (e *Engine) activateRule(ctx context.Context, r store.NotificationRule) error {
	switch {
	case r.Type == store.TypeGlobalWeekly:
		return e.installGlobalJob(r)
	case r.Type == store.TypeNewUserNoKeys:
		return e.planNoKeysRule(ctx, r)
	case r.Type.IsKeyRule():
		if e.disabled {
			return nil
		}
		userIDs, err := e.store.ListUserIDs(ctx)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		var entries []store.ScheduleEntry
		for _, userID := range userIDs {
			keys, err := e.store.ListActiveUserKeys(ctx, userID)
			if err != nil {
				return err
			}
			entries = append(entries, planUserKeys([]store.NotificationRule{r}, keys, now)...)
		}
		n, err := e.store.BulkUpsertSchedules(ctx, entries)
		if err != nil {
			return err
		}
		e.logger.Info().
			Str("event", "notify.rule_activated").
			Int64("rule_id", r.ID).
			Int("planned", n).
			Msg("rule activated")
	}
	return nil
}

// planNoKeysRule schedules the nudge for every user who currently has no
// active key.
func (e *Engine) planNoKeysRule(ctx context.Context, r store.NotificationRule) error {
	userIDs, err := e.store.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	var entries []store.ScheduleEntry
	for _, userID := range userIDs {
		has, err := e.store.HasActiveKey(ctx, userID)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		entries = append(entries, planEvent(r, userID, now))
	}
	_, err = e.store.BulkUpsertSchedules(ctx, entries)
	return err
}

// RefreshGlobalJobs reinstalls the cron jobs of every active weekly rule.
// Called at startup and after bulk rule changes.
func (e *Engine) RefreshGlobalJobs(ctx context.Context) error {
	e.sched.RemovePrefix(globalJobPrefix)
	rules, err := e.store.ListActiveRulesByTypes(ctx, []store.NotificationType{store.TypeGlobalWeekly})
	if err != nil {
		return err
	}
	for _, r := range rules {
		if err := e.installGlobalJob(r); err != nil {
			e.logger.Error().Err(err).Int64("rule_id", r.ID).
				Str("event", "notify.global_install_failed").Msg("weekly rule not installed")
		}
	}
	return nil
}

func (e *Engine) installGlobalJob(r store.NotificationRule) error {
	spec, err := cronSpec(r, e.zone)
	if err != nil {
		return err
	}
	ruleID := r.ID
	err = e.sched.Install(globalJobID(ruleID), spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := e.fanOutGlobal(ctx, ruleID); err != nil {
			e.logger.Error().Err(err).Int64("rule_id", ruleID).
				Str("event", "notify.global_fanout_failed").Msg("weekly fan-out failed")
		}
	})
	if err != nil {
		return err
	}
	e.logger.Info().
		Str("event", "notify.global_installed").
		Int64("rule_id", ruleID).
		Str("spec", spec).
		Msg("weekly rule installed")
	return nil
}

// fanOutGlobal plans an immediate delivery of a weekly rule to every
// known user; the dispatcher picks them up within its next tick.
func (e *Engine) fanOutGlobal(ctx context.Context, ruleID int64) error {
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if !rule.IsActive {
		return nil
	}
	userIDs, err := e.store.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	now := e.clock.NowUTC()
	entries := make([]store.ScheduleEntry, 0, len(userIDs))
	for _, userID := range userIDs {
		entries = append(entries, store.ScheduleEntry{
			UserID:    userID,
			RuleID:    ruleID,
			PlannedAt: now,
			DedupKey:  eventDedupKey(userID, ruleID, now),
		})
	}
	n, err := e.store.BulkUpsertSchedules(ctx, entries)
	if err != nil {
		return err
	}
	e.logger.Info().
		Str("event", "notify.global_fanout").
		Int64("rule_id", ruleID).
		Int("planned", n).
		Msg("weekly rule fanned out")
	return nil
}

// PreviewRule derives the deliveries a rule would plan for one user,
// without persisting anything.
func (e *Engine) PreviewRule(ctx context.Context, r store.NotificationRule, userID int64) ([]store.ScheduleEntry, error) {
	now := e.clock.Now()
	switch {
	case r.Type.IsKeyRule():
		keys, err := e.store.ListActiveUserKeys(ctx, userID)
		if err != nil {
			return nil, err
		}
		return planUserKeys([]store.NotificationRule{r}, keys, now), nil
	case r.Type == store.TypeNewUserNoKeys:
		return []store.ScheduleEntry{planEvent(r, userID, now)}, nil
	default:
		return []store.ScheduleEntry{{
			UserID:    userID,
			RuleID:    r.ID,
			PlannedAt: now.UTC(),
			DedupKey:  eventDedupKey(userID, r.ID, now),
		}}, nil
	}
}

// LogManual records a delivery made outside the engine, e.g. an operator
// broadcast.
func (e *Engine) LogManual(ctx context.Context, userID int64, status store.LogStatus, messageID, cause string) error {
	l := &store.NotificationLog{
		UserID: &userID,
		Status: status,
		SentAt: e.clock.NowUTC(),
	}
	if messageID != "" {
		l.MessageID = &messageID
	}
	if cause != "" {
		l.Error = &cause
	}
	return e.store.InsertNotificationLog(ctx, l)
}

func globalJobID(ruleID int64) string {
	return fmt.Sprintf("%s%d", globalJobPrefix, ruleID)
}
