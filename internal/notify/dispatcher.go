package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/corsarvpn/corsard/internal/clock"
	"github.com/corsarvpn/corsard/internal/log"
	"github.com/corsarvpn/corsard/internal/messaging"
	"github.com/corsarvpn/corsard/internal/ops"
	"github.com/corsarvpn/corsard/internal/store"
)

const (
	// batchSize is how many due schedules one fetch pulls.
	batchSize = 50
	// maxBatches bounds one dispatch tick; the rest waits for the next.
	maxBatches = 100
	// batchPause keeps the provider's rate limiter happy.
	batchPause = time.Second
)

// errRuleInactive parks schedules whose rule was switched off after
// planning.
var errRuleInactive = errors.New("notify: rule inactive")

// Dispatcher drains due schedules and sends them.
type Dispatcher struct {
	store  Store
	sink   messaging.Sink
	clock  clock.Clock
	logger zerolog.Logger

	rules map[int64]*store.NotificationRule
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(st Store, sink messaging.Sink, clk clock.Clock) *Dispatcher {
	return &Dispatcher{
		store:  st,
		sink:   sink,
		clock:  clk,
		logger: log.WithComponent("notify.dispatcher"),
	}
}

// Run performs one dispatch tick, draining due schedules in batches until
// none remain or the tick's budget runs out. Every due row goes out no
// matter how stale: a daemon that was down catches up on its backlog
// instead of dropping it. The scheduler guarantees single flight, so
// there is no lock here.
func (d *Dispatcher) Run(ctx context.Context) error {
	now := d.clock.NowUTC()
	d.rules = make(map[int64]*store.NotificationRule)

	total, sent := 0, 0
	for batch := 0; batch < maxBatches; batch++ {
		if batch > 0 {
			select {
			case <-time.After(batchPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		due, err := d.store.FetchDueSchedules(ctx, now, batchSize)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			break
		}
		total += len(due)
		for _, sc := range due {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.dispatchOne(ctx, sc) {
				sent++
			}
		}
		if len(due) < batchSize {
			break
		}
	}
	if total > 0 {
		d.logger.Info().
			Str("event", "notify.dispatched").
			Int("due", total).
			Int("sent", sent).
			Msg("dispatch tick done")
	}
	return nil
}

// dispatchOne pushes a single schedule to its terminal state and reports
// whether a message actually went out.
func (d *Dispatcher) dispatchOne(ctx context.Context, sc store.Schedule) bool {
	rule, err := d.ruleFor(ctx, sc.RuleID)
	if err != nil {
		d.finalizeError(ctx, sc, rule, err)
		return false
	}
	if !rule.IsActive {
		d.finalizeError(ctx, sc, rule, errRuleInactive)
		return false
	}
	send, err := d.shouldSend(ctx, rule, sc.UserID)
	if err != nil {
		d.finalizeError(ctx, sc, rule, err)
		return false
	}
	if !send {
		d.finalizeSkip(ctx, sc, "condition no longer holds")
		return false
	}

	msg, err := messaging.DecodeTemplate(rule.MessageTemplate)
	if err == nil {
		err = msg.Validate()
	}
	if err != nil {
		d.finalizeError(ctx, sc, rule, err)
		return false
	}

	messageID, err := d.sink.Send(ctx, sc.UserID, msg.Render())
	if err != nil {
		d.finalizeError(ctx, sc, rule, err)
		return false
	}

	ops.CountNotification("sent")
	sentAt := d.clock.NowUTC()
	if err := d.store.MarkScheduleSent(ctx, sc.ID, sentAt); err != nil {
		d.logger.Error().Err(err).Int64("schedule_id", sc.ID).
			Str("event", "notify.mark_sent_failed").Msg("sent state not saved")
	}
	d.appendLog(ctx, sc, rule, store.LogOK, messageID, "")
	d.planFollowUp(ctx, rule, sc)
	return true
}

// shouldSend re-checks the rule's condition at delivery time: the nudge
// for keyless users dies once they hold any key, and key-bound repeats
// stop once a paid key is active again.
func (d *Dispatcher) shouldSend(ctx context.Context, rule *store.NotificationRule, userID int64) (bool, error) {
	switch {
	case rule.Type == store.TypeNewUserNoKeys:
		has, err := d.store.HasActiveKey(ctx, userID)
		if err != nil {
			return false, err
		}
		return !has, nil
	default:
		return true, nil
	}
}

// planFollowUp schedules the next occurrence of a repeating rule when its
// condition still holds. The chain advances from the slot that just went
// out, keeping the cadence anchored to the original plan.
func (d *Dispatcher) planFollowUp(ctx context.Context, rule *store.NotificationRule, sc store.Schedule) {
	if rule.RepeatEvery() <= 0 {
		return
	}
	repeat, err := d.shouldRepeat(ctx, rule, sc.UserID)
	if err != nil {
		d.logger.Error().Err(err).Int64("rule_id", rule.ID).Int64("user_id", sc.UserID).
			Str("event", "notify.repeat_check_failed").Msg("repeat condition check failed")
		return
	}
	if !repeat {
		return
	}
	if _, err := d.store.UpsertSchedule(ctx, planRepeat(*rule, sc.UserID, sc.PlannedAt)); err != nil {
		d.logger.Error().Err(err).Int64("rule_id", rule.ID).Int64("user_id", sc.UserID).
			Str("event", "notify.repeat_plan_failed").Msg("repeat not planned")
	}
}

// shouldRepeat gates the next occurrence: key-bound rules stop once the
// user holds an active paid key, the no-keys nudge once they hold any
// key. Other types never chain; weekly rules replicate through their
// cron job, not here.
func (d *Dispatcher) shouldRepeat(ctx context.Context, rule *store.NotificationRule, userID int64) (bool, error) {
	switch {
	case rule.Type.IsKeyRule():
		has, err := d.store.HasActivePaidKey(ctx, userID)
		if err != nil {
			return false, err
		}
		return !has, nil
	case rule.Type == store.TypeNewUserNoKeys:
		has, err := d.store.HasActiveKey(ctx, userID)
		if err != nil {
			return false, err
		}
		return !has, nil
	default:
		return false, nil
	}
}

func (d *Dispatcher) ruleFor(ctx context.Context, ruleID int64) (*store.NotificationRule, error) {
	if r, ok := d.rules[ruleID]; ok {
		return r, nil
	}
	r, err := d.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	d.rules[ruleID] = r
	return r, nil
}

func (d *Dispatcher) finalizeSkip(ctx context.Context, sc store.Schedule, reason string) {
	ops.CountNotification("skipped")
	if err := d.store.MarkScheduleSkipped(ctx, sc.ID); err != nil {
		d.logger.Error().Err(err).Int64("schedule_id", sc.ID).
			Str("event", "notify.mark_skip_failed").Msg("skip state not saved")
		return
	}
	d.logger.Debug().
		Str("event", "notify.skipped").
		Int64("schedule_id", sc.ID).
		Str("reason", reason).
		Msg("schedule skipped")
}

func (d *Dispatcher) finalizeError(ctx context.Context, sc store.Schedule, rule *store.NotificationRule, cause error) {
	ops.CountNotification("error")
	if err := d.store.MarkScheduleError(ctx, sc.ID, cause.Error()); err != nil {
		d.logger.Error().Err(err).Int64("schedule_id", sc.ID).
			Str("event", "notify.mark_error_failed").Msg("error state not saved")
	}
	d.appendLog(ctx, sc, rule, store.LogFailed, "", cause.Error())
	if errors.Is(cause, messaging.ErrDelivery) {
		d.logger.Warn().Err(cause).Int64("schedule_id", sc.ID).Int64("user_id", sc.UserID).
			Str("event", "notify.delivery_refused").Msg("recipient unreachable")
		return
	}
	d.logger.Error().Err(cause).Int64("schedule_id", sc.ID).
		Str("event", "notify.dispatch_failed").Msg("schedule failed")
}

func (d *Dispatcher) appendLog(ctx context.Context, sc store.Schedule, rule *store.NotificationRule, status store.LogStatus, messageID, cause string) {
	l := &store.NotificationLog{
		UserID:     &sc.UserID,
		ScheduleID: &sc.ID,
		Status:     status,
		SentAt:     d.clock.NowUTC(),
	}
	if rule != nil {
		l.RuleID = &rule.ID
	}
	if messageID != "" {
		l.MessageID = &messageID
	}
	if cause != "" {
		l.Error = &cause
	}
	if err := d.store.InsertNotificationLog(ctx, l); err != nil {
		d.logger.Error().Err(err).Int64("schedule_id", sc.ID).
			Str("event", "notify.log_failed").Msg("delivery log not written")
	}
}
