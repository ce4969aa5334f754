package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/corsarvpn/corsard/internal/clock"
	"github.com/corsarvpn/corsard/internal/log"
	"github.com/corsarvpn/corsard/internal/messaging"
	"github.com/corsarvpn/corsard/internal/ops"
	"github.com/corsarvpn/corsard/internal/panel"
	"github.com/corsarvpn/corsard/internal/store"
)

const (
	// alertWindow is how far ahead of the finish the expiry warning goes out.
	alertWindow = 24 * time.Hour
	// alertFloor suppresses the warning when the key dies within the hour;
	// the expiry notice follows immediately anyway.
	alertFloor = time.Hour
	// purgeGrace is how long an expired key lingers before removal.
	purgeGrace = 24 * time.Hour
)

// SweepStore is the persistence surface the sweeper needs.
type SweepStore interface {
	GetServer(ctx context.Context, id int64) (*store.Server, error)
	ListExpiringKeys(ctx context.Context, now time.Time, window time.Duration) ([]store.Key, error)
	ListExpiredActiveKeys(ctx context.Context, now time.Time) ([]store.Key, error)
	ListOverdueKeys(ctx context.Context, now time.Time, grace time.Duration) ([]store.Key, error)
	MarkKeyAlerted(ctx context.Context, id int64) error
	DeactivateKey(ctx context.Context, id int64) error
	DeleteKey(ctx context.Context, id int64) error
}

// Sweeper walks keys through their end of life: warn, disable, purge.
// Runs on an interval; every phase tolerates per-key failures so one bad
// panel cannot stall the rest.
type Sweeper struct {
	store    SweepStore
	panels   Panels
	notifier Notifier
	sink     messaging.Sink
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewSweeper wires the sweeper.
func NewSweeper(st SweepStore, panels Panels, notifier Notifier, sink messaging.Sink, clk clock.Clock) *Sweeper {
	return &Sweeper{
		store:    st,
		panels:   panels,
		notifier: notifier,
		sink:     sink,
		clock:    clk,
		logger:   log.WithComponent("sweeper"),
	}
}

// Run performs one sweep.
func (s *Sweeper) Run(ctx context.Context) error {
	now := s.clock.Now()
	s.alertExpiring(ctx, now)
	s.disableExpired(ctx, now)
	s.purgeOverdue(ctx, now)
	return ctx.Err()
}

func (s *Sweeper) alertExpiring(ctx context.Context, now time.Time) {
	ks, err := s.store.ListExpiringKeys(ctx, now, alertWindow)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "sweeper.list_expiring_failed").Msg("sweep phase failed")
		return
	}
	for _, k := range ks {
		if k.Finish.Sub(now) < alertFloor {
			continue
		}
		msg := messaging.TextMessage(fmt.Sprintf(
			"Ваш ключ <b>%s</b> истекает %s. Продлите его, чтобы не потерять доступ.",
			k.Name, s.clock.ToCivil(k.Finish).Format("02.01.2006 15:04")))
		if _, err := s.sink.Send(ctx, k.UserID, msg); err != nil && !errors.Is(err, messaging.ErrDelivery) {
			s.logger.Error().Err(err).Int64("key_id", k.ID).
				Str("event", "sweeper.alert_failed").Msg("expiry warning failed")
			continue
		}
		if err := s.store.MarkKeyAlerted(ctx, k.ID); err != nil {
			s.logger.Error().Err(err).Int64("key_id", k.ID).
				Str("event", "sweeper.mark_alerted_failed").Msg("alert flag not saved")
			continue
		}
		ops.CountKeySwept("alerted")
	}
}

func (s *Sweeper) disableExpired(ctx context.Context, now time.Time) {
	ks, err := s.store.ListExpiredActiveKeys(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "sweeper.list_expired_failed").Msg("sweep phase failed")
		return
	}
	for _, k := range ks {
		if err := s.panelClientOp(ctx, k, func(pc Panel, id string) error {
			return pc.SetClientEnabled(ctx, id, false)
		}); err != nil {
			s.logger.Error().Err(err).Int64("key_id", k.ID).
				Str("event", "sweeper.disable_failed").Msg("panel disable failed")
			continue
		}
		if err := s.store.DeactivateKey(ctx, k.ID); err != nil {
			s.logger.Error().Err(err).Int64("key_id", k.ID).
				Str("event", "sweeper.deactivate_failed").Msg("key not deactivated")
			continue
		}
		ops.CountKeySwept("disabled")
		s.logger.Info().Str("event", "sweeper.expired").Int64("key_id", k.ID).Msg("key disabled")
		if err := s.notifier.SyncUserKeyRules(ctx, k.UserID); err != nil {
			s.logger.Error().Err(err).Int64("user_id", k.UserID).
				Str("event", "sweeper.notify_sync_failed").Msg("notification replan failed")
		}
	}
}

func (s *Sweeper) purgeOverdue(ctx context.Context, now time.Time) {
	ks, err := s.store.ListOverdueKeys(ctx, now, purgeGrace)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "sweeper.list_overdue_failed").Msg("sweep phase failed")
		return
	}
	for _, k := range ks {
		if err := s.panelClientOp(ctx, k, func(pc Panel, id string) error {
			return pc.DeleteClient(ctx, id)
		}); err != nil {
			s.logger.Error().Err(err).Int64("key_id", k.ID).
				Str("event", "sweeper.panel_delete_failed").Msg("panel delete failed")
			continue
		}
		if err := s.store.DeleteKey(ctx, k.ID); err != nil {
			s.logger.Error().Err(err).Int64("key_id", k.ID).
				Str("event", "sweeper.delete_failed").Msg("key not deleted")
			continue
		}
		ops.CountKeySwept("purged")
		s.logger.Info().Str("event", "sweeper.purged").Int64("key_id", k.ID).Msg("key removed")
	}
}

// panelClientOp resolves the key's panel client and runs op. A client
// already gone on the panel is not an error.
func (s *Sweeper) panelClientOp(ctx context.Context, k store.Key, op func(Panel, string) error) error {
	srv, err := s.store.GetServer(ctx, k.ServerID)
	if err != nil {
		return err
	}
	pc, err := s.panels.For(srv.ID, srv.Host, srv.Login, srv.Password)
	if err != nil {
		return err
	}
	clientID, err := ClientIDFromURI(k.Key)
	if err != nil {
		return err
	}
	if err := op(pc, clientID); err != nil && !errors.Is(err, panel.ErrClientNotFound) {
		return err
	}
	return nil
}
