package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corsarvpn/corsard/internal/clock"
	"github.com/corsarvpn/corsard/internal/log"
	"github.com/corsarvpn/corsard/internal/messaging"
	"github.com/corsarvpn/corsard/internal/ops"
	"github.com/corsarvpn/corsard/internal/store"
)

// pendingTTL is how long an unconfirmed payment may stay pending. An
// intent the provider denies past this age is dropped; a provider error
// leaves it alone.
const pendingTTL = 30 * time.Minute

// Store is the persistence surface of the payment pipeline.
type Store interface {
	GetTariff(ctx context.Context, id int64) (*store.Tariff, error)
	GetPromoByCode(ctx context.Context, code string) (*store.Promo, error)
	ActivatePromo(ctx context.Context, promoID, userID int64, now time.Time) (*store.Promo, error)
	CreatePayment(ctx context.Context, p *store.Payment) (int64, error)
	GetPayment(ctx context.Context, id int64) (*store.Payment, error)
	ListPendingPayments(ctx context.Context) ([]store.Payment, error)
	ListSuccessWithoutKey(ctx context.Context) ([]store.Payment, error)
	DeletePayment(ctx context.Context, id int64) error
	MarkPaymentSuccess(ctx context.Context, id int64) (bool, error)
	MarkPaymentError(ctx context.Context, id int64, reason string) error
	MarkKeyIssued(ctx context.Context, id, keyID int64, at time.Time) (bool, error)
	IsKeyIssued(ctx context.Context, id int64) (bool, error)
	GetKey(ctx context.Context, id int64) (*store.Key, error)
	GetKeyByPaymentID(ctx context.Context, paymentID int64) (*store.Key, error)
	GetTextSettings(ctx context.Context) (*store.TextSettings, error)
}

// KeyIssuer turns a confirmed payment into a key.
type KeyIssuer interface {
	CreateKey(ctx context.Context, userID int64, device store.Device, dur time.Duration, isTest bool, paymentID *int64) (*store.Key, error)
	ProlongKey(ctx context.Context, keyID int64, extend time.Duration) (*store.Key, error)
}

// Service drives payments from intent to issued key.
type Service struct {
	store    Store
	provider Provider
	issuer   KeyIssuer
	sink     messaging.Sink
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewService wires the payment pipeline.
func NewService(st Store, provider Provider, issuer KeyIssuer, sink messaging.Sink, clk clock.Clock) *Service {
	return &Service{
		store:    st,
		provider: provider,
		issuer:   issuer,
		sink:     sink,
		clock:    clk,
		logger:   log.WithComponent("payments"),
	}
}

// CreatePayment opens a purchase: price is resolved from the tariff with
// its own discount and an optional promo code applied, the provider intent
// is registered, and the pending row saved. An empty promoCode means no
// promo. keyID, when set, marks a prolongation of an existing key.
func (s *Service) CreatePayment(ctx context.Context, userID, tariffID int64, device store.Device, keyID *int64, promoCode string) (*store.Payment, error) {
	tariff, err := s.store.GetTariff(ctx, tariffID)
	if err != nil {
		return nil, err
	}
	amount := tariff.Price
	if tariff.Discount != nil && *tariff.Discount > 0 {
		amount = amount * int64(100-*tariff.Discount) / 100
	}

	var promoID *int64
	if promoCode != "" {
		promo, err := s.store.GetPromoByCode(ctx, promoCode)
		if err != nil {
			return nil, err
		}
		if !promo.AllowsTariff(tariffID) {
			return nil, fmt.Errorf("payments: promo %q not valid for tariff %d: %w", promoCode, tariffID, store.ErrNotFound)
		}
		if _, err := s.store.ActivatePromo(ctx, promo.ID, userID, s.clock.Now()); err != nil {
			return nil, err
		}
		amount = amount * int64(100-promo.Price) / 100
		promoID = &promo.ID
	}
	if amount < 1 {
		amount = 1
	}

	label := uuid.NewString()
	payURL, err := s.provider.CreateIntent(ctx, label, amount)
	if err != nil {
		return nil, err
	}

	p := &store.Payment{
		Label:    label,
		UserID:   userID,
		TariffID: tariffID,
		Amount:   amount,
		URL:      payURL,
		Device:   string(device),
		KeyID:    keyID,
		Promo:    promoID,
		Status:   store.PaymentPending,
	}
	p.ID, err = s.store.CreatePayment(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("event", "payments.created").
		Int64("payment_id", p.ID).
		Int64("user_id", userID).
		Int64("amount", amount).
		Msg("payment created")
	return p, nil
}

// CheckPending is the polling job: every pending payment is asked about
// at the provider first, so a confirmation landing right at the TTL edge
// still wins. Only a clean negative answer on an intent past its TTL
// drops the row.
func (s *Service) CheckPending(ctx context.Context) error {
	now := s.clock.Now()
	pending, err := s.store.ListPendingPayments(ctx)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ops.CountPaymentCheck()
		paid, err := s.provider.CheckPaid(ctx, p.Label)
		if err != nil {
			s.logger.Warn().Err(err).Int64("payment_id", p.ID).
				Str("event", "payments.check_failed").Msg("provider check failed")
			continue
		}
		if !paid {
			if now.Sub(p.CreatedAt) >= pendingTTL {
				if derr := s.store.DeletePayment(ctx, p.ID); derr != nil {
					s.logger.Error().Err(derr).Int64("payment_id", p.ID).
						Str("event", "payments.ttl_failed").Msg("expired intent not dropped")
					continue
				}
				s.logger.Info().Int64("payment_id", p.ID).
					Str("event", "payments.ttl").Msg("unconfirmed intent dropped")
			}
			continue
		}
		flipped, err := s.store.MarkPaymentSuccess(ctx, p.ID)
		if err != nil {
			s.logger.Error().Err(err).Int64("payment_id", p.ID).
				Str("event", "payments.flip_failed").Msg("success transition failed")
			continue
		}
		if !flipped {
			continue
		}
		s.logger.Info().Int64("payment_id", p.ID).Str("event", "payments.confirmed").Msg("payment confirmed")
		if err := s.Issue(ctx, p.ID); err != nil {
			s.logger.Error().Err(err).Int64("payment_id", p.ID).
				Str("event", "payments.issue_failed").Msg("key issuance failed")
		}
	}
	return nil
}

// Recover is the safety-net job: any confirmed payment that still has no
// key gets another issuance attempt.
func (s *Service) Recover(ctx context.Context) error {
	stuck, err := s.store.ListSuccessWithoutKey(ctx)
	if err != nil {
		return err
	}
	for _, p := range stuck {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Info().Int64("payment_id", p.ID).Str("event", "payments.recover").Msg("retrying stuck payment")
		if err := s.Issue(ctx, p.ID); err != nil {
			s.logger.Error().Err(err).Int64("payment_id", p.ID).
				Str("event", "payments.recover_failed").Msg("recovery issuance failed")
		}
	}
	return nil
}

// Issue exchanges one confirmed payment for a key, exactly once. A key
// already carrying this payment's id — left by a run that crashed before
// the claim — is adopted and resent instead of creating a duplicate. A
// payment whose tariff has vanished is parked as an error and the
// operators told; everything downstream of the claim is best effort.
func (s *Service) Issue(ctx context.Context, paymentID int64) error {
	issued, err := s.store.IsKeyIssued(ctx, paymentID)
	if err != nil {
		return err
	}
	if issued {
		return nil
	}
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	if key, err := s.store.GetKeyByPaymentID(ctx, p.ID); err == nil {
		s.logger.Warn().Int64("payment_id", p.ID).Int64("key_id", key.ID).
			Str("event", "payments.key_adopted").Msg("unclaimed key found, resending")
		return s.finishIssue(ctx, p, key)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	tariff, err := s.store.GetTariff(ctx, p.TariffID)
	if errors.Is(err, store.ErrNotFound) {
		if merr := s.store.MarkPaymentError(ctx, paymentID, "tariff not found"); merr != nil {
			return merr
		}
		warn := messaging.TextMessage(fmt.Sprintf(
			"Платёж %d оплачен, но тариф %d удалён. Нужна ручная обработка.", p.ID, p.TariffID))
		if serr := s.sink.SendAdmins(ctx, warn); serr != nil {
			s.logger.Error().Err(serr).Str("event", "payments.admin_warn_failed").Msg("operator warning failed")
		}
		return fmt.Errorf("payments: payment %d references missing tariff %d", p.ID, p.TariffID)
	}
	if err != nil {
		return err
	}

	dur := time.Duration(tariff.Days) * 24 * time.Hour
	prolong := false
	if p.KeyID != nil {
		switch _, err := s.store.GetKey(ctx, *p.KeyID); {
		case err == nil:
			prolong = true
		case errors.Is(err, store.ErrNotFound):
			// The key this prolongation paid for is gone; issue a fresh
			// one rather than leave the payment stuck.
			s.logger.Warn().Int64("payment_id", p.ID).Int64("key_id", *p.KeyID).
				Str("event", "payments.prolong_target_missing").Msg("prolong target gone, creating replacement")
		default:
			return err
		}
	}

	var key *store.Key
	if prolong {
		key, err = s.issuer.ProlongKey(ctx, *p.KeyID, dur)
		if errors.Is(err, store.ErrNotFound) {
			// Deleted between the lookup and the panel write.
			key, err = s.issuer.CreateKey(ctx, p.UserID, store.NormalizeDevice(p.Device), dur, false, &p.ID)
		}
	} else {
		key, err = s.issuer.CreateKey(ctx, p.UserID, store.NormalizeDevice(p.Device), dur, false, &p.ID)
	}
	if err != nil {
		ops.CountPaymentFailure()
		return err
	}
	return s.finishIssue(ctx, p, key)
}

// finishIssue claims the payment for the key and delivers it.
func (s *Service) finishIssue(ctx context.Context, p *store.Payment, key *store.Key) error {
	claimed, err := s.store.MarkKeyIssued(ctx, p.ID, key.ID, s.clock.NowUTC())
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker finished first; its key stands.
		s.logger.Warn().Int64("payment_id", p.ID).
			Str("event", "payments.double_issue").Msg("issuance raced, keeping first claim")
		return nil
	}
	ops.CountKeyIssued()
	s.logger.Info().
		Str("event", "payments.key_issued").
		Int64("payment_id", p.ID).
		Int64("key_id", key.ID).
		Int64("user_id", p.UserID).
		Msg("key issued")

	s.deliverKey(ctx, p, key)
	return nil
}

// deliverKey sends the user their key and setup guide. Delivery failures
// never roll back issuance.
func (s *Service) deliverKey(ctx context.Context, p *store.Payment, key *store.Key) {
	text := fmt.Sprintf("Оплата прошла! Ваш ключ:\n<code>%s</code>", key.Key)
	msg := messaging.TextMessage(text)
	if ts, err := s.store.GetTextSettings(ctx); err == nil {
		if _, guideURL := ts.DeviceGuide(key.Device); guideURL != "" {
			msg.Buttons = [][]messaging.Button{{{Text: "Инструкция", URL: guideURL}}}
		}
	}
	if _, err := s.sink.Send(ctx, p.UserID, msg); err != nil {
		s.logger.Error().Err(err).Int64("user_id", p.UserID).Int64("payment_id", p.ID).
			Str("event", "payments.deliver_failed").Msg("key delivery failed")
	}
}
