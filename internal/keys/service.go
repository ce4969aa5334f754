// Package keys issues, prolongs and retires VPN keys. Every key lives in
// two places at once: a client on a remote panel and a row in the store.
// The panel write always happens first so a crash leaves an orphan client,
// never a dangling row.
package keys

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corsarvpn/corsard/internal/clock"
	"github.com/corsarvpn/corsard/internal/log"
	"github.com/corsarvpn/corsard/internal/messaging"
	"github.com/corsarvpn/corsard/internal/panel"
	"github.com/corsarvpn/corsard/internal/store"
)

// ErrNoServerAvailable is returned when no server exists at all. A full
// server is not a hard stop; operators get warned and issuance proceeds.
var ErrNoServerAvailable = errors.New("keys: no server available")

// Store is the persistence surface the key service needs.
type Store interface {
	GetServer(ctx context.Context, id int64) (*store.Server, error)
	ListServersByFreeSlots(ctx context.Context) ([]store.ServerSlots, error)
	GetKey(ctx context.Context, id int64) (*store.Key, error)
	InsertKey(ctx context.Context, k *store.Key) (int64, error)
	NextDeviceIndex(ctx context.Context, userID int64, device store.Device) (int, error)
	MarkTrialUsed(ctx context.Context, userID int64, expiresAt time.Time) error
	GetTextSettings(ctx context.Context) (*store.TextSettings, error)
	ListActiveUserKeys(ctx context.Context, userID int64) ([]store.Key, error)
	ListServerKeys(ctx context.Context, serverID int64) ([]store.Key, error)
	UpdateKeyFinish(ctx context.Context, id int64, finish time.Time) error
	UpdateKeyServer(ctx context.Context, id, serverID int64, uri string) error
}

// Panel is one server's provisioning surface.
type Panel interface {
	Authenticate(ctx context.Context) error
	AddClient(ctx context.Context, spec panel.ClientSpec) error
	SetClientEnabled(ctx context.Context, id string, enabled bool) error
	SetClientExpiry(ctx context.Context, id string, expiryMS int64) error
	DeleteClient(ctx context.Context, id string) error
	KeyInbound(ctx context.Context) (*panel.Inbound, error)
	Endpoint() *panel.Endpoint
}

// Panels hands out a panel client per server.
type Panels interface {
	For(serverID int64, host, login, password string) (Panel, error)
}

// Notifier replans a user's key-bound notifications after their keys
// change.
type Notifier interface {
	SyncUserKeyRules(ctx context.Context, userID int64) error
}

// NopNotifier satisfies Notifier without doing anything. Used when key
// notifications are disabled.
type NopNotifier struct{}

func (NopNotifier) SyncUserKeyRules(context.Context, int64) error { return nil }

// Service implements key issuance and lifecycle.
type Service struct {
	store    Store
	panels   Panels
	notifier Notifier
	sink     messaging.Sink
	clock    clock.Clock
	prefix   string
	logger   zerolog.Logger
}

// NewService wires the key service.
func NewService(st Store, panels Panels, notifier Notifier, sink messaging.Sink, clk clock.Clock, prefix string) *Service {
	return &Service{
		store:    st,
		panels:   panels,
		notifier: notifier,
		sink:     sink,
		clock:    clk,
		prefix:   prefix,
		logger:   log.WithComponent("keys"),
	}
}

// CreateKey provisions a new key for the user on the emptiest server and
// returns the stored row. The key name carries the user id, device and a
// per-device ordinal that never repeats, so it stays unique and traceable
// on the panel side even after older keys are purged.
func (s *Service) CreateKey(ctx context.Context, userID int64, device store.Device, dur time.Duration, isTest bool, paymentID *int64) (*store.Key, error) {
	srv, err := s.pickServer(ctx, isTest)
	if err != nil {
		return nil, err
	}
	pc, err := s.panels.For(srv.ID, srv.Host, srv.Login, srv.Password)
	if err != nil {
		return nil, fmt.Errorf("keys: server %d: %w", srv.ID, err)
	}

	n, err := s.store.NextDeviceIndex(ctx, userID, device)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s_%d_%s_%d", s.prefix, userID, device, n)
	clientID := uuid.NewString()

	now := s.clock.Now()
	finish := now.Add(dur)
	spec := panel.NewClientSpec(clientID, name, panel.ExpiryMS(finish, s.civilOffset()))
	if err := pc.AddClient(ctx, spec); err != nil {
		return nil, err
	}
	uri, err := s.renderURI(ctx, pc, clientID, name, spec.Flow)
	if err != nil {
		return nil, err
	}

	k := &store.Key{
		UserID:    userID,
		ServerID:  srv.ID,
		Key:       uri,
		Device:    device,
		Name:      name,
		PaymentID: paymentID,
		Start:     now,
		Finish:    finish,
		Active:    true,
		IsTest:    isTest,
	}
	k.ID, err = s.store.InsertKey(ctx, k)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("event", "keys.created").
		Int64("user_id", userID).
		Int64("key_id", k.ID).
		Int64("server_id", srv.ID).
		Str("name", name).
		Bool("is_test", isTest).
		Msg("key created")

	if isTest {
		if err := s.store.MarkTrialUsed(ctx, userID, finish); err != nil {
			s.logger.Error().Err(err).Int64("user_id", userID).
				Str("event", "keys.trial_flag_failed").Msg("trial flag not saved")
		}
	}
	if err := s.notifier.SyncUserKeyRules(ctx, userID); err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).
			Str("event", "keys.notify_sync_failed").Msg("notification replan failed")
	}
	// Payment-bound keys are delivered by the payment pipeline together
	// with the purchase confirmation; everything else is handed over here.
	if paymentID == nil {
		s.deliverKey(ctx, k)
	}
	return k, nil
}

// deliverKey sends the user an intro with the setup guide and then the
// bare URI in its own message, so it copies cleanly. Best effort; a key
// the user cannot receive is still issued.
func (s *Service) deliverKey(ctx context.Context, k *store.Key) {
	intro := messaging.TextMessage("Ваш ключ готов! Скопируйте его целиком и вставьте в приложение.")
	if ts, err := s.store.GetTextSettings(ctx); err == nil {
		if _, guideURL := ts.DeviceGuide(k.Device); guideURL != "" {
			intro.Buttons = [][]messaging.Button{{{Text: "Инструкция", URL: guideURL}}}
		}
	}
	if _, err := s.sink.Send(ctx, k.UserID, intro); err != nil {
		s.logger.Error().Err(err).Int64("key_id", k.ID).Int64("user_id", k.UserID).
			Str("event", "keys.deliver_failed").Msg("key intro not delivered")
	}
	uri := messaging.TextMessage(fmt.Sprintf("<code>%s</code>", k.Key))
	if _, err := s.sink.Send(ctx, k.UserID, uri); err != nil {
		s.logger.Error().Err(err).Int64("key_id", k.ID).Int64("user_id", k.UserID).
			Str("event", "keys.deliver_failed").Msg("key uri not delivered")
	}
}

// ProlongKey extends the key. An expired key restarts from now, a live one
// keeps its remaining time.
func (s *Service) ProlongKey(ctx context.Context, keyID int64, extend time.Duration) (*store.Key, error) {
	k, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	base := k.Finish
	if base.Before(now) {
		base = now
	}
	finish := base.Add(extend)

	pc, err := s.panelFor(ctx, k.ServerID)
	if err != nil {
		return nil, err
	}
	clientID, err := ClientIDFromURI(k.Key)
	if err != nil {
		return nil, err
	}
	if err := pc.SetClientExpiry(ctx, clientID, panel.ExpiryMS(finish, s.civilOffset())); err != nil {
		return nil, err
	}
	if err := s.store.UpdateKeyFinish(ctx, keyID, finish); err != nil {
		return nil, err
	}
	k.Finish = finish
	k.Active = true
	k.Alerted = false
	s.logger.Info().
		Str("event", "keys.prolonged").
		Int64("key_id", keyID).
		Time("finish", finish).
		Msg("key prolonged")

	if err := s.notifier.SyncUserKeyRules(ctx, k.UserID); err != nil {
		s.logger.Error().Err(err).Int64("user_id", k.UserID).
			Str("event", "keys.notify_sync_failed").Msg("notification replan failed")
	}
	return k, nil
}

// TransferKey moves a key to another server, reprovisioning the client
// there and rewriting the stored URI. The old client is removed best
// effort; a client already gone on the source panel is fine.
func (s *Service) TransferKey(ctx context.Context, keyID, toServerID int64) (*store.Key, error) {
	k, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if k.ServerID == toServerID {
		return k, nil
	}
	target, err := s.store.GetServer(ctx, toServerID)
	if err != nil {
		return nil, err
	}
	toPanel, err := s.panels.For(target.ID, target.Host, target.Login, target.Password)
	if err != nil {
		return nil, fmt.Errorf("keys: server %d: %w", target.ID, err)
	}
	clientID, err := ClientIDFromURI(k.Key)
	if err != nil {
		return nil, err
	}

	spec := panel.NewClientSpec(clientID, k.Name, panel.ExpiryMS(k.Finish, s.civilOffset()))
	if err := toPanel.AddClient(ctx, spec); err != nil {
		return nil, err
	}
	uri, err := s.renderURI(ctx, toPanel, clientID, k.Name, spec.Flow)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateKeyServer(ctx, keyID, toServerID, uri); err != nil {
		return nil, err
	}

	if fromPanel, perr := s.panelFor(ctx, k.ServerID); perr == nil {
		if derr := fromPanel.DeleteClient(ctx, clientID); derr != nil && !errors.Is(derr, panel.ErrClientNotFound) {
			s.logger.Warn().Err(derr).Int64("key_id", keyID).Int64("server_id", k.ServerID).
				Str("event", "keys.transfer_cleanup_failed").Msg("source client not removed")
		}
	}

	k.ServerID = toServerID
	k.Key = uri
	s.logger.Info().
		Str("event", "keys.transferred").
		Int64("key_id", keyID).
		Int64("server_id", toServerID).
		Msg("key transferred")
	return k, nil
}

// TransferAllKeys moves every active key off one server, e.g. before
// decommissioning it. Per-key failures are logged and counted, not fatal.
func (s *Service) TransferAllKeys(ctx context.Context, fromServerID, toServerID int64) (moved, failed int, err error) {
	ks, err := s.store.ListServerKeys(ctx, fromServerID)
	if err != nil {
		return 0, 0, err
	}
	for _, k := range ks {
		if _, terr := s.TransferKey(ctx, k.ID, toServerID); terr != nil {
			failed++
			s.logger.Error().Err(terr).Int64("key_id", k.ID).
				Str("event", "keys.transfer_failed").Msg("key transfer failed")
			continue
		}
		moved++
	}
	return moved, failed, nil
}

// CheckConnection verifies a server is reachable and provisionable.
func (s *Service) CheckConnection(ctx context.Context, serverID int64) error {
	pc, err := s.panelFor(ctx, serverID)
	if err != nil {
		return err
	}
	if err := pc.Authenticate(ctx); err != nil {
		return err
	}
	_, err = pc.KeyInbound(ctx)
	return err
}

// pickServer returns the server with the most free slots. Test keys go to
// test servers when any exist. A negative-headroom winner only warns the
// operators; users are never refused for capacity.
func (s *Service) pickServer(ctx context.Context, isTest bool) (*store.Server, error) {
	servers, err := s.store.ListServersByFreeSlots(ctx)
	if err != nil {
		return nil, err
	}
	candidates := servers
	if isTest {
		var test []store.ServerSlots
		for _, srv := range servers {
			if srv.IsTest {
				test = append(test, srv)
			}
		}
		if len(test) > 0 {
			candidates = test
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoServerAvailable
	}
	best := candidates[0]
	if best.FreeSlots() <= 0 {
		s.logger.Warn().
			Str("event", "keys.capacity").
			Int64("server_id", best.ID).
			Int("max_users", best.MaxUsers).
			Int("used_slots", best.UsedSlots).
			Msg("all servers at capacity")
		warn := messaging.TextMessage(fmt.Sprintf(
			"Все серверы заполнены: %s (%d/%d). Нужен новый сервер.",
			best.Host, best.UsedSlots, best.MaxUsers))
		if err := s.sink.SendAdmins(ctx, warn); err != nil {
			s.logger.Error().Err(err).Str("event", "keys.capacity_warn_failed").Msg("operator warning failed")
		}
	}
	return &best.Server, nil
}

func (s *Service) panelFor(ctx context.Context, serverID int64) (Panel, error) {
	srv, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	pc, err := s.panels.For(srv.ID, srv.Host, srv.Login, srv.Password)
	if err != nil {
		return nil, fmt.Errorf("keys: server %d: %w", srv.ID, err)
	}
	return pc, nil
}

func (s *Service) renderURI(ctx context.Context, pc Panel, clientID, name, flow string) (string, error) {
	in, err := pc.KeyInbound(ctx)
	if err != nil {
		return "", err
	}
	return panel.RenderKeyURI(in, pc.Endpoint().Hostname(), clientID, name, flow)
}

func (s *Service) civilOffset() time.Duration {
	_, secs := s.clock.Now().Zone()
	return time.Duration(secs) * time.Second
}

// ClientIDFromURI extracts the panel client uuid from a stored vless URI.
func ClientIDFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || !strings.EqualFold(u.Scheme, "vless") || u.User == nil {
		return "", fmt.Errorf("keys: malformed key uri %q", uri)
	}
	return u.User.Username(), nil
}
