package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corsarvpn/corsard/internal/clock"
	"github.com/corsarvpn/corsard/internal/messaging"
	"github.com/corsarvpn/corsard/internal/store"
)

type fakeStore struct {
	tariffs  map[int64]store.Tariff
	promos   map[string]*store.Promo
	payments map[int64]*store.Payment
	keys     map[int64]*store.Key
	settings store.TextSettings
	nextID   int64
	now      func() time.Time
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{
		tariffs:  map[int64]store.Tariff{},
		promos:   map[string]*store.Promo{},
		payments: map[int64]*store.Payment{},
		keys:     map[int64]*store.Key{},
		settings: store.TextSettings{ID: 1, TestHours: 24},
		now:      now,
	}
}

func (f *fakeStore) GetTariff(_ context.Context, id int64) (*store.Tariff, error) {
	t, ok := f.tariffs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (f *fakeStore) GetPromoByCode(_ context.Context, code string) (*store.Promo, error) {
	p, ok := f.promos[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ActivatePromo(_ context.Context, promoID, userID int64, now time.Time) (*store.Promo, error) {
	for _, p := range f.promos {
		if p.ID != promoID {
			continue
		}
		if p.FinishTime != nil && !now.Before(*p.FinishTime) {
			return nil, store.ErrPromoExpired
		}
		if p.UsedBy(userID) {
			return nil, store.ErrPromoUsed
		}
		if p.UsersLimit > 0 && len(p.Users) >= p.UsersLimit {
			return nil, store.ErrPromoExhausted
		}
		p.Users = append(p.Users, userID)
		cp := *p
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreatePayment(_ context.Context, p *store.Payment) (int64, error) {
	f.nextID++
	cp := *p
	cp.ID = f.nextID
	cp.CreatedAt = f.now()
	f.payments[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeStore) GetPayment(_ context.Context, id int64) (*store.Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ListPendingPayments(context.Context) ([]store.Payment, error) {
	var out []store.Payment
	for _, p := range f.payments {
		if p.Status == store.PaymentPending {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) ListSuccessWithoutKey(context.Context) ([]store.Payment, error) {
	var out []store.Payment
	for _, p := range f.payments {
		if p.Status == store.PaymentSuccess && p.KeyIssuedAt == nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) DeletePayment(_ context.Context, id int64) error {
	delete(f.payments, id)
	return nil
}

func (f *fakeStore) MarkPaymentSuccess(_ context.Context, id int64) (bool, error) {
	p, ok := f.payments[id]
	if !ok || p.Status != store.PaymentPending {
		return false, nil
	}
	p.Status = store.PaymentSuccess
	return true, nil
}

func (f *fakeStore) MarkPaymentError(_ context.Context, id int64, reason string) error {
	if p, ok := f.payments[id]; ok {
		p.Status = store.PaymentError
		p.Error = &reason
	}
	return nil
}

func (f *fakeStore) MarkKeyIssued(_ context.Context, id, keyID int64, at time.Time) (bool, error) {
	p, ok := f.payments[id]
	if !ok || p.KeyIssuedAt != nil {
		return false, nil
	}
	p.KeyID = &keyID
	p.KeyIssuedAt = &at
	return true, nil
}

func (f *fakeStore) IsKeyIssued(_ context.Context, id int64) (bool, error) {
	p, ok := f.payments[id]
	if !ok {
		return false, store.ErrNotFound
	}
	return p.KeyIssuedAt != nil, nil
}

func (f *fakeStore) GetKey(_ context.Context, id int64) (*store.Key, error) {
	k, ok := f.keys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *fakeStore) GetKeyByPaymentID(_ context.Context, paymentID int64) (*store.Key, error) {
	for _, k := range f.keys {
		if k.PaymentID != nil && *k.PaymentID == paymentID {
			cp := *k
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetTextSettings(context.Context) (*store.TextSettings, error) {
	cp := f.settings
	return &cp, nil
}

type fakeProvider struct {
	paid    map[string]bool
	failing bool
	checks  int
}

func (f *fakeProvider) CreateIntent(_ context.Context, label string, amount int64) (string, error) {
	if f.failing {
		return "", errors.New("provider down")
	}
	return "https://pay.example.com/" + label, nil
}

func (f *fakeProvider) CheckPaid(_ context.Context, label string) (bool, error) {
	f.checks++
	if f.failing {
		return false, errors.New("provider down")
	}
	return f.paid[label], nil
}

type fakeIssuer struct {
	created   []int64
	prolonged []int64
	nextKeyID int64
	fail      bool
}

func (f *fakeIssuer) CreateKey(_ context.Context, userID int64, device store.Device, dur time.Duration, isTest bool, paymentID *int64) (*store.Key, error) {
	if f.fail {
		return nil, errors.New("panel down")
	}
	f.nextKeyID++
	f.created = append(f.created, userID)
	return &store.Key{ID: f.nextKeyID, UserID: userID, Device: device, Key: "vless://id@h:443#k", Active: true}, nil
}

func (f *fakeIssuer) ProlongKey(_ context.Context, keyID int64, extend time.Duration) (*store.Key, error) {
	if f.fail {
		return nil, errors.New("panel down")
	}
	f.prolonged = append(f.prolonged, keyID)
	return &store.Key{ID: keyID, UserID: 100, Key: "vless://id@h:443#k", Active: true}, nil
}

type fakeSink struct {
	sent      map[int64][]messaging.Message
	adminMsgs []messaging.Message
}

func newFakeSink() *fakeSink { return &fakeSink{sent: map[int64][]messaging.Message{}} }

func (f *fakeSink) Send(_ context.Context, userID int64, msg messaging.Message) (string, error) {
	f.sent[userID] = append(f.sent[userID], msg)
	return fmt.Sprintf("m%d", len(f.sent[userID])), nil
}

func (f *fakeSink) SendAdmins(_ context.Context, msg messaging.Message) error {
	f.adminMsgs = append(f.adminMsgs, msg)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeProvider, *fakeIssuer, *fakeSink, *clock.Fixed) {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	clk := clock.NewFixed(time.Date(2025, 3, 1, 12, 0, 0, 0, loc), loc)
	st := newFakeStore(clk.Now)
	provider := &fakeProvider{paid: map[string]bool{}}
	issuer := &fakeIssuer{}
	sink := newFakeSink()
	svc := NewService(st, provider, issuer, sink, clk)
	st.tariffs[1] = store.Tariff{ID: 1, Name: "Месяц", Price: 300, Days: 30}
	return svc, st, provider, issuer, sink, clk
}

func TestCheckPendingConfirmsAndIssuesOnce(t *testing.T) {
	svc, st, provider, issuer, sink, _ := newTestService(t)

	p, err := svc.CreatePayment(context.Background(), 100, 1, store.DeviceIPhone, nil, "")
	require.NoError(t, err)
	assert.Equal(t, store.PaymentPending, p.Status)
	assert.Equal(t, int64(300), p.Amount)
	assert.Contains(t, p.URL, p.Label)

	provider.paid[p.Label] = true
	require.NoError(t, svc.CheckPending(context.Background()))

	stored, err := st.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentSuccess, stored.Status)
	require.NotNil(t, stored.KeyIssuedAt)
	assert.Equal(t, []int64{100}, issuer.created)
	require.Len(t, sink.sent[100], 1)
	assert.Contains(t, sink.sent[100][0].Text, "vless://")

	// Confirmed payments leave the pending set; nothing is issued twice.
	require.NoError(t, svc.CheckPending(context.Background()))
	require.NoError(t, svc.Recover(context.Background()))
	assert.Equal(t, []int64{100}, issuer.created)
	assert.Len(t, sink.sent[100], 1)
}

func TestCheckPendingProviderErrorLeavesPending(t *testing.T) {
	svc, st, provider, issuer, _, _ := newTestService(t)

	p, err := svc.CreatePayment(context.Background(), 100, 1, store.DeviceIPhone, nil, "")
	require.NoError(t, err)

	provider.failing = true
	require.NoError(t, svc.CheckPending(context.Background()))

	stored, err := st.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentPending, stored.Status)
	assert.Empty(t, issuer.created)
}

func TestCheckPendingDropsExpiredIntents(t *testing.T) {
	svc, st, _, _, _, clk := newTestService(t)

	p, err := svc.CreatePayment(context.Background(), 100, 1, store.DeviceIPhone, nil, "")
	require.NoError(t, err)

	// The provider denies the payment and its time is up.
	clk.Advance(31 * time.Minute)
	require.NoError(t, svc.CheckPending(context.Background()))

	_, err = st.GetPayment(context.Background(), p.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCheckPendingConfirmedPastTTLStillIssues(t *testing.T) {
	svc, st, provider, issuer, _, clk := newTestService(t)

	p, err := svc.CreatePayment(context.Background(), 100, 1, store.DeviceIPhone, nil, "")
	require.NoError(t, err)

	// Confirmation lands after the TTL; the money is real, so the key
	// goes out and nothing is dropped.
	provider.paid[p.Label] = true
	clk.Advance(45 * time.Minute)
	require.NoError(t, svc.CheckPending(context.Background()))

	stored, err := st.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentSuccess, stored.Status)
	assert.Equal(t, []int64{100}, issuer.created)
}

func TestCheckPendingProviderErrorSparesExpiredIntent(t *testing.T) {
	svc, st, provider, _, _, clk := newTestService(t)

	p, err := svc.CreatePayment(context.Background(), 100, 1, store.DeviceIPhone, nil, "")
	require.NoError(t, err)

	// Provider down is not a denial; the intent outlives its TTL until a
	// clean answer arrives.
	provider.failing = true
	clk.Advance(31 * time.Minute)
	require.NoError(t, svc.CheckPending(context.Background()))

	stored, err := st.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentPending, stored.Status)
}

func TestRecoverIssuesStuckPayment(t *testing.T) {
	svc, st, provider, issuer, sink, _ := newTestService(t)

	p, err := svc.CreatePayment(context.Background(), 100, 1, store.DeviceIPhone, nil, "")
	require.NoError(t, err)
	provider.paid[p.Label] = true

	// The panel is down at confirmation time; the payment flips to success
	// but no key comes out.
	issuer.fail = true
	require.NoError(t, svc.CheckPending(context.Background()))
	stored, err := st.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentSuccess, stored.Status)
	assert.Nil(t, stored.KeyIssuedAt)

	issuer.fail = false
	require.NoError(t, svc.Recover(context.Background()))
	stored, err = st.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.KeyIssuedAt)
	assert.Len(t, sink.sent[100], 1)
}

func TestIssueMissingTariffParksPayment(t *testing.T) {
	svc, st, provider, issuer, sink, _ := newTestService(t)

	p, err := svc.CreatePayment(context.Background(), 100, 1, store.DeviceIPhone, nil, "")
	require.NoError(t, err)
	provider.paid[p.Label] = true
	delete(st.tariffs, 1)

	require.NoError(t, svc.CheckPending(context.Background()))

	stored, err := st.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentError, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "tariff not found", *stored.Error)
	assert.Empty(t, issuer.created)
	require.Len(t, sink.adminMsgs, 1)
	assert.Contains(t, sink.adminMsgs[0].Text, fmt.Sprint(p.ID))
}

func TestIssueProlongsWhenKeyBound(t *testing.T) {
	svc, st, provider, issuer, _, _ := newTestService(t)

	keyID := int64(42)
	st.keys[keyID] = &store.Key{ID: keyID, UserID: 100, Key: "vless://id@h:443#k", Active: true}
	p, err := svc.CreatePayment(context.Background(), 100, 1, store.DeviceIPhone, &keyID, "")
	require.NoError(t, err)
	provider.paid[p.Label] = true

	require.NoError(t, svc.CheckPending(context.Background()))
	assert.Equal(t, []int64{42}, issuer.prolonged)
	assert.Empty(t, issuer.created)

	stored, err := st.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.KeyIssuedAt)
}

func TestIssueCreatesReplacementWhenProlongTargetGone(t *testing.T) {
	svc, st, provider, issuer, sink, _ := newTestService(t)

	// The key this prolongation paid for was purged in the meantime.
	keyID := int64(42)
	p, err := svc.CreatePayment(context.Background(), 100, 1, store.DeviceIPhone, &keyID, "")
	require.NoError(t, err)
	provider.paid[p.Label] = true

	require.NoError(t, svc.CheckPending(context.Background()))
	assert.Empty(t, issuer.prolonged)
	assert.Equal(t, []int64{100}, issuer.created)

	stored, err := st.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.KeyIssuedAt)
	require.Len(t, sink.sent[100], 1)
}

func TestIssueAdoptsKeyLeftByCrashedRun(t *testing.T) {
	svc, st, provider, issuer, sink, _ := newTestService(t)

	p, err := svc.CreatePayment(context.Background(), 100, 1, store.DeviceIPhone, nil, "")
	require.NoError(t, err)
	provider.paid[p.Label] = true

	// A previous run created the key and died before claiming the
	// payment: the key row carries the payment id, the payment does not.
	st.keys[7] = &store.Key{ID: 7, UserID: 100, Key: "vless://orphan@h:443#k", PaymentID: &p.ID, Active: true}
	flipped, err := st.MarkPaymentSuccess(context.Background(), p.ID)
	require.NoError(t, err)
	require.True(t, flipped)

	require.NoError(t, svc.Recover(context.Background()))

	// No second key; the orphan is claimed and resent.
	assert.Empty(t, issuer.created)
	stored, err := st.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.KeyIssuedAt)
	require.NotNil(t, stored.KeyID)
	assert.Equal(t, int64(7), *stored.KeyID)
	require.Len(t, sink.sent[100], 1)
	assert.Contains(t, sink.sent[100][0].Text, "vless://orphan")
}

func TestCreatePaymentAppliesDiscounts(t *testing.T) {
	svc, st, _, _, _, _ := newTestService(t)
	disc := 10
	st.tariffs[2] = store.Tariff{ID: 2, Name: "Год", Price: 1000, Days: 365, Discount: &disc}
	st.promos["SPRING"] = &store.Promo{ID: 5, Code: "SPRING", Price: 20}

	p, err := svc.CreatePayment(context.Background(), 100, 2, store.DeviceAndroid, nil, "SPRING")
	require.NoError(t, err)
	// 1000 -10% = 900, then -20% = 720.
	assert.Equal(t, int64(720), p.Amount)
	require.NotNil(t, p.Promo)
	assert.Equal(t, int64(5), *p.Promo)
}

func TestCreatePaymentRejectsUsedPromo(t *testing.T) {
	svc, st, _, _, _, _ := newTestService(t)
	st.promos["ONCE"] = &store.Promo{ID: 6, Code: "ONCE", Price: 50, Users: []int64{100}}

	_, err := svc.CreatePayment(context.Background(), 100, 1, store.DeviceIPhone, nil, "ONCE")
	require.ErrorIs(t, err, store.ErrPromoUsed)
}

func TestCreatePaymentRejectsPromoWrongTariff(t *testing.T) {
	svc, st, _, _, _, _ := newTestService(t)
	st.promos["VIP"] = &store.Promo{ID: 7, Code: "VIP", Price: 50, Tariffs: []int64{99}}

	_, err := svc.CreatePayment(context.Background(), 100, 1, store.DeviceIPhone, nil, "VIP")
	require.Error(t, err)
}
