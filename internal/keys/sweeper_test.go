package keys

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corsarvpn/corsard/internal/store"
)

func (f *fakeStore) ListExpiringKeys(_ context.Context, now time.Time, window time.Duration) ([]store.Key, error) {
	var out []store.Key
	for _, k := range f.keys {
		if k.Active && !k.Alerted && k.Finish.After(now) && !k.Finish.After(now.Add(window)) {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (f *fakeStore) ListExpiredActiveKeys(_ context.Context, now time.Time) ([]store.Key, error) {
	var out []store.Key
	for _, k := range f.keys {
		if k.Active && !k.Finish.After(now) {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (f *fakeStore) ListOverdueKeys(_ context.Context, now time.Time, grace time.Duration) ([]store.Key, error) {
	var out []store.Key
	for _, k := range f.keys {
		if !k.Finish.After(now.Add(-grace)) {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkKeyAlerted(_ context.Context, id int64) error {
	if k, ok := f.keys[id]; ok {
		k.Alerted = true
	}
	return nil
}

func (f *fakeStore) DeactivateKey(_ context.Context, id int64) error {
	if k, ok := f.keys[id]; ok {
		k.Active = false
	}
	return nil
}

func (f *fakeStore) DeleteKey(_ context.Context, id int64) error {
	delete(f.keys, id)
	return nil
}

func TestSweeperAlertsInsideWindow(t *testing.T) {
	svc, st, panels, notifier, sink, clk := newTestService(t)
	sw := NewSweeper(st, panels, notifier, sink, clk)
	st.addServer(store.ServerSlots{Server: store.Server{ID: 1, Host: "a.example.com", MaxUsers: 10}})

	k, err := svc.CreateKey(context.Background(), 100, store.DeviceIPhone, 12*time.Hour, false, nil)
	require.NoError(t, err)

	require.NoError(t, sw.Run(context.Background()))
	require.Len(t, sink.sent[100], 1)
	assert.Contains(t, sink.sent[100][0].Text, k.Name)

	stored, err := st.GetKey(context.Background(), k.ID)
	require.NoError(t, err)
	assert.True(t, stored.Alerted)

	// A second run must not alert again.
	require.NoError(t, sw.Run(context.Background()))
	assert.Len(t, sink.sent[100], 1)
}

func TestSweeperSkipsAlertUnderOneHour(t *testing.T) {
	svc, st, panels, notifier, sink, clk := newTestService(t)
	sw := NewSweeper(st, panels, notifier, sink, clk)
	st.addServer(store.ServerSlots{Server: store.Server{ID: 1, Host: "a.example.com", MaxUsers: 10}})

	_, err := svc.CreateKey(context.Background(), 100, store.DeviceIPhone, 30*time.Minute, false, nil)
	require.NoError(t, err)

	require.NoError(t, sw.Run(context.Background()))
	assert.Empty(t, sink.sent[100])
}

func TestSweeperDisablesExpired(t *testing.T) {
	svc, st, panels, notifier, sink, clk := newTestService(t)
	sw := NewSweeper(st, panels, notifier, sink, clk)
	st.addServer(store.ServerSlots{Server: store.Server{ID: 1, Host: "a.example.com", MaxUsers: 10}})

	k, err := svc.CreateKey(context.Background(), 100, store.DeviceIPhone, 12*time.Hour, false, nil)
	require.NoError(t, err)
	clientID, err := ClientIDFromURI(k.Key)
	require.NoError(t, err)

	clk.Advance(13 * time.Hour)
	require.NoError(t, sw.Run(context.Background()))

	stored, err := st.GetKey(context.Background(), k.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.True(t, panels.panels[1].disabled[clientID])
	// Expiry replans the user's key-bound notifications.
	assert.Contains(t, notifier.synced, int64(100))
}

func TestSweeperPurgesOverdue(t *testing.T) {
	svc, st, panels, notifier, sink, clk := newTestService(t)
	sw := NewSweeper(st, panels, notifier, sink, clk)
	st.addServer(store.ServerSlots{Server: store.Server{ID: 1, Host: "a.example.com", MaxUsers: 10}})

	k, err := svc.CreateKey(context.Background(), 100, store.DeviceIPhone, 12*time.Hour, false, nil)
	require.NoError(t, err)

	clk.Advance(13 * time.Hour)
	require.NoError(t, sw.Run(context.Background())) // disable pass
	clk.Advance(25 * time.Hour)
	require.NoError(t, sw.Run(context.Background())) // purge pass

	_, err = st.GetKey(context.Background(), k.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, panels.panels[1].clients)
}
