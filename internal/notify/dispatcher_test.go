package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corsarvpn/corsard/internal/clock"
	"github.com/corsarvpn/corsard/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeStore, *fakeSink, *clock.Fixed) {
	t.Helper()
	st := newFakeStore()
	sink := newFakeSink()
	clk := testClock(t)
	return NewDispatcher(st, sink, clk), st, sink, clk
}

func planAt(t *testing.T, st *fakeStore, ruleID, userID int64, at time.Time) store.Schedule {
	t.Helper()
	inserted, err := st.UpsertSchedule(context.Background(), store.ScheduleEntry{
		UserID:    userID,
		RuleID:    ruleID,
		PlannedAt: at.UTC(),
		DedupKey:  eventDedupKey(userID, ruleID, at),
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return *st.schedules[st.nextSched]
}

func TestDispatchSendsDueSchedule(t *testing.T) {
	d, st, sink, clk := newTestDispatcher(t)
	rule := st.addRule(store.NotificationRule{
		Name: "дайджест", Type: store.TypeGlobalWeekly, IsActive: true,
		MessageTemplate: textTemplate(t, "новости недели"),
	})
	st.addUser(100)
	sc := planAt(t, st, rule.ID, 100, clk.NowUTC().Add(-30*time.Second))

	require.NoError(t, d.Run(context.Background()))

	require.Len(t, sink.sent[100], 1)
	assert.Equal(t, "новости недели", sink.sent[100][0].Text)
	assert.Equal(t, store.ScheduleSent, st.schedules[sc.ID].Status)
	require.Len(t, st.logs, 1)
	assert.Equal(t, store.LogOK, st.logs[0].Status)
	require.NotNil(t, st.logs[0].MessageID)
}

func TestDispatchCatchesUpStaleBacklog(t *testing.T) {
	d, st, sink, clk := newTestDispatcher(t)
	rule := st.addRule(store.NotificationRule{
		Name: "дайджест", Type: store.TypeGlobalWeekly, IsActive: true,
		MessageTemplate: textTemplate(t, "новости"),
	})
	st.addUser(100)
	// Planned while the daemon was down; it still has to go out.
	sc := planAt(t, st, rule.ID, 100, clk.NowUTC().Add(-2*24*time.Hour))

	require.NoError(t, d.Run(context.Background()))

	require.Len(t, sink.sent[100], 1)
	assert.Equal(t, store.ScheduleSent, st.schedules[sc.ID].Status)
}

func TestDispatchDrainsBacklogAcrossBatches(t *testing.T) {
	d, st, sink, clk := newTestDispatcher(t)
	rule := st.addRule(store.NotificationRule{
		Name: "дайджест", Type: store.TypeGlobalWeekly, IsActive: true,
		MessageTemplate: textTemplate(t, "новости"),
	})
	for uid := int64(1); uid <= 70; uid++ {
		st.addUser(uid)
		planAt(t, st, rule.ID, uid, clk.NowUTC().Add(-time.Hour))
	}

	require.NoError(t, d.Run(context.Background()))

	sent := 0
	for _, msgs := range sink.sent {
		sent += len(msgs)
	}
	assert.Equal(t, 70, sent)
}

func TestDispatchErrorsInactiveRule(t *testing.T) {
	d, st, sink, clk := newTestDispatcher(t)
	rule := st.addRule(store.NotificationRule{
		Name: "выключено", Type: store.TypeGlobalWeekly, IsActive: false,
		MessageTemplate: textTemplate(t, "не отправлять"),
	})
	sc := planAt(t, st, rule.ID, 100, clk.NowUTC())

	require.NoError(t, d.Run(context.Background()))

	assert.Empty(t, sink.sent[100])
	assert.Equal(t, store.ScheduleError, st.schedules[sc.ID].Status)
	require.NotNil(t, st.schedules[sc.ID].LastError)
	assert.Contains(t, *st.schedules[sc.ID].LastError, "inactive")
	require.Len(t, st.logs, 1)
	assert.Equal(t, store.LogFailed, st.logs[0].Status)
}

func TestDispatchSkipsNoKeysNudgeOnceKeyed(t *testing.T) {
	d, st, sink, clk := newTestDispatcher(t)
	rule := st.addRule(store.NotificationRule{
		Name: "нет ключей", Type: store.TypeNewUserNoKeys, IsActive: true,
		MessageTemplate: textTemplate(t, "попробуйте"),
	})
	st.addUser(100, store.Key{ID: 1, UserID: 100, Active: true, Finish: clk.Now().Add(time.Hour)})
	sc := planAt(t, st, rule.ID, 100, clk.NowUTC())

	require.NoError(t, d.Run(context.Background()))

	assert.Empty(t, sink.sent[100])
	assert.Equal(t, store.ScheduleSkipped, st.schedules[sc.ID].Status)
}

func TestDispatchPlansRepeatWhileConditionHolds(t *testing.T) {
	d, st, sink, clk := newTestDispatcher(t)
	rule := st.addRule(store.NotificationRule{
		Name: "истёк", Type: store.TypePaidExpired, IsActive: true,
		RepeatEveryDays: intPtr(3),
		MessageTemplate: textTemplate(t, "ключ истёк, продлите"),
	})
	st.addUser(100) // no active paid key
	planAt(t, st, rule.ID, 100, clk.NowUTC())

	require.NoError(t, d.Run(context.Background()))
	require.Len(t, sink.sent[100], 1)

	planned := st.plannedFor(100)
	require.Len(t, planned, 1)
	assert.Equal(t, clk.NowUTC().Add(3*24*time.Hour), planned[0].PlannedAt)
}

func TestDispatchRepeatKeepsOriginalCadence(t *testing.T) {
	d, st, sink, clk := newTestDispatcher(t)
	rule := st.addRule(store.NotificationRule{
		Name: "истёк", Type: store.TypePaidExpired, IsActive: true,
		RepeatEveryDays: intPtr(3),
		MessageTemplate: textTemplate(t, "продлите"),
	})
	st.addUser(100)
	// Dispatched two days late; the follow-up still counts from the
	// planned slot, one day out, not three days from the send.
	slot := clk.NowUTC().Add(-2 * 24 * time.Hour)
	planAt(t, st, rule.ID, 100, slot)

	require.NoError(t, d.Run(context.Background()))
	require.Len(t, sink.sent[100], 1)

	planned := st.plannedFor(100)
	require.Len(t, planned, 1)
	assert.Equal(t, slot.Add(3*24*time.Hour), planned[0].PlannedAt)
}

func TestDispatchWeeklyRuleDoesNotSelfReplicate(t *testing.T) {
	d, st, sink, clk := newTestDispatcher(t)
	rule := st.addRule(store.NotificationRule{
		Name: "дайджест", Type: store.TypeGlobalWeekly, IsActive: true,
		RepeatEveryDays: intPtr(7),
		MessageTemplate: textTemplate(t, "новости"),
	})
	st.addUser(100)
	planAt(t, st, rule.ID, 100, clk.NowUTC())

	require.NoError(t, d.Run(context.Background()))

	require.Len(t, sink.sent[100], 1)
	assert.Empty(t, st.plannedFor(100))
}

func TestDispatchStopsRepeatOncePaidKeyActive(t *testing.T) {
	d, st, sink, clk := newTestDispatcher(t)
	rule := st.addRule(store.NotificationRule{
		Name: "истёк", Type: store.TypePaidExpired, IsActive: true,
		RepeatEveryDays: intPtr(3),
		MessageTemplate: textTemplate(t, "продлите"),
	})
	st.addUser(100, store.Key{ID: 1, UserID: 100, Active: true, Finish: clk.Now().Add(30 * 24 * time.Hour)})
	planAt(t, st, rule.ID, 100, clk.NowUTC())

	require.NoError(t, d.Run(context.Background()))
	require.Len(t, sink.sent[100], 1)
	assert.Empty(t, st.plannedFor(100))
}

func TestDispatchRecordsDeliveryRefusal(t *testing.T) {
	d, st, sink, clk := newTestDispatcher(t)
	rule := st.addRule(store.NotificationRule{
		Name: "дайджест", Type: store.TypeGlobalWeekly, IsActive: true,
		MessageTemplate: textTemplate(t, "новости"),
	})
	sink.refuse[100] = true
	sc := planAt(t, st, rule.ID, 100, clk.NowUTC())

	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, store.ScheduleError, st.schedules[sc.ID].Status)
	require.NotNil(t, st.schedules[sc.ID].LastError)
	require.Len(t, st.logs, 1)
	assert.Equal(t, store.LogFailed, st.logs[0].Status)
}

func TestDispatchLeavesFutureSchedules(t *testing.T) {
	d, st, sink, clk := newTestDispatcher(t)
	rule := st.addRule(store.NotificationRule{
		Name: "дайджест", Type: store.TypeGlobalWeekly, IsActive: true,
		MessageTemplate: textTemplate(t, "новости"),
	})
	sc := planAt(t, st, rule.ID, 100, clk.NowUTC().Add(time.Hour))

	require.NoError(t, d.Run(context.Background()))

	assert.Empty(t, sink.sent[100])
	assert.Equal(t, store.SchedulePlanned, st.schedules[sc.ID].Status)
}
