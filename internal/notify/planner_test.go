package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corsarvpn/corsard/internal/store"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func moscow(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	return loc
}

func TestPlanKeyRuleReminderBeforeFinish(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, loc)
	key := store.Key{ID: 1, UserID: 100, Finish: now.Add(5 * 24 * time.Hour), Active: true}
	rule := store.NotificationRule{ID: 9, Type: store.TypePaidExpiringSoon, OffsetDays: intPtr(1)}

	e, ok := planKeyRule(rule, key, now)
	require.True(t, ok)
	assert.Equal(t, key.Finish.Add(-24*time.Hour).UTC(), e.PlannedAt)
	assert.Equal(t, "9:100:paid_expiring_soon:"+e.PlannedAt.Format("2006-01-02T15:04"), e.DedupKey)
}

func TestPlanKeyRuleReminderClampsToNow(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, loc)
	// Finish in 6h, reminder offset 24h: the window already opened.
	key := store.Key{UserID: 100, Finish: now.Add(6 * time.Hour)}
	rule := store.NotificationRule{ID: 9, Type: store.TypePaidExpiringSoon, OffsetDays: intPtr(1)}

	e, ok := planKeyRule(rule, key, now)
	require.True(t, ok)
	assert.Equal(t, now.UTC(), e.PlannedAt)
}

func TestPlanKeyRuleReminderSkipsExpiredKey(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, loc)
	key := store.Key{UserID: 100, Finish: now.Add(-time.Hour)}
	rule := store.NotificationRule{ID: 9, Type: store.TypePaidExpiringSoon, OffsetHours: intPtr(6)}

	_, ok := planKeyRule(rule, key, now)
	assert.False(t, ok)
}

func TestPlanKeyRuleExpiredAfterFinish(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, loc)
	key := store.Key{UserID: 100, Finish: now.Add(2 * time.Hour)}
	rule := store.NotificationRule{ID: 4, Type: store.TypePaidExpired, OffsetHours: intPtr(1)}

	e, ok := planKeyRule(rule, key, now)
	require.True(t, ok)
	assert.Equal(t, key.Finish.Add(time.Hour).UTC(), e.PlannedAt)
}

func TestPlanKeyRuleExpiredSkipsPastSlot(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, loc)
	key := store.Key{UserID: 100, Finish: now.Add(-3 * time.Hour)}
	rule := store.NotificationRule{ID: 4, Type: store.TypePaidExpired, OffsetHours: intPtr(1)}

	_, ok := planKeyRule(rule, key, now)
	assert.False(t, ok)
}

func TestPlanKeyRuleExpiredSkipsDeadKeyEvenWithLargeOffset(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, loc)
	// The key died yesterday; an offset pushing the slot into the future
	// must not resurrect it.
	key := store.Key{UserID: 100, Finish: now.Add(-24 * time.Hour)}
	rule := store.NotificationRule{ID: 4, Type: store.TypePaidExpired, OffsetDays: intPtr(2)}

	_, ok := planKeyRule(rule, key, now)
	assert.False(t, ok)
}

func TestPlanKeyRuleExpiredZeroOffsetFiresAtFinish(t *testing.T) {
	loc := moscow(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, loc)
	key := store.Key{UserID: 100, Finish: now.Add(2 * time.Hour)}
	rule := store.NotificationRule{ID: 4, Type: store.TypePaidExpired}

	e, ok := planKeyRule(rule, key, now)
	require.True(t, ok)
	assert.Equal(t, key.Finish.UTC(), e.PlannedAt)
}

func TestPlanRepeatAnchorsOnPreviousSlot(t *testing.T) {
	prev := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rule := store.NotificationRule{ID: 4, Type: store.TypePaidExpired, RepeatEveryDays: intPtr(3)}

	e := planRepeat(rule, 100, prev)
	assert.Equal(t, prev.Add(3*24*time.Hour), e.PlannedAt)
	assert.Equal(t, eventDedupKey(100, 4, e.PlannedAt), e.DedupKey)
}

func TestMatchesKeyPairsTrialWithTestKeys(t *testing.T) {
	trial := store.NotificationRule{Type: store.TypeTrialExpired}
	paid := store.NotificationRule{Type: store.TypePaidExpired}
	global := store.NotificationRule{Type: store.TypeGlobalWeekly}
	testKey := store.Key{IsTest: true}
	paidKey := store.Key{IsTest: false}

	assert.True(t, matchesKey(trial, testKey))
	assert.False(t, matchesKey(trial, paidKey))
	assert.True(t, matchesKey(paid, paidKey))
	assert.False(t, matchesKey(paid, testKey))
	assert.False(t, matchesKey(global, paidKey))
}

func TestEventDedupKeyUsesEpochSeconds(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "100:7:1740819600", eventDedupKey(100, 7, at))
}

func TestCronSpec(t *testing.T) {
	rule := store.NotificationRule{
		ID:        3,
		Type:      store.TypeGlobalWeekly,
		Weekday:   intPtr(1),
		TimeOfDay: strPtr("10:30"),
	}
	spec, err := cronSpec(rule, "Europe/Moscow")
	require.NoError(t, err)
	assert.Equal(t, "CRON_TZ=Europe/Moscow 30 10 * * 1", spec)

	rule.Timezone = strPtr("Asia/Yekaterinburg")
	spec, err = cronSpec(rule, "Europe/Moscow")
	require.NoError(t, err)
	assert.Equal(t, "CRON_TZ=Asia/Yekaterinburg 30 10 * * 1", spec)
}

func TestCronSpecRejectsBadSlots(t *testing.T) {
	_, err := cronSpec(store.NotificationRule{ID: 1}, "Europe/Moscow")
	require.Error(t, err)

	_, err = cronSpec(store.NotificationRule{ID: 1, Weekday: intPtr(9), TimeOfDay: strPtr("10:00")}, "Europe/Moscow")
	require.Error(t, err)

	_, err = cronSpec(store.NotificationRule{ID: 1, Weekday: intPtr(1), TimeOfDay: strPtr("25:00")}, "Europe/Moscow")
	require.Error(t, err)
}
