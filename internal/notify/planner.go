// Package notify plans, deduplicates and dispatches user notifications.
// Rules describe when a user should hear about their keys or about the
// service; schedules are the concrete planned deliveries; the log is the
// append-only record of what actually went out.
package notify

import (
	"fmt"
	"time"

	"github.com/corsarvpn/corsard/internal/store"
)

// keyRuleDedupKey identifies one planned key-bound delivery. Two plans of
// the same rule for the same user landing on the same minute collapse.
func keyRuleDedupKey(ruleID, userID int64, t store.NotificationType, plannedAt time.Time) string {
	return fmt.Sprintf("%d:%d:%s:%s",
		ruleID, userID, t, plannedAt.UTC().Truncate(time.Minute).Format("2006-01-02T15:04"))
}

// eventDedupKey identifies event, global and repeat deliveries by their
// exact planned second.
func eventDedupKey(userID, ruleID int64, plannedAt time.Time) string {
	return fmt.Sprintf("%d:%d:%d", userID, ruleID, plannedAt.UTC().Unix())
}

// planKeyRule derives the delivery time of a key-bound rule against one
// key. Reminders fire before the finish and clamp to now when the window
// has already opened; expiry notices fire after the finish, but only for
// keys that have not already died.
func planKeyRule(rule store.NotificationRule, key store.Key, now time.Time) (store.ScheduleEntry, bool) {
	var plannedAt time.Time
	if rule.Type.IsReminder() {
		plannedAt = key.Finish.Add(-rule.Offset())
		if !plannedAt.After(now) {
			if !key.Finish.After(now) {
				return store.ScheduleEntry{}, false
			}
			plannedAt = now
		}
	} else {
		if key.Finish.Before(now) {
			return store.ScheduleEntry{}, false
		}
		plannedAt = key.Finish.Add(rule.Offset())
	}
	return store.ScheduleEntry{
		UserID:    key.UserID,
		RuleID:    rule.ID,
		PlannedAt: plannedAt.UTC(),
		DedupKey:  keyRuleDedupKey(rule.ID, key.UserID, rule.Type, plannedAt),
	}, true
}

// matchesKey reports whether a key-bound rule applies to the key: trial
// rules follow test keys, paid rules follow paid keys.
func matchesKey(rule store.NotificationRule, key store.Key) bool {
	if !rule.Type.IsKeyRule() {
		return false
	}
	return rule.Type.IsTrial() == key.IsTest
}

// planUserKeys derives every delivery the active key rules owe the user's
// active keys.
func planUserKeys(rules []store.NotificationRule, keys []store.Key, now time.Time) []store.ScheduleEntry {
	var entries []store.ScheduleEntry
	for _, rule := range rules {
		for _, key := range keys {
			if !matchesKey(rule, key) {
				continue
			}
			if e, ok := planKeyRule(rule, key, now); ok {
				entries = append(entries, e)
			}
		}
	}
	return entries
}

// planEvent derives a one-off event delivery offset from now.
func planEvent(rule store.NotificationRule, userID int64, now time.Time) store.ScheduleEntry {
	plannedAt := now.Add(rule.Offset()).UTC()
	return store.ScheduleEntry{
		UserID:    userID,
		RuleID:    rule.ID,
		PlannedAt: plannedAt,
		DedupKey:  eventDedupKey(userID, rule.ID, plannedAt),
	}
}

// planRepeat derives the next occurrence of a repeating rule. The chain
// is anchored on the previous planned slot, not on when the send actually
// happened, so late dispatches do not drift the cadence.
func planRepeat(rule store.NotificationRule, userID int64, prevPlannedAt time.Time) store.ScheduleEntry {
	plannedAt := prevPlannedAt.Add(rule.RepeatEvery()).UTC()
	return store.ScheduleEntry{
		UserID:    userID,
		RuleID:    rule.ID,
		PlannedAt: plannedAt,
		DedupKey:  eventDedupKey(userID, rule.ID, plannedAt),
	}
}

// cronSpec renders a weekly rule as a cron expression in the rule's zone.
// The weekday is 0=Sunday through 6=Saturday; time of day is HH:MM.
func cronSpec(rule store.NotificationRule, defaultZone string) (string, error) {
	if rule.Weekday == nil || rule.TimeOfDay == nil {
		return "", fmt.Errorf("notify: rule %d has no weekly slot", rule.ID)
	}
	wd := *rule.Weekday
	if wd < 0 || wd > 6 {
		return "", fmt.Errorf("notify: rule %d has weekday %d out of range", rule.ID, wd)
	}
	var hh, mm int
	if _, err := fmt.Sscanf(*rule.TimeOfDay, "%d:%d", &hh, &mm); err != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return "", fmt.Errorf("notify: rule %d has bad time of day %q", rule.ID, *rule.TimeOfDay)
	}
	zone := defaultZone
	if rule.Timezone != nil && *rule.Timezone != "" {
		zone = *rule.Timezone
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * %d", zone, mm, hh, wd), nil
}
