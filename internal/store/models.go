package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// Device is the client platform a key is issued for. The device is part of
// the key name, so it is normalized once at the boundary.
type Device string

const (
	DeviceIPhone  Device = "iphone"
	DeviceAndroid Device = "android"
	DeviceMacOS   Device = "macos"
	DeviceWindows Device = "windows"
	DeviceUnknown Device = "unknown"
)

// NormalizeDevice maps free-form input to a known device, falling back to
// unknown for blanks and unrecognized values.
func NormalizeDevice(s string) Device {
	switch Device(s) {
	case DeviceIPhone, DeviceAndroid, DeviceMacOS, DeviceWindows:
		return Device(s)
	default:
		return DeviceUnknown
	}
}

// PaymentStatus is the payment state machine's persisted state.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentError   PaymentStatus = "error"
)

// NotificationType classifies notification rules.
type NotificationType string

const (
	TypeTrialExpiringSoon NotificationType = "trial_expiring_soon"
	TypeTrialExpired      NotificationType = "trial_expired"
	TypePaidExpiringSoon  NotificationType = "paid_expiring_soon"
	TypePaidExpired       NotificationType = "paid_expired"
	TypeNewUserNoKeys     NotificationType = "new_user_no_keys"
	TypeGlobalWeekly      NotificationType = "global_weekly"
)

// AllNotificationTypes lists every declared variant, in declaration order.
// The persisted enum is extended to cover all of them at startup.
var AllNotificationTypes = []NotificationType{
	TypeTrialExpiringSoon,
	TypeTrialExpired,
	TypePaidExpiringSoon,
	TypePaidExpired,
	TypeNewUserNoKeys,
	TypeGlobalWeekly,
}

// IsKeyRule reports whether the type is bound to the finish of a key.
func (t NotificationType) IsKeyRule() bool {
	switch t {
	case TypeTrialExpiringSoon, TypeTrialExpired, TypePaidExpiringSoon, TypePaidExpired:
		return true
	}
	return false
}

// IsReminder reports whether the type fires before the key finish.
func (t NotificationType) IsReminder() bool {
	return t == TypeTrialExpiringSoon || t == TypePaidExpiringSoon
}

// IsTrial reports whether the type matches test keys.
func (t NotificationType) IsTrial() bool {
	return t == TypeTrialExpiringSoon || t == TypeTrialExpired
}

// ScheduleStatus is the lifecycle state of one planned delivery.
type ScheduleStatus string

const (
	SchedulePlanned   ScheduleStatus = "planned"
	ScheduleSent      ScheduleStatus = "sent"
	ScheduleSkipped   ScheduleStatus = "skipped"
	ScheduleCancelled ScheduleStatus = "cancelled"
	ScheduleError     ScheduleStatus = "error"
)

// LogStatus records the outcome of one delivery attempt.
type LogStatus string

const (
	LogOK     LogStatus = "ok"
	LogFailed LogStatus = "failed"
)

// User is a chat identity known to the system. Users are never deleted.
type User struct {
	ID             int64          `db:"id"`
	Username       sql.NullString `db:"username"`
	Balance        float64        `db:"balance"`
	TrialUsed      bool           `db:"trial_used"`
	PromoUsed      bool           `db:"promo_used"`
	Banned         bool           `db:"banned"`
	IsAdmin        bool           `db:"is_admin"`
	TrialExpiresAt *time.Time     `db:"trial_expires_at"`
	CreatedAt      time.Time      `db:"created_at"`
}

// Roles lists the user's role names. Everyone is a member; admins carry
// the admin role on top.
func (u User) Roles() []string {
	roles := []string{"member"}
	if u.IsAdmin {
		roles = append(roles, "admin")
	}
	return roles
}

// Tariff is a purchasable plan.
type Tariff struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	Price    int64  `db:"price"`
	Days     int    `db:"days"`
	Discount *int   `db:"discount"`
}

// Server is a remote panel endpoint keys are issued against.
type Server struct {
	ID       int64  `db:"id"`
	Host     string `db:"host"`
	Login    string `db:"login"`
	Password string `db:"password"`
	MaxUsers int    `db:"max_users"`
	IsTest   bool   `db:"is_test"`
}

// ServerSlots pairs a server with its current occupancy.
type ServerSlots struct {
	Server
	UsedSlots int `db:"used_slots"`
}

// FreeSlots is the remaining capacity; may go negative under the soft cap.
func (s ServerSlots) FreeSlots() int { return s.MaxUsers - s.UsedSlots }

// Key is an issued credential.
type Key struct {
	ID        int64     `db:"id"`
	UserID    int64     `db:"user_id"`
	ServerID  int64     `db:"server_id"`
	Key       string    `db:"key"`
	Device    Device    `db:"device"`
	Name      string    `db:"name"`
	PaymentID *int64    `db:"payment_id"`
	Start     time.Time `db:"start"`
	Finish    time.Time `db:"finish"`
	Active    bool      `db:"active"`
	Alerted   bool      `db:"alerted"`
	IsTest    bool      `db:"is_test"`
}

// Payment is one purchase intent and its provisioning state.
type Payment struct {
	ID          int64         `db:"id"`
	Label       string        `db:"label"`
	UserID      int64         `db:"user_id"`
	TariffID    int64         `db:"tariff_id"`
	Amount      int64         `db:"amount"`
	URL         string        `db:"url"`
	Device      string        `db:"device"`
	KeyID       *int64        `db:"key_id"`
	Promo       *int64        `db:"promo"`
	Status      PaymentStatus `db:"status"`
	Error       *string       `db:"error"`
	KeyIssuedAt *time.Time    `db:"key_issued_at"`
	CreatedAt   time.Time     `db:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at"`
}

// Promo is a percent discount code with optional caps.
type Promo struct {
	ID         int64         `db:"id"`
	Code       string        `db:"code"`
	Price      int           `db:"price"` // percent, 0-100
	UsersLimit int           `db:"users_limit"`
	FinishTime *time.Time    `db:"finish_time"`
	Users      pq.Int64Array `db:"users"`
	Tariffs    pq.Int64Array `db:"tariffs"`
}

// UsedBy reports whether the user already activated this promo.
func (p Promo) UsedBy(userID int64) bool {
	for _, id := range p.Users {
		if id == userID {
			return true
		}
	}
	return false
}

// AllowsTariff reports whether the promo applies to the tariff. An empty
// whitelist allows every tariff.
func (p Promo) AllowsTariff(tariffID int64) bool {
	if len(p.Tariffs) == 0 {
		return true
	}
	for _, id := range p.Tariffs {
		if id == tariffID {
			return true
		}
	}
	return false
}

// NotificationRule is a message template plus a planning policy.
type NotificationRule struct {
	ID               int64            `db:"id"`
	Name             string           `db:"name"`
	Type             NotificationType `db:"type"`
	Priority         int              `db:"priority"`
	OffsetDays       *int             `db:"offset_days"`
	OffsetHours      *int             `db:"offset_hours"`
	RepeatEveryDays  *int             `db:"repeat_every_days"`
	RepeatEveryHours *int             `db:"repeat_every_hours"`
	Weekday          *int             `db:"weekday"` // 0=Sunday .. 6=Saturday
	TimeOfDay        *string          `db:"time_of_day"`
	Timezone         *string          `db:"timezone"`
	MessageTemplate  json.RawMessage  `db:"message_template"`
	IsActive         bool             `db:"is_active"`
	CreatedAt        time.Time        `db:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
}

// Offset is the rule's planning offset relative to the key finish.
func (r NotificationRule) Offset() time.Duration {
	var d time.Duration
	if r.OffsetDays != nil {
		d += time.Duration(*r.OffsetDays) * 24 * time.Hour
	}
	if r.OffsetHours != nil {
		d += time.Duration(*r.OffsetHours) * time.Hour
	}
	return d
}

// RepeatEvery is the repeat interval, zero when the rule does not repeat.
func (r NotificationRule) RepeatEvery() time.Duration {
	var d time.Duration
	if r.RepeatEveryDays != nil {
		d += time.Duration(*r.RepeatEveryDays) * 24 * time.Hour
	}
	if r.RepeatEveryHours != nil {
		d += time.Duration(*r.RepeatEveryHours) * time.Hour
	}
	return d
}

// Schedule is one planned delivery of a rule to a user.
type Schedule struct {
	ID        int64          `db:"id"`
	UserID    int64          `db:"user_id"`
	RuleID    int64          `db:"rule_id"`
	PlannedAt time.Time      `db:"planned_at"`
	Status    ScheduleStatus `db:"status"`
	DedupKey  string         `db:"dedup_key"`
	SentAt    *time.Time     `db:"sent_at"`
	LastError *string        `db:"last_error"`
}

// ScheduleEntry is the planner's unit of insertion.
type ScheduleEntry struct {
	UserID    int64
	RuleID    int64
	PlannedAt time.Time
	DedupKey  string
}

// NotificationLog is one append-only delivery audit row.
type NotificationLog struct {
	ID         int64     `db:"id"`
	UserID     *int64    `db:"user_id"`
	RuleID     *int64    `db:"rule_id"`
	ScheduleID *int64    `db:"schedule_id"`
	Status     LogStatus `db:"status"`
	MessageID  *string   `db:"message_id"`
	Error      *string   `db:"error"`
	SentAt     time.Time `db:"sent_at"`
}

// TextSettings is the singleton row of per-device instructional assets.
type TextSettings struct {
	ID           int64          `db:"id"`
	IPhoneVideo  sql.NullString `db:"iphone_video"`
	IPhoneURL    sql.NullString `db:"iphone_url"`
	AndroidVideo sql.NullString `db:"android_video"`
	AndroidURL   sql.NullString `db:"android_url"`
	MacOSVideo   sql.NullString `db:"macos_video"`
	MacOSURL     sql.NullString `db:"macos_url"`
	WindowsVideo sql.NullString `db:"windows_video"`
	WindowsURL   sql.NullString `db:"windows_url"`
	FAQList      pq.StringArray `db:"faq_list"`
	TestHours    int            `db:"test_hours"`
}
