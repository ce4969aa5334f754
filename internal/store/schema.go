package store

import (
	"context"
	"fmt"
)

// schemaDDL is idempotent; the daemon applies it on every start. Enum
// variants beyond the base set are added by EnsureNotificationTypes.
const schemaDDL = `
DO $$ BEGIN
    CREATE TYPE notificationtype AS ENUM ('trial_expiring_soon', 'trial_expired');
EXCEPTION WHEN duplicate_object THEN NULL;
END $$;

CREATE TABLE IF NOT EXISTS users (
    id               BIGINT PRIMARY KEY,
    username         TEXT,
    balance          DOUBLE PRECISION NOT NULL DEFAULT 0,
    trial_used       BOOLEAN NOT NULL DEFAULT FALSE,
    promo_used       BOOLEAN NOT NULL DEFAULT FALSE,
    banned           BOOLEAN NOT NULL DEFAULT FALSE,
    is_admin         BOOLEAN NOT NULL DEFAULT FALSE,
    trial_expires_at TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tariffs (
    id       BIGSERIAL PRIMARY KEY,
    name     TEXT NOT NULL,
    price    BIGINT NOT NULL,
    days     INTEGER NOT NULL,
    discount INTEGER
);

CREATE TABLE IF NOT EXISTS servers (
    id        BIGSERIAL PRIMARY KEY,
    host      TEXT NOT NULL,
    login     TEXT NOT NULL,
    password  TEXT NOT NULL,
    max_users INTEGER NOT NULL DEFAULT 0,
    is_test   BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS keys (
    id         BIGSERIAL PRIMARY KEY,
    user_id    BIGINT NOT NULL REFERENCES users (id),
    server_id  BIGINT NOT NULL REFERENCES servers (id),
    key        TEXT NOT NULL,
    device     TEXT NOT NULL,
    name       TEXT NOT NULL,
    payment_id BIGINT,
    start      TIMESTAMPTZ NOT NULL,
    finish     TIMESTAMPTZ NOT NULL,
    active     BOOLEAN NOT NULL DEFAULT TRUE,
    alerted    BOOLEAN NOT NULL DEFAULT FALSE,
    is_test    BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_keys_user ON keys (user_id);
CREATE INDEX IF NOT EXISTS idx_keys_active_finish ON keys (active, finish);
-- A payment produces at most one key, crash or not.
CREATE UNIQUE INDEX IF NOT EXISTS idx_keys_payment ON keys (payment_id);

CREATE TABLE IF NOT EXISTS payments (
    id            BIGSERIAL PRIMARY KEY,
    label         TEXT NOT NULL UNIQUE,
    user_id       BIGINT NOT NULL REFERENCES users (id),
    tariff_id     BIGINT NOT NULL,
    amount        BIGINT NOT NULL,
    url           TEXT NOT NULL DEFAULT '',
    device        TEXT NOT NULL DEFAULT '',
    key_id        BIGINT,
    promo         BIGINT,
    status        TEXT NOT NULL DEFAULT 'pending',
    error         TEXT,
    key_issued_at TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_payments_status ON payments (status);

CREATE TABLE IF NOT EXISTS promos (
    id          BIGSERIAL PRIMARY KEY,
    code        TEXT NOT NULL UNIQUE,
    price       INTEGER NOT NULL,
    users_limit INTEGER NOT NULL DEFAULT 0,
    finish_time TIMESTAMPTZ,
    users       BIGINT[] NOT NULL DEFAULT '{}',
    tariffs     BIGINT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS notification_rules (
    id                 BIGSERIAL PRIMARY KEY,
    name               TEXT NOT NULL,
    type               notificationtype NOT NULL,
    priority           INTEGER NOT NULL DEFAULT 0,
    offset_days        INTEGER,
    offset_hours       INTEGER,
    repeat_every_days  INTEGER,
    repeat_every_hours INTEGER,
    weekday            INTEGER,
    time_of_day        TEXT,
    timezone           TEXT,
    message_template   JSONB NOT NULL,
    is_active          BOOLEAN NOT NULL DEFAULT TRUE,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS notification_schedules (
    id         BIGSERIAL PRIMARY KEY,
    user_id    BIGINT NOT NULL,
    rule_id    BIGINT NOT NULL REFERENCES notification_rules (id) ON DELETE CASCADE,
    planned_at TIMESTAMPTZ NOT NULL,
    status     TEXT NOT NULL DEFAULT 'planned',
    dedup_key  TEXT NOT NULL UNIQUE,
    sent_at    TIMESTAMPTZ,
    last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON notification_schedules (status, planned_at);
CREATE INDEX IF NOT EXISTS idx_schedules_user_rule ON notification_schedules (user_id, rule_id);

CREATE TABLE IF NOT EXISTS notification_logs (
    id          BIGSERIAL PRIMARY KEY,
    user_id     BIGINT,
    rule_id     BIGINT,
    schedule_id BIGINT,
    status      TEXT NOT NULL,
    message_id  TEXT,
    error       TEXT,
    sent_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS text_settings (
    id            BIGINT PRIMARY KEY,
    iphone_video  TEXT,
    iphone_url    TEXT,
    android_video TEXT,
    android_url   TEXT,
    macos_video   TEXT,
    macos_url     TEXT,
    windows_video TEXT,
    windows_url   TEXT,
    faq_list      TEXT[] NOT NULL DEFAULT '{}',
    test_hours    INTEGER NOT NULL DEFAULT 24
);
`

func (s *Store) seedTextSettings(ctx context.Context) error {
	const q = `INSERT INTO text_settings (id) VALUES (1) ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("store: seed text settings: %w", err)
	}
	return nil
}
