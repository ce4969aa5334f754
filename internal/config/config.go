package config

import (
	"fmt"
	"net/url"
)

// Settings carries everything the daemon consumes from the environment.
type Settings struct {
	DB       Database
	Payments Payments
	Bot      Bot

	// Prefix is prepended to every issued key name and to rendered URIs.
	Prefix string
	// Timezone is the civil zone all human-facing times are expressed in.
	Timezone string
	// DisableKeyNotifications suppresses lifecycle notification planning.
	// Intended for test deployments only.
	DisableKeyNotifications bool

	// OpsListenAddr is the bind address of the health/metrics HTTP server.
	OpsListenAddr string

	LogLevel string
}

// Database holds Postgres connection parameters.
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// DSN renders a pgx-compatible connection URL.
func (d Database) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(d.User), url.QueryEscape(d.Password), d.Host, d.Port, d.Name)
}

// Bot holds delivery credentials for the messaging sink.
type Bot struct {
	// Token authenticates against the bot API.
	Token string
	// APIBase overrides the bot API endpoint (tests only).
	APIBase string
	// AdminIDs receive operator warnings.
	AdminIDs []int64
}

// Payments holds provider credentials for the payment pipeline.
type Payments struct {
	// Token authorises operation-history lookups against the provider.
	Token string
	// Receiver is the wallet that payment intents credit.
	Receiver string
	// Comment is attached to every payment intent.
	Comment string
	// BaseURL overrides the provider endpoint (tests only).
	BaseURL string
}

// FromEnv builds Settings from the process environment.
func FromEnv() (Settings, error) {
	s := Settings{
		DB: Database{
			Host:     ParseString("DB_HOST", "localhost"),
			Port:     ParseInt("DB_PORT", 5432),
			User:     ParseString("DB_USER", "corsard"),
			Password: ParseString("DB_PASSWORD", ""),
			Name:     ParseString("DB_NAME", "corsard"),
		},
		Bot: Bot{
			Token:    ParseString("BOT_TOKEN", ""),
			APIBase:  ParseString("BOT_API_BASE", ""),
			AdminIDs: ParseInt64List("ADMIN_IDS", nil),
		},
		Payments: Payments{
			Token:    ParseString("PAYMENT_TOKEN", ""),
			Receiver: ParseString("PAYMENT_RECEIVER", ""),
			Comment:  ParseString("PAYMENT_COMMENT", "CorsarVPN subscription"),
			BaseURL:  ParseString("PAYMENT_BASE_URL", ""),
		},
		Prefix:                  ParseString("KEY_PREFIX", "corsarvpn"),
		Timezone:                ParseString("CIVIL_TIMEZONE", "Europe/Moscow"),
		DisableKeyNotifications: ParseBool("DISABLE_KEY_NOTIFICATIONS", false),
		OpsListenAddr:           ParseString("OPS_LISTEN_ADDR", ":9090"),
		LogLevel:                ParseString("LOG_LEVEL", "info"),
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings the daemon cannot start with.
func (s Settings) Validate() error {
	if s.DB.Host == "" || s.DB.Name == "" {
		return fmt.Errorf("config: database host and name are required")
	}
	if s.Prefix == "" {
		return fmt.Errorf("config: key prefix must not be empty")
	}
	if s.Timezone == "" {
		return fmt.Errorf("config: civil timezone must not be empty")
	}
	return nil
}
