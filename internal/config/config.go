package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Gateway  GatewayConfig
	Lease    LeaseConfig
	Session  SessionConfig
	Campaign CampaignConfig
	Queue    QueueConfig
	Log      LogConfig
}

type ServerConfig struct {
	Address string
	PodID   string
}

// DatabaseConfig is optional; without it finished campaigns are only kept in Redis.
type DatabaseConfig struct {
	Enabled     bool
	PostgresURL string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

type GatewayConfig struct {
	URL           string
	CallbackURL   string
	Timeout       time.Duration
	MediaTimeout  time.Duration
	MediaMaxBytes int
}

type LeaseConfig struct {
	ConnTTL        time.Duration
	CampaignTTL    time.Duration
	AcquireTimeout time.Duration
	RetryInterval  time.Duration
	RenewInterval  time.Duration
}

type SessionConfig struct {
	IdleTimeout          time.Duration
	EvictInterval        time.Duration
	ReconnectDelay       time.Duration
	LogoutDelay          time.Duration
	MaxConnected         int
	AuthorizedIdentities []string
	CredentialTTL        time.Duration
	KeyTTL               time.Duration
	ChallengeTTL         time.Duration
	InventoryInterval    time.Duration
}

type CampaignConfig struct {
	SendDelay        time.Duration
	HeartbeatTTL     time.Duration
	EnforceHeartbeat bool
	CancelTTL        time.Duration
	MaxSendAttempts  int
	EventsCap        int
	RatePerSecond    float64
	ReadyTimeout     time.Duration
	OwnershipRetry   time.Duration
	PhoneCountryCode string
	PhoneLength      int
}

type QueueConfig struct {
	Concurrency      int
	Visibility       time.Duration
	PollInterval     time.Duration
	MaxAttempts      int
	Retention        time.Duration
	Keep             int
	MaintainInterval time.Duration
}

type LogConfig struct {
	Level  slog.Level
	Format string
}

// loader collects every parse error so they can be reported together.
type loader struct {
	errs []error
}

func (l *loader) require(key string) string {
	v, err := requireEnv(key)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) intVar(key string, def int) int {
	v, err := getEnvInt(key, def)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) durationVar(key string, def int, unit time.Duration) time.Duration {
	v, err := getEnvDuration(key, def, unit)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) boolVar(key string, def bool) bool {
	v, err := getEnvBool(key, def)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) floatVar(key string, def float64) float64 {
	v, err := getEnvFloat(key, def)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func LoadAll() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
			PodID:   getEnv("POD_ID", defaultPodID()),
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Address:  l.require("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       l.intVar("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "mf"),
		},
		Gateway: GatewayConfig{
			URL:           l.require("GATEWAY_URL"),
			CallbackURL:   os.Getenv("GATEWAY_CALLBACK_URL"),
			Timeout:       l.durationVar("GATEWAY_TIMEOUT_SECONDS", 10, time.Second),
			MediaTimeout:  l.durationVar("MEDIA_TIMEOUT_SECONDS", 30, time.Second),
			MediaMaxBytes: l.intVar("MEDIA_MAX_BYTES", 16<<20),
		},
		Lease: LeaseConfig{
			ConnTTL:        l.durationVar("LEASE_CONN_TTL_SECONDS", 60, time.Second),
			CampaignTTL:    l.durationVar("LEASE_CAMPAIGN_TTL_SECONDS", 120, time.Second),
			AcquireTimeout: l.durationVar("LEASE_ACQUIRE_TIMEOUT_SECONDS", 10, time.Second),
			RetryInterval:  l.durationVar("LEASE_RETRY_MS", 100, time.Millisecond),
			RenewInterval:  l.durationVar("LEASE_RENEW_INTERVAL_SECONDS", 20, time.Second),
		},
		Session: SessionConfig{
			IdleTimeout:          l.durationVar("SESSION_IDLE_TIMEOUT_MINUTES", 30, time.Minute),
			EvictInterval:        l.durationVar("SESSION_EVICT_INTERVAL_SECONDS", 60, time.Second),
			ReconnectDelay:       l.durationVar("SESSION_RECONNECT_DELAY_SECONDS", 5, time.Second),
			LogoutDelay:          l.durationVar("SESSION_LOGOUT_DELAY_SECONDS", 3, time.Second),
			MaxConnected:         l.intVar("SESSION_MAX_CONNECTED", 1),
			AuthorizedIdentities: getEnvList("AUTHORIZED_IDENTITIES"),
			CredentialTTL:        l.durationVar("CREDENTIAL_TTL_HOURS", 720, time.Hour),
			KeyTTL:               l.durationVar("CREDENTIAL_KEY_TTL_HOURS", 720, time.Hour),
			ChallengeTTL:         l.durationVar("CHALLENGE_TTL_SECONDS", 120, time.Second),
			InventoryInterval:    l.durationVar("INVENTORY_INTERVAL_SECONDS", 15, time.Second),
		},
		Campaign: CampaignConfig{
			SendDelay:        l.durationVar("CAMPAIGN_SEND_DELAY_MS", 3000, time.Millisecond),
			HeartbeatTTL:     l.durationVar("CAMPAIGN_HEARTBEAT_TTL_SECONDS", 45, time.Second),
			EnforceHeartbeat: l.boolVar("CAMPAIGN_ENFORCE_HEARTBEAT", true),
			CancelTTL:        l.durationVar("CAMPAIGN_CANCEL_TTL_SECONDS", 600, time.Second),
			MaxSendAttempts:  l.intVar("CAMPAIGN_MAX_SEND_ATTEMPTS", 3),
			EventsCap:        l.intVar("CAMPAIGN_EVENTS_CAP", 50),
			RatePerSecond:    l.floatVar("CAMPAIGN_RATE_PER_SECOND", 0),
			ReadyTimeout:     l.durationVar("CAMPAIGN_READY_TIMEOUT_SECONDS", 30, time.Second),
			OwnershipRetry:   l.durationVar("CAMPAIGN_OWNERSHIP_RETRY_SECONDS", 15, time.Second),
			PhoneCountryCode: getEnv("PHONE_COUNTRY_CODE", "57"),
			PhoneLength:      l.intVar("PHONE_LENGTH", 12),
		},
		Queue: QueueConfig{
			Concurrency:      l.intVar("QUEUE_CONCURRENCY", 4),
			Visibility:       l.durationVar("QUEUE_VISIBILITY_SECONDS", 60, time.Second),
			PollInterval:     l.durationVar("QUEUE_POLL_MS", 1000, time.Millisecond),
			MaxAttempts:      l.intVar("QUEUE_MAX_ATTEMPTS", 3),
			Retention:        l.durationVar("QUEUE_RETENTION_HOURS", 24, time.Hour),
			Keep:             l.intVar("QUEUE_KEEP", 100),
			MaintainInterval: l.durationVar("QUEUE_MAINTAIN_INTERVAL_SECONDS", 5, time.Second),
		},
		Log: LogConfig{
			Format: strings.ToLower(getEnv("LOG_FORMAT", "text")),
		},
	}

	if err := cfg.Log.Level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}

	if len(l.errs) > 0 {
		return nil, joinErrors(l.errs)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDatabaseConfig() DatabaseConfig {
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		return DatabaseConfig{Enabled: false}
	}
	return DatabaseConfig{Enabled: true, PostgresURL: url}
}

func validate(cfg *Config) error {
	var errs []error
	positive := []struct {
		key string
		ok  bool
	}{
		{"LEASE_CONN_TTL_SECONDS", cfg.Lease.ConnTTL > 0},
		{"LEASE_CAMPAIGN_TTL_SECONDS", cfg.Lease.CampaignTTL > 0},
		{"LEASE_ACQUIRE_TIMEOUT_SECONDS", cfg.Lease.AcquireTimeout > 0},
		{"SESSION_MAX_CONNECTED", cfg.Session.MaxConnected > 0},
		{"CAMPAIGN_HEARTBEAT_TTL_SECONDS", cfg.Campaign.HeartbeatTTL > 0},
		{"CAMPAIGN_MAX_SEND_ATTEMPTS", cfg.Campaign.MaxSendAttempts > 0},
		{"PHONE_LENGTH", cfg.Campaign.PhoneLength > 0},
		{"QUEUE_CONCURRENCY", cfg.Queue.Concurrency > 0},
		{"QUEUE_VISIBILITY_SECONDS", cfg.Queue.Visibility > 0},
		{"QUEUE_MAX_ATTEMPTS", cfg.Queue.MaxAttempts > 0},
	}
	for _, p := range positive {
		if !p.ok {
			errs = append(errs, fmt.Errorf("%s must be > 0", p.key))
		}
	}

	// renewing at or past the TTL lets the lease lapse between renewals
	if cfg.Lease.RenewInterval <= 0 || cfg.Lease.RenewInterval >= cfg.Lease.ConnTTL {
		errs = append(errs, errors.New("LEASE_RENEW_INTERVAL_SECONDS must be > 0 and < LEASE_CONN_TTL_SECONDS"))
	}
	if cfg.Campaign.RatePerSecond < 0 {
		errs = append(errs, errors.New("CAMPAIGN_RATE_PER_SECOND must be >= 0"))
	}
	if _, err := strconv.ParseUint(cfg.Campaign.PhoneCountryCode, 10, 64); err != nil {
		errs = append(errs, errors.New("PHONE_COUNTRY_CODE must be digits"))
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		errs = append(errs, errors.New("LOG_FORMAT must be text or json"))
	}
	return joinErrors(errs)
}

func defaultPodID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pod"
	}
	return host + "-" + uuid.NewString()[:8]
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

// getEnvDuration reads an integer count of unit.
func getEnvDuration(key string, def int, unit time.Duration) (time.Duration, error) {
	n, err := getEnvInt(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid bool for env %s: %s", key, v)
	}
	return b, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float for env %s: %s", key, v)
	}
	return f, nil
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
