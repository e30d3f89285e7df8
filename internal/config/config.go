// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the gin server (webhooks, API, simulator) listens on.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN. Empty selects the in-memory incident store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// PublicBaseURL is the externally reachable base URL providers call back on.
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`
	Env           string `mapstructure:"APP_ENV"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	// Timezone formats simulator progress timestamps (IANA name).
	Timezone string `mapstructure:"TIMEZONE"`

	// VoiceProvider is twilio, vonage, solapi or mock.
	VoiceProvider           string `mapstructure:"VOICE_PROVIDER"`
	PrimaryContact          string `mapstructure:"PRIMARY_CONTACT"`
	PrimaryContactName      string `mapstructure:"PRIMARY_CONTACT_NAME"`
	SecondaryContact        string `mapstructure:"SECONDARY_CONTACT"`
	SecondaryContactName    string `mapstructure:"SECONDARY_CONTACT_NAME"`
	OperatorNumber          string `mapstructure:"OPERATOR_NUMBER"`
	MaxAttempts             int    `mapstructure:"MAX_ATTEMPTS"`
	CallTimeoutSeconds      int    `mapstructure:"CALL_TIMEOUT_SECONDS"`
	ProviderTimeout         string `mapstructure:"PROVIDER_TIMEOUT"`
	ProviderBreakerFailures int    `mapstructure:"PROVIDER_BREAKER_FAILURES"`
	ClassifierMinAnswered   string `mapstructure:"CLASSIFIER_MIN_ANSWERED"`
	ClassifierMaxWait       string `mapstructure:"CLASSIFIER_MAX_WAIT"`
	VoiceLanguage           string `mapstructure:"VOICE_LANGUAGE"`

	TwilioAccountSID string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `mapstructure:"TWILIO_FROM_NUMBER"`

	VonageApplicationID string `mapstructure:"VONAGE_APPLICATION_ID"`
	// VonagePrivateKey is the PEM-encoded application key or a path to it.
	VonagePrivateKey string `mapstructure:"VONAGE_PRIVATE_KEY"`
	VonageAPIKey     string `mapstructure:"VONAGE_API_KEY"`
	VonageAPISecret  string `mapstructure:"VONAGE_API_SECRET"`
	VonageFromNumber string `mapstructure:"VONAGE_FROM_NUMBER"`

	SolapiAPIKey     string `mapstructure:"SOLAPI_API_KEY"`
	SolapiAPISecret  string `mapstructure:"SOLAPI_API_SECRET"`
	SolapiFromNumber string `mapstructure:"SOLAPI_FROM_NUMBER"`

	// CallbackSigningKey signs the token appended to provider callback URLs. Empty disables verification.
	CallbackSigningKey string `mapstructure:"CALLBACK_SIGNING_KEY"`
	// CallbackTokenTTL is how long a callback token stays valid (e.g. "2h").
	CallbackTokenTTL string `mapstructure:"CALLBACK_TOKEN_TTL"`
	// AdminAPIKeyHash is the bcrypt hash of the key guarding /webhook/*. Empty leaves the API open.
	AdminAPIKeyHash string `mapstructure:"ADMIN_API_KEY_HASH"`
	// KeypadPolicyFile is a Rego module overriding the built-in keypad policy.
	KeypadPolicyFile string `mapstructure:"KEYPAD_POLICY_FILE"`
	// SimulatorAllowedOrigins is a comma-separated list of origins allowed to open the simulator WebSocket.
	SimulatorAllowedOrigins string `mapstructure:"SIMULATOR_ALLOWED_ORIGINS"`

	// RedisAddr enables the shared Redis transfer log. Empty keeps it in memory.
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	TransferLogTTL string `mapstructure:"TRANSFER_LOG_TTL"`
	// TransferLogMaxEntries bounds the in-memory transfer log.
	TransferLogMaxEntries int `mapstructure:"TRANSFER_LOG_MAX_ENTRIES"`

	// Events (optional). When Kafka brokers are set, escalation events are produced to Kafka.
	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// EventsKafkaTopic is the Kafka topic for escalation events.
	EventsKafkaTopic string `mapstructure:"EVENTS_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the event worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("VOICE_PROVIDER", "mock")
	v.SetDefault("PRIMARY_CONTACT", "")
	v.SetDefault("PRIMARY_CONTACT_NAME", "primary")
	v.SetDefault("SECONDARY_CONTACT", "")
	v.SetDefault("SECONDARY_CONTACT_NAME", "secondary")
	v.SetDefault("OPERATOR_NUMBER", "")
	v.SetDefault("MAX_ATTEMPTS", 4)
	v.SetDefault("CALL_TIMEOUT_SECONDS", 30)
	v.SetDefault("PROVIDER_TIMEOUT", "10s")
	v.SetDefault("PROVIDER_BREAKER_FAILURES", 5)
	v.SetDefault("CLASSIFIER_MIN_ANSWERED", "5s")
	v.SetDefault("CLASSIFIER_MAX_WAIT", "20s")
	v.SetDefault("VOICE_LANGUAGE", "en-US")
	v.SetDefault("TWILIO_ACCOUNT_SID", "")
	v.SetDefault("TWILIO_AUTH_TOKEN", "")
	v.SetDefault("TWILIO_FROM_NUMBER", "")
	v.SetDefault("VONAGE_APPLICATION_ID", "")
	v.SetDefault("VONAGE_PRIVATE_KEY", "")
	v.SetDefault("VONAGE_API_KEY", "")
	v.SetDefault("VONAGE_API_SECRET", "")
	v.SetDefault("VONAGE_FROM_NUMBER", "")
	v.SetDefault("SOLAPI_API_KEY", "")
	v.SetDefault("SOLAPI_API_SECRET", "")
	v.SetDefault("SOLAPI_FROM_NUMBER", "")
	v.SetDefault("CALLBACK_SIGNING_KEY", "")
	v.SetDefault("CALLBACK_TOKEN_TTL", "2h")
	v.SetDefault("ADMIN_API_KEY_HASH", "")
	v.SetDefault("KEYPAD_POLICY_FILE", "")
	v.SetDefault("SIMULATOR_ALLOWED_ORIGINS", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("TRANSFER_LOG_TTL", "1h")
	v.SetDefault("TRANSFER_LOG_MAX_ENTRIES", 1000)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("EVENTS_KAFKA_TOPIC", "oncall-escalation-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "oncall-event-worker")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("config: MAX_ATTEMPTS must be at least 1")
	}
	if cfg.CallTimeoutSeconds < 1 {
		return nil, errors.New("config: CALL_TIMEOUT_SECONDS must be at least 1")
	}
	for key, val := range map[string]string{
		"PROVIDER_TIMEOUT":        cfg.ProviderTimeout,
		"CLASSIFIER_MIN_ANSWERED": cfg.ClassifierMinAnswered,
		"CLASSIFIER_MAX_WAIT":     cfg.ClassifierMaxWait,
		"CALLBACK_TOKEN_TTL":      cfg.CallbackTokenTTL,
		"TRANSFER_LOG_TTL":        cfg.TransferLogTTL,
	} {
		if _, err := parsePositive(val); err != nil {
			return nil, fmt.Errorf("config: %s: %w", key, err)
		}
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("config: TIMEZONE: %w", err)
	}
	if cfg.Env == "production" && cfg.CallbackSigningKey == "" {
		return nil, errors.New("config: CALLBACK_SIGNING_KEY must be set when APP_ENV=production")
	}

	return &cfg, nil
}

func parsePositive(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := parsePositive(s)
	if err != nil {
		return def
	}
	return d
}

// ProviderTimeoutDuration parses ProviderTimeout. Returns 10s if unset or invalid.
func (c *Config) ProviderTimeoutDuration() time.Duration {
	return durationOr(c.ProviderTimeout, 10*time.Second)
}

// ClassifierMinAnsweredDuration parses ClassifierMinAnswered. Returns 5s if unset or invalid.
func (c *Config) ClassifierMinAnsweredDuration() time.Duration {
	return durationOr(c.ClassifierMinAnswered, 5*time.Second)
}

// ClassifierMaxWaitDuration parses ClassifierMaxWait. Returns 20s if unset or invalid.
func (c *Config) ClassifierMaxWaitDuration() time.Duration {
	return durationOr(c.ClassifierMaxWait, 20*time.Second)
}

// CallbackTokenTTLDuration parses CallbackTokenTTL. Returns 2h if unset or invalid.
func (c *Config) CallbackTokenTTLDuration() time.Duration {
	return durationOr(c.CallbackTokenTTL, 2*time.Hour)
}

// TransferLogTTLDuration parses TransferLogTTL. Returns 1h if unset or invalid.
func (c *Config) TransferLogTTLDuration() time.Duration {
	return durationOr(c.TransferLogTTL, time.Hour)
}

// RingTimeout is CallTimeoutSeconds as a duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// Location returns the Timezone location, UTC if it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event export is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// AllowedOrigins returns SimulatorAllowedOrigins as a list.
func (c *Config) AllowedOrigins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.SimulatorAllowedOrigins)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
