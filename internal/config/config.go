// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTPublicKey is the PEM-encoded public key (or path to file) of the identity provider; required to validate bearer tokens.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTPrivateKey is the PEM-encoded private key (or path to file); only cmd/seed needs it, to mint dev tokens.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTIssuer is the expected iss claim (e.g. "cloudlabs-auth").
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the expected aud claim (e.g. "cloudlabs-api").
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`

	// ProvisionerBaseURL is the base URL of the VM provisioning functions (e.g. https://region-project.cloudfunctions.net).
	ProvisionerBaseURL string `mapstructure:"PROVISIONER_BASE_URL"`
	// ProvisionerAPIKey is the bearer key sent to the provisioning functions.
	ProvisionerAPIKey string `mapstructure:"PROVISIONER_API_KEY"`

	// SessionDuration is the fixed lab session length bought by one credit (e.g. "45m").
	SessionDuration string `mapstructure:"SESSION_DURATION"`
	// SessionWarningLead is how long before the deadline the expiry warning fires (e.g. "5m").
	SessionWarningLead string `mapstructure:"SESSION_WARNING_LEAD"`
	// ProvisionTimeout bounds a single provisioning attempt; sessions still provisioning after this are failed and refunded.
	ProvisionTimeout string `mapstructure:"PROVISION_TIMEOUT"`
	// SchedulerTick is the expiry scheduler evaluation interval (e.g. "1s").
	SchedulerTick string `mapstructure:"SCHEDULER_TICK"`

	// LabPolicyFile optionally overrides the embedded session-start Rego policy.
	LabPolicyFile string `mapstructure:"LAB_POLICY_FILE"`

	// EventsKafkaBrokers is a comma-separated list of Kafka broker addresses; empty disables the event pipeline.
	EventsKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// EventsKafkaTopic is the Kafka topic for session lifecycle events.
	EventsKafkaTopic string `mapstructure:"EVENTS_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the events worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is the Loki base URL the worker pushes events to (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_ISSUER", "cloudlabs-auth")
	v.SetDefault("JWT_AUDIENCE", "cloudlabs-api")
	v.SetDefault("PROVISIONER_BASE_URL", "")
	v.SetDefault("SESSION_DURATION", "45m")
	v.SetDefault("SESSION_WARNING_LEAD", "5m")
	v.SetDefault("PROVISION_TIMEOUT", "5m")
	v.SetDefault("SCHEDULER_TICK", "1s")
	v.SetDefault("EVENTS_KAFKA_TOPIC", "cloudlabs-events")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_GROUP_ID", "cloudlabs-events-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.SessionDurationValue() <= cfg.SessionWarningLeadValue() {
		return nil, errors.New("config: SESSION_DURATION must be longer than SESSION_WARNING_LEAD")
	}

	return &cfg, nil
}

// SessionDurationValue parses SessionDuration. Returns 45m if unset or invalid.
func (c *Config) SessionDurationValue() time.Duration {
	d, err := time.ParseDuration(c.SessionDuration)
	if err != nil || d <= 0 {
		return 45 * time.Minute
	}
	return d
}

// SessionWarningLeadValue parses SessionWarningLead. Returns 5m if unset or invalid.
func (c *Config) SessionWarningLeadValue() time.Duration {
	d, err := time.ParseDuration(c.SessionWarningLead)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// ProvisionTimeoutValue parses ProvisionTimeout. Returns 5m if unset or invalid.
func (c *Config) ProvisionTimeoutValue() time.Duration {
	d, err := time.ParseDuration(c.ProvisionTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// SchedulerTickValue parses SchedulerTick. Returns 1s if unset or invalid.
func (c *Config) SchedulerTickValue() time.Duration {
	d, err := time.ParseDuration(c.SchedulerTick)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// EventsKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the event pipeline is enabled (non-empty list) and to create the producer.
func (c *Config) EventsKafkaBrokersList() []string {
	if c == nil || c.EventsKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.EventsKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
