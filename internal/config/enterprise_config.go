package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/twap-feed/internal/security"
)

// ExporterConfig defines settings for publishing finalized periods
type ExporterConfig struct {
	Enabled        bool     `json:"enabled"`
	BatchSize      int      `json:"batch_size"`
	ExportInterval Duration `json:"export_interval"`

	// Webhook settings
	WebhookEnabled bool   `json:"webhook_enabled"`
	WebhookURL     string `json:"webhook_url"`
	WebhookAPIKey  string `json:"-"`

	// Kafka settings
	KafkaEnabled  bool     `json:"kafka_enabled"`
	KafkaBrokers  []string `json:"kafka_brokers"`
	KafkaTopic    string   `json:"kafka_topic"`
	KafkaUsername string   `json:"kafka_username,omitempty"`
	KafkaPassword string   `json:"-"`
}

// VerificationConfig defines settings for signing served payloads
type VerificationConfig struct {
	SignatureEnabled     bool     `json:"signature_enabled"`
	VerificationRequired bool     `json:"verification_required"`
	SignatureValidity    Duration `json:"signature_validity"`
	StrictMode           bool     `json:"strict_mode"`
	SigningKey           string   `json:"-"`
}

// RateLimitConfig defines settings for API rate limiting
type RateLimitConfig struct {
	// RequestsPerSecond of zero disables rate limiting
	RequestsPerSecond float64 `json:"requests_per_second"`
	BurstSize         int     `json:"burst_size"`
}

// Enabled reports whether requests are rate limited.
func (r RateLimitConfig) Enabled() bool {
	return r.RequestsPerSecond > 0
}

// DefaultExporterConfig returns exporter defaults with every sink disabled
func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{
		BatchSize:      10,
		ExportInterval: Duration{time.Minute},
		KafkaTopic:     "twap-periods",
	}
}

// DefaultVerificationConfig returns signing defaults
func DefaultVerificationConfig() VerificationConfig {
	return VerificationConfig{
		VerificationRequired: true,
		SignatureValidity:    Duration{5 * time.Minute},
	}
}

// LoadFile loads configuration from a JSON file on top of the defaults and
// then applies secrets and overrides from the environment.
func LoadFile(configPath string) (Config, error) {
	cfg := DefaultConfig()

	fileData, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(fileData, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	logrus.Infof("Loaded configuration from %s", configPath)
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to a file based configuration
func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if rpcURL := os.Getenv("RPC_URL"); rpcURL != "" {
		cfg.RPCURL = rpcURL
	}

	// Secrets never live in the file
	if key := os.Getenv("RPC_API_KEY"); key != "" {
		cfg.RPCAPIKey = key
	}
	if key := os.Getenv("SIGNING_KEY"); key != "" {
		cfg.DataIntegrity.SigningKey = key
	}
	if key := os.Getenv("WEBHOOK_API_KEY"); key != "" {
		cfg.Export.WebhookAPIKey = key
	}
	if password := os.Getenv("KAFKA_PASSWORD"); password != "" {
		cfg.Export.KafkaPassword = password
	}
}

func loadVerificationFromEnv(def VerificationConfig) VerificationConfig {
	return VerificationConfig{
		SignatureEnabled:     GetEnvAsBool("SIGNING_ENABLED", def.SignatureEnabled),
		VerificationRequired: GetEnvAsBool("VERIFICATION_REQUIRED", def.VerificationRequired),
		SignatureValidity:    Duration{GetEnvAsDuration("SIGNATURE_VALIDITY", def.SignatureValidity.Duration)},
		StrictMode:           GetEnvAsBool("STRICT_MODE", def.StrictMode),
		SigningKey:           GetEnvOrDefault("SIGNING_KEY", ""),
	}
}

func loadRateLimitFromEnv(def RateLimitConfig) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: GetEnvAsFloat("RATE_LIMIT_RPS", def.RequestsPerSecond),
		BurstSize:         GetEnvAsInt("RATE_LIMIT_BURST", def.BurstSize),
	}
}

func loadExporterFromEnv(def ExporterConfig) ExporterConfig {
	cfg := ExporterConfig{
		Enabled:        GetEnvAsBool("EXPORT_ENABLED", def.Enabled),
		BatchSize:      GetEnvAsInt("EXPORT_BATCH_SIZE", def.BatchSize),
		ExportInterval: Duration{GetEnvAsDuration("EXPORT_INTERVAL", def.ExportInterval.Duration)},

		WebhookEnabled: GetEnvAsBool("WEBHOOK_ENABLED", def.WebhookEnabled),
		WebhookURL:     GetEnvOrDefault("WEBHOOK_URL", def.WebhookURL),
		WebhookAPIKey:  GetEnvOrDefault("WEBHOOK_API_KEY", ""),

		KafkaEnabled:  GetEnvAsBool("KAFKA_ENABLED", def.KafkaEnabled),
		KafkaBrokers:  GetEnvAsList("KAFKA_BROKERS"),
		KafkaTopic:    GetEnvOrDefault("KAFKA_TOPIC", def.KafkaTopic),
		KafkaUsername: GetEnvOrDefault("KAFKA_USERNAME", ""),
		KafkaPassword: GetEnvOrDefault("KAFKA_PASSWORD", ""),
	}
	return cfg
}

func (r RateLimitConfig) validate() []error {
	if r.Enabled() && r.BurstSize < 1 {
		return []error{errors.New("rate limit burst must be at least 1")}
	}
	return nil
}

func (e ExporterConfig) validate() []error {
	if !e.Enabled {
		return nil
	}
	var errs []error
	if e.BatchSize <= 0 {
		errs = append(errs, errors.New("export batch size must be positive"))
	}
	if e.ExportInterval.Duration <= 0 {
		errs = append(errs, errors.New("export interval must be positive"))
	}
	if e.WebhookEnabled && e.WebhookURL == "" {
		errs = append(errs, errors.New("webhook url must be set when the webhook is enabled"))
	}
	if e.KafkaEnabled && (len(e.KafkaBrokers) == 0 || e.KafkaTopic == "") {
		errs = append(errs, errors.New("kafka brokers and topic must be set when kafka is enabled"))
	}
	return errs
}

// CreateDataIntegrityService creates a data integrity service from the configuration
func (c Config) CreateDataIntegrityService() (*security.DataIntegrityService, error) {
	return security.NewDataIntegrityService(security.VerificationOptions{
		SignatureEnabled:     c.DataIntegrity.SignatureEnabled,
		VerificationRequired: c.DataIntegrity.VerificationRequired,
		SignatureValidity:    c.DataIntegrity.SignatureValidity.Duration,
		StrictMode:           c.DataIntegrity.StrictMode,
		PrivateKeyHex:        c.DataIntegrity.SigningKey,
	})
}
