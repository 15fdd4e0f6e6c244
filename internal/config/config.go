// Package config provides configuration loading and management for the application.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string `json:"port"`

	// Pair whose observations are aggregated, e.g. "ETH/USD"
	PairID string `json:"pair_id"`

	// Chain access
	RPCURL          string `json:"rpc_url"`
	RPCAPIKey       string `json:"-"`
	ContractAddress string `json:"contract_address"`

	// TWAP window in seconds; fixed for the lifetime of the process
	TwapPeriod uint64 `json:"twap_period"`

	// Event listener settings
	PollInterval    Duration `json:"poll_interval"`
	BackfillBlocks  uint64   `json:"backfill_blocks"`
	ChannelCapacity int      `json:"channel_capacity"`

	// Decimal places used to render a human-readable price; 0 disables it
	PriceDecimals int `json:"price_decimals"`

	// Observation validation
	MaxFutureSkew     Duration `json:"max_future_skew"`
	MaxObservationAge Duration `json:"max_observation_age"`
	OutlierDetection  bool     `json:"outlier_detection"`

	// OpenTelemetry endpoint for observability
	OtelEndpoint string `json:"otel_endpoint"`

	// RPC circuit breaker
	CircuitFailureThreshold int      `json:"circuit_failure_threshold"`
	CircuitResetDelay       Duration `json:"circuit_reset_delay"`
	MaxBlockLag             uint64   `json:"max_block_lag"`

	DataIntegrity VerificationConfig `json:"data_integrity"`
	RateLimiting  RateLimitConfig    `json:"rate_limiting"`
	Export        ExporterConfig     `json:"export"`
}

// Duration is a time.Duration that reads and writes JSON as "1m30s".
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		Port:                    "8080",
		PairID:                  "ETH/USD",
		RPCURL:                  "http://localhost:8545",
		TwapPeriod:              3600,
		PollInterval:            Duration{time.Second},
		BackfillBlocks:          20,
		ChannelCapacity:         64,
		MaxFutureSkew:           Duration{5 * time.Minute},
		CircuitFailureThreshold: 5,
		CircuitResetDelay:       Duration{30 * time.Second},
		DataIntegrity:           DefaultVerificationConfig(),
		RateLimiting:            RateLimitConfig{BurstSize: 10},
		Export:                  DefaultExporterConfig(),
	}
}

// Load creates a new Config from environment variables, or from the JSON
// file named by CONFIG_FILE when it is set.
func Load() (Config, error) {
	if path, ok := GetEnv("CONFIG_FILE"); ok && path != "" {
		return LoadFile(path)
	}

	def := DefaultConfig()
	cfg := Config{
		Port:                    GetEnvOrDefault("PORT", def.Port),
		PairID:                  GetEnvOrDefault("PAIR_ID", def.PairID),
		RPCURL:                  GetEnvOrDefault("RPC_URL", def.RPCURL),
		RPCAPIKey:               GetEnvOrDefault("RPC_API_KEY", ""),
		ContractAddress:         GetEnvOrDefault("CONTRACT_ADDRESS", ""),
		TwapPeriod:              GetEnvAsUint64("TWAP_PERIOD", def.TwapPeriod),
		PollInterval:            Duration{GetEnvAsDuration("POLL_INTERVAL", def.PollInterval.Duration)},
		BackfillBlocks:          GetEnvAsUint64("BACKFILL_BLOCKS", def.BackfillBlocks),
		ChannelCapacity:         GetEnvAsInt("CHANNEL_CAPACITY", def.ChannelCapacity),
		PriceDecimals:           GetEnvAsInt("PRICE_DECIMALS", def.PriceDecimals),
		MaxFutureSkew:           Duration{GetEnvAsDuration("MAX_FUTURE_SKEW", def.MaxFutureSkew.Duration)},
		MaxObservationAge:       Duration{GetEnvAsDuration("MAX_OBSERVATION_AGE", 0)},
		OutlierDetection:        GetEnvAsBool("OUTLIER_DETECTION", false),
		OtelEndpoint:            GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		CircuitFailureThreshold: GetEnvAsInt("CIRCUIT_FAILURE_THRESHOLD", def.CircuitFailureThreshold),
		CircuitResetDelay:       Duration{GetEnvAsDuration("CIRCUIT_RESET_DELAY", def.CircuitResetDelay.Duration)},
		MaxBlockLag:             GetEnvAsUint64("MAX_BLOCK_LAG", 0),
	}
	cfg.DataIntegrity = loadVerificationFromEnv(def.DataIntegrity)
	cfg.RateLimiting = loadRateLimitFromEnv(def.RateLimiting)
	cfg.Export = loadExporterFromEnv(def.Export)

	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("port must be set"))
	}
	if c.PairID == "" {
		errs = append(errs, errors.New("pair id must be set"))
	}
	if c.RPCURL == "" {
		errs = append(errs, errors.New("rpc url must be set"))
	}
	if !common.IsHexAddress(c.ContractAddress) {
		errs = append(errs, fmt.Errorf("contract address %q is not a hex address", c.ContractAddress))
	}
	if c.TwapPeriod == 0 {
		errs = append(errs, errors.New("twap period must be positive"))
	}
	if c.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.ChannelCapacity <= 0 {
		errs = append(errs, errors.New("channel capacity must be positive"))
	}
	if c.PriceDecimals < 0 || c.PriceDecimals > 38 {
		errs = append(errs, fmt.Errorf("price decimals %d outside [0, 38]", c.PriceDecimals))
	}
	if c.CircuitFailureThreshold <= 0 {
		errs = append(errs, errors.New("circuit failure threshold must be positive"))
	}
	errs = append(errs, c.RateLimiting.validate()...)
	errs = append(errs, c.Export.validate()...)

	return errors.Join(errs...)
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsUint64 retrieves an environment variable as an unsigned integer with a default value
func GetEnvAsUint64(key string, defaultValue uint64) uint64 {
	if value, exists := GetEnv(key); exists {
		if uintValue, err := strconv.ParseUint(value, 10, 64); err == nil {
			return uintValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a bool with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsList retrieves a comma separated environment variable
func GetEnvAsList(key string) []string {
	value, exists := GetEnv(key)
	if !exists || value == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
