package main

import (
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/twap-feed/internal/config"
	"github.com/yourorg/twap-feed/internal/enterprise"
)

// setupLogging configures logrus from LOG_FORMAT and LOG_LEVEL
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// newRateLimiter returns nil when rate limiting is disabled
func newRateLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if !cfg.Enabled() {
		return nil
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	logrus.WithFields(logrus.Fields{
		"rps":   cfg.RequestsPerSecond,
		"burst": burst,
	}).Info("Rate limiting enabled")
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

func exporterConfig(cfg config.ExporterConfig) enterprise.ExporterConfig {
	return enterprise.ExporterConfig{
		Enabled:        cfg.Enabled,
		BatchSize:      cfg.BatchSize,
		ExportInterval: cfg.ExportInterval.Duration,
		WebhookEnabled: cfg.WebhookEnabled,
		WebhookURL:     cfg.WebhookURL,
		WebhookAPIKey:  cfg.WebhookAPIKey,
		KafkaEnabled:   cfg.KafkaEnabled,
		KafkaBrokers:   cfg.KafkaBrokers,
		KafkaTopic:     cfg.KafkaTopic,
		KafkaUsername:  cfg.KafkaUsername,
		KafkaPassword:  cfg.KafkaPassword,
	}
}

// newBreakerGauge exposes the RPC breaker state (0=closed, 1=open, 2=half-open)
func newBreakerGauge(reg prometheus.Registerer) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "twap_circuit_breaker_state",
		Help: "RPC circuit breaker state (0=closed, 1=open, 2=half-open)",
	})
	reg.MustRegister(g)
	return g
}
