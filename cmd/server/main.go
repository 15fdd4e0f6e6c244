package main

import (
	"context"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/twap-feed/internal/api"
	"github.com/yourorg/twap-feed/internal/app"
	"github.com/yourorg/twap-feed/internal/circuitbreaker"
	"github.com/yourorg/twap-feed/internal/config"
	"github.com/yourorg/twap-feed/internal/enterprise"
	"github.com/yourorg/twap-feed/internal/fetch"
	"github.com/yourorg/twap-feed/internal/ingest"
	"github.com/yourorg/twap-feed/internal/otel"
	"github.com/yourorg/twap-feed/internal/store"
	"github.com/yourorg/twap-feed/internal/twap"
	"github.com/yourorg/twap-feed/internal/validation"
)

// main is the entry point for the application
func main() {
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracer()

	if err := run(context.Background(), cfg); err != nil {
		logrus.WithError(err).Error("Feed stopped with error")
		shutdownTracer()
		os.Exit(1)
	}
	logrus.Info("Feed stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	client, err := fetch.Dial(ctx, cfg.RPCURL, cfg.RPCAPIKey)
	if err != nil {
		return err
	}
	defer client.Close()

	breakerState := newBreakerGauge(prometheus.DefaultRegisterer)
	breaker := circuitbreaker.New(circuitbreaker.Thresholds{
		FailureThreshold: cfg.CircuitFailureThreshold,
		MaxBlockLag:      cfg.MaxBlockLag,
	}).
		WithResetDelay(cfg.CircuitResetDelay.Duration).
		WithTripCallback(func(reason string, lastErr error) {
			breakerState.Set(float64(circuitbreaker.StateOpen))
			logrus.WithError(lastErr).WithField("reason", reason).Error("RPC circuit breaker opened")
		})

	validationOpts := validation.DefaultValidationOptions()
	validationOpts.MaxFutureSkew = cfg.MaxFutureSkew.Duration
	validationOpts.MaxAge = cfg.MaxObservationAge.Duration
	validationOpts.EnableOutlierDetection = cfg.OutlierDetection

	listenerOpts := fetch.DefaultListenerOptions()
	listenerOpts.Contract = common.HexToAddress(cfg.ContractAddress)
	listenerOpts.PairID = cfg.PairID
	listenerOpts.PollInterval = cfg.PollInterval.Duration
	listenerOpts.BackfillBlocks = cfg.BackfillBlocks
	listenerOpts.ChannelCapacity = cfg.ChannelCapacity
	listenerOpts.Validation = validationOpts
	listenerOpts.Breaker = breaker
	listenerOpts.Metrics = fetch.NewListenerMetrics(prometheus.DefaultRegisterer)

	listener, err := fetch.NewListener(client, listenerOpts)
	if err != nil {
		return err
	}
	if err := listener.Check(ctx); err != nil {
		return err
	}

	acc, err := twap.NewAccumulator(cfg.TwapPeriod)
	if err != nil {
		return err
	}
	periods := store.New()

	exporter, err := enterprise.NewPeriodExporter(exporterConfig(cfg.Export), cfg.PairID, cfg.TwapPeriod)
	if err != nil {
		return err
	}

	pump := ingest.NewPump(acc, periods, ingest.Options{
		Sink:    exporter,
		Metrics: ingest.NewMetrics(prometheus.DefaultRegisterer),
	})

	signer, err := cfg.CreateDataIntegrityService()
	if err != nil {
		return err
	}

	server := api.NewServer(periods, api.Options{
		Port:          cfg.Port,
		Signer:        signer,
		Limiter:       newRateLimiter(cfg.RateLimiting),
		PriceDecimals: cfg.PriceDecimals,
		Status: func() map[string]interface{} {
			state := breaker.GetState()
			breakerState.Set(float64(state))
			status := map[string]interface{}{
				"pair":          cfg.PairID,
				"twap_period":   cfg.TwapPeriod,
				"circuit_state": state.String(),
				"periods":       periods.Len(),
				"exporter":      exporter.GetExporterStatus(),
			}
			if err := breaker.LastError(); err != nil {
				status["circuit_last_error"] = err.Error()
			}
			return status
		},
	})

	logrus.WithFields(logrus.Fields{
		"pair":        cfg.PairID,
		"contract":    cfg.ContractAddress,
		"twap_period": cfg.TwapPeriod,
	}).Info("Starting TWAP feed")

	return app.NewApp().
		WithSignals().
		WithService(listener).
		WithService(app.ServiceFunc(func(ctx context.Context) error {
			return pump.Run(ctx, listener.Observations())
		})).
		WithService(exporter).
		WithService(server).
		Run(ctx)
}
