// Package enterprise publishes finalized TWAP periods to downstream systems.
package enterprise

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/twap-feed/internal/model"
)

// ExporterConfig holds configuration for period exporting
type ExporterConfig struct {
	Enabled        bool
	BatchSize      int
	ExportInterval time.Duration

	// Webhook settings
	WebhookEnabled bool
	WebhookURL     string
	WebhookAPIKey  string

	// Kafka settings
	KafkaEnabled  bool
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaUsername string
	KafkaPassword string
}

// PeriodRecord is the exported form of a finalized period.
type PeriodRecord struct {
	Pair     string `json:"pair"`
	PeriodID uint64 `json:"period"`
	Start    uint64 `json:"start"`
	End      uint64 `json:"end"`
	Value    string `json:"value"`
}

// Option customises a PeriodExporter
type Option func(*PeriodExporter)

// WithProducer injects a Kafka producer instead of dialing the brokers.
func WithProducer(p sarama.SyncProducer) Option {
	return func(e *PeriodExporter) { e.producer = p }
}

// WithHTTPClient replaces the retrying webhook client.
func WithHTTPClient(c *retryablehttp.Client) Option {
	return func(e *PeriodExporter) { e.httpClient = c }
}

// PeriodExporter batches finalized periods and ships them to a webhook and
// a Kafka topic. Publish never blocks on I/O.
type PeriodExporter struct {
	config       ExporterConfig
	pairID       string
	periodLength uint64

	httpClient *retryablehttp.Client
	producer   sarama.SyncProducer

	mutex        sync.RWMutex
	batch        []PeriodRecord
	lastExport   time.Time
	exported     int
	failed       int
	exportCancel context.CancelFunc
	done         chan struct{}

	flush     chan struct{}
	closeOnce sync.Once
}

// NewPeriodExporter creates a new exporter. A disabled exporter accepts and
// discards periods.
func NewPeriodExporter(config ExporterConfig, pairID string, periodLength uint64, opts ...Option) (*PeriodExporter, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.ExportInterval <= 0 {
		config.ExportInterval = time.Minute
	}

	e := &PeriodExporter{
		config:       config,
		pairID:       pairID,
		periodLength: periodLength,
		batch:        make([]PeriodRecord, 0, config.BatchSize),
		flush:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}

	if !config.Enabled {
		return e, nil
	}

	if config.WebhookEnabled && e.httpClient == nil {
		e.httpClient = newWebhookClient()
	}
	if config.KafkaEnabled && e.producer == nil {
		producer, err := sarama.NewSyncProducer(config.KafkaBrokers, saramaConfig(config))
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		e.producer = producer
	}

	logrus.WithFields(logrus.Fields{
		"webhook": config.WebhookEnabled,
		"kafka":   config.KafkaEnabled,
		"batch":   config.BatchSize,
	}).Info("Period exporter initialized")
	return e, nil
}

func newWebhookClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil
	return c
}

func saramaConfig(config ExporterConfig) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	if config.KafkaUsername != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = config.KafkaUsername
		cfg.Net.SASL.Password = config.KafkaPassword
	}
	return cfg
}

// Publish queues a finalized period. A full batch triggers an export on the
// Run goroutine.
func (e *PeriodExporter) Publish(period model.FinalizedPeriod) {
	if !e.config.Enabled {
		return
	}

	start := period.Start(e.periodLength)
	record := PeriodRecord{
		Pair:     e.pairID,
		PeriodID: period.PeriodID,
		Start:    start,
		End:      start + e.periodLength,
		Value:    period.Value.Dec(),
	}

	e.mutex.Lock()
	e.batch = append(e.batch, record)
	full := len(e.batch) >= e.config.BatchSize
	e.mutex.Unlock()

	if full {
		select {
		case e.flush <- struct{}{}:
		default:
		}
	}
}

// Run exports batches periodically until ctx is cancelled or Stop is
// called, then exports what is left and releases the producer.
func (e *PeriodExporter) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.mutex.Lock()
	e.exportCancel = cancel
	e.done = done
	e.mutex.Unlock()
	defer close(done)
	defer cancel()

	if !e.config.Enabled {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(e.config.ExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.exportPeriods(ctx)
		case <-e.flush:
			e.exportPeriods(ctx)
		case <-ctx.Done():
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			e.exportPeriods(shutdownCtx)
			cancelShutdown()
			e.closeProducer()
			return nil
		}
	}
}

// exportPeriods exports the current batch. A failed batch is dropped after
// the retries of the underlying client.
func (e *PeriodExporter) exportPeriods(ctx context.Context) {
	e.mutex.Lock()
	if len(e.batch) == 0 {
		e.mutex.Unlock()
		return
	}
	records := make([]PeriodRecord, len(e.batch))
	copy(records, e.batch)
	e.batch = make([]PeriodRecord, 0, e.config.BatchSize)
	e.lastExport = time.Now()
	e.mutex.Unlock()

	var (
		wg     sync.WaitGroup
		failed bool
		mu     sync.Mutex
	)
	markFailed := func(sink string, err error) {
		logrus.WithError(err).WithField("sink", sink).Errorf("Failed to export %d periods", len(records))
		mu.Lock()
		failed = true
		mu.Unlock()
	}

	if e.config.WebhookEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.exportToWebhook(ctx, records); err != nil {
				markFailed("webhook", err)
			}
		}()
	}

	if e.config.KafkaEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.exportToKafka(records); err != nil {
				markFailed("kafka", err)
			}
		}()
	}

	wg.Wait()

	e.mutex.Lock()
	if failed {
		e.failed += len(records)
	} else {
		e.exported += len(records)
	}
	e.mutex.Unlock()

	logrus.WithField("count", len(records)).Debug("Exported finalized periods")
}

// exportToWebhook posts a batch to the webhook endpoint
func (e *PeriodExporter) exportToWebhook(ctx context.Context, records []PeriodRecord) error {
	if e.config.WebhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	exportData := struct {
		Periods    []PeriodRecord `json:"periods"`
		ExportTime string         `json:"export_time"`
		Count      int            `json:"count"`
	}{
		Periods:    records,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(records),
	}

	jsonData, err := json.Marshal(exportData)
	if err != nil {
		return fmt.Errorf("failed to marshal periods: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", e.config.WebhookURL, jsonData)
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.WebhookAPIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// exportToKafka sends one message per period, keyed by pair
func (e *PeriodExporter) exportToKafka(records []PeriodRecord) error {
	if e.producer == nil {
		return fmt.Errorf("kafka not configured")
	}

	for _, record := range records {
		js, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("json marshal period: %w", err)
		}

		_, _, err = e.producer.SendMessage(&sarama.ProducerMessage{
			Topic: e.config.KafkaTopic,
			Key:   sarama.StringEncoder(record.Pair),
			Value: sarama.ByteEncoder(js),
		})
		if err != nil {
			return fmt.Errorf("send period %d to kafka: %w", record.PeriodID, err)
		}
	}
	return nil
}

func (e *PeriodExporter) closeProducer() {
	e.closeOnce.Do(func() {
		if e.producer == nil {
			return
		}
		if err := e.producer.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close kafka producer")
		}
	})
}

// Stop cleanly stops the exporter, exporting any queued periods.
func (e *PeriodExporter) Stop() {
	e.mutex.RLock()
	cancel, done := e.exportCancel, e.done
	e.mutex.RUnlock()

	if cancel != nil {
		cancel()
		<-done
		return
	}

	// Run was never started
	ctx, cancelExport := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelExport()
	if e.config.Enabled {
		e.exportPeriods(ctx)
	}
	e.closeProducer()
}

// GetExporterStatus returns the current status of the exporter
func (e *PeriodExporter) GetExporterStatus() map[string]interface{} {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	status := map[string]interface{}{
		"enabled":         e.config.Enabled,
		"batch_size":      e.config.BatchSize,
		"export_interval": e.config.ExportInterval.String(),
		"current_batch":   len(e.batch),
		"exported":        e.exported,
		"failed":          e.failed,
		"webhook_enabled": e.config.WebhookEnabled,
		"kafka_enabled":   e.config.KafkaEnabled,
	}

	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.Format(time.RFC3339)
	}
	return status
}
