package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otelguard/otelguard/internal/storage"
	"github.com/otelguard/otelguard/pkg/config"
	"github.com/otelguard/otelguard/pkg/logging"
	"github.com/otelguard/otelguard/pkg/metrics"
	"github.com/otelguard/otelguard/pkg/resilience"
)

// Severity represents alert severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityCritical Severity = "critical"
)

// Alert describes one circuit breaker transition
type Alert struct {
	ID        string                  `json:"id"`
	Service   string                  `json:"service"`
	From      resilience.CircuitState `json:"from"`
	To        resilience.CircuitState `json:"to"`
	Severity  Severity                `json:"severity"`
	Timestamp time.Time               `json:"timestamp"`
}

// severityFor maps the entered state to an alert severity. A breaker
// opening is the only critical event; recovery progress is informational.
func severityFor(to resilience.CircuitState) Severity {
	if to == resilience.StateOpen {
		return SeverityCritical
	}
	return SeverityInfo
}

// Handler delivers one alert to a destination
type Handler interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// LogHandler writes alerts to the structured log
type LogHandler struct {
	logger *logging.Logger
}

// NewLogHandler creates a log-backed alert handler
func NewLogHandler(logger *logging.Logger) *LogHandler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LogHandler{logger: logger}
}

// Name returns the handler name
func (h *LogHandler) Name() string {
	return "log"
}

// Send logs the transition, warning when a breaker opens
func (h *LogHandler) Send(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"service", alert.Service,
		"from", alert.From.String(),
		"to", alert.To.String(),
		"severity", string(alert.Severity),
	}

	if alert.Severity == SeverityCritical {
		h.logger.Warn("Circuit breaker opened", fields...)
	} else {
		h.logger.Info("Circuit breaker state changed", fields...)
	}
	return nil
}

// WebhookHandler posts alerts as JSON to a configured URL
type WebhookHandler struct {
	url    string
	client *http.Client
}

// NewWebhookHandler creates a webhook alert handler
func NewWebhookHandler(url string, timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the handler name
func (h *WebhookHandler) Name() string {
	return "webhook"
}

// Send posts the alert payload to the webhook
func (h *WebhookHandler) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Suppressor decides whether a repeat alert for a service should be dropped
type Suppressor interface {
	ShouldSuppress(ctx context.Context, service string, window time.Duration) bool
}

// MemorySuppressor tracks the last alert per service in process memory
type MemorySuppressor struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewMemorySuppressor creates an in-memory suppressor
func NewMemorySuppressor() *MemorySuppressor {
	return &MemorySuppressor{lastSent: make(map[string]time.Time)}
}

// ShouldSuppress reports whether an alert for the service fired within the window
func (s *MemorySuppressor) ShouldSuppress(ctx context.Context, service string, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if last, ok := s.lastSent[service]; ok && now.Sub(last) < window {
		return true
	}
	s.lastSent[service] = now
	return false
}

// RedisSuppressor shares suppression state across instances via SETNX
type RedisSuppressor struct {
	client *storage.RedisClient
	logger *logging.Logger
}

// NewRedisSuppressor creates a Redis-backed suppressor
func NewRedisSuppressor(client *storage.RedisClient, logger *logging.Logger) *RedisSuppressor {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &RedisSuppressor{client: client, logger: logger}
}

// ShouldSuppress claims the suppression key for the window. Redis failures
// never suppress, so a broken Redis cannot swallow alerts.
func (s *RedisSuppressor) ShouldSuppress(ctx context.Context, service string, window time.Duration) bool {
	key := fmt.Sprintf("otelguard:alerts:suppress:%s", service)

	set, err := s.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), window)
	if err != nil {
		s.logger.Warn("Alert suppression check failed, alerting anyway",
			"service", service,
			"error", err.Error(),
		)
		return false
	}
	return !set
}

// Dispatcher fans breaker transitions out to the configured handlers.
// HandleTransition matches the registry's OnStateChange hook signature and
// returns immediately; delivery happens in the background.
type Dispatcher struct {
	handlers   []Handler
	suppressor Suppressor
	window     time.Duration
	timeout    time.Duration
	logger     *logging.Logger
	metrics    *metrics.Metrics

	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher; suppressor and metrics may be nil
func NewDispatcher(cfg *config.AlertingConfig, suppressor Suppressor, logger *logging.Logger, m *metrics.Metrics, handlers ...Handler) *Dispatcher {
	if logger == nil {
		logger = logging.GetLogger()
	}

	window := 5 * time.Minute
	timeout := 10 * time.Second
	if cfg != nil {
		if cfg.SuppressionWindow > 0 {
			window = cfg.SuppressionWindow
		}
		if cfg.WebhookTimeout > 0 {
			timeout = cfg.WebhookTimeout
		}
	}

	return &Dispatcher{
		handlers:   handlers,
		suppressor: suppressor,
		window:     window,
		timeout:    timeout,
		logger:     logger,
		metrics:    m,
	}
}

// HandleTransition receives a breaker transition from the registry hook
func (d *Dispatcher) HandleTransition(service string, from, to resilience.CircuitState) {
	if d == nil {
		return
	}

	alert := Alert{
		ID:        uuid.New().String(),
		Service:   service,
		From:      from,
		To:        to,
		Severity:  severityFor(to),
		Timestamp: time.Now().UTC(),
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.Dispatch(alert)
	}()
}

// Dispatch delivers one alert through suppression and every handler
func (d *Dispatcher) Dispatch(alert Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout+5*time.Second)
	defer cancel()

	// Only repeat open-alerts are deduplicated; recovery always reports
	if alert.To == resilience.StateOpen && d.suppressor != nil {
		if d.suppressor.ShouldSuppress(ctx, alert.Service, d.window) {
			d.logger.Debug("Circuit alert suppressed",
				"service", alert.Service,
				"window", d.window.String(),
			)
			if d.metrics != nil {
				d.metrics.RecordAlertSuppressed(alert.Service)
			}
			return
		}
	}

	var wg sync.WaitGroup
	for _, handler := range d.handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h.Send(ctx, alert); err != nil {
				d.logger.Error("Failed to deliver circuit alert",
					"handler", h.Name(),
					"service", alert.Service,
					"error", err.Error(),
				)
				return
			}
			if d.metrics != nil {
				d.metrics.RecordAlertDispatched(h.Name(), string(alert.Severity))
			}
		}(handler)
	}
	wg.Wait()
}

// Flush blocks until every in-flight alert has been delivered
func (d *Dispatcher) Flush() {
	d.inflight.Wait()
}
