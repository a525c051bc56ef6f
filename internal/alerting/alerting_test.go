package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otelguard/otelguard/pkg/config"
	"github.com/otelguard/otelguard/pkg/resilience"
)

type fakeHandler struct {
	name string
	err  error

	mu     sync.Mutex
	alerts []Alert
}

func (h *fakeHandler) Name() string { return h.name }

func (h *fakeHandler) Send(ctx context.Context, alert Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, alert)
	return h.err
}

func (h *fakeHandler) sent() []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Alert, len(h.alerts))
	copy(out, h.alerts)
	return out
}

func newTestDispatcher(suppressor Suppressor, handlers ...Handler) *Dispatcher {
	cfg := &config.AlertingConfig{
		Enabled:           true,
		WebhookTimeout:    time.Second,
		SuppressionWindow: time.Minute,
	}
	return NewDispatcher(cfg, suppressor, nil, nil, handlers...)
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, SeverityCritical, severityFor(resilience.StateOpen))
	assert.Equal(t, SeverityInfo, severityFor(resilience.StateHalfOpen))
	assert.Equal(t, SeverityInfo, severityFor(resilience.StateClosed))
}

func TestWebhookHandler(t *testing.T) {
	t.Run("posts transition payload", func(t *testing.T) {
		var body map[string]interface{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		handler := NewWebhookHandler(server.URL, time.Second)
		alert := Alert{
			Service:   "loki",
			From:      resilience.StateClosed,
			To:        resilience.StateOpen,
			Severity:  SeverityCritical,
			Timestamp: time.Now().UTC(),
		}

		require.NoError(t, handler.Send(context.Background(), alert))
		assert.Equal(t, "loki", body["service"])
		assert.Equal(t, "closed", body["from"])
		assert.Equal(t, "open", body["to"])
		assert.Equal(t, "critical", body["severity"])
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		handler := NewWebhookHandler(server.URL, time.Second)
		err := handler.Send(context.Background(), Alert{Service: "loki"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	})

	t.Run("unreachable webhook is an error", func(t *testing.T) {
		handler := NewWebhookHandler("http://127.0.0.1:1/alerts", 500*time.Millisecond)
		assert.Error(t, handler.Send(context.Background(), Alert{Service: "loki"}))
	})
}

func TestLogHandler(t *testing.T) {
	handler := NewLogHandler(nil)
	assert.Equal(t, "log", handler.Name())
	assert.NoError(t, handler.Send(context.Background(), Alert{
		Service:  "redis",
		To:       resilience.StateOpen,
		Severity: SeverityCritical,
	}))
	assert.NoError(t, handler.Send(context.Background(), Alert{
		Service:  "redis",
		To:       resilience.StateClosed,
		Severity: SeverityInfo,
	}))
}

func TestMemorySuppressor(t *testing.T) {
	suppressor := NewMemorySuppressor()
	ctx := context.Background()

	assert.False(t, suppressor.ShouldSuppress(ctx, "loki", 100*time.Millisecond))
	assert.True(t, suppressor.ShouldSuppress(ctx, "loki", 100*time.Millisecond))
	assert.False(t, suppressor.ShouldSuppress(ctx, "grafana", 100*time.Millisecond), "services are tracked independently")

	time.Sleep(120 * time.Millisecond)
	assert.False(t, suppressor.ShouldSuppress(ctx, "loki", 100*time.Millisecond), "window expiry re-arms the alert")
}

func TestDispatch_SuppressesRepeatOpens(t *testing.T) {
	handler := &fakeHandler{name: "fake"}
	dispatcher := newTestDispatcher(NewMemorySuppressor(), handler)

	open := Alert{Service: "loki", From: resilience.StateClosed, To: resilience.StateOpen, Severity: SeverityCritical}
	dispatcher.Dispatch(open)
	dispatcher.Dispatch(open)

	assert.Len(t, handler.sent(), 1, "second open within the window is suppressed")

	closed := Alert{Service: "loki", From: resilience.StateHalfOpen, To: resilience.StateClosed, Severity: SeverityInfo}
	dispatcher.Dispatch(closed)
	dispatcher.Dispatch(closed)

	assert.Len(t, handler.sent(), 3, "recovery alerts are never suppressed")
}

func TestDispatch_HandlerErrorDoesNotBlockOthers(t *testing.T) {
	failing := &fakeHandler{name: "failing", err: assert.AnError}
	working := &fakeHandler{name: "working"}
	dispatcher := newTestDispatcher(nil, failing, working)

	dispatcher.Dispatch(Alert{Service: "redis", To: resilience.StateOpen, Severity: SeverityCritical})

	assert.Len(t, failing.sent(), 1)
	assert.Len(t, working.sent(), 1)
}

func TestHandleTransition_DeliversInBackground(t *testing.T) {
	handler := &fakeHandler{name: "fake"}
	dispatcher := newTestDispatcher(nil, handler)

	dispatcher.HandleTransition("influxdb", resilience.StateClosed, resilience.StateOpen)
	dispatcher.Flush()

	sent := handler.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "influxdb", sent[0].Service)
	assert.Equal(t, resilience.StateOpen, sent[0].To)
	assert.Equal(t, SeverityCritical, sent[0].Severity)
	assert.False(t, sent[0].Timestamp.IsZero())
}

func TestHandleTransition_WiredIntoRegistry(t *testing.T) {
	handler := &fakeHandler{name: "fake"}
	dispatcher := newTestDispatcher(nil, handler)

	registry := resilience.NewRegistry(resilience.RegistryConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 1,
			RecoveryTimeout:  time.Minute,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		},
		OnStateChange: dispatcher.HandleTransition,
	})

	err := registry.Execute(context.Background(), "grafana", func(ctx context.Context) error {
		return assert.AnError
	})
	require.Error(t, err)
	dispatcher.Flush()

	sent := handler.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "grafana", sent[0].Service)
	assert.Equal(t, resilience.StateClosed, sent[0].From)
	assert.Equal(t, resilience.StateOpen, sent[0].To)
}
