package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/otelguard/otelguard/pkg/logging"
)

func TestNewTracingService_Disabled(t *testing.T) {
	ts, err := NewTracingService(&Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, ts)

	ctx, span := ts.StartSpan(context.Background(), "test-span")
	span.End()

	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetSpanID(ctx))
	assert.NoError(t, ts.Shutdown(context.Background()))
}

func TestNewTracingService_UnsupportedExporter(t *testing.T) {
	_, err := NewTracingService(&Config{
		Enabled:  true,
		Exporter: "zipkin",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter")
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "otelguard", config.ServiceName)
	assert.Equal(t, "otlp", config.Exporter)
	assert.Equal(t, "localhost:4318", config.OTLPEndpoint)
	assert.Equal(t, 1.0, config.SampleRatio)
	assert.True(t, config.Enabled)
}

func TestWithTraceContext_NoActiveSpan(t *testing.T) {
	ctx := WithTraceContext(context.Background())

	assert.Nil(t, ctx.Value(logging.TraceIDKey))
	assert.Nil(t, ctx.Value(logging.SpanIDKey))
}

func TestTracingMiddleware_PassesRequestsThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)

	ts, err := NewTracingService(&Config{Enabled: false})
	require.NoError(t, err)

	router := gin.New()
	router.Use(ts.TracingMiddleware())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/boom", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
	})

	t.Run("success response", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("error response", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/boom", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestInstrumentHTTPClient(t *testing.T) {
	ts, err := NewTracingService(&Config{Enabled: false})
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := ts.InstrumentHTTPClient(nil)
	require.NotNil(t, client.Transport)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTraceableFunction(t *testing.T) {
	ts, err := NewTracingService(&Config{Enabled: false})
	require.NoError(t, err)

	t.Run("propagates success", func(t *testing.T) {
		called := false
		err := ts.TraceableFunction(context.Background(), "unit-of-work", func(ctx context.Context) error {
			called = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("propagates errors", func(t *testing.T) {
		wantErr := assert.AnError
		err := ts.TraceableFunction(context.Background(), "unit-of-work", func(ctx context.Context) error {
			return wantErr
		})
		assert.ErrorIs(t, err, wantErr)
	})
}

func TestEmitTestSpan(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	endpoint := strings.TrimPrefix(server.URL, "http://")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := EmitTestSpan(ctx, endpoint, "health-check-span",
		attribute.Bool("health.check", true),
		attribute.Float64("test.timestamp", float64(time.Now().Unix())),
	)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, requests, "expected the exporter to deliver the test span")
	assert.Contains(t, requests, "POST /v1/traces")
}

func TestEmitTestSpan_UnreachableEndpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := EmitTestSpan(ctx, "127.0.0.1:1", "health-check-span")
	assert.Error(t, err)
}
