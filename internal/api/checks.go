package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/otelguard/otelguard/internal/backends"
	"github.com/otelguard/otelguard/internal/collector"
	"github.com/otelguard/otelguard/internal/history"
	"github.com/otelguard/otelguard/internal/storage"
	"github.com/otelguard/otelguard/pkg/logging"
)

// CheckHandler handles on-demand health check endpoints
type CheckHandler struct {
	backends  *backends.Checker
	collector *collector.Checker
	storage   *storage.Checker
	history   *history.Store
	logger    *logging.Logger
}

// NewCheckHandler creates a new check handler
func NewCheckHandler(b *backends.Checker, col *collector.Checker, st *storage.Checker, hist *history.Store, logger *logging.Logger) *CheckHandler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &CheckHandler{
		backends:  b,
		collector: col,
		storage:   st,
		history:   hist,
		logger:    logger,
	}
}

// RunBackendChecks probes the configured observability backends. A single
// backend can be selected with the target query parameter.
func (h *CheckHandler) RunBackendChecks(c *gin.Context) {
	ctx := c.Request.Context()

	if target := c.Query("target"); target != "" {
		result, err := h.backends.Check(ctx, target)
		if err != nil {
			ErrorResponseFromError(c, err)
			return
		}
		h.recordRuns(ctx, []*history.Run{history.FromBackendResult(result)})
		SuccessResponse(c, gin.H{
			"results":         map[string]backends.ProbeResult{target: result},
			"recommendations": backends.Recommendations(map[string]backends.ProbeResult{target: result}),
		})
		return
	}

	results := h.backends.CheckAll(ctx)

	runs := make([]*history.Run, 0, len(results))
	for _, result := range results {
		runs = append(runs, history.FromBackendResult(result))
	}
	h.recordRuns(ctx, runs)

	SuccessResponse(c, gin.H{
		"results":         results,
		"recommendations": backends.Recommendations(results),
	})
}

// RunCollectorChecks runs the full collector diagnostic sequence
func (h *CheckHandler) RunCollectorChecks(c *gin.Context) {
	ctx := c.Request.Context()

	report := h.collector.RunFull(ctx)
	h.recordRuns(ctx, history.FromCollectorReport(report))

	SuccessResponse(c, report)
}

// RunStorageChecks probes the storage dependencies
func (h *CheckHandler) RunStorageChecks(c *gin.Context) {
	ctx := c.Request.Context()

	results := h.storage.CheckAll(ctx)

	runs := make([]*history.Run, 0, len(results))
	for _, result := range results {
		runs = append(runs, history.FromStorageResult(result))
	}
	h.recordRuns(ctx, runs)

	SuccessResponse(c, gin.H{"results": results})
}

func (h *CheckHandler) recordRuns(ctx context.Context, runs []*history.Run) {
	if !h.history.Enabled() {
		return
	}
	if err := h.history.RecordAll(ctx, runs); err != nil {
		h.logger.Warn("Failed to record check history", "error", err.Error())
	}
}
