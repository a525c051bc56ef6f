package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/otelguard/otelguard/internal/history"
)

// RunsHandler serves recorded check run history
type RunsHandler struct {
	history *history.Store
}

// NewRunsHandler creates a new runs handler
func NewRunsHandler(store *history.Store) *RunsHandler {
	return &RunsHandler{history: store}
}

// ListRuns returns the most recent check runs, newest first
func (h *RunsHandler) ListRuns(c *gin.Context) {
	if !h.history.Enabled() {
		SuccessResponse(c, gin.H{
			"enabled": false,
			"runs":    []history.Run{},
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	runs, err := h.history.ListRecent(c.Request.Context(), limit)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{
		"enabled": true,
		"runs":    runs,
		"count":   len(runs),
	})
}
