package api

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/otelguard/otelguard/pkg/resilience"
)

// ResilienceHandler exposes circuit breaker introspection and reset endpoints
type ResilienceHandler struct {
	registry *resilience.Registry
}

// NewResilienceHandler creates a new resilience handler
func NewResilienceHandler(registry *resilience.Registry) *ResilienceHandler {
	return &ResilienceHandler{registry: registry}
}

// ListCircuits returns a snapshot of every registered circuit breaker
func (h *ResilienceHandler) ListCircuits(c *gin.Context) {
	statuses := h.registry.GetAllStatuses()

	open := 0
	for _, status := range statuses {
		if status.State == resilience.StateOpen {
			open++
		}
	}

	SuccessResponse(c, gin.H{
		"circuits": statuses,
		"count":    len(statuses),
		"open":     open,
	})
}

// GetCircuit returns the snapshot of a single circuit breaker
func (h *ResilienceHandler) GetCircuit(c *gin.Context) {
	name := c.Param("name")

	status, ok := h.registry.GetStatus(name)
	if !ok {
		NotFoundResponse(c, fmt.Sprintf("no circuit breaker registered for %q", name))
		return
	}

	SuccessResponse(c, status)
}

// ResetCircuit forces a circuit breaker back to the closed state
func (h *ResilienceHandler) ResetCircuit(c *gin.Context) {
	name := c.Param("name")

	if !h.registry.Reset(name) {
		NotFoundResponse(c, fmt.Sprintf("no circuit breaker registered for %q", name))
		return
	}

	status, _ := h.registry.GetStatus(name)
	SuccessResponse(c, status)
}
