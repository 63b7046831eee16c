package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes reconciliation over HTTP.
type Handler struct {
	service *Service
	timer   *Timer
}

// NewHandler creates a reconciliation handler. timer may be nil.
func NewHandler(service *Service, timer *Timer) *Handler {
	return &Handler{service: service, timer: timer}
}

// RegisterRoutes sets up reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.LastReport)
	r.POST("/reconciliation", h.Trigger)
}

// Trigger handles POST /v1/reconciliation and runs a check now.
func (h *Handler) Trigger(c *gin.Context) {
	report, err := h.service.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// LastReport handles GET /v1/reconciliation.
func (h *Handler) LastReport(c *gin.Context) {
	var report *Report
	if h.timer != nil {
		report = h.timer.Last()
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
