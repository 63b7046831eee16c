package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stakehold/internal/logging"
	"github.com/mbd888/stakehold/internal/session"
)

// Handler provides HTTP endpoints for escrow sessions.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new session handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up operator routes. The group is expected to be
// behind operator authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:id", h.GetSession)
	r.POST("/sessions/:id/poll", h.PollDeposits)
	r.POST("/sessions/:id/winner", h.DeclareWinner)
	r.POST("/sessions/:id/cancel", h.CancelSession)
	r.POST("/sessions/:id/settle", h.SettleSession)
	r.GET("/ledger/:session", h.LedgerEntries)
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	s, err := h.engine.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": s})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

// ListSessions handles GET /v1/sessions?state=&limit=
func (h *Handler) ListSessions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	state := session.State(c.Query("state"))
	switch state {
	case "", session.StateWaitingDeposits, session.StateActive, session.StateSettled, session.StateExpired:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unknown state filter",
		})
		return
	}

	sessions, err := h.engine.List(c.Request.Context(), state, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// PollDeposits handles POST /v1/sessions/:id/poll
func (h *Handler) PollDeposits(c *gin.Context) {
	s, err := h.engine.PollDeposits(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

type winnerRequest struct {
	Winner string `json:"winner" binding:"required"`
}

// DeclareWinner handles POST /v1/sessions/:id/winner
func (h *Handler) DeclareWinner(c *gin.Context) {
	var req winnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "winner is required",
		})
		return
	}

	res, err := h.engine.DeclareWinner(c.Request.Context(), c.Param("id"), req.Winner)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelSession handles POST /v1/sessions/:id/cancel
func (h *Handler) CancelSession(c *gin.Context) {
	var req cancelRequest
	// The body is optional.
	_ = c.ShouldBindJSON(&req)

	res, err := h.engine.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SettleSession handles POST /v1/sessions/:id/settle
func (h *Handler) SettleSession(c *gin.Context) {
	res, err := h.engine.Settle(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// LedgerEntries handles GET /v1/ledger/:session
func (h *Handler) LedgerEntries(c *gin.Context) {
	entries, err := h.engine.LedgerEntries(c.Request.Context(), c.Param("session"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// StatusCode maps an engine error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidParticipant),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrUnsupportedChain):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFunded),
		errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrClaimedOnChain),
		errors.Is(err, ErrClaimedElsewhere):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrBroadcastFailed),
		errors.Is(err, ErrAdapterUnavailable),
		errors.Is(err, ErrPayoutInFlight):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	code := StatusCode(err)
	msg := publicError(err)
	if code == http.StatusInternalServerError && !errors.Is(err, ErrDecryptionFailed) {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.JSON(code, gin.H{
		"error":   Outcome(err),
		"message": msg,
	})
}
