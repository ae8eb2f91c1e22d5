package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/consentledger/internal/consent/service"
	"github.com/jmerrifield20/consentledger/internal/hashchain"
	"github.com/jmerrifield20/consentledger/internal/ledger"
	"go.uber.org/zap"
)

// AuditHandler exposes read-only HTTP endpoints for the audit ledger.
type AuditHandler struct {
	svc    *service.AuditService
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(svc *service.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{svc: svc, logger: logger}
}

// Register mounts the audit routes. Event listings require a user token;
// chain verification and the root are public so regulators can audit
// without an account.
func (h *AuditHandler) Register(rg *gin.RouterGroup, requireUser gin.HandlerFunc) {
	a := rg.Group("/audit")
	{
		a.GET("/events", requireUser, h.ListEvents)
		a.GET("/events/:id", requireUser, h.GetEvent)
		a.GET("/verify-chain", h.VerifyChain)
		a.GET("/root", h.Root)
	}
}

// queryLimit parses the optional "limit" query parameter. Zero means the
// service default.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}

// ListEvents handles GET /audit/events?limit=&user_id= and returns events
// newest first. Any authenticated caller may list any actor's events; the
// ledger is an open audit trail with no role-based access control.
func (h *AuditHandler) ListEvents(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	events, err := h.svc.ListEvents(c.Request.Context(), c.Query("user_id"), limit)
	if err != nil {
		respondError(c, h.logger, "event", "failed to list audit events", err)
		return
	}
	if events == nil {
		events = []*ledger.AuditEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetEvent handles GET /audit/events/:id.
func (h *AuditHandler) GetEvent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event ID"})
		return
	}

	event, err := h.svc.GetEvent(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "event", "failed to get audit event", err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// VerifyChain handles GET /audit/verify-chain?limit=&latest=&since= and
// returns the verification report. A tampered chain is still a 200.
func (h *AuditHandler) VerifyChain(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	w := ledger.Window{Limit: limit}

	if raw := c.Query("latest"); raw != "" {
		latest, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "latest must be a boolean"})
			return
		}
		w.Latest = latest
	}
	if since := c.Query("since"); since != "" {
		t, err := hashchain.ParseTimestamp(since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an ISO-8601 timestamp"})
			return
		}
		w.Since = hashchain.FormatTimestamp(t)
	}

	report, err := h.svc.VerifyChain(c.Request.Context(), w)
	if err != nil {
		respondError(c, h.logger, "event", "failed to verify audit chain", err)
		return
	}
	recordChainVerification(string(report.Status))
	c.JSON(http.StatusOK, report)
}

// Root handles GET /audit/root and returns the event count and chain tip.
func (h *AuditHandler) Root(c *gin.Context) {
	root, err := h.svc.Root(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "event", "failed to query audit root", err)
		return
	}
	c.JSON(http.StatusOK, root)
}
