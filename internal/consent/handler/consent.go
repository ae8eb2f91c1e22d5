package handler

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/consentledger/internal/consent/model"
	"github.com/jmerrifield20/consentledger/internal/consent/service"
	"github.com/jmerrifield20/consentledger/internal/identity"
	"go.uber.org/zap"
)

// PurposeLink is one requested purpose in a grant request.
type PurposeLink struct {
	PurposeCode    string   `json:"purpose_code"`
	DataCategories []string `json:"data_categories"`
}

// GrantRequest is the body of POST /consent/grant.
type GrantRequest struct {
	AppID       string        `json:"app_id"`
	AppName     string        `json:"app_name,omitempty"`
	Purposes    []PurposeLink `json:"purposes"`
	ExpiryHours int           `json:"expiry_hours,omitempty"`
}

// GrantResponse is returned by POST /consent/grant. Posting it back to
// /consent/verify as {"receipt": ...} verifies the receipt.
type GrantResponse struct {
	ConsentID      string        `json:"consent_id"`
	EventID        string        `json:"event_id"`
	ReceiptPayload model.Payload `json:"receipt_payload"`
	Signature      string        `json:"signature"`
	Timestamp      time.Time     `json:"timestamp"`
}

// RevokeRequest is the body of POST /consent/revoke.
type RevokeRequest struct {
	ConsentID string `json:"consent_id"`
	Reason    string `json:"reason,omitempty"`
}

// ConsentView is a consent as observed at request time.
type ConsentView struct {
	ConsentID    string       `json:"consent_id"`
	UserID       string       `json:"user_id"`
	AppID        string       `json:"app_id"`
	Status       model.Status `json:"status"`
	StoredStatus model.Status `json:"stored_status"`
	ExpiryTime   time.Time    `json:"expiry_time"`
	RevokedAt    *time.Time   `json:"revoked_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ConsentHandler handles the consent lifecycle and receipt verification routes.
type ConsentHandler struct {
	svc      *service.ConsentService
	pipeline *service.Pipeline
	logger   *zap.Logger
}

// NewConsentHandler creates a new ConsentHandler.
func NewConsentHandler(svc *service.ConsentService, pipeline *service.Pipeline, logger *zap.Logger) *ConsentHandler {
	return &ConsentHandler{svc: svc, pipeline: pipeline, logger: logger}
}

// Register mounts the consent routes. requireUser guards every route except
// receipt verification, which relying parties call without a user token.
func (h *ConsentHandler) Register(rg *gin.RouterGroup, requireUser gin.HandlerFunc) {
	c := rg.Group("/consent")
	{
		c.POST("/grant", requireUser, h.Grant)
		c.POST("/verify", h.Verify)
		c.POST("/revoke", requireUser, h.Revoke)
		c.GET("/:id", requireUser, h.Get)
		c.GET("/:id/receipt", requireUser, h.GetReceipt)
		c.POST("/:id/expire", requireUser, h.Expire)
	}
	rg.GET("/consents", requireUser, h.List)
}

// userID returns the authenticated user's id, writing 401 when absent.
func userID(c *gin.Context) (string, bool) {
	p := identity.PrincipalFromCtx(c)
	if p == nil || p.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return "", false
	}
	return p.UserID, true
}

func parseConsentID(c *gin.Context, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid consent ID"})
		return uuid.Nil, false
	}
	return id, true
}

// Grant handles POST /consent/grant and returns the signed receipt.
func (h *ConsentHandler) Grant(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	purposes := make([]model.Purpose, 0, len(req.Purposes))
	for _, p := range req.Purposes {
		purposes = append(purposes, model.Purpose{Code: p.PurposeCode, Categories: p.DataCategories})
	}

	res, err := h.svc.Grant(c.Request.Context(), uid, &service.GrantRequest{
		AppID:       req.AppID,
		AppName:     req.AppName,
		Purposes:    purposes,
		ExpiryHours: req.ExpiryHours,
	})
	if err != nil {
		respondError(c, h.logger, "consent", "failed to grant consent", err)
		return
	}
	recordTransition(string(model.StatusActive))

	c.JSON(http.StatusCreated, GrantResponse{
		ConsentID:      res.Consent.ID.String(),
		EventID:        res.Event.ID.String(),
		ReceiptPayload: res.Receipt.Payload,
		Signature:      base64.StdEncoding.EncodeToString(res.Receipt.Signature),
		Timestamp:      res.Receipt.CreatedAt,
	})
}

// Verify handles POST /consent/verify. Every verification outcome, valid or
// not, is a 200 response carrying the result.
func (h *ConsentHandler) Verify(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	presented, err := service.DecodePresented(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be a JSON object"})
		return
	}

	result, err := h.pipeline.Verify(c.Request.Context(), presented)
	if err != nil {
		respondError(c, h.logger, "consent", "failed to verify receipt", err)
		return
	}
	recordReceiptVerification(string(result.Status))
	c.JSON(http.StatusOK, result)
}

// Revoke handles POST /consent/revoke.
func (h *ConsentHandler) Revoke(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, ok := parseConsentID(c, req.ConsentID)
	if !ok {
		return
	}

	consent, event, err := h.svc.Revoke(c.Request.Context(), uid, id, req.Reason)
	if err != nil {
		respondError(c, h.logger, "consent", "failed to revoke consent", err)
		return
	}
	recordTransition(string(model.StatusRevoked))

	c.JSON(http.StatusOK, gin.H{
		"status":     consent.Status,
		"consent_id": consent.ID.String(),
		"revoked_at": consent.RevokedAt,
		"event_id":   event.ID.String(),
	})
}

// Expire handles POST /consent/:id/expire, recording that a consent past
// its expiry time has expired.
func (h *ConsentHandler) Expire(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, ok := parseConsentID(c, c.Param("id"))
	if !ok {
		return
	}

	consent, event, err := h.svc.Expire(c.Request.Context(), uid, id)
	if err != nil {
		respondError(c, h.logger, "consent", "failed to expire consent", err)
		return
	}
	recordTransition(string(model.StatusExpired))

	c.JSON(http.StatusOK, gin.H{
		"status":     consent.Status,
		"consent_id": consent.ID.String(),
		"event_id":   event.ID.String(),
	})
}

// Get handles GET /consent/:id.
func (h *ConsentHandler) Get(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, ok := parseConsentID(c, c.Param("id"))
	if !ok {
		return
	}

	consent, err := h.svc.Get(c.Request.Context(), uid, id)
	if err != nil {
		respondError(c, h.logger, "consent", "failed to get consent", err)
		return
	}
	c.JSON(http.StatusOK, h.view(consent))
}

// GetReceipt handles GET /consent/:id/receipt.
func (h *ConsentHandler) GetReceipt(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	id, ok := parseConsentID(c, c.Param("id"))
	if !ok {
		return
	}

	receipt, err := h.svc.GetReceipt(c.Request.Context(), uid, id)
	if err != nil {
		respondError(c, h.logger, "receipt", "failed to get receipt", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"consent_id": id.String(),
		"payload":    receipt.Payload,
		"signature":  base64.StdEncoding.EncodeToString(receipt.Signature),
		"created_at": receipt.CreatedAt,
	})
}

// List handles GET /consents, returning the caller's consents.
func (h *ConsentHandler) List(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	consents, err := h.svc.List(c.Request.Context(), uid)
	if err != nil {
		respondError(c, h.logger, "consent", "failed to list consents", err)
		return
	}

	views := make([]ConsentView, 0, len(consents))
	for _, consent := range consents {
		views = append(views, h.view(consent))
	}
	c.JSON(http.StatusOK, gin.H{"consents": views, "count": len(views)})
}

func (h *ConsentHandler) view(c *model.Consent) ConsentView {
	return ConsentView{
		ConsentID:    c.ID.String(),
		UserID:       c.UserID,
		AppID:        c.AppID,
		Status:       c.EffectiveStatus(h.svc.Now()),
		StoredStatus: c.Status,
		ExpiryTime:   c.ExpiryTime,
		RevokedAt:    c.RevokedAt,
		CreatedAt:    c.CreatedAt,
	}
}
