package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/consentledger/internal/signature"
	"go.uber.org/zap"
)

// KeysHandler publishes the receipt verification key so relying parties can
// check receipts offline.
type KeysHandler struct {
	verifier *signature.Verifier
	logger   *zap.Logger
}

// NewKeysHandler creates a new KeysHandler.
func NewKeysHandler(verifier *signature.Verifier, logger *zap.Logger) *KeysHandler {
	return &KeysHandler{verifier: verifier, logger: logger}
}

// Register mounts GET /keys/public.pem on rg and the JWKS document on the
// engine's /.well-known path.
func (h *KeysHandler) Register(router *gin.Engine, rg *gin.RouterGroup) {
	rg.GET("/keys/public.pem", h.PublicKeyPEM)
	router.GET("/.well-known/jwks.json", h.JWKS)
}

// PublicKeyPEM handles GET /keys/public.pem.
func (h *KeysHandler) PublicKeyPEM(c *gin.Context) {
	pemStr, err := h.verifier.PublicKeyPEM()
	if err != nil {
		h.logger.Error("encode public key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode public key"})
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", []byte(pemStr))
}

// JWKS handles GET /.well-known/jwks.json.
func (h *KeysHandler) JWKS(c *gin.Context) {
	kid, err := h.verifier.KeyID()
	if err != nil {
		h.logger.Error("derive key id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode public key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": []signature.JWK{h.verifier.JWK(kid)}})
}
