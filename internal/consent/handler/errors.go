// Package handler exposes the consent ledger over HTTP using Gin.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/consentledger/internal/consent/model"
	"github.com/jmerrifield20/consentledger/internal/consent/service"
	"github.com/jmerrifield20/consentledger/internal/ledger"
	"go.uber.org/zap"
)

// respondError maps a service error onto an HTTP status. Unknown errors are
// logged and reported as 500 with msg.
func respondError(c *gin.Context, logger *zap.Logger, resource, msg string, err error) {
	var valErr *model.ValidationError
	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Error(), "field": valErr.Field})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": resource + " not found"})
	case errors.Is(err, service.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrNotYetExpired):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
