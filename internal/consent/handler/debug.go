//go:build !tamper

package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/consentledger/internal/ledger"
	"go.uber.org/zap"
)

// TamperEnabled reports whether this binary carries the debug tamper routes.
const TamperEnabled = false

// RegisterDebug is a no-op outside tamper builds.
func RegisterDebug(_ *gin.RouterGroup, _ ledger.Store, _ gin.HandlerFunc, _ *zap.Logger) bool {
	return false
}
