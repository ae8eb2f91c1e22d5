//go:build tamper

package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/consentledger/internal/ledger"
	"github.com/jmerrifield20/consentledger/internal/tamper"
	"go.uber.org/zap"
)

// TamperEnabled reports whether this binary carries the debug tamper routes.
const TamperEnabled = true

// tamperHandler serves the debug tamper simulators.
type tamperHandler struct {
	sim    *tamper.Simulator
	logger *zap.Logger
}

// RegisterDebug mounts the tamper simulators under /debug/tamper. It
// returns false when store cannot overwrite events.
func RegisterDebug(rg *gin.RouterGroup, store ledger.Store, requireUser gin.HandlerFunc, logger *zap.Logger) bool {
	ts, ok := store.(tamper.Store)
	if !ok {
		return false
	}
	h := &tamperHandler{sim: tamper.New(ts, logger), logger: logger}

	d := rg.Group("/debug/tamper", requireUser)
	{
		d.POST("", h.corruptLatest)
		d.POST("/hash/:id", h.byID(h.sim.CorruptHash))
		d.POST("/data/:id", h.byID(h.sim.CorruptPayload))
		d.POST("/chain/:id", h.byID(h.sim.BreakLink))
	}
	logger.Warn("debug tamper routes enabled; never expose this build in production")
	return true
}

func (h *tamperHandler) corruptLatest(c *gin.Context) {
	res, err := h.sim.CorruptLatest(c.Request.Context())
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no events to tamper with"})
		return
	}
	if err != nil {
		respondError(c, h.logger, "event", "tamper failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "tampered",
		"message": "The ledger has been corrupted. Run verification to detect.",
		"result":  res,
	})
}

func (h *tamperHandler) byID(op func(ctx context.Context, id uuid.UUID) (*tamper.Result, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event ID"})
			return
		}
		res, err := op(c.Request.Context(), id)
		if err != nil {
			respondError(c, h.logger, "event", "tamper failed", err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
