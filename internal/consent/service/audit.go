package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmerrifield20/consentledger/internal/chainverify"
	"github.com/jmerrifield20/consentledger/internal/ledger"
	"go.uber.org/zap"
)

const (
	// DefaultEventLimit caps audit event listings when no limit is given.
	DefaultEventLimit = 50
	// DefaultVerifyLimit caps chain verification windows when no limit is given.
	DefaultVerifyLimit = 100
	// MaxWindow is the largest window either operation will read.
	MaxWindow = 10000
)

// auditStore is the read side of the ledger used by AuditService.
// Every ledger.Store satisfies it.
type auditStore interface {
	ReadOrdered(ctx context.Context, w ledger.Window) ([]*ledger.AuditEvent, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*ledger.AuditEvent, error)
	ListEvents(ctx context.Context, f ledger.EventFilter) ([]*ledger.AuditEvent, error)
	Tip(ctx context.Context) (string, error)
	Len(ctx context.Context) (int, error)
}

// Root summarises the chain head.
type Root struct {
	Events int    `json:"events"`
	Root   string `json:"root"`
}

// AuditService answers audit queries and runs chain verification.
type AuditService struct {
	store  auditStore
	logger *zap.Logger
}

// NewAuditService creates an AuditService.
func NewAuditService(store auditStore, logger *zap.Logger) *AuditService {
	return &AuditService{store: store, logger: logger}
}

// ListEvents returns events newest first. A zero limit selects
// DefaultEventLimit.
func (s *AuditService) ListEvents(ctx context.Context, actorID string, limit int) ([]*ledger.AuditEvent, error) {
	return s.store.ListEvents(ctx, ledger.EventFilter{ActorID: actorID, Limit: clampLimit(limit, DefaultEventLimit)})
}

// GetEvent returns one event by id.
func (s *AuditService) GetEvent(ctx context.Context, id uuid.UUID) (*ledger.AuditEvent, error) {
	return s.store.GetEvent(ctx, id)
}

// Root returns the event count and the current chain tip.
func (s *AuditService) Root(ctx context.Context) (*Root, error) {
	n, err := s.store.Len(ctx)
	if err != nil {
		return nil, err
	}
	tip, err := s.store.Tip(ctx)
	if err != nil {
		return nil, err
	}
	return &Root{Events: n, Root: tip}, nil
}

// VerifyChain reads the selected window and verifies it. A zero limit
// selects DefaultVerifyLimit. When the window is known to start at the first
// event ever appended, the genesis link is checked too.
func (s *AuditService) VerifyChain(ctx context.Context, w ledger.Window) (*chainverify.Report, error) {
	w.Limit = clampLimit(w.Limit, DefaultVerifyLimit)

	events, err := s.store.ReadOrdered(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("read audit window: %w", err)
	}

	fromGenesis := w.Since == "" && !w.Latest
	if w.Since == "" && w.Latest {
		n, err := s.store.Len(ctx)
		if err != nil {
			return nil, err
		}
		fromGenesis = n <= w.Limit
	}

	var report *chainverify.Report
	if fromGenesis {
		report = chainverify.VerifyFromGenesis(events)
	} else {
		report = chainverify.Verify(events)
	}

	if report.Status == chainverify.StatusTampered || report.Status == chainverify.StatusSuspicious {
		s.logger.Warn("audit chain verification found violations",
			zap.String("status", string(report.Status)),
			zap.Int("critical", report.CriticalViolations),
			zap.Int("warnings", report.Warnings),
			zap.Int("events", report.TotalEvents),
		)
	}
	return report, nil
}

func clampLimit(limit, def int) int {
	switch {
	case limit <= 0:
		return def
	case limit > MaxWindow:
		return MaxWindow
	default:
		return limit
	}
}
