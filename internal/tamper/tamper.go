//go:build tamper

// Package tamper corrupts stored audit events so the chain verifier can be
// demonstrated against a known break. It is compiled only with the tamper
// build tag and must never ship in a production binary.
package tamper

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmerrifield20/consentledger/internal/ledger"
	"go.uber.org/zap"
)

const (
	// CorruptedHash replaces hash_current of the latest event.
	CorruptedHash = "DEADBEEF00000000000000000000000000000000000000000000000000000000"
	// BrokenLink replaces hash_prev when breaking a chain link.
	BrokenLink = "BROKEN_CHAIN_00000000000000000000000000000000000000000000000000"
)

var zeroHash = strings.Repeat("0", 64)

// Store is the ledger access the simulator needs.
type Store interface {
	ledger.Overwriter
	GetEvent(ctx context.Context, id uuid.UUID) (*ledger.AuditEvent, error)
	ListEvents(ctx context.Context, f ledger.EventFilter) ([]*ledger.AuditEvent, error)
}

// Result describes one applied corruption.
type Result struct {
	EventID  string `json:"event_id"`
	Field    string `json:"field"`
	Original any    `json:"original"`
	Tampered any    `json:"tampered"`
	Note     string `json:"note"`
}

const verifyNote = "Run chain verification to see the tampering detected"

// Simulator applies tamper operations to a Store.
type Simulator struct {
	store  Store
	logger *zap.Logger
}

// New creates a Simulator.
func New(store Store, logger *zap.Logger) *Simulator {
	return &Simulator{store: store, logger: logger}
}

// CorruptLatest overwrites hash_current of the most recent event.
func (s *Simulator) CorruptLatest(ctx context.Context) (*Result, error) {
	events, err := s.store.ListEvents(ctx, ledger.EventFilter{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("read latest event: %w", err)
	}
	if len(events) == 0 {
		return nil, ledger.ErrNotFound
	}
	return s.setHash(ctx, events[0], CorruptedHash)
}

// CorruptHash overwrites hash_current of event id with an all-zero hash.
func (s *Simulator) CorruptHash(ctx context.Context, id uuid.UUID) (*Result, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.setHash(ctx, e, zeroHash)
}

// CorruptPayload rewrites event id's payload: consent_id gains a "TAMPERED-"
// prefix, or failing that action gains "TAMPERED_". Payloads with neither
// field get a "tampered" marker.
func (s *Simulator) CorruptPayload(ctx context.Context, id uuid.UUID) (*Result, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}

	var field string
	var original any
	switch {
	case e.Payload["consent_id"] != nil:
		field, original = "consent_id", e.Payload["consent_id"]
		e.Payload[field] = fmt.Sprintf("TAMPERED-%v", original)
	case e.Payload["action"] != nil:
		field, original = "action", e.Payload["action"]
		e.Payload[field] = fmt.Sprintf("TAMPERED_%v", original)
	default:
		field = "tampered"
		e.Payload[field] = true
	}

	if err := s.store.OverwriteEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("overwrite event payload: %w", err)
	}
	s.logger.Warn("tamper: event payload rewritten",
		zap.String("event_id", e.ID.String()),
		zap.String("field", field),
	)
	return &Result{
		EventID:  e.ID.String(),
		Field:    "event_payload." + field,
		Original: original,
		Tampered: e.Payload[field],
		Note:     verifyNote,
	}, nil
}

// BreakLink overwrites hash_prev of event id, simulating a deleted or
// reordered predecessor.
func (s *Simulator) BreakLink(ctx context.Context, id uuid.UUID) (*Result, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	original := e.HashPrev
	e.HashPrev = BrokenLink
	if err := s.store.OverwriteEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("overwrite event link: %w", err)
	}
	s.logger.Warn("tamper: event link broken", zap.String("event_id", e.ID.String()))
	return &Result{
		EventID:  e.ID.String(),
		Field:    "hash_prev",
		Original: original,
		Tampered: BrokenLink,
		Note:     verifyNote,
	}, nil
}

func (s *Simulator) setHash(ctx context.Context, e *ledger.AuditEvent, hash string) (*Result, error) {
	original := e.HashCurrent
	e.HashCurrent = hash
	if err := s.store.OverwriteEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("overwrite event hash: %w", err)
	}
	s.logger.Warn("tamper: event hash overwritten", zap.String("event_id", e.ID.String()))
	return &Result{
		EventID:  e.ID.String(),
		Field:    "hash_current",
		Original: original,
		Tampered: hash,
		Note:     verifyNote,
	}, nil
}
