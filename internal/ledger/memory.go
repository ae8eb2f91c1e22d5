package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/consentledger/internal/consent/model"
	"github.com/jmerrifield20/consentledger/internal/hashchain"
)

// storedEvent keeps the payload as encoded JSON so callers never share maps
// with the store.
type storedEvent struct {
	AuditEvent
	raw []byte
}

func (s *storedEvent) event() (*AuditEvent, error) {
	p, err := decodePayload(s.raw)
	if err != nil {
		return nil, err
	}
	e := s.AuditEvent
	e.Payload = p
	return &e, nil
}

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []*storedEvent
	byID     map[uuid.UUID]*storedEvent
	consents map[uuid.UUID]*model.Consent
	receipts map[uuid.UUID]*model.Receipt
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore. Its tip is GenesisHash.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[uuid.UUID]*storedEvent),
		consents: make(map[uuid.UUID]*model.Consent),
		receipts: make(map[uuid.UUID]*model.Receipt),
		now:      time.Now,
	}
}

// SetClock replaces the time source used to stamp appended events.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, d Draft) (*AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, prevTS := hashchain.GenesisHash, ""
	var seq int64 = 1
	if n := len(m.events); n > 0 {
		prev = m.events[n-1].HashCurrent
		prevTS = m.events[n-1].Timestamp
		seq = m.events[n-1].Seq + 1
	}

	e, err := Seal(d, prev, prevTS, seq, m.now())
	if err != nil {
		return nil, err
	}
	raw, err := encodePayload(e.Payload)
	if err != nil {
		return nil, err
	}

	se := &storedEvent{AuditEvent: *e, raw: raw}
	se.Payload = nil
	m.events = append(m.events, se)
	m.byID[e.ID] = se
	return e, nil
}

// ReadOrdered implements Store.
func (m *MemoryStore) ReadOrdered(ctx context.Context, w Window) ([]*AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	all := make([]*storedEvent, len(m.events))
	copy(all, m.events)
	m.mu.RUnlock()

	out := make([]*AuditEvent, 0, len(all))
	for _, se := range all {
		e, err := se.event()
		if err != nil {
			return nil, fmt.Errorf("read event %s: %w", se.ID, err)
		}
		out = append(out, e)
	}
	sortAscending(out)
	return applyWindow(out, w), nil
}

// GetEvent implements Store.
func (m *MemoryStore) GetEvent(_ context.Context, id uuid.UUID) (*AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	se, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return se.event()
}

// ListEvents implements Store.
func (m *MemoryStore) ListEvents(ctx context.Context, f EventFilter) ([]*AuditEvent, error) {
	events, err := m.ReadOrdered(ctx, Window{})
	if err != nil {
		return nil, err
	}
	out := make([]*AuditEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		if f.ActorID != "" && events[i].ActorID != f.ActorID {
			continue
		}
		out = append(out, events[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Tip implements Store.
func (m *MemoryStore) Tip(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return hashchain.GenesisHash, nil
	}
	return m.events[len(m.events)-1].HashCurrent, nil
}

// Len implements Store.
func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events), nil
}

// CreateConsent implements Store.
func (m *MemoryStore) CreateConsent(_ context.Context, c *model.Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.consents[c.ID]; exists {
		return fmt.Errorf("consent %s: %w", c.ID, ErrConflict)
	}
	m.consents[c.ID] = copyConsent(c)
	return nil
}

// GetConsent implements Store.
func (m *MemoryStore) GetConsent(_ context.Context, id uuid.UUID) (*model.Consent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConsent(c), nil
}

// ListConsents implements Store. Results are newest first.
func (m *MemoryStore) ListConsents(_ context.Context, userID string) ([]*model.Consent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Consent
	for _, c := range m.consents {
		if userID != "" && c.UserID != userID {
			continue
		}
		out = append(out, copyConsent(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SetConsentStatus implements Store.
func (m *MemoryStore) SetConsentStatus(_ context.Context, id uuid.UUID, status model.Status, revokedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consents[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	if revokedAt != nil {
		t := *revokedAt
		c.RevokedAt = &t
	}
	return nil
}

// SaveReceipt implements Store.
func (m *MemoryStore) SaveReceipt(_ context.Context, consentID uuid.UUID, r *model.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.receipts[consentID]; exists {
		return fmt.Errorf("receipt for consent %s: %w", consentID, ErrConflict)
	}
	m.receipts[consentID] = copyReceipt(r)
	return nil
}

// GetReceipt implements Store.
func (m *MemoryStore) GetReceipt(_ context.Context, consentID uuid.UUID) (*model.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[consentID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReceipt(r), nil
}

func copyConsent(c *model.Consent) *model.Consent {
	cp := *c
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}

func copyReceipt(r *model.Receipt) *model.Receipt {
	cp := *r
	cp.Signature = append([]byte(nil), r.Signature...)
	cp.Payload.Purposes = make([]model.Purpose, len(r.Payload.Purposes))
	for i, p := range r.Payload.Purposes {
		cp.Payload.Purposes[i] = model.Purpose{Code: p.Code, Categories: append([]string{}, p.Categories...)}
	}
	return &cp
}
