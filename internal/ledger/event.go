package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/consentledger/internal/canonical"
	"github.com/jmerrifield20/consentledger/internal/hashchain"
)

var (
	// ErrNotFound is returned when an event, consent or receipt does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a consent or receipt id is already taken.
	ErrConflict = errors.New("already exists")
)

// EventType classifies an audit event.
type EventType string

const (
	EventConsentGranted EventType = "CONSENT_GRANTED"
	EventConsentRevoked EventType = "CONSENT_REVOKED"
	EventConsentExpired EventType = "CONSENT_EXPIRED"
)

// ActorType classifies who caused an event.
type ActorType string

const (
	ActorUser   ActorType = "USER"
	ActorSystem ActorType = "SYSTEM"
)

// AuditEvent is a single append-only row in the hash chain.
type AuditEvent struct {
	ID          uuid.UUID      `json:"event_id"`
	Seq         int64          `json:"seq"`
	Type        EventType      `json:"event_type"`
	ActorID     string         `json:"actor_id"`
	ActorType   ActorType      `json:"actor_type"`
	Payload     map[string]any `json:"event_payload"`
	Timestamp   string         `json:"timestamp"`
	HashPrev    string         `json:"hash_prev"`
	HashCurrent string         `json:"hash_current"`
}

// LinkTimestamp is the timestamp this event's link hash is computed over.
func (e *AuditEvent) LinkTimestamp() string {
	return hashchain.ResolveTimestamp(e.Payload, e.Timestamp)
}

// Draft is an event that has not yet been linked into the chain.
type Draft struct {
	Type      EventType
	ActorID   string
	ActorType ActorType
	Payload   any
	// Timestamp is the storage-level ISO-8601 timestamp. Empty means the
	// store's clock at append time. Either way the store moves it past the
	// chain tail when it would not sort after it.
	Timestamp string
}

// Window selects a contiguous slice of the ledger in timestamp order.
type Window struct {
	// Limit caps the number of events; zero means no cap.
	Limit int
	// Latest selects the newest Limit events instead of the oldest. Results
	// are still returned in ascending order.
	Latest bool
	// Since is an inclusive lower bound on the event timestamp.
	Since string
}

// EventFilter selects events for newest-first listings.
type EventFilter struct {
	ActorID string
	Limit   int
}

// Seal links d to prevHash, assigning it the given sequence number.
// prevTimestamp is the stored timestamp of the chain tail, empty at genesis;
// the new event is always stamped strictly after it. Stores call Seal while
// holding their tail lock.
func Seal(d Draft, prevHash, prevTimestamp string, seq int64, now time.Time) (*AuditEvent, error) {
	if d.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	payload, err := canonical.NormalizeMap(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("normalize event payload: %w", err)
	}
	if err := hashchain.CheckPayloadTimestamp(payload); err != nil {
		return nil, err
	}

	ts := d.Timestamp
	if ts == "" {
		ts = hashchain.FormatTimestamp(now)
	}
	ts = stampAfter(ts, prevTimestamp)
	actorType := d.ActorType
	if actorType == "" {
		actorType = ActorUser
	}

	e := &AuditEvent{
		ID:        uuid.New(),
		Seq:       seq,
		Type:      d.Type,
		ActorID:   d.ActorID,
		ActorType: actorType,
		Payload:   payload,
		Timestamp: ts,
		HashPrev:  prevHash,
	}
	e.HashCurrent, err = hashchain.LinkHash(prevHash, payload, e.LinkTimestamp())
	if err != nil {
		return nil, err
	}
	return e, nil
}

// stampAfter returns ts, or the microsecond after tail when ts would not sort
// after it. Stored timestamps then order the ledger exactly as seq does.
func stampAfter(ts, tail string) string {
	if tail == "" || ts > tail {
		return ts
	}
	t, err := hashchain.ParseTimestamp(tail)
	if err != nil {
		return ts
	}
	return hashchain.FormatTimestamp(t.Add(time.Microsecond))
}

// encodePayload renders a payload for storage. json.Number values keep their
// original spelling, so the decoded payload hashes identically.
func encodePayload(p map[string]any) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return raw, nil
}

func decodePayload(raw []byte) (map[string]any, error) {
	v, err := canonical.Decode(raw)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("stored event payload is %T, want object", v)
	}
	return m, nil
}

// sortAscending orders events by (timestamp, seq).
func sortAscending(events []*AuditEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].Seq < events[j].Seq
	})
}

// applyWindow filters and trims events that are already sorted ascending.
func applyWindow(events []*AuditEvent, w Window) []*AuditEvent {
	if w.Since != "" {
		i := sort.Search(len(events), func(i int) bool { return events[i].Timestamp >= w.Since })
		events = events[i:]
	}
	if w.Limit > 0 && len(events) > w.Limit {
		if w.Latest {
			events = events[len(events)-w.Limit:]
		} else {
			events = events[:w.Limit]
		}
	}
	return events
}
