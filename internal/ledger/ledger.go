package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/consentledger/internal/consent/model"
)

// Store is the Ledger Store port. MemoryStore, PostgresStore and SQLiteStore
// implement it.
type Store interface {
	// Append seals d against the current chain tip and persists it. Reading
	// the tip and inserting the new event happen atomically with respect to
	// every other Append. The event is visible to reads before Append returns.
	Append(ctx context.Context, d Draft) (*AuditEvent, error)

	// ReadOrdered returns the events selected by w in ascending
	// (timestamp, seq) order.
	ReadOrdered(ctx context.Context, w Window) ([]*AuditEvent, error)

	// GetEvent returns a single event by id, or ErrNotFound.
	GetEvent(ctx context.Context, id uuid.UUID) (*AuditEvent, error)

	// ListEvents returns events newest first, optionally filtered by actor.
	ListEvents(ctx context.Context, f EventFilter) ([]*AuditEvent, error)

	// Tip returns hash_current of the most recently appended event, or
	// hashchain.GenesisHash when the ledger is empty.
	Tip(ctx context.Context) (string, error)

	// Len returns the number of audit events.
	Len(ctx context.Context) (int, error)

	CreateConsent(ctx context.Context, c *model.Consent) error
	GetConsent(ctx context.Context, id uuid.UUID) (*model.Consent, error)
	ListConsents(ctx context.Context, userID string) ([]*model.Consent, error)
	SetConsentStatus(ctx context.Context, id uuid.UUID, status model.Status, revokedAt *time.Time) error

	SaveReceipt(ctx context.Context, consentID uuid.UUID, r *model.Receipt) error
	GetReceipt(ctx context.Context, consentID uuid.UUID) (*model.Receipt, error)
}
