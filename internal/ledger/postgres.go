package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/consentledger/internal/consent/model"
	"github.com/jmerrifield20/consentledger/internal/hashchain"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Append calls. The value is arbitrary but must be consistent
// across all consentd instances sharing a database.
const advisoryLockKey = int64(2_024_110_501)

const eventColumns = `event_id, seq, event_type, actor_id, actor_type, event_payload, timestamp, hash_prev, hash_current`

// PostgresStore persists the audit chain, consents and receipts to
// PostgreSQL. It implements the Store interface.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger, now: time.Now}
}

// Append implements Store.
// It acquires a PostgreSQL advisory lock, reads the chain tail, seals the
// new event and inserts it, all within one transaction.
func (s *PostgresStore) Append(ctx context.Context, d Draft) (*AuditEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Released automatically when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	prevHash := hashchain.GenesisHash
	var (
		prevSeq int64
		prevTS  string
	)
	err = tx.QueryRow(ctx,
		"SELECT seq, hash_current, timestamp FROM audit_events ORDER BY seq DESC LIMIT 1",
	).Scan(&prevSeq, &prevHash, &prevTS)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	e, err := Seal(d, prevHash, prevTS, prevSeq+1, s.now())
	if err != nil {
		return nil, err
	}
	raw, err := encodePayload(e.Payload)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Seq, string(e.Type), e.ActorID, string(e.ActorType),
		string(raw), e.Timestamp, e.HashPrev, e.HashCurrent,
	); err != nil {
		return nil, fmt.Errorf("insert audit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("audit event appended",
		zap.Int64("seq", e.Seq),
		zap.String("event_type", string(e.Type)),
		zap.String("actor_id", e.ActorID),
	)
	return e, nil
}

// ReadOrdered implements Store.
func (s *PostgresStore) ReadOrdered(ctx context.Context, w Window) ([]*AuditEvent, error) {
	var (
		conds []string
		args  []any
	)
	if w.Since != "" {
		args = append(args, w.Since)
		conds = append(conds, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var query string
	switch {
	case w.Limit > 0 && w.Latest:
		args = append(args, w.Limit)
		query = fmt.Sprintf(`SELECT * FROM (
			SELECT %s FROM audit_events%s ORDER BY timestamp DESC, seq DESC LIMIT $%d
		) tail ORDER BY timestamp ASC, seq ASC`, eventColumns, where, len(args))
	case w.Limit > 0:
		args = append(args, w.Limit)
		query = fmt.Sprintf(`SELECT %s FROM audit_events%s ORDER BY timestamp ASC, seq ASC LIMIT $%d`,
			eventColumns, where, len(args))
	default:
		query = fmt.Sprintf(`SELECT %s FROM audit_events%s ORDER BY timestamp ASC, seq ASC`, eventColumns, where)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// GetEvent implements Store.
func (s *PostgresStore) GetEvent(ctx context.Context, id uuid.UUID) (*AuditEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE event_id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event %s: %w", id, err)
	}
	return e, nil
}

// ListEvents implements Store.
func (s *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]*AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events
	          WHERE ($1 = '' OR actor_id = $1)
	          ORDER BY timestamp DESC, seq DESC`
	args := []any{f.ActorID}
	if f.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, f.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// Tip implements Store.
func (s *PostgresStore) Tip(ctx context.Context) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		"SELECT hash_current FROM audit_events ORDER BY seq DESC LIMIT 1",
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return hashchain.GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("get ledger tip: %w", err)
	}
	return hash, nil
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// CreateConsent implements Store.
func (s *PostgresStore) CreateConsent(ctx context.Context, c *model.Consent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO consents (consent_id, user_id, app_id, status, expiry_time, revoked_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.UserID, c.AppID, string(c.Status), c.ExpiryTime, c.RevokedAt, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("consent %s: %w", c.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert consent: %w", err)
	}
	return nil
}

// GetConsent implements Store.
func (s *PostgresStore) GetConsent(ctx context.Context, id uuid.UUID) (*model.Consent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT consent_id, user_id, app_id, status, expiry_time, revoked_at, created_at
		 FROM consents WHERE consent_id = $1`, id)
	c, err := scanConsent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get consent %s: %w", id, err)
	}
	return c, nil
}

// ListConsents implements Store.
func (s *PostgresStore) ListConsents(ctx context.Context, userID string) ([]*model.Consent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT consent_id, user_id, app_id, status, expiry_time, revoked_at, created_at
		 FROM consents
		 WHERE ($1 = '' OR user_id = $1)
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list consents: %w", err)
	}
	defer rows.Close()

	var out []*model.Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetConsentStatus implements Store.
func (s *PostgresStore) SetConsentStatus(ctx context.Context, id uuid.UUID, status model.Status, revokedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE consents SET status = $2, revoked_at = COALESCE($3, revoked_at)
		 WHERE consent_id = $1`, id, string(status), revokedAt)
	if err != nil {
		return fmt.Errorf("update consent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveReceipt implements Store.
func (s *PostgresStore) SaveReceipt(ctx context.Context, consentID uuid.UUID, r *model.Receipt) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("encode receipt payload: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO consent_receipts (consent_id, receipt_payload, signature, created_at)
		 VALUES ($1, $2, $3, $4)`,
		consentID, string(payload), r.Signature, r.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("receipt for consent %s: %w", consentID, ErrConflict)
		}
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// GetReceipt implements Store.
func (s *PostgresStore) GetReceipt(ctx context.Context, consentID uuid.UUID) (*model.Receipt, error) {
	var (
		raw string
		r   model.Receipt
	)
	err := s.pool.QueryRow(ctx,
		`SELECT receipt_payload, signature, created_at FROM consent_receipts WHERE consent_id = $1`,
		consentID,
	).Scan(&raw, &r.Signature, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt %s: %w", consentID, err)
	}
	if err := json.Unmarshal([]byte(raw), &r.Payload); err != nil {
		return nil, fmt.Errorf("decode receipt payload: %w", err)
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*AuditEvent, error) {
	var (
		e                    AuditEvent
		eventType, actorType string
		raw                  string
	)
	if err := row.Scan(&e.ID, &e.Seq, &eventType, &e.ActorID, &actorType,
		&raw, &e.Timestamp, &e.HashPrev, &e.HashCurrent); err != nil {
		return nil, err
	}
	e.Type = EventType(eventType)
	e.ActorType = ActorType(actorType)
	p, err := decodePayload([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", e.ID, err)
	}
	e.Payload = p
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]*AuditEvent, error) {
	var out []*AuditEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanConsent(row rowScanner) (*model.Consent, error) {
	var (
		c      model.Consent
		status string
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.AppID, &status, &c.ExpiryTime, &c.RevokedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Status = model.Status(status)
	c.ExpiryTime = c.ExpiryTime.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	if c.RevokedAt != nil {
		t := c.RevokedAt.UTC()
		c.RevokedAt = &t
	}
	return &c, nil
}
