package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/consentledger/internal/consent/model"
	"github.com/jmerrifield20/consentledger/internal/hashchain"
	"go.uber.org/zap"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore persists the ledger in a single SQLite file. It implements the
// Store interface. Appends are serialised by an in-process mutex and an
// IMMEDIATE transaction, so separate processes sharing the file cannot fork
// the chain either.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the SQLite database at path and
// applies the schema. path may be ":memory:" for a private in-memory database.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if path != ":memory:" {
		path = filepath.Clean(path)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, d Draft) (*AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	prevHash := hashchain.GenesisHash
	var (
		prevSeq int64
		prevTS  string
	)
	err = tx.QueryRowContext(ctx,
		"SELECT seq, hash_current, timestamp FROM audit_events ORDER BY seq DESC LIMIT 1",
	).Scan(&prevSeq, &prevHash, &prevTS)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
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

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Seq, string(e.Type), e.ActorID, string(e.ActorType),
		string(raw), e.Timestamp, e.HashPrev, e.HashCurrent,
	); err != nil {
		return nil, fmt.Errorf("insert audit event: %w", err)
	}
	if err := tx.Commit(); err != nil {
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
func (s *SQLiteStore) ReadOrdered(ctx context.Context, w Window) ([]*AuditEvent, error) {
	where := ""
	var args []any
	if w.Since != "" {
		where = " WHERE timestamp >= ?"
		args = append(args, w.Since)
	}

	var query string
	switch {
	case w.Limit > 0 && w.Latest:
		query = `SELECT * FROM (
			SELECT ` + eventColumns + ` FROM audit_events` + where + ` ORDER BY timestamp DESC, seq DESC LIMIT ?
		) ORDER BY timestamp ASC, seq ASC`
		args = append(args, w.Limit)
	case w.Limit > 0:
		query = `SELECT ` + eventColumns + ` FROM audit_events` + where + ` ORDER BY timestamp ASC, seq ASC LIMIT ?`
		args = append(args, w.Limit)
	default:
		query = `SELECT ` + eventColumns + ` FROM audit_events` + where + ` ORDER BY timestamp ASC, seq ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return collectSQLEvents(rows)
}

// GetEvent implements Store.
func (s *SQLiteStore) GetEvent(ctx context.Context, id uuid.UUID) (*AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE event_id = ?`, id.String())
	e, err := scanSQLEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event %s: %w", id, err)
	}
	return e, nil
}

// ListEvents implements Store.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]*AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events
	          WHERE (?1 = '' OR actor_id = ?1)
	          ORDER BY timestamp DESC, seq DESC`
	args := []any{f.ActorID}
	if f.Limit > 0 {
		query += " LIMIT ?2"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	return collectSQLEvents(rows)
}

// Tip implements Store.
func (s *SQLiteStore) Tip(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT hash_current FROM audit_events ORDER BY seq DESC LIMIT 1",
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return hashchain.GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("get ledger tip: %w", err)
	}
	return hash, nil
}

// Len implements Store.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// CreateConsent implements Store.
func (s *SQLiteStore) CreateConsent(ctx context.Context, c *model.Consent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consents (consent_id, user_id, app_id, status, expiry_time, revoked_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.UserID, c.AppID, string(c.Status),
		toNanos(c.ExpiryTime), nullNanos(c.RevokedAt), toNanos(c.CreatedAt),
	)
	if isSQLiteConstraint(err) {
		return fmt.Errorf("consent %s: %w", c.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert consent: %w", err)
	}
	return nil
}

// GetConsent implements Store.
func (s *SQLiteStore) GetConsent(ctx context.Context, id uuid.UUID) (*model.Consent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT consent_id, user_id, app_id, status, expiry_time, revoked_at, created_at
		 FROM consents WHERE consent_id = ?`, id.String())
	c, err := scanSQLConsent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get consent %s: %w", id, err)
	}
	return c, nil
}

// ListConsents implements Store.
func (s *SQLiteStore) ListConsents(ctx context.Context, userID string) ([]*model.Consent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT consent_id, user_id, app_id, status, expiry_time, revoked_at, created_at
		 FROM consents
		 WHERE (?1 = '' OR user_id = ?1)
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list consents: %w", err)
	}
	defer rows.Close()

	var out []*model.Consent
	for rows.Next() {
		c, err := scanSQLConsent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetConsentStatus implements Store.
func (s *SQLiteStore) SetConsentStatus(ctx context.Context, id uuid.UUID, status model.Status, revokedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE consents SET status = ?, revoked_at = COALESCE(?, revoked_at) WHERE consent_id = ?`,
		string(status), nullNanos(revokedAt), id.String())
	if err != nil {
		return fmt.Errorf("update consent status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveReceipt implements Store.
func (s *SQLiteStore) SaveReceipt(ctx context.Context, consentID uuid.UUID, r *model.Receipt) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("encode receipt payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO consent_receipts (consent_id, receipt_payload, signature, created_at) VALUES (?, ?, ?, ?)`,
		consentID.String(), string(payload), r.Signature, toNanos(r.CreatedAt))
	if isSQLiteConstraint(err) {
		return fmt.Errorf("receipt for consent %s: %w", consentID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// GetReceipt implements Store.
func (s *SQLiteStore) GetReceipt(ctx context.Context, consentID uuid.UUID) (*model.Receipt, error) {
	var (
		raw     string
		created int64
		r       model.Receipt
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT receipt_payload, signature, created_at FROM consent_receipts WHERE consent_id = ?`,
		consentID.String(),
	).Scan(&raw, &r.Signature, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt %s: %w", consentID, err)
	}
	if err := json.Unmarshal([]byte(raw), &r.Payload); err != nil {
		return nil, fmt.Errorf("decode receipt payload: %w", err)
	}
	r.CreatedAt = fromNanos(created)
	return &r, nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func isSQLiteConstraint(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func scanSQLEvent(row rowScanner) (*AuditEvent, error) {
	var (
		e                        AuditEvent
		id, eventType, actorType string
		raw                      string
	)
	if err := row.Scan(&id, &e.Seq, &eventType, &e.ActorID, &actorType,
		&raw, &e.Timestamp, &e.HashPrev, &e.HashCurrent); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse event id %q: %w", id, err)
	}
	e.ID = parsed
	e.Type = EventType(eventType)
	e.ActorType = ActorType(actorType)
	p, err := decodePayload([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", e.ID, err)
	}
	e.Payload = p
	return &e, nil
}

func collectSQLEvents(rows *sql.Rows) ([]*AuditEvent, error) {
	var out []*AuditEvent
	for rows.Next() {
		e, err := scanSQLEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanSQLConsent(row rowScanner) (*model.Consent, error) {
	var (
		c               model.Consent
		id, status      string
		expiry, created int64
		revoked         sql.NullInt64
	)
	if err := row.Scan(&id, &c.UserID, &c.AppID, &status, &expiry, &revoked, &created); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse consent id %q: %w", id, err)
	}
	c.ID = parsed
	c.Status = model.Status(status)
	c.ExpiryTime = fromNanos(expiry)
	c.CreatedAt = fromNanos(created)
	if revoked.Valid {
		t := fromNanos(revoked.Int64)
		c.RevokedAt = &t
	}
	return &c, nil
}
