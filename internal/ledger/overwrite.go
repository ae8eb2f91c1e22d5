//go:build tamper

package ledger

import (
	"context"
	"fmt"
)

// Overwriter rewrites a stored event in place. It bypasses every chain
// invariant and exists only in tamper builds, where it backs the debug
// tamper simulators.
type Overwriter interface {
	OverwriteEvent(ctx context.Context, e *AuditEvent) error
}

// OverwriteEvent implements Overwriter.
func (m *MemoryStore) OverwriteEvent(_ context.Context, e *AuditEvent) error {
	raw, err := encodePayload(e.Payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	se, ok := m.byID[e.ID]
	if !ok {
		return ErrNotFound
	}
	se.Timestamp = e.Timestamp
	se.HashPrev = e.HashPrev
	se.HashCurrent = e.HashCurrent
	se.raw = raw
	return nil
}

// OverwriteEvent implements Overwriter.
func (s *PostgresStore) OverwriteEvent(ctx context.Context, e *AuditEvent) error {
	raw, err := encodePayload(e.Payload)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE audit_events SET event_payload = $2, timestamp = $3, hash_prev = $4, hash_current = $5
		 WHERE event_id = $1`,
		e.ID, string(raw), e.Timestamp, e.HashPrev, e.HashCurrent)
	if err != nil {
		return fmt.Errorf("overwrite audit event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// OverwriteEvent implements Overwriter.
func (s *SQLiteStore) OverwriteEvent(ctx context.Context, e *AuditEvent) error {
	raw, err := encodePayload(e.Payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE audit_events SET event_payload = ?, timestamp = ?, hash_prev = ?, hash_current = ?
		 WHERE event_id = ?`,
		string(raw), e.Timestamp, e.HashPrev, e.HashCurrent, e.ID.String())
	if err != nil {
		return fmt.Errorf("overwrite audit event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
