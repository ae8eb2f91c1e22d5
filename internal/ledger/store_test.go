package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/consentledger/internal/consent/model"
	"github.com/jmerrifield20/consentledger/internal/hashchain"
	"github.com/jmerrifield20/consentledger/internal/ledger"
)

var ctx = context.Background()

// runStoreSuite exercises the behaviour every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("empty tip is genesis", func(t *testing.T) {
		s := newStore(t)
		tip, err := s.Tip(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if tip != hashchain.GenesisHash {
			t.Errorf("Tip() = %q, want GenesisHash", tip)
		}
		n, _ := s.Len(ctx)
		if n != 0 {
			t.Errorf("Len() = %d, want 0", n)
		}
	})

	t.Run("append chains from genesis", func(t *testing.T) {
		s := newStore(t)
		e1 := mustAppend(t, s, draft("user-1", map[string]any{"a": 1}, "2024-01-01T00:00:00"))
		e2 := mustAppend(t, s, draft("user-1", map[string]any{"a": 2}, "2024-01-01T00:01:00"))

		if e1.HashPrev != hashchain.GenesisHash {
			t.Errorf("first event hash_prev = %q, want genesis", e1.HashPrev)
		}
		if e1.HashCurrent != "bb569fd3893e1b4b751efa20233e98b6f7353372580f879fb1c88e1f416b5772" {
			t.Errorf("first event hash_current = %q", e1.HashCurrent)
		}
		if e2.HashPrev != e1.HashCurrent {
			t.Errorf("chain broken: e2.HashPrev=%q, want %q", e2.HashPrev, e1.HashCurrent)
		}
		if e2.HashCurrent != "bb5b636bec8b2ed7160a907701fe31c4fe4ed1e599865eeeff4c998f92e4bcd5" {
			t.Errorf("second event hash_current = %q", e2.HashCurrent)
		}
		if e2.Seq <= e1.Seq {
			t.Errorf("seq not increasing: %d then %d", e1.Seq, e2.Seq)
		}

		tip, _ := s.Tip(ctx)
		if tip != e2.HashCurrent {
			t.Errorf("Tip() = %q, want %q", tip, e2.HashCurrent)
		}
	})

	t.Run("payload timestamp drives the link hash", func(t *testing.T) {
		s := newStore(t)
		e := mustAppend(t, s, draft("user-1", map[string]any{
			"consent_id": "c-1",
			"timestamp":  "2024-03-05T10:20:30.123456",
		}, "2030-01-01T00:00:00"))
		want, err := hashchain.LinkHash(hashchain.GenesisHash, e.Payload, "2024-03-05T10:20:30.123456")
		if err != nil {
			t.Fatal(err)
		}
		if e.HashCurrent != want {
			t.Errorf("hash_current = %q, want hash over payload timestamp %q", e.HashCurrent, want)
		}
	})

	t.Run("stored timestamps follow the tail", func(t *testing.T) {
		s := newStore(t)
		mustAppend(t, s, draft("bob", map[string]any{"n": 1}, "2024-01-01T00:00:01"))
		late := mustAppend(t, s, draft("alice", map[string]any{"n": 2}, "2024-01-01T00:00:00.500000"))
		same := mustAppend(t, s, draft("carol", map[string]any{"n": 3}, late.Timestamp))

		events, err := s.ReadOrdered(ctx, ledger.Window{})
		if err != nil {
			t.Fatal(err)
		}
		assertTimestamps(t, "ordered", events,
			"2024-01-01T00:00:01", "2024-01-01T00:00:01.000001", "2024-01-01T00:00:01.000002")
		prev := hashchain.GenesisHash
		for i, e := range events {
			if e.HashPrev != prev {
				t.Fatalf("event %d: hash_prev %q, want %q", i, e.HashPrev, prev)
			}
			prev = e.HashCurrent
		}
		if prev != same.HashCurrent {
			t.Errorf("timestamp order ends at %q, want the tail %q", prev, same.HashCurrent)
		}
	})

	t.Run("read back hashes identically", func(t *testing.T) {
		s := newStore(t)
		mustAppend(t, s, draft("user-1", map[string]any{
			"amount": 1.5, "big": uint64(12345678901234567890), "nested": map[string]any{"z": []any{"é", nil, true}},
		}, "2024-01-01T00:00:00"))
		events, err := s.ReadOrdered(ctx, ledger.Window{})
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		e := events[0]
		got, err := hashchain.LinkHash(e.HashPrev, e.Payload, e.LinkTimestamp())
		if err != nil {
			t.Fatal(err)
		}
		if got != e.HashCurrent {
			t.Errorf("stored payload no longer hashes to hash_current: %q vs %q", got, e.HashCurrent)
		}
	})

	t.Run("windows", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			mustAppend(t, s, draft("user-1", map[string]any{"i": i}, fmt.Sprintf("2024-01-01T00:0%d:00", i)))
		}

		prefix, err := s.ReadOrdered(ctx, ledger.Window{Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		assertTimestamps(t, "prefix", prefix, "2024-01-01T00:00:00", "2024-01-01T00:01:00")

		suffix, err := s.ReadOrdered(ctx, ledger.Window{Limit: 2, Latest: true})
		if err != nil {
			t.Fatal(err)
		}
		assertTimestamps(t, "suffix", suffix, "2024-01-01T00:03:00", "2024-01-01T00:04:00")

		since, err := s.ReadOrdered(ctx, ledger.Window{Since: "2024-01-01T00:03:00"})
		if err != nil {
			t.Fatal(err)
		}
		assertTimestamps(t, "since", since, "2024-01-01T00:03:00", "2024-01-01T00:04:00")
	})

	t.Run("list events newest first by actor", func(t *testing.T) {
		s := newStore(t)
		mustAppend(t, s, draft("alice", map[string]any{"n": 1}, "2024-01-01T00:00:00"))
		mustAppend(t, s, draft("bob", map[string]any{"n": 2}, "2024-01-01T00:01:00"))
		mustAppend(t, s, draft("alice", map[string]any{"n": 3}, "2024-01-01T00:02:00"))

		events, err := s.ListEvents(ctx, ledger.EventFilter{ActorID: "alice"})
		if err != nil {
			t.Fatal(err)
		}
		assertTimestamps(t, "alice", events, "2024-01-01T00:02:00", "2024-01-01T00:00:00")

		limited, err := s.ListEvents(ctx, ledger.EventFilter{Limit: 1})
		if err != nil {
			t.Fatal(err)
		}
		assertTimestamps(t, "limited", limited, "2024-01-01T00:02:00")
	})

	t.Run("get event", func(t *testing.T) {
		s := newStore(t)
		e := mustAppend(t, s, draft("alice", map[string]any{"n": 1}, "2024-01-01T00:00:00"))
		got, err := s.GetEvent(ctx, e.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.HashCurrent != e.HashCurrent || got.Type != ledger.EventConsentGranted || got.ActorType != ledger.ActorUser {
			t.Errorf("GetEvent() = %+v, want %+v", got, e)
		}
		if _, err := s.GetEvent(ctx, uuid.New()); !errors.Is(err, ledger.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("consent rows", func(t *testing.T) {
		s := newStore(t)
		created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		c := &model.Consent{
			ID:         uuid.New(),
			UserID:     "alice",
			AppID:      "app-1",
			Status:     model.StatusActive,
			ExpiryTime: created.Add(24 * time.Hour),
			CreatedAt:  created,
		}
		if err := s.CreateConsent(ctx, c); err != nil {
			t.Fatal(err)
		}
		if err := s.CreateConsent(ctx, c); !errors.Is(err, ledger.ErrConflict) {
			t.Errorf("duplicate consent: expected ErrConflict, got %v", err)
		}

		revokedAt := created.Add(time.Hour)
		if err := s.SetConsentStatus(ctx, c.ID, model.StatusRevoked, &revokedAt); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetConsent(ctx, c.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != model.StatusRevoked {
			t.Errorf("status = %q, want revoked", got.Status)
		}
		if got.RevokedAt == nil || !got.RevokedAt.Equal(revokedAt) {
			t.Errorf("revoked_at = %v, want %v", got.RevokedAt, revokedAt)
		}
		if !got.ExpiryTime.Equal(c.ExpiryTime) {
			t.Errorf("expiry_time = %v, want %v", got.ExpiryTime, c.ExpiryTime)
		}

		if err := s.SetConsentStatus(ctx, uuid.New(), model.StatusRevoked, nil); !errors.Is(err, ledger.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown consent, got %v", err)
		}
		if _, err := s.GetConsent(ctx, uuid.New()); !errors.Is(err, ledger.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		list, err := s.ListConsents(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 || list[0].ID != c.ID {
			t.Errorf("ListConsents(alice) = %v", list)
		}
		other, _ := s.ListConsents(ctx, "bob")
		if len(other) != 0 {
			t.Errorf("ListConsents(bob) returned %d consents", len(other))
		}
	})

	t.Run("receipts", func(t *testing.T) {
		s := newStore(t)
		id := uuid.New()
		c := &model.Consent{ID: id, UserID: "alice", AppID: "app-1", Status: model.StatusActive,
			ExpiryTime: time.Now().Add(time.Hour).UTC(), CreatedAt: time.Now().UTC()}
		if err := s.CreateConsent(ctx, c); err != nil {
			t.Fatal(err)
		}
		r := &model.Receipt{
			Payload: model.Payload{
				Version: model.PayloadVersion, ConsentID: id.String(), UserID: "alice", AppID: "app-1",
				AppName: "App", Timestamp: "2024-01-01T00:00:00", Expiry: "2024-01-02T00:00:00",
				Purposes: []model.Purpose{{Code: "analytics", Categories: []string{"usage"}}},
			},
			Signature: []byte{1, 2, 3},
			CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		if err := s.SaveReceipt(ctx, id, r); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetReceipt(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Payload.ConsentID != id.String() || len(got.Payload.Purposes) != 1 ||
			got.Payload.Purposes[0].Categories[0] != "usage" || string(got.Signature) != string(r.Signature) {
			t.Errorf("GetReceipt() = %+v", got)
		}
		if err := s.SaveReceipt(ctx, id, r); !errors.Is(err, ledger.ErrConflict) {
			t.Errorf("duplicate receipt: expected ErrConflict, got %v", err)
		}
		if _, err := s.GetReceipt(ctx, uuid.New()); !errors.Is(err, ledger.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("concurrent appends never fork", func(t *testing.T) {
		s := newStore(t)
		const writers = 20
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Append(ctx, ledger.Draft{
					Type:    ledger.EventConsentGranted,
					ActorID: fmt.Sprintf("user-%d", i),
					Payload: map[string]any{"i": i},
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatal(err)
			}
		}

		events, err := s.ReadOrdered(ctx, ledger.Window{})
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != writers {
			t.Fatalf("expected %d events, got %d", writers, len(events))
		}
		seen := make(map[string]bool)
		prev := hashchain.GenesisHash
		for i, e := range events {
			if e.HashPrev != prev {
				t.Fatalf("event %d: hash_prev %q, want %q", i, e.HashPrev, prev)
			}
			if seen[e.HashPrev] {
				t.Fatalf("two events claim predecessor %q", e.HashPrev)
			}
			seen[e.HashPrev] = true
			prev = e.HashCurrent
		}
	})
}

func draft(actor string, payload map[string]any, ts string) ledger.Draft {
	return ledger.Draft{
		Type:      ledger.EventConsentGranted,
		ActorID:   actor,
		ActorType: ledger.ActorUser,
		Payload:   payload,
		Timestamp: ts,
	}
}

func mustAppend(t *testing.T, s ledger.Store, d ledger.Draft) *ledger.AuditEvent {
	t.Helper()
	e, err := s.Append(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func assertTimestamps(t *testing.T, label string, events []*ledger.AuditEvent, want ...string) {
	t.Helper()
	if len(events) != len(want) {
		t.Fatalf("%s: got %d events, want %d", label, len(events), len(want))
	}
	for i, e := range events {
		if e.Timestamp != want[i] {
			t.Errorf("%s[%d]: timestamp %q, want %q", label, i, e.Timestamp, want[i])
		}
	}
}
