package ledger_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/consentledger/internal/ledger"
	"go.uber.org/zap"
)

var timeZero = time.Time{}

func openSQLite(t *testing.T) *ledger.SQLiteStore {
	t.Helper()
	s, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) ledger.Store { return openSQLite(t) })
}

func TestSQLiteStore_persistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := ledger.OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	e := mustAppend(t, s, draft("alice", map[string]any{"n": 1}, "2024-01-01T00:00:00"))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := ledger.OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	tip, err := reopened.Tip(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tip != e.HashCurrent {
		t.Errorf("Tip() after reopen = %q, want %q", tip, e.HashCurrent)
	}
}

func TestOpenSQLite_requiresPath(t *testing.T) {
	if _, err := ledger.OpenSQLite("  ", zap.NewNop()); err == nil {
		t.Error("expected error for blank path")
	}
}

func TestSQLiteStore_closeNil(t *testing.T) {
	var s *ledger.SQLiteStore
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil store: %v", err)
	}
}
