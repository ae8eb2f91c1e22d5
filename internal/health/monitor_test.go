package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/consentledger/internal/chainverify"
	"github.com/jmerrifield20/consentledger/internal/ledger"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

// stubVerifier returns the queued results in order, repeating the last one.
type stubVerifier struct {
	results []stubResult
	calls   int
	windows []ledger.Window
}

type stubResult struct {
	status chainverify.Status
	err    error
}

func (s *stubVerifier) VerifyChain(_ context.Context, w ledger.Window) (*chainverify.Report, error) {
	s.windows = append(s.windows, w)
	r := s.results[len(s.results)-1]
	if s.calls < len(s.results) {
		r = s.results[s.calls]
	}
	s.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &chainverify.Report{Status: r.status, TotalEvents: 3}, nil
}

func results(statuses ...chainverify.Status) []stubResult {
	out := make([]stubResult, len(statuses))
	for i, s := range statuses {
		out[i] = stubResult{status: s}
	}
	return out
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheck_validChain(t *testing.T) {
	v := &stubVerifier{results: results(chainverify.StatusValid)}
	m := New(v, Config{Window: 25}, zap.NewNop())

	if !m.Check(context.Background()) {
		t.Error("expected a clean check")
	}
	if !m.Healthy() {
		t.Error("expected healthy")
	}
	if got := v.windows[0]; got.Limit != 25 || !got.Latest {
		t.Errorf("window = %+v, want latest 25", got)
	}
	if r, at := m.Last(); r == nil || at.IsZero() {
		t.Error("expected the last report to be recorded")
	}
}

func TestCheck_emptyLedgerIsHealthy(t *testing.T) {
	m := New(&stubVerifier{results: results(chainverify.StatusEmpty)}, Config{}, zap.NewNop())
	if !m.Check(context.Background()) {
		t.Error("an empty ledger should pass the integrity check")
	}
}

func TestCheck_warningsOnlyStayHealthy(t *testing.T) {
	v := &stubVerifier{results: results(chainverify.StatusSuspicious)}
	m := New(v, Config{FailThreshold: 1}, zap.NewNop())

	var recorded []bool
	m.SetMetricsRecord(func(healthy bool) { recorded = append(recorded, healthy) })

	for i := 0; i < 3; i++ {
		if !m.Check(context.Background()) {
			t.Fatalf("check %d: duplicate-timestamp warnings should not fail the check", i)
		}
	}
	if !m.Healthy() {
		t.Error("expected healthy with warnings only")
	}
	if len(recorded) != 3 || !recorded[0] || !recorded[2] {
		t.Errorf("metrics = %v, want all healthy", recorded)
	}
	if r, _ := m.Last(); r == nil || r.Status != chainverify.StatusSuspicious {
		t.Errorf("last report = %+v, want the suspicious report", r)
	}
}

func TestCheck_degradesAfterThreshold(t *testing.T) {
	v := &stubVerifier{results: results(chainverify.StatusTampered)}
	m := New(v, Config{FailThreshold: 3}, zap.NewNop())

	var transitions []bool
	m.SetStatusUpdate(func(healthy bool) { transitions = append(transitions, healthy) })

	for i := 0; i < 2; i++ {
		m.Check(context.Background())
	}
	if !m.Healthy() {
		t.Fatal("should stay healthy below the threshold")
	}

	m.Check(context.Background())
	if m.Healthy() {
		t.Error("expected degraded after 3 failed checks")
	}
	if len(transitions) != 1 || transitions[0] {
		t.Errorf("transitions = %v, want a single degrade", transitions)
	}
}

func TestCheck_recoversOnCleanCheck(t *testing.T) {
	v := &stubVerifier{results: results(chainverify.StatusTampered, chainverify.StatusValid)}
	m := New(v, Config{FailThreshold: 1}, zap.NewNop())

	var transitions []bool
	m.SetStatusUpdate(func(healthy bool) { transitions = append(transitions, healthy) })

	m.Check(context.Background())
	if m.Healthy() {
		t.Fatal("expected degraded after a tampered chain")
	}
	m.Check(context.Background())
	if !m.Healthy() {
		t.Error("expected recovery after a clean check")
	}
	if len(transitions) != 2 || transitions[0] || !transitions[1] {
		t.Errorf("transitions = %v, want [false true]", transitions)
	}
}

func TestCheck_verifierErrorCountsAsFailure(t *testing.T) {
	v := &stubVerifier{results: []stubResult{{err: errors.New("db down")}}}
	m := New(v, Config{FailThreshold: 1}, zap.NewNop())

	var recorded []bool
	m.SetMetricsRecord(func(healthy bool) { recorded = append(recorded, healthy) })

	if m.Check(context.Background()) {
		t.Error("expected a failed check")
	}
	if m.Healthy() {
		t.Error("expected degraded")
	}
	if len(recorded) != 1 || recorded[0] {
		t.Errorf("metrics = %v, want [false]", recorded)
	}
	if r, _ := m.Last(); r != nil {
		t.Error("a failed run should not replace the last report")
	}
}

func TestStart_stopsOnCancel(t *testing.T) {
	v := &stubVerifier{results: results(chainverify.StatusValid)}
	m := New(v, Config{CheckInterval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
