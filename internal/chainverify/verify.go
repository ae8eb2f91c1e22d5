package chainverify

import (
	"fmt"

	"github.com/jmerrifield20/consentledger/internal/hashchain"
	"github.com/jmerrifield20/consentledger/internal/ledger"
)

// Verify checks a window of events sorted ascending by (timestamp, seq).
// The window may be any contiguous slice of the ledger: its first hash_prev
// is trusted as the anchor, since genesis can only be confirmed when the
// window starts at the true beginning (see VerifyFromGenesis).
func Verify(events []*ledger.AuditEvent) *Report {
	r := &Report{TotalEvents: len(events)}
	if len(events) == 0 {
		r.finish()
		return r
	}

	expectedPrev := events[0].HashPrev
	for i, e := range events {
		r.Violations = append(r.Violations, checkEvent(i, e, expectedPrev)...)
		expectedPrev = e.HashCurrent
	}
	r.Violations = append(r.Violations, checkDuplicateTimestamps(events)...)
	r.finish()
	return r
}

// VerifyFromGenesis is Verify for a window known to begin at the first event
// ever appended, which must link to hashchain.GenesisHash.
func VerifyFromGenesis(events []*ledger.AuditEvent) *Report {
	r := Verify(events)
	if len(events) == 0 || events[0].HashPrev == hashchain.GenesisHash {
		return r
	}
	first := events[0]
	r.Violations = append([]Violation{{
		EventID:      first.ID.String(),
		EventType:    string(first.Type),
		Index:        0,
		Timestamp:    first.Timestamp,
		Reason:       ReasonBadGenesis,
		Details:      "First event of the ledger does not link to the genesis hash.",
		Severity:     SeverityCritical,
		ExpectedHash: hashchain.GenesisHash,
		FoundHash:    first.HashPrev,
	}}, r.Violations...)
	r.finish()
	return r
}

// ── Checks ────────────────────────────────────────────────────────────────────

// checkEvent recomputes e's link hash and compares its hash_prev with the
// hash_current of the event before it.
func checkEvent(i int, e *ledger.AuditEvent, expectedPrev string) []Violation {
	var out []Violation
	ts := e.LinkTimestamp()

	linkBroken := i > 0 && e.HashPrev != expectedPrev
	recomputed, err := hashchain.LinkHash(e.HashPrev, e.Payload, ts)
	switch {
	case err != nil:
		out = append(out, violation(i, e, ReasonHashMismatch, SeverityCritical,
			fmt.Sprintf("Event payload cannot be canonicalised: %v", err), "", e.HashCurrent))
	case recomputed != e.HashCurrent && !(linkBroken && rewrittenLinkOnly(e, expectedPrev, ts)):
		out = append(out, violation(i, e, ReasonHashMismatch, SeverityCritical,
			"Recalculated hash doesn't match stored hash_current. Event data may have been tampered with.",
			recomputed, e.HashCurrent))
	}

	if linkBroken {
		out = append(out, violation(i, e, ReasonBrokenLink, SeverityCritical,
			"Event's hash_prev doesn't match previous event's hash_current. Possible deletion, reordering, or insertion.",
			expectedPrev, e.HashPrev))
	}
	return out
}

// rewrittenLinkOnly reports whether e's payload and hash_current are intact
// relative to the true predecessor, i.e. only the stored hash_prev changed.
// In that case the link finding alone describes the tampering.
func rewrittenLinkOnly(e *ledger.AuditEvent, expectedPrev, ts string) bool {
	h, err := hashchain.LinkHash(expectedPrev, e.Payload, ts)
	return err == nil && h == e.HashCurrent
}

// checkDuplicateTimestamps emits a single warning when any two events share a
// stored timestamp. Legitimately concurrent events can trigger it too, so it
// is never treated as proof.
func checkDuplicateTimestamps(events []*ledger.AuditEvent) []Violation {
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if _, dup := seen[e.Timestamp]; dup {
			return []Violation{{
				EventID:  multipleEvents,
				Index:    -1,
				Reason:   ReasonDuplicateTimes,
				Details:  "Multiple events have the same timestamp. This may indicate unauthorized insertions.",
				Severity: SeverityWarning,
			}}
		}
		seen[e.Timestamp] = struct{}{}
	}
	return nil
}

func violation(i int, e *ledger.AuditEvent, reason Reason, sev Severity, details, expected, found string) Violation {
	return Violation{
		EventID:      e.ID.String(),
		EventType:    string(e.Type),
		Index:        i,
		Timestamp:    e.Timestamp,
		Reason:       reason,
		Details:      details,
		Severity:     sev,
		ExpectedHash: expected,
		FoundHash:    found,
	}
}
