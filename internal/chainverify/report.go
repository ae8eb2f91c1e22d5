// Package chainverify replays the audit hash chain over a window of events
// and classifies every inconsistency it finds. It never returns an error for
// a tampered chain: integrity violations are reported as findings.
package chainverify

import "fmt"

// Status is the aggregate verdict for a window.
type Status string

const (
	StatusEmpty      Status = "EMPTY"
	StatusValid      Status = "VALID"
	StatusSuspicious Status = "SUSPICIOUS"
	StatusTampered   Status = "TAMPERED"
)

// Severity grades a single violation.
type Severity string

const (
	// SeverityCritical proves tampering.
	SeverityCritical Severity = "CRITICAL"
	// SeverityWarning is suspicious but not conclusive.
	SeverityWarning Severity = "WARNING"
)

// Reason identifies which check a violation came from.
type Reason string

const (
	ReasonHashMismatch   Reason = "hash mismatch"
	ReasonBrokenLink     Reason = "broken link"
	ReasonDuplicateTimes Reason = "duplicate timestamps"
	ReasonBadGenesis     Reason = "bad genesis"
)

// multipleEvents is the event id reported for window-wide findings.
const multipleEvents = "MULTIPLE"

// Violation is a single integrity finding.
type Violation struct {
	EventID   string   `json:"event_id"`
	EventType string   `json:"event_type,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Reason    Reason   `json:"reason"`
	Details   string   `json:"details"`
	Severity  Severity `json:"severity"`

	// Index is the event's position in the window, or -1 for window-wide
	// findings.
	Index int `json:"index"`

	// ExpectedHash and FoundHash carry the recomputed and stored hash_current
	// for a hash mismatch, or the expected and stored hash_prev for a broken
	// link.
	ExpectedHash string `json:"expected_hash,omitempty"`
	FoundHash    string `json:"found_hash,omitempty"`
}

// Report is the output of a verification run.
type Report struct {
	TotalEvents        int         `json:"total_events"`
	Violations         []Violation `json:"violations"`
	CriticalViolations int         `json:"critical_violations"`
	Warnings           int         `json:"warnings"`
	Status             Status      `json:"status"`
	Message            string      `json:"message"`
}

// Valid reports whether the window verified with no findings.
func (r *Report) Valid() bool { return r.Status == StatusValid }

// ForEvent returns the violations recorded against the event at index i.
func (r *Report) ForEvent(i int) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Index == i {
			out = append(out, v)
		}
	}
	return out
}

// finish fills in the counters, status and message from Violations.
func (r *Report) finish() {
	if r.Violations == nil {
		r.Violations = []Violation{}
	}
	r.CriticalViolations, r.Warnings = 0, 0
	for _, v := range r.Violations {
		switch v.Severity {
		case SeverityCritical:
			r.CriticalViolations++
		case SeverityWarning:
			r.Warnings++
		}
	}

	switch {
	case r.TotalEvents == 0:
		r.Status = StatusEmpty
		r.Message = "No events to verify"
	case len(r.Violations) == 0:
		r.Status = StatusValid
		r.Message = "Chain verified successfully"
	case r.CriticalViolations > 0:
		r.Status = StatusTampered
		r.Message = fmt.Sprintf("Found %d violation(s)", len(r.Violations))
	default:
		r.Status = StatusSuspicious
		r.Message = fmt.Sprintf("Found %d violation(s)", len(r.Violations))
	}
}
