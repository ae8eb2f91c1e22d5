// Package health runs the background audit chain integrity monitor.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/consentledger/internal/chainverify"
	"github.com/jmerrifield20/consentledger/internal/ledger"
	"go.uber.org/zap"
)

// Config holds integrity monitor configuration. Window is the number of
// most recent events verified per check.
type Config struct {
	CheckInterval time.Duration
	Window        int
	FailThreshold int
}

// ChainVerifier verifies a window of the audit chain.
// *service.AuditService satisfies this interface.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, w ledger.Window) (*chainverify.Report, error)
}

// StatusUpdateFunc is an optional callback invoked when the monitor flips
// between healthy and degraded.
type StatusUpdateFunc func(healthy bool)

// MetricsRecordFunc is an optional callback for recording check results.
type MetricsRecordFunc func(healthy bool)

// Monitor periodically verifies the tail of the audit chain. It turns
// degraded after FailThreshold consecutive failed checks and recovers on
// the first clean one.
type Monitor struct {
	verifier  ChainVerifier
	cfg       Config
	onStatus  StatusUpdateFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu        sync.Mutex
	failCount int
	degraded  bool
	last      *chainverify.Report
	lastAt    time.Time
}

// New creates a new Monitor.
func New(verifier ChainVerifier, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.Window == 0 {
		cfg.Window = 100
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 1
	}
	return &Monitor{verifier: verifier, cfg: cfg, logger: logger}
}

// SetStatusUpdate configures the status transition callback.
func (m *Monitor) SetStatusUpdate(fn StatusUpdateFunc) {
	m.onStatus = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (m *Monitor) SetMetricsRecord(fn MetricsRecordFunc) {
	m.onMetrics = fn
}

// Start runs the check loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckInterval)
			m.Check(checkCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Check verifies the latest window once and reports whether it passed.
// Only a tampered chain or a verification that cannot run fails the check;
// warnings alone are logged and leave the monitor healthy.
func (m *Monitor) Check(ctx context.Context) bool {
	report, err := m.verifier.VerifyChain(ctx, ledger.Window{Limit: m.cfg.Window, Latest: true})
	ok := err == nil && report.Status != chainverify.StatusTampered

	if m.onMetrics != nil {
		m.onMetrics(ok)
	}

	m.mu.Lock()
	wasDegraded := m.degraded
	if ok {
		m.failCount = 0
		m.degraded = false
	} else {
		m.failCount++
		if m.failCount >= m.cfg.FailThreshold {
			m.degraded = true
		}
	}
	if err == nil {
		m.last = report
		m.lastAt = time.Now().UTC()
	}
	degraded, count := m.degraded, m.failCount
	m.mu.Unlock()

	switch {
	case err != nil:
		m.logger.Warn("integrity: chain verification could not run", zap.Error(err), zap.Int("fail_count", count))
	case !ok:
		m.logger.Warn("integrity: chain verification failed",
			zap.String("status", string(report.Status)),
			zap.Int("critical", report.CriticalViolations),
			zap.Int("warnings", report.Warnings),
			zap.Int("fail_count", count),
		)
	case report.Status == chainverify.StatusSuspicious:
		m.logger.Warn("integrity: chain verified with warnings",
			zap.Int("warnings", report.Warnings),
			zap.Int("events", report.TotalEvents),
		)
	default:
		m.logger.Debug("integrity: chain verified", zap.Int("events", report.TotalEvents))
	}

	if degraded != wasDegraded {
		if degraded {
			m.logger.Error("integrity: audit chain degraded")
		} else {
			m.logger.Info("integrity: audit chain recovered")
		}
		if m.onStatus != nil {
			m.onStatus(!degraded)
		}
	}
	return ok
}

// Healthy reports whether the monitor is not degraded.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.degraded
}

// Last returns the most recent report and when it was produced, or nil
// before the first successful verification run.
func (m *Monitor) Last() (*chainverify.Report, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.lastAt
}
