package calls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"livecall/internal/observability/logging"
)

// Health summarises the monitor's view of the current session.
type Health string

const (
	HealthAlive   Health = "alive"
	HealthStalled Health = "stalled"
	HealthFailed  Health = "failed"
)

// HealthReport is emitted after every monitor check of a current session.
type HealthReport struct {
	CallID   int64     `json:"callId,string"`
	Health   Health    `json:"health"`
	Liveness Liveness  `json:"liveness,omitempty"`
	Errors   int       `json:"errors"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// MonitorConfig tunes a Monitor. Zero values take the defaults.
type MonitorConfig struct {
	// CheckInterval is the liveness probe period (default 1s).
	CheckInterval time.Duration
	// RejoinInterval is the keep-alive rejoin period (default 15s).
	RejoinInterval time.Duration
	// MaxErrors is how many consecutive probe errors are tolerated before the
	// monitor leaves the call (default 5).
	MaxErrors int
	Logger    *slog.Logger
}

// Monitor keeps the current session alive with periodic rejoins and probes
// its liveness, leaving the call when probes keep failing. A dying verdict
// makes the next probe a deep one.
type Monitor struct {
	controller *Controller
	cfg        MonitorConfig
	logger     *slog.Logger
	reports    emitter[HealthReport]

	mu          sync.Mutex
	watched     *Record
	checkJoined bool
	errors      int
	last        HealthReport
}

func NewMonitor(controller *Controller, cfg MonitorConfig) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.RejoinInterval <= 0 {
		cfg.RejoinInterval = 15 * time.Second
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		controller: controller,
		cfg:        cfg,
		logger:     logging.WithComponent(logger, "monitor"),
	}
}

// OnHealth registers fn for health reports and returns its unsubscribe func.
func (m *Monitor) OnHealth(fn func(HealthReport)) func() {
	return m.reports.subscribe(fn)
}

// LastReport returns the most recent report, or the zero value when the
// current session has not been checked yet.
func (m *Monitor) LastReport() HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run probes and rejoins on their intervals until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	check := time.NewTicker(m.cfg.CheckInterval)
	defer check.Stop()
	rejoin := time.NewTicker(m.cfg.RejoinInterval)
	defer rejoin.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-check.C:
			m.checkOnce(ctx)
		case <-rejoin.C:
			m.rejoinOnce(ctx)
		}
	}
}

func (m *Monitor) rejoinOnce(ctx context.Context) {
	if m.controller.CurrentCall() == nil {
		return
	}
	if err := m.controller.rejoin(ctx, "keepalive"); err != nil {
		m.logger.Error("keep-alive rejoin failed", "error", err)
	}
}

// watch switches the monitor to record, resetting per-session state when the
// current session changed since the last check.
func (m *Monitor) watch(record *Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watched == record {
		return m.checkJoined
	}
	m.watched = record
	m.checkJoined = true
	m.errors = 0
	m.last = HealthReport{}
	return true
}

func (m *Monitor) checkOnce(ctx context.Context) (HealthReport, bool) {
	record := m.controller.CurrentCall()
	checkJoined := m.watch(record)
	if record == nil {
		return HealthReport{}, false
	}

	result, err := m.controller.IsCurrentCallDead(ctx, checkJoined, false)
	if m.controller.CurrentCall() != record {
		return HealthReport{}, false
	}

	report := HealthReport{CallID: record.CallID(), At: time.Now().UTC()}
	leave := false
	m.mu.Lock()
	if err != nil {
		m.errors++
		report.Errors = m.errors
		report.Error = err.Error()
		report.Health = HealthStalled
		if m.errors > m.cfg.MaxErrors {
			report.Health = HealthFailed
			leave = true
		}
	} else {
		m.errors = 0
		m.checkJoined = result == LivenessDying
		report.Liveness = result
		report.Health = HealthAlive
		if result != LivenessAlive {
			report.Health = HealthStalled
		}
	}
	m.last = report
	m.mu.Unlock()

	if leave {
		m.logger.Error("liveness probes keep failing, leaving call", "call_id", report.CallID, "errors", report.Errors, "error", err)
		if leaveErr := m.controller.LeaveCall(ctx, false); leaveErr != nil {
			m.logger.Warn("leave after failed probes failed", "call_id", report.CallID, "error", leaveErr)
		}
	} else if err != nil {
		m.logger.Warn("liveness probe failed", "call_id", report.CallID, "errors", report.Errors, "error", err)
	}
	m.reports.emit(report)
	return report, true
}
