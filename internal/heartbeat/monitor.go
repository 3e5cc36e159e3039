// Package heartbeat implements the live feed liveness watchdog.
package heartbeat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-job-tracker/internal/clock"
	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

// Config controls the watchdog cadence.
//   - Interval: how often elapsed time is checked (default 5s).
//   - Timeout: silence after which the feed is declared dead (default 35s).
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

const (
	defaultInterval = 5 * time.Second
	defaultTimeout  = 35 * time.Second
)

// TimeoutFunc is invoked at most once per Start with the generation passed to
// Start and the silence observed.
type TimeoutFunc func(generation uint64, elapsed time.Duration)

// Monitor watches one connection at a time. Start arms it for a connection
// generation, Touch records a liveness signal and Stop disarms it. A timeout
// disarms the monitor until the next Start.
type Monitor struct {
	cfg       Config
	clock     job.Clock
	onTimeout TimeoutFunc
	logger    *zap.Logger

	mu         sync.Mutex
	last       time.Time
	generation uint64
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New builds a disarmed Monitor.
func New(cfg Config, clk job.Clock, onTimeout TimeoutFunc, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg,
		clock:     clk,
		onTimeout: onTimeout,
		logger:    logger,
	}
}

// Start arms the monitor for generation, replacing any previous arming.
func (m *Monitor) Start(generation uint64) {
	m.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = m.clock.Now()
	m.generation = generation
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(generation, m.stopCh, m.doneCh)
}

// Touch records a liveness signal.
func (m *Monitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = m.clock.Now()
}

// Stop disarms the monitor and waits for its goroutine to exit. It is safe to
// call when the monitor is not armed.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// Armed reports whether a check loop is running.
func (m *Monitor) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCh != nil
}

// Elapsed returns the silence since the last signal.
func (m *Monitor) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now().Sub(m.last)
}

func (m *Monitor) run(generation uint64, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			elapsed, expired := m.check(generation, stopCh)
			if !expired {
				continue
			}
			m.logger.Warn("heartbeat timeout",
				zap.Uint64("generation", generation),
				zap.Duration("elapsed", elapsed),
				zap.Duration("timeout", m.cfg.Timeout),
			)
			if m.onTimeout != nil {
				m.onTimeout(generation, elapsed)
			}
			return
		}
	}
}

// check reports an expiry and disarms the monitor in the same critical
// section so a concurrent Stop never waits on a goroutine that already fired.
func (m *Monitor) check(generation uint64, stopCh chan struct{}) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != stopCh || m.generation != generation {
		return 0, false
	}
	elapsed := m.clock.Now().Sub(m.last)
	if elapsed <= m.cfg.Timeout {
		return elapsed, false
	}
	m.stopCh, m.doneCh = nil, nil
	return elapsed, true
}
