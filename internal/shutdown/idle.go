// Package shutdown provides idle-timeout monitoring so a long-running
// worker process can scale to zero on platforms (Fly.io machines, k8s
// scale-to-zero) that stop a process once it has had no work for a while.
package shutdown

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ActiveJobsChecker reports how many jobs a worker pool is currently
// processing. The monitor treats a nonzero count the same as recent
// activity: it resets the idle clock rather than shutting down underneath
// in-flight work.
type ActiveJobsChecker func() int64

// IdleMonitor tracks job-processing activity and signals when the worker
// has been idle for a configurable duration.
type IdleMonitor struct {
	timeout      time.Duration
	logger       *slog.Logger
	lastActivity time.Time
	mu           sync.RWMutex
	shutdownChan chan struct{}
	stopChan     chan struct{}
	activeJobs   ActiveJobsChecker

	polls int64 // exposed for tests; counts monitoring ticks observed
}

// IdleMonitorConfig holds configuration for the idle monitor.
type IdleMonitorConfig struct {
	Timeout    time.Duration // how long to wait before considering idle; 0 disables
	Logger     *slog.Logger
	ActiveJobs ActiveJobsChecker // required: reports in-flight job count
}

// NewIdleMonitor creates a new idle monitor. If timeout is 0, the monitor
// is effectively disabled.
func NewIdleMonitor(cfg IdleMonitorConfig) *IdleMonitor {
	return &IdleMonitor{
		timeout:      cfg.Timeout,
		logger:       cfg.Logger,
		lastActivity: time.Now(),
		shutdownChan: make(chan struct{}),
		stopChan:     make(chan struct{}),
		activeJobs:   cfg.ActiveJobs,
	}
}

// Start begins monitoring for idle periods. When the timeout is reached
// with no active jobs, it signals shutdown by closing ShutdownChan.
func (m *IdleMonitor) Start() {
	if m.timeout <= 0 {
		m.logger.Debug("idle monitoring disabled (timeout=0)")
		return
	}
	m.logger.Info("idle monitoring started", "timeout", m.timeout)
	go m.run()
}

// Stop stops the idle monitor.
func (m *IdleMonitor) Stop() {
	if m.timeout <= 0 {
		return
	}
	close(m.stopChan)
}

// ShutdownChan returns a channel that is closed when idle timeout is reached.
func (m *IdleMonitor) ShutdownChan() <-chan struct{} {
	return m.shutdownChan
}

func (m *IdleMonitor) run() {
	checkInterval := m.timeout / 6
	if checkInterval < 5*time.Second {
		checkInterval = 5 * time.Second
	}
	if checkInterval > 30*time.Second {
		checkInterval = 30 * time.Second
	}
	if checkInterval > m.timeout {
		checkInterval = m.timeout
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			atomic.AddInt64(&m.polls, 1)

			active := int64(0)
			if m.activeJobs != nil {
				active = m.activeJobs()
			}

			m.mu.Lock()
			if active > 0 {
				m.lastActivity = time.Now()
			}
			idleTime := time.Since(m.lastActivity)
			m.mu.Unlock()

			if active == 0 && idleTime >= m.timeout {
				m.logger.Info("idle timeout reached, signaling graceful shutdown",
					"idle_time", idleTime, "timeout", m.timeout,
				)
				close(m.shutdownChan)
				return
			}

			m.logger.Debug("idle check", "idle_time", idleTime, "active_jobs", active, "timeout", m.timeout)
		}
	}
}
