package shutdown

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIdleMonitorDisabledWhenTimeoutZero(t *testing.T) {
	m := NewIdleMonitor(IdleMonitorConfig{Timeout: 0, Logger: testLogger()})
	m.Start()
	select {
	case <-m.ShutdownChan():
		t.Fatal("shutdown signaled with monitoring disabled")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIdleMonitorSignalsAfterTimeoutWithNoActiveJobs(t *testing.T) {
	m := NewIdleMonitor(IdleMonitorConfig{
		Timeout:    30 * time.Millisecond,
		Logger:     testLogger(),
		ActiveJobs: func() int64 { return 0 },
	})
	m.Start()
	defer m.Stop()

	select {
	case <-m.ShutdownChan():
	case <-time.After(2 * time.Second):
		t.Fatal("expected idle shutdown to be signaled")
	}
}

func TestIdleMonitorResetsOnActiveJobs(t *testing.T) {
	var active int64 = 1
	m := NewIdleMonitor(IdleMonitorConfig{
		Timeout:    30 * time.Millisecond,
		Logger:     testLogger(),
		ActiveJobs: func() int64 { return atomic.LoadInt64(&active) },
	})
	m.Start()
	defer m.Stop()

	select {
	case <-m.ShutdownChan():
		t.Fatal("shutdown signaled while jobs were still active")
	case <-time.After(150 * time.Millisecond):
	}

	atomic.StoreInt64(&active, 0)

	select {
	case <-m.ShutdownChan():
	case <-time.After(2 * time.Second):
		t.Fatal("expected idle shutdown to be signaled once jobs stopped")
	}
}
