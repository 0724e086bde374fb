package database

import (
	"context"
	"sync/atomic"
	"time"
)

// monitorPingTimeout bounds each health probe so a hung database file
// (stale NFS mount, exhausted WAL lock) cannot stall the monitor loop.
const monitorPingTimeout = 3 * time.Second

// Monitor periodically probes the database and exposes an availability
// predicate. Callers on the request path consult Available() instead of
// discovering an outage mid-transaction; the auth service maps an
// unavailable store to a transient error rather than crashing.
//
// Thread Safety:
//   - Available() may be called concurrently with the monitor loop.
type Monitor struct {
	db        *DB
	interval  time.Duration
	available atomic.Bool
}

// NewMonitor creates a Monitor for the given database.
// The monitor starts optimistic: the store is considered available until
// the first failed probe, since Open() has already verified connectivity.
func NewMonitor(db *DB, interval time.Duration) *Monitor {
	m := &Monitor{
		db:       db,
		interval: interval,
	}
	m.available.Store(true)
	return m
}

// Available reports whether the last health probe succeeded.
func (m *Monitor) Available() bool {
	return m.available.Load()
}

// Run probes the database at the configured interval until ctx is cancelled.
// It is intended to be launched as a background goroutine from main.
// A probe failure flips Available() to false; the next successful probe
// restores it. Transitions are reported through onChange (may be nil).
func (m *Monitor) Run(ctx context.Context, onChange func(available bool)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx, onChange)
		}
	}
}

// probe runs a single bounded health check and records the result.
func (m *Monitor) probe(ctx context.Context, onChange func(available bool)) {
	probeCtx, cancel := context.WithTimeout(ctx, monitorPingTimeout)
	defer cancel()

	healthy := m.db.HealthCheck(probeCtx) == nil
	if m.available.Swap(healthy) != healthy && onChange != nil {
		onChange(healthy)
	}
}
