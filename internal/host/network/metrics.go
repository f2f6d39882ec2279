package network

import (
	"sync/atomic"
	"time"
)

// opCounter counts one kind of endpoint operation.
type opCounter struct {
	attempts atomic.Int64
	failures atomic.Int64
	elapsed  atomic.Int64 // nanoseconds
}

func (c *opCounter) record(err error, d time.Duration) {
	c.attempts.Add(1)
	c.elapsed.Add(int64(d))
	if err != nil {
		c.failures.Add(1)
	}
}

// avgMs is the mean duration per attempt in milliseconds.
func (c *opCounter) avgMs() float64 {
	n := c.attempts.Load()
	if n == 0 {
		return 0
	}
	return float64(c.elapsed.Load()) / float64(n) / float64(time.Millisecond)
}

// Metrics counts endpoint setup and teardown on the host bridge. The zero
// value is ready to use.
type Metrics struct {
	setup     opCounter
	teardown  opCounter
	conflicts atomic.Int64
	stale     atomic.Int64
}

// RecordSetup records one CreateEndpoint call. conflict is set when the tap
// or address was already taken.
func (m *Metrics) RecordSetup(err error, conflict bool, d time.Duration) {
	m.setup.record(err, d)
	if conflict {
		m.conflicts.Add(1)
	}
}

// RecordTeardown records one DeleteEndpoint call.
func (m *Metrics) RecordTeardown(err error, d time.Duration) {
	m.teardown.record(err, d)
}

// RecordStaleLease records an address reclaimed from a vanished instance.
func (m *Metrics) RecordStaleLease() {
	m.stale.Add(1)
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	SetupAttempts     int64
	SetupSuccesses    int64
	SetupFailures     int64
	ResourceConflicts int64
	TeardownAttempts  int64
	TeardownSuccesses int64
	TeardownFailures  int64
	StaleLeases       int64
	AvgSetupTimeMs    float64
	AvgTeardownTimeMs float64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		SetupAttempts:     m.setup.attempts.Load(),
		SetupFailures:     m.setup.failures.Load(),
		ResourceConflicts: m.conflicts.Load(),
		TeardownAttempts:  m.teardown.attempts.Load(),
		TeardownFailures:  m.teardown.failures.Load(),
		StaleLeases:       m.stale.Load(),
		AvgSetupTimeMs:    m.setup.avgMs(),
		AvgTeardownTimeMs: m.teardown.avgMs(),
	}
	s.SetupSuccesses = s.SetupAttempts - s.SetupFailures
	s.TeardownSuccesses = s.TeardownAttempts - s.TeardownFailures
	return s
}
