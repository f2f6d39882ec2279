package network

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSnapshot(t *testing.T) {
	t.Run("recorded operations", func(t *testing.T) {
		var m Metrics
		boom := errors.New("boom")

		m.RecordSetup(nil, false, 100*time.Millisecond)
		m.RecordSetup(nil, false, 200*time.Millisecond)
		m.RecordSetup(boom, true, 50*time.Millisecond)
		m.RecordSetup(boom, false, 50*time.Millisecond)
		m.RecordTeardown(nil, 50*time.Millisecond)
		m.RecordTeardown(boom, 30*time.Millisecond)
		m.RecordStaleLease()

		snap := m.Snapshot()
		assert.Equal(t, int64(4), snap.SetupAttempts)
		assert.Equal(t, int64(2), snap.SetupSuccesses)
		assert.Equal(t, int64(2), snap.SetupFailures)
		assert.Equal(t, int64(1), snap.ResourceConflicts)
		assert.Equal(t, int64(2), snap.TeardownAttempts)
		assert.Equal(t, int64(1), snap.TeardownSuccesses)
		assert.Equal(t, int64(1), snap.TeardownFailures)
		assert.Equal(t, int64(1), snap.StaleLeases)
		assert.InDelta(t, 100.0, snap.AvgSetupTimeMs, 0.01)
		assert.InDelta(t, 40.0, snap.AvgTeardownTimeMs, 0.01)
	})

	t.Run("zero value", func(t *testing.T) {
		var m Metrics
		assert.Equal(t, MetricsSnapshot{}, m.Snapshot())
	})
}
