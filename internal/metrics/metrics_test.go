package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/spinvm/internal/host/network"
	"github.com/spin-stack/spinvm/internal/host/vm"
)

func TestObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewObserver(reg)

	o.ObserveTransition("qemu", "off", "starting")
	o.ObserveTransition("qemu", "off", "starting")
	o.ObserveOperation("qemu", "start", 2*time.Second, nil)
	o.ObserveOperation("qemu", "start", time.Second, vm.Fail("qemu", "start", "vm1", errdefs.ErrNotFound))

	assert.Equal(t, 2.0, testutil.ToFloat64(o.transitions.WithLabelValues("qemu", "off", "starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.operations.WithLabelValues("qemu", "start", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.operations.WithLabelValues("qemu", "start", "not found")))

	n, err := testutil.GatherAndCount(reg, "spinvm_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResult(t *testing.T) {
	assert.Equal(t, "ok", Result(nil))
	assert.Equal(t, "error", Result(errors.New("boom")))
	assert.Equal(t, "busy", Result(vm.Fail("libvirt", "start", "vm1", errdefs.ErrUnavailable)))
}

type countingNetwork struct {
	network.Manager
	snap network.MetricsSnapshot
}

func (c countingNetwork) Metrics() network.MetricsSnapshot { return c.snap }

func TestRegisterNetwork(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterNetwork(reg, countingNetwork{snap: network.MetricsSnapshot{SetupAttempts: 3, StaleLeases: 1}})

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", prometheus.NewRegistry()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
