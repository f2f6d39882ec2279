// Package metrics exports instance transitions, backend operation outcomes
// and host network counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spin-stack/spinvm/internal/host/network"
	"github.com/spin-stack/spinvm/internal/host/vm"
)

// Observer implements vm.Observer with Prometheus collectors.
type Observer struct {
	transitions *prometheus.CounterVec
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

var _ vm.Observer = (*Observer)(nil)

// NewObserver creates the collectors and registers them with reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	o := &Observer{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spinvm_instance_transitions_total",
			Help: "Committed instance state transitions",
		}, []string{"backend", "from", "to"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spinvm_operations_total",
			Help: "Instance operations by outcome",
		}, []string{"backend", "op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spinvm_operation_duration_seconds",
			Help:    "Duration of instance operations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"backend", "op"}),
	}
	reg.MustRegister(o.transitions, o.operations, o.latency)
	return o
}

func (o *Observer) ObserveTransition(backend, from, to string) {
	o.transitions.WithLabelValues(backend, from, to).Inc()
}

func (o *Observer) ObserveOperation(backend, op string, d time.Duration, err error) {
	o.operations.WithLabelValues(backend, op, Result(err)).Inc()
	o.latency.WithLabelValues(backend, op).Observe(d.Seconds())
}

// Result labels an operation outcome by its backend result code.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	var oe *vm.OperationError
	if errors.As(err, &oe) {
		return oe.Code.String()
	}
	return "error"
}

// RegisterNetwork exports the counters of a host network manager.
func RegisterNetwork(reg prometheus.Registerer, m network.Manager) {
	counter := func(name, help string, value func(network.MetricsSnapshot) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(value(m.Metrics()))
		})
	}
	reg.MustRegister(
		counter("spinvm_network_endpoint_setups_total", "Endpoint setup attempts",
			func(s network.MetricsSnapshot) int64 { return s.SetupAttempts }),
		counter("spinvm_network_endpoint_setup_failures_total", "Failed endpoint setups",
			func(s network.MetricsSnapshot) int64 { return s.SetupFailures }),
		counter("spinvm_network_endpoint_teardowns_total", "Endpoint teardown attempts",
			func(s network.MetricsSnapshot) int64 { return s.TeardownAttempts }),
		counter("spinvm_network_endpoint_teardown_failures_total", "Failed endpoint teardowns",
			func(s network.MetricsSnapshot) int64 { return s.TeardownFailures }),
		counter("spinvm_network_stale_leases_total", "Addresses reclaimed from vanished instances",
			func(s network.MetricsSnapshot) int64 { return s.StaleLeases }),
	)
}

// Serve exposes gatherer on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.G(ctx).WithField("address", addr).Info("metrics: serving")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
