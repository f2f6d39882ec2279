package ipallocator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsProvider defines the interface for providing metrics for IP allocation operations.
type MetricsProvider interface {
	IncrementAllocatedIPs()
	DecrementAllocatedIPs()
	SetAllocatedIPs(count float64)
	IncrementIPAllocations()
	IncrementIPReleases()
	IncrementIPAllocationErrors()
	IncrementIPReleaseErrors()
	ObserveIPAllocationDuration(duration time.Duration)
	ObserveIPReleaseDuration(duration time.Duration)
	SetTotalIPs(count float64)
}

// NoopMetricsProvider implements MetricsProvider with no-op operations.
type NoopMetricsProvider struct{}

func (n *NoopMetricsProvider) IncrementAllocatedIPs()                             {}
func (n *NoopMetricsProvider) DecrementAllocatedIPs()                             {}
func (n *NoopMetricsProvider) SetAllocatedIPs(count float64)                      {}
func (n *NoopMetricsProvider) IncrementIPAllocations()                            {}
func (n *NoopMetricsProvider) IncrementIPReleases()                               {}
func (n *NoopMetricsProvider) IncrementIPAllocationErrors()                       {}
func (n *NoopMetricsProvider) IncrementIPReleaseErrors()                          {}
func (n *NoopMetricsProvider) ObserveIPAllocationDuration(duration time.Duration) {}
func (n *NoopMetricsProvider) ObserveIPReleaseDuration(duration time.Duration)    {}
func (n *NoopMetricsProvider) SetTotalIPs(count float64)                          {}

// PrometheusMetricsProvider implements MetricsProvider using Prometheus.
type PrometheusMetricsProvider struct {
	allocatedIPs         prometheus.Gauge
	totalIPs             prometheus.Gauge
	ipAllocations        prometheus.Counter
	ipReleases           prometheus.Counter
	ipAllocationErrors   prometheus.Counter
	ipReleaseErrors      prometheus.Counter
	ipAllocationDuration prometheus.Histogram
	ipReleaseDuration    prometheus.Histogram
}

// NewPrometheusMetricsProvider creates the pool collectors and registers them with registry.
func NewPrometheusMetricsProvider(registry prometheus.Registerer) *PrometheusMetricsProvider {
	p := &PrometheusMetricsProvider{
		allocatedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spinvm_ip_pool_allocated_ips",
			Help: "Number of currently allocated guest addresses",
		}),
		totalIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spinvm_ip_pool_total_ips",
			Help: "Total number of allocatable guest addresses in the bridge subnet",
		}),
		ipAllocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spinvm_ip_pool_allocations_total",
			Help: "Total number of address allocation attempts",
		}),
		ipReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spinvm_ip_pool_releases_total",
			Help: "Total number of address release attempts",
		}),
		ipAllocationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spinvm_ip_pool_allocation_errors_total",
			Help: "Total number of address allocation errors",
		}),
		ipReleaseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spinvm_ip_pool_release_errors_total",
			Help: "Total number of address release errors",
		}),
		ipAllocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spinvm_ip_pool_allocation_duration_seconds",
			Help:    "Duration of address allocation operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		ipReleaseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spinvm_ip_pool_release_duration_seconds",
			Help:    "Duration of address release operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
	}

	registry.MustRegister(
		p.allocatedIPs,
		p.totalIPs,
		p.ipAllocations,
		p.ipReleases,
		p.ipAllocationErrors,
		p.ipReleaseErrors,
		p.ipAllocationDuration,
		p.ipReleaseDuration,
	)

	return p
}

func (p *PrometheusMetricsProvider) IncrementAllocatedIPs() { p.allocatedIPs.Inc() }

func (p *PrometheusMetricsProvider) DecrementAllocatedIPs() { p.allocatedIPs.Dec() }

func (p *PrometheusMetricsProvider) SetAllocatedIPs(count float64) { p.allocatedIPs.Set(count) }

func (p *PrometheusMetricsProvider) IncrementIPAllocations() { p.ipAllocations.Inc() }

func (p *PrometheusMetricsProvider) IncrementIPReleases() { p.ipReleases.Inc() }

func (p *PrometheusMetricsProvider) IncrementIPAllocationErrors() { p.ipAllocationErrors.Inc() }

func (p *PrometheusMetricsProvider) IncrementIPReleaseErrors() { p.ipReleaseErrors.Inc() }

func (p *PrometheusMetricsProvider) ObserveIPAllocationDuration(duration time.Duration) {
	p.ipAllocationDuration.Observe(duration.Seconds())
}

func (p *PrometheusMetricsProvider) ObserveIPReleaseDuration(duration time.Duration) {
	p.ipReleaseDuration.Observe(duration.Seconds())
}

func (p *PrometheusMetricsProvider) SetTotalIPs(count float64) { p.totalIPs.Set(count) }

var (
	metricsMu       sync.RWMutex
	metricsProvider MetricsProvider = &NoopMetricsProvider{}
)

// SetMetricsProvider sets the global IP allocator metrics provider.
func SetMetricsProvider(provider MetricsProvider) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	metricsProvider = provider
}

func metrics() MetricsProvider {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metricsProvider
}
