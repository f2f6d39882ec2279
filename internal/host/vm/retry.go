package vm

import (
	"context"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/host/network"
	"github.com/spin-stack/spinvm/internal/memsize"
)

// retryBackend retries retryable failures a bounded number of times with a
// fixed backoff.
type retryBackend struct {
	Backend
	attempts int
	backoff  time.Duration
}

// WithRetry wraps b so that retryable failures are retried up to attempts
// times in total. Capability and health queries pass through.
func WithRetry(b Backend, attempts int, backoff time.Duration) Backend {
	if attempts <= 1 {
		return b
	}
	return &retryBackend{Backend: b, attempts: attempts, backoff: backoff}
}

// Events forwards to the wrapped backend when it is an EventSource.
func (r *retryBackend) Events(ctx context.Context) (<-chan Event, error) {
	if src, ok := r.Backend.(EventSource); ok {
		return src.Events(ctx)
	}
	return nil, &CapabilityError{Backend: r.Name(), Op: "events"}
}

func (r *retryBackend) do(ctx context.Context, op, name string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) || attempt == r.attempts {
			return err
		}
		log.G(ctx).WithError(err).WithFields(log.Fields{
			"op":       op,
			"instance": name,
			"attempt":  attempt,
		}).Debug("vm: retrying backend operation")

		select {
		case <-ctx.Done():
			return err
		case <-time.After(r.backoff):
		}
	}
	return err
}

func (r *retryBackend) PrepareImage(ctx context.Context, src, dst string) error {
	return r.do(ctx, "prepare image", "", func() error { return r.Backend.PrepareImage(ctx, src, dst) })
}

func (r *retryBackend) ResizeDisk(ctx context.Context, desc Description, size memsize.Size) error {
	return r.do(ctx, "resize disk", desc.Name, func() error { return r.Backend.ResizeDisk(ctx, desc, size) })
}

func (r *retryBackend) CloneDisk(ctx context.Context, src, dst Description) error {
	return r.do(ctx, "clone disk", dst.Name, func() error { return r.Backend.CloneDisk(ctx, src, dst) })
}

func (r *retryBackend) CreateEndpoint(ctx context.Context, name, mac string) error {
	return r.do(ctx, "create endpoint", name, func() error { return r.Backend.CreateEndpoint(ctx, name, mac) })
}

func (r *retryBackend) DeleteEndpoint(ctx context.Context, name string) error {
	return r.do(ctx, "delete endpoint", name, func() error { return r.Backend.DeleteEndpoint(ctx, name) })
}

func (r *retryBackend) Define(ctx context.Context, desc Description) error {
	return r.do(ctx, "define", desc.Name, func() error { return r.Backend.Define(ctx, desc) })
}

func (r *retryBackend) Undefine(ctx context.Context, name string) error {
	return r.do(ctx, "undefine", name, func() error { return r.Backend.Undefine(ctx, name) })
}

func (r *retryBackend) Start(ctx context.Context, name string) error {
	return r.do(ctx, "start", name, func() error { return r.Backend.Start(ctx, name) })
}

func (r *retryBackend) Stop(ctx context.Context, name string, force bool) error {
	return r.do(ctx, "stop", name, func() error { return r.Backend.Stop(ctx, name, force) })
}

func (r *retryBackend) Pause(ctx context.Context, name string) error {
	return r.do(ctx, "pause", name, func() error { return r.Backend.Pause(ctx, name) })
}

func (r *retryBackend) Resume(ctx context.Context, name string) error {
	return r.do(ctx, "resume", name, func() error { return r.Backend.Resume(ctx, name) })
}

func (r *retryBackend) State(ctx context.Context, name string) (State, error) {
	var st State
	err := r.do(ctx, "state", name, func() error {
		var err error
		st, err = r.Backend.State(ctx, name)
		return err
	})
	return st, err
}

func (r *retryBackend) SetCPUs(ctx context.Context, name string, n int) error {
	return r.do(ctx, "set cpus", name, func() error { return r.Backend.SetCPUs(ctx, name, n) })
}

func (r *retryBackend) SetMemory(ctx context.Context, name string, size memsize.Size) error {
	return r.do(ctx, "set memory", name, func() error { return r.Backend.SetMemory(ctx, name, size) })
}

// ManagementIPv4 is not retried: callers poll it with their own deadline.
func (r *retryBackend) ManagementIPv4(ctx context.Context, name string) (network.IPAddress, error) {
	return r.Backend.ManagementIPv4(ctx, name)
}

func (r *retryBackend) CaptureSnapshot(ctx context.Context, name, snapshot string) error {
	return r.do(ctx, "capture snapshot", name, func() error { return r.Backend.CaptureSnapshot(ctx, name, snapshot) })
}

func (r *retryBackend) ApplySnapshot(ctx context.Context, name, snapshot string) error {
	return r.do(ctx, "apply snapshot", name, func() error { return r.Backend.ApplySnapshot(ctx, name, snapshot) })
}

func (r *retryBackend) EraseSnapshot(ctx context.Context, name, snapshot string) error {
	return r.do(ctx, "erase snapshot", name, func() error { return r.Backend.EraseSnapshot(ctx, name, snapshot) })
}
