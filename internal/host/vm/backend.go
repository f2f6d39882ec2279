package vm

import (
	"context"

	"github.com/spin-stack/spinvm/internal/host/network"
	"github.com/spin-stack/spinvm/internal/memsize"
)

// Capabilities describes what a backend can do with a live guest.
type Capabilities struct {
	Pause            bool
	LiveCPUResize    bool
	LiveMemoryResize bool
	// LiveSnapshot allows snapshots of running instances.
	LiveSnapshot bool
	// Events reports that the backend implements EventSource.
	Events bool
}

// Backend adapts one hypervisor family to a uniform set of operations keyed
// by instance name. Implementations are shared by every instance and must be
// safe for concurrent use. Every non-nil error is an *OperationError.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	HealthCheck(ctx context.Context) error

	// PrepareImage converts src into the backend's native disk format at
	// dst. It is idempotent for an unmodified source.
	PrepareImage(ctx context.Context, src, dst string) error
	ResizeDisk(ctx context.Context, desc Description, size memsize.Size) error
	// CloneDisk writes the current disk of src as the image of dst, sharing
	// storage with the source where the host allows it.
	CloneDisk(ctx context.Context, src, dst Description) error

	CreateEndpoint(ctx context.Context, name, mac string) error
	DeleteEndpoint(ctx context.Context, name string) error

	// Define registers the instance with the hypervisor, replacing an
	// earlier definition. Define must precede any other per-instance call.
	Define(ctx context.Context, desc Description) error
	// Undefine removes the definition and runtime state. Unknown instances
	// are not an error.
	Undefine(ctx context.Context, name string) error

	Start(ctx context.Context, name string) error
	// Stop shuts the guest down. Without force the guest is asked to power
	// off and is killed if it does not comply within the backend's grace
	// period.
	Stop(ctx context.Context, name string, force bool) error
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	State(ctx context.Context, name string) (State, error)

	SetCPUs(ctx context.Context, name string, n int) error
	SetMemory(ctx context.Context, name string, size memsize.Size) error

	ManagementIPv4(ctx context.Context, name string) (network.IPAddress, error)

	CaptureSnapshot(ctx context.Context, name, snapshot string) error
	ApplySnapshot(ctx context.Context, name, snapshot string) error
	EraseSnapshot(ctx context.Context, name, snapshot string) error
}

// Event is an asynchronous state report from a backend.
type Event struct {
	Instance string
	State    State
	// Reset marks a guest-initiated reboot.
	Reset bool
}

// EventSource is implemented by backends with a notification channel. The
// channel is closed when ctx is done.
type EventSource interface {
	Events(ctx context.Context) (<-chan Event, error)
}
