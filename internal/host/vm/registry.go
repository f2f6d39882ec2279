package vm

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/config"
	"github.com/spin-stack/spinvm/internal/host/network"
)

// BackendOptions are the shared dependencies handed to backend constructors.
type BackendOptions struct {
	Config *config.Config
	// Network is nil for drivers that bring their own guest networking.
	Network network.Manager
}

// BackendConstructor builds a backend from the daemon configuration.
type BackendConstructor func(ctx context.Context, opts BackendOptions) (Backend, error)

// backends holds registered backend implementations.
var backends = make(map[string]BackendConstructor)

// Register registers a backend constructor under a driver name.
// This is called by init() functions in each backend package.
func Register(driver string, ctor BackendConstructor) {
	if _, exists := backends[driver]; exists {
		panic(fmt.Sprintf("backend already registered: %s", driver))
	}
	backends[driver] = ctor
}

// NewBackend builds the backend registered for driver.
func NewBackend(ctx context.Context, driver string, opts BackendOptions) (Backend, error) {
	ctor, ok := backends[driver]
	if !ok {
		return nil, fmt.Errorf("unknown backend driver: %s (available: %v)", driver, registeredDrivers())
	}

	b, err := ctor(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", driver, err)
	}
	log.G(ctx).WithField("driver", driver).Info("selected VM backend")
	return b, nil
}

// registeredDrivers returns a list of registered drivers for error messages
func registeredDrivers() []string {
	return slices.Sorted(maps.Keys(backends))
}
