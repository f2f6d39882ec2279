// Package daemon assembles the backend, network, registry and factory
// described by the configuration and exposes name-keyed instance
// operations on top of them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spin-stack/spinvm/internal/boltstore"
	"github.com/spin-stack/spinvm/internal/cloudinit"
	"github.com/spin-stack/spinvm/internal/config"
	"github.com/spin-stack/spinvm/internal/host/network"
	"github.com/spin-stack/spinvm/internal/host/network/ipallocator"
	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/metrics"
	"github.com/spin-stack/spinvm/internal/paths"
	"github.com/spin-stack/spinvm/internal/petname"
	"github.com/spin-stack/spinvm/internal/process"
	"github.com/spin-stack/spinvm/internal/registry"
	"github.com/spin-stack/spinvm/internal/sshkeys"

	// Backends register themselves with vm.Register.
	_ "github.com/spin-stack/spinvm/internal/host/vm/fake"
	_ "github.com/spin-stack/spinvm/internal/host/vm/libvirt"
	_ "github.com/spin-stack/spinvm/internal/host/vm/qemu"
	_ "github.com/spin-stack/spinvm/internal/host/vm/vz"
)

const (
	snapshotsBucket   = "snapshots"
	allocationsBucket = "ip_allocations"
	nameAttempts      = 32
)

// Options overrides collaborators that New otherwise builds from the
// configuration.
type Options struct {
	Config *config.Config
	// Registerer receives the daemon's collectors. Nil disables metrics.
	Registerer prometheus.Registerer

	Backend vm.Backend
	Network network.Manager
	Seeds   vm.SeedWriter
	Keys    sshkeys.Provider
	Names   petname.NameGenerator
}

// Daemon owns every machine of one backend.
type Daemon struct {
	cfg      *config.Config
	backend  vm.Backend
	network  network.Manager
	factory  *vm.Factory
	registry *registry.Registry
	keys     sshkeys.Provider
	names    petname.NameGenerator
	closers  []func() error

	mu       sync.Mutex
	machines map[string]*vm.Machine

	eventsOnce sync.Once
	stopEvents context.CancelFunc
	eventsDone chan struct{}
}

// New builds a daemon. Call Load to bring back existing instances.
func New(ctx context.Context, opts Options) (_ *Daemon, retErr error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required: %w", errdefs.ErrInvalidArgument)
	}
	d := &Daemon{
		cfg:      cfg,
		keys:     opts.Keys,
		names:    opts.Names,
		machines: make(map[string]*vm.Machine),
	}
	defer func() {
		if retErr != nil {
			_ = d.closeAll()
		}
	}()

	if err := paths.EnsureDirs(cfg.Paths); err != nil {
		return nil, err
	}

	reg, err := registry.Open(paths.RegistryPath(cfg.Paths))
	if err != nil {
		return nil, err
	}
	d.registry = reg
	d.closers = append(d.closers, reg.Close)

	snapshots, err := boltstore.NewBoltStore[vm.SnapshotTable](paths.RegistryPath(cfg.Paths), snapshotsBucket)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, snapshots.Close)

	d.network = opts.Network
	if d.network == nil && usesHostNetwork(cfg.Backend.Driver) {
		if d.network, err = d.hostNetwork(ctx); err != nil {
			return nil, err
		}
	}

	backend := opts.Backend
	if backend == nil {
		backend, err = vm.NewBackend(ctx, cfg.Backend.Driver, vm.BackendOptions{Config: cfg, Network: d.network})
		if err != nil {
			return nil, err
		}
	}
	if c, ok := backend.(interface{ Close() error }); ok {
		d.closers = append(d.closers, c.Close)
	}
	d.backend = vm.WithRetry(backend, cfg.Timeouts.RetryAttempts, cfg.Timeouts.GetRetryBackoff())

	var observer vm.Observer
	if opts.Registerer != nil {
		observer = metrics.NewObserver(opts.Registerer)
		if d.network != nil {
			metrics.RegisterNetwork(opts.Registerer, d.network)
		}
	}

	seeds := opts.Seeds
	if seeds == nil {
		seeds = vm.CloudInitSeeds{Builder: cloudinit.ISOBuilder{
			Tool:   paths.ISOToolPath(cfg.Paths),
			Runner: process.ExecRunner{Confiner: process.ConfinerFor(cfg.Backend.AppArmorProfile)},
		}}
	}

	d.factory, err = vm.NewFactory(d.backend, vm.FactoryOptions{
		InstancesDir: paths.InstancesDir(cfg.Paths, cfg.Backend.Driver),
		Seeds:        seeds,
		Snapshots:    snapshots,
		Observer:     observer,
		Machine: vm.MachineConfig{
			StartTimeout:    cfg.Timeouts.GetStart(),
			ShutdownTimeout: cfg.Timeouts.GetShutdown(),
			PollInterval:    cfg.Timeouts.GetPollInterval(),
		},
	})
	if err != nil {
		return nil, err
	}

	if d.keys == nil {
		if d.keys, err = sshkeys.NewOpenSSHKeyProvider(ctx, paths.SSHKeysDir(cfg.Paths), ""); err != nil {
			return nil, err
		}
	}
	if d.names == nil {
		if d.names, err = petname.New(2, "-"); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func usesHostNetwork(driver string) bool {
	return driver == config.DriverQEMU
}

// hostNetwork brings up the bridge that qemu guests attach to.
func (d *Daemon) hostNetwork(ctx context.Context) (network.Manager, error) {
	cfg := d.cfg
	subnet, err := network.ParseSubnet(cfg.Network.Subnet)
	if err != nil {
		return nil, err
	}
	store, err := boltstore.NewBoltStore[ipallocator.IPAllocation](paths.RegistryPath(cfg.Paths), allocationsBucket)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, store.Close)

	alloc, err := ipallocator.NewBitmapIPAllocator(ctx, store, ipallocator.Config{Subnet: cfg.Network.Subnet})
	if err != nil {
		return nil, err
	}
	mgr, err := network.NewHostManager(network.BridgeConfig{
		Bridge:      cfg.Network.Bridge,
		Subnet:      subnet,
		StateDir:    paths.NetworkDir(cfg.Paths),
		DHCP:        cfg.Network.Dnsmasq,
		DnsmasqPath: paths.DnsmasqPath(cfg.Paths),
		Confiner:    process.ConfinerFor(cfg.Backend.AppArmorProfile),
	}, alloc)
	if err != nil {
		return nil, err
	}
	if err := mgr.Setup(ctx); err != nil {
		return nil, fmt.Errorf("set up host network: %w", err)
	}
	d.closers = append(d.closers, func() error { return mgr.Close(context.Background()) })
	return mgr, nil
}

// Backend returns the (retrying) backend of the daemon.
func (d *Daemon) Backend() vm.Backend {
	return d.backend
}

// Load drops ghost records and rebinds every instance of this backend.
// Instances that cannot be restored are logged and skipped.
func (d *Daemon) Load(ctx context.Context) error {
	if _, err := d.registry.PurgeGhosts(ctx); err != nil {
		return err
	}
	entries, err := d.registry.List(ctx)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.Backend != "" && e.Backend != d.cfg.Backend.Driver {
			continue
		}
		logger := log.G(ctx).WithField("instance", e.Name)
		desc := vm.DescriptionFor(e.Name, e.Image, "", e.Specs)
		m, err := d.factory.RestoreVirtualMachine(ctx, desc, e.Specs, d.registry)
		if err != nil {
			logger.WithError(err).Warn("daemon: failed to restore instance")
			continue
		}
		d.mu.Lock()
		d.machines[e.Name] = m
		d.mu.Unlock()
		logger.WithField("state", e.Specs.State.String()).Debug("daemon: instance restored")
	}
	d.watchEvents(ctx)
	return nil
}

// watchEvents routes backend events to the machine they concern. Only the
// first call subscribes.
func (d *Daemon) watchEvents(ctx context.Context) {
	d.eventsOnce.Do(func() { d.subscribe(ctx) })
}

func (d *Daemon) subscribe(ctx context.Context) {
	if !d.backend.Capabilities().Events {
		return
	}
	src, ok := d.backend.(vm.EventSource)
	if !ok {
		return
	}
	evCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := src.Events(evCtx)
	if err != nil {
		cancel()
		log.G(ctx).WithError(err).Warn("daemon: backend events unavailable, relying on polling")
		return
	}
	d.stopEvents = cancel
	d.eventsDone = make(chan struct{})

	go func() {
		defer close(d.eventsDone)
		for ev := range events {
			d.mu.Lock()
			m, ok := d.machines[ev.Instance]
			d.mu.Unlock()
			if ok {
				m.Notify(ev)
			}
		}
	}()
}

// Close stops event delivery and releases every resource the daemon opened.
// Guests keep running where the backend allows it.
func (d *Daemon) Close() error {
	d.eventsOnce.Do(func() {})
	if d.stopEvents != nil {
		d.stopEvents()
		<-d.eventsDone
	}
	d.mu.Lock()
	for _, m := range d.machines {
		m.Close()
	}
	d.machines = map[string]*vm.Machine{}
	d.mu.Unlock()
	return d.closeAll()
}

func (d *Daemon) closeAll() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// machine returns the live machine of name. Trashed instances are only
// returned when includeDeleted is set.
func (d *Daemon) machine(name string, includeDeleted bool) (*vm.Machine, error) {
	d.mu.Lock()
	m, ok := d.machines[name]
	d.mu.Unlock()
	if !ok || (!includeDeleted && m.Specs().Deleted) {
		return nil, fmt.Errorf("instance %q does not exist: %w", name, errdefs.ErrNotFound)
	}
	return m, nil
}

// operable returns the named machine once the hypervisor passed its health
// check.
func (d *Daemon) operable(ctx context.Context, name string) (*vm.Machine, error) {
	m, err := d.machine(name, false)
	if err != nil {
		return nil, err
	}
	if err := d.factory.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *Daemon) taken(name string) bool {
	d.mu.Lock()
	_, ok := d.machines[name]
	d.mu.Unlock()
	return ok || d.registry.Contains(context.Background(), name)
}

// HealthCheck probes the hypervisor.
func (d *Daemon) HealthCheck(ctx context.Context) error {
	return d.factory.HealthCheck(ctx)
}

// waitTimeout bounds address discovery.
func (d *Daemon) waitTimeout() time.Duration {
	return d.cfg.Timeouts.GetSSH()
}
