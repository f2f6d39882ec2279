// Package libvirt implements the VM backend on top of a running libvirtd.
// Domains are defined persistently from generated XML; snapshots are
// libvirt-managed internal qcow2 snapshots.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	golibvirt "github.com/digitalocean/go-libvirt"

	"github.com/spin-stack/spinvm/internal/config"
	"github.com/spin-stack/spinvm/internal/host/disk"
	"github.com/spin-stack/spinvm/internal/host/network"
	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/memsize"
	"github.com/spin-stack/spinvm/internal/paths"
)

const (
	defaultSocket           = "/var/run/libvirt/libvirt-sock"
	defaultNetwork          = "default"
	defaultPowerdownTimeout = 3 * time.Minute
	dialTimeout             = 5 * time.Second
	maxMemoryFactor         = 4
	memoryAlignment         = 128 * memsize.MiB
	consoleLogName          = "console.log"
	eventBuffer             = 64
)

// hypervisor is the part of the libvirt RPC client the backend uses.
type hypervisor interface {
	ConnectGetLibVersion() (uint64, error)
	DomainLookupByName(name string) (golibvirt.Domain, error)
	DomainDefineXML(xml string) (golibvirt.Domain, error)
	DomainUndefineFlags(dom golibvirt.Domain, flags golibvirt.DomainUndefineFlagsValues) error
	DomainCreate(dom golibvirt.Domain) error
	DomainShutdown(dom golibvirt.Domain) error
	DomainDestroy(dom golibvirt.Domain) error
	DomainSuspend(dom golibvirt.Domain) error
	DomainResume(dom golibvirt.Domain) error
	DomainGetState(dom golibvirt.Domain, flags uint32) (int32, int32, error)
	DomainSetVcpusFlags(dom golibvirt.Domain, nvcpus uint32, flags uint32) error
	DomainSetMemoryFlags(dom golibvirt.Domain, memory uint64, flags uint32) error
	DomainInterfaceAddresses(dom golibvirt.Domain, source uint32, flags uint32) ([]golibvirt.DomainInterface, error)
	DomainSnapshotNum(dom golibvirt.Domain, flags uint32) (int32, error)
	DomainSnapshotCreateXML(dom golibvirt.Domain, xml string, flags uint32) (golibvirt.DomainSnapshot, error)
	DomainSnapshotLookupByName(dom golibvirt.Domain, name string, flags uint32) (golibvirt.DomainSnapshot, error)
	DomainRevertToSnapshot(snap golibvirt.DomainSnapshot, flags uint32) error
	DomainSnapshotDelete(snap golibvirt.DomainSnapshot, flags golibvirt.DomainSnapshotDeleteFlags) error
	LifecycleEvents(ctx context.Context) (<-chan golibvirt.DomainEventLifecycleMsg, error)
	Disconnect() error
}

var _ hypervisor = (*golibvirt.Libvirt)(nil)

// Options configures the backend.
type Options struct {
	// Socket is the libvirtd unix socket.
	Socket string
	// LibvirtNetwork is used for the default NIC when Network is nil.
	LibvirtNetwork string
	Firmware       string
	// MaxCPUs caps live vCPU changes. Defaults to the host CPU count.
	MaxCPUs          int
	PowerdownTimeout time.Duration

	Imager disk.Imager
	// Network owns tap endpoints. When nil guests join LibvirtNetwork and
	// addresses come from libvirt's DHCP leases.
	Network network.Manager

	// Dial overrides how the connection is established.
	Dial func(ctx context.Context) (hypervisor, error)
}

// definition is the current topology of a defined domain.
type definition struct {
	desc      vm.Description
	cpus      int
	memory    memsize.Size
	maxCPUs   int
	maxMemory memsize.Size
}

// Backend drives libvirt domains.
type Backend struct {
	opts Options

	connMu sync.Mutex
	conn   hypervisor

	mu     sync.Mutex
	defs   map[string]*definition
	timers map[string]*time.Timer
}

var (
	_ vm.Backend     = (*Backend)(nil)
	_ vm.EventSource = (*Backend)(nil)
)

func init() {
	vm.Register(config.DriverLibvirt, newFromConfig)
}

func newFromConfig(ctx context.Context, opts vm.BackendOptions) (vm.Backend, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("libvirt backend requires a configuration: %w", errdefs.ErrInvalidArgument)
	}
	return New(Options{
		Socket:           cfg.Backend.LibvirtSocket,
		PowerdownTimeout: cfg.Timeouts.GetShutdown(),
		Imager:           disk.NewQemuImg(paths.QemuImgPath(cfg.Paths)),
		Network:          opts.Network,
	}), nil
}

// New returns a backend. The connection is opened on first use.
func New(opts Options) *Backend {
	if opts.Socket == "" {
		opts.Socket = defaultSocket
	}
	if opts.LibvirtNetwork == "" {
		opts.LibvirtNetwork = defaultNetwork
	}
	if opts.MaxCPUs <= 0 {
		opts.MaxCPUs = runtime.NumCPU()
	}
	if opts.PowerdownTimeout <= 0 {
		opts.PowerdownTimeout = defaultPowerdownTimeout
	}
	b := &Backend{
		opts:   opts,
		defs:   make(map[string]*definition),
		timers: make(map[string]*time.Timer),
	}
	if b.opts.Dial == nil {
		b.opts.Dial = b.dialSocket
	}
	return b
}

func (b *Backend) dialSocket(ctx context.Context) (hypervisor, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "unix", b.opts.Socket)
	if err != nil {
		return nil, fmt.Errorf("dial libvirt socket %q: %w", b.opts.Socket, err)
	}
	//nolint:staticcheck // the dialer API needs a dialer per connection; one socket is enough here.
	l := golibvirt.New(conn)
	if err := l.Connect(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("libvirt connect: %w", err)
	}
	return l, nil
}

// connection returns the shared client, reconnecting after libvirtd went away.
func (b *Backend) connection(ctx context.Context) (hypervisor, error) {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.conn != nil {
		watcher, ok := b.conn.(interface{ Disconnected() <-chan struct{} })
		if !ok {
			return b.conn, nil
		}
		select {
		case <-watcher.Disconnected():
			log.G(ctx).Warn("libvirt: connection lost, reconnecting")
			b.conn = nil
		default:
			return b.conn, nil
		}
	}

	conn, err := b.opts.Dial(ctx)
	if err != nil {
		return nil, errors.Join(err, errdefs.ErrUnavailable)
	}
	b.conn = conn
	return conn, nil
}

// Close drops the libvirt connection.
func (b *Backend) Close() error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Disconnect()
	b.conn = nil
	return err
}

func (b *Backend) Name() string {
	return config.DriverLibvirt
}

func (b *Backend) Capabilities() vm.Capabilities {
	return vm.Capabilities{
		Pause:            true,
		LiveCPUResize:    true,
		LiveMemoryResize: true,
		Events:           true,
	}
}

func (b *Backend) fail(op, name string, err error) error {
	return vm.Fail(b.Name(), op, name, classify(err))
}

// domainFor looks up a domain spinvm has defined.
func (b *Backend) domainFor(ctx context.Context, op, name string) (hypervisor, golibvirt.Domain, error) {
	conn, err := b.connection(ctx)
	if err != nil {
		return nil, golibvirt.Domain{}, b.fail(op, name, err)
	}
	dom, err := conn.DomainLookupByName(name)
	if err != nil {
		return nil, golibvirt.Domain{}, b.fail(op, name, fmt.Errorf("domain %s: %w", name, err))
	}
	return conn, dom, nil
}

func (b *Backend) stateOf(conn hypervisor, dom golibvirt.Domain) (vm.State, error) {
	state, _, err := conn.DomainGetState(dom, 0)
	if err != nil {
		return vm.StateUnknown, err
	}
	return stateFromDomain(golibvirt.DomainState(state)), nil
}

// HealthCheck verifies that libvirtd accepts connections.
func (b *Backend) HealthCheck(ctx context.Context) error {
	health := func(category vm.HealthCategory, detail string, err error) error {
		return b.fail("health check", "", &vm.HealthCheckError{Backend: b.Name(), Category: category, Detail: detail, Err: err})
	}

	conn, err := b.connection(ctx)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return health(vm.HealthNotInstalled, "libvirtd is not running at "+b.opts.Socket, err)
	case errors.Is(err, os.ErrPermission):
		return health(vm.HealthNotPermitted, "cannot connect to "+b.opts.Socket+", check membership of the libvirt group", err)
	case err != nil:
		return health(vm.HealthIncompatible, "cannot connect to libvirtd", err)
	}

	version, err := conn.ConnectGetLibVersion()
	if err != nil {
		return health(vm.HealthIncompatible, "libvirtd did not report its version", err)
	}
	log.G(ctx).WithField("version", formatVersion(version)).Debug("libvirt: health check passed")
	return nil
}

// formatVersion renders libvirt's major*1e6+minor*1e3+micro encoding.
func formatVersion(v uint64) string {
	return fmt.Sprintf("%d.%d.%d", v/1000000, (v/1000)%1000, v%1000)
}

func (b *Backend) PrepareImage(ctx context.Context, src, dst string) error {
	prepared, err := disk.PrepareQCOW2(ctx, b.opts.Imager, src, dst)
	if err != nil {
		return b.fail("prepare image", "", err)
	}
	if prepared == dst {
		return nil
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return b.fail("prepare image", "", err)
	}
	return b.fail("prepare image", "", disk.CopyImage(prepared, dst))
}

func (b *Backend) ResizeDisk(ctx context.Context, desc vm.Description, size memsize.Size) error {
	return b.fail("resize disk", desc.Name, b.opts.Imager.Resize(ctx, desc.ImagePath, size))
}

// CloneDisk copies the source disk. Internal snapshots do not belong to the
// clone, so a source with snapshots is converted into a fresh image.
func (b *Backend) CloneDisk(ctx context.Context, src, dst vm.Description) error {
	conn, dom, err := b.domainFor(ctx, "clone disk", src.Name)
	if err != nil {
		return err
	}
	state, err := b.stateOf(conn, dom)
	if err != nil {
		return b.fail("clone disk", dst.Name, err)
	}
	if state != vm.StateOff {
		return b.fail("clone disk", dst.Name, fmt.Errorf("source %s is %s: %w", src.Name, state, errdefs.ErrFailedPrecondition))
	}

	count, err := conn.DomainSnapshotNum(dom, 0)
	if err != nil {
		return b.fail("clone disk", dst.Name, err)
	}
	if count == 0 {
		return b.fail("clone disk", dst.Name, disk.CopyImage(src.ImagePath, dst.ImagePath))
	}
	return b.fail("clone disk", dst.Name, b.opts.Imager.Convert(ctx, src.ImagePath, dst.ImagePath, disk.FormatQCOW2))
}

func (b *Backend) CreateEndpoint(ctx context.Context, name, mac string) error {
	if b.opts.Network == nil {
		return nil
	}
	_, err := b.opts.Network.CreateEndpoint(ctx, name, mac)
	return b.fail("create endpoint", name, err)
}

func (b *Backend) DeleteEndpoint(ctx context.Context, name string) error {
	if b.opts.Network == nil {
		return nil
	}
	return b.fail("delete endpoint", name, b.opts.Network.DeleteEndpoint(ctx, name))
}

func (b *Backend) lookupDef(op, name string) (*definition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	def, ok := b.defs[name]
	if !ok {
		return nil, b.fail(op, name, fmt.Errorf("instance %s is not defined: %w", name, errdefs.ErrNotFound))
	}
	return def, nil
}

// specFor renders the topology of def into a domain spec.
func (b *Backend) specFor(def *definition) domainSpec {
	desc := def.desc
	spec := domainSpec{
		Name:      desc.Name,
		CPUs:      def.cpus,
		MaxCPUs:   def.maxCPUs,
		Memory:    def.memory,
		MaxMemory: def.maxMemory,
		Firmware:  b.opts.Firmware,
		DiskPath:  desc.ImagePath,
		DiskFmt:   string(disk.FormatQCOW2),
		SeedISO:   desc.CloudInitISO,
		MAC:       desc.DefaultMACAddress,
		Network:   b.opts.LibvirtNetwork,
	}
	if desc.InstanceDir != "" {
		spec.ConsoleTo = filepath.Join(desc.InstanceDir, consoleLogName)
	}
	if b.opts.Network != nil {
		spec.Tap = network.TapName(desc.Name)
	}
	for _, iface := range desc.ExtraInterfaces {
		spec.Bridges = append(spec.Bridges, bridgedNIC{Bridge: iface.ID, MAC: iface.MACAddress})
	}
	return spec
}

func (def *definition) setTopology(cpus, maxCPUs int, memory memsize.Size) {
	def.cpus = cpus
	def.maxCPUs = max(maxCPUs, cpus)
	def.memory = memory
	def.maxMemory = (memory * maxMemoryFactor).AlignUp(memoryAlignment)
}

// apply (re)defines the persistent domain for def.
func (b *Backend) apply(ctx context.Context, conn hypervisor, def *definition) error {
	doc, err := domainXML(b.specFor(def))
	if err != nil {
		return err
	}
	if _, err := conn.DomainDefineXML(doc); err != nil {
		return fmt.Errorf("define domain %s: %w", def.desc.Name, err)
	}
	log.G(ctx).WithFields(log.Fields{
		"instance": def.desc.Name,
		"cpus":     def.cpus,
		"memory":   def.memory,
	}).Debug("libvirt: domain defined")
	return nil
}

// Define writes the persistent domain. The definition of a running domain
// takes effect at its next boot.
func (b *Backend) Define(ctx context.Context, desc vm.Description) error {
	if desc.ImagePath == "" {
		return b.fail("define", desc.Name, fmt.Errorf("image path is required: %w", errdefs.ErrInvalidArgument))
	}
	conn, err := b.connection(ctx)
	if err != nil {
		return b.fail("define", desc.Name, err)
	}

	def := &definition{desc: desc}
	def.setTopology(desc.NumCores, b.opts.MaxCPUs, desc.MemSize)
	if err := b.apply(ctx, conn, def); err != nil {
		return b.fail("define", desc.Name, err)
	}

	b.mu.Lock()
	b.defs[desc.Name] = def
	b.mu.Unlock()
	return nil
}

func (b *Backend) Undefine(ctx context.Context, name string) error {
	b.mu.Lock()
	delete(b.defs, name)
	b.stopTimerLocked(name)
	b.mu.Unlock()

	conn, err := b.connection(ctx)
	if err != nil {
		return b.fail("undefine", name, err)
	}
	dom, err := conn.DomainLookupByName(name)
	if err != nil {
		if errdefs.IsNotFound(classify(err)) {
			return nil
		}
		return b.fail("undefine", name, err)
	}

	if state, err := b.stateOf(conn, dom); err == nil && state != vm.StateOff {
		if err := conn.DomainDestroy(dom); err != nil {
			return b.fail("undefine", name, err)
		}
	}
	flags := golibvirt.DomainUndefineManagedSave | golibvirt.DomainUndefineSnapshotsMetadata | golibvirt.DomainUndefineNvram
	return b.fail("undefine", name, conn.DomainUndefineFlags(dom, flags))
}

func (b *Backend) Start(ctx context.Context, name string) error {
	conn, dom, err := b.domainFor(ctx, "start", name)
	if err != nil {
		return err
	}
	state, err := b.stateOf(conn, dom)
	if err != nil {
		return b.fail("start", name, err)
	}
	switch state {
	case vm.StateRunning:
		return nil
	case vm.StateSuspended:
		return b.fail("start", name, conn.DomainResume(dom))
	}
	if err := conn.DomainCreate(dom); err != nil {
		return b.fail("start", name, err)
	}
	log.G(ctx).WithField("instance", name).Info("libvirt: domain started")
	return nil
}

func (b *Backend) stopTimerLocked(name string) {
	if t, ok := b.timers[name]; ok {
		t.Stop()
		delete(b.timers, name)
	}
}

// Stop shuts the domain down. A graceful stop sends an ACPI request and
// destroys the domain if it is still up after the powerdown timeout.
func (b *Backend) Stop(ctx context.Context, name string, force bool) error {
	conn, dom, err := b.domainFor(ctx, "stop", name)
	if err != nil {
		return err
	}
	state, err := b.stateOf(conn, dom)
	if err != nil {
		return b.fail("stop", name, err)
	}
	if state == vm.StateOff {
		return nil
	}
	logger := log.G(ctx).WithFields(log.Fields{"instance": name, "force": force})

	b.mu.Lock()
	defer b.mu.Unlock()
	if force {
		b.stopTimerLocked(name)
		logger.Info("libvirt: destroying domain")
		return b.fail("stop", name, conn.DomainDestroy(dom))
	}

	logger.Info("libvirt: requesting ACPI shutdown")
	if err := conn.DomainShutdown(dom); err != nil {
		return b.fail("stop", name, err)
	}
	if _, armed := b.timers[name]; !armed {
		b.timers[name] = time.AfterFunc(b.opts.PowerdownTimeout, func() {
			b.mu.Lock()
			delete(b.timers, name)
			b.mu.Unlock()
			if st, err := b.stateOf(conn, dom); err == nil && st != vm.StateOff {
				logger.Warn("libvirt: guest ignored shutdown, destroying domain")
				if err := conn.DomainDestroy(dom); err != nil {
					logger.WithError(err).Error("libvirt: failed to destroy domain")
				}
			}
		})
	}
	return nil
}

// requireState fails with an invalid-state error unless the domain is in want.
func (b *Backend) requireState(ctx context.Context, op, name string, want vm.State) (hypervisor, golibvirt.Domain, error) {
	conn, dom, err := b.domainFor(ctx, op, name)
	if err != nil {
		return nil, dom, err
	}
	state, err := b.stateOf(conn, dom)
	if err != nil {
		return nil, dom, b.fail(op, name, err)
	}
	if state != want {
		return nil, dom, b.fail(op, name, fmt.Errorf("instance %s is %s: %w", name, state, errdefs.ErrFailedPrecondition))
	}
	return conn, dom, nil
}

func (b *Backend) Pause(ctx context.Context, name string) error {
	conn, dom, err := b.requireState(ctx, "pause", name, vm.StateRunning)
	if err != nil {
		return err
	}
	return b.fail("pause", name, conn.DomainSuspend(dom))
}

func (b *Backend) Resume(ctx context.Context, name string) error {
	conn, dom, err := b.requireState(ctx, "resume", name, vm.StateSuspended)
	if err != nil {
		return err
	}
	return b.fail("resume", name, conn.DomainResume(dom))
}

func (b *Backend) State(ctx context.Context, name string) (vm.State, error) {
	conn, dom, err := b.domainFor(ctx, "state", name)
	if err != nil {
		return vm.StateUnknown, err
	}
	state, err := b.stateOf(conn, dom)
	if err != nil {
		return vm.StateUnknown, b.fail("state", name, err)
	}
	return state, nil
}

const affectLiveAndConfig = uint32(golibvirt.DomainAffectLive | golibvirt.DomainAffectConfig)

// SetCPUs redefines a stopped domain or changes the vCPU count of a running
// one within the maximum it was booted with.
func (b *Backend) SetCPUs(ctx context.Context, name string, n int) error {
	if n < 1 {
		return b.fail("set cpus", name, fmt.Errorf("cpus must be at least 1: %w", errdefs.ErrInvalidArgument))
	}
	def, err := b.lookupDef("set cpus", name)
	if err != nil {
		return err
	}
	conn, dom, err := b.domainFor(ctx, "set cpus", name)
	if err != nil {
		return err
	}
	state, err := b.stateOf(conn, dom)
	if err != nil {
		return b.fail("set cpus", name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if state == vm.StateOff {
		def.setTopology(n, b.opts.MaxCPUs, def.memory)
		return b.fail("set cpus", name, b.apply(ctx, conn, def))
	}
	if n > def.maxCPUs {
		return b.fail("set cpus", name, fmt.Errorf("%d cpus exceeds the hotplug limit of %d: %w", n, def.maxCPUs, errdefs.ErrInvalidArgument))
	}
	if err := conn.DomainSetVcpusFlags(dom, uint32(n), affectLiveAndConfig); err != nil {
		return b.fail("set cpus", name, err)
	}
	def.cpus = n
	return nil
}

// SetMemory redefines a stopped domain or balloons a running one within the
// maximum it was booted with.
func (b *Backend) SetMemory(ctx context.Context, name string, size memsize.Size) error {
	def, err := b.lookupDef("set memory", name)
	if err != nil {
		return err
	}
	conn, dom, err := b.domainFor(ctx, "set memory", name)
	if err != nil {
		return err
	}
	state, err := b.stateOf(conn, dom)
	if err != nil {
		return b.fail("set memory", name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if state == vm.StateOff {
		def.setTopology(def.cpus, b.opts.MaxCPUs, size)
		return b.fail("set memory", name, b.apply(ctx, conn, def))
	}
	if size > def.maxMemory {
		return b.fail("set memory", name, fmt.Errorf("%s exceeds the balloon limit of %s: %w", size, def.maxMemory, errdefs.ErrInvalidArgument))
	}
	if err := conn.DomainSetMemoryFlags(dom, kib(size), affectLiveAndConfig); err != nil {
		return b.fail("set memory", name, err)
	}
	def.memory = size
	return nil
}

// ManagementIPv4 asks the network manager for the lease of the default MAC,
// or libvirt's DHCP server when guests use a libvirt network.
func (b *Backend) ManagementIPv4(ctx context.Context, name string) (network.IPAddress, error) {
	def, err := b.lookupDef("management ip", name)
	if err != nil {
		return network.IPAddress{}, err
	}
	b.mu.Lock()
	mac := def.desc.DefaultMACAddress
	b.mu.Unlock()

	if b.opts.Network != nil {
		ip, err := b.opts.Network.LookupIPv4(ctx, mac)
		if err != nil {
			return network.IPAddress{}, b.fail("management ip", name, err)
		}
		return ip, nil
	}

	conn, dom, err := b.domainFor(ctx, "management ip", name)
	if err != nil {
		return network.IPAddress{}, err
	}
	ifaces, err := conn.DomainInterfaceAddresses(dom, addressesFromLeases, 0)
	if err != nil {
		return network.IPAddress{}, b.fail("management ip", name, err)
	}
	ip, ok := leaseFor(ifaces, mac)
	if !ok {
		return network.IPAddress{}, b.fail("management ip", name, fmt.Errorf("no lease for %s: %w", mac, errdefs.ErrNotFound))
	}
	return ip, nil
}

// Values of virDomainInterfaceAddressesSource and virIPAddrType.
const (
	addressesFromLeases = 0
	ipAddrTypeIPv4      = 0
)

func sameMAC(a, b string) bool {
	na, errA := network.NormalizeMAC(a)
	nb, errB := network.NormalizeMAC(b)
	return errA == nil && errB == nil && na == nb
}

// leaseFor returns the first IPv4 address bound to mac.
func leaseFor(ifaces []golibvirt.DomainInterface, mac string) (network.IPAddress, bool) {
	for _, iface := range ifaces {
		if len(iface.Hwaddr) == 0 || !sameMAC(iface.Hwaddr[0], mac) {
			continue
		}
		for _, addr := range iface.Addrs {
			if addr.Type != ipAddrTypeIPv4 {
				continue
			}
			if ip, err := network.ParseIPAddress(addr.Addr); err == nil {
				return ip, true
			}
		}
	}
	return network.IPAddress{}, false
}

// withStoppedDomain runs fn against a domain that is off.
func (b *Backend) withStoppedDomain(ctx context.Context, op, name string, fn func(hypervisor, golibvirt.Domain) error) error {
	conn, dom, err := b.domainFor(ctx, op, name)
	if err != nil {
		return err
	}
	state, err := b.stateOf(conn, dom)
	if err != nil {
		return b.fail(op, name, err)
	}
	if state != vm.StateOff {
		return b.fail(op, name, fmt.Errorf("live snapshots are not supported: %w", errdefs.ErrFailedPrecondition))
	}
	return b.fail(op, name, fn(conn, dom))
}

func (b *Backend) CaptureSnapshot(ctx context.Context, name, snapshot string) error {
	return b.withStoppedDomain(ctx, "capture snapshot", name, func(conn hypervisor, dom golibvirt.Domain) error {
		doc, err := snapshotXML(snapshot)
		if err != nil {
			return err
		}
		_, err = conn.DomainSnapshotCreateXML(dom, doc, 0)
		return err
	})
}

func (b *Backend) ApplySnapshot(ctx context.Context, name, snapshot string) error {
	return b.withStoppedDomain(ctx, "apply snapshot", name, func(conn hypervisor, dom golibvirt.Domain) error {
		snap, err := conn.DomainSnapshotLookupByName(dom, snapshot, 0)
		if err != nil {
			return err
		}
		return conn.DomainRevertToSnapshot(snap, 0)
	})
}

func (b *Backend) EraseSnapshot(ctx context.Context, name, snapshot string) error {
	return b.withStoppedDomain(ctx, "erase snapshot", name, func(conn hypervisor, dom golibvirt.Domain) error {
		snap, err := conn.DomainSnapshotLookupByName(dom, snapshot, 0)
		if err != nil {
			return err
		}
		return conn.DomainSnapshotDelete(snap, 0)
	})
}

// Events reports lifecycle changes of domains defined through this backend.
func (b *Backend) Events(ctx context.Context) (<-chan vm.Event, error) {
	conn, err := b.connection(ctx)
	if err != nil {
		return nil, b.fail("events", "", err)
	}
	src, err := conn.LifecycleEvents(ctx)
	if err != nil {
		return nil, b.fail("events", "", err)
	}

	out := make(chan vm.Event, eventBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					log.G(ctx).Debug("libvirt: lifecycle event stream closed")
					return
				}
				ev, ok := translateLifecycle(msg)
				if !ok || !b.defined(ev.Instance) {
					continue
				}
				select {
				case out <- ev:
				default:
					log.G(ctx).WithField("instance", ev.Instance).Warn("libvirt: event subscriber is full, dropping state report")
				}
			}
		}
	}()
	return out, nil
}

func (b *Backend) defined(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.defs[name]
	return ok
}
