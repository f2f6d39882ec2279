//go:build darwin

package vz

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Code-Hex/vz/v3"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/config"
	"github.com/spin-stack/spinvm/internal/host/disk"
	"github.com/spin-stack/spinvm/internal/host/network"
	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/memsize"
	"github.com/spin-stack/spinvm/internal/paths"
)

const (
	defaultPowerdownTimeout = 3 * time.Minute
	efiVarsName             = "efi-vars.fd"
	consoleLogName          = "console.log"
	eventBuffer             = 64
)

// Options configures the backend.
type Options struct {
	// QemuImgPath is checked by HealthCheck; qemu-img converts images to raw.
	QemuImgPath      string
	LeasesFile       string
	PowerdownTimeout time.Duration
	Imager           disk.Imager
}

type instance struct {
	desc   vm.Description
	cpus   int
	memory memsize.Size

	// machine is nil while the guest is off.
	machine  *vz.VirtualMachine
	stopWait *time.Timer
}

// Backend runs guests in-process on Virtualization.framework.
type Backend struct {
	opts Options

	mu        sync.Mutex
	instances map[string]*instance

	subsMu sync.Mutex
	subs   map[chan vm.Event]struct{}
}

var (
	_ vm.Backend     = (*Backend)(nil)
	_ vm.EventSource = (*Backend)(nil)
)

func init() {
	vm.Register(config.DriverVZ, newFromConfig)
}

func newFromConfig(ctx context.Context, opts vm.BackendOptions) (vm.Backend, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("vz backend requires a configuration: %w", errdefs.ErrInvalidArgument)
	}
	if opts.Network != nil {
		log.G(ctx).Debug("vz: guests use the vmnet shared network, ignoring the host network manager")
	}
	qemuImg := paths.QemuImgPath(cfg.Paths)
	return New(Options{
		QemuImgPath:      qemuImg,
		PowerdownTimeout: cfg.Timeouts.GetShutdown(),
		Imager:           disk.NewQemuImg(qemuImg),
	}), nil
}

// New returns a backend with no instances.
func New(opts Options) *Backend {
	if opts.LeasesFile == "" {
		opts.LeasesFile = DefaultLeasesFile
	}
	if opts.PowerdownTimeout <= 0 {
		opts.PowerdownTimeout = defaultPowerdownTimeout
	}
	return &Backend{
		opts:      opts,
		instances: make(map[string]*instance),
		subs:      make(map[chan vm.Event]struct{}),
	}
}

func (b *Backend) Name() string {
	return config.DriverVZ
}

func (b *Backend) Capabilities() vm.Capabilities {
	return vm.Capabilities{Pause: true, Events: true}
}

func (b *Backend) fail(op, name string, err error) error {
	return vm.Fail(b.Name(), op, name, err)
}

// HealthCheck verifies that the framework is usable by this process and
// that qemu-img is around for image conversion.
func (b *Backend) HealthCheck(ctx context.Context) error {
	health := func(category vm.HealthCategory, detail string, err error) error {
		return b.fail("health check", "", &vm.HealthCheckError{Backend: b.Name(), Category: category, Detail: detail, Err: err})
	}

	if _, err := vz.NewEFIBootLoader(); err != nil {
		if errors.Is(err, vz.ErrUnsupportedOSVersion) {
			return health(vm.HealthIncompatible, "EFI boot requires macOS 13 or newer", err)
		}
		return health(vm.HealthIncompatible, "Virtualization.framework is not usable", err)
	}
	if _, err := os.Stat(b.opts.QemuImgPath); err != nil {
		return health(vm.HealthNotInstalled, b.opts.QemuImgPath+" not found", err)
	}
	log.G(ctx).Debug("vz: health check passed")
	return nil
}

// PrepareImage writes a raw copy of src to dst.
func (b *Backend) PrepareImage(ctx context.Context, src, dst string) error {
	info, err := b.opts.Imager.Info(ctx, src)
	if err != nil {
		return b.fail("prepare image", "", fmt.Errorf("cannot read image format: %w", err))
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return b.fail("prepare image", "", err)
	}
	if info.Format == disk.FormatRaw {
		return b.fail("prepare image", "", disk.CopyImage(src, dst))
	}
	return b.fail("prepare image", "", b.opts.Imager.Convert(ctx, src, dst, disk.FormatRaw))
}

func (b *Backend) ResizeDisk(ctx context.Context, desc vm.Description, size memsize.Size) error {
	return b.fail("resize disk", desc.Name, b.opts.Imager.Resize(ctx, desc.ImagePath, size))
}

// CloneDisk clones the raw disk; snapshots stay with the source.
func (b *Backend) CloneDisk(ctx context.Context, src, dst vm.Description) error {
	st, err := b.State(ctx, src.Name)
	if err != nil {
		return err
	}
	if st != vm.StateOff {
		return b.fail("clone disk", dst.Name, fmt.Errorf("source %s is %s: %w", src.Name, st, errdefs.ErrFailedPrecondition))
	}
	return b.fail("clone disk", dst.Name, disk.CopyImage(src.ImagePath, dst.ImagePath))
}

// CreateEndpoint is a no-op; vmnet attaches guests on start.
func (b *Backend) CreateEndpoint(context.Context, string, string) error { return nil }

func (b *Backend) DeleteEndpoint(context.Context, string) error { return nil }

func (b *Backend) lookup(op, name string) (*instance, error) {
	inst, ok := b.instances[name]
	if !ok {
		return nil, b.fail(op, name, fmt.Errorf("instance %s is not defined: %w", name, errdefs.ErrNotFound))
	}
	return inst, nil
}

func (b *Backend) Define(ctx context.Context, desc vm.Description) error {
	if desc.ImagePath == "" {
		return b.fail("define", desc.Name, fmt.Errorf("image path is required: %w", errdefs.ErrInvalidArgument))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instances[desc.Name]; ok {
		inst.desc = desc
		if inst.machine == nil {
			inst.cpus, inst.memory = desc.NumCores, desc.MemSize
		}
		return nil
	}
	b.instances[desc.Name] = &instance{desc: desc, cpus: desc.NumCores, memory: desc.MemSize}
	log.G(ctx).WithField("instance", desc.Name).Debug("vz: instance defined")
	return nil
}

func (b *Backend) Undefine(ctx context.Context, name string) error {
	b.mu.Lock()
	inst, ok := b.instances[name]
	delete(b.instances, name)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if inst.stopWait != nil {
		inst.stopWait.Stop()
	}
	if inst.machine != nil && inst.machine.CanStop() {
		if err := inst.machine.Stop(); err != nil {
			return b.fail("undefine", name, err)
		}
	}
	return b.fail("undefine", name, diskSnapshots{disk: inst.desc.ImagePath}.removeAll())
}

// configure builds the framework configuration of inst.
func configure(inst *instance) (*vz.VirtualMachineConfiguration, error) {
	desc := inst.desc
	varsPath := filepath.Join(desc.InstanceDir, efiVarsName)
	var storeOpts []vz.NewEFIVariableStoreOption
	if _, err := os.Stat(varsPath); errors.Is(err, os.ErrNotExist) {
		storeOpts = append(storeOpts, vz.WithCreatingEFIVariableStore())
	}
	store, err := vz.NewEFIVariableStore(varsPath, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("efi variable store: %w", err)
	}
	loader, err := vz.NewEFIBootLoader(vz.WithEFIVariableStore(store))
	if err != nil {
		return nil, fmt.Errorf("efi boot loader: %w", err)
	}

	cfg, err := vz.NewVirtualMachineConfiguration(loader, uint(inst.cpus), uint64(inst.memory.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("machine configuration: %w", err)
	}
	platform, err := vz.NewGenericPlatformConfiguration()
	if err != nil {
		return nil, fmt.Errorf("platform configuration: %w", err)
	}
	cfg.SetPlatformVirtualMachineConfiguration(platform)

	var storage []vz.StorageDeviceConfiguration
	for _, d := range []struct {
		path     string
		readOnly bool
	}{{desc.ImagePath, false}, {desc.CloudInitISO, true}} {
		if d.path == "" {
			continue
		}
		attachment, err := vz.NewDiskImageStorageDeviceAttachment(d.path, d.readOnly)
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", d.path, err)
		}
		dev, err := vz.NewVirtioBlockDeviceConfiguration(attachment)
		if err != nil {
			return nil, fmt.Errorf("block device %s: %w", d.path, err)
		}
		storage = append(storage, dev)
	}
	cfg.SetStorageDevicesVirtualMachineConfiguration(storage)

	nics, err := networkDevices(desc)
	if err != nil {
		return nil, err
	}
	cfg.SetNetworkDevicesVirtualMachineConfiguration(nics)

	console, err := vz.NewFileSerialPortAttachment(filepath.Join(desc.InstanceDir, consoleLogName), true)
	if err != nil {
		return nil, fmt.Errorf("console log: %w", err)
	}
	serial, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(console)
	if err != nil {
		return nil, fmt.Errorf("serial port: %w", err)
	}
	cfg.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{serial})

	entropy, err := vz.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		return nil, fmt.Errorf("entropy device: %w", err)
	}
	cfg.SetEntropyDevicesVirtualMachineConfiguration([]*vz.VirtioEntropyDeviceConfiguration{entropy})

	if ok, err := cfg.Validate(); !ok || err != nil {
		return nil, fmt.Errorf("invalid machine configuration: %w", errors.Join(err, errdefs.ErrInvalidArgument))
	}
	return cfg, nil
}

// networkDevices attaches the default NIC to vmnet NAT and every extra
// interface to the host interface named by its ID.
func networkDevices(desc vm.Description) ([]*vz.VirtioNetworkDeviceConfiguration, error) {
	nic := func(attachment vz.NetworkDeviceAttachment, mac string) (*vz.VirtioNetworkDeviceConfiguration, error) {
		dev, err := vz.NewVirtioNetworkDeviceConfiguration(attachment)
		if err != nil {
			return nil, err
		}
		hw, err := net.ParseMAC(mac)
		if err != nil {
			return nil, fmt.Errorf("mac %q: %w", mac, errdefs.ErrInvalidArgument)
		}
		addr, err := vz.NewMACAddress(hw)
		if err != nil {
			return nil, err
		}
		dev.SetMACAddress(addr)
		return dev, nil
	}

	nat, err := vz.NewNATNetworkDeviceAttachment()
	if err != nil {
		return nil, fmt.Errorf("nat attachment: %w", err)
	}
	def, err := nic(nat, desc.DefaultMACAddress)
	if err != nil {
		return nil, fmt.Errorf("default interface: %w", err)
	}
	devices := []*vz.VirtioNetworkDeviceConfiguration{def}

	if len(desc.ExtraInterfaces) == 0 {
		return devices, nil
	}
	host := make(map[string]vz.BridgedNetwork)
	for _, iface := range vz.NetworkInterfaces() {
		host[iface.Identifier()] = iface
	}
	for _, extra := range desc.ExtraInterfaces {
		bridged, ok := host[extra.ID]
		if !ok {
			return nil, fmt.Errorf("host interface %s cannot be bridged: %w", extra.ID, errdefs.ErrNotFound)
		}
		attachment, err := vz.NewBridgedNetworkDeviceAttachment(bridged)
		if err != nil {
			return nil, fmt.Errorf("bridge %s: %w", extra.ID, err)
		}
		dev, err := nic(attachment, extra.MACAddress)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", extra.ID, err)
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func stateFromVZ(s vz.VirtualMachineState) vm.State {
	switch s {
	case vz.VirtualMachineStateStopped:
		return vm.StateOff
	case vz.VirtualMachineStateStarting:
		return vm.StateStarting
	case vz.VirtualMachineStateRunning, vz.VirtualMachineStateResuming:
		return vm.StateRunning
	case vz.VirtualMachineStatePausing:
		return vm.StateSuspending
	case vz.VirtualMachineStatePaused:
		return vm.StateSuspended
	case vz.VirtualMachineStateStopping:
		return vm.StateStopping
	default:
		return vm.StateUnknown
	}
}

func (b *Backend) Start(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup("start", name)
	if err != nil {
		return err
	}
	if inst.machine != nil {
		switch inst.machine.State() {
		case vz.VirtualMachineStateRunning, vz.VirtualMachineStateStarting:
			return nil
		case vz.VirtualMachineStatePaused:
			return b.fail("start", name, inst.machine.Resume())
		}
	}

	cfg, err := configure(inst)
	if err != nil {
		return b.fail("start", name, err)
	}
	machine, err := vz.NewVirtualMachine(cfg)
	if err != nil {
		return b.fail("start", name, err)
	}
	if err := machine.Start(); err != nil {
		return b.fail("start", name, err)
	}
	inst.machine = machine
	go b.watch(context.WithoutCancel(ctx), name, machine)

	log.G(ctx).WithFields(log.Fields{
		"instance": name,
		"cpus":     inst.cpus,
		"memory":   inst.memory,
	}).Info("vz: guest started")
	return nil
}

// watch forwards state changes of machine until it stops.
func (b *Backend) watch(ctx context.Context, name string, machine *vz.VirtualMachine) {
	for st := range machine.StateChangedNotify() {
		b.emit(ctx, vm.Event{Instance: name, State: stateFromVZ(st)})
		if st != vz.VirtualMachineStateStopped && st != vz.VirtualMachineStateError {
			continue
		}
		b.mu.Lock()
		if inst, ok := b.instances[name]; ok && inst.machine == machine {
			inst.machine = nil
			if inst.stopWait != nil {
				inst.stopWait.Stop()
				inst.stopWait = nil
			}
		}
		b.mu.Unlock()
		if st == vz.VirtualMachineStateError {
			log.G(ctx).WithField("instance", name).Error("vz: guest stopped with an error")
		}
		return
	}
}

// Stop asks the guest to power off. A graceful stop that is not honoured
// within the powerdown timeout becomes a forced one.
func (b *Backend) Stop(ctx context.Context, name string, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup("stop", name)
	if err != nil {
		return err
	}
	machine := inst.machine
	if machine == nil {
		return nil
	}
	logger := log.G(ctx).WithFields(log.Fields{"instance": name, "force": force})

	if force || machine.State() == vz.VirtualMachineStatePaused {
		logger.Info("vz: stopping guest")
		return b.fail("stop", name, machine.Stop())
	}

	logger.Info("vz: requesting guest power off")
	ok, err := machine.RequestStop()
	if err != nil {
		return b.fail("stop", name, err)
	}
	if !ok {
		return b.fail("stop", name, fmt.Errorf("guest refused the stop request: %w", errdefs.ErrFailedPrecondition))
	}
	if inst.stopWait == nil {
		inst.stopWait = time.AfterFunc(b.opts.PowerdownTimeout, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			inst.stopWait = nil
			if inst.machine == machine && machine.CanStop() {
				logger.Warn("vz: guest ignored power off, stopping it")
				if err := machine.Stop(); err != nil {
					logger.WithError(err).Error("vz: failed to stop guest")
				}
			}
		})
	}
	return nil
}

func (b *Backend) running(op, name string, want vz.VirtualMachineState) (*vz.VirtualMachine, error) {
	inst, err := b.lookup(op, name)
	if err != nil {
		return nil, err
	}
	if inst.machine == nil || inst.machine.State() != want {
		st := vm.StateOff
		if inst.machine != nil {
			st = stateFromVZ(inst.machine.State())
		}
		return nil, b.fail(op, name, fmt.Errorf("instance %s is %s: %w", name, st, errdefs.ErrFailedPrecondition))
	}
	return inst.machine, nil
}

func (b *Backend) Pause(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	machine, err := b.running("pause", name, vz.VirtualMachineStateRunning)
	if err != nil {
		return err
	}
	return b.fail("pause", name, machine.Pause())
}

func (b *Backend) Resume(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	machine, err := b.running("resume", name, vz.VirtualMachineStatePaused)
	if err != nil {
		return err
	}
	return b.fail("resume", name, machine.Resume())
}

func (b *Backend) State(_ context.Context, name string) (vm.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup("state", name)
	if err != nil {
		return vm.StateUnknown, err
	}
	if inst.machine == nil {
		return vm.StateOff, nil
	}
	return stateFromVZ(inst.machine.State()), nil
}

// offline applies fn to a stopped instance; the framework fixes CPU and
// memory at boot.
func (b *Backend) offline(op, name string, fn func(*instance)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(op, name)
	if err != nil {
		return err
	}
	if inst.machine != nil {
		return b.fail(op, name, fmt.Errorf("live changes are not supported: %w", errdefs.ErrNotImplemented))
	}
	fn(inst)
	return nil
}

func (b *Backend) SetCPUs(_ context.Context, name string, n int) error {
	if n < 1 {
		return b.fail("set cpus", name, fmt.Errorf("cpus must be at least 1: %w", errdefs.ErrInvalidArgument))
	}
	return b.offline("set cpus", name, func(inst *instance) { inst.cpus = n })
}

func (b *Backend) SetMemory(_ context.Context, name string, size memsize.Size) error {
	return b.offline("set memory", name, func(inst *instance) { inst.memory = size })
}

func (b *Backend) ManagementIPv4(_ context.Context, name string) (network.IPAddress, error) {
	b.mu.Lock()
	inst, err := b.lookup("management ip", name)
	var mac string
	if err == nil {
		mac = inst.desc.DefaultMACAddress
	}
	b.mu.Unlock()
	if err != nil {
		return network.IPAddress{}, err
	}
	ip, err := lookupLease(b.opts.LeasesFile, mac)
	if err != nil {
		return network.IPAddress{}, b.fail("management ip", name, err)
	}
	return ip, nil
}

func (b *Backend) snapshots(op, name string) (diskSnapshots, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(op, name)
	if err != nil {
		return diskSnapshots{}, err
	}
	if inst.machine != nil {
		return diskSnapshots{}, b.fail(op, name, fmt.Errorf("live snapshots are not supported: %w", errdefs.ErrFailedPrecondition))
	}
	return diskSnapshots{disk: inst.desc.ImagePath}, nil
}

func (b *Backend) CaptureSnapshot(_ context.Context, name, snapshot string) error {
	s, err := b.snapshots("capture snapshot", name)
	if err != nil {
		return err
	}
	return b.fail("capture snapshot", name, s.capture(snapshot))
}

func (b *Backend) ApplySnapshot(_ context.Context, name, snapshot string) error {
	s, err := b.snapshots("apply snapshot", name)
	if err != nil {
		return err
	}
	return b.fail("apply snapshot", name, s.apply(snapshot))
}

func (b *Backend) EraseSnapshot(_ context.Context, name, snapshot string) error {
	s, err := b.snapshots("erase snapshot", name)
	if err != nil {
		return err
	}
	return b.fail("erase snapshot", name, s.erase(snapshot))
}

func (b *Backend) Events(ctx context.Context) (<-chan vm.Event, error) {
	ch := make(chan vm.Event, eventBuffer)

	b.subsMu.Lock()
	b.subs[ch] = struct{}{}
	b.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		b.subsMu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.subsMu.Unlock()
	}()
	return ch, nil
}

func (b *Backend) emit(ctx context.Context, ev vm.Event) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.G(ctx).WithField("instance", ev.Instance).Warn("vz: event subscriber is full, dropping state report")
		}
	}
}
