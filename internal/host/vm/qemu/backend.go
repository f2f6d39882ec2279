//go:build linux

package qemu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/config"
	"github.com/spin-stack/spinvm/internal/host/disk"
	"github.com/spin-stack/spinvm/internal/host/network"
	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/memsize"
	"github.com/spin-stack/spinvm/internal/paths"
	"github.com/spin-stack/spinvm/internal/process"
)

const (
	defaultPowerdownTimeout = 3 * time.Minute
	defaultMemorySlots      = 8
	// maxMemoryFactor sizes the hotplug ceiling relative to boot memory.
	maxMemoryFactor = 4
	eventBuffer     = 64
)

// Options configures the backend.
type Options struct {
	// QemuPath is the qemu-system binary.
	QemuPath string
	// RuntimeDir holds QMP sockets and pid files.
	RuntimeDir string
	// Firmware is passed with -bios when set.
	Firmware string
	// KVMDevice defaults to /dev/kvm.
	KVMDevice  string
	QMPTimeout time.Duration
	// PowerdownTimeout bounds a graceful stop before QEMU is terminated.
	PowerdownTimeout time.Duration
	// MaxCPUs caps CPU hotplug. Defaults to the host CPU count.
	MaxCPUs     int
	MemorySlots int

	Imager   disk.Imager
	Network  network.Manager
	Confiner process.Confiner
	Runner   process.Runner
}

// Backend runs every instance as its own qemu-system process.
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
	vm.Register(config.DriverQEMU, newFromConfig)
}

func newFromConfig(ctx context.Context, opts vm.BackendOptions) (vm.Backend, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("qemu backend requires a configuration: %w", errdefs.ErrInvalidArgument)
	}
	confiner := process.ConfinerFor(cfg.Backend.AppArmorProfile)
	return New(Options{
		QemuPath:         paths.QemuPath(cfg.Paths),
		RuntimeDir:       filepath.Dir(paths.QMPSocketPath(cfg.Paths, "qemu")),
		QMPTimeout:       cfg.Timeouts.GetQMPCommand(),
		PowerdownTimeout: cfg.Timeouts.GetShutdown(),
		Imager:           disk.NewQemuImg(paths.QemuImgPath(cfg.Paths)),
		Network:          opts.Network,
		Confiner:         confiner,
	}), nil
}

// New returns a backend. Zero options take their defaults.
func New(opts Options) *Backend {
	if opts.KVMDevice == "" {
		opts.KVMDevice = "/dev/kvm"
	}
	if opts.QMPTimeout <= 0 {
		opts.QMPTimeout = qmpDefaultTimeout
	}
	if opts.PowerdownTimeout <= 0 {
		opts.PowerdownTimeout = defaultPowerdownTimeout
	}
	if opts.MaxCPUs <= 0 {
		opts.MaxCPUs = runtime.NumCPU()
	}
	if opts.MemorySlots <= 0 {
		opts.MemorySlots = defaultMemorySlots
	}
	if opts.Firmware == "" {
		opts.Firmware = defaultFirmware()
	}
	if opts.Confiner == nil {
		opts.Confiner = process.NoConfiner{}
	}
	if opts.Runner == nil {
		opts.Runner = process.ExecRunner{}
	}
	return &Backend{
		opts:      opts,
		instances: make(map[string]*instance),
		subs:      make(map[chan vm.Event]struct{}),
	}
}

func (b *Backend) Name() string {
	return config.DriverQEMU
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
	return vm.Fail(b.Name(), op, name, err)
}

func (b *Backend) lookup(name string) *instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.instances[name]
}

func (b *Backend) get(op, name string) (*instance, error) {
	inst := b.lookup(name)
	if inst == nil {
		return nil, b.fail(op, name, fmt.Errorf("instance %s is not defined: %w", name, errdefs.ErrNotFound))
	}
	return inst, nil
}

func (b *Backend) socketPath(name string) string {
	return filepath.Join(b.opts.RuntimeDir, name+".qmp")
}

// HealthCheck verifies that the binary runs and that KVM is usable.
func (b *Backend) HealthCheck(ctx context.Context) error {
	health := func(category vm.HealthCategory, detail string, err error) error {
		return b.fail("health check", "", &vm.HealthCheckError{Backend: b.Name(), Category: category, Detail: detail, Err: err})
	}

	if _, err := os.Stat(b.opts.QemuPath); err != nil {
		return health(vm.HealthNotInstalled, b.opts.QemuPath+" not found", err)
	}

	kvm, err := os.OpenFile(b.opts.KVMDevice, os.O_RDWR, 0)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return health(vm.HealthIncompatible, "KVM is not available, enable hardware virtualization", err)
	case errors.Is(err, os.ErrPermission):
		return health(vm.HealthNotPermitted, "cannot open "+b.opts.KVMDevice+", check membership of the kvm group", err)
	case err != nil:
		return health(vm.HealthIncompatible, "cannot open "+b.opts.KVMDevice, err)
	}
	_ = kvm.Close()

	out, err := b.opts.Runner.Run(ctx, b.opts.QemuPath, "--version")
	if err != nil {
		return health(vm.HealthIncompatible, "qemu --version failed", err)
	}
	firstLine, _, _ := strings.Cut(string(out), "\n")
	log.G(ctx).WithField("version", strings.TrimSpace(firstLine)).Debug("qemu: health check passed")
	return nil
}

// PrepareImage writes a standalone qcow2 copy of src to dst.
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
	if err := disk.CopyImage(prepared, dst); err != nil {
		return b.fail("prepare image", "", fmt.Errorf("copy %s: %w", src, err))
	}
	return nil
}

func (b *Backend) ResizeDisk(ctx context.Context, desc vm.Description, size memsize.Size) error {
	chain := disk.NewChain(b.opts.Imager, desc.ImagePath)
	return b.fail("resize disk", desc.Name, b.opts.Imager.Resize(ctx, chain.ActivePath(), size))
}

// CloneDisk copies the source disk. An image without snapshots is cloned
// with shared blocks; a chain is flattened into a standalone image.
func (b *Backend) CloneDisk(ctx context.Context, src, dst vm.Description) error {
	if inst := b.lookup(src.Name); inst != nil {
		inst.mu.Lock()
		running := inst.running()
		inst.mu.Unlock()
		if running {
			return b.fail("clone disk", dst.Name, fmt.Errorf("source %s is running: %w", src.Name, errdefs.ErrFailedPrecondition))
		}
	}

	active := disk.NewChain(b.opts.Imager, src.ImagePath).ActivePath()
	var err error
	if active == filepath.Clean(src.ImagePath) {
		err = disk.CopyImage(active, dst.ImagePath)
	} else {
		err = b.opts.Imager.Convert(ctx, active, dst.ImagePath, disk.FormatQCOW2)
	}
	return b.fail("clone disk", dst.Name, err)
}

func (b *Backend) CreateEndpoint(ctx context.Context, name, mac string) error {
	if b.opts.Network == nil {
		return b.fail("create endpoint", name, fmt.Errorf("guest networking is not configured: %w", errdefs.ErrFailedPrecondition))
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

// Define registers desc. A QEMU process left running by a previous daemon is
// adopted.
func (b *Backend) Define(ctx context.Context, desc vm.Description) error {
	if desc.ImagePath == "" {
		return b.fail("define", desc.Name, fmt.Errorf("image path is required: %w", errdefs.ErrInvalidArgument))
	}
	if len(desc.ExtraInterfaces) > 0 {
		return b.fail("define", desc.Name, &vm.CapabilityError{Backend: b.Name(), Op: "extra network interfaces"})
	}

	b.mu.Lock()
	inst, ok := b.instances[desc.Name]
	if !ok {
		inst = newInstance(desc, b.opts.Imager)
		b.instances[desc.Name] = inst
	}
	b.mu.Unlock()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if ok {
		inst.define(desc, b.opts.Imager)
	}
	if !inst.running() {
		b.adoptLocked(ctx, inst)
	}
	return nil
}

// adoptLocked reattaches to a QEMU process recorded in the pid file.
func (b *Backend) adoptLocked(ctx context.Context, inst *instance) {
	name := inst.desc.Name
	sock := b.socketPath(name)
	pidFile := pidFilePath(sock)
	logger := log.G(ctx).WithField("instance", name)

	pid, err := readPidFile(pidFile)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil || !ownsSocket(pid, sock) {
		logger.WithError(err).Debug("qemu: removing stale pid file")
		removeIfExists(ctx, pidFile)
		return
	}

	proc, err := process.FromPID(ctx, pid)
	if err != nil {
		removeIfExists(ctx, pidFile)
		return
	}
	qmp, err := newQMPClient(ctx, sock, b.opts.QMPTimeout, proc.Done(), b.eventHandler(ctx, name))
	if err != nil {
		logger.WithError(err).Warn("qemu: cannot reconnect to running instance, terminating it")
		_ = terminate(ctx, logger, proc, nil)
		removeIfExists(ctx, pidFile)
		return
	}

	inst.proc, inst.qmp = proc, qmp
	inst.maxCPUs = max(b.opts.MaxCPUs, inst.bootCPUs)
	inst.maxMemory = (inst.bootMemory * maxMemoryFactor).AlignUp(memoryAlignment)
	if cpus, err := qmp.QueryCPUs(ctx); err == nil && len(cpus) > 0 {
		inst.cpus = len(cpus)
		inst.bootCPUs = min(inst.bootCPUs, len(cpus))
	}
	go b.supervise(context.WithoutCancel(ctx), inst, proc, qmp)

	logger.WithField("pid", pid).Info("qemu: adopted running instance")
}

// Undefine terminates a running guest and forgets the instance.
func (b *Backend) Undefine(ctx context.Context, name string) error {
	inst := b.lookup(name)
	if inst == nil {
		return nil
	}

	inst.mu.Lock()
	proc, qmp := inst.proc, inst.qmp
	inst.stopPowerdownTimer()
	inst.mu.Unlock()

	logger := log.G(ctx).WithField("instance", name)
	if err := terminate(ctx, logger, proc, qmp); err != nil {
		return b.fail("undefine", name, err)
	}

	b.mu.Lock()
	delete(b.instances, name)
	b.mu.Unlock()

	sock := b.socketPath(name)
	removeIfExists(ctx, pidFilePath(sock))
	removeIfExists(ctx, sock)
	return nil
}

func (b *Backend) Start(ctx context.Context, name string) error {
	inst, err := b.get("start", name)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.running() {
		return nil
	}

	inst.maxCPUs = max(b.opts.MaxCPUs, inst.bootCPUs)
	inst.maxMemory = (inst.bootMemory * maxMemoryFactor).AlignUp(memoryAlignment)
	inst.cpus, inst.memory = inst.bootCPUs, inst.bootMemory
	inst.dimms, inst.nextSlot = nil, 0

	if err := os.MkdirAll(b.opts.RuntimeDir, 0o750); err != nil {
		return b.fail("start", name, err)
	}
	sock := b.socketPath(name)
	removeIfExists(ctx, sock)

	logPath := filepath.Join(inst.desc.InstanceDir, qemuLogName)
	logger := log.G(ctx).WithField("instance", name)

	proc, err := process.Start(ctx, process.Spec{
		Program:  b.opts.QemuPath,
		Args:     b.commandLine(inst),
		LogPath:  logPath,
		Confiner: b.opts.Confiner,
	})
	if err != nil {
		return b.fail("start", name, err)
	}

	qmp, err := newQMPClient(ctx, sock, b.opts.QMPTimeout, proc.Done(), b.eventHandler(ctx, name))
	if err != nil {
		_ = terminate(ctx, logger, proc, nil)
		if tail := logTail(logPath, 1024); tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
		return b.fail("start", name, err)
	}

	if err := writePidFile(pidFilePath(sock), proc.Pid()); err != nil {
		logger.WithError(err).Warn("qemu: failed to write pid file, the instance will not survive a daemon restart")
	}

	inst.proc, inst.qmp = proc, qmp
	go b.supervise(context.WithoutCancel(ctx), inst, proc, qmp)

	logger.WithField("pid", proc.Pid()).Info("qemu: instance started")
	return nil
}

// supervise waits for the QEMU process to exit and reports the instance off.
func (b *Backend) supervise(ctx context.Context, inst *instance, proc *process.Process, qmp *qmpClient) {
	<-proc.Done()

	inst.mu.Lock()
	name := inst.desc.Name
	current := inst.proc == proc
	if current {
		inst.proc, inst.qmp = nil, nil
		inst.stopPowerdownTimer()
		inst.cpus, inst.memory = inst.bootCPUs, inst.bootMemory
		inst.dimms = nil
	}
	inst.mu.Unlock()

	logger := log.G(ctx).WithField("instance", name)
	if qmp != nil {
		closeAndLog(logger, "qmp", qmp)
	}
	if !current {
		return
	}

	sock := b.socketPath(name)
	removeIfExists(ctx, pidFilePath(sock))
	removeIfExists(ctx, sock)

	logger.WithError(proc.ExitError()).Info("qemu: process exited")
	b.emit(ctx, vm.Event{Instance: name, State: vm.StateOff})
}

// Stop powers the guest down. A graceful stop only sends the request; QEMU
// is terminated if the guest is still running after the powerdown timeout.
func (b *Backend) Stop(ctx context.Context, name string, force bool) error {
	inst, err := b.get("stop", name)
	if err != nil {
		return err
	}
	logger := log.G(ctx).WithFields(log.Fields{"instance": name, "force": force})

	inst.mu.Lock()
	proc, qmp := inst.proc, inst.qmp
	if !inst.running() {
		inst.mu.Unlock()
		return nil
	}

	if !force {
		defer inst.mu.Unlock()
		if err := requestPowerdown(ctx, logger, qmp); err != nil {
			return b.fail("stop", name, err)
		}
		if inst.powerdownTimer == nil {
			bg := context.WithoutCancel(ctx)
			inst.powerdownTimer = time.AfterFunc(b.opts.PowerdownTimeout, func() {
				if proc.Running() {
					logger.Warn("qemu: guest ignored powerdown, terminating")
					_ = terminate(bg, logger, proc, qmp)
				}
			})
		}
		return nil
	}

	inst.stopPowerdownTimer()
	inst.mu.Unlock()
	return b.fail("stop", name, terminate(ctx, logger, proc, qmp))
}

// runningQMP returns the QMP client of a running instance.
func (b *Backend) runningQMP(op, name string) (*qmpClient, error) {
	inst, err := b.get(op, name)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if !inst.running() || inst.qmp == nil {
		return nil, b.fail(op, name, fmt.Errorf("instance %s is not running: %w", name, errdefs.ErrFailedPrecondition))
	}
	return inst.qmp, nil
}

func (b *Backend) Pause(ctx context.Context, name string) error {
	qmp, err := b.runningQMP("pause", name)
	if err != nil {
		return err
	}
	return b.fail("pause", name, qmp.Stop(ctx))
}

func (b *Backend) Resume(ctx context.Context, name string) error {
	qmp, err := b.runningQMP("resume", name)
	if err != nil {
		return err
	}
	return b.fail("resume", name, qmp.Cont(ctx))
}

func (b *Backend) State(ctx context.Context, name string) (vm.State, error) {
	inst, err := b.get("state", name)
	if err != nil {
		return vm.StateUnknown, err
	}

	inst.mu.Lock()
	proc, qmp := inst.proc, inst.qmp
	running := inst.running()
	inst.mu.Unlock()

	if !running {
		return vm.StateOff, nil
	}
	status, err := qmp.QueryStatus(ctx)
	if err != nil {
		if !proc.Running() {
			return vm.StateOff, nil
		}
		return vm.StateUnknown, b.fail("state", name, errors.Join(err, errdefs.ErrUnavailable))
	}
	return stateFromStatus(status.Status), nil
}

// stateFromStatus maps a query-status run state.
func stateFromStatus(status string) vm.State {
	switch status {
	case "running":
		return vm.StateRunning
	case "paused", "suspended", "postmigrate", "save-vm":
		return vm.StateSuspended
	case "prelaunch", "inmigrate", "restore-vm", "finish-migrate":
		return vm.StateStarting
	case "shutdown":
		return vm.StateStopping
	default:
		return vm.StateUnknown
	}
}

// SetCPUs changes the boot topology of a stopped guest or hotplugs vCPUs
// into a running one. Only hotplugged vCPUs can be removed.
func (b *Backend) SetCPUs(ctx context.Context, name string, n int) error {
	if n < 1 {
		return b.fail("set cpus", name, fmt.Errorf("cpus must be at least 1: %w", errdefs.ErrInvalidArgument))
	}
	inst, err := b.get("set cpus", name)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if !inst.running() {
		inst.setBootTopology(n, inst.bootMemory)
		return nil
	}
	if n > inst.maxCPUs {
		return b.fail("set cpus", name, fmt.Errorf("%d cpus exceeds the hotplug limit of %d: %w", n, inst.maxCPUs, errdefs.ErrInvalidArgument))
	}
	if n < inst.bootCPUs {
		return b.fail("set cpus", name, fmt.Errorf("cannot remove boot cpus of a running guest: %w", errdefs.ErrNotImplemented))
	}

	for inst.cpus < n {
		if err := inst.qmp.HotplugCPU(ctx, inst.cpus); err != nil {
			return b.fail("set cpus", name, err)
		}
		inst.cpus++
	}
	for inst.cpus > n {
		if err := inst.qmp.UnplugCPU(ctx, inst.cpus-1); err != nil {
			return b.fail("set cpus", name, err)
		}
		inst.cpus--
	}
	return nil
}

// SetMemory changes the boot memory of a stopped guest or hotplugs dimms into
// a running one. Shrinking a running guest only unplugs whole dimms.
func (b *Backend) SetMemory(ctx context.Context, name string, size memsize.Size) error {
	inst, err := b.get("set memory", name)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if !inst.running() {
		inst.setBootTopology(inst.bootCPUs, size)
		return nil
	}

	switch {
	case size > inst.memory:
		delta := size - inst.memory
		if size > inst.maxMemory {
			return b.fail("set memory", name, fmt.Errorf("%s exceeds the hotplug limit of %s: %w", size, inst.maxMemory, errdefs.ErrInvalidArgument))
		}
		if len(inst.dimms) >= b.opts.MemorySlots {
			return b.fail("set memory", name, fmt.Errorf("no free memory slots: %w", errdefs.ErrInvalidArgument))
		}
		slot := inst.nextSlot
		if err := inst.qmp.HotplugMemory(ctx, slot, delta); err != nil {
			return b.fail("set memory", name, err)
		}
		inst.nextSlot++
		inst.dimms = append(inst.dimms, dimm{slot: slot, size: delta})
		inst.memory = size

	case size < inst.memory:
		count := inst.trailingDimms(inst.memory - size)
		if count < 0 {
			return b.fail("set memory", name, fmt.Errorf("only hotplugged memory can be removed from a running guest: %w", errdefs.ErrNotImplemented))
		}
		for range count {
			last := inst.dimms[len(inst.dimms)-1]
			if err := inst.qmp.UnplugMemory(ctx, last.slot); err != nil {
				return b.fail("set memory", name, err)
			}
			inst.dimms = inst.dimms[:len(inst.dimms)-1]
			inst.memory -= last.size
		}
	}
	return nil
}

func (b *Backend) ManagementIPv4(ctx context.Context, name string) (network.IPAddress, error) {
	inst, err := b.get("management ip", name)
	if err != nil {
		return network.IPAddress{}, err
	}
	if b.opts.Network == nil {
		return network.IPAddress{}, b.fail("management ip", name, fmt.Errorf("guest networking is not configured: %w", errdefs.ErrNotImplemented))
	}

	inst.mu.Lock()
	mac := inst.desc.DefaultMACAddress
	inst.mu.Unlock()

	ip, err := b.opts.Network.LookupIPv4(ctx, mac)
	if err != nil {
		return network.IPAddress{}, b.fail("management ip", name, err)
	}
	return ip, nil
}

// withStoppedChain runs fn on the disk chain of a stopped instance.
func (b *Backend) withStoppedChain(op, name string, fn func(*disk.Chain) error) error {
	inst, err := b.get(op, name)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.running() {
		return b.fail(op, name, fmt.Errorf("live snapshots are not supported: %w", errdefs.ErrFailedPrecondition))
	}
	return b.fail(op, name, fn(inst.chain))
}

func (b *Backend) CaptureSnapshot(ctx context.Context, name, snapshot string) error {
	return b.withStoppedChain("capture snapshot", name, func(c *disk.Chain) error {
		return c.Capture(ctx, snapshot)
	})
}

func (b *Backend) ApplySnapshot(ctx context.Context, name, snapshot string) error {
	return b.withStoppedChain("apply snapshot", name, func(c *disk.Chain) error {
		return c.Apply(ctx, snapshot)
	})
}

func (b *Backend) EraseSnapshot(ctx context.Context, name, snapshot string) error {
	return b.withStoppedChain("erase snapshot", name, func(c *disk.Chain) error {
		return c.Erase(ctx, snapshot)
	})
}

// Events delivers state reports until ctx is done.
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
			log.G(ctx).WithField("instance", ev.Instance).Warn("qemu: event subscriber is full, dropping state report")
		}
	}
}

func (b *Backend) eventHandler(ctx context.Context, name string) func(string, map[string]any) {
	bg := context.WithoutCancel(ctx)
	return func(event string, data map[string]any) {
		if ev, ok := translateEvent(bg, name, event, data); ok {
			b.emit(bg, ev)
		}
	}
}

// commandLine builds the QEMU arguments for the instance's boot topology.
func (b *Backend) commandLine(inst *instance) []string {
	desc := inst.desc
	machine, machineOpts := machineType()

	cmd := newQemuCommandBuilder().
		setName(desc.Name).
		setUUID(vm.MachineUUID(desc.Name).String()).
		setMachine(machine, machineOpts...).
		setCPU("host").
		setSMP(inst.bootCPUs, inst.maxCPUs).
		setMemory(inst.bootMemory.MiB(), int64(b.opts.MemorySlots), inst.maxMemory.MiB()).
		setNoDefaults().
		setDisplayNone().
		setSerial("file:" + filepath.Join(desc.InstanceDir, consoleLogName))
	if b.opts.Firmware != "" {
		cmd.setBIOS(b.opts.Firmware)
	}

	cmd.addDisk("disk0", DiskConfig{Path: inst.chain.ActivePath(), Format: string(disk.FormatQCOW2)})
	if desc.CloudInitISO != "" {
		cmd.addDevice("virtio-scsi-pci,id=scsi0").
			addDisk("seed", DiskConfig{Path: desc.CloudInitISO, CDROM: true})
	}

	cmd.addNIC("net0", NICConfig{Tap: network.TapName(desc.Name), MAC: desc.DefaultMACAddress}).
		addVirtioRNG().
		setQMPUnixSocket(b.socketPath(desc.Name))

	return cmd.build()
}
