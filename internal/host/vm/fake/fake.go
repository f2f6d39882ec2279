// Package fake provides a scriptable in-memory backend. It keeps instance
// state in maps, records every call, and lets tests inject failures and
// asynchronous events.
package fake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/spinvm/internal/config"
	"github.com/spin-stack/spinvm/internal/host/network"
	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/memsize"
)

// Name is the driver name of the fake backend.
const Name = config.DriverFake

func init() {
	vm.Register(Name, func(ctx context.Context, opts vm.BackendOptions) (vm.Backend, error) {
		return New(), nil
	})
}

type instance struct {
	desc      vm.Description
	state     vm.State
	mac       string
	ip        network.IPAddress
	cpus      int
	memory    memsize.Size
	disk      memsize.Size
	snapshots []string
}

// Backend is an in-memory vm.Backend.
type Backend struct {
	mu sync.Mutex

	caps          vm.Capabilities
	health        error
	instances     map[string]*instance
	endpoints     map[string]string
	calls         []string
	failures      map[string][]error
	startState    vm.State
	ignorePower   bool
	addressBlocks int
	nextHost      uint32
	subnet        network.Subnet

	events chan vm.Event
}

var (
	_ vm.Backend     = (*Backend)(nil)
	_ vm.EventSource = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithCapabilities replaces the default capability set.
func WithCapabilities(c vm.Capabilities) Option {
	return func(b *Backend) { b.caps = c }
}

// New returns a backend that supports every optional capability.
func New(opts ...Option) *Backend {
	b := &Backend{
		caps: vm.Capabilities{
			Pause:            true,
			LiveCPUResize:    true,
			LiveMemoryResize: true,
			LiveSnapshot:     false,
			Events:           true,
		},
		instances:  make(map[string]*instance),
		endpoints:  make(map[string]string),
		failures:   make(map[string][]error),
		startState: vm.StateRunning,
		subnet:     network.MustParseSubnet("10.99.0.0/24"),
		nextHost:   2,
		events:     make(chan vm.Event, 64),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// FailNext makes the next call of op fail with err. Calls queue up.
func (b *Backend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], err)
}

// SetHealth sets the result of HealthCheck.
func (b *Backend) SetHealth(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health = err
}

// SetStartState sets the state instances enter after Start.
func (b *Backend) SetStartState(st vm.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startState = st
}

// IgnorePowerdown makes graceful stops leave the guest running.
func (b *Backend) IgnorePowerdown(ignore bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ignorePower = ignore
}

// WithholdAddress makes the next n address lookups fail as unavailable.
func (b *Backend) WithholdAddress(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addressBlocks = n
}

// SetState changes an instance's state behind the state machine's back.
func (b *Backend) SetState(name string, st vm.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instances[name]; ok {
		inst.state = st
	}
}

// Emit publishes an asynchronous event.
func (b *Backend) Emit(ev vm.Event) {
	b.events <- ev
}

// Calls returns the recorded calls as "op name" strings.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// CallCount returns how many times op was called.
func (b *Backend) CallCount(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == op || strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

// Snapshots returns the snapshot names held for an instance.
func (b *Backend) Snapshots(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instances[name]; ok {
		return slices.Clone(inst.snapshots)
	}
	return nil
}

// Defined reports whether name has a definition.
func (b *Backend) Defined(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.instances[name]
	return ok
}

// HasEndpoint reports whether name has a network endpoint.
func (b *Backend) HasEndpoint(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.endpoints[name]
	return ok
}

// begin records a call and pops an injected failure. Callers hold b.mu.
func (b *Backend) begin(op, name string) error {
	if name == "" {
		b.calls = append(b.calls, op)
	} else {
		b.calls = append(b.calls, op+" "+name)
	}
	if queued := b.failures[op]; len(queued) > 0 {
		b.failures[op] = queued[1:]
		return vm.Fail(Name, op, name, queued[0])
	}
	return nil
}

func (b *Backend) lookup(op, name string) (*instance, error) {
	inst, ok := b.instances[name]
	if !ok {
		return nil, vm.Fail(Name, op, name, fmt.Errorf("instance %s: %w", name, errdefs.ErrNotFound))
	}
	return inst, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Capabilities() vm.Capabilities { return b.caps }

func (b *Backend) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("health", ""); err != nil {
		return err
	}
	return b.health
}

func (b *Backend) PrepareImage(ctx context.Context, src, dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("prepare_image", ""); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return vm.Fail(Name, "prepare_image", "", err)
	}
	return vm.Fail(Name, "prepare_image", "", os.WriteFile(dst, data, 0o640))
}

func (b *Backend) ResizeDisk(ctx context.Context, desc vm.Description, size memsize.Size) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("resize_disk", desc.Name); err != nil {
		return err
	}
	if inst, ok := b.instances[desc.Name]; ok {
		inst.disk = size
	}
	return nil
}

func (b *Backend) CloneDisk(ctx context.Context, src, dst vm.Description) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("clone_disk", dst.Name); err != nil {
		return err
	}
	data, err := os.ReadFile(src.ImagePath)
	if err != nil {
		return vm.Fail(Name, "clone_disk", dst.Name, err)
	}
	return vm.Fail(Name, "clone_disk", dst.Name, os.WriteFile(dst.ImagePath, data, 0o640))
}

func (b *Backend) CreateEndpoint(ctx context.Context, name, mac string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("create_endpoint", name); err != nil {
		return err
	}
	b.endpoints[name] = mac
	return nil
}

func (b *Backend) DeleteEndpoint(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("delete_endpoint", name); err != nil {
		return err
	}
	if _, ok := b.endpoints[name]; !ok {
		return vm.Fail(Name, "delete_endpoint", name, errdefs.ErrNotFound)
	}
	delete(b.endpoints, name)
	return nil
}

func (b *Backend) Define(ctx context.Context, desc vm.Description) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("define", desc.Name); err != nil {
		return err
	}
	if inst, ok := b.instances[desc.Name]; ok {
		inst.desc = desc
		return nil
	}
	b.instances[desc.Name] = &instance{
		desc:   desc,
		state:  vm.StateOff,
		mac:    desc.DefaultMACAddress,
		ip:     b.subnet.Network().Add(int64(b.nextHost)),
		cpus:   desc.NumCores,
		memory: desc.MemSize,
		disk:   desc.DiskSpace,
	}
	b.nextHost++
	return nil
}

func (b *Backend) Undefine(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("undefine", name); err != nil {
		return err
	}
	delete(b.instances, name)
	return nil
}

func (b *Backend) Start(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("start", name); err != nil {
		return err
	}
	inst, err := b.lookup("start", name)
	if err != nil {
		return err
	}
	inst.state = b.startState
	return nil
}

func (b *Backend) Stop(ctx context.Context, name string, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	op := "stop"
	if force {
		op = "kill"
	}
	if err := b.begin(op, name); err != nil {
		return err
	}
	inst, err := b.lookup(op, name)
	if err != nil {
		return err
	}
	if force || !b.ignorePower {
		inst.state = vm.StateOff
	}
	return nil
}

func (b *Backend) Pause(ctx context.Context, name string) error {
	return b.setRunState("pause", name, vm.StateRunning, vm.StateSuspended)
}

func (b *Backend) Resume(ctx context.Context, name string) error {
	return b.setRunState("resume", name, vm.StateSuspended, vm.StateRunning)
}

func (b *Backend) setRunState(op, name string, from, to vm.State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(op, name); err != nil {
		return err
	}
	inst, err := b.lookup(op, name)
	if err != nil {
		return err
	}
	if inst.state != from {
		return vm.Fail(Name, op, name, fmt.Errorf("instance is %s: %w", inst.state, errdefs.ErrFailedPrecondition))
	}
	inst.state = to
	return nil
}

func (b *Backend) State(ctx context.Context, name string) (vm.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup("state", name)
	if err != nil {
		return vm.StateUnknown, err
	}
	return inst.state, nil
}

func (b *Backend) SetCPUs(ctx context.Context, name string, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("set_cpus", name); err != nil {
		return err
	}
	inst, err := b.lookup("set_cpus", name)
	if err != nil {
		return err
	}
	inst.cpus = n
	return nil
}

func (b *Backend) SetMemory(ctx context.Context, name string, size memsize.Size) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("set_memory", name); err != nil {
		return err
	}
	inst, err := b.lookup("set_memory", name)
	if err != nil {
		return err
	}
	inst.memory = size
	return nil
}

func (b *Backend) ManagementIPv4(ctx context.Context, name string) (network.IPAddress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("ip", name); err != nil {
		return network.IPAddress{}, err
	}
	inst, err := b.lookup("ip", name)
	if err != nil {
		return network.IPAddress{}, err
	}
	if b.addressBlocks > 0 || inst.state.IsOff() {
		if b.addressBlocks > 0 {
			b.addressBlocks--
		}
		return network.IPAddress{}, vm.Fail(Name, "ip", name, fmt.Errorf("no lease yet: %w", errdefs.ErrUnavailable))
	}
	return inst.ip, nil
}

func (b *Backend) CaptureSnapshot(ctx context.Context, name, snapshot string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("capture", name); err != nil {
		return err
	}
	inst, err := b.lookup("capture", name)
	if err != nil {
		return err
	}
	if slices.Contains(inst.snapshots, snapshot) {
		return vm.Fail(Name, "capture", name, errdefs.ErrAlreadyExists)
	}
	inst.snapshots = append(inst.snapshots, snapshot)
	return nil
}

func (b *Backend) ApplySnapshot(ctx context.Context, name, snapshot string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("apply", name); err != nil {
		return err
	}
	inst, err := b.lookup("apply", name)
	if err != nil {
		return err
	}
	if !slices.Contains(inst.snapshots, snapshot) {
		return vm.Fail(Name, "apply", name, errdefs.ErrNotFound)
	}
	return nil
}

func (b *Backend) EraseSnapshot(ctx context.Context, name, snapshot string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin("erase", name); err != nil {
		return err
	}
	inst, err := b.lookup("erase", name)
	if err != nil {
		return err
	}
	idx := slices.Index(inst.snapshots, snapshot)
	if idx < 0 {
		return vm.Fail(Name, "erase", name, errdefs.ErrNotFound)
	}
	inst.snapshots = slices.Delete(inst.snapshots, idx, idx+1)
	return nil
}

// Events delivers emitted events until ctx is done.
func (b *Backend) Events(ctx context.Context) (<-chan vm.Event, error) {
	out := make(chan vm.Event)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-b.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
