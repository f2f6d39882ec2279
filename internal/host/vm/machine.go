package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/boltstore"
	"github.com/spin-stack/spinvm/internal/host/network"
	"github.com/spin-stack/spinvm/internal/memsize"
)

// ShutdownPolicy selects how a guest is stopped.
type ShutdownPolicy int

const (
	// ShutdownPowerdown asks the guest to power off and kills it if it does
	// not comply in time.
	ShutdownPowerdown ShutdownPolicy = iota
	// ShutdownHalt stops the guest immediately.
	ShutdownHalt
)

func (p ShutdownPolicy) String() string {
	if p == ShutdownHalt {
		return "halt"
	}
	return "powerdown"
}

// StatusMonitor persists an instance record after every committed change.
type StatusMonitor interface {
	OnStateChanged(ctx context.Context, name string, specs Specs) error
}

// Observer receives state transitions and operation outcomes.
type Observer interface {
	ObserveTransition(backend, from, to string)
	ObserveOperation(backend, op string, d time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveTransition(string, string, string)              {}
func (noopObserver) ObserveOperation(string, string, time.Duration, error) {}

// SeedEditor reads and rewrites the cloud-init instance id of an instance.
type SeedEditor interface {
	InstanceID(instanceDir string) (string, error)
	SetInstanceID(ctx context.Context, instanceDir, id string) error
}

// MachineConfig bounds the waits of a machine.
type MachineConfig struct {
	StartTimeout    time.Duration
	ShutdownTimeout time.Duration
	PollInterval    time.Duration
}

func (c *MachineConfig) applyDefaults() {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 5 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 3 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// MachineOptions carries a machine's collaborators. Monitor and Snapshots
// are required.
type MachineOptions struct {
	Monitor   StatusMonitor
	Snapshots boltstore.Store[SnapshotTable]
	Seeds     SeedEditor
	Observer  Observer
	Config    MachineConfig
}

// Machine is the state machine of one instance. Every mutation, including
// backend event delivery, is serialized on the machine's mutex, and the
// persisted record only changes after the backend confirmed a transition.
type Machine struct {
	name    string
	desc    Description
	backend Backend
	caps    Capabilities

	monitor   StatusMonitor
	snapshots boltstore.Store[SnapshotTable]
	seeds     SeedEditor
	observer  Observer
	cfg       MachineConfig

	mu      sync.Mutex
	specs   Specs
	ip      network.IPAddress
	delayed *delayedShutdown

	// gen advances when an operation that drives the backend releases mu.
	// Events queued under an older generation are checked against the
	// backend before they are applied.
	gen atomic.Uint64

	evMu      sync.Mutex
	pending   []queuedEvent
	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type queuedEvent struct {
	ev  Event
	gen uint64
}

// NewMachine returns the state machine for desc with the persisted record
// specs. The machine owns a goroutine delivering backend events until Close.
func NewMachine(desc Description, specs Specs, backend Backend, opts MachineOptions) *Machine {
	opts.Config.applyDefaults()
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	specs = specs.Clone()
	specs.Normalize()

	m := &Machine{
		name:      desc.Name,
		desc:      desc,
		backend:   backend,
		caps:      backend.Capabilities(),
		monitor:   opts.Monitor,
		snapshots: opts.Snapshots,
		seeds:     opts.Seeds,
		observer:  opts.Observer,
		cfg:       opts.Config,
		specs:     specs,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go m.dispatch()
	return m
}

// Name returns the instance name.
func (m *Machine) Name() string {
	return m.name
}

// Description returns the creation-time definition.
func (m *Machine) Description() Description {
	return m.desc
}

// Specs returns a copy of the current record.
func (m *Machine) Specs() Specs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.specs.Clone()
}

// CurrentState returns the last observed state. A persisted unknown state
// is reconciled with the backend first.
func (m *Machine) CurrentState(ctx context.Context) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.specs.State == StateUnknown {
		m.refreshLocked(ctx)
	}
	return m.specs.State
}

// Notify queues a backend event for delivery through the machine's
// serialization point. It never blocks.
func (m *Machine) Notify(ev Event) {
	select {
	case <-m.done:
		return
	default:
	}

	m.evMu.Lock()
	m.pending = append(m.pending, queuedEvent{ev: ev, gen: m.gen.Load()})
	m.evMu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Machine) dispatch() {
	ctx := context.Background()
	for {
		select {
		case <-m.signal:
			m.evMu.Lock()
			batch := m.pending
			m.pending = nil
			m.evMu.Unlock()

			for _, q := range batch {
				m.deliver(ctx, q)
			}
		case <-m.done:
			return
		}
	}
}

func (m *Machine) deliver(ctx context.Context, q queuedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q.gen != m.gen.Load() && !m.confirmLocked(ctx, q.ev) {
		log.G(ctx).WithFields(log.Fields{
			"instance": m.name,
			"reported": q.ev.State.String(),
		}).Debug("vm: dropping stale backend event")
		return
	}
	m.handleStateUpdateLocked(ctx, q.ev)
}

// confirmLocked reports whether the backend still agrees with ev.
func (m *Machine) confirmLocked(ctx context.Context, ev Event) bool {
	st, err := m.backend.State(ctx, m.name)
	if err != nil {
		return false
	}
	if ev.Reset {
		return st == StateRunning
	}
	return st == ev.State
}

// Close stops event delivery and any pending delayed shutdown.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		m.stopDelayedLocked()
		m.mu.Unlock()
	})
}

// HandleStateUpdate applies a backend-reported state.
func (m *Machine) HandleStateUpdate(ctx context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handleStateUpdateLocked(ctx, ev)
}

func (m *Machine) handleStateUpdateLocked(ctx context.Context, ev Event) {
	current := m.specs.State
	logger := log.G(ctx).WithFields(log.Fields{
		"instance": m.name,
		"current":  current.String(),
		"reported": ev.State.String(),
	})

	var next State
	switch {
	case ev.Reset:
		if current != StateRunning && current != StateDelayedShutdown {
			return
		}
		m.stopDelayedLocked()
		m.ip = network.IPAddress{}
		next = StateRestarting
	case ev.State == StateRunning && current == StateRestarting:
		// Leaves restarting once the guest has an address again.
		return
	case ev.State == StateRunning && current == StateDelayedShutdown:
		return
	case ev.State.IsOff():
		m.stopDelayedLocked()
		m.ip = network.IPAddress{}
		next = StateOff
	default:
		next = ev.State
	}

	if next == current {
		return
	}
	if !CanTransition(current, next) {
		logger.Debug("vm: ignoring backend state report")
		return
	}
	if err := m.commitLocked(ctx, next); err != nil {
		logger.WithError(err).Warn("vm: failed to apply backend state report")
	}
}

// commitLocked records a confirmed transition. A persistence failure leaves
// the in-memory state unchanged as well.
func (m *Machine) commitLocked(ctx context.Context, to State) error {
	from := m.specs.State
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("transition of %s from %s to %s: %w", m.name, from, to, errdefs.ErrFailedPrecondition)
	}

	next := m.specs.Clone()
	next.State = to
	if err := m.persistLocked(ctx, next); err != nil {
		return err
	}

	m.observer.ObserveTransition(m.backend.Name(), from.String(), to.String())
	log.G(ctx).WithFields(log.Fields{
		"instance": m.name,
		"from":     from.String(),
		"to":       to.String(),
	}).Info("vm: state changed")
	return nil
}

func (m *Machine) persistLocked(ctx context.Context, next Specs) error {
	if err := m.monitor.OnStateChanged(ctx, m.name, next.Clone()); err != nil {
		return fmt.Errorf("failed to persist instance %s: %w", m.name, err)
	}
	m.specs = next
	return nil
}

// refreshLocked replaces an unknown or stale state with the backend's view.
func (m *Machine) refreshLocked(ctx context.Context) {
	st, err := m.backend.State(ctx, m.name)
	if err != nil {
		log.G(ctx).WithError(err).WithField("instance", m.name).Debug("vm: backend state unavailable")
		return
	}
	if st == m.specs.State || st == StateUnknown {
		return
	}
	if err := m.commitLocked(ctx, st); err != nil {
		log.G(ctx).WithError(err).WithField("instance", m.name).Warn("vm: failed to reconcile state")
	}
}

func (m *Machine) observe(op string, start time.Time, err *error) {
	m.observer.ObserveOperation(m.backend.Name(), op, time.Since(start), *err)
}

// Start boots, resumes or reconciles the instance and waits until the
// backend reports it running.
func (m *Machine) Start(ctx context.Context) (err error) {
	defer m.observe("start", time.Now(), &err)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.gen.Add(1)

	if m.specs.State == StateUnknown || m.specs.State == StateStarting {
		m.refreshLocked(ctx)
	}

	switch st := m.specs.State; st {
	case StateRunning, StateRestarting:
		return &StateIdempotentError{Name: m.name, Op: "start", State: st}
	case StateDelayedShutdown:
		m.stopDelayedLocked()
		return m.commitLocked(ctx, StateRunning)
	case StateSuspending:
		return &StateInvalidError{Name: m.name, Op: "start", State: st}
	case StateSuspended:
		if err := m.backend.Resume(ctx, m.name); err != nil {
			return &StartError{Name: m.name, Err: err}
		}
	default:
		if err := m.backend.Start(ctx, m.name); err != nil {
			return &StartError{Name: m.name, Err: err}
		}
	}

	if err := m.commitLocked(ctx, StateStarting); err != nil {
		return &StartError{Name: m.name, Err: err}
	}

	if err := m.waitForStateLocked(ctx, StateRunning, m.cfg.StartTimeout); err != nil {
		m.rollbackStartLocked(ctx)
		return &StartError{Name: m.name, Err: err}
	}
	return m.commitLocked(ctx, StateRunning)
}

// rollbackStartLocked stops a guest whose start did not complete so that
// the instance ends up off rather than in a transient state.
func (m *Machine) rollbackStartLocked(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()

	if err := m.backend.Stop(cleanupCtx, m.name, true); err != nil {
		log.G(ctx).WithError(err).WithField("instance", m.name).Warn("vm: failed to stop instance after start failure")
	}
	m.ip = network.IPAddress{}
	if err := m.commitLocked(cleanupCtx, StateOff); err != nil {
		log.G(ctx).WithError(err).WithField("instance", m.name).Warn("vm: failed to record stopped instance")
	}
}

// waitForStateLocked polls the backend until it reports want.
func (m *Machine) waitForStateLocked(ctx context.Context, want State, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		st, err := m.backend.State(ctx, m.name)
		switch {
		case err != nil && !IsRetryable(err):
			return err
		case err == nil && st == want:
			return nil
		case err == nil && want == StateRunning && st.IsOff():
			return fmt.Errorf("instance %s stopped while starting: %w", m.name, errdefs.ErrUnavailable)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to be %s: %w", m.name, want, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Shutdown stops the instance according to policy.
func (m *Machine) Shutdown(ctx context.Context, policy ShutdownPolicy) (err error) {
	defer m.observe("shutdown", time.Now(), &err)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdownLocked(ctx, policy)
}

func (m *Machine) shutdownLocked(ctx context.Context, policy ShutdownPolicy) error {
	defer m.gen.Add(1)

	if m.specs.State == StateUnknown {
		m.refreshLocked(ctx)
	}

	prev := m.specs.State
	switch prev {
	case StateOff:
		return &StateIdempotentError{Name: m.name, Op: "stop", State: prev}
	case StateSuspending:
		return &StateInvalidError{Name: m.name, Op: "stop", State: prev}
	case StateSuspended:
		// A paused guest cannot see the power button.
		if policy == ShutdownPowerdown {
			if err := m.backend.Resume(ctx, m.name); err != nil {
				return err
			}
		}
	case StateDelayedShutdown:
		m.stopDelayedLocked()
		prev = StateRunning
	}

	if err := m.commitLocked(ctx, StateStopping); err != nil {
		return err
	}

	if err := m.stopLocked(ctx, policy == ShutdownHalt); err != nil {
		m.settleLocked(ctx, prev)
		return err
	}

	m.ip = network.IPAddress{}
	return m.commitLocked(ctx, StateOff)
}

// stopLocked drives the backend until it reports the guest off. A guest
// ignoring the power button is halted.
func (m *Machine) stopLocked(ctx context.Context, force bool) error {
	if err := m.backend.Stop(ctx, m.name, force); err != nil {
		return err
	}

	err := m.waitForStateLocked(ctx, StateOff, m.cfg.ShutdownTimeout)
	if err == nil || force || ctx.Err() != nil {
		return err
	}
	log.G(ctx).WithError(err).WithField("instance", m.name).Warn("vm: guest did not power off, halting")
	if err := m.backend.Stop(ctx, m.name, true); err != nil {
		return err
	}
	return m.waitForStateLocked(ctx, StateOff, m.cfg.ShutdownTimeout)
}

// settleLocked leaves stopping after a shutdown that did not complete. The
// backend's answer is recorded when it names a state stopping may lead to,
// otherwise the instance returns to prev.
func (m *Machine) settleLocked(ctx context.Context, prev State) {
	ctx = context.WithoutCancel(ctx)

	next := prev
	st, err := m.backend.State(ctx, m.name)
	if err == nil && st != StateUnknown && st != StateStopping && CanTransition(StateStopping, st) {
		next = st
	}
	if next.IsOff() {
		m.ip = network.IPAddress{}
	}
	if err := m.commitLocked(ctx, next); err != nil {
		log.G(ctx).WithError(err).WithField("instance", m.name).Warn("vm: failed to restore state after stop failure")
	}
}

// Suspend pauses a running instance.
func (m *Machine) Suspend(ctx context.Context) (err error) {
	defer m.observe("suspend", time.Now(), &err)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.gen.Add(1)

	switch st := m.specs.State; st {
	case StateRunning:
	case StateSuspended:
		return &StateIdempotentError{Name: m.name, Op: "suspend", State: st}
	default:
		return &StateInvalidError{Name: m.name, Op: "suspend", State: st}
	}
	if !m.caps.Pause {
		return &CapabilityError{Backend: m.backend.Name(), Op: "suspend"}
	}

	if err := m.commitLocked(ctx, StateSuspending); err != nil {
		return err
	}
	if err := m.backend.Pause(ctx, m.name); err != nil {
		if cerr := m.commitLocked(context.WithoutCancel(ctx), StateRunning); cerr != nil {
			log.G(ctx).WithError(cerr).WithField("instance", m.name).Warn("vm: failed to restore state after suspend failure")
		}
		return err
	}
	return m.commitLocked(ctx, StateSuspended)
}

// liveResizeLocked decides whether a CPU or memory change may reach the
// backend in the current state.
func (m *Machine) liveResizeLocked(op string, supported bool) error {
	st := m.specs.State
	if st.IsOff() {
		return nil
	}
	if st != StateRunning {
		return &StateInvalidError{Name: m.name, Op: op, State: st}
	}
	if !supported {
		return &CapabilityError{Backend: m.backend.Name(), Op: op + " while running"}
	}
	return nil
}

// ResizeCPUs changes the number of virtual CPUs.
func (m *Machine) ResizeCPUs(ctx context.Context, n int) (err error) {
	defer m.observe("resize_cpus", time.Now(), &err)

	if n < 1 {
		return fmt.Errorf("cpus must be at least 1: %w", errdefs.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if n == m.specs.NumCores {
		return nil
	}
	if err := m.liveResizeLocked("change cpus of", m.caps.LiveCPUResize); err != nil {
		return err
	}
	if err := m.backend.SetCPUs(ctx, m.name, n); err != nil {
		return err
	}

	next := m.specs.Clone()
	next.NumCores = n
	return m.persistLocked(ctx, next)
}

// ResizeMemory changes the guest memory size.
func (m *Machine) ResizeMemory(ctx context.Context, size memsize.Size) (err error) {
	defer m.observe("resize_memory", time.Now(), &err)

	if size < 128*memsize.MiB {
		return fmt.Errorf("memory must be at least 128MiB: %w", errdefs.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if size == m.specs.MemSize {
		return nil
	}
	if err := m.liveResizeLocked("change memory of", m.caps.LiveMemoryResize); err != nil {
		return err
	}
	if err := m.backend.SetMemory(ctx, m.name, size); err != nil {
		return err
	}

	next := m.specs.Clone()
	next.MemSize = size
	return m.persistLocked(ctx, next)
}

// ResizeDisk grows the instance disk. The instance must be off.
func (m *Machine) ResizeDisk(ctx context.Context, size memsize.Size) (err error) {
	defer m.observe("resize_disk", time.Now(), &err)

	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.specs.State; !st.IsOff() {
		return &StateInvalidError{Name: m.name, Op: "resize the disk of", State: st}
	}
	if size < m.specs.DiskSpace {
		return fmt.Errorf("disk can only grow, %s is smaller than %s: %w", size, m.specs.DiskSpace, errdefs.ErrInvalidArgument)
	}
	if size == m.specs.DiskSpace {
		return nil
	}
	if err := m.backend.ResizeDisk(ctx, m.desc, size); err != nil {
		return err
	}

	next := m.specs.Clone()
	next.DiskSpace = size
	return m.persistLocked(ctx, next)
}

// ManagementIPv4 returns the guest's address as reported by the backend.
// A restarting instance is committed running once it has an address again.
func (m *Machine) ManagementIPv4(ctx context.Context) (network.IPAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.specs.State
	if !st.IsActive() {
		return network.IPAddress{}, &StateInvalidError{Name: m.name, Op: "get the address of", State: st}
	}
	if m.ip.IsValid() {
		return m.ip, nil
	}

	ip, err := m.backend.ManagementIPv4(ctx, m.name)
	if err != nil {
		return network.IPAddress{}, &NetworkDiscoveryError{Name: m.name, Err: err}
	}
	m.ip = ip

	if st == StateRestarting {
		if err := m.commitLocked(ctx, StateRunning); err != nil {
			log.G(ctx).WithError(err).WithField("instance", m.name).Warn("vm: failed to record restarted instance")
		}
	}
	return ip, nil
}

// SSHHostname waits up to timeout for the guest to obtain an address.
func (m *Machine) SSHHostname(ctx context.Context, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ip, err := m.ManagementIPv4(ctx)
		if err == nil {
			return ip.String(), nil
		}
		var invalid *StateInvalidError
		if errors.As(err, &invalid) {
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", &NetworkDiscoveryError{Name: m.name, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// SSHUsername returns the account used to reach the guest.
func (m *Machine) SSHUsername() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.specs.SSHUsername
}

// AddMount records a mount keyed by its guest target path.
func (m *Machine) AddMount(ctx context.Context, target string, mount Mount) error {
	if target == "" || mount.SourcePath == "" {
		return fmt.Errorf("mount source and target are required: %w", errdefs.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.specs.Mounts[target]; ok {
		return fmt.Errorf("mount %s: %w", target, errdefs.ErrAlreadyExists)
	}
	next := m.specs.Clone()
	if next.Mounts == nil {
		next.Mounts = map[string]Mount{}
	}
	next.Mounts[target] = mount
	return m.persistLocked(ctx, next)
}

// RemoveMount deletes the mount at target.
func (m *Machine) RemoveMount(ctx context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.specs.Mounts[target]; !ok {
		return fmt.Errorf("mount %s: %w", target, errdefs.ErrNotFound)
	}
	next := m.specs.Clone()
	delete(next.Mounts, target)
	return m.persistLocked(ctx, next)
}

// SetDeleted moves the instance to or from the trash. The last state is
// kept for display.
func (m *Machine) SetDeleted(ctx context.Context, deleted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.specs.Deleted == deleted {
		return nil
	}
	if deleted && !m.specs.State.IsOff() {
		return &StateInvalidError{Name: m.name, Op: "delete", State: m.specs.State}
	}
	next := m.specs.Clone()
	next.Deleted = deleted
	return m.persistLocked(ctx, next)
}
