package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/host/network"
	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/memsize"
	"github.com/spin-stack/spinvm/internal/petname"
)

// LaunchRequest describes a new instance. Zero fields take the configured
// defaults and an empty name gets a generated one.
type LaunchRequest struct {
	Name            string
	Image           string
	CPUs            int
	Memory          memsize.Size
	Disk            memsize.Size
	SSHUsername     string
	UserData        []byte
	ExtraInterfaces []vm.NetworkInterface
	// Start boots the instance once it is created.
	Start bool
}

// Info is the view of one instance returned by List and Info.
type Info struct {
	Name      string       `json:"name" yaml:"name"`
	Image     string       `json:"image" yaml:"image"`
	State     string       `json:"state" yaml:"state"`
	Deleted   bool         `json:"deleted" yaml:"deleted"`
	CPUs      int          `json:"cpus" yaml:"cpus"`
	Memory    memsize.Size `json:"memory" yaml:"memory"`
	Disk      memsize.Size `json:"disk" yaml:"disk"`
	MAC       string       `json:"mac_address" yaml:"mac_address"`
	IPv4      string       `json:"ipv4,omitempty" yaml:"ipv4,omitempty"`
	Snapshots int          `json:"snapshots" yaml:"snapshots"`
	Head      string       `json:"snapshot_head,omitempty" yaml:"snapshot_head,omitempty"`
	// ShutdownIn is set while a delayed shutdown is pending.
	ShutdownIn time.Duration `json:"shutdown_in,omitempty" yaml:"shutdown_in,omitempty"`
}

func (d *Daemon) withDefaults(req LaunchRequest) (LaunchRequest, error) {
	defs := d.cfg.Defaults
	if req.CPUs == 0 {
		req.CPUs = defs.CPUs
	}
	if req.Memory == 0 {
		size, err := memsize.Parse(defs.Memory)
		if err != nil {
			return req, fmt.Errorf("default memory: %w", err)
		}
		req.Memory = size
	}
	if req.Disk == 0 {
		size, err := memsize.Parse(defs.Disk)
		if err != nil {
			return req, fmt.Errorf("default disk: %w", err)
		}
		req.Disk = size
	}
	if req.SSHUsername == "" {
		req.SSHUsername = defs.SSHUsername
	}
	if req.Image == "" {
		return req, fmt.Errorf("an image is required: %w", errdefs.ErrInvalidArgument)
	}
	return req, nil
}

// Launch creates an instance and optionally starts it.
func (d *Daemon) Launch(ctx context.Context, req LaunchRequest) (_ *Info, retErr error) {
	req, err := d.withDefaults(req)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		if req.Name, err = petname.Unique(d.names, d.taken, nameAttempts); err != nil {
			return nil, err
		}
	}
	if err := vm.ValidateName(req.Name); err != nil {
		return nil, err
	}

	macs := map[string]struct{}{}
	mac, err := network.GenerateUniqueMAC(macs)
	if err != nil {
		return nil, err
	}
	macs[mac] = struct{}{}
	ifaces := make([]vm.NetworkInterface, len(req.ExtraInterfaces))
	for i, iface := range req.ExtraInterfaces {
		if iface.MACAddress == "" {
			iface.MACAddress, err = network.GenerateUniqueMAC(macs)
		} else if iface.MACAddress, err = network.NormalizeMAC(iface.MACAddress); err == nil {
			if _, dup := macs[iface.MACAddress]; dup {
				err = fmt.Errorf("MAC address %s is used twice: %w", iface.MACAddress, errdefs.ErrInvalidArgument)
			}
		}
		if err != nil {
			return nil, err
		}
		macs[iface.MACAddress] = struct{}{}
		ifaces[i] = iface
	}

	driver := d.cfg.Backend.Driver
	if err := d.registry.Reserve(ctx, req.Name, req.Image, driver); err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			if err := d.registry.Remove(context.WithoutCancel(ctx), req.Name); err != nil {
				log.G(ctx).WithError(err).WithField("instance", req.Name).Warn("daemon: failed to release reservation")
			}
		}
	}()

	desc := vm.Description{
		Name:              req.Name,
		NumCores:          req.CPUs,
		MemSize:           req.Memory,
		DiskSpace:         req.Disk,
		Image:             req.Image,
		UserData:          req.UserData,
		DefaultMACAddress: mac,
		ExtraInterfaces:   ifaces,
		SSHUsername:       req.SSHUsername,
	}
	m, err := d.factory.CreateVirtualMachine(ctx, desc, d.keys, d.registry)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.machines[req.Name] = m
	d.mu.Unlock()
	d.watchEvents(ctx)

	log.G(ctx).WithFields(log.Fields{"instance": req.Name, "image": req.Image}).Info("daemon: instance launched")

	if req.Start {
		// The instance exists even when it fails to boot.
		if err := m.Start(ctx); err != nil {
			info := d.info(ctx, m, false)
			return &info, err
		}
	}
	info := d.info(ctx, m, false)
	return &info, nil
}

// Start boots a stopped or suspended instance.
func (d *Daemon) Start(ctx context.Context, name string) error {
	m, err := d.operable(ctx, name)
	if err != nil {
		return err
	}
	return m.Start(ctx)
}

// StopOptions selects how Stop ends an instance.
type StopOptions struct {
	// Force halts the guest without asking it to power off.
	Force bool
	// Delay schedules the shutdown instead of running it now.
	Delay time.Duration
	// Cancel aborts a pending delayed shutdown.
	Cancel bool
}

// Stop shuts an instance down according to opts.
func (d *Daemon) Stop(ctx context.Context, name string, opts StopOptions) error {
	m, err := d.operable(ctx, name)
	if err != nil {
		return err
	}
	switch {
	case opts.Cancel:
		return m.CancelShutdown(ctx)
	case opts.Delay > 0:
		return m.ScheduleShutdown(ctx, opts.Delay)
	case opts.Force:
		return m.Shutdown(ctx, vm.ShutdownHalt)
	default:
		return m.Shutdown(ctx, vm.ShutdownPowerdown)
	}
}

// Suspend pauses a running instance.
func (d *Daemon) Suspend(ctx context.Context, name string) error {
	m, err := d.operable(ctx, name)
	if err != nil {
		return err
	}
	return m.Suspend(ctx)
}

// Delete moves an instance to the trash, stopping it first. With purge the
// instance and its resources are removed for good.
func (d *Daemon) Delete(ctx context.Context, name string, purge bool) error {
	m, err := d.machine(name, true)
	if err != nil {
		return err
	}
	if !m.CurrentState(ctx).IsOff() {
		if err := m.Shutdown(ctx, vm.ShutdownPowerdown); err != nil && !errdefs.IsNotModified(err) {
			return err
		}
	}
	if err := m.SetDeleted(ctx, true); err != nil {
		return err
	}
	if !purge {
		return nil
	}
	if err := d.remove(ctx, name); err != nil {
		return err
	}
	return d.registry.Remove(ctx, name)
}

// Recover takes an instance out of the trash.
func (d *Daemon) Recover(ctx context.Context, name string) error {
	m, err := d.machine(name, true)
	if err != nil {
		return err
	}
	return m.SetDeleted(ctx, false)
}

// Purge removes every trashed instance and returns the names removed.
func (d *Daemon) Purge(ctx context.Context) ([]string, error) {
	return d.registry.Purge(ctx, d.remove)
}

// remove forgets the machine of name and releases its resources.
func (d *Daemon) remove(ctx context.Context, name string) error {
	d.mu.Lock()
	m, ok := d.machines[name]
	delete(d.machines, name)
	d.mu.Unlock()
	if ok {
		m.Close()
	}
	return d.factory.RemoveResourcesFor(ctx, name)
}

// List returns every instance, trashed ones included, in name order.
func (d *Daemon) List(ctx context.Context) ([]Info, error) {
	entries, err := d.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		d.mu.Lock()
		m, ok := d.machines[e.Name]
		d.mu.Unlock()
		if !ok {
			// Instances of another backend are listed as recorded.
			out = append(out, infoFromSpecs(e.Name, e.Image, e.Specs))
			continue
		}
		out = append(out, d.info(ctx, m, false))
	}
	return out, nil
}

// Info describes one instance, including its address when it is running.
func (d *Daemon) Info(ctx context.Context, name string) (*Info, error) {
	m, err := d.machine(name, true)
	if err != nil {
		return nil, err
	}
	info := d.info(ctx, m, true)
	return &info, nil
}

func infoFromSpecs(name, image string, specs vm.Specs) Info {
	return Info{
		Name:    name,
		Image:   image,
		State:   specs.State.String(),
		Deleted: specs.Deleted,
		CPUs:    specs.NumCores,
		Memory:  specs.MemSize,
		Disk:    specs.DiskSpace,
		MAC:     specs.DefaultMACAddress,
	}
}

func (d *Daemon) info(ctx context.Context, m *vm.Machine, address bool) Info {
	st := m.CurrentState(ctx)
	info := infoFromSpecs(m.Name(), m.Description().Image, m.Specs())
	info.State = st.String()

	if address && st == vm.StateRunning {
		if ip, err := m.ManagementIPv4(ctx); err == nil {
			info.IPv4 = ip.String()
		}
	}
	if snaps, err := m.Snapshots(ctx); err == nil {
		info.Snapshots = len(snaps)
	}
	if head, err := m.SnapshotHead(ctx); err == nil {
		info.Head = head
	}
	if left, ok := m.TimeRemaining(); ok {
		info.ShutdownIn = left
	}
	return info
}

// SSHHost waits for the guest address and returns it with the login user.
func (d *Daemon) SSHHost(ctx context.Context, name string) (host, user string, err error) {
	m, err := d.machine(name, false)
	if err != nil {
		return "", "", err
	}
	host, err = m.SSHHostname(ctx, d.waitTimeout())
	if err != nil {
		return "", "", err
	}
	return host, m.SSHUsername(), nil
}

// ResizeRequest lists the resources to change. Zero fields are kept.
type ResizeRequest struct {
	CPUs   int
	Memory memsize.Size
	Disk   memsize.Size
}

// Resize changes the resources of an instance. Every requested change is
// attempted and the failures are joined.
func (d *Daemon) Resize(ctx context.Context, name string, req ResizeRequest) error {
	m, err := d.operable(ctx, name)
	if err != nil {
		return err
	}
	var errs []error
	if req.CPUs != 0 {
		errs = append(errs, m.ResizeCPUs(ctx, req.CPUs))
	}
	if req.Memory != 0 {
		errs = append(errs, m.ResizeMemory(ctx, req.Memory))
	}
	if req.Disk != 0 {
		errs = append(errs, m.ResizeDisk(ctx, req.Disk))
	}
	return errors.Join(errs...)
}

// Snapshot captures the instance under name, or a generated name when empty.
func (d *Daemon) Snapshot(ctx context.Context, instance, name, comment string) (*vm.Snapshot, error) {
	m, err := d.operable(ctx, instance)
	if err != nil {
		return nil, err
	}
	return m.TakeSnapshot(ctx, name, comment)
}

// Restore rolls an instance back to a snapshot.
func (d *Daemon) Restore(ctx context.Context, instance, snapshot string) error {
	m, err := d.operable(ctx, instance)
	if err != nil {
		return err
	}
	return m.RestoreSnapshot(ctx, snapshot)
}

// DeleteSnapshot removes one snapshot of an instance.
func (d *Daemon) DeleteSnapshot(ctx context.Context, instance, snapshot string) error {
	m, err := d.operable(ctx, instance)
	if err != nil {
		return err
	}
	return m.DeleteSnapshot(ctx, snapshot)
}

// Snapshots lists the snapshots of an instance in creation order.
func (d *Daemon) Snapshots(ctx context.Context, instance string) ([]vm.Snapshot, error) {
	m, err := d.machine(instance, true)
	if err != nil {
		return nil, err
	}
	return m.Snapshots(ctx)
}

// Clone copies a stopped instance and returns the new instance.
func (d *Daemon) Clone(ctx context.Context, name string) (*Info, error) {
	src, err := d.machine(name, false)
	if err != nil {
		return nil, err
	}
	m, err := d.factory.CloneVM(ctx, src, d.taken, d.registry)
	if err != nil {
		return nil, err
	}
	if err := d.registry.SetSource(ctx, m.Name(), src.Description().Image, d.cfg.Backend.Driver); err != nil {
		log.G(ctx).WithError(err).WithField("instance", m.Name()).Warn("daemon: failed to record clone source")
	}
	d.mu.Lock()
	d.machines[m.Name()] = m
	d.mu.Unlock()

	info := d.info(ctx, m, false)
	return &info, nil
}
