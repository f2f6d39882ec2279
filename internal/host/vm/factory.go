package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/boltstore"
	"github.com/spin-stack/spinvm/internal/cloudinit"
	"github.com/spin-stack/spinvm/internal/host/network"
	"github.com/spin-stack/spinvm/internal/lifecycle"
	"github.com/spin-stack/spinvm/internal/sshkeys"
)

// DiskImageName is the instance disk inside its instance directory.
const DiskImageName = "disk.img"

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	// InstancesDir holds one directory per instance.
	InstancesDir string
	Seeds        SeedWriter
	Snapshots    boltstore.Store[SnapshotTable]
	Observer     Observer
	Machine      MachineConfig
}

// Factory creates machines bound to one backend and owns the backend's
// instance directory layout.
type Factory struct {
	backend Backend
	opts    FactoryOptions
}

// NewFactory returns a factory for backend.
func NewFactory(backend Backend, opts FactoryOptions) (*Factory, error) {
	if opts.InstancesDir == "" {
		return nil, fmt.Errorf("instances directory is required: %w", errdefs.ErrInvalidArgument)
	}
	if opts.Seeds == nil || opts.Snapshots == nil {
		return nil, fmt.Errorf("seed writer and snapshot store are required: %w", errdefs.ErrInvalidArgument)
	}
	return &Factory{backend: backend, opts: opts}, nil
}

// Backend returns the backend machines are bound to.
func (f *Factory) Backend() Backend {
	return f.backend
}

// InstanceDir returns the directory of the named instance.
func (f *Factory) InstanceDir(name string) string {
	return filepath.Join(f.opts.InstancesDir, name)
}

// HealthCheck probes the hypervisor before any instance operation.
func (f *Factory) HealthCheck(ctx context.Context) error {
	if err := f.backend.HealthCheck(ctx); err != nil {
		log.G(ctx).WithError(err).WithField("backend", f.backend.Name()).Error("factory: hypervisor health check failed")
		return err
	}
	return nil
}

func (f *Factory) newMachine(desc Description, specs Specs, monitor StatusMonitor) *Machine {
	return NewMachine(desc, specs, f.backend, MachineOptions{
		Monitor:   monitor,
		Snapshots: f.opts.Snapshots,
		Seeds:     f.opts.Seeds,
		Observer:  f.opts.Observer,
		Config:    f.opts.Machine,
	})
}

func (f *Factory) layout(desc *Description) {
	if desc.InstanceDir == "" {
		desc.InstanceDir = f.InstanceDir(desc.Name)
	}
	desc.ImagePath = filepath.Join(desc.InstanceDir, DiskImageName)
	desc.CloudInitISO = filepath.Join(desc.InstanceDir, cloudinit.ISOFileName)
}

// CreateVirtualMachine allocates the disk, seed, network endpoint and
// hypervisor definition of a new instance, records its initial specs with
// monitor and returns its machine. Resources allocated by a failed call are
// released before the error is returned.
func (f *Factory) CreateVirtualMachine(ctx context.Context, desc Description, keys sshkeys.Provider, monitor StatusMonitor) (_ *Machine, retErr error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if err := f.HealthCheck(ctx); err != nil {
		return nil, err
	}
	if desc.SSHUsername == "" {
		desc.SSHUsername = DefaultSSHUsername
	}
	f.layout(&desc)

	logger := log.G(ctx).WithFields(log.Fields{"instance": desc.Name, "backend": f.backend.Name()})

	cleanup := lifecycle.NewOrchestrator()
	defer func() {
		if retErr == nil {
			return
		}
		if err := cleanup.Execute(context.WithoutCancel(ctx)).AsError(); err != nil {
			logger.WithError(err).Warn("factory: rollback of failed create was incomplete")
		}
	}()

	if _, err := os.Stat(desc.InstanceDir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(desc.InstanceDir, 0o750); err != nil {
			return nil, fmt.Errorf("create instance directory: %w", err)
		}
		cleanup.Register(lifecycle.PhaseInstanceDir, func(context.Context) error {
			return os.RemoveAll(desc.InstanceDir)
		})
	}

	if err := f.backend.PrepareImage(ctx, desc.Image, desc.ImagePath); err != nil {
		return nil, err
	}
	cleanup.Register(lifecycle.PhaseInstanceImage, removeFile(desc.ImagePath))
	if err := f.backend.ResizeDisk(ctx, desc, desc.DiskSpace); err != nil {
		return nil, err
	}

	var authorized []string
	if keys != nil {
		key, err := sshkeys.AuthorizedKeyFromBase64(keys.PublicKeyAsBase64())
		if err != nil {
			return nil, fmt.Errorf("read ssh public key: %w", err)
		}
		authorized = append(authorized, key)
	}
	iso, err := f.opts.Seeds.Write(ctx, desc, authorized)
	if err != nil {
		return nil, err
	}
	desc.CloudInitISO = iso
	cleanup.Register(lifecycle.PhaseCloudInit, removeFile(iso))

	if err := f.backend.CreateEndpoint(ctx, desc.Name, desc.DefaultMACAddress); err != nil {
		return nil, err
	}
	cleanup.Register(lifecycle.PhaseNetworkEndpoint, func(ctx context.Context) error {
		return f.backend.DeleteEndpoint(ctx, desc.Name)
	})

	if err := f.backend.Define(ctx, desc); err != nil {
		return nil, err
	}
	cleanup.Register(lifecycle.PhaseVMDefinition, func(ctx context.Context) error {
		return f.backend.Undefine(ctx, desc.Name)
	})

	specs := SpecsFor(desc)
	if err := monitor.OnStateChanged(ctx, desc.Name, specs.Clone()); err != nil {
		return nil, fmt.Errorf("failed to persist instance %s: %w", desc.Name, err)
	}

	logger.Info("factory: instance created")
	return f.newMachine(desc, specs, monitor), nil
}

// RestoreVirtualMachine rebinds a persisted instance after a daemon
// restart. A record that was not off is marked unknown so that its state is
// reconciled with the backend on first use.
func (f *Factory) RestoreVirtualMachine(ctx context.Context, desc Description, specs Specs, monitor StatusMonitor) (*Machine, error) {
	f.layout(&desc)

	if err := f.backend.CreateEndpoint(ctx, desc.Name, specs.DefaultMACAddress); err != nil {
		return nil, err
	}
	if err := f.backend.Define(ctx, desc); err != nil {
		return nil, err
	}

	if !specs.State.IsOff() {
		specs = specs.Clone()
		specs.State = StateUnknown
	}
	return f.newMachine(desc, specs, monitor), nil
}

// RemoveResourcesFor deletes every artifact of the named instance. Missing
// pieces are skipped, so a partially created or already removed instance
// can always be cleaned up.
func (f *Factory) RemoveResourcesFor(ctx context.Context, name string) error {
	dir := f.InstanceDir(name)
	o := lifecycle.NewOrchestrator()

	o.Register(lifecycle.PhaseStopProcess, func(ctx context.Context) error {
		st, err := f.backend.State(ctx, name)
		if err != nil || st.IsOff() {
			return ignoreNotFound(err)
		}
		return ignoreNotFound(f.backend.Stop(ctx, name, true))
	})
	o.Register(lifecycle.PhaseVMDefinition, func(ctx context.Context) error {
		return ignoreNotFound(f.backend.Undefine(ctx, name))
	})
	o.Register(lifecycle.PhaseNetworkEndpoint, func(ctx context.Context) error {
		return ignoreNotFound(f.backend.DeleteEndpoint(ctx, name))
	})
	o.Register(lifecycle.PhaseSnapshots, func(ctx context.Context) error {
		return ignoreNotFound(f.opts.Snapshots.Delete(ctx, name))
	})
	o.Register(lifecycle.PhaseInstanceDir, func(context.Context) error {
		return os.RemoveAll(dir)
	})

	if err := o.Execute(ctx).AsError(); err != nil {
		return fmt.Errorf("remove resources of %s: %w", name, err)
	}
	log.G(ctx).WithField("instance", name).Info("factory: instance resources removed")
	return nil
}

// CloneVM creates an off copy of src named "<src>-cloneN". The clone gets
// fresh MAC addresses and no mounts. taken reports names already in use.
func (f *Factory) CloneVM(ctx context.Context, src *Machine, taken func(string) bool, monitor StatusMonitor) (_ *Machine, retErr error) {
	if err := f.HealthCheck(ctx); err != nil {
		return nil, err
	}
	name, srcSpecs, err := src.reserveClone(ctx, taken)
	if err != nil {
		return nil, err
	}

	specs := srcSpecs.Clone()
	specs.State = StateOff
	specs.CloneCount = 0
	specs.Deleted = false
	specs.Mounts = map[string]Mount{}
	if specs.DefaultMACAddress, err = network.GenerateMAC(); err != nil {
		return nil, err
	}
	for i := range specs.ExtraInterfaces {
		if specs.ExtraInterfaces[i].MACAddress, err = network.GenerateMAC(); err != nil {
			return nil, err
		}
	}

	srcDesc := src.Description()
	desc := DescriptionFor(name, srcDesc.Image, "", specs)
	f.layout(&desc)

	logger := log.G(ctx).WithFields(log.Fields{"instance": name, "source": src.Name()})

	cleanup := lifecycle.NewOrchestrator()
	defer func() {
		if retErr == nil {
			return
		}
		if err := cleanup.Execute(context.WithoutCancel(ctx)).AsError(); err != nil {
			logger.WithError(err).Warn("factory: rollback of failed clone was incomplete")
		}
	}()

	if _, err := os.Stat(desc.InstanceDir); err == nil {
		return nil, fmt.Errorf("instance directory of %s: %w", name, errdefs.ErrAlreadyExists)
	}
	if err := os.MkdirAll(desc.InstanceDir, 0o750); err != nil {
		return nil, fmt.Errorf("create instance directory: %w", err)
	}
	cleanup.Register(lifecycle.PhaseInstanceDir, func(context.Context) error {
		return os.RemoveAll(desc.InstanceDir)
	})

	if err := f.backend.CloneDisk(ctx, srcDesc, desc); err != nil {
		return nil, err
	}

	iso, err := f.opts.Seeds.Clone(ctx, srcDesc.InstanceDir, desc)
	if err != nil {
		return nil, err
	}
	desc.CloudInitISO = iso

	if err := f.backend.CreateEndpoint(ctx, name, desc.DefaultMACAddress); err != nil {
		return nil, err
	}
	cleanup.Register(lifecycle.PhaseNetworkEndpoint, func(ctx context.Context) error {
		return f.backend.DeleteEndpoint(ctx, name)
	})

	if err := f.backend.Define(ctx, desc); err != nil {
		return nil, err
	}
	cleanup.Register(lifecycle.PhaseVMDefinition, func(ctx context.Context) error {
		return f.backend.Undefine(ctx, name)
	})

	if err := monitor.OnStateChanged(ctx, name, specs.Clone()); err != nil {
		return nil, fmt.Errorf("failed to persist instance %s: %w", name, err)
	}

	logger.Info("factory: instance cloned")
	return f.newMachine(desc, specs, monitor), nil
}

// reserveClone picks the clone name and records the bumped clone count on
// the source. The source must be off.
func (m *Machine) reserveClone(ctx context.Context, taken func(string) bool) (string, Specs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.specs.State; !st.IsOff() {
		return "", Specs{}, &StateInvalidError{Name: m.name, Op: "clone", State: st}
	}

	n := m.specs.CloneCount + 1
	name := fmt.Sprintf("%s-clone%d", m.name, n)
	for taken != nil && taken(name) {
		n++
		name = fmt.Sprintf("%s-clone%d", m.name, n)
	}
	if err := ValidateName(name); err != nil {
		return "", Specs{}, err
	}

	next := m.specs.Clone()
	next.CloneCount = n
	if err := m.persistLocked(ctx, next); err != nil {
		return "", Specs{}, err
	}
	return name, next.Clone(), nil
}

func removeFile(path string) lifecycle.CleanupFunc {
	return func(context.Context) error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
}

func ignoreNotFound(err error) error {
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}
