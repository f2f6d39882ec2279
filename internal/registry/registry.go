// Package registry persists the instance records of the daemon. It is the
// StatusMonitor of every machine: each committed state or spec change is
// written before the machine acknowledges it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/boltstore"
	"github.com/spin-stack/spinvm/internal/host/vm"
)

// Bucket is the bbolt bucket holding instance records.
const Bucket = "instances"

// Record is the persisted form of an instance.
type Record struct {
	Specs vm.Specs `json:"specs"`
	// Image is the source image the instance was launched from.
	Image string `json:"image"`
	// Backend is the driver that owns the instance.
	Backend string `json:"backend"`
}

// Entry is a named record.
type Entry struct {
	Name string
	Record
}

// Registry is a name-keyed instance registry.
type Registry struct {
	mu    sync.Mutex
	store boltstore.Store[Record]
}

var _ vm.StatusMonitor = (*Registry)(nil)

// New returns a registry on store.
func New(store boltstore.Store[Record]) *Registry {
	return &Registry{store: store}
}

// Open opens the registry database at path.
func Open(path string) (*Registry, error) {
	store, err := boltstore.NewBoltStore[Record](path, Bucket)
	if err != nil {
		return nil, fmt.Errorf("open instance registry: %w", err)
	}
	return New(store), nil
}

// Close closes the underlying store.
func (r *Registry) Close() error {
	return r.store.Close()
}

// Reserve claims name for a launch. The reservation is a record without
// specs, which the first OnStateChanged fills in. A launch that dies before
// that leaves a ghost behind, which List skips and PurgeGhosts removes.
func (r *Registry) Reserve(ctx context.Context, name, image, backend string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.Get(ctx, name)
	switch {
	case err == nil && !existing.Specs.IsGhost():
		return fmt.Errorf("instance %s: %w", name, errdefs.ErrAlreadyExists)
	case err != nil && !errdefs.IsNotFound(err):
		return err
	}
	return r.store.Set(ctx, name, &Record{Image: image, Backend: backend})
}

// OnStateChanged stores specs as the record of name.
func (r *Registry) OnStateChanged(ctx context.Context, name string, specs vm.Specs) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.store.Get(ctx, name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return err
		}
		rec = &Record{}
	}
	rec.Specs = specs
	if err := r.store.Set(ctx, name, rec); err != nil {
		return fmt.Errorf("persist %s: %w", name, err)
	}
	return nil
}

// Get returns the record of name. Ghosts are reported as missing.
func (r *Registry) Get(ctx context.Context, name string) (*Record, error) {
	rec, err := r.store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", name, err)
	}
	if rec.Specs.IsGhost() {
		return nil, fmt.Errorf("instance %s: %w", name, errdefs.ErrNotFound)
	}
	return rec, nil
}

// Contains reports whether name is taken, ghosts included.
func (r *Registry) Contains(ctx context.Context, name string) bool {
	_, err := r.store.Get(ctx, name)
	return err == nil
}

// List returns every instance in name order, trashed ones included.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := r.store.Scan(ctx, "", func(name string, rec *Record) error {
		if rec.Specs.IsGhost() {
			return nil
		}
		entries = append(entries, Entry{Name: name, Record: *rec})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Remove drops the record of name. Missing records are not an error.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Delete(ctx, name)
}

// Purge removes every trashed instance. remove releases the instance's
// resources; its record is only dropped when that succeeded. The names
// purged are returned along with the joined failures.
func (r *Registry) Purge(ctx context.Context, remove func(ctx context.Context, name string) error) ([]string, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var (
		purged []string
		errs   []error
	)
	for _, e := range entries {
		if !e.Specs.Deleted {
			continue
		}
		if err := remove(ctx, e.Name); err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", e.Name, err))
			continue
		}
		if err := r.Remove(ctx, e.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		purged = append(purged, e.Name)
	}
	return purged, errors.Join(errs...)
}

// PurgeGhosts removes records that never received specs.
func (r *Registry) PurgeGhosts(ctx context.Context) ([]string, error) {
	var ghosts []string
	err := r.store.Scan(ctx, "", func(name string, rec *Record) error {
		if rec.Specs.IsGhost() {
			ghosts = append(ghosts, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, name := range ghosts {
		if err := r.Remove(ctx, name); err != nil {
			return nil, err
		}
		log.G(ctx).WithField("instance", name).Warn("registry: dropped record of an interrupted launch")
	}
	return ghosts, nil
}

// SetSource records the image and backend of an existing record, as needed
// for instances created without a reservation such as clones.
func (r *Registry) SetSource(ctx context.Context, name, image, backend string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.store.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("instance %s: %w", name, err)
	}
	rec.Image, rec.Backend = image, backend
	return r.store.Set(ctx, name, rec)
}
