package vm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

// Snapshot is a named capture of an instance's disk and specs.
type Snapshot struct {
	Name       string    `json:"name"`
	Comment    string    `json:"comment,omitempty"`
	Parent     string    `json:"parent,omitempty"`
	Index      int       `json:"index"`
	InstanceID string    `json:"cloud_init_instance_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Specs      Specs     `json:"specs"`
}

// SnapshotTable is the persisted snapshot tree of one instance. The whole
// tree lives under a single key so every change is one atomic write.
type SnapshotTable struct {
	Snapshots map[string]*Snapshot `json:"snapshots"`
	Head      string               `json:"head,omitempty"`
	Count     int                  `json:"count"`
}

func (t *SnapshotTable) clone() *SnapshotTable {
	out := &SnapshotTable{
		Snapshots: make(map[string]*Snapshot, len(t.Snapshots)),
		Head:      t.Head,
		Count:     t.Count,
	}
	for name, s := range t.Snapshots {
		c := *s
		c.Specs = s.Specs.Clone()
		out.Snapshots[name] = &c
	}
	return out
}

// nextName returns the first unused generated snapshot name.
func (t *SnapshotTable) nextName() string {
	for i := t.Count + 1; ; i++ {
		name := fmt.Sprintf("snapshot%d", i)
		if _, ok := t.Snapshots[name]; !ok {
			return name
		}
	}
}

// ValidateSnapshotName checks a user supplied snapshot name.
func ValidateSnapshotName(name string) error {
	if !instanceNameRE.MatchString(name) {
		return fmt.Errorf("invalid snapshot name %q: %w", name, errdefs.ErrInvalidArgument)
	}
	return nil
}

func (m *Machine) loadSnapshotsLocked(ctx context.Context) (*SnapshotTable, error) {
	t, err := m.snapshots.Get(ctx, m.name)
	if errors.Is(err, errdefs.ErrNotFound) {
		return &SnapshotTable{Snapshots: map[string]*Snapshot{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshots of %s: %w", m.name, err)
	}
	if t.Snapshots == nil {
		t.Snapshots = map[string]*Snapshot{}
	}
	return t, nil
}

func (m *Machine) snapshotAllowedLocked(op string) error {
	st := m.specs.State
	if st.IsOff() {
		return nil
	}
	if st == StateRunning && m.caps.LiveSnapshot {
		return nil
	}
	return &StateInvalidError{Name: m.name, Op: op, State: st}
}

// TakeSnapshot captures the instance under name, or under a generated
// "snapshotN" name when name is empty. The new snapshot becomes the head.
func (m *Machine) TakeSnapshot(ctx context.Context, name, comment string) (_ *Snapshot, err error) {
	defer m.observe("take_snapshot", time.Now(), &err)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.snapshotAllowedLocked("take a snapshot of"); err != nil {
		return nil, err
	}
	table, err := m.loadSnapshotsLocked(ctx)
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = table.nextName()
	} else if err := ValidateSnapshotName(name); err != nil {
		return nil, err
	}
	if _, ok := table.Snapshots[name]; ok {
		return nil, fmt.Errorf("snapshot %s of %s: %w", name, m.name, errdefs.ErrAlreadyExists)
	}

	snap := &Snapshot{
		Name:      name,
		Comment:   comment,
		Parent:    table.Head,
		Index:     table.Count + 1,
		CreatedAt: time.Now().UTC(),
		Specs:     m.specs.Clone(),
	}
	if m.seeds != nil {
		id, err := m.seeds.InstanceID(m.desc.InstanceDir)
		if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return nil, fmt.Errorf("read cloud-init instance id: %w", err)
		}
		snap.InstanceID = id
	}

	if err := m.backend.CaptureSnapshot(ctx, m.name, name); err != nil {
		return nil, err
	}

	next := table.clone()
	next.Snapshots[name] = snap
	next.Head = name
	next.Count = snap.Index
	if err := m.snapshots.Set(ctx, m.name, next); err != nil {
		if eerr := m.backend.EraseSnapshot(context.WithoutCancel(ctx), m.name, name); eerr != nil {
			log.G(ctx).WithError(eerr).WithField("snapshot", name).Warn("vm: failed to erase unrecorded snapshot")
		}
		return nil, fmt.Errorf("record snapshot %s: %w", name, err)
	}

	log.G(ctx).WithFields(log.Fields{"instance": m.name, "snapshot": name, "parent": snap.Parent}).Info("vm: snapshot taken")
	out := *snap
	return &out, nil
}

// RestoreSnapshot rolls the instance back to the named snapshot. The
// current state, clone count and deletion flag are kept.
func (m *Machine) RestoreSnapshot(ctx context.Context, name string) (err error) {
	defer m.observe("restore_snapshot", time.Now(), &err)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.gen.Add(1)

	if st := m.specs.State; !st.IsOff() {
		return &StateInvalidError{Name: m.name, Op: "restore a snapshot of", State: st}
	}
	table, err := m.loadSnapshotsLocked(ctx)
	if err != nil {
		return err
	}
	snap, ok := table.Snapshots[name]
	if !ok {
		return fmt.Errorf("snapshot %s of %s: %w", name, m.name, errdefs.ErrNotFound)
	}

	if err := m.backend.ApplySnapshot(ctx, m.name, name); err != nil {
		return err
	}

	restored := snap.Specs.Clone()
	restored.State = m.specs.State
	restored.Deleted = m.specs.Deleted
	restored.CloneCount = m.specs.CloneCount
	restored.Normalize()

	// The seed, the head and the record change together or not at all.
	restoreID := func() {}
	if m.seeds != nil && snap.InstanceID != "" {
		prevID, err := m.seeds.InstanceID(m.desc.InstanceDir)
		if err != nil {
			return fmt.Errorf("read cloud-init instance id: %w", err)
		}
		if err := m.seeds.SetInstanceID(ctx, m.desc.InstanceDir, snap.InstanceID); err != nil {
			return fmt.Errorf("restore cloud-init instance id: %w", err)
		}
		restoreID = func() {
			if err := m.seeds.SetInstanceID(context.WithoutCancel(ctx), m.desc.InstanceDir, prevID); err != nil {
				log.G(ctx).WithError(err).WithField("instance", m.name).Warn("vm: failed to put back cloud-init instance id")
			}
		}
	}

	next := table.clone()
	next.Head = name
	if err := m.snapshots.Set(ctx, m.name, next); err != nil {
		restoreID()
		return fmt.Errorf("record snapshot head: %w", err)
	}

	if err := m.persistLocked(ctx, restored); err != nil {
		if serr := m.snapshots.Set(context.WithoutCancel(ctx), m.name, table); serr != nil {
			log.G(ctx).WithError(serr).WithField("instance", m.name).Warn("vm: failed to put back snapshot head")
		}
		restoreID()
		return err
	}

	log.G(ctx).WithFields(log.Fields{"instance": m.name, "snapshot": name}).Info("vm: snapshot restored")
	return nil
}

// DeleteSnapshot erases the named snapshot. Its children and the head, if
// it pointed at the snapshot, are reparented to the snapshot's parent.
func (m *Machine) DeleteSnapshot(ctx context.Context, name string) (err error) {
	defer m.observe("delete_snapshot", time.Now(), &err)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.snapshotAllowedLocked("delete a snapshot of"); err != nil {
		return err
	}
	table, err := m.loadSnapshotsLocked(ctx)
	if err != nil {
		return err
	}
	snap, ok := table.Snapshots[name]
	if !ok {
		return fmt.Errorf("snapshot %s of %s: %w", name, m.name, errdefs.ErrNotFound)
	}

	if err := m.backend.EraseSnapshot(ctx, m.name, name); err != nil {
		return err
	}

	next := table.clone()
	delete(next.Snapshots, name)
	for _, s := range next.Snapshots {
		if s.Parent == name {
			s.Parent = snap.Parent
		}
	}
	if next.Head == name {
		next.Head = snap.Parent
	}
	if err := m.snapshots.Set(ctx, m.name, next); err != nil {
		return fmt.Errorf("record snapshot deletion: %w", err)
	}

	log.G(ctx).WithFields(log.Fields{"instance": m.name, "snapshot": name}).Info("vm: snapshot deleted")
	return nil
}

// Snapshots lists the instance's snapshots in creation order.
func (m *Machine) Snapshots(ctx context.Context) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.loadSnapshotsLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(table.Snapshots))
	for _, name := range slices.Sorted(maps.Keys(table.Snapshots)) {
		out = append(out, *table.Snapshots[name])
	}
	slices.SortStableFunc(out, func(a, b Snapshot) int { return a.Index - b.Index })
	return out, nil
}

// SnapshotHead returns the name of the snapshot the instance descends from.
func (m *Machine) SnapshotHead(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.loadSnapshotsLocked(ctx)
	if err != nil {
		return "", err
	}
	return table.Head, nil
}
