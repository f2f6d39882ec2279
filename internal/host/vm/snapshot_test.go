package vm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/memsize"
)

func snapshotParents(t *testing.T, m *vm.Machine) map[string]string {
	t.Helper()
	snaps, err := m.Snapshots(context.Background())
	require.NoError(t, err)
	out := map[string]string{}
	for _, s := range snaps {
		out[s.Name] = s.Parent
	}
	return out
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "vm1")

	captured := m.Specs()
	snap, err := m.TakeSnapshot(ctx, "", "before upgrade")
	require.NoError(t, err)
	assert.Equal(t, "snapshot1", snap.Name)
	assert.Equal(t, "vm1", snap.InstanceID)

	require.NoError(t, m.ResizeCPUs(ctx, 4))
	require.NoError(t, m.ResizeMemory(ctx, 4*memsize.GiB))
	require.NoError(t, m.ResizeDisk(ctx, 20*memsize.GiB))
	require.NoError(t, h.seeds.SetInstanceID(ctx, m.Description().InstanceDir, "vm1_e"))
	require.False(t, captured.Equal(m.Specs()))

	require.NoError(t, m.RestoreSnapshot(ctx, "snapshot1"))
	assert.True(t, captured.Equal(m.Specs()), "restored %+v, captured %+v", m.Specs(), captured)
	assert.True(t, captured.Equal(h.monitor.last("vm1")))

	id, err := h.seeds.InstanceID(m.Description().InstanceDir)
	require.NoError(t, err)
	assert.Equal(t, "vm1", id)
}

func TestSnapshotNamesAndParents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "vm1")

	_, err := m.TakeSnapshot(ctx, "", "")
	require.NoError(t, err)
	_, err = m.TakeSnapshot(ctx, "base", "")
	require.NoError(t, err)
	_, err = m.TakeSnapshot(ctx, "", "")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"snapshot1": "",
		"base":      "snapshot1",
		"snapshot3": "base",
	}, snapshotParents(t, m))

	head, err := m.SnapshotHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, "snapshot3", head)

	_, err = m.TakeSnapshot(ctx, "base", "")
	assert.True(t, errdefs.IsAlreadyExists(err))
	_, err = m.TakeSnapshot(ctx, "-bad", "")
	assert.True(t, errdefs.IsInvalidArgument(err))
	assert.Equal(t, []string{"snapshot1", "base", "snapshot3"}, h.backend.Snapshots("vm1"))
}

func TestSnapshotEraseReparentsChildren(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "vm1")

	for _, name := range []string{"root", "mid", "a"} {
		_, err := m.TakeSnapshot(ctx, name, "")
		require.NoError(t, err)
	}
	require.NoError(t, m.RestoreSnapshot(ctx, "mid"))
	_, err := m.TakeSnapshot(ctx, "b", "")
	require.NoError(t, err)
	require.NoError(t, m.RestoreSnapshot(ctx, "mid"))
	_, err = m.TakeSnapshot(ctx, "c", "")
	require.NoError(t, err)
	require.NoError(t, m.RestoreSnapshot(ctx, "mid"))

	require.NoError(t, m.DeleteSnapshot(ctx, "mid"))

	parents := snapshotParents(t, m)
	assert.Equal(t, map[string]string{"root": "", "a": "root", "b": "root", "c": "root"}, parents)
	for name, parent := range parents {
		assert.NotEqual(t, "mid", parent, name)
	}
	head, err := m.SnapshotHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, "root", head)
	assert.NotContains(t, h.backend.Snapshots("vm1"), "mid")
}

func TestSnapshotStateChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "vm1")
	_, err := m.TakeSnapshot(ctx, "s1", "")
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	var invalid *vm.StateInvalidError
	_, err = m.TakeSnapshot(ctx, "", "")
	require.ErrorAs(t, err, &invalid)
	require.ErrorAs(t, m.RestoreSnapshot(ctx, "s1"), &invalid)
	assert.Zero(t, h.backend.CallCount("apply"))

	require.NoError(t, m.Shutdown(ctx, vm.ShutdownPowerdown))
	assert.True(t, errdefs.IsNotFound(m.RestoreSnapshot(ctx, "missing")))
	assert.True(t, errdefs.IsNotFound(m.DeleteSnapshot(ctx, "missing")))
}

func TestSnapshotCaptureFailureRecordsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "vm1")

	h.backend.FailNext("capture", errdefs.ErrUnavailable)
	_, err := m.TakeSnapshot(ctx, "s1", "")
	require.Error(t, err)

	snaps, err := m.Snapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestSnapshotRestoreFailureKeepsRecords(t *testing.T) {
	tests := []struct {
		name string
		fail func(h *harness)
	}{
		{
			name: "record not persisted",
			fail: func(h *harness) { h.monitor.failWith(errors.New("disk full")) },
		},
		{
			name: "seed not rewritten",
			fail: func(h *harness) { h.seeds.failWith(errors.New("read-only seed")) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			m := h.create(t, "vm1")
			dir := m.Description().InstanceDir

			_, err := m.TakeSnapshot(ctx, "base", "")
			require.NoError(t, err)
			require.NoError(t, m.ResizeCPUs(ctx, 4))
			require.NoError(t, h.seeds.SetInstanceID(ctx, dir, "vm1_e"))
			_, err = m.TakeSnapshot(ctx, "later", "")
			require.NoError(t, err)
			before := m.Specs()

			tt.fail(h)
			require.Error(t, m.RestoreSnapshot(ctx, "base"))

			assert.True(t, before.Equal(m.Specs()))
			head, err := m.SnapshotHead(ctx)
			require.NoError(t, err)
			assert.Equal(t, "later", head)
			id, err := h.seeds.InstanceID(dir)
			require.NoError(t, err)
			assert.Equal(t, "vm1_e", id)
		})
	}
}
