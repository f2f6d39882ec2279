package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/spinvm/internal/boltstore"
	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/memsize"
)

func testSpecs() vm.Specs {
	return vm.Specs{
		NumCores:          2,
		MemSize:           memsize.GiB,
		DiskSpace:         5 * memsize.GiB,
		DefaultMACAddress: "52:54:00:12:34:56",
		SSHUsername:       "ubuntu",
		State:             vm.StateOff,
	}
}

func TestReserveAndPersist(t *testing.T) {
	ctx := context.Background()
	r := New(boltstore.NewInMemoryStore[Record]())

	require.NoError(t, r.Reserve(ctx, "vm1", "/images/jammy.img", "qemu"))
	assert.True(t, r.Contains(ctx, "vm1"))
	_, err := r.Get(ctx, "vm1")
	assert.True(t, errdefs.IsNotFound(err), "a reservation is not an instance yet")

	require.NoError(t, r.Reserve(ctx, "vm1", "/images/jammy.img", "qemu"), "a ghost can be reclaimed")

	require.NoError(t, r.OnStateChanged(ctx, "vm1", testSpecs()))
	rec, err := r.Get(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, "/images/jammy.img", rec.Image)
	assert.Equal(t, "qemu", rec.Backend)
	assert.True(t, rec.Specs.Equal(testSpecs()))

	err = r.Reserve(ctx, "vm1", "/images/other.img", "qemu")
	assert.True(t, errdefs.IsAlreadyExists(err))
}

func TestListSkipsGhosts(t *testing.T) {
	ctx := context.Background()
	r := New(boltstore.NewInMemoryStore[Record]())

	require.NoError(t, r.OnStateChanged(ctx, "zeta", testSpecs()))
	require.NoError(t, r.OnStateChanged(ctx, "alpha", testSpecs()))
	require.NoError(t, r.Reserve(ctx, "ghost", "", "qemu"))

	entries, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alpha", entries[0].Name)
	assert.Equal(t, "zeta", entries[1].Name)

	ghosts, err := r.PurgeGhosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, ghosts)
	assert.False(t, r.Contains(ctx, "ghost"))
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	r := New(boltstore.NewInMemoryStore[Record]())

	deleted := testSpecs()
	deleted.Deleted = true
	require.NoError(t, r.OnStateChanged(ctx, "keep", testSpecs()))
	require.NoError(t, r.OnStateChanged(ctx, "trash1", deleted))
	require.NoError(t, r.OnStateChanged(ctx, "trash2", deleted))

	purged, err := r.Purge(ctx, func(_ context.Context, name string) error {
		if name == "trash2" {
			return errors.New("disk busy")
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trash2")
	assert.Equal(t, []string{"trash1"}, purged)

	assert.True(t, r.Contains(ctx, "keep"))
	assert.False(t, r.Contains(ctx, "trash1"))
	assert.True(t, r.Contains(ctx, "trash2"), "failed removals keep their record")
}

func TestOpenPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")

	r, err := Open(path)
	require.NoError(t, err)
	specs := testSpecs()
	specs.State = vm.StateRunning
	require.NoError(t, r.OnStateChanged(ctx, "vm1", specs))
	require.NoError(t, r.Close())

	r, err = Open(path)
	require.NoError(t, err)
	defer r.Close()
	rec, err := r.Get(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, vm.StateRunning, rec.Specs.State)
}

func TestSetSource(t *testing.T) {
	ctx := context.Background()
	r := New(boltstore.NewInMemoryStore[Record]())

	assert.True(t, errdefs.IsNotFound(r.SetSource(ctx, "vm1-clone1", "/images/jammy.img", "qemu")))

	require.NoError(t, r.OnStateChanged(ctx, "vm1-clone1", testSpecs()))
	require.NoError(t, r.SetSource(ctx, "vm1-clone1", "/images/jammy.img", "qemu"))

	rec, err := r.Get(ctx, "vm1-clone1")
	require.NoError(t, err)
	assert.Equal(t, "/images/jammy.img", rec.Image)
	assert.Equal(t, "qemu", rec.Backend)
	assert.True(t, rec.Specs.Equal(testSpecs()))
}
