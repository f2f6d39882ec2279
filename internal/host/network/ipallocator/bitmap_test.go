package ipallocator

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/spinvm/internal/boltstore"
)

func newTestAllocator(t *testing.T, subnet string) *BitmapIPAllocator {
	t.Helper()
	a, err := NewBitmapIPAllocator(context.Background(), boltstore.NewInMemoryStore[IPAllocation](), Config{Subnet: subnet})
	require.NoError(t, err)
	return a
}

func TestNewIPBitmap(t *testing.T) {
	tests := []struct {
		name    string
		cidr    string
		wantErr bool
	}{
		{name: "valid /30 network", cidr: "192.168.0.0/30"},
		{name: "valid /29 network", cidr: "10.0.0.0/29"},
		{name: "subnet too small /31", cidr: "192.168.0.0/31", wantErr: true},
		{name: "subnet too small /32", cidr: "192.168.0.0/32", wantErr: true},
		{name: "ipv6", cidr: "fd00::/120", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newIPBitmap(netip.MustParsePrefix(tt.cidr))
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAllocate_SkipsReservedAddresses(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t, "10.77.0.0/29")

	lease, err := a.Allocate(ctx, "vm1", "52:54:00:00:00:01")
	require.NoError(t, err)
	assert.Equal(t, "10.77.0.2", lease.IP.String())
	assert.Equal(t, "10.77.0.1", lease.Gateway.String())
	assert.Equal(t, "10.77.0.0/29", lease.Prefix.String())
	assert.Equal(t, "52:54:00:00:00:01", lease.MAC)

	// .2 through .6 are usable, .7 is broadcast.
	for _, host := range []string{"vm2", "vm3", "vm4", "vm5"} {
		_, err := a.Allocate(ctx, host, "")
		require.NoError(t, err)
	}
	assert.True(t, a.IsExhausted(ctx))

	_, err = a.Allocate(ctx, "vm6", "")
	assert.ErrorIs(t, err, errdefs.ErrResourceExhausted)
}

func TestAllocate_IdempotentPerHost(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t, "10.77.0.0/24")

	first, err := a.Allocate(ctx, "vm1", "")
	require.NoError(t, err)
	second, err := a.Allocate(ctx, "vm1", "")
	require.NoError(t, err)
	assert.Equal(t, first.IP, second.IP)

	got, err := a.Lookup(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, first.IP, got.IP)

	_, err = a.Lookup(ctx, "nobody")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestAllocateSpecific(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t, "10.77.0.0/24")

	lease, err := a.AllocateSpecific(ctx, netip.MustParseAddr("10.77.0.50"), "vm1", "")
	require.NoError(t, err)
	assert.Equal(t, "10.77.0.50", lease.IP.String())

	_, err = a.AllocateSpecific(ctx, netip.MustParseAddr("10.77.0.50"), "vm1", "")
	assert.NoError(t, err, "same host may reserve its own address again")

	_, err = a.AllocateSpecific(ctx, netip.MustParseAddr("10.77.0.50"), "vm2", "")
	assert.ErrorIs(t, err, errdefs.ErrAlreadyExists)

	for _, reserved := range []string{"10.77.0.0", "10.77.0.1", "10.77.0.255"} {
		_, err = a.AllocateSpecific(ctx, netip.MustParseAddr(reserved), "vm3", "")
		assert.ErrorIs(t, err, errdefs.ErrInvalidArgument, reserved)
	}

	_, err = a.AllocateSpecific(ctx, netip.MustParseAddr("10.78.0.5"), "vm3", "")
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t, "10.77.0.0/24")

	lease, err := a.Allocate(ctx, "vm1", "")
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx, lease.IP))
	require.NoError(t, a.Release(ctx, lease.IP), "releasing a free address is a no-op")

	again, err := a.Allocate(ctx, "vm2", "")
	require.NoError(t, err)
	assert.Equal(t, lease.IP, again.IP, "released address is reused")
}

func TestReleaseByHostID(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t, "10.77.0.0/24")

	_, err := a.Allocate(ctx, "vm1", "")
	require.NoError(t, err)
	_, err = a.AllocateSpecific(ctx, netip.MustParseAddr("10.77.0.100"), "vm1", "")
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "vm2", "")
	require.NoError(t, err)

	require.NoError(t, a.ReleaseByHostID(ctx, "vm1"))

	allocs, err := a.Allocations(ctx)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, "vm2", allocs[0].HostID)
}

func TestAllocationsPersistAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "registry.db")

	store, err := boltstore.NewBoltStore[IPAllocation](dbPath, "ip_allocations")
	require.NoError(t, err)
	a, err := NewBitmapIPAllocator(ctx, store, Config{Subnet: "10.77.0.0/24"})
	require.NoError(t, err)

	first, err := a.Allocate(ctx, "vm1", "52:54:00:aa:bb:cc")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	store, err = boltstore.NewBoltStore[IPAllocation](dbPath, "ip_allocations")
	require.NoError(t, err)
	a, err = NewBitmapIPAllocator(ctx, store, Config{Subnet: "10.77.0.0/24"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	second, err := a.Allocate(ctx, "vm2", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.IP, second.IP)

	got, err := a.Lookup(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, "52:54:00:aa:bb:cc", got.MAC)
}
