//go:build linux

package network

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/spin-stack/spinvm/internal/boltstore"
	"github.com/spin-stack/spinvm/internal/host/network/ipallocator"
)

type fakeLinks struct {
	links   map[string]netlink.Link
	masters map[string]string
	up      map[string]bool
	addrs   map[string][]netlink.Addr
	failTap bool
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{
		links:   map[string]netlink.Link{},
		masters: map[string]string{},
		up:      map[string]bool{},
		addrs:   map[string][]netlink.Addr{},
	}
}

func (f *fakeLinks) LinkByName(name string) (netlink.Link, error) {
	l, ok := f.links[name]
	if !ok {
		return nil, netlink.LinkNotFoundError{}
	}
	return l, nil
}

func (f *fakeLinks) LinkAdd(link netlink.Link) error {
	if _, ok := link.(*netlink.Tuntap); ok && f.failTap {
		return errdefs.ErrUnavailable
	}
	f.links[link.Attrs().Name] = link
	return nil
}

func (f *fakeLinks) LinkDel(link netlink.Link) error {
	delete(f.links, link.Attrs().Name)
	return nil
}

func (f *fakeLinks) LinkSetUp(link netlink.Link) error {
	f.up[link.Attrs().Name] = true
	return nil
}

func (f *fakeLinks) LinkSetMaster(link netlink.Link, master netlink.Link) error {
	f.masters[link.Attrs().Name] = master.Attrs().Name
	return nil
}

func (f *fakeLinks) AddrList(link netlink.Link, _ int) ([]netlink.Addr, error) {
	return f.addrs[link.Attrs().Name], nil
}

func (f *fakeLinks) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	f.addrs[link.Attrs().Name] = append(f.addrs[link.Attrs().Name], *addr)
	return nil
}

type fakeNFT struct {
	tables  []*nftables.Table
	pending []*nftables.Table
	deleted int
	chains  []*nftables.Chain
	rules   []*nftables.Rule
	flushes int
}

func (f *fakeNFT) ListTablesOfFamily(_ nftables.TableFamily) ([]*nftables.Table, error) {
	return f.tables, nil
}

func (f *fakeNFT) AddTable(t *nftables.Table) *nftables.Table {
	f.pending = append(f.pending, t)
	return t
}

func (f *fakeNFT) DelTable(_ *nftables.Table) {
	f.deleted++
	f.tables = nil
}

func (f *fakeNFT) AddChain(c *nftables.Chain) *nftables.Chain {
	f.chains = append(f.chains, c)
	return c
}

func (f *fakeNFT) AddRule(r *nftables.Rule) *nftables.Rule {
	f.rules = append(f.rules, r)
	return r
}

func (f *fakeNFT) Flush() error {
	f.flushes++
	f.tables = append(f.tables, f.pending...)
	f.pending = nil
	return nil
}

func newTestManager(t *testing.T) (*BridgeManager, *fakeLinks, *fakeNFT) {
	t.Helper()
	ctx := context.Background()
	alloc, err := ipallocator.NewBitmapIPAllocator(ctx,
		boltstore.NewInMemoryStore[ipallocator.IPAllocation](),
		ipallocator.Config{Subnet: "10.77.0.0/24"})
	require.NoError(t, err)

	links := newFakeLinks()
	nft := &fakeNFT{}
	m := NewBridgeManager(BridgeConfig{
		Bridge:   "spinvmbr0",
		Subnet:   MustParseSubnet("10.77.0.0/24"),
		StateDir: t.TempDir(),
	}, links, nft, alloc)
	m.nat.ForwardSysctl = ""
	return m, links, nft
}

func TestBridgeManagerSetup(t *testing.T) {
	ctx := context.Background()
	m, links, nft := newTestManager(t)

	require.NoError(t, m.Setup(ctx))
	require.Contains(t, links.links, "spinvmbr0")
	assert.True(t, links.up["spinvmbr0"])
	require.Len(t, links.addrs["spinvmbr0"], 1)
	assert.Equal(t, "10.77.0.1/24", links.addrs["spinvmbr0"][0].IPNet.String())

	require.Len(t, nft.tables, 1)
	assert.Equal(t, natTableName, nft.tables[0].Name)
	assert.Len(t, nft.chains, 2)
	assert.Len(t, nft.rules, 3)

	// Idempotent: the address is not added twice and the table is replaced.
	require.NoError(t, m.Setup(ctx))
	assert.Len(t, links.addrs["spinvmbr0"], 1)
	assert.Equal(t, 1, nft.deleted)
	assert.Len(t, nft.tables, 1)
}

func TestBridgeManagerEndpoints(t *testing.T) {
	ctx := context.Background()
	m, links, _ := newTestManager(t)

	_, err := m.CreateEndpoint(ctx, "primary", "52:54:00:aa:bb:cc")
	assert.True(t, errdefs.IsFailedPrecondition(err))

	require.NoError(t, m.Setup(ctx))

	ep, err := m.CreateEndpoint(ctx, "primary", "52:54:00:AA:BB:CC")
	require.NoError(t, err)
	assert.Equal(t, "52:54:00:aa:bb:cc", ep.MAC)
	assert.Equal(t, TapName("primary"), ep.Tap)
	assert.Equal(t, "10.77.0.2", ep.IP.String())
	assert.Equal(t, "10.77.0.1", ep.Gateway.String())
	assert.Equal(t, "spinvmbr0", links.masters[ep.Tap])
	assert.True(t, links.up[ep.Tap])

	ip, err := m.LookupIPv4(ctx, "52:54:00:aa:bb:cc")
	require.NoError(t, err)
	assert.Equal(t, "10.77.0.2", ip.String())

	again, err := m.CreateEndpoint(ctx, "primary", "52:54:00:aa:bb:cc")
	require.NoError(t, err)
	assert.Equal(t, ep.IP, again.IP)

	require.NoError(t, m.DeleteEndpoint(ctx, "primary"))
	assert.NotContains(t, links.links, ep.Tap)
	_, err = m.LookupIPv4(ctx, "52:54:00:aa:bb:cc")
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, m.DeleteEndpoint(ctx, "primary"))

	snap := m.Metrics()
	assert.Equal(t, int64(3), snap.SetupAttempts)
	assert.Equal(t, int64(2), snap.SetupSuccesses)
	assert.Equal(t, int64(2), snap.TeardownSuccesses)
}

func TestBridgeManagerEndpointRollback(t *testing.T) {
	ctx := context.Background()
	m, links, _ := newTestManager(t)
	require.NoError(t, m.Setup(ctx))

	links.failTap = true
	_, err := m.CreateEndpoint(ctx, "primary", "52:54:00:aa:bb:cc")
	require.Error(t, err)

	allocs, err := m.alloc.Allocations(ctx)
	require.NoError(t, err)
	assert.Empty(t, allocs)
}

func TestBridgeManagerReconcile(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	require.NoError(t, m.Setup(ctx))

	_, err := m.CreateEndpoint(ctx, "kept", "52:54:00:00:00:01")
	require.NoError(t, err)
	_, err = m.CreateEndpoint(ctx, "gone", "52:54:00:00:00:02")
	require.NoError(t, err)

	require.NoError(t, m.Reconcile(ctx, func(name string) bool { return name == "kept" }))

	allocs, err := m.alloc.Allocations(ctx)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, "kept", allocs[0].HostID)
	assert.Equal(t, int64(1), m.Metrics().StaleLeases)
}

func TestNATMasqueradeRule(t *testing.T) {
	n := &NAT{Bridge: "spinvmbr0", Subnet: MustParseSubnet("10.77.0.0/24")}
	exprs := n.masqueradeExprs()
	require.Len(t, exprs, 6)

	cmp, ok := exprs[2].(*expr.Cmp)
	require.True(t, ok)
	assert.Equal(t, []byte{10, 77, 0, 0}, cmp.Data)

	bw, ok := exprs[1].(*expr.Bitwise)
	require.True(t, ok)
	assert.Equal(t, []byte{255, 255, 255, 0}, bw.Mask)

	oif, ok := exprs[4].(*expr.Cmp)
	require.True(t, ok)
	assert.Equal(t, expr.CmpOpNeq, oif.Op)
	assert.Equal(t, ifname("spinvmbr0"), oif.Data)

	_, ok = exprs[5].(*expr.Masq)
	assert.True(t, ok)
}

func TestNATRemoveAndSysctl(t *testing.T) {
	ctx := context.Background()
	sysctl := filepath.Join(t.TempDir(), "ip_forward")
	nft := &fakeNFT{}
	n := &NAT{Conn: nft, Bridge: "spinvmbr0", Subnet: MustParseSubnet("10.77.0.0/24"), ForwardSysctl: sysctl}

	require.NoError(t, n.Remove(ctx))
	assert.Equal(t, 0, nft.flushes)

	require.NoError(t, n.Apply(ctx))
	data, err := os.ReadFile(sysctl)
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	require.NoError(t, n.Remove(ctx))
	assert.Empty(t, nft.tables)
}

func TestIfname(t *testing.T) {
	b := ifname("br0")
	assert.Len(t, b, 16)
	assert.Equal(t, []byte("br0\x00"), b[:4])
}
