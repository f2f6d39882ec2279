//go:build linux

package network

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/nftables"
	"github.com/vishvananda/netlink"

	"github.com/spin-stack/spinvm/internal/host/network/ipallocator"
	"github.com/spin-stack/spinvm/internal/process"
)

// BridgeConfig configures the host bridge network.
type BridgeConfig struct {
	Bridge   string
	Subnet   Subnet
	StateDir string

	// DHCP enables dnsmasq on the bridge. Without it guests must be
	// configured from their allocation.
	DHCP        bool
	DnsmasqPath string
	Confiner    process.Confiner
}

// BridgeManager implements Manager with a Linux bridge, one tap per
// instance, nftables masquerading and dnsmasq static reservations.
type BridgeManager struct {
	cfg   BridgeConfig
	links LinkOperator
	nat   *NAT
	dhcp  *Dnsmasq
	alloc ipallocator.IPAllocator

	metrics Metrics

	mu     sync.Mutex
	bridge netlink.Link
}

var _ Manager = (*BridgeManager)(nil)

// NewBridgeManager assembles a manager from its collaborators.
func NewBridgeManager(cfg BridgeConfig, links LinkOperator, nft NFTablesConn, alloc ipallocator.IPAllocator) *BridgeManager {
	m := &BridgeManager{
		cfg:   cfg,
		links: links,
		alloc: alloc,
		nat: &NAT{
			Conn:          nft,
			Bridge:        cfg.Bridge,
			Subnet:        cfg.Subnet,
			ForwardSysctl: ipForwardSysctl,
		},
	}
	if cfg.DHCP {
		m.dhcp = &Dnsmasq{
			Binary:   cfg.DnsmasqPath,
			Dir:      cfg.StateDir,
			Bridge:   cfg.Bridge,
			Subnet:   cfg.Subnet,
			Confiner: cfg.Confiner,
		}
	}
	return m
}

// NewHostManager returns a BridgeManager wired to the host's netlink and
// nftables.
func NewHostManager(cfg BridgeConfig, alloc ipallocator.IPAllocator) (Manager, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nftables: %w", err)
	}
	return NewBridgeManager(cfg, NewLinkOperator(), conn, alloc), nil
}

// Setup implements Manager.
func (m *BridgeManager) Setup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	br, err := ensureBridge(ctx, m.links, m.cfg.Bridge, m.cfg.Subnet)
	if err != nil {
		return err
	}
	m.bridge = br

	if err := m.nat.Apply(ctx); err != nil {
		return err
	}

	if m.dhcp == nil {
		return nil
	}
	if err := m.syncHostsLocked(ctx); err != nil {
		return err
	}
	return m.dhcp.Start(ctx)
}

// CreateEndpoint implements Manager.
func (m *BridgeManager) CreateEndpoint(ctx context.Context, instance, mac string) (_ *Endpoint, retErr error) {
	start := time.Now()
	conflict := false
	defer func() {
		m.metrics.RecordSetup(retErr, conflict, time.Since(start))
	}()

	mac, err := NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bridge == nil {
		return nil, fmt.Errorf("bridge %s is not set up: %w", m.cfg.Bridge, errdefs.ErrFailedPrecondition)
	}

	lease, err := m.alloc.Allocate(ctx, instance, mac)
	if err != nil {
		conflict = errdefs.IsAlreadyExists(err) || errdefs.IsResourceExhausted(err)
		return nil, fmt.Errorf("failed to allocate address for %s: %w", instance, err)
	}
	defer func() {
		if retErr != nil {
			if err := m.alloc.ReleaseByHostID(context.WithoutCancel(ctx), instance); err != nil {
				log.G(ctx).WithError(err).WithField("instance", instance).Warn("network: failed to release address after endpoint failure")
			}
		}
	}()

	tap := TapName(instance)
	if err := ensureTap(ctx, m.links, tap, m.bridge); err != nil {
		return nil, err
	}

	if m.dhcp != nil {
		if err := m.syncHostsLocked(ctx); err != nil {
			_ = deleteLink(m.links, tap)
			return nil, err
		}
	}

	log.G(ctx).WithFields(log.Fields{
		"instance": instance,
		"tap":      tap,
		"ip":       lease.IP,
		"mac":      mac,
	}).Info("network: endpoint created")

	return &Endpoint{
		Instance: instance,
		Tap:      tap,
		MAC:      mac,
		IP:       lease.IP,
		Gateway:  lease.Gateway,
		Prefix:   lease.Prefix,
	}, nil
}

// DeleteEndpoint implements Manager.
func (m *BridgeManager) DeleteEndpoint(ctx context.Context, instance string) (retErr error) {
	start := time.Now()
	defer func() {
		m.metrics.RecordTeardown(retErr, time.Since(start))
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := deleteLink(m.links, TapName(instance)); err != nil {
		return fmt.Errorf("failed to delete tap for %s: %w", instance, err)
	}
	if err := m.alloc.ReleaseByHostID(ctx, instance); err != nil {
		return fmt.Errorf("failed to release address of %s: %w", instance, err)
	}
	if m.dhcp != nil {
		return m.syncHostsLocked(ctx)
	}
	return nil
}

// LookupIPv4 implements Manager. With DHCP enabled only an address the
// guest actually leased is reported.
func (m *BridgeManager) LookupIPv4(ctx context.Context, mac string) (IPAddress, error) {
	if m.dhcp != nil {
		return LookupLease(m.dhcp.LeasesPath(), mac)
	}

	mac, err := NormalizeMAC(mac)
	if err != nil {
		return IPAddress{}, err
	}
	allocs, err := m.alloc.Allocations(ctx)
	if err != nil {
		return IPAddress{}, err
	}
	for _, a := range allocs {
		if a.MAC == mac {
			return ParseIPAddress(a.IP)
		}
	}
	return IPAddress{}, fmt.Errorf("no address for %s: %w", mac, errdefs.ErrNotFound)
}

// Reconcile releases addresses held by instances for which live reports
// false, and removes their taps.
func (m *BridgeManager) Reconcile(ctx context.Context, live func(instance string) bool) error {
	allocs, err := m.alloc.Allocations(ctx)
	if err != nil {
		return err
	}
	for _, a := range allocs {
		if live(a.HostID) {
			continue
		}
		log.G(ctx).WithFields(log.Fields{
			"instance": a.HostID,
			"ip":       a.IP,
		}).Warn("network: reclaiming address of unknown instance")
		m.metrics.RecordStaleLease()
		if err := m.DeleteEndpoint(ctx, a.HostID); err != nil {
			return err
		}
	}
	return nil
}

// Metrics implements Manager.
func (m *BridgeManager) Metrics() MetricsSnapshot {
	return m.metrics.Snapshot()
}

// Close implements Manager. The bridge and NAT stay in place for running
// guests.
func (m *BridgeManager) Close(ctx context.Context) error {
	if m.dhcp == nil {
		return nil
	}
	return m.dhcp.Stop(ctx)
}

func (m *BridgeManager) syncHostsLocked(ctx context.Context) error {
	allocs, err := m.alloc.Allocations(ctx)
	if err != nil {
		return err
	}
	hosts := make([]HostReservation, 0, len(allocs))
	for _, a := range allocs {
		if a.MAC == "" {
			continue
		}
		addr, err := netip.ParseAddr(a.IP)
		if err != nil {
			continue
		}
		hosts = append(hosts, HostReservation{MAC: a.MAC, IP: IPAddress{addr: addr}, Name: a.HostID})
	}
	return m.dhcp.WriteHosts(ctx, hosts)
}
