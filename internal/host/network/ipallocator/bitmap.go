package ipallocator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/boltstore"
)

// BitmapIPAllocator implements IPAllocator using a bitmap for efficient IP management.
// The network address, the gateway (first host address) and the broadcast
// address are never handed out.
type BitmapIPAllocator struct {
	store   boltstore.Store[IPAllocation]
	network netip.Prefix
	bitmap  *IPBitmap
	mu      sync.Mutex
}

// IPBitmap tracks used host offsets within a subnet, one bit per address.
type IPBitmap struct {
	network netip.Prefix
	size    uint32
	bitmap  []uint64
}

// NewBitmapIPAllocator creates a new bitmap-based IP allocator instance and
// loads the allocations already present in store.
func NewBitmapIPAllocator(ctx context.Context, store boltstore.Store[IPAllocation], config Config) (*BitmapIPAllocator, error) {
	if config.Subnet == "" {
		return nil, fmt.Errorf("subnet cannot be empty: %w", errdefs.ErrInvalidArgument)
	}

	network, err := netip.ParsePrefix(config.Subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet: %w", errors.Join(err, errdefs.ErrInvalidArgument))
	}
	network = network.Masked()

	bitmap, err := newIPBitmap(network)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize bitmap: %w", err)
	}

	allocator := &BitmapIPAllocator{
		store:   store,
		network: network,
		bitmap:  bitmap,
	}

	if err := allocator.loadExistingAllocations(ctx); err != nil {
		return nil, fmt.Errorf("failed to load existing allocations: %w", err)
	}

	metrics().SetTotalIPs(float64(bitmap.size - 3))

	log.G(ctx).WithField("subnet", network.String()).Debug("bitmap IP allocator initialized")
	return allocator, nil
}

func newIPBitmap(network netip.Prefix) (*IPBitmap, error) {
	if !network.Addr().Is4() {
		return nil, fmt.Errorf("subnet %s is not IPv4: %w", network, errdefs.ErrInvalidArgument)
	}
	if network.Bits() > 30 {
		return nil, fmt.Errorf("subnet too small, needs at least 4 addresses: %w", errdefs.ErrInvalidArgument)
	}

	size := uint32(uint64(1) << (32 - network.Bits()))
	b := &IPBitmap{
		network: network,
		size:    size,
		bitmap:  make([]uint64, (uint64(size)+63)/64),
	}

	b.set(0)        // network
	b.set(1)        // gateway
	b.set(size - 1) // broadcast
	return b, nil
}

func (b *IPBitmap) set(offset uint32)   { b.bitmap[offset/64] |= 1 << (offset % 64) }
func (b *IPBitmap) clear(offset uint32) { b.bitmap[offset/64] &^= 1 << (offset % 64) }
func (b *IPBitmap) isSet(offset uint32) bool {
	return b.bitmap[offset/64]&(1<<(offset%64)) != 0
}

func (b *IPBitmap) offsetOf(ip netip.Addr) (uint32, error) {
	if !ip.Is4() || !b.network.Contains(ip) {
		return 0, fmt.Errorf("IP %s not in network %s: %w", ip, b.network, errdefs.ErrInvalidArgument)
	}
	return addrToUint32(ip) - addrToUint32(b.network.Addr()), nil
}

func (b *IPBitmap) addrAt(offset uint32) netip.Addr {
	return uint32ToAddr(addrToUint32(b.network.Addr()) + offset)
}

// firstFree returns the lowest free offset.
func (b *IPBitmap) firstFree() (uint32, bool) {
	for offset := uint32(2); offset < b.size-1; offset++ {
		if !b.isSet(offset) {
			return offset, true
		}
	}
	return 0, false
}

func (a *BitmapIPAllocator) gateway() netip.Addr {
	return a.bitmap.addrAt(1)
}

func (a *BitmapIPAllocator) lease(alloc *IPAllocation) (*Lease, error) {
	ip, err := netip.ParseAddr(alloc.IP)
	if err != nil {
		return nil, fmt.Errorf("invalid IP in allocation for %s: %w", alloc.HostID, err)
	}
	return &Lease{
		IP:      ip,
		MAC:     alloc.MAC,
		Gateway: a.gateway(),
		Prefix:  a.network,
	}, nil
}

// findByHost returns the allocation held by hostID, or nil.
func (a *BitmapIPAllocator) findByHost(ctx context.Context, hostID string) (*IPAllocation, error) {
	var found *IPAllocation
	err := a.store.Scan(ctx, "", func(_ string, alloc *IPAllocation) error {
		if found == nil && alloc.HostID == hostID {
			found = alloc
		}
		return nil
	})
	return found, err
}

// Allocate allocates the lowest free address for hostID, or returns the one it already holds.
func (a *BitmapIPAllocator) Allocate(ctx context.Context, hostID, mac string) (*Lease, error) {
	start := time.Now()
	defer func() {
		metrics().ObserveIPAllocationDuration(time.Since(start))
	}()
	metrics().IncrementIPAllocations()

	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.findByHost(ctx, hostID)
	if err != nil {
		metrics().IncrementIPAllocationErrors()
		return nil, fmt.Errorf("failed to scan allocations: %w", err)
	}
	if existing != nil {
		return a.lease(existing)
	}

	offset, ok := a.bitmap.firstFree()
	if !ok {
		metrics().IncrementIPAllocationErrors()
		return nil, fmt.Errorf("no available IPs in network %s: %w", a.network, errdefs.ErrResourceExhausted)
	}
	ip := a.bitmap.addrAt(offset)

	alloc := &IPAllocation{
		IP:          ip.String(),
		HostID:      hostID,
		MAC:         mac,
		AllocatedAt: time.Now().UTC(),
	}
	if err := a.store.Set(ctx, ip.String(), alloc); err != nil {
		metrics().IncrementIPAllocationErrors()
		return nil, fmt.Errorf("failed to store allocation: %w", err)
	}
	a.bitmap.set(offset)
	metrics().IncrementAllocatedIPs()

	log.G(ctx).WithFields(log.Fields{"ip": ip.String(), "host_id": hostID}).Debug("allocated IP")
	return a.lease(alloc)
}

// AllocateSpecific allocates a specific IP address if available.
func (a *BitmapIPAllocator) AllocateSpecific(ctx context.Context, ip netip.Addr, hostID, mac string) (*Lease, error) {
	start := time.Now()
	defer func() {
		metrics().ObserveIPAllocationDuration(time.Since(start))
	}()
	metrics().IncrementIPAllocations()

	offset, err := a.bitmap.offsetOf(ip)
	if err != nil {
		metrics().IncrementIPAllocationErrors()
		return nil, err
	}
	if offset < 2 || offset == a.bitmap.size-1 {
		metrics().IncrementIPAllocationErrors()
		return nil, fmt.Errorf("IP %s is reserved (network, gateway, or broadcast): %w", ip, errdefs.ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, err := a.store.Get(ctx, ip.String())
	switch {
	case err == nil && alloc.HostID == hostID:
		log.G(ctx).WithFields(log.Fields{"ip": ip.String(), "host_id": hostID}).Debug("IP already allocated to same host")
		return a.lease(alloc)
	case err == nil:
		metrics().IncrementIPAllocationErrors()
		return nil, fmt.Errorf("IP %s is already allocated to host %s: %w", ip, alloc.HostID, errdefs.ErrAlreadyExists)
	case !errdefs.IsNotFound(err):
		metrics().IncrementIPAllocationErrors()
		return nil, fmt.Errorf("failed to check IP allocation: %w", err)
	}

	alloc = &IPAllocation{
		IP:          ip.String(),
		HostID:      hostID,
		MAC:         mac,
		AllocatedAt: time.Now().UTC(),
	}
	if err := a.store.Set(ctx, ip.String(), alloc); err != nil {
		metrics().IncrementIPAllocationErrors()
		return nil, fmt.Errorf("failed to store allocation: %w", err)
	}
	a.bitmap.set(offset)
	metrics().IncrementAllocatedIPs()

	log.G(ctx).WithFields(log.Fields{"ip": ip.String(), "host_id": hostID}).Debug("allocated specific IP")
	return a.lease(alloc)
}

// Lookup returns the lease held by hostID.
func (a *BitmapIPAllocator) Lookup(ctx context.Context, hostID string) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, err := a.findByHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan allocations: %w", err)
	}
	if alloc == nil {
		return nil, fmt.Errorf("no address allocated to %s: %w", hostID, errdefs.ErrNotFound)
	}
	return a.lease(alloc)
}

// Release releases an allocated IP address.
func (a *BitmapIPAllocator) Release(ctx context.Context, ip netip.Addr) error {
	start := time.Now()
	defer func() {
		metrics().ObserveIPReleaseDuration(time.Since(start))
	}()
	metrics().IncrementIPReleases()

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.releaseLocked(ctx, ip)
}

func (a *BitmapIPAllocator) releaseLocked(ctx context.Context, ip netip.Addr) error {
	offset, err := a.bitmap.offsetOf(ip)
	if err != nil {
		metrics().IncrementIPReleaseErrors()
		return err
	}

	if _, err := a.store.Get(ctx, ip.String()); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		metrics().IncrementIPReleaseErrors()
		return fmt.Errorf("failed to check IP allocation: %w", err)
	}

	if err := a.store.Delete(ctx, ip.String()); err != nil {
		metrics().IncrementIPReleaseErrors()
		return fmt.Errorf("failed to delete IP allocation: %w", err)
	}
	a.bitmap.clear(offset)
	metrics().DecrementAllocatedIPs()
	return nil
}

// ReleaseByHostID releases all IPs allocated to a specific host ID.
func (a *BitmapIPAllocator) ReleaseByHostID(ctx context.Context, hostID string) error {
	start := time.Now()
	defer func() {
		metrics().ObserveIPReleaseDuration(time.Since(start))
	}()
	metrics().IncrementIPReleases()

	a.mu.Lock()
	defer a.mu.Unlock()

	var toRelease []netip.Addr
	err := a.store.Scan(ctx, "", func(_ string, alloc *IPAllocation) error {
		if alloc.HostID != hostID {
			return nil
		}
		ip, err := netip.ParseAddr(alloc.IP)
		if err != nil {
			return fmt.Errorf("invalid IP in allocation: %s", alloc.IP)
		}
		toRelease = append(toRelease, ip)
		return nil
	})
	if err != nil {
		metrics().IncrementIPReleaseErrors()
		return fmt.Errorf("failed to scan allocations: %w", err)
	}

	var errs []error
	for _, ip := range toRelease {
		if err := a.releaseLocked(ctx, ip); err != nil {
			log.G(ctx).WithError(err).WithFields(log.Fields{"host_id": hostID, "ip": ip.String()}).
				Error("failed to release IP for host")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Allocations returns every persisted allocation ordered by address.
func (a *BitmapIPAllocator) Allocations(ctx context.Context) ([]IPAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []IPAllocation
	err := a.store.Scan(ctx, "", func(_ string, alloc *IPAllocation) error {
		out = append(out, *alloc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		ai, _ := netip.ParseAddr(out[i].IP)
		aj, _ := netip.ParseAddr(out[j].IP)
		return ai.Less(aj)
	})
	return out, nil
}

// IsExhausted checks if all IPs are allocated.
func (a *BitmapIPAllocator) IsExhausted(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.bitmap.firstFree()
	return !ok
}

func (a *BitmapIPAllocator) loadExistingAllocations(ctx context.Context) error {
	var allocatedCount int
	err := a.store.Scan(ctx, "", func(_ string, alloc *IPAllocation) error {
		ip, err := netip.ParseAddr(alloc.IP)
		if err != nil {
			return fmt.Errorf("invalid IP in allocation: %s", alloc.IP)
		}
		offset, err := a.bitmap.offsetOf(ip)
		if err != nil {
			// Left over from a previous subnet; it will never be handed out again.
			log.G(ctx).WithField("ip", alloc.IP).Warn("ignoring allocation outside the configured subnet")
			return nil
		}
		a.bitmap.set(offset)
		allocatedCount++
		return nil
	})
	if err != nil {
		return err
	}

	metrics().SetAllocatedIPs(float64(allocatedCount))
	return nil
}

// Close closes the allocator and releases any resources.
func (a *BitmapIPAllocator) Close() error {
	return a.store.Close()
}

func addrToUint32(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
