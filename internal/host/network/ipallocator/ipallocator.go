// Package ipallocator hands out guest addresses from the bridge subnet and
// persists them so that an instance keeps its address across daemon restarts.
package ipallocator

import (
	"context"
	"net/netip"
	"time"
)

// IPAllocator defines the interface for IP allocation services
type IPAllocator interface {
	// Allocate returns the address held by hostID, allocating the lowest
	// free address when it holds none.
	Allocate(ctx context.Context, hostID, mac string) (*Lease, error)

	// AllocateSpecific reserves ip for hostID. Reserving an address already
	// held by the same host is a no-op.
	AllocateSpecific(ctx context.Context, ip netip.Addr, hostID, mac string) (*Lease, error)

	// Lookup returns the lease held by hostID.
	Lookup(ctx context.Context, hostID string) (*Lease, error)

	// Release releases an allocated IP address. Releasing a free address is not an error.
	Release(ctx context.Context, ip netip.Addr) error

	// ReleaseByHostID releases all IPs allocated to a specific host ID
	ReleaseByHostID(ctx context.Context, hostID string) error

	// Allocations returns every persisted allocation ordered by address.
	Allocations(ctx context.Context) ([]IPAllocation, error)

	// IsExhausted returns true if all available IPs are allocated
	IsExhausted(ctx context.Context) bool

	// Close closes the allocator and releases any resources
	Close() error
}

// Lease is an allocated address together with the subnet parameters a guest
// needs to configure it.
type Lease struct {
	IP      netip.Addr
	MAC     string
	Gateway netip.Addr
	Prefix  netip.Prefix
}

// IPAllocation represents an allocated IP address
type IPAllocation struct {
	IP          string    `json:"ip"`
	HostID      string    `json:"host_id"`
	MAC         string    `json:"mac,omitempty"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Config holds the configuration for IP allocator implementations
type Config struct {
	// Subnet is the CIDR notation for the IP range (e.g., "10.77.0.0/24")
	Subnet string
}
