package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
)

const tapPrefix = "spvm"

// Endpoint is an instance's attachment to the host bridge.
type Endpoint struct {
	Instance string
	Tap      string
	MAC      string
	IP       netip.Addr
	Gateway  netip.Addr
	Prefix   netip.Prefix
}

// Manager owns the host side of guest networking: the bridge, NAT, the
// DHCP server and one tap endpoint per instance.
type Manager interface {
	// Setup brings up the bridge, NAT and DHCP. It is idempotent.
	Setup(ctx context.Context) error
	// CreateEndpoint attaches instance to the bridge with a static DHCP
	// reservation for mac. Calling it again for the same instance returns
	// the existing endpoint.
	CreateEndpoint(ctx context.Context, instance, mac string) (*Endpoint, error)
	// DeleteEndpoint removes the tap and releases the address. Missing
	// endpoints are not an error.
	DeleteEndpoint(ctx context.Context, instance string) error
	// LookupIPv4 returns the address the guest with mac obtained.
	LookupIPv4(ctx context.Context, mac string) (IPAddress, error)
	Metrics() MetricsSnapshot
	Close(ctx context.Context) error
}

// TapName returns the tap device name for instance. Interface names are
// limited to 15 bytes, so the name is derived from a hash.
func TapName(instance string) string {
	sum := sha256.Sum256([]byte(instance))
	return tapPrefix + hex.EncodeToString(sum[:])[:10]
}
