//go:build !linux

package network

import (
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/spinvm/internal/host/network/ipallocator"
	"github.com/spin-stack/spinvm/internal/process"
)

// BridgeConfig configures the host bridge network.
type BridgeConfig struct {
	Bridge      string
	Subnet      Subnet
	StateDir    string
	DHCP        bool
	DnsmasqPath string
	Confiner    process.Confiner
}

// NewHostManager is only available on Linux. Other platforms rely on the
// hypervisor's own NAT.
func NewHostManager(_ BridgeConfig, _ ipallocator.IPAllocator) (Manager, error) {
	return nil, fmt.Errorf("bridge networking: %w", errdefs.ErrNotImplemented)
}
