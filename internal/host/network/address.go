package network

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/containerd/errdefs"
)

// IPAddress is an immutable IPv4 address.
type IPAddress struct {
	addr netip.Addr
}

// ParseIPAddress parses a dotted-quad IPv4 address.
func ParseIPAddress(s string) (IPAddress, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return IPAddress{}, fmt.Errorf("invalid IP address %q: %w", s, errdefs.ErrInvalidArgument)
	}
	if !addr.Is4() {
		return IPAddress{}, fmt.Errorf("%q is not an IPv4 address: %w", s, errdefs.ErrInvalidArgument)
	}
	return IPAddress{addr: addr}, nil
}

// MustParseIPAddress is like ParseIPAddress but panics on error.
func MustParseIPAddress(s string) IPAddress {
	ip, err := ParseIPAddress(s)
	if err != nil {
		panic(err)
	}
	return ip
}

// IPAddressFromUint32 builds an address from its big-endian numeric value.
func IPAddressFromUint32(v uint32) IPAddress {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return IPAddress{addr: netip.AddrFrom4(b)}
}

// Uint32 returns the big-endian numeric value of the address.
func (ip IPAddress) Uint32() uint32 {
	b := ip.addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

// Add returns the address n positions after ip, wrapping at 2^32.
func (ip IPAddress) Add(n int64) IPAddress {
	return IPAddressFromUint32(uint32(int64(ip.Uint32()) + n))
}

// Compare returns -1, 0 or +1 ordering ip against other numerically.
func (ip IPAddress) Compare(other IPAddress) int {
	return ip.addr.Compare(other.addr)
}

// IsValid reports whether ip holds an address.
func (ip IPAddress) IsValid() bool {
	return ip.addr.IsValid()
}

// Addr returns the address as a netip.Addr.
func (ip IPAddress) Addr() netip.Addr {
	return ip.addr
}

func (ip IPAddress) String() string {
	if !ip.addr.IsValid() {
		return ""
	}
	return ip.addr.String()
}

// MarshalText implements encoding.TextMarshaler.
func (ip IPAddress) MarshalText() ([]byte, error) {
	return []byte(ip.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (ip *IPAddress) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*ip = IPAddress{}
		return nil
	}
	parsed, err := ParseIPAddress(string(text))
	if err != nil {
		return err
	}
	*ip = parsed
	return nil
}

// Subnet is an IPv4 network in CIDR form. The prefix is always masked to
// the network address and is shorter than /31, so every subnet has at
// least two usable host addresses.
type Subnet struct {
	prefix netip.Prefix
}

// ParseSubnet parses CIDR notation such as "10.77.0.0/24". Host bits are
// cleared.
func ParseSubnet(cidr string) (Subnet, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return Subnet{}, fmt.Errorf("invalid subnet %q: %w", cidr, errdefs.ErrInvalidArgument)
	}
	return newSubnet(p)
}

// MustParseSubnet is like ParseSubnet but panics on error.
func MustParseSubnet(cidr string) Subnet {
	s, err := ParseSubnet(cidr)
	if err != nil {
		panic(err)
	}
	return s
}

func newSubnet(p netip.Prefix) (Subnet, error) {
	if !p.Addr().Is4() {
		return Subnet{}, fmt.Errorf("subnet %s is not IPv4: %w", p, errdefs.ErrInvalidArgument)
	}
	if p.Bits() >= 31 {
		return Subnet{}, fmt.Errorf("subnet prefix /%d must be < 31: %w", p.Bits(), errdefs.ErrInvalidArgument)
	}
	return Subnet{prefix: p.Masked()}, nil
}

// PrefixLength returns the number of network bits.
func (s Subnet) PrefixLength() int {
	return s.prefix.Bits()
}

// Prefix returns the subnet as a netip.Prefix.
func (s Subnet) Prefix() netip.Prefix {
	return s.prefix
}

// Network returns the network (all host bits zero) address.
func (s Subnet) Network() IPAddress {
	return IPAddress{addr: s.prefix.Addr()}
}

// Netmask returns the subnet mask as an address, e.g. 255.255.255.0.
func (s Subnet) Netmask() IPAddress {
	return IPAddressFromUint32(^uint32(0) << (32 - s.prefix.Bits()))
}

// Broadcast returns the all-ones host address.
func (s Subnet) Broadcast() IPAddress {
	return IPAddressFromUint32(s.Network().Uint32() | ^s.Netmask().Uint32())
}

// MinAddress returns the first usable host address.
func (s Subnet) MinAddress() IPAddress {
	return s.Network().Add(1)
}

// MaxAddress returns the last usable host address.
func (s Subnet) MaxAddress() IPAddress {
	return s.Broadcast().Add(-1)
}

// UsableCount returns the number of host addresses excluding network and broadcast.
func (s Subnet) UsableCount() uint32 {
	return uint32(uint64(1)<<(32-s.prefix.Bits()) - 2)
}

// Contains reports whether ip lies within the subnet, including the
// network and broadcast addresses.
func (s Subnet) Contains(ip IPAddress) bool {
	return s.prefix.Contains(ip.addr)
}

// ContainsSubnet reports whether other lies entirely within s.
func (s Subnet) ContainsSubnet(other Subnet) bool {
	return other.prefix.Bits() >= s.prefix.Bits() && s.prefix.Contains(other.prefix.Addr())
}

// SpecificSubnet returns the index-th subnet of the given prefix length
// carved out of s.
func (s Subnet) SpecificSubnet(index uint32, prefixLength int) (Subnet, error) {
	if prefixLength < s.prefix.Bits() || prefixLength >= 31 {
		return Subnet{}, fmt.Errorf("prefix /%d does not fit in %s: %w", prefixLength, s, errdefs.ErrInvalidArgument)
	}
	count := uint64(1) << (prefixLength - s.prefix.Bits())
	if uint64(index) >= count {
		return Subnet{}, fmt.Errorf("subnet index %d out of range, %s holds %d /%d subnets: %w",
			index, s, count, prefixLength, errdefs.ErrInvalidArgument)
	}
	start := uint64(s.Network().Uint32()) + uint64(index)<<(32-prefixLength)
	return newSubnet(netip.PrefixFrom(IPAddressFromUint32(uint32(start)).addr, prefixLength))
}

func (s Subnet) String() string {
	return s.prefix.String()
}

// MarshalText implements encoding.TextMarshaler.
func (s Subnet) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Subnet) UnmarshalText(text []byte) error {
	parsed, err := ParseSubnet(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
