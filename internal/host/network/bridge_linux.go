//go:build linux

package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/containerd/log"
	"github.com/vishvananda/netlink"
)

// LinkOperator is the subset of netlink used to manage the bridge and taps.
type LinkOperator interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	LinkSetMaster(link netlink.Link, master netlink.Link) error
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
}

type netlinkOperator struct{}

// NewLinkOperator returns a LinkOperator backed by the host's netlink socket.
func NewLinkOperator() LinkOperator {
	return netlinkOperator{}
}

func (netlinkOperator) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (netlinkOperator) LinkAdd(link netlink.Link) error {
	return netlink.LinkAdd(link)
}

func (netlinkOperator) LinkDel(link netlink.Link) error {
	return netlink.LinkDel(link)
}

func (netlinkOperator) LinkSetUp(link netlink.Link) error {
	return netlink.LinkSetUp(link)
}

func (netlinkOperator) LinkSetMaster(link netlink.Link, master netlink.Link) error {
	return netlink.LinkSetMaster(link, master)
}

func (netlinkOperator) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

func (netlinkOperator) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrAdd(link, addr)
}

func isLinkNotFound(err error) bool {
	var nf netlink.LinkNotFoundError
	return errors.As(err, &nf)
}

// ensureBridge creates the bridge if needed, assigns the gateway address
// and brings it up.
func ensureBridge(ctx context.Context, op LinkOperator, name string, subnet Subnet) (netlink.Link, error) {
	br, err := op.LinkByName(name)
	if err != nil {
		if !isLinkNotFound(err) {
			return nil, fmt.Errorf("failed to look up bridge %s: %w", name, err)
		}
		if err := op.LinkAdd(&netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}); err != nil {
			return nil, fmt.Errorf("failed to create bridge %s: %w", name, err)
		}
		if br, err = op.LinkByName(name); err != nil {
			return nil, fmt.Errorf("failed to look up bridge %s: %w", name, err)
		}
		log.G(ctx).WithField("bridge", name).Info("network: created bridge")
	}

	gateway := netlink.Addr{IPNet: ipNet(subnet.MinAddress(), subnet.PrefixLength())}
	addrs, err := op.AddrList(br, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list bridge addresses: %w", err)
	}
	present := false
	for _, a := range addrs {
		if a.IPNet != nil && a.IPNet.String() == gateway.IPNet.String() {
			present = true
			break
		}
	}
	if !present {
		if err := op.AddrAdd(br, &gateway); err != nil {
			return nil, fmt.Errorf("failed to assign %s to %s: %w", gateway.IPNet, name, err)
		}
	}

	if err := op.LinkSetUp(br); err != nil {
		return nil, fmt.Errorf("failed to bring up bridge %s: %w", name, err)
	}
	return br, nil
}

// ensureTap creates a persistent tap enslaved to bridge.
func ensureTap(ctx context.Context, op LinkOperator, name string, bridge netlink.Link) error {
	link, err := op.LinkByName(name)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("failed to look up tap %s: %w", name, err)
		}
		tap := &netlink.Tuntap{
			LinkAttrs: netlink.LinkAttrs{Name: name},
			Mode:      netlink.TUNTAP_MODE_TAP,
			Flags:     netlink.TUNTAP_NO_PI,
		}
		if err := op.LinkAdd(tap); err != nil {
			return fmt.Errorf("failed to create tap %s: %w", name, err)
		}
		// The device is persistent; the hypervisor opens its own queue.
		for _, f := range tap.Fds {
			_ = f.Close()
		}
		if link, err = op.LinkByName(name); err != nil {
			return fmt.Errorf("failed to look up tap %s: %w", name, err)
		}
	}

	if err := op.LinkSetMaster(link, bridge); err != nil {
		return fmt.Errorf("failed to attach %s to %s: %w", name, bridge.Attrs().Name, err)
	}
	if err := op.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up tap %s: %w", name, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"tap":    name,
		"bridge": bridge.Attrs().Name,
	}).Debug("network: tap attached")
	return nil
}

func deleteLink(op LinkOperator, name string) error {
	link, err := op.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return err
	}
	return op.LinkDel(link)
}

func ipNet(ip IPAddress, prefixLength int) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(ip.addr.AsSlice()),
		Mask: net.CIDRMask(prefixLength, 32),
	}
}
