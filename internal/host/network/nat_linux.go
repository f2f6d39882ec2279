//go:build linux

package network

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

const (
	natTableName    = "spinvm"
	ipForwardSysctl = "/proc/sys/net/ipv4/ip_forward"
)

// NFTablesConn is the subset of *nftables.Conn used to program NAT.
type NFTablesConn interface {
	ListTablesOfFamily(family nftables.TableFamily) ([]*nftables.Table, error)
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	Flush() error
}

// NAT masquerades guest traffic leaving the bridge and lets it through the
// forward hook. All rules live in a dedicated table that is replaced as a
// whole.
type NAT struct {
	Conn   NFTablesConn
	Bridge string
	Subnet Subnet
	// ForwardSysctl is set to 1 after the rules are installed when non-empty.
	ForwardSysctl string
}

func (n *NAT) table() *nftables.Table {
	return &nftables.Table{Family: nftables.TableFamilyIPv4, Name: natTableName}
}

func (n *NAT) exists() (bool, error) {
	tables, err := n.Conn.ListTablesOfFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return false, fmt.Errorf("failed to list nftables tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == natTableName {
			return true, nil
		}
	}
	return false, nil
}

// Apply installs the NAT table, replacing any previous version.
func (n *NAT) Apply(ctx context.Context) error {
	found, err := n.exists()
	if err != nil {
		return err
	}

	table := n.table()
	if found {
		n.Conn.DelTable(table)
	}
	n.Conn.AddTable(table)

	post := n.Conn.AddChain(&nftables.Chain{
		Name:     "postrouting",
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})
	n.Conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: post,
		Exprs: n.masqueradeExprs(),
	})

	forward := n.Conn.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	for _, key := range []expr.MetaKey{expr.MetaKeyIIFNAME, expr.MetaKeyOIFNAME} {
		n.Conn.AddRule(&nftables.Rule{
			Table: table,
			Chain: forward,
			Exprs: []expr.Any{
				&expr.Meta{Key: key, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(n.Bridge)},
				&expr.Verdict{Kind: expr.VerdictAccept},
			},
		})
	}

	if err := n.Conn.Flush(); err != nil {
		return fmt.Errorf("failed to install nat rules: %w", err)
	}

	if n.ForwardSysctl != "" {
		if err := os.WriteFile(n.ForwardSysctl, []byte("1"), 0o644); err != nil {
			log.G(ctx).WithError(err).Warn("network: failed to enable ip forwarding")
		}
	}

	log.G(ctx).WithFields(log.Fields{
		"bridge": n.Bridge,
		"subnet": n.Subnet.String(),
	}).Info("network: nat installed")
	return nil
}

// masqueradeExprs matches "ip saddr <subnet> oifname != <bridge>".
func (n *NAT) masqueradeExprs() []expr.Any {
	network := n.Subnet.Network().addr.As4()
	mask := n.Subnet.Netmask().addr.As4()
	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       12,
			Len:          4,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           mask[:],
			Xor:            []byte{0, 0, 0, 0},
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: network[:]},
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: ifname(n.Bridge)},
		&expr.Masq{},
	}
}

// Remove deletes the NAT table if present.
func (n *NAT) Remove(ctx context.Context) error {
	found, err := n.exists()
	if err != nil || !found {
		return err
	}
	n.Conn.DelTable(n.table())
	if err := n.Conn.Flush(); err != nil {
		return fmt.Errorf("failed to remove nat rules: %w", err)
	}
	log.G(ctx).WithField("bridge", n.Bridge).Debug("network: nat removed")
	return nil
}

// ifname encodes an interface name the way the kernel compares it.
func ifname(name string) []byte {
	b := make([]byte, 16)
	copy(b, name+"\x00")
	return b
}
