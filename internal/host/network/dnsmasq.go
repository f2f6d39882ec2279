package network

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/process"
)

const (
	dnsmasqPidFile   = "dnsmasq.pid"
	dnsmasqLeaseFile = "dnsmasq.leases"
	dnsmasqHostsFile = "dnsmasq.hosts"
	dnsmasqLogFile   = "dnsmasq.log"

	dnsmasqStopGrace = 5 * time.Second
)

// HostReservation pins an address to a MAC in the DHCP server.
type HostReservation struct {
	MAC  string
	IP   IPAddress
	Name string
}

// Dnsmasq supervises the DHCP/DNS server on the bridge.
type Dnsmasq struct {
	Binary   string
	Dir      string
	Bridge   string
	Subnet   Subnet
	Confiner process.Confiner

	mu   sync.Mutex
	proc *process.Process
}

func (d *Dnsmasq) path(name string) string {
	return filepath.Join(d.Dir, name)
}

// LeasesPath is where dnsmasq records the leases it handed out.
func (d *Dnsmasq) LeasesPath() string {
	return d.path(dnsmasqLeaseFile)
}

func (d *Dnsmasq) args() []string {
	gateway := d.Subnet.MinAddress()
	return []string{
		"--keep-in-foreground",
		"--strict-order",
		"--bind-interfaces",
		"--pid-file=",
		"--domain=spinvm",
		"--local=/spinvm/",
		"--except-interface=lo",
		"--interface=" + d.Bridge,
		"--listen-address=" + gateway.String(),
		"--dhcp-no-override",
		"--dhcp-ignore-clid",
		"--dhcp-authoritative",
		"--dhcp-leasefile=" + d.LeasesPath(),
		"--dhcp-hostsfile=" + d.path(dnsmasqHostsFile),
		"--dhcp-range=" + gateway.Add(1).String() + "," + d.Subnet.MaxAddress().String() + "," + d.Subnet.Netmask().String() + ",infinite",
		"--conf-file=",
	}
}

// Start launches dnsmasq, or adopts the instance a previous daemon left
// running.
func (d *Dnsmasq) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.proc != nil && d.proc.Running() {
		return nil
	}
	if err := os.MkdirAll(d.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create dnsmasq directory: %w", err)
	}

	hosts := d.path(dnsmasqHostsFile)
	if _, err := os.Stat(hosts); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(hosts, nil, 0o640); err != nil {
			return fmt.Errorf("failed to create dnsmasq hosts file: %w", err)
		}
	}

	if pid, err := readPid(d.path(dnsmasqPidFile)); err == nil {
		if p, err := process.FromPID(ctx, pid); err == nil {
			log.G(ctx).WithField("pid", pid).Info("network: adopted running dnsmasq")
			d.proc = p
			return nil
		}
	}

	p, err := process.Start(ctx, process.Spec{
		Program:  d.Binary,
		Args:     d.args(),
		LogPath:  d.path(dnsmasqLogFile),
		Confiner: d.Confiner,
	})
	if err != nil {
		return fmt.Errorf("failed to start dnsmasq: %w", err)
	}
	if err := os.WriteFile(d.path(dnsmasqPidFile), []byte(strconv.Itoa(p.Pid())), 0o640); err != nil {
		log.G(ctx).WithError(err).Warn("network: failed to record dnsmasq pid")
	}
	d.proc = p

	log.G(ctx).WithFields(log.Fields{
		"pid":    p.Pid(),
		"bridge": d.Bridge,
		"subnet": d.Subnet.String(),
	}).Info("network: dnsmasq started")
	return nil
}

// WriteHosts replaces the static reservations and asks dnsmasq to reload them.
func (d *Dnsmasq) WriteHosts(ctx context.Context, hosts []HostReservation) error {
	var buf bytes.Buffer
	for _, h := range hosts {
		fmt.Fprintf(&buf, "%s,%s,%s\n", h.MAC, h.IP, h.Name)
	}

	path := d.path(dnsmasqHostsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o640); err != nil {
		return fmt.Errorf("failed to write dnsmasq hosts: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write dnsmasq hosts: %w", err)
	}

	d.mu.Lock()
	p := d.proc
	d.mu.Unlock()
	if p == nil || !p.Running() {
		return nil
	}
	if err := p.Signal(syscall.SIGHUP); err != nil {
		log.G(ctx).WithError(err).Warn("network: failed to reload dnsmasq hosts")
	}
	return nil
}

// Stop terminates dnsmasq.
func (d *Dnsmasq) Stop(ctx context.Context) error {
	d.mu.Lock()
	p := d.proc
	d.proc = nil
	d.mu.Unlock()

	if p == nil {
		return nil
	}
	_ = os.Remove(d.path(dnsmasqPidFile))
	return p.Stop(ctx, dnsmasqStopGrace)
}

// LookupLease finds the address leased to mac in a dnsmasq lease file.
// Lines read "<expiry> <mac> <ip> <hostname> <client-id>".
func LookupLease(leasesPath, mac string) (IPAddress, error) {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return IPAddress{}, err
	}

	f, err := os.Open(leasesPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return IPAddress{}, fmt.Errorf("no lease for %s: %w", mac, errdefs.ErrNotFound)
		}
		return IPAddress{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || !strings.EqualFold(fields[1], mac) {
			continue
		}
		ip, err := ParseIPAddress(fields[2])
		if err != nil {
			continue
		}
		return ip, nil
	}
	if err := scanner.Err(); err != nil {
		return IPAddress{}, err
	}
	return IPAddress{}, fmt.Errorf("no lease for %s: %w", mac, errdefs.ErrNotFound)
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
