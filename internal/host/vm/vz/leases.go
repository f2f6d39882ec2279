package vz

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/spinvm/internal/host/network"
)

// DefaultLeasesFile is where bootpd records vmnet leases.
const DefaultLeasesFile = "/var/db/dhcpd_leases"

// lease is one block of the bootpd leases file.
type lease struct {
	name string
	ip   string
	mac  string
}

// parseLeases reads bootpd's brace-delimited lease blocks. Newer leases are
// listed first.
func parseLeases(r io.Reader) ([]lease, error) {
	var (
		leases []lease
		cur    *lease
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "{":
			cur = &lease{}
		case line == "}":
			if cur != nil {
				leases = append(leases, *cur)
			}
			cur = nil
		case cur != nil:
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			switch key {
			case "name":
				cur.name = value
			case "ip_address":
				cur.ip = value
			case "hw_address":
				// "1,52:54:0:12:34:56": hardware type, then octets without
				// leading zeros.
				_, hw, _ := strings.Cut(value, ",")
				cur.mac = padMAC(hw)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read leases: %w", err)
	}
	return leases, nil
}

func padMAC(mac string) string {
	octets := strings.Split(mac, ":")
	for i, o := range octets {
		if len(o) == 1 {
			octets[i] = "0" + o
		}
	}
	return strings.Join(octets, ":")
}

// lookupLease returns the address leased to mac in the leases file at path.
func lookupLease(path, mac string) (network.IPAddress, error) {
	want, err := network.NormalizeMAC(mac)
	if err != nil {
		return network.IPAddress{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return network.IPAddress{}, fmt.Errorf("no leases recorded yet: %w", errdefs.ErrNotFound)
		}
		return network.IPAddress{}, err
	}
	defer f.Close()

	leases, err := parseLeases(f)
	if err != nil {
		return network.IPAddress{}, err
	}
	for _, l := range leases {
		got, err := network.NormalizeMAC(l.mac)
		if err != nil || got != want {
			continue
		}
		return network.ParseIPAddress(l.ip)
	}
	return network.IPAddress{}, fmt.Errorf("no lease for %s: %w", mac, errdefs.ErrNotFound)
}
