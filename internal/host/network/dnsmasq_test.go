package network

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupLease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnsmasq.leases")
	leases := strings.Join([]string{
		"0 52:54:00:11:22:33 10.77.0.5 primary 01:52:54:00:11:22:33",
		"malformed",
		"0 52:54:00:44:55:66 not-an-ip other *",
		"0 52:54:00:44:55:66 10.77.0.6 other *",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(leases), 0o600))

	ip, err := LookupLease(path, "52:54:00:11:22:33")
	require.NoError(t, err)
	assert.Equal(t, "10.77.0.5", ip.String())

	ip, err = LookupLease(path, "52:54:00:44:55:66")
	require.NoError(t, err)
	assert.Equal(t, "10.77.0.6", ip.String())

	_, err = LookupLease(path, "52:54:00:ff:ff:ff")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = LookupLease(filepath.Join(t.TempDir(), "missing"), "52:54:00:11:22:33")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = LookupLease(path, "bogus")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestDnsmasqArgs(t *testing.T) {
	d := &Dnsmasq{Dir: "/run/spinvm/network", Bridge: "spinvmbr0", Subnet: MustParseSubnet("10.77.0.0/24")}
	args := d.args()

	assert.Contains(t, args, "--interface=spinvmbr0")
	assert.Contains(t, args, "--listen-address=10.77.0.1")
	assert.Contains(t, args, "--dhcp-range=10.77.0.2,10.77.0.254,255.255.255.0,infinite")
	assert.Contains(t, args, "--dhcp-leasefile=/run/spinvm/network/dnsmasq.leases")
	assert.Contains(t, args, "--dhcp-hostsfile=/run/spinvm/network/dnsmasq.hosts")
}

func TestDnsmasqWriteHostsWithoutProcess(t *testing.T) {
	dir := t.TempDir()
	d := &Dnsmasq{Dir: dir, Bridge: "spinvmbr0", Subnet: MustParseSubnet("10.77.0.0/24")}

	err := d.WriteHosts(context.Background(), []HostReservation{
		{MAC: "52:54:00:11:22:33", IP: MustParseIPAddress("10.77.0.5"), Name: "primary"},
		{MAC: "52:54:00:44:55:66", IP: MustParseIPAddress("10.77.0.6"), Name: "other"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, dnsmasqHostsFile))
	require.NoError(t, err)
	assert.Equal(t, "52:54:00:11:22:33,10.77.0.5,primary\n52:54:00:44:55:66,10.77.0.6,other\n", string(data))

	require.NoError(t, d.Stop(context.Background()))
}

func TestTapName(t *testing.T) {
	name := TapName("a-very-long-instance-name-that-exceeds-limits")
	assert.LessOrEqual(t, len(name), 15)
	assert.True(t, strings.HasPrefix(name, tapPrefix))
	assert.Equal(t, name, TapName("a-very-long-instance-name-that-exceeds-limits"))
	assert.NotEqual(t, name, TapName("other"))
}
