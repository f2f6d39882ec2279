package vz

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLeases = `{
	name=vm1
	ip_address=192.168.64.7
	hw_address=1,52:54:0:12:34:56
	identifier=1,52:54:0:12:34:56
	lease=0x65f0a2b1
}
{
	name=vm1
	ip_address=192.168.64.3
	hw_address=1,52:54:0:12:34:56
	identifier=1,52:54:0:12:34:56
	lease=0x65e0a2b1
}
{
	name=other
	ip_address=192.168.64.4
	hw_address=1,a:b:c:d:e:f
	lease=0x65e0a2b1
}
`

func TestParseLeases(t *testing.T) {
	leases, err := parseLeases(strings.NewReader(sampleLeases))
	require.NoError(t, err)
	require.Len(t, leases, 3)
	assert.Equal(t, lease{name: "vm1", ip: "192.168.64.7", mac: "52:54:00:12:34:56"}, leases[0])
	assert.Equal(t, "0a:0b:0c:0d:0e:0f", leases[2].mac)
}

func TestLookupLease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dhcpd_leases")

	_, err := lookupLease(path, "52:54:00:12:34:56")
	assert.True(t, errdefs.IsNotFound(err), "missing file")

	require.NoError(t, os.WriteFile(path, []byte(sampleLeases), 0o644))

	ip, err := lookupLease(path, "52:54:00:12:34:56")
	require.NoError(t, err)
	assert.Equal(t, "192.168.64.7", ip.String(), "newest lease wins")

	ip, err = lookupLease(path, "0A:0B:0C:0D:0E:0F")
	require.NoError(t, err)
	assert.Equal(t, "192.168.64.4", ip.String())

	_, err = lookupLease(path, "52:54:00:ff:ff:ff")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = lookupLease(path, "bogus")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestDiskSnapshots(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(img, []byte("v1"), 0o600))
	s := diskSnapshots{disk: img}

	require.NoError(t, s.capture("snapshot1"))
	assert.True(t, errdefs.IsAlreadyExists(s.capture("snapshot1")))

	require.NoError(t, os.WriteFile(img, []byte("v2"), 0o600))
	require.NoError(t, s.apply("snapshot1"))
	data, err := os.ReadFile(img)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.FileExists(t, s.path("snapshot1"), "apply keeps the snapshot")

	require.NoError(t, s.erase("snapshot1"))
	assert.True(t, errdefs.IsNotFound(s.erase("snapshot1")))
	assert.True(t, errdefs.IsNotFound(s.apply("snapshot1")))

	require.NoError(t, s.capture("snapshot2"))
	require.NoError(t, s.removeAll())
	assert.NoDirExists(t, filepath.Join(dir, snapshotDir))
}
