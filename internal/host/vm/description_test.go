package vm_test

import (
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"

	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/memsize"
)

func TestValidateName(t *testing.T) {
	for _, name := range []string{"a", "vm1", "happy-otter", "A1-b2"} {
		assert.NoError(t, vm.ValidateName(name), name)
	}
	for _, name := range []string{"", "1vm", "-vm", "vm-", "vm_1", "vm.local", string(make([]byte, 64))} {
		assert.True(t, errdefs.IsInvalidArgument(vm.ValidateName(name)), "%q", name)
	}
}

func TestSpecsRoundTripThroughDescription(t *testing.T) {
	desc := vm.Description{
		Name:              "vm1",
		NumCores:          2,
		MemSize:           2 * memsize.GiB,
		DiskSpace:         10 * memsize.GiB,
		Image:             "/images/jammy.img",
		DefaultMACAddress: "52:54:00:12:34:56",
		ExtraInterfaces:   []vm.NetworkInterface{{ID: "br0", MACAddress: "52:54:00:ab:cd:ef", AutoMode: true}},
	}
	specs := vm.SpecsFor(desc)
	assert.Equal(t, vm.StateOff, specs.State)
	assert.Equal(t, vm.DefaultSSHUsername, specs.SSHUsername)
	assert.False(t, specs.IsGhost())

	back := vm.DescriptionFor("vm1", desc.Image, "/data/vm1", specs)
	assert.Equal(t, desc.NumCores, back.NumCores)
	assert.Equal(t, desc.MemSize, back.MemSize)
	assert.Equal(t, desc.ExtraInterfaces, back.ExtraInterfaces)
	assert.Equal(t, "/data/vm1", back.InstanceDir)
	assert.Equal(t, vm.DefaultSSHUsername, back.SSHUsername)
}

func TestMachineUUID(t *testing.T) {
	a := vm.MachineUUID("vm1")
	assert.Equal(t, a, vm.MachineUUID("vm1"), "stable for a name")
	assert.NotEqual(t, a, vm.MachineUUID("vm2"))
	assert.Equal(t, 5, int(a.Version()))
}
