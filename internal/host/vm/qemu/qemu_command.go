package qemu

import (
	"fmt"
	"strings"
)

// qemuCommandBuilder constructs QEMU command-line arguments using a fluent
// builder pattern.
//
// Example usage:
//
//	cmd := newQemuCommandBuilder().
//		setName("vm1").
//		setMachine("q35", "accel=kvm").
//		setCPU("host").
//		setSMP(2, 8).
//		setMemory(1024, 8, 4096).
//		build()
type qemuCommandBuilder struct {
	args []string
}

func newQemuCommandBuilder() *qemuCommandBuilder {
	return &qemuCommandBuilder{
		args: make([]string, 0, 64),
	}
}

// setName sets the guest name shown in process listings and QMP (-name).
func (b *qemuCommandBuilder) setName(name string) *qemuCommandBuilder {
	b.args = append(b.args, "-name", fmt.Sprintf("%s,process=spinvm-%s", name, name))
	return b
}

// setUUID sets the SMBIOS system UUID (-uuid option).
func (b *qemuCommandBuilder) setUUID(id string) *qemuCommandBuilder {
	b.args = append(b.args, "-uuid", id)
	return b
}

// setBIOS sets the firmware image (-bios option).
func (b *qemuCommandBuilder) setBIOS(path string) *qemuCommandBuilder {
	b.args = append(b.args, "-bios", path)
	return b
}

// setNoDefaults disables QEMU's default devices (-nodefaults option).
func (b *qemuCommandBuilder) setNoDefaults() *qemuCommandBuilder {
	b.args = append(b.args, "-nodefaults")
	return b
}

// setMachine sets the machine type and options (-machine option).
// Example: setMachine("q35", "accel=kvm", "kernel-irqchip=on")
func (b *qemuCommandBuilder) setMachine(machineType string, options ...string) *qemuCommandBuilder {
	value := machineType
	if len(options) > 0 {
		value = fmt.Sprintf("%s,%s", machineType, strings.Join(options, ","))
	}
	b.args = append(b.args, "-machine", value)
	return b
}

// setCPU sets the CPU model and features (-cpu option).
func (b *qemuCommandBuilder) setCPU(model string, features ...string) *qemuCommandBuilder {
	value := model
	if len(features) > 0 {
		value = fmt.Sprintf("%s,%s", model, strings.Join(features, ","))
	}
	b.args = append(b.args, "-cpu", value)
	return b
}

// setSMP sets CPU topology (-smp option). maxCPUs above bootCPUs reserves
// hotplug slots.
//
// Example: setSMP(2, 4) produces "-smp 2,maxcpus=4"
func (b *qemuCommandBuilder) setSMP(bootCPUs, maxCPUs int) *qemuCommandBuilder {
	if maxCPUs > bootCPUs {
		b.args = append(b.args, "-smp", fmt.Sprintf("%d,maxcpus=%d", bootCPUs, maxCPUs))
	} else {
		b.args = append(b.args, "-smp", fmt.Sprintf("%d", bootCPUs))
	}
	return b
}

// setMemory sets memory configuration (-m option). Slots and a larger
// maximum enable pc-dimm hotplug.
//
// Examples:
//   - setMemory(512, 0, 0) produces "-m 512"
//   - setMemory(512, 4, 2048) produces "-m 512,slots=4,maxmem=2048M"
func (b *qemuCommandBuilder) setMemory(memoryMB, slots, maxMemoryMB int64) *qemuCommandBuilder {
	if slots > 0 && maxMemoryMB > memoryMB {
		b.args = append(b.args, "-m", fmt.Sprintf("%d,slots=%d,maxmem=%dM", memoryMB, slots, maxMemoryMB))
	} else {
		b.args = append(b.args, "-m", fmt.Sprintf("%d", memoryMB))
	}
	return b
}

// setDisplayNone runs without any display (-display none).
func (b *qemuCommandBuilder) setDisplayNone() *qemuCommandBuilder {
	b.args = append(b.args, "-display", "none")
	return b
}

// setSerial sets serial port configuration (-serial option).
// Example: setSerial("file:/var/lib/spinvm/vm1/console.log")
func (b *qemuCommandBuilder) setSerial(config string) *qemuCommandBuilder {
	b.args = append(b.args, "-serial", config)
	return b
}

// addDevice adds a device (-device option).
func (b *qemuCommandBuilder) addDevice(device string) *qemuCommandBuilder {
	b.args = append(b.args, "-device", device)
	return b
}

// addVirtioRNG adds a virtio-rng device for entropy.
func (b *qemuCommandBuilder) addVirtioRNG() *qemuCommandBuilder {
	return b.addDevice("virtio-rng-pci")
}

// setQMPUnixSocket serves QMP on a Unix socket without waiting for a client.
func (b *qemuCommandBuilder) setQMPUnixSocket(socketPath string) *qemuCommandBuilder {
	b.args = append(b.args, "-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", socketPath))
	return b
}

// DiskConfig is a block device attached to the guest.
type DiskConfig struct {
	Path string
	// Format overrides detection from the file extension.
	Format   string
	Readonly bool
	// CDROM attaches the image as a SCSI CD-ROM instead of a virtio disk.
	CDROM bool
}

// addDisk adds a drive and its frontend device:
//
//	-drive file=<path>,if=none,id=<id>,format=<format>[,readonly=on]
//	-device virtio-blk-pci,drive=<id>
//
// Without an explicit format, .qcow2 files are qcow2 and anything else is
// raw. CD-ROMs need a SCSI controller on the command line.
func (b *qemuCommandBuilder) addDisk(id string, disk DiskConfig) *qemuCommandBuilder {
	format := disk.Format
	if format == "" {
		format = "raw"
		if strings.HasSuffix(disk.Path, ".qcow2") {
			format = "qcow2"
		}
	}

	driveArgs := fmt.Sprintf("file=%s,if=none,id=%s,format=%s", disk.Path, id, format)
	if disk.Readonly || disk.CDROM {
		driveArgs += ",readonly=on"
	}
	b.args = append(b.args, "-drive", driveArgs)
	if disk.CDROM {
		b.args = append(b.args, "-device", fmt.Sprintf("scsi-cd,drive=%s", id))
	} else {
		b.args = append(b.args, "-device", fmt.Sprintf("virtio-blk-pci,drive=%s", id))
	}
	return b
}

// NICConfig is a guest network interface backed by a host tap device.
type NICConfig struct {
	Tap string
	MAC string
}

// addNIC adds a virtio NIC attached to an existing, persistent tap device:
//
//	-netdev tap,id=<id>,ifname=<tap>,script=no,downscript=no
//	-device virtio-net-pci,netdev=<id>,mac=<mac>
func (b *qemuCommandBuilder) addNIC(id string, nic NICConfig) *qemuCommandBuilder {
	b.args = append(b.args,
		"-netdev", fmt.Sprintf("tap,id=%s,ifname=%s,script=no,downscript=no", id, nic.Tap),
		"-device", fmt.Sprintf("virtio-net-pci,netdev=%s,mac=%s", id, nic.MAC),
	)
	return b
}

// build returns the complete command-line arguments.
func (b *qemuCommandBuilder) build() []string {
	return b.args
}
