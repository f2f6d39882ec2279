//go:build linux

package qemu

import (
	"os"
	"runtime"
)

// aarch64Firmware lists the usual UEFI firmware locations on arm64 hosts.
var aarch64Firmware = []string{
	"/usr/share/AAVMF/AAVMF_CODE.fd",
	"/usr/share/qemu-efi-aarch64/QEMU_EFI.fd",
	"/usr/share/edk2/aarch64/QEMU_EFI.fd",
}

// machineType returns the -machine value for the host architecture.
func machineType() (string, []string) {
	if runtime.GOARCH == "arm64" {
		return "virt", []string{"accel=kvm", "gic-version=host"}
	}
	return "q35", []string{"accel=kvm"}
}

// defaultFirmware returns the firmware to boot with, or "" when QEMU's
// built-in BIOS is used.
func defaultFirmware() string {
	if runtime.GOARCH != "arm64" {
		return ""
	}
	for _, path := range aarch64Firmware {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
