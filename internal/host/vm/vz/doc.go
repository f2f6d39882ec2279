// Package vz implements the VM backend on macOS Virtualization.framework.
// Guests run inside the daemon process, boot from EFI with a raw disk and
// join the vmnet shared network, whose DHCP server (bootpd) is the source
// of guest addresses.
//
// Only the lease parsing and disk snapshot helpers build on other
// platforms.
package vz
