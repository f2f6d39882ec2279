// Package qemu implements the qemu VM backend. Each instance runs as a
// supervised qemu-system process controlled over QMP, with its disk managed
// as a qcow2 chain and its NIC attached to a tap on the host bridge.
//
// The backend is only built on Linux; importing the package elsewhere
// registers nothing.
package qemu
