//go:build linux

package qemu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/host/disk"
	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/memsize"
	"github.com/spin-stack/spinvm/internal/process"
)

const (
	consoleLogName = "console.log"
	qemuLogName    = "qemu.log"
)

// dimm is a hotplugged memory device.
type dimm struct {
	slot int
	size memsize.Size
}

// instance is the backend's view of one defined guest.
//
// Thread safety: all fields are guarded by mu. The QEMU process is watched
// by a supervise goroutine which clears proc and qmp when it exits.
type instance struct {
	mu    sync.Mutex
	desc  vm.Description
	chain *disk.Chain

	// Boot topology, fixed while the process runs.
	bootCPUs   int
	bootMemory memsize.Size
	maxCPUs    int
	maxMemory  memsize.Size

	// Live topology including hotplugged devices.
	cpus     int
	memory   memsize.Size
	dimms    []dimm
	nextSlot int

	proc *process.Process
	qmp  *qmpClient

	// powerdownTimer terminates QEMU when a graceful stop is ignored.
	powerdownTimer *time.Timer
}

func newInstance(desc vm.Description, imager disk.Imager) *instance {
	inst := &instance{}
	inst.define(desc, imager)
	return inst
}

// define replaces the definition. The boot topology only changes while the
// guest is off.
func (inst *instance) define(desc vm.Description, imager disk.Imager) {
	inst.desc = desc
	inst.chain = disk.NewChain(imager, desc.ImagePath)
	if !inst.running() {
		inst.setBootTopology(desc.NumCores, desc.MemSize)
	}
}

func (inst *instance) setBootTopology(cpus int, memory memsize.Size) {
	inst.bootCPUs, inst.cpus = cpus, cpus
	inst.bootMemory, inst.memory = memory, memory
	inst.dimms = nil
	inst.nextSlot = 0
}

func (inst *instance) running() bool {
	return inst.proc != nil && inst.proc.Running()
}

func (inst *instance) stopPowerdownTimer() {
	if inst.powerdownTimer != nil {
		inst.powerdownTimer.Stop()
		inst.powerdownTimer = nil
	}
}

// trailingDimms returns how many of the most recently plugged dimms add up to
// exactly size, or -1.
func (inst *instance) trailingDimms(size memsize.Size) int {
	var sum memsize.Size
	for i := len(inst.dimms) - 1; i >= 0; i-- {
		sum += inst.dimms[i].size
		if sum == size {
			return len(inst.dimms) - i
		}
		if sum > size {
			break
		}
	}
	return -1
}

func pidFilePath(socketPath string) string {
	return strings.TrimSuffix(socketPath, filepath.Ext(socketPath)) + ".pid"
}

func writePidFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o640)
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// ownsSocket reports whether pid is a QEMU process serving socketPath.
// Pids are recycled, so a pid file alone is not proof.
func ownsSocket(pid int, socketPath string) bool {
	cmdline, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return false
	}
	return bytes.Contains(cmdline, []byte(socketPath))
}

// logTail returns the last bytes of a log file for error messages.
func logTail(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := max(info.Size()-limit, 0)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func removeIfExists(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.G(ctx).WithError(err).WithField("path", path).Debug("qemu: failed to remove runtime file")
	}
}
