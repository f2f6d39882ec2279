//go:build linux

package qemu

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/process"
)

// Shutdown timing constants.
const (
	// shutdownQMPTimeout is the timeout for QMP commands during shutdown.
	shutdownQMPTimeout = 2 * time.Second

	// shutdownQuitWait is how long to wait for QEMU to exit after quit.
	shutdownQuitWait = 2 * time.Second

	// shutdownKillWait is how long to wait for process to exit after SIGKILL.
	shutdownKillWait = 2 * time.Second
)

// requestPowerdown asks the guest to power off through ACPI, falling back to
// CTRL+ALT+DELETE when the powerdown command fails. It does not wait.
func requestPowerdown(ctx context.Context, logger *log.Entry, qmp *qmpClient) error {
	if qmp == nil {
		return fmt.Errorf("no QMP connection: %w", errdefs.ErrUnavailable)
	}

	// The caller's context may already be short; shutdown gets its own budget.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownQMPTimeout)
	defer cancel()

	logger.Info("qemu: sending ACPI powerdown via QMP")
	if err := qmp.Powerdown(shutdownCtx); err != nil {
		logger.WithError(err).Debug("qemu: ACPI powerdown failed, trying CTRL+ALT+DELETE")
		if err := qmp.SendCtrlAltDelete(shutdownCtx); err != nil {
			return fmt.Errorf("failed to request guest powerdown: %w", err)
		}
	}
	return nil
}

// terminate makes QEMU exit immediately: quit over QMP, then SIGKILL.
func terminate(ctx context.Context, logger *log.Entry, proc *process.Process, qmp *qmpClient) error {
	if proc == nil || !proc.Running() {
		return nil
	}

	if qmp != nil {
		logger.Debug("qemu: sending quit command to QEMU")
		quitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownQMPTimeout)
		err := qmp.Quit(quitCtx)
		cancel()
		if err != nil {
			logger.WithError(err).Debug("qemu: failed to send quit command")
		} else {
			select {
			case <-proc.Done():
				logger.Info("qemu: process exited after quit command")
				return nil
			case <-time.After(shutdownQuitWait):
				logger.Warn("qemu: quit command timeout, sending SIGKILL")
			}
		}
	}

	logger.Warn("qemu: sending SIGKILL to process")
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill QEMU process: %w", err)
	}

	select {
	case <-proc.Done():
		return nil
	case <-time.After(shutdownKillWait):
		logger.Error("qemu: process did not exit after SIGKILL")
		return fmt.Errorf("pid %d did not exit after SIGKILL: %w", proc.Pid(), errdefs.ErrUnavailable)
	}
}

// closeAndLog closes a resource and logs any error. Nil closers are skipped.
func closeAndLog(logger *log.Entry, name string, closer io.Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.WithError(err).WithField("resource", name).Debug("error closing resource")
	}
}
