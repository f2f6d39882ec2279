// Package process spawns and supervises helper processes: hypervisors,
// qemu-img, dnsmasq and ISO builders. Long-running children are started in
// their own process group, detached from the caller's context, and can be
// wrapped by a Confiner such as AppArmor.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// Spec describes a child process.
type Spec struct {
	Program string
	Args    []string
	Dir     string
	// Env is appended to the daemon's environment.
	Env []string
	// LogPath receives stdout and stderr. Empty discards output.
	LogPath string
	// ExtraFiles are inherited starting at fd 3.
	ExtraFiles []*os.File
	// Confiner wraps the command line. Nil runs unconfined.
	Confiner Confiner
}

func (s Spec) commandLine() (string, []string) {
	if s.Confiner == nil {
		return s.Program, s.Args
	}
	return s.Confiner.Wrap(s.Program, s.Args)
}

// Process is a supervised child.
type Process struct {
	pid     int
	program string
	cmd     *exec.Cmd
	logFile *os.File

	done    chan struct{}
	mu      sync.Mutex
	exitErr error
}

// Start launches spec. The child outlives ctx: cancelling the request that
// started a hypervisor must not kill it.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	program, args := spec.commandLine()

	//nolint:gosec // program and args are built by the daemon, not by callers.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), program, args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.ExtraFiles = spec.ExtraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	var logFile *os.File
	if spec.LogPath != "" {
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open process log %s: %w", spec.LogPath, err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to start %s: %w", program, errors.Join(err, errdefs.ErrNotFound))
		}
		return nil, fmt.Errorf("failed to start %s: %w", program, err)
	}

	p := &Process{
		pid:     cmd.Process.Pid,
		program: program,
		cmd:     cmd,
		logFile: logFile,
		done:    make(chan struct{}),
	}

	log.G(ctx).WithFields(log.Fields{
		"pid":     p.pid,
		"program": program,
		"args":    strings.Join(args, " "),
	}).Debug("process started")

	go p.monitor(ctx)
	return p, nil
}

func (p *Process) monitor(ctx context.Context) {
	err := p.cmd.Wait()
	if err != nil {
		log.G(ctx).WithError(err).WithField("pid", p.pid).Debug("process exited")
	}
	if p.logFile != nil {
		_ = p.logFile.Close()
	}

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

// pollInterval bounds how quickly an adopted process's exit is noticed.
const pollInterval = 200 * time.Millisecond

// FromPID adopts a process started by a previous daemon instance. Exit is
// detected by polling because the process is not our child.
func FromPID(ctx context.Context, pid int) (*Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d: %w", pid, errdefs.ErrInvalidArgument)
	}
	if !alive(pid) {
		return nil, fmt.Errorf("process %d: %w", pid, errdefs.ErrNotFound)
	}

	p := &Process{
		pid:  pid,
		done: make(chan struct{}),
	}
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for range ticker.C {
			if !alive(pid) {
				close(p.done)
				return
			}
		}
	}()

	log.G(ctx).WithField("pid", pid).Debug("adopted running process")
	return p, nil
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.pid
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Running reports whether the process has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitError returns the error from Wait once the process has exited.
func (p *Process) ExitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.ExitError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal delivers sig to the process. Signalling an exited process is not an error.
func (p *Process) Signal(sig syscall.Signal) error {
	if !p.Running() {
		return nil
	}
	if err := unix.Kill(p.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to signal pid %d: %w", p.pid, err)
	}
	return nil
}

// Stop sends SIGTERM and escalates to SIGKILL if the process has not exited
// after grace.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
	if !p.Running() {
		return nil
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	log.G(ctx).WithField("pid", p.pid).Warn("process did not exit after SIGTERM, sending SIGKILL")
	if err := p.Signal(syscall.SIGKILL); err != nil {
		return err
	}

	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := p.Wait(killCtx); errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("pid %d still running after SIGKILL: %w", p.pid, err)
	}
	return nil
}

// Runner runs one-shot commands and returns their combined output.
type Runner interface {
	Run(ctx context.Context, program string, args ...string) ([]byte, error)
}

// ExecRunner is the Runner backed by os/exec.
type ExecRunner struct {
	Confiner Confiner
}

// Run executes program to completion. A non-zero exit status is returned as
// an error carrying the trimmed output.
func (r ExecRunner) Run(ctx context.Context, program string, args ...string) ([]byte, error) {
	spec := Spec{Program: program, Args: args, Confiner: r.Confiner}
	name, argv := spec.commandLine()

	//nolint:gosec // program and args are built by the daemon, not by callers.
	cmd := exec.CommandContext(ctx, name, argv...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log.G(ctx).WithFields(log.Fields{"program": name, "args": strings.Join(argv, " ")}).Trace("running command")

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return out.Bytes(), fmt.Errorf("%s: %w", program, errors.Join(err, errdefs.ErrNotFound))
		}
		return out.Bytes(), fmt.Errorf("%s %s: %w: %s", program, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.Bytes(), nil
}

// Run executes program with the default runner.
func Run(ctx context.Context, program string, args ...string) ([]byte, error) {
	return ExecRunner{}.Run(ctx, program, args...)
}
