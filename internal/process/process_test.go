//go:build linux

package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestRun(t *testing.T) {
	requireBinary(t, "sh")

	out, err := Run(context.Background(), "sh", "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	_, err = Run(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	_, err = Run(context.Background(), "/nonexistent/spinvm-binary")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestStartAndWait(t *testing.T) {
	requireBinary(t, "sh")

	logPath := filepath.Join(t.TempDir(), "child.log")
	p, err := Start(context.Background(), Spec{
		Program: "sh",
		Args:    []string{"-c", "echo started"},
		LogPath: logPath,
	})
	require.NoError(t, err)
	assert.Positive(t, p.Pid())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	assert.False(t, p.Running())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "started\n", string(data))
}

func TestStartOutlivesContext(t *testing.T) {
	requireBinary(t, "sleep")

	ctx, cancel := context.WithCancel(context.Background())
	p, err := Start(ctx, Spec{Program: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	cancel()

	time.Sleep(100 * time.Millisecond)
	assert.True(t, p.Running())

	require.NoError(t, p.Stop(context.Background(), time.Second))
	assert.False(t, p.Running())
}

func TestStopEscalatesToKill(t *testing.T) {
	requireBinary(t, "sh")

	p, err := Start(context.Background(), Spec{
		Program: "sh",
		Args:    []string{"-c", "trap '' TERM; sleep 30"},
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, p.Stop(context.Background(), 200*time.Millisecond))
	assert.False(t, p.Running())
}

func TestFromPID(t *testing.T) {
	requireBinary(t, "sleep")

	child, err := Start(context.Background(), Spec{Program: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	adopted, err := FromPID(context.Background(), child.Pid())
	require.NoError(t, err)
	assert.True(t, adopted.Running())

	require.NoError(t, adopted.Signal(syscall.SIGKILL))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	<-child.Done()
	require.NoError(t, ctx.Err())

	select {
	case <-adopted.Done():
	case <-ctx.Done():
		t.Fatal("adopted process exit not observed")
	}

	_, err = FromPID(context.Background(), 0)
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestAppArmorConfiner(t *testing.T) {
	c := AppArmorConfiner{Profile: "spinvm-qemu"}
	program, args := c.Wrap("/usr/bin/qemu-system-x86_64", []string{"-nographic"})
	assert.Equal(t, "aa-exec", program)
	assert.Equal(t, "-p spinvm-qemu -- /usr/bin/qemu-system-x86_64 -nographic", strings.Join(args, " "))
	assert.Equal(t, "apparmor:spinvm-qemu", c.Name())

	assert.IsType(t, NoConfiner{}, ConfinerFor(""))
	program, args = ConfinerFor("").Wrap("qemu-img", []string{"info"})
	assert.Equal(t, "qemu-img", program)
	assert.Equal(t, []string{"info"}, args)
}
