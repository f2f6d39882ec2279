//go:build linux

package qemu

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const qmpBanner = `{"QMP":{"version":{"qemu":{"major":8,"minor":2,"micro":2},"package":""},"capabilities":[]}}`

// fakeQMP serves one QMP connection. Replies are looked up by command name;
// events queued for a command are written after its reply.
type fakeQMP struct {
	replies map[string]string
	events  map[string][]string
	seen    chan string
}

func (f *fakeQMP) serve(t *testing.T, l net.Listener) {
	t.Helper()
	conn, err := l.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	writeLine := func(s string) {
		_, _ = w.WriteString(s + "\n")
		_ = w.Flush()
	}
	writeLine(qmpBanner)

	// Commands are not newline terminated, so read them as a JSON stream.
	dec := json.NewDecoder(conn)
	for {
		var cmd struct {
			Execute string `json:"execute"`
		}
		if err := dec.Decode(&cmd); err != nil {
			return
		}
		select {
		case f.seen <- cmd.Execute:
		default:
		}
		reply, ok := f.replies[cmd.Execute]
		if !ok {
			reply = `{"return":{}}`
		}
		writeLine(reply)
		for _, ev := range f.events[cmd.Execute] {
			writeLine(ev)
		}
	}
}

func startFakeQMP(t *testing.T, f *fakeQMP) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "vm.qmp")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	if f.seen == nil {
		f.seen = make(chan string, 16)
	}
	go f.serve(t, l)
	return sock
}

func TestQMPClientCommandsAndEvents(t *testing.T) {
	ctx := t.Context()
	fake := &fakeQMP{
		replies: map[string]string{
			"query-status": `{"return":{"status":"paused","singlestep":false,"running":false}}`,
		},
		events: map[string][]string{
			"system_powerdown": {
				`{"event":"POWERDOWN","timestamp":{"seconds":1,"microseconds":0}}`,
				`{"event":"SHUTDOWN","data":{"guest":true,"reason":"guest-shutdown"},"timestamp":{"seconds":2,"microseconds":0}}`,
			},
		},
	}
	sock := startFakeQMP(t, fake)

	got := make(chan string, 4)
	client, err := newQMPClient(ctx, sock, time.Second, nil, func(name string, _ map[string]any) {
		got <- name
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	status, err := client.QueryStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "paused", status.Status)
	assert.False(t, status.Running)
	assert.Equal(t, "qmp_capabilities", <-fake.seen)
	assert.Equal(t, "query-status", <-fake.seen)

	require.NoError(t, client.Powerdown(ctx))
	for _, want := range []string{"POWERDOWN", "SHUTDOWN"} {
		select {
		case name := <-got:
			assert.Equal(t, want, name)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %s not delivered", want)
		}
	}

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "close is idempotent")
	err = client.Cont(ctx)
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestNewQMPClientProcessExited(t *testing.T) {
	exited := make(chan struct{})
	close(exited)

	_, err := newQMPClient(t.Context(), filepath.Join(t.TempDir(), "missing.qmp"), time.Second, exited, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestWaitForSocket(t *testing.T) {
	dir := t.TempDir()

	t.Run("timeout", func(t *testing.T) {
		err := waitForSocket(t.Context(), filepath.Join(dir, "never.qmp"), 100*time.Millisecond, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		err := waitForSocket(ctx, filepath.Join(dir, "never.qmp"), time.Second, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("appears", func(t *testing.T) {
		sock := filepath.Join(dir, "later.qmp")
		listener := make(chan net.Listener, 1)
		go func() {
			time.Sleep(100 * time.Millisecond)
			l, _ := net.Listen("unix", sock)
			listener <- l
		}()
		require.NoError(t, waitForSocket(t.Context(), sock, 2*time.Second, nil))
		if l := <-listener; l != nil {
			_ = l.Close()
		}
	})
}

func TestQMPErrorFor(t *testing.T) {
	tests := []struct {
		class string
		is    func(error) bool
	}{
		{class: "CommandNotFound", is: errdefs.IsNotImplemented},
		{class: "DeviceNotFound", is: errdefs.IsNotFound},
		{class: "DeviceNotActive", is: errdefs.IsFailedPrecondition},
		{class: "KVMMissingCap", is: errdefs.IsFailedPrecondition},
		{class: "GenericError", is: errdefs.IsUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			err := qmpErrorFor(&qmpError{Class: tt.class, Desc: "boom"})
			assert.True(t, tt.is(err))
			assert.Contains(t, err.Error(), "boom")
		})
	}
}
