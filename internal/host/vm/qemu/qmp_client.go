//go:build linux

package qemu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	qmpapi "github.com/digitalocean/go-qemu/qmp"
)

const qmpDefaultTimeout = 5 * time.Second

// qmpEvent is an asynchronous notification from QEMU.
type qmpEvent = qmpapi.Event

// qmpClient speaks the QEMU Machine Protocol over an instance's control
// socket.
//
// Thread safety: qmpClient is safe for concurrent use. Commands are serialized
// by the underlying SocketMonitor and the closed flag is atomic.
//
// Lifecycle: create with newQMPClient and close with Close. The eventLoop
// goroutine runs until Close is called or the monitor disconnects.
type qmpClient struct {
	monitor *qmpapi.SocketMonitor
	events  <-chan qmpEvent
	onEvent func(name string, data map[string]any)

	closed         atomic.Bool
	commandTimeout time.Duration

	// eventLoopDone is closed when the eventLoop goroutine exits.
	eventLoopDone chan struct{}
}

type qmpResponse struct {
	Return any             `json:"return,omitempty"`
	Error  *qmpError       `json:"error,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   map[string]any  `json:"data,omitempty"`
}

type qmpError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// qmpStatus matches the response from the query-status command.
type qmpStatus struct {
	Status     string `json:"status"`
	Singlestep bool   `json:"singlestep"`
	Running    bool   `json:"running"`
}

// newQMPClient connects to the socket at socketPath, negotiates
// capabilities and starts delivering asynchronous events to onEvent. exited
// aborts the wait for the socket when the QEMU process dies first.
func newQMPClient(ctx context.Context, socketPath string, timeout time.Duration, exited <-chan struct{}, onEvent func(string, map[string]any)) (*qmpClient, error) {
	if timeout <= 0 {
		timeout = qmpDefaultTimeout
	}
	if err := waitForSocket(ctx, socketPath, socketWaitTimeout, exited); err != nil {
		return nil, fmt.Errorf("QMP socket not available: %w", err)
	}

	monitor, err := qmpapi.NewSocketMonitor("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to QMP socket: %w", err)
	}

	if err := monitor.Connect(); err != nil {
		_ = monitor.Disconnect()
		return nil, fmt.Errorf("failed to negotiate QMP capabilities: %w", err)
	}

	if monitor.Version != nil {
		log.G(ctx).WithFields(log.Fields{
			"major": monitor.Version.QEMU.Major,
			"minor": monitor.Version.QEMU.Minor,
			"micro": monitor.Version.QEMU.Micro,
		}).Debug("qemu: connected to QMP")
	}

	eventCtx := context.WithoutCancel(ctx)
	events, err := monitor.Events(eventCtx)
	if err != nil && !errors.Is(err, qmpapi.ErrEventsNotSupported) {
		_ = monitor.Disconnect()
		return nil, fmt.Errorf("failed to subscribe to QMP events: %w", err)
	}

	q := &qmpClient{
		monitor:        monitor,
		events:         events,
		onEvent:        onEvent,
		commandTimeout: timeout,
		eventLoopDone:  make(chan struct{}),
	}
	go q.eventLoop(eventCtx)

	return q, nil
}

// socketWaitTimeout bounds how long QEMU may take to create its QMP socket.
const socketWaitTimeout = 10 * time.Second

// waitForSocket waits for a Unix socket to appear.
func waitForSocket(ctx context.Context, socketPath string, timeout time.Duration, exited <-chan struct{}) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(socketPath); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("qemu exited before creating %s: %w", socketPath, errdefs.ErrUnavailable)
		case <-deadline.C:
			return fmt.Errorf("timeout waiting for socket %s: %w", socketPath, context.DeadlineExceeded)
		case <-ticker.C:
		}
	}
}

// execute sends a QMP command and waits for the response.
func (q *qmpClient) execute(ctx context.Context, command string, args map[string]any) (*qmpResponse, error) {
	if err := q.checkClosed(); err != nil {
		return nil, err
	}

	cmd := qmpapi.Command{Execute: command}
	// QEMU rejects "arguments": null.
	if args != nil {
		cmd.Args = args
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QMP command %s: %w", command, err)
	}

	type result struct {
		resp *qmpResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := q.monitor.Run(payload)
		if err != nil {
			done <- result{err: err}
			return
		}
		var resp qmpResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			done <- result{err: fmt.Errorf("failed to parse QMP response for %s: %w", command, err)}
			return
		}
		if resp.Error != nil {
			done <- result{err: qmpErrorFor(resp.Error)}
			return
		}
		done <- result{resp: &resp}
	}()

	timer := time.NewTimer(q.commandTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("QMP command %s: %w", command, r.err)
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timeout (%v) waiting for QMP response to %s: %w", q.commandTimeout, command, context.DeadlineExceeded)
	}
}

// qmpErrorFor classifies a QMP error reply.
func qmpErrorFor(e *qmpError) error {
	var kind error
	switch e.Class {
	case "CommandNotFound":
		kind = errdefs.ErrNotImplemented
	case "DeviceNotFound":
		kind = errdefs.ErrNotFound
	case "DeviceNotActive", "KVMMissingCap":
		kind = errdefs.ErrFailedPrecondition
	default:
		kind = errdefs.ErrUnknown
	}
	return fmt.Errorf("%s: %s: %w", e.Class, e.Desc, kind)
}

// qmpQuery sends a query command and decodes its return value into T.
func qmpQuery[T any](q *qmpClient, ctx context.Context, command string) (T, error) {
	var result T
	resp, err := q.execute(ctx, command, nil)
	if err != nil {
		return result, err
	}
	if resp.Return == nil {
		return result, nil
	}
	raw, err := json.Marshal(resp.Return)
	if err != nil {
		return result, fmt.Errorf("failed to marshal %s response: %w", command, err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("failed to parse %s response: %w", command, err)
	}
	return result, nil
}

// SendCtrlAltDelete sends the CTRL+ALT+DELETE key sequence to the guest.
func (q *qmpClient) SendCtrlAltDelete(ctx context.Context) error {
	keys := []any{
		map[string]any{"type": "qcode", "data": "ctrl"},
		map[string]any{"type": "qcode", "data": "alt"},
		map[string]any{"type": "qcode", "data": "delete"},
	}
	_, err := q.execute(ctx, "send-key", map[string]any{"keys": keys})
	return err
}

// Powerdown asks the guest to shut down through ACPI.
func (q *qmpClient) Powerdown(ctx context.Context) error {
	_, err := q.execute(ctx, "system_powerdown", nil)
	return err
}

// Quit instructs QEMU to exit immediately.
func (q *qmpClient) Quit(ctx context.Context) error {
	_, err := q.execute(ctx, "quit", nil)
	return err
}

// Stop pauses guest execution.
func (q *qmpClient) Stop(ctx context.Context) error {
	_, err := q.execute(ctx, "stop", nil)
	return err
}

// Cont resumes guest execution.
func (q *qmpClient) Cont(ctx context.Context) error {
	_, err := q.execute(ctx, "cont", nil)
	return err
}

// QueryStatus returns the run state (running, paused, shutdown, ...).
func (q *qmpClient) QueryStatus(ctx context.Context) (*qmpStatus, error) {
	return qmpQuery[*qmpStatus](q, ctx, "query-status")
}

// DeviceAdd hotplugs a device.
func (q *qmpClient) DeviceAdd(ctx context.Context, driver string, args map[string]any) error {
	arguments := map[string]any{"driver": driver}
	maps.Copy(arguments, args)
	_, err := q.execute(ctx, "device_add", arguments)
	return err
}

// DeviceDelete removes a device.
func (q *qmpClient) DeviceDelete(ctx context.Context, deviceID string) error {
	_, err := q.execute(ctx, "device_del", map[string]any{"id": deviceID})
	return err
}

// ObjectAdd adds a QOM object such as a memory backend.
func (q *qmpClient) ObjectAdd(ctx context.Context, qomType, objID string, args map[string]any) error {
	arguments := map[string]any{
		"qom-type": qomType,
		"id":       objID,
	}
	maps.Copy(arguments, args)
	_, err := q.execute(ctx, "object-add", arguments)
	return err
}

// ObjectDel removes a QOM object.
func (q *qmpClient) ObjectDel(ctx context.Context, objID string) error {
	_, err := q.execute(ctx, "object-del", map[string]any{"id": objID})
	return err
}

// Close disconnects from QEMU. It marks the client closed first so that no
// new commands start, then waits briefly for the event loop to drain.
func (q *qmpClient) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := q.monitor.Disconnect()

	select {
	case <-q.eventLoopDone:
	case <-time.After(100 * time.Millisecond):
	}
	return err
}

func (q *qmpClient) checkClosed() error {
	if q.closed.Load() {
		return fmt.Errorf("QMP client closed: %w", errdefs.ErrUnavailable)
	}
	return nil
}
