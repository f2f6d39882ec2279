//go:build linux

package qemu

import (
	"context"

	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/host/vm"
)

// qmpEventHandler logs a QMP event and returns the state report it implies.
// ok is false for events that do not change the instance state.
type qmpEventHandler func(logger *log.Entry, data map[string]any) (ev vm.Event, ok bool)

// qmpEventHandlers maps event names to their handlers.
// Events not in this map are logged at debug level with no special processing.
var qmpEventHandlers = map[string]qmpEventHandler{
	"SHUTDOWN": func(logger *log.Entry, data map[string]any) (vm.Event, bool) {
		logger.WithField("reason", qmpStringField(data, "reason")).Info("qemu: guest initiated shutdown")
		return vm.Event{State: vm.StateStopping}, true
	},
	"POWERDOWN": func(logger *log.Entry, data map[string]any) (vm.Event, bool) {
		logger.Info("qemu: ACPI powerdown event received")
		return vm.Event{}, false
	},
	"RESET": func(logger *log.Entry, data map[string]any) (vm.Event, bool) {
		logger.Warn("qemu: guest reset/reboot detected")
		return vm.Event{State: vm.StateRestarting, Reset: true}, true
	},
	"STOP": func(logger *log.Entry, data map[string]any) (vm.Event, bool) {
		logger.Debug("qemu: VM execution paused")
		return vm.Event{State: vm.StateSuspended}, true
	},
	"RESUME": func(logger *log.Entry, data map[string]any) (vm.Event, bool) {
		logger.Debug("qemu: VM execution resumed")
		return vm.Event{State: vm.StateRunning}, true
	},
	"DEVICE_DELETED": func(logger *log.Entry, data map[string]any) (vm.Event, bool) {
		logger.WithField("device", qmpStringField(data, "device")).Debug("qemu: device removed")
		return vm.Event{}, false
	},
	"NIC_RX_FILTER_CHANGED": func(logger *log.Entry, data map[string]any) (vm.Event, bool) {
		logger.WithField("nic", qmpStringField(data, "name")).Debug("qemu: NIC RX filter changed")
		return vm.Event{}, false
	},
	"WATCHDOG": func(logger *log.Entry, data map[string]any) (vm.Event, bool) {
		logger.WithField("action", qmpStringField(data, "action")).Warn("qemu: watchdog timer expired")
		return vm.Event{}, false
	},
	"GUEST_PANICKED": func(logger *log.Entry, data map[string]any) (vm.Event, bool) {
		logger.Error("qemu: guest kernel panic detected")
		return vm.Event{State: vm.StateUnknown}, true
	},
	"BLOCK_IO_ERROR": func(logger *log.Entry, data map[string]any) (vm.Event, bool) {
		logger.WithFields(log.Fields{
			"device":    qmpStringField(data, "device"),
			"operation": qmpStringField(data, "operation"),
		}).Error("qemu: block I/O error")
		return vm.Event{}, false
	},
}

func qmpStringField(data map[string]any, key string) string {
	if data == nil {
		return "unknown"
	}
	if value, ok := data[key].(string); ok {
		return value
	}
	return "unknown"
}

// translateEvent logs a QMP event for instance and returns the state report
// to forward, if any.
func translateEvent(ctx context.Context, instance, name string, data map[string]any) (vm.Event, bool) {
	logger := log.G(ctx).WithFields(log.Fields{
		"instance": instance,
		"event":    name,
		"data":     data,
	})

	handler, ok := qmpEventHandlers[name]
	if !ok {
		logger.Debug("qemu: QMP event received")
		return vm.Event{}, false
	}
	ev, ok := handler(logger, data)
	if !ok {
		return vm.Event{}, false
	}
	ev.Instance = instance
	return ev, true
}

// eventLoop forwards asynchronous events until the monitor disconnects or
// the client is closed. It closes eventLoopDone on exit.
func (q *qmpClient) eventLoop(ctx context.Context) {
	defer close(q.eventLoopDone)

	if q.events == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q.events:
			if !ok || q.closed.Load() {
				return
			}
			if q.onEvent != nil {
				q.onEvent(ev.Event, ev.Data)
			}
		}
	}
}
