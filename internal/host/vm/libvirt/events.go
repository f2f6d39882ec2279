package libvirt

import (
	golibvirt "github.com/digitalocean/go-libvirt"

	"github.com/spin-stack/spinvm/internal/host/vm"
)

// stateFromDomain maps a virDomainState.
func stateFromDomain(state golibvirt.DomainState) vm.State {
	switch state {
	case golibvirt.DomainRunning, golibvirt.DomainBlocked:
		return vm.StateRunning
	case golibvirt.DomainPaused, golibvirt.DomainPmsuspended:
		return vm.StateSuspended
	case golibvirt.DomainShutdown:
		return vm.StateStopping
	case golibvirt.DomainShutoff:
		return vm.StateOff
	default:
		return vm.StateUnknown
	}
}

// translateLifecycle maps a lifecycle event onto a state report. Defined,
// undefined and similar bookkeeping events report nothing.
func translateLifecycle(msg golibvirt.DomainEventLifecycleMsg) (vm.Event, bool) {
	ev := vm.Event{Instance: string(msg.Dom.Name)}
	switch golibvirt.DomainEventType(msg.Event) {
	case golibvirt.DomainEventStarted, golibvirt.DomainEventResumed:
		ev.State = vm.StateRunning
	case golibvirt.DomainEventSuspended, golibvirt.DomainEventPmsuspended:
		ev.State = vm.StateSuspended
	case golibvirt.DomainEventShutdown:
		ev.State = vm.StateStopping
	case golibvirt.DomainEventStopped:
		ev.State = vm.StateOff
	case golibvirt.DomainEventCrashed:
		ev.State = vm.StateUnknown
	default:
		return vm.Event{}, false
	}
	return ev, true
}
