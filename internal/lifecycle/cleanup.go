package lifecycle

import (
	"context"
	"slices"
	"sync"

	"github.com/containerd/log"
)

// CleanupFunc releases one kind of resource. It must be safe to call when the
// resource is already gone.
type CleanupFunc func(ctx context.Context) error

type cleanupPhase struct {
	name Phase
	fn   CleanupFunc
	done bool
}

// phaseOrder is the dependency order of teardown. A running hypervisor
// process holds the definition, the definition references endpoints and
// images, and everything lives under the instance directory.
var phaseOrder = []Phase{
	PhaseStopProcess,
	PhaseVMDefinition,
	PhaseNetworkEndpoint,
	PhaseAddress,
	PhaseSnapshots,
	PhaseCloudInit,
	PhaseInstanceImage,
	PhaseInstanceDir,
}

// Orchestrator runs registered cleanup phases in dependency order. Every
// registered phase is attempted even if an earlier one fails, and each phase
// runs at most once.
//
// The same orchestrator serves two callers: instance creation registers
// phases as it allocates resources and executes on failure, and resource
// removal registers everything up front.
type Orchestrator struct {
	mu     sync.Mutex
	phases map[Phase]*cleanupPhase
}

// NewOrchestrator returns an orchestrator with no registered phases.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{phases: make(map[Phase]*cleanupPhase)}
}

// Register sets the cleanup function for a phase, replacing any earlier one.
// Registering an unknown phase panics.
func (o *Orchestrator) Register(phase Phase, fn CleanupFunc) {
	if !slices.Contains(phaseOrder, phase) {
		panic("lifecycle: unknown cleanup phase " + string(phase))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases[phase] = &cleanupPhase{name: phase, fn: fn}
}

// Execute runs every registered phase that has not run yet.
func (o *Orchestrator) Execute(ctx context.Context) *Result {
	return o.executeFrom(ctx, 0)
}

// ExecuteFrom runs registered phases starting at the given phase.
func (o *Orchestrator) ExecuteFrom(ctx context.Context, start Phase) *Result {
	idx := slices.Index(phaseOrder, start)
	if idx < 0 {
		idx = 0
	}
	return o.executeFrom(ctx, idx)
}

func (o *Orchestrator) executeFrom(ctx context.Context, startIdx int) *Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	result := &Result{}
	logger := log.G(ctx)

	for _, name := range phaseOrder[startIdx:] {
		phase, ok := o.phases[name]
		if !ok || phase.fn == nil || phase.done {
			continue
		}

		logger.WithField("phase", string(name)).Debug("cleanup: executing phase")
		phase.done = true
		result.Add(name, phase.fn(ctx))
	}

	if result.HasErrors() {
		logger.WithField("failed_phases", result.FailedPhases()).Warn("cleanup completed with errors")
	} else {
		logger.Debug("cleanup completed successfully")
	}
	return result
}

// CompletedPhases returns the phases that have run, in dependency order.
func (o *Orchestrator) CompletedPhases() []Phase {
	o.mu.Lock()
	defer o.mu.Unlock()

	var done []Phase
	for _, name := range phaseOrder {
		if p, ok := o.phases[name]; ok && p.done {
			done = append(done, name)
		}
	}
	return done
}
