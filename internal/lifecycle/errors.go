// Package lifecycle coordinates multi-phase teardown of instance resources.
// This file defines the phase identifiers and the error types collected while
// running them.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCleanupIncomplete indicates that at least one cleanup phase failed.
var ErrCleanupIncomplete = errors.New("cleanup incomplete")

// Phase identifies one step of instance resource teardown.
type Phase string

const (
	PhaseStopProcess     Phase = "stop_process"
	PhaseVMDefinition    Phase = "vm_definition"
	PhaseNetworkEndpoint Phase = "network_endpoint"
	PhaseAddress         Phase = "address"
	PhaseSnapshots       Phase = "snapshots"
	PhaseCloudInit       Phase = "cloud_init"
	PhaseInstanceImage   Phase = "instance_image"
	PhaseInstanceDir     Phase = "instance_dir"
)

// PhaseError records which phase failed and why.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("cleanup failed at %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Result collects the outcome of every phase that ran.
//
//nolint:errname // Result is a container that can be returned as an error
type Result struct {
	Completed []Phase
	Errors    []*PhaseError
}

// Add records a phase outcome. A nil error marks the phase as completed.
func (r *Result) Add(phase Phase, err error) {
	if err != nil {
		r.Errors = append(r.Errors, &PhaseError{Phase: phase, Err: err})
		return
	}
	r.Completed = append(r.Completed, phase)
}

// HasErrors reports whether any phase failed.
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *Result) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("cleanup completed with errors: %s", strings.Join(msgs, "; "))
}

// Is lets callers match a failed result against ErrCleanupIncomplete.
func (r *Result) Is(target error) bool {
	return target == ErrCleanupIncomplete && r.HasErrors()
}

// Unwrap exposes the individual phase errors to errors.Is and errors.As.
func (r *Result) Unwrap() []error {
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errs
}

// AsError returns nil when every phase succeeded.
func (r *Result) AsError() error {
	if !r.HasErrors() {
		return nil
	}
	return r
}

// FailedPhases lists the phases that returned an error, in execution order.
func (r *Result) FailedPhases() []Phase {
	phases := make([]Phase, 0, len(r.Errors))
	for _, e := range r.Errors {
		phases = append(phases, e.Phase)
	}
	return phases
}
