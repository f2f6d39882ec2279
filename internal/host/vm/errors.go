package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// StateInvalidError is returned when an operation is not valid in the
// instance's current state.
type StateInvalidError struct {
	Name  string
	Op    string
	State State
}

func (e *StateInvalidError) Error() string {
	return fmt.Sprintf("cannot %s instance %q while it is %s", e.Op, e.Name, e.State)
}

func (e *StateInvalidError) Is(target error) bool {
	return target == errdefs.ErrFailedPrecondition
}

// StateIdempotentError is returned when the requested state already holds.
// It is informational rather than a fault.
type StateIdempotentError struct {
	Name  string
	Op    string
	State State
}

func (e *StateIdempotentError) Error() string {
	return fmt.Sprintf("instance %q is already %s", e.Name, e.State)
}

func (e *StateIdempotentError) Is(target error) bool {
	return target == errdefs.ErrNotModified
}

// CapabilityError is returned before reaching the backend when it cannot
// perform an operation in the current state.
type CapabilityError struct {
	Backend string
	Op      string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s backend does not support %s", e.Backend, e.Op)
}

func (e *CapabilityError) Is(target error) bool {
	return target == errdefs.ErrNotImplemented
}

// StartError reports a failed start and carries the backend cause.
type StartError struct {
	Name string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start instance %q: %v", e.Name, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// NetworkDiscoveryError is returned when the guest address could not be
// determined. It is distinct from StartError: the guest may be running.
type NetworkDiscoveryError struct {
	Name string
	Err  error
}

func (e *NetworkDiscoveryError) Error() string {
	return fmt.Sprintf("failed to determine the address of instance %q: %v", e.Name, e.Err)
}

func (e *NetworkDiscoveryError) Unwrap() []error {
	return []error{errdefs.ErrUnavailable, e.Err}
}

// HealthCategory classifies a failed hypervisor health check.
type HealthCategory int

const (
	HealthNotInstalled HealthCategory = iota
	HealthNotPermitted
	HealthIncompatible
)

func (c HealthCategory) String() string {
	switch c {
	case HealthNotInstalled:
		return "not installed"
	case HealthNotPermitted:
		return "not permitted"
	case HealthIncompatible:
		return "incompatible"
	}
	return "unknown"
}

// HealthCheckError reports why a hypervisor cannot be used.
type HealthCheckError struct {
	Backend  string
	Category HealthCategory
	Detail   string
	Err      error
}

func (e *HealthCheckError) Error() string {
	msg := fmt.Sprintf("%s hypervisor %s: %s", e.Backend, e.Category, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HealthCheckError) Unwrap() []error {
	var category error
	switch e.Category {
	case HealthNotInstalled:
		category = errdefs.ErrNotFound
	case HealthNotPermitted:
		category = errdefs.ErrPermissionDenied
	default:
		category = errdefs.ErrFailedPrecondition
	}
	if e.Err == nil {
		return []error{category}
	}
	return []error{category, e.Err}
}

// ResultCode classifies a backend failure.
type ResultCode int

const (
	CodeFailed ResultCode = iota
	CodeNotFound
	CodeInvalidState
	CodeUnsupported
	CodePermissionDenied
	CodeBusy
	CodeTimeout
	CodeInvalidArgument
	CodeAlreadyExists
)

func (c ResultCode) String() string {
	switch c {
	case CodeNotFound:
		return "not found"
	case CodeInvalidState:
		return "invalid state"
	case CodeUnsupported:
		return "unsupported"
	case CodePermissionDenied:
		return "permission denied"
	case CodeBusy:
		return "busy"
	case CodeTimeout:
		return "timeout"
	case CodeInvalidArgument:
		return "invalid argument"
	case CodeAlreadyExists:
		return "already exists"
	}
	return "failed"
}

// OperationError is the uniform failure every Backend method returns. A
// nil error is success. Native failures are translated at the backend
// boundary so that callers never need backend-specific knowledge.
type OperationError struct {
	Backend   string
	Op        string
	Instance  string
	Code      ResultCode
	Message   string
	Retryable bool
	Err       error
}

func (e *OperationError) Error() string {
	msg := e.Backend + ": " + e.Op
	if e.Instance != "" {
		msg += " " + e.Instance
	}
	msg += ": " + e.Code.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() []error {
	errs := []error{}
	if sentinel := e.Code.sentinel(); sentinel != nil {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (c ResultCode) sentinel() error {
	switch c {
	case CodeNotFound:
		return errdefs.ErrNotFound
	case CodeInvalidState:
		return errdefs.ErrFailedPrecondition
	case CodeUnsupported:
		return errdefs.ErrNotImplemented
	case CodePermissionDenied:
		return errdefs.ErrPermissionDenied
	case CodeBusy:
		return errdefs.ErrUnavailable
	case CodeTimeout:
		return context.DeadlineExceeded
	case CodeInvalidArgument:
		return errdefs.ErrInvalidArgument
	case CodeAlreadyExists:
		return errdefs.ErrAlreadyExists
	}
	return nil
}

// codeOf derives a result code from an arbitrary error.
func codeOf(err error) ResultCode {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errdefs.IsDeadlineExceeded(err):
		return CodeTimeout
	case errdefs.IsNotFound(err):
		return CodeNotFound
	case errdefs.IsFailedPrecondition(err):
		return CodeInvalidState
	case errdefs.IsNotImplemented(err):
		return CodeUnsupported
	case errdefs.IsPermissionDenied(err):
		return CodePermissionDenied
	case errdefs.IsUnavailable(err), errdefs.IsResourceExhausted(err):
		return CodeBusy
	case errdefs.IsInvalidArgument(err):
		return CodeInvalidArgument
	case errdefs.IsAlreadyExists(err):
		return CodeAlreadyExists
	}
	return CodeFailed
}

// Fail wraps err into an OperationError for backend op on instance. An
// existing OperationError is returned unchanged. Busy and timeout failures
// are retryable.
func Fail(backend, op, instance string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return err
	}
	code := codeOf(err)
	return &OperationError{
		Backend:   backend,
		Op:        op,
		Instance:  instance,
		Code:      code,
		Retryable: code == CodeBusy || code == CodeTimeout,
		Err:       err,
	}
}

// IsRetryable reports whether err is a transient backend failure.
func IsRetryable(err error) bool {
	var oe *OperationError
	return errors.As(err, &oe) && oe.Retryable
}
