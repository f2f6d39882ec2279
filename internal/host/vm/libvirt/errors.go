package libvirt

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	golibvirt "github.com/digitalocean/go-libvirt"
)

// classify attaches an errdefs category to a libvirt RPC error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var lerr golibvirt.Error
	if !errors.As(err, &lerr) {
		return err
	}

	var kind error
	switch golibvirt.ErrorNumber(lerr.Code) {
	case golibvirt.ErrNoDomain, golibvirt.ErrNoDomainSnapshot:
		kind = errdefs.ErrNotFound
	case golibvirt.ErrOperationInvalid:
		kind = errdefs.ErrFailedPrecondition
	case golibvirt.ErrNoSupport, golibvirt.ErrOperationUnsupported:
		kind = errdefs.ErrNotImplemented
	case golibvirt.ErrOperationDenied, golibvirt.ErrAuthFailed:
		kind = errdefs.ErrPermissionDenied
	case golibvirt.ErrOperationTimeout, golibvirt.ErrSystemError:
		kind = errdefs.ErrUnavailable
	case golibvirt.ErrInvalidArg:
		kind = errdefs.ErrInvalidArgument
	case golibvirt.ErrDomExist:
		kind = errdefs.ErrAlreadyExists
	default:
		return err
	}
	return fmt.Errorf("%w: %w", err, kind)
}
