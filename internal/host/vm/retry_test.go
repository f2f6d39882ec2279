package vm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/host/vm/fake"
)

func definedFake(t *testing.T) *fake.Backend {
	t.Helper()
	b := fake.New()
	require.NoError(t, b.Define(context.Background(), vm.Description{Name: "vm1", NumCores: 1}))
	return b
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("retryable failures are retried", func(t *testing.T) {
		b := definedFake(t)
		b.FailNext("start", errdefs.ErrUnavailable)
		b.FailNext("start", context.DeadlineExceeded)

		r := vm.WithRetry(b, 3, time.Millisecond)
		require.NoError(t, r.Start(ctx, "vm1"))
		assert.Equal(t, 3, b.CallCount("start"))
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		b := definedFake(t)
		for range 5 {
			b.FailNext("pause", errdefs.ErrUnavailable)
		}

		r := vm.WithRetry(b, 3, time.Millisecond)
		err := r.Pause(ctx, "vm1")
		assert.True(t, vm.IsRetryable(err))
		assert.Equal(t, 3, b.CallCount("pause"))
	})

	t.Run("permanent failures surface at once", func(t *testing.T) {
		b := definedFake(t)
		b.FailNext("start", errors.New("missing firmware"))

		r := vm.WithRetry(b, 3, time.Millisecond)
		err := r.Start(ctx, "vm1")
		var oe *vm.OperationError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, vm.CodeFailed, oe.Code)
		assert.Equal(t, 1, b.CallCount("start"))
	})

	t.Run("single attempt is unwrapped", func(t *testing.T) {
		b := fake.New()
		assert.Same(t, vm.Backend(b), vm.WithRetry(b, 1, time.Second))
	})

	t.Run("events pass through", func(t *testing.T) {
		r := vm.WithRetry(fake.New(), 2, time.Millisecond)
		src, ok := r.(vm.EventSource)
		require.True(t, ok)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := src.Events(ctx)
		require.NoError(t, err)
		require.NotNil(t, ch)
	})
}
