//go:build linux

package qemu

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/spinvm/internal/memsize"
)

// memoryAlignment is the granularity of pc-dimm hotplug.
const memoryAlignment = 128 * memsize.MiB

// memorySizeSummary matches query-memory-size-summary.
type memorySizeSummary struct {
	BaseMemory    int64 `json:"base-memory"`
	PluggedMemory int64 `json:"plugged-memory"`
}

func (s *memorySizeSummary) total() int64 {
	return s.BaseMemory + s.PluggedMemory
}

// QueryMemorySizeSummary returns boot and hotplugged memory.
func (q *qmpClient) QueryMemorySizeSummary(ctx context.Context) (*memorySizeSummary, error) {
	return qmpQuery[*memorySizeSummary](q, ctx, "query-memory-size-summary")
}

// HotplugMemory adds size bytes as a pc-dimm in slot. size must be a
// multiple of memoryAlignment.
func (q *qmpClient) HotplugMemory(ctx context.Context, slot int, size memsize.Size) error {
	if size <= 0 || size%memoryAlignment != 0 {
		return fmt.Errorf("memory hotplug size must be a positive multiple of %s, got %s: %w",
			memoryAlignment, size, errdefs.ErrInvalidArgument)
	}

	backendID, dimmID := memoryDeviceIDs(slot)

	before, err := q.QueryMemorySizeSummary(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Warn("qemu: failed to query memory before hotplug")
	}

	log.G(ctx).WithFields(log.Fields{
		"slot":    slot,
		"size":    size.String(),
		"backend": backendID,
	}).Debug("qemu: hotplugging memory")

	if err := q.ObjectAdd(ctx, "memory-backend-ram", backendID, map[string]any{"size": size.Bytes()}); err != nil {
		return fmt.Errorf("failed to create memory backend: %w", err)
	}
	if err := q.DeviceAdd(ctx, "pc-dimm", map[string]any{"id": dimmID, "memdev": backendID}); err != nil {
		if delErr := q.ObjectDel(ctx, backendID); delErr != nil {
			log.G(ctx).WithError(delErr).Warn("qemu: failed to clean up memory backend after device_add failure")
		}
		return fmt.Errorf("failed to hotplug memory device: %w", err)
	}

	if before != nil {
		if after, err := q.QueryMemorySizeSummary(ctx); err == nil && after.total() <= before.total() {
			return fmt.Errorf("device_add did not increase memory size")
		}
	}
	return nil
}

// UnplugMemory removes the dimm in slot. The guest must release the memory
// first; the backend object is removed on a best-effort basis.
func (q *qmpClient) UnplugMemory(ctx context.Context, slot int) error {
	backendID, dimmID := memoryDeviceIDs(slot)

	if err := q.DeviceDelete(ctx, dimmID); err != nil {
		return fmt.Errorf("failed to unplug memory device: %w", err)
	}
	if err := q.ObjectDel(ctx, backendID); err != nil {
		log.G(ctx).WithError(err).WithField("backend", backendID).Warn("qemu: failed to delete memory backend")
	}
	return nil
}

func memoryDeviceIDs(slot int) (backendID, dimmID string) {
	return fmt.Sprintf("mem%d", slot), fmt.Sprintf("dimm%d", slot)
}
