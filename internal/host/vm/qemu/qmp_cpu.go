//go:build linux

package qemu

import (
	"context"
	"fmt"
	"maps"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

// cpuInfo is one entry of query-cpus-fast.
type cpuInfo struct {
	CPUIndex int    `json:"cpu-index"`
	QOMPath  string `json:"qom-path"`
	ThreadID int    `json:"thread-id"`
}

// hotpluggableCPU describes an available CPU hotplug slot.
type hotpluggableCPU struct {
	Type       string         `json:"type"`
	QOMPath    string         `json:"qom-path"`
	Props      map[string]any `json:"props"`
	VCPUsCount int            `json:"vcpus-count"`
}

// QueryCPUs returns the guest's vCPUs.
func (q *qmpClient) QueryCPUs(ctx context.Context) ([]cpuInfo, error) {
	return qmpQuery[[]cpuInfo](q, ctx, "query-cpus-fast")
}

// QueryHotpluggableCPUs returns the CPU slots, plugged or not.
func (q *qmpClient) QueryHotpluggableCPUs(ctx context.Context) ([]hotpluggableCPU, error) {
	return qmpQuery[[]hotpluggableCPU](q, ctx, "query-hotpluggable-cpus")
}

// HotplugCPU adds vCPU cpuID to the running guest.
func (q *qmpClient) HotplugCPU(ctx context.Context, cpuID int) error {
	beforeCount := -1
	if cpus, err := q.QueryCPUs(ctx); err == nil {
		beforeCount = len(cpus)
	}

	slots, err := q.QueryHotpluggableCPUs(ctx)
	if err != nil {
		return fmt.Errorf("query hotpluggable cpus: %w", err)
	}
	match := matchHotpluggableCPU(slots, cpuID)
	if match == nil {
		return fmt.Errorf("no free CPU slot for cpu %d: %w", cpuID, errdefs.ErrResourceExhausted)
	}

	args := map[string]any{"id": cpuDeviceID(cpuID)}
	maps.Copy(args, match.Props)

	log.G(ctx).WithFields(log.Fields{
		"cpu_id": cpuID,
		"driver": match.Type,
		"props":  match.Props,
	}).Debug("qemu: hotplugging vCPU")

	if err := q.DeviceAdd(ctx, match.Type, args); err != nil {
		return err
	}

	if beforeCount >= 0 {
		if cpus, err := q.QueryCPUs(ctx); err == nil && len(cpus) <= beforeCount {
			return fmt.Errorf("device_add did not increase CPU count")
		}
	}
	return nil
}

// UnplugCPU removes a previously hotplugged vCPU. The guest must support CPU
// hot-unplug and release the CPU.
func (q *qmpClient) UnplugCPU(ctx context.Context, cpuID int) error {
	log.G(ctx).WithField("cpu_id", cpuID).Debug("qemu: unplugging vCPU")
	return q.DeviceDelete(ctx, cpuDeviceID(cpuID))
}

func cpuDeviceID(cpuID int) string {
	return fmt.Sprintf("cpu%d", cpuID)
}

// matchHotpluggableCPU finds a free slot, preferring the one whose core-id
// equals cpuID. Slots with a QOM path are already plugged.
func matchHotpluggableCPU(cpus []hotpluggableCPU, cpuID int) *hotpluggableCPU {
	var fallback *hotpluggableCPU
	for i := range cpus {
		if cpus[i].QOMPath != "" || cpus[i].Props == nil {
			continue
		}
		if coreID, ok := intFromProp(cpus[i].Props["core-id"]); ok && coreID == cpuID {
			return &cpus[i]
		}
		if fallback == nil {
			fallback = &cpus[i]
		}
	}
	return fallback
}

// intFromProp extracts an integer from a JSON-decoded value.
func intFromProp(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	default:
		return 0, false
	}
}
