package vm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/spinvm/internal/memsize"
)

func TestStateNames(t *testing.T) {
	for s, name := range stateNames {
		parsed, err := ParseState(name)
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
		assert.Equal(t, name, s.String())
	}

	_, err := ParseState("hibernating")
	assert.True(t, errdefs.IsInvalidArgument(err))
	assert.Equal(t, "state(42)", State(42).String())
}

func TestStateJSON(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateOff, `"off"`},
		{StateRunning, `"running"`},
		{StateDelayedShutdown, `"delayed_shutdown"`},
		{StateStopping, `"stopping"`},
		{State(99), `"unknown"`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(tt.state)
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(data))
	}

	decode := []struct {
		in   string
		want State
	}{
		{`"suspended"`, StateSuspended},
		{`3`, StateRunning},
		{`99`, StateUnknown},
		{`"napping"`, StateUnknown},
	}
	for _, tt := range decode {
		var s State
		require.NoError(t, json.Unmarshal([]byte(tt.in), &s), tt.in)
		assert.Equal(t, tt.want, s, tt.in)
	}

	var s State
	assert.True(t, errdefs.IsInvalidArgument(json.Unmarshal([]byte(`{}`), &s)))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateOff, StateStarting))
	assert.True(t, CanTransition(StateRunning, StateUnknown))
	assert.True(t, CanTransition(StateSuspended, StateSuspended))
	assert.False(t, CanTransition(StateOff, StateStopping))
	assert.False(t, CanTransition(StateOff, StateSuspended))
	assert.False(t, CanTransition(StateSuspending, StateDelayedShutdown))
}

func TestSpecsEqualAndClone(t *testing.T) {
	s := Specs{
		NumCores:          2,
		MemSize:           memsize.GiB,
		DiskSpace:         5 * memsize.GiB,
		DefaultMACAddress: "52:54:00:00:00:01",
		ExtraInterfaces:   []NetworkInterface{{ID: "eth1", MACAddress: "52:54:00:00:00:02", AutoMode: true}},
		SSHUsername:       "ubuntu",
		Mounts:            map[string]Mount{"/src": {SourcePath: "/home/src", UIDMappings: []IDMap{{Host: 1000, Guest: -1}}}},
		Metadata:          map[string]any{"arguments": []any{"-cpu", "host"}},
	}

	c := s.Clone()
	assert.True(t, s.Equal(c))

	c.Mounts["/src"].UIDMappings[0] = IDMap{Host: 1, Guest: 1}
	assert.Equal(t, 1000, s.Mounts["/src"].UIDMappings[0].Host)
	assert.False(t, s.Equal(c))

	c = s.Clone()
	c.ExtraInterfaces[0].AutoMode = false
	assert.False(t, s.Equal(c))

	c = s.Clone()
	c.Metadata["arguments"] = []any{"-cpu", "max"}
	assert.False(t, s.Equal(c))

	empty := Specs{NumCores: 1, Mounts: map[string]Mount{}}
	assert.True(t, empty.Equal(Specs{NumCores: 1}))
}

func TestSpecsJSONRecord(t *testing.T) {
	data := []byte(`{
		"num_cores": 2,
		"mem_size": "1073741824",
		"disk_space": "5368709120",
		"mac_addr": "52:54:00:00:00:01",
		"extra_interfaces": [],
		"ssh_username": "",
		"state": 3,
		"mounts": {},
		"deleted": false,
		"metadata": {}
	}`)
	var s Specs
	require.NoError(t, json.Unmarshal(data, &s))
	s.Normalize()

	assert.Equal(t, StateRunning, s.State)
	assert.Equal(t, memsize.GiB, s.MemSize)

	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"state":"running"`)
	assert.Equal(t, DefaultSSHUsername, s.SSHUsername)
	assert.False(t, s.IsGhost())
	assert.True(t, Specs{}.IsGhost())
}

func TestDescriptionValidate(t *testing.T) {
	valid := Description{
		Name:              "primary",
		NumCores:          1,
		MemSize:           memsize.GiB,
		DiskSpace:         5 * memsize.GiB,
		DefaultMACAddress: "52:54:00:00:00:01",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Description)
	}{
		{"leading digit", func(d *Description) { d.Name = "1vm" }},
		{"trailing hyphen", func(d *Description) { d.Name = "vm-" }},
		{"underscore", func(d *Description) { d.Name = "my_vm" }},
		{"no cpus", func(d *Description) { d.NumCores = 0 }},
		{"tiny memory", func(d *Description) { d.MemSize = 64 * memsize.MiB }},
		{"tiny disk", func(d *Description) { d.DiskSpace = 100 * memsize.MiB }},
		{"no mac", func(d *Description) { d.DefaultMACAddress = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := valid
			tc.mutate(&d)
			assert.True(t, errdefs.IsInvalidArgument(d.Validate()))
		})
	}
}

func TestOperationError(t *testing.T) {
	err := Fail("qemu", "start", "vm1", errdefs.ErrNotFound)
	var oe *OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, CodeNotFound, oe.Code)
	assert.False(t, oe.Retryable)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Equal(t, "qemu: start vm1: not found: not found", err.Error())

	assert.Same(t, err, Fail("libvirt", "stop", "vm1", err))
	assert.NoError(t, Fail("qemu", "start", "vm1", nil))

	assert.True(t, IsRetryable(Fail("qemu", "stop", "vm1", context.DeadlineExceeded)))
	assert.True(t, IsRetryable(Fail("qemu", "stop", "vm1", errdefs.ErrUnavailable)))
	assert.False(t, IsRetryable(Fail("qemu", "stop", "vm1", errors.New("segfault"))))
	assert.False(t, IsRetryable(errdefs.ErrUnavailable))

	timeout := Fail("qemu", "stop", "vm1", context.DeadlineExceeded)
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
}

func TestTypedErrors(t *testing.T) {
	invalid := &StateInvalidError{Name: "vm1", Op: "suspend", State: StateOff}
	assert.Equal(t, `cannot suspend instance "vm1" while it is off`, invalid.Error())
	assert.True(t, errdefs.IsFailedPrecondition(invalid))

	idem := &StateIdempotentError{Name: "vm1", Op: "start", State: StateRunning}
	assert.True(t, errdefs.IsNotModified(idem))

	capErr := &CapabilityError{Backend: "vz", Op: "suspend"}
	assert.True(t, errdefs.IsNotImplemented(capErr))

	cause := errors.New("no such image")
	startErr := &StartError{Name: "vm1", Err: cause}
	assert.ErrorIs(t, startErr, cause)
}
