//go:build linux

package qemu

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/spinvm/internal/host/disk"
	"github.com/spin-stack/spinvm/internal/host/network"
	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/memsize"
)

// jsonImager keeps image metadata as JSON so chains work without qemu-img.
type jsonImager struct{}

type jsonImage struct {
	Format  disk.Format `json:"format"`
	Size    int64       `json:"size"`
	Backing string      `json:"backing"`
}

func (jsonImager) read(path string) (*jsonImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var img jsonImage
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (jsonImager) write(path string, img *jsonImage) error {
	data, err := json.Marshal(img)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (j jsonImager) Info(_ context.Context, path string) (*disk.ImageInfo, error) {
	img, err := j.read(path)
	if err != nil {
		return nil, err
	}
	return &disk.ImageInfo{Filename: path, Format: img.Format, VirtualSize: img.Size, FullBackingFilename: img.Backing}, nil
}

func (j jsonImager) Create(_ context.Context, path string, format disk.Format, size memsize.Size, backing string) error {
	return j.write(path, &jsonImage{Format: format, Size: size.Bytes(), Backing: backing})
}

func (j jsonImager) Convert(_ context.Context, src, dst string, format disk.Format) error {
	img, err := j.read(src)
	if err != nil {
		return err
	}
	img.Format, img.Backing = format, ""
	return j.write(dst, img)
}

func (j jsonImager) Resize(_ context.Context, path string, size memsize.Size) error {
	img, err := j.read(path)
	if err != nil {
		return err
	}
	img.Size = size.Bytes()
	return j.write(path, img)
}

func (j jsonImager) Rebase(_ context.Context, path, backing string, _ bool) error {
	img, err := j.read(path)
	if err != nil {
		return err
	}
	img.Backing = backing
	return j.write(path, img)
}

func (jsonImager) Commit(context.Context, string) error { return nil }

// stubNetwork records endpoints and hands out fixed addresses.
type stubNetwork struct {
	endpoints map[string]string
	leases    map[string]network.IPAddress
}

func newStubNetwork() *stubNetwork {
	return &stubNetwork{endpoints: map[string]string{}, leases: map[string]network.IPAddress{}}
}

func (s *stubNetwork) Setup(context.Context) error { return nil }

func (s *stubNetwork) CreateEndpoint(_ context.Context, instance, mac string) (*network.Endpoint, error) {
	s.endpoints[instance] = mac
	return &network.Endpoint{Instance: instance, Tap: network.TapName(instance), MAC: mac}, nil
}

func (s *stubNetwork) DeleteEndpoint(_ context.Context, instance string) error {
	delete(s.endpoints, instance)
	return nil
}

func (s *stubNetwork) LookupIPv4(_ context.Context, mac string) (network.IPAddress, error) {
	ip, ok := s.leases[mac]
	if !ok {
		return network.IPAddress{}, errdefs.ErrNotFound
	}
	return ip, nil
}

func (s *stubNetwork) Metrics() network.MetricsSnapshot { return network.MetricsSnapshot{} }

func (s *stubNetwork) Close(context.Context) error { return nil }

type stubRunner struct {
	out []byte
	err error
}

func (r stubRunner) Run(context.Context, string, ...string) ([]byte, error) {
	return r.out, r.err
}

func newTestBackend(t *testing.T) (*Backend, *stubNetwork) {
	t.Helper()
	net := newStubNetwork()
	b := New(Options{
		QemuPath:   "/usr/bin/qemu-system-x86_64",
		RuntimeDir: t.TempDir(),
		Firmware:   "/fw.fd",
		MaxCPUs:    8,
		Imager:     jsonImager{},
		Network:    net,
		Runner:     stubRunner{},
	})
	return b, net
}

func testDesc(t *testing.T) vm.Description {
	t.Helper()
	dir := t.TempDir()
	desc := vm.Description{
		Name:              "vm1",
		NumCores:          2,
		MemSize:           memsize.GiB,
		DiskSpace:         5 * memsize.GiB,
		InstanceDir:       dir,
		ImagePath:         filepath.Join(dir, vm.DiskImageName),
		CloudInitISO:      filepath.Join(dir, "cloud-init-config.iso"),
		DefaultMACAddress: "52:54:00:12:34:56",
	}
	require.NoError(t, jsonImager{}.Create(context.Background(), desc.ImagePath, disk.FormatQCOW2, desc.DiskSpace, ""))
	return desc
}

// flagValues returns every value following flag in args.
func flagValues(args []string, flag string) []string {
	var out []string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			out = append(out, args[i+1])
		}
	}
	return out
}

func TestStateFromStatus(t *testing.T) {
	tests := map[string]vm.State{
		"running":        vm.StateRunning,
		"paused":         vm.StateSuspended,
		"suspended":      vm.StateSuspended,
		"prelaunch":      vm.StateStarting,
		"inmigrate":      vm.StateStarting,
		"shutdown":       vm.StateStopping,
		"internal-error": vm.StateUnknown,
		"guest-panicked": vm.StateUnknown,
		"":               vm.StateUnknown,
	}
	for status, want := range tests {
		assert.Equal(t, want, stateFromStatus(status), status)
	}
}

func TestBackendDescribesItself(t *testing.T) {
	b, _ := newTestBackend(t)

	assert.Equal(t, "qemu", b.Name())
	caps := b.Capabilities()
	assert.True(t, caps.Pause)
	assert.True(t, caps.LiveCPUResize)
	assert.True(t, caps.LiveMemoryResize)
	assert.True(t, caps.Events)
	assert.False(t, caps.LiveSnapshot)
}

func TestDefineAndState(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)
	desc := testDesc(t)

	_, err := b.State(ctx, desc.Name)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	var oe *vm.OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, vm.CodeNotFound, oe.Code)

	require.NoError(t, b.Define(ctx, desc))
	st, err := b.State(ctx, desc.Name)
	require.NoError(t, err)
	assert.Equal(t, vm.StateOff, st)

	// Redefining replaces the definition.
	desc.NumCores = 4
	require.NoError(t, b.Define(ctx, desc))
	assert.Equal(t, []string{"4"}, flagValues(b.commandLine(b.lookup(desc.Name)), "-smp"))

	require.NoError(t, b.Undefine(ctx, desc.Name))
	require.NoError(t, b.Undefine(ctx, desc.Name), "undefining an unknown instance is not an error")
	_, err = b.State(ctx, desc.Name)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDefineRequiresImage(t *testing.T) {
	b, _ := newTestBackend(t)
	desc := testDesc(t)
	desc.ImagePath = ""

	err := b.Define(context.Background(), desc)
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestDefineRejectsExtraInterfaces(t *testing.T) {
	b, _ := newTestBackend(t)
	desc := testDesc(t)
	desc.ExtraInterfaces = []vm.NetworkInterface{{ID: "br-lan", MACAddress: "52:54:00:00:00:02", AutoMode: true}}

	err := b.Define(context.Background(), desc)
	require.Error(t, err)
	var capErr *vm.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.True(t, errdefs.IsNotImplemented(err))
	assert.Nil(t, b.lookup("vm1"))
}

func TestDefineRemovesStalePidFile(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)
	desc := testDesc(t)

	pidFile := pidFilePath(b.socketPath(desc.Name))
	require.NoError(t, writePidFile(pidFile, os.Getpid()))

	require.NoError(t, b.Define(ctx, desc))

	_, err := os.Stat(pidFile)
	assert.ErrorIs(t, err, os.ErrNotExist, "our own pid does not serve the instance socket")
	st, err := b.State(ctx, desc.Name)
	require.NoError(t, err)
	assert.Equal(t, vm.StateOff, st)
}

func TestCommandLine(t *testing.T) {
	b, _ := newTestBackend(t)
	desc := testDesc(t)
	require.NoError(t, b.Define(context.Background(), desc))

	inst := b.lookup(desc.Name)
	inst.maxCPUs = 8
	inst.maxMemory = 4 * memsize.GiB
	args := b.commandLine(inst)

	assert.Equal(t, []string{"vm1,process=spinvm-vm1"}, flagValues(args, "-name"))
	assert.Equal(t, []string{"2,maxcpus=8"}, flagValues(args, "-smp"))
	assert.Equal(t, []string{"1024,slots=8,maxmem=4096M"}, flagValues(args, "-m"))
	assert.Equal(t, []string{"/fw.fd"}, flagValues(args, "-bios"))
	assert.Equal(t, []string{"none"}, flagValues(args, "-display"))
	assert.Equal(t, []string{"file:" + filepath.Join(desc.InstanceDir, consoleLogName)}, flagValues(args, "-serial"))
	assert.Equal(t, []string{
		"file=" + desc.ImagePath + ",if=none,id=disk0,format=qcow2",
		"file=" + desc.CloudInitISO + ",if=none,id=seed,format=raw,readonly=on",
	}, flagValues(args, "-drive"))
	assert.Equal(t, []string{"tap,id=net0,ifname=" + network.TapName("vm1") + ",script=no,downscript=no"}, flagValues(args, "-netdev"))
	assert.Contains(t, flagValues(args, "-device"), "virtio-net-pci,netdev=net0,mac=52:54:00:12:34:56")
	assert.Contains(t, flagValues(args, "-device"), "scsi-cd,drive=seed")
	assert.Equal(t, []string{"unix:" + b.socketPath("vm1") + ",server=on,wait=off"}, flagValues(args, "-qmp"))
}

func TestOfflineResizeChangesBootTopology(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)
	desc := testDesc(t)
	require.NoError(t, b.Define(ctx, desc))

	require.NoError(t, b.SetCPUs(ctx, desc.Name, 6))
	require.NoError(t, b.SetMemory(ctx, desc.Name, 2*memsize.GiB))

	args := b.commandLine(b.lookup(desc.Name))
	assert.Equal(t, []string{"6"}, flagValues(args, "-smp"))
	assert.Equal(t, []string{"2048"}, flagValues(args, "-m"))

	err := b.SetCPUs(ctx, desc.Name, 0)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestLiveOperationsRequireRunningGuest(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)
	desc := testDesc(t)
	require.NoError(t, b.Define(ctx, desc))

	for name, op := range map[string]func() error{
		"pause":  func() error { return b.Pause(ctx, desc.Name) },
		"resume": func() error { return b.Resume(ctx, desc.Name) },
	} {
		err := op()
		require.Error(t, err, name)
		assert.True(t, errdefs.IsFailedPrecondition(err), name)
	}

	assert.NoError(t, b.Stop(ctx, desc.Name, false), "stopping an off guest is a no-op")
	assert.NoError(t, b.Stop(ctx, desc.Name, true))
}

func TestSnapshotsFollowDiskChain(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)
	desc := testDesc(t)
	require.NoError(t, b.Define(ctx, desc))

	require.NoError(t, b.CaptureSnapshot(ctx, desc.Name, "snapshot1"))
	head := filepath.Join(desc.InstanceDir, "head.qcow2")
	drives := flagValues(b.commandLine(b.lookup(desc.Name)), "-drive")
	assert.Contains(t, drives[0], "file="+head+",")

	require.NoError(t, b.ApplySnapshot(ctx, desc.Name, "snapshot1"))
	require.NoError(t, b.EraseSnapshot(ctx, desc.Name, "snapshot1"))

	err := b.ApplySnapshot(ctx, desc.Name, "snapshot1")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	drives = flagValues(b.commandLine(b.lookup(desc.Name)), "-drive")
	assert.Contains(t, drives[0], "file="+desc.ImagePath+",")
}

func TestPrepareImage(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)
	dir := t.TempDir()
	im := jsonImager{}

	raw := filepath.Join(dir, "src.raw")
	require.NoError(t, im.Create(ctx, raw, disk.FormatRaw, memsize.GiB, ""))
	dst := filepath.Join(dir, "disk.img")
	require.NoError(t, b.PrepareImage(ctx, raw, dst))
	info, err := im.Info(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, disk.FormatQCOW2, info.Format)

	qcow := filepath.Join(dir, "src.qcow2")
	require.NoError(t, im.Create(ctx, qcow, disk.FormatQCOW2, 2*memsize.GiB, ""))
	require.NoError(t, b.PrepareImage(ctx, qcow, dst), "preparing twice overwrites the copy")
	info, err = im.Info(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, (2 * memsize.GiB).Bytes(), info.VirtualSize)
	_, err = os.Stat(qcow)
	assert.NoError(t, err, "source is left in place")
}

func TestResizeAndCloneDisk(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)
	src := testDesc(t)
	require.NoError(t, b.Define(ctx, src))
	require.NoError(t, b.ResizeDisk(ctx, src, 8*memsize.GiB))

	dst := testDesc(t)
	dst.Name = "vm1-clone1"
	require.NoError(t, os.Remove(dst.ImagePath))
	require.NoError(t, b.CloneDisk(ctx, src, dst))
	info, err := jsonImager{}.Info(ctx, dst.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, (8 * memsize.GiB).Bytes(), info.VirtualSize)

	// With snapshots the clone is flattened.
	require.NoError(t, b.CaptureSnapshot(ctx, src.Name, "snapshot1"))
	require.NoError(t, os.Remove(dst.ImagePath))
	require.NoError(t, b.CloneDisk(ctx, src, dst))
	info, err = jsonImager{}.Info(ctx, dst.ImagePath)
	require.NoError(t, err)
	assert.Empty(t, info.Backing())
}

func TestEndpointsAndAddress(t *testing.T) {
	ctx := context.Background()
	b, net := newTestBackend(t)
	desc := testDesc(t)
	require.NoError(t, b.Define(ctx, desc))

	require.NoError(t, b.CreateEndpoint(ctx, desc.Name, desc.DefaultMACAddress))
	assert.Equal(t, desc.DefaultMACAddress, net.endpoints[desc.Name])

	_, err := b.ManagementIPv4(ctx, desc.Name)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	net.leases[desc.DefaultMACAddress] = network.MustParseIPAddress("10.77.0.5")
	ip, err := b.ManagementIPv4(ctx, desc.Name)
	require.NoError(t, err)
	assert.Equal(t, "10.77.0.5", ip.String())

	require.NoError(t, b.DeleteEndpoint(ctx, desc.Name))
	assert.Empty(t, net.endpoints)
}

func TestWithoutNetwork(t *testing.T) {
	ctx := context.Background()
	b := New(Options{RuntimeDir: t.TempDir(), Imager: jsonImager{}})
	desc := testDesc(t)
	require.NoError(t, b.Define(ctx, desc))

	err := b.CreateEndpoint(ctx, desc.Name, desc.DefaultMACAddress)
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.NoError(t, b.DeleteEndpoint(ctx, desc.Name))
	_, err = b.ManagementIPv4(ctx, desc.Name)
	assert.True(t, errdefs.IsNotImplemented(err))
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	binary := filepath.Join(dir, "qemu-system-x86_64")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755))
	kvm := filepath.Join(dir, "kvm")
	require.NoError(t, os.WriteFile(kvm, nil, 0o600))

	tests := []struct {
		name     string
		opts     Options
		category vm.HealthCategory
		ok       bool
	}{
		{
			name: "healthy",
			opts: Options{QemuPath: binary, KVMDevice: kvm, Runner: stubRunner{out: []byte("QEMU emulator version 8.2.2\n")}},
			ok:   true,
		},
		{
			name:     "binary missing",
			opts:     Options{QemuPath: filepath.Join(dir, "missing"), KVMDevice: kvm, Runner: stubRunner{}},
			category: vm.HealthNotInstalled,
		},
		{
			name:     "no kvm",
			opts:     Options{QemuPath: binary, KVMDevice: filepath.Join(dir, "nokvm"), Runner: stubRunner{}},
			category: vm.HealthIncompatible,
		},
		{
			name:     "binary broken",
			opts:     Options{QemuPath: binary, KVMDevice: kvm, Runner: stubRunner{err: assert.AnError}},
			category: vm.HealthIncompatible,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.opts).HealthCheck(ctx)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			var he *vm.HealthCheckError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tt.category, he.Category)
			var oe *vm.OperationError
			assert.ErrorAs(t, err, &oe)
		})
	}
}

func TestEventsFanOut(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())

	first, err := b.Events(ctx)
	require.NoError(t, err)
	second, err := b.Events(ctx)
	require.NoError(t, err)

	b.eventHandler(ctx, "vm1")("RESET", nil)

	for _, ch := range []<-chan vm.Event{first, second} {
		ev := <-ch
		assert.Equal(t, vm.Event{Instance: "vm1", State: vm.StateRestarting, Reset: true}, ev)
	}

	cancel()
	for _, ch := range []<-chan vm.Event{first, second} {
		for range ch {
		}
	}
}

func TestTrailingDimms(t *testing.T) {
	inst := &instance{dimms: []dimm{
		{slot: 0, size: 512 * memsize.MiB},
		{slot: 1, size: 256 * memsize.MiB},
		{slot: 2, size: 128 * memsize.MiB},
	}}

	assert.Equal(t, 1, inst.trailingDimms(128*memsize.MiB))
	assert.Equal(t, 2, inst.trailingDimms(384*memsize.MiB))
	assert.Equal(t, 3, inst.trailingDimms(896*memsize.MiB))
	assert.Equal(t, -1, inst.trailingDimms(256*memsize.MiB), "the newest dimm must go first")
	assert.Equal(t, -1, inst.trailingDimms(2*memsize.GiB))
}

func TestMatchHotpluggableCPU(t *testing.T) {
	slots := []hotpluggableCPU{
		{Type: "host-x86_64-cpu", QOMPath: "/machine/unattached/device[0]", Props: map[string]any{"core-id": float64(0)}},
		{Type: "host-x86_64-cpu", Props: map[string]any{"core-id": float64(1)}},
		{Type: "host-x86_64-cpu", Props: map[string]any{"core-id": float64(2)}},
		{Type: "host-x86_64-cpu"},
	}

	match := matchHotpluggableCPU(slots, 2)
	require.NotNil(t, match)
	assert.Equal(t, float64(2), match.Props["core-id"])

	match = matchHotpluggableCPU(slots, 7)
	require.NotNil(t, match, "falls back to the first free slot")
	assert.Equal(t, float64(1), match.Props["core-id"])

	assert.Nil(t, matchHotpluggableCPU(slots[:1], 0), "plugged slots are never chosen")
}

func TestIntFromProp(t *testing.T) {
	for _, v := range []any{3, int32(3), int64(3), float64(3), uint32(3), uint64(3)} {
		got, ok := intFromProp(v)
		assert.True(t, ok)
		assert.Equal(t, 3, got)
	}
	_, ok := intFromProp("3")
	assert.False(t, ok)
}

func TestHotplugMemoryAlignment(t *testing.T) {
	q := &qmpClient{}
	for _, size := range []memsize.Size{0, 64 * memsize.MiB, 200 * memsize.MiB} {
		err := q.HotplugMemory(context.Background(), 0, size)
		require.Error(t, err, size.String())
		assert.True(t, errdefs.IsInvalidArgument(err))
	}
}

func TestPidFiles(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "vm1.qmp")
	pidFile := pidFilePath(sock)
	assert.Equal(t, filepath.Join(dir, "vm1.pid"), pidFile)

	require.NoError(t, writePidFile(pidFile, 4242))
	pid, err := readPidFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, os.WriteFile(pidFile, []byte("garbage"), 0o600))
	_, err = readPidFile(pidFile)
	assert.Error(t, err)

	assert.False(t, ownsSocket(os.Getpid(), sock))
}

func TestLogTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qemu.log")
	assert.Empty(t, logTail(path, 16))

	require.NoError(t, os.WriteFile(path, []byte("first line\nqemu: could not open disk\n"), 0o600))
	assert.Equal(t, "could not open disk", logTail(path, 20))
	assert.Equal(t, "first line\nqemu: could not open disk", logTail(path, 1024))
}
