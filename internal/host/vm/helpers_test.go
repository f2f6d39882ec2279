package vm_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spin-stack/spinvm/internal/boltstore"
	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/host/vm/fake"
	"github.com/spin-stack/spinvm/internal/memsize"
)

// recordingMonitor keeps every persisted record in commit order.
type recordingMonitor struct {
	mu      sync.Mutex
	records map[string][]vm.Specs
	fail    error
}

func newRecordingMonitor() *recordingMonitor {
	return &recordingMonitor{records: map[string][]vm.Specs{}}
}

func (r *recordingMonitor) OnStateChanged(ctx context.Context, name string, specs vm.Specs) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.records[name] = append(r.records[name], specs)
	return nil
}

func (r *recordingMonitor) failWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *recordingMonitor) states(name string) []vm.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []vm.State
	for _, s := range r.records[name] {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

func (r *recordingMonitor) last(name string) vm.Specs {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.records[name]
	if len(recs) == 0 {
		return vm.Specs{}
	}
	return recs[len(recs)-1]
}

func (r *recordingMonitor) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records[name])
}

// fakeSeeds writes the instance id into a plain file.
type fakeSeeds struct {
	mu   sync.Mutex
	set  []string
	fail error
}

func (s *fakeSeeds) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *fakeSeeds) idPath(dir string) string { return filepath.Join(dir, "instance-id") }

func (s *fakeSeeds) Write(ctx context.Context, desc vm.Description, keys []string) (string, error) {
	if err := os.WriteFile(s.idPath(desc.InstanceDir), []byte(desc.Name), 0o640); err != nil {
		return "", err
	}
	return s.idPath(desc.InstanceDir), nil
}

func (s *fakeSeeds) Clone(ctx context.Context, srcDir string, dst vm.Description) (string, error) {
	return s.Write(ctx, dst, nil)
}

func (s *fakeSeeds) InstanceID(dir string) (string, error) {
	data, err := os.ReadFile(s.idPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}

func (s *fakeSeeds) SetInstanceID(ctx context.Context, dir, id string) error {
	s.mu.Lock()
	if s.fail != nil {
		defer s.mu.Unlock()
		return s.fail
	}
	s.set = append(s.set, id)
	s.mu.Unlock()
	return os.WriteFile(s.idPath(dir), []byte(id), 0o640)
}

type harness struct {
	backend *fake.Backend
	factory *vm.Factory
	monitor *recordingMonitor
	seeds   *fakeSeeds
	dir     string
}

func newHarness(t *testing.T, opts ...fake.Option) *harness {
	t.Helper()

	dir := t.TempDir()
	h := &harness{
		backend: fake.New(opts...),
		monitor: newRecordingMonitor(),
		seeds:   &fakeSeeds{},
		dir:     dir,
	}
	f, err := vm.NewFactory(h.backend, vm.FactoryOptions{
		InstancesDir: filepath.Join(dir, "instances"),
		Seeds:        h.seeds,
		Snapshots:    boltstore.NewInMemoryStore[vm.SnapshotTable](),
		Machine: vm.MachineConfig{
			StartTimeout:    time.Second,
			ShutdownTimeout: 100 * time.Millisecond,
			PollInterval:    5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	h.factory = f
	return h
}

func testDescription(t *testing.T, dir, name string) vm.Description {
	t.Helper()
	image := filepath.Join(dir, "source.img")
	require.NoError(t, os.WriteFile(image, []byte("image"), 0o640))
	return vm.Description{
		Name:              name,
		NumCores:          2,
		MemSize:           memsize.GiB,
		DiskSpace:         5 * memsize.GiB,
		Image:             image,
		DefaultMACAddress: "52:54:00:12:34:56",
	}
}

func (h *harness) create(t *testing.T, name string) *vm.Machine {
	t.Helper()
	m, err := h.factory.CreateVirtualMachine(context.Background(), testDescription(t, h.dir, name), nil, h.monitor)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func (h *harness) running(t *testing.T, name string) *vm.Machine {
	t.Helper()
	m := h.create(t, name)
	require.NoError(t, m.Start(context.Background()))
	return m
}
