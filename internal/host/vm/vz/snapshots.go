package vz

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/spinvm/internal/host/disk"
)

const snapshotDir = "snapshots"

// diskSnapshots keeps whole-disk copies of a raw image next to it. On APFS
// the copies are clones and share blocks until either side is written.
type diskSnapshots struct {
	disk string
}

func (s diskSnapshots) path(name string) string {
	return filepath.Join(filepath.Dir(s.disk), snapshotDir, name+".img")
}

func (s diskSnapshots) capture(name string) error {
	dst := s.path(name)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("disk snapshot %s: %w", name, errdefs.ErrAlreadyExists)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	return disk.CopyImage(s.disk, dst)
}

// apply replaces the disk with the snapshot's contents. The snapshot stays.
func (s diskSnapshots) apply(name string) error {
	src := s.path(name)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("disk snapshot %s: %w", name, errdefs.ErrNotFound)
		}
		return err
	}
	tmp := s.disk + ".restore"
	_ = os.Remove(tmp)
	if err := disk.CopyImage(src, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, s.disk)
}

func (s diskSnapshots) erase(name string) error {
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk snapshot %s: %w", name, errdefs.ErrNotFound)
	}
	return err
}

// removeAll drops every snapshot of the disk.
func (s diskSnapshots) removeAll() error {
	return os.RemoveAll(filepath.Join(filepath.Dir(s.disk), snapshotDir))
}
