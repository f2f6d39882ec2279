package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

const (
	headFileName    = "head.qcow2"
	snapshotDirName = "snapshots"
	snapshotExt     = ".qcow2"
)

// Chain manages qcow2 differencing images layered over an instance's base
// image. While snapshots exist the guest writes to a head overlay; each
// snapshot is a frozen overlay whose backing file is its parent snapshot,
// or the base image for a root snapshot.
type Chain struct {
	imager Imager
	base   string
	dir    string
}

// NewChain returns the chain for the base image at basePath. Overlays live
// next to it.
func NewChain(imager Imager, basePath string) *Chain {
	return &Chain{
		imager: imager,
		base:   filepath.Clean(basePath),
		dir:    filepath.Dir(basePath),
	}
}

func (c *Chain) headPath() string {
	return filepath.Join(c.dir, headFileName)
}

// SnapshotPath returns the overlay file of a snapshot.
func (c *Chain) SnapshotPath(name string) string {
	return filepath.Join(c.dir, snapshotDirName, name+snapshotExt)
}

// ActivePath returns the image the guest should boot from.
func (c *Chain) ActivePath() string {
	if _, err := os.Stat(c.headPath()); err == nil {
		return c.headPath()
	}
	return c.base
}

// Snapshots lists the snapshot overlays present on disk.
func (c *Chain) Snapshots() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.dir, snapshotDirName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapshotExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), snapshotExt))
	}
	sort.Strings(names)
	return names, nil
}

// Capture freezes the current disk content as snapshot name and redirects
// guest writes to a fresh head.
func (c *Chain) Capture(ctx context.Context, name string) error {
	snap := c.SnapshotPath(name)
	if _, err := os.Stat(snap); err == nil {
		return fmt.Errorf("snapshot image %s: %w", name, errdefs.ErrAlreadyExists)
	}
	if err := os.MkdirAll(filepath.Dir(snap), 0o750); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	head := c.headPath()
	if _, err := os.Stat(head); errors.Is(err, os.ErrNotExist) {
		// First snapshot: the base stays frozen underneath an empty overlay.
		if err := c.imager.Create(ctx, snap, FormatQCOW2, 0, c.base); err != nil {
			return err
		}
	} else if err := os.Rename(head, snap); err != nil {
		return fmt.Errorf("freeze head as %s: %w", name, err)
	}

	if err := c.imager.Create(ctx, head, FormatQCOW2, 0, snap); err != nil {
		// Put the frozen overlay back so the guest keeps its data.
		if rerr := os.Rename(snap, head); rerr != nil {
			log.G(ctx).WithError(rerr).WithField("snapshot", name).Error("failed to restore head after capture failure")
		}
		return err
	}

	log.G(ctx).WithFields(log.Fields{"snapshot": name, "dir": c.dir}).Debug("captured disk snapshot")
	return nil
}

// Apply discards the current head and restarts from snapshot name.
func (c *Chain) Apply(ctx context.Context, name string) error {
	snap := c.SnapshotPath(name)
	if _, err := os.Stat(snap); err != nil {
		return fmt.Errorf("snapshot image %s: %w", name, errdefs.ErrNotFound)
	}

	head := c.headPath()
	tmp := head + ".new"
	_ = os.Remove(tmp)
	if err := c.imager.Create(ctx, tmp, FormatQCOW2, 0, snap); err != nil {
		return err
	}
	if err := os.Rename(tmp, head); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace head: %w", err)
	}

	log.G(ctx).WithFields(log.Fields{"snapshot": name, "dir": c.dir}).Debug("applied disk snapshot")
	return nil
}

// Erase removes snapshot name. Images backed by it are rebased onto its
// parent, preserving their content. Erasing the last snapshot merges the
// head back into the base image.
func (c *Chain) Erase(ctx context.Context, name string) error {
	snap := c.SnapshotPath(name)
	info, err := c.imager.Info(ctx, snap)
	if err != nil {
		if _, statErr := os.Stat(snap); errors.Is(statErr, os.ErrNotExist) {
			return fmt.Errorf("snapshot image %s: %w", name, errdefs.ErrNotFound)
		}
		return err
	}
	parent := info.Backing()
	if parent == "" {
		parent = c.base
	}

	dependents, err := c.dependentsOf(ctx, snap)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if err := c.imager.Rebase(ctx, dep, parent, true); err != nil {
			return fmt.Errorf("rebase %s onto %s: %w", filepath.Base(dep), filepath.Base(parent), err)
		}
	}

	if err := os.Remove(snap); err != nil {
		return fmt.Errorf("remove snapshot image: %w", err)
	}

	remaining, err := c.Snapshots()
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		if err := c.collapse(ctx); err != nil {
			return err
		}
	}

	log.G(ctx).WithFields(log.Fields{
		"snapshot":   name,
		"dependents": len(dependents),
	}).Debug("erased disk snapshot")
	return nil
}

// collapse merges the head into the base once no snapshot needs the base
// frozen.
func (c *Chain) collapse(ctx context.Context) error {
	head := c.headPath()
	if _, err := os.Stat(head); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := c.imager.Commit(ctx, head); err != nil {
		return fmt.Errorf("merge head into base: %w", err)
	}
	if err := os.Remove(head); err != nil {
		return fmt.Errorf("remove merged head: %w", err)
	}
	_ = os.Remove(filepath.Join(c.dir, snapshotDirName))
	return nil
}

// dependentsOf returns the head and snapshot images whose backing file is path.
func (c *Chain) dependentsOf(ctx context.Context, path string) ([]string, error) {
	names, err := c.Snapshots()
	if err != nil {
		return nil, err
	}
	candidates := make([]string, 0, len(names)+1)
	for _, n := range names {
		candidates = append(candidates, c.SnapshotPath(n))
	}
	if _, err := os.Stat(c.headPath()); err == nil {
		candidates = append(candidates, c.headPath())
	}

	var out []string
	for _, cand := range candidates {
		if cand == path {
			continue
		}
		info, err := c.imager.Info(ctx, cand)
		if err != nil {
			return nil, err
		}
		if info.Backing() == filepath.Clean(path) {
			out = append(out, cand)
		}
	}
	return out, nil
}

// Remove deletes every overlay, leaving only the base image.
func (c *Chain) Remove() error {
	if err := os.RemoveAll(filepath.Join(c.dir, snapshotDirName)); err != nil {
		return err
	}
	if err := os.Remove(c.headPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
