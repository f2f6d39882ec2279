// Package disk manipulates instance disk images: qemu-img based creation,
// conversion and resizing, differencing chains for snapshots, and
// copy-on-write copies for clones.
package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/spinvm/internal/memsize"
	"github.com/spin-stack/spinvm/internal/process"
)

// Format is a disk image format tag.
type Format string

const (
	FormatQCOW2 Format = "qcow2"
	FormatRaw   Format = "raw"
)

// ImageInfo is the subset of `qemu-img info --output=json` we use.
type ImageInfo struct {
	Filename            string `json:"filename"`
	Format              Format `json:"format"`
	VirtualSize         int64  `json:"virtual-size"`
	ActualSize          int64  `json:"actual-size"`
	BackingFilename     string `json:"backing-filename,omitempty"`
	FullBackingFilename string `json:"full-backing-filename,omitempty"`
	DirtyFlag           bool   `json:"dirty-flag"`
}

// Backing returns the absolute backing file path, or "" for a standalone image.
func (i *ImageInfo) Backing() string {
	b := i.FullBackingFilename
	if b == "" {
		b = i.BackingFilename
	}
	if b == "" {
		return ""
	}
	if !filepath.IsAbs(b) {
		b = filepath.Join(filepath.Dir(i.Filename), b)
	}
	return filepath.Clean(b)
}

// BlockDeviceInfo describes a disk image and, advisorily, the instance it is
// attached to.
type BlockDeviceInfo struct {
	Name       string       `json:"name"`
	ImagePath  string       `json:"image_path"`
	Size       memsize.Size `json:"size"`
	AttachedVM string       `json:"attached_vm,omitempty"`
	Format     Format       `json:"format"`
}

// Describe returns block device metadata for the image at path.
func Describe(ctx context.Context, imager Imager, name, path, attachedVM string) (*BlockDeviceInfo, error) {
	info, err := imager.Info(ctx, path)
	if err != nil {
		return nil, err
	}
	return &BlockDeviceInfo{
		Name:       name,
		ImagePath:  path,
		Size:       memsize.Size(info.VirtualSize),
		AttachedVM: attachedVM,
		Format:     info.Format,
	}, nil
}

// Imager performs image operations.
type Imager interface {
	Info(ctx context.Context, path string) (*ImageInfo, error)
	// Create makes a new image. A non-empty backing creates a qcow2 overlay
	// and size may be zero to inherit the backing size.
	Create(ctx context.Context, path string, format Format, size memsize.Size, backing string) error
	Convert(ctx context.Context, src, dst string, format Format) error
	Resize(ctx context.Context, path string, size memsize.Size) error
	// Rebase points path at a new backing file. Safe mode copies the data
	// that differs so guest-visible content is unchanged.
	Rebase(ctx context.Context, path, backing string, safe bool) error
	// Commit merges path into its backing file.
	Commit(ctx context.Context, path string) error
}

// QemuImg is the Imager backed by the qemu-img binary.
type QemuImg struct {
	Path   string
	Runner process.Runner
}

var _ Imager = (*QemuImg)(nil)

// NewQemuImg returns a QemuImg running binary through the default runner.
func NewQemuImg(binary string) *QemuImg {
	return &QemuImg{Path: binary, Runner: process.ExecRunner{}}
}

func (q *QemuImg) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := q.Runner.Run(ctx, q.Path, args...)
	if err != nil {
		return nil, fmt.Errorf("qemu-img %s: %w", args[0], err)
	}
	return out, nil
}

// Info implements Imager.
func (q *QemuImg) Info(ctx context.Context, path string) (*ImageInfo, error) {
	out, err := q.run(ctx, "info", "--output=json", "-U", path)
	if err != nil {
		return nil, err
	}
	var info ImageInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("parse qemu-img info for %s: %w", path, err)
	}
	if info.Filename == "" {
		info.Filename = path
	}
	return &info, nil
}

// Create implements Imager.
func (q *QemuImg) Create(ctx context.Context, path string, format Format, size memsize.Size, backing string) error {
	args := []string{"create", "-f", string(format)}
	if backing != "" {
		if format != FormatQCOW2 {
			return fmt.Errorf("backing files require qcow2, got %s: %w", format, errdefs.ErrInvalidArgument)
		}
		args = append(args, "-b", backing, "-F", string(FormatQCOW2))
	}
	args = append(args, path)
	if size > 0 {
		args = append(args, strconv.FormatInt(size.Bytes(), 10))
	} else if backing == "" {
		return fmt.Errorf("size is required without a backing file: %w", errdefs.ErrInvalidArgument)
	}
	_, err := q.run(ctx, args...)
	return err
}

// Convert implements Imager.
func (q *QemuImg) Convert(ctx context.Context, src, dst string, format Format) error {
	_, err := q.run(ctx, "convert", "-p", "-O", string(format), src, dst)
	return err
}

// Resize implements Imager. Shrinking is rejected.
func (q *QemuImg) Resize(ctx context.Context, path string, size memsize.Size) error {
	info, err := q.Info(ctx, path)
	if err != nil {
		return err
	}
	if size.Bytes() < info.VirtualSize {
		return fmt.Errorf("cannot shrink %s from %s to %s: %w",
			path, memsize.Size(info.VirtualSize), size, errdefs.ErrInvalidArgument)
	}
	if size.Bytes() == info.VirtualSize {
		return nil
	}
	_, err = q.run(ctx, "resize", path, strconv.FormatInt(size.Bytes(), 10))
	return err
}

// Rebase implements Imager.
func (q *QemuImg) Rebase(ctx context.Context, path, backing string, safe bool) error {
	args := []string{"rebase"}
	if !safe {
		args = append(args, "-u")
	}
	args = append(args, "-F", string(FormatQCOW2), "-b", backing, path)
	_, err := q.run(ctx, args...)
	return err
}

// Commit implements Imager.
func (q *QemuImg) Commit(ctx context.Context, path string) error {
	_, err := q.run(ctx, "commit", path)
	return err
}

// PrepareQCOW2 returns a qcow2 rendition of src, converting raw images into
// dst. Other formats are returned unchanged.
func PrepareQCOW2(ctx context.Context, imager Imager, src, dst string) (string, error) {
	info, err := imager.Info(ctx, src)
	if err != nil {
		return "", fmt.Errorf("cannot read image format: %w", err)
	}
	if info.Format != FormatRaw {
		return src, nil
	}
	if err := imager.Convert(ctx, src, dst, FormatQCOW2); err != nil {
		return "", fmt.Errorf("failed to convert image format: %w", err)
	}
	return dst, nil
}
