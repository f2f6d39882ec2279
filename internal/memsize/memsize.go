// Package memsize provides a byte-count value type for memory and disk sizes.
package memsize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/go-units"
)

// Size is an amount of memory or storage in bytes.
type Size int64

const (
	KiB Size = 1 << (10 * (iota + 1))
	MiB
	GiB
	TiB
)

// Parse accepts a plain byte count ("1073741824") or a human readable
// binary size ("1G", "512MiB", "1.5g"). Suffixes are always powers of 1024.
func Parse(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size: %w", errdefs.ErrInvalidArgument)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size %q: %w", s, errdefs.ErrInvalidArgument)
		}
		return Size(n), nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, errdefs.ErrInvalidArgument)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q: %w", s, errdefs.ErrInvalidArgument)
	}
	return Size(n), nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Size {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Bytes returns the size as a byte count.
func (s Size) Bytes() int64 { return int64(s) }

// KiB returns the size in whole kibibytes, rounding down.
func (s Size) KiB() int64 { return int64(s / KiB) }

// MiB returns the size in whole mebibytes, rounding down.
func (s Size) MiB() int64 { return int64(s / MiB) }

// GiB returns the size in whole gibibytes, rounding down.
func (s Size) GiB() int64 { return int64(s / GiB) }

// AlignUp rounds s up to the next multiple of align.
func (s Size) AlignUp(align Size) Size {
	if align <= 0 {
		return s
	}
	if r := s % align; r != 0 {
		return s + align - r
	}
	return s
}

// String renders the size for humans, e.g. "1GiB".
func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// MarshalJSON encodes the size as a decimal byte-count string so that
// records stay readable by tools that do not know about size suffixes.
func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(s), 10))
}

// UnmarshalJSON accepts a JSON number or any string Parse understands.
func (s *Size) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if str == "" {
			*s = 0
			return nil
		}
		v, err := Parse(str)
		if err != nil {
			return err
		}
		*s = v
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid size %s: %w", string(data), errdefs.ErrInvalidArgument)
	}
	*s = Size(n)
	return nil
}
