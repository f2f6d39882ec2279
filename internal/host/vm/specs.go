package vm

import (
	"maps"
	"reflect"
	"slices"

	"github.com/spin-stack/spinvm/internal/memsize"
)

// DefaultSSHUsername is used for records that predate the username field.
const DefaultSSHUsername = "ubuntu"

// NetworkInterface is an extra guest NIC beyond the default one.
type NetworkInterface struct {
	ID         string `json:"id"`
	MACAddress string `json:"mac_address"`
	AutoMode   bool   `json:"auto_mode"`
}

// IDMap maps a host id onto a guest id for a mount.
type IDMap struct {
	Host  int `json:"host"`
	Guest int `json:"instance"`
}

// MountType selects how a host directory is exposed in the guest.
type MountType string

const (
	MountClassic MountType = "classic"
	MountNative  MountType = "native"
)

// Mount is a host directory mounted in the guest.
type Mount struct {
	SourcePath  string    `json:"source_path"`
	UIDMappings []IDMap   `json:"uid_mappings"`
	GIDMappings []IDMap   `json:"gid_mappings"`
	MountType   MountType `json:"mount_type"`
}

// Specs is the mutable, persisted record of an instance. Equality is
// structural; use Equal rather than ==.
type Specs struct {
	NumCores          int                `json:"num_cores"`
	MemSize           memsize.Size       `json:"mem_size"`
	DiskSpace         memsize.Size       `json:"disk_space"`
	DefaultMACAddress string             `json:"mac_addr"`
	ExtraInterfaces   []NetworkInterface `json:"extra_interfaces"`
	SSHUsername       string             `json:"ssh_username"`
	State             State              `json:"state"`
	Mounts            map[string]Mount   `json:"mounts"`
	Deleted           bool               `json:"deleted"`
	Metadata          map[string]any     `json:"metadata"`
	CloneCount        int                `json:"clone_count"`
}

// Clone returns a deep copy.
func (s Specs) Clone() Specs {
	out := s
	out.ExtraInterfaces = slices.Clone(s.ExtraInterfaces)
	if s.Mounts != nil {
		out.Mounts = make(map[string]Mount, len(s.Mounts))
		for target, m := range s.Mounts {
			m.UIDMappings = slices.Clone(m.UIDMappings)
			m.GIDMappings = slices.Clone(m.GIDMappings)
			out.Mounts[target] = m
		}
	}
	out.Metadata = cloneMetadata(s.Metadata)
	return out
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := maps.Clone(in)
	for k, v := range out {
		switch nested := v.(type) {
		case map[string]any:
			out[k] = cloneMetadata(nested)
		case []any:
			out[k] = slices.Clone(nested)
		}
	}
	return out
}

// Equal compares every field, including map contents. Nil and empty
// collections are equal.
func (s Specs) Equal(o Specs) bool {
	if s.NumCores != o.NumCores ||
		s.MemSize != o.MemSize ||
		s.DiskSpace != o.DiskSpace ||
		s.DefaultMACAddress != o.DefaultMACAddress ||
		s.SSHUsername != o.SSHUsername ||
		s.State != o.State ||
		s.Deleted != o.Deleted ||
		s.CloneCount != o.CloneCount {
		return false
	}
	if !slices.Equal(s.ExtraInterfaces, o.ExtraInterfaces) {
		return false
	}
	if len(s.Mounts) != len(o.Mounts) {
		return false
	}
	for target, m := range s.Mounts {
		om, ok := o.Mounts[target]
		if !ok || !reflect.DeepEqual(m, om) {
			return false
		}
	}
	if len(s.Metadata) != len(o.Metadata) {
		return false
	}
	return len(s.Metadata) == 0 || reflect.DeepEqual(s.Metadata, o.Metadata)
}

// IsGhost reports whether the record carries no configuration at all. Such
// records are left behind by interrupted launches.
func (s Specs) IsGhost() bool {
	return s.NumCores == 0 &&
		s.MemSize == 0 &&
		s.DiskSpace == 0 &&
		s.DefaultMACAddress == "" &&
		len(s.ExtraInterfaces) == 0 &&
		s.SSHUsername == "" &&
		s.State == StateOff &&
		len(s.Mounts) == 0 &&
		!s.Deleted &&
		len(s.Metadata) == 0
}

// Normalize fills fields that older records may lack.
func (s *Specs) Normalize() {
	if s.SSHUsername == "" && !s.IsGhost() {
		s.SSHUsername = DefaultSSHUsername
	}
}
