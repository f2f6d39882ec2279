package vm

import (
	"fmt"
	"regexp"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"

	"github.com/spin-stack/spinvm/internal/memsize"
)

// Description is the creation-time definition of an instance. It is built
// once per launch (or per daemon start for existing instances) and never
// modified; resizes are tracked in Specs.
type Description struct {
	Name      string
	NumCores  int
	MemSize   memsize.Size
	DiskSpace memsize.Size

	// Image is the source image the instance disk is created from.
	Image string
	// InstanceDir holds the instance disk, cloud-init seed and runtime files.
	InstanceDir string
	// ImagePath is the instance's own disk image inside InstanceDir, set by
	// the factory once the image is prepared.
	ImagePath string
	// CloudInitISO is the NoCloud seed attached as a CD-ROM.
	CloudInitISO string

	// UserData and VendorData are cloud-config documents merged into the
	// seed. Meta-data and network-config are derived from the name and
	// interfaces.
	UserData   []byte
	VendorData []byte

	DefaultMACAddress string
	ExtraInterfaces   []NetworkInterface
	SSHUsername       string
}

var instanceNameRE = regexp.MustCompile(`^[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// ValidateName checks that name can be used as a hostname and a file name.
func ValidateName(name string) error {
	if !instanceNameRE.MatchString(name) {
		return fmt.Errorf("invalid instance name %q: must start with a letter, contain only letters, digits and hyphens, and not end with a hyphen: %w",
			name, errdefs.ErrInvalidArgument)
	}
	return nil
}

// Validate checks the resource fields.
func (d Description) Validate() error {
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if d.NumCores < 1 {
		return fmt.Errorf("cpus must be at least 1: %w", errdefs.ErrInvalidArgument)
	}
	if d.MemSize < 128*memsize.MiB {
		return fmt.Errorf("memory must be at least 128MiB: %w", errdefs.ErrInvalidArgument)
	}
	if d.DiskSpace < 512*memsize.MiB {
		return fmt.Errorf("disk must be at least 512MiB: %w", errdefs.ErrInvalidArgument)
	}
	if d.DefaultMACAddress == "" {
		return fmt.Errorf("default MAC address is required: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}

// SpecsFor returns the initial record for a new instance.
func SpecsFor(d Description) Specs {
	username := d.SSHUsername
	if username == "" {
		username = DefaultSSHUsername
	}
	return Specs{
		NumCores:          d.NumCores,
		MemSize:           d.MemSize,
		DiskSpace:         d.DiskSpace,
		DefaultMACAddress: d.DefaultMACAddress,
		ExtraInterfaces:   append([]NetworkInterface(nil), d.ExtraInterfaces...),
		SSHUsername:       username,
		State:             StateOff,
		Mounts:            map[string]Mount{},
		Metadata:          map[string]any{},
	}
}

// DescriptionFor rebuilds a description from a persisted record, as done
// when the daemon restarts.
func DescriptionFor(name, image, instanceDir string, s Specs) Description {
	return Description{
		Name:              name,
		NumCores:          s.NumCores,
		MemSize:           s.MemSize,
		DiskSpace:         s.DiskSpace,
		Image:             image,
		InstanceDir:       instanceDir,
		DefaultMACAddress: s.DefaultMACAddress,
		ExtraInterfaces:   append([]NetworkInterface(nil), s.ExtraInterfaces...),
		SSHUsername:       s.SSHUsername,
	}
}

// machineNamespace scopes the system UUIDs derived from instance names.
var machineNamespace = uuid.MustParse("6f1c2a9e-4b7d-5e3a-9c0f-2d8b7a6e5c41")

// MachineUUID returns the SMBIOS system UUID of the named instance. It is
// derived from the name so that redefining an instance keeps its identity.
func MachineUUID(name string) uuid.UUID {
	return uuid.NewSHA1(machineNamespace, []byte(name))
}
