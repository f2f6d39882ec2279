package libvirt

import (
	"encoding/xml"
	"fmt"
	"runtime"

	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/memsize"
)

// domain is the subset of the libvirt domain schema spinvm writes and reads
// back.
type domain struct {
	XMLName       xml.Name     `xml:"domain"`
	Type          string       `xml:"type,attr"`
	Name          string       `xml:"name"`
	UUID          string       `xml:"uuid,omitempty"`
	Memory        sizedValue   `xml:"memory"`
	CurrentMemory sizedValue   `xml:"currentMemory"`
	VCPU          domainVCPU   `xml:"vcpu"`
	OS            domainOS     `xml:"os"`
	Features      *features    `xml:"features,omitempty"`
	CPU           domainCPU    `xml:"cpu"`
	OnPoweroff    string       `xml:"on_poweroff,omitempty"`
	OnReboot      string       `xml:"on_reboot,omitempty"`
	OnCrash       string       `xml:"on_crash,omitempty"`
	Devices       domainDevice `xml:"devices"`
}

type sizedValue struct {
	Unit  string `xml:"unit,attr,omitempty"`
	Value uint64 `xml:",chardata"`
}

type domainVCPU struct {
	Placement string `xml:"placement,attr,omitempty"`
	Current   int    `xml:"current,attr,omitempty"`
	Max       int    `xml:",chardata"`
}

type domainOS struct {
	Type   osType      `xml:"type"`
	Loader *osLoader   `xml:"loader,omitempty"`
	Boot   []bootEntry `xml:"boot"`
}

type osType struct {
	Arch    string `xml:"arch,attr,omitempty"`
	Machine string `xml:"machine,attr,omitempty"`
	Value   string `xml:",chardata"`
}

type osLoader struct {
	Readonly string `xml:"readonly,attr,omitempty"`
	Type     string `xml:"type,attr,omitempty"`
	Path     string `xml:",chardata"`
}

type bootEntry struct {
	Dev string `xml:"dev,attr"`
}

type features struct {
	ACPI *struct{} `xml:"acpi,omitempty"`
	APIC *struct{} `xml:"apic,omitempty"`
}

type domainCPU struct {
	Mode string `xml:"mode,attr"`
}

type domainDevice struct {
	Disks      []domainDisk `xml:"disk"`
	Interfaces []domainNIC  `xml:"interface"`
	Serials    []charDevice `xml:"serial"`
	RNGs       []domainRNG  `xml:"rng"`
	MemBalloon *memBalloon  `xml:"memballoon,omitempty"`
}

type domainDisk struct {
	Type     string     `xml:"type,attr"`
	Device   string     `xml:"device,attr"`
	Driver   diskDriver `xml:"driver"`
	Source   diskSource `xml:"source"`
	Target   diskTarget `xml:"target"`
	Readonly *struct{}  `xml:"readonly,omitempty"`
}

type diskDriver struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type diskSource struct {
	File string `xml:"file,attr,omitempty"`
	Dev  string `xml:"dev,attr,omitempty"`
}

type diskTarget struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr,omitempty"`
}

type domainNIC struct {
	Type   string     `xml:"type,attr"`
	MAC    nicMAC     `xml:"mac"`
	Source *nicSource `xml:"source,omitempty"`
	Target *nicTarget `xml:"target,omitempty"`
	Model  nicModel   `xml:"model"`
}

type nicMAC struct {
	Address string `xml:"address,attr"`
}

type nicSource struct {
	Network string `xml:"network,attr,omitempty"`
	Bridge  string `xml:"bridge,attr,omitempty"`
}

type nicTarget struct {
	Dev     string `xml:"dev,attr"`
	Managed string `xml:"managed,attr,omitempty"`
}

type nicModel struct {
	Type string `xml:"type,attr"`
}

type charDevice struct {
	Type   string     `xml:"type,attr"`
	Source charSource `xml:"source"`
	Target charTarget `xml:"target"`
}

type charSource struct {
	Path string `xml:"path,attr"`
}

type charTarget struct {
	Port int `xml:"port,attr"`
}

type domainRNG struct {
	Model   string     `xml:"model,attr"`
	Backend rngBackend `xml:"backend"`
}

type rngBackend struct {
	Model string `xml:"model,attr"`
	Path  string `xml:",chardata"`
}

type memBalloon struct {
	Model string `xml:"model,attr"`
}

// domainSpec is everything that goes into a domain definition.
type domainSpec struct {
	Name      string
	CPUs      int
	MaxCPUs   int
	Memory    memsize.Size
	MaxMemory memsize.Size
	Firmware  string

	DiskPath  string
	DiskFmt   string
	SeedISO   string
	ConsoleTo string

	// Tap attaches the default NIC to an existing tap device. Empty uses
	// the libvirt network named by Network.
	Tap     string
	Network string
	MAC     string
	// Bridges maps extra interface MACs onto host bridges.
	Bridges []bridgedNIC
}

type bridgedNIC struct {
	Bridge string
	MAC    string
}

// guestArch returns the libvirt arch and machine type for the host.
func guestArch() (arch, machine string) {
	if runtime.GOARCH == "arm64" {
		return "aarch64", "virt"
	}
	return "x86_64", "q35"
}

func kib(s memsize.Size) uint64 {
	return uint64(s.KiB())
}

// buildDomain renders spec as a domain document.
func buildDomain(spec domainSpec) domain {
	arch, machine := guestArch()
	maxCPUs := max(spec.MaxCPUs, spec.CPUs)
	maxMemory := max(spec.MaxMemory, spec.Memory)

	d := domain{
		Type:          "kvm",
		Name:          spec.Name,
		UUID:          vm.MachineUUID(spec.Name).String(),
		Memory:        sizedValue{Unit: "KiB", Value: kib(maxMemory)},
		CurrentMemory: sizedValue{Unit: "KiB", Value: kib(spec.Memory)},
		VCPU:          domainVCPU{Placement: "static", Max: maxCPUs},
		OS: domainOS{
			Type: osType{Arch: arch, Machine: machine, Value: "hvm"},
			Boot: []bootEntry{{Dev: "hd"}},
		},
		CPU:        domainCPU{Mode: "host-passthrough"},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
	}
	if maxCPUs > spec.CPUs {
		d.VCPU.Current = spec.CPUs
	}
	if arch == "x86_64" {
		d.Features = &features{ACPI: &struct{}{}, APIC: &struct{}{}}
	} else {
		d.Features = &features{ACPI: &struct{}{}}
	}
	if spec.Firmware != "" {
		d.OS.Loader = &osLoader{Readonly: "yes", Type: "pflash", Path: spec.Firmware}
	}

	format := spec.DiskFmt
	if format == "" {
		format = "qcow2"
	}
	d.Devices.Disks = append(d.Devices.Disks, domainDisk{
		Type:   "file",
		Device: "disk",
		Driver: diskDriver{Name: "qemu", Type: format},
		Source: diskSource{File: spec.DiskPath},
		Target: diskTarget{Dev: "vda", Bus: "virtio"},
	})
	if spec.SeedISO != "" {
		d.Devices.Disks = append(d.Devices.Disks, domainDisk{
			Type:     "file",
			Device:   "cdrom",
			Driver:   diskDriver{Name: "qemu", Type: "raw"},
			Source:   diskSource{File: spec.SeedISO},
			Target:   diskTarget{Dev: "sda", Bus: "sata"},
			Readonly: &struct{}{},
		})
	}

	if spec.Tap != "" {
		d.Devices.Interfaces = append(d.Devices.Interfaces, domainNIC{
			Type:   "ethernet",
			MAC:    nicMAC{Address: spec.MAC},
			Target: &nicTarget{Dev: spec.Tap, Managed: "no"},
			Model:  nicModel{Type: "virtio"},
		})
	} else {
		d.Devices.Interfaces = append(d.Devices.Interfaces, domainNIC{
			Type:   "network",
			MAC:    nicMAC{Address: spec.MAC},
			Source: &nicSource{Network: spec.Network},
			Model:  nicModel{Type: "virtio"},
		})
	}
	for _, nic := range spec.Bridges {
		d.Devices.Interfaces = append(d.Devices.Interfaces, domainNIC{
			Type:   "bridge",
			MAC:    nicMAC{Address: nic.MAC},
			Source: &nicSource{Bridge: nic.Bridge},
			Model:  nicModel{Type: "virtio"},
		})
	}

	if spec.ConsoleTo != "" {
		d.Devices.Serials = []charDevice{{Type: "file", Source: charSource{Path: spec.ConsoleTo}}}
	}
	d.Devices.RNGs = []domainRNG{{Model: "virtio", Backend: rngBackend{Model: "random", Path: "/dev/urandom"}}}
	d.Devices.MemBalloon = &memBalloon{Model: "virtio"}
	return d
}

// domainXML renders spec as a libvirt domain definition.
func domainXML(spec domainSpec) (string, error) {
	out, err := xml.MarshalIndent(buildDomain(spec), "", "  ")
	if err != nil {
		return "", fmt.Errorf("render domain %s: %w", spec.Name, err)
	}
	return string(out), nil
}

// parseDomain reads back a definition returned by DomainGetXMLDesc.
func parseDomain(doc string) (*domain, error) {
	var d domain
	if err := xml.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("parse domain xml: %w", err)
	}
	return &d, nil
}

// memoryBytes converts a libvirt memory element to a size. The default unit
// is KiB.
func memoryBytes(v sizedValue) memsize.Size {
	switch v.Unit {
	case "b", "bytes":
		return memsize.Size(v.Value)
	case "M", "MiB":
		return memsize.Size(v.Value) * memsize.MiB
	case "G", "GiB":
		return memsize.Size(v.Value) * memsize.GiB
	default:
		return memsize.Size(v.Value) * memsize.KiB
	}
}

type snapshotDoc struct {
	XMLName     xml.Name `xml:"domainsnapshot"`
	Name        string   `xml:"name"`
	Description string   `xml:"description,omitempty"`
}

func snapshotXML(name string) (string, error) {
	out, err := xml.Marshal(snapshotDoc{Name: name, Description: "spinvm snapshot " + name})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
