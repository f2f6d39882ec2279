package cloudinit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"gopkg.in/yaml.v3"

	"github.com/spin-stack/spinvm/internal/process"
)

// Seed file names inside the ISO.
const (
	MetaDataFile      = "meta-data"
	UserDataFile      = "user-data"
	VendorDataFile    = "vendor-data"
	NetworkConfigFile = "network-config"
)

// ISOFileName is the seed image written into an instance directory.
const ISOFileName = "cloud-init-config.iso"

// sourceDirName holds the rendered files next to the ISO so the seed can be
// read back and regenerated without parsing ISO9660.
const sourceDirName = "cloud-init"

// Seed is the content of a NoCloud data source.
type Seed struct {
	MetaData      MetaData
	UserData      []byte
	VendorData    []byte
	NetworkConfig *NetworkConfig
}

// Files renders the seed into its file set.
func (s Seed) Files() (map[string][]byte, error) {
	meta, err := emitYAML(s.MetaData)
	if err != nil {
		return nil, fmt.Errorf("emit meta-data: %w", err)
	}

	files := map[string][]byte{
		MetaDataFile:   meta,
		UserDataFile:   s.UserData,
		VendorDataFile: s.VendorData,
	}
	if files[UserDataFile] == nil {
		files[UserDataFile] = []byte(cloudConfigHeader)
	}
	if files[VendorDataFile] == nil {
		files[VendorDataFile] = []byte(cloudConfigHeader)
	}
	if s.NetworkConfig != nil {
		nc, err := emitYAML(s.NetworkConfig)
		if err != nil {
			return nil, fmt.Errorf("emit network-config: %w", err)
		}
		files[NetworkConfigFile] = nc
	}
	return files, nil
}

// ISOBuilder writes seeds as ISO9660 images labelled "cidata".
type ISOBuilder struct {
	// Tool is genisoimage, mkisofs or hdiutil.
	Tool   string
	Runner process.Runner
}

// Build renders seed under instanceDir and packs it into ISOFileName there.
// It returns the ISO path.
func (b ISOBuilder) Build(ctx context.Context, instanceDir string, seed Seed) (string, error) {
	files, err := seed.Files()
	if err != nil {
		return "", err
	}

	srcDir := filepath.Join(instanceDir, sourceDirName)
	if err := os.RemoveAll(srcDir); err != nil {
		return "", fmt.Errorf("clear seed directory: %w", err)
	}
	if err := os.MkdirAll(srcDir, 0o750); err != nil {
		return "", fmt.Errorf("create seed directory: %w", err)
	}
	names := make([]string, 0, len(files))
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(srcDir, name), data, 0o640); err != nil {
			return "", fmt.Errorf("write %s: %w", name, err)
		}
		names = append(names, name)
	}

	isoPath := filepath.Join(instanceDir, ISOFileName)
	tmp := isoPath + ".tmp"
	_ = os.Remove(tmp)

	if _, err := b.Runner.Run(ctx, b.Tool, b.args(tmp, srcDir, names)...); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("build cloud-init ISO: %w", err)
	}
	if err := os.Rename(tmp, isoPath); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("install cloud-init ISO: %w", err)
	}

	log.G(ctx).WithFields(log.Fields{"path": isoPath, "instance_id": seed.MetaData.InstanceID}).Debug("cloud-init seed written")
	return isoPath, nil
}

func (b ISOBuilder) args(out, srcDir string, names []string) []string {
	if filepath.Base(b.Tool) == "hdiutil" || (b.Tool == "" && runtime.GOOS == "darwin") {
		return []string{"makehybrid", "-iso", "-joliet", "-default-volume-name", "cidata", "-o", out, srcDir}
	}
	args := []string{"-output", out, "-volid", "cidata", "-joliet", "-rock"}
	for _, name := range names {
		args = append(args, filepath.Join(srcDir, name))
	}
	return args
}

// LoadSeed reads back the seed rendered by Build in instanceDir.
func LoadSeed(instanceDir string) (Seed, error) {
	srcDir := filepath.Join(instanceDir, sourceDirName)

	metaBytes, err := os.ReadFile(filepath.Join(srcDir, MetaDataFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Seed{}, fmt.Errorf("cloud-init seed in %s: %w", instanceDir, errdefs.ErrNotFound)
		}
		return Seed{}, err
	}

	var seed Seed
	if err := yaml.Unmarshal(metaBytes, &seed.MetaData); err != nil {
		return Seed{}, fmt.Errorf("parse meta-data: %w", err)
	}
	if seed.UserData, err = readOptional(filepath.Join(srcDir, UserDataFile)); err != nil {
		return Seed{}, err
	}
	if seed.VendorData, err = readOptional(filepath.Join(srcDir, VendorDataFile)); err != nil {
		return Seed{}, err
	}

	ncBytes, err := readOptional(filepath.Join(srcDir, NetworkConfigFile))
	if err != nil {
		return Seed{}, err
	}
	if ncBytes != nil {
		var nc struct {
			Ethernets map[string]struct {
				Match struct {
					MACAddress string `yaml:"macaddress"`
				} `yaml:"match"`
				Optional bool `yaml:"optional"`
			} `yaml:"ethernets"`
		}
		if err := yaml.Unmarshal(ncBytes, &nc); err != nil {
			return Seed{}, fmt.Errorf("parse network-config: %w", err)
		}
		var defaultMAC string
		var extras []Interface
		for i := 0; i < len(nc.Ethernets); i++ {
			e, ok := nc.Ethernets[fmt.Sprintf("eth%d", i)]
			if !ok {
				break
			}
			if i == 0 {
				defaultMAC = e.Match.MACAddress
				continue
			}
			extras = append(extras, Interface{MACAddress: e.Match.MACAddress, AutoMode: true})
		}
		seed.NetworkConfig = NewNetworkConfig(defaultMAC, extras)
	}
	return seed, nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// InstanceID returns the instance id of the seed in instanceDir.
func InstanceID(instanceDir string) (string, error) {
	seed, err := LoadSeed(instanceDir)
	if err != nil {
		return "", err
	}
	return seed.MetaData.InstanceID, nil
}
