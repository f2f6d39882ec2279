package vm

import (
	"context"
	"fmt"

	"github.com/spin-stack/spinvm/internal/cloudinit"
)

// SeedWriter produces the cloud-init seed of an instance.
type SeedWriter interface {
	SeedEditor
	// Write builds the seed for desc and returns the ISO path.
	Write(ctx context.Context, desc Description, authorizedKeys []string) (string, error)
	// Clone writes the seed of srcDir, renamed and re-addressed for dst,
	// into dst's instance directory.
	Clone(ctx context.Context, srcDir string, dst Description) (string, error)
}

// CloudInitSeeds writes NoCloud seed ISOs.
type CloudInitSeeds struct {
	Builder cloudinit.ISOBuilder
}

var _ SeedWriter = CloudInitSeeds{}

func interfacesOf(desc Description) []cloudinit.Interface {
	out := make([]cloudinit.Interface, 0, len(desc.ExtraInterfaces))
	for _, iface := range desc.ExtraInterfaces {
		out = append(out, cloudinit.Interface{MACAddress: iface.MACAddress, AutoMode: iface.AutoMode})
	}
	return out
}

func (s CloudInitSeeds) Write(ctx context.Context, desc Description, authorizedKeys []string) (string, error) {
	userData, err := cloudinit.BuildUserData(cloudinit.UserDataOptions{
		Base:           string(desc.UserData),
		Username:       desc.SSHUsername,
		AuthorizedKeys: authorizedKeys,
	})
	if err != nil {
		return "", err
	}

	seed := cloudinit.Seed{
		MetaData:      cloudinit.NewMetaData(desc.Name),
		UserData:      userData,
		VendorData:    desc.VendorData,
		NetworkConfig: cloudinit.NewNetworkConfig(desc.DefaultMACAddress, interfacesOf(desc)),
	}
	return s.Builder.Build(ctx, desc.InstanceDir, seed)
}

func (s CloudInitSeeds) Clone(ctx context.Context, srcDir string, dst Description) (string, error) {
	seed, err := cloudinit.LoadSeed(srcDir)
	if err != nil {
		return "", fmt.Errorf("load seed of clone source: %w", err)
	}
	seed.MetaData = seed.MetaData.Renamed(dst.Name)
	seed.NetworkConfig = cloudinit.NewNetworkConfig(dst.DefaultMACAddress, interfacesOf(dst))
	return s.Builder.Build(ctx, dst.InstanceDir, seed)
}

func (s CloudInitSeeds) InstanceID(instanceDir string) (string, error) {
	return cloudinit.InstanceID(instanceDir)
}

func (s CloudInitSeeds) SetInstanceID(ctx context.Context, instanceDir, id string) error {
	seed, err := cloudinit.LoadSeed(instanceDir)
	if err != nil {
		return err
	}
	if seed.MetaData.InstanceID == id {
		return nil
	}
	seed.MetaData = seed.MetaData.WithInstanceID(id)
	_, err = s.Builder.Build(ctx, instanceDir, seed)
	return err
}
