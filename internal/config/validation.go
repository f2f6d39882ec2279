package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spin-stack/spinvm/internal/memsize"
)

// Validate validates the entire configuration. It only inspects values;
// directories are created by the daemon when it starts.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateBackend(); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if err := c.validateNetwork(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if err := c.validateDefaults(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	for name, dir := range map[string]string{
		"data_dir":  c.Paths.DataDir,
		"cache_dir": c.Paths.CacheDir,
		"state_dir": c.Paths.StateDir,
	} {
		if dir == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("%s must be absolute, got %q", name, dir)
		}
	}

	for name, bin := range map[string]string{
		"qemu_path":     c.Paths.QEMUPath,
		"qemu_img_path": c.Paths.QEMUImgPath,
		"dnsmasq_path":  c.Paths.DnsmasqPath,
		"iso_tool_path": c.Paths.ISOToolPath,
	} {
		if bin == "" {
			continue
		}
		if err := validateExecutable(bin, name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateBackend() error {
	drivers := []string{DriverQEMU, DriverLibvirt, DriverVZ, DriverFake}
	if !slices.Contains(drivers, c.Backend.Driver) {
		return fmt.Errorf("driver must be one of %v, got %q", drivers, c.Backend.Driver)
	}
	if c.Backend.Driver == DriverLibvirt && c.Backend.LibvirtSocket == "" {
		return fmt.Errorf("libvirt_socket cannot be empty for the libvirt driver")
	}
	return nil
}

func (c *Config) validateNetwork() error {
	if c.Network.Bridge == "" {
		return fmt.Errorf("bridge cannot be empty")
	}
	if len(c.Network.Bridge) > 15 {
		return fmt.Errorf("bridge name %q exceeds 15 characters", c.Network.Bridge)
	}
	prefix, err := netip.ParsePrefix(c.Network.Subnet)
	if err != nil {
		return fmt.Errorf("subnet: %w", err)
	}
	if !prefix.Addr().Is4() {
		return fmt.Errorf("subnet must be IPv4, got %s", c.Network.Subnet)
	}
	if prefix.Bits() >= 31 {
		return fmt.Errorf("subnet prefix must be < 31, got /%d", prefix.Bits())
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"start":         c.Timeouts.Start,
		"shutdown":      c.Timeouts.Shutdown,
		"ssh":           c.Timeouts.SSH,
		"poll_interval": c.Timeouts.PollInterval,
		"qmp_command":   c.Timeouts.QMPCommand,
		"retry_backoff": c.Timeouts.RetryBackoff,
	}

	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}
	if c.Timeouts.RetryAttempts < 1 || c.Timeouts.RetryAttempts > 10 {
		return fmt.Errorf("retry_attempts: must be 1-10, got %d", c.Timeouts.RetryAttempts)
	}
	return nil
}

func (c *Config) validateDefaults() error {
	if c.Defaults.CPUs < 1 {
		return fmt.Errorf("cpus: must be >= 1, got %d", c.Defaults.CPUs)
	}
	mem, err := memsize.Parse(c.Defaults.Memory)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if mem < 128*memsize.MiB {
		return fmt.Errorf("memory: must be at least 128MiB, got %s", mem)
	}
	disk, err := memsize.Parse(c.Defaults.Disk)
	if err != nil {
		return fmt.Errorf("disk: %w", err)
	}
	if disk < 512*memsize.MiB {
		return fmt.Errorf("disk: must be at least 512MiB, got %s", disk)
	}
	return nil
}

// Helper functions

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func validateExecutable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: file not found: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory, not executable: %s", name, canonical)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("%s: not executable: %s", name, canonical)
	}
	return nil
}
