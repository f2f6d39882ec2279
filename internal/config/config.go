// Package config provides centralized configuration management for spinvm.
// Configuration is loaded from a JSON file at /etc/spinvm/config.json
// (overridable via the SPINVM_CONFIG environment variable). A missing file
// is not an error: the daemon runs with defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/spinvm/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "SPINVM_CONFIG"
)

// Backend drivers.
const (
	DriverQEMU    = "qemu"
	DriverLibvirt = "libvirt"
	DriverVZ      = "vz"
	DriverFake    = "fake"
)

// Config is the root configuration structure
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Backend  BackendConfig  `json:"backend"`
	Network  NetworkConfig  `json:"network"`
	Timeouts TimeoutsConfig `json:"timeouts"`
	Defaults DefaultsConfig `json:"defaults"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// PathsConfig defines filesystem locations and helper binaries.
// Binary paths are auto-discovered when empty.
type PathsConfig struct {
	DataDir     string `json:"data_dir"`  // Instances, registry database
	CacheDir    string `json:"cache_dir"` // Prepared images, SSH keys
	StateDir    string `json:"state_dir"` // Sockets and pid files
	QEMUPath    string `json:"qemu_path"`
	QEMUImgPath string `json:"qemu_img_path"`
	DnsmasqPath string `json:"dnsmasq_path"`
	ISOToolPath string `json:"iso_tool_path"` // genisoimage, mkisofs or hdiutil
}

// BackendConfig selects the hypervisor driver.
type BackendConfig struct {
	// Driver is one of qemu, libvirt, vz or fake. Defaults to vz on darwin
	// and qemu elsewhere.
	Driver string `json:"driver"`

	// LibvirtSocket is the libvirtd unix socket used by the libvirt driver.
	LibvirtSocket string `json:"libvirt_socket"`

	// AppArmorProfile confines hypervisor helper processes when set.
	AppArmorProfile string `json:"apparmor_profile"`
}

// NetworkConfig describes the host bridge that guests attach to.
type NetworkConfig struct {
	Bridge  string `json:"bridge"`
	Subnet  string `json:"subnet"`  // IPv4 CIDR, prefix must be < 31
	Dnsmasq bool   `json:"dnsmasq"` // Run a dnsmasq DHCP server on the bridge
}

// TimeoutsConfig defines timeout durations for lifecycle operations.
// All values are duration strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// Start bounds the wait for the backend to report running after start.
	Start string `json:"start"`

	// Shutdown bounds the graceful powerdown before the VM is forcefully stopped.
	Shutdown string `json:"shutdown"`

	// SSH bounds the wait for a guest address in ssh hostname lookups.
	SSH string `json:"ssh"`

	// PollInterval is the backend state polling period while waiting.
	PollInterval string `json:"poll_interval"`

	// QMPCommand is the default timeout for QMP commands to QEMU.
	QMPCommand string `json:"qmp_command"`

	// RetryBackoff is the delay between retries of transient backend failures.
	RetryBackoff string `json:"retry_backoff"`

	// RetryAttempts is how many times a retryable backend failure is attempted.
	RetryAttempts int `json:"retry_attempts"`
}

// GetStart returns the start timeout as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetStart() time.Duration {
	return mustParseDuration(t.Start)
}

// GetShutdown returns the graceful shutdown timeout.
func (t *TimeoutsConfig) GetShutdown() time.Duration {
	return mustParseDuration(t.Shutdown)
}

// GetSSH returns the address discovery timeout.
func (t *TimeoutsConfig) GetSSH() time.Duration {
	return mustParseDuration(t.SSH)
}

// GetPollInterval returns the backend polling period.
func (t *TimeoutsConfig) GetPollInterval() time.Duration {
	return mustParseDuration(t.PollInterval)
}

// GetQMPCommand returns the QMP command timeout.
func (t *TimeoutsConfig) GetQMPCommand() time.Duration {
	return mustParseDuration(t.QMPCommand)
}

// GetRetryBackoff returns the delay between backend retries.
func (t *TimeoutsConfig) GetRetryBackoff() time.Duration {
	return mustParseDuration(t.RetryBackoff)
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

// DefaultsConfig holds launch defaults applied when a request leaves a field empty.
type DefaultsConfig struct {
	CPUs        int    `json:"cpus"`
	Memory      string `json:"memory"` // size string, e.g. "1G"
	Disk        string `json:"disk"`   // size string, e.g. "5G"
	SSHUsername string `json:"ssh_username"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Address is the listen address for /metrics. Empty disables the endpoint.
	Address string `json:"address"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// This is intended for testing only.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from SPINVM_CONFIG or /etc/spinvm/config.json.
// When the default file does not exist the defaults are returned; an
// explicitly configured file must exist.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		if _, err := os.Stat(DefaultConfigPath); os.IsNotExist(err) {
			cfg := DefaultConfig()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return cfg, nil
		}
		configPath = DefaultConfigPath
	}

	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path.
// Returns error if file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s (unset %s to use defaults)", path, ConfigEnvVar)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultDriver returns the backend driver used when none is configured.
func DefaultDriver() string {
	if runtime.GOOS == "darwin" {
		return DriverVZ
	}
	return DriverQEMU
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:  "/var/lib/spinvm",
			CacheDir: "/var/cache/spinvm",
			StateDir: "/run/spinvm",
		},
		Backend: BackendConfig{
			Driver:        DefaultDriver(),
			LibvirtSocket: "/var/run/libvirt/libvirt-sock",
		},
		Network: NetworkConfig{
			Bridge:  "spinvmbr0",
			Subnet:  "10.77.0.0/24",
			Dnsmasq: true,
		},
		Timeouts: TimeoutsConfig{
			Start:         "5m",
			Shutdown:      "3m",
			SSH:           "2m",
			PollInterval:  "500ms",
			QMPCommand:    "5s",
			RetryBackoff:  "1s",
			RetryAttempts: 3,
		},
		Defaults: DefaultsConfig{
			CPUs:        1,
			Memory:      "1G",
			Disk:        "5G",
			SSHUsername: "ubuntu",
		},
	}
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	c.applyPathDefaults(defaults)
	c.applyBackendDefaults(defaults)
	c.applyNetworkDefaults(defaults)
	c.applyTimeoutsDefaults(defaults)
	c.applyLaunchDefaults(defaults)
}

func (c *Config) applyPathDefaults(defaults *Config) {
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = defaults.Paths.DataDir
	}
	if c.Paths.CacheDir == "" {
		c.Paths.CacheDir = defaults.Paths.CacheDir
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	// Binary paths are left empty for auto-discovery
}

func (c *Config) applyBackendDefaults(defaults *Config) {
	if c.Backend.Driver == "" {
		c.Backend.Driver = defaults.Backend.Driver
	}
	if c.Backend.LibvirtSocket == "" {
		c.Backend.LibvirtSocket = defaults.Backend.LibvirtSocket
	}
}

func (c *Config) applyNetworkDefaults(defaults *Config) {
	if c.Network.Bridge == "" {
		c.Network.Bridge = defaults.Network.Bridge
	}
	if c.Network.Subnet == "" {
		c.Network.Subnet = defaults.Network.Subnet
	}
}

func (c *Config) applyTimeoutsDefaults(defaults *Config) {
	if c.Timeouts.Start == "" {
		c.Timeouts.Start = defaults.Timeouts.Start
	}
	if c.Timeouts.Shutdown == "" {
		c.Timeouts.Shutdown = defaults.Timeouts.Shutdown
	}
	if c.Timeouts.SSH == "" {
		c.Timeouts.SSH = defaults.Timeouts.SSH
	}
	if c.Timeouts.PollInterval == "" {
		c.Timeouts.PollInterval = defaults.Timeouts.PollInterval
	}
	if c.Timeouts.QMPCommand == "" {
		c.Timeouts.QMPCommand = defaults.Timeouts.QMPCommand
	}
	if c.Timeouts.RetryBackoff == "" {
		c.Timeouts.RetryBackoff = defaults.Timeouts.RetryBackoff
	}
	if c.Timeouts.RetryAttempts == 0 {
		c.Timeouts.RetryAttempts = defaults.Timeouts.RetryAttempts
	}
}

func (c *Config) applyLaunchDefaults(defaults *Config) {
	if c.Defaults.CPUs == 0 {
		c.Defaults.CPUs = defaults.Defaults.CPUs
	}
	if c.Defaults.Memory == "" {
		c.Defaults.Memory = defaults.Defaults.Memory
	}
	if c.Defaults.Disk == "" {
		c.Defaults.Disk = defaults.Defaults.Disk
	}
	if c.Defaults.SSHUsername == "" {
		c.Defaults.SSHUsername = defaults.Defaults.SSHUsername
	}
}
