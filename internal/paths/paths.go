// Package paths provides standard filesystem paths used by spinvm.
// These helpers take configuration as input to avoid global config coupling.
// The binary lookups may probe the filesystem when auto-discovering paths.
package paths

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spin-stack/spinvm/internal/config"
)

// RegistryPath returns the bbolt database holding instance records and snapshot tables.
func RegistryPath(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.DataDir, "registry.db")
}

// InstancesDir returns the directory holding one subdirectory per instance for a backend.
func InstancesDir(pathsCfg config.PathsConfig, driver string) string {
	return filepath.Join(pathsCfg.DataDir, driver, "vault", "instances")
}

// InstanceDir returns the directory owning all backend artifacts of one instance.
func InstanceDir(pathsCfg config.PathsConfig, driver, name string) string {
	return filepath.Join(InstancesDir(pathsCfg, driver), name)
}

// ImageCacheDir returns the directory where prepared source images are kept.
func ImageCacheDir(pathsCfg config.PathsConfig, driver string) string {
	return filepath.Join(pathsCfg.CacheDir, driver, "images")
}

// SSHKeysDir returns the directory holding the daemon's guest access keypair.
func SSHKeysDir(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.CacheDir, "ssh-keys")
}

// NetworkDir returns the runtime directory used by the bridge's DHCP server.
func NetworkDir(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, "network")
}

// QMPSocketPath returns the QMP control socket for a QEMU instance.
func QMPSocketPath(pathsCfg config.PathsConfig, name string) string {
	return filepath.Join(pathsCfg.StateDir, "qemu", name+".qmp")
}

// QemuPath returns the full path to the qemu-system binary for the host architecture
func QemuPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.QEMUPath != "" {
		return pathsCfg.QEMUPath
	}
	bin := "qemu-system-" + qemuArch()
	return discover(bin, pathsCfg.DataDir, filepath.Join("/usr/bin", bin))
}

// QemuImgPath returns the full path to the qemu-img binary
func QemuImgPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.QEMUImgPath != "" {
		return pathsCfg.QEMUImgPath
	}
	return discover("qemu-img", pathsCfg.DataDir, "/usr/bin/qemu-img")
}

// DnsmasqPath returns the full path to the dnsmasq binary
func DnsmasqPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.DnsmasqPath != "" {
		return pathsCfg.DnsmasqPath
	}
	return discover("dnsmasq", pathsCfg.DataDir, "/usr/sbin/dnsmasq")
}

// ISOToolPath returns the tool used to build cloud-init seed images.
// On macOS this is hdiutil; elsewhere genisoimage is preferred over mkisofs.
func ISOToolPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.ISOToolPath != "" {
		return pathsCfg.ISOToolPath
	}
	if runtime.GOOS == "darwin" {
		return "/usr/bin/hdiutil"
	}
	if p := discover("genisoimage", pathsCfg.DataDir, ""); p != "" {
		return p
	}
	return discover("mkisofs", pathsCfg.DataDir, "/usr/bin/genisoimage")
}

func qemuArch() string {
	switch runtime.GOARCH {
	case "arm64":
		return "aarch64"
	default:
		return "x86_64"
	}
}

// discover looks for a helper binary in the bundled bin directory first,
// then in the usual system locations, then on PATH.
func discover(bin, dataDir, fallback string) string {
	candidates := []string{
		filepath.Join(dataDir, "bin", bin),
		filepath.Join("/usr/bin", bin),
		filepath.Join("/usr/sbin", bin),
		filepath.Join("/usr/local/bin", bin),
		filepath.Join("/opt/homebrew/bin", bin),
	}

	for _, path := range candidates {
		if fileExists(path) {
			return path
		}
	}

	if path, err := exec.LookPath(bin); err == nil {
		return path
	}

	return fallback
}

// fileExists checks if a file exists, resolving symlinks to the real path.
// This surfaces the real target but does not prevent TOCTOU issues.
func fileExists(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && !info.IsDir()
}

// dirExists checks if a directory exists, resolving symlinks to the real path.
func dirExists(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && info.IsDir()
}

// EnsureDirs creates the data, cache and state directories.
func EnsureDirs(pathsCfg config.PathsConfig) error {
	for _, dir := range []string{pathsCfg.DataDir, pathsCfg.CacheDir, pathsCfg.StateDir} {
		if dirExists(dir) {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return nil
}
