//go:build linux

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "relative data dir",
			mutate:  func(c *Config) { c.Paths.DataDir = "var/lib/spinvm" },
			wantErr: "data_dir must be absolute",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Backend.Driver = "hyperkit" },
			wantErr: "driver must be one of",
		},
		{
			name: "libvirt without socket",
			mutate: func(c *Config) {
				c.Backend.Driver = DriverLibvirt
				c.Backend.LibvirtSocket = ""
			},
			wantErr: "libvirt_socket",
		},
		{
			name:    "bridge name too long",
			mutate:  func(c *Config) { c.Network.Bridge = "averyveryverylongbridge" },
			wantErr: "exceeds 15 characters",
		},
		{
			name:    "subnet prefix too long",
			mutate:  func(c *Config) { c.Network.Subnet = "10.0.0.0/31" },
			wantErr: "prefix must be < 31",
		},
		{
			name:    "ipv6 subnet",
			mutate:  func(c *Config) { c.Network.Subnet = "fd00::/64" },
			wantErr: "must be IPv4",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Timeouts.SSH = "forever" },
			wantErr: "ssh: invalid duration",
		},
		{
			name:    "negative duration",
			mutate:  func(c *Config) { c.Timeouts.Start = "-1s" },
			wantErr: "must be positive",
		},
		{
			name:    "retry attempts out of range",
			mutate:  func(c *Config) { c.Timeouts.RetryAttempts = 0 },
			wantErr: "retry_attempts",
		},
		{
			name:    "memory too small",
			mutate:  func(c *Config) { c.Defaults.Memory = "64M" },
			wantErr: "at least 128MiB",
		},
		{
			name:    "unparseable disk",
			mutate:  func(c *Config) { c.Defaults.Disk = "lots" },
			wantErr: "disk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCanonicalizePath(t *testing.T) {
	tmpDir := t.TempDir()
	realDir := filepath.Join(tmpDir, "realdir")
	if err := os.MkdirAll(realDir, 0750); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(tmpDir, "linkdir")
	if err := os.Symlink(realDir, link); err != nil {
		t.Fatal(err)
	}

	got, err := canonicalizePath(link)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := filepath.EvalSymlinks(realDir)
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	missing := filepath.Join(tmpDir, "does", "not", "exist")
	got, err = canonicalizePath(missing)
	if err != nil {
		t.Fatal(err)
	}
	if got != missing {
		t.Errorf("expected %s, got %s", missing, got)
	}
}

func TestValidateExecutable(t *testing.T) {
	tmpDir := t.TempDir()

	exe := filepath.Join(tmpDir, "qemu-img")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0700); err != nil {
		t.Fatal(err)
	}
	plain := filepath.Join(tmpDir, "plain")
	if err := os.WriteFile(plain, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := validateExecutable(exe, "qemu_img_path"); err != nil {
		t.Errorf("expected executable to validate: %v", err)
	}
	if err := validateExecutable(plain, "qemu_img_path"); err == nil || !strings.Contains(err.Error(), "not executable") {
		t.Errorf("expected not executable error, got %v", err)
	}
	if err := validateExecutable(tmpDir, "qemu_img_path"); err == nil || !strings.Contains(err.Error(), "is a directory") {
		t.Errorf("expected directory error, got %v", err)
	}
	if err := validateExecutable(filepath.Join(tmpDir, "nope"), "qemu_img_path"); err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}
