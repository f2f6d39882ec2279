// Package cli provides the spinvmd command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/spin-stack/spinvm/internal/config"
	"github.com/spin-stack/spinvm/internal/daemon"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	driver     string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "spinvmd",
	Short: "spinvm - virtual machine lifecycle manager",
	Long: `spinvmd creates, starts, stops, snapshots and clones lightweight VMs
on QEMU, libvirt or Virtualization.framework.

"spinvmd serve" keeps the daemon running with its metrics endpoint. Every
other command opens the instance registry directly and exits when done.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(); err != nil {
			return err
		}
		switch cmd.Name() {
		case "version", "completion", "help":
			return nil
		}
		return loadConfig()
	},
}

// Execute runs the root command. Interrupts cancel the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to the configuration file (default $"+config.ConfigEnvVar+" or "+config.DefaultConfigPath+")")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "text", "Log format (text or json)")
	flags.StringVar(&driver, "driver", "", "Override the configured backend driver")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(resizeCmd)
	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(addressCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(restoreCmd)
}

func setupLogging() error {
	if err := log.SetLevel(logLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	switch logFormat {
	case "json":
		return log.SetFormat(log.JSONFormat)
	case "text":
		return log.SetFormat(log.TextFormat)
	}
	return fmt.Errorf("invalid log format %q: must be text or json", logFormat)
}

func loadConfig() error {
	var err error
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Get()
	}
	if err != nil {
		return err
	}
	if driver != "" {
		cfg.Backend.Driver = driver
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// openDaemon builds the daemon and loads its instances. reg may be nil.
func openDaemon(ctx context.Context, reg prometheus.Registerer) (*daemon.Daemon, error) {
	d, err := daemon.New(ctx, daemon.Options{Config: cfg, Registerer: reg})
	if err != nil {
		return nil, err
	}
	if err := d.Load(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// withDaemon runs fn against a daemon that is closed afterwards.
func withDaemon(cmd *cobra.Command, fn func(ctx context.Context, d *daemon.Daemon) error) (retErr error) {
	ctx := cmd.Context()
	d, err := openDaemon(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()
	return fn(ctx, d)
}
