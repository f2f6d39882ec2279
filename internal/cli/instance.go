package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/spf13/cobra"

	"github.com/spin-stack/spinvm/internal/daemon"
	"github.com/spin-stack/spinvm/internal/host/vm"
	"github.com/spin-stack/spinvm/internal/memsize"
)

var launchCmd = &cobra.Command{
	Use:   "launch <image>",
	Short: "Create an instance from a disk image",
	Long: `Create an instance from a qcow2 or raw cloud image. Unset resources take
the configured defaults and an unnamed instance gets a generated name.`,
	Args: cobra.ExactArgs(1),
	RunE: runLaunch,
}

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start or resume an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			return d.Start(ctx, args[0])
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop an instance",
	Long: `Ask the guest to power off and halt it when it does not comply in time.
With --time the shutdown is scheduled instead; --cancel aborts it.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

var suspendCmd = &cobra.Command{
	Use:   "suspend <name>",
	Short: "Pause a running instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			return d.Suspend(ctx, args[0])
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Move an instance to the trash",
	Long:  `Stop the instance and move it to the trash. Use --purge to remove it for good.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var recoverCmd = &cobra.Command{
	Use:   "recover <name>",
	Short: "Take an instance out of the trash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			return d.Recover(ctx, args[0])
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every trashed instance",
	Args:  cobra.NoArgs,
	RunE:  runPurge,
}

var resizeCmd = &cobra.Command{
	Use:   "resize <name>",
	Short: "Change the CPUs, memory or disk of an instance",
	Long: `Change instance resources. The disk can only grow and only while the
instance is off. CPU and memory changes of a running instance depend on
the backend.`,
	Args: cobra.ExactArgs(1),
	RunE: runResize,
}

var cloneCmd = &cobra.Command{
	Use:   "clone <name>",
	Short: "Copy a stopped instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runClone,
}

var addressCmd = &cobra.Command{
	Use:   "address <name>",
	Short: "Wait for the guest address and print user@host",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddress,
}

var (
	launchName     string
	launchCPUs     int
	launchMemory   string
	launchDisk     string
	launchUser     string
	launchUserData string
	launchNetworks []string
	launchStart    bool

	stopForce  bool
	stopDelay  time.Duration
	stopCancel bool

	deletePurge bool

	resizeCPUs   int
	resizeMemory string
	resizeDisk   string
)

func init() {
	f := launchCmd.Flags()
	f.StringVarP(&launchName, "name", "n", "", "Instance name (generated when empty)")
	f.IntVarP(&launchCPUs, "cpus", "c", 0, "Number of virtual CPUs")
	f.StringVarP(&launchMemory, "memory", "m", "", "Memory size, e.g. 2G")
	f.StringVarP(&launchDisk, "disk", "d", "", "Disk size, e.g. 10G")
	f.StringVar(&launchUser, "ssh-user", "", "Login user created by cloud-init")
	f.StringVar(&launchUserData, "cloud-init", "", "File with extra cloud-init user-data")
	f.StringArrayVar(&launchNetworks, "network", nil, "Extra interface as id[,mac=<mac>][,mode=auto|manual] (repeatable)")
	f.BoolVar(&launchStart, "start", false, "Start the instance after creating it")

	stopCmd.Flags().BoolVarP(&stopForce, "force", "f", false, "Halt the guest immediately")
	stopCmd.Flags().DurationVarP(&stopDelay, "time", "t", 0, "Schedule the shutdown after this delay")
	stopCmd.Flags().BoolVar(&stopCancel, "cancel", false, "Cancel a scheduled shutdown")

	deleteCmd.Flags().BoolVarP(&deletePurge, "purge", "p", false, "Remove the instance instead of trashing it")

	resizeCmd.Flags().IntVarP(&resizeCPUs, "cpus", "c", 0, "New number of virtual CPUs")
	resizeCmd.Flags().StringVarP(&resizeMemory, "memory", "m", "", "New memory size")
	resizeCmd.Flags().StringVarP(&resizeDisk, "disk", "d", "", "New disk size")
}

// parseSize parses an optional size flag. Empty means unset.
func parseSize(flag, value string) (memsize.Size, error) {
	if value == "" {
		return 0, nil
	}
	size, err := memsize.Parse(value)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", flag, err)
	}
	return size, nil
}

// parseInterface parses id[,mac=<mac>][,mode=auto|manual].
func parseInterface(spec string) (vm.NetworkInterface, error) {
	parts := strings.Split(spec, ",")
	iface := vm.NetworkInterface{ID: strings.TrimSpace(parts[0]), AutoMode: true}
	if iface.ID == "" {
		return iface, fmt.Errorf("network %q: missing id: %w", spec, errdefs.ErrInvalidArgument)
	}
	for _, opt := range parts[1:] {
		key, value, ok := strings.Cut(opt, "=")
		if !ok {
			return iface, fmt.Errorf("network %q: option %q is not key=value: %w", spec, opt, errdefs.ErrInvalidArgument)
		}
		switch key {
		case "mac":
			iface.MACAddress = value
		case "mode":
			switch value {
			case "auto":
				iface.AutoMode = true
			case "manual":
				iface.AutoMode = false
			default:
				return iface, fmt.Errorf("network %q: mode must be auto or manual: %w", spec, errdefs.ErrInvalidArgument)
			}
		default:
			return iface, fmt.Errorf("network %q: unknown option %q: %w", spec, key, errdefs.ErrInvalidArgument)
		}
	}
	return iface, nil
}

func launchRequest(image string) (daemon.LaunchRequest, error) {
	req := daemon.LaunchRequest{
		Name:        launchName,
		Image:       image,
		CPUs:        launchCPUs,
		SSHUsername: launchUser,
		Start:       launchStart,
	}
	var err error
	if req.Memory, err = parseSize("memory", launchMemory); err != nil {
		return req, err
	}
	if req.Disk, err = parseSize("disk", launchDisk); err != nil {
		return req, err
	}
	if launchUserData != "" {
		if req.UserData, err = os.ReadFile(launchUserData); err != nil {
			return req, fmt.Errorf("read cloud-init user-data: %w", err)
		}
	}
	for _, spec := range launchNetworks {
		iface, err := parseInterface(spec)
		if err != nil {
			return req, err
		}
		req.ExtraInterfaces = append(req.ExtraInterfaces, iface)
	}
	return req, nil
}

func runLaunch(cmd *cobra.Command, args []string) error {
	req, err := launchRequest(args[0])
	if err != nil {
		return err
	}
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		info, err := d.Launch(ctx, req)
		if info != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Launched: %s\n", info.Name)
		}
		return err
	})
}

func runStop(cmd *cobra.Command, args []string) error {
	opts := daemon.StopOptions{Force: stopForce, Delay: stopDelay, Cancel: stopCancel}
	if opts.Cancel && (opts.Force || opts.Delay > 0) {
		return fmt.Errorf("--cancel cannot be combined with --force or --time: %w", errdefs.ErrInvalidArgument)
	}
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		if err := d.Stop(ctx, args[0], opts); err != nil {
			return err
		}
		if opts.Delay > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s will shut down in %s\n", args[0], opts.Delay)
		}
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		return d.Delete(ctx, args[0], deletePurge)
	})
}

func runPurge(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		purged, err := d.Purge(ctx)
		for _, name := range purged {
			fmt.Fprintf(cmd.OutOrStdout(), "Purged: %s\n", name)
		}
		return err
	})
}

func runResize(cmd *cobra.Command, args []string) error {
	req := daemon.ResizeRequest{CPUs: resizeCPUs}
	var err error
	if req.Memory, err = parseSize("memory", resizeMemory); err != nil {
		return err
	}
	if req.Disk, err = parseSize("disk", resizeDisk); err != nil {
		return err
	}
	if req == (daemon.ResizeRequest{}) {
		return fmt.Errorf("nothing to change, pass --cpus, --memory or --disk: %w", errdefs.ErrInvalidArgument)
	}
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		return d.Resize(ctx, args[0], req)
	})
}

func runClone(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		info, err := d.Clone(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cloned: %s\n", info.Name)
		return nil
	})
}

func runAddress(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		host, user, err := d.SSHHost(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s@%s\n", user, host)
		return nil
	})
}
