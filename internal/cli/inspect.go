package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/spin-stack/spinvm/internal/daemon"
	"github.com/spin-stack/spinvm/internal/version"
)

var outputFormat string

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List instances",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var infoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show instance details",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the configured hypervisor is usable",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if outputFormat == "table" {
			fmt.Fprintf(cmd.OutOrStdout(), "spinvmd %s\n", version.Info())
			return nil
		}
		return printStructured(cmd.OutOrStdout(), outputFormat, version.Get())
	},
}

func init() {
	for _, c := range []*cobra.Command{listCmd, infoCmd, versionCmd} {
		c.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json or yaml)")
	}
}

// printStructured writes v as json or yaml.
func printStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q: must be table, json or yaml", format)
}

func stateLabel(info daemon.Info) string {
	if info.Deleted {
		return info.State + " (deleted)"
	}
	return info.State
}

func printInstances(w io.Writer, format string, infos []daemon.Info) error {
	if format != "table" {
		return printStructured(w, format, infos)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tCPUS\tMEMORY\tDISK\tIMAGE")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			info.Name, stateLabel(info), info.CPUs, info.Memory, info.Disk, info.Image)
	}
	return tw.Flush()
}

func printInfo(w io.Writer, format string, info *daemon.Info) error {
	if format != "table" {
		return printStructured(w, format, info)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "Name:\t%s\n", info.Name)
	fmt.Fprintf(tw, "State:\t%s\n", stateLabel(*info))
	if info.ShutdownIn > 0 {
		fmt.Fprintf(tw, "Shutdown in:\t%s\n", info.ShutdownIn.Round(time.Second))
	}
	if info.IPv4 != "" {
		fmt.Fprintf(tw, "IPv4:\t%s\n", info.IPv4)
	}
	fmt.Fprintf(tw, "Image:\t%s\n", info.Image)
	fmt.Fprintf(tw, "CPUs:\t%d\n", info.CPUs)
	fmt.Fprintf(tw, "Memory:\t%s\n", info.Memory)
	fmt.Fprintf(tw, "Disk:\t%s\n", info.Disk)
	fmt.Fprintf(tw, "MAC:\t%s\n", info.MAC)
	fmt.Fprintf(tw, "Snapshots:\t%d\n", info.Snapshots)
	if info.Head != "" {
		fmt.Fprintf(tw, "Snapshot head:\t%s\n", info.Head)
	}
	return tw.Flush()
}

func runList(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		infos, err := d.List(ctx)
		if err != nil {
			return err
		}
		if len(infos) == 0 && outputFormat == "table" {
			fmt.Fprintln(cmd.OutOrStdout(), "No instances found.")
			return nil
		}
		return printInstances(cmd.OutOrStdout(), outputFormat, infos)
	})
}

func runInfo(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		info, err := d.Info(ctx, args[0])
		if err != nil {
			return err
		}
		return printInfo(cmd.OutOrStdout(), outputFormat, info)
	})
}

func runHealth(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		if err := d.HealthCheck(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", d.Backend().Name())
		return nil
	})
}
