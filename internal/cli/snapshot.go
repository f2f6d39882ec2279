package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/spin-stack/spinvm/internal/daemon"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage instance snapshots",
	Long:  `Create, list and delete snapshots of stopped instances.`,
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <instance>",
	Short: "Create a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotCreate,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list <instance>",
	Short: "List snapshots",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotList,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <instance> <snapshot>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE:  runSnapshotDelete,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <instance> <snapshot>",
	Short: "Roll a stopped instance back to a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE:  runRestore,
}

var (
	snapshotName    string
	snapshotComment string
)

func init() {
	snapshotCreateCmd.Flags().StringVarP(&snapshotName, "name", "n", "", "Snapshot name (snapshotN when empty)")
	snapshotCreateCmd.Flags().StringVar(&snapshotComment, "comment", "", "Free-form comment")

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		snap, err := d.Snapshot(ctx, args[0], snapshotName, snapshotComment)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Snapshot created: %s.%s\n", args[0], snap.Name)
		return nil
	})
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		snaps, err := d.Snapshots(ctx, args[0])
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No snapshots found. Create one with: spinvmd snapshot create %s\n", args[0])
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tPARENT\tCREATED\tCOMMENT")
		for _, s := range snaps {
			parent := s.Parent
			if parent == "" {
				parent = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, parent, s.CreatedAt.Format("2006-01-02 15:04:05"), s.Comment)
		}
		return tw.Flush()
	})
}

func runSnapshotDelete(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		return d.DeleteSnapshot(ctx, args[0], args[1])
	})
}

func runRestore(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		if err := d.Restore(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %s to %s\n", args[0], args[1])
		return nil
	})
}
