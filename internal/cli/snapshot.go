package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vzkit/internal/vm"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Backup/restore bundle disks",
	Long: `Create, list, restore, and delete snapshots of a bundle's writable disks
and, for macOS guests, its auxiliary storage. The machine must be stopped.`,
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotCreate,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotList,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore a snapshot",
	Long:  `Overwrite the bundle's disks with a snapshot after verifying its checksums.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotRestore,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotDelete,
}

var snapshotDescription string

func init() {
	snapshotCreateCmd.Flags().StringVarP(&snapshotDescription, "description", "d", "", "Description for the snapshot")

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
}

// snapshotManager returns the snapshot manager of the --bundle bundle.
func snapshotManager() (*vm.SnapshotManager, error) {
	b, err := openBundle(nil)
	if err != nil {
		return nil, err
	}
	return vm.NewSnapshotManager(b), nil
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	mgr, err := snapshotManager()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Creating snapshot '%s'...\n", args[0])
	entry, err := mgr.Create(args[0], snapshotDescription)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Snapshot created: %s (%d files, %s)\n",
		entry.Name, len(entry.Files), units.BytesSize(float64(entry.DiskSize())))
	return nil
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	mgr, err := snapshotManager()
	if err != nil {
		return err
	}
	snapshots, err := mgr.List()
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No snapshots.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tSIZE\tDESCRIPTION")
	for _, s := range snapshots {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.CreatedAt.Format(time.DateTime),
			units.BytesSize(float64(s.DiskSize())), s.Description)
	}
	return w.Flush()
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	mgr, err := snapshotManager()
	if err != nil {
		return err
	}
	if err := mgr.Restore(args[0]); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored snapshot '%s'\n", args[0])
	return nil
}

func runSnapshotDelete(cmd *cobra.Command, args []string) error {
	mgr, err := snapshotManager()
	if err != nil {
		return err
	}
	if err := mgr.Delete(args[0]); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted snapshot '%s'\n", args[0])
	return nil
}
