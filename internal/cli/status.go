package cli

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vzkit/internal/bundle"
	"github.com/javanstorm/vzkit/internal/vm"
)

var statusCmd = &cobra.Command{
	Use:   "status [name|path]",
	Short: "Show bundle information",
	Long:  `Display a bundle's manifest, platform identity, boot history and snapshots.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	b, err := openBundle(args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	m := b.Manifest

	fmt.Fprintf(out, "Bundle: %s\n", b.Dir)
	if !b.HasManifest {
		fmt.Fprintln(out, "  (no bundle.toml, using defaults)")
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Guest:   %s\n", m.Guest)
	fmt.Fprintf(out, "CPUs:    %d\n", m.CPUs)
	fmt.Fprintf(out, "Memory:  %s\n", m.Memory)
	if m.Display.Width > 0 {
		fmt.Fprintf(out, "Display: %dx%d\n", m.Display.Width, m.Display.Height)
	}
	switch m.Guest {
	case bundle.GuestMacOS:
		identity := "missing"
		if b.HasIdentity() {
			identity = "present"
		}
		fmt.Fprintf(out, "Identity: %s\n", identity)
	case bundle.GuestLinux:
		fmt.Fprintf(out, "Kernel:  %s\n", m.Linux.Kernel)
		if m.Linux.Initrd != "" {
			fmt.Fprintf(out, "Initrd:  %s\n", m.Linux.Initrd)
		}
		fmt.Fprintf(out, "Cmdline: %s\n", m.Linux.CommandLine)
	}
	for _, d := range m.Disks {
		fmt.Fprintf(out, "Disk:    %s%s\n", d.Path, readOnlySuffix(d.ReadOnly))
	}
	for _, s := range m.Shares {
		fmt.Fprintf(out, "Share:   %s -> %s%s\n", s.Tag, s.Path, readOnlySuffix(s.ReadOnly))
	}

	rec, err := vm.NewStateFile(b.Dir).Load()
	if err != nil {
		fmt.Fprintf(out, "\nBoot history: unavailable (%v)\n", err)
	} else {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Boot history:")
		fmt.Fprintf(out, "  Boot count: %d\n", rec.BootCount)
		if !rec.LastBoot.IsZero() {
			fmt.Fprintf(out, "  Last boot:  %s\n", rec.LastBoot.Format(time.RFC3339))
		}
		if !rec.LastShutdown.IsZero() {
			clean := "clean"
			if !rec.CleanShutdown {
				clean = "unclean"
			}
			fmt.Fprintf(out, "  Last stop:  %s (%s)\n", rec.LastShutdown.Format(time.RFC3339), clean)
		}
		if rec.LastError != "" {
			fmt.Fprintf(out, "  Last error: %s\n", rec.LastError)
		}
	}

	snapshots, err := vm.NewSnapshotManager(b).List()
	if err == nil && len(snapshots) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Snapshots:")
		for _, s := range snapshots {
			fmt.Fprintf(out, "  %-20s %s  %s\n", s.Name, s.CreatedAt.Format("2006-01-02 15:04"),
				units.BytesSize(float64(s.DiskSize())))
		}
	}
	return nil
}

func readOnlySuffix(ro bool) string {
	if ro {
		return " (read-only)"
	}
	return ""
}
