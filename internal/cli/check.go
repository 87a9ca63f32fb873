package cli

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Show hypervisor support on this host",
	Long: `Report the hypervisor driver, host version, whether virtualization is
supported and the CPU and memory bounds a configuration must respect.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	info := rt.Info()
	host := "unknown"
	if info.HostVersion != nil {
		host = info.HostVersion.String()
	}
	fmt.Fprintf(out, "Driver:       %s %s (%s)\n", info.Name, info.Version, info.Arch)
	fmt.Fprintf(out, "Host version: %s\n", host)

	if !rt.Supported() {
		fmt.Fprintln(out, "Supported:    no")
		return fmt.Errorf("virtualization is not supported on this host")
	}
	fmt.Fprintln(out, "Supported:    yes")

	l := rt.ConfigurationLimits()
	fmt.Fprintf(out, "CPUs:         %d - %d\n", l.MinCPUCount, l.MaxCPUCount)
	fmt.Fprintf(out, "Memory:       %s - %s\n",
		units.BytesSize(float64(l.MinMemorySize)), units.BytesSize(float64(l.MaxMemorySize)))
	return nil
}
