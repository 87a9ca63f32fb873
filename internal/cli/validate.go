package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vzkit/internal/vm"
	"github.com/javanstorm/vzkit/pkg/virtualization"
)

var validateCmd = &cobra.Command{
	Use:   "validate [name|path]",
	Short: "Check that a bundle describes a valid machine",
	Long: `Build the bundle's configuration and run the framework's validation
without starting anything. Exits non-zero with the reason when the
configuration is rejected.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	mgr, err := newManager(args, vm.ManagerConfig{})
	if err != nil {
		return err
	}
	defer mgr.Close()

	out := cmd.OutOrStdout()
	if err := mgr.Validate(); err != nil {
		fmt.Fprintf(out, "%s: invalid\n", mgr.Bundle().Dir)
		printDiagnostics(out, err)
		return err
	}
	fmt.Fprintf(out, "%s: valid\n", mgr.Bundle().Dir)
	return nil
}

// printDiagnostics explains a configuration failure.
func printDiagnostics(out io.Writer, err error) {
	var verr *virtualization.ValidationError
	switch {
	case errors.As(err, &verr) && verr.Field != "":
		fmt.Fprintf(out, "  missing: %s\n", verr.Field)
	case errors.As(err, &verr):
		fmt.Fprintf(out, "  reason: %s\n", verr.Reason)
	case errors.Is(err, vm.ErrUnsupportedHardware):
		fmt.Fprintln(out, "  the bundle's hardware model cannot run on this host")
	case errors.Is(err, virtualization.ErrUnsupported):
		fmt.Fprintln(out, "  a requested feature is not available on this host")
	default:
		fmt.Fprintf(out, "  %v\n", err)
	}
}

// newManager opens the bundle named by args and a runtime, and fills them
// into cfg.
func newManager(args []string, cfg vm.ManagerConfig) (*vm.Manager, error) {
	b, err := openBundle(args)
	if err != nil {
		return nil, err
	}
	rt, err := newRuntime()
	if err != nil {
		return nil, err
	}
	cfg.Runtime = rt
	cfg.Bundle = b
	cfg.Log = logrus.WithField("component", "vm")
	return vm.NewManager(cfg)
}
