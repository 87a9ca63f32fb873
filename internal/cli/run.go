package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vzkit/internal/gui"
	"github.com/javanstorm/vzkit/internal/terminal"
	"github.com/javanstorm/vzkit/internal/timing"
	"github.com/javanstorm/vzkit/internal/vm"
)

// Run timing (MACVM_TIMING=1) logs these phases:
//   - configure: manifest to configuration, identity files read
//   - validate:  framework validation
//   - create:    machine creation
//   - start:     start completion delivered

var runCmd = &cobra.Command{
	Use:   "run [name|path]",
	Short: "Start a bundle and wait for it to stop",
	Long: `Start the machine described by a bundle.

By default macvm waits until the guest shuts down; Ctrl+C asks the guest to
stop and forces it off after --stop-timeout. With --attach the guest's
serial console is connected to this terminal (Ctrl+] twice detaches and
stops the guest); with --window it opens in a terminal window instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var (
	runAttach      bool
	runWindow      bool
	runRecovery    bool
	runStopTimeout time.Duration
)

func init() {
	f := runCmd.Flags()
	f.BoolVarP(&runAttach, "attach", "a", false, "Connect the serial console to this terminal")
	f.BoolVarP(&runWindow, "window", "w", false, "Show the serial console in a window")
	f.BoolVar(&runRecovery, "recovery", false, "Boot a macOS guest into recovery")
	f.DurationVar(&runStopTimeout, "stop-timeout", vm.DefaultStopTimeout, "How long to wait for the guest to stop before forcing it")
}

func runRun(cmd *cobra.Command, args []string) error {
	var timer *timing.Timer
	if timing.Enabled() {
		timer = timing.New()
	}

	mgr, err := newManager(args, vm.ManagerConfig{
		Console:     runAttach || runWindow,
		Recovery:    runRecovery,
		StopTimeout: runStopTimeout,
		Timer:       timer,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	out := cmd.OutOrStdout()
	if err := mgr.Prepare(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: cannot create machine\n", mgr.Bundle().Dir)
		printDiagnostics(cmd.ErrOrStderr(), err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	if timer != nil {
		timer.Log(logrus.WithField("component", "timing"))
	}
	name := filepath.Base(mgr.Bundle().Dir)
	fmt.Fprintf(out, "Started %s\n", name)

	switch {
	case runWindow:
		in, guestOut, err := mgr.Console()
		if err != nil {
			return err
		}
		d := mgr.Bundle().Manifest.Display
		gui.RunConsole(gui.WindowConfig{
			Title:  "macvm - " + name,
			Width:  float32(d.Width),
			Height: float32(d.Height),
		}, in, guestOut)

	case runAttach:
		in, guestOut, err := mgr.Console()
		if err != nil {
			return err
		}
		err = terminal.Current().Attach(ctx, in, guestOut)
		if err != nil && !errors.Is(err, terminal.ErrEscapeSequence) && !errors.Is(err, context.Canceled) {
			logrus.WithError(err).Warn("console detached")
		}

	default:
		if err := mgr.Wait(ctx); ctx.Err() == nil {
			// The guest stopped on its own.
			return err
		}
	}
	return shutdown(out, mgr)
}

// shutdown stops a machine that is still up and reports how its run ended.
func shutdown(out io.Writer, mgr *vm.Manager) error {
	if st := mgr.State(); st == vm.StateRunning || st == vm.StatePaused {
		fmt.Fprintln(out, "Stopping...")
		ctx, cancel := context.WithTimeout(context.Background(), runStopTimeout+10*time.Second)
		defer cancel()
		if err := mgr.Stop(ctx); err != nil {
			return fmt.Errorf("stop VM: %w", err)
		}
	}
	return mgr.LastError()
}
