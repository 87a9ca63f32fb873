package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vzkit/internal/config"
	"github.com/javanstorm/vzkit/pkg/virtualization"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Fetch or inspect a macOS restore image",
	Long: `Download the newest macOS restore image this host supports, or inspect a
local .ipsw file with --load. The image's hardware model is what
'macvm bundle init' uses to create a macOS bundle.`,
	Args: cobra.NoArgs,
	RunE: runRestore,
}

var (
	restoreLoad   string
	restoreOutput string
)

func init() {
	restoreCmd.Flags().StringVar(&restoreLoad, "load", "", "Inspect a local restore image instead of downloading")
	restoreCmd.Flags().StringVarP(&restoreOutput, "output", "o", "", "Download destination (default from config)")
}

func runRestore(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	var img *virtualization.RestoreImage
	if restoreLoad != "" {
		img, err = rt.LoadRestoreImage(restoreLoad)
		if err != nil {
			return fmt.Errorf("load restore image: %w", err)
		}
	} else {
		dest := restoreOutput
		if dest == "" {
			dest = config.Global.RestoreImage
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("create download dir: %w", err)
		}
		fmt.Fprintf(out, "Fetching the latest supported restore image to %s...\n", dest)

		res := <-rt.FetchLatestSupportedRestoreImageC(cmd.Context(), dest)
		if res.Err != nil {
			return fmt.Errorf("fetch restore image: %w", res.Err)
		}
		img = res.Image
	}
	defer img.Release()

	fmt.Fprintf(out, "URL:       %s\n", img.URL())
	fmt.Fprintf(out, "Build:     %s\n", img.BuildVersion())
	if !img.Supported() {
		fmt.Fprintln(out, "Supported: no")
		return fmt.Errorf("restore image is not supported on this host")
	}
	fmt.Fprintln(out, "Supported: yes")
	return nil
}
