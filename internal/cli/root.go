// Package cli provides the command-line interface for macvm.
package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/javanstorm/vzkit/internal/bundle"
	"github.com/javanstorm/vzkit/internal/config"
	"github.com/javanstorm/vzkit/pkg/hypervisor"
	"github.com/javanstorm/vzkit/pkg/hypervisor/sim"
	"github.com/javanstorm/vzkit/pkg/virtualization"
)

var rootCmd = &cobra.Command{
	Use:   "macvm",
	Short: "macvm - run macOS and Linux guests with Virtualization.framework",
	Long: `macvm runs virtual machines described by bundle directories.

A bundle holds the platform identity of a macOS guest (hardware model,
machine identifier and auxiliary storage) or the boot files of a Linux
guest, plus an optional bundle.toml manifest describing its devices.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		if err := config.Load(); err != nil {
			return err
		}
		problems := config.ValidateConfig(config.Global)
		if len(problems) > 0 {
			fmt.Fprint(cmd.ErrOrStderr(), config.FormatValidationErrors(problems))
			if config.HasFatal(problems) {
				return fmt.Errorf("invalid configuration")
			}
		}
		return setupLogging(cmd)
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("bundle", "b", "", "Bundle name or path (default from config)")
	flags.String("driver", "", "Hypervisor driver: native or sim")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	viper.BindPFlag("bundle", flags.Lookup("bundle"))
	viper.BindPFlag("driver", flags.Lookup("driver"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func setupLogging(cmd *cobra.Command) error {
	level, err := logrus.ParseLevel(config.Global.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetOutput(cmd.ErrOrStderr())
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// openDriver returns the driver named by the driver setting.
var openDriver = func(name string) (hypervisor.Driver, error) {
	switch name {
	case config.DriverSim:
		return sim.New(), nil
	case config.DriverNative, "":
		return hypervisor.NewDriver()
	}
	return nil, fmt.Errorf("unknown driver %q", name)
}

// newRuntime opens the configured driver.
func newRuntime() (*virtualization.Runtime, error) {
	d, err := openDriver(config.Global.Driver)
	if err != nil {
		return nil, fmt.Errorf("open driver: %w", err)
	}
	return virtualization.NewRuntime(d, virtualization.WithLogger(logrus.WithField("component", "virtualization"))), nil
}

// bundleDir resolves a bundle argument, falling back to the configured
// bundle.
func bundleDir(args []string) string {
	name := config.Global.Bundle
	if len(args) > 0 && args[0] != "" {
		name = args[0]
	}
	paths := &config.Paths{BundlesDir: config.Global.BundlesDir}
	return paths.BundlePath(name)
}

// openBundle opens the bundle named by args or the configuration.
func openBundle(args []string) (*bundle.Bundle, error) {
	b, err := bundle.Open(bundleDir(args))
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	return b, nil
}
