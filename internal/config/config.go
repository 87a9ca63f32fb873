package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// Driver names accepted by the driver setting.
const (
	DriverNative = "native"
	DriverSim    = "sim"
)

// Config holds all macvm configuration.
type Config struct {
	// LogLevel is a logrus level name.
	LogLevel string `mapstructure:"log_level"`

	// Driver selects the hypervisor backend: "native" for the host
	// framework, "sim" for the in-memory simulator.
	Driver string `mapstructure:"driver"`

	// Bundle is the bundle used when a command gets none.
	Bundle string `mapstructure:"bundle"`

	// BundlesDir holds named bundles.
	BundlesDir string `mapstructure:"bundles_dir"`

	// CPUs and Memory size new bundles. Memory is a human size like "4GiB".
	CPUs   uint   `mapstructure:"cpus"`
	Memory string `mapstructure:"memory"`

	// DisplayWidth and DisplayHeight size the display of new macOS bundles.
	DisplayWidth  int64 `mapstructure:"display_width"`
	DisplayHeight int64 `mapstructure:"display_height"`

	// RestoreImage is where fetched restore images are stored.
	RestoreImage string `mapstructure:"restore_image"`
}

// DefaultConfig returns a Config with the example defaults: one CPU, 1 GiB
// and an 800x600 display.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		paths = &Paths{
			DataDir:    "/tmp/macvm",
			BundlesDir: "/tmp/macvm/bundles",
		}
	}

	return &Config{
		LogLevel:      "info",
		Driver:        DriverNative,
		Bundle:        "default",
		BundlesDir:    paths.BundlesDir,
		CPUs:          1,
		Memory:        "1GiB",
		DisplayWidth:  800,
		DisplayHeight: 600,
		RestoreImage:  filepath.Join(paths.DataDir, "RestoreImage.ipsw"),
	}
}

// MemoryBytes parses Memory.
func (c *Config) MemoryBytes() (uint64, error) {
	n, err := units.RAMInBytes(c.Memory)
	if err != nil {
		return 0, fmt.Errorf("memory %q: %w", c.Memory, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("memory %q: must be positive", c.Memory)
	}
	return uint64(n), nil
}

// Global holds the loaded configuration.
var Global *Config

// Load reads configuration from file, environment, and defaults into Global.
func Load() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("failed to determine paths: %w", err)
	}
	cfg, err := load(viper.GetViper(), paths.ConfigDir, paths.DataDir)
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

func load(v *viper.Viper, dirs ...string) (*Config, error) {
	defaults := DefaultConfig()
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("driver", defaults.Driver)
	v.SetDefault("bundle", defaults.Bundle)
	v.SetDefault("bundles_dir", defaults.BundlesDir)
	v.SetDefault("cpus", defaults.CPUs)
	v.SetDefault("memory", defaults.Memory)
	v.SetDefault("display_width", defaults.DisplayWidth)
	v.SetDefault("display_height", defaults.DisplayHeight)
	v.SetDefault("restore_image", defaults.RestoreImage)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}

	// MACVM_CPUS, MACVM_LOG_LEVEL, ...
	v.SetEnvPrefix("MACVM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the path of the config file being used, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
