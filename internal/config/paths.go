// Package config provides configuration management for macvm.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for macvm.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/macvm
	// Linux: ~/.config/macvm (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir holds bundles and restore images.
	// All platforms: ~/.macvm
	DataDir string

	// BundlesDir is where named bundles live.
	BundlesDir string

	// ConfigFile is the path to the main config file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for macvm.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{}
	p.DataDir = filepath.Join(home, ".macvm")
	p.BundlesDir = filepath.Join(p.DataDir, "bundles")

	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "macvm")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "macvm")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "macvm")
		}
	}

	p.ConfigFile = filepath.Join(p.ConfigDir, "config.yaml")

	return p, nil
}

// EnsureDirectories creates the config, data and bundle directories.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.BundlesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// BundlePath resolves a bundle argument. Names without a path separator
// refer to bundles under BundlesDir.
func (p *Paths) BundlePath(nameOrPath string) string {
	if nameOrPath == "" {
		return ""
	}
	if filepath.IsAbs(nameOrPath) || filepath.Base(nameOrPath) != nameOrPath {
		return nameOrPath
	}
	return filepath.Join(p.BundlesDir, nameOrPath)
}
