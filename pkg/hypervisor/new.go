package hypervisor

import (
	"runtime"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// SupportedPlatform returns true if the current platform has a native driver.
func SupportedPlatform() bool {
	switch runtime.GOOS {
	case "darwin", "linux":
		return true
	default:
		return false
	}
}

// NewDriver creates the native driver for the current platform.
// This function is implemented in platform-specific files using build tags.
// See driver_darwin.go and driver_linux.go.

// ParseHostVersion parses an OS product version such as "14.5" or
// "6.8.0-45-generic", padding missing components. It returns nil when s does
// not start with a numeric version.
func ParseHostVersion(s string) *semver.Version {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "-+ "); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return nil
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	v, err := semver.NewVersion(strings.Join(parts, "."))
	if err != nil {
		return nil
	}
	return v
}
