package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = falls back to a default
}

// ValidateConfig checks cfg for values the commands cannot use.
func ValidateConfig(cfg *Config) []ValidationError {
	var errors []ValidationError

	if cfg.CPUs == 0 {
		errors = append(errors, ValidationError{
			Field:   "cpus",
			Message: "at least one CPU is required",
			Fatal:   true,
		})
	}

	if _, err := cfg.MemoryBytes(); err != nil {
		errors = append(errors, ValidationError{
			Field:   "memory",
			Message: err.Error(),
			Fatal:   true,
		})
	}

	if cfg.DisplayWidth <= 0 || cfg.DisplayHeight <= 0 {
		errors = append(errors, ValidationError{
			Field:   "display",
			Message: fmt.Sprintf("invalid display size %dx%d", cfg.DisplayWidth, cfg.DisplayHeight),
			Fatal:   true,
		})
	}

	switch cfg.Driver {
	case DriverNative, DriverSim:
	default:
		errors = append(errors, ValidationError{
			Field:   "driver",
			Message: fmt.Sprintf("unknown driver %q (want %q or %q)", cfg.Driver, DriverNative, DriverSim),
			Fatal:   true,
		})
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		errors = append(errors, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("%v, using info", err),
			Fatal:   false,
		})
	}

	return errors
}

// HasFatal reports whether any issue prevents running.
func HasFatal(errors []ValidationError) bool {
	for _, e := range errors {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration problems:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
