//go:build darwin && !arm64

package hypervisor

import (
	"context"
	"fmt"

	"github.com/Code-Hex/vz/v3"
)

// Intel hosts cannot run Mac guests; every Mac-only call fails.

func macOnly(what string) error {
	return fmt.Errorf("vzDriver: %s requires Apple silicon: %w", what, ErrUnsupported)
}

func newMacOSBootLoader() (any, error) { return nil, macOnly("macOS boot loader") }

func newMacGraphicsDisplay(width, height, ppi int64) (any, error) {
	return nil, macOnly("Mac graphics display")
}

func newMacGraphicsDevice(displays []any) (any, error) {
	return nil, macOnly("Mac graphics device")
}

func newMacTrackpad() (any, error) { return nil, macOnly("Mac trackpad") }

func newMacHardwareModel(data []byte) (any, error) { return nil, macOnly("hardware model") }

func macHardwareModelSupported(v any) bool { return false }

func newMacMachineIdentifier(data []byte) (any, error) {
	return nil, macOnly("machine identifier")
}

func dataRepresentation(v any) ([]byte, error) { return nil, macOnly("data representation") }

func loadMacAuxiliaryStorage(path string) (any, error) {
	return nil, macOnly("auxiliary storage")
}

func createMacAuxiliaryStorage(path string, hw any) (any, error) {
	return nil, macOnly("auxiliary storage")
}

func newMacPlatform(hw, id, aux any) (any, error) { return nil, macOnly("Mac platform") }

func loadRestoreImage(path string) (any, error) { return nil, macOnly("restore image") }

func fetchLatestRestoreImage(ctx context.Context, destPath string) (any, error) {
	return nil, macOnly("restore image")
}

func restoreImageInfo(v any) (RestoreImageInfo, any) { return RestoreImageInfo{}, nil }

func startOptions(opts StartOptions) ([]vz.VirtualMachineStartOption, error) {
	if opts.BootMacOSRecovery {
		return nil, macOnly("recovery boot")
	}
	return nil, nil
}
