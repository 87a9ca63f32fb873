//go:build darwin && arm64

package hypervisor

import (
	"context"
	"fmt"

	"github.com/Code-Hex/vz/v3"
)

// Mac guests need Apple silicon; these helpers back the Mac-only driver calls.

func newMacOSBootLoader() (any, error) {
	return vz.NewMacOSBootLoader()
}

func newMacGraphicsDisplay(width, height, ppi int64) (any, error) {
	return vz.NewMacGraphicsDisplayConfiguration(width, height, ppi)
}

func newMacGraphicsDevice(displays []any) (any, error) {
	dev, err := vz.NewMacGraphicsDeviceConfiguration()
	if err != nil {
		return nil, err
	}
	list := make([]*vz.MacGraphicsDisplayConfiguration, 0, len(displays))
	for _, d := range displays {
		list = append(list, d.(*vz.MacGraphicsDisplayConfiguration))
	}
	dev.SetDisplays(list...)
	return dev, nil
}

func newMacTrackpad() (any, error) {
	return vz.NewMacTrackpadConfiguration()
}

func newMacHardwareModel(data []byte) (any, error) {
	return vz.NewMacHardwareModelWithData(data)
}

func macHardwareModelSupported(v any) bool {
	hw, ok := v.(*vz.MacHardwareModel)
	return ok && hw.Supported()
}

func newMacMachineIdentifier(data []byte) (any, error) {
	if len(data) == 0 {
		return vz.NewMacMachineIdentifier()
	}
	return vz.NewMacMachineIdentifierWithData(data)
}

func dataRepresentation(v any) ([]byte, error) {
	switch o := v.(type) {
	case *vz.MacHardwareModel:
		return o.DataRepresentation(), nil
	case *vz.MacMachineIdentifier:
		return o.DataRepresentation(), nil
	}
	return nil, fmt.Errorf("vzDriver: data representation: %w", ErrWrongKind)
}

func loadMacAuxiliaryStorage(path string) (any, error) {
	return vz.NewMacAuxiliaryStorage(path)
}

func createMacAuxiliaryStorage(path string, hw any) (any, error) {
	return vz.NewMacAuxiliaryStorage(path, vz.WithCreatingMacAuxiliaryStorage(hw.(*vz.MacHardwareModel)))
}

func newMacPlatform(hw, id, aux any) (any, error) {
	return vz.NewMacPlatformConfiguration(
		vz.WithMacAuxiliaryStorage(aux.(*vz.MacAuxiliaryStorage)),
		vz.WithMacHardwareModel(hw.(*vz.MacHardwareModel)),
		vz.WithMacMachineIdentifier(id.(*vz.MacMachineIdentifier)),
	)
}

func loadRestoreImage(path string) (any, error) {
	return vz.LoadMacOSRestoreImageFromPath(path)
}

// fetchLatestRestoreImage downloads the newest supported image to destPath
// and loads it once the transfer completes.
func fetchLatestRestoreImage(ctx context.Context, destPath string) (any, error) {
	progress, err := vz.FetchLatestSupportedMacOSRestoreImage(ctx, destPath)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-progress.Finished():
	}
	if err := progress.Err(); err != nil {
		return nil, err
	}
	img, err := vz.LoadMacOSRestoreImageFromPath(destPath)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, nil
	}
	return img, nil
}

func restoreImageInfo(v any) (RestoreImageInfo, any) {
	img, ok := v.(*vz.MacOSRestoreImage)
	if !ok {
		return RestoreImageInfo{}, nil
	}
	info := RestoreImageInfo{
		URL:          img.URL(),
		BuildVersion: img.BuildVersion(),
	}
	req := img.MostFeaturefulSupportedConfiguration()
	if req == nil {
		return info, nil
	}
	hw := req.HardwareModel()
	if hw == nil {
		return info, nil
	}
	return info, hw
}

func startOptions(opts StartOptions) ([]vz.VirtualMachineStartOption, error) {
	if !opts.BootMacOSRecovery {
		return nil, nil
	}
	return []vz.VirtualMachineStartOption{vz.WithStartUpFromMacOSRecovery(true)}, nil
}
