package virtualization

import "github.com/javanstorm/vzkit/pkg/hypervisor"

// Default display geometry.
const (
	DefaultDisplayWidth  = 1920
	DefaultDisplayHeight = 1080
	DefaultDisplayPPI    = 80
)

// GraphicsDeviceConfiguration is a graphics device for the builder.
type GraphicsDeviceConfiguration interface {
	Handle() *Handle
	Release()
	isGraphicsDevice()
}

// MacGraphicsDisplayConfiguration is one display of a Mac graphics device.
type MacGraphicsDisplayConfiguration struct {
	object
	width, height, ppi int64
}

// Width in pixels.
func (d *MacGraphicsDisplayConfiguration) Width() int64 { return d.width }

// Height in pixels.
func (d *MacGraphicsDisplayConfiguration) Height() int64 { return d.height }

// PixelsPerInch of the emulated panel.
func (d *MacGraphicsDisplayConfiguration) PixelsPerInch() int64 { return d.ppi }

// NewMacGraphicsDisplayConfiguration creates a display at the default
// geometry.
func (rt *Runtime) NewMacGraphicsDisplayConfiguration() (*MacGraphicsDisplayConfiguration, error) {
	return rt.NewMacGraphicsDisplayConfigurationWithResolution(DefaultDisplayWidth, DefaultDisplayHeight)
}

// NewMacGraphicsDisplayConfigurationWithResolution creates a display of the
// given size at the default pixel density.
func (rt *Runtime) NewMacGraphicsDisplayConfigurationWithResolution(width, height int64) (*MacGraphicsDisplayConfiguration, error) {
	const op = "create mac graphics display"
	o, err := rt.simple(op, func() (hypervisor.Object, error) {
		return rt.driver.NewMacGraphicsDisplay(width, height, DefaultDisplayPPI)
	})
	if err != nil {
		return nil, err
	}
	return &MacGraphicsDisplayConfiguration{object: o, width: width, height: height, ppi: DefaultDisplayPPI}, nil
}

// MacGraphicsDeviceConfiguration is the Apple paravirtualized GPU. It needs a
// Mac platform.
type MacGraphicsDeviceConfiguration struct {
	object
}

func (*MacGraphicsDeviceConfiguration) isGraphicsDevice() {}

// NewMacGraphicsDeviceConfiguration creates a Mac graphics device with the
// given displays.
func (rt *Runtime) NewMacGraphicsDeviceConfiguration(displays ...*MacGraphicsDisplayConfiguration) (*MacGraphicsDeviceConfiguration, error) {
	const op = "create mac graphics device"
	parts, err := handlesOf(op, displays)
	if err != nil {
		return nil, err
	}
	c, err := rt.compose(op, parts, rt.driver.NewMacGraphicsDevice)
	if err != nil {
		return nil, err
	}
	return &MacGraphicsDeviceConfiguration{object: c}, nil
}

// VirtioGraphicsScanoutConfiguration is one output of a virtio GPU.
type VirtioGraphicsScanoutConfiguration struct {
	object
	width, height int64
}

// Width in pixels.
func (s *VirtioGraphicsScanoutConfiguration) Width() int64 { return s.width }

// Height in pixels.
func (s *VirtioGraphicsScanoutConfiguration) Height() int64 { return s.height }

// NewVirtioGraphicsScanoutConfiguration creates a scanout.
func (rt *Runtime) NewVirtioGraphicsScanoutConfiguration(width, height int64) (*VirtioGraphicsScanoutConfiguration, error) {
	const op = "create virtio graphics scanout"
	o, err := rt.simple(op, func() (hypervisor.Object, error) {
		return rt.driver.NewVirtioGraphicsScanout(width, height)
	})
	if err != nil {
		return nil, err
	}
	return &VirtioGraphicsScanoutConfiguration{object: o, width: width, height: height}, nil
}

// VirtioGraphicsDeviceConfiguration is a virtio GPU.
type VirtioGraphicsDeviceConfiguration struct {
	object
}

func (*VirtioGraphicsDeviceConfiguration) isGraphicsDevice() {}

// NewVirtioGraphicsDeviceConfiguration creates a virtio GPU with the given
// scanouts.
func (rt *Runtime) NewVirtioGraphicsDeviceConfiguration(scanouts ...*VirtioGraphicsScanoutConfiguration) (*VirtioGraphicsDeviceConfiguration, error) {
	const op = "create virtio graphics device"
	parts, err := handlesOf(op, scanouts)
	if err != nil {
		return nil, err
	}
	c, err := rt.compose(op, parts, rt.driver.NewVirtioGraphicsDevice)
	if err != nil {
		return nil, err
	}
	return &VirtioGraphicsDeviceConfiguration{object: c}, nil
}
