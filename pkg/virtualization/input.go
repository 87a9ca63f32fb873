package virtualization

// PointingDeviceConfiguration is a pointing device for the builder.
type PointingDeviceConfiguration interface {
	Handle() *Handle
	Release()
	isPointingDevice()
}

// KeyboardConfiguration is a keyboard for the builder.
type KeyboardConfiguration interface {
	Handle() *Handle
	Release()
	isKeyboard()
}

// USBScreenCoordinatePointingDeviceConfiguration is a USB absolute pointer.
type USBScreenCoordinatePointingDeviceConfiguration struct {
	object
}

func (*USBScreenCoordinatePointingDeviceConfiguration) isPointingDevice() {}

func (rt *Runtime) NewUSBScreenCoordinatePointingDeviceConfiguration() (*USBScreenCoordinatePointingDeviceConfiguration, error) {
	o, err := rt.simple("create USB pointing device", rt.driver.NewUSBPointingDevice)
	if err != nil {
		return nil, err
	}
	return &USBScreenCoordinatePointingDeviceConfiguration{object: o}, nil
}

// MacTrackpadConfiguration is a multi-touch trackpad. It needs a Mac
// platform.
type MacTrackpadConfiguration struct {
	object
}

func (*MacTrackpadConfiguration) isPointingDevice() {}

func (rt *Runtime) NewMacTrackpadConfiguration() (*MacTrackpadConfiguration, error) {
	o, err := rt.simple("create mac trackpad", rt.driver.NewMacTrackpad)
	if err != nil {
		return nil, err
	}
	return &MacTrackpadConfiguration{object: o}, nil
}

// USBKeyboardConfiguration is a USB keyboard.
type USBKeyboardConfiguration struct {
	object
}

func (*USBKeyboardConfiguration) isKeyboard() {}

func (rt *Runtime) NewUSBKeyboardConfiguration() (*USBKeyboardConfiguration, error) {
	o, err := rt.simple("create USB keyboard", rt.driver.NewUSBKeyboard)
	if err != nil {
		return nil, err
	}
	return &USBKeyboardConfiguration{object: o}, nil
}
