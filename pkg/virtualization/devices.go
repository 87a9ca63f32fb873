package virtualization

// EntropyDeviceConfiguration is an entropy source for the builder.
type EntropyDeviceConfiguration interface {
	Handle() *Handle
	Release()
	isEntropyDevice()
}

// MemoryBalloonDeviceConfiguration is a memory balloon for the builder.
type MemoryBalloonDeviceConfiguration interface {
	Handle() *Handle
	Release()
	isMemoryBalloonDevice()
}

// SocketDeviceConfiguration is a host-guest socket device for the builder.
type SocketDeviceConfiguration interface {
	Handle() *Handle
	Release()
	isSocketDevice()
}

// VirtioEntropyDeviceConfiguration exposes host randomness to the guest.
type VirtioEntropyDeviceConfiguration struct {
	object
}

func (*VirtioEntropyDeviceConfiguration) isEntropyDevice() {}

func (rt *Runtime) NewVirtioEntropyDeviceConfiguration() (*VirtioEntropyDeviceConfiguration, error) {
	o, err := rt.simple("create entropy device", rt.driver.NewVirtioEntropyDevice)
	if err != nil {
		return nil, err
	}
	return &VirtioEntropyDeviceConfiguration{object: o}, nil
}

// VirtioTraditionalMemoryBalloonDeviceConfiguration lets the host reclaim
// guest memory. At most one per configuration.
type VirtioTraditionalMemoryBalloonDeviceConfiguration struct {
	object
}

func (*VirtioTraditionalMemoryBalloonDeviceConfiguration) isMemoryBalloonDevice() {}

func (rt *Runtime) NewVirtioTraditionalMemoryBalloonDeviceConfiguration() (*VirtioTraditionalMemoryBalloonDeviceConfiguration, error) {
	o, err := rt.simple("create memory balloon", rt.driver.NewVirtioBalloonDevice)
	if err != nil {
		return nil, err
	}
	return &VirtioTraditionalMemoryBalloonDeviceConfiguration{object: o}, nil
}

// VirtioSocketDeviceConfiguration is a vsock device. At most one per
// configuration.
type VirtioSocketDeviceConfiguration struct {
	object
}

func (*VirtioSocketDeviceConfiguration) isSocketDevice() {}

func (rt *Runtime) NewVirtioSocketDeviceConfiguration() (*VirtioSocketDeviceConfiguration, error) {
	o, err := rt.simple("create socket device", rt.driver.NewVirtioSocketDevice)
	if err != nil {
		return nil, err
	}
	return &VirtioSocketDeviceConfiguration{object: o}, nil
}
