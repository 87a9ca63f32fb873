package virtualization

import "github.com/javanstorm/vzkit/pkg/hypervisor"

// AudioDeviceConfiguration is an audio device for the builder.
type AudioDeviceConfiguration interface {
	Handle() *Handle
	Release()
	isAudioDevice()
}

// SoundStreamConfiguration is an input or output stream of a sound device.
type SoundStreamConfiguration interface {
	Handle() *Handle
	Release()
	isSoundStream()
}

// HostAudioInputStreamSource captures from the host's default input.
type HostAudioInputStreamSource struct {
	object
}

func (rt *Runtime) NewHostAudioInputStreamSource() (*HostAudioInputStreamSource, error) {
	o, err := rt.simple("create host audio input", rt.driver.NewHostAudioInputSource)
	if err != nil {
		return nil, err
	}
	return &HostAudioInputStreamSource{object: o}, nil
}

// HostAudioOutputStreamSink plays to the host's default output.
type HostAudioOutputStreamSink struct {
	object
}

func (rt *Runtime) NewHostAudioOutputStreamSink() (*HostAudioOutputStreamSink, error) {
	o, err := rt.simple("create host audio output", rt.driver.NewHostAudioOutputSink)
	if err != nil {
		return nil, err
	}
	return &HostAudioOutputStreamSink{object: o}, nil
}

// VirtioSoundDeviceInputStreamConfiguration feeds a source to the guest.
type VirtioSoundDeviceInputStreamConfiguration struct {
	object
}

func (*VirtioSoundDeviceInputStreamConfiguration) isSoundStream() {}

func (rt *Runtime) NewVirtioSoundDeviceInputStreamConfiguration(source *HostAudioInputStreamSource) (*VirtioSoundDeviceInputStreamConfiguration, error) {
	const op = "create sound input stream"
	parts, err := handlesOf(op, []*HostAudioInputStreamSource{source})
	if err != nil {
		return nil, err
	}
	c, err := rt.compose(op, parts, func(objs []hypervisor.Object) (hypervisor.Object, error) {
		return rt.driver.NewSoundInputStream(objs[0])
	})
	if err != nil {
		return nil, err
	}
	return &VirtioSoundDeviceInputStreamConfiguration{object: c}, nil
}

// VirtioSoundDeviceOutputStreamConfiguration feeds guest audio to a sink.
type VirtioSoundDeviceOutputStreamConfiguration struct {
	object
}

func (*VirtioSoundDeviceOutputStreamConfiguration) isSoundStream() {}

func (rt *Runtime) NewVirtioSoundDeviceOutputStreamConfiguration(sink *HostAudioOutputStreamSink) (*VirtioSoundDeviceOutputStreamConfiguration, error) {
	const op = "create sound output stream"
	parts, err := handlesOf(op, []*HostAudioOutputStreamSink{sink})
	if err != nil {
		return nil, err
	}
	c, err := rt.compose(op, parts, func(objs []hypervisor.Object) (hypervisor.Object, error) {
		return rt.driver.NewSoundOutputStream(objs[0])
	})
	if err != nil {
		return nil, err
	}
	return &VirtioSoundDeviceOutputStreamConfiguration{object: c}, nil
}

// VirtioSoundDeviceConfiguration is a virtio sound card.
type VirtioSoundDeviceConfiguration struct {
	object
}

func (*VirtioSoundDeviceConfiguration) isAudioDevice() {}

// NewVirtioSoundDeviceConfiguration creates a sound device with the given
// streams, inputs and outputs in any order.
func (rt *Runtime) NewVirtioSoundDeviceConfiguration(streams ...SoundStreamConfiguration) (*VirtioSoundDeviceConfiguration, error) {
	const op = "create sound device"
	parts, err := handlesOf(op, streams)
	if err != nil {
		return nil, err
	}
	c, err := rt.compose(op, parts, rt.driver.NewVirtioSoundDevice)
	if err != nil {
		return nil, err
	}
	return &VirtioSoundDeviceConfiguration{object: c}, nil
}
