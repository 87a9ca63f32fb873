package vm

import (
	"errors"
	"fmt"

	"github.com/javanstorm/vzkit/internal/bundle"
	"github.com/javanstorm/vzkit/pkg/virtualization"
)

// ErrUnsupportedHardware is returned when a bundle's hardware model cannot
// run on this host.
var ErrUnsupportedHardware = errors.New("vm: hardware model is not supported on this host")

type releaser interface{ Release() }

// assembler collects everything created for one configuration. The builder
// takes its own references, so all of it is released once Build returns.
type assembler struct {
	rt    *virtualization.Runtime
	b     *bundle.Bundle
	owned []releaser
}

func (a *assembler) own(r releaser) {
	a.owned = append(a.owned, r)
}

func (a *assembler) release() {
	for i := len(a.owned) - 1; i >= 0; i-- {
		a.owned[i].Release()
	}
	a.owned = nil
}

// Configure turns a bundle into a built configuration. console, when not
// nil, becomes the guest's virtio console; otherwise the manifest's serial
// log is used if set.
func Configure(rt *virtualization.Runtime, b *bundle.Bundle, console virtualization.SerialPortAttachment) (*virtualization.Configuration, error) {
	m := b.Manifest
	if err := m.Check(); err != nil {
		return nil, err
	}
	mem, err := m.MemoryBytes()
	if err != nil {
		return nil, err
	}

	a := &assembler{rt: rt, b: b}
	defer a.release()

	builder := rt.NewConfigurationBuilder().
		CPUCount(m.CPUs).
		MemorySize(mem)

	switch m.Guest {
	case bundle.GuestMacOS:
		builder, err = a.macOS(builder)
	case bundle.GuestLinux:
		builder, err = a.linux(builder)
	}
	if err != nil {
		return nil, err
	}

	if builder, err = a.devices(builder, console); err != nil {
		return nil, err
	}
	return builder.Build()
}

func (a *assembler) macOS(builder virtualization.ConfigurationBuilder) (virtualization.ConfigurationBuilder, error) {
	rt, b := a.rt, a.b
	hwData, err := b.HardwareModel()
	if err != nil {
		return builder, err
	}
	idData, err := b.MachineIdentifier()
	if err != nil {
		return builder, err
	}

	hw, err := rt.NewMacHardwareModel(hwData)
	if err != nil {
		return builder, err
	}
	a.own(hw)
	if !hw.Supported() {
		return builder, ErrUnsupportedHardware
	}
	id, err := rt.NewMacMachineIdentifier(idData)
	if err != nil {
		return builder, err
	}
	a.own(id)
	aux, err := rt.LoadMacAuxiliaryStorage(b.Path(bundle.AuxiliaryStorageFile))
	if err != nil {
		return builder, err
	}
	a.own(aux)
	platform, err := rt.NewMacPlatformConfiguration(hw, id, aux)
	if err != nil {
		return builder, err
	}
	a.own(platform)
	loader, err := rt.NewMacOSBootLoader()
	if err != nil {
		return builder, err
	}
	a.own(loader)

	d := b.Manifest.Display
	display, err := rt.NewMacGraphicsDisplayConfigurationWithResolution(d.Width, d.Height)
	if err != nil {
		return builder, err
	}
	a.own(display)
	graphics, err := rt.NewMacGraphicsDeviceConfiguration(display)
	if err != nil {
		return builder, err
	}
	a.own(graphics)
	pointer, err := rt.NewUSBScreenCoordinatePointingDeviceConfiguration()
	if err != nil {
		return builder, err
	}
	a.own(pointer)

	return builder.
		BootLoader(loader).
		Platform(platform).
		GraphicsDevices(graphics).
		PointingDevices(pointer), nil
}

func (a *assembler) linux(builder virtualization.ConfigurationBuilder) (virtualization.ConfigurationBuilder, error) {
	rt, b := a.rt, a.b
	l := b.Manifest.Linux

	stage := rt.NewLinuxBootLoaderBuilder().Kernel(b.Path(l.Kernel))
	if l.Initrd != "" {
		stage = stage.Initrd(b.Path(l.Initrd))
	}
	if l.CommandLine != "" {
		stage = stage.CommandLine(l.CommandLine)
	}
	loader, err := stage.Build()
	if err != nil {
		return builder, err
	}
	a.own(loader)
	platform, err := rt.NewGenericPlatformConfiguration()
	if err != nil {
		return builder, err
	}
	a.own(platform)
	builder = builder.BootLoader(loader).Platform(platform)

	d := b.Manifest.Display
	if d.Width == 0 {
		return builder, nil
	}
	scanout, err := rt.NewVirtioGraphicsScanoutConfiguration(d.Width, d.Height)
	if err != nil {
		return builder, err
	}
	a.own(scanout)
	graphics, err := rt.NewVirtioGraphicsDeviceConfiguration(scanout)
	if err != nil {
		return builder, err
	}
	a.own(graphics)
	pointer, err := rt.NewUSBScreenCoordinatePointingDeviceConfiguration()
	if err != nil {
		return builder, err
	}
	a.own(pointer)
	return builder.GraphicsDevices(graphics).PointingDevices(pointer), nil
}

// devices adds the guest-independent devices.
func (a *assembler) devices(builder virtualization.ConfigurationBuilder, console virtualization.SerialPortAttachment) (virtualization.ConfigurationBuilder, error) {
	rt, b := a.rt, a.b
	m := b.Manifest

	var storage []virtualization.StorageDeviceConfiguration
	for _, d := range m.Disks {
		att, err := rt.NewDiskImageStorageDeviceAttachment(b.Path(d.Path), d.ReadOnly)
		if err != nil {
			return builder, fmt.Errorf("disk %s: %w", d.Path, err)
		}
		a.own(att)
		dev, err := rt.NewVirtioBlockDeviceConfiguration(att)
		if err != nil {
			return builder, err
		}
		a.own(dev)
		storage = append(storage, dev)
	}
	builder = builder.StorageDevices(storage...)

	if m.Network != nil {
		mac, err := m.MACAddress()
		if err != nil {
			return builder, err
		}
		nat, err := rt.NewNATNetworkDeviceAttachment()
		if err != nil {
			return builder, err
		}
		a.own(nat)
		dev, err := rt.NewVirtioNetworkDeviceConfiguration(nat, mac)
		if err != nil {
			return builder, err
		}
		a.own(dev)
		builder = builder.NetworkDevices(dev)
	}

	if m.Audio {
		sound, err := a.sound()
		if err != nil {
			return builder, err
		}
		builder = builder.AudioDevices(sound)
	}

	if m.Keyboard {
		kb, err := rt.NewUSBKeyboardConfiguration()
		if err != nil {
			return builder, err
		}
		a.own(kb)
		builder = builder.Keyboards(kb)
	}
	if m.Entropy {
		dev, err := rt.NewVirtioEntropyDeviceConfiguration()
		if err != nil {
			return builder, err
		}
		a.own(dev)
		builder = builder.EntropyDevices(dev)
	}
	if m.Balloon {
		dev, err := rt.NewVirtioTraditionalMemoryBalloonDeviceConfiguration()
		if err != nil {
			return builder, err
		}
		a.own(dev)
		builder = builder.MemoryBalloonDevices(dev)
	}
	if m.Socket {
		dev, err := rt.NewVirtioSocketDeviceConfiguration()
		if err != nil {
			return builder, err
		}
		a.own(dev)
		builder = builder.SocketDevices(dev)
	}

	if console == nil && m.SerialLog != "" {
		att, err := rt.NewFileSerialPortAttachment(b.Path(m.SerialLog), true)
		if err != nil {
			return builder, err
		}
		a.own(att)
		console = att
	}
	if console != nil {
		port, err := rt.NewVirtioConsoleDeviceSerialPortConfiguration(console)
		if err != nil {
			return builder, err
		}
		a.own(port)
		builder = builder.SerialPorts(port)
	}

	var shares []virtualization.DirectorySharingDeviceConfiguration
	for _, s := range m.Shares {
		dev, err := rt.NewVirtioFileSystemDeviceConfiguration(s.Tag, b.Path(s.Path), s.ReadOnly)
		if err != nil {
			return builder, fmt.Errorf("share %s: %w", s.Tag, err)
		}
		a.own(dev)
		shares = append(shares, dev)
	}
	return builder.DirectorySharingDevices(shares...), nil
}

// sound is a virtio sound device with one host input and one host output.
func (a *assembler) sound() (*virtualization.VirtioSoundDeviceConfiguration, error) {
	rt := a.rt
	source, err := rt.NewHostAudioInputStreamSource()
	if err != nil {
		return nil, err
	}
	a.own(source)
	sink, err := rt.NewHostAudioOutputStreamSink()
	if err != nil {
		return nil, err
	}
	a.own(sink)
	in, err := rt.NewVirtioSoundDeviceInputStreamConfiguration(source)
	if err != nil {
		return nil, err
	}
	a.own(in)
	out, err := rt.NewVirtioSoundDeviceOutputStreamConfiguration(sink)
	if err != nil {
		return nil, err
	}
	a.own(out)
	sound, err := rt.NewVirtioSoundDeviceConfiguration(in, out)
	if err != nil {
		return nil, err
	}
	a.own(sound)
	return sound, nil
}
