package sim

import (
	"fmt"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

func (d *Driver) Limits() hypervisor.Limits { return d.opts.limits }

func (d *Driver) NewConfiguration(spec hypervisor.ConfigurationSpec) (hypervisor.Object, error) {
	const op = "create configuration"
	if spec.BootLoader == nil {
		return nil, &hypervisor.NativeError{Op: op, Description: "boot loader is required"}
	}
	if _, err := d.object(op, spec.BootLoader,
		hypervisor.KindLinuxBootLoader, hypervisor.KindMacOSBootLoader, hypervisor.KindEFIBootLoader); err != nil {
		return nil, err
	}
	if spec.Platform != nil {
		if _, err := d.object(op, spec.Platform, hypervisor.KindMacPlatform, hypervisor.KindGenericPlatform); err != nil {
			return nil, err
		}
	}

	lists := []struct {
		objs []hypervisor.Object
		want []hypervisor.Kind
	}{
		{spec.Storage, []hypervisor.Kind{hypervisor.KindVirtioBlockDevice}},
		{spec.Network, []hypervisor.Kind{hypervisor.KindVirtioNetworkDevice}},
		{spec.Graphics, []hypervisor.Kind{hypervisor.KindMacGraphicsDevice, hypervisor.KindVirtioGraphicsDevice}},
		{spec.Pointing, []hypervisor.Kind{hypervisor.KindUSBPointingDevice, hypervisor.KindMacTrackpad}},
		{spec.Keyboards, []hypervisor.Kind{hypervisor.KindUSBKeyboard}},
		{spec.Audio, []hypervisor.Kind{hypervisor.KindVirtioSoundDevice}},
		{spec.Entropy, []hypervisor.Kind{hypervisor.KindVirtioEntropyDevice}},
		{spec.MemoryBalloon, []hypervisor.Kind{hypervisor.KindVirtioBalloonDevice}},
		{spec.Serial, []hypervisor.Kind{hypervisor.KindVirtioConsoleSerialPort}},
		{spec.Socket, []hypervisor.Kind{hypervisor.KindVirtioSocketDevice}},
		{spec.DirectorySharing, []hypervisor.Kind{hypervisor.KindVirtioFileSystemDevice}},
	}
	for _, l := range lists {
		if _, err := d.objects(op, l.objs, l.want...); err != nil {
			return nil, err
		}
	}

	o := d.newObject(hypervisor.KindConfiguration)
	o.spec = &spec
	return o, nil
}

// ValidateConfiguration applies the framework's documented consistency rules.
func (d *Driver) ValidateConfiguration(cfg hypervisor.Object) error {
	const op = "validate configuration"
	o, err := d.object(op, cfg, hypervisor.KindConfiguration)
	if err != nil {
		return err
	}
	spec := o.spec
	invalid := func(format string, args ...any) error {
		return &hypervisor.NativeError{
			Op:          op,
			Domain:      "VZErrorDomain",
			Code:        2,
			Description: fmt.Sprintf(format, args...),
		}
	}

	l := d.opts.limits
	if spec.CPUCount < l.MinCPUCount || spec.CPUCount > l.MaxCPUCount {
		return invalid("CPU count %d is outside the allowed range [%d, %d]", spec.CPUCount, l.MinCPUCount, l.MaxCPUCount)
	}
	if spec.MemorySize < l.MinMemorySize || spec.MemorySize > l.MaxMemorySize {
		return invalid("memory size %d is outside the allowed range [%d, %d]", spec.MemorySize, l.MinMemorySize, l.MaxMemorySize)
	}
	if spec.MemorySize%mib != 0 {
		return invalid("memory size must be a multiple of 1 MiB")
	}

	macPlatform := spec.Platform != nil && spec.Platform.Kind() == hypervisor.KindMacPlatform
	if spec.BootLoader.Kind() == hypervisor.KindMacOSBootLoader && !macPlatform {
		return invalid("the macOS boot loader requires a Mac platform configuration")
	}
	if macPlatform && !d.opts.hwSupported {
		return invalid("the hardware model is not supported on this host")
	}
	for _, g := range spec.Graphics {
		if g.Kind() == hypervisor.KindMacGraphicsDevice && !macPlatform {
			return invalid("Mac graphics devices require a Mac platform configuration")
		}
	}
	for _, p := range spec.Pointing {
		if p.Kind() == hypervisor.KindMacTrackpad && !macPlatform {
			return invalid("the Mac trackpad requires a Mac platform configuration")
		}
	}
	if len(spec.MemoryBalloon) > 1 {
		return invalid("at most one memory balloon device is allowed")
	}
	if len(spec.Socket) > 1 {
		return invalid("at most one socket device is allowed")
	}
	tags := make(map[string]bool)
	for _, s := range spec.DirectorySharing {
		tag := s.(*Object).tag
		if tags[tag] {
			return invalid("duplicate directory share tag %q", tag)
		}
		tags[tag] = true
	}
	return nil
}

func (d *Driver) NewMachine(cfg hypervisor.Object) (hypervisor.Machine, error) {
	if _, err := d.object("create machine", cfg, hypervisor.KindConfiguration); err != nil {
		return nil, err
	}
	m := &Machine{
		Object:  d.newObject(hypervisor.KindMachine),
		opts:    d.opts,
		state:   hypervisor.StateStopped,
		changed: make(chan hypervisor.State, 32),
	}
	return m, nil
}
