package virtualization

import (
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

// ConfigurationBuilder assembles a Configuration. Setters return a new
// builder and may be chained; setting a field twice keeps the last value.
// All builders derived from one NewConfigurationBuilder call share a single
// Build: once it succeeds every derived builder reports ErrBuilderConsumed.
type ConfigurationBuilder struct {
	rt       *Runtime
	consumed *atomic.Bool

	bootLoader BootLoader
	platform   PlatformConfiguration
	cpuCount   uint
	memorySize uint64

	storage   []StorageDeviceConfiguration
	network   []NetworkDeviceConfiguration
	graphics  []GraphicsDeviceConfiguration
	pointing  []PointingDeviceConfiguration
	keyboards []KeyboardConfiguration
	audio     []AudioDeviceConfiguration
	entropy   []EntropyDeviceConfiguration
	balloons  []MemoryBalloonDeviceConfiguration
	serial    []SerialPortConfiguration
	sockets   []SocketDeviceConfiguration
	shares    []DirectorySharingDeviceConfiguration
}

// NewConfigurationBuilder returns an empty builder.
func (rt *Runtime) NewConfigurationBuilder() ConfigurationBuilder {
	return ConfigurationBuilder{rt: rt, consumed: new(atomic.Bool)}
}

// BootLoader sets how the guest boots. Required.
func (b ConfigurationBuilder) BootLoader(l BootLoader) ConfigurationBuilder {
	b.bootLoader = l
	return b
}

// Platform sets the platform. Without one the framework default is used.
func (b ConfigurationBuilder) Platform(p PlatformConfiguration) ConfigurationBuilder {
	b.platform = p
	return b
}

// CPUCount sets the number of virtual CPUs. Required; the framework checks
// it against the host's limits at validation.
func (b ConfigurationBuilder) CPUCount(n uint) ConfigurationBuilder {
	b.cpuCount = n
	return b
}

// MemorySize is in bytes.
func (b ConfigurationBuilder) MemorySize(bytes uint64) ConfigurationBuilder {
	b.memorySize = bytes
	return b
}

// StorageDevices replaces the block devices, in guest order.
func (b ConfigurationBuilder) StorageDevices(devs ...StorageDeviceConfiguration) ConfigurationBuilder {
	b.storage = append([]StorageDeviceConfiguration(nil), devs...)
	return b
}

// NetworkDevices replaces the network adapters.
func (b ConfigurationBuilder) NetworkDevices(devs ...NetworkDeviceConfiguration) ConfigurationBuilder {
	b.network = append([]NetworkDeviceConfiguration(nil), devs...)
	return b
}

// GraphicsDevices replaces the graphics devices.
func (b ConfigurationBuilder) GraphicsDevices(devs ...GraphicsDeviceConfiguration) ConfigurationBuilder {
	b.graphics = append([]GraphicsDeviceConfiguration(nil), devs...)
	return b
}

// PointingDevices replaces the pointing devices.
func (b ConfigurationBuilder) PointingDevices(devs ...PointingDeviceConfiguration) ConfigurationBuilder {
	b.pointing = append([]PointingDeviceConfiguration(nil), devs...)
	return b
}

// Keyboards replaces the keyboards.
func (b ConfigurationBuilder) Keyboards(devs ...KeyboardConfiguration) ConfigurationBuilder {
	b.keyboards = append([]KeyboardConfiguration(nil), devs...)
	return b
}

// AudioDevices replaces the sound devices.
func (b ConfigurationBuilder) AudioDevices(devs ...AudioDeviceConfiguration) ConfigurationBuilder {
	b.audio = append([]AudioDeviceConfiguration(nil), devs...)
	return b
}

// EntropyDevices replaces the entropy devices.
func (b ConfigurationBuilder) EntropyDevices(devs ...EntropyDeviceConfiguration) ConfigurationBuilder {
	b.entropy = append([]EntropyDeviceConfiguration(nil), devs...)
	return b
}

// MemoryBalloonDevices replaces the balloon devices. The framework allows
// at most one.
func (b ConfigurationBuilder) MemoryBalloonDevices(devs ...MemoryBalloonDeviceConfiguration) ConfigurationBuilder {
	b.balloons = append([]MemoryBalloonDeviceConfiguration(nil), devs...)
	return b
}

// SerialPorts replaces the serial ports.
func (b ConfigurationBuilder) SerialPorts(ports ...SerialPortConfiguration) ConfigurationBuilder {
	b.serial = append([]SerialPortConfiguration(nil), ports...)
	return b
}

// SocketDevices replaces the socket devices. The framework allows at most
// one.
func (b ConfigurationBuilder) SocketDevices(devs ...SocketDeviceConfiguration) ConfigurationBuilder {
	b.sockets = append([]SocketDeviceConfiguration(nil), devs...)
	return b
}

// DirectorySharingDevices replaces the directory shares. Tags must be
// unique.
func (b ConfigurationBuilder) DirectorySharingDevices(devs ...DirectorySharingDeviceConfiguration) ConfigurationBuilder {
	b.shares = append([]DirectorySharingDeviceConfiguration(nil), devs...)
	return b
}

// missing names the first required field that is unset.
func (b ConfigurationBuilder) missing() string {
	switch {
	case isNilHandler(b.bootLoader):
		return "boot loader"
	case b.cpuCount == 0:
		return "CPU count"
	case b.memorySize == 0:
		return "memory size"
	}
	return ""
}

// Build creates the configuration. A missing boot loader, CPU count or
// memory size fails with a *ValidationError and leaves the builder usable.
func (b ConfigurationBuilder) Build() (*Configuration, error) {
	const op = "build configuration"
	if b.rt == nil {
		return nil, newError(KindConstruction, op, ErrNilObject)
	}
	if b.consumed.Load() {
		return nil, newError(KindConstruction, op, ErrBuilderConsumed)
	}
	if field := b.missing(); field != "" {
		atomic.AddUint64(&validationsFailed, 1)
		return nil, &ValidationError{Field: field, Err: ErrValidation}
	}

	var all []*Handle
	var firstErr error
	resolve := func(hs []*Handle, err error) []hypervisor.Object {
		if err == nil {
			var objs []hypervisor.Object
			if objs, err = objectsOf(op, hs); err == nil {
				all = append(all, hs...)
				return objs
			}
		}
		if firstErr == nil {
			firstErr = err
		}
		return nil
	}
	spec := hypervisor.ConfigurationSpec{
		CPUCount:         b.cpuCount,
		MemorySize:       b.memorySize,
		Storage:          resolve(handlesOf(op, b.storage)),
		Network:          resolve(handlesOf(op, b.network)),
		Graphics:         resolve(handlesOf(op, b.graphics)),
		Pointing:         resolve(handlesOf(op, b.pointing)),
		Keyboards:        resolve(handlesOf(op, b.keyboards)),
		Audio:            resolve(handlesOf(op, b.audio)),
		Entropy:          resolve(handlesOf(op, b.entropy)),
		MemoryBalloon:    resolve(handlesOf(op, b.balloons)),
		Serial:           resolve(handlesOf(op, b.serial)),
		Socket:           resolve(handlesOf(op, b.sockets)),
		DirectorySharing: resolve(handlesOf(op, b.shares)),
	}
	if bl := resolve(handlesOf(op, []BootLoader{b.bootLoader})); len(bl) == 1 {
		spec.BootLoader = bl[0]
	}
	if b.platform != nil && !isNilHandler(b.platform) {
		if p := resolve(handlesOf(op, []PlatformConfiguration{b.platform})); len(p) == 1 {
			spec.Platform = p[0]
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	if !b.consumed.CompareAndSwap(false, true) {
		return nil, newError(KindConstruction, op, ErrBuilderConsumed)
	}
	obj, err := b.rt.driver.NewConfiguration(spec)
	h, err := b.rt.handle(op, obj, err)
	if err != nil {
		// A failed native build leaves the chain usable.
		b.consumed.Store(false)
		return nil, err
	}
	cfg := &Configuration{
		rt:         b.rt,
		h:          h,
		parts:      cloneAll(all),
		cpuCount:   b.cpuCount,
		memorySize: b.memorySize,
		devices:    countDevices(spec),
	}
	b.rt.log.WithFields(logrus.Fields{
		"cpus":    cfg.cpuCount,
		"memory":  cfg.memorySize,
		"devices": cfg.devices,
	}).Debug("configuration built")
	return cfg, nil
}

func countDevices(s hypervisor.ConfigurationSpec) int {
	return len(s.Storage) + len(s.Network) + len(s.Graphics) + len(s.Pointing) +
		len(s.Keyboards) + len(s.Audio) + len(s.Entropy) + len(s.MemoryBalloon) +
		len(s.Serial) + len(s.Socket) + len(s.DirectorySharing)
}

// Configuration is a built, immutable machine configuration. It keeps its
// own references to every object it was built from.
type Configuration struct {
	rt         *Runtime
	h          *Handle
	parts      []*Handle
	cpuCount   uint
	memorySize uint64
	devices    int
}

func (c *Configuration) Handle() *Handle   { return c.h }
func (c *Configuration) CPUCount() uint     { return c.cpuCount }
func (c *Configuration) MemorySize() uint64 { return c.memorySize }

// DeviceCount is the number of devices across all device lists.
func (c *Configuration) DeviceCount() int { return c.devices }

// Release drops the configuration and its references to the parts.
func (c *Configuration) Release() {
	c.h.Release()
	releaseAll(c.parts)
}

func (c *Configuration) clone() *Configuration {
	cp := *c
	cp.h = c.h.Clone()
	cp.parts = cloneAll(c.parts)
	return &cp
}

// Validate runs the framework's consistency check. It does not modify c.
func (c *Configuration) Validate() (*ValidatedConfiguration, error) {
	const op = "validate configuration"
	obj, err := c.h.object()
	if err != nil {
		return nil, newError(KindValidation, op, err)
	}
	if err := c.rt.driver.ValidateConfiguration(obj); err != nil {
		atomic.AddUint64(&validationsFailed, 1)
		c.rt.log.WithError(err).Debug("configuration rejected")
		return nil, &ValidationError{Reason: describe(err), Err: err}
	}
	atomic.AddUint64(&validationsPassed, 1)
	return &ValidatedConfiguration{cfg: c.clone()}, nil
}

func describe(err error) string {
	var ne *hypervisor.NativeError
	if errors.As(err, &ne) && ne.Description != "" {
		return ne.Description
	}
	return err.Error()
}

// ValidatedConfiguration is a configuration that passed Validate. It can
// back exactly one VirtualMachine.
type ValidatedConfiguration struct {
	cfg  *Configuration
	used atomic.Bool
}

// Configuration is the validated configuration. It stays owned by v.
func (v *ValidatedConfiguration) Configuration() *Configuration { return v.cfg }

// Release drops v's references. A machine created from v keeps its own.
func (v *ValidatedConfiguration) Release() { v.cfg.Release() }
