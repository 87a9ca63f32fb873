//go:build linux

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"slices"
	"sync"

	hypeos "github.com/c35s/hype/os/linux"
	"github.com/c35s/hype/virtio"
	"github.com/c35s/hype/vmm"
	"golang.org/x/sys/unix"
)

const kvmMinMemory = 128 << 20

// kvmObject is a configuration object held entirely in Go; hype builds the
// real devices when the machine starts.
type kvmObject struct {
	kind     Kind
	v        any
	released bool
}

func (o *kvmObject) Kind() Kind { return o.kind }

type kvmLoader struct {
	kernel, initrd, cmdline string
}

type kvmSerial struct {
	in, out *os.File
}

type kvmConfig struct {
	loader  kvmLoader
	console *kvmSerial
}

// kvmDriver implements Driver using Linux KVM via hype. It covers direct
// Linux kernel boot with a virtio console; other devices are unsupported.
type kvmDriver struct {
	mu sync.Mutex
}

// NewDriver creates a new KVM-based driver for Linux.
func NewDriver() (Driver, error) {
	// Check if /dev/kvm exists and is accessible
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return nil, fmt.Errorf("kvmDriver: /dev/kvm not accessible: %w", err)
	}
	return &kvmDriver{}, nil
}

func (d *kvmDriver) Info() Info {
	var uts unix.Utsname
	var release string
	if err := unix.Uname(&uts); err == nil {
		release = unix.ByteSliceToString(uts.Release[:])
	}
	return Info{
		Name:        "kvm",
		Version:     "1.0.0",
		Arch:        runtime.GOARCH,
		HostVersion: ParseHostVersion(release),
	}
}

func (d *kvmDriver) Supported() bool {
	return unix.Access("/dev/kvm", unix.R_OK|unix.W_OK) == nil
}

func (d *kvmDriver) Release(obj Object) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch o := obj.(type) {
	case *kvmObject:
		o.v = nil
		o.released = true
	case *kvmMachine:
		o.release()
	}
}

func (d *kvmDriver) unwrap(op string, obj Object, want ...Kind) (any, error) {
	o, ok := obj.(*kvmObject)
	if !ok || o == nil {
		return nil, fmt.Errorf("kvmDriver: %s: %w", op, ErrUnknownObject)
	}
	if len(want) > 0 && !slices.Contains(want, o.kind) {
		return nil, WrongKind("kvmDriver: "+op, o.kind, want...)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if o.released {
		return nil, fmt.Errorf("kvmDriver: %s: %w", op, ErrReleased)
	}
	return o.v, nil
}

func unsupported(what string) error {
	return fmt.Errorf("kvmDriver: %s: %w", what, ErrUnsupported)
}

func (d *kvmDriver) NewLinuxBootLoader(kernel, initrd, cmdline string) (Object, error) {
	if _, err := os.Stat(kernel); err != nil {
		return nil, fmt.Errorf("kvmDriver: kernel not found: %w", err)
	}
	if initrd != "" {
		if _, err := os.Stat(initrd); err != nil {
			return nil, fmt.Errorf("kvmDriver: initrd not found: %w", err)
		}
	}
	return &kvmObject{kind: KindLinuxBootLoader, v: kvmLoader{kernel, initrd, cmdline}}, nil
}

func (d *kvmDriver) NewMacOSBootLoader() (Object, error) { return nil, unsupported("macOS boot loader") }

func (d *kvmDriver) NewEFIBootLoader(string, bool) (Object, error) {
	return nil, unsupported("EFI boot loader")
}

func (d *kvmDriver) NewDiskImageAttachment(string, bool) (Object, error) {
	return nil, unsupported("disk image attachment")
}

func (d *kvmDriver) NewVirtioBlockDevice(Object) (Object, error) {
	return nil, unsupported("block device")
}

func (d *kvmDriver) NewNATAttachment() (Object, error) { return nil, unsupported("NAT attachment") }

func (d *kvmDriver) NewVirtioNetworkDevice(Object, net.HardwareAddr) (Object, error) {
	return nil, unsupported("network device")
}

func (d *kvmDriver) NewMacGraphicsDisplay(int64, int64, int64) (Object, error) {
	return nil, unsupported("Mac graphics display")
}

func (d *kvmDriver) NewMacGraphicsDevice([]Object) (Object, error) {
	return nil, unsupported("Mac graphics device")
}

func (d *kvmDriver) NewVirtioGraphicsScanout(int64, int64) (Object, error) {
	return nil, unsupported("graphics scanout")
}

func (d *kvmDriver) NewVirtioGraphicsDevice([]Object) (Object, error) {
	return nil, unsupported("graphics device")
}

func (d *kvmDriver) NewUSBPointingDevice() (Object, error) { return nil, unsupported("pointing device") }

func (d *kvmDriver) NewMacTrackpad() (Object, error) { return nil, unsupported("Mac trackpad") }

func (d *kvmDriver) NewUSBKeyboard() (Object, error) { return nil, unsupported("keyboard") }

func (d *kvmDriver) NewHostAudioInputSource() (Object, error) { return nil, unsupported("audio input") }

func (d *kvmDriver) NewHostAudioOutputSink() (Object, error) { return nil, unsupported("audio output") }

func (d *kvmDriver) NewSoundInputStream(Object) (Object, error) {
	return nil, unsupported("sound stream")
}

func (d *kvmDriver) NewSoundOutputStream(Object) (Object, error) {
	return nil, unsupported("sound stream")
}

func (d *kvmDriver) NewVirtioSoundDevice([]Object) (Object, error) {
	return nil, unsupported("sound device")
}

func (d *kvmDriver) NewVirtioEntropyDevice() (Object, error) { return nil, unsupported("entropy device") }

func (d *kvmDriver) NewVirtioBalloonDevice() (Object, error) {
	return nil, unsupported("memory balloon device")
}

func (d *kvmDriver) NewFileHandleSerialAttachment(read, write *os.File) (Object, error) {
	if read == nil && write == nil {
		return nil, fmt.Errorf("kvmDriver: serial attachment needs a file handle")
	}
	return &kvmObject{kind: KindFileHandleSerialAttachment, v: &kvmSerial{in: read, out: write}}, nil
}

func (d *kvmDriver) NewFileSerialAttachment(path string, appendMode bool) (Object, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("kvmDriver: open serial log: %w", err)
	}
	return &kvmObject{kind: KindFileSerialAttachment, v: &kvmSerial{out: f}}, nil
}

func (d *kvmDriver) NewVirtioConsoleSerialPort(attachment Object) (Object, error) {
	v, err := d.unwrap("create serial port", attachment, KindFileHandleSerialAttachment, KindFileSerialAttachment)
	if err != nil {
		return nil, err
	}
	return &kvmObject{kind: KindVirtioConsoleSerialPort, v: v}, nil
}

func (d *kvmDriver) NewVirtioSocketDevice() (Object, error) { return nil, unsupported("socket device") }

func (d *kvmDriver) NewVirtioFileSystemDevice(string, string, bool) (Object, error) {
	return nil, unsupported("directory sharing")
}

func (d *kvmDriver) NewMacHardwareModel([]byte) (Object, error) {
	return nil, unsupported("hardware model")
}

func (d *kvmDriver) MacHardwareModelSupported(Object) bool { return false }

func (d *kvmDriver) NewMacMachineIdentifier([]byte) (Object, error) {
	return nil, unsupported("machine identifier")
}

func (d *kvmDriver) DataRepresentation(Object) ([]byte, error) {
	return nil, unsupported("data representation")
}

func (d *kvmDriver) LoadMacAuxiliaryStorage(string) (Object, error) {
	return nil, unsupported("auxiliary storage")
}

func (d *kvmDriver) CreateMacAuxiliaryStorage(string, Object) (Object, error) {
	return nil, unsupported("auxiliary storage")
}

func (d *kvmDriver) NewMacPlatform(Object, Object, Object) (Object, error) {
	return nil, unsupported("Mac platform")
}

func (d *kvmDriver) NewGenericPlatform() (Object, error) {
	return &kvmObject{kind: KindGenericPlatform}, nil
}

func (d *kvmDriver) LoadRestoreImage(string) (Object, error) {
	return nil, unsupported("restore image")
}

func (d *kvmDriver) FetchLatestRestoreImage(context.Context, string) (Object, error) {
	return nil, unsupported("restore image")
}

func (d *kvmDriver) RestoreImage(Object) (RestoreImageInfo, error) {
	return RestoreImageInfo{}, unsupported("restore image")
}

// Limits reports a single vCPU and host RAM as the memory ceiling.
func (d *kvmDriver) Limits() Limits {
	l := Limits{MinCPUCount: 1, MaxCPUCount: 1, MinMemorySize: kvmMinMemory, MaxMemorySize: kvmMinMemory}
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		l.MaxMemorySize = uint64(si.Totalram) * uint64(si.Unit)
	}
	return l
}

func (d *kvmDriver) NewConfiguration(spec ConfigurationSpec) (Object, error) {
	const op = "create configuration"
	if spec.BootLoader == nil {
		return nil, fmt.Errorf("kvmDriver: %s: boot loader is required", op)
	}
	v, err := d.unwrap(op, spec.BootLoader, KindLinuxBootLoader)
	if err != nil {
		return nil, err
	}
	cfg := &kvmConfig{loader: v.(kvmLoader)}

	if len(spec.Serial) > 1 {
		return nil, fmt.Errorf("kvmDriver: %s: at most one serial port: %w", op, ErrUnsupported)
	}
	for _, port := range spec.Serial {
		pv, err := d.unwrap(op, port, KindVirtioConsoleSerialPort)
		if err != nil {
			return nil, err
		}
		cfg.console = pv.(*kvmSerial)
	}

	others := [][]Object{spec.Storage, spec.Network, spec.Graphics, spec.Pointing, spec.Keyboards,
		spec.Audio, spec.Entropy, spec.MemoryBalloon, spec.Socket, spec.DirectorySharing}
	for _, list := range others {
		if len(list) > 0 {
			return nil, fmt.Errorf("kvmDriver: %s: %s: %w", op, list[0].Kind(), ErrUnsupported)
		}
	}

	// Limits are checked at validation time, like the framework does.
	return &kvmObject{kind: KindConfiguration, v: &kvmConfigured{cfg: cfg, cpus: spec.CPUCount, mem: spec.MemorySize}}, nil
}

type kvmConfigured struct {
	cfg  *kvmConfig
	cpus uint
	mem  uint64
}

func (d *kvmDriver) ValidateConfiguration(obj Object) error {
	v, err := d.unwrap("validate configuration", obj, KindConfiguration)
	if err != nil {
		return err
	}
	c := v.(*kvmConfigured)
	l := d.Limits()
	switch {
	case c.cpus < l.MinCPUCount || c.cpus > l.MaxCPUCount:
		return &NativeError{Op: "validate configuration",
			Description: fmt.Sprintf("CPU count %d outside [%d, %d]", c.cpus, l.MinCPUCount, l.MaxCPUCount)}
	case c.mem < l.MinMemorySize || c.mem > l.MaxMemorySize:
		return &NativeError{Op: "validate configuration",
			Description: fmt.Sprintf("memory size %d outside [%d, %d]", c.mem, l.MinMemorySize, l.MaxMemorySize)}
	}
	if _, err := os.Stat(c.cfg.loader.kernel); err != nil {
		return &NativeError{Op: "validate configuration", Description: "kernel not found", Err: err}
	}
	return nil
}

func (d *kvmDriver) NewMachine(obj Object) (Machine, error) {
	v, err := d.unwrap("create machine", obj, KindConfiguration)
	if err != nil {
		return nil, err
	}
	c := v.(*kvmConfigured)
	return &kvmMachine{
		cfg:     c.cfg,
		mem:     c.mem,
		state:   StateStopped,
		changed: make(chan State, 16),
	}, nil
}

// kvmMachine runs one hype VM at a time.
type kvmMachine struct {
	cfg *kvmConfig
	mem uint64

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	changed chan State
}

func (m *kvmMachine) Kind() Kind { return KindMachine }

func (m *kvmMachine) setState(s State) {
	m.state = s
	select {
	case m.changed <- s:
	default:
	}
}

// hypeLoader reads the boot images; hype copies them into guest memory.
func (m *kvmMachine) hypeLoader() (*hypeos.Loader, error) {
	kernel, err := os.ReadFile(m.cfg.loader.kernel)
	if err != nil {
		return nil, fmt.Errorf("kvmDriver: read kernel: %w", err)
	}
	var initrd []byte
	if m.cfg.loader.initrd != "" {
		initrd, err = os.ReadFile(m.cfg.loader.initrd)
		if err != nil {
			return nil, fmt.Errorf("kvmDriver: read initrd: %w", err)
		}
	}
	return &hypeos.Loader{
		Kernel:  kernel,
		Initrd:  initrd,
		Cmdline: m.cfg.loader.cmdline,
	}, nil
}

func (m *kvmMachine) hypeConfig() (vmm.Config, error) {
	loader, err := m.hypeLoader()
	if err != nil {
		return vmm.Config{}, err
	}
	cfg := vmm.Config{
		MemSize: int(m.mem),
		Loader:  loader,
	}
	if c := m.cfg.console; c != nil {
		console := &virtio.ConsoleDevice{}
		// An unset end must stay a nil interface, not a nil *os.File.
		if c.in != nil {
			console.In = c.in
		}
		if c.out != nil {
			console.Out = c.out
		}
		cfg.Devices = []virtio.DeviceConfig{console}
	}
	return cfg, nil
}

func (m *kvmMachine) Start(opts StartOptions) error {
	if opts.BootMacOSRecovery || opts.Private() {
		return unsupported("start options")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStopped && m.state != StateError {
		return fmt.Errorf("kvmDriver: start: %w", ErrInvalidState)
	}
	m.setState(StateStarting)

	cfg, err := m.hypeConfig()
	if err != nil {
		m.setState(StateError)
		return err
	}
	machine, err := vmm.New(cfg)
	if err != nil {
		m.setState(StateError)
		return fmt.Errorf("kvmDriver: create VM: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	started := make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		// vCPU ioctls must stay on one OS thread.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		close(started)
		runErr := machine.Run(ctx)

		m.mu.Lock()
		defer m.mu.Unlock()
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			m.setState(StateError)
			return
		}
		m.setState(StateStopped)
	}(m.done)

	<-started
	m.setState(StateRunning)
	return nil
}

// CanRequestStop is false: hype has no guest power button.
func (m *kvmMachine) CanRequestStop() bool { return false }

func (m *kvmMachine) RequestStop() (bool, error) {
	return false, unsupported("request stop")
}

func (m *kvmMachine) Stop() error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return fmt.Errorf("kvmDriver: stop: %w", ErrInvalidState)
	}
	m.setState(StateStopping)
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (m *kvmMachine) Pause() error { return unsupported("pause") }

func (m *kvmMachine) Resume() error { return unsupported("resume") }

func (m *kvmMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *kvmMachine) StateChanged() <-chan State { return m.changed }

// release is called with the driver lock held.
func (m *kvmMachine) release() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
