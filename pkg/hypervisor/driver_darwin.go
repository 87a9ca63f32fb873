//go:build darwin

package hypervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"slices"
	"sync"

	"github.com/Code-Hex/vz/v3"
	"golang.org/x/sys/unix"
)

// vzObject wraps one Virtualization.framework object. The framework object
// is kept alive by this reference until Release.
type vzObject struct {
	kind Kind

	mu       sync.Mutex
	v        any
	released bool
}

func (o *vzObject) Kind() Kind { return o.kind }

// vzMarker stands in for framework classes vz creates implicitly, such as the
// host audio source behind a host input stream.
type vzMarker struct{}

// vzDriver implements Driver using macOS Virtualization.framework.
type vzDriver struct{}

// NewDriver creates a new vz-based driver for macOS.
func NewDriver() (Driver, error) {
	return &vzDriver{}, nil
}

func (d *vzDriver) Info() Info {
	product, _ := unix.Sysctl("kern.osproductversion")
	return Info{
		Name:        "vz",
		Version:     "3",
		Arch:        runtime.GOARCH,
		HostVersion: ParseHostVersion(product),
	}
}

// Supported checks the kernel's hypervisor capability flag.
func (d *vzDriver) Supported() bool {
	v, err := unix.SysctlUint32("kern.hv_support")
	return err == nil && v == 1
}

func (d *vzDriver) Release(obj Object) {
	switch o := obj.(type) {
	case *vzMachine:
		o.close()
	case *vzObject:
		o.mu.Lock()
		o.v = nil
		o.released = true
		o.mu.Unlock()
	}
}

func wrap(kind Kind, v any) *vzObject {
	return &vzObject{kind: kind, v: v}
}

func unwrap(op string, obj Object, want ...Kind) (any, error) {
	o, ok := obj.(*vzObject)
	if !ok || o == nil {
		return nil, fmt.Errorf("vzDriver: %s: %w", op, ErrUnknownObject)
	}
	if len(want) > 0 && !slices.Contains(want, o.kind) {
		return nil, WrongKind("vzDriver: "+op, o.kind, want...)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return nil, fmt.Errorf("vzDriver: %s: %w", op, ErrReleased)
	}
	return o.v, nil
}

func nativeErr(op string, err error) error {
	return &NativeError{Op: op, Description: err.Error(), Err: err}
}

// collect converts driver objects to the vz interface a configuration
// setter expects.
func collect[T any](op string, objs []Object) ([]T, error) {
	out := make([]T, 0, len(objs))
	for _, obj := range objs {
		v, err := unwrap(op, obj)
		if err != nil {
			return nil, err
		}
		t, ok := v.(T)
		if !ok {
			return nil, WrongKind("vzDriver: "+op, obj.Kind())
		}
		out = append(out, t)
	}
	return out, nil
}

// Boot loaders

func (d *vzDriver) NewLinuxBootLoader(kernel, initrd, cmdline string) (Object, error) {
	var opts []vz.LinuxBootLoaderOption
	if cmdline != "" {
		opts = append(opts, vz.WithCommandLine(cmdline))
	}
	if initrd != "" {
		opts = append(opts, vz.WithInitrd(initrd))
	}
	bl, err := vz.NewLinuxBootLoader(kernel, opts...)
	if err != nil {
		return nil, nativeErr("create linux boot loader", err)
	}
	return wrap(KindLinuxBootLoader, bl), nil
}

func (d *vzDriver) NewMacOSBootLoader() (Object, error) {
	bl, err := newMacOSBootLoader()
	if err != nil {
		return nil, nativeErr("create macOS boot loader", err)
	}
	return wrap(KindMacOSBootLoader, bl), nil
}

func (d *vzDriver) NewEFIBootLoader(variableStore string, create bool) (Object, error) {
	var (
		store *vz.EFIVariableStore
		err   error
	)
	if create {
		store, err = vz.NewEFIVariableStore(variableStore, vz.WithCreatingEFIVariableStore())
	} else {
		store, err = vz.NewEFIVariableStore(variableStore)
	}
	if err != nil {
		return nil, nativeErr("open EFI variable store", err)
	}
	bl, err := vz.NewEFIBootLoader(vz.WithEFIVariableStore(store))
	if err != nil {
		return nil, nativeErr("create EFI boot loader", err)
	}
	return wrap(KindEFIBootLoader, bl), nil
}

// Storage and network

func (d *vzDriver) NewDiskImageAttachment(path string, readOnly bool) (Object, error) {
	att, err := vz.NewDiskImageStorageDeviceAttachment(path, readOnly)
	if err != nil {
		return nil, nativeErr("create disk image attachment", err)
	}
	return wrap(KindDiskImageAttachment, att), nil
}

func (d *vzDriver) NewVirtioBlockDevice(attachment Object) (Object, error) {
	v, err := unwrap("create block device", attachment, KindDiskImageAttachment)
	if err != nil {
		return nil, err
	}
	dev, err := vz.NewVirtioBlockDeviceConfiguration(v.(*vz.DiskImageStorageDeviceAttachment))
	if err != nil {
		return nil, nativeErr("create block device", err)
	}
	return wrap(KindVirtioBlockDevice, dev), nil
}

func (d *vzDriver) NewNATAttachment() (Object, error) {
	att, err := vz.NewNATNetworkDeviceAttachment()
	if err != nil {
		return nil, nativeErr("create NAT attachment", err)
	}
	return wrap(KindNATAttachment, att), nil
}

func (d *vzDriver) NewVirtioNetworkDevice(attachment Object, mac net.HardwareAddr) (Object, error) {
	v, err := unwrap("create network device", attachment, KindNATAttachment)
	if err != nil {
		return nil, err
	}
	dev, err := vz.NewVirtioNetworkDeviceConfiguration(v.(*vz.NATNetworkDeviceAttachment))
	if err != nil {
		return nil, nativeErr("create network device", err)
	}
	// Without an explicit address the framework assigns a random locally
	// administered one.
	if mac != nil {
		addr, err := vz.NewMACAddress(mac)
		if err != nil {
			return nil, nativeErr("create MAC address", err)
		}
		dev.SetMACAddress(addr)
	}
	return wrap(KindVirtioNetworkDevice, dev), nil
}

// Graphics and input

func (d *vzDriver) NewMacGraphicsDisplay(width, height, ppi int64) (Object, error) {
	disp, err := newMacGraphicsDisplay(width, height, ppi)
	if err != nil {
		return nil, nativeErr("create Mac graphics display", err)
	}
	return wrap(KindMacGraphicsDisplay, disp), nil
}

func (d *vzDriver) NewMacGraphicsDevice(displays []Object) (Object, error) {
	var natives []any
	for _, obj := range displays {
		v, err := unwrap("create Mac graphics device", obj, KindMacGraphicsDisplay)
		if err != nil {
			return nil, err
		}
		natives = append(natives, v)
	}
	dev, err := newMacGraphicsDevice(natives)
	if err != nil {
		return nil, nativeErr("create Mac graphics device", err)
	}
	return wrap(KindMacGraphicsDevice, dev), nil
}

func (d *vzDriver) NewVirtioGraphicsScanout(width, height int64) (Object, error) {
	sc, err := vz.NewVirtioGraphicsScanoutConfiguration(width, height)
	if err != nil {
		return nil, nativeErr("create graphics scanout", err)
	}
	return wrap(KindVirtioGraphicsScanout, sc), nil
}

func (d *vzDriver) NewVirtioGraphicsDevice(scanouts []Object) (Object, error) {
	list, err := collect[*vz.VirtioGraphicsScanoutConfiguration]("create virtio graphics device", scanouts)
	if err != nil {
		return nil, err
	}
	dev, err := vz.NewVirtioGraphicsDeviceConfiguration()
	if err != nil {
		return nil, nativeErr("create virtio graphics device", err)
	}
	dev.SetScanouts(list...)
	return wrap(KindVirtioGraphicsDevice, dev), nil
}

func (d *vzDriver) NewUSBPointingDevice() (Object, error) {
	dev, err := vz.NewUSBScreenCoordinatePointingDeviceConfiguration()
	if err != nil {
		return nil, nativeErr("create pointing device", err)
	}
	return wrap(KindUSBPointingDevice, dev), nil
}

func (d *vzDriver) NewMacTrackpad() (Object, error) {
	dev, err := newMacTrackpad()
	if err != nil {
		return nil, nativeErr("create trackpad", err)
	}
	return wrap(KindMacTrackpad, dev), nil
}

func (d *vzDriver) NewUSBKeyboard() (Object, error) {
	kb, err := vz.NewUSBKeyboardConfiguration()
	if err != nil {
		return nil, nativeErr("create keyboard", err)
	}
	return wrap(KindUSBKeyboard, kb), nil
}

// Sound

func (d *vzDriver) NewHostAudioInputSource() (Object, error) {
	return wrap(KindHostAudioInputSource, vzMarker{}), nil
}

func (d *vzDriver) NewHostAudioOutputSink() (Object, error) {
	return wrap(KindHostAudioOutputSink, vzMarker{}), nil
}

func (d *vzDriver) NewSoundInputStream(source Object) (Object, error) {
	if _, err := unwrap("create sound input stream", source, KindHostAudioInputSource); err != nil {
		return nil, err
	}
	st, err := vz.NewVirtioSoundDeviceHostInputStreamConfiguration()
	if err != nil {
		return nil, nativeErr("create sound input stream", err)
	}
	return wrap(KindSoundInputStream, st), nil
}

func (d *vzDriver) NewSoundOutputStream(sink Object) (Object, error) {
	if _, err := unwrap("create sound output stream", sink, KindHostAudioOutputSink); err != nil {
		return nil, err
	}
	st, err := vz.NewVirtioSoundDeviceHostOutputStreamConfiguration()
	if err != nil {
		return nil, nativeErr("create sound output stream", err)
	}
	return wrap(KindSoundOutputStream, st), nil
}

func (d *vzDriver) NewVirtioSoundDevice(streams []Object) (Object, error) {
	list, err := collect[vz.VirtioSoundDeviceStreamConfiguration]("create sound device", streams)
	if err != nil {
		return nil, err
	}
	dev, err := vz.NewVirtioSoundDeviceConfiguration()
	if err != nil {
		return nil, nativeErr("create sound device", err)
	}
	dev.SetStreams(list...)
	return wrap(KindVirtioSoundDevice, dev), nil
}

// Misc devices

func (d *vzDriver) NewVirtioEntropyDevice() (Object, error) {
	dev, err := vz.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		return nil, nativeErr("create entropy device", err)
	}
	return wrap(KindVirtioEntropyDevice, dev), nil
}

func (d *vzDriver) NewVirtioBalloonDevice() (Object, error) {
	dev, err := vz.NewVirtioTraditionalMemoryBalloonDeviceConfiguration()
	if err != nil {
		return nil, nativeErr("create memory balloon device", err)
	}
	return wrap(KindVirtioBalloonDevice, dev), nil
}

func (d *vzDriver) NewFileHandleSerialAttachment(read, write *os.File) (Object, error) {
	att, err := vz.NewFileHandleSerialPortAttachment(read, write)
	if err != nil {
		return nil, nativeErr("create file handle serial attachment", err)
	}
	return wrap(KindFileHandleSerialAttachment, att), nil
}

func (d *vzDriver) NewFileSerialAttachment(path string, appendMode bool) (Object, error) {
	att, err := vz.NewFileSerialPortAttachment(path, appendMode)
	if err != nil {
		return nil, nativeErr("create file serial attachment", err)
	}
	return wrap(KindFileSerialAttachment, att), nil
}

func (d *vzDriver) NewVirtioConsoleSerialPort(attachment Object) (Object, error) {
	v, err := unwrap("create serial port", attachment, KindFileHandleSerialAttachment, KindFileSerialAttachment)
	if err != nil {
		return nil, err
	}
	var port *vz.VirtioConsoleDeviceSerialPortConfiguration
	switch att := v.(type) {
	case *vz.FileHandleSerialPortAttachment:
		port, err = vz.NewVirtioConsoleDeviceSerialPortConfiguration(att)
	case *vz.FileSerialPortAttachment:
		port, err = vz.NewVirtioConsoleDeviceSerialPortConfiguration(att)
	}
	if err != nil {
		return nil, nativeErr("create serial port", err)
	}
	return wrap(KindVirtioConsoleSerialPort, port), nil
}

func (d *vzDriver) NewVirtioSocketDevice() (Object, error) {
	dev, err := vz.NewVirtioSocketDeviceConfiguration()
	if err != nil {
		return nil, nativeErr("create socket device", err)
	}
	return wrap(KindVirtioSocketDevice, dev), nil
}

func (d *vzDriver) NewVirtioFileSystemDevice(tag, path string, readOnly bool) (Object, error) {
	dir, err := vz.NewSharedDirectory(path, readOnly)
	if err != nil {
		return nil, nativeErr("create shared directory", err)
	}
	share, err := vz.NewSingleDirectoryShare(dir)
	if err != nil {
		return nil, nativeErr("create directory share", err)
	}
	dev, err := vz.NewVirtioFileSystemDeviceConfiguration(tag)
	if err != nil {
		return nil, nativeErr("create file system device", err)
	}
	dev.SetDirectoryShare(share)
	return wrap(KindVirtioFileSystemDevice, dev), nil
}

// Platforms

func (d *vzDriver) NewMacHardwareModel(data []byte) (Object, error) {
	hw, err := newMacHardwareModel(data)
	if err != nil {
		return nil, nativeErr("create hardware model", err)
	}
	return wrap(KindMacHardwareModel, hw), nil
}

func (d *vzDriver) MacHardwareModelSupported(hw Object) bool {
	v, err := unwrap("hardware model supported", hw, KindMacHardwareModel)
	if err != nil {
		return false
	}
	return macHardwareModelSupported(v)
}

func (d *vzDriver) NewMacMachineIdentifier(data []byte) (Object, error) {
	id, err := newMacMachineIdentifier(data)
	if err != nil {
		return nil, nativeErr("create machine identifier", err)
	}
	return wrap(KindMacMachineIdentifier, id), nil
}

func (d *vzDriver) DataRepresentation(obj Object) ([]byte, error) {
	v, err := unwrap("data representation", obj, KindMacHardwareModel, KindMacMachineIdentifier)
	if err != nil {
		return nil, err
	}
	return dataRepresentation(v)
}

func (d *vzDriver) LoadMacAuxiliaryStorage(path string) (Object, error) {
	aux, err := loadMacAuxiliaryStorage(path)
	if err != nil {
		return nil, nativeErr("load auxiliary storage", err)
	}
	return wrap(KindMacAuxiliaryStorage, aux), nil
}

func (d *vzDriver) CreateMacAuxiliaryStorage(path string, hw Object) (Object, error) {
	v, err := unwrap("create auxiliary storage", hw, KindMacHardwareModel)
	if err != nil {
		return nil, err
	}
	aux, err := createMacAuxiliaryStorage(path, v)
	if err != nil {
		return nil, nativeErr("create auxiliary storage", err)
	}
	return wrap(KindMacAuxiliaryStorage, aux), nil
}

func (d *vzDriver) NewMacPlatform(hw, id, aux Object) (Object, error) {
	hv, err := unwrap("create Mac platform", hw, KindMacHardwareModel)
	if err != nil {
		return nil, err
	}
	iv, err := unwrap("create Mac platform", id, KindMacMachineIdentifier)
	if err != nil {
		return nil, err
	}
	av, err := unwrap("create Mac platform", aux, KindMacAuxiliaryStorage)
	if err != nil {
		return nil, err
	}
	p, err := newMacPlatform(hv, iv, av)
	if err != nil {
		return nil, nativeErr("create Mac platform", err)
	}
	return wrap(KindMacPlatform, p), nil
}

func (d *vzDriver) NewGenericPlatform() (Object, error) {
	p, err := vz.NewGenericPlatformConfiguration()
	if err != nil {
		return nil, nativeErr("create generic platform", err)
	}
	return wrap(KindGenericPlatform, p), nil
}

func (d *vzDriver) LoadRestoreImage(path string) (Object, error) {
	img, err := loadRestoreImage(path)
	if err != nil {
		return nil, nativeErr("load restore image", err)
	}
	return wrap(KindRestoreImage, img), nil
}

func (d *vzDriver) FetchLatestRestoreImage(ctx context.Context, destPath string) (Object, error) {
	img, err := fetchLatestRestoreImage(ctx, destPath)
	if err != nil {
		return nil, nativeErr("fetch restore image", err)
	}
	if img == nil {
		return nil, nil
	}
	return wrap(KindRestoreImage, img), nil
}

func (d *vzDriver) RestoreImage(img Object) (RestoreImageInfo, error) {
	v, err := unwrap("restore image", img, KindRestoreImage)
	if err != nil {
		return RestoreImageInfo{}, err
	}
	info, hw := restoreImageInfo(v)
	if hw != nil {
		info.HardwareModel = wrap(KindMacHardwareModel, hw)
	}
	return info, nil
}

// Configurations

func (d *vzDriver) Limits() Limits {
	return Limits{
		MinCPUCount:   uint(vz.VirtualMachineConfigurationMinimumAllowedCPUCount()),
		MaxCPUCount:   uint(vz.VirtualMachineConfigurationMaximumAllowedCPUCount()),
		MinMemorySize: uint64(vz.VirtualMachineConfigurationMinimumAllowedMemorySize()),
		MaxMemorySize: uint64(vz.VirtualMachineConfigurationMaximumAllowedMemorySize()),
	}
}

func (d *vzDriver) NewConfiguration(spec ConfigurationSpec) (Object, error) {
	const op = "create configuration"
	if spec.BootLoader == nil {
		return nil, fmt.Errorf("vzDriver: %s: boot loader is required", op)
	}
	v, err := unwrap(op, spec.BootLoader, KindLinuxBootLoader, KindMacOSBootLoader, KindEFIBootLoader)
	if err != nil {
		return nil, err
	}
	cfg, err := vz.NewVirtualMachineConfiguration(v.(vz.BootLoader), spec.CPUCount, spec.MemorySize)
	if err != nil {
		return nil, nativeErr(op, err)
	}

	if spec.Platform != nil {
		pv, err := unwrap(op, spec.Platform, KindMacPlatform, KindGenericPlatform)
		if err != nil {
			return nil, err
		}
		cfg.SetPlatformVirtualMachineConfiguration(pv.(vz.PlatformConfiguration))
	}

	if err := setDevices(cfg, spec); err != nil {
		return nil, err
	}
	return wrap(KindConfiguration, cfg), nil
}

func setDevices(cfg *vz.VirtualMachineConfiguration, spec ConfigurationSpec) error {
	const op = "create configuration"

	storage, err := collect[vz.StorageDeviceConfiguration](op, spec.Storage)
	if err != nil {
		return err
	}
	network, err := collect[*vz.VirtioNetworkDeviceConfiguration](op, spec.Network)
	if err != nil {
		return err
	}
	graphics, err := collect[vz.GraphicsDeviceConfiguration](op, spec.Graphics)
	if err != nil {
		return err
	}
	pointing, err := collect[vz.PointingDeviceConfiguration](op, spec.Pointing)
	if err != nil {
		return err
	}
	keyboards, err := collect[vz.KeyboardConfiguration](op, spec.Keyboards)
	if err != nil {
		return err
	}
	audio, err := collect[vz.AudioDeviceConfiguration](op, spec.Audio)
	if err != nil {
		return err
	}
	entropy, err := collect[*vz.VirtioEntropyDeviceConfiguration](op, spec.Entropy)
	if err != nil {
		return err
	}
	balloon, err := collect[vz.MemoryBalloonDeviceConfiguration](op, spec.MemoryBalloon)
	if err != nil {
		return err
	}
	serial, err := collect[*vz.VirtioConsoleDeviceSerialPortConfiguration](op, spec.Serial)
	if err != nil {
		return err
	}
	socket, err := collect[vz.SocketDeviceConfiguration](op, spec.Socket)
	if err != nil {
		return err
	}
	sharing, err := collect[vz.DirectorySharingDeviceConfiguration](op, spec.DirectorySharing)
	if err != nil {
		return err
	}

	if len(storage) > 0 {
		cfg.SetStorageDevicesVirtualMachineConfiguration(storage)
	}
	if len(network) > 0 {
		cfg.SetNetworkDevicesVirtualMachineConfiguration(network)
	}
	if len(graphics) > 0 {
		cfg.SetGraphicsDevicesVirtualMachineConfiguration(graphics)
	}
	if len(pointing) > 0 {
		cfg.SetPointingDevicesVirtualMachineConfiguration(pointing)
	}
	if len(keyboards) > 0 {
		cfg.SetKeyboardsVirtualMachineConfiguration(keyboards)
	}
	if len(audio) > 0 {
		cfg.SetAudioDevicesVirtualMachineConfiguration(audio)
	}
	if len(entropy) > 0 {
		cfg.SetEntropyDevicesVirtualMachineConfiguration(entropy)
	}
	if len(balloon) > 0 {
		cfg.SetMemoryBalloonDevicesVirtualMachineConfiguration(balloon)
	}
	if len(serial) > 0 {
		cfg.SetSerialPortsVirtualMachineConfiguration(serial)
	}
	if len(socket) > 0 {
		cfg.SetSocketDevicesVirtualMachineConfiguration(socket)
	}
	if len(sharing) > 0 {
		cfg.SetDirectorySharingDevicesVirtualMachineConfiguration(sharing)
	}
	return nil
}

func (d *vzDriver) ValidateConfiguration(cfg Object) error {
	v, err := unwrap("validate configuration", cfg, KindConfiguration)
	if err != nil {
		return err
	}
	ok, err := v.(*vz.VirtualMachineConfiguration).Validate()
	if err != nil {
		return nativeErr("validate configuration", err)
	}
	if !ok {
		return &NativeError{Op: "validate configuration", Description: "configuration is invalid"}
	}
	return nil
}

func (d *vzDriver) NewMachine(cfg Object) (Machine, error) {
	v, err := unwrap("create machine", cfg, KindConfiguration)
	if err != nil {
		return nil, err
	}
	vm, err := vz.NewVirtualMachine(v.(*vz.VirtualMachineConfiguration))
	if err != nil {
		return nil, nativeErr("create machine", err)
	}
	m := &vzMachine{
		vm:      vm,
		changed: make(chan State, 16),
		done:    make(chan struct{}),
	}
	go m.forward()
	return m, nil
}

// vzMachine adapts *vz.VirtualMachine to Machine.
type vzMachine struct {
	vm      *vz.VirtualMachine
	changed chan State
	done    chan struct{}
	once    sync.Once
}

func (m *vzMachine) Kind() Kind { return KindMachine }

func (m *vzMachine) forward() {
	notify := m.vm.StateChangedNotify()
	for {
		select {
		case <-m.done:
			return
		case s, ok := <-notify:
			if !ok {
				return
			}
			select {
			case m.changed <- StateFromNative(int(s)):
			default:
			}
		}
	}
}

func (m *vzMachine) close() {
	m.once.Do(func() { close(m.done) })
}

func (m *vzMachine) Start(opts StartOptions) error {
	if opts.Private() {
		return fmt.Errorf("vzDriver: private start options: %w", ErrUnsupported)
	}
	startOpts, err := startOptions(opts)
	if err != nil {
		return err
	}
	if !m.vm.CanStart() {
		return fmt.Errorf("vzDriver: start: %w", ErrInvalidState)
	}
	if err := m.vm.Start(startOpts...); err != nil {
		return nativeErr("start", err)
	}
	return nil
}

func (m *vzMachine) CanRequestStop() bool {
	return m.vm.CanRequestStop()
}

func (m *vzMachine) RequestStop() (bool, error) {
	ok, err := m.vm.RequestStop()
	if err != nil {
		return false, nativeErr("request stop", err)
	}
	return ok, nil
}

func (m *vzMachine) Stop() error {
	if !m.vm.CanStop() {
		return fmt.Errorf("vzDriver: stop: %w", ErrInvalidState)
	}
	if err := m.vm.Stop(); err != nil {
		return nativeErr("stop", err)
	}
	return nil
}

func (m *vzMachine) Pause() error {
	if !m.vm.CanPause() {
		return fmt.Errorf("vzDriver: pause: %w", ErrInvalidState)
	}
	if err := m.vm.Pause(); err != nil {
		return nativeErr("pause", err)
	}
	return nil
}

func (m *vzMachine) Resume() error {
	if !m.vm.CanResume() {
		return fmt.Errorf("vzDriver: resume: %w", ErrInvalidState)
	}
	if err := m.vm.Resume(); err != nil {
		return nativeErr("resume", err)
	}
	return nil
}

func (m *vzMachine) State() State {
	return StateFromNative(int(m.vm.State()))
}

func (m *vzMachine) StateChanged() <-chan State {
	return m.changed
}
