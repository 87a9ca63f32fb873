// Package hypervisor is the native object model underneath package
// virtualization. A Driver creates opaque framework objects (boot loaders,
// devices, platforms, configurations) and the machines built from them.
// Platform-specific implementations live in driver_darwin*.go (macOS
// Virtualization.framework via vz) and driver_linux.go (KVM via hype).
package hypervisor

import (
	"context"
	"net"
	"os"

	"github.com/coreos/go-semver/semver"
)

// Kind identifies the framework class behind an Object.
type Kind string

const (
	KindLinuxBootLoader            Kind = "linux-boot-loader"
	KindMacOSBootLoader            Kind = "macos-boot-loader"
	KindEFIBootLoader              Kind = "efi-boot-loader"
	KindDiskImageAttachment        Kind = "disk-image-attachment"
	KindVirtioBlockDevice          Kind = "virtio-block-device"
	KindNATAttachment              Kind = "nat-attachment"
	KindVirtioNetworkDevice        Kind = "virtio-network-device"
	KindMacGraphicsDisplay         Kind = "mac-graphics-display"
	KindMacGraphicsDevice          Kind = "mac-graphics-device"
	KindVirtioGraphicsScanout      Kind = "virtio-graphics-scanout"
	KindVirtioGraphicsDevice       Kind = "virtio-graphics-device"
	KindUSBPointingDevice          Kind = "usb-screen-coordinate-pointing-device"
	KindMacTrackpad                Kind = "mac-trackpad"
	KindUSBKeyboard                Kind = "usb-keyboard"
	KindHostAudioInputSource       Kind = "host-audio-input-source"
	KindHostAudioOutputSink        Kind = "host-audio-output-sink"
	KindSoundInputStream           Kind = "virtio-sound-input-stream"
	KindSoundOutputStream          Kind = "virtio-sound-output-stream"
	KindVirtioSoundDevice          Kind = "virtio-sound-device"
	KindVirtioEntropyDevice        Kind = "virtio-entropy-device"
	KindVirtioBalloonDevice        Kind = "virtio-traditional-memory-balloon-device"
	KindFileHandleSerialAttachment Kind = "file-handle-serial-attachment"
	KindFileSerialAttachment       Kind = "file-serial-attachment"
	KindVirtioConsoleSerialPort    Kind = "virtio-console-serial-port"
	KindVirtioSocketDevice         Kind = "virtio-socket-device"
	KindVirtioFileSystemDevice     Kind = "virtio-file-system-device"
	KindMacHardwareModel           Kind = "mac-hardware-model"
	KindMacMachineIdentifier       Kind = "mac-machine-identifier"
	KindMacAuxiliaryStorage        Kind = "mac-auxiliary-storage"
	KindMacPlatform                Kind = "mac-platform"
	KindGenericPlatform            Kind = "generic-platform"
	KindRestoreImage               Kind = "macos-restore-image"
	KindConfiguration              Kind = "virtual-machine-configuration"
	KindMachine                    Kind = "virtual-machine"
)

// Object is an opaque reference to a framework-owned object.
type Object interface {
	Kind() Kind
}

// Driver is the main interface for native framework access.
// Platform-specific implementations (vz, kvm) satisfy this interface.
type Driver interface {
	Devices
	Platforms
	Configurations

	Info() Info

	// Supported reports whether the host can run virtual machines at all.
	Supported() bool

	// Release gives up the caller's reference to obj. It is called exactly
	// once per object by the handle layer.
	Release(obj Object)
}

// Devices creates boot loaders and device configurations.
type Devices interface {
	NewLinuxBootLoader(kernel, initrd, cmdline string) (Object, error)
	NewMacOSBootLoader() (Object, error)
	NewEFIBootLoader(variableStore string, create bool) (Object, error)

	NewDiskImageAttachment(path string, readOnly bool) (Object, error)
	NewVirtioBlockDevice(attachment Object) (Object, error)

	NewNATAttachment() (Object, error)
	// NewVirtioNetworkDevice uses a random locally administered address
	// when mac is nil.
	NewVirtioNetworkDevice(attachment Object, mac net.HardwareAddr) (Object, error)

	NewMacGraphicsDisplay(width, height, ppi int64) (Object, error)
	NewMacGraphicsDevice(displays []Object) (Object, error)
	NewVirtioGraphicsScanout(width, height int64) (Object, error)
	NewVirtioGraphicsDevice(scanouts []Object) (Object, error)

	NewUSBPointingDevice() (Object, error)
	NewMacTrackpad() (Object, error)
	NewUSBKeyboard() (Object, error)

	NewHostAudioInputSource() (Object, error)
	NewHostAudioOutputSink() (Object, error)
	NewSoundInputStream(source Object) (Object, error)
	NewSoundOutputStream(sink Object) (Object, error)
	NewVirtioSoundDevice(streams []Object) (Object, error)

	NewVirtioEntropyDevice() (Object, error)
	NewVirtioBalloonDevice() (Object, error)

	NewFileHandleSerialAttachment(read, write *os.File) (Object, error)
	NewFileSerialAttachment(path string, appendMode bool) (Object, error)
	NewVirtioConsoleSerialPort(attachment Object) (Object, error)

	NewVirtioSocketDevice() (Object, error)
	NewVirtioFileSystemDevice(tag, path string, readOnly bool) (Object, error)
}

// Platforms creates platform identity objects and restore images.
type Platforms interface {
	NewMacHardwareModel(data []byte) (Object, error)
	MacHardwareModelSupported(hw Object) bool
	// NewMacMachineIdentifier generates a fresh identifier when data is empty.
	NewMacMachineIdentifier(data []byte) (Object, error)
	// DataRepresentation returns the opaque bytes of a hardware model or
	// machine identifier.
	DataRepresentation(obj Object) ([]byte, error)
	LoadMacAuxiliaryStorage(path string) (Object, error)
	CreateMacAuxiliaryStorage(path string, hw Object) (Object, error)
	NewMacPlatform(hw, id, aux Object) (Object, error)
	NewGenericPlatform() (Object, error)

	LoadRestoreImage(path string) (Object, error)
	// FetchLatestRestoreImage blocks until the catalog lookup and download
	// to destPath finish. A nil image with a nil error is possible and must
	// be handled by the caller.
	FetchLatestRestoreImage(ctx context.Context, destPath string) (Object, error)
	RestoreImage(img Object) (RestoreImageInfo, error)
}

// Configurations assembles, validates and instantiates machines.
type Configurations interface {
	Limits() Limits
	NewConfiguration(spec ConfigurationSpec) (Object, error)
	// ValidateConfiguration checks cfg without mutating it.
	ValidateConfiguration(cfg Object) error
	NewMachine(cfg Object) (Machine, error)
}

// Machine is a native virtual machine. Start, Stop, Pause and Resume block
// until the framework reports completion.
type Machine interface {
	Object
	Start(opts StartOptions) error
	CanRequestStop() bool
	RequestStop() (bool, error)
	Stop() error
	Pause() error
	Resume() error
	State() State
	// StateChanged delivers state transitions. Slow readers miss
	// intermediate states.
	StateChanged() <-chan State
}

// StartOptions controls how a machine boots. Only BootMacOSRecovery is
// public framework API; the remaining flags map to private start options.
type StartOptions struct {
	BootMacOSRecovery bool
	PanicAction       bool
	StopInIBootStage1 bool
	StopInIBootStage2 bool
	ForceDFU          bool
}

// Private reports whether any flag outside the public API is set.
func (o StartOptions) Private() bool {
	return o.PanicAction || o.StopInIBootStage1 || o.StopInIBootStage2 || o.ForceDFU
}

// ConfigurationSpec lists everything a configuration is assembled from.
type ConfigurationSpec struct {
	BootLoader Object
	Platform   Object // nil means the framework default
	CPUCount   uint
	MemorySize uint64

	Storage          []Object
	Network          []Object
	Graphics         []Object
	Pointing         []Object
	Keyboards        []Object
	Audio            []Object
	Entropy          []Object
	MemoryBalloon    []Object
	Serial           []Object
	Socket           []Object
	DirectorySharing []Object
}

// Limits are the CPU and memory bounds the host accepts.
type Limits struct {
	MinCPUCount   uint
	MaxCPUCount   uint
	MinMemorySize uint64
	MaxMemorySize uint64
}

// RestoreImageInfo describes a macOS restore image.
type RestoreImageInfo struct {
	URL          string
	BuildVersion string
	// HardwareModel is the most featureful model the host supports for
	// this image, or nil when the host supports none.
	HardwareModel Object
}

// Info contains driver metadata.
type Info struct {
	Name        string // "vz", "kvm" or "sim"
	Version     string
	Arch        string
	HostVersion *semver.Version // nil when unknown
}
