package sim

import (
	"fmt"
	"net"
	"os"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

func (d *Driver) NewLinuxBootLoader(kernel, initrd, cmdline string) (hypervisor.Object, error) {
	if err := exists("create linux boot loader", kernel); err != nil {
		return nil, err
	}
	if initrd != "" {
		if err := exists("create linux boot loader", initrd); err != nil {
			return nil, err
		}
	}
	o := d.newObject(hypervisor.KindLinuxBootLoader)
	o.path = kernel
	o.tag = cmdline
	return o, nil
}

func (d *Driver) NewMacOSBootLoader() (hypervisor.Object, error) {
	return d.newObject(hypervisor.KindMacOSBootLoader), nil
}

func (d *Driver) NewEFIBootLoader(variableStore string, create bool) (hypervisor.Object, error) {
	if create {
		if err := os.WriteFile(variableStore, []byte("efi"), 0o644); err != nil {
			return nil, &hypervisor.NativeError{Op: "create EFI variable store", Description: err.Error(), Err: err}
		}
	} else if err := exists("open EFI variable store", variableStore); err != nil {
		return nil, err
	}
	o := d.newObject(hypervisor.KindEFIBootLoader)
	o.path = variableStore
	return o, nil
}

func (d *Driver) NewDiskImageAttachment(path string, readOnly bool) (hypervisor.Object, error) {
	if err := exists("create disk image attachment", path); err != nil {
		return nil, err
	}
	o := d.newObject(hypervisor.KindDiskImageAttachment)
	o.path = path
	o.readOnly = readOnly
	return o, nil
}

func (d *Driver) NewVirtioBlockDevice(attachment hypervisor.Object) (hypervisor.Object, error) {
	return d.composite("create block device", hypervisor.KindVirtioBlockDevice,
		[]hypervisor.Object{attachment}, hypervisor.KindDiskImageAttachment)
}

func (d *Driver) NewNATAttachment() (hypervisor.Object, error) {
	return d.newObject(hypervisor.KindNATAttachment), nil
}

func (d *Driver) NewVirtioNetworkDevice(attachment hypervisor.Object, mac net.HardwareAddr) (hypervisor.Object, error) {
	if mac != nil && len(mac) != 6 {
		return nil, &hypervisor.NativeError{Op: "create MAC address", Description: fmt.Sprintf("invalid address %s", mac)}
	}
	o, err := d.composite("create network device", hypervisor.KindVirtioNetworkDevice,
		[]hypervisor.Object{attachment}, hypervisor.KindNATAttachment)
	if err != nil {
		return nil, err
	}
	o.(*Object).mac = mac
	return o, nil
}

func (d *Driver) sized(kind hypervisor.Kind, width, height, ppi int64) (hypervisor.Object, error) {
	if width <= 0 || height <= 0 || ppi < 0 {
		return nil, &hypervisor.NativeError{Op: "create " + string(kind),
			Description: fmt.Sprintf("invalid size %dx%d@%d", width, height, ppi)}
	}
	o := d.newObject(kind)
	o.width, o.height, o.ppi = width, height, ppi
	return o, nil
}

func (d *Driver) NewMacGraphicsDisplay(width, height, ppi int64) (hypervisor.Object, error) {
	return d.sized(hypervisor.KindMacGraphicsDisplay, width, height, ppi)
}

func (d *Driver) NewMacGraphicsDevice(displays []hypervisor.Object) (hypervisor.Object, error) {
	return d.composite("create Mac graphics device", hypervisor.KindMacGraphicsDevice,
		displays, hypervisor.KindMacGraphicsDisplay)
}

func (d *Driver) NewVirtioGraphicsScanout(width, height int64) (hypervisor.Object, error) {
	return d.sized(hypervisor.KindVirtioGraphicsScanout, width, height, 0)
}

func (d *Driver) NewVirtioGraphicsDevice(scanouts []hypervisor.Object) (hypervisor.Object, error) {
	return d.composite("create virtio graphics device", hypervisor.KindVirtioGraphicsDevice,
		scanouts, hypervisor.KindVirtioGraphicsScanout)
}

func (d *Driver) NewUSBPointingDevice() (hypervisor.Object, error) {
	return d.newObject(hypervisor.KindUSBPointingDevice), nil
}

func (d *Driver) NewMacTrackpad() (hypervisor.Object, error) {
	return d.newObject(hypervisor.KindMacTrackpad), nil
}

func (d *Driver) NewUSBKeyboard() (hypervisor.Object, error) {
	return d.newObject(hypervisor.KindUSBKeyboard), nil
}

func (d *Driver) NewHostAudioInputSource() (hypervisor.Object, error) {
	return d.newObject(hypervisor.KindHostAudioInputSource), nil
}

func (d *Driver) NewHostAudioOutputSink() (hypervisor.Object, error) {
	return d.newObject(hypervisor.KindHostAudioOutputSink), nil
}

func (d *Driver) NewSoundInputStream(source hypervisor.Object) (hypervisor.Object, error) {
	return d.composite("create sound input stream", hypervisor.KindSoundInputStream,
		[]hypervisor.Object{source}, hypervisor.KindHostAudioInputSource)
}

func (d *Driver) NewSoundOutputStream(sink hypervisor.Object) (hypervisor.Object, error) {
	return d.composite("create sound output stream", hypervisor.KindSoundOutputStream,
		[]hypervisor.Object{sink}, hypervisor.KindHostAudioOutputSink)
}

func (d *Driver) NewVirtioSoundDevice(streams []hypervisor.Object) (hypervisor.Object, error) {
	return d.composite("create sound device", hypervisor.KindVirtioSoundDevice,
		streams, hypervisor.KindSoundInputStream, hypervisor.KindSoundOutputStream)
}

func (d *Driver) NewVirtioEntropyDevice() (hypervisor.Object, error) {
	return d.newObject(hypervisor.KindVirtioEntropyDevice), nil
}

func (d *Driver) NewVirtioBalloonDevice() (hypervisor.Object, error) {
	return d.newObject(hypervisor.KindVirtioBalloonDevice), nil
}

func (d *Driver) NewFileHandleSerialAttachment(read, write *os.File) (hypervisor.Object, error) {
	if read == nil && write == nil {
		return nil, &hypervisor.NativeError{Op: "create file handle serial attachment", Description: "no file handles"}
	}
	o := d.newObject(hypervisor.KindFileHandleSerialAttachment)
	o.serial = [2]*os.File{read, write}
	return o, nil
}

func (d *Driver) NewFileSerialAttachment(path string, appendMode bool) (hypervisor.Object, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, &hypervisor.NativeError{Op: "create file serial attachment", Description: err.Error(), Err: err}
	}
	f.Close()
	o := d.newObject(hypervisor.KindFileSerialAttachment)
	o.path = path
	return o, nil
}

func (d *Driver) NewVirtioConsoleSerialPort(attachment hypervisor.Object) (hypervisor.Object, error) {
	return d.composite("create serial port", hypervisor.KindVirtioConsoleSerialPort,
		[]hypervisor.Object{attachment}, hypervisor.KindFileHandleSerialAttachment, hypervisor.KindFileSerialAttachment)
}

func (d *Driver) NewVirtioSocketDevice() (hypervisor.Object, error) {
	return d.newObject(hypervisor.KindVirtioSocketDevice), nil
}

func (d *Driver) NewVirtioFileSystemDevice(tag, path string, readOnly bool) (hypervisor.Object, error) {
	if tag == "" {
		return nil, &hypervisor.NativeError{Op: "create file system device", Description: "empty tag"}
	}
	st, err := os.Stat(path)
	if err != nil || !st.IsDir() {
		return nil, &hypervisor.NativeError{Op: "create shared directory", Description: "not a directory: " + path, Err: err}
	}
	o := d.newObject(hypervisor.KindVirtioFileSystemDevice)
	o.tag, o.path, o.readOnly = tag, path, readOnly
	return o, nil
}

// composite builds an object that references parts, like the framework's
// device classes that hold their attachments, displays or streams.
func (d *Driver) composite(op string, kind hypervisor.Kind, parts []hypervisor.Object, want ...hypervisor.Kind) (hypervisor.Object, error) {
	children, err := d.objects(op, parts, want...)
	if err != nil {
		return nil, err
	}
	o := d.newObject(kind)
	o.children = children
	return o, nil
}
