package virtualization

import (
	"os"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

// SerialPortAttachment connects a serial port to the host.
type SerialPortAttachment interface {
	Handle() *Handle
	Release()
	isSerialAttachment()
}

// SerialPortConfiguration is a serial port for the builder.
type SerialPortConfiguration interface {
	Handle() *Handle
	Release()
	isSerialPort()
}

// FileHandleSerialPortAttachment reads guest input from read and writes guest
// output to write. Either may be nil. The files must stay open while the
// machine runs.
type FileHandleSerialPortAttachment struct {
	object
	read, write *os.File
}

func (*FileHandleSerialPortAttachment) isSerialAttachment() {}

func (rt *Runtime) NewFileHandleSerialPortAttachment(read, write *os.File) (*FileHandleSerialPortAttachment, error) {
	o, err := rt.simple("create file handle serial attachment", func() (hypervisor.Object, error) {
		return rt.driver.NewFileHandleSerialAttachment(read, write)
	})
	if err != nil {
		return nil, err
	}
	return &FileHandleSerialPortAttachment{object: o, read: read, write: write}, nil
}

// FileSerialPortAttachment logs guest output to a file.
type FileSerialPortAttachment struct {
	object
	path string
}

func (*FileSerialPortAttachment) isSerialAttachment() {}

// Path is the absolute log path.
func (a *FileSerialPortAttachment) Path() string { return a.path }

// NewFileSerialPortAttachment writes guest output to path, appending when
// appendMode is set and truncating otherwise.
func (rt *Runtime) NewFileSerialPortAttachment(path string, appendMode bool) (*FileSerialPortAttachment, error) {
	const op = "create file serial attachment"
	abs, err := canonicalPath(op, path)
	if err != nil {
		return nil, err
	}
	o, err := rt.simple(op, func() (hypervisor.Object, error) {
		return rt.driver.NewFileSerialAttachment(abs, appendMode)
	})
	if err != nil {
		return nil, err
	}
	return &FileSerialPortAttachment{object: o, path: abs}, nil
}

// VirtioConsoleDeviceSerialPortConfiguration is a virtio console port
// (hvc0 in a Linux guest).
type VirtioConsoleDeviceSerialPortConfiguration struct {
	object
}

func (*VirtioConsoleDeviceSerialPortConfiguration) isSerialPort() {}

func (rt *Runtime) NewVirtioConsoleDeviceSerialPortConfiguration(attachment SerialPortAttachment) (*VirtioConsoleDeviceSerialPortConfiguration, error) {
	const op = "create console serial port"
	parts, err := handlesOf(op, []SerialPortAttachment{attachment})
	if err != nil {
		return nil, err
	}
	c, err := rt.compose(op, parts, func(objs []hypervisor.Object) (hypervisor.Object, error) {
		return rt.driver.NewVirtioConsoleSerialPort(objs[0])
	})
	if err != nil {
		return nil, err
	}
	return &VirtioConsoleDeviceSerialPortConfiguration{object: c}, nil
}
