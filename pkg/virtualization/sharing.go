package virtualization

import (
	"errors"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

// DirectorySharingDeviceConfiguration is a shared directory device for the
// builder.
type DirectorySharingDeviceConfiguration interface {
	Handle() *Handle
	Release()
	isDirectorySharingDevice()
}

// VirtioFileSystemDeviceConfiguration shares one host directory with the
// guest under a mount tag.
type VirtioFileSystemDeviceConfiguration struct {
	object
	tag, path string
	readOnly  bool
}

func (*VirtioFileSystemDeviceConfiguration) isDirectorySharingDevice() {}

// Tag is the guest mount tag.
func (d *VirtioFileSystemDeviceConfiguration) Tag() string { return d.tag }

// Path is the absolute host directory.
func (d *VirtioFileSystemDeviceConfiguration) Path() string { return d.path }

// ReadOnly reports whether the guest may write.
func (d *VirtioFileSystemDeviceConfiguration) ReadOnly() bool { return d.readOnly }

// NewVirtioFileSystemDeviceConfiguration shares path under tag.
func (rt *Runtime) NewVirtioFileSystemDeviceConfiguration(tag, path string, readOnly bool) (*VirtioFileSystemDeviceConfiguration, error) {
	const op = "create file system device"
	if tag == "" {
		return nil, newError(KindConstruction, op, errors.New("empty tag"))
	}
	abs, err := canonicalPath(op, path)
	if err != nil {
		return nil, err
	}
	o, err := rt.simple(op, func() (hypervisor.Object, error) {
		return rt.driver.NewVirtioFileSystemDevice(tag, abs, readOnly)
	})
	if err != nil {
		return nil, err
	}
	return &VirtioFileSystemDeviceConfiguration{object: o, tag: tag, path: abs, readOnly: readOnly}, nil
}
