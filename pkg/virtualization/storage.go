package virtualization

import "github.com/javanstorm/vzkit/pkg/hypervisor"

// StorageDeviceAttachment backs a storage device.
type StorageDeviceAttachment interface {
	Handle() *Handle
	Release()
	isStorageAttachment()
}

// StorageDeviceConfiguration is a storage device for the builder.
type StorageDeviceConfiguration interface {
	Handle() *Handle
	Release()
	isStorageDevice()
}

// DiskImageStorageDeviceAttachment is a raw disk image file.
type DiskImageStorageDeviceAttachment struct {
	object
	path     string
	readOnly bool
}

func (*DiskImageStorageDeviceAttachment) isStorageAttachment() {}

// Path is the absolute image path.
func (a *DiskImageStorageDeviceAttachment) Path() string { return a.path }

// ReadOnly reports whether the guest may write to the image.
func (a *DiskImageStorageDeviceAttachment) ReadOnly() bool { return a.readOnly }

// NewDiskImageStorageDeviceAttachment attaches the disk image at path.
func (rt *Runtime) NewDiskImageStorageDeviceAttachment(path string, readOnly bool) (*DiskImageStorageDeviceAttachment, error) {
	const op = "create disk image attachment"
	abs, err := canonicalPath(op, path)
	if err != nil {
		return nil, err
	}
	o, err := rt.simple(op, func() (hypervisor.Object, error) {
		return rt.driver.NewDiskImageAttachment(abs, readOnly)
	})
	if err != nil {
		return nil, err
	}
	return &DiskImageStorageDeviceAttachment{object: o, path: abs, readOnly: readOnly}, nil
}

// VirtioBlockDeviceConfiguration exposes an attachment as a virtio block device.
type VirtioBlockDeviceConfiguration struct {
	object
}

func (*VirtioBlockDeviceConfiguration) isStorageDevice() {}

// NewVirtioBlockDeviceConfiguration creates a block device over attachment.
func (rt *Runtime) NewVirtioBlockDeviceConfiguration(attachment StorageDeviceAttachment) (*VirtioBlockDeviceConfiguration, error) {
	const op = "create block device"
	parts, err := handlesOf(op, []StorageDeviceAttachment{attachment})
	if err != nil {
		return nil, err
	}
	c, err := rt.compose(op, parts, func(objs []hypervisor.Object) (hypervisor.Object, error) {
		return rt.driver.NewVirtioBlockDevice(objs[0])
	})
	if err != nil {
		return nil, err
	}
	return &VirtioBlockDeviceConfiguration{object: c}, nil
}
