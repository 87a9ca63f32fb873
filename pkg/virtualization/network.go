package virtualization

import (
	"fmt"
	"net"
	"slices"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

// NetworkDeviceAttachment connects a network device to the host.
type NetworkDeviceAttachment interface {
	Handle() *Handle
	Release()
	isNetworkAttachment()
}

// NetworkDeviceConfiguration is a network device for the builder.
type NetworkDeviceConfiguration interface {
	Handle() *Handle
	Release()
	isNetworkDevice()
}

// NATNetworkDeviceAttachment shares the host's connection through NAT.
type NATNetworkDeviceAttachment struct {
	object
}

func (*NATNetworkDeviceAttachment) isNetworkAttachment() {}

// NewNATNetworkDeviceAttachment creates a NAT attachment.
func (rt *Runtime) NewNATNetworkDeviceAttachment() (*NATNetworkDeviceAttachment, error) {
	o, err := rt.simple("create NAT attachment", rt.driver.NewNATAttachment)
	if err != nil {
		return nil, err
	}
	return &NATNetworkDeviceAttachment{object: o}, nil
}

// VirtioNetworkDeviceConfiguration is a virtio network interface.
type VirtioNetworkDeviceConfiguration struct {
	object
	mac net.HardwareAddr
}

func (*VirtioNetworkDeviceConfiguration) isNetworkDevice() {}

// MACAddress is the configured address, nil when the framework picks one.
func (d *VirtioNetworkDeviceConfiguration) MACAddress() net.HardwareAddr {
	return slices.Clone(d.mac)
}

// NewVirtioNetworkDeviceConfiguration creates a network device. A nil mac
// gets a random locally administered address.
func (rt *Runtime) NewVirtioNetworkDeviceConfiguration(attachment NetworkDeviceAttachment, mac net.HardwareAddr) (*VirtioNetworkDeviceConfiguration, error) {
	const op = "create network device"
	if mac != nil && len(mac) != 6 {
		return nil, newError(KindConstruction, op, fmt.Errorf("MAC address %s is not EUI-48", mac))
	}
	parts, err := handlesOf(op, []NetworkDeviceAttachment{attachment})
	if err != nil {
		return nil, err
	}
	c, err := rt.compose(op, parts, func(objs []hypervisor.Object) (hypervisor.Object, error) {
		return rt.driver.NewVirtioNetworkDevice(objs[0], mac)
	})
	if err != nil {
		return nil, err
	}
	return &VirtioNetworkDeviceConfiguration{object: c, mac: slices.Clone(mac)}, nil
}
