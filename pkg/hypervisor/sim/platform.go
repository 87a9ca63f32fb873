package sim

import (
	"bytes"
	"context"
	"os"
	"slices"

	"github.com/google/uuid"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

// HardwareModelData is the blob restore images report as their model.
var HardwareModelData = []byte("sim-hardware-model")

func (d *Driver) NewMacHardwareModel(data []byte) (hypervisor.Object, error) {
	if len(data) == 0 {
		return nil, &hypervisor.NativeError{Op: "create hardware model", Description: "empty data representation"}
	}
	o := d.newObject(hypervisor.KindMacHardwareModel)
	o.data = bytes.Clone(data)
	return o, nil
}

func (d *Driver) MacHardwareModelSupported(hw hypervisor.Object) bool {
	if _, err := d.object("hardware model supported", hw, hypervisor.KindMacHardwareModel); err != nil {
		return false
	}
	return d.opts.hwSupported
}

func (d *Driver) NewMacMachineIdentifier(data []byte) (hypervisor.Object, error) {
	if len(data) == 0 {
		id := uuid.New()
		data = id[:]
	}
	o := d.newObject(hypervisor.KindMacMachineIdentifier)
	o.data = bytes.Clone(data)
	return o, nil
}

func (d *Driver) DataRepresentation(obj hypervisor.Object) ([]byte, error) {
	o, err := d.object("data representation", obj, hypervisor.KindMacHardwareModel, hypervisor.KindMacMachineIdentifier)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(o.data), nil
}

func (d *Driver) LoadMacAuxiliaryStorage(path string) (hypervisor.Object, error) {
	if err := exists("load auxiliary storage", path); err != nil {
		return nil, err
	}
	o := d.newObject(hypervisor.KindMacAuxiliaryStorage)
	o.path = path
	return o, nil
}

func (d *Driver) CreateMacAuxiliaryStorage(path string, hw hypervisor.Object) (hypervisor.Object, error) {
	if _, err := d.object("create auxiliary storage", hw, hypervisor.KindMacHardwareModel); err != nil {
		return nil, err
	}
	if !d.opts.hwSupported {
		return nil, &hypervisor.NativeError{Op: "create auxiliary storage", Description: "hardware model is not supported"}
	}
	if err := os.WriteFile(path, []byte("sim auxiliary storage"), 0o644); err != nil {
		return nil, &hypervisor.NativeError{Op: "create auxiliary storage", Description: err.Error(), Err: err}
	}
	o := d.newObject(hypervisor.KindMacAuxiliaryStorage)
	o.path = path
	return o, nil
}

func (d *Driver) NewMacPlatform(hw, id, aux hypervisor.Object) (hypervisor.Object, error) {
	const op = "create Mac platform"
	h, err := d.object(op, hw, hypervisor.KindMacHardwareModel)
	if err != nil {
		return nil, err
	}
	i, err := d.object(op, id, hypervisor.KindMacMachineIdentifier)
	if err != nil {
		return nil, err
	}
	a, err := d.object(op, aux, hypervisor.KindMacAuxiliaryStorage)
	if err != nil {
		return nil, err
	}
	o := d.newObject(hypervisor.KindMacPlatform)
	o.children = []*Object{h, i, a}
	return o, nil
}

func (d *Driver) NewGenericPlatform() (hypervisor.Object, error) {
	return d.newObject(hypervisor.KindGenericPlatform), nil
}

func (d *Driver) LoadRestoreImage(path string) (hypervisor.Object, error) {
	if err := exists("load restore image", path); err != nil {
		return nil, err
	}
	o := d.newObject(hypervisor.KindRestoreImage)
	o.path = path
	return o, nil
}

func (d *Driver) FetchLatestRestoreImage(ctx context.Context, destPath string) (hypervisor.Object, error) {
	found, err := d.opts.fetch(ctx, destPath)
	if err != nil {
		return nil, &hypervisor.NativeError{Op: "fetch restore image", Description: err.Error(), Err: err}
	}
	if !found {
		return nil, nil
	}
	o := d.newObject(hypervisor.KindRestoreImage)
	o.path = destPath
	return o, nil
}

func (d *Driver) RestoreImage(img hypervisor.Object) (hypervisor.RestoreImageInfo, error) {
	o, err := d.object("restore image", img, hypervisor.KindRestoreImage)
	if err != nil {
		return hypervisor.RestoreImageInfo{}, err
	}
	info := hypervisor.RestoreImageInfo{
		URL:          "file://" + o.path,
		BuildVersion: "sim",
	}
	if d.opts.hwSupported {
		hw := d.newObject(hypervisor.KindMacHardwareModel)
		hw.data = slices.Clone(HardwareModelData)
		info.HardwareModel = hw
	}
	return info, nil
}
