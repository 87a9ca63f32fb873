package virtualization

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

// PlatformConfiguration is a platform for the builder.
type PlatformConfiguration interface {
	Handle() *Handle
	Release()
	isPlatform()
}

// MacHardwareModel identifies the virtual Mac hardware a guest was installed
// for. Its data representation is opaque and must be stored alongside the
// guest's disk.
type MacHardwareModel struct {
	object
	rt *Runtime
}

// NewMacHardwareModel restores a hardware model from its data
// representation.
func (rt *Runtime) NewMacHardwareModel(data []byte) (*MacHardwareModel, error) {
	const op = "create hardware model"
	if len(data) == 0 {
		return nil, newError(KindConstruction, op, errors.New("empty data representation"))
	}
	o, err := rt.simple(op, func() (hypervisor.Object, error) {
		return rt.driver.NewMacHardwareModel(data)
	})
	if err != nil {
		return nil, err
	}
	return &MacHardwareModel{object: o, rt: rt}, nil
}

// Supported reports whether this host can run guests of this model.
func (m *MacHardwareModel) Supported() bool {
	obj, err := m.h.object()
	if err != nil {
		return false
	}
	return m.rt.driver.MacHardwareModelSupported(obj)
}

// DataRepresentation is the opaque form to persist.
func (m *MacHardwareModel) DataRepresentation() ([]byte, error) {
	return m.rt.dataRepresentation("hardware model data", m.h)
}

// MacMachineIdentifier distinguishes otherwise identical Mac guests.
type MacMachineIdentifier struct {
	object
	rt *Runtime
}

// NewMacMachineIdentifier restores an identifier from its data
// representation.
func (rt *Runtime) NewMacMachineIdentifier(data []byte) (*MacMachineIdentifier, error) {
	if len(data) == 0 {
		return nil, newError(KindConstruction, "create machine identifier", errors.New("empty data representation"))
	}
	return rt.machineIdentifier(data)
}

// GenerateMacMachineIdentifier creates a new unique identifier.
func (rt *Runtime) GenerateMacMachineIdentifier() (*MacMachineIdentifier, error) {
	return rt.machineIdentifier(nil)
}

func (rt *Runtime) machineIdentifier(data []byte) (*MacMachineIdentifier, error) {
	o, err := rt.simple("create machine identifier", func() (hypervisor.Object, error) {
		return rt.driver.NewMacMachineIdentifier(data)
	})
	if err != nil {
		return nil, err
	}
	return &MacMachineIdentifier{object: o, rt: rt}, nil
}

// DataRepresentation is the opaque form to persist.
func (m *MacMachineIdentifier) DataRepresentation() ([]byte, error) {
	return m.rt.dataRepresentation("machine identifier data", m.h)
}

func (rt *Runtime) dataRepresentation(op string, h *Handle) ([]byte, error) {
	obj, err := h.object()
	if err != nil {
		return nil, newError(KindConstruction, op, err)
	}
	data, err := rt.driver.DataRepresentation(obj)
	if err != nil {
		return nil, newError(KindConstruction, op, err)
	}
	if len(data) == 0 {
		return nil, newError(KindConstruction, op, ErrEmptyResponse)
	}
	return data, nil
}

// MacAuxiliaryStorage is the NVRAM file of a Mac guest.
type MacAuxiliaryStorage struct {
	object
	path string
}

// Path is the absolute storage path.
func (s *MacAuxiliaryStorage) Path() string { return s.path }

// LoadMacAuxiliaryStorage opens existing auxiliary storage.
func (rt *Runtime) LoadMacAuxiliaryStorage(path string) (*MacAuxiliaryStorage, error) {
	const op = "load auxiliary storage"
	abs, err := canonicalPath(op, path)
	if err != nil {
		return nil, err
	}
	o, err := rt.simple(op, func() (hypervisor.Object, error) {
		return rt.driver.LoadMacAuxiliaryStorage(abs)
	})
	if err != nil {
		return nil, err
	}
	return &MacAuxiliaryStorage{object: o, path: abs}, nil
}

// CreateMacAuxiliaryStorage initializes new auxiliary storage for hw. An
// existing file is replaced only when overwrite is set.
func (rt *Runtime) CreateMacAuxiliaryStorage(path string, hw *MacHardwareModel, overwrite bool) (*MacAuxiliaryStorage, error) {
	const op = "create auxiliary storage"
	abs, err := canonicalPath(op, path)
	if err != nil {
		return nil, err
	}
	if hw == nil || hw.h == nil {
		return nil, newError(KindConstruction, op, ErrNilObject)
	}
	hwObj, err := hw.h.object()
	if err != nil {
		return nil, newError(KindConstruction, op, err)
	}
	if _, err := os.Stat(abs); err == nil {
		if !overwrite {
			return nil, newError(KindConstruction, op, fmt.Errorf("%s: %w", abs, fs.ErrExist))
		}
		if err := os.Remove(abs); err != nil {
			return nil, newError(KindConstruction, op, err)
		}
	}
	o, err := rt.simple(op, func() (hypervisor.Object, error) {
		return rt.driver.CreateMacAuxiliaryStorage(abs, hwObj)
	})
	if err != nil {
		return nil, err
	}
	return &MacAuxiliaryStorage{object: o, path: abs}, nil
}

// MacPlatformConfiguration is the platform of a macOS guest.
type MacPlatformConfiguration struct {
	object
}

func (*MacPlatformConfiguration) isPlatform() {}

// NewMacPlatformConfiguration combines the three Mac identity objects. The
// platform keeps its own references to them.
func (rt *Runtime) NewMacPlatformConfiguration(hw *MacHardwareModel, id *MacMachineIdentifier, aux *MacAuxiliaryStorage) (*MacPlatformConfiguration, error) {
	const op = "create Mac platform"
	parts, err := handlesOf(op, []handler{hw, id, aux})
	if err != nil {
		return nil, err
	}
	c, err := rt.compose(op, parts, func(objs []hypervisor.Object) (hypervisor.Object, error) {
		return rt.driver.NewMacPlatform(objs[0], objs[1], objs[2])
	})
	if err != nil {
		return nil, err
	}
	return &MacPlatformConfiguration{object: c}, nil
}

// GenericPlatformConfiguration is the platform of non-macOS guests.
type GenericPlatformConfiguration struct {
	object
}

func (*GenericPlatformConfiguration) isPlatform() {}

func (rt *Runtime) NewGenericPlatformConfiguration() (*GenericPlatformConfiguration, error) {
	o, err := rt.simple("create generic platform", rt.driver.NewGenericPlatform)
	if err != nil {
		return nil, err
	}
	return &GenericPlatformConfiguration{object: o}, nil
}
