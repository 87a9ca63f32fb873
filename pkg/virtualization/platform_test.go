package virtualization

import (
	"bytes"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/javanstorm/vzkit/pkg/hypervisor/sim"
)

func TestHardwareModel(t *testing.T) {
	tests := []struct {
		name      string
		supported bool
	}{
		{"supported", true},
		{"unsupported", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, _ := newRuntime(t, sim.WithHardwareModelSupported(tt.supported))
			hw, err := rt.NewMacHardwareModel(sim.HardwareModelData)
			if err != nil {
				t.Fatal(err)
			}
			defer hw.Release()
			if hw.Supported() != tt.supported {
				t.Errorf("Supported = %v, want %v", hw.Supported(), tt.supported)
			}
			data, err := hw.DataRepresentation()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(data, sim.HardwareModelData) {
				t.Errorf("DataRepresentation = %q", data)
			}
		})
	}
}

func TestEmptyDataRepresentation(t *testing.T) {
	rt, _ := newRuntime(t)
	if _, err := rt.NewMacHardwareModel(nil); !errors.Is(err, ErrConstruction) {
		t.Errorf("hardware model: error = %v, want construction error", err)
	}
	if _, err := rt.NewMacMachineIdentifier([]byte{}); !errors.Is(err, ErrConstruction) {
		t.Errorf("machine identifier: error = %v, want construction error", err)
	}
}

func TestMachineIdentifierRoundTrip(t *testing.T) {
	rt, _ := newRuntime(t)
	a, err := rt.GenerateMacMachineIdentifier()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()
	b, err := rt.GenerateMacMachineIdentifier()
	if err != nil {
		t.Fatal(err)
	}
	defer b.Release()

	da, err := a.DataRepresentation()
	if err != nil {
		t.Fatal(err)
	}
	db, err := b.DataRepresentation()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(da, db) {
		t.Error("generated identifiers are equal")
	}

	restored, err := rt.NewMacMachineIdentifier(da)
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Release()
	got, err := restored.DataRepresentation()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, da) {
		t.Errorf("restored identifier = %x, want %x", got, da)
	}
}

func TestCreateAuxiliaryStorage(t *testing.T) {
	rt, _ := newRuntime(t)
	hw, err := rt.NewMacHardwareModel(sim.HardwareModelData)
	if err != nil {
		t.Fatal(err)
	}
	defer hw.Release()
	path := filepath.Join(t.TempDir(), "AuxiliaryStorage")

	aux, err := rt.CreateMacAuxiliaryStorage(path, hw, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	aux.Release()

	_, err = rt.CreateMacAuxiliaryStorage(path, hw, false)
	if !errors.Is(err, fs.ErrExist) {
		t.Errorf("create over existing file: error = %v, want fs.ErrExist", err)
	}
	if !errors.Is(err, ErrConstruction) {
		t.Errorf("create over existing file: error = %v, want construction error", err)
	}

	aux, err = rt.CreateMacAuxiliaryStorage(path, hw, true)
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	aux.Release()

	loaded, err := rt.LoadMacAuxiliaryStorage(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer loaded.Release()
	if loaded.Path() != path {
		t.Errorf("Path = %q, want %q", loaded.Path(), path)
	}
}

func TestLoadMissingAuxiliaryStorage(t *testing.T) {
	rt, _ := newRuntime(t)
	_, err := rt.LoadMacAuxiliaryStorage(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, ErrConstruction) {
		t.Errorf("error = %v, want construction error", err)
	}
}

func TestMacPlatformOwnsIdentity(t *testing.T) {
	rt, d := newRuntime(t)
	platform := macPlatform(t, rt)
	if got := d.Live(); got != 4 {
		t.Fatalf("live objects = %d, want platform plus its three parts", got)
	}
	platform.Release()
	if got := d.Live(); got != 0 {
		t.Errorf("live objects = %d after releasing the platform", got)
	}
}
