// Package testutil provides common test helpers for macvm tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/javanstorm/vzkit/internal/bundle"
	"github.com/javanstorm/vzkit/pkg/hypervisor/sim"
	"github.com/javanstorm/vzkit/pkg/virtualization"
)

// Runtime returns a runtime on a fresh simulated driver.
func Runtime(t *testing.T, opts ...sim.Option) (*virtualization.Runtime, *sim.Driver) {
	t.Helper()
	d := sim.New(opts...)
	return virtualization.NewRuntime(d), d
}

// MacBundle creates a macOS bundle with a complete platform identity made
// by rt. The manifest is the default one unless m is given.
func MacBundle(t *testing.T, rt *virtualization.Runtime, m ...bundle.Manifest) *bundle.Bundle {
	t.Helper()
	manifest := bundle.DefaultManifest()
	if len(m) > 0 {
		manifest = m[0]
	}
	b, err := bundle.Init(filepath.Join(t.TempDir(), "mac.bundle"), manifest)
	if err != nil {
		t.Fatalf("init bundle: %v", err)
	}

	hw, err := rt.NewMacHardwareModel(sim.HardwareModelData)
	if err != nil {
		t.Fatalf("hardware model: %v", err)
	}
	defer hw.Release()
	id, err := rt.GenerateMacMachineIdentifier()
	if err != nil {
		t.Fatalf("machine identifier: %v", err)
	}
	defer id.Release()
	aux, err := rt.CreateMacAuxiliaryStorage(b.Path(bundle.AuxiliaryStorageFile), hw, false)
	if err != nil {
		t.Fatalf("auxiliary storage: %v", err)
	}
	aux.Release()

	hwData, err := hw.DataRepresentation()
	if err != nil {
		t.Fatalf("hardware model data: %v", err)
	}
	idData, err := id.DataRepresentation()
	if err != nil {
		t.Fatalf("machine identifier data: %v", err)
	}
	if err := b.WriteIdentity(hwData, idData); err != nil {
		t.Fatalf("write identity: %v", err)
	}
	return b
}

// LinuxBundle creates a Linux bundle with a placeholder kernel. mutate, if
// given, edits the manifest before it is written.
func LinuxBundle(t *testing.T, mutate ...func(*bundle.Manifest)) *bundle.Bundle {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "linux.bundle")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("create bundle dir: %v", err)
	}
	m := bundle.DefaultLinuxManifest()
	WriteFile(t, filepath.Join(dir, m.Linux.Kernel), "kernel")
	for _, fn := range mutate {
		fn(&m)
	}
	b, err := bundle.Init(dir, m)
	if err != nil {
		t.Fatalf("init bundle: %v", err)
	}
	return b
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// CreateTestDisk creates a sparse disk file at path with the given size.
func CreateTestDisk(t *testing.T, path string, sizeMB int64) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test disk at %s: %v", path, err)
	}
	defer f.Close()

	sizeBytes := sizeMB * 1024 * 1024
	if err := f.Truncate(sizeBytes); err != nil {
		t.Fatalf("failed to truncate test disk to %d bytes: %v", sizeBytes, err)
	}
}
