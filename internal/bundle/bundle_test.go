package bundle

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(body), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestOpenWithoutManifest(t *testing.T) {
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if b.HasManifest {
		t.Error("HasManifest should be false")
	}
	m := b.Manifest
	if m.Guest != GuestMacOS || m.CPUs != 1 {
		t.Errorf("got guest %q cpus %d, want macos and 1", m.Guest, m.CPUs)
	}
	if mem, _ := m.MemoryBytes(); mem != 1<<30 {
		t.Errorf("memory = %d, want 1 GiB", mem)
	}
	if m.Display.Width != 800 || m.Display.Height != 600 {
		t.Errorf("display = %dx%d, want 800x600", m.Display.Width, m.Display.Height)
	}
	if err := m.Check(); err != nil {
		t.Errorf("defaults should pass Check: %v", err)
	}
}

func TestOpenManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
guest = "linux"
cpus = 2
memory = "2GiB"
serial_log = "console.log"

[linux]
kernel = "vmlinuz"
initrd = "initrd.img"
cmdline = "console=hvc0 root=/dev/vda"

[[disk]]
path = "root.img"

[[disk]]
path = "/images/data.img"
read_only = true

[network]
mac = "52:54:00:12:34:56"

[[share]]
tag = "home"
path = "/Users/me"
`)

	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m := b.Manifest
	if !b.HasManifest || m.Guest != GuestLinux || m.CPUs != 2 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if m.Display.Width != 0 {
		t.Errorf("linux guests should stay headless, got width %d", m.Display.Width)
	}
	if len(m.Disks) != 2 || !m.Disks[1].ReadOnly {
		t.Errorf("disks = %+v", m.Disks)
	}
	if got := b.Path(m.Disks[0].Path); got != filepath.Join(b.Dir, "root.img") {
		t.Errorf("relative disk resolved to %s", got)
	}
	if got := b.Path(m.Disks[1].Path); got != "/images/data.img" {
		t.Errorf("absolute disk resolved to %s", got)
	}
	mac, err := m.MACAddress()
	if err != nil || mac.String() != "52:54:00:12:34:56" {
		t.Errorf("MACAddress = %v, %v", mac, err)
	}
	if err := m.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestOpenErrors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	bad := t.TempDir()
	writeManifest(t, bad, "cpus = [")

	tests := []struct {
		name    string
		dir     string
		wantErr error
	}{
		{"missing", filepath.Join(t.TempDir(), "nope"), ErrNotBundle},
		{"file", file, ErrNotBundle},
		{"bad toml", bad, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.dir)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Manifest)
		want   string
	}{
		{"unknown guest", func(m *Manifest) { m.Guest = "plan9" }, "unknown guest"},
		{"mac without display", func(m *Manifest) { m.Display = Display{} }, "need a display"},
		{"linux without kernel", func(m *Manifest) { m.Guest = GuestLinux }, "linux.kernel"},
		{"bad memory", func(m *Manifest) { m.Memory = "plenty" }, "memory"},
		{"bad mac", func(m *Manifest) { m.Network = &Network{MAC: "zz"} }, "MAC"},
		{"untagged share", func(m *Manifest) { m.Shares = []Share{{Path: "/tmp"}} }, "no tag"},
		{"duplicate share", func(m *Manifest) {
			m.Shares = []Share{{Tag: "a", Path: "/tmp"}, {Tag: "a", Path: "/var"}}
		}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := DefaultManifest()
			tt.mutate(&m)
			err := m.Check()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vm.bundle")
	m := DefaultLinuxManifest()
	m.Shares = []Share{{Tag: "src", Path: "/src", ReadOnly: true}}

	if _, err := Init(dir, m); err != nil {
		t.Fatalf("Init: %v", err)
	}
	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if b.Manifest.Guest != GuestLinux || b.Manifest.Linux.Kernel != "vmlinuz" {
		t.Errorf("manifest not persisted: %+v", b.Manifest)
	}
	if len(b.Manifest.Shares) != 1 || !b.Manifest.Shares[0].ReadOnly {
		t.Errorf("shares = %+v", b.Manifest.Shares)
	}

	if _, err := Init(dir, m); !errors.Is(err, fs.ErrExist) {
		t.Errorf("second Init err = %v, want fs.ErrExist", err)
	}
}

func TestIdentity(t *testing.T) {
	b, err := Init(t.TempDir(), DefaultManifest())
	if err != nil {
		t.Fatal(err)
	}
	if b.HasIdentity() {
		t.Error("fresh bundle should have no identity")
	}
	if _, err := b.HardwareModel(); err == nil {
		t.Error("HardwareModel should fail before it is written")
	}

	if err := b.WriteIdentity([]byte("hw"), []byte("id")); err != nil {
		t.Fatalf("WriteIdentity: %v", err)
	}
	if err := b.WriteIdentity(nil, []byte("id2")); err != nil {
		t.Fatalf("WriteIdentity: %v", err)
	}
	hw, _ := b.HardwareModel()
	id, _ := b.MachineIdentifier()
	if string(hw) != "hw" || string(id) != "id2" {
		t.Errorf("identity = %q, %q", hw, id)
	}
	if b.HasIdentity() {
		t.Error("identity is incomplete without auxiliary storage")
	}
	if err := os.WriteFile(b.Path(AuxiliaryStorageFile), []byte("aux"), 0644); err != nil {
		t.Fatal(err)
	}
	if !b.HasIdentity() {
		t.Error("HasIdentity should be true")
	}
}
