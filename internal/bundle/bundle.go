// Package bundle handles VM bundle directories: the bundle.toml manifest
// plus the platform identity files a macOS guest needs.
package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
)

// Files inside a bundle.
const (
	ManifestFile          = "bundle.toml"
	HardwareModelFile     = "HardwareModel"
	MachineIdentifierFile = "MachineIdentifier"
	AuxiliaryStorageFile  = "AuxiliaryStorage"
	DiskImageFile         = "Disk.img"
	StateFile             = "state.json"
)

// Guest operating systems.
const (
	GuestMacOS = "macos"
	GuestLinux = "linux"
)

// ErrNotBundle is returned when a path is not a bundle directory.
var ErrNotBundle = errors.New("bundle: not a bundle directory")

// Manifest is the bundle.toml contents.
type Manifest struct {
	Guest   string  `toml:"guest"`
	CPUs    uint    `toml:"cpus"`
	Memory  string  `toml:"memory"`
	Display Display `toml:"display"`

	// Linux boots a kernel directly. Only read for Linux guests.
	Linux Linux `toml:"linux"`

	Disks   []Disk   `toml:"disk"`
	Network *Network `toml:"network"`
	Shares  []Share  `toml:"share"`

	Audio    bool `toml:"audio"`
	Keyboard bool `toml:"keyboard"`
	Entropy  bool `toml:"entropy"`
	Balloon  bool `toml:"balloon"`
	Socket   bool `toml:"socket"`

	// SerialLog receives guest console output when no terminal is attached.
	SerialLog string `toml:"serial_log,omitempty"`
}

// Display is the guest screen. A zero width gives a headless Linux guest.
type Display struct {
	Width  int64 `toml:"width"`
	Height int64 `toml:"height"`
}

// Linux holds the direct kernel boot files.
type Linux struct {
	Kernel      string `toml:"kernel,omitempty"`
	Initrd      string `toml:"initrd,omitempty"`
	CommandLine string `toml:"cmdline,omitempty"`
}

// Disk is a raw disk image.
type Disk struct {
	Path     string `toml:"path"`
	ReadOnly bool   `toml:"read_only,omitempty"`
}

// Network is a NAT interface. An empty MAC lets the framework pick one.
type Network struct {
	MAC string `toml:"mac,omitempty"`
}

// Share exposes a host directory to the guest under Tag.
type Share struct {
	Tag      string `toml:"tag"`
	Path     string `toml:"path"`
	ReadOnly bool   `toml:"read_only,omitempty"`
}

// DefaultManifest is a macOS guest with one CPU, 1 GiB of memory and an
// 800x600 display.
func DefaultManifest() Manifest {
	return Manifest{
		Guest:   GuestMacOS,
		CPUs:    1,
		Memory:  "1GiB",
		Display: Display{Width: 800, Height: 600},
	}
}

// DefaultLinuxManifest is a headless Linux guest booting vmlinuz from the
// bundle with its output on the virtio console.
func DefaultLinuxManifest() Manifest {
	return Manifest{
		Guest:  GuestLinux,
		CPUs:   1,
		Memory: "1GiB",
		Linux: Linux{
			Kernel:      "vmlinuz",
			CommandLine: "console=hvc0",
		},
		Entropy: true,
	}
}

func (m *Manifest) applyDefaults() {
	if m.Guest == "" {
		m.Guest = GuestMacOS
	}
	if m.CPUs == 0 {
		m.CPUs = 1
	}
	if m.Memory == "" {
		m.Memory = "1GiB"
	}
	if m.Guest == GuestMacOS && m.Display.Width == 0 && m.Display.Height == 0 {
		m.Display = Display{Width: 800, Height: 600}
	}
}

// MemoryBytes parses Memory.
func (m Manifest) MemoryBytes() (uint64, error) {
	n, err := units.RAMInBytes(m.Memory)
	if err != nil {
		return 0, fmt.Errorf("bundle: memory %q: %w", m.Memory, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("bundle: memory %q must be positive", m.Memory)
	}
	return uint64(n), nil
}

// MACAddress parses the network MAC, nil when unset.
func (m Manifest) MACAddress() (net.HardwareAddr, error) {
	if m.Network == nil || m.Network.MAC == "" {
		return nil, nil
	}
	mac, err := net.ParseMAC(m.Network.MAC)
	if err != nil {
		return nil, fmt.Errorf("bundle: %w", err)
	}
	return mac, nil
}

// Check reports manifest mistakes that would only surface later as
// framework errors.
func (m Manifest) Check() error {
	switch m.Guest {
	case GuestMacOS:
		if m.Display.Width <= 0 || m.Display.Height <= 0 {
			return fmt.Errorf("bundle: macOS guests need a display, got %dx%d", m.Display.Width, m.Display.Height)
		}
	case GuestLinux:
		if m.Linux.Kernel == "" {
			return errors.New("bundle: linux guests need linux.kernel")
		}
	default:
		return fmt.Errorf("bundle: unknown guest %q (want %q or %q)", m.Guest, GuestMacOS, GuestLinux)
	}
	if _, err := m.MemoryBytes(); err != nil {
		return err
	}
	if _, err := m.MACAddress(); err != nil {
		return err
	}
	tags := make(map[string]bool)
	for _, s := range m.Shares {
		if s.Tag == "" {
			return fmt.Errorf("bundle: share of %s has no tag", s.Path)
		}
		if tags[s.Tag] {
			return fmt.Errorf("bundle: duplicate share tag %q", s.Tag)
		}
		tags[s.Tag] = true
	}
	return nil
}

// Bundle is an opened bundle directory.
type Bundle struct {
	// Dir is the absolute bundle path.
	Dir string

	Manifest Manifest

	// HasManifest is false when the defaults are in use.
	HasManifest bool
}

// Open loads the bundle at dir. A missing bundle.toml gives the defaults.
func Open(dir string) (*Bundle, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNotBundle, abs)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a file", ErrNotBundle, abs)
	}

	b := &Bundle{Dir: abs, Manifest: DefaultManifest()}
	path := b.Path(ManifestFile)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return b, nil
	case err != nil:
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	m.applyDefaults()
	b.Manifest = m
	b.HasManifest = true
	return b, nil
}

// Init creates a bundle at dir holding m. It fails if dir already has a
// manifest.
func Init(dir string, m Manifest) (*Bundle, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create bundle: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	b := &Bundle{Dir: abs, Manifest: m, HasManifest: true}
	if _, err := os.Stat(b.Path(ManifestFile)); err == nil {
		return nil, fmt.Errorf("bundle: %s: %w", b.Path(ManifestFile), fs.ErrExist)
	}
	b.Manifest.applyDefaults()
	if err := b.Save(); err != nil {
		return nil, err
	}
	return b, nil
}

// Save writes the manifest atomically.
func (b *Bundle) Save() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(b.Manifest); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	path := b.Path(ManifestFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// Path resolves a bundle-relative name. Absolute names are returned as is.
func (b *Bundle) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(b.Dir, name)
}

// HardwareModel reads the HardwareModel blob.
func (b *Bundle) HardwareModel() ([]byte, error) {
	return b.read(HardwareModelFile)
}

// MachineIdentifier reads the MachineIdentifier blob.
func (b *Bundle) MachineIdentifier() ([]byte, error) {
	return b.read(MachineIdentifierFile)
}

// WriteIdentity stores the platform identity blobs. Either may be nil to
// leave the existing file untouched.
func (b *Bundle) WriteIdentity(hardwareModel, machineIdentifier []byte) error {
	for name, data := range map[string][]byte{
		HardwareModelFile:     hardwareModel,
		MachineIdentifierFile: machineIdentifier,
	} {
		if data == nil {
			continue
		}
		if err := os.WriteFile(b.Path(name), data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// HasIdentity reports whether the macOS identity files are present.
func (b *Bundle) HasIdentity() bool {
	for _, name := range []string{HardwareModelFile, MachineIdentifierFile, AuxiliaryStorageFile} {
		if _, err := os.Stat(b.Path(name)); err != nil {
			return false
		}
	}
	return true
}

func (b *Bundle) read(name string) ([]byte, error) {
	data, err := os.ReadFile(b.Path(name))
	if err != nil {
		return nil, fmt.Errorf("bundle: read %s: %w", name, err)
	}
	return data, nil
}
