package vm

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/javanstorm/vzkit/internal/bundle"
	"github.com/javanstorm/vzkit/internal/testutil"
	"github.com/javanstorm/vzkit/pkg/hypervisor"
	"github.com/javanstorm/vzkit/pkg/hypervisor/sim"
	"github.com/javanstorm/vzkit/pkg/virtualization"
)

func TestConfigureMacBundle(t *testing.T) {
	rt, d := testutil.Runtime(t)
	b := testutil.MacBundle(t, rt)

	cfg, err := Configure(rt, b, nil)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if cfg.CPUCount() != 1 || cfg.MemorySize() != 1<<30 {
		t.Errorf("got %d CPUs and %d bytes", cfg.CPUCount(), cfg.MemorySize())
	}
	if cfg.DeviceCount() != 2 {
		t.Errorf("DeviceCount = %d, want graphics and pointer", cfg.DeviceCount())
	}
	for _, kind := range []hypervisor.Kind{
		hypervisor.KindMacOSBootLoader,
		hypervisor.KindMacPlatform,
		hypervisor.KindMacGraphicsDisplay,
		hypervisor.KindUSBPointingDevice,
	} {
		if d.Created(kind) != 1 {
			t.Errorf("created %d %s, want 1", d.Created(kind), kind)
		}
	}

	valid, err := cfg.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	valid.Release()
	cfg.Release()
	if d.Live() != 0 {
		t.Errorf("%d framework objects leaked", d.Live())
	}
}

func TestConfigureLinuxBundle(t *testing.T) {
	rt, d := testutil.Runtime(t)
	shared := t.TempDir()
	b := testutil.LinuxBundle(t, func(m *bundle.Manifest) {
		m.Linux.Initrd = "initrd"
		m.Display = bundle.Display{Width: 1024, Height: 768}
		m.Disks = []bundle.Disk{{Path: "root.img"}, {Path: "seed.img", ReadOnly: true}}
		m.Network = &bundle.Network{MAC: "52:54:00:00:00:01"}
		m.Shares = []bundle.Share{{Tag: "shared", Path: shared}}
		m.Audio = true
		m.Keyboard = true
		m.Balloon = true
		m.Socket = true
		m.SerialLog = "console.log"
	})
	testutil.WriteFile(t, b.Path("initrd"), "initrd")
	testutil.CreateTestDisk(t, b.Path("root.img"), 1)
	testutil.CreateTestDisk(t, b.Path("seed.img"), 1)

	cfg, err := Configure(rt, b, nil)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer cfg.Release()

	// two disks, network, graphics, pointer, sound, keyboard, entropy,
	// balloon, socket, serial, share
	if cfg.DeviceCount() != 12 {
		t.Errorf("DeviceCount = %d, want 12", cfg.DeviceCount())
	}
	for kind, want := range map[hypervisor.Kind]int{
		hypervisor.KindLinuxBootLoader:        1,
		hypervisor.KindGenericPlatform:        1,
		hypervisor.KindVirtioBlockDevice:      2,
		hypervisor.KindVirtioGraphicsDevice:   1,
		hypervisor.KindVirtioSoundDevice:      1,
		hypervisor.KindFileSerialAttachment:   1,
		hypervisor.KindVirtioFileSystemDevice: 1,
	} {
		if got := d.Created(kind); got != want {
			t.Errorf("created %d %s, want %d", got, kind, want)
		}
	}

	valid, err := cfg.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	valid.Release()
}

func TestConfigureConsoleReplacesSerialLog(t *testing.T) {
	rt, d := testutil.Runtime(t)
	b := testutil.LinuxBundle(t, func(m *bundle.Manifest) { m.SerialLog = "console.log" })

	console, err := NewConsole(rt)
	if err != nil {
		t.Fatalf("NewConsole: %v", err)
	}
	defer console.Close()

	cfg, err := Configure(rt, b, console.Attachment())
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer cfg.Release()
	if d.Created(hypervisor.KindFileSerialAttachment) != 0 {
		t.Error("serial log should not be used when a console is attached")
	}
	if d.Created(hypervisor.KindVirtioConsoleSerialPort) != 1 {
		t.Error("console should back the virtio console")
	}
}

func TestConfigureErrors(t *testing.T) {
	tests := []struct {
		name    string
		bundle  func(t *testing.T) *bundle.Bundle
		opts    []sim.Option
		wantErr error
		want    string
	}{
		{
			name: "missing identity",
			bundle: func(t *testing.T) *bundle.Bundle {
				b, err := bundle.Init(filepath.Join(t.TempDir(), "empty"), bundle.DefaultManifest())
				if err != nil {
					t.Fatal(err)
				}
				return b
			},
			want: bundle.HardwareModelFile,
		},
		{
			name: "unsupported hardware",
			bundle: func(t *testing.T) *bundle.Bundle {
				rt, _ := testutil.Runtime(t)
				return testutil.MacBundle(t, rt)
			},
			opts:    []sim.Option{sim.WithHardwareModelSupported(false)},
			wantErr: ErrUnsupportedHardware,
		},
		{
			name: "missing disk",
			bundle: func(t *testing.T) *bundle.Bundle {
				return testutil.LinuxBundle(t, func(m *bundle.Manifest) {
					m.Disks = []bundle.Disk{{Path: "absent.img"}}
				})
			},
			want: "absent.img",
		},
		{
			name: "bad manifest",
			bundle: func(t *testing.T) *bundle.Bundle {
				b := testutil.LinuxBundle(t)
				b.Manifest.Memory = "a lot"
				return b
			},
			want: "memory",
		},
		{
			name: "share without directory",
			bundle: func(t *testing.T) *bundle.Bundle {
				return testutil.LinuxBundle(t, func(m *bundle.Manifest) {
					m.Shares = []bundle.Share{{Tag: "gone", Path: "/nonexistent/share"}}
				})
			},
			wantErr: virtualization.ErrConstruction,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.bundle(t)
			rt, d := testutil.Runtime(t, tt.opts...)
			_, err := Configure(rt, b, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
			if d.Live() != 0 {
				t.Errorf("%d framework objects leaked after failure", d.Live())
			}
		})
	}
}
