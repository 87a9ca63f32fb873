package virtualization

import (
	"errors"
	"strings"
	"testing"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
	"github.com/javanstorm/vzkit/pkg/hypervisor/sim"
)

func TestBuildRequiresFields(t *testing.T) {
	rt, d := newRuntime(t)
	loader := linuxLoader(t, rt)
	defer loader.Release()

	tests := []struct {
		name  string
		b     ConfigurationBuilder
		field string
	}{
		{"empty", rt.NewConfigurationBuilder(), "boot loader"},
		{"no boot loader", rt.NewConfigurationBuilder().CPUCount(1).MemorySize(1 << 30), "boot loader"},
		{"nil boot loader", rt.NewConfigurationBuilder().BootLoader((*LinuxBootLoader)(nil)).CPUCount(1).MemorySize(1 << 30), "boot loader"},
		{"no CPU count", rt.NewConfigurationBuilder().BootLoader(loader).MemorySize(1 << 30), "CPU count"},
		{"no memory", rt.NewConfigurationBuilder().BootLoader(loader).CPUCount(1), "memory size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.b.Build()
			if cfg != nil {
				t.Fatal("expected no configuration")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
			if !errors.Is(err, ErrValidation) {
				t.Error("error does not match ErrValidation")
			}
		})
	}
	if n := d.Created(hypervisor.KindConfiguration); n != 0 {
		t.Errorf("%d configurations created from incomplete builders", n)
	}
	if n := d.Created(hypervisor.KindMachine); n != 0 {
		t.Errorf("%d machines created from incomplete builders", n)
	}
}

func TestBuildConsumesBuilder(t *testing.T) {
	rt, _ := newRuntime(t)
	loader := linuxLoader(t, rt)
	defer loader.Release()

	partial := rt.NewConfigurationBuilder().BootLoader(loader).CPUCount(1)
	if _, err := partial.Build(); err == nil {
		t.Fatal("expected missing memory size")
	}
	complete := partial.MemorySize(1 << 30)
	cfg, err := complete.Build()
	if err != nil {
		t.Fatalf("Build after a failed attempt: %v", err)
	}
	defer cfg.Release()

	for name, b := range map[string]ConfigurationBuilder{
		"same builder":    complete,
		"earlier builder": partial.MemorySize(2 << 30),
	} {
		if _, err := b.Build(); !errors.Is(err, ErrBuilderConsumed) {
			t.Errorf("%s: error = %v, want ErrBuilderConsumed", name, err)
		}
	}
	if _, err := rt.NewConfigurationBuilder().BootLoader(loader).CPUCount(1).MemorySize(1 << 30).Build(); err != nil {
		t.Errorf("fresh builder: %v", err)
	}
}

func TestSettersOverwrite(t *testing.T) {
	rt, _ := newRuntime(t)
	loader := linuxLoader(t, rt)
	defer loader.Release()
	cfg, err := rt.NewConfigurationBuilder().
		BootLoader(loader).
		CPUCount(4).
		CPUCount(2).
		MemorySize(1 << 30).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	defer cfg.Release()
	if cfg.CPUCount() != 2 {
		t.Errorf("CPUCount = %d, want 2", cfg.CPUCount())
	}
}

func TestMacDesktopConfigurationValidates(t *testing.T) {
	rt, d := newRuntime(t)
	loader, err := rt.NewMacOSBootLoader()
	if err != nil {
		t.Fatal(err)
	}
	defer loader.Release()
	platform := macPlatform(t, rt)
	defer platform.Release()
	display, err := rt.NewMacGraphicsDisplayConfigurationWithResolution(800, 600)
	if err != nil {
		t.Fatal(err)
	}
	defer display.Release()
	gpu, err := rt.NewMacGraphicsDeviceConfiguration(display)
	if err != nil {
		t.Fatal(err)
	}
	defer gpu.Release()
	pointer, err := rt.NewUSBScreenCoordinatePointingDeviceConfiguration()
	if err != nil {
		t.Fatal(err)
	}
	defer pointer.Release()

	cfg, err := rt.NewConfigurationBuilder().
		BootLoader(loader).
		Platform(platform).
		CPUCount(1).
		MemorySize(1 << 30).
		GraphicsDevices(gpu).
		PointingDevices(pointer).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer cfg.Release()
	if cfg.DeviceCount() != 2 {
		t.Errorf("DeviceCount = %d, want 2", cfg.DeviceCount())
	}

	valid, err := cfg.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	defer valid.Release()
	if valid.Configuration().MemorySize() != 1<<30 {
		t.Errorf("MemorySize = %d", valid.Configuration().MemorySize())
	}
	if n := d.Created(hypervisor.KindMachine); n != 0 {
		t.Errorf("validation created %d machines", n)
	}
}

func TestValidateRejects(t *testing.T) {
	rt, _ := newRuntime(t)
	linux := linuxLoader(t, rt)
	defer linux.Release()
	mac, err := rt.NewMacOSBootLoader()
	if err != nil {
		t.Fatal(err)
	}
	defer mac.Release()
	b1, err := rt.NewVirtioTraditionalMemoryBalloonDeviceConfiguration()
	if err != nil {
		t.Fatal(err)
	}
	defer b1.Release()
	b2, err := rt.NewVirtioTraditionalMemoryBalloonDeviceConfiguration()
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Release()

	tests := []struct {
		name   string
		b      ConfigurationBuilder
		reason string
	}{
		{"too many CPUs", rt.NewConfigurationBuilder().BootLoader(linux).CPUCount(64).MemorySize(1 << 30), "CPU count"},
		{"too little memory", rt.NewConfigurationBuilder().BootLoader(linux).CPUCount(1).MemorySize(1 << 20), "memory size"},
		{"unaligned memory", rt.NewConfigurationBuilder().BootLoader(linux).CPUCount(1).MemorySize(1<<30 + 1), "multiple of 1 MiB"},
		{"macOS without platform", rt.NewConfigurationBuilder().BootLoader(mac).CPUCount(1).MemorySize(1 << 30), "Mac platform"},
		{"two balloons", rt.NewConfigurationBuilder().BootLoader(linux).CPUCount(1).MemorySize(1 << 30).MemoryBalloonDevices(b1, b2), "memory balloon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.b.Build()
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			defer cfg.Release()

			for range 2 {
				valid, err := cfg.Validate()
				if valid != nil {
					t.Fatal("expected no validated configuration")
				}
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("error = %v, want *ValidationError", err)
				}
				if !strings.Contains(verr.Reason, tt.reason) {
					t.Errorf("Reason = %q, want it to mention %q", verr.Reason, tt.reason)
				}
				var native *hypervisor.NativeError
				if !errors.As(err, &native) || native.Domain != "VZErrorDomain" {
					t.Errorf("error = %v, want a framework error", err)
				}
			}
		})
	}
}

func TestBuildRejectsNilAndReleasedDevices(t *testing.T) {
	rt, _ := newRuntime(t)
	loader := linuxLoader(t, rt)
	defer loader.Release()
	entropy, err := rt.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		t.Fatal(err)
	}
	entropy.Release()

	tests := []struct {
		name string
		b    ConfigurationBuilder
		want error
	}{
		{"nil device", rt.NewConfigurationBuilder().StorageDevices((*VirtioBlockDeviceConfiguration)(nil)), ErrNilObject},
		{"released device", rt.NewConfigurationBuilder().EntropyDevices(entropy), ErrHandleReleased},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.BootLoader(loader).CPUCount(1).MemorySize(1 << 30).Build()
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConfigurationHoldsDevices(t *testing.T) {
	rt, d := newRuntime(t)
	loader := linuxLoader(t, rt)
	entropy, err := rt.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		t.Fatal(err)
	}
	native := entropy.Handle().Object()
	cfg, err := rt.NewConfigurationBuilder().
		BootLoader(loader).
		CPUCount(1).
		MemorySize(1 << 30).
		EntropyDevices(entropy).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	loader.Release()
	entropy.Release()
	if got := d.Releases(native); got != 0 {
		t.Fatalf("device released %d times while the configuration holds it", got)
	}
	valid, err := cfg.Validate()
	if err != nil {
		t.Fatalf("Validate after releasing the caller's devices: %v", err)
	}
	cfg.Release()
	valid.Release()
	if got := d.Live(); got != 0 {
		t.Errorf("%d native objects still live", got)
	}
}

func TestConfigurationLimits(t *testing.T) {
	limits := hypervisor.Limits{MinCPUCount: 2, MaxCPUCount: 4, MinMemorySize: 1 << 30, MaxMemorySize: 4 << 30}
	rt, _ := newRuntime(t, sim.WithLimits(limits))
	if got := rt.ConfigurationLimits(); got != limits {
		t.Errorf("ConfigurationLimits = %+v, want %+v", got, limits)
	}
}
