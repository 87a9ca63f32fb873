package virtualization

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/javanstorm/vzkit/pkg/hypervisor/sim"
)

func newRuntime(t *testing.T, opts ...sim.Option) (*Runtime, *sim.Driver) {
	t.Helper()
	d := sim.New(opts...)
	return NewRuntime(d), d
}

func writeFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func must[T any](t *testing.T) func(T, error) T {
	return func(v T, err error) T {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return v
	}
}

func linuxLoader(t *testing.T, rt *Runtime) *LinuxBootLoader {
	t.Helper()
	return must[*LinuxBootLoader](t)(rt.NewLinuxBootLoaderBuilder().
		Kernel(writeFile(t, "vmlinuz")).
		CommandLine("console=hvc0").
		Build())
}

func macPlatform(t *testing.T, rt *Runtime) *MacPlatformConfiguration {
	t.Helper()
	hw := must[*MacHardwareModel](t)(rt.NewMacHardwareModel(sim.HardwareModelData))
	defer hw.Release()
	id := must[*MacMachineIdentifier](t)(rt.GenerateMacMachineIdentifier())
	defer id.Release()
	aux := must[*MacAuxiliaryStorage](t)(rt.CreateMacAuxiliaryStorage(filepath.Join(t.TempDir(), "AuxiliaryStorage"), hw, false))
	defer aux.Release()
	return must[*MacPlatformConfiguration](t)(rt.NewMacPlatformConfiguration(hw, id, aux))
}

func validLinuxConfig(t *testing.T, rt *Runtime) *ValidatedConfiguration {
	t.Helper()
	loader := linuxLoader(t, rt)
	defer loader.Release()
	cfg := must[*Configuration](t)(rt.NewConfigurationBuilder().
		BootLoader(loader).
		CPUCount(1).
		MemorySize(1 << 30).
		Build())
	defer cfg.Release()
	return must[*ValidatedConfiguration](t)(cfg.Validate())
}

func newMachine(t *testing.T, rt *Runtime, q *Queue) *VirtualMachine {
	t.Helper()
	valid := validLinuxConfig(t, rt)
	defer valid.Release()
	return must[*VirtualMachine](t)(rt.NewVirtualMachine(valid, q))
}

func testQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue(t.Name())
	t.Cleanup(q.Close)
	return q
}

// await returns the error passed to a completion, failing after a timeout.
func await(t *testing.T, start func(func(error))) error {
	t.Helper()
	ch := make(chan error, 1)
	start(func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("completion did not run")
		return nil
	}
}

func waitState(t *testing.T, vm *VirtualMachine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if vm.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", vm.State(), want)
}
