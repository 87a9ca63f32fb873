package vm

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vzkit/internal/bundle"
	"github.com/javanstorm/vzkit/internal/testutil"
	"github.com/javanstorm/vzkit/internal/timing"
	"github.com/javanstorm/vzkit/pkg/hypervisor/sim"
	"github.com/javanstorm/vzkit/pkg/virtualization"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newManager(t *testing.T, b *bundle.Bundle, rt *virtualization.Runtime, mutate ...func(*ManagerConfig)) *Manager {
	t.Helper()
	cfg := ManagerConfig{Runtime: rt, Bundle: b, Log: quietLog(), StopTimeout: time.Second}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewManagerRequiresRuntimeAndBundle(t *testing.T) {
	rt, _ := testutil.Runtime(t)
	if _, err := NewManager(ManagerConfig{Runtime: rt}); err == nil {
		t.Error("expected error without bundle")
	}
	if _, err := NewManager(ManagerConfig{Bundle: &bundle.Bundle{}}); err == nil {
		t.Error("expected error without runtime")
	}
}

func TestManagerLifecycle(t *testing.T) {
	rt, _ := testutil.Runtime(t)
	timer := timing.New()
	m := newManager(t, testutil.MacBundle(t, rt), rt, func(c *ManagerConfig) { c.Timer = timer })
	ctx := testContext(t)

	if err := m.Start(ctx); err == nil {
		t.Error("Start before Prepare should fail")
	}
	if err := m.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if m.State() != StateReady {
		t.Errorf("state = %s, want ready", m.State())
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.State() != StateRunning || m.MachineState() != virtualization.StateRunning {
		t.Errorf("state = %s / %s, want running", m.State(), m.MachineState())
	}

	if err := m.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if m.MachineState() != virtualization.StatePaused {
		t.Errorf("machine state = %s, want paused", m.MachineState())
	}
	if err := m.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Wait(ctx); err != nil {
		t.Errorf("Wait after clean stop: %v", err)
	}
	if m.State() != StateStopped {
		t.Errorf("state = %s, want stopped", m.State())
	}

	rec, err := m.PersistentState()
	if err != nil {
		t.Fatal(err)
	}
	if rec.BootCount != 1 || !rec.CleanShutdown {
		t.Errorf("boot record = %+v", rec)
	}

	var names []string
	for _, p := range timer.Phases() {
		names = append(names, p.Name)
	}
	if len(names) != 4 || names[0] != "configure" || names[3] != "start" {
		t.Errorf("timing phases = %v", names)
	}
}

func TestManagerRestart(t *testing.T) {
	rt, d := testutil.Runtime(t)
	m := newManager(t, testutil.LinuxBundle(t), rt)
	ctx := testContext(t)

	for i := 0; i < 2; i++ {
		if err := m.Prepare(); err != nil {
			t.Fatalf("run %d: Prepare: %v", i, err)
		}
		if err := m.Start(ctx); err != nil {
			t.Fatalf("run %d: Start: %v", i, err)
		}
		if err := m.Kill(ctx); err != nil {
			t.Fatalf("run %d: Kill: %v", i, err)
		}
	}
	rec, _ := m.PersistentState()
	if rec.BootCount != 2 {
		t.Errorf("BootCount = %d, want 2", rec.BootCount)
	}

	m.Close()
	if d.Live() != 0 {
		t.Errorf("%d framework objects leaked", d.Live())
	}
}

func TestManagerStartFailure(t *testing.T) {
	boom := errors.New("no boot volume")
	rt, _ := testutil.Runtime(t, sim.WithStartError(boom))
	m := newManager(t, testutil.LinuxBundle(t), rt)
	ctx := testContext(t)

	if err := m.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	err := m.Start(ctx)
	if !errors.Is(err, virtualization.ErrAsync) || !errors.Is(err, boom) {
		t.Fatalf("Start err = %v, want async failure wrapping the cause", err)
	}
	if m.State() != StateError || m.MachineState() != virtualization.StateError {
		t.Errorf("state = %s / %s, want error", m.State(), m.MachineState())
	}
	if err := m.Wait(ctx); err == nil {
		t.Error("Wait should report the start failure")
	}
	rec, _ := m.PersistentState()
	if rec.BootCount != 0 || rec.LastError == "" {
		t.Errorf("boot record = %+v", rec)
	}

	// A failed machine can be prepared again.
	if err := m.Prepare(); err != nil {
		t.Errorf("Prepare after failure: %v", err)
	}
}

func TestManagerStopForcesIgnoringGuest(t *testing.T) {
	rt, _ := testutil.Runtime(t, sim.WithGuestIgnoringStop())
	m := newManager(t, testutil.LinuxBundle(t), rt, func(c *ManagerConfig) {
		c.StopTimeout = 20 * time.Millisecond
	})
	ctx := testContext(t)

	if err := m.Prepare(); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.MachineState() != virtualization.StateStopped {
		t.Errorf("machine state = %s, want stopped", m.MachineState())
	}
}

func TestManagerInvalidTransitions(t *testing.T) {
	rt, _ := testutil.Runtime(t)
	m := newManager(t, testutil.LinuxBundle(t), rt)
	ctx := testContext(t)

	if err := m.Stop(ctx); err == nil {
		t.Error("Stop before start should fail")
	}
	if err := m.Resume(ctx); err == nil {
		t.Error("Resume while not paused should fail")
	}
	if err := m.Wait(ctx); err == nil {
		t.Error("Wait before start should fail")
	}
	if err := m.Prepare(); err != nil {
		t.Fatal(err)
	}
	if err := m.Prepare(); err == nil {
		t.Error("Prepare twice should fail")
	}
}

func TestManagerValidate(t *testing.T) {
	rt, d := testutil.Runtime(t)

	good := newManager(t, testutil.LinuxBundle(t), rt)
	if err := good.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	bad := newManager(t, testutil.LinuxBundle(t, func(m *bundle.Manifest) { m.CPUs = 64 }), rt)
	err := bad.Validate()
	var verr *virtualization.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if d.Live() != 0 {
		t.Errorf("%d framework objects leaked", d.Live())
	}
}

func TestManagerConsole(t *testing.T) {
	rt, _ := testutil.Runtime(t)
	m := newManager(t, testutil.LinuxBundle(t), rt, func(c *ManagerConfig) { c.Console = true })

	if _, _, err := m.Console(); err == nil {
		t.Error("Console before Prepare should fail")
	}
	if err := m.Prepare(); err != nil {
		t.Fatal(err)
	}
	in, out, err := m.Console()
	if err != nil || in == nil || out == nil {
		t.Fatalf("Console = %v, %v, %v", in, out, err)
	}
}

func TestManagerCloseWhileRunningIsUnclean(t *testing.T) {
	rt, _ := testutil.Runtime(t)
	m := newManager(t, testutil.LinuxBundle(t), rt)
	ctx := testContext(t)

	if err := m.Prepare(); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	m.Close()

	if m.State() != StateError {
		t.Errorf("state = %s, want error", m.State())
	}
	if !errors.Is(m.LastError(), ErrReleasedWhileRunning) {
		t.Errorf("LastError = %v, want ErrReleasedWhileRunning", m.LastError())
	}
	rec, err := m.PersistentState()
	if err != nil {
		t.Fatal(err)
	}
	if rec.CleanShutdown || rec.LastError == "" {
		t.Errorf("boot record = %+v, want unclean shutdown", rec)
	}
}

func TestManagerStartCancelledStopsLateGuest(t *testing.T) {
	rt, _ := testutil.Runtime(t)
	q := virtualization.NewQueue("start-cancel")
	defer q.Close()
	m := newManager(t, testutil.LinuxBundle(t), rt, func(c *ManagerConfig) { c.Queue = q })

	if err := m.Prepare(); err != nil {
		t.Fatal(err)
	}

	// Hold the queue so the start cannot run before the context ends.
	release := make(chan struct{})
	if err := q.Async(func() { <-release }); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start = %v, want context.Canceled", err)
	}
	if m.State() != StateError {
		t.Errorf("state = %s, want error", m.State())
	}
	changes := m.vm.StateChangedNotify()
	close(release)

	// The start still succeeds; the guest must then be forced off.
	running := false
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-changes:
			if s == virtualization.StateRunning {
				running = true
			}
			if s == virtualization.StateStopped && running {
				return
			}
		case <-timeout:
			t.Fatalf("late start left the guest %s", m.MachineState())
		}
	}
}
