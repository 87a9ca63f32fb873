package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vzkit/internal/bundle"
	"github.com/javanstorm/vzkit/internal/timing"
	"github.com/javanstorm/vzkit/pkg/hypervisor"
	"github.com/javanstorm/vzkit/pkg/virtualization"
)

// State is the manager's view of a bundle's lifecycle.
type State int

const (
	StateNew      State = iota
	StateReady          // Machine created from a validated configuration
	StateRunning        // Guest is running
	StatePaused         // Guest is paused
	StateStopping       // Stop requested
	StateStopped        // Machine stopped after running
	StateError          // Start failed or the machine hit an error
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrGuestError is recorded when the machine leaves running through the
// framework's error state.
var ErrGuestError = errors.New("vm: machine stopped with an error")

// ErrReleasedWhileRunning is recorded when the machine is released before
// the guest stopped.
var ErrReleasedWhileRunning = errors.New("vm: machine released while running")

// DefaultStopTimeout is how long Stop waits for the guest to honour a stop
// request before forcing it.
const DefaultStopTimeout = 30 * time.Second

// ManagerConfig holds configuration for the VM manager.
type ManagerConfig struct {
	// Runtime creates the framework objects.
	Runtime *virtualization.Runtime

	// Bundle is the machine to run.
	Bundle *bundle.Bundle

	// Queue receives lifecycle callbacks. Nil creates a queue owned by the
	// manager.
	Queue *virtualization.Queue

	// Console connects a pipe pair to the guest's virtio console.
	Console bool

	// Recovery boots macOS guests into recovery.
	Recovery bool

	// StopTimeout overrides DefaultStopTimeout.
	StopTimeout time.Duration

	// Log defaults to the standard logger.
	Log *logrus.Entry

	// Timer, when set, gets a mark for every setup phase.
	Timer *timing.Timer
}

// Manager runs one bundle.
type Manager struct {
	cfg       ManagerConfig
	rt        *virtualization.Runtime
	queue     *virtualization.Queue
	ownQueue  bool
	stateFile *StateFile
	log       *logrus.Entry

	mu      sync.RWMutex
	state   State
	vm      *virtualization.VirtualMachine
	console *Console
	lastErr error
	done    chan struct{}
}

// NewManager creates a manager for cfg.Bundle.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("vm: runtime is required")
	}
	if cfg.Bundle == nil {
		return nil, errors.New("vm: bundle is required")
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &Manager{
		cfg:       cfg,
		rt:        cfg.Runtime,
		queue:     cfg.Queue,
		stateFile: NewStateFile(cfg.Bundle.Dir),
		log:       cfg.Log.WithField("bundle", cfg.Bundle.Dir),
		state:     StateNew,
	}
	if m.queue == nil {
		m.queue = virtualization.NewQueue("")
		m.ownQueue = true
	}
	return m, nil
}

func (m *Manager) mark(phase string) {
	if m.cfg.Timer != nil {
		m.cfg.Timer.Mark(phase)
	}
}

// Validate builds and validates the bundle's configuration without
// creating a machine.
func (m *Manager) Validate() error {
	cfg, err := Configure(m.rt, m.cfg.Bundle, nil)
	if err != nil {
		return err
	}
	defer cfg.Release()
	valid, err := cfg.Validate()
	if err != nil {
		return err
	}
	valid.Release()
	return nil
}

// Prepare builds, validates and creates the machine.
func (m *Manager) Prepare() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateNew && m.state != StateStopped && m.state != StateError {
		return fmt.Errorf("cannot prepare: invalid state %s", m.state)
	}
	m.teardown()

	var serial virtualization.SerialPortAttachment
	if m.cfg.Console {
		c, err := NewConsole(m.rt)
		if err != nil {
			return m.fail(fmt.Errorf("create console: %w", err))
		}
		m.console = c
		serial = c.Attachment()
	}

	cfg, err := Configure(m.rt, m.cfg.Bundle, serial)
	if err != nil {
		return m.fail(fmt.Errorf("configure: %w", err))
	}
	defer cfg.Release()
	m.mark("configure")

	valid, err := cfg.Validate()
	if err != nil {
		return m.fail(err)
	}
	defer valid.Release()
	m.mark("validate")

	vm, err := m.rt.NewVirtualMachine(valid, m.queue)
	if err != nil {
		return m.fail(fmt.Errorf("create VM: %w", err))
	}
	m.mark("create")

	m.vm = vm
	m.done = make(chan struct{})
	m.state = StateReady
	m.lastErr = nil
	m.log.WithFields(logrus.Fields{
		"machine": vm.ID(),
		"cpus":    cfg.CPUCount(),
		"memory":  cfg.MemorySize(),
		"devices": cfg.DeviceCount(),
	}).Info("machine ready")
	return nil
}

// fail records err. Callers hold mu.
func (m *Manager) fail(err error) error {
	m.state = StateError
	m.lastErr = err
	return err
}

// teardown drops the machine and console of a previous run. Callers hold mu.
func (m *Manager) teardown() {
	if m.vm != nil {
		m.vm.Release()
		m.vm = nil
	}
	if m.console != nil {
		m.console.Close()
		m.console = nil
	}
}

// await runs a lifecycle call and waits for its completion.
func await(ctx context.Context, call func(func(error))) error {
	ch := make(chan error, 1)
	call(func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start boots the machine and waits for the framework to report the result.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateReady {
		return fmt.Errorf("cannot start: invalid state %s", m.state)
	}

	// Subscribe first so no transition after the start is missed.
	changes := m.vm.StateChangedNotify()
	opts := virtualization.StartOptions{BootMacOSRecovery: m.cfg.Recovery}
	result := make(chan error, 1)
	m.vm.StartWithOptions(opts, func(err error) { result <- err })

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
		go m.abandonStart(m.vm, result, changes)
	}
	if err != nil {
		if recErr := m.stateFile.RecordFailure(err); recErr != nil {
			m.log.WithError(recErr).Warn("failed to record start failure")
		}
		close(m.done)
		return m.fail(fmt.Errorf("start VM: %w", err))
	}
	m.mark("start")

	m.state = StateRunning
	if err := m.stateFile.RecordBoot(m.vm.ID()); err != nil {
		m.log.WithError(err).Warn("failed to record boot")
	}
	m.log.WithField("machine", m.vm.ID()).Info("machine running")

	go m.monitor(changes, m.done)
	return nil
}

// abandonStart waits out a start the caller gave up on. A guest that comes
// up anyway is forced off, since nothing monitors it.
func (m *Manager) abandonStart(vm *virtualization.VirtualMachine, result <-chan error, changes <-chan virtualization.State) {
	if err := <-result; err == nil {
		m.log.WithField("machine", vm.ID()).Warn("start completed after it was cancelled, stopping")
		vm.Stop(func(err error) {
			if err != nil {
				m.log.WithError(err).Warn("failed to stop abandoned machine")
			}
		})
	}
	for range changes {
	}
}

// monitor waits for the machine to leave the running states.
func (m *Manager) monitor(changes <-chan virtualization.State, done chan struct{}) {
	cause := ErrReleasedWhileRunning
	for s := range changes {
		m.log.WithField("state", s).Debug("state changed")
		if s == virtualization.StateStopped {
			cause = nil
			break
		}
		if s == virtualization.StateError {
			cause = ErrGuestError
			break
		}
	}

	if err := m.stateFile.RecordShutdown(cause); err != nil {
		m.log.WithError(err).Warn("failed to record shutdown")
	}

	m.mu.Lock()
	if cause != nil {
		m.state = StateError
		m.lastErr = cause
	} else {
		m.state = StateStopped
	}
	m.mu.Unlock()
	m.log.WithField("clean", cause == nil).Info("machine stopped")
	close(done)
}

// Stop asks the guest to shut down and forces it off if it has not stopped
// within the stop timeout or cannot take the request.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRunning && m.state != StatePaused {
		m.mu.Unlock()
		return fmt.Errorf("cannot stop: invalid state %s", m.state)
	}
	m.state = StateStopping
	vm, done := m.vm, m.done
	m.mu.Unlock()

	if vm.CanRequestStop() {
		accepted, err := vm.RequestStop()
		if err != nil {
			m.log.WithError(err).Warn("stop request failed")
		}
		if accepted {
			timer := time.NewTimer(m.cfg.StopTimeout)
			defer timer.Stop()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				m.log.Warn("guest did not stop in time, forcing")
			}
		}
	}
	return m.Kill(ctx)
}

// Kill forcefully stops the machine and waits until it is down.
func (m *Manager) Kill(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRunning && m.state != StatePaused && m.state != StateStopping {
		m.mu.Unlock()
		return fmt.Errorf("cannot kill: invalid state %s", m.state)
	}
	vm, done := m.vm, m.done
	m.mu.Unlock()

	if err := await(ctx, vm.Stop); err != nil {
		m.mu.Lock()
		m.fail(fmt.Errorf("kill VM: %w", err))
		m.mu.Unlock()
		return m.LastError()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause suspends a running guest.
func (m *Manager) Pause(ctx context.Context) error {
	return m.transition(ctx, "pause", StateRunning, StatePaused, func(vm *virtualization.VirtualMachine) func(func(error)) {
		return vm.Pause
	})
}

// Resume continues a paused guest.
func (m *Manager) Resume(ctx context.Context) error {
	return m.transition(ctx, "resume", StatePaused, StateRunning, func(vm *virtualization.VirtualMachine) func(func(error)) {
		return vm.Resume
	})
}

func (m *Manager) transition(ctx context.Context, op string, from, to State, call func(*virtualization.VirtualMachine) func(func(error))) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return fmt.Errorf("cannot %s: invalid state %s", op, m.state)
	}
	if err := await(ctx, call(m.vm)); err != nil {
		return fmt.Errorf("%s VM: %w", op, err)
	}
	m.state = to
	return nil
}

// State returns the current manager state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// MachineState returns the framework's state, StateStopped before Prepare.
func (m *Manager) MachineState() virtualization.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.vm == nil {
		return virtualization.StateStopped
	}
	return m.vm.State()
}

// LastError returns the last error that occurred.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Wait blocks until the machine stops and returns the cause of an unclean
// stop.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.RLock()
	done, state := m.done, m.state
	m.mu.RUnlock()

	if done == nil || state == StateReady {
		return fmt.Errorf("VM not started")
	}
	select {
	case <-done:
		return m.LastError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Console returns the guest console streams. Only valid with
// ManagerConfig.Console after Prepare.
func (m *Manager) Console() (io.Writer, io.Reader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.console == nil {
		return nil, nil, fmt.Errorf("VM has no console")
	}
	return m.console.Input(), m.console.Output(), nil
}

// DriverInfo returns hypervisor driver information.
func (m *Manager) DriverInfo() hypervisor.Info {
	return m.rt.Info()
}

// PersistentState returns the bundle's boot record.
func (m *Manager) PersistentState() (*BootRecord, error) {
	return m.stateFile.Load()
}

// Bundle returns the managed bundle.
func (m *Manager) Bundle() *bundle.Bundle {
	return m.cfg.Bundle
}

// Close releases the machine, the console and an owned queue. A machine
// still running is recorded as an unclean shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	monitored := m.state == StateRunning || m.state == StatePaused || m.state == StateStopping
	done := m.done
	m.teardown()
	m.mu.Unlock()
	if monitored {
		<-done
	}
	if m.ownQueue {
		m.queue.Close()
	}
}
