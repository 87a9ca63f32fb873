package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

// Machine is a simulated virtual machine.
type Machine struct {
	*Object
	opts options

	mu       sync.Mutex
	state    hypervisor.State
	started  int
	lastOpts hypervisor.StartOptions
	changed  chan hypervisor.State
	timer    *time.Timer
}

var _ hypervisor.Machine = (*Machine)(nil)

// set records a transition; callers hold m.mu.
func (m *Machine) set(s hypervisor.State) {
	m.state = s
	select {
	case m.changed <- s:
	default:
	}
}

func invalidState(op string, s hypervisor.State) error {
	return fmt.Errorf("sim: %s while %s: %w", op, s, hypervisor.ErrInvalidState)
}

func (m *Machine) Start(opts hypervisor.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != hypervisor.StateStopped && m.state != hypervisor.StateError {
		return invalidState("start", m.state)
	}
	m.started++
	m.lastOpts = opts
	m.set(hypervisor.StateStarting)
	if m.opts.startErr != nil {
		// The framework drops back to stopped and reports the failure
		// through the completion only.
		m.set(hypervisor.StateStopped)
		return &hypervisor.NativeError{Op: "start", Description: m.opts.startErr.Error(), Err: m.opts.startErr}
	}
	m.set(hypervisor.StateRunning)
	return nil
}

func (m *Machine) CanRequestStop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == hypervisor.StateRunning
}

// RequestStop asks the guest to shut down. The guest finishes after the
// configured stop delay.
func (m *Machine) RequestStop() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != hypervisor.StateRunning {
		return false, invalidState("request stop", m.state)
	}
	if m.opts.ignoreRequest {
		return true, nil
	}
	m.set(hypervisor.StateStopping)
	m.timer = time.AfterFunc(m.opts.stopDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state == hypervisor.StateStopping {
			m.set(hypervisor.StateStopped)
		}
	})
	return true, nil
}

func (m *Machine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case hypervisor.StateRunning, hypervisor.StatePaused, hypervisor.StateStopping:
		m.set(hypervisor.StateStopped)
		return nil
	}
	return invalidState("stop", m.state)
}

func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != hypervisor.StateRunning {
		return invalidState("pause", m.state)
	}
	m.set(hypervisor.StatePausing)
	m.set(hypervisor.StatePaused)
	return nil
}

func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != hypervisor.StatePaused {
		return invalidState("resume", m.state)
	}
	m.set(hypervisor.StateResuming)
	m.set(hypervisor.StateRunning)
	return nil
}

func (m *Machine) State() hypervisor.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) StateChanged() <-chan hypervisor.State { return m.changed }

// Starts is the number of start attempts.
func (m *Machine) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// LastStartOptions are the options of the most recent start.
func (m *Machine) LastStartOptions() hypervisor.StartOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOpts
}

func (m *Machine) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
}
