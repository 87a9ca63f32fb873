package virtualization

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	infinity "github.com/Code-Hex/go-infinity-channel"
	"github.com/coreos/go-semver/semver"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

// minRecoveryHost is the first macOS release that can boot a guest into
// recovery.
var minRecoveryHost = semver.New("13.0.0")

type machine struct {
	rt     *Runtime
	id     string
	native hypervisor.Machine
	cfg    *Configuration
	queue  *Queue
	log    *logrus.Entry

	startFailed atomic.Bool

	mu     sync.Mutex
	subs   []*infinity.Channel[State]
	closed bool
	done   chan struct{}
}

// VirtualMachine is a handle to one machine. Clone it to share the machine;
// the machine is torn down when the last clone is released. Lifecycle
// completions and state notifications run on the machine's queue in
// submission order.
type VirtualMachine struct {
	*machine
	h *Handle
}

// NewVirtualMachine creates a machine from a validated configuration. A nil
// queue means MainQueue. Each validated configuration backs at most one
// machine.
func (rt *Runtime) NewVirtualMachine(valid *ValidatedConfiguration, queue *Queue) (*VirtualMachine, error) {
	const op = "create virtual machine"
	if valid == nil || valid.cfg == nil {
		return nil, newError(KindConstruction, op, ErrNilObject)
	}
	if !valid.used.CompareAndSwap(false, true) {
		return nil, newError(KindConstruction, op, ErrConfigurationInUse)
	}
	if queue == nil {
		queue = MainQueue()
	}

	cfg := valid.cfg.clone()
	obj, err := cfg.h.object()
	if err != nil {
		cfg.Release()
		valid.used.Store(false)
		return nil, newError(KindConstruction, op, err)
	}
	native, err := rt.driver.NewMachine(obj)
	if err != nil {
		cfg.Release()
		valid.used.Store(false)
		return nil, newError(KindConstruction, op, err)
	}

	m := &machine{
		rt:     rt,
		id:     uuid.NewString(),
		native: native,
		cfg:    cfg,
		queue:  queue,
		done:   make(chan struct{}),
	}
	m.log = rt.log.WithFields(logrus.Fields{"machine": m.id, "queue": queue.Label()})

	h, err := newHandle(op, native, m.teardown)
	if err != nil {
		cfg.Release()
		valid.used.Store(false)
		return nil, err
	}
	atomic.AddUint64(&machinesCreated, 1)
	go m.forward()
	m.log.Debug("machine created")
	return &VirtualMachine{machine: m, h: h}, nil
}

// teardown runs once, when the last VirtualMachine clone is released.
func (m *machine) teardown(obj hypervisor.Object) {
	m.mu.Lock()
	m.closed = true
	close(m.done)
	for _, s := range m.subs {
		s.Close()
	}
	m.subs = nil
	m.mu.Unlock()

	m.rt.driver.Release(obj)
	m.cfg.Release()
	m.log.Debug("machine released")
}

// forward relays native state changes to subscribers through the queue.
func (m *machine) forward() {
	changes := m.native.StateChanged()
	for {
		select {
		case <-m.done:
			return
		case s, ok := <-changes:
			if !ok {
				return
			}
			m.log.WithField("state", s).Debug("state changed")
			if err := m.queue.Async(func() { m.publish(s) }); err != nil {
				m.publish(s)
			}
		}
	}
}

func (m *machine) publish(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, sub := range m.subs {
		sub.In() <- s
	}
}

// Handle is the identity accessor.
func (v *VirtualMachine) Handle() *Handle { return v.h }

// ID is a process-unique identifier for logs.
func (v *VirtualMachine) ID() string { return v.id }

// Queue is the queue completions run on.
func (v *VirtualMachine) Queue() *Queue { return v.queue }

// Configuration is the configuration the machine was created from.
func (v *VirtualMachine) Configuration() *Configuration { return v.cfg }

// Clone returns another handle to the same machine.
func (v *VirtualMachine) Clone() *VirtualMachine {
	return &VirtualMachine{machine: v.machine, h: v.h.Clone()}
}

// Release drops this handle.
func (v *VirtualMachine) Release() { v.h.Release() }

// State is a snapshot of the machine state. After a failed start it reports
// StateError until the next successful start.
func (v *VirtualMachine) State() State {
	if v.h.Released() {
		return StateOther
	}
	s := v.native.State()
	if s == StateStopped && v.startFailed.Load() {
		return StateError
	}
	return s
}

// CanRequestStop reports whether RequestStop would be accepted now.
func (v *VirtualMachine) CanRequestStop() bool {
	if v.h.Released() {
		return false
	}
	return v.native.CanRequestStop()
}

// StateChangedNotify returns a channel receiving every state change from now
// on. It is closed when the machine is released.
func (v *VirtualMachine) StateChangedNotify() <-chan State {
	ch := infinity.NewChannel[State]()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		ch.Close()
	} else {
		v.subs = append(v.subs, ch)
	}
	return ch.Out()
}

// Start boots the machine. It returns immediately; completion runs once on
// the queue with nil or the failure.
func (v *VirtualMachine) Start(completion func(error)) {
	v.StartWithOptions(StartOptions{}, completion)
}

// StartWithOptions is Start with boot options.
func (v *VirtualMachine) StartWithOptions(opts StartOptions, completion func(error)) {
	const op = "start"
	if opts.BootMacOSRecovery {
		if hv := v.rt.Info().HostVersion; hv == nil || hv.LessThan(*minRecoveryHost) {
			v.deliver(op, completion, newError(KindUnsupported, op,
				fmt.Errorf("booting into recovery needs macOS %s or later: %w", minRecoveryHost, hypervisor.ErrUnsupported)))
			return
		}
	}
	v.submit(op, completion, func() error {
		err := v.native.Start(opts)
		v.startFailed.Store(err != nil)
		if err != nil {
			atomic.AddUint64(&startsFailed, 1)
		} else {
			atomic.AddUint64(&startsSucceeded, 1)
		}
		return err
	})
}

// RequestStop asks the guest to shut down. It reports whether the request
// was delivered; a machine that is not running rejects it.
func (v *VirtualMachine) RequestStop() (bool, error) {
	const op = "request stop"
	if v.h.Released() {
		return false, newError(KindState, op, ErrHandleReleased)
	}
	atomic.AddUint64(&stopRequests, 1)
	ok, err := v.native.RequestStop()
	if err != nil {
		return false, v.mapErr(op, err)
	}
	v.log.WithField("accepted", ok).Debug("stop requested")
	return ok, nil
}

// Stop halts the machine without involving the guest.
func (v *VirtualMachine) Stop(completion func(error)) {
	v.submit("stop", completion, v.native.Stop)
}

// Pause suspends guest execution.
func (v *VirtualMachine) Pause(completion func(error)) {
	v.submit("pause", completion, v.native.Pause)
}

// Resume continues a paused machine.
func (v *VirtualMachine) Resume(completion func(error)) {
	v.submit("resume", completion, v.native.Resume)
}

// submit runs fn on the queue and then completion with its mapped error.
func (v *VirtualMachine) submit(op string, completion func(error), fn func() error) {
	// held keeps the machine alive until fn returns.
	h, ok := v.h.tryClone()
	if !ok {
		v.deliver(op, completion, newError(KindState, op, ErrHandleReleased))
		return
	}
	held := &VirtualMachine{machine: v.machine, h: h}
	err := v.queue.Async(func() {
		var res error
		if err := fn(); err != nil {
			res = held.mapErr(op, err)
		}
		held.logResult(op, res)
		held.Release()
		if completion != nil {
			completion(res)
		}
	})
	if err != nil {
		held.Release()
		err = newError(KindAsync, op, err)
		v.logResult(op, err)
		if completion != nil {
			completion(err)
		}
	}
}

// deliver runs completion on the queue, or inline when the queue is closed.
func (v *VirtualMachine) deliver(op string, completion func(error), err error) {
	v.logResult(op, err)
	if completion == nil {
		return
	}
	if qerr := v.queue.Async(func() { completion(err) }); qerr != nil {
		completion(errors.Join(err, newError(KindAsync, op, qerr)))
	}
}

func (v *VirtualMachine) logResult(op string, err error) {
	entry := v.log.WithField("op", op)
	if err != nil {
		entry.WithError(err).Warn("lifecycle operation failed")
		return
	}
	entry.WithField("state", v.native.State()).Debug("lifecycle operation done")
}

func (v *VirtualMachine) mapErr(op string, err error) error {
	switch {
	case errors.Is(err, hypervisor.ErrInvalidState):
		return newError(KindState, op, err)
	case errors.Is(err, hypervisor.ErrUnsupported):
		return newError(KindUnsupported, op, err)
	default:
		return newError(KindAsync, op, err)
	}
}
