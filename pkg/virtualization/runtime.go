// Package virtualization is a typed API over the host's virtual machine
// framework. Framework objects are owned through Handles; devices are
// assembled with a ConfigurationBuilder, checked with Validate and run as a
// VirtualMachine whose callbacks are delivered on a serial Queue.
package virtualization

import (
	"errors"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

// Type aliases so callers rarely need package hypervisor.
type (
	State        = hypervisor.State
	StartOptions = hypervisor.StartOptions
	Limits       = hypervisor.Limits
)

const (
	StateStopped  = hypervisor.StateStopped
	StateRunning  = hypervisor.StateRunning
	StatePaused   = hypervisor.StatePaused
	StateError    = hypervisor.StateError
	StateStarting = hypervisor.StateStarting
	StatePausing  = hypervisor.StatePausing
	StateResuming = hypervisor.StateResuming
	StateStopping = hypervisor.StateStopping
	StateOther    = hypervisor.StateOther
)

// Runtime creates every framework object through one driver.
type Runtime struct {
	driver hypervisor.Driver
	log    *logrus.Entry
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *logrus.Entry) Option {
	return func(rt *Runtime) { rt.log = l }
}

// NewRuntime wraps a driver.
func NewRuntime(d hypervisor.Driver, opts ...Option) *Runtime {
	rt := &Runtime{driver: d}
	for _, o := range opts {
		o(rt)
	}
	if rt.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		rt.log = logrus.NewEntry(l)
	}
	rt.log = rt.log.WithField("driver", d.Info().Name)
	return rt
}

// Default returns a Runtime on the host's native driver.
func Default(opts ...Option) (*Runtime, error) {
	d, err := hypervisor.NewDriver()
	if err != nil {
		return nil, newError(KindUnsupported, "open driver", err)
	}
	return NewRuntime(d, opts...), nil
}

// Driver returns the underlying driver.
func (rt *Runtime) Driver() hypervisor.Driver { return rt.driver }

// Info describes the driver and host.
func (rt *Runtime) Info() hypervisor.Info { return rt.driver.Info() }

// Supported reports whether this host can run virtual machines.
func (rt *Runtime) Supported() bool { return rt.driver.Supported() }

// ConfigurationLimits are the CPU and memory bounds validation enforces.
func (rt *Runtime) ConfigurationLimits() Limits { return rt.driver.Limits() }

// handle turns a driver result into an owned Handle.
func (rt *Runtime) handle(op string, obj hypervisor.Object, err error) (*Handle, error) {
	return rt.handleWith(op, obj, err, rt.driver.Release)
}

func (rt *Runtime) handleWith(op string, obj hypervisor.Object, err error, release func(hypervisor.Object)) (*Handle, error) {
	if err != nil {
		if !isNil(obj) {
			release(obj)
		}
		kind := KindConstruction
		if errors.Is(err, hypervisor.ErrUnsupported) {
			kind = KindUnsupported
		}
		rt.log.WithError(err).WithField("op", op).Debug("construction failed")
		return nil, newError(kind, op, err)
	}
	h, err := newHandle(op, obj, release)
	if err != nil {
		return nil, err
	}
	rt.log.WithFields(logrus.Fields{"op": op, "kind": obj.Kind()}).Trace("created")
	return h, nil
}

// canonicalPath turns a user path into the absolute form the framework
// expects for file references.
func canonicalPath(op, path string) (string, error) {
	if path == "" {
		return "", newError(KindConstruction, op, errors.New("empty path"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", newError(KindConstruction, op, err)
	}
	return abs, nil
}

// object is embedded by every device and platform type.
type object struct {
	h *Handle
}

// Handle is the identity accessor. The returned handle is borrowed; Clone
// it to keep it beyond the owner's lifetime.
func (o object) Handle() *Handle { return o.h }

// Release drops the caller's ownership. Idempotent.
func (o object) Release() { o.h.Release() }

// simple creates a leaf object.
func (rt *Runtime) simple(op string, fn func() (hypervisor.Object, error)) (object, error) {
	obj, err := fn()
	h, err := rt.handle(op, obj, err)
	if err != nil {
		return object{}, err
	}
	return object{h: h}, nil
}

// compose creates an object from parts. The object holds its own references
// to the parts and drops them when its last owner releases it.
func (rt *Runtime) compose(op string, parts []*Handle, fn func([]hypervisor.Object) (hypervisor.Object, error)) (object, error) {
	objs, err := objectsOf(op, parts)
	if err != nil {
		return object{}, err
	}
	held := cloneAll(parts)
	obj, err := fn(objs)
	h, err := rt.handleWith(op, obj, err, func(o hypervisor.Object) {
		rt.driver.Release(o)
		releaseAll(held)
	})
	if err != nil {
		releaseAll(held)
		return object{}, err
	}
	return object{h: h}, nil
}

type handler interface {
	Handle() *Handle
}

// handlesOf collects handles, rejecting nil entries.
func handlesOf[T handler](op string, items []T) ([]*Handle, error) {
	out := make([]*Handle, 0, len(items))
	for _, it := range items {
		if isNilHandler(it) {
			return nil, newError(KindConstruction, op, ErrNilObject)
		}
		out = append(out, it.Handle())
	}
	return out, nil
}
