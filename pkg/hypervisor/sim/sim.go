// Package sim is an in-memory hypervisor.Driver. It applies the same
// construction and validation rules the framework documents and tracks every
// object it hands out, so ownership can be checked in tests. No guest code
// runs; machines move through the lifecycle states on request.
package sim

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

const mib = 1 << 20

// DefaultLimits mirror the bounds the framework reports on a typical host.
var DefaultLimits = hypervisor.Limits{
	MinCPUCount:   1,
	MaxCPUCount:   8,
	MinMemorySize: 128 * mib,
	MaxMemorySize: 64 << 30,
}

// FetchFunc decides the outcome of a restore image download. Returning
// false with a nil error models a framework answer with neither an image nor
// an error.
type FetchFunc func(ctx context.Context, destPath string) (found bool, err error)

type options struct {
	supported     bool
	hwSupported   bool
	limits        hypervisor.Limits
	startErr      error
	stopDelay     time.Duration
	fetch         FetchFunc
	hostVersion   string
	ignoreRequest bool
}

// Option configures a Driver.
type Option func(*options)

// WithSupported sets the answer of Supported.
func WithSupported(ok bool) Option { return func(o *options) { o.supported = ok } }

// WithHardwareModelSupported sets whether hardware models are supported.
func WithHardwareModelSupported(ok bool) Option { return func(o *options) { o.hwSupported = ok } }

// WithLimits overrides the CPU and memory bounds.
func WithLimits(l hypervisor.Limits) Option { return func(o *options) { o.limits = l } }

// WithStartError makes every machine start fail with err.
func WithStartError(err error) Option { return func(o *options) { o.startErr = err } }

// WithGuestStopDelay is how long a guest takes to honour a stop request.
func WithGuestStopDelay(d time.Duration) Option { return func(o *options) { o.stopDelay = d } }

// WithGuestIgnoringStop makes guests accept stop requests and never act on them.
func WithGuestIgnoringStop() Option { return func(o *options) { o.ignoreRequest = true } }

// WithRestoreFetch replaces the restore image download.
func WithRestoreFetch(fn FetchFunc) Option { return func(o *options) { o.fetch = fn } }

// WithHostVersion sets the reported host OS version.
func WithHostVersion(v string) Option { return func(o *options) { o.hostVersion = v } }

// Driver is the simulated hypervisor.Driver.
type Driver struct {
	opts options

	mu       sync.Mutex
	nextID   uint64
	live     map[uint64]*Object
	releases map[uint64]int
	created  map[hypervisor.Kind]int
}

var _ hypervisor.Driver = (*Driver)(nil)

// New creates a simulated driver.
func New(opts ...Option) *Driver {
	o := options{
		supported:   true,
		hwSupported: true,
		limits:      DefaultLimits,
		hostVersion: "14.0",
		fetch:       writeFakeImage,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &Driver{
		opts:     o,
		live:     make(map[uint64]*Object),
		releases: make(map[uint64]int),
		created:  make(map[hypervisor.Kind]int),
	}
}

func writeFakeImage(_ context.Context, destPath string) (bool, error) {
	if err := os.WriteFile(destPath, []byte("sim restore image"), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// Object is a simulated framework object.
type Object struct {
	id   uint64
	kind hypervisor.Kind

	path     string
	readOnly bool
	width    int64
	height   int64
	ppi      int64
	data     []byte
	mac      net.HardwareAddr
	tag      string
	children []*Object
	spec     *hypervisor.ConfigurationSpec
	serial   [2]*os.File
}

func (o *Object) Kind() hypervisor.Kind { return o.kind }

// ID is unique per driver.
func (o *Object) ID() uint64 { return o.id }

// Path is the file the object refers to, if any.
func (o *Object) Path() string { return o.path }

// ReadOnly reports the read-only flag of attachments and shares.
func (o *Object) ReadOnly() bool { return o.readOnly }

// Size returns width, height and pixel density of displays and scanouts.
func (o *Object) Size() (width, height, ppi int64) { return o.width, o.height, o.ppi }

// MAC is the configured network address, nil for random.
func (o *Object) MAC() net.HardwareAddr { return o.mac }

// Tag is the directory share tag.
func (o *Object) Tag() string { return o.tag }

// Children are the sub-objects a composite was built from.
func (o *Object) Children() []*Object { return slices.Clone(o.children) }

func (d *Driver) newObject(kind hypervisor.Kind) *Object {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	o := &Object{id: d.nextID, kind: kind}
	d.live[o.id] = o
	d.created[kind]++
	return o
}

// object resolves obj to a live simulated object of one of the wanted kinds.
func (d *Driver) object(op string, obj hypervisor.Object, want ...hypervisor.Kind) (*Object, error) {
	var o *Object
	switch v := obj.(type) {
	case *Object:
		o = v
	case *Machine:
		o = v.Object
	}
	if o == nil {
		return nil, fmt.Errorf("sim: %s: %w", op, hypervisor.ErrUnknownObject)
	}
	if len(want) > 0 && !slices.Contains(want, o.kind) {
		return nil, hypervisor.WrongKind("sim: "+op, o.kind, want...)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[o.id]; !ok {
		return nil, fmt.Errorf("sim: %s: %w", op, hypervisor.ErrReleased)
	}
	return o, nil
}

func (d *Driver) objects(op string, objs []hypervisor.Object, want ...hypervisor.Kind) ([]*Object, error) {
	out := make([]*Object, 0, len(objs))
	for _, obj := range objs {
		o, err := d.object(op, obj, want...)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (d *Driver) Info() hypervisor.Info {
	return hypervisor.Info{
		Name:        "sim",
		Version:     "1.0.0",
		Arch:        runtime.GOARCH,
		HostVersion: hypervisor.ParseHostVersion(d.opts.hostVersion),
	}
}

func (d *Driver) Supported() bool { return d.opts.supported }

func (d *Driver) Release(obj hypervisor.Object) {
	var o *Object
	switch v := obj.(type) {
	case *Object:
		o = v
	case *Machine:
		o = v.Object
		v.release()
	}
	if o == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releases[o.id]++
	delete(d.live, o.id)
}

// Releases reports how many times obj was released.
func (d *Driver) Releases(obj hypervisor.Object) int {
	var id uint64
	switch v := obj.(type) {
	case *Object:
		id = v.id
	case *Machine:
		id = v.id
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releases[id]
}

// Live is the number of objects not yet released.
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// OverReleased counts objects released more than once.
func (d *Driver) OverReleased() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.releases {
		if c > 1 {
			n++
		}
	}
	return n
}

// Created is the number of objects of kind made so far.
func (d *Driver) Created(kind hypervisor.Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created[kind]
}

func exists(op, path string) error {
	if _, err := os.Stat(path); err != nil {
		return &hypervisor.NativeError{Op: op, Description: "file not found", Err: err}
	}
	return nil
}
