package virtualization

import (
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

// handleRef is shared by every owner of one native object.
type handleRef struct {
	obj     hypervisor.Object
	release func(hypervisor.Object)
	count   atomic.Int64
	once    sync.Once
}

// Handle is one owner's reference to a native object. Clone adds an owner;
// Release drops this owner. The native object is released exactly once, when
// the last owner lets go. A Handle is safe for concurrent use.
type Handle struct {
	ref      *handleRef
	released atomic.Bool
}

func isNil(obj hypervisor.Object) bool {
	if obj == nil {
		return true
	}
	v := reflect.ValueOf(obj)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

func isNilHandler(v handler) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return true
	}
	return v.Handle() == nil
}

func newHandle(op string, obj hypervisor.Object, release func(hypervisor.Object)) (*Handle, error) {
	if isNil(obj) {
		return nil, newError(KindConstruction, op, ErrNilObject)
	}
	ref := &handleRef{obj: obj, release: release}
	ref.count.Store(1)
	atomic.AddUint64(&handlesCreated, 1)
	return ref.owner(), nil
}

func (r *handleRef) owner() *Handle {
	h := &Handle{ref: r}
	// An owner that is never released still drops its reference when
	// collected.
	runtime.SetFinalizer(h, (*Handle).Release)
	return h
}

// Clone returns a new owner of the same native object.
// It panics if h was already released.
func (h *Handle) Clone() *Handle {
	c, ok := h.tryClone()
	if !ok {
		panic(ErrHandleReleased)
	}
	return c
}

// tryClone is Clone that reports a released handle instead of panicking.
func (h *Handle) tryClone() (*Handle, bool) {
	for {
		n := h.ref.count.Load()
		// The count never rises from zero: the object is gone.
		if n <= 0 || h.released.Load() {
			return nil, false
		}
		if h.ref.count.CompareAndSwap(n, n+1) {
			return h.ref.owner(), true
		}
	}
}

// Release drops this owner. Further calls are no-ops.
func (h *Handle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(h, nil)
	if h.ref.count.Add(-1) > 0 {
		return
	}
	h.ref.once.Do(func() {
		if h.ref.release != nil {
			h.ref.release(h.ref.obj)
		}
		atomic.AddUint64(&handlesReleased, 1)
	})
}

// Object returns the native object. It panics if this owner was released.
func (h *Handle) Object() hypervisor.Object {
	obj, err := h.object()
	if err != nil {
		panic(err)
	}
	return obj
}

func (h *Handle) object() (hypervisor.Object, error) {
	if h == nil || h.released.Load() {
		return nil, ErrHandleReleased
	}
	return h.ref.obj, nil
}

// Kind is the framework class of the native object.
func (h *Handle) Kind() hypervisor.Kind { return h.ref.obj.Kind() }

// RefCount is the number of live owners.
func (h *Handle) RefCount() int64 { return h.ref.count.Load() }

// Released reports whether this owner has been released.
func (h *Handle) Released() bool { return h.released.Load() }

// Same reports whether h and other refer to the same native object.
func (h *Handle) Same(other *Handle) bool {
	return h != nil && other != nil && h.ref == other.ref
}

// cloneAll adds an owner to each handle.
func cloneAll(hs []*Handle) []*Handle {
	out := make([]*Handle, len(hs))
	for i, h := range hs {
		out[i] = h.Clone()
	}
	return out
}

func releaseAll(hs []*Handle) {
	for _, h := range hs {
		h.Release()
	}
}

// objectsOf resolves handles to native objects, failing on released ones.
func objectsOf(op string, hs []*Handle) ([]hypervisor.Object, error) {
	out := make([]hypervisor.Object, 0, len(hs))
	for _, h := range hs {
		obj, err := h.object()
		if err != nil {
			return nil, newError(KindConstruction, op, err)
		}
		out = append(out, obj)
	}
	return out, nil
}
