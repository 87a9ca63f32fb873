package virtualization

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

type fakeObject struct{}

func (*fakeObject) Kind() hypervisor.Kind { return hypervisor.KindNATAttachment }

func TestHandleReleasesOnce(t *testing.T) {
	released := 0
	h, err := newHandle("test", &fakeObject{}, func(hypervisor.Object) { released++ })
	if err != nil {
		t.Fatalf("newHandle: %v", err)
	}
	c := h.Clone()
	if got := h.RefCount(); got != 2 {
		t.Fatalf("RefCount = %d, want 2", got)
	}
	if !h.Same(c) {
		t.Fatal("clone does not refer to the same object")
	}

	h.Release()
	h.Release()
	if released != 0 {
		t.Fatalf("released %d times while a clone is alive", released)
	}
	if got := c.RefCount(); got != 1 {
		t.Errorf("RefCount = %d, want 1", got)
	}
	if c.Object() == nil {
		t.Error("clone lost its object")
	}

	c.Release()
	c.Release()
	if released != 1 {
		t.Errorf("released %d times, want 1", released)
	}
}

func TestNewHandleRejectsNil(t *testing.T) {
	tests := []struct {
		name string
		obj  hypervisor.Object
	}{
		{"nil interface", nil},
		{"nil pointer", (*fakeObject)(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newHandle("test", tt.obj, nil)
			if !errors.Is(err, ErrNilObject) {
				t.Errorf("error = %v, want ErrNilObject", err)
			}
			if !errors.Is(err, ErrConstruction) {
				t.Errorf("error = %v, want construction kind", err)
			}
		})
	}
}

func TestHandleUseAfterReleasePanics(t *testing.T) {
	tests := []struct {
		name string
		use  func(*Handle)
	}{
		{"object", func(h *Handle) { h.Object() }},
		{"clone", func(h *Handle) { h.Clone() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := newHandle("test", &fakeObject{}, nil)
			if err != nil {
				t.Fatalf("newHandle: %v", err)
			}
			h.Release()
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.use(h)
		})
	}
}

func TestObjectsOfReleased(t *testing.T) {
	h, err := newHandle("test", &fakeObject{}, nil)
	if err != nil {
		t.Fatalf("newHandle: %v", err)
	}
	h.Release()
	if _, err := objectsOf("test", []*Handle{h}); !errors.Is(err, ErrHandleReleased) {
		t.Errorf("error = %v, want ErrHandleReleased", err)
	}
}

func TestHandleCloneRacingRelease(t *testing.T) {
	for i := 0; i < 500; i++ {
		var released atomic.Int32
		h, err := newHandle("test", &fakeObject{}, func(hypervisor.Object) { released.Add(1) })
		if err != nil {
			t.Fatal(err)
		}

		var clone *Handle
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			defer func() { recover() }()
			clone = h.Clone()
		}()
		go func() {
			defer wg.Done()
			h.Release()
		}()
		wg.Wait()

		if clone != nil {
			if released.Load() != 0 {
				t.Fatalf("iteration %d: clone owns an object that was already released", i)
			}
			clone.Release()
		}
		if n := released.Load(); n != 1 {
			t.Fatalf("iteration %d: released %d times, want 1", i, n)
		}
	}
}
