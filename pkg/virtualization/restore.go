package virtualization

import (
	"context"
	"sync/atomic"

	"github.com/javanstorm/vzkit/pkg/hypervisor"
)

// RestoreImage is a macOS installer image.
type RestoreImage struct {
	object
	info hypervisor.RestoreImageInfo
	hw   *MacHardwareModel
}

// URL is where the image was downloaded from, or its local file URL.
func (r *RestoreImage) URL() string { return r.info.URL }

// BuildVersion is the macOS build the image installs.
func (r *RestoreImage) BuildVersion() string { return r.info.BuildVersion }

// Supported reports whether this host can install the image.
func (r *RestoreImage) Supported() bool { return r.hw != nil }

// HardwareModel is the most featureful model this host supports for the
// image, nil when Supported is false. The image keeps ownership; Clone the
// handle to keep it longer.
func (r *RestoreImage) HardwareModel() *MacHardwareModel { return r.hw }

// Release drops the image and its hardware model.
func (r *RestoreImage) Release() {
	r.h.Release()
	if r.hw != nil {
		r.hw.Release()
	}
}

func (rt *Runtime) restoreImage(op string, obj hypervisor.Object, err error) (*RestoreImage, error) {
	h, err := rt.handle(op, obj, err)
	if err != nil {
		return nil, err
	}
	info, err := rt.driver.RestoreImage(obj)
	if err != nil {
		h.Release()
		return nil, newError(KindConstruction, op, err)
	}
	img := &RestoreImage{object: object{h: h}, info: info}
	if info.HardwareModel != nil {
		hh, err := rt.handle(op, info.HardwareModel, nil)
		if err != nil {
			h.Release()
			return nil, err
		}
		img.hw = &MacHardwareModel{object: object{h: hh}, rt: rt}
	}
	return img, nil
}

// LoadRestoreImage opens a local .ipsw file.
func (rt *Runtime) LoadRestoreImage(path string) (*RestoreImage, error) {
	const op = "load restore image"
	abs, err := canonicalPath(op, path)
	if err != nil {
		return nil, err
	}
	obj, err := rt.driver.LoadRestoreImage(abs)
	return rt.restoreImage(op, obj, err)
}

// RestoreImageResult carries the outcome of an asynchronous fetch. Exactly one
// of Image and Err is set.
type RestoreImageResult struct {
	Image *RestoreImage
	Err   error
}

// FetchLatestSupportedRestoreImage downloads the newest restore image this
// host supports to destPath. It returns immediately; completion runs exactly
// once on its own goroutine with an image or an error.
func (rt *Runtime) FetchLatestSupportedRestoreImage(ctx context.Context, destPath string, completion func(*RestoreImage, error)) {
	const op = "fetch restore image"
	var fired atomic.Bool
	done := func(img *RestoreImage, err error) {
		if !fired.CompareAndSwap(false, true) {
			rt.log.WithField("op", op).Warn("duplicate completion dropped")
			if img != nil {
				img.Release()
			}
			return
		}
		if err != nil {
			rt.log.WithError(err).WithField("op", op).Debug("fetch failed")
		}
		completion(img, err)
	}

	abs, err := canonicalPath(op, destPath)
	if err != nil {
		go done(nil, err)
		return
	}
	atomic.AddUint64(&restoreFetches, 1)
	go func() {
		obj, err := rt.driver.FetchLatestRestoreImage(ctx, abs)
		switch {
		case err != nil:
			if !isNil(obj) {
				rt.driver.Release(obj)
			}
			done(nil, newError(KindAsync, op, err))
		case isNil(obj):
			atomic.AddUint64(&emptyResponses, 1)
			done(nil, newError(KindEmptyResponse, op, ErrEmptyResponse))
		default:
			done(rt.restoreImage(op, obj, nil))
		}
	}()
}

// FetchLatestSupportedRestoreImageC is FetchLatestSupportedRestoreImage with
// the result delivered on a channel that receives exactly one value.
func (rt *Runtime) FetchLatestSupportedRestoreImageC(ctx context.Context, destPath string) <-chan RestoreImageResult {
	ch := make(chan RestoreImageResult, 1)
	rt.FetchLatestSupportedRestoreImage(ctx, destPath, func(img *RestoreImage, err error) {
		ch <- RestoreImageResult{Image: img, Err: err}
	})
	return ch
}
