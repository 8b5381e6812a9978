// Package runtime implements the model-compute capability: a loaded Model
// maps an image to an image and is treated as opaque by the rest of the system.
package runtime

import (
	"context"
	"image"

	"enhanced/internal/apperr"
	"enhanced/internal/device"
	"enhanced/pkg/types"
)

// Model is a device-bound model instance. Infer must be deterministic for a
// fixed input and may take a long time; it is not interrupted mid-call.
type Model interface {
	Infer(ctx context.Context, img image.Image) (image.Image, error)
	Close() error
}

// Runtime materializes Models for the architectures it supports.
type Runtime interface {
	Name() string
	Supports(arch string) bool
	Load(ctx context.Context, d types.ModelDescriptor, dev device.Context) (Model, error)
}

// Set dispatches descriptors to the first runtime supporting their arch.
type Set []Runtime

// Load resolves a runtime for d and loads it. An architecture no runtime
// handles, or one the descriptor pins to other backends, is IncompatibleDevice.
func (s Set) Load(ctx context.Context, d types.ModelDescriptor, dev device.Context) (Model, error) {
	const op = "runtime.load"
	if !d.SupportsBackend(string(dev.Backend)) {
		return nil, apperr.New(apperr.KindIncompatibleDevice, op, d.ID, "model supports %v, device is %s", d.Backends, dev.Backend)
	}
	for _, rt := range s {
		if rt.Supports(d.Arch) {
			return rt.Load(ctx, d, dev)
		}
	}
	return nil, apperr.New(apperr.KindIncompatibleDevice, op, d.ID, "no runtime for architecture %q on %s", d.Arch, dev.Backend)
}
