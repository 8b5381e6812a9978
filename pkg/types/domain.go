package types

import (
	"errors"
	"fmt"
	"strings"
)

// ModelKind is the capability a model provides.
type ModelKind string

const (
	KindSharpen ModelKind = "sharpen"
	KindDenoise ModelKind = "denoise"
	KindUpscale ModelKind = "upscale"
)

// Valid reports whether k is a known capability.
func (k ModelKind) Valid() bool {
	switch k {
	case KindSharpen, KindDenoise, KindUpscale:
		return true
	}
	return false
}

// InstallState is the lifecycle state of a descriptor in the registry.
type InstallState string

const (
	StateNotInstalled InstallState = "not_installed"
	StateInstalled    InstallState = "installed"
	StateLoaded       InstallState = "loaded"
)

// Runnable reports whether a model in this state may be scheduled.
func (s InstallState) Runnable() bool { return s == StateInstalled || s == StateLoaded }

// ModelDescriptor describes an installable/loadable enhancement model.
type ModelDescriptor struct {
	// Stable identifier for the model.
	// example: up4x
	ID string `json:"id" yaml:"id" example:"up4x"`
	// Human-friendly name.
	// example: RealESRGAN x4
	Name string `json:"name" yaml:"name" example:"RealESRGAN x4"`
	// Capability: sharpen, denoise or upscale.
	// example: upscale
	Kind ModelKind `json:"kind" yaml:"kind" example:"upscale"`
	// Linear scale factor of the output (1 for sharpen/denoise).
	// example: 4
	Scale int `json:"scale" yaml:"scale" example:"4"`
	// Architecture tag used to pick a runtime.
	// example: builtin.resample
	Arch string `json:"arch" yaml:"arch" example:"builtin.resample"`
	// Install state.
	// example: installed
	State InstallState `json:"state" yaml:"state,omitempty" example:"installed"`
	// Weight file name relative to the models directory.
	File string `json:"file,omitempty" yaml:"file,omitempty"`
	// Absolute path of the installed weight file.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Expected sha256 of the weight file (hex).
	SHA256 string `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	// Estimated device memory in MB when loaded.
	SizeMB int `json:"size_mb,omitempty" yaml:"size_mb,omitempty"`
	// Backends the architecture can run on; empty means any.
	Backends []string `json:"backends,omitempty" yaml:"backends,omitempty"`
}

// Normalize fills defaults derived from other fields.
func (d *ModelDescriptor) Normalize() {
	d.ID = strings.TrimSpace(d.ID)
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Scale <= 0 {
		d.Scale = 1
	}
	if d.State == "" {
		d.State = StateNotInstalled
	}
}

// Validate checks the descriptor invariants: upscale models scale by >= 2,
// every other kind by exactly 1.
func (d ModelDescriptor) Validate() error {
	if d.ID == "" {
		return errors.New("descriptor id is empty")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("descriptor %s: unknown kind %q", d.ID, d.Kind)
	}
	if d.Kind == KindUpscale && d.Scale < 2 {
		return fmt.Errorf("descriptor %s: upscale requires scale >= 2, got %d", d.ID, d.Scale)
	}
	if d.Kind != KindUpscale && d.Scale != 1 {
		return fmt.Errorf("descriptor %s: %s requires scale 1, got %d", d.ID, d.Kind, d.Scale)
	}
	return nil
}

// SupportsBackend reports whether the descriptor lists backend (or lists none).
func (d ModelDescriptor) SupportsBackend(backend string) bool {
	if len(d.Backends) == 0 {
		return true
	}
	for _, b := range d.Backends {
		if strings.EqualFold(b, backend) {
			return true
		}
	}
	return false
}
