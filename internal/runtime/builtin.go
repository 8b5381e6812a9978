package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"strings"

	"enhanced/internal/apperr"
	"enhanced/internal/device"
	"enhanced/internal/imaging"
	"enhanced/pkg/types"
)

// Built-in architectures. Their weight file is a small JSON parameter set.
const (
	ArchResample = "builtin.resample"
	ArchUnsharp  = "builtin.unsharp"
	ArchBox      = "builtin.box"
)

// builtinParams is the weight-file schema for built-in architectures.
type builtinParams struct {
	Filter string  `json:"filter"`
	Radius int     `json:"radius"`
	Amount float64 `json:"amount"`
}

// Builtin runs simple CPU filters behind the Model contract. They execute on
// the host regardless of backend, which keeps every device usable for them.
type Builtin struct{}

func (Builtin) Name() string { return "builtin" }

func (Builtin) Supports(arch string) bool {
	switch arch {
	case ArchResample, ArchUnsharp, ArchBox:
		return true
	}
	return false
}

func (Builtin) Load(_ context.Context, d types.ModelDescriptor, _ device.Context) (Model, error) {
	const op = "runtime.builtin.load"
	b, err := os.ReadFile(d.Path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindLoad, op, d.ID, err)
	}
	var p builtinParams
	if strings.TrimSpace(string(b)) != "" {
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, apperr.Wrap(apperr.KindLoad, op, d.ID, fmt.Errorf("parse weights: %w", err))
		}
	}
	switch d.Arch {
	case ArchResample:
		f, err := imaging.ParseFilter(p.Filter)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindLoad, op, d.ID, err)
		}
		if d.Scale < 2 {
			return nil, apperr.New(apperr.KindLoad, op, d.ID, "resample needs scale >= 2")
		}
		return resampleModel{scale: d.Scale, filter: f}, nil
	case ArchUnsharp:
		if p.Radius <= 0 {
			p.Radius = 1
		}
		if p.Amount <= 0 {
			p.Amount = 0.6
		}
		return unsharpModel{radius: p.Radius, amount: p.Amount}, nil
	case ArchBox:
		if p.Radius <= 0 {
			p.Radius = 1
		}
		return boxModel{radius: p.Radius}, nil
	}
	return nil, apperr.New(apperr.KindIncompatibleDevice, op, d.ID, "unsupported architecture %q", d.Arch)
}

type resampleModel struct {
	scale  int
	filter imaging.Filter
}

func (m resampleModel) Infer(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	return imaging.Resize(img, b.Dx()*m.scale, b.Dy()*m.scale, m.filter), nil
}

func (resampleModel) Close() error { return nil }

type unsharpModel struct {
	radius int
	amount float64
}

func (m unsharpModel) Infer(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return imaging.Unsharp(img, m.radius, m.amount), nil
}

func (unsharpModel) Close() error { return nil }

type boxModel struct{ radius int }

func (m boxModel) Infer(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return imaging.BoxBlur(img, m.radius), nil
}

func (boxModel) Close() error { return nil }
