package imaging

import (
	"fmt"
	"image"
	"image/draw"
	"math"
	"strings"

	xdraw "golang.org/x/image/draw"
)

// Filter selects a resampling kernel.
type Filter string

const (
	Nearest    Filter = "nearest"
	Bilinear   Filter = "bilinear"
	Approx     Filter = "approx"
	CatmullRom Filter = "catmullrom"
)

// ParseFilter accepts a filter name; empty means CatmullRom.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return CatmullRom, nil
	case Nearest, Bilinear, Approx, CatmullRom:
		return f, nil
	case "lanczos", "bicubic":
		return CatmullRom, nil
	}
	return "", fmt.Errorf("unknown filter %q", s)
}

func (f Filter) scaler() xdraw.Scaler {
	switch f {
	case Nearest:
		return xdraw.NearestNeighbor
	case Bilinear:
		return xdraw.BiLinear
	case Approx:
		return xdraw.ApproxBiLinear
	}
	return xdraw.CatmullRom
}

// ToNRGBA returns img as an *image.NRGBA with bounds at the origin,
// copying only when needed.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	return out
}

// Resize scales img to w x h.
func Resize(img image.Image, w, h int, f Filter) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	f.scaler().Scale(out, out.Rect, img, img.Bounds(), xdraw.Src, nil)
	return out
}

// ScaleBy resizes img by a linear factor, rounding dimensions.
func ScaleBy(img image.Image, factor float64, f Filter) *image.NRGBA {
	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * factor))
	h := int(math.Round(float64(b.Dy()) * factor))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return Resize(img, w, h, f)
}

// Crop copies the rectangle r (in img's coordinate space) to a new image.
func Crop(img image.Image, r image.Rectangle) *image.NRGBA {
	r = r.Intersect(img.Bounds())
	out := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Rect, img, r.Min, draw.Src)
	return out
}
