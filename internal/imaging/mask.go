package imaging

import (
	"image"
	"image/color"
)

// Mask limits where a model applies. Bright pixels are inside; an inverted
// mask excludes its bright pixels instead.
type Mask struct {
	Image    image.Image
	Inverted bool
}

// CombineMasks merges masks into one coverage map of w x h: the union of the
// plain masks, minus every inverted mask. With only inverted masks the union
// starts from full coverage. Each mask is stretched to w x h and normalized
// by its brightest pixel. It returns nil when masks is empty.
func CombineMasks(masks []Mask, w, h int) *image.Gray {
	if len(masks) == 0 {
		return nil
	}
	out := image.NewGray(image.Rect(0, 0, w, h))
	inside := false
	for _, m := range masks {
		if !m.Inverted {
			inside = true
			break
		}
	}
	if !inside {
		for i := range out.Pix {
			out.Pix[i] = 0xff
		}
	}
	for _, m := range masks {
		if m.Inverted {
			continue
		}
		for i, v := range normalized(m.Image, w, h).Pix {
			out.Pix[i] = max(out.Pix[i], v)
		}
	}
	for _, m := range masks {
		if !m.Inverted {
			continue
		}
		for i, v := range normalized(m.Image, w, h).Pix {
			out.Pix[i] = min(out.Pix[i], 0xff-v)
		}
	}
	return out
}

// ResizeMask stretches m to w x h with nearest-neighbour sampling.
func ResizeMask(m *image.Gray, w, h int) *image.Gray {
	if m == nil {
		return nil
	}
	if m.Rect.Dx() == w && m.Rect.Dy() == h {
		return m
	}
	return toGray(Resize(m, w, h, Nearest))
}

// Empty reports whether no pixel of m inside r is covered.
func Empty(m *image.Gray, r image.Rectangle) bool {
	r = r.Intersect(m.Rect)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := m.Pix[m.PixOffset(r.Min.X, y):m.PixOffset(r.Max.X, y)]
		for _, v := range row {
			if v != 0 {
				return false
			}
		}
	}
	return true
}

// MaskBlend returns m*model + (1-m)*base per pixel; model and base share
// bounds and the mask is sampled at 1/scale of their resolution.
func MaskBlend(model, base *image.NRGBA, m *image.Gray, scale int) *image.NRGBA {
	if scale < 1 {
		scale = 1
	}
	out := image.NewNRGBA(model.Rect)
	w, h := model.Rect.Dx(), model.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := float64(m.GrayAt(m.Rect.Min.X+x/scale, m.Rect.Min.Y+y/scale).Y) / 0xff
			i := y*model.Stride + x*4
			j := y*base.Stride + x*4
			o := y*out.Stride + x*4
			for c := 0; c < 4; c++ {
				out.Pix[o+c] = clamp8(a*float64(model.Pix[i+c]) + (1-a)*float64(base.Pix[j+c]))
			}
		}
	}
	return out
}

func normalized(img image.Image, w, h int) *image.Gray {
	g := toGray(Resize(img, w, h, Nearest))
	var peak uint8
	for _, v := range g.Pix {
		peak = max(peak, v)
	}
	if peak == 0 || peak == 0xff {
		return g
	}
	for i, v := range g.Pix {
		g.Pix[i] = uint8(uint32(v) * 0xff / uint32(peak))
	}
	return g
}

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g.SetGray(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray))
		}
	}
	return g
}
