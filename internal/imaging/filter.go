package imaging

import (
	"image"
)

// Blend mixes model output with the stage input:
// out = strength*model + (1-strength)*input. The input is resampled to the
// model output size when they differ. strength >= 1 returns model unchanged.
func Blend(model, input image.Image, strength float64) *image.NRGBA {
	m := ToNRGBA(model)
	if strength >= 1 {
		return m
	}
	if strength < 0 {
		strength = 0
	}
	in := ToNRGBA(input)
	if in.Rect.Size() != m.Rect.Size() {
		in = Resize(in, m.Rect.Dx(), m.Rect.Dy(), CatmullRom)
	}
	out := image.NewNRGBA(m.Rect)
	for i := range m.Pix {
		v := strength*float64(m.Pix[i]) + (1-strength)*float64(in.Pix[i])
		out.Pix[i] = clamp8(v)
	}
	return out
}

// BoxBlur applies a separable box blur of the given radius.
func BoxBlur(img image.Image, radius int) *image.NRGBA {
	src := ToNRGBA(img)
	if radius <= 0 {
		return src
	}
	tmp := blurPass(src, radius, true)
	return blurPass(tmp, radius, false)
}

func blurPass(src *image.NRGBA, radius int, horizontal bool) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	out := image.NewNRGBA(src.Rect)
	outer, inner := h, w
	if !horizontal {
		outer, inner = w, h
	}
	idx := func(o, i int) int {
		if horizontal {
			return o*src.Stride + i*4
		}
		return i*src.Stride + o*4
	}
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			var sum [4]int
			n := 0
			for k := i - radius; k <= i+radius; k++ {
				if k < 0 || k >= inner {
					continue
				}
				p := idx(o, k)
				sum[0] += int(src.Pix[p])
				sum[1] += int(src.Pix[p+1])
				sum[2] += int(src.Pix[p+2])
				sum[3] += int(src.Pix[p+3])
				n++
			}
			q := idx(o, i)
			for c := 0; c < 4; c++ {
				out.Pix[q+c] = uint8((sum[c] + n/2) / n)
			}
		}
	}
	return out
}

// Unsharp sharpens img by adding amount times the difference from its blur.
// Alpha is left untouched.
func Unsharp(img image.Image, radius int, amount float64) *image.NRGBA {
	src := ToNRGBA(img)
	blur := BoxBlur(src, radius)
	out := image.NewNRGBA(src.Rect)
	for i := 0; i < len(src.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := float64(src.Pix[i+c]) + amount*(float64(src.Pix[i+c])-float64(blur.Pix[i+c]))
			out.Pix[i+c] = clamp8(v)
		}
		out.Pix[i+3] = src.Pix[i+3]
	}
	return out
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}
