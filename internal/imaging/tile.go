package imaging

import (
	"context"
	"fmt"
	"image"
	"image/draw"
)

// InferFunc runs a model over one image.
type InferFunc func(ctx context.Context, img image.Image) (image.Image, error)

// TileOptions controls tiled execution.
type TileOptions struct {
	// Size of a tile edge in input pixels; 0 runs the whole image at once.
	Size int
	// Pad is the context margin added around each tile and cropped afterwards.
	Pad int
	// Scale is the integer factor between model output and input.
	Scale int
	// Progress is called after each tile with the completed and total counts.
	Progress func(done, total int)
	// Mask, when set, limits the model to covered pixels. Tiles with no
	// coverage are not run and the rest of the image keeps the input,
	// resampled to the output size.
	Mask *image.Gray
}

// Tiles returns the unpadded tile rectangles covering bounds, row-major.
func Tiles(bounds image.Rectangle, size int) []image.Rectangle {
	if size <= 0 || (bounds.Dx() <= size && bounds.Dy() <= size) {
		return []image.Rectangle{bounds}
	}
	var out []image.Rectangle
	for y := bounds.Min.Y; y < bounds.Max.Y; y += size {
		for x := bounds.Min.X; x < bounds.Max.X; x += size {
			out = append(out, image.Rect(x, y, x+size, y+size).Intersect(bounds))
		}
	}
	return out
}

// RunTiled runs fn over padded tiles of img and stitches the cropped outputs.
// Every tile output must be exactly Scale times its padded input.
func RunTiled(ctx context.Context, img image.Image, opts TileOptions, fn InferFunc) (*image.NRGBA, error) {
	src := ToNRGBA(img)
	scale := opts.Scale
	if scale < 1 {
		scale = 1
	}
	bounds := src.Rect
	tiles := Tiles(bounds, opts.Size)
	total := len(tiles)
	progress := func(done int) {
		if opts.Progress != nil {
			opts.Progress(done, total)
		}
	}

	var mask *image.Gray
	var base *image.NRGBA
	if opts.Mask != nil {
		mask = ResizeMask(opts.Mask, bounds.Dx(), bounds.Dy())
		if scale == 1 {
			base = &image.NRGBA{Pix: append([]uint8(nil), src.Pix...), Stride: src.Stride, Rect: src.Rect}
		} else {
			base = Resize(src, bounds.Dx()*scale, bounds.Dy()*scale, CatmullRom)
		}
		if Empty(mask, mask.Rect) {
			progress(total)
			return base, nil
		}
	}

	if total == 1 {
		out, err := fn(ctx, src)
		if err != nil {
			return nil, err
		}
		if err := checkSize(out, bounds.Size(), scale); err != nil {
			return nil, err
		}
		progress(1)
		if mask != nil {
			return MaskBlend(ToNRGBA(out), base, mask, scale), nil
		}
		return ToNRGBA(out), nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx()*scale, bounds.Dy()*scale))
	pad := opts.Pad
	if pad < 0 {
		pad = 0
	}
	for i, t := range tiles {
		to := image.Rect(t.Min.X*scale, t.Min.Y*scale, t.Max.X*scale, t.Max.Y*scale)
		if mask != nil && Empty(mask, t) {
			draw.Draw(dst, to, base, to.Min, draw.Src)
			progress(i + 1)
			continue
		}
		padded := image.Rect(t.Min.X-pad, t.Min.Y-pad, t.Max.X+pad, t.Max.Y+pad).Intersect(bounds)
		out, err := fn(ctx, Crop(src, padded))
		if err != nil {
			return nil, fmt.Errorf("tile %d/%d: %w", i+1, total, err)
		}
		if err := checkSize(out, padded.Size(), scale); err != nil {
			return nil, fmt.Errorf("tile %d/%d: %w", i+1, total, err)
		}
		ob := out.Bounds()
		from := image.Pt(ob.Min.X+(t.Min.X-padded.Min.X)*scale, ob.Min.Y+(t.Min.Y-padded.Min.Y)*scale)
		draw.Draw(dst, to, out, from, draw.Src)
		progress(i + 1)
	}
	if mask != nil {
		return MaskBlend(dst, base, mask, scale), nil
	}
	return dst, nil
}

func checkSize(out image.Image, in image.Point, scale int) error {
	want := in.Mul(scale)
	if got := out.Bounds().Size(); got != want {
		return fmt.Errorf("model output %v, want %v", got, want)
	}
	return nil
}
