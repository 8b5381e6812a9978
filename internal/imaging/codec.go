// Package imaging holds the pixel plumbing around model inference: codecs,
// resampling, strength blending and tiled execution.
package imaging

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"enhanced/internal/common/fsutil"
)

// Format names an encoding.
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	TIFF Format = "tiff"
	BMP  Format = "bmp"
	WEBP Format = "webp"
)

// Ext returns the file extension for the format, including the dot.
func (f Format) Ext() string {
	switch f {
	case JPEG:
		return ".jpg"
	case TIFF:
		return ".tif"
	case BMP:
		return ".bmp"
	case WEBP:
		return ".webp"
	}
	return ".png"
}

// OutputFormat is the format derived artifacts are written in: TIFF sources
// stay TIFF, everything else becomes lossless PNG.
func OutputFormat(src Format) Format {
	if src == TIFF {
		return TIFF
	}
	return PNG
}

// FormatFromPath guesses a format from a file extension.
func FormatFromPath(p string) (Format, error) {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".png":
		return PNG, nil
	case ".jpg", ".jpeg":
		return JPEG, nil
	case ".tif", ".tiff":
		return TIFF, nil
	case ".bmp":
		return BMP, nil
	case ".webp":
		return WEBP, nil
	}
	return "", fmt.Errorf("unsupported image extension %q", filepath.Ext(p))
}

// Decode reads any registered format.
func Decode(r io.Reader) (image.Image, Format, error) {
	img, name, err := image.Decode(bufio.NewReader(r))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, Format(name), nil
}

// Load decodes the image at path.
func Load(path string) (image.Image, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	return Decode(f)
}

// Encode writes img in the given format. WEBP has no encoder and falls back to PNG.
func Encode(w io.Writer, img image.Image, f Format) error {
	switch f {
	case JPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
	case TIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case BMP:
		return bmp.Encode(w, img)
	default:
		return png.Encode(w, img)
	}
}

// Save encodes img to path atomically.
func Save(path string, img image.Image, f Format) error {
	var buf bytes.Buffer
	if err := Encode(&buf, img, f); err != nil {
		return fmt.Errorf("encode %s: %w", f, err)
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}
