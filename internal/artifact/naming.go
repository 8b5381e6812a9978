package artifact

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"enhanced/internal/imaging"
)

// FileName builds the stable cache/export name of an artifact:
//
//	<base>_<job8>_original<ext>
//	<base>_<job8>_<stage>_<kind>_<model>[_sNN][_dNX][_m][_rN]<ext>
func FileName(base string, m Meta, f imaging.Format) string {
	job := m.JobID
	if len(job) > 8 {
		job = job[:8]
	}
	var b strings.Builder
	b.WriteString(sanitize(base))
	b.WriteByte('_')
	b.WriteString(sanitize(job))
	if m.Stage == OriginalStage {
		b.WriteString("_original")
		b.WriteString(f.Ext())
		return b.String()
	}
	fmt.Fprintf(&b, "_%d_%s_%s", m.Stage, m.Kind, sanitize(m.ModelID))
	if m.Strength > 0 && m.Strength < 1 {
		fmt.Fprintf(&b, "_s%02d", int(math.Round(m.Strength*100)))
	}
	if m.Downscaled > 1 {
		fmt.Fprintf(&b, "_d%dx", m.Downscaled)
	}
	if m.Masked {
		b.WriteString("_m")
	}
	if m.From != nil {
		fmt.Fprintf(&b, "_r%d", *m.From)
	}
	b.WriteString(f.Ext())
	return b.String()
}

// RawName is the file name of the unblended output kept beside name.
func RawName(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "_raw" + ext
}

func baseName(p string) string {
	b := filepath.Base(p)
	b = strings.TrimSuffix(b, filepath.Ext(b))
	if b == "" || b == "." || b == string(filepath.Separator) {
		return "image"
	}
	return b
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, s)
}
