package runtime

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"enhanced/internal/apperr"
	"enhanced/internal/device"
	"enhanced/internal/imaging"
	"enhanced/pkg/types"
)

var cpu = device.Context{Backend: device.CPU}

func writeWeights(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "w.json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBuiltinResample(t *testing.T) {
	d := types.ModelDescriptor{ID: "up4x", Kind: types.KindUpscale, Scale: 4, Arch: ArchResample, Path: writeWeights(t, `{"filter":"catmullrom"}`)}
	m, err := Set{Builtin{}}.Load(context.Background(), d, cpu)
	if err != nil {
		t.Fatal(err)
	}
	out, err := m.Infer(context.Background(), image.NewNRGBA(image.Rect(0, 0, 5, 3)))
	if err != nil {
		t.Fatal(err)
	}
	if out.Bounds().Size() != image.Pt(20, 12) {
		t.Fatalf("size = %v", out.Bounds())
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBuiltinFiltersKeepSize(t *testing.T) {
	for _, arch := range []string{ArchUnsharp, ArchBox} {
		d := types.ModelDescriptor{ID: arch, Kind: types.KindSharpen, Scale: 1, Arch: arch, Path: writeWeights(t, `{"radius":2}`)}
		m, err := Builtin{}.Load(context.Background(), d, cpu)
		if err != nil {
			t.Fatalf("%s: %v", arch, err)
		}
		out, err := m.Infer(context.Background(), image.NewNRGBA(image.Rect(0, 0, 6, 6)))
		if err != nil {
			t.Fatalf("%s: %v", arch, err)
		}
		if out.Bounds().Size() != image.Pt(6, 6) {
			t.Errorf("%s size = %v", arch, out.Bounds())
		}
	}
}

func TestBuiltinLoadErrors(t *testing.T) {
	d := types.ModelDescriptor{ID: "x", Kind: types.KindDenoise, Scale: 1, Arch: ArchBox, Path: filepath.Join(t.TempDir(), "missing.json")}
	if _, err := (Builtin{}).Load(context.Background(), d, cpu); !apperr.IsLoad(err) {
		t.Errorf("missing weights: %v", err)
	}

	d.Path = writeWeights(t, "{not json")
	if _, err := (Builtin{}).Load(context.Background(), d, cpu); !apperr.IsLoad(err) {
		t.Errorf("corrupt weights: %v", err)
	}
}

func TestSetIncompatibleDevice(t *testing.T) {
	d := types.ModelDescriptor{ID: "x", Kind: types.KindDenoise, Scale: 1, Arch: "esrgan"}
	if _, err := (Set{Builtin{}}).Load(context.Background(), d, cpu); !apperr.IsIncompatibleDevice(err) {
		t.Errorf("unknown arch: %v", err)
	}

	d.Arch = ArchBox
	d.Backends = []string{"cuda"}
	if _, err := (Set{Builtin{}}).Load(context.Background(), d, cpu); !apperr.IsIncompatibleDevice(err) {
		t.Errorf("pinned backend: %v", err)
	}
}

// TestHelperProcess acts as an external runtime command when re-executed
// by the subprocess tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("ENHANCED_HELPER_PROCESS") != "1" {
		t.Skip("helper process")
	}
	if os.Getenv("ENHANCED_HELPER_FAIL") == "1" {
		fmt.Fprintln(os.Stderr, "model exploded")
		os.Exit(3)
	}
	var in, out string
	scale := 1
	args := os.Args
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "--input":
			in = args[i+1]
		case "--output":
			out = args[i+1]
		case "--scale":
			scale, _ = strconv.Atoi(args[i+1])
		}
	}
	img, _, err := imaging.Load(in)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := imaging.Save(out, imaging.ScaleBy(img, float64(scale), imaging.Nearest), imaging.PNG); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(0)
}

func helperRuntime(t *testing.T) (*Subprocess, types.ModelDescriptor) {
	t.Helper()
	t.Setenv("ENHANCED_HELPER_PROCESS", "1")
	rt := NewSubprocess(SubprocessConfig{
		Command:  os.Args[0],
		Args:     []string{"-test.run=TestHelperProcess", "--"},
		Backends: []string{"cpu"},
		TempDir:  t.TempDir(),
	})
	d := types.ModelDescriptor{ID: "ext2x", Kind: types.KindUpscale, Scale: 2, Arch: "esrgan", Path: writeWeights(t, "bin")}
	return rt, d
}

func TestSubprocessInfer(t *testing.T) {
	rt, d := helperRuntime(t)
	if !rt.Supports("esrgan") || rt.Supports(ArchBox) {
		t.Fatal("unexpected Supports result")
	}
	m, err := Set{Builtin{}, rt}.Load(context.Background(), d, cpu)
	if err != nil {
		t.Fatal(err)
	}
	out, err := m.Infer(context.Background(), image.NewNRGBA(image.Rect(0, 0, 3, 2)))
	if err != nil {
		t.Fatal(err)
	}
	if out.Bounds().Size() != image.Pt(6, 4) {
		t.Fatalf("size = %v", out.Bounds())
	}
}

func TestSubprocessFailureIncludesStderr(t *testing.T) {
	rt, d := helperRuntime(t)
	t.Setenv("ENHANCED_HELPER_FAIL", "1")
	m, err := rt.Load(context.Background(), d, cpu)
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Infer(context.Background(), image.NewNRGBA(image.Rect(0, 0, 2, 2)))
	if err == nil || !strings.Contains(err.Error(), "model exploded") {
		t.Fatalf("err = %v", err)
	}
}

func TestSubprocessBackendMismatch(t *testing.T) {
	rt, d := helperRuntime(t)
	if _, err := rt.Load(context.Background(), d, device.Context{Backend: device.CUDA}); !apperr.IsIncompatibleDevice(err) {
		t.Fatalf("err = %v", err)
	}
}
