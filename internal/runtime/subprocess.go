package runtime

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"enhanced/internal/apperr"
	"enhanced/internal/device"
	"enhanced/internal/imaging"
	"enhanced/pkg/types"
)

// SubprocessConfig configures the external-command runtime.
type SubprocessConfig struct {
	// Command is the executable invoked once per inference.
	Command string
	// Args precede the generated flags.
	Args []string
	// Arches limits the architectures handled; empty means any non-builtin arch.
	Arches []string
	// Backends the command can run on; empty means any.
	Backends []string
	// Timeout bounds a single inference; 0 means none.
	Timeout time.Duration
	TempDir string
	Logger  zerolog.Logger
}

// Subprocess runs a model by invoking an external command with
//
//	<args> --model PATH --arch ARCH --scale N --backend B --input IN.png --output OUT.png
//
// and reading OUT.png back. The command must write an image exactly scale
// times the input size.
type Subprocess struct {
	cfg SubprocessConfig
}

func NewSubprocess(cfg SubprocessConfig) *Subprocess { return &Subprocess{cfg: cfg} }

func (s *Subprocess) Name() string { return "subprocess" }

func (s *Subprocess) Supports(arch string) bool {
	if s.cfg.Command == "" {
		return false
	}
	if len(s.cfg.Arches) == 0 {
		return !strings.HasPrefix(arch, "builtin.")
	}
	for _, a := range s.cfg.Arches {
		if a == arch {
			return true
		}
	}
	return false
}

func (s *Subprocess) Load(_ context.Context, d types.ModelDescriptor, dev device.Context) (Model, error) {
	const op = "runtime.subprocess.load"
	if len(s.cfg.Backends) > 0 && !contains(s.cfg.Backends, string(dev.Backend)) {
		return nil, apperr.New(apperr.KindIncompatibleDevice, op, d.ID, "runtime supports %v, device is %s", s.cfg.Backends, dev.Backend)
	}
	if _, err := exec.LookPath(s.cfg.Command); err != nil {
		return nil, apperr.Wrap(apperr.KindLoad, op, d.ID, err)
	}
	if _, err := os.Stat(d.Path); err != nil {
		return nil, apperr.Wrap(apperr.KindLoad, op, d.ID, err)
	}
	return &subprocessModel{cfg: s.cfg, desc: d, backend: string(dev.Backend)}, nil
}

type subprocessModel struct {
	cfg     SubprocessConfig
	desc    types.ModelDescriptor
	backend string
}

func (m *subprocessModel) Infer(ctx context.Context, img image.Image) (image.Image, error) {
	dir, err := os.MkdirTemp(m.cfg.TempDir, "enhanced-infer-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	in := filepath.Join(dir, "in.png")
	out := filepath.Join(dir, "out.png")
	if err := imaging.Save(in, img, imaging.PNG); err != nil {
		return nil, err
	}
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}
	args := append(append([]string(nil), m.cfg.Args...),
		"--model", m.desc.Path,
		"--arch", m.desc.Arch,
		"--scale", strconv.Itoa(m.desc.Scale),
		"--backend", m.backend,
		"--input", in,
		"--output", out,
	)
	cmd := exec.CommandContext(ctx, m.cfg.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	start := time.Now()
	if err := cmd.Run(); err != nil {
		tail := stderr.String()
		if len(tail) > 4096 {
			tail = tail[len(tail)-4096:]
		}
		m.cfg.Logger.Debug().Str("model", m.desc.ID).Err(err).Msg("runtime command failed")
		return nil, fmt.Errorf("%s: %w; stderr tail: %s", filepath.Base(m.cfg.Command), err, strings.TrimSpace(tail))
	}
	m.cfg.Logger.Debug().Str("model", m.desc.ID).Int64("dur_ms", time.Since(start).Milliseconds()).Msg("runtime command done")
	res, _, err := imaging.Load(out)
	if err != nil {
		return nil, fmt.Errorf("read runtime output: %w", err)
	}
	return res, nil
}

func (m *subprocessModel) Close() error { return nil }

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
