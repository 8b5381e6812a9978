// Package device selects the compute backend used for model execution.
package device

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"enhanced/pkg/types"
)

// Backend names a compute backend.
type Backend string

const (
	CPU  Backend = "cpu"
	CUDA Backend = "cuda"
	ROCm Backend = "rocm"
	MPS  Backend = "mps"
)

// ParseBackend accepts the config spelling of a backend. Empty means auto.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "", CPU, CUDA, ROCm, MPS:
		return b, nil
	}
	return "", fmt.Errorf("unknown backend %q", s)
}

// Context is the selected device. It is a value and never mutated once
// produced; a re-probe yields a new Context.
type Context struct {
	Backend  Backend
	Name     string
	MemoryMB int
	MaxBatch int
	Version  string
	ProbedAt time.Time
}

// Info converts the context to its wire form.
func (c Context) Info() types.DeviceInfo {
	return types.DeviceInfo{
		Backend:  string(c.Backend),
		Name:     c.Name,
		MemoryMB: c.MemoryMB,
		MaxBatch: c.MaxBatch,
		Version:  c.Version,
		ProbedAt: c.ProbedAt,
	}
}

// ErrNoDevice is returned when no backend, not even CPU, passes its check.
var ErrNoDevice = errors.New("no usable compute device")

// CommandRunner runs an external probe binary and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Prober checks one backend.
type Prober interface {
	Backend() Backend
	Probe(ctx context.Context) (Context, error)
}

// Options configures a Selector.
type Options struct {
	// Force restricts selection to one backend. Empty probes all in priority order.
	Force Backend
	// Timeout bounds each individual probe.
	Timeout time.Duration
	// CPUMemoryMB is reported as the CPU memory budget.
	CPUMemoryMB int
	Runner      CommandRunner
	// GOOS/GOARCH override runtime values for the MPS probe.
	GOOS, GOARCH string
	// Probers replaces the default cuda > rocm > mps > cpu chain.
	Probers []Prober
	Logger  zerolog.Logger
}

// Selector picks the device once and keeps it until an explicit Reprobe.
// The chain runs outside mu, so readers see the previous device meanwhile;
// concurrent Reprobe calls share one pass over it.
type Selector struct {
	mu      sync.RWMutex
	cur     *Context
	passes  singleflight.Group
	probers []Prober
	force   Backend
	timeout time.Duration
	log     zerolog.Logger
}

// NewSelector builds a Selector with the default probe chain.
func NewSelector(opts Options) *Selector {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	probers := opts.Probers
	if len(probers) == 0 {
		probers = DefaultProbers(opts)
	}
	return &Selector{probers: probers, force: opts.Force, timeout: opts.Timeout, log: opts.Logger}
}

// DefaultProbers returns the probe chain in priority order.
func DefaultProbers(opts Options) []Prober {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	return []Prober{
		&cudaProber{run: opts.Runner},
		&rocmProber{run: opts.Runner},
		&mpsProber{run: opts.Runner, goos: opts.GOOS, goarch: opts.GOARCH},
		&cpuProber{memoryMB: opts.CPUMemoryMB},
	}
}

// Select returns the current device, probing on first use.
func (s *Selector) Select(ctx context.Context) (Context, error) {
	s.mu.RLock()
	if s.cur != nil {
		c := *s.cur
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()
	return s.Reprobe(ctx)
}

// Current returns the selected device without probing.
func (s *Selector) Current() (Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return Context{}, false
	}
	return *s.cur, true
}

// Reprobe runs the probe chain again and replaces the current device.
// Jobs that already captured a Context keep it.
func (s *Selector) Reprobe(ctx context.Context) (Context, error) {
	v, err, _ := s.passes.Do("select", func() (any, error) {
		c, err := s.walk(ctx)
		if err != nil {
			return Context{}, err
		}
		s.mu.Lock()
		s.cur = &c
		s.mu.Unlock()
		s.log.Info().Str("backend", string(c.Backend)).Str("name", c.Name).Int("memory_mb", c.MemoryMB).Int("max_batch", c.MaxBatch).Msg("device selected")
		return c, nil
	})
	if err != nil {
		return Context{}, err
	}
	return v.(Context), nil
}

// walk tries the chain in order and returns the first backend that passes.
func (s *Selector) walk(ctx context.Context) (Context, error) {
	var errs []error
	for _, p := range s.probers {
		if s.force != "" && p.Backend() != s.force {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		c, err := p.Probe(pctx)
		cancel()
		if err != nil {
			s.log.Debug().Str("backend", string(p.Backend())).Err(err).Msg("probe failed")
			errs = append(errs, fmt.Errorf("%s: %w", p.Backend(), err))
			continue
		}
		c.Backend = p.Backend()
		if c.MaxBatch < 1 {
			c.MaxBatch = maxBatchFor(c.MemoryMB)
		}
		if c.ProbedAt.IsZero() {
			c.ProbedAt = time.Now()
		}
		return c, nil
	}
	if len(errs) == 0 {
		return Context{}, fmt.Errorf("%w: backend %q not available", ErrNoDevice, s.force)
	}
	return Context{}, fmt.Errorf("%w: %w", ErrNoDevice, errors.Join(errs...))
}

// maxBatchFor allows one image per 2 GiB of device memory.
func maxBatchFor(memMB int) int {
	if n := memMB / 2048; n > 1 {
		return n
	}
	return 1
}
