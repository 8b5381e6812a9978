package device

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// minFreeMB is the smallest free device memory accepted as a usable GPU.
const minFreeMB = 64

type cudaProber struct{ run CommandRunner }

func (*cudaProber) Backend() Backend { return CUDA }

func (p *cudaProber) Probe(ctx context.Context) (Context, error) {
	out, err := p.run.Run(ctx, "nvidia-smi", "--query-gpu=name,memory.total,memory.free", "--format=csv,noheader,nounits")
	if err != nil {
		return Context{}, fmt.Errorf("nvidia-smi: %w", err)
	}
	name, total, free, err := parseNvidiaSMI(out)
	if err != nil {
		return Context{}, err
	}
	if free < minFreeMB {
		return Context{}, fmt.Errorf("only %d MB free on %s", free, name)
	}
	c := Context{Name: name, MemoryMB: total}
	if banner, err := p.run.Run(ctx, "nvidia-smi"); err == nil {
		c.Version = parseCUDAVersion(banner)
	}
	return c, nil
}

// parseNvidiaSMI reads the first GPU row of a csv,noheader,nounits query.
func parseNvidiaSMI(out []byte) (name string, totalMB, freeMB int, err error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	rec, err := r.Read()
	if err != nil {
		return "", 0, 0, fmt.Errorf("parse nvidia-smi output: %w", err)
	}
	if len(rec) < 3 {
		return "", 0, 0, fmt.Errorf("parse nvidia-smi output: want 3 fields, got %d", len(rec))
	}
	if totalMB, err = strconv.Atoi(strings.TrimSpace(rec[1])); err != nil {
		return "", 0, 0, fmt.Errorf("parse memory.total: %w", err)
	}
	if freeMB, err = strconv.Atoi(strings.TrimSpace(rec[2])); err != nil {
		return "", 0, 0, fmt.Errorf("parse memory.free: %w", err)
	}
	return strings.TrimSpace(rec[0]), totalMB, freeMB, nil
}

var cudaVersionRe = regexp.MustCompile(`CUDA Version:\s*([0-9.]+)`)

func parseCUDAVersion(banner []byte) string {
	if m := cudaVersionRe.FindSubmatch(banner); m != nil {
		return string(m[1])
	}
	return ""
}

type rocmProber struct{ run CommandRunner }

func (*rocmProber) Backend() Backend { return ROCm }

func (p *rocmProber) Probe(ctx context.Context) (Context, error) {
	out, err := p.run.Run(ctx, "rocm-smi", "--showproductname", "--showmeminfo", "vram", "--csv")
	if err != nil {
		return Context{}, fmt.Errorf("rocm-smi: %w", err)
	}
	name, total, used, err := parseROCmSMI(out)
	if err != nil {
		return Context{}, err
	}
	if total-used < minFreeMB {
		return Context{}, fmt.Errorf("only %d MB free on %s", total-used, name)
	}
	return Context{Name: name, MemoryMB: total}, nil
}

// parseROCmSMI reads the first card row of rocm-smi's csv output, locating
// columns by header name since their order varies between releases.
func parseROCmSMI(out []byte) (name string, totalMB, usedMB int, err error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return "", 0, 0, fmt.Errorf("parse rocm-smi output: %w", err)
	}
	if len(rows) < 2 {
		return "", 0, 0, fmt.Errorf("parse rocm-smi output: no devices")
	}
	nameCol, totalCol, usedCol := -1, -1, -1
	for i, h := range rows[0] {
		switch h = strings.TrimSpace(h); {
		case h == "Card series" || (h == "Card model" && nameCol < 0):
			nameCol = i
		case strings.HasPrefix(h, "VRAM Total Memory"):
			totalCol = i
		case strings.HasPrefix(h, "VRAM Total Used Memory"):
			usedCol = i
		}
	}
	if totalCol < 0 {
		return "", 0, 0, fmt.Errorf("parse rocm-smi output: no VRAM column")
	}
	row := rows[1]
	field := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	totalB, err := strconv.ParseInt(field(totalCol), 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("parse VRAM total: %w", err)
	}
	var usedB int64
	if v := field(usedCol); v != "" {
		if usedB, err = strconv.ParseInt(v, 10, 64); err != nil {
			return "", 0, 0, fmt.Errorf("parse VRAM used: %w", err)
		}
	}
	name = field(nameCol)
	if name == "" {
		name = field(0)
	}
	return name, int(totalB >> 20), int(usedB >> 20), nil
}

type mpsProber struct {
	run          CommandRunner
	goos, goarch string
}

func (*mpsProber) Backend() Backend { return MPS }

func (p *mpsProber) Probe(ctx context.Context) (Context, error) {
	goos, goarch := p.goos, p.goarch
	if goos == "" {
		goos = runtime.GOOS
	}
	if goarch == "" {
		goarch = runtime.GOARCH
	}
	if goos != "darwin" || goarch != "arm64" {
		return Context{}, fmt.Errorf("requires darwin/arm64, running %s/%s", goos, goarch)
	}
	out, err := p.run.Run(ctx, "sysctl", "-n", "hw.memsize")
	if err != nil {
		return Context{}, fmt.Errorf("sysctl: %w", err)
	}
	b, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return Context{}, fmt.Errorf("parse hw.memsize: %w", err)
	}
	return Context{Name: "Apple Silicon", MemoryMB: int(b >> 20)}, nil
}

type cpuProber struct{ memoryMB int }

func (*cpuProber) Backend() Backend { return CPU }

// Probe allocates a small buffer and sums it, which is all the CPU path needs.
func (p *cpuProber) Probe(ctx context.Context) (Context, error) {
	if err := ctx.Err(); err != nil {
		return Context{}, err
	}
	buf := make([]float32, 1<<16)
	for i := range buf {
		buf[i] = 1
	}
	var sum float32
	for _, v := range buf {
		sum += v
	}
	if int(sum) != len(buf) {
		return Context{}, fmt.Errorf("cpu self-test failed: sum=%v", sum)
	}
	return Context{
		Name:     fmt.Sprintf("%s/%s (%d cores)", runtime.GOOS, runtime.GOARCH, runtime.NumCPU()),
		MemoryMB: p.memoryMB,
		MaxBatch: 1,
	}, nil
}
