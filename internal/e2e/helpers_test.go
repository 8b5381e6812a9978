package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"enhanced/internal/config"
	"enhanced/internal/httpapi"
	"enhanced/internal/imaging"
	"enhanced/internal/service"
)

const manifest = `[
  {"id": "up2x", "name": "Resample x2", "kind": "upscale", "scale": 2, "arch": "builtin.resample", "file": "up2x.json", "size_mb": 8},
  {"id": "soften", "name": "Box blur", "kind": "denoise", "arch": "builtin.box", "file": "box.json", "size_mb": 4}
]`

type env struct {
	srv *httptest.Server
	svc *service.Service
	dir string
}

// newEnv starts the real service behind an httptest server. Models come
// from a local manifest of builtin runtimes, so no network is involved.
func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo")
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"models.json": manifest,
		"up2x.json":   `{"filter":"nearest"}`,
		"box.json":    `{"radius":1}`,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(repo, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	cfg := config.Config{
		ModelsDir:      filepath.Join(dir, "models"),
		Manifest:       filepath.Join(repo, "models.json"),
		CacheDir:       filepath.Join(dir, "cache"),
		StateDir:       filepath.Join(dir, "state"),
		Device:         "cpu",
		MemoryBudgetMB: 256,
		TileSize:       -1,
	}
	svc, err := service.New(context.Background(), cfg, service.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	srv := httptest.NewServer(httpapi.NewMux(svc))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		if err := svc.Close(); err != nil {
			t.Errorf("close service: %v", err)
		}
	})
	return &env{srv: srv, svc: svc, dir: dir}
}

// writeImage saves a w x h PNG with a gradient and returns its path.
func (e *env) writeImage(t *testing.T, name string, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = uint8(x*20), uint8(y*20), 128, 255
		}
	}
	p := filepath.Join(e.dir, name)
	if err := imaging.Save(p, img, imaging.PNG); err != nil {
		t.Fatalf("save image: %v", err)
	}
	return p
}

func httpDo(t *testing.T, method, url, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	return httpDo(t, http.MethodGet, url, "", nil)
}

func httpPostJSON(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return httpDo(t, http.MethodPost, url, "application/json", bytes.NewReader(b))
}

func decode(t *testing.T, b []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("json: %v body=%s", err, string(b))
	}
}

// sseEvent is one frame of a job event stream.
type sseEvent struct {
	Name string
	Data string
}

// readEvents consumes a job's event stream until the server closes it.
func readEvents(t *testing.T, url string) []sseEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status=%d", resp.StatusCode)
	}
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.Name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	return out
}
