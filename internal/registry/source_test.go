package registry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"enhanced/pkg/types"
)

func TestParseManifestShapes(t *testing.T) {
	cases := map[string]string{
		"list":    `[{"id":"up4x","kind":"upscale","scale":4},{"id":"dn","kind":"denoise"}]`,
		"wrapped": `{"models":[{"id":"up4x","kind":"upscale","scale":4},{"id":"dn","kind":"denoise"}]}`,
		"map":     `{"up4x":{"kind":"upscale","scale":4},"dn":{"kind":"denoise"}}`,
		"yaml":    "models:\n  - id: up4x\n    kind: upscale\n    scale: 4\n  - id: dn\n    kind: denoise\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			ds, err := ParseManifest([]byte(in))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(ds) != 2 || ds[0].ID != "dn" || ds[1].ID != "up4x" {
				t.Fatalf("unexpected: %+v", ds)
			}
			if ds[0].Scale != 1 || ds[0].State != types.StateNotInstalled {
				t.Fatalf("not normalized: %+v", ds[0])
			}
		})
	}
}

func TestParseManifestRejects(t *testing.T) {
	bad := []string{
		`[{"id":"x","kind":"upscale","scale":1}]`,
		`[{"id":"x","kind":"colorize"}]`,
		`[{"id":"x","kind":"denoise"},{"id":"x","kind":"denoise"}]`,
		`"just a string"`,
	}
	for _, in := range bad {
		if _, err := ParseManifest([]byte(in)); err == nil {
			t.Fatalf("expected error for %s", in)
		}
	}
}

func TestManifestSourceFetch(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "models.json")
	if err := os.WriteFile(manifest, []byte(`[{"id":"dn","kind":"denoise","file":"dn.json","sha256":"abc"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dn.json"), []byte("blob"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := &ManifestSource{Path: manifest}
	rc, sum, err := s.Fetch(context.Background(), "dn")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "blob" || sum != "abc" {
		t.Fatalf("got %q %q", b, sum)
	}
	if _, _, err := s.Fetch(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestHTTPSource(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/models.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"id":"up2x","kind":"upscale","scale":2,"file":"up2x.bin"}]}`))
	})
	mux.HandleFunc("/blobs/up2x.bin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("weights"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSource(srv.URL+"/models.json", srv.URL+"/blobs/")
	ds, err := s.ListAvailable(context.Background())
	if err != nil || len(ds) != 1 {
		t.Fatalf("list: %+v %v", ds, err)
	}
	rc, _, err := s.Fetch(context.Background(), "up2x")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "weights" {
		t.Fatalf("blob = %q", b)
	}

	missing := &HTTPSource{ManifestURL: srv.URL + "/nope.json"}
	if _, err := missing.ListAvailable(context.Background()); err == nil {
		t.Fatal("expected status error")
	}
}

func TestWatchTriggersRefresh(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "models.json")
	if err := os.WriteFile(manifest, []byte(`[]`), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := New(Options{Source: &ManifestSource{Path: manifest}, ModelsDir: filepath.Join(dir, "m")})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, manifest, 20*time.Millisecond) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(manifest, []byte(`[{"id":"dn","kind":"denoise"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Get("dn"); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := r.Get("dn"); err != nil {
		t.Fatalf("watcher did not refresh: %v", err)
	}
}
