package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"enhanced/pkg/types"
)

// Source enumerates available models and fetches their weight blobs.
type Source interface {
	ListAvailable(ctx context.Context) ([]types.ModelDescriptor, error)
	// Fetch returns the blob and its expected sha256 (hex, may be empty).
	Fetch(ctx context.Context, id string) (io.ReadCloser, string, error)
}

// ParseManifest decodes a JSON or YAML manifest. Accepted shapes are a list
// of entries, an object with a "models" list, or a map keyed by id.
func ParseManifest(b []byte) ([]types.ModelDescriptor, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	var out []types.ModelDescriptor
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&out); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
	case yaml.MappingNode:
		if hasKey(root, "models") {
			var wrapped struct {
				Models []types.ModelDescriptor `yaml:"models"`
			}
			if err := root.Decode(&wrapped); err != nil {
				return nil, fmt.Errorf("parse manifest: %w", err)
			}
			out = wrapped.Models
			break
		}
		var byID map[string]types.ModelDescriptor
		if err := root.Decode(&byID); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
		for id, d := range byID {
			if d.ID == "" {
				d.ID = id
			}
			out = append(out, d)
		}
	default:
		return nil, fmt.Errorf("parse manifest: unexpected top-level node")
	}
	seen := make(map[string]bool, len(out))
	for i := range out {
		out[i].Normalize()
		// install state belongs to the registry, not the manifest
		out[i].State = types.StateNotInstalled
		out[i].Path = ""
		if err := out[i].Validate(); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
		if seen[out[i].ID] {
			return nil, fmt.Errorf("parse manifest: duplicate id %q", out[i].ID)
		}
		seen[out[i].ID] = true
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func hasKey(m *yaml.Node, key string) bool {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return true
		}
	}
	return false
}

// blobName is the file a descriptor's weights are stored under.
func blobName(d types.ModelDescriptor) string {
	if d.File != "" {
		return d.File
	}
	return d.ID
}

// index remembers the last listing so Fetch can resolve ids.
type index struct {
	mu   sync.Mutex
	byID map[string]types.ModelDescriptor
}

func (ix *index) set(ds []types.ModelDescriptor) {
	m := make(map[string]types.ModelDescriptor, len(ds))
	for _, d := range ds {
		m[d.ID] = d
	}
	ix.mu.Lock()
	ix.byID = m
	ix.mu.Unlock()
}

func (ix *index) lookup(ctx context.Context, id string, list func(context.Context) ([]types.ModelDescriptor, error)) (types.ModelDescriptor, error) {
	ix.mu.Lock()
	d, ok := ix.byID[id]
	ix.mu.Unlock()
	if ok {
		return d, nil
	}
	if _, err := list(ctx); err != nil {
		return types.ModelDescriptor{}, err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if d, ok = ix.byID[id]; !ok {
		return d, fmt.Errorf("model %q not in manifest", id)
	}
	return d, nil
}

// ManifestSource reads a manifest from the local filesystem. Blobs are read
// from BlobDir, which defaults to the manifest's directory.
type ManifestSource struct {
	Path    string
	BlobDir string
	ix      index
}

func (s *ManifestSource) ListAvailable(ctx context.Context) ([]types.ModelDescriptor, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	ds, err := ParseManifest(b)
	if err != nil {
		return nil, err
	}
	s.ix.set(ds)
	return ds, nil
}

func (s *ManifestSource) Fetch(ctx context.Context, id string) (io.ReadCloser, string, error) {
	d, err := s.ix.lookup(ctx, id, s.ListAvailable)
	if err != nil {
		return nil, "", err
	}
	dir := s.BlobDir
	if dir == "" {
		dir = filepath.Dir(s.Path)
	}
	f, err := os.Open(filepath.Join(dir, blobName(d)))
	if err != nil {
		return nil, "", err
	}
	return f, d.SHA256, nil
}

// HTTPSource fetches the manifest from a URL and blobs from BlobBaseURL/<file>.
type HTTPSource struct {
	ManifestURL string
	BlobBaseURL string
	Client      *http.Client
	ix          index
}

func (s *HTTPSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *HTTPSource) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return resp, nil
}

func (s *HTTPSource) ListAvailable(ctx context.Context) ([]types.ModelDescriptor, error) {
	resp, err := s.get(ctx, s.ManifestURL)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, 8<<20)); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	ds, err := ParseManifest(buf.Bytes())
	if err != nil {
		return nil, err
	}
	s.ix.set(ds)
	return ds, nil
}

func (s *HTTPSource) Fetch(ctx context.Context, id string) (io.ReadCloser, string, error) {
	d, err := s.ix.lookup(ctx, id, s.ListAvailable)
	if err != nil {
		return nil, "", err
	}
	base := s.BlobBaseURL
	if base == "" {
		base = s.ManifestURL[:strings.LastIndex(s.ManifestURL, "/")]
	}
	resp, err := s.get(ctx, strings.TrimRight(base, "/")+"/"+blobName(d))
	if err != nil {
		return nil, "", err
	}
	return resp.Body, d.SHA256, nil
}

// NewSource picks an HTTPSource for http(s) manifests and a ManifestSource otherwise.
func NewSource(manifest, blobBase string) Source {
	if strings.HasPrefix(manifest, "http://") || strings.HasPrefix(manifest, "https://") {
		return &HTTPSource{ManifestURL: manifest, BlobBaseURL: blobBase}
	}
	return &ManifestSource{Path: manifest, BlobDir: blobBase}
}
