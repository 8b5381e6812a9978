package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"enhanced/internal/common/fsutil"
	"enhanced/pkg/types"
)

// stateFile is the persisted form of the registry.
type stateFile struct {
	Models []types.ModelDescriptor `json:"models"`
}

func (r *Registry) loadState() error {
	if r.statePath == "" {
		return nil
	}
	b, err := os.ReadFile(r.statePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry state: %w", err)
	}
	var st stateFile
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("parse registry state: %w", err)
	}
	for _, d := range st.Models {
		d.Normalize()
		// loaded instances do not survive a restart
		if d.State == types.StateLoaded {
			d.State = types.StateInstalled
		}
		if d.State == types.StateInstalled && !fsutil.PathExists(d.Path) {
			d.State, d.Path = types.StateNotInstalled, ""
		}
		r.models[d.ID] = d
	}
	return nil
}

// saveStateLocked persists descriptors; callers hold mu.
func (r *Registry) saveStateLocked() error {
	if r.statePath == "" {
		return nil
	}
	st := stateFile{Models: make([]types.ModelDescriptor, 0, len(r.models))}
	for _, d := range r.models {
		if d.State == types.StateLoaded {
			d.State = types.StateInstalled
		}
		st.Models = append(st.Models, d)
	}
	sort.Slice(st.Models, func(i, j int) bool { return st.Models[i].ID < st.Models[j].ID })
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.statePath), 0o755); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(r.statePath, b, 0o644)
}

// scanDir maps weight file names found directly in dir to absolute paths.
// Hidden files (in-flight downloads) are skipped.
func scanDir(dir string) (map[string]string, error) {
	out := make(map[string]string)
	if dir == "" {
		return out, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return out, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out[e.Name()] = filepath.Join(abs, e.Name())
	}
	return out, nil
}
