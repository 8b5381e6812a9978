// Package registry tracks model descriptors and their install state.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"enhanced/internal/apperr"
	"enhanced/pkg/types"
)

// Usage reports how jobs reference a model.
type Usage interface {
	// BlocksUninstall is true while a job that has not yet run the model is pending.
	BlocksUninstall(id string) bool
	// Referenced is true when any pending or historical job names the model.
	Referenced(id string) bool
}

// Options configures a Registry.
type Options struct {
	Source    Source
	ModelsDir string
	// StatePath is where install state is persisted. Empty disables persistence.
	StatePath string
	Logger    zerolog.Logger
}

// Registry holds descriptors keyed by id. All mutations are serialized by mu.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]types.ModelDescriptor
	src       Source
	dir       string
	statePath string
	usage     Usage
	sf        singleflight.Group
	log       zerolog.Logger
}

// New creates a Registry and restores persisted install state, if any.
func New(opts Options) (*Registry, error) {
	r := &Registry{
		models:    make(map[string]types.ModelDescriptor),
		src:       opts.Source,
		dir:       opts.ModelsDir,
		statePath: opts.StatePath,
		log:       opts.Logger,
	}
	if err := r.loadState(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetUsage installs the job usage checker consulted by Uninstall and Refresh.
func (r *Registry) SetUsage(u Usage) {
	r.mu.Lock()
	r.usage = u
	r.mu.Unlock()
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (types.ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[id]
	if !ok {
		return types.ModelDescriptor{}, apperr.NotFound("registry.get", id)
	}
	return d, nil
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []types.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ModelDescriptor, 0, len(r.models))
	for _, d := range r.models {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithRunnable resolves ids to installed descriptors and calls fn while
// holding the registry read lock, so no uninstall can interleave between
// validation and whatever fn records. Unknown or not-installed ids fail with
// a validation error and fn is not called.
func (r *Registry) WithRunnable(ids []string, fn func([]types.ModelDescriptor) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(ids) == 0 {
		return apperr.Validation("registry.validate", "at least one model is required")
	}
	ds := make([]types.ModelDescriptor, 0, len(ids))
	for _, id := range ids {
		d, ok := r.models[id]
		if !ok {
			return apperr.Validation("registry.validate", "unknown model %q", id)
		}
		if !d.State.Runnable() {
			return apperr.Validation("registry.validate", "model %q is %s", id, d.State)
		}
		ds = append(ds, d)
	}
	return fn(ds)
}

// MarkLoaded flips an installed model between installed and loaded.
func (r *Registry) MarkLoaded(id string, loaded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.models[id]
	if !ok || !d.State.Runnable() {
		return
	}
	if loaded {
		d.State = types.StateLoaded
	} else {
		d.State = types.StateInstalled
	}
	r.models[id] = d
}

// Refresh merges the source listing into the registry. Known ids keep their
// install state; new ids start not_installed unless their weight file is
// already present in the models directory. Ids missing from the listing are
// dropped unless installed or referenced by a job.
func (r *Registry) Refresh(ctx context.Context) ([]types.ModelDescriptor, error) {
	if r.src == nil {
		return r.List(), nil
	}
	avail, err := r.src.ListAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	onDisk, err := scanDir(r.dir)
	if err != nil {
		r.log.Warn().Err(err).Str("dir", r.dir).Msg("scan models dir")
	}

	r.mu.Lock()
	listed := make(map[string]bool, len(avail))
	added := 0
	for _, d := range avail {
		listed[d.ID] = true
		if old, ok := r.models[d.ID]; ok {
			d.State, d.Path = old.State, old.Path
		} else {
			added++
			if p, ok := onDisk[blobName(d)]; ok {
				d.State, d.Path = types.StateInstalled, p
			}
		}
		r.models[d.ID] = d
	}
	removed := 0
	for id, d := range r.models {
		if listed[id] || d.State.Runnable() {
			continue
		}
		if r.usage != nil && r.usage.Referenced(id) {
			continue
		}
		delete(r.models, id)
		removed++
	}
	err = r.saveStateLocked()
	r.mu.Unlock()

	r.log.Info().Int("listed", len(avail)).Int("added", added).Int("removed", removed).Msg("registry refreshed")
	if err != nil {
		return nil, err
	}
	return r.List(), nil
}
