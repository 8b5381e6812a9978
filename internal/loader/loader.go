// Package loader materializes device-bound model instances and keeps them
// cached under a memory budget with least-recently-used eviction.
package loader

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"enhanced/internal/apperr"
	"enhanced/internal/device"
	"enhanced/internal/runtime"
	"enhanced/pkg/types"
)

// ModelLoader turns a descriptor into a device-bound model. runtime.Set
// satisfies it.
type ModelLoader interface {
	Load(ctx context.Context, d types.ModelDescriptor, dev device.Context) (runtime.Model, error)
}

// Config configures a Loader.
type Config struct {
	Runtime ModelLoader
	// BudgetMB caps the summed estimates of loaded instances; 0 means unlimited.
	BudgetMB int
	// MarginMB is kept free on top of loaded instances.
	MarginMB int
	// DefaultEstMB is used when a descriptor has no size and no weight file.
	DefaultEstMB int
	// LRUPath persists last-used metadata across restarts. Empty disables it.
	LRUPath   string
	Publisher EventPublisher
	Logger    zerolog.Logger
}

// Instance is a loaded model bound to one backend.
type Instance struct {
	ModelID  string
	Backend  device.Backend
	Model    runtime.Model
	EstMB    int
	LastUsed time.Time
	refs     int
}

type key struct {
	id      string
	backend device.Backend
}

// Loader caches instances by (model id, backend). Load and Evict are
// serialized by writeMu; mu guards the instance map for readers.
type Loader struct {
	writeMu sync.Mutex

	mu        sync.RWMutex
	instances map[key]*Instance
	usedMB    int
	loads     uint64
	evictions uint64
	lruMeta   map[string]lruRecord

	rt        ModelLoader
	budgetMB  int
	marginMB  int
	defEstMB  int
	lruPath   string
	publisher EventPublisher
	log       zerolog.Logger
}

// New creates a Loader.
func New(cfg Config) *Loader {
	l := &Loader{
		instances: make(map[key]*Instance),
		rt:        cfg.Runtime,
		budgetMB:  cfg.BudgetMB,
		marginMB:  cfg.MarginMB,
		defEstMB:  cfg.DefaultEstMB,
		lruPath:   cfg.LRUPath,
		publisher: cfg.Publisher,
		log:       cfg.Logger,
	}
	if l.publisher == nil {
		l.publisher = noopPublisher{}
	}
	if l.defEstMB <= 0 {
		l.defEstMB = 64
	}
	l.loadLRUMetadata()
	return l
}

// Load returns the cached instance for (d.ID, dev.Backend), loading it when
// absent. Repeated calls return the same *Instance until it is evicted.
func (l *Loader) Load(ctx context.Context, d types.ModelDescriptor, dev device.Context) (*Instance, error) {
	return l.load(ctx, d, dev, false)
}

// Acquire is Load plus a pin that protects the instance from eviction until
// Release is called.
func (l *Loader) Acquire(ctx context.Context, d types.ModelDescriptor, dev device.Context) (*Instance, error) {
	return l.load(ctx, d, dev, true)
}

// Release drops a pin taken by Acquire.
func (l *Loader) Release(inst *Instance) {
	if inst == nil {
		return
	}
	l.mu.Lock()
	if inst.refs > 0 {
		inst.refs--
	}
	inst.LastUsed = time.Now()
	l.mu.Unlock()
}

func (l *Loader) load(ctx context.Context, d types.ModelDescriptor, dev device.Context, pin bool) (*Instance, error) {
	const op = "loader.load"
	k := key{id: d.ID, backend: dev.Backend}

	l.mu.Lock()
	if inst, ok := l.instances[k]; ok {
		inst.LastUsed = time.Now()
		if pin {
			inst.refs++
		}
		l.mu.Unlock()
		return inst, nil
	}
	l.mu.Unlock()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	// Another caller may have loaded it while we waited.
	l.mu.Lock()
	if inst, ok := l.instances[k]; ok {
		inst.LastUsed = time.Now()
		if pin {
			inst.refs++
		}
		l.mu.Unlock()
		return inst, nil
	}
	l.mu.Unlock()

	if l.rt == nil {
		return nil, apperr.New(apperr.KindLoad, op, d.ID, "no runtime configured")
	}
	start := time.Now()
	est := l.estimateMB(d)
	l.publisher.Publish(Event{Name: "load_start", ModelID: d.ID, Fields: map[string]any{"backend": string(dev.Backend), "est_mb": est}})

	m, err := l.tryLoad(ctx, d, dev, est)
	if isResourceExhausted(err) {
		n := l.evictIdle()
		l.log.Debug().Str("model", d.ID).Int("evicted", n).Msg("load retry after eviction")
		l.publisher.Publish(Event{Name: "load_retry", ModelID: d.ID, Fields: map[string]any{"evicted": n}})
		m, err = l.tryLoad(ctx, d, dev, est)
		if isResourceExhausted(err) {
			err = apperr.Wrap(apperr.KindOutOfMemory, op, d.ID, err)
		}
	}
	if err != nil {
		loadsTotal.WithLabelValues("error").Inc()
		l.log.Warn().Str("model", d.ID).Str("backend", string(dev.Backend)).Err(err).Msg("load failed")
		l.publisher.Publish(Event{Name: "load_error", ModelID: d.ID, Fields: map[string]any{"error": err.Error(), "kind": string(apperr.KindOf(err))}})
		return nil, err
	}

	inst := &Instance{ModelID: d.ID, Backend: dev.Backend, Model: m, EstMB: est, LastUsed: time.Now()}
	if pin {
		inst.refs = 1
	}
	l.mu.Lock()
	l.instances[k] = inst
	l.usedMB += est
	l.loads++
	used := l.usedMB
	l.mu.Unlock()
	usedMBGauge.Set(float64(used))
	loadsTotal.WithLabelValues("ok").Inc()
	l.saveLRUMetadata()

	dur := time.Since(start).Milliseconds()
	l.log.Info().Str("model", d.ID).Str("backend", string(dev.Backend)).Int("est_mb", est).Int64("dur_ms", dur).Msg("model loaded")
	l.publisher.Publish(Event{Name: "load_ready", ModelID: d.ID, Fields: map[string]any{"backend": string(dev.Backend), "dur_ms": dur}})
	return inst, nil
}

// errNoRoom means the budget cannot fit the load even after evicting every
// idle instance.
var errNoRoom = errors.New("memory budget exhausted")

func (l *Loader) tryLoad(ctx context.Context, d types.ModelDescriptor, dev device.Context, est int) (runtime.Model, error) {
	if !l.evictUntilFits(est) {
		return nil, errNoRoom
	}
	return l.rt.Load(ctx, d, dev)
}

func isResourceExhausted(err error) bool {
	return err != nil && (errors.Is(err, errNoRoom) || apperr.IsOutOfMemory(err))
}

// estimateMB prefers the descriptor's declared size, then the weight file size.
func (l *Loader) estimateMB(d types.ModelDescriptor) int {
	if d.SizeMB > 0 {
		return d.SizeMB
	}
	if fi, err := os.Stat(d.Path); err == nil && fi.Size() > 0 {
		return int((fi.Size() + (1<<20 - 1)) >> 20)
	}
	if rec, ok := l.lruMeta[d.ID]; ok && rec.EstMB > 0 {
		return rec.EstMB
	}
	return l.defEstMB
}

// Get returns the cached instance for (id, backend) without loading.
func (l *Loader) Get(id string, backend device.Backend) (*Instance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	inst, ok := l.instances[key{id: id, backend: backend}]
	return inst, ok
}

// Loaded reports whether any backend holds an instance of id.
func (l *Loader) Loaded(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for k := range l.instances {
		if k.id == id {
			return true
		}
	}
	return false
}

// Status fills the loader part of a status response.
func (l *Loader) Status() types.StatusResponse {
	l.mu.RLock()
	defer l.mu.RUnlock()
	resp := types.StatusResponse{
		BudgetMB:       l.budgetMB,
		UsedMB:         l.usedMB,
		MarginMB:       l.marginMB,
		LoadsTotal:     l.loads,
		EvictionsTotal: l.evictions,
	}
	resp.Instances = make([]types.InstanceStatus, 0, len(l.instances))
	for _, inst := range l.instances {
		resp.Instances = append(resp.Instances, types.InstanceStatus{
			ModelID:  inst.ModelID,
			Backend:  string(inst.Backend),
			LastUsed: inst.LastUsed.Unix(),
			EstMB:    inst.EstMB,
			InUse:    inst.refs,
		})
	}
	sort.Slice(resp.Instances, func(i, j int) bool { return resp.Instances[i].ModelID < resp.Instances[j].ModelID })
	return resp
}

// Recent returns model ids from persisted LRU metadata, most recent first.
func (l *Loader) Recent() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.lruMeta))
	for id := range l.lruMeta {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := l.lruMeta[ids[i]], l.lruMeta[ids[j]]
		if a.LastUsedUnix != b.LastUsedUnix {
			return a.LastUsedUnix > b.LastUsedUnix
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Close unloads every instance regardless of pins. Used at shutdown.
func (l *Loader) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.saveLRUMetadata()
	l.mu.Lock()
	insts := l.instances
	l.instances = make(map[key]*Instance)
	l.usedMB = 0
	l.mu.Unlock()
	usedMBGauge.Set(0)
	var errs []error
	for _, inst := range insts {
		if err := inst.Model.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
