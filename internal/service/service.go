// Package service wires the device selector, registry, loader, queue,
// artifact store, viewer sessions and history into the daemon the HTTP API
// and CLI drive.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"enhanced/internal/apperr"
	"enhanced/internal/artifact"
	"enhanced/internal/common/fsutil"
	"enhanced/internal/config"
	"enhanced/internal/device"
	"enhanced/internal/export"
	"enhanced/internal/history"
	"enhanced/internal/imaging"
	"enhanced/internal/loader"
	"enhanced/internal/queue"
	"enhanced/internal/registry"
	"enhanced/internal/runtime"
	"enhanced/internal/viewer"
	"enhanced/pkg/types"
)

// Options override collaborators, mainly for tests.
type Options struct {
	Logger zerolog.Logger
	// Runner replaces the command runner used by device probes.
	Runner device.CommandRunner
	// Probers replaces the device probe chain.
	Probers []device.Prober
	// Source replaces the manifest-derived model source.
	Source registry.Source
	// Runtime replaces the builtin + subprocess runtime set.
	Runtime loader.ModelLoader
}

// Service owns every component for the lifetime of the process.
type Service struct {
	cfg     config.Config
	log     zerolog.Logger
	devices *device.Selector
	reg     *registry.Registry
	loader  *loader.Loader
	store   *artifact.Store
	queue   *queue.Queue
	views   *viewer.Manager
	history *history.Store

	started time.Time
	ready   atomic.Bool
}

// New builds the service. Failing to select any device aborts startup.
func New(ctx context.Context, cfg config.Config, opts Options) (*Service, error) {
	cfg = config.WithDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	modelsDir, err := fsutil.ResolveDir(cfg.ModelsDir)
	if err != nil {
		return nil, err
	}
	cacheDir, err := fsutil.ResolveDir(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	stateDir, err := fsutil.ResolveDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	manifest, err := fsutil.ExpandHome(cfg.Manifest)
	if err != nil {
		return nil, err
	}
	cfg.ModelsDir, cfg.CacheDir, cfg.StateDir, cfg.Manifest = modelsDir, cacheDir, stateDir, manifest

	force, err := device.ParseBackend(cfg.Device)
	if err != nil {
		return nil, err
	}
	devices := device.NewSelector(device.Options{
		Force:       force,
		Timeout:     time.Duration(cfg.ProbeTimeoutSeconds) * time.Second,
		CPUMemoryMB: cfg.MemoryBudgetMB,
		Runner:      opts.Runner,
		Probers:     opts.Probers,
		Logger:      log.With().Str("component", "device").Logger(),
	})
	dev, err := devices.Select(ctx)
	if err != nil {
		return nil, fmt.Errorf("select device: %w", err)
	}

	src := opts.Source
	if src == nil {
		src = registry.NewSource(manifest, cfg.BlobBaseURL)
	}
	reg, err := registry.New(registry.Options{
		Source:    src,
		ModelsDir: modelsDir,
		StatePath: filepath.Join(stateDir, "registry.json"),
		Logger:    log.With().Str("component", "registry").Logger(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := reg.Refresh(ctx); err != nil {
		// A missing manifest is not fatal; installed models stay usable.
		log.Warn().Err(err).Msg("initial model refresh failed")
	}

	rt := opts.Runtime
	if rt == nil {
		set := runtime.Set{runtime.Builtin{}}
		if cfg.RuntimeCmd != "" {
			set = append(set, runtime.NewSubprocess(runtime.SubprocessConfig{
				Command:  cfg.RuntimeCmd,
				Args:     cfg.RuntimeArgs,
				Arches:   cfg.RuntimeArches,
				Backends: cfg.RuntimeBackends,
				Logger:   log.With().Str("component", "runtime").Logger(),
			}))
		}
		rt = set
	}
	budget := cfg.MemoryBudgetMB
	if budget == 0 && dev.Backend != device.CPU {
		budget = dev.MemoryMB
	}
	var ld *loader.Loader
	ld = loader.New(loader.Config{
		Runtime:  rt,
		BudgetMB: budget,
		MarginMB: cfg.MemoryMarginMB,
		LRUPath:  filepath.Join(stateDir, "lru.json"),
		Publisher: loader.PublisherFunc(func(e loader.Event) {
			switch e.Name {
			case "load_ready":
				reg.MarkLoaded(e.ModelID, true)
			case "evict":
				reg.MarkLoaded(e.ModelID, ld.Loaded(e.ModelID))
			}
		}),
		Logger: log.With().Str("component", "loader").Logger(),
	})

	store := artifact.New(artifact.Config{Dir: cacheDir, Logger: log.With().Str("component", "artifact").Logger()})
	if _, err := store.ExpireCache(time.Duration(cfg.CacheMaxAgeHours) * time.Hour); err != nil {
		log.Warn().Err(err).Msg("cache expiry failed")
	}

	hist, err := history.Open(filepath.Join(stateDir, "history.db"), log.With().Str("component", "history").Logger())
	if err != nil {
		return nil, err
	}

	q := queue.New(queue.Config{
		Registry: reg,
		Loader:   ld,
		Devices:  devices,
		Store:    store,
		Recorder: hist,
		Defaults: queue.Options{
			Pipeline:      types.Pipeline(cfg.Pipeline),
			Strength:      cfg.Strength,
			MaintainScale: cfg.MaintainScale,
			TileSize:      cfg.TileSize,
			TilePad:       cfg.TilePad,
		},
		Logger: log.With().Str("component", "queue").Logger(),
	})
	reg.SetUsage(q)

	return &Service{
		cfg:     cfg,
		log:     log,
		devices: devices,
		reg:     reg,
		loader:  ld,
		store:   store,
		queue:   q,
		views:   viewer.NewManager(store, viewer.Limits{MinZoom: cfg.MinZoom, MaxZoom: cfg.MaxZoom}, log.With().Str("component", "viewer").Logger()),
		history: hist,
		started: time.Now(),
	}, nil
}

// Config returns the resolved configuration.
func (s *Service) Config() config.Config { return s.cfg }

// Start launches the queue worker, prewarms recently used models and marks
// the service ready. The worker stops when ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.queue.Start(ctx)
	s.prewarm(ctx)
	s.ready.Store(true)
	s.log.Info().Str("device", string(s.deviceContext().Backend)).Int("models", len(s.reg.List())).Msg("service ready")
}

func (s *Service) prewarm(ctx context.Context) {
	n := s.cfg.Prewarm
	if n <= 0 {
		return
	}
	dev := s.deviceContext()
	for _, id := range s.loader.Recent() {
		if n == 0 {
			return
		}
		d, err := s.reg.Get(id)
		if err != nil || !d.State.Runnable() {
			continue
		}
		if _, err := s.loader.Load(ctx, d, dev); err != nil {
			s.log.Warn().Err(err).Str("model", id).Msg("prewarm failed")
			continue
		}
		n--
	}
}

// Watch refreshes the registry when a local manifest changes. It blocks
// until ctx is done and is a no-op for remote manifests.
func (s *Service) Watch(ctx context.Context) error {
	if !s.cfg.WatchManifest {
		return nil
	}
	if _, ok := registry.NewSource(s.cfg.Manifest, "").(*registry.ManifestSource); !ok {
		return nil
	}
	return s.reg.Watch(ctx, s.cfg.Manifest, 500*time.Millisecond)
}

// Close stops accepting work and releases resources. The queue worker must
// already have been stopped by canceling its context.
func (s *Service) Close() error {
	s.ready.Store(false)
	s.queue.Close()
	s.views.CloseAll()
	return errors.Join(s.loader.Close(), s.history.Close())
}

// Ready reports whether the worker is running.
func (s *Service) Ready() bool { return s.ready.Load() }

func (s *Service) deviceContext() device.Context {
	if d, ok := s.devices.Current(); ok {
		return d
	}
	return device.Context{Backend: device.CPU}
}

// Models

func (s *Service) ListModels() []types.ModelDescriptor { return s.reg.List() }

func (s *Service) RefreshModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	return s.reg.Refresh(ctx)
}

func (s *Service) InstallModel(ctx context.Context, id string) (types.ModelDescriptor, error) {
	return s.reg.Install(ctx, id)
}

// UninstallModel removes a model's weights and unloads any idle instance.
func (s *Service) UninstallModel(id string) error {
	if err := s.reg.Uninstall(id); err != nil {
		return err
	}
	if err := s.loader.Evict(id); err != nil && !apperr.IsInUse(err) {
		return err
	}
	return nil
}

// Device

func (s *Service) Device() types.DeviceInfo { return s.deviceContext().Info() }

// ProbeDevice re-runs device selection. Jobs already submitted keep the
// device they captured.
func (s *Service) ProbeDevice(ctx context.Context) (types.DeviceInfo, error) {
	d, err := s.devices.Reprobe(ctx)
	if err != nil {
		return types.DeviceInfo{}, err
	}
	return d.Info(), nil
}

// Jobs

func toRequest(req types.SubmitRequest) (queue.Request, error) {
	masks, err := loadMasks(req.Masks)
	if err != nil {
		return queue.Request{}, err
	}
	return queue.Request{
		Source:        req.ImagePath,
		Models:        req.Models,
		Pipeline:      req.Pipeline,
		Strength:      req.Strength,
		MaintainScale: req.MaintainScale,
		TileSize:      req.TileSize,
		TilePad:       req.TilePad,
		Masks:         masks,
	}, nil
}

// loadMasks decodes mask images named on the daemon host.
func loadMasks(refs []types.MaskRef) ([]imaging.Mask, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]imaging.Mask, 0, len(refs))
	for _, ref := range refs {
		p, err := fsutil.ExpandHome(ref.Path)
		if err != nil {
			return nil, apperr.Validation("service.submit", "mask %q: %v", ref.Path, err)
		}
		img, _, err := imaging.Load(p)
		if err != nil {
			return nil, apperr.Validation("service.submit", "mask %q: %v", ref.Path, err)
		}
		out = append(out, imaging.Mask{Image: img, Inverted: ref.Inverted})
	}
	return out, nil
}

// Submit enqueues a job for an image on the daemon host.
func (s *Service) Submit(ctx context.Context, req types.SubmitRequest) (string, error) {
	p, err := fsutil.ExpandHome(req.ImagePath)
	if err != nil {
		return "", apperr.Validation("service.submit", "%v", err)
	}
	req.ImagePath = p
	qr, err := toRequest(req)
	if err != nil {
		return "", err
	}
	return s.queue.Submit(ctx, qr)
}

// SubmitImage enqueues a job for uploaded image bytes. name only feeds
// output naming.
func (s *Service) SubmitImage(ctx context.Context, name string, r io.Reader, req types.SubmitRequest) (string, error) {
	img, format, err := imaging.Decode(r)
	if err != nil {
		return "", apperr.Validation("service.submit", "decode upload: %v", err)
	}
	qr, err := toRequest(req)
	if err != nil {
		return "", err
	}
	qr.Source = filepath.Base(name)
	qr.Image = img
	qr.Format = format
	return s.queue.Submit(ctx, qr)
}

func (s *Service) Jobs() []types.JobInfo { return s.queue.List() }

func (s *Service) Job(id string) (types.JobInfo, error) { return s.queue.Get(id) }

func (s *Service) CancelJob(id string) error { return s.queue.Cancel(id) }

// ForgetJob removes a terminal job from the queue. Its artifacts are
// discarded once no view holds them.
func (s *Service) ForgetJob(id string) error { return s.queue.Forget(id) }

// AwaitJob blocks until the job is terminal.
func (s *Service) AwaitJob(ctx context.Context, id string) (types.JobInfo, error) {
	return s.queue.Await(ctx, id)
}

func (s *Service) Subscribe(id string) (<-chan queue.Event, error) { return s.queue.Subscribe(id) }

func (s *Service) Unsubscribe(id string, ch <-chan queue.Event) { s.queue.Unsubscribe(id, ch) }

// Artifacts

func (s *Service) Artifacts(jobID string) ([]types.ArtifactInfo, error) {
	if _, err := s.queue.Get(jobID); err != nil {
		return nil, err
	}
	return s.store.ListJob(jobID), nil
}

func (s *Service) Artifact(jobID string, stage int) (*artifact.Artifact, error) {
	return s.store.Get(jobID, stage)
}

// Reblend re-applies a new strength to a finished stage's raw output and
// stores the result as a new artifact.
func (s *Service) Reblend(jobID string, stage int, strength float64) (types.ArtifactInfo, error) {
	return s.queue.Reblend(jobID, stage, strength)
}

// Export copies a terminal job's outputs into dir.
func (s *Service) Export(jobID, dir string) (types.ExportResult, error) {
	info, err := s.queue.Get(jobID)
	if err != nil {
		return types.ExportResult{}, err
	}
	if !info.Status.IsTerminal() {
		return types.ExportResult{}, apperr.InUse("service.export", jobID, "job is %s", info.Status)
	}
	return export.Export(s.store, jobID, dir, export.Options{Logger: s.log})
}

// History returns recently finished jobs, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]types.HistoryEntry, error) {
	return s.history.List(ctx, limit)
}

// Status aggregates loader, queue and device state.
func (s *Service) Status() types.StatusResponse {
	st := s.loader.Status()
	st.Device = s.Device()
	st.QueueLen = s.queue.Len()
	st.Running = s.queue.Running()
	st.Artifacts = s.store.Len()
	st.UptimeSeconds = int64(time.Since(s.started).Seconds())
	st.ServerTimeUnix = time.Now().Unix()
	return st
}
