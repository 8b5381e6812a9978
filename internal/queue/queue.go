// Package queue is the execution task queue: a FIFO of enhancement jobs run
// one at a time by a single worker, stage by stage.
package queue

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"enhanced/internal/apperr"
	"enhanced/internal/artifact"
	"enhanced/internal/device"
	"enhanced/internal/imaging"
	"enhanced/internal/loader"
	"enhanced/pkg/types"
)

// Registry resolves model ids; WithRunnable must run fn under the lock that
// serializes uninstall so validation and enqueueing are atomic.
type Registry interface {
	WithRunnable(ids []string, fn func([]types.ModelDescriptor) error) error
}

// Loader hands out pinned model instances.
type Loader interface {
	Acquire(ctx context.Context, d types.ModelDescriptor, dev device.Context) (*loader.Instance, error)
	Release(inst *loader.Instance)
	EvictIdle() int
}

// Devices yields the device context captured by each job at submission.
type Devices interface {
	Select(ctx context.Context) (device.Context, error)
}

// Recorder persists terminal jobs.
type Recorder interface {
	Record(ctx context.Context, e types.HistoryEntry) error
}

// Options are per-job execution parameters.
type Options struct {
	Pipeline      types.Pipeline
	Strength      float64
	MaintainScale bool
	TileSize      int
	TilePad       int
}

// Request is a job submission.
type Request struct {
	// Source is the image path. It is also used for naming outputs.
	Source string
	// Image optionally carries an already decoded source (uploads).
	Image  image.Image
	Format imaging.Format
	Models []string
	// Masks optionally limit every stage to a region of the source.
	Masks []imaging.Mask

	Pipeline      types.Pipeline
	Strength      *float64
	MaintainScale *bool
	TileSize      *int
	TilePad       *int
}

// Config wires a Queue.
type Config struct {
	Registry Registry
	Loader   Loader
	Devices  Devices
	Store    *artifact.Store
	Recorder Recorder
	Defaults Options
	Logger   zerolog.Logger
}

// Job is the queue's record of one submission. Fields are guarded by Queue.mu.
type Job struct {
	id       string
	label    string
	source   string
	img      image.Image
	format   imaging.Format
	masks    []imaging.Mask
	models   []types.ModelDescriptor
	opts     Options
	dev      device.Context
	status   types.JobStatus
	stage    int
	progress float64
	err      error
	cancel   bool
	created  time.Time
	started  time.Time
	finished time.Time
	done     chan struct{}
}

// Queue owns jobs until they reach a terminal state.
type Queue struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	order    []string // all known jobs, submission order
	pending  []*Job   // queued, FIFO
	running  *Job
	dispatch chan *Job

	subsMu sync.Mutex
	subs   map[string][]chan Event
	ended  map[string]Event // terminal event of each finished job

	reg      Registry
	loader   Loader
	devices  Devices
	store    *artifact.Store
	recorder Recorder
	defaults Options
	log      zerolog.Logger

	closed bool
	wg     sync.WaitGroup
}

// New creates a Queue. Call Start to launch the worker.
func New(cfg Config) *Queue {
	d := cfg.Defaults
	if !d.Pipeline.Valid() {
		d.Pipeline = types.PipelineFanout
	}
	if d.Strength <= 0 || d.Strength > 1 {
		d.Strength = 1
	}
	return &Queue{
		jobs:     make(map[string]*Job),
		dispatch: make(chan *Job, 1),
		subs:     make(map[string][]chan Event),
		ended:    make(map[string]Event),
		reg:      cfg.Registry,
		loader:   cfg.Loader,
		devices:  cfg.Devices,
		store:    cfg.Store,
		recorder: cfg.Recorder,
		defaults: d,
		log:      cfg.Logger,
	}
}

// Submit validates req and enqueues a job. When nothing is running the job
// starts immediately. Validation failures create no job.
func (q *Queue) Submit(ctx context.Context, req Request) (string, error) {
	const op = "queue.submit"
	opts, err := q.resolve(req)
	if err != nil {
		return "", err
	}
	format := req.Format
	if req.Image == nil {
		if req.Source == "" {
			return "", apperr.Validation(op, "image path is required")
		}
		fi, err := os.Stat(req.Source)
		if err != nil || fi.IsDir() {
			return "", apperr.Validation(op, "image %q is not a readable file", req.Source)
		}
		if format, err = imaging.FormatFromPath(req.Source); err != nil {
			return "", apperr.Validation(op, "%v", err)
		}
	} else if format == "" {
		format = imaging.PNG
	}
	for i, m := range req.Masks {
		if m.Image == nil {
			return "", apperr.Validation(op, "mask %d has no image", i)
		}
	}
	dev, err := q.devices.Select(ctx)
	if err != nil {
		return "", err
	}

	var id string
	err = q.reg.WithRunnable(req.Models, func(ds []types.ModelDescriptor) error {
		j := &Job{
			id:      uuid.NewString(),
			label:   label(req.Source, req.Models),
			source:  req.Source,
			img:     req.Image,
			format:  format,
			masks:   req.Masks,
			models:  ds,
			opts:    opts,
			dev:     dev,
			status:  types.JobQueued,
			created: time.Now(),
			done:    make(chan struct{}),
		}
		id = j.id
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return apperr.New(apperr.KindCanceled, op, "", "queue is shut down")
		}
		q.jobs[j.id] = j
		q.order = append(q.order, j.id)
		if q.running == nil {
			q.startLocked(j)
		} else {
			q.pending = append(q.pending, j)
		}
		qlen := len(q.pending)
		q.mu.Unlock()
		queueLength.Set(float64(qlen))
		return nil
	})
	if err != nil {
		return "", err
	}
	q.log.Info().Str("job", id).Strs("models", req.Models).Str("pipeline", string(opts.Pipeline)).Str("backend", string(dev.Backend)).Msg("job submitted")
	return id, nil
}

func (q *Queue) resolve(req Request) (Options, error) {
	const op = "queue.submit"
	o := q.defaults
	if req.Pipeline != "" {
		if !req.Pipeline.Valid() {
			return o, apperr.Validation(op, "unknown pipeline %q", req.Pipeline)
		}
		o.Pipeline = req.Pipeline
	}
	if req.Strength != nil {
		if *req.Strength <= 0 || *req.Strength > 1 {
			return o, apperr.Validation(op, "strength must be in (0,1], got %v", *req.Strength)
		}
		o.Strength = *req.Strength
	}
	if req.MaintainScale != nil {
		o.MaintainScale = *req.MaintainScale
	}
	if req.TileSize != nil {
		if *req.TileSize < 0 {
			return o, apperr.Validation(op, "tile size must be >= 0")
		}
		o.TileSize = *req.TileSize
	}
	if req.TilePad != nil {
		if *req.TilePad < 0 {
			return o, apperr.Validation(op, "tile pad must be >= 0")
		}
		o.TilePad = *req.TilePad
	}
	if o.TileSize > 0 && o.TilePad*2 >= o.TileSize {
		return o, apperr.Validation(op, "tile pad %d too large for tile size %d", o.TilePad, o.TileSize)
	}
	return o, nil
}

func label(source string, models []string) string {
	base := filepath.Base(source)
	if source == "" {
		base = "upload"
	}
	return base + " [" + strings.Join(models, ",") + "]"
}

// startLocked marks j running and hands it to the worker. The dispatch
// buffer holds one job and only one job runs at a time, so this never blocks.
func (q *Queue) startLocked(j *Job) {
	j.status = types.JobRunning
	j.started = time.Now()
	q.running = j
	q.dispatch <- j
}

// Cancel stops a job. Queued jobs are canceled at once; a running job stops
// at the next stage boundary. Terminal jobs are left unchanged.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return apperr.NotFound("queue.cancel", id)
	}
	switch j.status {
	case types.JobQueued:
		for i, p := range q.pending {
			if p == j {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
		j.status = types.JobCanceled
		j.finished = time.Now()
		j.img = nil
		info := q.infoLocked(j)
		qlen := len(q.pending)
		q.mu.Unlock()
		queueLength.Set(float64(qlen))
		q.log.Info().Str("job", id).Msg("queued job canceled")
		q.terminal(j, info)
		return nil
	case types.JobRunning:
		j.cancel = true
		q.mu.Unlock()
		q.log.Info().Str("job", id).Msg("cancel requested")
		return nil
	}
	q.mu.Unlock()
	return nil
}

// Get returns a job snapshot with its artifacts.
func (q *Queue) Get(id string) (types.JobInfo, error) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return types.JobInfo{}, apperr.NotFound("queue.get", id)
	}
	info := q.infoLocked(j)
	q.mu.Unlock()
	if q.store != nil {
		info.Artifacts = q.store.ListJob(id)
	}
	return info, nil
}

// List returns every tracked job in submission order.
func (q *Queue) List() []types.JobInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.JobInfo, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.infoLocked(q.jobs[id]))
	}
	return out
}

// Len is the number of queued (not running) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running returns the id of the running job, if any.
func (q *Queue) Running() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running == nil {
		return ""
	}
	return q.running.id
}

// Forget drops a terminal job and the queue's reference on its artifacts.
func (q *Queue) Forget(id string) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return apperr.NotFound("queue.forget", id)
	}
	if !j.status.IsTerminal() {
		q.mu.Unlock()
		return apperr.InUse("queue.forget", id, "job is %s", j.status)
	}
	delete(q.jobs, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	q.subsMu.Lock()
	delete(q.ended, id)
	q.subsMu.Unlock()
	if q.store != nil {
		q.store.Release(id)
	}
	return nil
}

// BlocksUninstall reports whether a queued job, or the running job at or
// before the stage using the model, still needs model id.
func (q *Queue) BlocksUninstall(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.pending {
		if usesModel(j.models, id, 0) {
			return true
		}
	}
	if r := q.running; r != nil && usesModel(r.models, id, r.stage) {
		return true
	}
	return false
}

// Referenced reports whether any tracked job, including finished ones, names model id.
func (q *Queue) Referenced(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if usesModel(j.models, id, 0) {
			return true
		}
	}
	return false
}

func usesModel(ds []types.ModelDescriptor, id string, from int) bool {
	for i := from; i < len(ds); i++ {
		if ds[i].ID == id {
			return true
		}
	}
	return false
}

func (q *Queue) infoLocked(j *Job) types.JobInfo {
	ids := make([]string, len(j.models))
	for i, d := range j.models {
		ids[i] = d.ID
	}
	info := types.JobInfo{
		ID:          j.id,
		Label:       j.label,
		Source:      j.source,
		Models:      ids,
		Pipeline:    j.opts.Pipeline,
		Status:      j.status,
		Stage:       j.stage,
		TotalStages: len(j.models),
		Progress:    j.progress,
		Device:      string(j.dev.Backend),
		CreatedAt:   j.created,
	}
	if j.err != nil {
		info.Error = j.err.Error()
		info.ErrorKind = string(apperr.KindOf(j.err))
	}
	if !j.started.IsZero() {
		t := j.started
		info.StartedAt = &t
	}
	if !j.finished.IsZero() {
		t := j.finished
		info.FinishedAt = &t
	}
	return info
}
