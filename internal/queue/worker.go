package queue

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"enhanced/internal/apperr"
	"enhanced/internal/artifact"
	"enhanced/internal/imaging"
	"enhanced/pkg/types"
)

const historyTimeout = 5 * time.Second

// Start launches the single worker. It runs until ctx is done; jobs still
// queued at that point are canceled.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				q.shutdown()
				return
			case j := <-q.dispatch:
				q.run(ctx, j)
			}
		}
	}()
}

// Close waits for the worker to exit after its context is canceled.
func (q *Queue) Close() { q.wg.Wait() }

func (q *Queue) shutdown() {
	q.mu.Lock()
	q.closed = true
	var stale []*Job
	select {
	case j := <-q.dispatch:
		stale = append(stale, j)
	default:
	}
	stale = append(stale, q.pending...)
	q.pending = nil
	q.running = nil
	infos := make([]types.JobInfo, len(stale))
	for i, j := range stale {
		j.status = types.JobCanceled
		j.err = apperr.New(apperr.KindCanceled, "queue.shutdown", j.id, "queue shut down")
		j.finished = time.Now()
		j.img = nil
		infos[i] = q.infoLocked(j)
	}
	q.mu.Unlock()
	queueLength.Set(0)
	for i, j := range stale {
		q.terminal(j, infos[i])
	}
	if len(stale) > 0 {
		q.log.Info().Int("jobs", len(stale)).Msg("canceled queued jobs on shutdown")
	}
}

func (q *Queue) run(ctx context.Context, j *Job) {
	log := q.log.With().Str("job", j.id).Logger()
	q.mu.Lock()
	info := q.infoLocked(j)
	q.mu.Unlock()
	q.notify(j.id, Event{Type: EventStarted, Job: info})
	log.Info().Int("stages", len(j.models)).Msg("job started")

	img, format := j.img, j.format
	if img == nil {
		var err error
		img, format, err = imaging.Load(j.source)
		if err != nil {
			q.finish(j, types.JobFailed, apperr.Wrap(apperr.KindLoad, "queue.decode", j.source, err))
			return
		}
	}
	orig, err := q.store.PutOriginal(j.id, j.source, img, format)
	if err != nil {
		q.finish(j, types.JobFailed, err)
		return
	}
	// The queue holds the owner reference until the job is forgotten.
	if err := q.store.Acquire(j.id); err != nil {
		q.finish(j, types.JobFailed, err)
		return
	}

	var mask *image.Gray
	if len(j.masks) > 0 {
		b := img.Bounds()
		mask = imaging.CombineMasks(j.masks, b.Dx(), b.Dy())
	}

	prev := orig
	for i, d := range j.models {
		if q.cancelRequested(j) || ctx.Err() != nil {
			q.finish(j, types.JobCanceled, apperr.New(apperr.KindCanceled, "queue.run", j.id, "canceled before stage %d", i))
			return
		}
		in := orig
		if j.opts.Pipeline == types.PipelineChain {
			in = prev
		}
		out, err := q.runStage(ctx, j, i, d, in, mask)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				q.finish(j, types.JobCanceled, apperr.Wrap(apperr.KindCanceled, "queue.run", j.id, err))
				return
			}
			log.Error().Err(err).Int("stage", i).Str("model", d.ID).Msg("stage failed")
			q.finish(j, types.JobFailed, err)
			return
		}
		prev = out

		q.mu.Lock()
		j.stage = i + 1
		q.advanceLocked(j, float64(i+1)/float64(len(j.models)))
		info := q.infoLocked(j)
		q.mu.Unlock()
		ai := out.ArtifactInfo
		q.notify(j.id, Event{Type: EventArtifact, Job: info, Artifact: &ai})
	}
	// A cancel accepted during the last stage still ends the job as canceled;
	// every stage's output is kept.
	if q.cancelRequested(j) {
		q.finish(j, types.JobCanceled, apperr.New(apperr.KindCanceled, "queue.run", j.id, "canceled during the last stage"))
		return
	}
	q.finish(j, types.JobDone, nil)
}

// runStage runs model d over in. Load failures, including out of memory, come
// back from the loader after its own eviction retry. An out of memory
// failure during inference is retried once after evicting idle models.
func (q *Queue) runStage(ctx context.Context, j *Job, i int, d types.ModelDescriptor, in *artifact.Artifact, mask *image.Gray) (*artifact.Artifact, error) {
	start := time.Now()
	inst, err := q.loader.Acquire(ctx, d, j.dev)
	if err != nil {
		return nil, err
	}
	defer q.loader.Release(inst)

	n := float64(len(j.models))
	opts := imaging.TileOptions{
		Size:  j.opts.TileSize,
		Pad:   j.opts.TilePad,
		Scale: d.Scale,
		Mask:  mask,
		Progress: func(done, total int) {
			q.setProgress(j, (float64(i)+float64(done)/float64(total))/n)
		},
	}
	raw, err := imaging.RunTiled(ctx, in.Image, opts, inst.Model.Infer)
	if apperr.IsOutOfMemory(err) {
		evicted := q.loader.EvictIdle()
		q.log.Warn().Err(err).Str("job", j.id).Int("evicted", evicted).Str("model", d.ID).Msg("inference out of memory, retrying")
		raw, err = imaging.RunTiled(ctx, in.Image, opts, inst.Model.Infer)
	}
	if err != nil {
		return nil, fmt.Errorf("stage %d (%s): %w", i, d.ID, err)
	}

	var result image.Image = raw
	meta := artifact.Meta{
		JobID:   j.id,
		Stage:   i,
		ModelID: d.ID,
		Kind:    d.Kind,
		Scale:   in.Scale * float64(d.Scale),
		Masked:  mask != nil,
	}
	if j.opts.MaintainScale && d.Scale > 1 {
		b := in.Image.Bounds()
		result = imaging.Resize(raw, b.Dx(), b.Dy(), imaging.CatmullRom)
		meta.Scale = in.Scale
		meta.Downscaled = d.Scale
	}
	if blendable(d, meta.Downscaled) {
		meta.Raw = result
		meta.Input = in.Stage
		if s := j.opts.Strength; s < 1 {
			result = imaging.Blend(result, in.Image, s)
			meta.Strength = s
		}
	}
	a, err := q.store.Put(meta, result)
	if err != nil {
		return nil, err
	}
	stageDuration.WithLabelValues(string(d.Kind)).Observe(time.Since(start).Seconds())
	q.log.Debug().Str("job", j.id).Int("stage", i).Str("model", d.ID).Float64("scale", a.Scale).Dur("took", time.Since(start)).Msg("stage done")
	return a, nil
}

// blendable reports whether a stage's output is blended with its input:
// sharpen and denoise always, upscales only when scaled back down.
func blendable(d types.ModelDescriptor, downscaled int) bool {
	return d.Kind != types.KindUpscale || downscaled > 0
}

func (q *Queue) cancelRequested(j *Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return j.cancel
}

func (q *Queue) setProgress(j *Job, p float64) {
	q.mu.Lock()
	changed := q.advanceLocked(j, p)
	info := q.infoLocked(j)
	q.mu.Unlock()
	if changed {
		q.notify(j.id, Event{Type: EventProgress, Job: info})
	}
}

// advanceLocked raises progress; it never moves backwards.
func (q *Queue) advanceLocked(j *Job, p float64) bool {
	if p > 1 {
		p = 1
	}
	if p <= j.progress {
		return false
	}
	j.progress = p
	return true
}

// finish moves the running job to a terminal status and dispatches the next
// queued job.
func (q *Queue) finish(j *Job, status types.JobStatus, err error) {
	q.mu.Lock()
	j.status = status
	j.err = err
	j.finished = time.Now()
	j.img = nil
	j.masks = nil
	if status == types.JobDone {
		q.advanceLocked(j, 1)
	}
	info := q.infoLocked(j)
	if q.running == j {
		q.running = nil
	}
	if !q.closed && len(q.pending) > 0 {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.startLocked(next)
	}
	qlen := len(q.pending)
	q.mu.Unlock()
	queueLength.Set(float64(qlen))

	ev := q.log.Info()
	if err != nil {
		ev = q.log.Warn().Err(err)
	}
	ev.Str("job", j.id).Str("status", string(status)).Dur("took", j.finished.Sub(j.started)).Msg("job finished")
	q.terminal(j, info)
}

// terminal records history and delivers the end event. It runs once per job.
func (q *Queue) terminal(j *Job, info types.JobInfo) {
	if q.store != nil {
		info.Artifacts = q.store.ListJob(j.id)
	}
	jobsTotal.WithLabelValues(string(info.Status)).Inc()
	if q.recorder != nil {
		e := types.HistoryEntry{
			JobID:      j.id,
			Label:      j.label,
			Status:     info.Status,
			Error:      info.Error,
			Stages:     len(j.models),
			CreatedAt:  j.created,
			FinishedAt: j.finished,
		}
		if q.store != nil {
			e.Produced = q.store.Produced(j.id)
		}
		if !j.started.IsZero() {
			e.Latency = j.finished.Sub(j.started).Seconds()
		}
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		if err := q.recorder.Record(ctx, e); err != nil {
			q.log.Error().Err(err).Str("job", j.id).Msg("record history")
		}
		cancel()
	}
	q.notifyAndClose(j.id, Event{Type: EventEnd, Job: info})
	close(j.done)
}
