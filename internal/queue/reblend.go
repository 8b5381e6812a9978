package queue

import (
	"enhanced/internal/apperr"
	"enhanced/internal/artifact"
	"enhanced/internal/imaging"
	"enhanced/pkg/types"
)

// Reblend blends the raw model output of a finished job's stage with that
// stage's input at a new strength, without running the model again. The
// result is stored as a new artifact at the job's next stage index; the
// existing artifacts are left untouched.
func (q *Queue) Reblend(jobID string, stage int, strength float64) (types.ArtifactInfo, error) {
	const op = "queue.reblend"
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	var status types.JobStatus
	if ok {
		status = j.status
	}
	q.mu.Unlock()
	if !ok {
		return types.ArtifactInfo{}, apperr.NotFound(op, jobID)
	}
	if !status.IsTerminal() {
		return types.ArtifactInfo{}, apperr.InUse(op, jobID, "job is %s", status)
	}
	if strength <= 0 || strength > 1 {
		return types.ArtifactInfo{}, apperr.Validation(op, "strength must be in (0,1], got %v", strength)
	}

	a, err := q.store.Get(jobID, stage)
	if err != nil {
		return types.ArtifactInfo{}, err
	}
	if a.Raw == nil {
		return types.ArtifactInfo{}, apperr.Validation(op, "stage %d of job %s has no raw output to re-blend", stage, jobID)
	}
	in, err := q.store.Get(jobID, a.Input)
	if err != nil {
		return types.ArtifactInfo{}, err
	}
	from := stage
	if a.From != nil {
		from = *a.From
	}
	out, err := q.store.Append(artifact.Meta{
		JobID:      jobID,
		ModelID:    a.ModelID,
		Kind:       a.Kind,
		Scale:      a.Scale,
		Strength:   strength,
		Downscaled: a.Downscaled,
		Masked:     a.Masked,
		Raw:        a.Raw,
		RawPath:    a.RawPath,
		Input:      a.Input,
		From:       &from,
	}, imaging.Blend(a.Raw, in.Image, strength))
	if err != nil {
		return types.ArtifactInfo{}, err
	}
	q.log.Info().Str("job", jobID).Int("from", from).Int("stage", out.Stage).Float64("strength", strength).Msg("stage re-blended")
	return out.ArtifactInfo, nil
}
