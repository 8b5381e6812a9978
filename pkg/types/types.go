package types

import "time"

// JobStatus is the state of a Job in the execution queue.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobCanceled JobStatus = "canceled"
	JobFailed   JobStatus = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobCanceled || s == JobFailed
}

// Pipeline selects how stages of a job are fed.
type Pipeline string

const (
	// PipelineFanout runs every model against the original image.
	PipelineFanout Pipeline = "fanout"
	// PipelineChain feeds each stage the previous stage's output.
	PipelineChain Pipeline = "chain"
)

// Valid reports whether p is a known pipeline.
func (p Pipeline) Valid() bool { return p == PipelineFanout || p == PipelineChain }

// OriginalModelID marks the artifact holding the unmodified source.
const OriginalModelID = "original"

// ArtifactInfo describes an image artifact without its pixels.
type ArtifactInfo struct {
	JobID     string    `json:"job_id"`
	Stage     int       `json:"stage"`
	Seq       uint64    `json:"seq"`
	ModelID   string    `json:"model_id"`
	Kind      ModelKind `json:"kind,omitempty"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Scale     float64   `json:"scale"`
	Path      string    `json:"path,omitempty"`
	// Strength is the blend strength applied, omitted when unblended.
	Strength float64 `json:"strength,omitempty"`
	// Reblendable artifacts keep their raw model output.
	Reblendable bool `json:"reblendable,omitempty"`
	// Masked outputs were limited to a mask region.
	Masked bool `json:"masked,omitempty"`
	// From is the stage a re-blended artifact was derived from.
	From      *int      `json:"from,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JobInfo is a read-only projection of a Job.
type JobInfo struct {
	ID          string         `json:"id"`
	Label       string         `json:"label"`
	Source      string         `json:"source"`
	Models      []string       `json:"models"`
	Pipeline    Pipeline       `json:"pipeline"`
	Status      JobStatus      `json:"status"`
	Stage       int            `json:"stage"`
	TotalStages int            `json:"total_stages"`
	Progress    float64        `json:"progress"`
	Device      string         `json:"device"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Artifacts   []ArtifactInfo `json:"artifacts,omitempty"`
}

// DeviceInfo describes the selected compute backend.
type DeviceInfo struct {
	Backend  string    `json:"backend" example:"cuda"`
	Name     string    `json:"name" example:"NVIDIA GeForce RTX 4090"`
	MemoryMB int       `json:"memory_mb" example:"24564"`
	MaxBatch int       `json:"max_batch" example:"12"`
	Version  string    `json:"version,omitempty" example:"12.4"`
	ProbedAt time.Time `json:"probed_at"`
}

// HistoryEntry is a finished job as persisted in the history store.
type HistoryEntry struct {
	JobID      string    `json:"job_id"`
	Label      string    `json:"label"`
	Status     JobStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	Stages     int       `json:"stages"`
	Produced   int       `json:"produced"`
	Latency    float64   `json:"latency_seconds"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ExportedFile is one file placed by an export.
type ExportedFile struct {
	Path    string  `json:"path"`
	ModelID string  `json:"model_id"`
	Stage   int     `json:"stage"`
	Scale   float64 `json:"scale"`
	// New is false when the file already existed before the export.
	New bool `json:"new"`
}

// ExportResult lists the files an export produced.
type ExportResult struct {
	JobID   string         `json:"job_id"`
	Dir     string         `json:"dir"`
	Outputs []ExportedFile `json:"outputs"`
}

// PaneState is the display transform of one viewer pane.
type PaneState struct {
	JobID   string  `json:"job_id"`
	Stage   int     `json:"stage"`
	ModelID string  `json:"model_id"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	Scale   float64 `json:"scale"`
	Zoom    float64 `json:"zoom"`
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`
}

// ViewState is a snapshot of a compare viewer session.
type ViewState struct {
	ID        string      `json:"id"`
	Mode      string      `json:"mode"`
	Linked    bool        `json:"linked"`
	ViewportW float64     `json:"viewport_w"`
	ViewportH float64     `json:"viewport_h"`
	Divider   float64     `json:"divider"`
	MinZoom   float64     `json:"min_zoom"`
	MaxZoom   float64     `json:"max_zoom"`
	Panes     []PaneState `json:"panes"`
}
