package types

// SubmitRequest is the payload used to submit a new enhancement job.
type SubmitRequest struct {
	// Path of the source image on the daemon host.
	// example: /photos/IMG_0001.jpg
	ImagePath string `json:"image_path" example:"/photos/IMG_0001.jpg"`
	// Ordered model ids.
	// example: ["up4x","sharpen-s"]
	Models []string `json:"models" example:"up4x,sharpen-s"`
	// Pipeline: fanout (default) or chain.
	// example: fanout
	Pipeline Pipeline `json:"pipeline,omitempty" example:"fanout"`
	// Blend strength for sharpen/denoise outputs (0..1]. Omitted uses the server default.
	// example: 0.8
	Strength *float64 `json:"strength,omitempty" example:"0.8"`
	// Downscale upscale outputs back to the input size.
	MaintainScale *bool `json:"maintain_scale,omitempty"`
	// Tile size in pixels (0 = whole image). Omitted uses the server default.
	TileSize *int `json:"tile_size,omitempty"`
	// Tile context padding in pixels.
	TilePad *int `json:"tile_pad,omitempty"`
	// Masks limit every stage to a region of the source image.
	Masks []MaskRef `json:"masks,omitempty"`
}

// MaskRef names a mask image on the daemon host. Bright pixels are inside;
// an inverted mask excludes them instead.
type MaskRef struct {
	Path     string `json:"path" example:"/photos/IMG_0001_sky.png"`
	Inverted bool   `json:"inverted,omitempty"`
}

// SubmitResponse is returned by POST /jobs.
type SubmitResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []ModelDescriptor `json:"models"`
}

// JobsResponse wraps the list returned by GET /jobs.
type JobsResponse struct {
	Jobs []JobInfo `json:"jobs"`
}

// HistoryResponse wraps the list returned by GET /history.
type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// ExportRequest is the payload of POST /jobs/{id}/export.
type ExportRequest struct {
	Dir string `json:"dir" example:"/photos/enhanced"`
}

// ReblendRequest is the payload of POST /jobs/{id}/artifacts/{stage}/reblend.
type ReblendRequest struct {
	Strength float64 `json:"strength" example:"0.5"`
}

// ViewCreateRequest opens a compare viewer session.
type ViewCreateRequest struct {
	Mode      string        `json:"mode" example:"split"`
	ViewportW float64       `json:"viewport_w" example:"1600"`
	ViewportH float64       `json:"viewport_h" example:"900"`
	Linked    *bool         `json:"linked,omitempty"`
	Panes     []ArtifactRef `json:"panes"`
}

// ArtifactRef addresses an artifact by job and stage; stage -1 is the original.
type ArtifactRef struct {
	JobID string `json:"job_id"`
	Stage int    `json:"stage"`
}

// ViewZoomRequest zooms a pane around a cursor position.
type ViewZoomRequest struct {
	Pane    int     `json:"pane"`
	Steps   int     `json:"steps"`
	CursorX float64 `json:"cursor_x"`
	CursorY float64 `json:"cursor_y"`
}

// ViewPanRequest moves a pane.
type ViewPanRequest struct {
	Pane int     `json:"pane"`
	DX   float64 `json:"dx"`
	DY   float64 `json:"dy"`
}

// ViewDividerRequest moves the split divider.
type ViewDividerRequest struct {
	Position float64 `json:"position"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Error kind.
	// example: validation_error
	Kind string `json:"kind,omitempty" example:"validation_error"`
}

// InstanceStatus summarizes a loaded model instance for /status.
type InstanceStatus struct {
	// ID of the model this instance serves.
	// example: up4x
	ModelID string `json:"model_id" example:"up4x"`
	// Backend the instance is bound to.
	// example: cuda
	Backend string `json:"backend" example:"cuda"`
	// Last time this instance ran a stage (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Estimated device memory usage in MB.
	// example: 1200
	EstMB int `json:"est_mb" example:"1200"`
	// Number of holders currently running the instance.
	InUse int `json:"in_use"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Device         DeviceInfo       `json:"device"`
	Instances      []InstanceStatus `json:"instances"`
	BudgetMB       int              `json:"budget_mb" example:"8192"`
	UsedMB         int              `json:"used_est_mb" example:"2048"`
	MarginMB       int              `json:"margin_mb" example:"512"`
	LoadsTotal     uint64           `json:"loads_total" example:"12"`
	EvictionsTotal uint64           `json:"evictions_total" example:"5"`
	QueueLen       int              `json:"queue_len" example:"2"`
	Running        string           `json:"running,omitempty"`
	Artifacts      int              `json:"artifacts" example:"7"`
	UptimeSeconds  int64            `json:"uptime_seconds" example:"3600"`
	ServerTimeUnix int64            `json:"server_time_unix" example:"1700000000"`
}
