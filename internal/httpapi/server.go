package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"enhanced/internal/artifact"
	"enhanced/internal/config"
	"enhanced/internal/imaging"
	"enhanced/internal/queue"
	"enhanced/internal/viewer"
	"enhanced/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Ready() bool
	Status() types.StatusResponse

	ListModels() []types.ModelDescriptor
	RefreshModels(ctx context.Context) ([]types.ModelDescriptor, error)
	InstallModel(ctx context.Context, id string) (types.ModelDescriptor, error)
	UninstallModel(id string) error

	Device() types.DeviceInfo
	ProbeDevice(ctx context.Context) (types.DeviceInfo, error)

	Submit(ctx context.Context, req types.SubmitRequest) (string, error)
	SubmitImage(ctx context.Context, name string, r io.Reader, req types.SubmitRequest) (string, error)
	Jobs() []types.JobInfo
	Job(id string) (types.JobInfo, error)
	CancelJob(id string) error
	ForgetJob(id string) error
	Subscribe(id string) (<-chan queue.Event, error)
	Unsubscribe(id string, ch <-chan queue.Event)

	Artifacts(jobID string) ([]types.ArtifactInfo, error)
	Artifact(jobID string, stage int) (*artifact.Artifact, error)
	Reblend(jobID string, stage int, strength float64) (types.ArtifactInfo, error)
	Export(jobID, dir string) (types.ExportResult, error)
	History(ctx context.Context, limit int) ([]types.HistoryEntry, error)

	OpenView(req types.ViewCreateRequest) (types.ViewState, error)
	UpdateView(id string, fn func(*viewer.Controller) error) (types.ViewState, error)
	CloseView(id string) error
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(RequestLogger)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5, "application/json"))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		origins := corsAllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		methods := corsAllowedMethods
		if len(methods) == 0 {
			methods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
		}
		headers := corsAllowedHeaders
		if len(headers) == 0 {
			headers = []string{"Content-Type", "X-Log-Level"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: methods,
			AllowedHeaders: headers,
			MaxAge:         300,
		}))
	}

	a := &api{svc: svc}

	r.Route("/models", func(r chi.Router) {
		r.Get("/", a.listModels)
		r.Post("/refresh", a.refreshModels)
		r.Post("/{id}/install", a.installModel)
		r.Delete("/{id}", a.uninstallModel)
	})

	r.Get("/device", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Device())
	})
	r.Post("/device/probe", a.probeDevice)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.submit)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, types.JobsResponse{Jobs: svc.Jobs()})
		})
		r.Get("/{id}", a.getJob)
		r.Delete("/{id}", a.forgetJob)
		r.Post("/{id}/cancel", a.cancelJob)
		r.Get("/{id}/events", jobEvents(svc))
		r.Get("/{id}/artifacts", a.listArtifacts)
		r.Post("/{id}/artifacts/{stage}/reblend", a.reblend)
		r.Post("/{id}/export", a.exportJob)
	})
	r.Get("/artifacts/{job}/{stage}", a.artifactImage)
	r.Get("/history", a.history)

	r.Route("/views", func(r chi.Router) {
		r.Post("/", a.openView)
		r.Get("/{id}", a.getView)
		r.Post("/{id}/zoom", a.zoomView)
		r.Post("/{id}/pan", a.panView)
		r.Post("/{id}/divider", a.dividerView)
		r.Post("/{id}/fit", a.fitView)
		r.Delete("/{id}", a.closeView)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

type api struct {
	svc Service
}

// decodeJSON enforces the content type and body limit shared by JSON endpoints.
// It writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		// Oversized bodies also land here; keep the status generic.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// Models

func (a *api) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: a.svc.ListModels()})
}

func (a *api) refreshModels(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	models, err := a.svc.RefreshModels(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

func (a *api) installModel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	d, err := a.svc.InstallModel(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) uninstallModel(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.UninstallModel(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) probeDevice(w http.ResponseWriter, r *http.Request) {
	info, err := a.svc.ProbeDevice(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Jobs

func (a *api) submit(w http.ResponseWriter, r *http.Request) {
	var (
		id  string
		err error
	)
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		id, err = a.submitUpload(w, r)
	} else {
		var req types.SubmitRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.ImagePath) == "" {
			writeJSONErrorKind(w, http.StatusBadRequest, "image_path is required", "validation_error")
			return
		}
		id, err = a.svc.Submit(r.Context(), req)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	status := types.JobQueued
	if info, err := a.svc.Job(id); err == nil {
		status = info.Status
	}
	w.Header().Set("Location", "/jobs/"+id)
	writeJSON(w, http.StatusAccepted, types.SubmitResponse{JobID: id, Status: status})
}

// submitUpload reads a multipart submission: the image file in "image" and
// options as form fields named like the JSON payload.
func (a *api) submitUpload(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return "", badRequest("invalid multipart body: %v", err)
	}
	defer r.MultipartForm.RemoveAll()
	req, err := submitFromForm(r)
	if err != nil {
		return "", err
	}
	f, hdr, err := r.FormFile("image")
	if err != nil {
		if req.ImagePath != "" {
			return a.svc.Submit(r.Context(), req)
		}
		return "", badRequest("image file is required")
	}
	defer f.Close()
	return a.svc.SubmitImage(r.Context(), hdr.Filename, f, req)
}

func submitFromForm(r *http.Request) (types.SubmitRequest, error) {
	req := types.SubmitRequest{
		ImagePath: r.FormValue("image_path"),
		Models:    config.SplitCSV(r.FormValue("models")),
		Pipeline:  types.Pipeline(r.FormValue("pipeline")),
	}
	for _, p := range r.Form["mask"] {
		req.Masks = append(req.Masks, types.MaskRef{Path: p})
	}
	for _, p := range r.Form["inverted_mask"] {
		req.Masks = append(req.Masks, types.MaskRef{Path: p, Inverted: true})
	}
	if v := r.FormValue("strength"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, badRequest("strength: %v", err)
		}
		req.Strength = &f
	}
	if v := r.FormValue("maintain_scale"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, badRequest("maintain_scale: %v", err)
		}
		req.MaintainScale = &b
	}
	for name, dst := range map[string]**int{"tile_size": &req.TileSize, "tile_pad": &req.TilePad} {
		if v := r.FormValue(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return req, badRequest("%s: %v", name, err)
			}
			*dst = &n
		}
	}
	return req, nil
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	info, err := a.svc.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *api) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.CancelJob(id); err != nil {
		writeError(w, err)
		return
	}
	info, err := a.svc.Job(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// forgetJob drops a finished job and releases its artifacts.
func (a *api) forgetJob(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.ForgetJob(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Artifacts

func (a *api) listArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := a.svc.Artifacts(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if arts == nil {
		arts = []types.ArtifactInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": arts})
}

// stageParam reads the {stage} URL parameter; "original" is stage -1.
func stageParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := chi.URLParam(r, "stage")
	if s == types.OriginalModelID {
		return -1, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		writeJSONErrorKind(w, http.StatusBadRequest, "stage must be a non-negative integer or \"original\"", "validation_error")
		return 0, false
	}
	return n, true
}

// reblend stores a new artifact blending a stage's raw output at another strength.
func (a *api) reblend(w http.ResponseWriter, r *http.Request) {
	stage, ok := stageParam(w, r)
	if !ok {
		return
	}
	var req types.ReblendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	info, err := a.svc.Reblend(chi.URLParam(r, "id"), stage, req.Strength)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/artifacts/"+info.JobID+"/"+strconv.Itoa(info.Stage))
	writeJSON(w, http.StatusCreated, info)
}

// artifactImage serves the pixels of one artifact. The stage "original"
// addresses the job's source image.
func (a *api) artifactImage(w http.ResponseWriter, r *http.Request) {
	stage, ok := stageParam(w, r)
	if !ok {
		return
	}
	art, err := a.svc.Artifact(chi.URLParam(r, "job"), stage)
	if err != nil {
		writeError(w, err)
		return
	}
	if art.Path != "" {
		http.ServeFile(w, r, art.Path)
		return
	}
	if ct := mime.TypeByExtension(art.Format.Ext()); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if err := imaging.Encode(w, art.Image, art.Format); err != nil {
		logf(LevelError, "encode artifact %s/%d: %v", art.JobID, art.Stage, err)
	}
}

func (a *api) exportJob(w http.ResponseWriter, r *http.Request) {
	var req types.ExportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := a.svc.Export(chi.URLParam(r, "id"), req.Dir)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONErrorKind(w, http.StatusBadRequest, "limit must be a non-negative integer", "validation_error")
			return
		}
		limit = n
	}
	entries, err := a.svc.History(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, types.HistoryResponse{Entries: entries})
}

// Views

func (a *api) openView(w http.ResponseWriter, r *http.Request) {
	var req types.ViewCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	st, err := a.svc.OpenView(req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/views/"+st.ID)
	writeJSON(w, http.StatusCreated, st)
}

func (a *api) getView(w http.ResponseWriter, r *http.Request) {
	a.updateView(w, r, nil)
}

func (a *api) zoomView(w http.ResponseWriter, r *http.Request) {
	var req types.ViewZoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a.updateView(w, r, func(c *viewer.Controller) error {
		return c.Zoom(req.Pane, req.Steps, req.CursorX, req.CursorY)
	})
}

func (a *api) panView(w http.ResponseWriter, r *http.Request) {
	var req types.ViewPanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a.updateView(w, r, func(c *viewer.Controller) error {
		return c.Pan(req.Pane, req.DX, req.DY)
	})
}

func (a *api) dividerView(w http.ResponseWriter, r *http.Request) {
	var req types.ViewDividerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a.updateView(w, r, func(c *viewer.Controller) error {
		c.SetDivider(req.Position)
		return nil
	})
}

func (a *api) fitView(w http.ResponseWriter, r *http.Request) {
	a.updateView(w, r, func(c *viewer.Controller) error {
		c.Fit()
		return nil
	})
}

func (a *api) updateView(w http.ResponseWriter, r *http.Request, fn func(*viewer.Controller) error) {
	st, err := a.svc.UpdateView(chi.URLParam(r, "id"), fn)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) closeView(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.CloseView(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
