package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"enhanced/internal/apperr"
	"enhanced/internal/artifact"
	"enhanced/internal/imaging"
	"enhanced/internal/queue"
	"enhanced/internal/viewer"
	"enhanced/pkg/types"
)

// mockService answers from its fields; nil funcs fall back to zero values.
type mockService struct {
	models []types.ModelDescriptor
	status types.StatusResponse
	ready  bool
	jobs   map[string]types.JobInfo

	submitErr  error
	lastSubmit types.SubmitRequest
	uploadName string
	uploadBody []byte

	uninstallErr error
	events       []queue.Event
	artifact     *artifact.Artifact
	history      []types.HistoryEntry
	historyLimit int
	view         *viewer.Controller
	reblended    []float64
}

func (m *mockService) Ready() bool                  { return m.ready }
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) ListModels() []types.ModelDescriptor {
	return append([]types.ModelDescriptor(nil), m.models...)
}
func (m *mockService) RefreshModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	return m.models, nil
}
func (m *mockService) InstallModel(ctx context.Context, id string) (types.ModelDescriptor, error) {
	for _, d := range m.models {
		if d.ID == id {
			d.State = types.StateInstalled
			return d, nil
		}
	}
	return types.ModelDescriptor{}, apperr.NotFound("registry.install", id)
}
func (m *mockService) UninstallModel(id string) error { return m.uninstallErr }
func (m *mockService) Device() types.DeviceInfo       { return types.DeviceInfo{Backend: "cpu"} }
func (m *mockService) ProbeDevice(ctx context.Context) (types.DeviceInfo, error) {
	return types.DeviceInfo{Backend: "cpu", Name: "probe"}, nil
}
func (m *mockService) Submit(ctx context.Context, req types.SubmitRequest) (string, error) {
	m.lastSubmit = req
	if m.submitErr != nil {
		return "", m.submitErr
	}
	return "job-1", nil
}
func (m *mockService) SubmitImage(ctx context.Context, name string, r io.Reader, req types.SubmitRequest) (string, error) {
	m.lastSubmit = req
	m.uploadName = name
	m.uploadBody, _ = io.ReadAll(r)
	return "job-up", nil
}
func (m *mockService) Jobs() []types.JobInfo {
	var out []types.JobInfo
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out
}
func (m *mockService) Job(id string) (types.JobInfo, error) {
	if j, ok := m.jobs[id]; ok {
		return j, nil
	}
	return types.JobInfo{}, apperr.NotFound("queue.get", id)
}
func (m *mockService) CancelJob(id string) error {
	j, ok := m.jobs[id]
	if !ok {
		return apperr.NotFound("queue.cancel", id)
	}
	j.Status = types.JobCanceled
	m.jobs[id] = j
	return nil
}
func (m *mockService) ForgetJob(id string) error {
	j, ok := m.jobs[id]
	if !ok {
		return apperr.NotFound("queue.forget", id)
	}
	if !j.Status.IsTerminal() {
		return apperr.InUse("queue.forget", id, "job is %s", j.Status)
	}
	delete(m.jobs, id)
	return nil
}
func (m *mockService) Subscribe(id string) (<-chan queue.Event, error) {
	if _, ok := m.jobs[id]; !ok {
		return nil, apperr.NotFound("queue.subscribe", id)
	}
	ch := make(chan queue.Event, len(m.events))
	for _, ev := range m.events {
		ch <- ev
	}
	return ch, nil
}
func (m *mockService) Unsubscribe(id string, ch <-chan queue.Event) {}
func (m *mockService) Artifacts(jobID string) ([]types.ArtifactInfo, error) {
	if _, ok := m.jobs[jobID]; !ok {
		return nil, apperr.NotFound("service.artifacts", jobID)
	}
	return nil, nil
}
func (m *mockService) Artifact(jobID string, stage int) (*artifact.Artifact, error) {
	if m.artifact != nil && m.artifact.JobID == jobID && m.artifact.Stage == stage {
		return m.artifact, nil
	}
	return nil, apperr.NotFound("artifact.get", jobID)
}
func (m *mockService) Reblend(jobID string, stage int, strength float64) (types.ArtifactInfo, error) {
	j, ok := m.jobs[jobID]
	if !ok {
		return types.ArtifactInfo{}, apperr.NotFound("queue.reblend", jobID)
	}
	if !j.Status.IsTerminal() {
		return types.ArtifactInfo{}, apperr.InUse("queue.reblend", jobID, "job is %s", j.Status)
	}
	if strength <= 0 || strength > 1 {
		return types.ArtifactInfo{}, apperr.Validation("queue.reblend", "strength %v", strength)
	}
	m.reblended = append(m.reblended, strength)
	from := stage
	return types.ArtifactInfo{JobID: jobID, Stage: 2, Strength: strength, From: &from, Reblendable: true}, nil
}
func (m *mockService) Export(jobID, dir string) (types.ExportResult, error) {
	if dir == "" {
		return types.ExportResult{}, apperr.Validation("export", "dir is required")
	}
	return types.ExportResult{JobID: jobID, Dir: dir}, nil
}
func (m *mockService) History(ctx context.Context, limit int) ([]types.HistoryEntry, error) {
	m.historyLimit = limit
	return m.history, nil
}
func (m *mockService) OpenView(req types.ViewCreateRequest) (types.ViewState, error) {
	if len(req.Panes) == 0 {
		return types.ViewState{}, apperr.Validation("viewer.open", "no panes")
	}
	return types.ViewState{ID: "v1", Mode: req.Mode}, nil
}
func (m *mockService) UpdateView(id string, fn func(*viewer.Controller) error) (types.ViewState, error) {
	if id != "v1" || m.view == nil {
		return types.ViewState{}, apperr.NotFound("viewer.get", id)
	}
	if fn != nil {
		if err := fn(m.view); err != nil {
			return types.ViewState{}, apperr.Validation("viewer.update", "%v", err)
		}
	}
	st := m.view.State()
	st.ID = id
	return st, nil
}
func (m *mockService) CloseView(id string) error {
	if id != "v1" {
		return apperr.NotFound("viewer.close", id)
	}
	return nil
}

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func do(h http.Handler, method, target, ct string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestModelsHandler(t *testing.T) {
	svc := &mockService{models: []types.ModelDescriptor{{ID: "up4x"}, {ID: "denoise"}}}
	w := do(NewMux(svc), http.MethodGet, "/models", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var body types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Models) != 2 {
		t.Fatalf("models len=%d", len(body.Models))
	}
}

func TestInstallUnknownModel404(t *testing.T) {
	w := do(NewMux(&mockService{}), http.MethodPost, "/models/nope/install", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Kind != "not_found" || body.Code != http.StatusNotFound {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestUninstallInUse409(t *testing.T) {
	svc := &mockService{uninstallErr: apperr.InUse("registry.uninstall", "up4x", "referenced by job")}
	w := do(NewMux(svc), http.MethodDelete, "/models/up4x", "", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d", w.Code)
	}
	svc.uninstallErr = nil
	w = do(NewMux(svc), http.MethodDelete, "/models/up4x", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{BudgetMB: 10, QueueLen: 2}}
	w := do(NewMux(svc), http.MethodGet, "/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.BudgetMB != 10 || body.QueueLen != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	w := do(NewMux(&mockService{ready: true}), http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestReadyz_NotReady(t *testing.T) {
	w := do(NewMux(&mockService{}), http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	w := do(NewMux(&mockService{}), http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestSubmitJSON(t *testing.T) {
	svc := &mockService{jobs: map[string]types.JobInfo{"job-1": {ID: "job-1", Status: types.JobRunning}}}
	w := do(NewMux(svc), http.MethodPost, "/jobs", "application/json",
		strings.NewReader(`{"image_path":"/p/a.png","models":["up4x","denoise"],"pipeline":"chain","strength":0.5}`))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var body types.SubmitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.JobID != "job-1" || body.Status != types.JobRunning {
		t.Fatalf("unexpected body: %+v", body)
	}
	if w.Header().Get("Location") != "/jobs/job-1" {
		t.Fatalf("location=%q", w.Header().Get("Location"))
	}
	got := svc.lastSubmit
	if got.Pipeline != types.PipelineChain || len(got.Models) != 2 || got.Strength == nil || *got.Strength != 0.5 {
		t.Fatalf("request not forwarded: %+v", got)
	}
}

func TestSubmitBadJSON(t *testing.T) {
	w := do(NewMux(&mockService{}), http.MethodPost, "/jobs", "application/json", strings.NewReader("not-json"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestSubmitUnsupportedMediaType(t *testing.T) {
	w := do(NewMux(&mockService{}), http.MethodPost, "/jobs", "text/plain", strings.NewReader(`{}`))
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestSubmitImagePathRequired(t *testing.T) {
	w := do(NewMux(&mockService{}), http.MethodPost, "/jobs", "application/json", strings.NewReader(`{"image_path":"  ","models":["a"]}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing image_path, got %d", w.Code)
	}
}

func TestSubmitBodyTooLarge(t *testing.T) {
	big := bytes.Repeat([]byte("a"), (1<<20)+10)
	w := do(NewMux(&mockService{}), http.MethodPost, "/jobs", "application/json", bytes.NewReader(big))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too-large body, got %d", w.Code)
	}
}

func TestSubmitValidationErrorMaps400(t *testing.T) {
	svc := &mockService{submitErr: apperr.Validation("queue.submit", "unknown model %q", "x")}
	w := do(NewMux(svc), http.MethodPost, "/jobs", "application/json", strings.NewReader(`{"image_path":"/a.png","models":["x"]}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "validation_error") {
		t.Fatalf("body=%s", w.Body.String())
	}
}

func TestSubmitMultipartUpload(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("models", "up4x, sharpen-s")
	_ = mw.WriteField("maintain_scale", "true")
	_ = mw.WriteField("tile_size", "256")
	fw, _ := mw.CreateFormFile("image", "holiday.png")
	_, _ = fw.Write([]byte("pixels"))
	_ = mw.Close()

	svc := &mockService{}
	w := do(NewMux(svc), http.MethodPost, "/jobs", mw.FormDataContentType(), &buf)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if svc.uploadName != "holiday.png" || string(svc.uploadBody) != "pixels" {
		t.Fatalf("upload not forwarded: name=%q body=%q", svc.uploadName, svc.uploadBody)
	}
	got := svc.lastSubmit
	if len(got.Models) != 2 || got.Models[1] != "sharpen-s" {
		t.Fatalf("models=%v", got.Models)
	}
	if got.MaintainScale == nil || !*got.MaintainScale || got.TileSize == nil || *got.TileSize != 256 {
		t.Fatalf("options not parsed: %+v", got)
	}
}

func TestSubmitMultipartMasks(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("image_path", "/photos/a.png")
	_ = mw.WriteField("models", "sharpen-s")
	_ = mw.WriteField("mask", "/masks/face.png")
	_ = mw.WriteField("mask", "/masks/hands.png")
	_ = mw.WriteField("inverted_mask", "/masks/sky.png")
	_ = mw.Close()

	svc := &mockService{}
	w := do(NewMux(svc), http.MethodPost, "/jobs", mw.FormDataContentType(), &buf)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	want := []types.MaskRef{{Path: "/masks/face.png"}, {Path: "/masks/hands.png"}, {Path: "/masks/sky.png", Inverted: true}}
	got := svc.lastSubmit.Masks
	if len(got) != len(want) {
		t.Fatalf("masks=%+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mask %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSubmitMultipartBadField(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("strength", "lots")
	_ = mw.Close()
	w := do(NewMux(&mockService{}), http.MethodPost, "/jobs", mw.FormDataContentType(), &buf)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestJobNotFound(t *testing.T) {
	w := do(NewMux(&mockService{}), http.MethodGet, "/jobs/missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestCancelJobReturnsSnapshot(t *testing.T) {
	svc := &mockService{jobs: map[string]types.JobInfo{"j": {ID: "j", Status: types.JobQueued}}}
	w := do(NewMux(svc), http.MethodPost, "/jobs/j/cancel", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var info types.JobInfo
	_ = json.Unmarshal(w.Body.Bytes(), &info)
	if info.Status != types.JobCanceled {
		t.Fatalf("status=%s", info.Status)
	}
}

func TestForgetJob(t *testing.T) {
	svc := &mockService{jobs: map[string]types.JobInfo{
		"done": {ID: "done", Status: types.JobDone},
		"busy": {ID: "busy", Status: types.JobRunning},
	}}
	h := NewMux(svc)
	if w := do(h, http.MethodDelete, "/jobs/busy", "", nil); w.Code != http.StatusConflict {
		t.Fatalf("running job: status=%d", w.Code)
	}
	if w := do(h, http.MethodDelete, "/jobs/done", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("done job: status=%d", w.Code)
	}
	if w := do(h, http.MethodGet, "/jobs/done", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("forgotten job still served: %d", w.Code)
	}
}

func TestReblendArtifact(t *testing.T) {
	svc := &mockService{jobs: map[string]types.JobInfo{
		"done": {ID: "done", Status: types.JobDone},
		"busy": {ID: "busy", Status: types.JobRunning},
	}}
	h := NewMux(svc)

	w := do(h, http.MethodPost, "/jobs/done/artifacts/0/reblend", "application/json", strings.NewReader(`{"strength":0.4}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/artifacts/done/2" {
		t.Fatalf("location=%q", loc)
	}
	var info types.ArtifactInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.From == nil || *info.From != 0 || info.Strength != 0.4 {
		t.Fatalf("info=%+v", info)
	}

	cases := []struct {
		target, body string
		code         int
	}{
		{"/jobs/busy/artifacts/0/reblend", `{"strength":0.4}`, http.StatusConflict},
		{"/jobs/gone/artifacts/0/reblend", `{"strength":0.4}`, http.StatusNotFound},
		{"/jobs/done/artifacts/x/reblend", `{"strength":0.4}`, http.StatusBadRequest},
		{"/jobs/done/artifacts/0/reblend", `{"strength":0}`, http.StatusBadRequest},
		{"/jobs/done/artifacts/0/reblend", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if w := do(h, http.MethodPost, tc.target, "application/json", strings.NewReader(tc.body)); w.Code != tc.code {
			t.Errorf("%s %s: status=%d, want %d", tc.target, tc.body, w.Code, tc.code)
		}
	}
	if len(svc.reblended) != 1 {
		t.Fatalf("service reblends=%v", svc.reblended)
	}
}

func TestJobEventsStream(t *testing.T) {
	job := types.JobInfo{ID: "j", Status: types.JobRunning, TotalStages: 1}
	done := job
	done.Status = types.JobDone
	svc := &mockService{
		jobs: map[string]types.JobInfo{"j": job},
		events: []queue.Event{
			{Type: queue.EventProgress, Job: job},
			{Type: queue.EventEnd, Job: done},
			{Type: queue.EventProgress, Job: done},
		},
	}
	w := do(NewMux(svc), http.MethodGet, "/jobs/j/events", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"event: snapshot", "event: progress", "event: end", `"status":"done"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in stream:\n%s", want, body)
		}
	}
	if strings.Count(body, "event: progress") != 1 {
		t.Fatalf("stream continued past end:\n%s", body)
	}
}

func TestJobEventsUnknownJob(t *testing.T) {
	w := do(NewMux(&mockService{}), http.MethodGet, "/jobs/x/events", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestArtifactImageInMemory(t *testing.T) {
	art := &artifact.Artifact{
		ArtifactInfo: types.ArtifactInfo{JobID: "j", Stage: artifact.OriginalStage, Width: 2, Height: 2},
		Image:        image.NewNRGBA(image.Rect(0, 0, 2, 2)),
		Format:       imaging.PNG,
	}
	w := do(NewMux(&mockService{artifact: art}), http.MethodGet, "/artifacts/j/original", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content-type=%q", ct)
	}
	img, _, err := imaging.Decode(w.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 2 {
		t.Fatalf("width=%d", img.Bounds().Dx())
	}
}

func TestArtifactBadStage(t *testing.T) {
	w := do(NewMux(&mockService{}), http.MethodGet, "/artifacts/j/-3", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestExportAndHistory(t *testing.T) {
	svc := &mockService{history: []types.HistoryEntry{{JobID: "a"}}}
	h := NewMux(svc)
	w := do(h, http.MethodPost, "/jobs/a/export", "application/json", strings.NewReader(`{"dir":"/out"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("export status=%d", w.Code)
	}
	w = do(h, http.MethodPost, "/jobs/a/export", "application/json", strings.NewReader(`{}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("export without dir status=%d", w.Code)
	}
	w = do(h, http.MethodGet, "/history?limit=5", "", nil)
	if w.Code != http.StatusOK || svc.historyLimit != 5 {
		t.Fatalf("history status=%d limit=%d", w.Code, svc.historyLimit)
	}
	w = do(h, http.MethodGet, "/history?limit=abc", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", w.Code)
	}
}

func TestViewRoutes(t *testing.T) {
	ctl, err := viewer.NewController(viewer.Split, 200, 100, 100, 100,
		[]types.ArtifactInfo{{Scale: 1}, {Scale: 4}}, viewer.Limits{MinZoom: 0.01})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	svc := &mockService{view: ctl}
	h := NewMux(svc)

	w := do(h, http.MethodPost, "/views", "application/json", strings.NewReader(`{"mode":"split","panes":[{"job_id":"j","stage":0}]}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("open status=%d", w.Code)
	}
	w = do(h, http.MethodPost, "/views", "application/json", strings.NewReader(`{"panes":[]}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("open empty status=%d", w.Code)
	}

	before := ctl.State().Panes[0].Zoom
	w = do(h, http.MethodPost, "/views/v1/zoom", "application/json", strings.NewReader(`{"pane":0,"steps":2,"cursor_x":50,"cursor_y":50}`))
	if w.Code != http.StatusOK {
		t.Fatalf("zoom status=%d body=%s", w.Code, w.Body.String())
	}
	var st types.ViewState
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if st.Panes[0].Zoom <= before {
		t.Fatalf("zoom did not increase: %v -> %v", before, st.Panes[0].Zoom)
	}

	w = do(h, http.MethodPost, "/views/v1/zoom", "application/json", strings.NewReader(`{"pane":7,"steps":1}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad pane status=%d", w.Code)
	}

	w = do(h, http.MethodPost, "/views/v1/divider", "application/json", strings.NewReader(`{"position":0.25}`))
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if w.Code != http.StatusOK || st.Divider != 0.25 {
		t.Fatalf("divider status=%d value=%v", w.Code, st.Divider)
	}

	w = do(h, http.MethodPost, "/views/v1/fit", "", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if w.Code != http.StatusOK || st.Panes[0].Zoom != before {
		t.Fatalf("fit status=%d zoom=%v want %v", w.Code, st.Panes[0].Zoom, before)
	}

	if w = do(h, http.MethodGet, "/views/nope", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown view status=%d", w.Code)
	}
	if w = do(h, http.MethodDelete, "/views/v1", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("close status=%d", w.Code)
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)

	h := NewMux(&mockService{ready: true})
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS header Access-Control-Allow-Origin to be set, got empty")
	}
}

func TestStatusForKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("op", "bad"), http.StatusBadRequest},
		{apperr.NotFound("op", "x"), http.StatusNotFound},
		{apperr.InUse("op", "x", "busy"), http.StatusConflict},
		{apperr.New(apperr.KindCanceled, "op", "x", ""), http.StatusConflict},
		{apperr.New(apperr.KindOutOfMemory, "op", "x", ""), http.StatusInsufficientStorage},
		{apperr.New(apperr.KindIncompatibleDevice, "op", "x", ""), http.StatusUnprocessableEntity},
		{apperr.New(apperr.KindDownload, "op", "x", ""), http.StatusBadGateway},
		{apperr.New(apperr.KindLoad, "op", "x", ""), http.StatusBadGateway},
		{mockHTTPError{msg: "slow down", code: http.StatusTooManyRequests}, http.StatusTooManyRequests},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
