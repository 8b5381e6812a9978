package e2e

import (
	"bytes"
	"encoding/json"
	"image"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"enhanced/internal/imaging"
	"enhanced/pkg/types"
)

func installModels(t *testing.T, e *env, ids ...string) {
	t.Helper()
	for _, id := range ids {
		resp, body := httpDo(t, http.MethodPost, e.srv.URL+"/models/"+id+"/install", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("install %s: %d %s", id, resp.StatusCode, string(body))
		}
	}
}

// TestE2E_JobLifecycle drives install, submit, event stream, artifact
// download, export and history over HTTP.
func TestE2E_JobLifecycle(t *testing.T) {
	e := newEnv(t)
	src := e.writeImage(t, "harbor.png", 8, 6)

	resp, body := httpGet(t, e.srv.URL+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz %d %s", resp.StatusCode, string(body))
	}

	resp, body = httpGet(t, e.srv.URL+"/models")
	var models types.ModelsResponse
	decode(t, body, &models)
	if resp.StatusCode != http.StatusOK || len(models.Models) != 2 {
		t.Fatalf("/models %d %s", resp.StatusCode, string(body))
	}

	// Not installed yet: submission is a validation error.
	resp, body = httpPostJSON(t, e.srv.URL+"/jobs", types.SubmitRequest{ImagePath: src, Models: []string{"up2x"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("submit before install: %d %s", resp.StatusCode, string(body))
	}

	installModels(t, e, "up2x", "soften")

	resp, body = httpPostJSON(t, e.srv.URL+"/jobs", types.SubmitRequest{
		ImagePath: src,
		Models:    []string{"up2x", "soften"},
		Pipeline:  types.PipelineChain,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d %s", resp.StatusCode, string(body))
	}
	var sub types.SubmitResponse
	decode(t, body, &sub)

	events := readEvents(t, e.srv.URL+"/jobs/"+sub.JobID+"/events")
	if len(events) < 2 || events[0].Name != "snapshot" {
		t.Fatalf("unexpected events: %+v", events)
	}
	last := events[len(events)-1]
	if last.Name != "end" {
		t.Fatalf("stream did not finish with end: %+v", events)
	}
	var end struct {
		Job types.JobInfo `json:"job"`
	}
	decode(t, []byte(last.Data), &end)
	if end.Job.Status != types.JobDone || end.Job.Progress != 1 {
		t.Fatalf("unexpected final job: %+v", end.Job)
	}
	artifactEvents := 0
	for _, ev := range events {
		if ev.Name == "artifact" {
			artifactEvents++
		}
	}
	if artifactEvents != 2 {
		t.Fatalf("expected 2 artifact events, got %d", artifactEvents)
	}

	resp, body = httpGet(t, e.srv.URL+"/jobs/"+sub.JobID+"/artifacts")
	var arts struct {
		Artifacts []types.ArtifactInfo `json:"artifacts"`
	}
	decode(t, body, &arts)
	if resp.StatusCode != http.StatusOK || len(arts.Artifacts) != 3 {
		t.Fatalf("artifacts %d %s", resp.StatusCode, string(body))
	}

	// Chain: the denoise stage runs on the upscaled image, so it stays at x2.
	resp, body = httpGet(t, e.srv.URL+"/artifacts/"+sub.JobID+"/1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("artifact image %d", resp.StatusCode)
	}
	img, _, err := imaging.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 12 {
		t.Fatalf("stage 1 size %v", b)
	}
	resp, _ = httpGet(t, e.srv.URL+"/artifacts/"+sub.JobID+"/original")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("original image %d", resp.StatusCode)
	}

	out := filepath.Join(e.dir, "export")
	resp, body = httpPostJSON(t, e.srv.URL+"/jobs/"+sub.JobID+"/export", types.ExportRequest{Dir: out})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export %d %s", resp.StatusCode, string(body))
	}
	var exp types.ExportResult
	decode(t, body, &exp)
	if len(exp.Outputs) != 2 {
		t.Fatalf("export outputs: %+v", exp.Outputs)
	}
	for _, f := range exp.Outputs {
		if !f.New || !strings.HasPrefix(filepath.Base(f.Path), "harbor_") {
			t.Fatalf("unexpected export file %+v", f)
		}
		if _, err := os.Stat(f.Path); err != nil {
			t.Fatalf("exported file missing: %v", err)
		}
	}
	// A second export leaves existing files alone and says so.
	_, body = httpPostJSON(t, e.srv.URL+"/jobs/"+sub.JobID+"/export", types.ExportRequest{Dir: out})
	decode(t, body, &exp)
	for _, f := range exp.Outputs {
		if f.New {
			t.Fatalf("re-export reported new file %s", f.Path)
		}
	}

	resp, body = httpGet(t, e.srv.URL+"/history?limit=10")
	var hist types.HistoryResponse
	decode(t, body, &hist)
	if resp.StatusCode != http.StatusOK || len(hist.Entries) != 1 || hist.Entries[0].Produced != 2 {
		t.Fatalf("history %d %s", resp.StatusCode, string(body))
	}

	resp, body = httpGet(t, e.srv.URL+"/status")
	var st types.StatusResponse
	decode(t, body, &st)
	if resp.StatusCode != http.StatusOK || st.Device.Backend != "cpu" || st.QueueLen != 0 {
		t.Fatalf("status %d %s", resp.StatusCode, string(body))
	}
	if len(st.Instances) == 0 {
		t.Fatal("expected loaded instances after a job")
	}
}

// TestE2E_UploadAndCompareView submits an uploaded image and opens a split
// view over the original and the upscaled output.
func TestE2E_UploadAndCompareView(t *testing.T) {
	e := newEnv(t)
	installModels(t, e, "up2x")
	src := e.writeImage(t, "upload-src.png", 10, 10)
	raw, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("models", "up2x")
	fw, _ := mw.CreateFormFile("image", "portrait.png")
	_, _ = fw.Write(raw)
	_ = mw.Close()
	resp, body := httpDo(t, http.MethodPost, e.srv.URL+"/jobs", mw.FormDataContentType(), &buf)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload submit: %d %s", resp.StatusCode, string(body))
	}
	var sub types.SubmitResponse
	decode(t, body, &sub)
	events := readEvents(t, e.srv.URL+"/jobs/"+sub.JobID+"/events")
	if events[len(events)-1].Name != "end" {
		t.Fatalf("no end event: %+v", events)
	}

	resp, body = httpGet(t, e.srv.URL+"/jobs/"+sub.JobID)
	var info types.JobInfo
	decode(t, body, &info)
	if info.Status != types.JobDone || !strings.HasPrefix(info.Label, "portrait.png") {
		t.Fatalf("job %d %+v", resp.StatusCode, info)
	}

	resp, body = httpPostJSON(t, e.srv.URL+"/views", types.ViewCreateRequest{
		ViewportW: 200,
		ViewportH: 100,
		Panes:     []types.ArtifactRef{{JobID: sub.JobID, Stage: -1}, {JobID: sub.JobID, Stage: 0}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open view %d %s", resp.StatusCode, string(body))
	}
	var view types.ViewState
	decode(t, body, &view)
	if view.Mode != "split" || len(view.Panes) != 2 || view.Panes[1].Scale != 2 {
		t.Fatalf("unexpected view: %+v", view)
	}

	zoom, _ := json.Marshal(types.ViewZoomRequest{Pane: 1, Steps: 3, CursorX: 40, CursorY: 40})
	resp, body = httpDo(t, http.MethodPost, e.srv.URL+"/views/"+view.ID+"/zoom", "application/json", bytes.NewReader(zoom))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("zoom %d %s", resp.StatusCode, string(body))
	}
	var zoomed types.ViewState
	decode(t, body, &zoomed)
	if zoomed.Panes[0].Zoom != zoomed.Panes[1].Zoom || zoomed.Panes[0].Zoom <= view.Panes[0].Zoom {
		t.Fatalf("linked zoom not applied: %+v", zoomed.Panes)
	}

	resp, _ = httpDo(t, http.MethodDelete, e.srv.URL+"/views/"+view.ID, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("close view %d", resp.StatusCode)
	}
	resp, _ = httpGet(t, e.srv.URL+"/views/"+view.ID)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("closed view still served: %d", resp.StatusCode)
	}

	// With the view gone, forgetting the job drops the last artifact reference.
	resp, _ = httpDo(t, http.MethodDelete, e.srv.URL+"/jobs/"+sub.JobID, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("forget job %d", resp.StatusCode)
	}
	resp, _ = httpGet(t, e.srv.URL+"/artifacts/"+sub.JobID+"/0")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("artifact of forgotten job still served: %d", resp.StatusCode)
	}
}

func TestE2E_UnknownJobAndModel(t *testing.T) {
	e := newEnv(t)
	if resp, _ := httpGet(t, e.srv.URL+"/jobs/nope"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job: %d", resp.StatusCode)
	}
	if resp, _ := httpDo(t, http.MethodPost, e.srv.URL+"/models/nope/install", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown model install: %d", resp.StatusCode)
	}
	if resp, _ := httpDo(t, http.MethodPost, e.srv.URL+"/jobs/nope/cancel", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel unknown: %d", resp.StatusCode)
	}
}

// TestE2E_MaskedStageAndReblend runs a denoise stage limited to the left half
// of the image, then re-blends its raw output at full strength.
func TestE2E_MaskedStageAndReblend(t *testing.T) {
	e := newEnv(t)
	installModels(t, e, "soften")
	src := e.writeImage(t, "pier.png", 8, 8)

	mask := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 4; x++ {
			mask.Pix[mask.PixOffset(x, y)] = 0xff
		}
	}
	maskPath := filepath.Join(e.dir, "left.png")
	if err := imaging.Save(maskPath, mask, imaging.PNG); err != nil {
		t.Fatal(err)
	}

	half := 0.5
	resp, body := httpPostJSON(t, e.srv.URL+"/jobs", types.SubmitRequest{
		ImagePath: src,
		Models:    []string{"soften"},
		Strength:  &half,
		Masks:     []types.MaskRef{{Path: maskPath}},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d %s", resp.StatusCode, string(body))
	}
	var sub types.SubmitResponse
	decode(t, body, &sub)
	events := readEvents(t, e.srv.URL+"/jobs/"+sub.JobID+"/events")
	if events[len(events)-1].Name != "end" {
		t.Fatalf("no end event: %+v", events)
	}

	orig := fetchImage(t, e.srv.URL+"/artifacts/"+sub.JobID+"/original")
	blended := fetchImage(t, e.srv.URL+"/artifacts/"+sub.JobID+"/0")
	for y := 0; y < 8; y++ {
		for x := 4; x < 8; x++ {
			if blended.NRGBAAt(x, y) != orig.NRGBAAt(x, y) {
				t.Fatalf("pixel (%d,%d) outside the mask changed: %v vs %v", x, y, blended.NRGBAAt(x, y), orig.NRGBAAt(x, y))
			}
		}
	}

	// Negative stages and strengths outside (0,1] are rejected.
	resp, _ = httpPostJSON(t, e.srv.URL+"/jobs/"+sub.JobID+"/artifacts/-1/reblend", types.ReblendRequest{Strength: 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reblend negative stage: %d", resp.StatusCode)
	}
	resp, _ = httpPostJSON(t, e.srv.URL+"/jobs/"+sub.JobID+"/artifacts/0/reblend", types.ReblendRequest{Strength: 1.5})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reblend strength 1.5: %d", resp.StatusCode)
	}

	resp, body = httpPostJSON(t, e.srv.URL+"/jobs/"+sub.JobID+"/artifacts/0/reblend", types.ReblendRequest{Strength: 1})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("reblend: %d %s", resp.StatusCode, string(body))
	}
	var info types.ArtifactInfo
	decode(t, body, &info)
	if info.Stage != 1 || info.From == nil || *info.From != 0 || !info.Masked || !info.Reblendable {
		t.Fatalf("unexpected reblended artifact: %+v", info)
	}
	if loc := resp.Header.Get("Location"); loc != "/artifacts/"+sub.JobID+"/1" {
		t.Fatalf("location %q", loc)
	}

	full := fetchImage(t, e.srv.URL+"/artifacts/"+sub.JobID+"/1")
	again := fetchImage(t, e.srv.URL+"/artifacts/"+sub.JobID+"/0")
	if !bytes.Equal(again.Pix, blended.Pix) {
		t.Fatal("source artifact changed after re-blend")
	}
	if bytes.Equal(full.Pix, blended.Pix) {
		t.Fatal("full-strength re-blend matches the half-strength output")
	}
	for y := 0; y < 8; y++ {
		for x := 4; x < 8; x++ {
			if full.NRGBAAt(x, y) != orig.NRGBAAt(x, y) {
				t.Fatalf("re-blend changed pixel (%d,%d) outside the mask", x, y)
			}
		}
	}
}

func fetchImage(t *testing.T, url string) *image.NRGBA {
	t.Helper()
	resp, body := httpGet(t, url)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %d", url, resp.StatusCode)
	}
	img, _, err := imaging.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return imaging.ToNRGBA(img)
}
