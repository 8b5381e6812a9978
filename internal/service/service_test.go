package service

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"enhanced/internal/apperr"
	"enhanced/internal/artifact"
	"enhanced/internal/config"
	"enhanced/internal/device"
	"enhanced/internal/imaging"
	"enhanced/internal/viewer"
	"enhanced/pkg/types"
)

type cpuProber struct{}

func (cpuProber) Backend() device.Backend { return device.CPU }
func (cpuProber) Probe(context.Context) (device.Context, error) {
	return device.Context{Backend: device.CPU, Name: "test cpu", MemoryMB: 1024, MaxBatch: 1, ProbedAt: time.Now()}, nil
}

const manifest = `[
  {"id": "up2x", "name": "Resample x2", "kind": "upscale", "scale": 2, "arch": "builtin.resample", "file": "up2x.json"},
  {"id": "soften", "kind": "denoise", "arch": "builtin.box", "file": "box.json"}
]`

type fixture struct {
	svc *Service
	dir string
	img string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo")
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"models.json": manifest,
		"up2x.json":   `{"filter":"nearest"}`,
		"box.json":    `{"radius":1}`,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(repo, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	src := filepath.Join(dir, "photo.png")
	if err := imaging.Save(src, image.NewNRGBA(image.Rect(0, 0, 10, 8)), imaging.PNG); err != nil {
		t.Fatal(err)
	}

	cfg := config.Config{
		ModelsDir: filepath.Join(dir, "models"),
		Manifest:  filepath.Join(repo, "models.json"),
		CacheDir:  filepath.Join(dir, "cache"),
		StateDir:  filepath.Join(dir, "state"),
		TileSize:  -1,
	}
	svc, err := New(context.Background(), cfg, Options{Logger: zerolog.Nop(), Probers: []device.Prober{cpuProber{}}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &fixture{svc: svc, dir: dir, img: src}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		if err := f.svc.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
}

func (f *fixture) install(t *testing.T, id string) {
	t.Helper()
	if _, err := f.svc.InstallModel(context.Background(), id); err != nil {
		t.Fatalf("install %s: %v", id, err)
	}
}

func (f *fixture) run(t *testing.T, req types.SubmitRequest) types.JobInfo {
	t.Helper()
	id, err := f.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := f.svc.AwaitJob(ctx, id)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	return info
}

func modelState(svc *Service, id string) types.InstallState {
	for _, m := range svc.ListModels() {
		if m.ID == id {
			return m.State
		}
	}
	return ""
}

func TestEndToEndJob(t *testing.T) {
	f := newFixture(t)
	if f.svc.Ready() {
		t.Fatal("ready before start")
	}
	f.start(t)
	if !f.svc.Ready() {
		t.Fatal("not ready after start")
	}
	ctx := context.Background()

	models := f.svc.ListModels()
	if len(models) != 2 {
		t.Fatalf("models = %d", len(models))
	}
	for _, m := range models {
		if m.State != types.StateNotInstalled {
			t.Errorf("%s state = %s", m.ID, m.State)
		}
	}

	if _, err := f.svc.Submit(ctx, types.SubmitRequest{ImagePath: f.img, Models: []string{"up2x"}}); !apperr.IsValidation(err) {
		t.Fatalf("submit before install: %v", err)
	}
	if n := len(f.svc.Jobs()); n != 0 {
		t.Fatalf("jobs = %d", n)
	}

	d, err := f.svc.InstallModel(ctx, "up2x")
	if err != nil || d.State != types.StateInstalled {
		t.Fatalf("install = %s, %v", d.State, err)
	}

	info := f.run(t, types.SubmitRequest{ImagePath: f.img, Models: []string{"up2x"}})
	if info.Status != types.JobDone {
		t.Fatalf("job = %s: %s", info.Status, info.Error)
	}
	if len(info.Artifacts) != 2 || info.Artifacts[1].Scale != 2 || info.Device != "cpu" {
		t.Fatalf("job = %+v", info)
	}
	if st := modelState(f.svc, "up2x"); st != types.StateLoaded {
		t.Errorf("up2x state after job = %s", st)
	}

	st := f.svc.Status()
	if st.Device.Backend != "cpu" || st.QueueLen != 0 || len(st.Instances) != 1 || st.Artifacts != 2 {
		t.Fatalf("status = %+v", st)
	}

	out := filepath.Join(f.dir, "out")
	res, err := f.svc.Export(info.ID, out)
	if err != nil || len(res.Outputs) != 1 || !res.Outputs[0].New {
		t.Fatalf("export = %+v, %v", res, err)
	}
	if _, err := os.Stat(res.Outputs[0].Path); err != nil {
		t.Fatalf("exported file: %v", err)
	}

	hist, err := f.svc.History(ctx, 10)
	if err != nil || len(hist) != 1 || hist[0].JobID != info.ID || hist[0].Produced != 1 {
		t.Fatalf("history = %+v, %v", hist, err)
	}

	if err := f.svc.UninstallModel("up2x"); err != nil {
		t.Fatal(err)
	}
	if st := modelState(f.svc, "up2x"); st != types.StateNotInstalled {
		t.Errorf("up2x state after uninstall = %s", st)
	}
	if n := len(f.svc.Status().Instances); n != 0 {
		t.Errorf("instances after uninstall = %d", n)
	}
}

func TestViewsOverJobArtifacts(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.install(t, "up2x")
	id := f.run(t, types.SubmitRequest{ImagePath: f.img, Models: []string{"up2x"}}).ID

	st, err := f.svc.OpenView(types.ViewCreateRequest{
		ViewportW: 200,
		ViewportH: 160,
		Panes:     []types.ArtifactRef{{JobID: id, Stage: artifact.OriginalStage}, {JobID: id, Stage: 0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode != "split" || st.Panes[1].Scale != 2 {
		t.Fatalf("view = %+v", st)
	}

	st, err = f.svc.UpdateView(st.ID, func(c *viewer.Controller) error {
		c.SetDivider(0.25)
		return nil
	})
	if err != nil || st.Divider != 0.25 {
		t.Fatalf("divider = %v, %v", st.Divider, err)
	}

	if err := f.svc.CloseView(st.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.UpdateView(st.ID, nil); !apperr.IsNotFound(err) {
		t.Fatalf("closed view: %v", err)
	}
}

func TestUploadSubmission(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	f.install(t, "soften")

	r, err := os.Open(f.img)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	id, err := f.svc.SubmitImage(ctx, "../../upload.png", r, types.SubmitRequest{Models: []string{"soften"}})
	if err != nil {
		t.Fatal(err)
	}
	info, err := f.svc.AwaitJob(ctx, id)
	if err != nil || info.Status != types.JobDone || info.Source != "upload.png" {
		t.Fatalf("upload job = %+v, %v", info, err)
	}

	_, err = f.svc.SubmitImage(ctx, "junk.png", strings.NewReader("not an image"), types.SubmitRequest{Models: []string{"soften"}})
	if !apperr.IsValidation(err) {
		t.Fatalf("junk upload: %v", err)
	}
}

func TestMaskedSubmissionAndReblend(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.install(t, "soften")

	m := image.NewGray(image.Rect(0, 0, 10, 8))
	for x := 0; x < 5; x++ {
		m.SetGray(x, 0, color.Gray{Y: 0xff})
	}
	maskPath := filepath.Join(f.dir, "mask.png")
	if err := imaging.Save(maskPath, m, imaging.PNG); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Submit(context.Background(), types.SubmitRequest{
		ImagePath: f.img,
		Models:    []string{"soften"},
		Masks:     []types.MaskRef{{Path: filepath.Join(f.dir, "absent.png")}},
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("missing mask file: %v", err)
	}

	half := 0.5
	info := f.run(t, types.SubmitRequest{
		ImagePath: f.img,
		Models:    []string{"soften"},
		Strength:  &half,
		Masks:     []types.MaskRef{{Path: maskPath}},
	})
	if info.Status != types.JobDone || !info.Artifacts[1].Masked || !info.Artifacts[1].Reblendable {
		t.Fatalf("masked job = %+v", info)
	}

	re, err := f.svc.Reblend(info.ID, 0, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	if re.Stage != 1 || re.Strength != 0.9 || re.From == nil || *re.From != 0 || !re.Masked {
		t.Fatalf("reblended = %+v", re)
	}
	arts, err := f.svc.Artifacts(info.ID)
	if err != nil || len(arts) != 3 {
		t.Fatalf("artifacts = %+v, %v", arts, err)
	}
}

func TestExportRejectsUnknownJob(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	if _, err := f.svc.Export("nope", t.TempDir()); !apperr.IsNotFound(err) {
		t.Fatalf("err = %v", err)
	}
}
