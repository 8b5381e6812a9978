// Package artifact stores the original and derived images of jobs, keyed by
// (job id, stage). Entries are append-only and reference counted by consumers.
package artifact

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"enhanced/internal/apperr"
	"enhanced/internal/imaging"
	"enhanced/pkg/types"
)

// OriginalStage is the stage index of a job's unmodified source image.
const OriginalStage = -1

// Key addresses one artifact.
type Key struct {
	JobID string
	Stage int
}

// Artifact is an immutable image plus provenance. Image must not be mutated.
type Artifact struct {
	types.ArtifactInfo
	// Name is the stable file name used in the cache and by exports.
	Name   string
	Image  image.Image
	Format imaging.Format

	// Raw is the model output before strength blending, kept for stages
	// that can be re-blended. Input is the stage it was blended against.
	Raw     image.Image
	RawPath string
	Input   int
	// Downscaled is the maintain-scale factor removed, 0 when not applied.
	Downscaled int
}

// Meta describes an artifact being stored.
type Meta struct {
	JobID   string
	Stage   int
	ModelID string
	Kind    types.ModelKind
	// Scale is relative to the job's original.
	Scale float64
	// Strength is recorded in the file name when blending was applied (0 < s < 1).
	Strength float64
	// Downscaled is the factor removed by maintain-scale, 0 when not applied.
	Downscaled int
	// Masked reports that a mask limited where the model applied.
	Masked bool

	// Raw, when set, is stored next to the image so it can be re-blended
	// against stage Input. RawPath reuses an existing raw file.
	Raw     image.Image
	RawPath string
	Input   int
	// From is the stage a re-blended artifact was derived from.
	From *int
}

type jobEntry struct {
	base   string
	format imaging.Format
	stages map[int]*Artifact
	next   int // next free stage index
	refs   int
}

// Config configures a Store.
type Config struct {
	// Dir receives one file per artifact. Empty keeps artifacts in memory only.
	Dir    string
	Logger zerolog.Logger
}

// Store is safe for concurrent readers; writes come from the single worker.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobEntry
	seq  uint64
	dir  string
	log  zerolog.Logger
}

func New(cfg Config) *Store {
	return &Store{jobs: make(map[string]*jobEntry), dir: cfg.Dir, log: cfg.Logger}
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// PutOriginal registers a job and stores its source image at scale 1.
func (s *Store) PutOriginal(jobID, sourcePath string, img image.Image, src imaging.Format) (*Artifact, error) {
	s.mu.Lock()
	if _, ok := s.jobs[jobID]; ok {
		s.mu.Unlock()
		return nil, apperr.New(apperr.KindInternal, "artifact.put", jobID, "job already registered")
	}
	s.jobs[jobID] = &jobEntry{base: baseName(sourcePath), format: imaging.OutputFormat(src), stages: make(map[int]*Artifact)}
	s.mu.Unlock()
	return s.Put(Meta{JobID: jobID, Stage: OriginalStage, ModelID: types.OriginalModelID, Scale: 1}, img)
}

// Put stores a new artifact. A key is written at most once.
func (s *Store) Put(m Meta, img image.Image) (*Artifact, error) {
	const op = "artifact.put"
	s.mu.RLock()
	je, ok := s.jobs[m.JobID]
	var exists bool
	var base string
	var format imaging.Format
	if ok {
		_, exists = je.stages[m.Stage]
		base, format = je.base, je.format
	}
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound(op, m.JobID)
	}
	if exists {
		return nil, apperr.New(apperr.KindInternal, op, fmt.Sprintf("%s/%d", m.JobID, m.Stage), "artifact already exists")
	}

	return s.store(m, img, base, format)
}

// Append stores img at the job's next free stage index. Existing artifacts
// are never replaced.
func (s *Store) Append(m Meta, img image.Image) (*Artifact, error) {
	s.mu.Lock()
	je, ok := s.jobs[m.JobID]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFound("artifact.append", m.JobID)
	}
	m.Stage = je.next
	je.next++
	base, format := je.base, je.format
	s.mu.Unlock()
	return s.store(m, img, base, format)
}

func (s *Store) store(m Meta, img image.Image, base string, format imaging.Format) (*Artifact, error) {
	const op = "artifact.put"
	b := img.Bounds()
	a := &Artifact{
		ArtifactInfo: types.ArtifactInfo{
			JobID:     m.JobID,
			Stage:     m.Stage,
			ModelID:   m.ModelID,
			Kind:      m.Kind,
			Width:     b.Dx(),
			Height:    b.Dy(),
			Scale:     m.Scale,
			Masked:    m.Masked,
			From:      m.From,
			CreatedAt: time.Now(),
		},
		Name:       FileName(base, m, format),
		Image:      img,
		Format:     format,
		Raw:        m.Raw,
		RawPath:    m.RawPath,
		Input:      m.Input,
		Downscaled: m.Downscaled,
	}
	if m.Strength > 0 && m.Strength < 1 {
		a.Strength = m.Strength
	}
	a.Reblendable = m.Raw != nil
	if s.dir != "" {
		a.Path = filepath.Join(s.dir, a.Name)
		if err := imaging.Save(a.Path, img, format); err != nil {
			return nil, fmt.Errorf("%s %s/%d: %w", op, m.JobID, m.Stage, err)
		}
		if m.Raw != nil && a.RawPath == "" {
			a.RawPath = filepath.Join(s.dir, RawName(a.Name))
			if err := imaging.Save(a.RawPath, m.Raw, format); err != nil {
				return nil, fmt.Errorf("%s %s/%d raw: %w", op, m.JobID, m.Stage, err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	je, ok := s.jobs[m.JobID]
	if !ok {
		return nil, apperr.NotFound(op, m.JobID)
	}
	if _, dup := je.stages[m.Stage]; dup {
		return nil, apperr.New(apperr.KindInternal, op, fmt.Sprintf("%s/%d", m.JobID, m.Stage), "artifact already exists")
	}
	s.seq++
	a.Seq = s.seq
	je.stages[m.Stage] = a
	if m.Stage >= je.next {
		je.next = m.Stage + 1
	}
	s.log.Debug().Str("job", m.JobID).Int("stage", m.Stage).Str("model", m.ModelID).Float64("scale", m.Scale).Msg("artifact stored")
	return a, nil
}

// Get returns the artifact for (jobID, stage).
func (s *Store) Get(jobID string, stage int) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if je, ok := s.jobs[jobID]; ok {
		if a, ok := je.stages[stage]; ok {
			return a, nil
		}
	}
	return nil, apperr.NotFound("artifact.get", fmt.Sprintf("%s/%d", jobID, stage))
}

// OriginalFor returns the unmodified source of a job.
func (s *Store) OriginalFor(jobID string) (*Artifact, error) {
	return s.Get(jobID, OriginalStage)
}

// ListJob returns a job's artifacts ordered by stage, original first.
func (s *Store) ListJob(jobID string) []types.ArtifactInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	je, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	out := make([]types.ArtifactInfo, 0, len(je.stages))
	for _, a := range je.stages {
		out = append(out, a.ArtifactInfo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// Produced counts a job's derived artifacts (excluding the original).
func (s *Store) Produced(jobID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	je, ok := s.jobs[jobID]
	if !ok {
		return 0
	}
	n := len(je.stages)
	if _, ok := je.stages[OriginalStage]; ok {
		n--
	}
	return n
}

// Len is the total number of artifacts held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, je := range s.jobs {
		n += len(je.stages)
	}
	return n
}

// Acquire takes a consumer reference on a job's artifacts.
func (s *Store) Acquire(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	je, ok := s.jobs[jobID]
	if !ok {
		return apperr.NotFound("artifact.acquire", jobID)
	}
	je.refs++
	return nil
}

// Release drops a consumer reference. When the last reference goes the job's
// artifacts are discarded from memory; cache files stay until they expire.
func (s *Store) Release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	je, ok := s.jobs[jobID]
	if !ok {
		return
	}
	if je.refs > 0 {
		je.refs--
	}
	if je.refs == 0 {
		delete(s.jobs, jobID)
		s.log.Debug().Str("job", jobID).Msg("artifacts released")
	}
}

// Refs reports the current consumer count of a job.
func (s *Store) Refs(jobID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if je, ok := s.jobs[jobID]; ok {
		return je.refs
	}
	return 0
}

// Discard drops a job's artifacts immediately. Referenced jobs cannot be discarded.
func (s *Store) Discard(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	je, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	if je.refs > 0 {
		return apperr.InUse("artifact.discard", jobID, "%d consumers hold references", je.refs)
	}
	delete(s.jobs, jobID)
	return nil
}

// livePaths returns the files backing artifacts still held in memory.
func (s *Store) livePaths() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	for _, je := range s.jobs {
		for _, a := range je.stages {
			if a.Path != "" {
				out[a.Path] = true
			}
			if a.RawPath != "" {
				out[a.RawPath] = true
			}
		}
	}
	return out
}

// ExpireCache removes cache files older than maxAge that back no live artifact.
func (s *Store) ExpireCache(maxAge time.Duration) (int, error) {
	if s.dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("expire cache: %w", err)
	}
	live := s.livePaths()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		if live[p] {
			continue
		}
		fi, err := e.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(p); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.log.Info().Int("files", removed).Dur("max_age", maxAge).Msg("expired cache files")
	}
	return removed, nil
}

// Relative returns the factor by which coordinates in b must be divided to
// land on the same content in a; for a derived image against its 1x
// original it is the derived scale factor.
func Relative(b, a types.ArtifactInfo) float64 {
	if a.Scale == 0 {
		return b.Scale
	}
	return b.Scale / a.Scale
}
