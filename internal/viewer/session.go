package viewer

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"enhanced/internal/apperr"
	"enhanced/internal/artifact"
	"enhanced/pkg/types"
)

// Store is the artifact access a view needs.
type Store interface {
	Get(jobID string, stage int) (*artifact.Artifact, error)
	OriginalFor(jobID string) (*artifact.Artifact, error)
	Acquire(jobID string) error
	Release(jobID string)
}

// Ref names one artifact to display.
type Ref struct {
	JobID string `json:"job_id"`
	Stage int    `json:"stage"`
}

// OpenRequest describes a new view.
type OpenRequest struct {
	Panes     []Ref   `json:"panes"`
	Mode      string  `json:"mode,omitempty"`
	ViewportW float64 `json:"viewport_w"`
	ViewportH float64 `json:"viewport_h"`
	// Linked defaults to true.
	Linked *bool `json:"linked,omitempty"`
}

// Session is an open view holding store references on its jobs.
type Session struct {
	ID     string
	Opened time.Time

	mu   sync.Mutex
	ctl  *Controller
	jobs []string
}

// Do runs fn with exclusive access to the controller and returns the
// resulting state.
func (s *Session) Do(fn func(*Controller) error) (types.ViewState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		if err := fn(s.ctl); err != nil {
			return types.ViewState{}, apperr.Validation("viewer.update", "%v", err)
		}
	}
	st := s.ctl.State()
	st.ID = s.ID
	return st, nil
}

// Manager tracks open sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    Store
	lim      Limits
	log      zerolog.Logger
}

func NewManager(store Store, lim Limits, log zerolog.Logger) *Manager {
	return &Manager{sessions: make(map[string]*Session), store: store, lim: lim, log: log}
}

// Open validates the referenced artifacts, takes a reference on each job and
// registers a fitted view. Alignment is against the first pane's original.
func (m *Manager) Open(req OpenRequest) (types.ViewState, error) {
	const op = "viewer.open"
	if len(req.Panes) == 0 {
		return types.ViewState{}, apperr.Validation(op, "at least one pane is required")
	}
	mode, err := ParseMode(req.Mode, len(req.Panes))
	if err != nil {
		return types.ViewState{}, apperr.Validation(op, "%v", err)
	}
	if !mode.accepts(len(req.Panes)) {
		return types.ViewState{}, apperr.Validation(op, "mode %s cannot show %d panes", mode, len(req.Panes))
	}
	if req.ViewportW <= 0 || req.ViewportH <= 0 {
		return types.ViewState{}, apperr.Validation(op, "viewport must be positive, got %vx%v", req.ViewportW, req.ViewportH)
	}

	var held []string
	release := func() {
		for _, j := range held {
			m.store.Release(j)
		}
	}
	seen := map[string]bool{}
	for _, r := range req.Panes {
		if seen[r.JobID] {
			continue
		}
		if err := m.store.Acquire(r.JobID); err != nil {
			release()
			return types.ViewState{}, err
		}
		seen[r.JobID] = true
		held = append(held, r.JobID)
	}

	orig, err := m.store.OriginalFor(req.Panes[0].JobID)
	if err != nil {
		release()
		return types.ViewState{}, err
	}
	infos := make([]types.ArtifactInfo, 0, len(req.Panes))
	for _, r := range req.Panes {
		a, err := m.store.Get(r.JobID, r.Stage)
		if err != nil {
			release()
			return types.ViewState{}, err
		}
		info := a.ArtifactInfo
		info.Scale = artifact.Relative(a.ArtifactInfo, orig.ArtifactInfo)
		infos = append(infos, info)
	}

	ctl, err := NewController(mode, req.ViewportW, req.ViewportH, orig.Width, orig.Height, infos, m.lim)
	if err != nil {
		release()
		return types.ViewState{}, apperr.Validation(op, "%v", err)
	}
	if req.Linked != nil {
		ctl.SetLinked(*req.Linked)
	}
	s := &Session{ID: uuid.NewString(), Opened: time.Now(), ctl: ctl, jobs: held}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.log.Debug().Str("view", s.ID).Str("mode", string(mode)).Int("panes", len(infos)).Msg("view opened")
	return s.Do(nil)
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.NotFound("viewer.get", id)
	}
	return s, nil
}

// Close drops a session and its store references.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return apperr.NotFound("viewer.close", id)
	}
	for _, j := range s.jobs {
		m.store.Release(j)
	}
	m.log.Debug().Str("view", id).Msg("view closed")
	return nil
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	for _, id := range m.IDs() {
		_ = m.Close(id)
	}
}

// IDs lists open sessions, oldest first.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		ss = append(ss, s)
	}
	sort.Slice(ss, func(i, j int) bool { return ss[i].Opened.Before(ss[j].Opened) })
	ids := make([]string, len(ss))
	for i, s := range ss {
		ids[i] = s.ID
	}
	return ids
}
