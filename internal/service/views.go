package service

import (
	"enhanced/internal/viewer"
	"enhanced/pkg/types"
)

// OpenView starts a compare viewer session over produced artifacts.
func (s *Service) OpenView(req types.ViewCreateRequest) (types.ViewState, error) {
	refs := make([]viewer.Ref, len(req.Panes))
	for i, p := range req.Panes {
		refs[i] = viewer.Ref{JobID: p.JobID, Stage: p.Stage}
	}
	return s.views.Open(viewer.OpenRequest{
		Panes:     refs,
		Mode:      req.Mode,
		ViewportW: req.ViewportW,
		ViewportH: req.ViewportH,
		Linked:    req.Linked,
	})
}

// UpdateView applies fn to a session; a nil fn just reads it.
func (s *Service) UpdateView(id string, fn func(*viewer.Controller) error) (types.ViewState, error) {
	sess, err := s.views.Get(id)
	if err != nil {
		return types.ViewState{}, err
	}
	return sess.Do(fn)
}

func (s *Service) CloseView(id string) error { return s.views.Close(id) }
