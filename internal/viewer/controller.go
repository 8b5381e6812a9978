// Package viewer computes compare-view display transforms over produced
// artifacts. It never touches pixels.
//
// Every pane is positioned in original-image space: a pane's zoom is display
// pixels per original pixel and its offset is where the original's origin
// lands inside the pane. A pane showing an artifact at scale S maps its own
// pixel coordinates through 1/S first, so all panes line up on the same
// physical content.
package viewer

import (
	"fmt"
	"math"

	"enhanced/pkg/types"
)

// Mode is the pane layout.
type Mode string

const (
	Single Mode = "single"
	Split  Mode = "split"
	Grid   Mode = "grid"
)

const (
	// ZoomStep is the factor applied per wheel notch.
	ZoomStep = 1.1
	// MaxPanes is the grid capacity.
	MaxPanes = 4
	// MinVisible is how many display pixels of an image must stay in its pane.
	MinVisible = 32.0

	DefaultMaxZoom = 32.0
)

// ParseMode validates a layout name; empty means single, or split for two panes.
func ParseMode(s string, panes int) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		switch {
		case panes == 2:
			return Split, nil
		case panes > 2:
			return Grid, nil
		}
		return Single, nil
	case Single, Split, Grid:
		return m, nil
	}
	return "", fmt.Errorf("unknown view mode %q", s)
}

func (m Mode) accepts(n int) bool {
	switch m {
	case Single:
		return n == 1
	case Split:
		return n == 2
	case Grid:
		return n >= 1 && n <= MaxPanes
	}
	return false
}

// Pane is one displayed artifact and its transform.
type Pane struct {
	Artifact types.ArtifactInfo
	// Rel is the artifact's linear scale relative to the original.
	Rel     float64
	Zoom    float64
	OffsetX float64
	OffsetY float64
}

// Limits bounds zoom. MinZoom is a floor under fit-to-pane.
type Limits struct {
	MinZoom float64
	MaxZoom float64
}

// Controller holds the layout and per-pane transforms of one view. It is
// not safe for concurrent use; Session serializes access.
type Controller struct {
	mode    Mode
	linked  bool
	vw, vh  float64
	origW   float64
	origH   float64
	divider float64
	minZoom float64
	maxZoom float64
	lim     Limits
	panes   []Pane
}

// NewController lays out panes over an original of origW x origH pixels and
// fits them to the viewport.
func NewController(mode Mode, viewportW, viewportH float64, origW, origH int, panes []types.ArtifactInfo, lim Limits) (*Controller, error) {
	if !mode.accepts(len(panes)) {
		return nil, fmt.Errorf("mode %s cannot show %d panes", mode, len(panes))
	}
	if origW <= 0 || origH <= 0 {
		return nil, fmt.Errorf("invalid original size %dx%d", origW, origH)
	}
	if lim.MaxZoom <= 0 {
		lim.MaxZoom = DefaultMaxZoom
	}
	c := &Controller{
		mode:    mode,
		linked:  true,
		origW:   float64(origW),
		origH:   float64(origH),
		divider: 0.5,
		lim:     lim,
	}
	for _, a := range panes {
		rel := a.Scale
		if rel <= 0 {
			rel = 1
		}
		c.panes = append(c.panes, Pane{Artifact: a, Rel: rel})
	}
	c.Resize(viewportW, viewportH)
	return c, nil
}

// PaneSize is the viewport of a single pane: the full viewport in single
// and split mode, one quadrant in grid mode.
func (c *Controller) PaneSize() (float64, float64) {
	if c.mode == Grid {
		return c.vw / 2, c.vh / 2
	}
	return c.vw, c.vh
}

// Resize changes the viewport, recomputes the zoom range and refits.
func (c *Controller) Resize(w, h float64) {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	c.vw, c.vh = w, h
	pw, ph := c.PaneSize()
	fit := math.Min(pw/c.origW, ph/c.origH)
	c.maxZoom = c.lim.MaxZoom
	c.minZoom = math.Max(fit, c.lim.MinZoom)
	if c.minZoom > c.maxZoom {
		c.minZoom = c.maxZoom
	}
	c.Fit()
}

// Fit zooms every pane to the minimum zoom and centers it.
func (c *Controller) Fit() {
	pw, ph := c.PaneSize()
	for i := range c.panes {
		p := &c.panes[i]
		p.Zoom = c.minZoom
		p.OffsetX = (pw - c.origW*p.Zoom) / 2
		p.OffsetY = (ph - c.origH*p.Zoom) / 2
	}
}

// Zoom applies notches wheel steps (positive zooms in) to pane i, keeping
// the original point under the cursor fixed. (cx, cy) is relative to the
// pane's top-left corner. Linked views zoom every pane.
func (c *Controller) Zoom(i, notches int, cx, cy float64) error {
	if err := c.check(i); err != nil {
		return err
	}
	factor := math.Pow(ZoomStep, float64(notches))
	for _, j := range c.targets(i) {
		p := &c.panes[j]
		z := clamp(p.Zoom*factor, c.minZoom, c.maxZoom)
		ratio := z / p.Zoom
		p.OffsetX = cx - (cx-p.OffsetX)*ratio
		p.OffsetY = cy - (cy-p.OffsetY)*ratio
		p.Zoom = z
		c.clampPan(p)
	}
	return nil
}

// Pan moves pane i by (dx, dy) display pixels.
func (c *Controller) Pan(i int, dx, dy float64) error {
	if err := c.check(i); err != nil {
		return err
	}
	for _, j := range c.targets(i) {
		p := &c.panes[j]
		p.OffsetX += dx
		p.OffsetY += dy
		c.clampPan(p)
	}
	return nil
}

// SetDivider moves the split divider to f (fraction of viewport width).
func (c *Controller) SetDivider(f float64) {
	c.divider = clamp(f, 0, 1)
}

// SetLinked toggles linked pan/zoom. Linking snaps every pane to pane 0.
func (c *Controller) SetLinked(linked bool) {
	c.linked = linked
	if !linked || len(c.panes) == 0 {
		return
	}
	lead := c.panes[0]
	for i := range c.panes[1:] {
		p := &c.panes[i+1]
		p.Zoom, p.OffsetX, p.OffsetY = lead.Zoom, lead.OffsetX, lead.OffsetY
	}
}

// PaneAt returns the pane rendered at viewport point (x, y).
func (c *Controller) PaneAt(x, y float64) int {
	switch c.mode {
	case Split:
		if x < c.divider*c.vw {
			return 0
		}
		return 1
	case Grid:
		col, row := 0, 0
		if x >= c.vw/2 {
			col = 1
		}
		if y >= c.vh/2 {
			row = 1
		}
		if i := row*2 + col; i < len(c.panes) {
			return i
		}
		return -1
	}
	return 0
}

// ToOriginal maps a point inside pane i to original-image coordinates.
func (c *Controller) ToOriginal(i int, x, y float64) (float64, float64, error) {
	if err := c.check(i); err != nil {
		return 0, 0, err
	}
	p := c.panes[i]
	return (x - p.OffsetX) / p.Zoom, (y - p.OffsetY) / p.Zoom, nil
}

// ToArtifact maps a point inside pane i to pixel coordinates of the pane's
// own artifact.
func (c *Controller) ToArtifact(i int, x, y float64) (float64, float64, error) {
	ox, oy, err := c.ToOriginal(i, x, y)
	if err != nil {
		return 0, 0, err
	}
	rel := c.panes[i].Rel
	return ox * rel, oy * rel, nil
}

// FromArtifact maps artifact pixel coordinates of pane i to the original.
func (c *Controller) FromArtifact(i int, ax, ay float64) (float64, float64, error) {
	if err := c.check(i); err != nil {
		return 0, 0, err
	}
	rel := c.panes[i].Rel
	return ax / rel, ay / rel, nil
}

// Panes returns a copy of the panes.
func (c *Controller) Panes() []Pane {
	return append([]Pane(nil), c.panes...)
}

// State snapshots the view.
func (c *Controller) State() types.ViewState {
	s := types.ViewState{
		Mode:      string(c.mode),
		Linked:    c.linked,
		ViewportW: c.vw,
		ViewportH: c.vh,
		Divider:   c.divider,
		MinZoom:   c.minZoom,
		MaxZoom:   c.maxZoom,
	}
	for _, p := range c.panes {
		s.Panes = append(s.Panes, types.PaneState{
			JobID:   p.Artifact.JobID,
			Stage:   p.Artifact.Stage,
			ModelID: p.Artifact.ModelID,
			Width:   p.Artifact.Width,
			Height:  p.Artifact.Height,
			Scale:   p.Rel,
			Zoom:    p.Zoom,
			OffsetX: p.OffsetX,
			OffsetY: p.OffsetY,
		})
	}
	return s
}

func (c *Controller) check(i int) error {
	if i < 0 || i >= len(c.panes) {
		return fmt.Errorf("pane %d out of range [0,%d)", i, len(c.panes))
	}
	return nil
}

func (c *Controller) targets(i int) []int {
	if !c.linked {
		return []int{i}
	}
	out := make([]int, len(c.panes))
	for j := range out {
		out[j] = j
	}
	return out
}

// clampPan keeps at least MinVisible display pixels of the image (or all of
// it, when smaller) inside the pane on each axis.
func (c *Controller) clampPan(p *Pane) {
	pw, ph := c.PaneSize()
	p.OffsetX = clampAxis(p.OffsetX, c.origW*p.Zoom, pw)
	p.OffsetY = clampAxis(p.OffsetY, c.origH*p.Zoom, ph)
}

func clampAxis(off, extent, view float64) float64 {
	keep := math.Min(MinVisible, math.Min(extent, view))
	return clamp(off, keep-extent, view-keep)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
