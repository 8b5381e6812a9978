package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"enhanced/internal/apperr"
	"enhanced/internal/common/fsutil"
	"enhanced/pkg/types"
)

// Install fetches and verifies the model's weights, then marks it installed.
// Concurrent installs of the same id share one download.
func (r *Registry) Install(ctx context.Context, id string) (types.ModelDescriptor, error) {
	d, err := r.Get(id)
	if err != nil {
		return d, err
	}
	if d.State.Runnable() && fsutil.PathExists(d.Path) {
		return d, nil
	}
	if r.src == nil {
		return d, apperr.New(apperr.KindDownload, "registry.install", id, "no model source configured")
	}
	v, err, shared := r.sf.Do(id, func() (any, error) {
		return r.download(ctx, d)
	})
	if err != nil {
		return d, err
	}
	if shared {
		r.log.Debug().Str("model", id).Msg("install joined in-flight download")
	}
	return v.(types.ModelDescriptor), nil
}

func (r *Registry) download(ctx context.Context, d types.ModelDescriptor) (types.ModelDescriptor, error) {
	const op = "registry.install"
	start := time.Now()
	rc, want, err := r.src.Fetch(ctx, d.ID)
	if err != nil {
		return d, apperr.Wrap(apperr.KindDownload, op, d.ID, err)
	}
	defer rc.Close()
	if want == "" {
		want = d.SHA256
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return d, apperr.Wrap(apperr.KindDownload, op, d.ID, err)
	}
	tmp, err := os.CreateTemp(r.dir, ".download-*")
	if err != nil {
		return d, apperr.Wrap(apperr.KindDownload, op, d.ID, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return d, apperr.Wrap(apperr.KindDownload, op, d.ID, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if want != "" && !strings.EqualFold(got, want) {
		return d, apperr.New(apperr.KindDownload, op, d.ID, "checksum mismatch: got %s want %s", got, want)
	}
	dst := filepath.Join(r.dir, blobName(d))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return d, apperr.Wrap(apperr.KindDownload, op, d.ID, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return d, apperr.Wrap(apperr.KindDownload, op, d.ID, err)
	}

	r.mu.Lock()
	cur, ok := r.models[d.ID]
	if !ok {
		cur = d
	}
	if !cur.State.Runnable() {
		cur.State = types.StateInstalled
	}
	cur.Path = dst
	r.models[d.ID] = cur
	err = r.saveStateLocked()
	r.mu.Unlock()

	r.log.Info().Str("model", d.ID).Int64("bytes", n).Int64("dur_ms", time.Since(start).Milliseconds()).Msg("model installed")
	return cur, err
}

// Uninstall removes the weight file and marks the model not_installed. It
// fails with InUse while a pending job still needs the model.
func (r *Registry) Uninstall(id string) error {
	const op = "registry.uninstall"
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.models[id]
	if !ok {
		return apperr.NotFound(op, id)
	}
	if r.usage != nil && r.usage.BlocksUninstall(id) {
		return apperr.InUse(op, id, "referenced by a pending job")
	}
	if !d.State.Runnable() {
		return nil
	}
	if d.Path != "" {
		if err := os.Remove(d.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s %s: %w", op, id, err)
		}
	}
	d.State = types.StateNotInstalled
	d.Path = ""
	r.models[id] = d
	r.log.Info().Str("model", id).Msg("model uninstalled")
	return r.saveStateLocked()
}
