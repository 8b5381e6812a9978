// Package export places a job's artifacts in a host directory under their
// stable names and reports which files the export created.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"enhanced/internal/apperr"
	"enhanced/internal/artifact"
	"enhanced/internal/common/fsutil"
	"enhanced/internal/imaging"
	"enhanced/pkg/types"
)

// Source is the artifact access an export needs.
type Source interface {
	ListJob(jobID string) []types.ArtifactInfo
	Get(jobID string, stage int) (*artifact.Artifact, error)
}

// Options tune an export.
type Options struct {
	// IncludeOriginal also places the job's source copy.
	IncludeOriginal bool
	Logger          zerolog.Logger
}

// Export writes every produced artifact of jobID into dir. Files that already
// exist are left untouched and reported with New=false, so repeated exports
// are idempotent.
func Export(src Source, jobID, dir string, opts Options) (types.ExportResult, error) {
	const op = "export"
	if dir == "" {
		return types.ExportResult{}, apperr.Validation(op, "export directory is required")
	}
	dir, err := fsutil.ExpandHome(dir)
	if err != nil {
		return types.ExportResult{}, apperr.Validation(op, "%v", err)
	}
	infos := src.ListJob(jobID)
	if len(infos) == 0 {
		return types.ExportResult{}, apperr.NotFound(op, jobID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.ExportResult{}, fmt.Errorf("%s: create %s: %w", op, dir, err)
	}

	res := types.ExportResult{JobID: jobID, Dir: dir, Outputs: []types.ExportedFile{}}
	for _, info := range infos {
		if info.Stage == artifact.OriginalStage && !opts.IncludeOriginal {
			continue
		}
		a, err := src.Get(jobID, info.Stage)
		if err != nil {
			return res, err
		}
		dst := filepath.Join(dir, a.Name)
		f := types.ExportedFile{Path: dst, ModelID: a.ModelID, Stage: a.Stage, Scale: a.Scale}
		if !fsutil.PathExists(dst) {
			if err := place(a, dst); err != nil {
				return res, fmt.Errorf("%s %s/%d: %w", op, jobID, a.Stage, err)
			}
			f.New = true
		}
		res.Outputs = append(res.Outputs, f)
	}
	opts.Logger.Info().Str("job", jobID).Str("dir", dir).Int("files", len(res.Outputs)).Msg("exported artifacts")
	return res, nil
}

// place copies the cache file when there is one and encodes the pixels
// otherwise.
func place(a *artifact.Artifact, dst string) error {
	if a.Path != "" {
		if err := copyFile(a.Path, dst); err == nil {
			return nil
		}
	}
	return imaging.Save(dst, a.Image, a.Format)
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(to), ".export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), to)
}
