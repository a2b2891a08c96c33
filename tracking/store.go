package tracking

import (
	"context"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/YuminosukeSato/forestops/pkg/errors"
)

// Store persists experiments and runs. Writes to a run whose status is
// terminal fail with errors.ErrRunFinalized.
type Store interface {
	GetExperimentByName(ctx context.Context, name string) (*Experiment, error)
	CreateExperiment(ctx context.Context, name string) (*Experiment, error)
	ListExperiments(ctx context.Context) ([]*Experiment, error)

	CreateRun(ctx context.Context, experimentID, runName string, start time.Time, tags map[string]string) (*RunInfo, error)
	// LogParam is idempotent for an identical value and fails with
	// ErrParamConflict for a different one.
	LogParam(ctx context.Context, runID, key, value string) error
	LogMetric(ctx context.Context, runID string, m Metric) error
	SetTag(ctx context.Context, runID, key, value string) error
	// LogArtifact copies the file or directory at localPath into the run's
	// artifact root under artifactPath ("" means the root itself).
	LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error
	// ArtifactDir returns the local directory holding the run's artifacts.
	ArtifactDir(ctx context.Context, runID string) (string, error)
	UpdateRun(ctx context.Context, runID string, status RunStatus, end time.Time) error

	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	// SearchRuns returns the runs of an experiment whose tags match filter,
	// newest first.
	SearchRuns(ctx context.Context, experimentID string, filter map[string]string) ([]*RunRecord, error)

	Close() error
}

// Open returns the Store addressed by uri:
//
//	""                   FileStore rooted at ./mlruns
//	/path, ./path        FileStore rooted at path
//	file:///abs/path     FileStore rooted at the URL path
//	sqlite:///abs/db     SQLStore backed by the database file
//	sqlite://rel/db      SQLStore, relative path
//
// Any other scheme is a TrackingBackendError.
func Open(uri string) (Store, error) {
	if uri == "" {
		return NewFileStore("mlruns")
	}
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return NewFileStore(uri)
	}
	switch scheme {
	case "file":
		u, err := url.Parse(uri)
		if err != nil {
			return nil, errors.NewTrackingBackendError("open", "", errors.Wrapf(err, "parse %s", uri))
		}
		path := u.Path
		if u.Host != "" && u.Host != "localhost" {
			path = filepath.Join(u.Host, path)
		}
		return NewFileStore(path)
	case "sqlite":
		if rest == "" {
			return nil, errors.NewTrackingBackendError("open", "", errors.Newf("missing database path in %q", uri))
		}
		return NewSQLStore(rest)
	default:
		return nil, errors.NewTrackingBackendError("open", "", errors.Newf("unsupported tracking URI scheme %q", scheme))
	}
}

// copyArtifact copies a file or directory tree from src into dstDir,
// keeping the base name of src.
func copyArtifact(src, dstDir string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrapf(err, "stat artifact %s", src)
	}
	if !info.IsDir() {
		return copyFile(src, filepath.Join(dstDir, filepath.Base(src)))
	}
	root := filepath.Join(dstDir, filepath.Base(src))
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(root, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(dst))
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s", src)
	}
	return out.Close()
}

// artifactTarget resolves artifactPath below root, rejecting escapes.
func artifactTarget(root, artifactPath string) (string, error) {
	if artifactPath == "" {
		return root, nil
	}
	if err := validateKey("artifact_path", filepath.ToSlash(artifactPath)); err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(artifactPath)), nil
}
