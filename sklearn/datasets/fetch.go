package datasets

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/pkg/log"
)

// DefaultFetchBaseURL is the directory scikit-learn keeps its bundled
// tables in.
const DefaultFetchBaseURL = "https://raw.githubusercontent.com/scikit-learn/scikit-learn/main/sklearn/datasets/data"

// SklearnFile returns the file name scikit-learn ships the named table under.
func SklearnFile(name string) (string, error) {
	b, ok := registry[name]
	if !ok {
		return "", errors.NewUnknownDatasetError(name, Names())
	}
	return b.sklearnFile, nil
}

// Fetched describes one table written by Fetch.
type Fetched struct {
	Name     string
	Path     string
	NSamples int
}

// Fetch downloads each named table from baseURL/<scikit-learn file name>
// into dir. A download replaces the file in dir only after it parses, so a
// failed or partial download leaves dir as it was. Fetch stops at the first
// failure and returns what was written before it.
func Fetch(ctx context.Context, client *http.Client, baseURL, dir string, names []string) ([]Fetched, error) {
	if client == nil {
		client = http.DefaultClient
	}
	for _, name := range names {
		if !IsKnown(name) {
			return nil, errors.NewUnknownDatasetError(name, Names())
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	logger := log.GetLoggerWithName("datasets")

	out := make([]Fetched, 0, len(names))
	for _, name := range names {
		f, err := fetchOne(ctx, client, strings.TrimSuffix(baseURL, "/"), dir, name)
		if err != nil {
			return out, errors.Wrapf(err, "fetch %s", name)
		}
		logger.Info("Dataset fetched",
			log.DatasetKey, name,
			log.SamplesKey, f.NSamples,
			log.ArtifactPathKey, f.Path,
		)
		out = append(out, f)
	}
	return out, nil
}

func fetchOne(ctx context.Context, client *http.Client, baseURL, dir, name string) (_ Fetched, err error) {
	b := registry[name]
	url := baseURL + "/" + b.sklearnFile

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Fetched{}, errors.Wrapf(err, "build request for %s", url)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Fetched{}, errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Fetched{}, errors.Newf("GET %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(dir, b.sklearnFile+".*.part")
	if err != nil {
		return Fetched{}, errors.Wrap(err, "create temporary file")
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return Fetched{}, errors.Wrapf(err, "download %s", url)
	}
	if err = tmp.Close(); err != nil {
		return Fetched{}, errors.Wrap(err, "close temporary file")
	}

	// The temporary name hides the .gz suffix, so decode under the final name.
	f, err := os.Open(tmp.Name())
	if err != nil {
		return Fetched{}, errors.Wrap(err, "reopen download")
	}
	ds, err := decode(name, b, b.sklearnFile, f)
	_ = f.Close()
	if err != nil {
		return Fetched{}, errors.Wrapf(err, "downloaded %s is not a %s table", url, name)
	}

	path := filepath.Join(dir, b.sklearnFile)
	if err = os.Rename(tmp.Name(), path); err != nil {
		return Fetched{}, errors.Wrapf(err, "move download to %s", path)
	}
	return Fetched{Name: name, Path: path, NSamples: ds.NSamples()}, nil
}
