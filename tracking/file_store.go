package tracking

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/forestops/pkg/errors"
)

const metaFile = "meta.yaml"

type experimentMeta struct {
	ArtifactLocation string `yaml:"artifact_location"`
	CreationTime     int64  `yaml:"creation_time"`
	ExperimentID     string `yaml:"experiment_id"`
	LastUpdateTime   int64  `yaml:"last_update_time"`
	LifecycleStage   string `yaml:"lifecycle_stage"`
	Name             string `yaml:"name"`
}

type runMeta struct {
	ArtifactURI    string `yaml:"artifact_uri"`
	EndTime        *int64 `yaml:"end_time"`
	EntryPointName string `yaml:"entry_point_name"`
	ExperimentID   string `yaml:"experiment_id"`
	LifecycleStage string `yaml:"lifecycle_stage"`
	RunID          string `yaml:"run_id"`
	RunName        string `yaml:"run_name"`
	RunUUID        string `yaml:"run_uuid"`
	SourceType     int    `yaml:"source_type"`
	StartTime      int64  `yaml:"start_time"`
	Status         int    `yaml:"status"`
	UserID         string `yaml:"user_id"`
}

// FileStore keeps runs in the mlruns directory layout:
//
//	<root>/<experiment_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/params/<key>
//	<root>/<experiment_id>/<run_id>/metrics/<key>   "<ts_ms> <value> <step>" per line
//	<root>/<experiment_id>/<run_id>/tags/<key>
//	<root>/<experiment_id>/<run_id>/artifacts/...
//
// Files are only ever created or appended, except a run's meta.yaml which is
// replaced atomically when the run ends.
type FileStore struct {
	root string

	mu      sync.Mutex
	runDirs map[string]string
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a store rooted at dir and makes
// sure the Default experiment exists.
func NewFileStore(dir string) (*FileStore, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.NewTrackingBackendError("open", "", errors.Wrapf(err, "resolve %s", dir))
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.NewTrackingBackendError("open", "", errors.Wrapf(err, "create %s", root))
	}
	s := &FileStore{root: root, runDirs: make(map[string]string)}
	if _, err := os.Stat(filepath.Join(root, DefaultExperimentID, metaFile)); os.IsNotExist(err) {
		if err := s.writeExperiment(DefaultExperimentID, DefaultExperimentName, time.Now()); err != nil && !os.IsExist(errors.UnwrapAll(err)) {
			return nil, errors.NewTrackingBackendError("open", "", err)
		}
	}
	return s, nil
}

// Root returns the absolute store directory.
func (s *FileStore) Root() string { return s.root }

// Close implements Store. FileStore holds no open handles.
func (s *FileStore) Close() error { return nil }

func fileURI(path string) string {
	return "file://" + filepath.ToSlash(path)
}

func (s *FileStore) writeExperiment(id, name string, now time.Time) error {
	dir := filepath.Join(s.root, id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	meta := experimentMeta{
		ArtifactLocation: fileURI(dir),
		CreationTime:     toMillis(now),
		ExperimentID:     id,
		LastUpdateTime:   toMillis(now),
		LifecycleStage:   lifecycleActive,
		Name:             name,
	}
	return writeYAML(filepath.Join(dir, metaFile), meta)
}

// writeYAML writes v to path through a temporary file and rename.
func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}

func readYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

func (m experimentMeta) experiment() *Experiment {
	return &Experiment{
		ID:               m.ExperimentID,
		Name:             m.Name,
		ArtifactLocation: m.ArtifactLocation,
		LifecycleStage:   m.LifecycleStage,
		CreationTime:     fromMillis(m.CreationTime),
	}
}

// ListExperiments returns every experiment ordered by numeric id.
func (s *FileStore) ListExperiments(_ context.Context) ([]*Experiment, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", s.root)
	}
	var out []*Experiment
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var meta experimentMeta
		if err := readYAML(filepath.Join(s.root, e.Name(), metaFile), &meta); err != nil {
			if os.IsNotExist(errors.UnwrapAll(err)) {
				continue
			}
			return nil, err
		}
		out = append(out, meta.experiment())
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].ID)
		b, _ := strconv.Atoi(out[j].ID)
		return a < b
	})
	return out, nil
}

// GetExperimentByName returns ErrExperimentNotFound when no experiment has name.
func (s *FileStore) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	exps, err := s.ListExperiments(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range exps {
		if e.Name == name {
			return e, nil
		}
	}
	return nil, errors.Wrapf(ErrExperimentNotFound, "name %q", name)
}

// CreateExperiment allocates the next numeric id. Concurrent creators race on
// os.Mkdir, and the loser retries with the following id.
func (s *FileStore) CreateExperiment(ctx context.Context, name string) (*Experiment, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.NewValidationError("experiment_name", "must not be empty", name)
	}
	if _, err := s.GetExperimentByName(ctx, name); err == nil {
		return nil, errors.Newf("experiment %q already exists", name)
	}
	for attempt := 0; attempt < 100; attempt++ {
		next, err := s.nextExperimentID()
		if err != nil {
			return nil, err
		}
		err = s.writeExperiment(next, name, time.Now())
		if err == nil {
			return s.experimentByID(next)
		}
		if !os.IsExist(errors.UnwrapAll(err)) {
			return nil, err
		}
	}
	return nil, errors.Newf("could not allocate an id for experiment %q", name)
}

func (s *FileStore) nextExperimentID() (string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", errors.Wrapf(err, "list %s", s.root)
	}
	maxID := 0
	for _, e := range entries {
		if n, err := strconv.Atoi(e.Name()); err == nil && n > maxID {
			maxID = n
		}
	}
	return strconv.Itoa(maxID + 1), nil
}

func (s *FileStore) experimentByID(id string) (*Experiment, error) {
	var meta experimentMeta
	if err := readYAML(filepath.Join(s.root, id, metaFile), &meta); err != nil {
		if os.IsNotExist(errors.UnwrapAll(err)) {
			return nil, errors.Wrapf(ErrExperimentNotFound, "id %s", id)
		}
		return nil, err
	}
	return meta.experiment(), nil
}

// CreateRun creates the run directory tree with status RUNNING.
func (s *FileStore) CreateRun(_ context.Context, experimentID, runName string, start time.Time, tags map[string]string) (*RunInfo, error) {
	if _, err := s.experimentByID(experimentID); err != nil {
		return nil, err
	}
	runID := newRunID()
	dir := filepath.Join(s.root, experimentID, runID)
	for _, sub := range []string{"params", "metrics", "tags", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create run directory %s", dir)
		}
	}
	meta := runMeta{
		ArtifactURI:    fileURI(filepath.Join(dir, "artifacts")),
		ExperimentID:   experimentID,
		LifecycleStage: lifecycleActive,
		RunID:          runID,
		RunName:        runName,
		RunUUID:        runID,
		SourceType:     4, // LOCAL
		StartTime:      toMillis(start),
		Status:         RunStatusRunning.code(),
		UserID:         tags[TagUser],
	}
	if err := writeYAML(filepath.Join(dir, metaFile), meta); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.runDirs[runID] = dir
	s.mu.Unlock()

	for k, v := range tags {
		if err := s.SetTag(context.Background(), runID, k, v); err != nil {
			return nil, err
		}
	}
	if runName != "" {
		if err := s.SetTag(context.Background(), runID, TagRunName, runName); err != nil {
			return nil, err
		}
	}
	return meta.info(), nil
}

func (m runMeta) info() *RunInfo {
	info := &RunInfo{
		RunID:          m.RunID,
		ExperimentID:   m.ExperimentID,
		RunName:        m.RunName,
		Status:         statusFromCode(m.Status),
		StartTime:      fromMillis(m.StartTime),
		ArtifactURI:    m.ArtifactURI,
		LifecycleStage: m.LifecycleStage,
	}
	if m.EndTime != nil {
		end := fromMillis(*m.EndTime)
		info.EndTime = &end
	}
	return info
}

// runDir locates the directory of runID, scanning experiments on a cache miss.
func (s *FileStore) runDir(runID string) (string, error) {
	if err := validateKey("run_id", runID); err != nil || strings.Contains(runID, "/") {
		return "", errors.Wrapf(ErrRunNotFound, "id %q", runID)
	}
	s.mu.Lock()
	dir, ok := s.runDirs[runID]
	s.mu.Unlock()
	if ok {
		return dir, nil
	}
	matches, err := filepath.Glob(filepath.Join(s.root, "*", runID, metaFile))
	if err != nil {
		return "", errors.WithStack(err)
	}
	if len(matches) == 0 {
		return "", errors.Wrapf(ErrRunNotFound, "id %s", runID)
	}
	dir = filepath.Dir(matches[0])
	s.mu.Lock()
	s.runDirs[runID] = dir
	s.mu.Unlock()
	return dir, nil
}

func (s *FileStore) readRunMeta(runID string) (string, *runMeta, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return "", nil, err
	}
	var meta runMeta
	if err := readYAML(filepath.Join(dir, metaFile), &meta); err != nil {
		return "", nil, err
	}
	return dir, &meta, nil
}

// writableRun returns the run directory, or ErrRunFinalized once the run ended.
func (s *FileStore) writableRun(runID string) (string, error) {
	dir, meta, err := s.readRunMeta(runID)
	if err != nil {
		return "", err
	}
	if statusFromCode(meta.Status).Terminal() {
		return "", errors.Wrapf(errors.ErrRunFinalized, "run %s", runID)
	}
	return dir, nil
}

// LogParam writes params/<key> exclusively.
func (s *FileStore) LogParam(_ context.Context, runID, key, value string) error {
	if err := validateKey("param", key); err != nil {
		return err
	}
	dir, err := s.writableRun(runID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "params", filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		existing, rerr := os.ReadFile(path)
		if rerr != nil {
			return errors.WithStack(rerr)
		}
		if string(existing) != value {
			return errors.Wrapf(ErrParamConflict, "param %q: have %q, got %q", key, existing, value)
		}
		return nil
	}
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}

// LogMetric appends a "<ts> <value> <step>" line to metrics/<key>.
func (s *FileStore) LogMetric(_ context.Context, runID string, m Metric) error {
	if err := validateKey("metric", m.Key); err != nil {
		return err
	}
	dir, err := s.writableRun(runID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "metrics", filepath.FromSlash(m.Key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	line := fmt.Sprintf("%d %s %d\n", m.Timestamp, strconv.FormatFloat(m.Value, 'g', -1, 64), m.Step)
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}

// SetTag writes tags/<key>, replacing any previous value.
func (s *FileStore) SetTag(_ context.Context, runID, key, value string) error {
	if err := validateKey("tag", key); err != nil {
		return err
	}
	dir, err := s.writableRun(runID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "tags", filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(path, []byte(value), 0o644))
}

// ArtifactDir implements Store.
func (s *FileStore) ArtifactDir(_ context.Context, runID string) (string, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "artifacts"), nil
}

// LogArtifact implements Store.
func (s *FileStore) LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error {
	dir, err := s.writableRun(runID)
	if err != nil {
		return err
	}
	target, err := artifactTarget(filepath.Join(dir, "artifacts"), artifactPath)
	if err != nil {
		return err
	}
	return copyArtifact(localPath, target)
}

// UpdateRun sets the final status and end time.
func (s *FileStore) UpdateRun(_ context.Context, runID string, status RunStatus, end time.Time) error {
	dir, meta, err := s.readRunMeta(runID)
	if err != nil {
		return err
	}
	if statusFromCode(meta.Status).Terminal() {
		return errors.Wrapf(errors.ErrRunFinalized, "run %s", runID)
	}
	meta.Status = status.code()
	if status.Terminal() {
		ms := toMillis(end)
		meta.EndTime = &ms
	}
	return writeYAML(filepath.Join(dir, metaFile), meta)
}

// GetRun reads the full record of runID.
func (s *FileStore) GetRun(_ context.Context, runID string) (*RunRecord, error) {
	dir, meta, err := s.readRunMeta(runID)
	if err != nil {
		return nil, err
	}
	rec := newRecord(*meta.info())
	if err := readKeyFiles(filepath.Join(dir, "params"), func(key string, data []byte) error {
		rec.Params[key] = string(data)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := readKeyFiles(filepath.Join(dir, "tags"), func(key string, data []byte) error {
		rec.Tags[key] = string(data)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := readKeyFiles(filepath.Join(dir, "metrics"), func(key string, data []byte) error {
		m, err := latestMetric(key, data)
		if err != nil {
			return err
		}
		rec.Metrics[key] = m
		return nil
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// readKeyFiles calls fn for every regular file below dir with its
// slash-separated relative path as the key.
func readKeyFiles(dir string, fn func(key string, data []byte) error) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.WithStack(err)
		}
		return fn(filepath.ToSlash(rel), data)
	})
}

// latestMetric parses a metric history and returns the entry with the
// highest step, then the latest timestamp.
func latestMetric(key string, data []byte) (Metric, error) {
	var (
		best  Metric
		found bool
	)
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 || len(fields) > 3 {
			return Metric{}, errors.Newf("metric %s: malformed line %q", key, sc.Text())
		}
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return Metric{}, errors.Wrapf(err, "metric %s timestamp", key)
		}
		val, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return Metric{}, errors.Wrapf(err, "metric %s value", key)
		}
		var step int64
		if len(fields) == 3 {
			if step, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
				return Metric{}, errors.Wrapf(err, "metric %s step", key)
			}
		}
		m := Metric{Key: key, Value: val, Timestamp: ts, Step: step}
		if !found || m.Step > best.Step || (m.Step == best.Step && m.Timestamp >= best.Timestamp) {
			best, found = m, true
		}
	}
	if !found {
		return Metric{}, errors.Newf("metric %s: empty history", key)
	}
	return best, nil
}

// SearchRuns implements Store.
func (s *FileStore) SearchRuns(ctx context.Context, experimentID string, filter map[string]string) ([]*RunRecord, error) {
	if _, err := s.experimentByID(experimentID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, experimentID))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var out []*RunRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, experimentID, e.Name(), metaFile)); err != nil {
			continue
		}
		rec, err := s.GetRun(ctx, e.Name())
		if err != nil {
			return nil, err
		}
		if rec.MatchesTags(filter) {
			out = append(out, rec)
		}
	}
	sortRuns(out)
	return out, nil
}
