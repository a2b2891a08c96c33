package tracking

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/YuminosukeSato/forestops/pkg/errors"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS experiments (
	experiment_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	name              TEXT NOT NULL UNIQUE,
	artifact_location TEXT NOT NULL,
	lifecycle_stage   TEXT NOT NULL DEFAULT 'active',
	creation_time     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	run_uuid        TEXT PRIMARY KEY,
	experiment_id   INTEGER NOT NULL REFERENCES experiments(experiment_id),
	name            TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	start_time      INTEGER NOT NULL,
	end_time        INTEGER,
	artifact_uri    TEXT NOT NULL,
	lifecycle_stage TEXT NOT NULL DEFAULT 'active'
);
CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment_id);
CREATE TABLE IF NOT EXISTS params (
	run_uuid TEXT NOT NULL REFERENCES runs(run_uuid),
	key      TEXT NOT NULL,
	value    TEXT NOT NULL,
	PRIMARY KEY (run_uuid, key)
);
CREATE TABLE IF NOT EXISTS metrics (
	run_uuid  TEXT NOT NULL REFERENCES runs(run_uuid),
	key       TEXT NOT NULL,
	value     REAL NOT NULL,
	timestamp INTEGER NOT NULL,
	step      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_metrics_run ON metrics(run_uuid, key);
CREATE TABLE IF NOT EXISTS tags (
	run_uuid TEXT NOT NULL REFERENCES runs(run_uuid),
	key      TEXT NOT NULL,
	value    TEXT NOT NULL,
	PRIMARY KEY (run_uuid, key)
);
`

// SQLStore keeps runs in a SQLite database. Artifacts live on disk next to
// the database under artifacts/<run_id>.
type SQLStore struct {
	db           *sql.DB
	path         string
	artifactRoot string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens (creating if needed) the database at path.
func NewSQLStore(path string) (*SQLStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.NewTrackingBackendError("open", "", errors.Wrapf(err, "resolve %s", path))
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, errors.NewTrackingBackendError("open", "", errors.Wrapf(err, "create %s", filepath.Dir(abs)))
	}
	db, err := sql.Open("sqlite", abs+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errors.NewTrackingBackendError("open", "", errors.Wrapf(err, "open %s", abs))
	}
	// one writer at a time; SQLite serialises them anyway
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, path: abs, artifactRoot: filepath.Join(filepath.Dir(abs), "artifacts")}
	if err := s.initialize(context.Background()); err != nil {
		db.Close()
		return nil, errors.NewTrackingBackendError("open", "", err)
	}
	return s, nil
}

func (s *SQLStore) initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return errors.Wrap(err, "create tracking schema")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO experiments (experiment_id, name, artifact_location, creation_time) VALUES (0, ?, ?, ?)`,
		DefaultExperimentName, fileURI(s.artifactRoot), toMillis(time.Now()))
	return errors.Wrap(err, "create default experiment")
}

// Path returns the absolute database path.
func (s *SQLStore) Path() string { return s.path }

// Close closes the database.
func (s *SQLStore) Close() error {
	return errors.WithStack(s.db.Close())
}

func scanExperiment(row interface{ Scan(...any) error }) (*Experiment, error) {
	var (
		id      int64
		e       Experiment
		created int64
	)
	if err := row.Scan(&id, &e.Name, &e.ArtifactLocation, &e.LifecycleStage, &created); err != nil {
		return nil, err
	}
	e.ID = strconv.FormatInt(id, 10)
	e.CreationTime = fromMillis(created)
	return &e, nil
}

const experimentColumns = `experiment_id, name, artifact_location, lifecycle_stage, creation_time`

// ListExperiments implements Store.
func (s *SQLStore) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+experimentColumns+` FROM experiments ORDER BY experiment_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list experiments")
	}
	defer rows.Close()
	var out []*Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan experiment")
		}
		out = append(out, e)
	}
	return out, errors.WithStack(rows.Err())
}

// GetExperimentByName implements Store.
func (s *SQLStore) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	e, err := scanExperiment(s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrExperimentNotFound, "name %q", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get experiment %q", name)
	}
	return e, nil
}

// CreateExperiment implements Store.
func (s *SQLStore) CreateExperiment(ctx context.Context, name string) (*Experiment, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.NewValidationError("experiment_name", "must not be empty", name)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (name, artifact_location, creation_time) VALUES (?, ?, ?)`,
		name, fileURI(s.artifactRoot), toMillis(time.Now()))
	if err != nil {
		return nil, errors.Wrapf(err, "create experiment %q", name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return scanExperiment(s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE experiment_id = ?`, id))
}

// CreateRun implements Store.
func (s *SQLStore) CreateRun(ctx context.Context, experimentID, runName string, start time.Time, tags map[string]string) (*RunInfo, error) {
	expID, err := strconv.ParseInt(experimentID, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrExperimentNotFound, "id %q", experimentID)
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM experiments WHERE experiment_id = ?`, expID).Scan(&exists); err != nil {
		return nil, errors.WithStack(err)
	}
	if exists == 0 {
		return nil, errors.Wrapf(ErrExperimentNotFound, "id %s", experimentID)
	}

	runID := newRunID()
	info := &RunInfo{
		RunID:          runID,
		ExperimentID:   experimentID,
		RunName:        runName,
		Status:         RunStatusRunning,
		StartTime:      fromMillis(toMillis(start)),
		ArtifactURI:    fileURI(filepath.Join(s.artifactRoot, runID)),
		LifecycleStage: lifecycleActive,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_uuid, experiment_id, name, status, start_time, artifact_uri) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, expID, runName, string(RunStatusRunning), toMillis(start), info.ArtifactURI); err != nil {
		return nil, errors.Wrap(err, "insert run")
	}
	if runName != "" {
		tags = withTag(tags, TagRunName, runName)
	}
	for k, v := range tags {
		if err := validateKey("tag", k); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tags (run_uuid, key, value) VALUES (?, ?, ?)`, runID, k, v); err != nil {
			return nil, errors.Wrapf(err, "insert tag %q", k)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Join(s.artifactRoot, runID), 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	return info, nil
}

func withTag(tags map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for key, val := range tags {
		out[key] = val
	}
	out[k] = v
	return out
}

func (s *SQLStore) runStatus(ctx context.Context, runID string) (RunStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_uuid = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(ErrRunNotFound, "id %s", runID)
	}
	if err != nil {
		return "", errors.WithStack(err)
	}
	return RunStatus(status), nil
}

func (s *SQLStore) requireWritable(ctx context.Context, runID string) error {
	status, err := s.runStatus(ctx, runID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return errors.Wrapf(errors.ErrRunFinalized, "run %s", runID)
	}
	return nil
}

// LogParam implements Store.
func (s *SQLStore) LogParam(ctx context.Context, runID, key, value string) error {
	if err := validateKey("param", key); err != nil {
		return err
	}
	if err := s.requireWritable(ctx, runID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO params (run_uuid, key, value) VALUES (?, ?, ?)`, runID, key, value)
	if err != nil {
		return errors.Wrapf(err, "insert param %q", key)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var existing string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM params WHERE run_uuid = ? AND key = ?`, runID, key).Scan(&existing); err != nil {
		return errors.WithStack(err)
	}
	if existing != value {
		return errors.Wrapf(ErrParamConflict, "param %q: have %q, got %q", key, existing, value)
	}
	return nil
}

// LogMetric implements Store.
func (s *SQLStore) LogMetric(ctx context.Context, runID string, m Metric) error {
	if err := validateKey("metric", m.Key); err != nil {
		return err
	}
	if err := s.requireWritable(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO metrics (run_uuid, key, value, timestamp, step) VALUES (?, ?, ?, ?, ?)`,
		runID, m.Key, m.Value, m.Timestamp, m.Step)
	return errors.Wrapf(err, "insert metric %q", m.Key)
}

// SetTag implements Store.
func (s *SQLStore) SetTag(ctx context.Context, runID, key, value string) error {
	if err := validateKey("tag", key); err != nil {
		return err
	}
	if err := s.requireWritable(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tags (run_uuid, key, value) VALUES (?, ?, ?) ON CONFLICT(run_uuid, key) DO UPDATE SET value = excluded.value`,
		runID, key, value)
	return errors.Wrapf(err, "set tag %q", key)
}

// ArtifactDir implements Store.
func (s *SQLStore) ArtifactDir(ctx context.Context, runID string) (string, error) {
	if _, err := s.runStatus(ctx, runID); err != nil {
		return "", err
	}
	return filepath.Join(s.artifactRoot, runID), nil
}

// LogArtifact implements Store.
func (s *SQLStore) LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error {
	if err := s.requireWritable(ctx, runID); err != nil {
		return err
	}
	target, err := artifactTarget(filepath.Join(s.artifactRoot, runID), artifactPath)
	if err != nil {
		return err
	}
	return copyArtifact(localPath, target)
}

// UpdateRun implements Store.
func (s *SQLStore) UpdateRun(ctx context.Context, runID string, status RunStatus, end time.Time) error {
	if err := s.requireWritable(ctx, runID); err != nil {
		return err
	}
	var endMs sql.NullInt64
	if status.Terminal() {
		endMs = sql.NullInt64{Int64: toMillis(end), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, end_time = ? WHERE run_uuid = ?`, string(status), endMs, runID)
	return errors.Wrap(err, "update run")
}

const runColumns = `run_uuid, experiment_id, name, status, start_time, end_time, artifact_uri, lifecycle_stage`

func scanRunInfo(row interface{ Scan(...any) error }) (*RunInfo, error) {
	var (
		info   RunInfo
		expID  int64
		status string
		start  int64
		end    sql.NullInt64
	)
	if err := row.Scan(&info.RunID, &expID, &info.RunName, &status, &start, &end, &info.ArtifactURI, &info.LifecycleStage); err != nil {
		return nil, err
	}
	info.ExperimentID = strconv.FormatInt(expID, 10)
	info.Status = RunStatus(status)
	info.StartTime = fromMillis(start)
	if end.Valid {
		t := fromMillis(end.Int64)
		info.EndTime = &t
	}
	return &info, nil
}

// GetRun implements Store.
func (s *SQLStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	info, err := scanRunInfo(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_uuid = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrRunNotFound, "id %s", runID)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rec := newRecord(*info)
	if err := s.fillRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLStore) fillRecord(ctx context.Context, rec *RunRecord) error {
	id := rec.Info.RunID
	if err := s.scanPairs(ctx, `SELECT key, value FROM params WHERE run_uuid = ?`, id, rec.Params); err != nil {
		return err
	}
	if err := s.scanPairs(ctx, `SELECT key, value FROM tags WHERE run_uuid = ?`, id, rec.Tags); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, timestamp, step FROM metrics WHERE run_uuid = ? ORDER BY key, step DESC, timestamp DESC, rowid DESC`, id)
	if err != nil {
		return errors.Wrap(err, "query metrics")
	}
	defer rows.Close()
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.Key, &m.Value, &m.Timestamp, &m.Step); err != nil {
			return errors.WithStack(err)
		}
		if _, seen := rec.Metrics[m.Key]; !seen {
			rec.Metrics[m.Key] = m
		}
	}
	return errors.WithStack(rows.Err())
}

func (s *SQLStore) scanPairs(ctx context.Context, query, runID string, into map[string]string) error {
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return errors.WithStack(err)
		}
		into[k] = v
	}
	return errors.WithStack(rows.Err())
}

// SearchRuns implements Store.
func (s *SQLStore) SearchRuns(ctx context.Context, experimentID string, filter map[string]string) ([]*RunRecord, error) {
	expID, err := strconv.ParseInt(experimentID, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrExperimentNotFound, "id %q", experimentID)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE experiment_id = ?`, expID)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	var infos []*RunInfo
	for rows.Next() {
		info, err := scanRunInfo(rows)
		if err != nil {
			rows.Close()
			return nil, errors.WithStack(err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.WithStack(err)
	}
	rows.Close()

	var out []*RunRecord
	for _, info := range infos {
		rec := newRecord(*info)
		if err := s.fillRecord(ctx, rec); err != nil {
			return nil, err
		}
		if rec.MatchesTags(filter) {
			out = append(out, rec)
		}
	}
	sortRuns(out)
	return out, nil
}
