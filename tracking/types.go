// Package tracking records training runs: parameters, metrics, tags and
// artifacts, grouped into named experiments.
//
// Two backends implement Store. FileStore writes the mlruns directory layout
// used by MLflow's file store, so existing tooling can browse the runs.
// SQLStore keeps the same records in a SQLite database. Client ties a Store
// to a logger and hands out ActiveRun values; there is no process-wide
// "current run".
package tracking

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/YuminosukeSato/forestops/pkg/errors"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusKilled   RunStatus = "KILLED"
)

// Terminal reports whether no further writes are accepted in this status.
func (s RunStatus) Terminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed || s == RunStatusKilled
}

// MLflow stores run status as an integer enum in meta.yaml.
var statusCodes = map[RunStatus]int{
	RunStatusRunning:  1,
	RunStatusFinished: 3,
	RunStatusFailed:   4,
	RunStatusKilled:   5,
}

func (s RunStatus) code() int { return statusCodes[s] }

func statusFromCode(code int) RunStatus {
	for s, c := range statusCodes {
		if c == code {
			return s
		}
	}
	return RunStatusRunning
}

// DefaultExperimentID / DefaultExperimentName name the experiment every store
// creates on first use.
const (
	DefaultExperimentID   = "0"
	DefaultExperimentName = "Default"
)

const lifecycleActive = "active"

// Standard tag keys.
const (
	TagRunName    = "mlflow.runName"
	TagSourceName = "mlflow.source.name"
	TagUser       = "mlflow.user"
)

var (
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrRunNotFound        = errors.New("run not found")
	// ErrParamConflict is returned when a parameter is logged twice with different values.
	ErrParamConflict = errors.New("parameter already logged with a different value")
)

// Experiment groups runs under a name.
type Experiment struct {
	ID               string
	Name             string
	ArtifactLocation string
	LifecycleStage   string
	CreationTime     time.Time
}

// RunInfo is the immutable identity of a run plus its lifecycle fields.
type RunInfo struct {
	RunID          string
	ExperimentID   string
	RunName        string
	Status         RunStatus
	StartTime      time.Time
	EndTime        *time.Time
	ArtifactURI    string
	LifecycleStage string
}

// Metric is one logged value. Timestamp has millisecond resolution.
type Metric struct {
	Key       string
	Value     float64
	Timestamp int64
	Step      int64
}

// RunRecord is the full view of a run.
type RunRecord struct {
	Info    RunInfo
	Params  map[string]string
	Metrics map[string]Metric // latest value per key
	Tags    map[string]string
}

// Complete reports whether the run finished and carries every listed
// parameter and metric. Only complete records are meaningful results.
func (r *RunRecord) Complete(params, metrics []string) bool {
	if r.Info.Status != RunStatusFinished {
		return false
	}
	for _, k := range params {
		if _, ok := r.Params[k]; !ok {
			return false
		}
	}
	for _, k := range metrics {
		if _, ok := r.Metrics[k]; !ok {
			return false
		}
	}
	return true
}

// MatchesTags reports whether every key in filter has the same tag value.
func (r *RunRecord) MatchesTags(filter map[string]string) bool {
	for k, v := range filter {
		if r.Tags[k] != v {
			return false
		}
	}
	return true
}

func newRecord(info RunInfo) *RunRecord {
	return &RunRecord{
		Info:    info,
		Params:  map[string]string{},
		Metrics: map[string]Metric{},
		Tags:    map[string]string{},
	}
}

// sortRuns orders runs newest first, ties by id.
func sortRuns(runs []*RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		a, b := runs[i].Info, runs[j].Info
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.After(b.StartTime)
		}
		return a.RunID < b.RunID
	})
}

// newRunID returns a 32 character hex id.
func newRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// validateKey rejects names that cannot be stored as a single file path
// component chain inside a run directory.
func validateKey(kind, key string) error {
	if key == "" || len(key) > 250 {
		return errors.NewValidationError(kind, "must be 1 to 250 characters", key)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return errors.NewValidationError(kind, "must be a relative name", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return errors.NewValidationError(kind, "must not contain empty, '.' or '..' path segments", key)
		}
	}
	for _, r := range key {
		ok := r == '_' || r == '-' || r == '.' || r == ' ' || r == '/' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return errors.NewValidationError(kind, "may only contain alphanumerics, underscores, dashes, periods, spaces and slashes", key)
		}
	}
	return nil
}
