package tracking

import (
	"context"
	"fmt"
	"os/user"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/YuminosukeSato/forestops/core/model"
	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/pkg/log"
)

// Client is the explicit tracking context handed to training code.
type Client struct {
	store  Store
	uri    string
	logger log.Logger
	now    func() time.Time
}

// NewClient wraps store.
func NewClient(store Store) *Client {
	return &Client{
		store:  store,
		logger: log.GetLoggerWithName("tracking"),
		now:    time.Now,
	}
}

// Dial opens the store addressed by uri (see Open) and wraps it in a Client.
func Dial(uri string) (*Client, error) {
	store, err := Open(uri)
	if err != nil {
		return nil, err
	}
	c := NewClient(store)
	c.uri = uri
	c.logger = c.logger.With(log.TrackingURIKey, uri)
	return c, nil
}

// Store returns the underlying store.
func (c *Client) Store() Store { return c.store }

// Close closes the underlying store.
func (c *Client) Close() error {
	if err := c.store.Close(); err != nil {
		return errors.NewTrackingBackendError("close", "", err)
	}
	return nil
}

// SetExperiment returns the experiment called name, creating it if needed.
func (c *Client) SetExperiment(ctx context.Context, name string) (*Experiment, error) {
	exp, err := c.store.GetExperimentByName(ctx, name)
	if err == nil {
		return exp, nil
	}
	if !errors.Is(err, ErrExperimentNotFound) {
		return nil, errors.NewTrackingBackendError("get experiment", "", err)
	}
	exp, err = c.store.CreateExperiment(ctx, name)
	if err != nil {
		// another process may have created it in between
		if again, gerr := c.store.GetExperimentByName(ctx, name); gerr == nil {
			return again, nil
		}
		return nil, errors.NewTrackingBackendError("create experiment", "", err)
	}
	c.logger.Info("Experiment created",
		log.ExperimentIDKey, exp.ID,
		log.ExperimentNameKey, exp.Name,
	)
	return exp, nil
}

// ListExperiments returns every experiment in the store.
func (c *Client) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	exps, err := c.store.ListExperiments(ctx)
	if err != nil {
		return nil, errors.NewTrackingBackendError("list experiments", "", err)
	}
	return exps, nil
}

// GetRun returns the record of runID.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	rec, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, errors.NewTrackingBackendError("get run", runID, err)
	}
	return rec, nil
}

// SearchRuns returns the runs of experimentID matching every tag in filter.
func (c *Client) SearchRuns(ctx context.Context, experimentID string, filter map[string]string) ([]*RunRecord, error) {
	runs, err := c.store.SearchRuns(ctx, experimentID, filter)
	if err != nil {
		return nil, errors.NewTrackingBackendError("search runs", "", err)
	}
	return runs, nil
}

// StartRun creates a RUNNING run in experimentID. The current OS user is
// recorded under mlflow.user unless tags already sets it.
func (c *Client) StartRun(ctx context.Context, experimentID string, tags map[string]string) (*ActiveRun, error) {
	all := make(map[string]string, len(tags)+1)
	if u, err := user.Current(); err == nil {
		all[TagUser] = u.Username
	}
	for k, v := range tags {
		all[k] = v
	}
	info, err := c.store.CreateRun(ctx, experimentID, all[TagRunName], c.now(), all)
	if err != nil {
		return nil, errors.NewTrackingBackendError("start run", "", err)
	}
	logger := c.logger.With(log.RunIDKey, info.RunID, log.ExperimentIDKey, experimentID)
	logger.Info("Run started")
	return &ActiveRun{client: c, info: *info, logger: logger}, nil
}

// ActiveRun is a run that accepts writes until End is called. Methods are
// safe for concurrent use.
type ActiveRun struct {
	client *Client
	info   RunInfo
	logger log.Logger

	mu    sync.Mutex
	ended bool
}

// ID returns the run id.
func (r *ActiveRun) ID() string { return r.info.RunID }

// Info returns the run info as of StartRun.
func (r *ActiveRun) Info() RunInfo { return r.info }

func (r *ActiveRun) check(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return errors.NewTrackingBackendError(op, r.info.RunID, errors.WithStack(errors.ErrRunFinalized))
	}
	return nil
}

func formatParam(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

// LogParam records a parameter. Logging the same key twice with a different
// value fails.
func (r *ActiveRun) LogParam(ctx context.Context, key string, value interface{}) error {
	if err := r.check("log param"); err != nil {
		return err
	}
	if err := r.client.store.LogParam(ctx, r.info.RunID, key, formatParam(value)); err != nil {
		return errors.NewTrackingBackendError("log param", r.info.RunID, err)
	}
	return nil
}

// LogParams records params in key order.
func (r *ActiveRun) LogParams(ctx context.Context, params map[string]interface{}) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := r.LogParam(ctx, k, params[k]); err != nil {
			return err
		}
	}
	return nil
}

// LogMetric records value at step 0.
func (r *ActiveRun) LogMetric(ctx context.Context, key string, value float64) error {
	return r.LogMetricStep(ctx, key, value, 0)
}

// LogMetricStep records value at step.
func (r *ActiveRun) LogMetricStep(ctx context.Context, key string, value float64, step int64) error {
	if err := r.check("log metric"); err != nil {
		return err
	}
	m := Metric{Key: key, Value: value, Timestamp: toMillis(r.client.now()), Step: step}
	if err := r.client.store.LogMetric(ctx, r.info.RunID, m); err != nil {
		return errors.NewTrackingBackendError("log metric", r.info.RunID, err)
	}
	return nil
}

// SetTag sets or replaces a tag.
func (r *ActiveRun) SetTag(ctx context.Context, key, value string) error {
	if err := r.check("set tag"); err != nil {
		return err
	}
	if err := r.client.store.SetTag(ctx, r.info.RunID, key, value); err != nil {
		return errors.NewTrackingBackendError("set tag", r.info.RunID, err)
	}
	return nil
}

// LogArtifact copies localPath into the run's artifacts under artifactPath.
func (r *ActiveRun) LogArtifact(ctx context.Context, localPath, artifactPath string) error {
	if err := r.check("log artifact"); err != nil {
		return err
	}
	if err := r.client.store.LogArtifact(ctx, r.info.RunID, localPath, artifactPath); err != nil {
		return errors.NewTrackingBackendError("log artifact", r.info.RunID, err)
	}
	r.logger.Debug("Artifact logged", log.ArtifactPathKey, artifactPath, "local_path", localPath)
	return nil
}

// LogModel persists m under artifactPath as model.gob plus an MLmodel card.
func (r *ActiveRun) LogModel(ctx context.Context, m interface{}, artifactPath string) (*model.ModelCard, error) {
	if err := r.check("log model"); err != nil {
		return nil, err
	}
	root, err := r.client.store.ArtifactDir(ctx, r.info.RunID)
	if err != nil {
		return nil, errors.NewTrackingBackendError("log model", r.info.RunID, err)
	}
	dir, err := artifactTarget(root, artifactPath)
	if err != nil {
		return nil, errors.NewTrackingBackendError("log model", r.info.RunID, err)
	}
	card, err := model.SaveModelDir(m, dir, artifactPath, r.info.RunID)
	if err != nil {
		return nil, errors.NewTrackingBackendError("log model", r.info.RunID, err)
	}
	r.logger.Debug("Model logged", log.ArtifactPathKey, artifactPath)
	return card, nil
}

// End finalises the run: FINISHED when runErr is nil, FAILED otherwise.
// A second call returns a TrackingBackendError wrapping ErrRunFinalized.
func (r *ActiveRun) End(ctx context.Context, runErr error) error {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return errors.NewTrackingBackendError("end run", r.info.RunID, errors.WithStack(errors.ErrRunFinalized))
	}
	r.ended = true
	r.mu.Unlock()

	status := RunStatusFinished
	if runErr != nil {
		status = RunStatusFailed
	}
	if err := r.client.store.UpdateRun(ctx, r.info.RunID, status, r.client.now()); err != nil {
		return errors.NewTrackingBackendError("end run", r.info.RunID, err)
	}
	if runErr != nil {
		r.logger.Warn("Run failed", log.RunStatusKey, string(status), "cause", runErr.Error())
	} else {
		r.logger.Info("Run finished", log.RunStatusKey, string(status))
	}
	return nil
}
