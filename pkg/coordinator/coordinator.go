// Package coordinator accepts test run requests, holds the per-test run lock
// and drives one region controller per requested region to a single
// aggregated outcome.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/renstrom/shortuuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/artifacts"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/metrics"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/platform"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/region"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/results"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/store"
)

const (
	finishTimeout     = 30 * time.Second
	finishAttempts    = 3
	cancelStopTimeout = 2 * time.Minute
)

// errShuttingDown is the cancellation cause of runs interrupted by Stop.
var errShuttingDown = errors.New("orchestrator shutting down")

// Coordinator starts, cancels and reports on test runs.
type Coordinator interface {
	// Start validates req, takes the run lock and drives the run in the
	// background. It returns the new testRunId.
	Start(ctx context.Context, req *loadtest.TestRunRequest) (string, error)
	// Run starts a run and blocks until its history record is written.
	Run(ctx context.Context, req *loadtest.TestRunRequest) (*store.HistoryRecord, error)
	// Wait blocks until the run of testID driven by this process finishes.
	// It returns immediately if there is none.
	Wait(ctx context.Context, testID string) error
	// Cancel requests cancellation of the active run of testID. Cancelling
	// an inactive run is a no-op.
	Cancel(ctx context.Context, testID string) error
	Status(ctx context.Context, testID string) (*loadtest.RunRecord, error)
	History(ctx context.Context, testID string) ([]store.HistoryRecord, error)
	// Stop cancels in-flight runs and waits for them to record their
	// outcome.
	Stop() error
}

// Config tunes the coordinator.
type Config struct {
	Region           region.Config
	FetchConcurrency int
}

type activeRun struct {
	testRunID string
	cancel    context.CancelCauseFunc
	done      chan struct{}
}

type coordinator struct {
	log       logrus.FieldLogger
	store     store.Store
	registry  platform.Registry
	artifacts artifacts.Reader
	metrics   *metrics.Metrics
	cfg       Config

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu   sync.Mutex
	runs map[string]*activeRun
	wg   sync.WaitGroup
}

var _ Coordinator = (*coordinator)(nil)

// New creates a coordinator.
func New(
	log logrus.FieldLogger,
	st store.Store,
	registry platform.Registry,
	reader artifacts.Reader,
	m *metrics.Metrics,
	cfg Config,
) Coordinator {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 8
	}

	ctx, cancel := context.WithCancelCause(context.Background())

	return &coordinator{
		log:        log.WithField("component", "coordinator"),
		store:      st,
		registry:   registry,
		artifacts:  reader,
		metrics:    m,
		cfg:        cfg,
		baseCtx:    ctx,
		baseCancel: cancel,
		runs:       make(map[string]*activeRun, 4),
	}
}

func (c *coordinator) Start(ctx context.Context, req *loadtest.TestRunRequest) (string, error) {
	if err := req.Validate(); err != nil {
		c.metrics.RunRejected("invalid")

		return "", err
	}

	for _, plan := range req.Regions {
		if c.registry.Get(plan.Region) == nil {
			c.metrics.RunRejected("invalid")

			return "", fmt.Errorf("%w: region %q is not configured", loadtest.ErrInvalidRequest, plan.Region)
		}
	}

	duration, err := req.DurationPlan.Total()
	if err != nil {
		c.metrics.RunRejected("invalid")

		return "", fmt.Errorf("%w: %v", loadtest.ErrInvalidRequest, err)
	}

	if c.baseCtx.Err() != nil {
		return "", errShuttingDown
	}

	testRunID := shortuuid.New()
	now := time.Now().UTC()

	rec := &loadtest.RunRecord{
		TestID:    req.TestID,
		TestRunID: testRunID,
		Status:    loadtest.RunStatusRunning,
		StartedAt: &now,
		Regions:   make([]*loadtest.RegionState, 0, len(req.Regions)),
	}

	for _, plan := range req.Regions {
		rec.Regions = append(rec.Regions, &loadtest.RegionState{
			Region:       plan.Region,
			DesiredCount: plan.TaskCount,
			Phase:        loadtest.PhasePending,
			UpdatedAt:    now,
		})
	}

	if err := c.store.AcquireRun(ctx, rec); err != nil {
		if errors.Is(err, loadtest.ErrAlreadyRunning) {
			c.metrics.RunRejected("already_running")
		}

		return "", err
	}

	c.metrics.RunStarted()

	runCtx, cancel := context.WithCancelCause(c.baseCtx)
	run := &activeRun{testRunID: testRunID, cancel: cancel, done: make(chan struct{})}

	controllers := make([]*region.Controller, 0, len(req.Regions))
	for _, plan := range req.Regions {
		controllers = append(controllers, region.New(
			c.log,
			c.registry.Get(plan.Region),
			c.store,
			c.metrics,
			c.cfg.Region,
			region.Params{
				TestID:    req.TestID,
				TestRunID: testRunID,
				Plan:      plan,
				Duration:  duration,
				Spec: platform.LaunchSpec{
					TestID:      req.TestID,
					TestRunID:   testRunID,
					Image:       req.WorkerSpec.Image,
					Script:      req.WorkerSpec.Script,
					TestType:    req.WorkerSpec.TestType,
					Concurrency: plan.Concurrency,
					RampUp:      req.DurationPlan.RampUp,
					HoldFor:     req.DurationPlan.HoldFor,
					Env:         req.WorkerSpec.Env,
				},
			},
		))
	}

	c.mu.Lock()
	c.runs[req.TestID] = run
	c.mu.Unlock()

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer close(run.done)
		defer cancel(nil)
		defer func() {
			c.mu.Lock()
			if c.runs[req.TestID] == run {
				delete(c.runs, req.TestID)
			}
			c.mu.Unlock()
		}()

		c.execute(runCtx, rec, controllers)
	}()

	c.log.WithFields(logrus.Fields{
		"test_id":     req.TestID,
		"test_run_id": testRunID,
		"regions":     len(req.Regions),
		"duration":    duration,
	}).Info("Run started")

	return testRunID, nil
}

// execute drives every region to a terminal phase, then aggregates the
// worker reports once and records the outcome.
func (c *coordinator) execute(ctx context.Context, rec *loadtest.RunRecord, controllers []*region.Controller) {
	log := c.log.WithFields(logrus.Fields{
		"test_id":     rec.TestID,
		"test_run_id": rec.TestRunID,
	})

	finals := make([]*loadtest.RegionState, len(controllers))

	var g errgroup.Group

	for i, ctrl := range controllers {
		g.Go(func() error {
			final := ctrl.Run(ctx)
			finals[i] = final

			if final.Phase == loadtest.PhaseCancelled {
				c.cancelOthers(ctx, rec, final)
			}

			return nil
		})
	}

	_ = g.Wait()

	history := &store.HistoryRecord{
		TestID:    rec.TestID,
		TestRunID: rec.TestRunID,
		StartTime: *rec.StartedAt,
		Status:    loadtest.RunStatusComplete,
	}

	if reason := failureReason(finals); reason != "" {
		history.Status = loadtest.RunStatusFailed
		history.Reason = reason
	} else {
		aggregated, err := c.aggregate(context.WithoutCancel(ctx), finals)
		if err != nil {
			log.WithError(err).Error("Failed to aggregate results")

			history.Status = loadtest.RunStatusFailed
			history.Reason = fmt.Sprintf("aggregating results: %v", err)
		} else {
			history.Results = aggregated
			history.SuccPercent = aggregated.SuccPercent
		}
	}

	history.EndTime = time.Now().UTC()

	if err := c.finish(context.WithoutCancel(ctx), history); err != nil {
		// The record stays active; an operator has to clean it up.
		log.WithError(err).Error("Failed to record run outcome")

		return
	}

	c.metrics.RunFinished(history.Status, history.EndTime.Sub(history.StartTime))

	log.WithFields(logrus.Fields{
		"status":       history.Status,
		"succ_percent": history.SuccPercent,
		"reason":       history.Reason,
	}).Info("Run finished")
}

// cancelOthers propagates a cancelled region to the rest of the run.
func (c *coordinator) cancelOthers(ctx context.Context, rec *loadtest.RunRecord, cancelled *loadtest.RegionState) {
	cause := fmt.Errorf("%w: region %s: %s", loadtest.ErrCancelled, cancelled.Region, cancelled.Error)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if _, err := c.store.RequestCancel(pctx, rec.TestID); err != nil {
		c.log.WithError(err).WithField("test_id", rec.TestID).Warn("Failed to persist cancellation")
	}

	c.mu.Lock()
	run := c.runs[rec.TestID]
	c.mu.Unlock()

	if run != nil && run.testRunID == rec.TestRunID {
		run.cancel(cause)
	}
}

// failureReason joins the errors of cancelled regions, or returns "" when
// every region is done.
func failureReason(finals []*loadtest.RegionState) string {
	var reasons []string

	for _, rs := range finals {
		if rs.Phase != loadtest.PhaseDone {
			reasons = append(reasons, fmt.Sprintf("%s: %s", rs.Region, rs.Error))
		}
	}

	return strings.Join(reasons, "; ")
}

func (c *coordinator) aggregate(ctx context.Context, finals []*loadtest.RegionState) (*results.AggregatedResult, error) {
	started := time.Now()
	defer func() { c.metrics.Aggregated(time.Since(started)) }()

	var refs []artifacts.Ref

	for _, rs := range finals {
		for _, h := range rs.TaskHandles {
			if h.ResultKey != "" {
				refs = append(refs, artifacts.Ref{Key: h.ResultKey, Region: rs.Region})
			}
		}
	}

	raws, err := artifacts.FetchAll(ctx, c.artifacts, refs, c.cfg.FetchConcurrency)
	if err != nil {
		return nil, err
	}

	return results.Aggregate(raws)
}

// finish writes the history record and releases the run lock, retrying
// transient store failures.
func (c *coordinator) finish(ctx context.Context, history *store.HistoryRecord) error {
	return retry.Do(
		func() error {
			fctx, cancel := context.WithTimeout(ctx, finishTimeout)
			defer cancel()

			return c.store.FinishRun(fctx, history)
		},
		retry.Context(ctx),
		retry.Attempts(finishAttempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, loadtest.ErrNotFound) && !errors.Is(err, store.ErrAlreadyFinished)
		}),
	)
}

func (c *coordinator) Run(ctx context.Context, req *loadtest.TestRunRequest) (*store.HistoryRecord, error) {
	testRunID, err := c.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := c.Wait(ctx, req.TestID); err != nil {
		return nil, err
	}

	return c.store.GetHistory(ctx, req.TestID, testRunID)
}

func (c *coordinator) Wait(ctx context.Context, testID string) error {
	c.mu.Lock()
	run := c.runs[testID]
	c.mu.Unlock()

	if run == nil {
		return nil
	}

	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *coordinator) Cancel(ctx context.Context, testID string) error {
	active, err := c.store.RequestCancel(ctx, testID)
	if err != nil {
		return err
	}

	if !active {
		return nil
	}

	log := c.log.WithField("test_id", testID)

	c.mu.Lock()
	run := c.runs[testID]
	c.mu.Unlock()

	if run != nil {
		run.cancel(fmt.Errorf("%w: requested", loadtest.ErrCancelled))
	}

	// Stop every recorded task. Controllers in another process only observe
	// the persisted flag, so this also ends their load promptly.
	rec, err := c.store.GetRun(ctx, testID)
	if err != nil {
		return err
	}

	stopCtx, cancel := context.WithTimeout(ctx, cancelStopTimeout)
	defer cancel()

	var result *multierror.Error

	for _, rs := range rec.Regions {
		outstanding := region.Outstanding(rs)
		if len(outstanding) == 0 {
			continue
		}

		adapter := c.registry.Get(rs.Region)
		if adapter == nil {
			continue
		}

		if err := adapter.Stop(stopCtx, outstanding); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping tasks in %s: %w", rs.Region, err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		log.WithError(err).Warn("Failed to stop some recorded tasks")
	}

	log.Info("Run cancellation requested")

	return nil
}

func (c *coordinator) Status(ctx context.Context, testID string) (*loadtest.RunRecord, error) {
	return c.store.GetRun(ctx, testID)
}

func (c *coordinator) History(ctx context.Context, testID string) ([]store.HistoryRecord, error) {
	return c.store.ListHistory(ctx, testID)
}

func (c *coordinator) Stop() error {
	c.baseCancel(errShuttingDown)
	c.wg.Wait()

	c.log.Info("Coordinator stopped")

	return nil
}
