// Package region drives the tasks of one region of a run through a bounded
// state machine: launching, awaitingLeader, waitingDuration, completing and
// finally done or cancelled.
package region

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/config"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/metrics"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/platform"
)

const (
	persistTimeout = 10 * time.Second
	stopTimeout    = 2 * time.Minute
)

// Config tunes a controller.
type Config struct {
	PollInterval        time.Duration
	MaxCompletionPolls  int
	ReadinessInterval   time.Duration
	MaxReadinessPolls   int
	CancelCheckInterval time.Duration
	LaunchRate          float64
	LaunchBurst         int
	MaxLaunchShortfalls int
}

// ConfigFrom builds a controller config from the orchestrator section.
func ConfigFrom(o *config.OrchestratorConfig) Config {
	return Config{
		PollInterval:        o.PollInterval,
		MaxCompletionPolls:  o.MaxCompletionPolls,
		ReadinessInterval:   o.ReadinessInterval,
		MaxReadinessPolls:   o.MaxReadinessPolls,
		CancelCheckInterval: o.CancelCheckInterval,
		LaunchRate:          o.LaunchRate,
		LaunchBurst:         o.LaunchBurst,
		MaxLaunchShortfalls: o.MaxLaunchShortfalls,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}

	if c.MaxCompletionPolls <= 0 {
		c.MaxCompletionPolls = 30
	}

	if c.ReadinessInterval <= 0 {
		c.ReadinessInterval = time.Minute
	}

	if c.MaxReadinessPolls <= 0 {
		c.MaxReadinessPolls = 10
	}

	if c.CancelCheckInterval <= 0 {
		c.CancelCheckInterval = 5 * time.Second
	}

	if c.LaunchRate <= 0 {
		c.LaunchRate = 0.1
	}

	if c.LaunchBurst <= 0 {
		c.LaunchBurst = 1
	}

	if c.MaxLaunchShortfalls <= 0 {
		c.MaxLaunchShortfalls = 2
	}

	return c
}

// StateStore is the part of the run state store a controller uses.
type StateStore interface {
	UpdateRegion(ctx context.Context, testID, testRunID string, state *loadtest.RegionState) error
	CancelRequested(ctx context.Context, testID, testRunID string) (bool, error)
}

// Params identifies the region of a run and what its tasks execute.
type Params struct {
	TestID    string
	TestRunID string
	Plan      loadtest.RegionPlan
	// Duration is rampUp + holdFor.
	Duration time.Duration
	// Spec is the launch template; Role, Region and FirstIndex are set per
	// call.
	Spec platform.LaunchSpec
}

// Controller drives one region. It is used once.
type Controller struct {
	log     logrus.FieldLogger
	adapter platform.Adapter
	store   StateStore
	metrics *metrics.Metrics
	cfg     Config
	params  Params
	limiter *rate.Limiter

	mu    sync.Mutex
	state *loadtest.RegionState
}

// New creates a controller for one region of a run.
func New(
	log logrus.FieldLogger,
	adapter platform.Adapter,
	store StateStore,
	m *metrics.Metrics,
	cfg Config,
	params Params,
) *Controller {
	cfg = cfg.withDefaults()

	return &Controller{
		log: log.WithFields(logrus.Fields{
			"component":   "region-controller",
			"test_id":     params.TestID,
			"test_run_id": params.TestRunID,
			"region":      params.Plan.Region,
		}),
		adapter: adapter,
		store:   store,
		metrics: m,
		cfg:     cfg,
		params:  params,
		limiter: rate.NewLimiter(rate.Limit(cfg.LaunchRate), cfg.LaunchBurst),
		state: &loadtest.RegionState{
			Region:       params.Plan.Region,
			DesiredCount: params.Plan.TaskCount,
			Phase:        loadtest.PhasePending,
		},
	}
}

// State returns a copy of the current region state.
func (c *Controller) State() *loadtest.RegionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.Clone()
}

// Run drives the region to a terminal phase and returns its final state.
// Cancelling ctx, or setting the persisted cancellation flag, moves the
// region to cancelled and stops its tasks.
func (c *Controller) Run(ctx context.Context) *loadtest.RegionState {
	c.log.WithField("desired", c.params.Plan.TaskCount).Info("Region controller started")

	if err := c.drive(ctx); err != nil {
		c.teardown(ctx, err)
	} else {
		c.transition(ctx, loadtest.PhaseDone, "")
		c.log.Info("Region done")
	}

	return c.State()
}

func (c *Controller) drive(ctx context.Context) error {
	if c.params.Plan.TaskCount > 0 {
		c.transition(ctx, loadtest.PhaseLaunching, "")

		if err := c.launchWorkers(ctx); err != nil {
			return err
		}

		c.transition(ctx, loadtest.PhaseAwaitingLeader, "")

		if err := c.awaitReadiness(ctx); err != nil {
			return err
		}

		if err := c.launchLeader(ctx); err != nil {
			return err
		}
	}

	c.transition(ctx, loadtest.PhaseWaitingDuration, "")

	c.log.WithField("duration", c.params.Duration).Info("Waiting for test duration")

	if err := c.sleep(ctx, c.params.Duration); err != nil {
		return err
	}

	c.transition(ctx, loadtest.PhaseCompleting, "")

	return c.awaitCompletion(ctx)
}

// launchWorkers issues Launch calls until every worker is started. Two
// consecutive short attempts end the region.
func (c *Controller) launchWorkers(ctx context.Context) error {
	desired := c.params.Plan.TaskCount
	shortfalls := 0

	for {
		launched := c.launchedWorkers()
		if launched >= desired {
			return nil
		}

		if err := c.checkCancel(ctx); err != nil {
			return err
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return c.cancelledErr(ctx)
		}

		spec := c.params.Spec
		spec.Region = c.params.Plan.Region
		spec.Role = loadtest.RoleWorker
		spec.FirstIndex = launched

		want := desired - launched

		handles, err := c.adapter.Launch(ctx, want, &spec)

		c.addWorkers(handles)
		c.metrics.TasksLaunched(spec.Region, loadtest.RoleWorker, len(handles))
		c.persist(ctx)

		if err == nil && len(handles) > 0 {
			shortfalls = 0

			continue
		}

		shortfalls++
		c.metrics.LaunchShortfall(spec.Region)

		c.log.WithError(err).WithFields(logrus.Fields{
			"requested":  want,
			"started":    len(handles),
			"shortfalls": shortfalls,
		}).Warn("Launch fell short")

		if shortfalls >= c.cfg.MaxLaunchShortfalls {
			return fmt.Errorf("%w: %d of %d workers started: %v",
				loadtest.ErrLaunchShortfall, c.launchedWorkers(), desired, err)
		}
	}
}

// awaitReadiness polls until every worker reports running, bounded by
// MaxReadinessPolls.
func (c *Controller) awaitReadiness(ctx context.Context) error {
	for poll := 1; ; poll++ {
		if err := c.checkCancel(ctx); err != nil {
			return err
		}

		ready, err := c.describe(ctx, c.State().TaskHandles, func(s loadtest.TaskStatus) bool {
			// A worker that already finished was running.
			return s == loadtest.TaskRunning || s == loadtest.TaskStopped
		})
		if err != nil {
			return err
		}

		if ready {
			c.log.Info("All workers running")

			return nil
		}

		if poll >= c.cfg.MaxReadinessPolls {
			return fmt.Errorf("%w: workers not running after %d readiness checks",
				loadtest.ErrStuckTask, poll)
		}

		if err := c.sleep(ctx, c.cfg.ReadinessInterval); err != nil {
			return err
		}
	}
}

func (c *Controller) launchLeader(ctx context.Context) error {
	if err := c.checkCancel(ctx); err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return c.cancelledErr(ctx)
	}

	spec := c.params.Spec
	spec.Region = c.params.Plan.Region
	spec.Role = loadtest.RoleLeader
	spec.FirstIndex = 0

	handles, err := c.adapter.Launch(ctx, 1, &spec)
	if len(handles) > 0 {
		leader := handles[0]

		c.mu.Lock()
		c.state.LeaderHandle = &leader
		c.mu.Unlock()

		c.metrics.TasksLaunched(spec.Region, loadtest.RoleLeader, 1)
		c.persist(ctx)
	}

	if err != nil || len(handles) == 0 {
		return fmt.Errorf("%w: %v", loadtest.ErrLeaderLaunch, err)
	}

	c.log.WithField("leader", handles[0].Name).Info("Leader launched")

	return nil
}

// awaitCompletion polls every task until all have stopped, bounded by
// MaxCompletionPolls. The first poll happens right after the test duration.
func (c *Controller) awaitCompletion(ctx context.Context) error {
	for poll := 1; ; poll++ {
		if err := c.checkCancel(ctx); err != nil {
			return err
		}

		done, err := c.describe(ctx, c.State().AllHandles(), func(s loadtest.TaskStatus) bool {
			return s == loadtest.TaskStopped
		})
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		if poll >= c.cfg.MaxCompletionPolls {
			return fmt.Errorf("%w: tasks still running after %d completion checks",
				loadtest.ErrStuckTask, poll)
		}

		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// describe refreshes the status of handles and reports whether every one
// satisfies ok. A failed task is an error.
func (c *Controller) describe(
	ctx context.Context, handles []loadtest.TaskHandle, ok func(loadtest.TaskStatus) bool,
) (bool, error) {
	if len(handles) == 0 {
		return true, nil
	}

	statuses, err := c.adapter.Describe(ctx, handles)
	if err != nil {
		if ctx.Err() != nil {
			return false, c.cancelledErr(ctx)
		}

		return false, fmt.Errorf("describing tasks: %w", err)
	}

	if len(statuses) != len(handles) {
		return false, fmt.Errorf("describing tasks: got %d statuses for %d handles", len(statuses), len(handles))
	}

	byID := make(map[string]loadtest.TaskStatus, len(handles))
	all := true

	var failed *loadtest.TaskHandle

	for i, h := range handles {
		byID[h.ID] = statuses[i]

		if statuses[i] == loadtest.TaskFailed && failed == nil {
			failed = &handles[i]
		}

		if !ok(statuses[i]) {
			all = false
		}
	}

	c.mu.Lock()
	for i := range c.state.TaskHandles {
		if s, found := byID[c.state.TaskHandles[i].ID]; found {
			c.state.TaskHandles[i].Status = s
		}
	}

	if c.state.LeaderHandle != nil {
		if s, found := byID[c.state.LeaderHandle.ID]; found {
			c.state.LeaderHandle.Status = s
		}
	}
	c.mu.Unlock()

	c.persist(ctx)

	if failed != nil {
		return false, fmt.Errorf("%w: %s task %s (index %d)",
			loadtest.ErrTaskFailed, failed.Role, failed.Name, failed.Index)
	}

	return all, nil
}

// sleep waits for d. The wait ends early on ctx cancellation or when the
// persisted cancellation flag is seen, checked every CancelCheckInterval.
func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return c.checkCancel(ctx)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	ticker := time.NewTicker(c.cfg.CancelCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.cancelledErr(ctx)
		case <-timer.C:
			return nil
		case <-ticker.C:
			if err := c.checkCancel(ctx); err != nil {
				return err
			}
		}
	}
}

// checkCancel returns ErrCancelled if ctx is done or the run's persisted
// cancellation flag is set. Store read errors are logged and ignored.
func (c *Controller) checkCancel(ctx context.Context) error {
	if ctx.Err() != nil {
		return c.cancelledErr(ctx)
	}

	cancelled, err := c.store.CancelRequested(ctx, c.params.TestID, c.params.TestRunID)
	if err != nil {
		if ctx.Err() != nil {
			return c.cancelledErr(ctx)
		}

		c.log.WithError(err).Warn("Failed to read cancellation flag")

		return nil
	}

	if cancelled {
		return fmt.Errorf("%w: cancellation requested", loadtest.ErrCancelled)
	}

	return nil
}

func (c *Controller) cancelledErr(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return fmt.Errorf("%w: %v", loadtest.ErrCancelled, cause)
	}

	return loadtest.ErrCancelled
}

// teardown stops every task that has not stopped and moves the region to
// cancelled.
func (c *Controller) teardown(ctx context.Context, cause error) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	outstanding := Outstanding(c.State())

	log := c.log.WithError(cause)
	if errors.Is(cause, loadtest.ErrCancelled) {
		log.Info("Region cancelled")
	} else {
		log.Warn("Region failed")
	}

	if len(outstanding) > 0 {
		if err := c.adapter.Stop(stopCtx, outstanding); err != nil {
			c.log.WithError(err).WithField("tasks", len(outstanding)).Warn("Failed to stop tasks")
		}
	}

	c.transition(stopCtx, loadtest.PhaseCancelled, cause.Error())
}

// Outstanding returns the handles of a region state that have not been
// observed stopped.
func Outstanding(state *loadtest.RegionState) []loadtest.TaskHandle {
	var out []loadtest.TaskHandle

	for _, h := range state.AllHandles() {
		if h.Status != loadtest.TaskStopped {
			out = append(out, h)
		}
	}

	return out
}

func (c *Controller) launchedWorkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.state.TaskHandles)
}

func (c *Controller) addWorkers(handles []loadtest.TaskHandle) {
	if len(handles) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.TaskHandles = append(c.state.TaskHandles, handles...)
	c.state.RunningCount = len(c.state.TaskHandles)
}

func (c *Controller) transition(ctx context.Context, phase loadtest.RegionPhase, reason string) {
	c.mu.Lock()
	c.state.Phase = phase
	c.state.Error = reason
	c.mu.Unlock()

	c.metrics.RegionPhase(phase)
	c.log.WithField("phase", phase).Debug("Region phase changed")
	c.persist(ctx)
}

// persist writes the region state. It is not bound to ctx cancellation so
// that the final state of a cancelled region is recorded.
func (c *Controller) persist(ctx context.Context) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := c.store.UpdateRegion(pctx, c.params.TestID, c.params.TestRunID, c.State()); err != nil {
		c.log.WithError(err).Warn("Failed to persist region state")
	}
}
