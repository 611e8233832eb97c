package region

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/platform"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/platform/platformtest"
)

type fakeStore struct {
	mu        sync.Mutex
	phases    []loadtest.RegionPhase
	last      *loadtest.RegionState
	cancelled atomic.Bool
}

func (s *fakeStore) UpdateRegion(_ context.Context, _, _ string, state *loadtest.RegionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.phases); n == 0 || s.phases[n-1] != state.Phase {
		s.phases = append(s.phases, state.Phase)
	}

	s.last = state.Clone()

	return nil
}

func (s *fakeStore) CancelRequested(context.Context, string, string) (bool, error) {
	return s.cancelled.Load(), nil
}

func (s *fakeStore) Phases() []loadtest.RegionPhase {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]loadtest.RegionPhase(nil), s.phases...)
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func fastConfig() Config {
	return Config{
		PollInterval:        2 * time.Millisecond,
		MaxCompletionPolls:  500,
		ReadinessInterval:   2 * time.Millisecond,
		MaxReadinessPolls:   500,
		CancelCheckInterval: 2 * time.Millisecond,
		LaunchRate:          1000,
		LaunchBurst:         10,
		MaxLaunchShortfalls: 2,
	}
}

func params(taskCount int, d time.Duration) Params {
	return Params{
		TestID:    "t1",
		TestRunID: "run1",
		Plan:      loadtest.RegionPlan{Region: "us-east-1", TaskCount: taskCount, Concurrency: 5},
		Duration:  d,
		Spec: platform.LaunchSpec{
			TestID:    "t1",
			TestRunID: "run1",
			Image:     "blazemeter/taurus",
			Script:    "test.jmx",
		},
	}
}

func run(t *testing.T, adapter platform.Adapter, cfg Config, p Params) (*loadtest.RegionState, *fakeStore) {
	t.Helper()

	st := &fakeStore{}
	c := New(testLogger(), adapter, st, nil, cfg, p)

	return c.Run(context.Background()), st
}

func TestController_Done(t *testing.T) {
	m := platformtest.NewMockAdapter()
	m.RunFor = 20 * time.Millisecond

	final, st := run(t, m, fastConfig(), params(2, 10*time.Millisecond))

	assert.Equal(t, loadtest.PhaseDone, final.Phase)
	assert.Empty(t, final.Error)
	assert.Equal(t, 2, final.RunningCount)
	require.Len(t, final.TaskHandles, 2)
	require.NotNil(t, final.LeaderHandle)
	assert.Equal(t, loadtest.RoleLeader, final.LeaderHandle.Role)
	assert.Empty(t, final.LeaderHandle.ResultKey)

	for i, h := range final.TaskHandles {
		assert.Equal(t, i, h.Index)
		assert.Equal(t, loadtest.TaskStopped, h.Status)
		assert.Equal(t, "t1/run1/us-east-1/"+h.Name+".xml", h.ResultKey)
	}

	assert.Equal(t, []loadtest.RegionPhase{
		loadtest.PhaseLaunching,
		loadtest.PhaseAwaitingLeader,
		loadtest.PhaseWaitingDuration,
		loadtest.PhaseCompleting,
		loadtest.PhaseDone,
	}, st.Phases())

	assert.Equal(t, 0, m.StopCalls())
}

func TestController_PerCallCap(t *testing.T) {
	m := platformtest.NewMockAdapter()
	m.MaxPerLaunch = 2
	m.RunFor = 10 * time.Millisecond

	final, _ := run(t, m, fastConfig(), params(5, 0))

	assert.Equal(t, loadtest.PhaseDone, final.Phase)
	assert.Equal(t, 5, final.RunningCount)
	assert.Equal(t, []int{5, 3, 1, 1}, m.LaunchCalls(), "three worker calls then the leader")
}

func TestController_LaunchShortfall(t *testing.T) {
	m := platformtest.NewMockAdapter()
	m.Capacity = 3

	final, st := run(t, m, fastConfig(), params(5, time.Hour))

	assert.Equal(t, loadtest.PhaseCancelled, final.Phase)
	assert.Contains(t, final.Error, loadtest.ErrLaunchShortfall.Error())
	assert.Equal(t, 3, final.RunningCount)
	assert.Nil(t, final.LeaderHandle)

	// No launch is issued once the region has given up.
	assert.Equal(t, []int{5, 2}, m.LaunchCalls())

	for _, h := range final.TaskHandles {
		assert.True(t, m.Stopped(h.ID), "started workers are stopped")
	}

	phases := st.Phases()
	assert.Equal(t, loadtest.PhaseCancelled, phases[len(phases)-1])
	assert.NotContains(t, phases, loadtest.PhaseDone)
}

// flakyAdapter reports a shortfall on its first Launch call only.
type flakyAdapter struct {
	*platformtest.MockAdapter
	calls int
}

func (f *flakyAdapter) Launch(ctx context.Context, count int, spec *platform.LaunchSpec) ([]loadtest.TaskHandle, error) {
	f.calls++
	if f.calls == 1 {
		handles, _ := f.MockAdapter.Launch(ctx, 1, spec)

		return handles, fmt.Errorf("%w: throttled", platform.ErrShortfall)
	}

	return f.MockAdapter.Launch(ctx, count, spec)
}

func TestController_SingleShortfallRecovers(t *testing.T) {
	m := platformtest.NewMockAdapter()
	m.RunFor = 10 * time.Millisecond

	final, _ := run(t, &flakyAdapter{MockAdapter: m}, fastConfig(), params(3, 0))

	assert.Equal(t, loadtest.PhaseDone, final.Phase)
	assert.Equal(t, 3, final.RunningCount)

	indexes := make([]int, 0, 3)
	for _, h := range final.TaskHandles {
		indexes = append(indexes, h.Index)
	}

	assert.Equal(t, []int{0, 1, 2}, indexes)
}

func TestController_Failures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(m *platformtest.MockAdapter, cfg *Config)
		wantErr error
	}{
		{
			name:    "leader launch fails",
			setup:   func(m *platformtest.MockAdapter, _ *Config) { m.FailLeader = true },
			wantErr: loadtest.ErrLeaderLaunch,
		},
		{
			name:    "worker fails",
			setup:   func(m *platformtest.MockAdapter, _ *Config) { m.FailWorkers = map[int]bool{1: true} },
			wantErr: loadtest.ErrTaskFailed,
		},
		{
			name: "workers never ready",
			setup: func(m *platformtest.MockAdapter, cfg *Config) {
				m.ReadyAfter = time.Hour
				cfg.MaxReadinessPolls = 3
			},
			wantErr: loadtest.ErrStuckTask,
		},
		{
			name: "tasks never stop",
			setup: func(m *platformtest.MockAdapter, cfg *Config) {
				m.RunFor = 0
				cfg.MaxCompletionPolls = 3
			},
			wantErr: loadtest.ErrStuckTask,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := platformtest.NewMockAdapter()
			m.RunFor = 10 * time.Millisecond

			cfg := fastConfig()
			tt.setup(m, &cfg)

			final, _ := run(t, m, cfg, params(2, 0))

			assert.Equal(t, loadtest.PhaseCancelled, final.Phase)
			assert.Contains(t, final.Error, tt.wantErr.Error())

			for _, h := range Outstanding(final) {
				assert.True(t, m.Stopped(h.ID), "outstanding task %s stopped", h.Name)
			}
		})
	}
}

func TestController_WorkerFailsDuringCompletion(t *testing.T) {
	m := platformtest.NewMockAdapter()

	cfg := fastConfig()
	cfg.MaxCompletionPolls = 1_000_000

	st := &fakeStore{}
	c := New(testLogger(), m, st, nil, cfg, params(2, 10*time.Millisecond))

	done := make(chan *loadtest.RegionState, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.State().Phase == loadtest.PhaseCompleting
	}, 5*time.Second, time.Millisecond)

	m.Fail(c.State().TaskHandles[0].ID)

	final := <-done
	assert.Equal(t, loadtest.PhaseCancelled, final.Phase)
	assert.Contains(t, final.Error, loadtest.ErrTaskFailed.Error())
	assert.True(t, m.Stopped(final.TaskHandles[1].ID))
	assert.True(t, m.Stopped(final.LeaderHandle.ID))
}

func TestController_CancelDuringWait(t *testing.T) {
	tests := []struct {
		name   string
		cancel func(cancelCtx context.CancelCauseFunc, st *fakeStore)
		want   string
	}{
		{
			name:   "context cancelled",
			cancel: func(cancel context.CancelCauseFunc, _ *fakeStore) { cancel(fmt.Errorf("region eu-west-1 cancelled")) },
			want:   "region eu-west-1 cancelled",
		},
		{
			name:   "persisted flag",
			cancel: func(_ context.CancelCauseFunc, st *fakeStore) { st.cancelled.Store(true) },
			want:   "cancellation requested",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := platformtest.NewMockAdapter()
			st := &fakeStore{}
			c := New(testLogger(), m, st, nil, fastConfig(), params(2, time.Hour))

			ctx, cancel := context.WithCancelCause(context.Background())
			defer cancel(nil)

			done := make(chan *loadtest.RegionState, 1)
			go func() { done <- c.Run(ctx) }()

			require.Eventually(t, func() bool {
				return c.State().Phase == loadtest.PhaseWaitingDuration
			}, 5*time.Second, time.Millisecond)

			tt.cancel(cancel, st)

			var final *loadtest.RegionState
			select {
			case final = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("controller did not observe cancellation")
			}

			assert.Equal(t, loadtest.PhaseCancelled, final.Phase)
			assert.Contains(t, final.Error, loadtest.ErrCancelled.Error())
			assert.Contains(t, final.Error, tt.want)

			for _, h := range final.AllHandles() {
				assert.True(t, m.Stopped(h.ID))
			}

			// The final state is persisted even though ctx was cancelled.
			st.mu.Lock()
			assert.Equal(t, loadtest.PhaseCancelled, st.last.Phase)
			st.mu.Unlock()
		})
	}
}

func TestController_ZeroTasks(t *testing.T) {
	m := platformtest.NewMockAdapter()

	final, st := run(t, m, fastConfig(), params(0, 5*time.Millisecond))

	assert.Equal(t, loadtest.PhaseDone, final.Phase)
	assert.Empty(t, m.LaunchCalls())
	assert.Nil(t, final.LeaderHandle)
	assert.Equal(t, []loadtest.RegionPhase{
		loadtest.PhaseWaitingDuration,
		loadtest.PhaseCompleting,
		loadtest.PhaseDone,
	}, st.Phases())
}

func TestController_TransientDescribeErrors(t *testing.T) {
	m := platformtest.NewMockAdapter()
	m.RunFor = 10 * time.Millisecond
	m.DescribeErrors = 2

	adapter := platform.WithRetry(testLogger(), m, platform.RetryConfig{Attempts: 5, Delay: time.Millisecond})

	final, _ := run(t, adapter, fastConfig(), params(1, 0))

	assert.Equal(t, loadtest.PhaseDone, final.Phase)
}

func TestController_LaunchPacing(t *testing.T) {
	m := platformtest.NewMockAdapter()
	m.MaxPerLaunch = 1
	m.RunFor = time.Millisecond

	cfg := fastConfig()
	cfg.LaunchRate = 50
	cfg.LaunchBurst = 1

	start := time.Now()
	final, _ := run(t, m, cfg, params(3, 0))

	assert.Equal(t, loadtest.PhaseDone, final.Phase)
	// Three workers and a leader at 50/s need at least three intervals.
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}
