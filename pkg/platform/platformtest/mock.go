// Package platformtest provides an in-memory platform.Adapter for tests of
// the region controller and the run coordinator.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/platform"
)

// MockAdapter is an in-memory platform.Adapter. Tasks become running after
// ReadyAfter and stop by themselves after RunFor.
type MockAdapter struct {
	mu sync.Mutex

	// MaxPerLaunch caps the tasks one Launch call starts without reporting a
	// shortfall; 0 means no cap.
	MaxPerLaunch int
	// Capacity caps the total tasks ever started; negative means unlimited.
	Capacity int
	// ReadyAfter is how long a task stays provisioning.
	ReadyAfter time.Duration
	// RunFor is how long after launch a task stops; 0 runs until Stop.
	RunFor time.Duration
	// FailWorkers marks worker TASK_INDEXes that report failed once running.
	FailWorkers map[int]bool
	// FailLeader makes leader launches start nothing.
	FailLeader bool
	// DescribeErrors is how many Describe calls fail with platform.ErrUnavailable
	// before succeeding.
	DescribeErrors int
	// OnLaunch is called for every started task.
	OnLaunch func(h loadtest.TaskHandle, spec *platform.LaunchSpec)

	seq         int
	tasks       map[string]*mockTask
	launchCalls []int
	stopCalls   int
}

type mockTask struct {
	handle     loadtest.TaskHandle
	launchedAt time.Time
	stopped    bool
	failed     bool
}

var _ platform.Adapter = (*MockAdapter)(nil)

// NewMockAdapter returns a mock with unlimited capacity.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		Capacity: -1,
		tasks:    make(map[string]*mockTask),
	}
}

func (m *MockAdapter) Launch(_ context.Context, count int, spec *platform.LaunchSpec) ([]loadtest.TaskHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.launchCalls = append(m.launchCalls, count)

	n := count
	if m.MaxPerLaunch > 0 && n > m.MaxPerLaunch {
		n = m.MaxPerLaunch
	}

	want := n

	if m.Capacity >= 0 {
		if left := m.Capacity - len(m.tasks); n > left {
			n = left
		}
	}

	if spec.Role == loadtest.RoleLeader && m.FailLeader {
		n = 0
	}

	handles := make([]loadtest.TaskHandle, 0, n)

	for i := 0; i < n; i++ {
		m.seq++

		name := fmt.Sprintf("mock-%s-%s-%d", spec.Region, spec.Role, m.seq)
		h := loadtest.TaskHandle{
			ID:        name,
			Name:      name,
			Region:    spec.Region,
			Role:      spec.Role,
			Index:     spec.FirstIndex + i,
			Status:    loadtest.TaskProvisioning,
			ResultKey: spec.ResultKey(name),
		}

		m.tasks[h.ID] = &mockTask{handle: h, launchedAt: time.Now()}
		handles = append(handles, h)

		if m.OnLaunch != nil {
			m.OnLaunch(h, spec)
		}
	}

	if n < want {
		return handles, fmt.Errorf("%w: started %d of %d", platform.ErrShortfall, n, want)
	}

	return handles, nil
}

func (m *MockAdapter) Describe(_ context.Context, handles []loadtest.TaskHandle) ([]loadtest.TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DescribeErrors > 0 {
		m.DescribeErrors--

		return nil, fmt.Errorf("%w: injected", platform.ErrUnavailable)
	}

	statuses := make([]loadtest.TaskStatus, len(handles))

	for i, h := range handles {
		t, ok := m.tasks[h.ID]
		if !ok {
			statuses[i] = loadtest.TaskStopped

			continue
		}

		statuses[i] = m.status(t)
	}

	return statuses, nil
}

func (m *MockAdapter) status(t *mockTask) loadtest.TaskStatus {
	age := time.Since(t.launchedAt)

	switch {
	case t.failed:
		return loadtest.TaskFailed
	case t.stopped:
		return loadtest.TaskStopped
	case age < m.ReadyAfter:
		return loadtest.TaskProvisioning
	case t.handle.Role == loadtest.RoleWorker && m.FailWorkers[t.handle.Index]:
		return loadtest.TaskFailed
	case m.RunFor > 0 && age >= m.RunFor:
		return loadtest.TaskStopped
	default:
		return loadtest.TaskRunning
	}
}

func (m *MockAdapter) Stop(_ context.Context, handles []loadtest.TaskHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopCalls++

	for _, h := range handles {
		if t, ok := m.tasks[h.ID]; ok {
			t.stopped = true
		}
	}

	return nil
}

// Fail marks a task as failed.
func (m *MockAdapter) Fail(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[id]; ok {
		t.failed = true
	}
}

// Launched returns every started task handle.
func (m *MockAdapter) Launched() []loadtest.TaskHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]loadtest.TaskHandle, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.handle)
	}

	return out
}

// LaunchCalls returns the count requested by each Launch call, in order.
func (m *MockAdapter) LaunchCalls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]int(nil), m.launchCalls...)
}

// StopCalls returns how many times Stop was called.
func (m *MockAdapter) StopCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stopCalls
}

// Stopped reports whether Stop was called for the task.
func (m *MockAdapter) Stopped(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]

	return ok && t.stopped
}
