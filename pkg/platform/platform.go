// Package platform defines the boundary between the orchestrator and the
// backend that actually executes load test tasks.
package platform

import (
	"context"
	"errors"
	"path"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
)

var (
	// ErrShortfall is returned by Launch when fewer tasks than requested
	// were started. The handles that did start are returned alongside it.
	ErrShortfall = errors.New("platform launched fewer tasks than requested")

	// ErrUnavailable marks transient backend errors. Only Describe and Stop
	// are retried on it.
	ErrUnavailable = errors.New("platform unavailable")
)

// LaunchSpec describes the tasks one Launch call starts.
type LaunchSpec struct {
	TestID      string
	TestRunID   string
	Region      string
	Role        loadtest.TaskRole
	Image       string
	Script      string
	TestType    string
	Concurrency int
	RampUp      string
	HoldFor     string
	Env         map[string]string
	// FirstIndex is the TASK_INDEX of the first task started by this call.
	FirstIndex int
}

// ResultPrefix is the artifact key prefix of one region of one run.
func (s *LaunchSpec) ResultPrefix() string {
	return path.Join(s.TestID, s.TestRunID, s.Region)
}

// ResultKey is the artifact key a worker task writes its report to. Leader
// tasks produce no report.
func (s *LaunchSpec) ResultKey(taskName string) string {
	if s.Role != loadtest.RoleWorker {
		return ""
	}

	return path.Join(s.ResultPrefix(), taskName+".xml")
}

// Adapter is implemented by every execution backend. The adapter is the only
// component aware of platform quotas and limits.
type Adapter interface {
	// Launch starts up to count tasks. An adapter may start fewer than
	// count because of a per-call cap and return no error; callers issue
	// further calls for the rest. When capacity or task creation falls short
	// of what the call attempted, the started handles are returned together
	// with an error wrapping ErrShortfall.
	Launch(ctx context.Context, count int, spec *LaunchSpec) ([]loadtest.TaskHandle, error)
	// Describe returns the current status of each handle, in order.
	Describe(ctx context.Context, handles []loadtest.TaskHandle) ([]loadtest.TaskStatus, error)
	// Stop stops every handle. Stopping an already stopped task succeeds.
	Stop(ctx context.Context, handles []loadtest.TaskHandle) error
}

// Registry maps region names to their adapters.
type Registry map[string]Adapter

// Get returns the adapter for region, or nil.
func (r Registry) Get(region string) Adapter {
	return r[region]
}
