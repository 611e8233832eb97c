// Package loadtest holds the domain types shared by the orchestration
// packages: run requests, the live run record and its per-region state.
package loadtest

import (
	"time"
)

// RunStatus is the lifecycle status of a RunRecord.
type RunStatus string

const (
	RunStatusIdle       RunStatus = "idle"
	RunStatusRunning    RunStatus = "running"
	RunStatusCancelling RunStatus = "cancelling"
	RunStatusComplete   RunStatus = "complete"
	RunStatusFailed     RunStatus = "failed"
)

// Active reports whether the status holds the run lock for its test.
func (s RunStatus) Active() bool {
	return s == RunStatusRunning || s == RunStatusCancelling
}

// ActiveStatuses lists every status that holds the run lock.
var ActiveStatuses = []RunStatus{RunStatusRunning, RunStatusCancelling}

// RegionPhase is the state of one region controller.
type RegionPhase string

const (
	PhasePending         RegionPhase = "pending"
	PhaseLaunching       RegionPhase = "launching"
	PhaseAwaitingLeader  RegionPhase = "awaitingLeader"
	PhaseWaitingDuration RegionPhase = "waitingDuration"
	PhaseCompleting      RegionPhase = "completing"
	PhaseCancelled       RegionPhase = "cancelled"
	PhaseDone            RegionPhase = "done"
)

// Terminal reports whether no further transitions leave this phase.
func (p RegionPhase) Terminal() bool {
	return p == PhaseCancelled || p == PhaseDone
}

// TaskStatus is the last observed platform status of a task.
type TaskStatus string

const (
	TaskProvisioning TaskStatus = "provisioning"
	TaskRunning      TaskStatus = "running"
	TaskStopped      TaskStatus = "stopped"
	TaskFailed       TaskStatus = "failed"
)

// TaskRole distinguishes load-generating workers from the region leader.
type TaskRole string

const (
	RoleWorker TaskRole = "worker"
	RoleLeader TaskRole = "leader"
)

// TaskHandle identifies one launched task on an execution platform.
type TaskHandle struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Region    string     `json:"region"`
	Role      TaskRole   `json:"role"`
	Index     int        `json:"index"`
	Status    TaskStatus `json:"status"`
	ResultKey string     `json:"resultKey,omitempty"`
}

// RegionPlan requests a worker fleet in one region.
type RegionPlan struct {
	Region      string `json:"region" mapstructure:"region"`
	TaskCount   int    `json:"taskCount" mapstructure:"taskCount"`
	Concurrency int    `json:"concurrency" mapstructure:"concurrency"`
}

// DurationPlan holds the test execution window as duration strings.
type DurationPlan struct {
	RampUp  string `json:"rampUp" mapstructure:"rampUp"`
	HoldFor string `json:"holdFor" mapstructure:"holdFor"`
}

// Total returns rampUp + holdFor.
func (d DurationPlan) Total() (time.Duration, error) {
	rampUp, err := ParseDuration(d.RampUp)
	if err != nil {
		return 0, err
	}

	holdFor, err := ParseDuration(d.HoldFor)
	if err != nil {
		return 0, err
	}

	return rampUp + holdFor, nil
}

// WorkerSpec describes what every task of the run executes.
type WorkerSpec struct {
	Script   string            `json:"script" mapstructure:"script"`
	Image    string            `json:"image" mapstructure:"image"`
	TestType string            `json:"testType,omitempty" mapstructure:"testType"`
	Env      map[string]string `json:"env,omitempty" mapstructure:"env"`
}

// TestRunRequest is an accepted request to run a test. It is not mutated
// after Start accepts it.
type TestRunRequest struct {
	TestID       string       `json:"testId" mapstructure:"testId"`
	Regions      []RegionPlan `json:"regions" mapstructure:"regions"`
	DurationPlan DurationPlan `json:"durationPlan" mapstructure:"durationPlan"`
	WorkerSpec   WorkerSpec   `json:"workerSpec" mapstructure:"workerSpec"`
}

// RegionState is the progress of one region within a run.
type RegionState struct {
	Region       string       `json:"region"`
	DesiredCount int          `json:"desiredCount"`
	RunningCount int          `json:"runningCount"`
	TaskHandles  []TaskHandle `json:"taskHandles"`
	LeaderHandle *TaskHandle  `json:"leaderHandle,omitempty"`
	Phase        RegionPhase  `json:"phase"`
	Error        string       `json:"error,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// AllHandles returns the worker handles followed by the leader, if any.
func (s *RegionState) AllHandles() []TaskHandle {
	handles := make([]TaskHandle, 0, len(s.TaskHandles)+1)
	handles = append(handles, s.TaskHandles...)

	if s.LeaderHandle != nil {
		handles = append(handles, *s.LeaderHandle)
	}

	return handles
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *RegionState) Clone() *RegionState {
	c := *s
	c.TaskHandles = append([]TaskHandle(nil), s.TaskHandles...)

	if s.LeaderHandle != nil {
		leader := *s.LeaderHandle
		c.LeaderHandle = &leader
	}

	return &c
}

// RunRecord is the single live record of a test's current or last run.
type RunRecord struct {
	TestID          string         `json:"testId"`
	TestRunID       string         `json:"testRunId"`
	Status          RunStatus      `json:"status"`
	Reason          string         `json:"reason,omitempty"`
	CancelRequested bool           `json:"cancelRequested"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	EndedAt         *time.Time     `json:"endedAt,omitempty"`
	Regions         []*RegionState `json:"regions"`
}

// Region returns the state for the named region, or nil.
func (r *RunRecord) Region(name string) *RegionState {
	for _, rs := range r.Regions {
		if rs.Region == name {
			return rs
		}
	}

	return nil
}
