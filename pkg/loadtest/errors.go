package loadtest

import "errors"

var (
	// ErrAlreadyRunning is returned when a test already holds the run lock.
	ErrAlreadyRunning = errors.New("test already has an active run")

	// ErrNotFound is returned for an unknown testId.
	ErrNotFound = errors.New("test not found")

	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid test run request")

	// ErrLaunchShortfall means a region could not obtain its worker fleet.
	ErrLaunchShortfall = errors.New("launch shortfall")

	// ErrLeaderLaunch means the region leader task could not be started.
	ErrLeaderLaunch = errors.New("leader launch failed")

	// ErrTaskFailed means a task reported failure while being polled.
	ErrTaskFailed = errors.New("task failed")

	// ErrStuckTask means tasks did not reach the expected status within the
	// bounded number of polls.
	ErrStuckTask = errors.New("task stuck")

	// ErrCancelled means the run was cancelled.
	ErrCancelled = errors.New("run cancelled")
)
