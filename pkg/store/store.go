// Package store persists run records and run history.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/results"
)

// Store is the run state store. Implementations must make AcquireRun and
// FinishRun atomic with respect to concurrent callers in any process, and
// must apply UpdateRegion to the named region only.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// AcquireRun takes the run lock for rec.TestID, replacing any previous
	// inactive record. It returns loadtest.ErrAlreadyRunning, leaving the
	// active record untouched, if the test already holds the lock.
	AcquireRun(ctx context.Context, rec *loadtest.RunRecord) error

	// GetRun returns the record for testID or loadtest.ErrNotFound.
	GetRun(ctx context.Context, testID string) (*loadtest.RunRecord, error)

	// UpdateRegion replaces the state of one region of the active run.
	UpdateRegion(ctx context.Context, testID, testRunID string, state *loadtest.RegionState) error

	// RequestCancel sets the persisted cancellation flag and moves an
	// active run to cancelling. It reports whether the run was active and
	// returns loadtest.ErrNotFound for an unknown testID.
	RequestCancel(ctx context.Context, testID string) (bool, error)

	// CancelRequested reads the persisted cancellation flag of a run.
	CancelRequested(ctx context.Context, testID, testRunID string) (bool, error)

	// FinishRun appends the history record and releases the run lock by
	// moving the record to its terminal status, atomically. The lock is only
	// released if the history write succeeds. Repeating a finish that was
	// already recorded with the same status succeeds without changes.
	FinishRun(ctx context.Context, history *HistoryRecord) error

	// ListHistory returns the history of a test, newest first.
	ListHistory(ctx context.Context, testID string) ([]HistoryRecord, error)

	// GetHistory returns one history record or loadtest.ErrNotFound.
	GetHistory(ctx context.Context, testID, testRunID string) (*HistoryRecord, error)
}

// HistoryRecord is the immutable outcome of one finished run.
type HistoryRecord struct {
	TestID      string                    `json:"testId"`
	TestRunID   string                    `json:"testRunId"`
	StartTime   time.Time                 `json:"startTime"`
	EndTime     time.Time                 `json:"endTime"`
	Status      loadtest.RunStatus        `json:"status"`
	Reason      string                    `json:"reason,omitempty"`
	SuccPercent string                    `json:"succPercent,omitempty"`
	Results     *results.AggregatedResult `json:"results,omitempty"`
}

// ErrAlreadyFinished is returned by FinishRun when the run was already
// recorded with a different status.
var ErrAlreadyFinished = errors.New("run already finished")

// repeatedFinish decides the outcome of a FinishRun whose history already
// exists. Only a repeat of the same outcome is accepted.
func repeatedFinish(history *HistoryRecord, recorded loadtest.RunStatus) error {
	if recorded == history.Status {
		return nil
	}

	return fmt.Errorf("%w: %s/%s recorded as %s", ErrAlreadyFinished, history.TestID, history.TestRunID, recorded)
}
