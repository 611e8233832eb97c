package store

import (
	"time"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/results"
)

// Run is the single live row per test. Its status column is the run lock.
type Run struct {
	TestID          string     `gorm:"primaryKey"`
	TestRunID       string     `gorm:"not null;default:''"`
	Status          string     `gorm:"not null;index"`
	Reason          string     `gorm:"not null;default:''"`
	CancelRequested bool       `gorm:"not null;default:false"`
	StartedAt       *time.Time
	EndedAt         *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName overrides the default table name.
func (Run) TableName() string { return "runs" }

// Region holds one region's state of the current run of a test. Keeping it in
// its own row lets controllers of different regions update concurrently.
type Region struct {
	ID           uint                  `gorm:"primaryKey"`
	TestID       string                `gorm:"not null;uniqueIndex:idx_run_region"`
	Region       string                `gorm:"not null;uniqueIndex:idx_run_region"`
	TestRunID    string                `gorm:"not null"`
	Position     int                   `gorm:"not null"`
	DesiredCount int                   `gorm:"not null"`
	RunningCount int                   `gorm:"not null"`
	Phase        string                `gorm:"not null"`
	TaskHandles  []loadtest.TaskHandle `gorm:"serializer:json"`
	LeaderHandle *loadtest.TaskHandle  `gorm:"serializer:json"`
	Error        string                `gorm:"not null;default:''"`
	UpdatedAt    time.Time
}

// TableName overrides the default table name.
func (Region) TableName() string { return "run_regions" }

// History is one finished run.
type History struct {
	ID          uint                      `gorm:"primaryKey"`
	TestID      string                    `gorm:"not null;uniqueIndex:idx_history_run"`
	TestRunID   string                    `gorm:"not null;uniqueIndex:idx_history_run"`
	StartTime   time.Time                 `gorm:"not null"`
	EndTime     time.Time                 `gorm:"not null;index"`
	Status      string                    `gorm:"not null"`
	Reason      string                    `gorm:"not null;default:''"`
	SuccPercent string                    `gorm:"not null;default:''"`
	Results     *results.AggregatedResult `gorm:"serializer:json"`
}

// TableName overrides the default table name.
func (History) TableName() string { return "run_history" }

func (r *Run) toRecord(regions []Region) *loadtest.RunRecord {
	rec := &loadtest.RunRecord{
		TestID:          r.TestID,
		TestRunID:       r.TestRunID,
		Status:          loadtest.RunStatus(r.Status),
		Reason:          r.Reason,
		CancelRequested: r.CancelRequested,
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
		Regions:         make([]*loadtest.RegionState, 0, len(regions)),
	}

	for i := range regions {
		rec.Regions = append(rec.Regions, regions[i].toState())
	}

	return rec
}

func (r *Region) toState() *loadtest.RegionState {
	return &loadtest.RegionState{
		Region:       r.Region,
		DesiredCount: r.DesiredCount,
		RunningCount: r.RunningCount,
		TaskHandles:  r.TaskHandles,
		LeaderHandle: r.LeaderHandle,
		Phase:        loadtest.RegionPhase(r.Phase),
		Error:        r.Error,
		UpdatedAt:    r.UpdatedAt,
	}
}

func regionRow(testID, testRunID string, position int, s *loadtest.RegionState) Region {
	return Region{
		TestID:       testID,
		Region:       s.Region,
		TestRunID:    testRunID,
		Position:     position,
		DesiredCount: s.DesiredCount,
		RunningCount: s.RunningCount,
		Phase:        string(s.Phase),
		TaskHandles:  s.TaskHandles,
		LeaderHandle: s.LeaderHandle,
		Error:        s.Error,
	}
}

func historyRow(h *HistoryRecord) *History {
	return &History{
		TestID:      h.TestID,
		TestRunID:   h.TestRunID,
		StartTime:   h.StartTime,
		EndTime:     h.EndTime,
		Status:      string(h.Status),
		Reason:      h.Reason,
		SuccPercent: h.SuccPercent,
		Results:     h.Results,
	}
}

func (h *History) toRecord() HistoryRecord {
	return HistoryRecord{
		TestID:      h.TestID,
		TestRunID:   h.TestRunID,
		StartTime:   h.StartTime,
		EndTime:     h.EndTime,
		Status:      loadtest.RunStatus(h.Status),
		Reason:      h.Reason,
		SuccPercent: h.SuccPercent,
		Results:     h.Results,
	}
}

func activeStatuses() []string {
	out := make([]string, 0, len(loadtest.ActiveStatuses))
	for _, s := range loadtest.ActiveStatuses {
		out = append(out, string(s))
	}

	return out
}
