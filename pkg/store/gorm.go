package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/config"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
)

// Compile-time interface check.
var _ Store = (*gormStore)(nil)

type gormStore struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewGormStore creates a Store backed by the configured SQL database driver.
func NewGormStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &gormStore{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *gormStore) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// SQLite allows one writer; a single connection also keeps ":memory:"
		// databases shared.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&Region{},
		&History{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *gormStore) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// AcquireRun takes the run lock with a conditional update: only a row whose
// status is not active can be moved to running.
func (s *gormStore) AcquireRun(ctx context.Context, rec *loadtest.RunRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Run{
			TestID: rec.TestID,
			Status: string(loadtest.RunStatusIdle),
		}).Error; err != nil {
			return fmt.Errorf("ensuring run row: %w", err)
		}

		res := tx.Model(&Run{}).
			Where("test_id = ? AND status NOT IN ?", rec.TestID, activeStatuses()).
			Updates(map[string]any{
				"test_run_id":      rec.TestRunID,
				"status":           string(rec.Status),
				"reason":           "",
				"cancel_requested": false,
				"started_at":       rec.StartedAt,
				"ended_at":         nil,
			})
		if res.Error != nil {
			return fmt.Errorf("acquiring run lock: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return loadtest.ErrAlreadyRunning
		}

		if err := tx.Where("test_id = ?", rec.TestID).Delete(&Region{}).Error; err != nil {
			return fmt.Errorf("clearing previous regions: %w", err)
		}

		if len(rec.Regions) == 0 {
			return nil
		}

		rows := make([]Region, 0, len(rec.Regions))
		for i, rs := range rec.Regions {
			rows = append(rows, regionRow(rec.TestID, rec.TestRunID, i, rs))
		}

		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("creating regions: %w", err)
		}

		return nil
	})
}

// GetRun returns the run record with its regions in request order.
func (s *gormStore) GetRun(ctx context.Context, testID string) (*loadtest.RunRecord, error) {
	var run Run
	if err := s.db.WithContext(ctx).Where("test_id = ?", testID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, loadtest.ErrNotFound
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	var regions []Region
	if err := s.db.WithContext(ctx).
		Where("test_id = ? AND test_run_id = ?", testID, run.TestRunID).
		Order("position ASC").
		Find(&regions).Error; err != nil {
		return nil, fmt.Errorf("getting regions: %w", err)
	}

	return run.toRecord(regions), nil
}

// UpdateRegion rewrites only the row of the given region.
func (s *gormStore) UpdateRegion(
	ctx context.Context, testID, testRunID string, state *loadtest.RegionState,
) error {
	row := regionRow(testID, testRunID, 0, state)

	res := s.db.WithContext(ctx).Model(&Region{}).
		Where("test_id = ? AND test_run_id = ? AND region = ?", testID, testRunID, state.Region).
		Select("desired_count", "running_count", "phase", "task_handles", "leader_handle", "error", "updated_at").
		Updates(&row)
	if res.Error != nil {
		return fmt.Errorf("updating region %s: %w", state.Region, res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("updating region %s of run %s: %w", state.Region, testRunID, loadtest.ErrNotFound)
	}

	return nil
}

// RequestCancel flags the run and moves it to cancelling if it is active.
func (s *gormStore) RequestCancel(ctx context.Context, testID string) (bool, error) {
	var active bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.Where("test_id = ?", testID).First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return loadtest.ErrNotFound
			}

			return fmt.Errorf("getting run: %w", err)
		}

		res := tx.Model(&Run{}).
			Where("test_id = ? AND status IN ?", testID, activeStatuses()).
			Updates(map[string]any{
				"status":           string(loadtest.RunStatusCancelling),
				"cancel_requested": true,
			})
		if res.Error != nil {
			return fmt.Errorf("requesting cancellation: %w", res.Error)
		}

		active = res.RowsAffected > 0

		return nil
	})

	return active, err
}

// CancelRequested reports the cancellation flag. A run that has been
// superseded by a newer run counts as cancelled.
func (s *gormStore) CancelRequested(ctx context.Context, testID, testRunID string) (bool, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Select("test_run_id", "cancel_requested").
		Where("test_id = ?", testID).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, loadtest.ErrNotFound
		}

		return false, fmt.Errorf("reading cancellation flag: %w", err)
	}

	return run.CancelRequested || run.TestRunID != testRunID, nil
}

// FinishRun writes history and releases the lock in one transaction.
func (s *gormStore) FinishRun(ctx context.Context, history *HistoryRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []History
		if err := tx.Select("status").
			Where("test_id = ? AND test_run_id = ?", history.TestID, history.TestRunID).
			Limit(1).
			Find(&existing).Error; err != nil {
			return fmt.Errorf("checking history: %w", err)
		}

		if len(existing) > 0 {
			return repeatedFinish(history, loadtest.RunStatus(existing[0].Status))
		}

		if err := tx.Create(historyRow(history)).Error; err != nil {
			return fmt.Errorf("writing history: %w", err)
		}

		endedAt := history.EndTime

		res := tx.Model(&Run{}).
			Where("test_id = ? AND test_run_id = ? AND status IN ?",
				history.TestID, history.TestRunID, activeStatuses()).
			Updates(map[string]any{
				"status":   string(history.Status),
				"reason":   history.Reason,
				"ended_at": &endedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("releasing run lock: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return fmt.Errorf("run %s/%s is not active: %w", history.TestID, history.TestRunID, loadtest.ErrNotFound)
		}

		return nil
	})
}

// ListHistory returns finished runs of a test, newest first.
func (s *gormStore) ListHistory(ctx context.Context, testID string) ([]HistoryRecord, error) {
	var rows []History
	if err := s.db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("end_time DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}

	out := make([]HistoryRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}

	return out, nil
}

// GetHistory returns one finished run.
func (s *gormStore) GetHistory(ctx context.Context, testID, testRunID string) (*HistoryRecord, error) {
	var row History
	if err := s.db.WithContext(ctx).
		Where("test_id = ? AND test_run_id = ?", testID, testRunID).
		First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, loadtest.ErrNotFound
		}

		return nil, fmt.Errorf("getting history: %w", err)
	}

	rec := row.toRecord()

	return &rec, nil
}
