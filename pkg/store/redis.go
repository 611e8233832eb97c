package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/config"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
)

// Every multi-key mutation runs as a Lua script so that it is atomic on the
// server. Run hashes hold: test_run_id, status, reason, cancel_requested,
// started_at, ended_at and regions (comma separated request order).

var acquireScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'running' or status == 'cancelling' then
  return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('HSET', KEYS[1],
  'test_run_id', ARGV[1], 'status', ARGV[2], 'reason', '',
  'cancel_requested', '0', 'started_at', ARGV[3], 'ended_at', '',
  'regions', ARGV[4])
for i = 5, #ARGV, 2 do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)

var updateRegionScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'test_run_id') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var cancelScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status == 'running' or status == 'cancelling' then
  redis.call('HSET', KEYS[1], 'status', 'cancelling', 'cancel_requested', '1')
  return 1
end
return 0
`)

var finishScript = redis.NewScript(`
local recorded = redis.call('HGET', KEYS[2], ARGV[1])
if recorded then
  return {2, recorded}
end
local status = redis.call('HGET', KEYS[1], 'status')
if redis.call('HGET', KEYS[1], 'test_run_id') ~= ARGV[1] then
  return {0}
end
if status ~= 'running' and status ~= 'cancelling' then
  return {0}
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[5])
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'reason', ARGV[3], 'ended_at', ARGV[4])
return {1}
`)

// Compile-time interface check.
var _ Store = (*redisStore)(nil)

type redisStore struct {
	log    logrus.FieldLogger
	cfg    *config.RedisConfig
	client *redis.Client
}

// NewRedisStore creates a Store backed by redis.
func NewRedisStore(log logrus.FieldLogger, cfg *config.RedisConfig) Store {
	return &redisStore{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start connects to redis.
func (s *redisStore) Start(ctx context.Context) error {
	opts, err := redis.ParseURL(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}

	s.client = redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	s.log.WithField("addr", opts.Addr).Info("Redis connected")

	return nil
}

// Stop closes the redis client.
func (s *redisStore) Stop() error {
	if s.client == nil {
		return nil
	}

	return s.client.Close()
}

func (s *redisStore) runKey(testID string) string {
	return s.cfg.KeyPrefix + ":run:" + testID
}

func (s *redisStore) regionsKey(testID string) string {
	return s.cfg.KeyPrefix + ":run:" + testID + ":regions"
}

func (s *redisStore) historyKey(testID string) string {
	return s.cfg.KeyPrefix + ":history:" + testID
}

func (s *redisStore) AcquireRun(ctx context.Context, rec *loadtest.RunRecord) error {
	names := make([]string, 0, len(rec.Regions))
	args := []any{rec.TestRunID, string(rec.Status), formatTime(rec.StartedAt), ""}

	for _, rs := range rec.Regions {
		data, err := json.Marshal(rs)
		if err != nil {
			return fmt.Errorf("encoding region %s: %w", rs.Region, err)
		}

		names = append(names, rs.Region)
		args = append(args, rs.Region, string(data))
	}

	args[3] = strings.Join(names, ",")

	ok, err := acquireScript.Run(ctx, s.client,
		[]string{s.runKey(rec.TestID), s.regionsKey(rec.TestID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("acquiring run lock: %w", err)
	}

	if ok == 0 {
		return loadtest.ErrAlreadyRunning
	}

	return nil
}

func (s *redisStore) GetRun(ctx context.Context, testID string) (*loadtest.RunRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.runKey(testID)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	if len(fields) == 0 {
		return nil, loadtest.ErrNotFound
	}

	rec := &loadtest.RunRecord{
		TestID:          testID,
		TestRunID:       fields["test_run_id"],
		Status:          loadtest.RunStatus(fields["status"]),
		Reason:          fields["reason"],
		CancelRequested: fields["cancel_requested"] == "1",
		StartedAt:       parseTime(fields["started_at"]),
		EndedAt:         parseTime(fields["ended_at"]),
	}

	regions, err := s.client.HGetAll(ctx, s.regionsKey(testID)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting regions: %w", err)
	}

	if order := fields["regions"]; order != "" {
		for _, name := range strings.Split(order, ",") {
			raw, ok := regions[name]
			if !ok {
				continue
			}

			var rs loadtest.RegionState
			if err := json.Unmarshal([]byte(raw), &rs); err != nil {
				return nil, fmt.Errorf("decoding region %s: %w", name, err)
			}

			rec.Regions = append(rec.Regions, &rs)
		}
	}

	return rec, nil
}

func (s *redisStore) UpdateRegion(
	ctx context.Context, testID, testRunID string, state *loadtest.RegionState,
) error {
	st := state.Clone()
	st.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding region %s: %w", state.Region, err)
	}

	ok, err := updateRegionScript.Run(ctx, s.client,
		[]string{s.runKey(testID), s.regionsKey(testID)},
		testRunID, state.Region, string(data)).Int()
	if err != nil {
		return fmt.Errorf("updating region %s: %w", state.Region, err)
	}

	if ok == 0 {
		return fmt.Errorf("updating region %s of run %s: %w", state.Region, testRunID, loadtest.ErrNotFound)
	}

	return nil
}

func (s *redisStore) RequestCancel(ctx context.Context, testID string) (bool, error) {
	res, err := cancelScript.Run(ctx, s.client, []string{s.runKey(testID)}).Int()
	if err != nil {
		return false, fmt.Errorf("requesting cancellation: %w", err)
	}

	if res < 0 {
		return false, loadtest.ErrNotFound
	}

	return res == 1, nil
}

func (s *redisStore) CancelRequested(ctx context.Context, testID, testRunID string) (bool, error) {
	vals, err := s.client.HMGet(ctx, s.runKey(testID), "test_run_id", "cancel_requested").Result()
	if err != nil {
		return false, fmt.Errorf("reading cancellation flag: %w", err)
	}

	current, ok := vals[0].(string)
	if !ok {
		return false, loadtest.ErrNotFound
	}

	flag, _ := vals[1].(string)

	return flag == "1" || current != testRunID, nil
}

func (s *redisStore) FinishRun(ctx context.Context, history *HistoryRecord) error {
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	endedAt := history.EndTime

	reply, err := finishScript.Run(ctx, s.client,
		[]string{s.runKey(history.TestID), s.historyKey(history.TestID)},
		history.TestRunID, string(history.Status), history.Reason, formatTime(&endedAt), string(data)).Slice()
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}

	switch reply[0] {
	case int64(1):
		return nil
	case int64(2):
		var recorded HistoryRecord
		if raw, _ := reply[1].(string); json.Unmarshal([]byte(raw), &recorded) != nil {
			return fmt.Errorf("decoding recorded history of %s/%s", history.TestID, history.TestRunID)
		}

		return repeatedFinish(history, recorded.Status)
	default:
		return fmt.Errorf("run %s/%s is not active: %w", history.TestID, history.TestRunID, loadtest.ErrNotFound)
	}
}

func (s *redisStore) ListHistory(ctx context.Context, testID string) ([]HistoryRecord, error) {
	entries, err := s.client.HGetAll(ctx, s.historyKey(testID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}

	out := make([]HistoryRecord, 0, len(entries))

	for runID, raw := range entries {
		var h HistoryRecord
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			return nil, fmt.Errorf("decoding history %s: %w", runID, err)
		}

		out = append(out, h)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].EndTime.After(out[j].EndTime)
	})

	return out, nil
}

func (s *redisStore) GetHistory(ctx context.Context, testID, testRunID string) (*HistoryRecord, error) {
	raw, err := s.client.HGet(ctx, s.historyKey(testID), testRunID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, loadtest.ErrNotFound
		}

		return nil, fmt.Errorf("getting history: %w", err)
	}

	var h HistoryRecord
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}

	return &h, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}

	return &t
}
