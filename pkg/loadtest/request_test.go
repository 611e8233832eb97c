package loadtest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "minutes", input: "2m", want: 2 * time.Minute},
		{name: "seconds", input: "30s", want: 30 * time.Second},
		{name: "compound", input: "1h30m", want: 90 * time.Minute},
		{name: "bare seconds", input: "45", want: 45 * time.Second},
		{name: "empty", input: "", want: 0},
		{name: "padded", input: " 1m ", want: time.Minute},
		{name: "garbage", input: "soon", wantErr: true},
		{name: "negative", input: "-5s", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDurationPlanTotal(t *testing.T) {
	total, err := DurationPlan{RampUp: "1m", HoldFor: "1m"}.Total()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, total)
}

func TestDecodeRequestJSON(t *testing.T) {
	body := `{
		"testId": "t1",
		"regions": [{"region": "us-east-1", "taskCount": 2, "concurrency": 5}],
		"durationPlan": {"rampUp": "1m", "holdFor": "1m"},
		"workerSpec": {"script": "test.jmx", "image": "load/worker:latest", "env": {"TARGET": "http://example"}}
	}`

	req, err := DecodeRequestJSON([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "t1", req.TestID)
	require.Len(t, req.Regions, 1)
	assert.Equal(t, RegionPlan{Region: "us-east-1", TaskCount: 2, Concurrency: 5}, req.Regions[0])
	assert.Equal(t, "1m", req.DurationPlan.RampUp)
	assert.Equal(t, "load/worker:latest", req.WorkerSpec.Image)
	assert.Equal(t, "http://example", req.WorkerSpec.Env["TARGET"])
}

func TestDecodeRequestYAML(t *testing.T) {
	body := `
testId: t2
regions:
  - region: eu-west-1
    taskCount: 0
durationPlan:
  rampUp: 30s
  holdFor: 2m
workerSpec:
  image: load/worker:latest
`

	req, err := DecodeRequestYAML([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "t2", req.TestID)
	require.Len(t, req.Regions, 1)
	assert.Equal(t, 0, req.Regions[0].TaskCount)
	assert.Equal(t, 1, req.Regions[0].Concurrency, "concurrency defaults to 1")
}

func TestDecodeRequestRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "not json",
			body: `{`,
		},
		{
			name: "missing regions",
			body: `{"testId":"t1","durationPlan":{},"workerSpec":{"image":"x"}}`,
		},
		{
			name: "unsafe test id",
			body: `{"testId":"../etc","regions":[{"region":"r1","taskCount":1}],"durationPlan":{},"workerSpec":{"image":"x"}}`,
		},
		{
			name: "negative task count",
			body: `{"testId":"t1","regions":[{"region":"r1","taskCount":-1}],"durationPlan":{},"workerSpec":{"image":"x"}}`,
		},
		{
			name: "duplicate region",
			body: `{"testId":"t1","regions":[{"region":"r1","taskCount":1},{"region":"r1","taskCount":1}],"durationPlan":{},"workerSpec":{"image":"x"}}`,
		},
		{
			name: "bad duration",
			body: `{"testId":"t1","regions":[{"region":"r1","taskCount":1}],"durationPlan":{"holdFor":"forever"},"workerSpec":{"image":"x"}}`,
		},
		{
			name: "unknown field",
			body: `{"testId":"t1","regions":[{"region":"r1","taskCount":1}],"durationPlan":{},"workerSpec":{"image":"x"},"extra":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequestJSON([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest), "got %v", err)
		})
	}
}

func TestRunStatusActive(t *testing.T) {
	assert.True(t, RunStatusRunning.Active())
	assert.True(t, RunStatusCancelling.Active())
	assert.False(t, RunStatusIdle.Active())
	assert.False(t, RunStatusComplete.Active())
	assert.False(t, RunStatusFailed.Active())
}

func TestRegionStateCloneIsDeep(t *testing.T) {
	rs := &RegionState{
		Region:       "r1",
		TaskHandles:  []TaskHandle{{ID: "a"}},
		LeaderHandle: &TaskHandle{ID: "l"},
	}

	c := rs.Clone()
	c.TaskHandles[0].ID = "changed"
	c.LeaderHandle.ID = "changed"

	assert.Equal(t, "a", rs.TaskHandles[0].ID)
	assert.Equal(t, "l", rs.LeaderHandle.ID)
	assert.Len(t, rs.AllHandles(), 2)
}
