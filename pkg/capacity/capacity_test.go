package capacity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailable(t *testing.T) {
	tests := []struct {
		name  string
		quota Quota
		want  int
	}{
		{name: "empty region", quota: Quota{Limit: 4000, PerTask: 2, InUse: 0}, want: 2000},
		{name: "partially used", quota: Quota{Limit: 10, PerTask: 4, InUse: 3}, want: 1},
		{name: "exactly full", quota: Quota{Limit: 8, PerTask: 2, InUse: 8}, want: 0},
		{name: "over quota", quota: Quota{Limit: 8, PerTask: 2, InUse: 12}, want: 0},
		{name: "fractional per task", quota: Quota{Limit: 4, PerTask: 0.1}, want: 40},
		{name: "zero per task", quota: Quota{Limit: 4, PerTask: 0}, want: 0},
		{name: "zero limit", quota: Quota{Limit: 0, PerTask: 1}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Available(tt.quota))
		})
	}
}

func TestAvailableAll(t *testing.T) {
	cpu := Quota{Limit: 16, PerTask: 2}
	mem := Quota{Limit: 8 << 30, PerTask: 2 << 30, InUse: 2 << 30}

	assert.Equal(t, 3, AvailableAll(cpu, mem))
	assert.Equal(t, 8, AvailableAll(cpu))
	assert.Equal(t, 0, AvailableAll())
}

func TestProbeHost(t *testing.T) {
	res, err := ProbeHost(context.Background())
	require.NoError(t, err)
	assert.Greater(t, res.CPUs, 0.0)
	assert.Greater(t, res.MemoryBytes, 0.0)
}
