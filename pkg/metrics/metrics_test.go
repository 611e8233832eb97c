package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RunStarted()
	m.RunStarted()
	m.RunRejected("already_running")
	m.RunFinished(loadtest.RunStatusComplete, 3*time.Minute)
	m.RegionPhase(loadtest.PhaseLaunching)
	m.TasksLaunched("us-east-1", loadtest.RoleWorker, 4)
	m.TasksLaunched("us-east-1", loadtest.RoleWorker, 0)
	m.LaunchShortfall("us-east-1")
	m.Aggregated(time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsRejected.WithLabelValues("already_running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsFinished.WithLabelValues("complete")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.tasksLaunched.WithLabelValues("us-east-1", "worker")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.launchShortfalls.WithLabelValues("us-east-1")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.aggregationSeconds))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RunStarted()
		m.RunRejected("x")
		m.RunFinished(loadtest.RunStatusFailed, time.Second)
		m.RegionPhase(loadtest.PhaseDone)
		m.TasksLaunched("r", loadtest.RoleLeader, 1)
		m.LaunchShortfall("r")
		m.Aggregated(time.Second)
	})
}
