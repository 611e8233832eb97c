package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/capacity"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/docker"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
)

// Container labels set on every task.
const (
	LabelTestID    = "dlt.test-id"
	LabelTestRunID = "dlt.test-run-id"
	LabelRegion    = "dlt.region"
	LabelRole      = "dlt.role"
)

const (
	containerResultsDir = "/results"
	containerScriptsDir = "/scripts"
	defaultStopBatch    = 100
)

// ContainerConfig configures a container-runtime backed region.
type ContainerConfig struct {
	Region            string
	NetworkName       string
	PullPolicy        string
	MaxTasksPerLaunch int
	// VCPULimit is the CPU budget of the region; 0 uses the CPU count the
	// runtime reports for its host.
	VCPULimit   float64
	CPUsPerTask float64
	// MemoryPerTask is a human-readable size such as "512m"; empty disables
	// the memory quota and limit.
	MemoryPerTask string
	ResultsDir    string
	ScriptsDir    string
	// ResultBucket, when set, tells workers to upload their report to this
	// bucket under the task's result key.
	ResultBucket  string
	StopBatchSize int
	// LocalRuntime marks a runtime on this machine. Only then may the host
	// size be probed locally when the runtime does not report it.
	LocalRuntime bool
}

type containerAdapter struct {
	log        logrus.FieldLogger
	mgr        docker.ContainerManager
	cfg        ContainerConfig
	memPerTask int64

	hostMu sync.Mutex
	host   *capacity.HostResources
}

var _ Adapter = (*containerAdapter)(nil)

// NewContainerAdapter creates an adapter that runs each task as a container
// on the given runtime.
func NewContainerAdapter(log logrus.FieldLogger, mgr docker.ContainerManager, cfg ContainerConfig) (Adapter, error) {
	var memPerTask int64

	if cfg.MemoryPerTask != "" {
		v, err := units.RAMInBytes(cfg.MemoryPerTask)
		if err != nil {
			return nil, fmt.Errorf("parsing memory per task %q: %w", cfg.MemoryPerTask, err)
		}

		memPerTask = v
	}

	if cfg.CPUsPerTask <= 0 {
		cfg.CPUsPerTask = 1
	}

	if cfg.StopBatchSize <= 0 {
		cfg.StopBatchSize = defaultStopBatch
	}

	return &containerAdapter{
		log: log.WithFields(logrus.Fields{
			"component": "container-platform",
			"region":    cfg.Region,
		}),
		mgr:        mgr,
		cfg:        cfg,
		memPerTask: memPerTask,
	}, nil
}

// Launch starts up to count containers, bounded by the per-call cap and the
// region's remaining CPU and memory quota. Stopping at the per-call cap is
// not a shortfall; running out of quota or failing to start a container is.
func (a *containerAdapter) Launch(
	ctx context.Context, count int, spec *LaunchSpec,
) ([]loadtest.TaskHandle, error) {
	if count <= 0 {
		return nil, nil
	}

	n := count
	if a.cfg.MaxTasksPerLaunch > 0 && n > a.cfg.MaxTasksPerLaunch {
		n = a.cfg.MaxTasksPerLaunch
	}

	want := n

	available, err := a.available(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: checking capacity: %v", ErrUnavailable, err)
	}

	if n > available {
		n = available
	}

	log := a.log.WithFields(logrus.Fields{
		"test_id": spec.TestID,
		"role":    spec.Role,
	})

	if n == 0 {
		return nil, fmt.Errorf("%w: no capacity for %d tasks", ErrShortfall, count)
	}

	if err := a.mgr.PullImage(ctx, spec.Image, a.cfg.PullPolicy); err != nil {
		return nil, fmt.Errorf("pulling worker image: %w", err)
	}

	if a.cfg.NetworkName != "" {
		if err := a.mgr.EnsureNetwork(ctx, a.cfg.NetworkName); err != nil {
			return nil, fmt.Errorf("ensuring network: %w", err)
		}
	}

	resultsHostDir := filepath.Join(a.cfg.ResultsDir, filepath.FromSlash(spec.ResultPrefix()))
	if err := os.MkdirAll(resultsHostDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results directory: %w", err)
	}

	handles := make([]loadtest.TaskHandle, 0, n)

	for i := 0; i < n; i++ {
		index := spec.FirstIndex + i
		name := fmt.Sprintf("dlt-%s-%s-%s-%s", spec.TestID, spec.Region, spec.Role, uuid.NewString()[:8])

		containerSpec := a.containerSpec(spec, name, index, resultsHostDir)

		id, err := a.mgr.CreateContainer(ctx, containerSpec)
		if err != nil {
			log.WithError(err).Warn("Failed to create task container")

			break
		}

		if err := a.mgr.StartContainer(ctx, id); err != nil {
			log.WithError(err).Warn("Failed to start task container")

			if rmErr := a.mgr.RemoveContainer(context.WithoutCancel(ctx), id); rmErr != nil {
				log.WithError(rmErr).Warn("Failed to remove unstarted container")
			}

			break
		}

		handles = append(handles, loadtest.TaskHandle{
			ID:        id,
			Name:      name,
			Region:    spec.Region,
			Role:      spec.Role,
			Index:     index,
			Status:    loadtest.TaskProvisioning,
			ResultKey: spec.ResultKey(name),
		})
	}

	log.WithFields(logrus.Fields{
		"requested": count,
		"started":   len(handles),
	}).Info("Launched task containers")

	if len(handles) < want {
		return handles, fmt.Errorf("%w: started %d of %d", ErrShortfall, len(handles), want)
	}

	return handles, nil
}

func (a *containerAdapter) containerSpec(
	spec *LaunchSpec, name string, index int, resultsHostDir string,
) *docker.ContainerSpec {
	env := make(map[string]string, len(spec.Env)+10)
	for k, v := range spec.Env {
		env[k] = v
	}

	env["TEST_ID"] = spec.TestID
	env["TEST_RUN_ID"] = spec.TestRunID
	env["TASK_INDEX"] = strconv.Itoa(index)
	env["REGION"] = spec.Region
	env["ROLE"] = string(spec.Role)
	env["CONCURRENCY"] = strconv.Itoa(spec.Concurrency)
	env["RAMP_UP"] = spec.RampUp
	env["HOLD_FOR"] = spec.HoldFor
	env["TEST_TYPE"] = spec.TestType

	if spec.Script != "" {
		env["SCRIPT"] = path.Join(containerScriptsDir, spec.Script)
	}

	if spec.Role == loadtest.RoleWorker {
		env["RESULT_FILE"] = path.Join(containerResultsDir, name+".xml")

		if a.cfg.ResultBucket != "" {
			env["S3_BUCKET"] = a.cfg.ResultBucket
			env["RESULT_KEY"] = spec.ResultKey(name)
		}
	}

	mounts := []docker.Mount{{
		Type:   "bind",
		Source: resultsHostDir,
		Target: containerResultsDir,
	}}

	if a.cfg.ScriptsDir != "" {
		mounts = append(mounts, docker.Mount{
			Type:     "bind",
			Source:   a.cfg.ScriptsDir,
			Target:   containerScriptsDir,
			ReadOnly: true,
		})
	}

	return &docker.ContainerSpec{
		Name:        name,
		Image:       spec.Image,
		Env:         env,
		Mounts:      mounts,
		NetworkName: a.cfg.NetworkName,
		Labels: map[string]string{
			LabelTestID:    spec.TestID,
			LabelTestRunID: spec.TestRunID,
			LabelRegion:    spec.Region,
			LabelRole:      string(spec.Role),
		},
		ResourceLimits: &docker.ResourceLimits{
			NanoCPUs:    int64(a.cfg.CPUsPerTask * 1e9),
			MemoryBytes: a.memPerTask,
		},
	}
}

// available returns how many more tasks the region can run right now.
func (a *containerAdapter) available(ctx context.Context) (int, error) {
	host, err := a.hostResources(ctx)
	if err != nil {
		return 0, err
	}

	existing, err := a.mgr.ListContainers(ctx, map[string]string{LabelRegion: a.cfg.Region})
	if err != nil {
		return 0, err
	}

	var inUse float64

	for _, c := range existing {
		if c.State == "running" || c.State == "created" {
			inUse++
		}
	}

	cpuLimit := a.cfg.VCPULimit
	if cpuLimit <= 0 {
		cpuLimit = host.CPUs
	}

	quotas := []capacity.Quota{{
		Limit:   cpuLimit,
		PerTask: a.cfg.CPUsPerTask,
		InUse:   inUse * a.cfg.CPUsPerTask,
	}}

	if a.memPerTask > 0 {
		quotas = append(quotas, capacity.Quota{
			Limit:   host.MemoryBytes,
			PerTask: float64(a.memPerTask),
			InUse:   inUse * float64(a.memPerTask),
		})
	}

	return capacity.AvailableAll(quotas...), nil
}

// hostResources returns the size of the runtime's host. A successful answer
// is cached; failures are retried on the next call.
func (a *containerAdapter) hostResources(ctx context.Context) (*capacity.HostResources, error) {
	a.hostMu.Lock()
	defer a.hostMu.Unlock()

	if a.host != nil {
		return a.host, nil
	}

	res, err := a.mgr.HostResources(ctx)
	if err == nil && (res == nil || res.CPUs <= 0 || res.MemoryBytes <= 0) {
		err = errors.New("runtime reported no host size")
	}

	if err == nil {
		a.host = &capacity.HostResources{
			CPUs:        float64(res.CPUs),
			MemoryBytes: float64(res.MemoryBytes),
		}

		return a.host, nil
	}

	if !a.cfg.LocalRuntime {
		return nil, fmt.Errorf("reading runtime host size: %w", err)
	}

	a.log.WithError(err).Debug("Runtime host size unavailable, probing local host")

	host, perr := capacity.ProbeHost(ctx)
	if perr != nil {
		return nil, perr
	}

	a.host = host

	return a.host, nil
}

// Describe maps each container's runtime state to a task status.
func (a *containerAdapter) Describe(
	ctx context.Context, handles []loadtest.TaskHandle,
) ([]loadtest.TaskStatus, error) {
	statuses := make([]loadtest.TaskStatus, len(handles))

	for i, h := range handles {
		state, err := a.mgr.InspectContainer(ctx, h.ID)
		if err != nil {
			if errors.Is(err, docker.ErrContainerNotFound) {
				statuses[i] = loadtest.TaskStopped

				continue
			}

			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		statuses[i] = containerTaskStatus(state)
	}

	return statuses, nil
}

func containerTaskStatus(state *docker.ContainerState) loadtest.TaskStatus {
	switch state.Status {
	case "running", "paused", "restarting":
		return loadtest.TaskRunning
	case "exited", "stopped":
		if state.ExitCode == 0 {
			return loadtest.TaskStopped
		}

		return loadtest.TaskFailed
	case "dead":
		return loadtest.TaskFailed
	case "removing":
		return loadtest.TaskStopped
	default:
		return loadtest.TaskProvisioning
	}
}

// Stop stops containers in batches and reports every failure.
func (a *containerAdapter) Stop(ctx context.Context, handles []loadtest.TaskHandle) error {
	var result *multierror.Error

	for start := 0; start < len(handles); start += a.cfg.StopBatchSize {
		end := start + a.cfg.StopBatchSize
		if end > len(handles) {
			end = len(handles)
		}

		for _, h := range handles[start:end] {
			if err := a.mgr.StopContainer(ctx, h.ID); err != nil {
				result = multierror.Append(result, fmt.Errorf("%w: %v", ErrUnavailable, err))
			}
		}

		a.log.WithField("count", end-start).Debug("Stopped batch of task containers")
	}

	return result.ErrorOrNil()
}
