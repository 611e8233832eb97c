package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

const (
	// LabelManagedBy marks every container created by the orchestrator.
	LabelManagedBy = "dlt.managed-by"
	// ManagedByValue is the value of LabelManagedBy.
	ManagedByValue = "distributed-load-testing"
)

// ErrContainerNotFound is returned when a container no longer exists.
var ErrContainerNotFound = errors.New("container not found")

// ContainerManager handles container runtime operations for load test tasks.
type ContainerManager interface {
	Start(ctx context.Context) error
	Stop() error

	// Network operations.
	EnsureNetwork(ctx context.Context, name string) error

	// Container operations.
	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerState, error)

	// Image operations.
	PullImage(ctx context.Context, imageName string, policy string) error

	// ListContainers returns managed containers matching every given label.
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)

	// HostResources reports the size of the machine the runtime runs on.
	HostResources(ctx context.Context) (*HostResources, error)
}

// HostResources are the totals reported by a container runtime for its host.
type HostResources struct {
	CPUs        int
	MemoryBytes int64
}

// ResourceLimits defines container resource constraints.
type ResourceLimits struct {
	NanoCPUs    int64 // CPU quota in units of 1e-9 CPUs
	MemoryBytes int64 // Memory limit in bytes
}

// ContainerSpec defines container configuration.
type ContainerSpec struct {
	Name           string
	Image          string
	Entrypoint     []string
	Command        []string
	Env            map[string]string
	Mounts         []Mount
	NetworkName    string
	Labels         map[string]string
	ResourceLimits *ResourceLimits
}

// Mount defines a volume mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
	Type     string // "bind", "volume", "tmpfs"
}

// ContainerInfo contains information about a listed container.
type ContainerInfo struct {
	ID     string
	Name   string
	State  string
	Labels map[string]string
}

// ContainerState is the runtime state of one container.
type ContainerState struct {
	Status   string // created, running, exited, dead, ...
	Running  bool
	ExitCode int
}

// Options configures a docker manager.
type Options struct {
	// Host overrides DOCKER_HOST, e.g. "tcp://10.0.0.5:2376".
	Host string
}

// NewManager creates a new Docker manager.
func NewManager(log logrus.FieldLogger, opts Options) (ContainerManager, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &manager{
		log:    log.WithField("component", "docker"),
		client: cli,
	}, nil
}

type manager struct {
	log    logrus.FieldLogger
	client *client.Client
}

// Ensure interface compliance.
var _ ContainerManager = (*manager)(nil)

// Start initializes the Docker manager.
func (m *manager) Start(ctx context.Context) error {
	_, err := m.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	m.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop cleans up the Docker manager.
func (m *manager) Stop() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// EnsureNetwork creates a Docker network if it doesn't exist.
func (m *manager) EnsureNetwork(ctx context.Context, name string) error {
	networks, err := m.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, net := range networks {
		if net.Name == name {
			return nil
		}
	}

	_, err = m.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManagedBy: ManagedByValue},
	})
	if err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}

	m.log.WithField("network", name).Info("Created Docker network")

	return nil
}

// CreateContainer creates a new container from a ContainerSpec.
func (m *manager) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))

	for _, mnt := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.Type(mnt.Type),
			Source:   mnt.Source,
			Target:   mnt.Target,
			ReadOnly: mnt.ReadOnly,
		})
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}

	labels[LabelManagedBy] = ManagedByValue

	containerCfg := &container.Config{
		Image:      spec.Image,
		Env:        env,
		Labels:     labels,
		Entrypoint: spec.Entrypoint,
		Cmd:        spec.Command,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.NetworkName),
	}

	if spec.ResourceLimits != nil {
		hostCfg.NanoCPUs = spec.ResourceLimits.NanoCPUs
		hostCfg.Memory = spec.ResourceLimits.MemoryBytes
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	m.log.WithFields(logrus.Fields{
		"container": spec.Name,
		"id":        shortID(resp.ID),
	}).Debug("Created container")

	return resp.ID, nil
}

// StartContainer starts a container.
func (m *manager) StartContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Started container")

	return nil
}

// StopContainer stops a container. Stopping a missing container is not an
// error.
func (m *manager) StopContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}

		return fmt.Errorf("stopping container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Stopped container")

	return nil
}

// RemoveContainer removes a container.
func (m *manager) RemoveContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}

		return fmt.Errorf("removing container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Removed container")

	return nil
}

// InspectContainer returns the runtime state of a container.
func (m *manager) InspectContainer(ctx context.Context, containerID string) (*ContainerState, error) {
	inspect, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, shortID(containerID))
		}

		return nil, fmt.Errorf("inspecting container %s: %w", shortID(containerID), err)
	}

	if inspect.State == nil {
		return nil, fmt.Errorf("container %s has no state", shortID(containerID))
	}

	return &ContainerState{
		Status:   string(inspect.State.Status),
		Running:  inspect.State.Running,
		ExitCode: inspect.State.ExitCode,
	}, nil
}

// PullImage pulls a Docker image.
func (m *manager) PullImage(ctx context.Context, imageName string, policy string) error {
	log := m.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "if-not-present" {
		images, err := m.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", imageName)),
		})
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}

		if len(images) > 0 {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	// Consume the pull output.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// ListContainers returns managed containers carrying all of the given labels.
func (m *manager) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedByValue))
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		result = append(result, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			State:  string(c.State),
			Labels: c.Labels,
		})
	}

	return result, nil
}

// HostResources asks the daemon for its CPU count and total memory.
func (m *manager) HostResources(ctx context.Context) (*HostResources, error) {
	info, err := m.client.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying docker info: %w", err)
	}

	return &HostResources{
		CPUs:        info.NCPU,
		MemoryBytes: info.MemTotal,
	}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
