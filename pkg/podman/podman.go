package podman

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/docker"
	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/bindings/network"
	"github.com/containers/podman/v5/pkg/bindings/system"
	"github.com/containers/podman/v5/pkg/errorhandling"
	"github.com/containers/podman/v5/pkg/specgen"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	nettypes "go.podman.io/common/libnetwork/types"
)

// DefaultSocket is the default rootful Podman socket path.
const DefaultSocket = "unix:///run/podman/podman.sock"

// qualifyImageName ensures the image name is fully qualified for Podman.
// Docker defaults short names like "org/worker:tag" to "docker.io/org/worker:tag",
// but Podman requires fully-qualified names unless unqualified-search registries are configured.
func qualifyImageName(name string) string {
	// Already has a registry (contains a dot or colon before the first slash).
	parts := strings.SplitN(name, "/", 2)
	if len(parts) == 2 && (strings.ContainsAny(parts[0], ".:") || parts[0] == "localhost") {
		return name
	}

	if len(parts) == 1 {
		return "docker.io/library/" + name
	}

	return "docker.io/" + name
}

// manager implements docker.ContainerManager using Podman Go bindings.
type manager struct {
	log    logrus.FieldLogger
	socket string
	conn   context.Context // Podman connection context.
}

// Ensure interface compliance.
var _ docker.ContainerManager = (*manager)(nil)

// NewManager creates a new Podman container manager. An empty socket uses
// DefaultSocket.
func NewManager(log logrus.FieldLogger, socket string) (docker.ContainerManager, error) {
	if socket == "" {
		socket = DefaultSocket
	}

	return &manager{
		log:    log.WithField("component", "podman"),
		socket: socket,
	}, nil
}

// Start initializes the Podman connection.
func (m *manager) Start(ctx context.Context) error {
	conn, err := bindings.NewConnection(ctx, m.socket)
	if err != nil {
		return fmt.Errorf(
			"connecting to podman socket (%s): %w\n"+
				"Ensure the Podman service is running: systemctl start podman.socket",
			m.socket, err,
		)
	}

	m.conn = conn

	info, err := system.Info(m.conn, nil)
	if err != nil {
		return fmt.Errorf("querying podman info: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"version":  info.Version.Version,
		"runtime":  info.Host.OCIRuntime.Name,
		"rootless": info.Host.Security.Rootless,
	}).Debug("Connected to Podman daemon")

	return nil
}

// Stop is a no-op; the bindings connection holds no resources to release.
func (m *manager) Stop() error {
	return nil
}

// EnsureNetwork creates a Podman network if it doesn't exist.
func (m *manager) EnsureNetwork(ctx context.Context, name string) error {
	nets, err := network.List(m.conn, &network.ListOptions{
		Filters: map[string][]string{"name": {name}},
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, n := range nets {
		if n.Name == name {
			return nil
		}
	}

	netCfg := nettypes.Network{
		Name:   name,
		Driver: "bridge",
		Labels: map[string]string{docker.LabelManagedBy: docker.ManagedByValue},
	}

	if _, err := network.Create(m.conn, &netCfg); err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}

	m.log.WithField("network", name).Info("Created Podman network")

	return nil
}

// CreateContainer creates a new container from a ContainerSpec using Podman's specgen.
func (m *manager) CreateContainer(
	ctx context.Context, spec *docker.ContainerSpec,
) (string, error) {
	s := &specgen.SpecGenerator{}
	s.Name = spec.Name
	s.Image = qualifyImageName(spec.Image)
	s.Entrypoint = spec.Entrypoint
	s.Command = spec.Command

	s.Labels = make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		s.Labels[k] = v
	}

	s.Labels[docker.LabelManagedBy] = docker.ManagedByValue

	if len(spec.Env) > 0 {
		s.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			s.Env[k] = v
		}
	}

	// Docker-style "volume" mounts map to Podman named volumes; OCI runtimes
	// don't recognise "volume" as a mount type.
	for _, mnt := range spec.Mounts {
		if mnt.Type == "volume" {
			nv := &specgen.NamedVolume{
				Name: mnt.Source,
				Dest: mnt.Target,
			}

			if mnt.ReadOnly {
				nv.Options = append(nv.Options, "ro")
			}

			s.Volumes = append(s.Volumes, nv)

			continue
		}

		sm := specs.Mount{
			Destination: mnt.Target,
			Source:      mnt.Source,
			Type:        mnt.Type,
		}

		if mnt.ReadOnly {
			sm.Options = append(sm.Options, "ro")
		}

		s.Mounts = append(s.Mounts, sm)
	}

	if spec.NetworkName != "" {
		s.Networks = map[string]nettypes.PerNetworkOptions{
			spec.NetworkName: {},
		}
	}

	if spec.ResourceLimits != nil {
		s.ResourceLimits = &specs.LinuxResources{}

		if spec.ResourceLimits.NanoCPUs > 0 {
			// 100ms scheduling period, quota scaled to the CPU share.
			period := uint64(100000)
			quota := spec.ResourceLimits.NanoCPUs * int64(period) / 1e9
			s.ResourceLimits.CPU = &specs.LinuxCPU{
				Period: &period,
				Quota:  &quota,
			}
		}

		if spec.ResourceLimits.MemoryBytes > 0 {
			mem := spec.ResourceLimits.MemoryBytes
			s.ResourceLimits.Memory = &specs.LinuxMemory{
				Limit: &mem,
			}
		}
	}

	resp, err := containers.CreateWithSpec(m.conn, s, nil)
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
	if err := containers.Start(m.conn, containerID, nil); err != nil {
		return fmt.Errorf("starting container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Started container")

	return nil
}

// StopContainer stops a container. Stopping a missing container is not an
// error.
func (m *manager) StopContainer(ctx context.Context, containerID string) error {
	if err := containers.Stop(m.conn, containerID, nil); err != nil {
		if isNotFound(err) {
			return nil
		}

		return fmt.Errorf("stopping container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Stopped container")

	return nil
}

// RemoveContainer removes a container.
func (m *manager) RemoveContainer(ctx context.Context, containerID string) error {
	force := true
	vols := true
	timeout := uint(0) // SIGKILL immediately, skip SIGTERM grace period.

	if _, err := containers.Remove(m.conn, containerID, &containers.RemoveOptions{
		Force:   &force,
		Volumes: &vols,
		Timeout: &timeout,
	}); err != nil {
		if isNotFound(err) {
			return nil
		}

		return fmt.Errorf("removing container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Removed container")

	return nil
}

// InspectContainer returns the runtime state of a container.
func (m *manager) InspectContainer(ctx context.Context, containerID string) (*docker.ContainerState, error) {
	inspect, err := containers.Inspect(m.conn, containerID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", docker.ErrContainerNotFound, shortID(containerID))
		}

		return nil, fmt.Errorf("inspecting container %s: %w", shortID(containerID), err)
	}

	if inspect.State == nil {
		return nil, fmt.Errorf("container %s has no state", shortID(containerID))
	}

	return &docker.ContainerState{
		Status:   inspect.State.Status,
		Running:  inspect.State.Running,
		ExitCode: int(inspect.State.ExitCode),
	}, nil
}

// PullImage pulls a container image.
func (m *manager) PullImage(ctx context.Context, imageName string, policy string) error {
	imageName = qualifyImageName(imageName)
	log := m.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "if-not-present" {
		exists, err := images.Exists(m.conn, imageName, nil)
		if err == nil && exists {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	if _, err := images.Pull(m.conn, imageName, nil); err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// ListContainers returns managed containers carrying all of the given labels.
func (m *manager) ListContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerInfo, error) {
	all := true

	labelFilters := []string{docker.LabelManagedBy + "=" + docker.ManagedByValue}
	for k, v := range labels {
		labelFilters = append(labelFilters, k+"="+v)
	}

	podmanContainers, err := containers.List(m.conn, &containers.ListOptions{
		All:     &all,
		Filters: map[string][]string{"label": labelFilters},
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]docker.ContainerInfo, 0, len(podmanContainers))

	for _, c := range podmanContainers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		result = append(result, docker.ContainerInfo{
			ID:     c.ID,
			Name:   name,
			State:  c.State,
			Labels: c.Labels,
		})
	}

	return result, nil
}

func isNotFound(err error) bool {
	var em *errorhandling.ErrorModel
	if errors.As(err, &em) {
		return em.ResponseCode == http.StatusNotFound
	}

	return false
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}

// HostResources reads the CPU count and total memory of the Podman host.
func (m *manager) HostResources(_ context.Context) (*docker.HostResources, error) {
	info, err := system.Info(m.conn, nil)
	if err != nil {
		return nil, fmt.Errorf("querying podman info: %w", err)
	}

	if info.Host == nil {
		return nil, fmt.Errorf("podman info has no host section")
	}

	return &docker.HostResources{
		CPUs:        info.Host.CPUs,
		MemoryBytes: info.Host.MemTotal,
	}, nil
}
