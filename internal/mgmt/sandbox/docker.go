package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
)

const (
	labelManagedBy = "mcpbox.managed-by"
	labelRole      = "mcpbox.role"
	managedByValue = "mcpbox"
	roleSandbox    = "sandbox"

	// DefaultNetwork is the bridge network joining the management plane
	// and the sandbox container.
	DefaultNetwork = "mcpbox"

	containerName = "mcpbox-sandbox"
	stopTimeout   = 10 * time.Second
)

// LaunchSpec describes the sandbox container to run.
type LaunchSpec struct {
	Image       string
	APIKey      string
	ControlPort int
	Network     string
	Env         map[string]string
}

// Handle identifies a running sandbox container.
type Handle struct {
	ContainerID string
	ControlURL  string
}

// Launcher supervises the sandbox container through the Docker Engine
// API. It is optional; deployments may run the sandbox binary directly.
type Launcher struct {
	client  *dockerclient.Client
	network string
}

// NewLauncher builds a Launcher from DOCKER_HOST or the default socket.
func NewLauncher(networkName string) (*Launcher, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if networkName == "" {
		networkName = DefaultNetwork
	}
	return &Launcher{client: cli, network: networkName}, nil
}

// EnsureNetwork creates the bridge network if it does not exist.
func (l *Launcher) EnsureNetwork(ctx context.Context) error {
	nets, err := l.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", l.network)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == l.network {
			return nil
		}
	}
	_, err = l.client.NetworkCreate(ctx, l.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", l.network, err)
	}
	return nil
}

// Launch creates and starts the sandbox container, removing any previous
// instance first.
func (l *Launcher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if spec.Image == "" {
		return Handle{}, fmt.Errorf("spec.Image is required")
	}
	port := spec.ControlPort
	if port == 0 {
		port = 8787
	}
	networkName := spec.Network
	if networkName == "" {
		networkName = l.network
	}

	if existing, err := l.find(ctx); err == nil && existing != "" {
		l.remove(ctx, existing)
	}

	env := []string{
		fmt.Sprintf("SANDBOX_API_KEY=%s", spec.APIKey),
		fmt.Sprintf("SANDBOX_LISTEN_ADDR=:%d", port),
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env:   env,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelRole:      roleSandbox,
		},
	}
	hostCfg := &container.HostConfig{
		RestartPolicy:  container.RestartPolicy{Name: "unless-stopped"},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := l.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, containerName)
	if err != nil {
		return Handle{}, fmt.Errorf("create container: %w", err)
	}
	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = l.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("start container: %w", err)
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return Handle{}, fmt.Errorf("inspect container: %w", err)
	}
	controlURL := fmt.Sprintf("http://%s:%d", containerName, port)
	if nets := inspect.NetworkSettings.Networks; nets != nil {
		if ep, ok := nets[networkName]; ok && ep.IPAddress != "" {
			controlURL = fmt.Sprintf("http://%s:%d", ep.IPAddress, port)
		}
	}
	return Handle{ContainerID: resp.ID, ControlURL: controlURL}, nil
}

// Stop gracefully stops and removes the sandbox container.
func (l *Launcher) Stop(ctx context.Context, h Handle) error {
	return l.remove(ctx, h.ContainerID)
}

// Running reports whether the managed sandbox container is running.
func (l *Launcher) Running(ctx context.Context) (bool, error) {
	id, err := l.find(ctx)
	if err != nil || id == "" {
		return false, err
	}
	inspect, err := l.client.ContainerInspect(ctx, id)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container: %w", err)
	}
	return strings.EqualFold(inspect.State.Status, "running"), nil
}

func (l *Launcher) find(ctx context.Context) (string, error) {
	containers, err := l.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
			filters.Arg("label", labelRole+"="+roleSandbox),
		),
	})
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}
	if len(containers) == 0 {
		return "", nil
	}
	return containers[0].ID, nil
}

func (l *Launcher) remove(ctx context.Context, id string) error {
	timeout := int(stopTimeout.Seconds())
	_ = l.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err := l.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	return nil
}
