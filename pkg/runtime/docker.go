package runtime

import (
	"context"
	"fmt"
	"os/user"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/sashimono/agent/pkg/log"
)

const (
	// ContractMount is where the contract tree appears inside the container
	ContractMount = "/contract"

	// StatusRunning is the runtime's .State.Status for a live container
	StatusRunning = "running"

	opTimeout = 60 * time.Second
)

// DockerDriver drives each instance's rootless docker daemon, reachable at
// /run/user/<uid>/docker.sock. A fresh client is built per invocation since
// every call may target a different user's daemon.
type DockerDriver struct{}

// NewDockerDriver creates a docker-backed container driver
func NewDockerDriver() *DockerDriver {
	return &DockerDriver{}
}

// client builds a docker client for the given user's daemon socket
func (d *DockerDriver) client(username string) (*dockerclient.Client, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", username, err)
	}

	host := fmt.Sprintf("unix:///run/user/%s/docker.sock", u.Uid)
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(host),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker daemon of %s: %w", username, err)
	}
	return cli, nil
}

// Create creates (without starting) a container that mounts contractDir at
// /contract, publishes both ports 1:1, stops on SIGINT and restarts
// unless-stopped.
func (d *DockerDriver) Create(username, image, name, contractDir string, peerPort, userPort uint16) error {
	cli, err := d.client(username)
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range []uint16{peerPort, userPort} {
		port := nat.Port(fmt.Sprintf("%d/tcp", p))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: fmt.Sprintf("%d", p)}}
	}

	cfg := &container.Config{
		Image:        image,
		ExposedPorts: exposed,
		StopSignal:   "SIGINT",
	}
	hostCfg := &container.HostConfig{
		Binds:        []string{contractDir + ":" + ContractMount},
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	if _, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name); err != nil {
		return fmt.Errorf("failed to create container %s: %w", name, err)
	}

	log.WithComponent("runtime").Info().
		Str("container", name).Str("image", image).Msg("container created")
	return nil
}

// Start starts a created or stopped container
func (d *DockerDriver) Start(username, name string) error {
	cli, err := d.client(username)
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// Stop stops a running container, delivering the configured stop signal
func (d *DockerDriver) Stop(username, name string) error {
	cli, err := d.client(username)
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// Remove force-removes a container
func (d *DockerDriver) Remove(username, name string) error {
	cli, err := d.client(username)
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// Inspect returns the runtime's status string for a container
// (e.g. "running", "exited", "created").
func (d *DockerDriver) Inspect(username, name string) (string, error) {
	cli, err := d.client(username)
	if err != nil {
		return "", err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	info, err := cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	if info.State == nil {
		return "", fmt.Errorf("container %s reported no state", name)
	}
	return info.State.Status, nil
}
