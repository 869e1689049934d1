package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Labels put on every container this package creates.
const (
	LabelManaged  = "io.vmpool.managed"
	LabelInstance = "io.vmpool.instance"
)

// DockerAPI is the subset of the docker engine client the lifecycle manager
// uses. *client.Client satisfies it.
type DockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

var _ DockerAPI = (*client.Client)(nil)

// NewDockerClient connects to the docker daemon from the environment and checks
// that it answers.
func NewDockerClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to reach Docker daemon: %w", err)
	}
	return cli, nil
}

// InstanceSummary is a managed container as reported by the daemon.
type InstanceSummary struct {
	Name        string
	ContainerID string
	Image       string
	State       string
	Status      string
}

// ListInstances returns every container carrying the managed label.
func ListInstances(ctx context.Context, docker DockerAPI) ([]InstanceSummary, error) {
	list, err := docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]InstanceSummary, 0, len(list))
	for _, c := range list {
		name := c.Labels[LabelInstance]
		if name == "" && len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, InstanceSummary{
			Name:        name,
			ContainerID: c.ID,
			Image:       c.Image,
			State:       c.State,
			Status:      c.Status,
		})
	}
	return out, nil
}
