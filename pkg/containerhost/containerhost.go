// Package containerhost implements scheduler.ContainerHost against the
// local Docker Engine API.
package containerhost

import (
	"context"
	"fmt"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/llmgateway/scheduler/pkg/config"
	"github.com/llmgateway/scheduler/pkg/internal/utils"
	"github.com/llmgateway/scheduler/pkg/logging"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

const serverPort = 8080

// Docker health-check status strings, as reported on
// container.InspectResponse.State.Health.Status.
const (
	healthNone     = "none"
	healthStarting = "starting"
	healthHealthy  = "healthy"
)

// Docker is the subset of the Docker Engine client Host depends on. It
// exists so tests can substitute a fake without standing up a daemon.
type Docker interface {
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform interface{}, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerName string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerName string, options container.StopOptions) error
	ContainerInspect(ctx context.Context, containerName string) (container.InspectResponse, error)
}

// Host talks to the local Docker daemon to create, start, stop, and
// inspect backend containers.
type Host struct {
	log         logging.Logger
	docker      Docker
	image       string
	volumeMount string
	networkName string
}

// New connects to the local Docker daemon using the standard environment
// variables (DOCKER_HOST et al.) and returns a Host configured to create
// containers from image, bind-mounting volumeMount to /models and
// attaching them to networkName.
func New(log logging.Logger, image, volumeMount, networkName string) (*Host, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("containerhost: connecting to docker daemon: %w", err)
	}
	return newWithClient(log, c, image, volumeMount, networkName), nil
}

func newWithClient(log logging.Logger, docker Docker, image, volumeMount, networkName string) *Host {
	return &Host{
		log:         log,
		docker:      docker,
		image:       image,
		volumeMount: volumeMount,
		networkName: networkName,
	}
}

// HostnameOf returns the address a caller should dial to reach desc's
// backend, once healthy.
func (h *Host) HostnameOf(desc config.ModelDescriptor) string {
	return fmt.Sprintf("%s:%d", desc.ContainerName, serverPort)
}

// Exists reports whether a container named containerName has ever been
// created, regardless of its current run state.
func (h *Host) Exists(ctx context.Context, containerName string) (bool, error) {
	_, err := h.docker.ContainerInspect(ctx, containerName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Create builds and registers (but does not start) a container for desc,
// assembling its command line from the model's sampling parameters.
func (h *Host) Create(ctx context.Context, desc config.ModelDescriptor) error {
	h.log.Infof("creating container %s", utils.SanitizeForLog(desc.ContainerName))

	cmd := h.buildCommand(desc)

	portSpec := fmt.Sprintf("%d/tcp", serverPort)
	exposedPorts := container.PortSet{container.Port(portSpec): struct{}{}}
	portBindings := container.PortMap{
		container.Port(portSpec): []container.PortBinding{
			{HostIP: "0.0.0.0", HostPort: strconv.Itoa(serverPort)},
		},
	}

	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		PortBindings:  portBindings,
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: h.volumeMount,
				Target: "/models",
			},
		},
	}

	netConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			h.networkName: {},
		},
	}

	containerConfig := &container.Config{
		Image:        h.image,
		Cmd:          cmd,
		ExposedPorts: exposedPorts,
	}

	_, err := h.docker.ContainerCreate(ctx, containerConfig, hostConfig, netConfig, nil, desc.ContainerName)
	if err != nil {
		return fmt.Errorf("containerhost: create %s: %w", desc.ContainerName, err)
	}
	return nil
}

// buildCommand assembles the llama.cpp-server-equivalent command line for
// desc, following the fixed argument order: model path, network bind,
// context and sampling parameters, cache quantization, flash attention,
// then the optional jinja and draft-model flags.
func (h *Host) buildCommand(desc config.ModelDescriptor) []string {
	p := desc.Params

	flashAttn := "off"
	if p.FlashAttention {
		flashAttn = "on"
	}

	cmd := []string{
		"-m", desc.WeightFilePath,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(serverPort),
		"--ctx-size", strconv.Itoa(int(p.Context)),
		"--temp", formatFloat(p.Temperature),
		"--top-k", strconv.Itoa(p.TopK),
		"--top-p", formatFloat(p.TopP),
		"--min-p", formatFloat(p.MinP),
		"--repeat-penalty", formatFloat(p.RepetitionPenalty),
		"--cache-type-k", p.CacheTypeK,
		"--cache-type-v", p.CacheTypeV,
		"--flash-attn", flashAttn,
		"--no-mmap",
	}

	if p.Jinja {
		cmd = append(cmd, "--jinja")
	}

	if desc.Draft != nil {
		cmd = append(cmd,
			"--model-draft", desc.Draft.WeightFilePath,
			"--cache-type-k-draft", desc.Draft.CacheTypeK,
			"--cache-type-v-draft", desc.Draft.CacheTypeV,
		)
	}

	cmd = append(cmd, p.ExtraFlags...)

	return cmd
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Start starts an already-created container.
func (h *Host) Start(ctx context.Context, containerName string) error {
	h.log.Infof("starting container %s", utils.SanitizeForLog(containerName))
	if err := h.docker.ContainerStart(ctx, containerName, container.StartOptions{}); err != nil {
		return fmt.Errorf("containerhost: start %s: %w", containerName, err)
	}
	return nil
}

// Stop stops a running container without removing it.
func (h *Host) Stop(ctx context.Context, containerName string) error {
	h.log.Infof("stopping container %s", utils.SanitizeForLog(containerName))
	if err := h.docker.ContainerStop(ctx, containerName, container.StopOptions{}); err != nil {
		return fmt.Errorf("containerhost: stop %s: %w", containerName, err)
	}
	return nil
}

// IsRunning reports whether containerName's health state is Starting or
// Healthy.
func (h *Host) IsRunning(ctx context.Context, containerName string) (bool, error) {
	health, err := h.health(ctx, containerName)
	if err != nil {
		return false, err
	}
	return health == healthStarting || health == healthHealthy, nil
}

// IsHealthy reports whether containerName's health state is exactly
// Healthy.
func (h *Host) IsHealthy(ctx context.Context, containerName string) (bool, error) {
	health, err := h.health(ctx, containerName)
	if err != nil {
		return false, err
	}
	return health == healthHealthy, nil
}

func (h *Host) health(ctx context.Context, containerName string) (string, error) {
	info, err := h.docker.ContainerInspect(ctx, containerName)
	if err != nil {
		return "", fmt.Errorf("containerhost: inspect %s: %w", containerName, err)
	}
	if info.State == nil || info.State.Health == nil {
		return healthNone, nil
	}
	return info.State.Health.Status, nil
}
