package build

import (
	"cdpipeline/internal/artifact"
	"cdpipeline/internal/observability"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerRunner runs builds in containers on the host Docker daemon.
type DockerRunner struct {
	client  *client.Client
	cfg     Config
	metrics *observability.Metrics
}

// NewDockerRunner connects to the daemon configured by the DOCKER_* environment.
// metrics may be nil.
func NewDockerRunner(cfg Config, metrics *observability.Metrics) (*DockerRunner, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRunner{client: dockerClient, cfg: cfg.withDefaults(), metrics: metrics}, nil
}

// Run implements Runner. The container is removed whatever the outcome.
func (r *DockerRunner) Run(ctx context.Context, req *Request, out io.Writer) (*Result, error) {
	logger := slog.With("component", "build-docker", "runId", req.RunID, "action", req.Action, "image", req.Image)

	if r.cfg.PullImages {
		if err := r.pullImageIfNeeded(ctx, req.Image); err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", req.Image, err)
		}
	}

	containerID, err := r.createBuildContainer(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create build container: %w", err)
	}
	defer r.removeContainer(context.WithoutCancel(ctx), containerID)

	if req.Source != nil {
		if err := r.client.CopyToContainer(ctx, containerID, r.cfg.Workspace, req.Source, container.CopyToContainerOptions{}); err != nil {
			return nil, fmt.Errorf("failed to copy source into workspace: %w", err)
		}
	}

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start build container: %w", err)
	}
	start := time.Now()
	if r.metrics != nil {
		r.metrics.RecordBuildStarted(context.WithoutCancel(ctx), req.Image)
	}
	logger.Info("Build container started", "containerId", containerID[:12])

	logCtx, logCancel := context.WithCancel(ctx)
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		r.streamLogs(logCtx, logger, containerID)
	}()

	exitCode, exitErr := r.waitForExit(ctx, containerID)
	logCancel()
	<-logDone

	if r.metrics != nil {
		success := exitCode == 0 && exitErr == nil
		r.metrics.RecordBuildCompleted(context.WithoutCancel(ctx), req.Image, success, time.Since(start).Seconds())
	}
	if exitErr != nil {
		return nil, exitErr
	}
	if exitCode != 0 {
		return &Result{ExitCode: exitCode}, &ExitError{Code: exitCode}
	}

	if err := r.copyOutput(ctx, containerID, req.OutputDir, out); err != nil {
		return nil, err
	}
	return &Result{ExitCode: 0}, nil
}

// copyOutput streams OutputDir (or the whole workspace) out of the container.
// The archive's top-level entry is the copied directory itself and is stripped.
func (r *DockerRunner) copyOutput(ctx context.Context, containerID, outputDir string, out io.Writer) error {
	src := r.cfg.Workspace
	if outputDir != "" {
		src = path.Join(r.cfg.Workspace, outputDir)
	}
	rc, _, err := r.client.CopyFromContainer(ctx, containerID, src)
	if err != nil {
		return fmt.Errorf("failed to copy %s from build container: %w", src, err)
	}
	defer rc.Close()

	return artifact.Repack(out, rc, artifact.RepackOptions{StripComponents: 1})
}

func (r *DockerRunner) createBuildContainer(ctx context.Context, req *Request) (string, error) {
	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	commands := req.Commands
	if len(commands) == 0 && r.cfg.DefaultCommand != "" {
		commands = []string{r.cfg.DefaultCommand}
	}
	var cmd []string
	if len(commands) > 0 {
		cmd = []string{"/bin/sh", "-c", "set -e\n" + strings.Join(commands, "\n")}
	}

	containerConfig := &container.Config{
		Image:      req.Image,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: r.cfg.Workspace,
		Labels: map[string]string{
			"pipeline.run":    req.RunID,
			"pipeline.action": req.Action,
			"build.project":   req.Project,
			"managed-by":      "cdpipeline",
		},
	}

	hostConfig := &container.HostConfig{
		ExtraHosts:  r.cfg.ExtraHosts,
		NetworkMode: container.NetworkMode(r.cfg.Network),
		Resources: container.Resources{
			NanoCPUs: int64(req.Profile.CPUs * 1e9),
			Memory:   int64(req.Profile.MemoryMB) * 1024 * 1024,
		},
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// streamLogs forwards the container's multiplexed output to the logger line by line.
func (r *DockerRunner) streamLogs(ctx context.Context, logger *slog.Logger, containerID string) {
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Error("Failed to get container logs", "error", err)
		return
	}
	defer logs.Close()

	header := make([]byte, 8)
	for ctx.Err() == nil {
		if _, err := io.ReadFull(logs, header); err != nil {
			if err != io.EOF && ctx.Err() == nil {
				logger.Debug("Log stream ended", "error", err)
			}
			return
		}

		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(logs, payload); err != nil {
			logger.Debug("Failed to read log payload", "error", err)
			return
		}

		stream := "stdout"
		if header[0] == 2 {
			stream = "stderr"
		}
		for _, line := range splitLines(string(payload)) {
			logger.Info("Build output", "stream", stream, "line", line)
		}
	}
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func (r *DockerRunner) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (r *DockerRunner) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := r.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (r *DockerRunner) removeContainer(ctx context.Context, containerID string) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RemoveTimeout)
	defer cancel()
	stopTimeout := 5
	_ = r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	_ = r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// Sweep removes build containers left behind by a previous process.
func (r *DockerRunner) Sweep(ctx context.Context) (int, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "managed-by=cdpipeline")),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		r.removeContainer(ctx, c.ID)
	}
	if len(containers) > 0 {
		slog.Info("Removed stale build containers", "count", len(containers))
	}
	return len(containers), nil
}

// Ready checks that the Docker daemon is reachable.
func (r *DockerRunner) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.client.Close()
}

var _ Runner = (*DockerRunner)(nil)
