package builder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// DefaultDockerImage is the image builds run in
	DefaultDockerImage = "golang:1.24"

	// DefaultMemoryLimit is the memory limit for build containers
	DefaultMemoryLimit = int64(1024 * 1024 * 1024)

	// DefaultCPULimit is the CPU limit for build containers
	DefaultCPULimit = 2.0
)

// DockerOptions configures a DockerToolchain
type DockerOptions struct {
	Image       string
	MemoryLimit int64
	CPULimit    float64
}

// DockerToolchain runs the go command inside a container with the project
// directory bind-mounted as the working directory
type DockerToolchain struct {
	client *client.Client
	opts   DockerOptions

	mu         sync.Mutex
	imageCache map[string]bool
}

// NewDockerToolchain connects to the Docker daemon from the environment
func NewDockerToolchain(opts DockerOptions) (*DockerToolchain, error) {
	if opts.Image == "" {
		opts.Image = DefaultDockerImage
	}
	if opts.MemoryLimit == 0 {
		opts.MemoryLimit = DefaultMemoryLimit
	}
	if opts.CPULimit == 0 {
		opts.CPULimit = DefaultCPULimit
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDockerNotAvailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %v", ErrDockerNotAvailable, err)
	}

	return &DockerToolchain{
		client:     cli,
		opts:       opts,
		imageCache: make(map[string]bool),
	}, nil
}

// Run executes the invocation in a fresh container and waits for it to exit.
// The container is removed afterwards.
func (t *DockerToolchain) Run(ctx context.Context, inv *Invocation) (*Result, error) {
	if err := t.pullImage(ctx, t.opts.Image); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}

	dir, err := filepath.Abs(inv.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}

	config := &container.Config{
		Image:      t.opts.Image,
		Cmd:        append([]string{"go"}, inv.Args...),
		Env:        append([]string{"HOME=/tmp", "GOCACHE=/tmp/go-build", "GOMODCACHE=/tmp/go/pkg/mod"}, inv.Env...),
		WorkingDir: "/workspace",
		// Output files must be owned by the invoking user
		User:         fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		AttachStdout: true,
		AttachStderr: true,
	}
	hostConfig := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:/workspace", dir)},
		Resources: container.Resources{
			Memory:   t.opts.MemoryLimit,
			NanoCPUs: int64(t.opts.CPULimit * 1e9),
		},
	}

	resp, err := t.client.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create container: %v", ErrToolchainUnavailable, err)
	}
	defer func() {
		// The build context may already be cancelled
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		t.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	}()

	start := time.Now()
	if err := t.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: start failed: %v", ErrToolchainUnavailable, err)
	}

	result := &Result{}
	statusCh, errCh := t.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			if ctx.Err() != nil {
				// Reported to the builder as a killed process
				result.ExitCode = -1
				result.Duration = time.Since(start)
				return result, nil
			}
			return nil, fmt.Errorf("%w: wait failed: %v", ErrToolchainUnavailable, err)
		}
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	}
	result.Duration = time.Since(start)

	logs, err := t.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err == nil {
		var stdout, stderr bytes.Buffer
		stdcopy.StdCopy(&stdout, &stderr, logs)
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		logs.Close()
	}

	return result, nil
}

func (t *DockerToolchain) pullImage(ctx context.Context, imageRef string) error {
	t.mu.Lock()
	cached := t.imageCache[imageRef]
	t.mu.Unlock()
	if cached {
		return nil
	}

	if _, err := t.client.ImageInspect(ctx, imageRef); err != nil {
		pullCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()

		reader, err := t.client.ImagePull(pullCtx, imageRef, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %v", imageRef, err)
		}
		defer reader.Close()

		// Read pull output to completion
		io.Copy(io.Discard, reader)
	}

	t.mu.Lock()
	t.imageCache[imageRef] = true
	t.mu.Unlock()
	return nil
}

// Close releases the Docker client
func (t *DockerToolchain) Close() error {
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}
