package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nstogner/buildfy/pkg/sandbox"
)

const (
	// LabelManager is the label used to identify containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "buildfy"
	// LabelSandboxID carries the sandbox id of a container.
	LabelSandboxID = "sandbox-id"
	// LabelTemplate records the template a container was created from.
	LabelTemplate = "sandbox-template"
	// ReapInterval is how often the Run loop looks for expired sandboxes.
	ReapInterval = 30 * time.Second
	// WorkDir is where relative file paths are resolved.
	WorkDir = "/home/user"
)

// Options configures the docker provider.
type Options struct {
	// Port is the app port exposed on the host for every sandbox.
	Port int
	// KeepAlive is the idle window after which an unreferenced sandbox is removed.
	KeepAlive time.Duration
	// Images maps template names to images. Unknown templates are used as
	// image references directly.
	Images map[string]string
}

// Provider implements sandbox.Provider with one Docker container per sandbox.
type Provider struct {
	client    *client.Client
	port      int
	keepAlive time.Duration
	images    map[string]string

	// deadlines tracks keep-alive expiry per sandbox id. Containers missing
	// from the cache fall back to their creation time.
	deadlines *lru.Cache[string, time.Time]
}

// Verify interface compliance.
var _ sandbox.Provider = (*Provider)(nil)

// New creates a new Docker sandbox provider.
func New(opts Options) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	deadlines, err := lru.New[string, time.Time](4096)
	if err != nil {
		return nil, fmt.Errorf("creating keep-alive cache: %w", err)
	}
	if opts.Port == 0 {
		opts.Port = 3000
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 5 * time.Minute
	}
	return &Provider{
		client:    cli,
		port:      opts.Port,
		keepAlive: opts.KeepAlive,
		images:    opts.Images,
		deadlines: deadlines,
	}, nil
}

func (p *Provider) Name() string { return "docker" }

// Create starts a new container from the template's image.
func (p *Provider) Create(ctx context.Context, template string) (sandbox.Sandbox, error) {
	image := p.imageFor(template)
	if _, _, err := p.client.ImageInspectWithRaw(ctx, image); err != nil {
		return nil, fmt.Errorf("sandbox image '%s' not found: %w", image, err)
	}

	id := uuid.New().String()
	appPort := nat.Port(strconv.Itoa(p.port) + "/tcp")

	cfg := &container.Config{
		Image:      image,
		WorkingDir: WorkDir,
		Labels: map[string]string{
			LabelManager:   LabelManagerValue,
			LabelSandboxID: id,
			LabelTemplate:  template,
		},
		ExposedPorts: nat.PortSet{appPort: {}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			appPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
	}

	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(id))
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	sb, err := p.waitForRunning(ctx, id, resp.ID)
	if err != nil {
		return nil, err
	}
	p.touch(id)
	slog.Info("Sandbox container started", "sandboxID", id, "image", image, "hostPort", sb.hostPorts[p.port])
	return sb, nil
}

// Connect reattaches to a running container and refreshes its keep-alive window.
func (p *Provider) Connect(ctx context.Context, id string) (sandbox.Sandbox, error) {
	c, err := p.client.ContainerInspect(ctx, containerName(id))
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("sandbox %s: %w", id, sandbox.ErrNotFound)
		}
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	if !c.State.Running {
		return nil, fmt.Errorf("sandbox %s is %s: %w", id, c.State.Status, sandbox.ErrNotFound)
	}
	p.touch(id)
	return p.handle(id, c), nil
}

// Destroy stops and removes the sandbox container.
func (p *Provider) Destroy(ctx context.Context, id string) error {
	containers, err := p.listContainers(ctx, filters.Arg("label", LabelSandboxID+"="+id))
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}
	for _, c := range containers {
		p.removeContainer(ctx, c.ID)
	}
	p.deadlines.Remove(id)
	return nil
}

// Run removes managed containers whose keep-alive window expired, unless
// kept lists their id. Blocks until ctx is cancelled.
func (p *Provider) Run(ctx context.Context, kept sandbox.Lister) error {
	slog.Info("Sandbox reaper loop starting", "keepAlive", p.keepAlive)

	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sandbox reaper loop stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := p.reap(ctx, kept); err != nil {
				slog.Error("Reaping sandboxes failed", "error", err)
			}
		}
	}
}

// Close releases the Docker client resources.
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) reap(ctx context.Context, kept sandbox.Lister) error {
	keep := map[string]bool{}
	if kept != nil {
		ids, err := kept.ListSandboxIDs(ctx)
		if err != nil {
			return fmt.Errorf("listing kept sandboxes: %w", err)
		}
		for _, id := range ids {
			keep[id] = true
		}
	}

	containers, err := p.listContainers(ctx)
	if err != nil {
		return fmt.Errorf("listing managed containers: %w", err)
	}

	now := time.Now()
	for _, c := range containers {
		id := c.Labels[LabelSandboxID]
		if keep[id] {
			continue
		}
		deadline, ok := p.deadlines.Get(id)
		if !ok {
			deadline = time.Unix(c.Created, 0).Add(p.keepAlive)
		}
		if now.Before(deadline) {
			continue
		}
		slog.Info("Removing expired sandbox", "sandboxID", id)
		p.removeContainer(ctx, c.ID)
		p.deadlines.Remove(id)
	}
	return nil
}

func (p *Provider) touch(id string) {
	p.deadlines.Add(id, time.Now().Add(p.keepAlive))
}

func (p *Provider) imageFor(template string) string {
	if img, ok := p.images[template]; ok {
		return img
	}
	return template
}

func (p *Provider) waitForRunning(ctx context.Context, id, containerID string) (*Sandbox, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		c, err := p.client.ContainerInspect(timeoutCtx, containerID)
		if err != nil {
			return nil, fmt.Errorf("inspecting container: %w", err)
		}
		if c.State.Running {
			sb := p.handle(id, c)
			if _, ok := sb.hostPorts[p.port]; ok {
				return sb, nil
			}
		}
		select {
		case <-timeoutCtx.Done():
			return nil, fmt.Errorf("timeout waiting for sandbox container %s", id)
		case <-ticker.C:
		}
	}
}

func (p *Provider) handle(id string, c types.ContainerJSON) *Sandbox {
	hostPorts := map[int]string{}
	if c.NetworkSettings != nil {
		for port, bindings := range c.NetworkSettings.Ports {
			if len(bindings) > 0 {
				hostPorts[port.Int()] = bindings[0].HostPort
			}
		}
	}
	return &Sandbox{
		client:      p.client,
		id:          id,
		containerID: c.ID,
		hostPorts:   hostPorts,
	}
}

func (p *Provider) removeContainer(ctx context.Context, containerID string) {
	timeout := 5
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("Failed to stop container", "id", containerID, "error", err)
	}
	if err := p.client.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		slog.Warn("Failed to remove container", "id", containerID, "error", err)
	}
}

func (p *Provider) listContainers(ctx context.Context, extra ...filters.KeyValuePair) ([]types.Container, error) {
	args := append([]filters.KeyValuePair{filters.Arg("label", LabelManager+"="+LabelManagerValue)}, extra...)
	return p.client.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(args...),
	})
}

func containerName(id string) string {
	return "buildfy-sandbox-" + id
}

// Sandbox is a handle to one running container.
type Sandbox struct {
	client      *client.Client
	id          string
	containerID string
	hostPorts   map[int]string
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) ID() string { return s.id }

// Host returns the loopback address mapped to port, or "" if the port is not published.
func (s *Sandbox) Host(port int) string {
	hp, ok := s.hostPorts[port]
	if !ok {
		return ""
	}
	return "127.0.0.1:" + hp
}

// RunCommand executes cmd with a login bash shell inside the container.
func (s *Sandbox) RunCommand(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.CommandResult, error) {
	exec, err := s.client.ContainerExecCreate(ctx, s.containerID, types.ExecConfig{
		Cmd:          []string{"/bin/bash", "-l", "-c", cmd},
		WorkingDir:   WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := s.client.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	outW := teeWriter(&stdout, opts.OnStdout)
	errW := teeWriter(&stderr, opts.OnStderr)

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, attach.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("reading exec output: %w", err)
		}
	}

	inspect, err := s.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}

	res := &sandbox.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}
	if res.ExitCode != 0 {
		return res, &sandbox.CommandError{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	return res, nil
}

// WriteFile copies content into the container as a single-entry tar stream.
func (s *Sandbox) WriteFile(ctx context.Context, p, content string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    resolve(p)[1:],
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := io.WriteString(tw, content); err != nil {
		return fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}

	if err := s.client.CopyToContainer(ctx, s.containerID, "/", &buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying %s to container: %w", p, err)
	}
	return nil
}

// ReadFile copies a single file out of the container.
func (s *Sandbox) ReadFile(ctx context.Context, p string) (string, error) {
	rc, _, err := s.client.CopyFromContainer(ctx, s.containerID, resolve(p))
	if err != nil {
		return "", fmt.Errorf("copying %s from container: %w", p, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	if err != nil {
		return "", fmt.Errorf("reading tar for %s: %w", p, err)
	}
	if hdr.Typeflag == tar.TypeDir {
		return "", fmt.Errorf("%s is a directory", p)
	}
	b, err := io.ReadAll(tr)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", p, err)
	}
	return string(b), nil
}

func resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(WorkDir, p)
}

func teeWriter(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}
