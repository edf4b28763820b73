// Package docker controls the Nextcloud app and database containers through the
// Docker Engine API and the docker CLI.
package docker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/progress"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
	"github.com/rs/zerolog"
)

// Deterministic names of a restored instance.
const (
	AppContainerName = "nextcloud-app"
	DBContainerName  = "nextcloud-db"
	NetworkName      = "nextcloud-net"
)

// DefaultWebRoot is the Nextcloud installation directory inside the app image.
const DefaultWebRoot = "/var/www/html"

// WebUser owns the Nextcloud tree inside the app container.
const WebUser = "www-data"

// APIClient is the subset of the Docker Engine API used by the controller.
type APIClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// HTTPClient allows mocking readiness probes.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Service defines the container operations used by the engines.
type Service interface {
	EnsureAvailable(ctx context.Context) error
	ListNextcloud(ctx context.Context) ([]models.ContainerInfo, error)
	Inspect(ctx context.Context, name string) (*models.ContainerInfo, error)
	Exists(ctx context.Context, name string) (bool, error)
	DetectConfig(ctx context.Context, container string) (models.NextcloudConfig, error)

	Exec(ctx context.Context, container string, cmd process.Command) (*process.Result, error)
	ExecAs(ctx context.Context, container, user string, cmd process.Command) (*process.Result, error)
	CopyInto(ctx context.Context, container, hostSrc, containerDest string, sink progress.Sink) error
	CopyOut(ctx context.Context, container, containerSrc, hostDest string) error
	ReadFile(ctx context.Context, container, containerPath string) ([]byte, error)
	WriteFile(ctx context.Context, container, containerPath string, content []byte) error
	Chown(ctx context.Context, container, containerPath string) error

	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Remove(ctx context.Context, names ...string) error

	Compose(cfg ComposeConfig) (*models.Topology, string, error)
	CreateNetwork(ctx context.Context, name string) error
	PullImage(ctx context.Context, image string) error
	CreateService(ctx context.Context, topology *models.Topology, service string) error
	WaitReady(ctx context.Context, url string, timeout time.Duration) error
}

// Options configures the controller.
type Options struct {
	Settings      models.DockerSettings
	ComposeDir    string    // where topology documents are persisted
	ErrorLog      io.Writer // receives one JSON line per classified failure
	ErrorLogPath  string
	StartAttempts int
	StartInterval time.Duration
}

// Impl implements the container Service.
type Impl struct {
	api        APIClient
	runner     process.Runner
	httpClient HTTPClient
	logger     zerolog.Logger
	errLog     zerolog.Logger
	opts       Options
	goos       string
	now        func() time.Time
	pollEvery  time.Duration
}

// New creates a controller talking to the daemon configured in the environment.
func New(logger zerolog.Logger, runner process.Runner, opts Options) (*Impl, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	httpClient := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return NewWithClients(logger, cli, runner, httpClient, opts), nil
}

// NewWithClients creates a controller with custom clients (for testing).
func NewWithClients(logger zerolog.Logger, api APIClient, runner process.Runner, httpClient HTTPClient, opts Options) *Impl {
	if opts.Settings.Binary == "" {
		opts.Settings.Binary = "docker"
	}
	if opts.Settings.WebRoot == "" {
		opts.Settings.WebRoot = DefaultWebRoot
	}
	if opts.StartAttempts <= 0 {
		opts.StartAttempts = 30
	}
	if opts.StartInterval <= 0 {
		opts.StartInterval = 3 * time.Second
	}
	errOut := opts.ErrorLog
	if errOut == nil {
		errOut = io.Discard
	}
	return &Impl{
		api:        api,
		runner:     runner,
		httpClient: httpClient,
		logger:     logger,
		errLog:     zerolog.New(errOut).With().Timestamp().Logger(),
		opts:       opts,
		goos:       runtime.GOOS,
		now:        time.Now,
		pollEvery:  2 * time.Second,
	}
}

// WebRoot returns the Nextcloud directory inside the app container.
func (s *Impl) WebRoot() string {
	return s.opts.Settings.WebRoot
}

// docker runs the docker CLI. Non-zero exits are returned as classified failures.
func (s *Impl) docker(ctx context.Context, cmd process.Command, containerName string) (*process.Result, error) {
	cmd.Name = s.opts.Settings.Binary
	res, err := s.runner.Run(ctx, cmd)
	if err != nil {
		if apperr.Is(err, apperr.KindToolMissing) {
			return nil, apperr.ToolMissing("docker", "Install Docker Desktop or the docker CLI", "https://docs.docker.com/get-docker/")
		}
		return nil, err
	}
	if !res.Success() {
		return res, s.fail(containerName, 0, string(res.Stderr), fmt.Errorf("docker %s exited with code %d", firstArg(cmd.Args), res.ExitCode))
	}
	return res, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// fail classifies stderr, appends it to the error log and returns the error.
func (s *Impl) fail(containerName string, port int, stderr string, cause error) error {
	f := Classify(stderr, port)
	f.Container = containerName
	f.LogPath = s.opts.ErrorLogPath
	s.errLog.Error().
		Str("kind", string(f.Kind)).
		Str("container", containerName).
		Int("port", f.Port).
		Ints("alternative_ports", f.AlternativePorts).
		Str("stderr", strings.TrimSpace(stderr)).
		Err(cause).
		Msg("container operation failed")
	s.logger.Warn().Str("kind", string(f.Kind)).Str("container", containerName).Err(cause).Msg("container operation failed")
	if detail := strings.TrimSpace(stderr); detail != "" && detail != cause.Error() {
		cause = fmt.Errorf("%w: %s", cause, detail)
	}
	return apperr.Container(f, cause)
}

// ListNextcloud enumerates running containers whose image is a Nextcloud image.
func (s *Impl) ListNextcloud(ctx context.Context) ([]models.ContainerInfo, error) {
	containers, err := s.api.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, s.fail("", 0, err.Error(), err)
	}

	var out []models.ContainerInfo
	for _, c := range containers {
		if !isNextcloudImage(c.Image) {
			continue
		}
		info := models.ContainerInfo{
			ID:    c.ID,
			Name:  containerName(c.Names),
			Image: c.Image,
			State: c.State,
			Ports: map[int]int{},
		}
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				info.Ports[int(p.PublicPort)] = int(p.PrivatePort)
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	s.logger.Debug().Int("count", len(out)).Msg("listed nextcloud containers")
	return out, nil
}

// isNextcloudImage matches images whose repository base name starts with "nextcloud".
func isNextcloudImage(image string) bool {
	if i := strings.Index(image, "@"); i >= 0 {
		image = image[:i]
	}
	base := path.Base(image)
	if i := strings.Index(base, ":"); i >= 0 {
		base = base[:i]
	}
	return strings.HasPrefix(strings.ToLower(base), "nextcloud")
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// Inspect returns details for a container by name or ID.
func (s *Impl) Inspect(ctx context.Context, name string) (*models.ContainerInfo, error) {
	c, err := s.api.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, apperr.Wrap(apperr.KindContainerFailure, err, fmt.Sprintf("container %s not found", name))
		}
		return nil, s.fail(name, 0, err.Error(), err)
	}
	if c.ContainerJSONBase == nil {
		return nil, apperr.New(apperr.KindContainerFailure, fmt.Sprintf("container %s returned no details", name))
	}
	info := &models.ContainerInfo{
		ID:    c.ID,
		Name:  strings.TrimPrefix(c.Name, "/"),
		Ports: map[int]int{},
	}
	if c.Config != nil {
		info.Image = c.Config.Image
	}
	if c.State != nil {
		info.State = c.State.Status
	}
	if c.NetworkSettings != nil {
		for cport, bindings := range c.NetworkSettings.Ports {
			for _, b := range bindings {
				var host int
				if _, err := fmt.Sscanf(b.HostPort, "%d", &host); err == nil && host > 0 {
					info.Ports[host] = cport.Int()
				}
			}
		}
	}
	return info, nil
}

// Exists reports whether a container with the given name exists in any state.
func (s *Impl) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.api.ContainerInspect(ctx, name)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, s.fail(name, 0, err.Error(), err)
}

// Start starts a created or stopped container.
func (s *Impl) Start(ctx context.Context, name string) error {
	s.logger.Info().Str("container", name).Msg("starting container")
	if err := s.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return s.fail(name, 0, err.Error(), err)
	}
	return nil
}

// Stop stops a running container.
func (s *Impl) Stop(ctx context.Context, name string) error {
	s.logger.Info().Str("container", name).Msg("stopping container")
	if err := s.api.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return s.fail(name, 0, err.Error(), err)
	}
	return nil
}

// Restart restarts a container.
func (s *Impl) Restart(ctx context.Context, name string) error {
	s.logger.Info().Str("container", name).Msg("restarting container")
	if err := s.api.ContainerRestart(ctx, name, container.StopOptions{}); err != nil {
		return s.fail(name, 0, err.Error(), err)
	}
	return nil
}

// Remove force-removes containers, ignoring ones that do not exist.
func (s *Impl) Remove(ctx context.Context, names ...string) error {
	var firstErr error
	for _, name := range names {
		if name == "" {
			continue
		}
		err := s.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !client.IsErrNotFound(err) {
			s.logger.Warn().Str("container", name).Err(err).Msg("failed to remove container")
			if firstErr == nil {
				firstErr = apperr.Wrap(apperr.KindContainerFailure, err, "failed to remove container "+name)
			}
			continue
		}
		s.logger.Info().Str("container", name).Msg("removed container")
	}
	return firstErr
}

// Exec runs cmd inside container. Env entries become -e flags and a non-nil
// Stdin attaches the container's stdin.
func (s *Impl) Exec(ctx context.Context, containerName string, cmd process.Command) (*process.Result, error) {
	return s.ExecAs(ctx, containerName, "", cmd)
}

// ExecAs is Exec as a specific user.
func (s *Impl) ExecAs(ctx context.Context, containerName, user string, cmd process.Command) (*process.Result, error) {
	args := []string{"exec"}
	if cmd.Stdin != nil {
		args = append(args, "-i")
	}
	if user != "" {
		args = append(args, "-u", user)
	}
	for _, e := range cmd.Env {
		args = append(args, "-e", e)
	}
	args = append(args, containerName, cmd.Name)
	args = append(args, cmd.Args...)

	s.logger.Debug().
		Str("container", containerName).
		Strs("args", process.MaskArgs(append([]string{cmd.Name}, cmd.Args...), cmd.Secrets)).
		Msg("docker exec")

	res, err := s.runner.Run(ctx, process.Command{
		Name:    s.opts.Settings.Binary,
		Args:    args,
		Stdin:   cmd.Stdin,
		Stdout:  cmd.Stdout,
		Timeout: cmd.Timeout,
		Secrets: cmd.Secrets,
	})
	if err != nil && apperr.Is(err, apperr.KindToolMissing) {
		return nil, apperr.ToolMissing("docker", "Install Docker Desktop or the docker CLI", "https://docs.docker.com/get-docker/")
	}
	return res, err
}
