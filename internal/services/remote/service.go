// Package remote publishes the Nextcloud port through the Tailscale mesh and
// keeps trusted_domains in step with the agent's address and name.
package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"path"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/services/docker"
	"github.com/fgeck/nextcloud-restore/internal/services/phpconfig"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
	"github.com/rs/zerolog"
)

// ServePort is the HTTPS port the agent serves on.
const ServePort = 443

// Service defines the remote access operations.
type Service interface {
	Agent(ctx context.Context) (*models.AgentInfo, error)
	Publish(ctx context.Context, hostPort int) error
	Unpublish(ctx context.Context) error
	SyncTrustedDomains(ctx context.Context, container string) (*models.SyncResult, error)
	Health(ctx context.Context, container string) *models.HealthReport
}

// HTTPClient allows mocking reachability probes.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the remote Service.
type Impl struct {
	runner     process.Runner
	docker     docker.Service
	httpClient HTTPClient
	logger     zerolog.Logger
	webRoot    string
	goos       string
	timeout    time.Duration

	fileExists  func(string) bool
	registryDir func() string

	mu     sync.Mutex
	binary string
}

// New creates a remote access service. A zero timeout uses DefaultAgentTimeout.
func New(logger zerolog.Logger, runner process.Runner, dockerSvc docker.Service, webRoot string, timeout time.Duration) *Impl {
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			// the IP endpoint never matches the agent's certificate
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // reachability probe only
		},
	}
	return NewWithClient(logger, runner, dockerSvc, client, webRoot, timeout)
}

// NewWithClient creates a remote access service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, runner process.Runner, dockerSvc docker.Service, client HTTPClient, webRoot string, timeout time.Duration) *Impl {
	if webRoot == "" {
		webRoot = docker.DefaultWebRoot
	}
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}
	return &Impl{
		runner:      runner,
		docker:      dockerSvc,
		httpClient:  client,
		logger:      logger,
		webRoot:     webRoot,
		goos:        runtime.GOOS,
		timeout:     timeout,
		fileExists:  fileExists,
		registryDir: installDirFromRegistry,
	}
}

// PublishArgs returns the agent argv that serves hostPort over HTTPS.
func PublishArgs(hostPort int) []string {
	return []string{"serve", "--bg", "--https=" + strconv.Itoa(ServePort), "http://localhost:" + strconv.Itoa(hostPort)}
}

// Publish exposes the Nextcloud host port on the mesh over HTTPS.
func (s *Impl) Publish(ctx context.Context, hostPort int) error {
	if hostPort <= 0 || hostPort > 65535 {
		return fmt.Errorf("invalid port %d", hostPort)
	}
	res, err := s.agent(ctx, PublishArgs(hostPort)...)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%s serve failed with code %d: %s", AgentBinary, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	s.logger.Info().Int("port", hostPort).Msg("nextcloud published on the mesh")
	return nil
}

// Unpublish stops serving the HTTPS endpoint.
func (s *Impl) Unpublish(ctx context.Context) error {
	res, err := s.agent(ctx, "serve", "--https="+strconv.Itoa(ServePort), "off")
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%s serve off failed with code %d: %s", AgentBinary, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	s.logger.Info().Msg("mesh endpoint removed")
	return nil
}

// SyncTrustedDomains adds the agent's IP and hostname to trusted_domains in the
// container's config.php. Existing entries are kept. The container is
// restarted only when the list changed.
func (s *Impl) SyncTrustedDomains(ctx context.Context, container string) (*models.SyncResult, error) {
	info, err := s.Agent(ctx)
	if err != nil {
		return nil, err
	}
	if !info.Running() {
		return nil, fmt.Errorf("%s is not running (state %q)", AgentBinary, info.BackendState)
	}

	configPath := path.Join(s.webRoot, "config", "config.php")
	raw, err := s.docker.ReadFile(ctx, container, configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config.php: %w", err)
	}
	doc, err := phpconfig.Parse(raw)
	if err != nil {
		return nil, err
	}

	result := &models.SyncResult{Before: doc.TrustedDomains()}
	for _, domain := range []string{info.IP, info.Hostname} {
		if domain == "" {
			continue
		}
		added, err := doc.AddTrustedDomain(domain)
		if err != nil {
			return nil, fmt.Errorf("adding trusted domain %q: %w", domain, err)
		}
		if added {
			result.Added = append(result.Added, domain)
		}
	}
	result.After = doc.TrustedDomains()

	if len(result.Added) == 0 {
		s.logger.Info().Str("container", container).Msg("trusted domains already up to date")
		return result, nil
	}

	if err := s.docker.WriteFile(ctx, container, configPath, doc.Bytes()); err != nil {
		return nil, fmt.Errorf("writing config.php: %w", err)
	}
	if err := s.docker.Chown(ctx, container, configPath); err != nil {
		return nil, err
	}
	if err := s.docker.Restart(ctx, container); err != nil {
		return nil, err
	}
	result.Restarted = true

	s.logger.Info().
		Str("container", container).
		Strs("added", result.Added).
		Msg("trusted domains updated")
	return result, nil
}

// Health runs the four remote-access probes. Each probe is independent.
func (s *Impl) Health(ctx context.Context, container string) *models.HealthReport {
	report := &models.HealthReport{}

	info, err := s.Agent(ctx)
	switch {
	case err != nil:
		report.AgentRunning.Hint = "Install Tailscale from " + downloadURL + " and sign in"
	case !info.Running():
		report.AgentRunning.Hint = "Start Tailscale and run 'tailscale up' to connect this machine"
	default:
		report.AgentRunning.OK = true
	}

	if c, err := s.docker.Inspect(ctx, container); err == nil && c.HostPortFor(80) > 0 {
		report.NextcloudPortDetected.OK = true
	} else {
		report.NextcloudPortDetected.Hint = fmt.Sprintf("Start %s with container port 80 published on the host", container)
	}

	var ip, hostname string
	if info != nil {
		ip, hostname = info.IP, info.Hostname
	}
	report.IPReachable = s.probe(ctx, ip,
		"No Tailscale IP assigned; connect the agent first",
		"Publish the port with 'nextcloud-restore remote serve' and check the local firewall")
	report.HostnameReachable = s.probe(ctx, hostname,
		"No Tailscale hostname assigned; enable MagicDNS in the admin console",
		"Enable HTTPS certificates for the tailnet and sync trusted domains")
	return report
}

// probe reports whether https://host answers at all within the timeout.
func (s *Impl) probe(ctx context.Context, host, missingHint, unreachableHint string) models.ProbeFlag {
	if host == "" {
		return models.ProbeFlag{Hint: missingHint}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	url := "https://" + host
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.ProbeFlag{Hint: unreachableHint}
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Debug().Err(err).Str("url", url).Msg("reachability probe failed")
		return models.ProbeFlag{Hint: unreachableHint}
	}
	_ = resp.Body.Close()
	return models.ProbeFlag{OK: true}
}
