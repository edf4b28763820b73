package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
	"gopkg.in/yaml.v3"
)

// Service keys in a topology.
const (
	ServiceApp = "app"
	ServiceDB  = "db"
)

// Default images used when settings leave them empty.
const (
	DefaultAppImage     = "nextcloud"
	DefaultMySQLImage   = "mariadb:10.11"
	DefaultPgSQLImage   = "postgres:16"
	defaultRestartMode  = "unless-stopped"
	nextcloudHTTPPort   = 80
	composeTimestampFmt = "20060102_150405"
)

// ComposeConfig describes the instance to synthesize.
type ComposeConfig struct {
	DBType        models.DBType
	Credentials   models.DBCredentials
	HostPort      int
	Version       string // Nextcloud version from config.php, selects the app image tag
	AdminUser     string
	AdminPassword string
	Images        models.RestoreSettings
}

// AppImage picks an image whose major version matches the backed-up instance.
// Nextcloud refuses to downgrade, and skipping majors is unsupported.
func AppImage(repo, version string) string {
	if repo == "" {
		repo = DefaultAppImage
	}
	if strings.Contains(imageName(repo), ":") {
		return repo
	}
	v, err := semver.NewVersion(trimVersion(version))
	if err != nil {
		return repo + ":latest"
	}
	return repo + ":" + strconv.FormatUint(v.Major(), 10)
}

// imageName returns the last path segment of an image reference.
func imageName(repo string) string {
	if i := strings.LastIndex(repo, "/"); i >= 0 {
		return repo[i+1:]
	}
	return repo
}

// trimVersion keeps the first three segments: Nextcloud versions have four.
func trimVersion(v string) string {
	parts := strings.Split(strings.TrimSpace(v), ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, ".")
}

// Compose builds the two-service topology and persists it as a compose
// document under the compose directory. It returns the document path.
func (s *Impl) Compose(cfg ComposeConfig) (*models.Topology, string, error) {
	topo := &models.Topology{
		Services: map[string]models.TopologyService{},
		Networks: map[string]models.TopologyNetwork{
			NetworkName: {Name: NetworkName, Driver: "bridge"},
		},
	}

	app := models.TopologyService{
		Image:         AppImage(cfg.Images.AppImage, cfg.Version),
		ContainerName: AppContainerName,
		Ports:         []string{fmt.Sprintf("%d:%d", cfg.HostPort, nextcloudHTTPPort)},
		Networks:      []string{NetworkName},
		Restart:       defaultRestartMode,
		Environment:   map[string]string{},
	}
	if cfg.AdminUser != "" {
		app.Environment["NEXTCLOUD_ADMIN_USER"] = cfg.AdminUser
		app.Environment["NEXTCLOUD_ADMIN_PASSWORD"] = cfg.AdminPassword
	}

	c := cfg.Credentials
	switch cfg.DBType {
	case models.DBTypeSQLite:
		// the database file travels inside the data tree
	case models.DBTypeMySQL, models.DBTypeMariaDB:
		image := cfg.Images.MySQLImage
		if image == "" {
			image = DefaultMySQLImage
		}
		topo.Services[ServiceDB] = models.TopologyService{
			Image:         image,
			ContainerName: DBContainerName,
			Networks:      []string{NetworkName},
			Restart:       defaultRestartMode,
			Environment: map[string]string{
				"MYSQL_ROOT_PASSWORD": c.Password,
				"MYSQL_DATABASE":      c.Name,
				"MYSQL_USER":          c.User,
				"MYSQL_PASSWORD":      c.Password,
			},
		}
		app.Environment["MYSQL_HOST"] = DBContainerName
		app.DependsOn = []string{ServiceDB}
	case models.DBTypePgSQL:
		image := cfg.Images.PgSQLImage
		if image == "" {
			image = DefaultPgSQLImage
		}
		topo.Services[ServiceDB] = models.TopologyService{
			Image:         image,
			ContainerName: DBContainerName,
			Networks:      []string{NetworkName},
			Restart:       defaultRestartMode,
			Environment: map[string]string{
				"POSTGRES_DB":       c.Name,
				"POSTGRES_USER":     c.User,
				"POSTGRES_PASSWORD": c.Password,
			},
		}
		app.Environment["POSTGRES_HOST"] = DBContainerName
		app.DependsOn = []string{ServiceDB}
	default:
		return nil, "", apperr.New(apperr.KindDatabaseFailure, fmt.Sprintf("unsupported database type %q", cfg.DBType))
	}
	if len(app.Environment) == 0 {
		app.Environment = nil
	}
	topo.Services[ServiceApp] = app

	docPath, err := s.persistTopology(topo)
	if err != nil {
		return nil, "", err
	}
	return topo, docPath, nil
}

func (s *Impl) persistTopology(topo *models.Topology) (string, error) {
	if s.opts.ComposeDir == "" {
		return "", nil
	}
	data, err := yaml.Marshal(topo)
	if err != nil {
		return "", apperr.Wrap(apperr.KindIO, err, "failed to encode topology")
	}
	if err := os.MkdirAll(s.opts.ComposeDir, 0o750); err != nil {
		return "", apperr.Wrap(apperr.KindIO, err, "failed to create compose directory")
	}
	name := fmt.Sprintf("docker-compose-%s.yml", s.now().Format(composeTimestampFmt))
	docPath := filepath.Join(s.opts.ComposeDir, name)
	if err := os.WriteFile(docPath, data, 0o600); err != nil {
		return "", apperr.Wrap(apperr.KindIO, err, "failed to write compose document")
	}
	s.logger.Info().Str("path", docPath).Msg("wrote compose document")
	return docPath, nil
}

// CreateNetwork creates a bridge network, tolerating one that already exists.
func (s *Impl) CreateNetwork(ctx context.Context, name string) error {
	res, err := s.runner.Run(ctx, process.Command{
		Name: s.opts.Settings.Binary,
		Args: []string{"network", "create", "--driver", "bridge", name},
	})
	if err != nil {
		return err
	}
	if res.Success() || strings.Contains(string(res.Stderr), "already exists") {
		return nil
	}
	return s.fail("", 0, string(res.Stderr), fmt.Errorf("docker network create exited with code %d", res.ExitCode))
}

// PullImage pulls an image if it is not present locally.
func (s *Impl) PullImage(ctx context.Context, image string) error {
	res, err := s.runner.Run(ctx, process.Command{
		Name: s.opts.Settings.Binary,
		Args: []string{"image", "inspect", "--format", "{{.Id}}", image},
	})
	if err == nil && res.Success() {
		return nil
	}
	s.logger.Info().Str("image", image).Msg("pulling image")
	_, err = s.docker(ctx, process.Command{Args: []string{"pull", image}}, "")
	return err
}

// CreateService creates (but does not start) the container for one topology service.
func (s *Impl) CreateService(ctx context.Context, topology *models.Topology, service string) error {
	svc, ok := topology.Services[service]
	if !ok {
		return fmt.Errorf("topology has no %q service", service)
	}

	args := []string{"create", "--name", svc.ContainerName}
	for _, n := range svc.Networks {
		args = append(args, "--network", n)
	}
	if svc.Restart != "" {
		args = append(args, "--restart", svc.Restart)
	}
	hostPort := 0
	for _, p := range svc.Ports {
		args = append(args, "-p", p)
		if host, _, found := strings.Cut(p, ":"); found && hostPort == 0 {
			hostPort, _ = strconv.Atoi(host)
		}
	}

	keys := make([]string, 0, len(svc.Environment))
	for k := range svc.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var secrets []string
	for _, k := range keys {
		args = append(args, "-e", k+"="+svc.Environment[k])
		if strings.Contains(k, "PASSWORD") {
			secrets = append(secrets, svc.Environment[k])
		}
	}
	args = append(args, svc.Image)

	s.logger.Info().
		Str("container", svc.ContainerName).
		Str("image", svc.Image).
		Strs("ports", svc.Ports).
		Msg("creating container")

	res, err := s.runner.Run(ctx, process.Command{Name: s.opts.Settings.Binary, Args: args, Secrets: secrets})
	if err != nil {
		return err
	}
	if !res.Success() {
		return s.fail(svc.ContainerName, hostPort, string(res.Stderr),
			fmt.Errorf("docker create exited with code %d", res.ExitCode))
	}
	return nil
}
