// Package config provides application settings parsing and per-user paths.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. NCRESTORE_DOCKER_BINARY.
const EnvPrefix = "NCRESTORE"

// SettingsFile is the optional settings file in the app-data directory.
const SettingsFile = "settings.yaml"

// Parser handles settings parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new settings parser with defaults and env overrides.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("docker.binary", "docker")
	v.SetDefault("docker.desktop_path", "")
	v.SetDefault("docker.web_root", "/var/www/html")
	v.SetDefault("timeouts.admin_query", 10*time.Second)
	v.SetDefault("timeouts.readiness", 60*time.Second)
	v.SetDefault("timeouts.agent_query", 15*time.Second)
	v.SetDefault("timeouts.docker_start_attempts", 30)
	v.SetDefault("timeouts.docker_start_interval", 3*time.Second)
	v.SetDefault("restore.app_image", "nextcloud")
	v.SetDefault("restore.db_images.mysql", "mariadb:10.11")
	v.SetDefault("restore.db_images.pgsql", "postgres:16")
	v.SetDefault("logging.dir", "")
	return &Parser{v: v}
}

// LoadFile loads settings from path. A missing file yields the defaults.
func (p *Parser) LoadFile(path string) (*models.AppSettings, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading settings file: %w", err)
		}
	}

	return p.parse()
}

// LoadReader loads settings from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.AppSettings, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	return p.parse()
}

// Defaults returns the settings with nothing loaded.
func (p *Parser) Defaults() (*models.AppSettings, error) {
	return p.parse()
}

func (p *Parser) parse() (*models.AppSettings, error) {
	cfg := &models.AppSettings{
		Docker: models.DockerSettings{
			Binary:      p.expandEnv(p.v.GetString("docker.binary")),
			DesktopPath: p.expandEnv(p.v.GetString("docker.desktop_path")),
			WebRoot:     p.v.GetString("docker.web_root"),
		},
		Timeouts: models.TimeoutSettings{
			AdminQuery:          p.v.GetDuration("timeouts.admin_query"),
			Readiness:           p.v.GetDuration("timeouts.readiness"),
			AgentQuery:          p.v.GetDuration("timeouts.agent_query"),
			DockerStartAttempts: p.v.GetInt("timeouts.docker_start_attempts"),
			DockerStartInterval: p.v.GetDuration("timeouts.docker_start_interval"),
		},
		Restore: models.RestoreSettings{
			AppImage:   p.v.GetString("restore.app_image"),
			MySQLImage: p.v.GetString("restore.db_images.mysql"),
			PgSQLImage: p.v.GetString("restore.db_images.pgsql"),
		},
		LogDir: p.expandEnv(p.v.GetString("logging.dir")),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded settings.
func Validate(cfg *models.AppSettings) error {
	if cfg == nil {
		return fmt.Errorf("settings are nil")
	}

	if cfg.Docker.Binary == "" {
		return fmt.Errorf("docker.binary must not be empty")
	}

	if !strings.HasPrefix(cfg.Docker.WebRoot, "/") {
		return fmt.Errorf("docker.web_root must be an absolute container path")
	}

	durations := map[string]time.Duration{
		"timeouts.admin_query":           cfg.Timeouts.AdminQuery,
		"timeouts.readiness":             cfg.Timeouts.Readiness,
		"timeouts.agent_query":           cfg.Timeouts.AgentQuery,
		"timeouts.docker_start_interval": cfg.Timeouts.DockerStartInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if cfg.Timeouts.DockerStartAttempts < 1 {
		return fmt.Errorf("timeouts.docker_start_attempts must be at least 1")
	}

	return nil
}
