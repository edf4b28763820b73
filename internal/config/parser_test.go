package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_Defaults(t *testing.T) {
	cfg, err := NewParser().Defaults()

	require.NoError(t, err)
	assert.Equal(t, "docker", cfg.Docker.Binary)
	assert.Equal(t, "/var/www/html", cfg.Docker.WebRoot)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.AdminQuery)
	assert.Equal(t, 60*time.Second, cfg.Timeouts.Readiness)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.AgentQuery)
	assert.Equal(t, 30, cfg.Timeouts.DockerStartAttempts)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.DockerStartInterval)
	assert.Equal(t, "nextcloud", cfg.Restore.AppImage)
	assert.Equal(t, "mariadb:10.11", cfg.Restore.MySQLImage)
	assert.Equal(t, "postgres:16", cfg.Restore.PgSQLImage)
	assert.Empty(t, cfg.LogDir)
}

func TestParser_LoadReader_FullSettings(t *testing.T) {
	yaml := `
docker:
  binary: "/opt/docker/bin/docker"
  desktop_path: "/Applications/Docker.app"
timeouts:
  admin_query: 20s
  readiness: 2m
  agent_query: 5s
  docker_start_attempts: 10
  docker_start_interval: 1s
restore:
  app_image: "registry.local/nextcloud"
  db_images:
    mysql: "mysql:8"
    pgsql: "postgres:15"
logging:
  dir: "/var/log/nextcloud-restore"
`
	cfg, err := NewParser().LoadReader(yaml)

	require.NoError(t, err)
	assert.Equal(t, "/opt/docker/bin/docker", cfg.Docker.Binary)
	assert.Equal(t, "/Applications/Docker.app", cfg.Docker.DesktopPath)
	assert.Equal(t, 20*time.Second, cfg.Timeouts.AdminQuery)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Readiness)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.AgentQuery)
	assert.Equal(t, 10, cfg.Timeouts.DockerStartAttempts)
	assert.Equal(t, time.Second, cfg.Timeouts.DockerStartInterval)
	assert.Equal(t, "registry.local/nextcloud", cfg.Restore.AppImage)
	assert.Equal(t, "mysql:8", cfg.Restore.MySQLImage)
	assert.Equal(t, "postgres:15", cfg.Restore.PgSQLImage)
	assert.Equal(t, "/var/log/nextcloud-restore", cfg.LogDir)
}

func TestParser_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_DOCKER_HOME", "/custom")

	yaml := `
docker:
  binary: "${TEST_DOCKER_HOME}/docker"
`
	cfg, err := NewParser().LoadReader(yaml)

	require.NoError(t, err)
	assert.Equal(t, "/custom/docker", cfg.Docker.Binary)
}

func TestParser_EnvOverride(t *testing.T) {
	t.Setenv("NCRESTORE_TIMEOUTS_READINESS", "90s")

	cfg, err := NewParser().LoadReader("docker:\n  binary: docker\n")

	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.Readiness)
}

func TestParser_InvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty binary", "docker:\n  binary: \"\"\n"},
		{"relative web root", "docker:\n  web_root: html\n"},
		{"zero attempts", "timeouts:\n  docker_start_attempts: 0\n"},
		{"negative readiness", "timeouts:\n  readiness: -1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser().LoadReader(tt.yaml)
			assert.Error(t, err)
		})
	}
}

func TestParser_LoadFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := NewParser().LoadFile(filepath.Join(dir, "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "docker", cfg.Docker.Binary)
	})

	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(dir, SettingsFile)
		require.NoError(t, os.WriteFile(path, []byte("restore:\n  app_image: nc\n"), 0o600))

		cfg, err := NewParser().LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "nc", cfg.Restore.AppImage)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("docker: [unclosed\n"), 0o600))

		_, err := NewParser().LoadFile(path)
		assert.Error(t, err)
	})
}

func TestValidate_Nil(t *testing.T) {
	assert.Error(t, Validate(nil))
}

func TestResolvePaths(t *testing.T) {
	appData := t.TempDir()
	t.Setenv(AppDataEnv, appData)

	paths, err := ResolvePaths("/tmp/logs")
	require.NoError(t, err)
	assert.Equal(t, appData, paths.AppData)
	assert.Equal(t, filepath.Join(appData, "settings.yaml"), paths.Settings)
	assert.Equal(t, filepath.Join(appData, "backup_history.db"), paths.HistoryDB)
	assert.Equal(t, filepath.Join(appData, "compose"), paths.ComposeDir)
	assert.Equal(t, "/tmp/logs", paths.LogDir)
}

func TestResolvePaths_DefaultLogDir(t *testing.T) {
	t.Setenv(AppDataEnv, t.TempDir())
	home := t.TempDir()
	t.Setenv("HOME", home)

	paths, err := ResolvePaths("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "Documents", "NextcloudLogs"), paths.LogDir)
}

func TestLoad_UsesAppData(t *testing.T) {
	appData := t.TempDir()
	t.Setenv(AppDataEnv, appData)
	logDir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, os.WriteFile(filepath.Join(appData, SettingsFile),
		[]byte("logging:\n  dir: "+logDir+"\n"), 0o600))

	settings, paths, err := Load()
	require.NoError(t, err)
	assert.Equal(t, logDir, settings.LogDir)
	assert.Equal(t, logDir, paths.LogDir)

	require.NoError(t, paths.Ensure())
	for _, dir := range []string{paths.AppData, paths.ComposeDir, paths.LogDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
