//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/config"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/progress"
	"github.com/fgeck/nextcloud-restore/internal/services/archive"
	"github.com/fgeck/nextcloud-restore/internal/services/backup"
	"github.com/fgeck/nextcloud-restore/internal/services/database"
	"github.com/fgeck/nextcloud-restore/internal/services/docker"
	"github.com/fgeck/nextcloud-restore/internal/services/history"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
	"github.com/fgeck/nextcloud-restore/internal/services/restore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBackupRestoreRoundTrip_E2E backs up a running Nextcloud container and
// restores the archive into a fresh container pair on TEST_RESTORE_PORT.
func TestBackupRestoreRoundTrip_E2E(t *testing.T) {
	source := os.Getenv("TEST_NEXTCLOUD_CONTAINER")
	if source == "" {
		t.Skip("TEST_NEXTCLOUD_CONTAINER not set")
	}
	port := 18080
	if v := os.Getenv("TEST_RESTORE_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		require.NoError(t, err)
		port = p
	}
	password := os.Getenv("TEST_ARCHIVE_PASSWORD")

	logger := zerolog.New(io.Discard)
	settings, err := config.NewParser().Defaults()
	require.NoError(t, err)

	proc := process.New(logger)
	dockerSvc, err := docker.New(logger, proc, docker.Options{
		Settings:   settings.Docker,
		ComposeDir: t.TempDir(),
	})
	require.NoError(t, err)
	archiveSvc := archive.New(logger, proc)
	databaseSvc := database.New(logger, dockerSvc)

	ledger, err := history.Open(logger, filepath.Join(t.TempDir(), "backup_history.db"))
	require.NoError(t, err)
	defer func() { _ = ledger.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	backupSvc := backup.New(logger, backup.Deps{
		Docker:   dockerSvc,
		Database: databaseSvc,
		Archive:  archiveSvc,
		History:  ledger,
	}, dockerSvc.WebRoot())

	backupResult, err := backupSvc.Run(ctx, models.BackupRequest{
		Container: source,
		BackupDir: t.TempDir(),
		Encrypt:   password != "",
		Password:  password,
	}, progress.Discard)
	require.NoError(t, err)
	t.Logf("backup %s (%d bytes)", backupResult.ArchivePath, backupResult.SizeBytes)

	restoreSvc := restore.New(logger, restore.Deps{
		Docker:   dockerSvc,
		Database: databaseSvc,
		Archive:  archiveSvc,
	}, restore.Options{
		WebRoot: dockerSvc.WebRoot(),
		TempDir: t.TempDir(),
		Images:  settings.Restore,
	})

	sess := restore.NewSession(backupResult.ArchivePath)
	defer func() { _ = sess.Close() }()

	require.NoError(t, restoreSvc.Extract(ctx, sess, password, progress.Discard))
	assert.Equal(t, backupResult.DBType, sess.Config().DBType)

	req := models.RestoreRequest{HostPort: port, ReplaceExisting: true}
	require.Empty(t, sess.MissingCredentials(req), "archive config lacks database credentials")

	var last models.ProgressEvent
	result, err := restoreSvc.Restore(ctx, sess, req, progress.SinkFunc(func(ev models.ProgressEvent) {
		last = ev
	}))
	require.NoError(t, err)
	defer func() {
		names := []string{result.Pair.App}
		if result.Pair.DB != "" {
			names = append(names, result.Pair.DB)
		}
		_ = dockerSvc.Remove(context.Background(), names...)
	}()

	assert.Equal(t, port, result.HostPort)
	assert.Equal(t, 100, last.Percent)

	info, err := dockerSvc.Inspect(ctx, result.Pair.App)
	require.NoError(t, err)
	assert.Equal(t, "running", info.State)
	assert.Equal(t, port, info.HostPortFor(80))

	require.NoError(t, dockerSvc.WaitReady(ctx, fmt.Sprintf("http://localhost:%d/status.php", port), 2*time.Minute))
}
