package history

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLedger(t *testing.T) *Impl {
	t.Helper()
	svc, err := Open(zerolog.New(io.Discard), filepath.Join(t.TempDir(), "history", "backup_history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func entryAt(path string, ts time.Time) models.HistoryEntry {
	return models.HistoryEntry{
		ArchivePath:        path,
		Timestamp:          ts,
		SizeBytes:          1024,
		Encrypted:          true,
		DatabaseType:       models.DBTypeMySQL,
		FoldersBackedUp:    []string{"config", "data"},
		VerificationStatus: models.VerificationSuccess,
		Notes:              "scheduled",
	}
}

func TestAddAndGet(t *testing.T) {
	svc := setupTestLedger(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)

	id, err := svc.Add(ctx, entryAt("/backups/a.tar.gz.gpg", ts))
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/backups/a.tar.gz.gpg", got.ArchivePath)
	assert.True(t, got.Timestamp.Equal(ts))
	assert.Equal(t, int64(1024), got.SizeBytes)
	assert.True(t, got.Encrypted)
	assert.Equal(t, models.DBTypeMySQL, got.DatabaseType)
	assert.Equal(t, []string{"config", "data"}, got.FoldersBackedUp)
	assert.Equal(t, models.VerificationSuccess, got.VerificationStatus)
	assert.Equal(t, "scheduled", got.Notes)
}

func TestGet_Unknown(t *testing.T) {
	svc := setupTestLedger(t)
	got, err := svc.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAdd_IDsAreMonotonic(t *testing.T) {
	svc := setupTestLedger(t)
	ctx := context.Background()

	first, err := svc.Add(ctx, entryAt("/b/1.tar.gz", time.Now()))
	require.NoError(t, err)
	second, err := svc.Add(ctx, entryAt("/b/2.tar.gz", time.Now()))
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestAdd_SamePathReplaces(t *testing.T) {
	svc := setupTestLedger(t)
	ctx := context.Background()

	id1, err := svc.Add(ctx, entryAt("/b/1.tar.gz", time.Now()))
	require.NoError(t, err)
	e := entryAt("/b/1.tar.gz", time.Now())
	e.Notes = "again"
	id2, err := svc.Add(ctx, e)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	list, err := svc.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "again", list[0].Notes)
}

func TestList_MostRecentFirst(t *testing.T) {
	svc := setupTestLedger(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := svc.Add(ctx, entryAt("/b/middle.tar.gz", base.Add(time.Hour)))
	require.NoError(t, err)
	_, err = svc.Add(ctx, entryAt("/b/old.tar.gz", base))
	require.NoError(t, err)
	_, err = svc.Add(ctx, entryAt("/b/new.tar.gz", base.Add(48*time.Hour)))
	require.NoError(t, err)

	list, err := svc.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "/b/new.tar.gz", list[0].ArchivePath)
	assert.Equal(t, "/b/middle.tar.gz", list[1].ArchivePath)
	assert.Equal(t, "/b/old.tar.gz", list[2].ArchivePath)

	limited, err := svc.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDelete_LeavesArchive(t *testing.T) {
	svc := setupTestLedger(t)
	ctx := context.Background()
	archive := filepath.Join(t.TempDir(), "nextcloud-backup-20240101_000000.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("x"), 0o600))

	id, err := svc.Add(ctx, entryAt(archive, time.Now()))
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, id))

	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.FileExists(t, archive)
}

func TestDeleteByArchive(t *testing.T) {
	svc := setupTestLedger(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)

	_, err := svc.Add(ctx, entryAt("/backups/old.tar.gz", ts))
	require.NoError(t, err)
	keepID, err := svc.Add(ctx, entryAt("/backups/new.tar.gz", ts.Add(time.Hour)))
	require.NoError(t, err)

	n, err := svc.DeleteByArchive(ctx, "/backups/old.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = svc.DeleteByArchive(ctx, "/backups/old.tar.gz")
	require.NoError(t, err)
	assert.Zero(t, n)

	all, err := svc.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, keepID, all[0].ID)
}

func TestListExisting_PrunesMissing(t *testing.T) {
	svc := setupTestLedger(t)
	ctx := context.Background()
	dir := t.TempDir()
	present := filepath.Join(dir, "present.tar.gz")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o600))

	_, err := svc.Add(ctx, entryAt(present, time.Now()))
	require.NoError(t, err)
	_, err = svc.Add(ctx, entryAt(filepath.Join(dir, "gone.tar.gz"), time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	list, err := svc.ListExisting(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, present, list[0].ArchivePath)

	all, err := svc.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup_history.db")
	logger := zerolog.New(io.Discard)

	svc, err := Open(logger, path)
	require.NoError(t, err)
	_, err = svc.Add(context.Background(), entryAt("/b/1.tar.gz", time.Now()))
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	reopened, err := Open(logger, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	list, err := reopened.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
