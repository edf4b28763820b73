package database

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	execFunc func(ctx context.Context, container string, cmd process.Command) (*process.Result, error)
	calls    []process.Command
	missing  map[string]bool
}

func (m *mockExecutor) Exec(ctx context.Context, container string, cmd process.Command) (*process.Result, error) {
	m.calls = append(m.calls, cmd)
	if cmd.Name == "sh" && len(cmd.Args) == 2 && strings.HasPrefix(cmd.Args[1], "command -v ") {
		tool := strings.TrimPrefix(cmd.Args[1], "command -v ")
		if m.missing[tool] {
			return &process.Result{ExitCode: 1}, nil
		}
		return &process.Result{Stdout: []byte("/usr/bin/" + tool + "\n")}, nil
	}
	if m.execFunc != nil {
		return m.execFunc(ctx, container, cmd)
	}
	return &process.Result{}, nil
}

// toolCalls filters out the PATH lookups.
func (m *mockExecutor) toolCalls() []process.Command {
	var out []process.Command
	for _, c := range m.calls {
		if c.Name != "sh" {
			out = append(out, c)
		}
	}
	return out
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func mysqlCreds() models.DBCredentials {
	return models.DBCredentials{
		Type:     models.DBTypeMySQL,
		Name:     "nextcloud",
		User:     "nc",
		Password: "secret",
		Host:     "db",
	}
}

func TestFor(t *testing.T) {
	for _, dbType := range []models.DBType{models.DBTypeSQLite, models.DBTypeMySQL, models.DBTypeMariaDB, models.DBTypePgSQL} {
		a, err := For(dbType)
		require.NoError(t, err)
		assert.Equal(t, dbType, a.Family())
	}

	_, err := For("oracle")
	assert.Error(t, err)
}

func TestAdminQuery(t *testing.T) {
	assert.Equal(t,
		"SELECT u.uid FROM oc_users u JOIN oc_group_user g ON u.uid=g.uid WHERE g.gid='admin' LIMIT 1",
		AdminQuery("oc_"))
}

func TestSQLitePath(t *testing.T) {
	assert.Equal(t, "/var/www/html/data/owncloud.db", SQLitePath(models.DBCredentials{}))
	assert.Equal(t, "/srv/data/nc.db", SQLitePath(models.DBCredentials{Name: "nc", DataDir: "/srv/data"}))
}

func TestDump_MySQL(t *testing.T) {
	exec := &mockExecutor{
		execFunc: func(ctx context.Context, container string, cmd process.Command) (*process.Result, error) {
			_, err := cmd.Stdout.Write([]byte("CREATE TABLE oc_users;"))
			return &process.Result{}, err
		},
	}
	svc := New(testLogger(), exec)
	outputPath := filepath.Join(t.TempDir(), "nested", "nextcloud-db.sql")

	result, err := svc.Dump(context.Background(), "nextcloud-db", mysqlCreds(), outputPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len("CREATE TABLE oc_users;")), result.SizeBytes)

	calls := exec.toolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "mysqldump", calls[0].Name)
	assert.Equal(t, []string{"-unc", "-psecret", "--single-transaction", "nextcloud"}, calls[0].Args)
	assert.Equal(t, []string{"secret"}, calls[0].Secrets)
}

func TestDump_MariaDBFallsBackToMysqldump(t *testing.T) {
	exec := &mockExecutor{missing: map[string]bool{"mariadb-dump": true}}
	svc := New(testLogger(), exec)
	creds := mysqlCreds()
	creds.Type = models.DBTypeMariaDB

	_, err := svc.Dump(context.Background(), "db", creds, filepath.Join(t.TempDir(), "dump.sql"))
	require.NoError(t, err)
	assert.Equal(t, "mysqldump", exec.toolCalls()[0].Name)
}

func TestDump_PgSQLPasswordInEnv(t *testing.T) {
	exec := &mockExecutor{}
	svc := New(testLogger(), exec)
	creds := models.DBCredentials{Type: models.DBTypePgSQL, Name: "nextcloud", User: "nc", Password: "pw"}

	_, err := svc.Dump(context.Background(), "db", creds, filepath.Join(t.TempDir(), "dump.sql"))
	require.NoError(t, err)

	call := exec.toolCalls()[0]
	assert.Equal(t, "pg_dump", call.Name)
	assert.Equal(t, []string{"-U", "nc", "nextcloud"}, call.Args)
	assert.Contains(t, call.Env, "PGPASSWORD=pw")
	assert.NotContains(t, strings.Join(call.Args, " "), "pw")
}

func TestDump_FailureRemovesFile(t *testing.T) {
	exec := &mockExecutor{
		execFunc: func(ctx context.Context, container string, cmd process.Command) (*process.Result, error) {
			return &process.Result{ExitCode: 2, Stderr: []byte("Access denied for user 'nc'")}, nil
		},
	}
	svc := New(testLogger(), exec)
	outputPath := filepath.Join(t.TempDir(), "dump.sql")

	_, err := svc.Dump(context.Background(), "db", mysqlCreds(), outputPath)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDatabaseFailure))
	assert.Contains(t, err.Error(), "Access denied")
	assert.NoFileExists(t, outputPath)
}

func TestDump_SQLiteHasNoDump(t *testing.T) {
	svc := New(testLogger(), &mockExecutor{})
	_, err := svc.Dump(context.Background(), "app", models.DBCredentials{Type: models.DBTypeSQLite}, "x")
	assert.ErrorIs(t, err, ErrNoDump)
}

func TestPreflight(t *testing.T) {
	t.Run("missing dump tool", func(t *testing.T) {
		exec := &mockExecutor{missing: map[string]bool{"mysqldump": true, "mariadb-dump": true}}
		svc := New(testLogger(), exec)

		err := svc.Preflight(context.Background(), "db", mysqlCreds())
		require.Error(t, err)

		var appErr *apperr.Error
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, apperr.KindToolMissing, appErr.Kind)
		assert.Contains(t, appErr.Hint, "mysqldump")
	})

	t.Run("sqlite needs nothing", func(t *testing.T) {
		exec := &mockExecutor{}
		svc := New(testLogger(), exec)
		require.NoError(t, svc.Preflight(context.Background(), "app", models.DBCredentials{Type: models.DBTypeSQLite}))
		assert.Empty(t, exec.calls)
	})
}

func TestRestore_PipesDump(t *testing.T) {
	var piped string
	exec := &mockExecutor{
		execFunc: func(ctx context.Context, container string, cmd process.Command) (*process.Result, error) {
			b, err := io.ReadAll(cmd.Stdin)
			piped = string(b)
			return &process.Result{}, err
		},
	}
	svc := New(testLogger(), exec)

	inputPath := filepath.Join(t.TempDir(), "nextcloud-db.sql")
	require.NoError(t, os.WriteFile(inputPath, []byte("INSERT INTO oc_users VALUES ('admin');"), 0o600))

	creds := models.DBCredentials{Type: models.DBTypePgSQL, Name: "nextcloud", User: "nc", Password: "pw"}
	require.NoError(t, svc.Restore(context.Background(), "db", creds, inputPath))

	call := exec.toolCalls()[0]
	assert.Equal(t, "psql", call.Name)
	assert.Equal(t, []string{"-U", "nc", "-d", "nextcloud", "-q"}, call.Args)
	assert.Equal(t, "INSERT INTO oc_users VALUES ('admin');", piped)
}

func TestAdminUser(t *testing.T) {
	exec := &mockExecutor{
		execFunc: func(ctx context.Context, container string, cmd process.Command) (*process.Result, error) {
			return &process.Result{Stdout: []byte("admin\n")}, nil
		},
	}
	svc := New(testLogger(), exec)

	user, err := svc.AdminUser(context.Background(), "db", mysqlCreds())
	require.NoError(t, err)
	assert.Equal(t, "admin", user)

	call := exec.toolCalls()[0]
	assert.Equal(t, "mysql", call.Name)
	assert.Contains(t, call.Args, AdminQuery("oc_"))
	assert.Positive(t, call.Timeout)
	assert.LessOrEqual(t, call.Timeout, DefaultAdminQueryTimeout)
	for _, c := range exec.calls {
		assert.LessOrEqual(t, c.Timeout, DefaultAdminQueryTimeout)
	}
}

func TestAdminUser_SQLiteUsesDataDir(t *testing.T) {
	exec := &mockExecutor{
		execFunc: func(ctx context.Context, container string, cmd process.Command) (*process.Result, error) {
			return &process.Result{Stdout: []byte("root\n")}, nil
		},
	}
	svc := New(testLogger(), exec)
	creds := models.DBCredentials{Type: models.DBTypeSQLite, Name: "nextcloud", DataDir: "/var/www/html/data", TablePrefix: "nc_"}

	user, err := svc.AdminUser(context.Background(), "app", creds)
	require.NoError(t, err)
	assert.Equal(t, "root", user)

	call := exec.toolCalls()[0]
	assert.Equal(t, "sqlite3", call.Name)
	assert.Equal(t, []string{"/var/www/html/data/nextcloud.db", AdminQuery("nc_")}, call.Args)
}

func TestAdminUser_Timeout(t *testing.T) {
	exec := &mockExecutor{
		execFunc: func(ctx context.Context, container string, cmd process.Command) (*process.Result, error) {
			return nil, apperr.New(apperr.KindTimedOut, "timed out")
		},
	}
	svc := NewWithAdminTimeout(testLogger(), exec, time.Second)

	_, err := svc.AdminUser(context.Background(), "db", mysqlCreds())
	assert.True(t, apperr.Is(err, apperr.KindTimedOut))
	assert.LessOrEqual(t, exec.toolCalls()[0].Timeout, time.Second)
}

// blockingExecutor never answers until ctx ends.
type blockingExecutor struct {
	calls int
}

func (b *blockingExecutor) Exec(ctx context.Context, container string, cmd process.Command) (*process.Result, error) {
	b.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAdminUser_LookupSharesBudget(t *testing.T) {
	exec := &blockingExecutor{}
	svc := NewWithAdminTimeout(testLogger(), exec, 50*time.Millisecond)

	start := time.Now()
	_, err := svc.AdminUser(context.Background(), "db", mysqlCreds())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTimedOut))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, exec.calls)
}

func TestWaitForServer(t *testing.T) {
	t.Run("ready after retries", func(t *testing.T) {
		attempts := 0
		exec := &mockExecutor{
			execFunc: func(ctx context.Context, container string, cmd process.Command) (*process.Result, error) {
				attempts++
				if attempts < 3 {
					return &process.Result{ExitCode: 1, Stderr: []byte("Can't connect")}, nil
				}
				return &process.Result{}, nil
			},
		}
		svc := New(testLogger(), exec)
		svc.pingInterval = time.Millisecond

		require.NoError(t, svc.WaitForServer(context.Background(), "db", mysqlCreds(), time.Second))
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up", func(t *testing.T) {
		exec := &mockExecutor{
			execFunc: func(ctx context.Context, container string, cmd process.Command) (*process.Result, error) {
				return &process.Result{ExitCode: 1, Stderr: []byte("Can't connect")}, nil
			},
		}
		svc := New(testLogger(), exec)
		svc.pingInterval = time.Millisecond

		err := svc.WaitForServer(context.Background(), "db", mysqlCreds(), 20*time.Millisecond)
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindTimedOut))
	})

	t.Run("sqlite returns immediately", func(t *testing.T) {
		exec := &mockExecutor{}
		svc := New(testLogger(), exec)
		require.NoError(t, svc.WaitForServer(context.Background(), "app", models.DBCredentials{Type: models.DBTypeSQLite}, time.Second))
		assert.Empty(t, exec.calls)
	})
}
