// Package database runs per-family dump, restore and query commands inside the
// database container.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// DefaultAdminQueryTimeout bounds the admin-user lookup.
const DefaultAdminQueryTimeout = 10 * time.Second

const (
	lookupTimeout = 15 * time.Second
	pingTimeout   = 5 * time.Second
	pingInterval  = 2 * time.Second
)

// ErrNoDump is returned for families whose data is copied with the data tree.
var ErrNoDump = errors.New("database is stored inside the data tree and has no dump")

// Executor runs a command inside a container. Implementations attach stdin when
// cmd.Stdin is set and pass cmd.Env as container environment.
type Executor interface {
	Exec(ctx context.Context, container string, cmd process.Command) (*process.Result, error)
}

// DumpResult holds the outcome of a dump.
type DumpResult struct {
	OutputPath string
	SizeBytes  int64
	Duration   time.Duration
}

// Service defines the database operations used by the engines.
type Service interface {
	Preflight(ctx context.Context, container string, creds models.DBCredentials) error
	Dump(ctx context.Context, container string, creds models.DBCredentials, outputPath string) (*DumpResult, error)
	Restore(ctx context.Context, container string, creds models.DBCredentials, inputPath string) error
	AdminUser(ctx context.Context, container string, creds models.DBCredentials) (string, error)
	WaitForServer(ctx context.Context, container string, creds models.DBCredentials, timeout time.Duration) error
}

// Impl implements the database Service.
type Impl struct {
	exec              Executor
	logger            zerolog.Logger
	adminQueryTimeout time.Duration
	pingInterval      time.Duration
}

// New creates a new database service.
func New(logger zerolog.Logger, exec Executor) *Impl {
	return &Impl{
		exec:              exec,
		logger:            logger,
		adminQueryTimeout: DefaultAdminQueryTimeout,
		pingInterval:      pingInterval,
	}
}

// NewWithAdminTimeout creates a database service with a custom admin query timeout.
func NewWithAdminTimeout(logger zerolog.Logger, exec Executor, timeout time.Duration) *Impl {
	s := New(logger, exec)
	if timeout > 0 {
		s.adminQueryTimeout = timeout
	}
	return s
}

// resolveTool returns the first candidate present on the container's PATH.
func (s *Impl) resolveTool(ctx context.Context, container string, candidates []string, hint string) (string, error) {
	for _, tool := range candidates {
		res, err := s.exec.Exec(ctx, container, process.Command{
			Name:    "sh",
			Args:    []string{"-c", "command -v " + tool},
			Timeout: budget(ctx, lookupTimeout),
		})
		if err != nil {
			return "", err
		}
		if res.Success() && strings.TrimSpace(string(res.Stdout)) != "" {
			return tool, nil
		}
	}
	return "", apperr.ToolMissing(strings.Join(candidates, " or "), hint, "")
}

// Preflight checks the dump client exists in the database container.
func (s *Impl) Preflight(ctx context.Context, container string, creds models.DBCredentials) error {
	a, err := For(creds.Type)
	if err != nil {
		return apperr.Wrap(apperr.KindDatabaseFailure, err, "")
	}
	if len(a.DumpTools()) == 0 {
		return nil
	}
	_, err = s.resolveTool(ctx, container, a.DumpTools(), a.InstallHint())
	return err
}

// Dump streams the database into outputPath. A failed dump leaves no file behind.
func (s *Impl) Dump(ctx context.Context, container string, creds models.DBCredentials, outputPath string) (*DumpResult, error) {
	a, err := For(creds.Type)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabaseFailure, err, "")
	}
	if len(a.DumpTools()) == 0 {
		return nil, ErrNoDump
	}

	s.logger.Info().
		Str("container", container).
		Str("family", string(a.Family())).
		Str("database", creds.Name).
		Str("output", outputPath).
		Msg("starting database dump")
	start := time.Now()

	tool, err := s.resolveTool(ctx, container, a.DumpTools(), a.InstallHint())
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o750); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "failed to create output directory")
	}
	out, err := os.Create(outputPath) //nolint:gosec // outputPath is controlled by caller
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "failed to create dump file")
	}

	cmd := a.DumpCommand(tool, creds)
	cmd.Stdout = out
	res, runErr := s.exec.Exec(ctx, container, cmd)
	closeErr := out.Close()

	if err := commandError(res, runErr, tool); err != nil {
		_ = os.Remove(outputPath)
		return nil, err
	}
	if closeErr != nil {
		_ = os.Remove(outputPath)
		return nil, apperr.Wrap(apperr.KindIO, closeErr, "failed to write dump file")
	}

	result := &DumpResult{OutputPath: outputPath, Duration: time.Since(start)}
	if info, err := os.Stat(outputPath); err == nil {
		result.SizeBytes = info.Size()
	}

	s.logger.Info().
		Str("output", outputPath).
		Int64("size_bytes", result.SizeBytes).
		Dur("duration", result.Duration).
		Msg("database dump completed")
	return result, nil
}

// Restore pipes the SQL file at inputPath into the database client.
func (s *Impl) Restore(ctx context.Context, container string, creds models.DBCredentials, inputPath string) error {
	a, err := For(creds.Type)
	if err != nil {
		return apperr.Wrap(apperr.KindDatabaseFailure, err, "")
	}
	if !a.HasServer() {
		return ErrNoDump
	}

	tool, err := s.resolveTool(ctx, container, a.ClientTools(), a.InstallHint())
	if err != nil {
		return err
	}

	in, err := os.Open(inputPath) //nolint:gosec // dump extracted from the archive
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "failed to open database dump")
	}
	defer func() { _ = in.Close() }()

	s.logger.Info().
		Str("container", container).
		Str("family", string(a.Family())).
		Str("database", creds.Name).
		Msg("importing database dump")

	cmd := a.RestoreCommand(tool, creds)
	cmd.Stdin = in
	res, runErr := s.exec.Exec(ctx, container, cmd)
	return commandError(res, runErr, tool)
}

// AdminUser returns the first member of the admin group, or "" if none exists.
func (s *Impl) AdminUser(ctx context.Context, container string, creds models.DBCredentials) (string, error) {
	a, err := For(creds.Type)
	if err != nil {
		return "", apperr.Wrap(apperr.KindDatabaseFailure, err, "")
	}

	// the tool lookup and the query share one budget
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, s.adminQueryTimeout)
	defer cancel()
	timedOut := func(err error) error {
		if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperr.Wrap(apperr.KindTimedOut, err,
				fmt.Sprintf("admin user lookup exceeded %s", s.adminQueryTimeout))
		}
		return err
	}

	tool, err := s.resolveTool(ctx, container, a.ClientTools(), a.InstallHint())
	if err != nil {
		return "", timedOut(err)
	}

	cmd := a.QueryCommand(tool, creds, AdminQuery(creds.Prefix()))
	cmd.Timeout = budget(ctx, s.adminQueryTimeout)
	res, runErr := s.exec.Exec(ctx, container, cmd)
	if err := commandError(res, runErr, tool); err != nil {
		return "", timedOut(err)
	}

	line, _, _ := strings.Cut(strings.TrimSpace(string(res.Stdout)), "\n")
	return strings.TrimSpace(line), nil
}

// budget returns limit, shortened to what is left before ctx's deadline.
func budget(ctx context.Context, limit time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < limit {
			return left
		}
	}
	return limit
}

// WaitForServer polls the database until it answers a trivial query.
func (s *Impl) WaitForServer(ctx context.Context, container string, creds models.DBCredentials, timeout time.Duration) error {
	a, err := For(creds.Type)
	if err != nil {
		return apperr.Wrap(apperr.KindDatabaseFailure, err, "")
	}
	if !a.HasServer() {
		return nil
	}

	s.logger.Info().Str("container", container).Dur("timeout", timeout).Msg("waiting for database server")

	var lastErr error
	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(s.pingInterval))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		tool, err := s.resolveTool(ctx, container, a.ClientTools(), a.InstallHint())
		if err != nil {
			lastErr = err
			if apperr.Is(err, apperr.KindToolMissing) {
				return err
			}
			return retry.RetryableError(err)
		}
		cmd := a.QueryCommand(tool, creds, "SELECT 1")
		cmd.Timeout = pingTimeout
		res, runErr := s.exec.Exec(ctx, container, cmd)
		if err := commandError(res, runErr, tool); err != nil {
			lastErr = err
			if apperr.Is(err, apperr.KindCancelled) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperr.FromContext(ctxErr)
	}
	if apperr.Is(err, apperr.KindToolMissing) {
		return err
	}
	return apperr.Wrap(apperr.KindTimedOut, lastErr,
		fmt.Sprintf("database in %s did not become ready within %s", container, timeout))
}

func commandError(res *process.Result, err error, tool string) error {
	if err != nil {
		return err
	}
	if !res.Success() {
		stderr := strings.TrimSpace(string(res.Stderr))
		return apperr.Wrap(apperr.KindDatabaseFailure,
			fmt.Errorf("%s exited with code %d: %s", tool, res.ExitCode, stderr),
			"database command failed")
	}
	return nil
}
