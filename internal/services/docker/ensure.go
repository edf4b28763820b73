package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
	"github.com/sethvargo/go-retry"
)

// DesktopPath returns the Docker Desktop executable used for auto-start.
func (s *Impl) DesktopPath() string {
	if s.opts.Settings.DesktopPath != "" {
		return s.opts.Settings.DesktopPath
	}
	switch s.goos {
	case "windows":
		programFiles := os.Getenv("ProgramFiles")
		if programFiles == "" {
			programFiles = `C:\Program Files`
		}
		return filepath.Join(programFiles, "Docker", "Docker", "Docker Desktop.exe")
	case "darwin":
		return "/Applications/Docker.app"
	default:
		return ""
	}
}

// EnsureAvailable pings the daemon and, if it is down, launches Docker Desktop
// in the background and polls until the daemon answers.
func (s *Impl) EnsureAvailable(ctx context.Context) error {
	if _, err := s.api.Ping(ctx); err == nil {
		return nil
	}

	if err := s.launchDesktop(); err != nil {
		s.logger.Warn().Err(err).Msg("docker auto-start unavailable")
		return s.daemonDown(err)
	}

	s.logger.Info().
		Int("attempts", s.opts.StartAttempts).
		Dur("interval", s.opts.StartInterval).
		Msg("waiting for docker daemon")

	backoff := retry.WithMaxRetries(uint64(s.opts.StartAttempts-1), retry.NewConstant(s.opts.StartInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := s.api.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return apperr.FromContext(ctxErr)
		}
		return s.daemonDown(err)
	}

	s.logger.Info().Msg("docker daemon is running")
	return nil
}

func (s *Impl) launchDesktop() error {
	desktop := s.DesktopPath()
	switch s.goos {
	case "windows":
		if _, err := os.Stat(desktop); err != nil {
			return fmt.Errorf("docker desktop not found at %s", desktop)
		}
		s.logger.Info().Str("path", desktop).Msg("starting docker desktop")
		return s.runner.Start(process.Command{Name: desktop})
	case "darwin":
		if _, err := os.Stat(desktop); err != nil {
			return fmt.Errorf("docker desktop not found at %s", desktop)
		}
		s.logger.Info().Str("path", desktop).Msg("starting docker desktop")
		return s.runner.Start(process.Command{Name: "open", Args: []string{"-g", "-j", "-a", desktop}})
	default:
		return fmt.Errorf("automatic start is not supported on %s", s.goos)
	}
}

func (s *Impl) daemonDown(cause error) error {
	f := models.ContainerFailure{
		Kind:       models.ContainerDaemonNotRunning,
		Suggestion: "Start Docker Desktop (or the docker service) and try again",
		LogPath:    s.opts.ErrorLogPath,
	}
	s.errLog.Error().Str("kind", string(f.Kind)).Err(cause).Msg("docker daemon unavailable")
	return apperr.Container(f, cause).WithPhase("docker")
}
