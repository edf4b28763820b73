// Package runner orchestrates the non-interactive scheduled backup.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/progress"
	"github.com/fgeck/nextcloud-restore/internal/services/backup"
	"github.com/fgeck/nextcloud-restore/internal/services/docker"
	"github.com/fgeck/nextcloud-restore/internal/services/schedule"
	"github.com/rs/zerolog"
)

// Service defines the interface for the scheduled runner.
type Service interface {
	Run(ctx context.Context, req models.ScheduledRunRequest) (*models.ScheduledRunResult, error)
}

// Impl implements the runner Service interface.
type Impl struct {
	backupSvc   backup.Service
	scheduleSvc schedule.Service
	dockerSvc   docker.Service
	logger      zerolog.Logger
	status      zerolog.Logger
}

// New creates a runner writing one JSON status line per milestone to statusOut.
func New(
	logger zerolog.Logger,
	backupSvc backup.Service,
	scheduleSvc schedule.Service,
	dockerSvc docker.Service,
	statusOut io.Writer,
) *Impl {
	return &Impl{
		backupSvc:   backupSvc,
		scheduleSvc: scheduleSvc,
		dockerSvc:   dockerSvc,
		logger:      logger,
		status:      zerolog.New(statusOut).With().Timestamp().Logger(),
	}
}

// Run executes the scheduled workflow.
//
//nolint:gocognit,gocyclo // scheduled workflow has multiple steps by design
func (s *Impl) Run(ctx context.Context, req models.ScheduledRunRequest) (*models.ScheduledRunResult, error) {
	startTime := time.Now()
	result := &models.ScheduledRunResult{}
	var failedStep string
	var runErr error

	s.status.Info().Str("status", "started").Bool("test_run", req.TestRun).Msg("scheduled run")

	defer func() {
		result.Duration = time.Since(startTime)
		if runErr != nil {
			s.status.Error().
				Str("status", "failed").
				Str("step", failedStep).
				Err(runErr).
				Dur("duration", result.Duration).
				Msg("scheduled run")
			return
		}
		ev := s.status.Info().Str("status", "succeeded").Dur("duration", result.Duration)
		if result.Backup != nil {
			ev = ev.Str("archive", result.Backup.ArchivePath).
				Str("size", humanize.IBytes(uint64(result.Backup.SizeBytes))).
				Int("rotated", len(result.Backup.Rotated))
		}
		ev.Msg("scheduled run")
	}()

	// Step 1: Resolve the invocation against the saved schedule
	failedStep = "schedule"
	rec, err := s.scheduleSvc.Load()
	if err != nil {
		runErr = err
		return nil, fmt.Errorf("loading schedule: %w", err)
	}
	if err := resolve(req, rec, result); err != nil {
		runErr = err
		return nil, err
	}

	// Step 2: Test run only archives the schedule record
	if req.TestRun {
		failedStep = "test_run"
		testResult, err := s.scheduleSvc.TestRun(ctx, result.BackupDir)
		if err != nil {
			runErr = err
			return nil, fmt.Errorf("test run failed: %w", err)
		}
		result.TestRun = testResult
		s.logger.Info().
			Str("archive", testResult.ArchivePath).
			Bool("verified", testResult.Verified).
			Bool("removed", testResult.Removed).
			Msg("schedule test run completed")
		return result, nil
	}

	// Step 3: Pick the Nextcloud container
	if result.Container == "" {
		failedStep = "detect"
		name, err := DetectContainer(ctx, s.dockerSvc, s.logger)
		if err != nil {
			runErr = err
			return nil, err
		}
		result.Container = name
	}

	s.logger.Info().
		Str("container", result.Container).
		Str("backup_dir", result.BackupDir).
		Bool("encrypt", result.Encrypt).
		Int("rotation", result.Rotation).
		Msg("starting scheduled backup")

	// Step 4: Backup
	failedStep = "backup"
	backupResult, err := s.backupSvc.Run(ctx, models.BackupRequest{
		Container: result.Container,
		BackupDir: result.BackupDir,
		Encrypt:   result.Encrypt,
		Password:  password(req, rec),
		Rotation:  result.Rotation,
	}, s.progressSink())
	if err != nil {
		runErr = err
		return nil, fmt.Errorf("backup failed: %w", err)
	}
	result.Backup = backupResult

	failedStep = ""
	s.logger.Info().
		Str("archive", backupResult.ArchivePath).
		Dur("duration", time.Since(startTime)).
		Msg("scheduled backup completed successfully")
	return result, nil
}

// resolve fills result from flags, falling back to the saved schedule.
func resolve(req models.ScheduledRunRequest, rec *models.ScheduleRecord, result *models.ScheduledRunResult) error {
	result.BackupDir = req.BackupDir
	result.Container = req.Container
	if rec != nil {
		if result.BackupDir == "" {
			result.BackupDir = rec.BackupDir
		}
		if result.Container == "" {
			result.Container = rec.Container
		}
		result.Encrypt = rec.Encrypt
		result.Rotation = rec.Rotation
	}
	if req.Encrypt != nil {
		result.Encrypt = *req.Encrypt
	}

	if result.BackupDir == "" {
		return errors.New("no backup directory given and no schedule configured")
	}
	if !req.TestRun && result.Encrypt && password(req, rec) == "" {
		return errors.New("encryption requested but no password given or saved")
	}
	return nil
}

func password(req models.ScheduledRunRequest, rec *models.ScheduleRecord) string {
	if req.Password != "" {
		return req.Password
	}
	if rec != nil {
		return rec.Password
	}
	return ""
}

// DetectContainer returns the first running Nextcloud container.
func DetectContainer(ctx context.Context, dockerSvc docker.Service, logger zerolog.Logger) (string, error) {
	if err := dockerSvc.EnsureAvailable(ctx); err != nil {
		return "", err
	}
	containers, err := dockerSvc.ListNextcloud(ctx)
	if err != nil {
		return "", fmt.Errorf("listing containers: %w", err)
	}
	for _, c := range containers {
		if c.State == "running" {
			if len(containers) > 1 {
				logger.Warn().Int("found", len(containers)).Str("container", c.Name).Msg("several Nextcloud containers found, using the first running one")
			}
			return c.Name, nil
		}
	}
	return "", errors.New("no running Nextcloud container found")
}

// progressSink writes a status line whenever the phase changes or the
// percentage moves by at least 5 points.
func (s *Impl) progressSink() progress.Sink {
	lastPhase, lastPercent := "", -1
	return progress.SinkFunc(func(ev models.ProgressEvent) {
		if ev.Phase == lastPhase && ev.Percent-lastPercent < 5 {
			return
		}
		lastPhase, lastPercent = ev.Phase, ev.Percent
		s.status.Info().
			Str("status", "progress").
			Str("phase", ev.Phase).
			Int("percent", ev.Percent).
			Str("detail", ev.Message).
			Msg("scheduled run")
	})
}
