// Package schedule persists the backup schedule and keeps the matching OS task
// registered.
package schedule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/services/archive"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ServeTaskSuffix names the logon task that republishes the remote endpoint.
const ServeTaskSuffix = "-tailscale-serve"

// Service defines the schedule supervisor.
type Service interface {
	Load() (*models.ScheduleRecord, error)
	Apply(ctx context.Context, rec *models.ScheduleRecord) (*models.ScheduleStatus, error)
	Status(ctx context.Context) (*models.ScheduleStatus, error)
	SetEnabled(ctx context.Context, enabled bool) (*models.ScheduleStatus, error)
	Remove(ctx context.Context) error
	TestRun(ctx context.Context, backupDir string) (*models.TestRunResult, error)
	InstallServeStartup(ctx context.Context, port int) error
	RemoveServeStartup(ctx context.Context) error
}

// Impl implements the schedule Service.
type Impl struct {
	store      *Store
	scheduler  Scheduler
	archive    archive.Service
	logger     zerolog.Logger
	executable func() (string, error)
	now        func() time.Time
}

// New creates a supervisor storing its record in appDataDir.
func New(logger zerolog.Logger, appDataDir string, runner process.Runner, archiveSvc archive.Service) *Impl {
	return NewWithScheduler(logger, appDataDir, NewScheduler(runner, runtime.GOOS), archiveSvc)
}

// NewWithScheduler creates a supervisor with a custom OS scheduler (for testing).
func NewWithScheduler(logger zerolog.Logger, appDataDir string, scheduler Scheduler, archiveSvc archive.Service) *Impl {
	return &Impl{
		store:      NewStore(appDataDir),
		scheduler:  scheduler,
		archive:    archiveSvc,
		logger:     logger,
		executable: os.Executable,
		now:        time.Now,
	}
}

// Load returns the saved record, or nil when no schedule exists.
func (s *Impl) Load() (*models.ScheduleRecord, error) {
	return s.store.Load()
}

func (s *Impl) backupTask(rec *models.ScheduleRecord) (Task, error) {
	exe, err := s.executable()
	if err != nil {
		return Task{}, fmt.Errorf("locating executable: %w", err)
	}
	return Task{
		Name:      rec.TaskName,
		Command:   BackupCommand(exe, rec.BackupDir, rec.Encrypt),
		Frequency: rec.Frequency,
		TimeOfDay: rec.TimeOfDay,
	}, nil
}

// Apply saves rec and registers or removes the OS task to match rec.Enabled.
func (s *Impl) Apply(ctx context.Context, rec *models.ScheduleRecord) (*models.ScheduleStatus, error) {
	if err := s.store.Save(rec); err != nil {
		return nil, err
	}

	if rec.Enabled {
		task, err := s.backupTask(rec)
		if err != nil {
			return nil, err
		}
		if err := s.scheduler.Register(ctx, task); err != nil {
			return nil, fmt.Errorf("registering scheduled task: %w", err)
		}
		s.logger.Info().
			Str("task", task.Name).
			Str("frequency", string(rec.Frequency)).
			Str("time", rec.TimeOfDay).
			Msg("scheduled task registered")
	} else if err := s.scheduler.Delete(ctx, rec.TaskName); err != nil {
		return nil, fmt.Errorf("removing scheduled task: %w", err)
	}

	return s.Status(ctx)
}

// Status loads the record and reconciles its Enabled flag with the OS task.
func (s *Impl) Status(ctx context.Context) (*models.ScheduleStatus, error) {
	rec, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &models.ScheduleStatus{}, nil
	}

	registered, err := s.scheduler.Exists(ctx, rec.TaskName)
	if err != nil {
		return nil, fmt.Errorf("querying scheduled task: %w", err)
	}
	status := &models.ScheduleStatus{Record: rec, TaskRegistered: registered}
	if registered != rec.Enabled {
		s.logger.Warn().
			Str("task", rec.TaskName).
			Bool("enabled", rec.Enabled).
			Bool("registered", registered).
			Msg("scheduled task changed outside the app")
		rec.Enabled = registered
		if err := s.store.Save(rec); err != nil {
			return nil, err
		}
		status.Reconciled = true
	}
	if rec.Enabled {
		next, err := NextRun(rec, s.now())
		if err == nil {
			status.NextRun = next
		}
	}
	return status, nil
}

// SetEnabled toggles the saved schedule.
func (s *Impl) SetEnabled(ctx context.Context, enabled bool) (*models.ScheduleStatus, error) {
	rec, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("no schedule configured")
	}
	rec.Enabled = enabled
	return s.Apply(ctx, rec)
}

// Remove deletes the OS task and the record.
func (s *Impl) Remove(ctx context.Context) error {
	rec, err := s.store.Load()
	if err != nil {
		return err
	}
	if rec != nil {
		if err := s.scheduler.Delete(ctx, rec.TaskName); err != nil {
			return fmt.Errorf("removing scheduled task: %w", err)
		}
	}
	return s.store.Delete()
}

// NextRun computes the next trigger after now in local time.
func NextRun(rec *models.ScheduleRecord, now time.Time) (time.Time, error) {
	spec, err := CronSpec(Task{Frequency: rec.Frequency, TimeOfDay: rec.TimeOfDay})
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing schedule %q: %w", spec, err)
	}
	return sched.Next(now), nil
}

// TestRun archives only the schedule record into backupDir, verifies the
// archive holds it, and deletes the archive.
func (s *Impl) TestRun(ctx context.Context, backupDir string) (*models.TestRunResult, error) {
	if backupDir == "" {
		rec, err := s.store.Load()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("no schedule configured")
		}
		backupDir = rec.BackupDir
	}
	content, err := os.ReadFile(s.store.Path())
	if err != nil {
		return nil, fmt.Errorf("reading schedule: %w", err)
	}

	staging, err := os.MkdirTemp("", "nextcloud-test-run-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()
	if err := os.WriteFile(filepath.Join(staging, RecordFile), content, 0o600); err != nil {
		return nil, fmt.Errorf("staging schedule: %w", err)
	}

	result := &models.TestRunResult{
		ArchivePath: filepath.Join(backupDir, fmt.Sprintf("nextcloud-schedule-test-%s.tar.gz", s.now().Format("20060102_150405"))),
	}
	defer func() {
		if err := os.Remove(result.ArchivePath); err == nil || os.IsNotExist(err) {
			result.Removed = true
		}
	}()

	if _, err := s.archive.Create(ctx, result.ArchivePath, staging, nil); err != nil {
		return nil, err
	}
	if info, err := os.Stat(result.ArchivePath); err == nil {
		result.SizeBytes = info.Size()
	}

	verifyDir, err := os.MkdirTemp("", "nextcloud-test-verify-*")
	if err != nil {
		return nil, fmt.Errorf("creating verify directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(verifyDir) }()
	if _, err := s.archive.ExtractOne(ctx, result.ArchivePath, archive.Selector{Basename: RecordFile}, verifyDir); err != nil {
		return nil, fmt.Errorf("verifying test archive: %w", err)
	}
	result.Verified = true

	s.logger.Info().
		Str("archive", result.ArchivePath).
		Int64("size_bytes", result.SizeBytes).
		Msg("schedule test run succeeded")
	return result, nil
}

func (s *Impl) serveTaskName() string {
	name := DefaultTaskName
	if rec, err := s.store.Load(); err == nil && rec != nil {
		name = rec.TaskName
	}
	return name + ServeTaskSuffix
}

// InstallServeStartup registers a logon task that republishes the Nextcloud
// port through the mesh agent.
func (s *Impl) InstallServeStartup(ctx context.Context, port int) error {
	exe, err := s.executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	task := Task{
		Name:    s.serveTaskName(),
		Command: fmt.Sprintf("%s remote serve --port %d", Invocation(exe), port),
		OnLogon: true,
	}
	if err := s.scheduler.Register(ctx, task); err != nil {
		return fmt.Errorf("registering serve task: %w", err)
	}
	s.logger.Info().Str("task", task.Name).Int("port", port).Msg("serve startup task registered")
	return nil
}

// RemoveServeStartup deletes the logon task.
func (s *Impl) RemoveServeStartup(ctx context.Context) error {
	return s.scheduler.Delete(ctx, s.serveTaskName())
}
