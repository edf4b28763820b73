package main

import (
	"os"

	"github.com/fgeck/nextcloud-restore/internal/config"
	"github.com/fgeck/nextcloud-restore/internal/logsetup"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/services/archive"
	"github.com/fgeck/nextcloud-restore/internal/services/backup"
	"github.com/fgeck/nextcloud-restore/internal/services/database"
	"github.com/fgeck/nextcloud-restore/internal/services/docker"
	"github.com/fgeck/nextcloud-restore/internal/services/history"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
	"github.com/fgeck/nextcloud-restore/internal/services/remote"
	"github.com/fgeck/nextcloud-restore/internal/services/restore"
	"github.com/fgeck/nextcloud-restore/internal/services/runner"
	"github.com/fgeck/nextcloud-restore/internal/services/schedule"
	"github.com/rs/zerolog"
)

type appOptions struct {
	console         bool
	consoleToStderr bool
	json            bool
	level           zerolog.Level
}

// app holds the wired services for one invocation.
type app struct {
	settings *models.AppSettings
	paths    config.Paths
	sinks    *logsetup.Sinks
	logger   zerolog.Logger

	archive  *archive.Impl
	docker   *docker.Impl
	history  *history.Impl
	backup   *backup.Impl
	restore  *restore.Impl
	schedule *schedule.Impl
	remote   *remote.Impl
	runner   *runner.Impl
}

func newApp(opts appOptions) (*app, error) {
	settings, paths, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := paths.Ensure(); err != nil {
		return nil, err
	}

	consoleOut := os.Stdout
	if opts.consoleToStderr {
		consoleOut = os.Stderr
	}
	sinks, err := logsetup.Setup(logsetup.Options{
		Dir:     paths.LogDir,
		Console: opts.console,
		JSON:    opts.json,
		Level:   opts.level,
		Stdout:  consoleOut,
	})
	if err != nil {
		return nil, err
	}
	logger := sinks.Logger

	proc := process.New(logger)
	archiveSvc := archive.New(logger, proc)
	dockerSvc, err := docker.New(logger, proc, docker.Options{
		Settings:      settings.Docker,
		ComposeDir:    paths.ComposeDir,
		ErrorLog:      sinks.DockerErrors,
		ErrorLogPath:  sinks.DockerErrorsPath,
		StartAttempts: settings.Timeouts.DockerStartAttempts,
		StartInterval: settings.Timeouts.DockerStartInterval,
	})
	if err != nil {
		_ = sinks.Close()
		return nil, err
	}
	historySvc, err := history.Open(logger, paths.HistoryDB)
	if err != nil {
		_ = sinks.Close()
		return nil, err
	}
	databaseSvc := database.NewWithAdminTimeout(logger, dockerSvc, settings.Timeouts.AdminQuery)

	backupSvc := backup.New(logger, backup.Deps{
		Docker:   dockerSvc,
		Database: databaseSvc,
		Archive:  archiveSvc,
		History:  historySvc,
	}, dockerSvc.WebRoot())
	restoreSvc := restore.New(logger, restore.Deps{
		Docker:   dockerSvc,
		Database: databaseSvc,
		Archive:  archiveSvc,
	}, restore.Options{
		WebRoot:          dockerSvc.WebRoot(),
		ReadinessTimeout: settings.Timeouts.Readiness,
		Images:           settings.Restore,
	})
	scheduleSvc := schedule.New(logger, paths.AppData, proc, archiveSvc)
	remoteSvc := remote.New(logger, proc, dockerSvc, dockerSvc.WebRoot(), settings.Timeouts.AgentQuery)

	return &app{
		settings: settings,
		paths:    paths,
		sinks:    sinks,
		logger:   logger,
		archive:  archiveSvc,
		docker:   dockerSvc,
		history:  historySvc,
		backup:   backupSvc,
		restore:  restoreSvc,
		schedule: scheduleSvc,
		remote:   remoteSvc,
		runner:   runner.New(logger, backupSvc, scheduleSvc, dockerSvc, os.Stdout),
	}, nil
}

// Close releases the ledger and log files.
func (a *app) Close() {
	if err := a.history.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing history ledger")
	}
	_ = a.sinks.Close()
}
