// Package backup captures a running Nextcloud container into a single archive.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/progress"
	"github.com/fgeck/nextcloud-restore/internal/services/archive"
	"github.com/fgeck/nextcloud-restore/internal/services/database"
	"github.com/fgeck/nextcloud-restore/internal/services/docker"
	"github.com/fgeck/nextcloud-restore/internal/services/history"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"
)

// Phase labels attached to progress events and errors.
const (
	PhasePreflight = "preflight"
	PhaseCapture   = "capture"
	PhaseDump      = "dump"
	PhaseArchive   = "archive"
	PhaseEncrypt   = "encrypt"
	PhaseRecord    = "record"
)

// DumpFile is the database dump member at the archive root.
const DumpFile = "nextcloud-db.sql"

// MinFreeBytes is the free space required in the backup directory before a run.
const MinFreeBytes = 100 * 1024 * 1024

// Service defines the backup engine.
type Service interface {
	Run(ctx context.Context, req models.BackupRequest, sink progress.Sink) (*models.BackupResult, error)
}

// Deps are the collaborators of the engine.
type Deps struct {
	Docker   docker.Service
	Database database.Service
	Archive  archive.Service
	History  history.Service
}

// Impl implements the backup Service.
type Impl struct {
	deps      Deps
	logger    zerolog.Logger
	webRoot   string
	tempDir   string
	now       func() time.Time
	freeSpace func(path string) (uint64, error)
}

// New creates a backup engine.
func New(logger zerolog.Logger, deps Deps, webRoot string) *Impl {
	if webRoot == "" {
		webRoot = docker.DefaultWebRoot
	}
	return &Impl{
		deps:      deps,
		logger:    logger,
		webRoot:   webRoot,
		tempDir:   os.TempDir(),
		now:       time.Now,
		freeSpace: freeSpace,
	}
}

func freeSpace(p string) (uint64, error) {
	usage, err := disk.Usage(p)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// plan is what preflight resolves for the rest of the run.
type plan struct {
	cfg         models.NextcloudConfig
	dbContainer string
}

// Run executes the complete backup workflow.
//
//nolint:gocognit,gocyclo // backup workflow has multiple steps by design
func (s *Impl) Run(ctx context.Context, req models.BackupRequest, sink progress.Sink) (*models.BackupResult, error) {
	startTime := s.now()
	var failedStep string

	s.logger.Info().
		Str("container", req.Container).
		Str("backup_dir", req.BackupDir).
		Bool("encrypt", req.Encrypt).
		Int("rotation", req.Rotation).
		Msg("starting backup run")

	fail := func(err error) (*models.BackupResult, error) {
		err = apperr.InPhase(failedStep, err)
		s.logger.Error().Err(err).Str("step", failedStep).Msg("backup run failed")
		return nil, err
	}

	// Step 1: Preflight
	failedStep = PhasePreflight
	pre := progress.NewRange(sink, PhasePreflight, 0, 5)
	pre.Start("Checking prerequisites")
	p, err := s.preflight(ctx, req)
	if err != nil {
		return fail(err)
	}
	pre.End(fmt.Sprintf("Detected %s database", p.cfg.DBType))

	staging, err := os.MkdirTemp(s.tempDir, "nextcloud-backup-*")
	if err != nil {
		return fail(apperr.Wrap(apperr.KindIO, err, "failed to create staging directory"))
	}
	defer func() { _ = os.RemoveAll(staging) }()

	// Step 2: Data tree capture
	failedStep = PhaseCapture
	folders, skipped, err := s.capture(ctx, req.Container, staging, progress.NewRange(sink, PhaseCapture, 5, 15))
	if err != nil {
		return fail(err)
	}

	// Step 3: Database dump
	failedStep = PhaseDump
	dump := progress.NewRange(sink, PhaseDump, 15, 25)
	if p.cfg.DBType.IsSQLite() {
		dump.End("SQLite database is part of the data folder")
	} else {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		dump.Start(fmt.Sprintf("Dumping %s database", p.cfg.DBType))
		if _, err := s.deps.Database.Dump(ctx, p.dbContainer, p.cfg.Credentials(), filepath.Join(staging, DumpFile)); err != nil {
			return fail(err)
		}
		dump.End("Database dump completed")
	}

	// Step 4: Archive creation
	failedStep = PhaseArchive
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	tarPath := filepath.Join(req.BackupDir, ArchiveName(startTime, false))
	arch := progress.NewRange(sink, PhaseArchive, 25, 85)
	total := countFiles(staging)
	arch.Start("Creating archive")
	archived, err := s.deps.Archive.Create(ctx, tarPath, staging, func(ap models.ArchiveProgress) {
		arch.Step(ap.Files, total, "Archiving", ap.Current)
	})
	if err != nil {
		return fail(err)
	}
	arch.End(fmt.Sprintf("Archived %d files", archived.Files))

	// Step 5: Optional encryption
	archivePath := tarPath
	enc := progress.NewRange(sink, PhaseEncrypt, 85, 95)
	if req.Encrypt {
		failedStep = PhaseEncrypt
		enc.Start("Encrypting archive")
		archivePath = tarPath + ".gpg"
		if err := s.deps.Archive.Encrypt(ctx, tarPath, archivePath, req.Password); err != nil {
			_ = os.Remove(tarPath)
			_ = os.Remove(archivePath)
			return fail(err)
		}
		if err := os.Remove(tarPath); err != nil {
			s.logger.Warn().Err(err).Str("path", tarPath).Msg("failed to remove plaintext archive")
		}
		enc.End("Archive encrypted")
	} else {
		enc.End("Encryption disabled")
	}

	// Step 6: Ledger record and rotation
	failedStep = PhaseRecord
	rec := progress.NewRange(sink, PhaseRecord, 95, 100)
	rec.Start("Recording backup")

	result := &models.BackupResult{
		ArchivePath: archivePath,
		Encrypted:   req.Encrypt,
		DBType:      p.cfg.DBType,
		Folders:     folders,
		Files:       archived.Files,
	}
	if info, err := os.Stat(archivePath); err == nil {
		result.SizeBytes = info.Size()
	}

	status := models.VerificationSuccess
	notes := ""
	if len(skipped) > 0 {
		status = models.VerificationPartial
		notes = "missing folders: " + strings.Join(skipped, ", ")
	}
	result.Duration = s.now().Sub(startTime)
	if notes != "" {
		notes += "; "
	}
	notes += "completed in " + result.Duration.Round(time.Second).String()

	if s.deps.History != nil {
		id, err := s.deps.History.Add(ctx, models.HistoryEntry{
			ArchivePath:        archivePath,
			Timestamp:          startTime,
			SizeBytes:          result.SizeBytes,
			Encrypted:          req.Encrypt,
			DatabaseType:       p.cfg.DBType,
			FoldersBackedUp:    folders,
			VerificationStatus: status,
			Notes:              notes,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("archive", archivePath).Msg("failed to record backup in history")
		} else {
			result.HistoryID = id
		}
	}

	if req.Rotation > 0 {
		removed, err := Rotate(req.BackupDir, req.Rotation)
		result.Rotated = removed
		if err != nil {
			s.logger.Warn().Err(err).Int("keep", req.Rotation).Msg("rotation incomplete")
		}
		if len(removed) > 0 {
			s.logger.Info().Strs("removed", removed).Int("keep", req.Rotation).Msg("rotated old archives")
			if s.deps.History != nil {
				for _, p := range removed {
					if _, err := s.deps.History.DeleteByArchive(ctx, p); err != nil {
						s.logger.Warn().Err(err).Str("archive", p).Msg("failed to prune history")
					}
				}
			}
		}
	}
	rec.End("Backup completed")

	s.logger.Info().
		Str("archive", archivePath).
		Str("size", humanize.IBytes(uint64(result.SizeBytes))).
		Int("files", result.Files).
		Dur("duration", result.Duration).
		Msg("backup run completed successfully")

	return result, nil
}

// preflight checks everything the run needs without touching the backup directory
// beyond a write probe.
func (s *Impl) preflight(ctx context.Context, req models.BackupRequest) (*plan, error) {
	if req.Container == "" {
		return nil, apperr.New(apperr.KindContainerFailure, "no source container selected")
	}
	if req.BackupDir == "" {
		return nil, apperr.New(apperr.KindIO, "no backup directory given")
	}
	if req.Encrypt && req.Password == "" {
		return nil, apperr.New(apperr.KindBadPassword, "encryption requires a password")
	}

	if err := s.deps.Docker.EnsureAvailable(ctx); err != nil {
		return nil, err
	}
	if _, err := s.deps.Docker.Inspect(ctx, req.Container); err != nil {
		return nil, err
	}
	cfg, err := s.deps.Docker.DetectConfig(ctx, req.Container)
	if err != nil {
		return nil, err
	}

	p := &plan{cfg: cfg}
	if !cfg.DBType.IsSQLite() {
		p.dbContainer = req.DBContainer
		if p.dbContainer == "" {
			p.dbContainer = DBContainer(req.Container, cfg.DBHost)
		}
		if err := s.deps.Database.Preflight(ctx, p.dbContainer, cfg.Credentials()); err != nil {
			return nil, err
		}
	}
	if err := s.deps.Archive.Preflight(req.Encrypt); err != nil {
		return nil, err
	}
	if err := s.checkDestination(req.BackupDir); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("dbtype", string(cfg.DBType)).
		Str("db_container", p.dbContainer).
		Msg("preflight passed")
	return p, nil
}

// checkDestination verifies the backup directory is writable and has room.
func (s *Impl) checkDestination(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "backup directory is not writable")
	}
	probe, err := os.CreateTemp(dir, ".write-test-*")
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "backup directory is not writable")
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	free, err := s.freeSpace(dir)
	if err != nil {
		s.logger.Warn().Err(err).Str("dir", dir).Msg("could not determine free space")
		return nil
	}
	if free < MinFreeBytes {
		e := apperr.New(apperr.KindIO, fmt.Sprintf("only %s free in %s", humanize.IBytes(free), dir))
		e.Hint = "Free up disk space or choose another backup directory"
		return e
	}
	s.logger.Debug().Str("dir", dir).Str("free", humanize.IBytes(free)).Msg("backup directory ok")
	return nil
}

// capture copies the Nextcloud folders out of the container. config is required;
// the other folders are skipped with a warning when they cannot be copied.
func (s *Impl) capture(ctx context.Context, container, staging string, r *progress.Range) (copied, skipped []string, err error) {
	r.Start("Copying data from container")
	for i, folder := range models.BackupFolders {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		r.Step(i, len(models.BackupFolders), "Copying "+folder, folder)
		src := path.Join(s.webRoot, folder)
		if err := s.deps.Docker.CopyOut(ctx, container, src, filepath.Join(staging, folder)); err != nil {
			if folder == "config" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, nil, err
			}
			s.logger.Warn().Err(err).Str("folder", folder).Msg("skipping folder")
			skipped = append(skipped, folder)
			continue
		}
		copied = append(copied, folder)
	}
	r.End(fmt.Sprintf("Copied %d folders", len(copied)))
	return copied, skipped, nil
}

func countFiles(root string) int {
	n := 0
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n
}

// DBContainer derives the database container from config.php's dbhost. A local
// host means the database runs inside the app container.
func DBContainer(app, dbhost string) string {
	host := strings.TrimSpace(dbhost)
	if strings.HasPrefix(host, "/") || strings.Contains(host, ":/") {
		return app // unix socket
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	switch strings.ToLower(host) {
	case "", "localhost", "127.0.0.1", "::1":
		return app
	}
	return host
}
