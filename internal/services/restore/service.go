// Package restore turns a backup archive into a running Nextcloud container pair.
package restore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/progress"
	"github.com/fgeck/nextcloud-restore/internal/services/archive"
	"github.com/fgeck/nextcloud-restore/internal/services/database"
	"github.com/fgeck/nextcloud-restore/internal/services/docker"
	"github.com/fgeck/nextcloud-restore/internal/services/phpconfig"
	"github.com/rs/zerolog"
)

// Phase labels attached to progress events and errors.
const (
	PhaseDecrypt = "decrypt"
	PhaseExtract = "extract"
	PhaseDetect  = "detect"
	PhaseCompose = "containers"
	PhaseCopy    = "copy"
	PhaseDB      = "database"
	PhaseConfig  = "config"
	PhaseReady   = "readiness"
)

// Defaults for a restore run.
const (
	DefaultHostPort         = 8080
	DefaultReadinessTimeout = 60 * time.Second
	DefaultDBTimeout        = 2 * time.Minute
)

// Service defines the restore engine.
type Service interface {
	Extract(ctx context.Context, sess *Session, password string, sink progress.Sink) error
	Restore(ctx context.Context, sess *Session, req models.RestoreRequest, sink progress.Sink) (*models.RestoreResult, error)
}

// Deps are the collaborators of the engine.
type Deps struct {
	Docker   docker.Service
	Database database.Service
	Archive  archive.Service
}

// Options tunes the engine.
type Options struct {
	WebRoot          string
	TempDir          string
	ReadinessTimeout time.Duration
	DBTimeout        time.Duration
	Images           models.RestoreSettings
}

// Impl implements the restore Service.
type Impl struct {
	deps          Deps
	logger        zerolog.Logger
	opts          Options
	now           func() time.Time
	portAvailable func(port int) bool
}

// New creates a restore engine.
func New(logger zerolog.Logger, deps Deps, opts Options) *Impl {
	if opts.WebRoot == "" {
		opts.WebRoot = docker.DefaultWebRoot
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = DefaultReadinessTimeout
	}
	if opts.DBTimeout <= 0 {
		opts.DBTimeout = DefaultDBTimeout
	}
	return &Impl{
		deps:          deps,
		logger:        logger,
		opts:          opts,
		now:           time.Now,
		portAvailable: portAvailable,
	}
}

// portAvailable reports whether nothing listens on the host port.
func portAvailable(port int) bool {
	l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Extract decrypts and extracts the archive and detects its database. It is a
// no-op when the session already holds a successful extraction for password.
func (s *Impl) Extract(ctx context.Context, sess *Session, password string, sink progress.Sink) error {
	if sess.Extracted() && (!sess.Encrypted() || sess.password == password) {
		s.logger.Debug().Str("archive", sess.ArchivePath).Msg("archive already extracted")
		progress.NewRange(sink, PhaseDetect, 20, 20).End("Archive already extracted")
		return nil
	}

	sess.reset()
	sess.extractionAttempted = true
	sess.password = password

	err := s.extract(ctx, sess, sink)
	if err != nil {
		sess.reset()
		s.logger.Error().Err(err).Str("archive", sess.ArchivePath).Msg("extraction failed")
		return err
	}
	sess.extractionSuccessful = true
	return nil
}

func (s *Impl) extract(ctx context.Context, sess *Session, sink progress.Sink) error {
	if _, err := os.Stat(sess.ArchivePath); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "archive not readable").WithPhase(PhaseExtract)
	}
	if err := s.deps.Archive.Preflight(sess.Encrypted()); err != nil {
		return apperr.InPhase(PhaseDecrypt, err)
	}

	workDir, err := os.MkdirTemp(s.opts.TempDir, "nextcloud-restore-*")
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "failed to create extraction directory").WithPhase(PhaseExtract)
	}
	sess.workDir = workDir

	// Step 1: Decryption
	tarPath := sess.ArchivePath
	dec := progress.NewRange(sink, PhaseDecrypt, 0, 10)
	if sess.Encrypted() {
		dec.Start("Decrypting archive")
		tarPath = filepath.Join(workDir, "archive.tar.gz")
		if err := s.deps.Archive.Decrypt(ctx, sess.ArchivePath, tarPath, sess.password); err != nil {
			return apperr.InPhase(PhaseDecrypt, err)
		}
		dec.End("Archive decrypted")
	} else {
		dec.End("Archive is not encrypted")
	}

	// Step 2: Extraction
	ext := progress.NewRange(sink, PhaseExtract, 10, 20)
	ext.Start("Extracting archive")
	sess.extractions++
	res, err := s.deps.Archive.ExtractAll(ctx, tarPath, sess.TreeDir(), func(p models.ArchiveProgress) {
		ext.Step(p.Files, p.Total, fmt.Sprintf("Extracted %d files", p.Files), p.Current)
	})
	if tarPath != sess.ArchivePath {
		_ = os.Remove(tarPath)
	}
	if err != nil {
		return apperr.InPhase(PhaseExtract, err)
	}
	sess.files = res.Files

	// Step 3: Database detection
	configPath := filepath.Join(sess.TreeDir(), "config", "config.php")
	doc, err := phpconfig.LoadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperr.Wrap(apperr.KindInvalidArchive, err, "archive does not contain config/config.php").WithPhase(PhaseDetect)
		}
		return apperr.Wrap(apperr.KindInvalidArchive, err, "config.php is not readable").WithPhase(PhaseDetect)
	}
	cfg, err := doc.Config()
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidArchive, err, "config.php has no usable dbtype").WithPhase(PhaseDetect)
	}
	sess.config = cfg
	ext.End(fmt.Sprintf("Detected %s database", cfg.DBType))

	s.logger.Info().
		Str("archive", sess.ArchivePath).
		Int("files", res.Files).
		Str("dbtype", string(cfg.DBType)).
		Str("version", cfg.Version).
		Msg("archive extracted")
	return nil
}

// Restore synthesizes the container pair from an extracted session. Containers
// created by a failed run are removed.
//
//nolint:gocognit,gocyclo // restore workflow has multiple steps by design
func (s *Impl) Restore(ctx context.Context, sess *Session, req models.RestoreRequest, sink progress.Sink) (*models.RestoreResult, error) {
	startTime := s.now()
	var failedStep string
	var created []string

	if !sess.Extracted() {
		return nil, apperr.New(apperr.KindInvalidArchive, "archive has not been extracted").WithPhase(PhaseDetect)
	}
	if missing := sess.MissingCredentials(req); len(missing) > 0 {
		e := apperr.New(apperr.KindDatabaseFailure, fmt.Sprintf("missing database credentials: %v", missing)).WithPhase(PhaseDetect)
		e.Hint = "Enter the database name, user and password of the backed-up instance"
		return nil, e
	}
	if req.HostPort == 0 {
		req.HostPort = DefaultHostPort
	}

	cfg := sess.Config()
	creds := sess.Credentials(req)
	tree := sess.TreeDir()
	pair := models.ContainerPair{App: docker.AppContainerName, Network: docker.NetworkName}
	if !cfg.DBType.IsSQLite() {
		pair.DB = docker.DBContainerName
	}

	s.logger.Info().
		Str("archive", sess.ArchivePath).
		Str("dbtype", string(cfg.DBType)).
		Int("host_port", req.HostPort).
		Msg("starting restore")

	fail := func(err error) (*models.RestoreResult, error) {
		err = apperr.InPhase(failedStep, err)
		s.logger.Error().Err(err).Str("step", failedStep).Msg("restore failed")
		if len(created) > 0 {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if rmErr := s.deps.Docker.Remove(cleanupCtx, created...); rmErr != nil {
				s.logger.Warn().Err(rmErr).Strs("containers", created).Msg("failed to remove containers")
			}
		}
		return nil, err
	}

	// Step 4: Container synthesis
	failedStep = PhaseCompose
	syn := progress.NewRange(sink, PhaseCompose, 20, 30)
	syn.Start("Preparing containers")
	if err := s.deps.Docker.EnsureAvailable(ctx); err != nil {
		return fail(err)
	}
	if !s.portAvailable(req.HostPort) {
		return fail(portConflict(req.HostPort))
	}
	if err := s.clearExisting(ctx, pair, req.ReplaceExisting); err != nil {
		return fail(err)
	}

	topo, composePath, err := s.deps.Docker.Compose(docker.ComposeConfig{
		DBType:        cfg.DBType,
		Credentials:   creds,
		HostPort:      req.HostPort,
		Version:       cfg.Version,
		AdminUser:     req.AdminUser,
		AdminPassword: req.AdminPassword,
		Images:        s.opts.Images,
	})
	if err != nil {
		return fail(err)
	}
	if err := s.deps.Docker.CreateNetwork(ctx, docker.NetworkName); err != nil {
		return fail(err)
	}
	syn.Step(1, 4, "Pulling images", "")
	for _, name := range []string{docker.ServiceApp, docker.ServiceDB} {
		svc, ok := topo.Services[name]
		if !ok {
			continue
		}
		if err := s.deps.Docker.PullImage(ctx, svc.Image); err != nil {
			return fail(err)
		}
	}
	syn.Step(2, 4, "Creating containers", "")
	if err := s.deps.Docker.CreateService(ctx, topo, docker.ServiceApp); err != nil {
		return fail(err)
	}
	created = append(created, pair.App)
	if pair.DB != "" {
		if err := s.deps.Docker.CreateService(ctx, topo, docker.ServiceDB); err != nil {
			return fail(err)
		}
		created = append(created, pair.DB)
		syn.Step(3, 4, "Starting database container", pair.DB)
		if err := s.deps.Docker.Start(ctx, pair.DB); err != nil {
			return fail(err)
		}
	}
	syn.End("Containers created")

	// Step 5: Bulk copy
	failedStep = PhaseCopy
	if err := s.copyFolders(ctx, pair.App, tree, progress.NewRange(sink, PhaseCopy, 30, 80)); err != nil {
		return fail(err)
	}

	// Step 6: Database restore
	failedStep = PhaseDB
	dbr := progress.NewRange(sink, PhaseDB, 80, 90)
	if cfg.DBType.IsSQLite() {
		dbr.End("SQLite database restored with the data folder")
	} else {
		dumpPath := filepath.Join(tree, DumpFile)
		if _, err := os.Stat(dumpPath); err != nil {
			return fail(apperr.Wrap(apperr.KindInvalidArchive, err, "archive does not contain "+DumpFile))
		}
		dbr.Start("Waiting for database server")
		if err := s.deps.Database.WaitForServer(ctx, pair.DB, creds, s.opts.DBTimeout); err != nil {
			return fail(err)
		}
		dbr.Step(1, 2, "Importing database", DumpFile)
		if err := s.deps.Database.Restore(ctx, pair.DB, creds, dumpPath); err != nil {
			return fail(err)
		}
		dbr.End("Database restored")
	}

	// Step 7: Config rewrite
	failedStep = PhaseConfig
	cr := progress.NewRange(sink, PhaseConfig, 90, 95)
	cr.Start("Updating config.php")
	if err := s.rewriteConfig(ctx, pair, cfg.DBType); err != nil {
		return fail(err)
	}
	cr.End("config.php updated")

	// Step 8: Readiness
	failedStep = PhaseReady
	rd := progress.NewRange(sink, PhaseReady, 95, 100)
	rd.Start("Starting Nextcloud")
	if err := s.deps.Docker.Start(ctx, pair.App); err != nil {
		return fail(err)
	}
	if err := s.deps.Docker.Chown(ctx, pair.App, s.opts.WebRoot); err != nil {
		return fail(err)
	}
	rd.Step(1, 2, "Waiting for Nextcloud to respond", "")
	url := fmt.Sprintf("http://localhost:%d/status.php", req.HostPort)
	if err := s.deps.Docker.WaitReady(ctx, url, s.opts.ReadinessTimeout); err != nil {
		return fail(err)
	}

	result := &models.RestoreResult{
		Pair:          pair,
		ContainerName: pair.App,
		HostPort:      req.HostPort,
		DBType:        cfg.DBType,
		ComposePath:   composePath,
		Files:         sess.Files(),
	}
	queryContainer := pair.DB
	if cfg.DBType.IsSQLite() {
		queryContainer = pair.App
		creds.DataDir = path.Join(s.opts.WebRoot, "data")
	}
	if admin, err := s.deps.Database.AdminUser(ctx, queryContainer, creds); err != nil {
		s.logger.Warn().Err(err).Msg("could not determine admin user")
	} else if admin != "" {
		result.AdminUsername = &admin
	}
	result.Duration = s.now().Sub(startTime)
	rd.End("Restore completed")

	s.logger.Info().
		Str("container", result.ContainerName).
		Int("host_port", result.HostPort).
		Dur("duration", result.Duration).
		Msg("restore completed successfully")
	return result, nil
}

func portConflict(port int) error {
	alts := docker.AlternativePorts(port)
	hint := fmt.Sprintf("Port %d is already in use on this machine. Choose a free port", port)
	if len(alts) > 0 {
		hint += fmt.Sprintf(", for example %d", alts[0])
	}
	return apperr.Container(models.ContainerFailure{
		Kind:             models.ContainerPortConflict,
		Container:        docker.AppContainerName,
		Port:             port,
		Suggestion:       hint,
		AlternativePorts: alts,
	}, fmt.Errorf("host port %d is already allocated", port))
}

// clearExisting removes containers left by an earlier restore when allowed.
func (s *Impl) clearExisting(ctx context.Context, pair models.ContainerPair, replace bool) error {
	for _, name := range []string{pair.App, pair.DB} {
		if name == "" {
			continue
		}
		exists, err := s.deps.Docker.Exists(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if !replace {
			return apperr.Container(models.ContainerFailure{
				Kind:       models.ContainerNameConflict,
				Container:  name,
				Suggestion: fmt.Sprintf("Remove the existing %s container or allow it to be replaced", name),
			}, fmt.Errorf("container %s already exists", name))
		}
		s.logger.Info().Str("container", name).Msg("replacing existing container")
		if err := s.deps.Docker.Remove(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// copyFolders pushes each extracted folder into the stopped app container. The
// range stays indeterminate while docker copies, with a heartbeat keeping the
// status line alive between per-file events.
func (s *Impl) copyFolders(ctx context.Context, app, tree string, r *progress.Range) error {
	var folders []string
	for _, f := range models.BackupFolders {
		if info, err := os.Stat(filepath.Join(tree, f)); err == nil && info.IsDir() {
			folders = append(folders, f)
		}
	}

	for i, folder := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		label := fmt.Sprintf("Copying %s (%d/%d)", folder, i+1, len(folders))
		r.Pulse(label, folder)

		stop := progress.Heartbeat(ctx, progress.HeartbeatInterval, func() { r.Pulse(label, folder) })
		err := s.deps.Docker.CopyInto(ctx, app, filepath.Join(tree, folder), path.Join(s.opts.WebRoot, folder),
			progress.SinkFunc(func(ev models.ProgressEvent) {
				msg := label
				if ev.Total > 0 {
					msg = fmt.Sprintf("%s: %d of %d files", label, ev.Done, ev.Total)
				}
				r.Pulse(msg, path.Join(folder, ev.Item))
			}))
		stop()
		if err != nil {
			return err
		}
	}
	r.Reset(fmt.Sprintf("Copied %d folders", len(folders)))
	return nil
}

// rewriteConfig points config.php at the new database container and web root.
func (s *Impl) rewriteConfig(ctx context.Context, pair models.ContainerPair, dbType models.DBType) error {
	configPath := path.Join(s.opts.WebRoot, "config", "config.php")
	content, err := s.deps.Docker.ReadFile(ctx, pair.App, configPath)
	if err != nil {
		return err
	}
	doc, err := phpconfig.Parse(content)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidArchive, err, "restored config.php is not readable")
	}
	if !dbType.IsSQLite() {
		if err := doc.SetString(phpconfig.KeyDBHost, pair.DB); err != nil {
			return apperr.Wrap(apperr.KindIO, err, "failed to set dbhost")
		}
	}
	if err := doc.SetString(phpconfig.KeyDataDirectory, path.Join(s.opts.WebRoot, "data")); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "failed to set datadirectory")
	}
	return s.deps.Docker.WriteFile(ctx, pair.App, configPath, doc.Bytes())
}
