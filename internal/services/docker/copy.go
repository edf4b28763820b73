package docker

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/progress"
	"github.com/fgeck/nextcloud-restore/internal/services/archive"
	"github.com/fgeck/nextcloud-restore/internal/services/phpconfig"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
)

// robocopyFailure is the lowest robocopy exit code that signals an error.
const robocopyFailure = 8

// DetectConfig reads config.php out of a container and parses it.
func (s *Impl) DetectConfig(ctx context.Context, containerName string) (models.NextcloudConfig, error) {
	var buf bytes.Buffer
	src := containerName + ":" + path.Join(s.WebRoot(), "config")
	if _, err := s.docker(ctx, process.Command{Args: []string{"cp", src, "-"}, Stdout: &buf}, containerName); err != nil {
		return models.NextcloudConfig{}, err
	}

	_, content, err := archive.ReadMember(ctx, &buf, archive.ConfigSelector)
	if err != nil {
		return models.NextcloudConfig{}, err
	}
	doc, err := phpconfig.Parse(content)
	if err != nil {
		return models.NextcloudConfig{}, err
	}
	cfg, err := doc.Config()
	if err != nil {
		return models.NextcloudConfig{}, err
	}
	s.logger.Info().
		Str("container", containerName).
		Str("dbtype", string(cfg.DBType)).
		Str("dbhost", cfg.DBHost).
		Msg("detected nextcloud configuration")
	return cfg, nil
}

// ReadFile copies one file out of a container.
func (s *Impl) ReadFile(ctx context.Context, containerName, containerPath string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.docker(ctx, process.Command{Args: []string{"cp", containerName + ":" + containerPath, "-"}, Stdout: &buf}, containerName); err != nil {
		return nil, err
	}
	_, content, err := archive.ReadMember(ctx, &buf, archive.Selector{Basename: path.Base(containerPath)})
	return content, err
}

// WriteFile replaces a file inside a container. The container may be stopped.
func (s *Impl) WriteFile(ctx context.Context, containerName, containerPath string, content []byte) error {
	dir, err := os.MkdirTemp("", "nextcloud-file-*")
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "failed to create staging directory")
	}
	defer func() { _ = os.RemoveAll(dir) }()

	local := filepath.Join(dir, path.Base(containerPath))
	if err := os.WriteFile(local, content, 0o640); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "failed to stage file")
	}
	_, err = s.docker(ctx, process.Command{Args: []string{"cp", local, containerName + ":" + containerPath}}, containerName)
	return err
}

// CopyOut copies a container directory to hostDest.
func (s *Impl) CopyOut(ctx context.Context, containerName, containerSrc, hostDest string) error {
	if err := os.MkdirAll(filepath.Dir(hostDest), 0o750); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "failed to create destination")
	}
	s.logger.Info().Str("container", containerName).Str("src", containerSrc).Str("dest", hostDest).Msg("copying out of container")
	_, err := s.docker(ctx, process.Command{Args: []string{"cp", containerName + ":" + containerSrc, hostDest}}, containerName)
	return err
}

// CopyInto copies the contents of hostSrc to containerDest, reporting one event
// per file. On Windows files are mirrored into a staging directory first and
// pushed with a single docker cp.
func (s *Impl) CopyInto(ctx context.Context, containerName, hostSrc, containerDest string, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Discard
	}
	files, dirs, err := walkTree(hostSrc)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "failed to read "+hostSrc)
	}

	s.logger.Info().
		Str("container", containerName).
		Str("src", hostSrc).
		Str("dest", containerDest).
		Int("files", len(files)).
		Msg("copying into container")

	if s.goos == "windows" {
		return s.copyStaged(ctx, containerName, hostSrc, containerDest, len(files), sink)
	}
	return s.copyPerFile(ctx, containerName, hostSrc, containerDest, files, dirs, sink)
}

func walkTree(root string) (files, dirs []string, err error) {
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, filepath.ToSlash(rel))
		} else {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	return files, dirs, err
}

func (s *Impl) copyStaged(ctx context.Context, containerName, hostSrc, containerDest string, total int, sink progress.Sink) error {
	staging, err := os.MkdirTemp("", "nextcloud-stage-*")
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "failed to create staging directory")
	}
	defer func() { _ = os.RemoveAll(staging) }()

	count := 0
	lines := &lineWriter{onLine: func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		count++
		sink.Report(models.ProgressEvent{Item: filepath.Base(line), Done: count, Total: total})
	}}

	res, err := s.runner.Run(ctx, process.Command{
		Name:   "robocopy",
		Args:   []string{hostSrc, staging, "/E", "/MT:8", "/R:1", "/W:1", "/NDL", "/NJH", "/NJS", "/NP", "/NC", "/NS"},
		Stdout: lines,
	})
	lines.flush()
	if err != nil {
		return err
	}
	if res.ExitCode >= robocopyFailure {
		return apperr.Wrap(apperr.KindIO,
			fmt.Errorf("robocopy exited with code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr))),
			"failed to stage files")
	}

	_, err = s.docker(ctx, process.Command{
		Args: []string{"cp", staging + string(os.PathSeparator) + ".", containerName + ":" + containerDest},
	}, containerName)
	return err
}

func (s *Impl) copyPerFile(ctx context.Context, containerName, hostSrc, containerDest string, files, dirs []string, sink progress.Sink) error {
	// docker cp needs the parent directories to exist, and the container may be
	// stopped, so the directory skeleton goes in first with one copy.
	skeleton, err := os.MkdirTemp("", "nextcloud-skeleton-*")
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "failed to create staging directory")
	}
	defer func() { _ = os.RemoveAll(skeleton) }()

	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(skeleton, filepath.FromSlash(d)), 0o750); err != nil {
			return apperr.Wrap(apperr.KindIO, err, "failed to create staging directory")
		}
	}
	if _, err := s.docker(ctx, process.Command{
		Args: []string{"cp", skeleton + string(os.PathSeparator) + ".", containerName + ":" + containerDest},
	}, containerName); err != nil {
		return err
	}

	for i, rel := range files {
		if err := ctx.Err(); err != nil {
			return apperr.FromContext(err)
		}
		src := filepath.Join(hostSrc, filepath.FromSlash(rel))
		dest := containerName + ":" + path.Join(containerDest, rel)
		if _, err := s.docker(ctx, process.Command{Args: []string{"cp", src, dest}}, containerName); err != nil {
			return err
		}
		sink.Report(models.ProgressEvent{Item: rel, Done: i + 1, Total: len(files)})
	}
	return nil
}

// Chown gives the web user ownership of a path inside a running container.
func (s *Impl) Chown(ctx context.Context, containerName, containerPath string) error {
	res, err := s.ExecAs(ctx, containerName, "root", process.Command{
		Name: "chown",
		Args: []string{"-R", WebUser + ":" + WebUser, containerPath},
	})
	if err != nil {
		return err
	}
	if !res.Success() {
		return apperr.Wrap(apperr.KindContainerFailure,
			fmt.Errorf("chown exited with code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr))),
			"failed to fix ownership")
	}
	return nil
}

// lineWriter calls onLine for every complete line written to it.
type lineWriter struct {
	buf    []byte
	onLine func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.onLine(strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.onLine(string(w.buf))
		w.buf = nil
	}
}
