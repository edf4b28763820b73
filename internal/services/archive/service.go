// Package archive reads and writes Nextcloud backup archives (gzip-compressed tar,
// optionally wrapped in a GPG symmetric envelope).
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
	"github.com/rs/zerolog"
)

// ProgressFunc receives one event per archive member.
type ProgressFunc func(p models.ArchiveProgress)

// Selector picks a single member out of an archive stream.
type Selector struct {
	Basename        string
	RequiredSegment string   // a parent directory that must appear in the member path
	RequiredTokens  []string // content must contain all of these
}

// ConfigSelector matches config/config.php and checks it looks like a Nextcloud config.
var ConfigSelector = Selector{
	Basename:        "config.php",
	RequiredSegment: "config",
	RequiredTokens:  []string{"$CONFIG", "dbtype"},
}

// Matches reports whether a member name satisfies the selector's path rules.
func (s Selector) Matches(name string) bool {
	name = strings.TrimPrefix(path.Clean(strings.ReplaceAll(name, "\\", "/")), "./")
	if path.Base(name) != s.Basename {
		return false
	}
	if s.RequiredSegment == "" {
		return true
	}
	parent := path.Dir(name)
	if parent == "." {
		return false
	}
	for _, seg := range strings.Split(parent, "/") {
		if seg == s.RequiredSegment {
			return true
		}
	}
	return false
}

// Result holds the outcome of a create or extract run.
type Result struct {
	Files int
	Bytes int64
}

// Service defines the archive codec operations.
type Service interface {
	Preflight(encrypted bool) error
	Create(ctx context.Context, archivePath, treeRoot string, progress ProgressFunc) (*Result, error)
	ExtractAll(ctx context.Context, archivePath, destDir string, progress ProgressFunc) (*Result, error)
	ExtractOne(ctx context.Context, archivePath string, sel Selector, destDir string) (string, error)
	ExtractOneFrom(ctx context.Context, r io.Reader, gzipped bool, sel Selector, destDir string) (string, error)
	Encrypt(ctx context.Context, input, output, password string) error
	Decrypt(ctx context.Context, input, output, password string) error
}

// Impl implements the archive Service.
type Impl struct {
	runner process.Runner
	logger zerolog.Logger
	goos   string
}

// New creates a new archive codec.
func New(logger zerolog.Logger, runner process.Runner) *Impl {
	return &Impl{runner: runner, logger: logger, goos: currentOS}
}

// Create streams every file under treeRoot into a gzip tar at archivePath.
// Member paths are relative to treeRoot. The archive is written to a temporary
// sibling and renamed into place, so a failed run leaves nothing at archivePath.
func (s *Impl) Create(ctx context.Context, archivePath, treeRoot string, progress ProgressFunc) (*Result, error) {
	s.logger.Info().Str("archive", archivePath).Str("root", treeRoot).Msg("creating archive")

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o750); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "failed to create archive directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(archivePath), "."+filepath.Base(archivePath)+".*.partial")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "failed to create archive file")
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	gw := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gw)
	result := &Result{}

	walkErr := filepath.WalkDir(treeRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, err := filepath.Rel(treeRoot, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		n, err := writeMember(tw, p, name, info)
		if err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
		if info.Mode().IsRegular() {
			result.Files++
			result.Bytes += n
			if progress != nil {
				progress(models.ArchiveProgress{Bytes: result.Bytes, Files: result.Files, Current: name, Total: -1})
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, apperr.InPhase("archive", walkErr)
	}

	if err := tw.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "failed to finalize tar stream")
	}
	if err := gw.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "failed to finalize gzip stream")
	}
	if err := tmp.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "failed to close archive file")
	}
	if err := os.Rename(tmpPath, archivePath); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "failed to move archive into place")
	}
	committed = true

	s.logger.Info().
		Str("archive", archivePath).
		Int("files", result.Files).
		Int64("bytes", result.Bytes).
		Msg("archive created")
	return result, nil
}

func writeMember(tw *tar.Writer, src, name string, info fs.FileInfo) (int64, error) {
	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return 0, err
		}
		link = target
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return 0, err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Format = tar.FormatPAX
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, nil
	}

	f, err := os.Open(src) //nolint:gosec // src comes from walking the staging tree
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	return io.Copy(tw, f)
}

// ExtractAll unpacks every member into destDir, reporting each member as it is
// encountered. The total is only known when the stream ends.
func (s *Impl) ExtractAll(ctx context.Context, archivePath, destDir string, progress ProgressFunc) (*Result, error) {
	s.logger.Info().Str("archive", archivePath).Str("dest", destDir).Msg("extracting archive")

	f, err := os.Open(archivePath) //nolint:gosec // path supplied by the user
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "failed to open archive")
	}
	defer func() { _ = f.Close() }()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArchive, err, "archive is not gzip-compressed")
	}
	defer func() { _ = gr.Close() }()

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "failed to create extraction directory")
	}

	tr := tar.NewReader(gr)
	result := &Result{}
	members := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, apperr.InPhase("extract", err)
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidArchive, err, "malformed tar stream")
		}
		members++

		if hdr.Typeflag == tar.TypeReg {
			result.Files++
			if progress != nil {
				progress(models.ArchiveProgress{Bytes: result.Bytes, Files: result.Files, Current: hdr.Name, Total: -1})
			}
		}
		n, err := extractMember(tr, hdr, destDir)
		if err != nil {
			return nil, err
		}
		result.Bytes += n
	}

	if members == 0 {
		return nil, apperr.New(apperr.KindInvalidArchive, "archive contains no members")
	}
	if progress != nil {
		progress(models.ArchiveProgress{Bytes: result.Bytes, Files: result.Files, Total: result.Files})
	}

	s.logger.Info().
		Str("archive", archivePath).
		Int("files", result.Files).
		Int64("bytes", result.Bytes).
		Msg("archive extracted")
	return result, nil
}

// safeJoin resolves a member name below destDir, rejecting traversal.
func safeJoin(destDir, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", apperr.New(apperr.KindInvalidArchive, fmt.Sprintf("member %q escapes the archive root", name))
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	return filepath.Join(destDir, filepath.FromSlash(clean)), nil
}

func extractMember(tr *tar.Reader, hdr *tar.Header, destDir string) (int64, error) {
	target, err := safeJoin(destDir, hdr.Name)
	if err != nil {
		return 0, err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, 0o750); err != nil {
			return 0, apperr.Wrap(apperr.KindIO, err, "failed to create directory")
		}
		return 0, nil
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return 0, apperr.Wrap(apperr.KindIO, err, "failed to create directory")
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode(hdr)) //nolint:gosec // target validated by safeJoin
		if err != nil {
			return 0, apperr.Wrap(apperr.KindIO, err, "failed to create file")
		}
		n, copyErr := io.Copy(out, tr) //nolint:gosec // archives are user-owned backups
		closeErr := out.Close()
		if copyErr != nil {
			return n, apperr.Wrap(apperr.KindInvalidArchive, copyErr, fmt.Sprintf("failed to read member %s", hdr.Name))
		}
		if closeErr != nil {
			return n, apperr.Wrap(apperr.KindIO, closeErr, "failed to write file")
		}
		return n, nil
	case tar.TypeSymlink:
		if filepath.IsAbs(hdr.Linkname) || strings.Contains(hdr.Linkname, "..") {
			return 0, nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return 0, apperr.Wrap(apperr.KindIO, err, "failed to create directory")
		}
		_ = os.Remove(target)
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return 0, apperr.Wrap(apperr.KindIO, err, "failed to create symlink")
		}
		return 0, nil
	default:
		return 0, nil
	}
}

func fileMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		return 0o640
	}
	return mode | 0o600
}

// ExtractOne scans archivePath until the first member matching sel and writes it
// to destDir/<basename>.
func (s *Impl) ExtractOne(ctx context.Context, archivePath string, sel Selector, destDir string) (string, error) {
	f, err := os.Open(archivePath) //nolint:gosec // path supplied by the user
	if err != nil {
		return "", apperr.Wrap(apperr.KindIO, err, "failed to open archive")
	}
	defer func() { _ = f.Close() }()
	return s.ExtractOneFrom(ctx, f, true, sel, destDir)
}

// ExtractOneFrom is ExtractOne over an arbitrary tar stream, such as the output of
// `docker cp <container>:<path> -`.
func (s *Impl) ExtractOneFrom(ctx context.Context, r io.Reader, gzipped bool, sel Selector, destDir string) (string, error) {
	if gzipped {
		gr, err := gzip.NewReader(r)
		if err != nil {
			return "", apperr.Wrap(apperr.KindInvalidArchive, err, "archive is not gzip-compressed")
		}
		defer func() { _ = gr.Close() }()
		r = gr
	}

	name, content, err := ReadMember(ctx, r, sel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", apperr.Wrap(apperr.KindIO, err, "failed to create destination")
	}
	out := filepath.Join(destDir, sel.Basename)
	if err := os.WriteFile(out, content, 0o600); err != nil {
		return "", apperr.Wrap(apperr.KindIO, err, "failed to write member")
	}
	s.logger.Debug().Str("member", name).Str("dest", out).Msg("extracted member")
	return out, nil
}

// ReadMember scans an uncompressed tar stream for the first member matching sel
// and returns its name and content.
func ReadMember(ctx context.Context, r io.Reader, sel Selector) (string, []byte, error) {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return "", nil, apperr.InPhase("extract", err)
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, apperr.Wrap(apperr.KindInvalidArchive, err, "malformed tar stream")
		}
		if hdr.Typeflag != tar.TypeReg || !sel.Matches(hdr.Name) {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return "", nil, apperr.Wrap(apperr.KindInvalidArchive, err, "failed to read member")
		}
		for _, token := range sel.RequiredTokens {
			if !bytes.Contains(content, []byte(token)) {
				return "", nil, apperr.New(apperr.KindInvalidArchive,
					fmt.Sprintf("%s does not contain %q", hdr.Name, token))
			}
		}
		return hdr.Name, content, nil
	}

	if sel.RequiredSegment == "" {
		return "", nil, apperr.New(apperr.KindInvalidArchive, fmt.Sprintf("no %s found in archive", sel.Basename))
	}
	return "", nil, apperr.New(apperr.KindInvalidArchive,
		fmt.Sprintf("no %s/%s found in archive", sel.RequiredSegment, sel.Basename))
}
