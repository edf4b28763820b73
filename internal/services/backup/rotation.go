package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// TimestampLayout is the timestamp embedded in archive names.
const TimestampLayout = "20060102_150405"

const archivePrefix = "nextcloud-backup-"

var archiveName = regexp.MustCompile(`^nextcloud-backup-(\d{8}_\d{6})\.tar\.gz(\.gpg)?$`)

// ArchiveName returns the archive file name for a run started at t.
func ArchiveName(t time.Time, encrypted bool) string {
	name := archivePrefix + t.Format(TimestampLayout) + ".tar.gz"
	if encrypted {
		name += ".gpg"
	}
	return name
}

// IsArchiveName reports whether name follows the archive naming pattern.
func IsArchiveName(name string) bool {
	return archiveName.MatchString(name)
}

type archiveFile struct {
	path  string
	stamp string
}

// Archives lists the engine-named archives in dir, oldest first.
func Archives(dir string) ([]string, error) {
	files, err := scanArchives(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

func scanArchives(dir string) ([]archiveFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}
	var files []archiveFile
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		m := archiveName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		files = append(files, archiveFile{path: filepath.Join(dir, e.Name()), stamp: m[1]})
	}
	// The fixed-width stamp sorts lexically in time order.
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].stamp == files[j].stamp {
			return files[i].path < files[j].path
		}
		return files[i].stamp < files[j].stamp
	})
	return files, nil
}

// Rotate deletes the oldest engine-named archives in dir until at most keep remain.
// keep <= 0 keeps everything. Files not matching the naming pattern are never touched.
func Rotate(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	files, err := scanArchives(dir)
	if err != nil {
		return nil, err
	}
	if len(files) <= keep {
		return nil, nil
	}

	var removed []string
	for _, f := range files[:len(files)-keep] {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove %s: %w", filepath.Base(f.path), err)
		}
		removed = append(removed, f.path)
	}
	return removed, nil
}
