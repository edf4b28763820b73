package restore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fgeck/nextcloud-restore/internal/models"
)

// DumpFile is the database dump member at the archive root.
const DumpFile = "nextcloud-db.sql"

// Session tracks one archive through the restore wizard. Extraction runs at most
// once per archive and password; any failure resets the extraction flags.
type Session struct {
	ArchivePath string

	password             string
	workDir              string
	extractionAttempted  bool
	extractionSuccessful bool
	extractions          int

	config models.NextcloudConfig
	files  int
}

// NewSession starts a session for the archive at archivePath.
func NewSession(archivePath string) *Session {
	return &Session{ArchivePath: archivePath}
}

// Encrypted reports whether the archive is a GPG envelope.
func (s *Session) Encrypted() bool {
	return strings.HasSuffix(strings.ToLower(s.ArchivePath), ".gpg")
}

// Extracted reports whether the archive has been extracted with the current inputs.
func (s *Session) Extracted() bool {
	return s.extractionAttempted && s.extractionSuccessful
}

// Extractions returns how many times the archive has actually been extracted.
func (s *Session) Extractions() int {
	return s.extractions
}

// Config returns the configuration detected in the extracted archive.
func (s *Session) Config() models.NextcloudConfig {
	return s.config
}

// Files returns the number of members extracted.
func (s *Session) Files() int {
	return s.files
}

// TreeDir is the directory holding the extracted payload.
func (s *Session) TreeDir() string {
	if s.workDir == "" {
		return ""
	}
	return filepath.Join(s.workDir, "tree")
}

// Credentials merges the detected credentials with caller overrides.
func (s *Session) Credentials(req models.RestoreRequest) models.DBCredentials {
	c := s.config.Credentials()
	if req.DBName != "" {
		c.Name = req.DBName
	}
	if req.DBUser != "" {
		c.User = req.DBUser
	}
	if req.DBPassword != "" {
		c.Password = req.DBPassword
	}
	return c
}

// MissingCredentials lists the database fields the caller still has to supply.
func (s *Session) MissingCredentials(req models.RestoreRequest) []string {
	return s.Credentials(req).Missing()
}

func (s *Session) reset() {
	s.extractionAttempted = false
	s.extractionSuccessful = false
	s.config = models.NextcloudConfig{}
	s.files = 0
	s.removeWorkDir()
}

func (s *Session) removeWorkDir() {
	if s.workDir != "" {
		_ = os.RemoveAll(s.workDir)
		s.workDir = ""
	}
}

// Close removes the extraction scratch area.
func (s *Session) Close() error {
	s.reset()
	return nil
}
