package models

import "time"

// BackupFolders are the Nextcloud folders captured from the web root.
var BackupFolders = []string{"config", "data", "apps", "custom_apps"}

// BackupRequest describes one backup run.
type BackupRequest struct {
	Container   string
	DBContainer string // optional; derived from dbhost when empty
	BackupDir   string
	Encrypt     bool
	Password    string
	Rotation    int // 0 keeps everything
}

// BackupResult holds the result of a backup run.
type BackupResult struct {
	ArchivePath string
	SizeBytes   int64
	Encrypted   bool
	DBType      DBType
	Folders     []string
	Files       int
	HistoryID   int64
	Rotated     []string
	Duration    time.Duration
}
