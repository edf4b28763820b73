package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fgeck/nextcloud-restore/internal/models"
)

// AppDataEnv overrides the app-data directory.
const AppDataEnv = "NCRESTORE_APPDATA"

const (
	appDirName  = "NextcloudRestore"
	logDirName  = "NextcloudLogs"
	historyFile = "backup_history.db"
	composeDir  = "compose"
)

// Paths are the per-user locations the application writes to.
type Paths struct {
	AppData    string
	Settings   string
	HistoryDB  string
	ComposeDir string
	LogDir     string
}

// ResolvePaths computes the per-user paths. A non-empty logDir overrides the
// default log directory.
func ResolvePaths(logDir string) (Paths, error) {
	appData := os.Getenv(AppDataEnv)
	if appData == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return Paths{}, fmt.Errorf("locating user config directory: %w", err)
		}
		appData = filepath.Join(base, appDirName)
	}

	if logDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("locating home directory: %w", err)
		}
		logDir = filepath.Join(home, "Documents", logDirName)
	}

	return Paths{
		AppData:    appData,
		Settings:   filepath.Join(appData, SettingsFile),
		HistoryDB:  filepath.Join(appData, historyFile),
		ComposeDir: filepath.Join(appData, composeDir),
		LogDir:     logDir,
	}, nil
}

// Ensure creates the directories in p.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.AppData, p.ComposeDir, p.LogDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// Load resolves paths, reads settings.yaml from the app-data directory if
// present, and applies the configured log directory.
func Load() (*models.AppSettings, Paths, error) {
	paths, err := ResolvePaths("")
	if err != nil {
		return nil, Paths{}, err
	}
	settings, err := NewParser().LoadFile(paths.Settings)
	if err != nil {
		return nil, Paths{}, err
	}
	if settings.LogDir != "" {
		paths.LogDir = settings.LogDir
	} else {
		settings.LogDir = paths.LogDir
	}
	return settings, paths, nil
}
