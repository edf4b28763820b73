// Package models contains the data structures used throughout nextcloud-restore.
package models

import "time"

// AppSettings holds the tunable settings loaded from settings.yaml and the environment.
type AppSettings struct {
	Docker   DockerSettings
	Timeouts TimeoutSettings
	Restore  RestoreSettings
	LogDir   string
}

// DockerSettings holds container runtime settings.
type DockerSettings struct {
	Binary      string // docker CLI, default "docker"
	DesktopPath string // Docker Desktop executable used for silent auto-start
	WebRoot     string // Nextcloud web root inside the app container
}

// TimeoutSettings holds the bounded-operation budgets.
type TimeoutSettings struct {
	AdminQuery          time.Duration
	Readiness           time.Duration
	AgentQuery          time.Duration
	DockerStartAttempts int
	DockerStartInterval time.Duration
}

// RestoreSettings holds the images used when synthesizing a container pair.
type RestoreSettings struct {
	AppImage   string
	MySQLImage string
	PgSQLImage string
}
