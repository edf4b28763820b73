package models

import "time"

// RestoreRequest describes how a prepared archive is turned into a running instance.
type RestoreRequest struct {
	HostPort        int
	AdminUser       string
	AdminPassword   string
	DBName          string // overrides for credentials missing from config.php
	DBUser          string
	DBPassword      string
	ReplaceExisting bool
}

// RestoreResult is reported on completion of a restore.
type RestoreResult struct {
	Pair          ContainerPair
	ContainerName string
	HostPort      int
	AdminUsername *string
	DBType        DBType
	ComposePath   string
	Files         int
	Duration      time.Duration
}
