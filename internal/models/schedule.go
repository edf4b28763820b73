package models

import "time"

// Frequency of a scheduled backup.
type Frequency string

// Supported frequencies.
const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// ScheduleRecord is the persisted backup schedule.
type ScheduleRecord struct {
	TaskName  string    `json:"task_name" mapstructure:"task_name" validate:"required"`
	BackupDir string    `json:"backup_dir" mapstructure:"backup_dir" validate:"required"`
	Frequency Frequency `json:"frequency" mapstructure:"frequency" validate:"oneof=daily weekly monthly"`
	TimeOfDay string    `json:"time_of_day" mapstructure:"time_of_day" validate:"hhmm"`
	Encrypt   bool      `json:"encrypt" mapstructure:"encrypt"`
	Password  string    `json:"password,omitempty" mapstructure:"password" validate:"required_if=Encrypt true"`
	Rotation  int       `json:"rotation" mapstructure:"rotation" validate:"oneof=0 1 2 3 5 10"`
	Enabled   bool      `json:"enabled" mapstructure:"enabled"`
	Container string    `json:"container,omitempty" mapstructure:"container"`
}

// ScheduleStatus is the reconciled view of the schedule returned by the supervisor.
type ScheduleStatus struct {
	Record         *ScheduleRecord
	TaskRegistered bool
	Reconciled     bool // the record's Enabled flag was corrected to match the OS task
	NextRun        time.Time
}

// TestRunResult is the outcome of a schedule wiring test.
type TestRunResult struct {
	ArchivePath string
	SizeBytes   int64
	Verified    bool
	Removed     bool
}

// ScheduledRunRequest is a non-interactive invocation. Empty fields fall back
// to the saved schedule.
type ScheduledRunRequest struct {
	BackupDir string
	Encrypt   *bool
	Password  string
	Container string
	TestRun   bool
}

// ScheduledRunResult holds the outcome of a non-interactive run.
type ScheduledRunResult struct {
	BackupDir string
	Encrypt   bool
	Rotation  int
	Container string
	Backup    *BackupResult
	TestRun   *TestRunResult
	Duration  time.Duration
}
