package models

import "time"

// VerificationStatus is the outcome recorded for a backup attempt.
type VerificationStatus string

// Verification outcomes.
const (
	VerificationSuccess VerificationStatus = "success"
	VerificationPartial VerificationStatus = "partial"
	VerificationFailed  VerificationStatus = "failed"
)

// HistoryEntry is one row of the backup ledger.
type HistoryEntry struct {
	ID                 int64
	ArchivePath        string
	Timestamp          time.Time
	SizeBytes          int64
	Encrypted          bool
	DatabaseType       DBType
	FoldersBackedUp    []string
	VerificationStatus VerificationStatus
	Notes              string
}
