// Package history keeps the ledger of backup runs in an embedded SQLite database.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// DefaultListLimit is the number of entries List returns when limit <= 0.
const DefaultListLimit = 50

// Service defines the ledger operations.
type Service interface {
	Add(ctx context.Context, entry models.HistoryEntry) (int64, error)
	List(ctx context.Context, limit int) ([]models.HistoryEntry, error)
	Get(ctx context.Context, id int64) (*models.HistoryEntry, error)
	Delete(ctx context.Context, id int64) error
	DeleteByArchive(ctx context.Context, archivePath string) (int64, error)
	ListExisting(ctx context.Context, limit int) ([]models.HistoryEntry, error)
	Close() error
}

// Impl implements the ledger on database/sql.
type Impl struct {
	db     *sql.DB
	mu     sync.Mutex
	logger zerolog.Logger
	exists func(path string) bool
}

// Open opens (creating if needed) the ledger at dbPath and applies migrations.
func Open(logger zerolog.Logger, dbPath string) (*Impl, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Impl{db: db, logger: logger, exists: fileExists}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Close closes the database.
func (s *Impl) Close() error {
	return s.db.Close()
}

// Add records a backup. Re-adding an archive path replaces its row. The write is
// committed before Add returns.
func (s *Impl) Add(ctx context.Context, e models.HistoryEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	folders, err := json.Marshal(nonNil(e.FoldersBackedUp))
	if err != nil {
		return 0, fmt.Errorf("encode folders: %w", err)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.VerificationStatus == "" {
		e.VerificationStatus = models.VerificationSuccess
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO backups (archive_path, timestamp, size_bytes, encrypted, database_type, folders_backed_up, verification_status, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(archive_path) DO UPDATE SET
		   timestamp = excluded.timestamp,
		   size_bytes = excluded.size_bytes,
		   encrypted = excluded.encrypted,
		   database_type = excluded.database_type,
		   folders_backed_up = excluded.folders_backed_up,
		   verification_status = excluded.verification_status,
		   notes = excluded.notes
		 RETURNING id`,
		e.ArchivePath, formatTime(e.Timestamp), e.SizeBytes, e.Encrypted, string(e.DatabaseType),
		string(folders), string(e.VerificationStatus), e.Notes,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert backup: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug().Int64("id", id).Str("archive", e.ArchivePath).Msg("recorded backup")
	return id, nil
}

const selectColumns = `SELECT id, archive_path, timestamp, size_bytes, encrypted, database_type, folders_backed_up, verification_status, notes FROM backups`

// List returns up to limit entries, most recent first.
func (s *Impl) List(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.HistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Get returns one entry, or nil if the id is unknown.
func (s *Impl) Get(ctx context.Context, id int64) (*models.HistoryEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// Delete removes the ledger row. The archive file is left alone.
func (s *Impl) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete backup %d: %w", id, err)
	}
	return nil
}

// DeleteByArchive removes every row recorded for archivePath and reports how many
// were removed.
func (s *Impl) DeleteByArchive(ctx context.Context, archivePath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE archive_path = ?`, archivePath)
	if err != nil {
		return 0, fmt.Errorf("delete backups for %s: %w", archivePath, err)
	}
	return res.RowsAffected()
}

// ListExisting lists entries and drops the ones whose archive no longer exists.
func (s *Impl) ListExisting(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	entries, err := s.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if s.exists(e.ArchivePath) {
			kept = append(kept, e)
			continue
		}
		s.logger.Info().Int64("id", e.ID).Str("archive", e.ArchivePath).Msg("archive missing, removing history entry")
		if err := s.Delete(ctx, e.ID); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.HistoryEntry, error) {
	var (
		e         models.HistoryEntry
		ts        string
		dbType    string
		folders   string
		status    string
		encrypted bool
	)
	err := row.Scan(&e.ID, &e.ArchivePath, &ts, &e.SizeBytes, &encrypted, &dbType, &folders, &status, &e.Notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan backup: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	e.Timestamp = t.Local()
	e.Encrypted = encrypted
	e.DatabaseType = models.DBType(dbType)
	e.VerificationStatus = models.VerificationStatus(status)
	if err := json.Unmarshal([]byte(folders), &e.FoldersBackedUp); err != nil {
		return nil, fmt.Errorf("decode folders: %w", err)
	}
	return &e, nil
}

// formatTime stores UTC with fixed-width fractional seconds so text order matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
