package schedule

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// RecordFile is the schedule record's file name in the app-data directory.
const RecordFile = "schedule_config.json"

// DefaultTaskName is used when a record has no task name.
const DefaultTaskName = "NextcloudBackup"

var hhmm = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		return hhmm.MatchString(fl.Field().String())
	})
	return v
}

var validate = newValidator()

// Validate checks a schedule record.
func Validate(rec *models.ScheduleRecord) error {
	if err := validate.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid schedule: %s failed %q validation", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("invalid schedule: %w", err)
	}
	return nil
}

// Store persists the schedule record as JSON.
type Store struct {
	path string
}

// NewStore creates a store for the record inside appDataDir.
func NewStore(appDataDir string) *Store {
	return &Store{path: filepath.Join(appDataDir, RecordFile)}
}

// Path returns the record file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the record. It returns nil, nil when no schedule is saved.
func (s *Store) Load() (*models.ScheduleRecord, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading schedule: %w", err)
	}

	rec := &models.ScheduleRecord{}
	if err := v.Unmarshal(rec); err != nil {
		return nil, fmt.Errorf("decoding schedule: %w", err)
	}
	if rec.TaskName == "" {
		rec.TaskName = DefaultTaskName
	}
	if !rec.Encrypt {
		rec.Password = ""
	}
	return rec, nil
}

// Save validates and writes the record. The password is only persisted when
// encryption is enabled.
func (s *Store) Save(rec *models.ScheduleRecord) error {
	if rec.TaskName == "" {
		rec.TaskName = DefaultTaskName
	}
	if err := Validate(rec); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("creating app-data directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.Set("task_name", rec.TaskName)
	v.Set("backup_dir", rec.BackupDir)
	v.Set("frequency", string(rec.Frequency))
	v.Set("time_of_day", rec.TimeOfDay)
	v.Set("encrypt", rec.Encrypt)
	if rec.Encrypt {
		v.Set("password", rec.Password)
	}
	v.Set("rotation", rec.Rotation)
	v.Set("enabled", rec.Enabled)
	if rec.Container != "" {
		v.Set("container", rec.Container)
	}

	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("writing schedule: %w", err)
	}
	return os.Chmod(s.path, 0o600)
}

// Delete removes the record file.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing schedule: %w", err)
	}
	return nil
}
