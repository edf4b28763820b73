package schedule

import (
	"fmt"
	"strings"

	"github.com/fgeck/nextcloud-restore/internal/models"
)

// Interpreter runs script installs.
const Interpreter = "python"

// quote wraps s in double quotes, dropping quotes already around it.
func quote(s string) string {
	return `"` + strings.Trim(strings.TrimSpace(s), `"`) + `"`
}

// Invocation returns how the scheduler starts the installed program.
func Invocation(exePath string) string {
	if strings.HasSuffix(strings.ToLower(exePath), ".py") {
		return Interpreter + " " + quote(exePath)
	}
	return quote(exePath)
}

// BackupCommand builds the scheduled backup invocation. The password never
// appears on the command line; the scheduled run reads it from the record.
func BackupCommand(exePath, backupDir string, encrypt bool) string {
	cmd := Invocation(exePath) + " --scheduled --backup-dir " + quote(backupDir)
	if encrypt {
		return cmd + " --encrypt"
	}
	return cmd + " --no-encrypt"
}

// Task is an OS-registered recurring invocation.
type Task struct {
	Name      string
	Command   string
	Frequency models.Frequency
	TimeOfDay string
	OnLogon   bool // run at logon instead of a time of day
}

// KindArgs returns the schtasks schedule-kind tokens for a task.
func KindArgs(t Task) []string {
	if t.OnLogon {
		return []string{"/SC", "ONLOGON"}
	}
	switch t.Frequency {
	case models.FrequencyWeekly:
		return []string{"/SC", "WEEKLY", "/D", "SUN"}
	case models.FrequencyMonthly:
		return []string{"/SC", "MONTHLY", "/D", "1"}
	default:
		return []string{"/SC", "DAILY"}
	}
}

// CreateArgs returns the schtasks argv for registering t, in the order
// /Create /TN /TR <kind> /ST /F.
func CreateArgs(t Task) []string {
	args := []string{"/Create", "/TN", t.Name, "/TR", t.Command}
	args = append(args, KindArgs(t)...)
	if !t.OnLogon {
		args = append(args, "/ST", t.TimeOfDay)
	}
	return append(args, "/F")
}

// CronSpec returns the five-field cron expression for t.
func CronSpec(t Task) (string, error) {
	if t.OnLogon {
		return "@reboot", nil
	}
	var hour, minute int
	if _, err := fmt.Sscanf(t.TimeOfDay, "%d:%d", &hour, &minute); err != nil || !hhmm.MatchString(t.TimeOfDay) {
		return "", fmt.Errorf("invalid time of day %q", t.TimeOfDay)
	}
	switch t.Frequency {
	case models.FrequencyDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case models.FrequencyWeekly:
		return fmt.Sprintf("%d %d * * 0", minute, hour), nil
	case models.FrequencyMonthly:
		return fmt.Sprintf("%d %d 1 * *", minute, hour), nil
	default:
		return "", fmt.Errorf("unsupported frequency %q", t.Frequency)
	}
}
