package schedule

import (
	"testing"

	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupCommand(t *testing.T) {
	tests := []struct {
		name      string
		exe       string
		backupDir string
		encrypt   bool
		expected  string
	}{
		{
			name:      "script with spaces",
			exe:       `C:\My Documents\Backup Scripts\app.py`,
			backupDir: `C:\User Data\Backups`,
			expected:  `python "C:\My Documents\Backup Scripts\app.py" --scheduled --backup-dir "C:\User Data\Backups" --no-encrypt`,
		},
		{
			name:      "uppercase script extension",
			exe:       `C:\tools\APP.PY`,
			backupDir: `D:\b`,
			expected:  `python "C:\tools\APP.PY" --scheduled --backup-dir "D:\b" --no-encrypt`,
		},
		{
			name:      "binary",
			exe:       `C:\Program Files\NextcloudRestore\nextcloud-restore.exe`,
			backupDir: `E:\Backups`,
			encrypt:   true,
			expected:  `"C:\Program Files\NextcloudRestore\nextcloud-restore.exe" --scheduled --backup-dir "E:\Backups" --encrypt`,
		},
		{
			name:      "pre-quoted backup dir",
			exe:       `/usr/local/bin/nextcloud-restore`,
			backupDir: `"/srv/backups"`,
			expected:  `"/usr/local/bin/nextcloud-restore" --scheduled --backup-dir "/srv/backups" --no-encrypt`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BackupCommand(tt.exe, tt.backupDir, tt.encrypt))
		})
	}
}

func TestCreateArgs_Order(t *testing.T) {
	tr := BackupCommand(`C:\My Documents\Backup Scripts\app.py`, `C:\User Data\Backups`, false)
	args := CreateArgs(Task{Name: "NextcloudBackup", Command: tr, Frequency: models.FrequencyDaily, TimeOfDay: "02:00"})

	assert.Equal(t, []string{
		"/Create", "/TN", "NextcloudBackup",
		"/TR", tr,
		"/SC", "DAILY",
		"/ST", "02:00",
		"/F",
	}, args)
}

func TestCreateArgs_KindsAreSpliced(t *testing.T) {
	tests := []struct {
		freq models.Frequency
		kind []string
	}{
		{models.FrequencyDaily, []string{"/SC", "DAILY"}},
		{models.FrequencyWeekly, []string{"/SC", "WEEKLY", "/D", "SUN"}},
		{models.FrequencyMonthly, []string{"/SC", "MONTHLY", "/D", "1"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.freq), func(t *testing.T) {
			args := CreateArgs(Task{Name: "n", Command: "c", Frequency: tt.freq, TimeOfDay: "23:59"})
			assert.Equal(t, tt.kind, args[5:5+len(tt.kind)])

			sc, st := indexOf(args, "/SC"), indexOf(args, "/ST")
			require.GreaterOrEqual(t, sc, 0)
			assert.Less(t, sc, st)
			assert.Equal(t, "/F", args[len(args)-1])
		})
	}
}

func TestCreateArgs_OnLogon(t *testing.T) {
	args := CreateArgs(Task{Name: "serve", Command: "c", OnLogon: true})
	assert.Equal(t, []string{"/Create", "/TN", "serve", "/TR", "c", "/SC", "ONLOGON", "/F"}, args)
}

func TestCronSpec(t *testing.T) {
	tests := []struct {
		task     Task
		expected string
		wantErr  bool
	}{
		{Task{Frequency: models.FrequencyDaily, TimeOfDay: "02:00"}, "0 2 * * *", false},
		{Task{Frequency: models.FrequencyWeekly, TimeOfDay: "13:45"}, "45 13 * * 0", false},
		{Task{Frequency: models.FrequencyMonthly, TimeOfDay: "00:05"}, "5 0 1 * *", false},
		{Task{OnLogon: true}, "@reboot", false},
		{Task{Frequency: models.FrequencyDaily, TimeOfDay: "24:00"}, "", true},
		{Task{Frequency: "hourly", TimeOfDay: "02:00"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got, err := CronSpec(tt.task)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
