package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/services/schedule"
	"github.com/spf13/cobra"
)

var scheduleOpts struct {
	taskName  string
	dir       string
	frequency string
	timeOfDay string
	encrypt   bool
	password  string
	rotation  int
	disabled  bool
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage the scheduled backup",
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Save the schedule and register the OS task",
	RunE:  runScheduleSet,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the schedule, reconciled with the OS task",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := application.schedule.Status(context.Background())
		if err != nil {
			return err
		}
		printSchedule(status)
		return nil
	},
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable the saved schedule",
	RunE:  func(cmd *cobra.Command, args []string) error { return setScheduleEnabled(true) },
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable the saved schedule",
	RunE:  func(cmd *cobra.Command, args []string) error { return setScheduleEnabled(false) },
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the OS task and the saved schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := application.schedule.Remove(context.Background()); err != nil {
			return err
		}
		fmt.Println("Schedule removed.")
		return nil
	},
}

var scheduleTestRunCmd = &cobra.Command{
	Use:   "test-run",
	Short: "Archive only the schedule record to test the destination",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := application.schedule.TestRun(context.Background(), scheduleOpts.dir)
		if err != nil {
			return err
		}
		fmt.Println("Test run succeeded!")
		fmt.Printf("  Archive: %s (%s)\n", result.ArchivePath, humanize.IBytes(uint64(result.SizeBytes)))
		fmt.Printf("  Verified: %v\n", result.Verified)
		fmt.Printf("  Removed: %v\n", result.Removed)
		return nil
	},
}

func init() {
	f := scheduleSetCmd.Flags()
	f.StringVar(&scheduleOpts.taskName, "task-name", schedule.DefaultTaskName, "OS task name")
	f.StringVarP(&scheduleOpts.dir, "dir", "d", "", "backup destination directory (required)")
	f.StringVar(&scheduleOpts.frequency, "frequency", string(models.FrequencyDaily), "daily, weekly or monthly")
	f.StringVar(&scheduleOpts.timeOfDay, "time", "02:00", "time of day as HH:MM")
	f.BoolVar(&scheduleOpts.encrypt, "encrypt", false, "encrypt scheduled archives")
	f.StringVar(&scheduleOpts.password, "password", "", "encryption password, saved with the schedule")
	f.IntVar(&scheduleOpts.rotation, "rotation", 0, "archives to keep: 0, 1, 2, 3, 5 or 10")
	f.BoolVar(&scheduleOpts.disabled, "disabled", false, "save without registering the OS task")
	_ = scheduleSetCmd.MarkFlagRequired("dir")

	scheduleTestRunCmd.Flags().StringVarP(&scheduleOpts.dir, "dir", "d", "", "destination (default: saved schedule)")

	scheduleCmd.AddCommand(scheduleSetCmd, scheduleShowCmd, scheduleEnableCmd, scheduleDisableCmd, scheduleRemoveCmd, scheduleTestRunCmd)
}

func runScheduleSet(cmd *cobra.Command, args []string) error {
	rec := &models.ScheduleRecord{
		TaskName:  scheduleOpts.taskName,
		BackupDir: scheduleOpts.dir,
		Frequency: models.Frequency(scheduleOpts.frequency),
		TimeOfDay: scheduleOpts.timeOfDay,
		Encrypt:   scheduleOpts.encrypt,
		Password:  scheduleOpts.password,
		Rotation:  scheduleOpts.rotation,
		Enabled:   !scheduleOpts.disabled,
		Container: container,
	}
	status, err := application.schedule.Apply(context.Background(), rec)
	if err != nil {
		return err
	}
	printSchedule(status)
	return nil
}

func setScheduleEnabled(enabled bool) error {
	status, err := application.schedule.SetEnabled(context.Background(), enabled)
	if err != nil {
		return err
	}
	printSchedule(status)
	return nil
}

func printSchedule(status *models.ScheduleStatus) {
	if status == nil || status.Record == nil {
		fmt.Println("No schedule configured.")
		return
	}
	rec := status.Record
	fmt.Println("Schedule:")
	fmt.Printf("  Task: %s\n", rec.TaskName)
	fmt.Printf("  Frequency: %s at %s\n", rec.Frequency, rec.TimeOfDay)
	fmt.Printf("  Backup dir: %s\n", rec.BackupDir)
	fmt.Printf("  Encrypt: %v\n", rec.Encrypt)
	fmt.Printf("  Rotation: %d\n", rec.Rotation)
	fmt.Printf("  Enabled: %v\n", rec.Enabled)
	fmt.Printf("  OS task registered: %v\n", status.TaskRegistered)
	if status.Reconciled {
		fmt.Println("  Note: the OS task changed outside the app; the saved schedule was updated")
	}
	if !status.NextRun.IsZero() {
		fmt.Printf("  Next run: %s (%s)\n", status.NextRun.Format("2006-01-02 15:04"), humanize.Time(status.NextRun))
	}
}
