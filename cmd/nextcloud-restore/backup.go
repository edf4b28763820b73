package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/progress"
	"github.com/fgeck/nextcloud-restore/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var backupOpts struct {
	dir         string
	dbContainer string
	encrypt     bool
	password    string
	rotation    int
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up a running Nextcloud container",
	Long: `Back up a Nextcloud container into a single archive:
1. Preflight checks (Docker, database tools, destination space)
2. Copy config, data, apps and custom_apps out of the container
3. Dump the database (skipped for SQLite)
4. Pack everything into nextcloud-backup-<timestamp>.tar.gz
5. Encrypt with GPG (if requested)
6. Record the backup and rotate old archives`,
	RunE: runBackup,
}

func init() {
	backupCmd.Flags().StringVarP(&backupOpts.dir, "dir", "d", "", "backup destination directory (required)")
	backupCmd.Flags().StringVar(&backupOpts.dbContainer, "db-container", "", "database container (default: derived from dbhost)")
	backupCmd.Flags().BoolVar(&backupOpts.encrypt, "encrypt", false, "encrypt the archive with GPG")
	backupCmd.Flags().StringVar(&backupOpts.password, "password", "", "encryption password")
	backupCmd.Flags().IntVar(&backupOpts.rotation, "rotation", 0, "keep only this many archives (0 keeps all)")
	_ = backupCmd.MarkFlagRequired("dir")
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	name, err := resolveContainer(ctx)
	if err != nil {
		return err
	}

	req := models.BackupRequest{
		Container:   name,
		DBContainer: backupOpts.dbContainer,
		BackupDir:   backupOpts.dir,
		Encrypt:     backupOpts.encrypt,
		Password:    backupOpts.password,
		Rotation:    backupOpts.rotation,
	}
	log.Info().Str("container", name).Str("dir", req.BackupDir).Bool("encrypt", req.Encrypt).Msg("starting backup")

	var result *models.BackupResult
	err = withProgress(func(sink progress.Sink) error {
		var err error
		result, err = application.backup.Run(ctx, req, sink)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("backup failed")
		return err
	}

	printBackupResult(result)
	return nil
}

func printBackupResult(r *models.BackupResult) {
	fmt.Println("Backup completed!")
	fmt.Println()
	fmt.Printf("  Archive: %s\n", r.ArchivePath)
	fmt.Printf("  Size: %s\n", humanize.IBytes(uint64(r.SizeBytes)))
	fmt.Printf("  Files: %s\n", humanize.Comma(int64(r.Files)))
	fmt.Printf("  Database: %s\n", r.DBType)
	fmt.Printf("  Folders: %v\n", r.Folders)
	fmt.Printf("  Encrypted: %v\n", r.Encrypted)
	fmt.Printf("  Duration: %s\n", r.Duration.Round(time.Second))
	if len(r.Rotated) > 0 {
		fmt.Println()
		fmt.Println("Rotated:")
		for _, p := range r.Rotated {
			fmt.Printf("  %s\n", p)
		}
	}
}

// resolveContainer returns --container or the first running Nextcloud container.
func resolveContainer(ctx context.Context) (string, error) {
	if container != "" {
		return container, nil
	}
	return runner.DetectContainer(ctx, application.docker, application.logger)
}
