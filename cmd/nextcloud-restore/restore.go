package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/progress"
	"github.com/fgeck/nextcloud-restore/internal/services/restore"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var restoreOpts struct {
	password      string
	port          int
	adminUser     string
	adminPassword string
	dbName        string
	dbUser        string
	dbPassword    string
	replace       bool
}

var restoreCmd = &cobra.Command{
	Use:   "restore <archive>",
	Short: "Restore an archive into a new Nextcloud container pair",
	Long: `Restore a backup archive into fresh containers:
1. Decrypt (for .gpg archives) and extract the archive
2. Detect the database type from config/config.php
3. Create the network, database and app containers
4. Copy config, data, apps and custom_apps into the app container
5. Restore the database dump
6. Rewrite config.php for the new containers
7. Start the app and wait until status.php answers`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().StringVar(&restoreOpts.password, "password", "", "decryption password for .gpg archives")
	restoreCmd.Flags().IntVarP(&restoreOpts.port, "port", "p", restore.DefaultHostPort, "host port for the restored instance")
	restoreCmd.Flags().StringVar(&restoreOpts.adminUser, "admin-user", "", "admin user for a fresh install")
	restoreCmd.Flags().StringVar(&restoreOpts.adminPassword, "admin-password", "", "admin password for a fresh install")
	restoreCmd.Flags().StringVar(&restoreOpts.dbName, "db-name", "", "database name if missing from config.php")
	restoreCmd.Flags().StringVar(&restoreOpts.dbUser, "db-user", "", "database user if missing from config.php")
	restoreCmd.Flags().StringVar(&restoreOpts.dbPassword, "db-password", "", "database password if missing from config.php")
	restoreCmd.Flags().BoolVar(&restoreOpts.replace, "replace", false, "remove existing restore containers first")
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sess := restore.NewSession(args[0])
	defer func() { _ = sess.Close() }()

	if sess.Encrypted() && restoreOpts.password == "" {
		return errors.New("archive is encrypted, --password is required")
	}

	err := withProgress(func(sink progress.Sink) error {
		return application.restore.Extract(ctx, sess, restoreOpts.password, sink)
	})
	if err != nil {
		if apperr.Is(err, apperr.KindBadPassword) {
			log.Error().Str("archive", sess.ArchivePath).Msg("wrong password for archive")
		}
		return err
	}

	cfg := sess.Config()
	log.Info().
		Str("dbtype", string(cfg.DBType)).
		Str("version", cfg.Version).
		Int("files", sess.Files()).
		Msg("archive extracted")

	req := models.RestoreRequest{
		HostPort:        restoreOpts.port,
		AdminUser:       restoreOpts.adminUser,
		AdminPassword:   restoreOpts.adminPassword,
		DBName:          restoreOpts.dbName,
		DBUser:          restoreOpts.dbUser,
		DBPassword:      restoreOpts.dbPassword,
		ReplaceExisting: restoreOpts.replace,
	}
	if missing := sess.MissingCredentials(req); len(missing) > 0 {
		return fmt.Errorf("config.php lacks %v, pass them with --db-name, --db-user and --db-password", missing)
	}

	var result *models.RestoreResult
	err = withProgress(func(sink progress.Sink) error {
		var err error
		result, err = application.restore.Restore(ctx, sess, req, sink)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("restore failed")
		return err
	}

	fmt.Println("Restore completed!")
	fmt.Println()
	fmt.Printf("  URL: http://localhost:%d\n", result.HostPort)
	fmt.Printf("  App container: %s\n", result.Pair.App)
	if result.Pair.DB != "" {
		fmt.Printf("  Database container: %s\n", result.Pair.DB)
	}
	fmt.Printf("  Database: %s\n", result.DBType)
	fmt.Printf("  Files: %s\n", humanize.Comma(int64(result.Files)))
	if result.AdminUsername != nil {
		fmt.Printf("  Admin user: %s\n", *result.AdminUsername)
	} else {
		fmt.Println("  Admin user: unknown")
	}
	fmt.Printf("  Compose file: %s\n", result.ComposePath)
	fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Second))
	return nil
}
