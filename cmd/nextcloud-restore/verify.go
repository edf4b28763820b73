package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fgeck/nextcloud-restore/internal/services/archive"
	"github.com/fgeck/nextcloud-restore/internal/services/phpconfig"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var verifyPassword string

var verifyCmd = &cobra.Command{
	Use:   "verify <archive>",
	Short: "Check that an archive holds a readable Nextcloud config",
	Long:  `Verify an archive without restoring it. Only config/config.php is extracted.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyPassword, "password", "", "decryption password for .gpg archives")
}

func runVerify(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err != nil {
		log.Error().Str("file", path).Msg("archive not found")
		return fmt.Errorf("archive not found: %s", path)
	}
	encrypted := strings.HasSuffix(strings.ToLower(path), ".gpg")
	if encrypted && verifyPassword == "" {
		return errors.New("archive is encrypted, --password is required")
	}
	if err := application.archive.Preflight(encrypted); err != nil {
		return err
	}

	ctx := context.Background()
	work, err := os.MkdirTemp("", "nextcloud-verify-*")
	if err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(work) }()

	tarPath := path
	if encrypted {
		tarPath = filepath.Join(work, "archive.tar.gz")
		if err := application.archive.Decrypt(ctx, path, tarPath, verifyPassword); err != nil {
			return err
		}
	}

	configPath, err := application.archive.ExtractOne(ctx, tarPath, archive.ConfigSelector, filepath.Join(work, "out"))
	if err != nil {
		return err
	}
	doc, err := phpconfig.LoadFile(configPath)
	if err != nil {
		return err
	}
	cfg, err := doc.Config()
	if err != nil {
		return err
	}

	fmt.Println("Archive is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Archive: %s\n", path)
	fmt.Printf("  Encrypted: %v\n", encrypted)
	fmt.Printf("  Database: %s\n", cfg.DBType)
	if cfg.Version != "" {
		fmt.Printf("  Nextcloud version: %s\n", cfg.Version)
	}
	fmt.Printf("  Trusted domains: %v\n", cfg.TrustedDomains)
	if missing := cfg.Credentials().Missing(); len(missing) > 0 {
		fmt.Printf("  Missing credentials: %v (restore will ask for them)\n", missing)
	}
	return nil
}
