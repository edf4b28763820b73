package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/logsetup"
	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Output flags.
	verbose    bool
	quiet      bool
	jsonOutput bool

	// Non-interactive flags.
	scheduled bool
	backupDir string
	encrypt   bool
	noEncrypt bool
	password  string
	testRun   bool
	container string

	application *app
)

var rootCmd = &cobra.Command{
	Use:   "nextcloud-restore",
	Short: "Back up, restore and schedule Nextcloud Docker instances",
	Long: `nextcloud-restore manages Nextcloud running in Docker:
  - Backups of config, data, apps and the database into one archive
  - Optional GPG encryption of the archive
  - Restore of an archive into a fresh container pair
  - Scheduled backups through the OS task scheduler
  - Remote access through Tailscale

Run with --scheduled for the non-interactive backup started by the scheduler.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose && quiet {
			return errors.New("--verbose and --quiet are mutually exclusive")
		}
		a, err := newApp(appOptions{
			console: scheduled || isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
			// scheduled runs keep stdout for status lines
			consoleToStderr: scheduled,
			json:            jsonOutput,
			level:           logsetup.Level(verbose, quiet),
		})
		if err != nil {
			return err
		}
		application = a
		log.Logger = a.logger
		return nil
	},
	RunE:          runRoot,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&container, "container", "", "Nextcloud app container (default: first running one)")

	rootCmd.Flags().BoolVar(&scheduled, "scheduled", false, "run the non-interactive scheduled backup")
	rootCmd.Flags().StringVar(&backupDir, "backup-dir", "", "backup destination directory")
	rootCmd.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt the archive with GPG")
	rootCmd.Flags().BoolVar(&noEncrypt, "no-encrypt", false, "do not encrypt the archive")
	rootCmd.Flags().StringVar(&password, "password", "", "encryption password (default: saved schedule password)")
	rootCmd.Flags().BoolVar(&testRun, "test-run", false, "only archive the schedule record to test the scheduled wiring")
	rootCmd.MarkFlagsMutuallyExclusive("encrypt", "no-encrypt")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(verifyCmd)
}

func runRoot(cmd *cobra.Command, args []string) error {
	if !scheduled {
		if testRun || backupDir != "" {
			return errors.New("--backup-dir and --test-run require --scheduled")
		}
		return cmd.Help()
	}

	req := models.ScheduledRunRequest{
		BackupDir: backupDir,
		Password:  password,
		Container: container,
		TestRun:   testRun,
	}
	switch {
	case encrypt:
		v := true
		req.Encrypt = &v
	case noEncrypt:
		v := false
		req.Encrypt = &v
	}

	ctx, cancel := signalContext()
	defer cancel()

	if _, err := application.runner.Run(ctx, req); err != nil {
		log.Error().Err(err).Msg("scheduled run failed")
		return err
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, cancelling")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// reportError prints err with its remediation hint.
func reportError(err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", ae)
	if ae.Hint != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", ae.Hint)
	}
	if ae.URL != "" {
		fmt.Fprintf(os.Stderr, "See: %s\n", ae.URL)
	}
	if f := ae.Container; f != nil {
		if f.Suggestion != "" {
			fmt.Fprintf(os.Stderr, "Suggestion: %s\n", f.Suggestion)
		}
		if len(f.AlternativePorts) > 0 {
			fmt.Fprintf(os.Stderr, "Free ports to try: %v\n", f.AlternativePorts)
		}
		if f.LogPath != "" {
			fmt.Fprintf(os.Stderr, "Details logged to %s\n", f.LogPath)
		}
	}
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if application != nil {
		application.Close()
	}
	if err != nil {
		reportError(err)
	}
	return err
}
