package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/services/process"
)

var currentOS = runtime.GOOS

const gpgInstallURL = "https://gpg4win.org/download.html"

// gpgTimeout bounds a single encrypt or decrypt pass.
const gpgTimeout = 2 * time.Hour

var windowsGPGPaths = []string{
	`C:\Program Files (x86)\GnuPG\bin\gpg.exe`,
	`C:\Program Files\GnuPG\bin\gpg.exe`,
	`C:\Program Files (x86)\Gpg4win\bin\gpg.exe`,
}

// Preflight verifies the tools needed for an archive run are present. The tar
// codec is in-process, so only the encryption tool can be missing.
func (s *Impl) Preflight(encrypted bool) error {
	if !encrypted {
		return nil
	}
	if _, err := s.gpgPath(); err != nil {
		return err
	}
	return nil
}

func (s *Impl) gpgPath() (string, error) {
	if p, err := s.runner.LookPath("gpg"); err == nil {
		return p, nil
	}
	if s.goos == "windows" {
		for _, candidate := range windowsGPGPaths {
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	hint, url := gpgInstallHint(s.goos)
	return "", apperr.ToolMissing("gpg", hint, url)
}

func gpgInstallHint(goos string) (string, string) {
	switch goos {
	case "windows":
		return "Install Gpg4win and restart the application", gpgInstallURL
	case "darwin":
		return "Install GnuPG with: brew install gnupg", ""
	default:
		return "Install GnuPG with your package manager, e.g. sudo apt install gnupg", ""
	}
}

// Encrypt writes a symmetric AES-256 envelope of input to output. The passphrase
// is fed through stdin and never appears on the command line.
func (s *Impl) Encrypt(ctx context.Context, input, output, password string) error {
	if password == "" {
		return apperr.New(apperr.KindBadPassword, "encryption requires a password")
	}
	return s.gpg(ctx, password, "encrypt",
		"--symmetric", "--cipher-algo", "AES256",
		"--output", output, input)
}

// Decrypt unwraps a GPG symmetric envelope. A wrong passphrase yields BadPassword.
func (s *Impl) Decrypt(ctx context.Context, input, output, password string) error {
	if _, err := os.Stat(input); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "encrypted archive not accessible")
	}
	return s.gpg(ctx, password, "decrypt",
		"--decrypt", "--output", output, input)
}

func (s *Impl) gpg(ctx context.Context, password, op string, args ...string) error {
	bin, err := s.gpgPath()
	if err != nil {
		return err
	}
	output := args[len(args)-2]
	if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "failed to create output directory")
	}

	base := []string{"--batch", "--yes", "--pinentry-mode", "loopback", "--passphrase-fd", "0"}
	s.logger.Info().Str("op", op).Str("output", output).Msg("running gpg")

	res, err := s.runner.Run(ctx, process.Command{
		Name:    bin,
		Args:    append(base, args...),
		Stdin:   strings.NewReader(password + "\n"),
		Timeout: gpgTimeout,
	})
	if err != nil {
		_ = os.Remove(output)
		return err
	}
	if !res.Success() {
		_ = os.Remove(output)
		stderr := string(res.Stderr)
		if op == "decrypt" && isBadPassphrase(stderr) {
			return apperr.New(apperr.KindBadPassword, "wrong password for encrypted archive")
		}
		if op == "decrypt" && strings.Contains(strings.ToLower(stderr), "no valid openpgp data") {
			return apperr.New(apperr.KindInvalidArchive, "file is not a GPG-encrypted archive")
		}
		return apperr.Wrap(apperr.KindIO,
			fmt.Errorf("gpg exited with code %d: %s", res.ExitCode, strings.TrimSpace(stderr)),
			"gpg "+op+" failed")
	}
	return nil
}

func isBadPassphrase(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "bad session key") ||
		strings.Contains(lower, "bad passphrase") ||
		strings.Contains(lower, "decryption failed")
}
