//go:build !windows

package process

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestRun_CapturesStreams(t *testing.T) {
	svc := New(testLogger())

	result, err := svc.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err 1>&2"},
	})

	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Equal(t, "out\n", string(result.Stdout))
	assert.Equal(t, "err\n", string(result.Stderr))
}

func TestRun_NonZeroExit(t *testing.T) {
	svc := New(testLogger())

	result, err := svc.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "exit 3"}})

	require.NoError(t, err)
	assert.False(t, result.Success())
	assert.Equal(t, 3, result.ExitCode)
}

func TestRun_Stdin(t *testing.T) {
	svc := New(testLogger())

	result, err := svc.Run(context.Background(), Command{
		Name:  "cat",
		Stdin: strings.NewReader("secret passphrase"),
	})

	require.NoError(t, err)
	assert.Equal(t, "secret passphrase", string(result.Stdout))
}

func TestRun_ArgumentWithSpacesIsOneToken(t *testing.T) {
	svc := New(testLogger())

	result, err := svc.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", `printf '%s|' "$@"`, "sh", "C:\\User Data\\Backups", "02:00"},
	})

	require.NoError(t, err)
	assert.Equal(t, "C:\\User Data\\Backups|02:00|", string(result.Stdout))
}

func TestRun_StreamingStdout(t *testing.T) {
	svc := New(testLogger())
	var buf bytes.Buffer

	result, err := svc.Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", "echo streamed"},
		Stdout: &buf,
	})

	require.NoError(t, err)
	assert.Empty(t, result.Stdout)
	assert.Equal(t, "streamed\n", buf.String())
}

func TestRun_Timeout(t *testing.T) {
	svc := New(testLogger())

	_, err := svc.Run(context.Background(), Command{
		Name:    "sleep",
		Args:    []string{"5"},
		Timeout: 50 * time.Millisecond,
	})

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTimedOut))
}

func TestRun_Cancelled(t *testing.T) {
	svc := New(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := svc.Run(ctx, Command{Name: "sleep", Args: []string{"5"}})

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindCancelled))
}

func TestRun_MissingBinary(t *testing.T) {
	svc := New(testLogger())

	_, err := svc.Run(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"})

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindToolMissing))
}

func TestMaskArgs(t *testing.T) {
	args := []string{"mysqldump", "-unextcloud", "-ps3cret", "nextcloud"}

	masked := MaskArgs(args, []string{"s3cret"})

	assert.Equal(t, []string{"mysqldump", "-unextcloud", "-p***", "nextcloud"}, masked)
	assert.Equal(t, "-ps3cret", args[2])
}
