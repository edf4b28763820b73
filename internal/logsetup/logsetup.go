// Package logsetup wires the application log sinks.
package logsetup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log file names inside the log directory.
const (
	AppLogName         = "nextcloud_restore_gui.log"
	DockerErrorLogName = "nextcloud_docker_errors.log"
)

// Rotation limits for both log files.
const (
	MaxSizeMB  = 10
	MaxBackups = 5
)

// Options controls where logs go.
type Options struct {
	Dir     string
	Console bool // also write to Stdout
	JSON    bool // console output as JSON lines
	Level   zerolog.Level
	Stdout  io.Writer // defaults to os.Stdout
}

// Sinks holds the configured loggers and their files.
type Sinks struct {
	Logger           zerolog.Logger
	DockerErrors     io.Writer
	LogPath          string
	DockerErrorsPath string

	closers []io.Closer
}

// Setup creates the log directory and opens both rotating files.
func Setup(opts Options) (*Sinks, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("log directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	appLog := rotating(filepath.Join(opts.Dir, AppLogName))
	dockerLog := rotating(filepath.Join(opts.Dir, DockerErrorLogName))

	var out io.Writer = appLog
	if opts.Console {
		stdout := opts.Stdout
		if stdout == nil {
			stdout = os.Stdout
		}
		out = zerolog.MultiLevelWriter(appLog, ConsoleWriter(stdout, opts.JSON))
	}

	return &Sinks{
		Logger:           zerolog.New(out).Level(opts.Level).With().Timestamp().Logger(),
		DockerErrors:     dockerLog,
		LogPath:          appLog.Filename,
		DockerErrorsPath: dockerLog.Filename,
		closers:          []io.Closer{appLog, dockerLog},
	}, nil
}

func rotating(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    MaxSizeMB,
		MaxBackups: MaxBackups,
	}
}

// ConsoleWriter returns the human console format, or out itself for JSON.
func ConsoleWriter(out io.Writer, json bool) io.Writer {
	if json {
		return out
	}
	output := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	output.FormatLevel = func(i interface{}) string {
		if s, ok := i.(string); ok {
			return strings.ToUpper(s)
		}
		return ""
	}
	return output
}

// Level maps the verbosity flags to a log level.
func Level(verbose, quiet bool) zerolog.Level {
	switch {
	case quiet:
		return zerolog.ErrorLevel
	case verbose:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// Close flushes and closes the log files.
func (s *Sinks) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
