// Package logger builds the process-wide zerolog logger. Output always runs
// through the credential redactor since run records and prompts routinely
// travel next to provider keys and bot tokens.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level     string // debug, info, warn, error
	File      string // optional log file path
	Console   bool   // enable console output
	Pretty    bool   // human-readable console format
	MaxSizeMB int    // rotate the log file past this size, 0 disables rotation
	KeepDays  int    // drop rotated files older than this, 0 keeps everything
	Compress  bool   // gzip rotated files
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		MaxSizeMB: 50,
		KeepDays:  14,
		Compress:  true,
	}
}

// New creates the logger and installs it as the zerolog global. The returned
// closer releases the log file, if any.
func New(cfg Config) (zerolog.Logger, func() error, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Console {
		var console io.Writer = os.Stdout
		if cfg.Pretty {
			console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		}
		writers = append(writers, console)
	}

	var file io.Closer
	if cfg.File != "" {
		rotating, err := newRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.KeepDays, cfg.Compress)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		file = rotating
		writers = append(writers, rotating)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	logger := zerolog.New(NewRedactor().Wrap(writer)).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = logger

	closer := func() error {
		if file != nil {
			return file.Close()
		}
		return nil
	}
	return logger, closer, nil
}
