package lib

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	LogTimeFormat = "2006-01-02T15:04:05.000"
)

// LogConfig selects where and how the global logger writes.
type LogConfig struct {
	Level zerolog.Level
	// Pretty selects the console writer instead of JSON lines on stdout.
	Pretty bool
	// File, when set, also receives every event as JSON.
	File string
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	if runtime.GOOS == "windows" {
		return zerolog.ConsoleWriter{Out: colorable.NewColorableStdout(), TimeFormat: LogTimeFormat}
	}
	return zerolog.ConsoleWriter{Out: out, NoColor: false, TimeFormat: LogTimeFormat}
}

// ZeroConsoleLog logs pretty output to stdout at debug level.
func ZeroConsoleLog() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = log.Output(consoleWriter(os.Stdout))
}

// ConfigureLogging replaces the global logger. The returned closer releases
// the log file, if any.
func ConfigureLogging(cfg LogConfig) (io.Closer, error) {
	zerolog.SetGlobalLevel(cfg.Level)

	var console io.Writer = os.Stdout
	if cfg.Pretty {
		console = consoleWriter(os.Stdout)
	}
	writers := []io.Writer{console}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		logFile, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Logger = zerolog.New(console).With().Timestamp().Logger()
			return closer, fmt.Errorf("opening log file: %w", err)
		}
		writers = append(writers, logFile)
		closer = logFile
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
