package observability

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the process-wide logger.
type LogConfig struct {
	Level      string
	Format     string // json or text
	File       string
	WithCaller bool
	// Out defaults to stderr.
	Out io.Writer
}

// InitLogger configures log.Logger and the global level from cfg.
func InitLogger(cfg LogConfig) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	var logWriter io.Writer
	switch cfg.Format {
	case "text":
		logWriter = zerolog.ConsoleWriter{Out: out}
	case "", "json":
		logWriter = out
	default:
		return fmt.Errorf("invalid log format %q (want json or text)", cfg.Format)
	}

	if cfg.File != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   cfg.File,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	logger := zerolog.New(logWriter).With().Timestamp().Logger()
	if cfg.WithCaller {
		logger = logger.With().Caller().Logger()
	}
	log.Logger = logger
	zerolog.SetGlobalLevel(level)
	return nil
}

func parseLevel(s string) (zerolog.Level, error) {
	switch s {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", s)
	}
}
