// Package logger provides the structured logging facade used across the
// proxy, backed by zerolog.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/asmyshlyaev177/test-proxy-recorder/internal/config"
)

// Logger is the logging interface handed to every component. Fields are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
}

type zerologAdapter struct {
	logger zerolog.Logger
}

// New builds a logger from config. Console output uses the zerolog
// console writer when stdout is a terminal and the format is not forced
// to JSON; an optional rotating file sink always receives JSON.
func New(cfg *config.LogConfig) Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	wantJSON := strings.EqualFold(cfg.Format, "json") ||
		!term.IsTerminal(int(os.Stdout.Fd()))
	if wantJSON {
		writers = append(writers, os.Stdout)
	} else {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.FileLogging.Enable {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FileLogging.Path,
			MaxSize:    cfg.FileLogging.MaxSizeMB,
			MaxBackups: cfg.FileLogging.MaxBackups,
			MaxAge:     cfg.FileLogging.MaxAgeDays,
			Compress:   cfg.FileLogging.Compress,
		})
	}

	l := zerolog.New(io.MultiWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()
	return &zerologAdapter{logger: l}
}

func (z *zerologAdapter) emit(event *zerolog.Event, msg string, fields []interface{}) {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case string:
			event = event.Str(key, v)
		case int:
			event = event.Int(key, v)
		case int64:
			event = event.Int64(key, v)
		case bool:
			event = event.Bool(key, v)
		case error:
			event = event.AnErr(key, v)
		case []string:
			event = event.Strs(key, v)
		default:
			event = event.Interface(key, v)
		}
	}
	event.Msg(msg)
}

func (z *zerologAdapter) Debug(msg string, fields ...interface{}) {
	z.emit(z.logger.Debug(), msg, fields)
}

func (z *zerologAdapter) Info(msg string, fields ...interface{}) {
	z.emit(z.logger.Info(), msg, fields)
}

func (z *zerologAdapter) Warn(msg string, fields ...interface{}) {
	z.emit(z.logger.Warn(), msg, fields)
}

func (z *zerologAdapter) Error(msg string, fields ...interface{}) {
	z.emit(z.logger.Error(), msg, fields)
}

func (z *zerologAdapter) Fatal(msg string, fields ...interface{}) {
	z.emit(z.logger.Fatal(), msg, fields)
}
