package tkv

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"
)

// badgerLoggerAdapter routes badger's printf logging into slog, dropping
// anything below the configured level. Badger is noisy at info.
type badgerLoggerAdapter struct {
	slogger *slog.Logger
	level   slog.Level
}

func (b *badgerLoggerAdapter) log(level slog.Level, format string, args ...interface{}) {
	if level < b.level {
		return
	}
	b.slogger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (b *badgerLoggerAdapter) Errorf(format string, args ...interface{}) {
	b.log(slog.LevelError, format, args...)
}

func (b *badgerLoggerAdapter) Warningf(format string, args ...interface{}) {
	b.log(slog.LevelWarn, format, args...)
}

func (b *badgerLoggerAdapter) Infof(format string, args ...interface{}) {
	b.log(slog.LevelInfo, format, args...)
}

func (b *badgerLoggerAdapter) Debugf(format string, args ...interface{}) {
	b.log(slog.LevelDebug, format, args...)
}

func newLogger(slogger *slog.Logger, level slog.Level) badger.Logger {
	return &badgerLoggerAdapter{slogger: slogger, level: level}
}
