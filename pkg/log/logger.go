package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	forestopsErrors "github.com/YuminosukeSato/forestops/pkg/errors"
)

// Config controls the process-wide logger built by SetupLogger.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "console" (human readable, default) or "json".
	Format string `yaml:"format"`
	// File, when set, receives a JSON copy of every entry with size-based rotation.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`

	// Output overrides stderr as the primary sink. Used by tests.
	Output io.Writer `yaml:"-"`
}

// ToLogLevel parses a level name. Unknown names are an error rather than a panic
// because they usually come from user configuration.
func ToLogLevel(level string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, forestopsErrors.NewValidationError("log.level", "must be one of debug, info, warn, error", level)
	}
}

func toZerologLevel(l Level) zerolog.Level {
	switch {
	case l <= LevelDebug:
		return zerolog.DebugLevel
	case l <= LevelInfo:
		return zerolog.InfoLevel
	case l <= LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// zerologLogger adapts zerolog.Logger to the Logger interface.
type zerologLogger struct {
	zl zerolog.Logger
}

// NewZerologLogger wraps an existing zerolog.Logger.
func NewZerologLogger(zl zerolog.Logger) Logger {
	return &zerologLogger{zl: zl}
}

func (l *zerologLogger) Debug(msg string, fields ...any) { l.emit(l.zl.Debug(), msg, fields) }
func (l *zerologLogger) Info(msg string, fields ...any)  { l.emit(l.zl.Info(), msg, fields) }
func (l *zerologLogger) Warn(msg string, fields ...any)  { l.emit(l.zl.Warn(), msg, fields) }
func (l *zerologLogger) Error(msg string, fields ...any) { l.emit(l.zl.Error(), msg, fields) }

func (l *zerologLogger) With(fields ...any) Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprint(fields[i])
		if err, ok := fields[i+1].(error); ok {
			ctx = ctx.AnErr(key, err)
			continue
		}
		ctx = ctx.Interface(key, fields[i+1])
	}
	return &zerologLogger{zl: ctx.Logger()}
}

func (l *zerologLogger) Enabled(_ context.Context, level Level) bool {
	return toZerologLevel(level) >= l.zl.GetLevel() && toZerologLevel(level) >= zerolog.GlobalLevel()
}

func (l *zerologLogger) emit(ev *zerolog.Event, msg string, fields []any) {
	if ev == nil {
		return
	}
	err, kv := splitFields(fields)
	if err != nil {
		ev = ev.Stack().Err(err)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		switch v := kv[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case zerolog.LogObjectMarshaler:
			ev = ev.Object(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

// zerologProvider is the process-wide LoggerProvider.
type zerologProvider struct {
	mu     sync.RWMutex
	root   zerolog.Logger
	closer io.Closer
}

var (
	providerMu sync.RWMutex
	provider   LoggerProvider = newDefaultProvider()
)

func newDefaultProvider() *zerologProvider {
	installErrorStackMarshaler()
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return &zerologProvider{root: zerolog.New(w).Level(zerolog.InfoLevel).With().Timestamp().Logger()}
}

func (p *zerologProvider) GetLogger() Logger {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &zerologLogger{zl: p.root}
}

func (p *zerologProvider) GetLoggerWithName(name string) Logger {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &zerologLogger{zl: p.root.With().Str(ComponentKey, name).Logger()}
}

func (p *zerologProvider) SetLevel(level Level) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.root = p.root.Level(toZerologLevel(level))
}

// SetupLogger replaces the process-wide provider according to cfg and routes
// library warnings (such as UndefinedMetricWarning) through it. The returned
// function flushes and closes the rotating log file, if any.
func SetupLogger(cfg Config) (func() error, error) {
	level, err := ToLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	installErrorStackMarshaler()

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var primary io.Writer
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		primary = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.Output != nil}
	case "json":
		primary = out
	default:
		return nil, forestopsErrors.NewValidationError("log.format", "must be console or json", cfg.Format)
	}

	p := &zerologProvider{}
	writers := []io.Writer{primary}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		writers = append(writers, rotator)
		p.closer = rotator
	}
	p.root = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(toZerologLevel(level)).
		With().Timestamp().Logger()

	SetProvider(p)
	forestopsErrors.SetZerologWarnFunc(func(w error) {
		ev := p.root.Warn()
		if m, ok := w.(zerolog.LogObjectMarshaler); ok {
			ev = ev.EmbedObject(m)
		}
		ev.Str(ErrorTypeKey, fmt.Sprintf("%T", w)).Msg(w.Error())
	})

	return func() error {
		if p.closer != nil {
			return p.closer.Close()
		}
		return nil
	}, nil
}

// SetProvider installs a custom provider, typically a TestLoggerProvider,
// and returns the one it replaced so tests can restore it.
func SetProvider(p LoggerProvider) LoggerProvider {
	providerMu.Lock()
	defer providerMu.Unlock()
	prev := provider
	provider = p
	return prev
}

// GetLogger returns the process-wide default logger.
func GetLogger() Logger {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return provider.GetLogger()
}

// GetLoggerWithName returns a logger tagged with the given component name.
func GetLoggerWithName(name string) Logger {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return provider.GetLoggerWithName(name)
}
