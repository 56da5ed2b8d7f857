package log

import (
	"os"
	"path"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	_globalL atomic.Pointer[zap.Logger]
	_globalP atomic.Pointer[zap.AtomicLevel]
)

func init() {
	l, p := newLogger(&Config{Level: "info", Format: "text", DisableStacktrace: true})
	_globalL.Store(l)
	_globalP.Store(p)
}

// Init replaces the global logger according to cfg.
func Init(cfg *Config) error {
	if cfg.File.Filename != "" {
		if st, err := os.Stat(cfg.File.RootPath); err == nil && !st.IsDir() {
			return errors.Newf("log root path %s is not a directory", cfg.File.RootPath)
		}
	}
	l, p := newLogger(cfg)
	_globalL.Store(l)
	_globalP.Store(p)
	return nil
}

func newLogger(cfg *Config) (*zap.Logger, *zap.AtomicLevel) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	var enc zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var ws zapcore.WriteSyncer
	if cfg.File.Filename != "" {
		maxSize := cfg.File.MaxSize
		if maxSize <= 0 {
			maxSize = defaultLogMaxSize
		}
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   path.Join(cfg.File.RootPath, cfg.File.Filename),
			MaxSize:    maxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxDays,
			LocalTime:  true,
		})
	} else {
		ws = zapcore.Lock(os.Stdout)
	}

	opts := []zap.Option{zap.AddCallerSkip(1)}
	if !cfg.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if !cfg.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(zapcore.NewCore(enc, ws, level), opts...), &level
}

// L returns the global logger.
func L() *zap.Logger {
	return _globalL.Load()
}

// ReplaceGlobals swaps the global logger, returning a function that restores the previous one.
func ReplaceGlobals(logger *zap.Logger) func() {
	prev := _globalL.Swap(logger)
	return func() { _globalL.Store(prev) }
}

// SetLevel alters the logging level.
func SetLevel(l zapcore.Level) {
	_globalP.Load().SetLevel(l)
}

// GetLevel gets the logging level.
func GetLevel() zapcore.Level {
	return _globalP.Load().Level()
}

// Debug logs a message at DebugLevel.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info logs a message at InfoLevel.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn logs a message at WarnLevel.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs a message at ErrorLevel.
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// With creates a child logger and adds structured context to it.
func With(fields ...zap.Field) *MLogger {
	return &MLogger{Logger: L().WithOptions(zap.AddCallerSkip(-1)).With(fields...)}
}

// Sync flushes any buffered log entries.
func Sync() error {
	return L().Sync()
}
