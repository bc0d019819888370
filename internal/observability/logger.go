// Package observability holds the process-wide zap loggers.
//
// CLILogger renders human-readable console output for interactive commands.
// ServerLogger emits JSON records for the worker (server, job handler and the
// training supervisor). Both default to no-op loggers until initialized so
// library code and tests never dereference nil.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// CLILogger is used by interactive commands.
	CLILogger = zap.NewNop()

	// ServerLogger is used by the long-running worker.
	ServerLogger = zap.NewNop()
)

// InitCLILogger configures CLILogger with a console encoder on stderr.
//
// verbose lowers the level to debug.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""
	encCfg.LevelKey = ""
	encCfg.NameKey = ""

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	CLILogger = zap.New(core).Named(name)
}

// InitServerLogger configures ServerLogger with a JSON encoder on stderr.
//
// Unknown levels fall back to info.
func InitServerLogger(name, level string) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		ParseLevel(level),
	)
	ServerLogger = zap.New(core, zap.AddCaller()).Named(name)
}

// ParseLevel maps a config string to a zap level.
func ParseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Sync flushes both loggers. Errors from syncing stderr are ignored.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
