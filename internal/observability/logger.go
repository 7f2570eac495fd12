// Package observability holds the process-wide logger.
//
// Commands log through CLILogger rather than constructing loggers of their
// own, so log level and encoding are decided once at startup.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the shared logger for all commands. It defaults to a no-op
// logger so packages can log safely before InitCLILogger runs (e.g. in tests).
var CLILogger = zap.NewNop()

// InitCLILogger configures the shared logger.
//
// level is one of debug, info, warn, error. When jsonOutput is true the
// logger emits production JSON lines; otherwise it uses a human-readable
// console encoding on stderr so JSONL records on stdout stay clean.
func InitCLILogger(level string, jsonOutput bool) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if jsonOutput {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	CLILogger = logger
	return nil
}

// Sync flushes buffered log entries. Safe to call at process exit.
func Sync() {
	_ = CLILogger.Sync()
}
