// Package obslog builds the per-run structured logger: JSON lines to
// logs/pipeline.log and a human-readable console encoder to stderr, both
// fed from one zap.Logger so every call site logs once.
package obslog

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger that writes JSON-encoded entries to
// {runDir}/logs/pipeline.log and a colorized console encoding to stderr.
// verbose lowers both cores to debug level; otherwise they sit at info.
func New(runDir string, verbose bool) (*zap.Logger, error) {
	logDir := filepath.Join(runDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("obslog: create log dir: %w", err)
	}
	logPath := filepath.Join(logDir, "pipeline.log")
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("obslog: open %s: %w", logPath, err)
	}

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderCfg), zapcore.AddSync(file), level)

	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderCfg), zapcore.AddSync(os.Stderr), level)

	core := zapcore.NewTee(fileCore, consoleCore)
	return zap.New(core, zap.AddCaller()), nil
}

// Noop returns a logger that discards everything, for tests and dry runs
// that have no run directory to write into.
func Noop() *zap.Logger {
	return zap.NewNop()
}
