// Package logging builds the daemon logger.
package logging

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Path is the JSON log file. Its directory is created if missing.
	Path    string
	Account string
	UserID  string
	Level   zapcore.Level
	// Console also writes human-readable lines to stderr. Repeated console
	// lines are sampled; the file keeps every entry.
	Console bool
}

// New returns a logger writing JSON to opts.Path with account, user_id and pid
// as initial fields.
func New(opts Options) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), opts.Level)
	if opts.Console {
		console := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stderr), opts.Level)
		core = zapcore.NewTee(core, zapcore.NewSamplerWithOptions(console, time.Second, 10, 100))
	}

	fields := []zap.Field{zap.String("account", opts.Account), zap.Int("pid", os.Getpid())}
	if opts.UserID != "" {
		fields = append(fields, zap.String("user_id", opts.UserID))
	}
	return zap.New(core, zap.Fields(fields...)), nil
}
