package logx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Level string
	// Dir, when set, adds info.log, error.log and debug.log split by level.
	Dir string
	// JSON switches the stderr encoder from console to JSON.
	JSON bool
}

// New builds the process logger. The returned cleanup closes any log files.
func New(opts Options) (*zap.Logger, func(), error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var stderrEnc zapcore.Encoder
	if opts.JSON {
		stderrEnc = zapcore.NewJSONEncoder(encCfg)
	} else {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		stderrEnc = zapcore.NewConsoleEncoder(consoleCfg)
	}
	cores := []zapcore.Core{zapcore.NewCore(stderrEnc, zapcore.Lock(os.Stderr), lvl)}
	var files []*os.File
	cleanup := func() {
		for _, f := range files {
			_ = f.Sync()
			_ = f.Close()
		}
	}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("log dir: %w", err)
		}
		fileEnc := zapcore.NewJSONEncoder(encCfg)
		split := []struct {
			name string
			on   zap.LevelEnablerFunc
		}{
			{"info.log", func(l zapcore.Level) bool { return l == zapcore.InfoLevel || l == zapcore.WarnLevel }},
			{"error.log", func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel }},
			{"debug.log", func(l zapcore.Level) bool { return l == zapcore.DebugLevel && lvl.Enabled(l) }},
		}
		for _, s := range split {
			f, err := os.OpenFile(filepath.Join(opts.Dir, s.name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("open %s: %w", s.name, err)
			}
			files = append(files, f)
			cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(f), s.on))
		}
	}
	return zap.New(zapcore.NewTee(cores...)), cleanup, nil
}

func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}
