package logx

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"pkt.systems/pslog"
)

// FileConfig describes a rotating log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Enabled reports whether a file path was configured.
func (c FileConfig) Enabled() bool {
	return c.Path != ""
}

// RotatingFile opens a size-rotated log file.
func RotatingFile(cfg FileConfig) io.WriteCloser {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// NewLogger builds the process logger. Without a log file it logs in console mode to w;
// with one it writes structured entries to both w and the rotating file.
// The returned closer releases the file and is never nil.
func NewLogger(w io.Writer, cfg FileConfig) (pslog.Logger, io.Closer) {
	if w == nil {
		w = os.Stderr
	}
	if !cfg.Enabled() {
		logger := pslog.LoggerFromEnv(
			pslog.WithEnvWriter(w),
			pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
		)
		return logger, nopCloser{}
	}
	file := RotatingFile(cfg)
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(io.MultiWriter(w, file)),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, NoColor: true}),
	)
	return logger, file
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
