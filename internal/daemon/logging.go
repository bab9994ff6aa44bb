package daemon

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a console-encoded logger writing to w. Unknown levels
// fall back to info.
func NewLogger(w io.Writer, level string) *zap.SugaredLogger {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.ConsoleSeparator = " "
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), lvl)
	return zap.New(core).Sugar()
}

// LogFile is the daemon log. It can be rotated while loggers hold it.
type LogFile struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	f       *os.File
}

// OpenLogFile opens path for appending. maxSize <= 0 disables rotation.
func OpenLogFile(path string, maxSize int64) (*LogFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return &LogFile{path: path, maxSize: maxSize, f: f}, nil
}

// Write implements io.Writer.
func (l *LogFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return 0, os.ErrClosed
	}
	return l.f.Write(p)
}

// Sync implements zapcore.WriteSyncer.
func (l *LogFile) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.f.Sync()
}

// Close closes the file.
func (l *LogFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// RotatedPath returns the single kept generation, <path>.1.
func RotatedPath(path string) string {
	return path + ".1"
}

// Rotate moves the log to <path>.1, replacing any older generation, when it
// has grown past the size limit. It reports whether it rotated.
func (l *LogFile) Rotate() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil || l.maxSize <= 0 {
		return false, nil
	}
	info, err := l.f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() <= l.maxSize {
		return false, nil
	}

	_ = l.f.Close()
	l.f = nil
	renameErr := os.Rename(l.path, RotatedPath(l.path))
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return false, fmt.Errorf("reopening log file: %w", err)
	}
	l.f = f
	if renameErr != nil {
		return false, fmt.Errorf("rotating log file: %w", renameErr)
	}
	return true, nil
}
