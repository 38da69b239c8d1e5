package logging

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// RotationConfig holds configuration for log rotation.
type RotationConfig struct {
	// MaxSizeMB is the size in megabytes at which the log rotates.
	// 0 disables rotation.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// DefaultRotationConfig returns the rotation settings used when none are
// configured.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxSizeMB:  10,
		MaxBackups: 3,
	}
}

// RotatingWriter is an io.Writer over a file on an afero filesystem that
// rotates by size. Backups are numbered .1 (newest) to .N (oldest). It is
// safe for concurrent use.
type RotatingWriter struct {
	mu sync.Mutex

	fs         afero.Fs
	filePath   string
	maxSizeB   int64
	maxBackups int
	compress   bool

	file        afero.File
	currentSize int64
}

// NewRotatingWriter opens (or creates) filePath on fs for appending.
func NewRotatingWriter(fs afero.Fs, filePath string, config RotationConfig) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		fs:         fs,
		filePath:   filePath,
		maxSizeB:   int64(config.MaxSizeMB) * 1024 * 1024,
		maxBackups: config.MaxBackups,
		compress:   config.Compress,
	}
	if err := rw.openFile(); err != nil {
		return nil, err
	}
	return rw, nil
}

// setMaxBytes overrides the rotation threshold. Tests use it to avoid
// writing megabytes.
func (rw *RotatingWriter) setMaxBytes(n int64) {
	rw.mu.Lock()
	rw.maxSizeB = n
	rw.mu.Unlock()
}

func (rw *RotatingWriter) openFile() error {
	if err := rw.fs.MkdirAll(filepath.Dir(rw.filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := rw.fs.OpenFile(rw.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	rw.file = file
	rw.currentSize = info.Size()
	return nil
}

// Write implements io.Writer, rotating first when p would push the file
// past the size limit.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, fmt.Errorf("log file is closed")
	}

	if rw.maxSizeB > 0 && rw.currentSize > 0 && rw.currentSize+int64(len(p)) > rw.maxSizeB {
		if err := rw.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: log rotation failed: %v\n", err)
			if rw.file == nil {
				return 0, err
			}
		}
	}

	n, err := rw.file.Write(p)
	rw.currentSize += int64(n)
	return n, err
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	rw.file = nil

	rw.shiftBackups()

	backup := rw.backupPath(1)
	if rw.maxBackups <= 0 {
		_ = rw.fs.Remove(rw.filePath)
		return rw.openFile()
	}
	if err := rw.fs.Rename(rw.filePath, backup); err != nil {
		if openErr := rw.openFile(); openErr != nil {
			return fmt.Errorf("failed to rename log file and reopen: %w", openErr)
		}
		return fmt.Errorf("failed to rename log file: %w", err)
	}
	if rw.compress {
		if err := rw.compressFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	return rw.openFile()
}

// shiftBackups moves .i to .i+1 and drops the oldest.
func (rw *RotatingWriter) shiftBackups() {
	if rw.maxBackups <= 0 {
		return
	}
	oldest := rw.backupPath(rw.maxBackups)
	_ = rw.fs.Remove(oldest)
	_ = rw.fs.Remove(oldest + ".gz")

	for i := rw.maxBackups - 1; i >= 1; i-- {
		from, to := rw.backupPath(i), rw.backupPath(i+1)
		if ok, _ := afero.Exists(rw.fs, from+".gz"); ok {
			_ = rw.fs.Rename(from+".gz", to+".gz")
		} else if ok, _ := afero.Exists(rw.fs, from); ok {
			_ = rw.fs.Rename(from, to)
		}
	}
}

func (rw *RotatingWriter) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", rw.filePath, n)
}

// compressFile gzips path to path.gz and removes the original once the
// compressed copy is complete.
func (rw *RotatingWriter) compressFile(path string) error {
	data, err := afero.ReadFile(rw.fs, path)
	if err != nil {
		return fmt.Errorf("failed to read log file for compression %s: %w", path, err)
	}

	gzPath := path + ".gz"
	out, err := rw.fs.Create(gzPath)
	if err != nil {
		return fmt.Errorf("failed to create compressed log file %s: %w", gzPath, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := gz.Write(data); err != nil {
		_ = rw.fs.Remove(gzPath)
		return fmt.Errorf("failed to write compressed log data to %s: %w", gzPath, err)
	}
	if err := gz.Close(); err != nil {
		_ = rw.fs.Remove(gzPath)
		return fmt.Errorf("failed to finalize compressed log file %s: %w", gzPath, err)
	}
	return rw.fs.Remove(path)
}

// Close syncs and closes the underlying file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return nil
	}
	if err := rw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	rw.file = nil
	return nil
}

// CurrentSize returns the current size of the log file in bytes.
func (rw *RotatingWriter) CurrentSize() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.currentSize
}

// FilePath returns the path to the log file.
func (rw *RotatingWriter) FilePath() string {
	return rw.filePath
}
