package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102T150405.000"

// RotatingWriter appends to a log file and moves it aside once it would grow
// past the size limit. Backups are named <file>.<timestamp>, optionally
// gzipped, and removed once older than the age limit.
type RotatingWriter struct {
	path     string
	limit    int64
	maxAge   time.Duration
	compress bool
	now      func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64

	archiving sync.WaitGroup
}

// NewRotatingWriter opens path for appending. maxSizeMB of 0 rotates before
// every write to a non-empty file; maxAgeDays of 0 keeps backups forever.
func NewRotatingWriter(path string, maxSizeMB, maxAgeDays int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		path:     path,
		limit:    int64(maxSizeMB) << 20,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		compress: compress,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.archiving.Add(1)
	go func() {
		defer w.archiving.Done()
		w.prune()
	}()
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push the file past the limit.
// A single oversized write still lands whole in a fresh file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for pending compression and pruning.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.archiving.Wait()
	return err
}

// Backups lists rotated files, oldest first.
func (w *RotatingWriter) Backups() []string {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil
	}
	// Timestamps sort lexically, and Glob returns sorted names.
	return matches
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	base := w.path + "." + w.now().Format(backupTimeFormat)
	backup := base
	for i := 1; exists(backup) || exists(backup+".gz"); i++ {
		backup = fmt.Sprintf("%s-%d", base, i)
	}
	if err := os.Rename(w.path, backup); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.archiving.Add(1)
	go func() {
		defer w.archiving.Done()
		if w.compress {
			_ = gzipFile(backup)
		}
		w.prune()
	}()
	return nil
}

// prune removes backups last modified before the age limit.
func (w *RotatingWriter) prune() {
	if w.maxAge <= 0 {
		return
	}
	cutoff := w.now().Add(-w.maxAge)
	for _, backup := range w.Backups() {
		info, err := os.Stat(backup)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(backup)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	if strings.HasSuffix(path, ".gz") {
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
