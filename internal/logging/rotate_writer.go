package logging

import (
	"fmt"
	"os"
	"sync"
)

const (
	defaultRotateMaxSize    = 10 * 1024 * 1024
	defaultRotateMaxBackups = 5
)

// RotateWriter is a size-bounded append-only file writer. When a write would
// push the file past MaxSize, the file is renamed to path.1 (shifting older
// backups up to path.N) and a fresh file is opened.
type RotateWriter struct {
	path       string
	maxSize    int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
}

// NewRotateWriter opens path for appending. Non-positive limits fall back to
// 10MiB and 5 backups.
func NewRotateWriter(path string, maxSize int64, maxBackups int) (*RotateWriter, error) {
	if maxSize <= 0 {
		maxSize = defaultRotateMaxSize
	}
	if maxBackups <= 0 {
		maxBackups = defaultRotateMaxBackups
	}
	rw := &RotateWriter{path: path, maxSize: maxSize, maxBackups: maxBackups}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotateWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open %s: %w", rw.path, err)
	}
	rw.file = f
	return nil
}

// Write appends p, rotating first if the size limit would be exceeded.
func (rw *RotateWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		if err := rw.open(); err != nil {
			return 0, err
		}
	}
	if fi, err := rw.file.Stat(); err == nil && fi.Size() > 0 && fi.Size()+int64(len(p)) > rw.maxSize {
		_ = rw.file.Close()
		rw.file = nil
		rw.shiftBackups()
		if err := rw.open(); err != nil {
			return 0, err
		}
	}
	return rw.file.Write(p)
}

func (rw *RotateWriter) shiftBackups() {
	for i := rw.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", rw.path, i)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, fmt.Sprintf("%s.%d", rw.path, i+1))
		}
	}
	_ = os.Rename(rw.path, rw.path+".1")
}

// Sync flushes the current file to disk.
func (rw *RotateWriter) Sync() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	return rw.file.Sync()
}

// Close closes the current file. Subsequent writes reopen it.
func (rw *RotateWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}
