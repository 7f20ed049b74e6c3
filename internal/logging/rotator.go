package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer that rolls its file over once it exceeds
// Config.MaxSize megabytes, keeping at most Config.MaxBackups old files.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxBackups int
	compress   bool

	mu   sync.Mutex
	file *os.File
	size int64
	wg   sync.WaitGroup
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 100
	}

	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   maxSize * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *FileRotator) openFile() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openFile(); err != nil {
			return 0, err
		}
	}

	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	ext := filepath.Ext(r.path)
	rotated := fmt.Sprintf("%s-%s%s", strings.TrimSuffix(r.path, ext), time.Now().Format("20060102-150405.000"), ext)
	if err := os.Rename(r.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if err := r.openFile(); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if r.compress {
			compressFile(rotated)
		}
		r.cleanup()
	}()

	return nil
}

func compressFile(path string) {
	input, err := os.Open(path)
	if err != nil {
		return
	}
	defer input.Close()

	output, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer output.Close()

	gz := gzip.NewWriter(output)
	gz.Name = filepath.Base(path)

	if _, err := io.Copy(gz, input); err != nil {
		gz.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}

	os.Remove(path)
}

// cleanup removes the oldest rotated files beyond maxBackups.
func (r *FileRotator) cleanup() {
	backups, err := r.Backups()
	if err != nil || r.maxBackups <= 0 || len(backups) <= r.maxBackups {
		return
	}
	for _, path := range backups[:len(backups)-r.maxBackups] {
		os.Remove(path)
	}
}

// Backups lists rotated files, oldest first.
func (r *FileRotator) Backups() ([]string, error) {
	ext := filepath.Ext(r.path)
	matches, err := filepath.Glob(strings.TrimSuffix(r.path, ext) + "-*" + ext + "*")
	if err != nil {
		return nil, err
	}
	// Rotation timestamps sort lexically.
	sort.Strings(matches)
	return matches, nil
}

// Close waits for background compression and closes the file.
func (r *FileRotator) Close() error {
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
