package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// hourlyWriter keeps one lumberjack file per hour under a per-day directory:
// <dir>/2006-01-02/<name>-15.log
type hourlyWriter struct {
	dir  string
	name string
	ext  string

	maxSize    int
	maxBackups int
	maxAge     int
	compress   bool

	now func() time.Time

	mu        sync.Mutex
	hourKey   string
	out       *lumberjack.Logger
	prunedDay string
}

func newHourlyWriter(path string, maxSize, maxBackups, maxAge int, compress bool) (*hourlyWriter, error) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if name == "" || name == "." {
		return nil, fmt.Errorf("invalid log file: %q", path)
	}
	if ext == "" {
		ext = ".log"
	}

	w := &hourlyWriter{
		dir:        filepath.Dir(path),
		name:       name,
		ext:        ext,
		maxSize:    maxSize,
		maxBackups: maxBackups,
		maxAge:     maxAge,
		compress:   compress,
		now:        time.Now,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.open(w.now()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *hourlyWriter) pathFor(t time.Time) string {
	return filepath.Join(w.dir, t.Format("2006-01-02"), fmt.Sprintf("%s-%02d%s", w.name, t.Hour(), w.ext))
}

// open must be called with mu held.
func (w *hourlyWriter) open(t time.Time) error {
	key := t.Format("2006-01-02-15")
	if w.out != nil && w.hourKey == key {
		return nil
	}
	if w.out != nil {
		_ = w.out.Close()
		w.out = nil
	}

	path := w.pathFor(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	w.hourKey = key
	w.out = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    w.maxSize,
		MaxBackups: w.maxBackups,
		MaxAge:     w.maxAge,
		Compress:   w.compress,
	}

	day := t.Format("2006-01-02")
	if w.maxAge > 0 && day != w.prunedDay {
		w.prunedDay = day
		return w.prune(t)
	}
	return nil
}

func (w *hourlyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(w.now()); err != nil {
		return 0, err
	}
	return w.out.Write(p)
}

func (w *hourlyWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(w.now()); err != nil {
		return err
	}
	return w.out.Rotate()
}

func (w *hourlyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.out == nil {
		return nil
	}
	err := w.out.Close()
	w.out = nil
	w.hourKey = ""
	return err
}

// prune removes day directories older than maxAge days.
func (w *hourlyWriter) prune(t time.Time) error {
	y, m, d := t.Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, -(w.maxAge - 1))

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read log directory %q: %w", w.dir, err)
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		day, err := time.ParseInLocation("2006-01-02", ent.Name(), t.Location())
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.RemoveAll(filepath.Join(w.dir, ent.Name()))
		}
	}
	return nil
}
