package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConsoleLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, WARNING)

	l.Info("hidden %d", 1)
	l.Warning("shown %d", 2)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line leaked at WARNING level: %q", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Fatalf("warning line missing: %q", out)
	}

	buf.Reset()
	l.ChangeLogLevel(DEBUG)
	l.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("debug line missing after ChangeLogLevel: %q", buf.String())
	}
}

func TestHourlyWriterPathLayout(t *testing.T) {
	dir := t.TempDir()
	w, err := newHourlyWriter(filepath.Join(dir, "bot.log"), 1, 1, 0, false)
	if err != nil {
		t.Fatalf("newHourlyWriter error: %v", err)
	}
	defer w.Close()

	at := time.Date(2024, 3, 5, 14, 0, 0, 0, time.Local)
	w.now = func() time.Time { return at }
	if _, err := w.Write([]byte("x\n")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	want := filepath.Join(dir, "2024-03-05", "bot-14.log")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected %s to exist: %v", want, err)
	}
}

func TestHourlyWriterPrunesOldDays(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "2000-01-01")
	if err := os.MkdirAll(old, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w, err := newHourlyWriter(filepath.Join(dir, "bot.log"), 1, 1, 3, false)
	if err != nil {
		t.Fatalf("newHourlyWriter error: %v", err)
	}
	defer w.Close()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected old day directory to be pruned, stat err=%v", err)
	}
}

func TestNewHourlyWriterRejectsEmptyName(t *testing.T) {
	if _, err := newHourlyWriter(filepath.Join(t.TempDir(), ".log"), 1, 1, 0, false); err == nil {
		t.Fatalf("expected error for empty base name")
	}
}
