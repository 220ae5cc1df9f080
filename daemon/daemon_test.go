package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsDaemonEnvFlag(t *testing.T) {
	t.Setenv("TRADINGBOT_DAEMON", "true")
	if !IsDaemon() {
		t.Fatalf("IsDaemon should return true when TRADINGBOT_DAEMON=true")
	}
	t.Setenv("TRADINGBOT_DAEMON", "false")
	if IsDaemon() {
		t.Fatalf("IsDaemon should return false when TRADINGBOT_DAEMON=false")
	}
}

func TestGetExecutablePathReturnsAbs(t *testing.T) {
	path, err := GetExecutablePath()
	if err != nil {
		t.Fatalf("GetExecutablePath error: %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Fatalf("expected absolute path, got %s", path)
	}
}

func usePIDFile(t *testing.T) string {
	t.Helper()
	old := PIDFile
	PIDFile = filepath.Join(t.TempDir(), "tradingbot.pid")
	t.Cleanup(func() { PIDFile = old })
	return PIDFile
}

func TestStopDaemonMissingPIDFile(t *testing.T) {
	usePIDFile(t)
	if err := StopDaemon(); err == nil {
		t.Fatalf("expected error when pid file is missing")
	}
}

func TestReadPIDRejectsGarbage(t *testing.T) {
	path := usePIDFile(t)
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readPID(); err == nil {
		t.Fatalf("expected parse error")
	}

	if err := os.WriteFile(path, []byte(" 4242\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pid, err := readPID()
	if err != nil || pid != 4242 {
		t.Fatalf("readPID = %d, %v", pid, err)
	}
}

func TestAliveSelf(t *testing.T) {
	if !alive(os.Getpid()) {
		t.Fatalf("own process should be alive")
	}
}

// StartDaemon/RestartDaemon spawn real processes and are not exercised here.
