// Package daemon starts, stops and restarts the bot as a background
// process tracked by a pid file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const envFlag = "TRADINGBOT_DAEMON"

// PIDFile is where the background process id is kept.
var PIDFile = "tradingbot.pid"

// stopWait bounds how long StopDaemon waits for a graceful exit.
var stopWait = 15 * time.Second

// IsDaemon reports whether this process was started by StartDaemon.
func IsDaemon() bool {
	return os.Getenv(envFlag) == "true"
}

// StartDaemon re-executes the binary in the background with args. The
// child must not be passed the daemon control flags again.
func StartDaemon(args []string) error {
	if pid, err := readPID(); err == nil && alive(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	execPath, err := GetExecutablePath()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	cmd := exec.Command(execPath, args...)
	cmd.Env = append(os.Environ(), envFlag+"=true")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	if err := os.WriteFile(PIDFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	// the child outlives us
	_ = cmd.Process.Release()

	fmt.Printf("Daemon started with PID: %d. PID file saved as %s\n", cmd.Process.Pid, PIDFile)
	return nil
}

// StopDaemon sends SIGTERM so the bot can shut down cleanly, and falls back
// to SIGKILL when it does not exit in time.
func StopDaemon() error {
	pid, err := readPID()
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		os.Remove(PIDFile)
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopWait)
	for alive(pid) && time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
	}
	if alive(pid) {
		if err := process.Kill(); err != nil {
			return fmt.Errorf("failed to kill process: %w", err)
		}
	}

	if err := os.Remove(PIDFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	fmt.Printf("Daemon with PID %d has been stopped.\n", pid)
	return nil
}

// RestartDaemon restarts the daemon process
func RestartDaemon(args []string) error {
	if err := StopDaemon(); err != nil {
		fmt.Printf("Warning: Could not stop daemon: %v\n", err)
	}
	return StartDaemon(args)
}

// GetExecutablePath returns the current executable path
func GetExecutablePath() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Abs(execPath)
}

func readPID() (int, error) {
	data, err := os.ReadFile(PIDFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("failed to parse PID %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// alive probes pid with signal 0.
func alive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
