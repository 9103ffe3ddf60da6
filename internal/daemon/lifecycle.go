package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

const pidFileName = "switchboard.pid"

// LifecycleManager owns the daemon's PID file.
type LifecycleManager struct {
	pidFile string
	logger  zerolog.Logger
	written bool
}

// NewLifecycleManager creates a lifecycle manager for dataDir.
func NewLifecycleManager(dataDir string, logger zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{pidFile: PIDFilePath(dataDir), logger: logger}
}

// Start writes the PID file. It fails with ErrAlreadyRunning when the file
// names another live process; a stale file is replaced.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(filepath.Dir(l.pidFile), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if pid, err := readPIDFile(l.pidFile); err == nil && pid != os.Getpid() && ProcessAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	pid := os.Getpid()
	if err := os.WriteFile(l.pidFile, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	l.written = true

	l.logger.Info().Str("pidFile", l.pidFile).Int("pid", pid).Msg("PID file written")
	return nil
}

// Stop removes the PID file if this manager wrote it.
func (l *LifecycleManager) Stop() error {
	if !l.written {
		return nil
	}
	l.written = false
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// Path returns the PID file location.
func (l *LifecycleManager) Path() string { return l.pidFile }

// PIDFilePath returns where the daemon for dataDir records its PID.
func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, pidFileName)
}

// ReadPID returns the PID of the daemon recorded under dataDir. It returns
// ErrNotRunning when there is no PID file or the process is gone.
func ReadPID(dataDir string) (int, error) {
	pid, err := readPIDFile(PIDFilePath(dataDir))
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNotRunning
	}
	if err != nil {
		return 0, err
	}
	if !ProcessAlive(pid) {
		return 0, ErrNotRunning
	}
	return pid, nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", path)
	}
	return pid, nil
}

// ProcessAlive reports whether a process with pid exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
