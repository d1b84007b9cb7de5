package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// pidFilePath is where "start" records its PID for "stop".
func pidFilePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".approval-gate", "server.pid")
	}
	return filepath.Join(os.TempDir(), "approval-gate-server.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600)
}

// readPIDFile returns the recorded PID, or 0 when the file is missing or
// malformed.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// removePIDFile removes path if it still names this process.
func removePIDFile(path string) {
	if readPIDFile(path) == os.Getpid() {
		_ = os.Remove(path)
	}
}

var errNoServer = errors.New("no running server")

// serverProcess is a server found through its PID file.
type serverProcess struct {
	proc    *os.Process
	pidPath string
}

// findServer resolves the PID file at pidPath to a live process. A PID
// file naming a dead process is removed.
func findServer(pidPath string) (*serverProcess, error) {
	pid := readPIDFile(pidPath)
	if pid == 0 {
		return nil, fmt.Errorf("%w: no PID file at %s", errNoServer, pidPath)
	}
	proc, err := os.FindProcess(pid)
	if err == nil && !processIsAlive(proc) {
		err = fmt.Errorf("process %d is not running", pid)
	}
	if err != nil {
		_ = os.Remove(pidPath)
		return nil, fmt.Errorf("%w: %v (stale PID file removed)", errNoServer, err)
	}
	return &serverProcess{proc: proc, pidPath: pidPath}, nil
}

func (s *serverProcess) pid() int {
	return s.proc.Pid
}

// waitExit polls until the process is gone or grace elapses.
func (s *serverProcess) waitExit(grace, interval time.Duration) bool {
	deadline := time.Now().Add(grace)
	for {
		if !processIsAlive(s.proc) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}

// stop asks the server to shut down and kills it when it outlives grace.
// The PID file is removed either way.
func (s *serverProcess) stop(grace time.Duration) (killed bool, err error) {
	defer os.Remove(s.pidPath)
	if err := sendGracefulStop(s.proc); err != nil {
		return false, fmt.Errorf("signal process %d: %w", s.pid(), err)
	}
	if s.waitExit(grace, 200*time.Millisecond) {
		return false, nil
	}
	return true, s.proc.Kill()
}
