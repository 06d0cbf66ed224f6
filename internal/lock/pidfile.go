package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bolasblack/rfdeploy/internal/util"
)

// PIDFile records the process following the radio's serial console, so the
// next run can stop it before opening the port itself.
type PIDFile struct {
	path string
	pid  int

	isAlive   func(pid int) bool
	terminate func(pid int)
}

// NewPIDFile returns the console PID file in dir (os.TempDir() when empty).
func NewPIDFile(dir string) *PIDFile {
	if dir == "" {
		dir = os.TempDir()
	}
	return &PIDFile{
		path:      filepath.Join(dir, util.ConsolePIDFile),
		pid:       os.Getpid(),
		isAlive:   processAlive,
		terminate: terminate,
	}
}

func (p *PIDFile) Path() string {
	return p.path
}

// TakeOver stops the previous owner if it is still running and records this
// process. It returns the PID that was stopped, or 0.
func (p *PIDFile) TakeOver() (int, error) {
	stopped := 0
	if data, err := os.ReadFile(p.path); err == nil {
		old, _ := strconv.Atoi(strings.TrimSpace(string(data)))
		if old > 0 && old != p.pid && p.isAlive(old) {
			p.terminate(old)
			stopped = old
		}
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(p.pid)), 0o644); err != nil {
		return stopped, fmt.Errorf("failed to write %s: %w", p.path, err)
	}
	return stopped, nil
}

// Release removes the file if it still names this process.
func (p *PIDFile) Release() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(p.pid) {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", p.path, err)
	}
	return nil
}
