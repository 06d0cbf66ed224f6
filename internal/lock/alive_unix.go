//go:build unix

package lock

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// processAlive checks pid with signal 0. EPERM means the process exists but
// belongs to another user.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// terminate asks pid to exit and kills it if it is still around 300 ms later.
func terminate(pid int) {
	_ = unix.Kill(pid, unix.SIGTERM)
	time.Sleep(300 * time.Millisecond)
	if processAlive(pid) {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}
