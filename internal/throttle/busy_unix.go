//go:build unix

package throttle

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsBusy reports whether err means the device or file is temporarily
// unavailable and the operation is worth retrying.
func IsBusy(err error) bool {
	return errors.Is(err, unix.EBUSY) ||
		errors.Is(err, unix.ETXTBSY) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EINTR)
}

func flushFilesystems() {
	unix.Sync()
}
