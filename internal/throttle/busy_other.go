//go:build !unix

package throttle

import (
	"errors"
	"io/fs"
)

// IsBusy reports whether err means the file is held by another process.
// Windows reports sharing violations as permission errors.
func IsBusy(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}

func flushFilesystems() {}
