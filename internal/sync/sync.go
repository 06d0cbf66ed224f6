// Package sync brings a destination tree in line with a source tree.
//
// Three strategies exist. Mirror copies only changed files and deletes
// stale ones. FullReplace moves the old tree aside, copies a fresh one and
// only then deletes the old copy. Extension sync replaces every file of one
// extension and leaves everything else alone.
package sync

import (
	"fmt"
	"strings"
	"time"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
)

// Mode selects the sync strategy.
type Mode string

const (
	ModeMirror      Mode = "mirror"
	ModeFullReplace Mode = "full"
	ModeExtension   Mode = "ext"
)

// FastFileExt is the --fileext value that selects an incremental mirror.
const FastFileExt = "fast"

// ModeFor maps a --fileext value to a mode. An empty value means a full
// replace on removable storage and a mirror everywhere else. Values starting
// with a dot select extension sync for that extension.
func ModeFor(fileext string, removable bool) (Mode, string, error) {
	switch {
	case fileext == "":
		if removable {
			return ModeFullReplace, "", nil
		}
		return ModeMirror, "", nil
	case fileext == FastFileExt:
		return ModeMirror, "", nil
	case strings.HasPrefix(fileext, ".") && len(fileext) > 1:
		return ModeExtension, fileext, nil
	default:
		return "", "", deployerrors.Newf(deployerrors.ErrConfigValid,
			"unsupported --fileext %q (use %q, an extension like \".lua\", or leave empty)", fileext, FastFileExt)
	}
}

// Failure is a per-file problem that did not stop the run.
type Failure struct {
	Op   string // "copy" or "delete"
	Path string
	Err  error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %s: %v", f.Op, f.Path, f.Err)
}

// Report summarises one destination's sync.
type Report struct {
	Destination string
	Mode        Mode
	Copied      int
	Deleted     int
	Unchanged   int
	Vanished    []string
	Failures    []Failure
	State       State
	Duration    time.Duration
}

func (r *Report) fail(op, path string, err error) {
	r.Failures = append(r.Failures, Failure{Op: op, Path: path, Err: err})
}
