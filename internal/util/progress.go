// Package util provides shared helpers used across the CLI and the deploy packages.
package util

import (
	"fmt"
	"io"
)

// Progress writes a progress message if w is non-nil.
func Progress(w io.Writer, format string, args ...any) {
	if w != nil {
		_, _ = fmt.Fprintf(w, format, args...)
	}
}

// ProgressStep writes a progress message with → prefix (step in progress).
func ProgressStep(w io.Writer, format string, args ...any) {
	Progress(w, "→ "+format, args...)
}

// ProgressDone writes a progress message with ✓ prefix (step completed).
func ProgressDone(w io.Writer, format string, args ...any) {
	Progress(w, "✓ "+format, args...)
}

// ProgressWarn writes a progress message with ⚠ prefix (degraded, run continues).
func ProgressWarn(w io.Writer, format string, args ...any) {
	Progress(w, "⚠ "+format, args...)
}
