package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/bolasblack/rfdeploy/internal/lock"
)

// printLock shows the lock path for cfgPath and, when present, its holder.
func printLock(w io.Writer, dir, cfgPath string) error {
	path := lock.PathFor(dir, cfgPath)
	fmt.Fprintln(w, path)

	rec, err := lock.ReadRecord(path)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(w, "  no lock file")
		return nil
	}
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Fprintln(w, "  not held")
		return nil
	}
	fmt.Fprintf(w, "  pid:  %d\n", rec.PID)
	fmt.Fprintf(w, "  host: %s\n", rec.Host)
	fmt.Fprintf(w, "  time: %s\n", rec.AcquiredAt().Format(time.RFC3339))
	return nil
}

func clearLock(w io.Writer, dir, cfgPath string) error {
	path := lock.PathFor(dir, cfgPath)
	if err := lock.Clear(path); err != nil {
		return err
	}
	progressDone(w, "Cleared %s\n", path)
	return nil
}

// clearAllLocks removes every lock file after confirmation.
func clearAllLocks(w io.Writer, dir string, assumeYes bool) error {
	paths, err := lock.List(dir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Fprintln(w, "No lock files found.")
		return nil
	}
	for _, p := range paths {
		fmt.Fprintf(w, "  %s\n", p)
	}

	ok, err := confirm(fmt.Sprintf("Remove %d lock file(s)?", len(paths)), assumeYes)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(w, "Nothing removed.")
		return nil
	}

	removed, err := lock.ClearAll(dir)
	progressDone(w, "Removed %d lock file(s)\n", len(removed))
	return err
}
