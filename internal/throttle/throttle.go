// Package throttle writes and deletes files at a pace slow removable storage
// can absorb.
//
// The radio's FAT32 volume is exposed over USB mass storage and its
// controller stalls or drops writes when flooded. Throttled copies are
// written in small chunks with a periodic fsync and pause, and every file is
// followed by a short settle delay. Deletions are one file at a time with a
// pause and a bounded retry when the device reports it is busy.
package throttle

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/bolasblack/rfdeploy/internal/config"
	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/logging"
	"github.com/bolasblack/rfdeploy/internal/progress"
	"github.com/bolasblack/rfdeploy/internal/retry"
)

// Pacing controls chunking and delays. The zero value copies without any pacing.
type Pacing struct {
	// Throttled enables chunked writes with periodic sync. When false CopyFile
	// behaves like a plain copy that keeps the source mtime.
	Throttled   bool
	ChunkSize   int
	SyncEvery   int
	Pause       time.Duration
	Settle      time.Duration
	DeletePause time.Duration
	BusyRetries int
}

// PacingFrom builds throttled pacing from configuration.
func PacingFrom(cfg config.ThrottleConfig) Pacing {
	return Pacing{
		Throttled:   true,
		ChunkSize:   cfg.ChunkSize,
		SyncEvery:   cfg.SyncEvery,
		Pause:       cfg.Pause.Duration,
		Settle:      cfg.Settle.Duration,
		DeletePause: cfg.DeletePause.Duration,
		BusyRetries: cfg.BusyRetries,
	}
}

// Plain returns options for local destinations such as the simulator:
// unpaced copies and deletes, a single attempt per file.
func Plain() Pacing {
	return Pacing{ChunkSize: 32 * 1024, BusyRetries: 1}
}

// IO performs paced file operations on an afero filesystem.
type IO struct {
	fs       afero.Fs
	opts     Pacing
	reporter progress.Reporter
	log      zerolog.Logger

	// flush asks the OS to write back dirty buffers; replaced in tests.
	flush func()
}

// New creates an IO.
func New(fs afero.Fs, opts Pacing) *IO {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 32 * 1024
	}
	if opts.BusyRetries < 1 {
		opts.BusyRetries = 1
	}
	return &IO{
		fs:       fs,
		opts:     opts,
		reporter: progress.Nop{},
		log:      logging.Get("throttle"),
		flush:    flushFilesystems,
	}
}

// WithReporter returns a copy of t reporting to r.
func (t *IO) WithReporter(r progress.Reporter) *IO {
	cp := *t
	if r == nil {
		r = progress.Nop{}
	}
	cp.reporter = r
	return &cp
}

// Pacing returns the pacing in effect.
func (t *IO) Pacing() Pacing {
	return t.opts
}

// Flush syncs filesystems when throttled. It is a no-op otherwise.
func (t *IO) Flush() {
	if t.opts.Throttled {
		t.flush()
	}
}

// Pause sleeps for d when throttled.
func (t *IO) Pause(ctx context.Context, d time.Duration) error {
	if !t.opts.Throttled {
		return ctx.Err()
	}
	return retry.Sleep(ctx, d)
}

// CopyFile copies src to dst, creating parent directories. Permission bits
// and the source mtime are carried over. Busy errors are retried like
// deletes; when retries run out the error carries ErrFileAbandoned.
func (t *IO) CopyFile(ctx context.Context, src, dst string) error {
	info, err := t.fs.Stat(src)
	if err != nil {
		return err
	}
	if err := t.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}

	err = retry.Do(ctx, t.busyPolicy("copy", dst), func(int) error {
		return t.copyContents(ctx, src, dst, info.Mode().Perm())
	})
	if err != nil {
		if ctx.Err() != nil {
			_ = t.fs.Remove(dst)
			return err
		}
		if IsBusy(err) {
			return deployerrors.Wrapf(err, deployerrors.ErrFileAbandoned, "gave up copying %s", dst).
				WithDetail("path", dst)
		}
		return err
	}

	if err := t.fs.Chmod(dst, info.Mode().Perm()); err != nil {
		t.log.Debug().Err(err).Str("path", dst).Msg("chmod after copy failed")
	}
	// The planner's size+mtime shortcut depends on this.
	if err := t.fs.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		t.log.Debug().Err(err).Str("path", dst).Msg("chtimes after copy failed")
	}

	if !t.opts.Throttled {
		return nil
	}
	return retry.Sleep(ctx, t.opts.Settle)
}

// busyPolicy retries busy errors with a linearly growing pause.
func (t *IO) busyPolicy(op, path string) retry.Policy {
	return retry.Policy{
		MaxAttempts: t.opts.BusyRetries,
		BaseDelay:   t.opts.DeletePause,
		Backoff:     retry.Linear,
		IsRetryable: IsBusy,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			t.log.Debug().Err(err).Str("op", op).Str("path", path).Int("attempt", attempt).Dur("delay", delay).Msg("device busy, retrying")
		},
	}
}

func (t *IO) copyContents(ctx context.Context, src, dst string, perm os.FileMode) error {
	in, err := t.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := t.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	buf := make([]byte, t.opts.ChunkSize)
	sinceSync := 0
	for {
		if err := ctx.Err(); err != nil {
			_ = out.Close()
			return err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				_ = out.Close()
				return fmt.Errorf("failed to write %s: %w", dst, err)
			}
			sinceSync += n
		}
		if t.opts.Throttled && t.opts.SyncEvery > 0 && sinceSync >= t.opts.SyncEvery {
			// Sync errors are common on removable media and not fatal.
			_ = out.Sync()
			if err := retry.Sleep(ctx, t.opts.Pause); err != nil {
				_ = out.Close()
				return err
			}
			sinceSync = 0
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = out.Close()
			return fmt.Errorf("failed to read %s: %w", src, rerr)
		}
	}

	if t.opts.Throttled {
		_ = out.Sync()
	}
	return out.Close()
}

// RemoveFile deletes a single file. A missing file is not an error. Busy
// errors are retried with a linearly growing pause; when retries run out the
// returned error carries ErrFileAbandoned.
func (t *IO) RemoveFile(ctx context.Context, path string) error {
	if info, err := t.fs.Stat(path); err == nil {
		_ = t.fs.Chmod(path, info.Mode().Perm()|0o200)
	}

	err := retry.Do(ctx, t.busyPolicy("delete", path), func(int) error {
		err := t.fs.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	})
	if err == nil || ctx.Err() != nil {
		return err
	}
	if IsBusy(err) {
		return deployerrors.Wrapf(err, deployerrors.ErrFileAbandoned, "gave up deleting %s", path).
			WithDetail("path", path)
	}
	return err
}

// RemovePaced deletes a file and, when throttled, syncs and pauses afterwards.
func (t *IO) RemovePaced(ctx context.Context, path string) error {
	err := t.RemoveFile(ctx, path)
	if t.opts.Throttled {
		t.flush()
		if perr := retry.Sleep(ctx, t.opts.DeletePause); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// RemoveTree deletes root one file at a time, then its directories deepest
// first. Files that stayed busy are returned as abandoned and do not stop the
// removal of the rest.
func (t *IO) RemoveTree(ctx context.Context, root string) (abandoned []string, err error) {
	if _, err := t.fs.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var files, dirs []string
	werr := afero.Walk(t.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			dirs = append(dirs, path)
		} else {
			files = append(files, path)
		}
		return nil
	})
	if werr != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, werr)
	}

	t.reporter.Start("Deleting", len(files))
	defer t.reporter.Finish()

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return abandoned, err
		}
		if err := t.RemovePaced(ctx, f); err != nil {
			if ctx.Err() != nil {
				return abandoned, ctx.Err()
			}
			if !deployerrors.IsCode(err, deployerrors.ErrFileAbandoned) {
				return abandoned, err
			}
			t.log.Warn().Err(err).Str("path", f).Msg("file abandoned")
			abandoned = append(abandoned, f)
		}
		t.reporter.Advance(1)
	}

	// Longest paths first so children go before parents.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		_ = t.fs.Remove(d)
	}
	t.Flush()
	return abandoned, t.Pause(ctx, t.opts.DeletePause)
}

// PruneEmptyDirs removes empty directories below root. root itself is kept.
func (t *IO) PruneEmptyDirs(root string) int {
	removed := 0
	var visit func(dir string) bool
	visit = func(dir string) bool {
		entries, err := afero.ReadDir(t.fs, dir)
		if err != nil {
			return false
		}
		empty := true
		for _, e := range entries {
			if !e.IsDir() {
				empty = false
				continue
			}
			if visit(filepath.Join(dir, e.Name())) {
				if err := t.fs.Remove(filepath.Join(dir, e.Name())); err == nil {
					removed++
					continue
				}
			}
			empty = false
		}
		return empty
	}
	visit(root)
	return removed
}
