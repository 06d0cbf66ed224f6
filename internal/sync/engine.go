package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/logging"
	"github.com/bolasblack/rfdeploy/internal/plan"
	"github.com/bolasblack/rfdeploy/internal/progress"
	"github.com/bolasblack/rfdeploy/internal/throttle"
)

// OldSuffix is appended to a destination moved aside by FullReplace.
const OldSuffix = ".old"

// Options configures an Engine.
type Options struct {
	// Slack is the planner's mtime tolerance.
	Slack time.Duration
	// PhaseSettle is slept between FullReplace phases on throttled IO.
	PhaseSettle time.Duration
	// FilePause is slept after each throttled copy, after the OS sync.
	FilePause time.Duration
	// OnState observes destination state changes.
	OnState func(path string, from, to State)
}

// DefaultOptions returns the pacing used for radio deploys.
func DefaultOptions() Options {
	return Options{
		Slack:       plan.DefaultSlack,
		PhaseSettle: 2 * time.Second,
		FilePause:   50 * time.Millisecond,
	}
}

// Engine runs sync strategies through a throttle.IO.
type Engine struct {
	fs       afero.Fs
	io       *throttle.IO
	opts     Options
	reporter progress.Reporter
	log      zerolog.Logger
}

// NewEngine creates an Engine. All file writes and deletes go through io,
// which decides whether they are paced.
func NewEngine(fs afero.Fs, io *throttle.IO, opts Options) *Engine {
	return &Engine{
		fs:       fs,
		io:       io,
		opts:     opts,
		reporter: progress.Nop{},
		log:      logging.Get("sync"),
	}
}

// WithReporter returns a copy of e reporting to r.
func (e *Engine) WithReporter(r progress.Reporter) *Engine {
	cp := *e
	if r == nil {
		r = progress.Nop{}
	}
	cp.reporter = r
	cp.io = e.io.WithReporter(r)
	return &cp
}

// Run dispatches to the strategy for mode. ext is only used by ModeExtension.
func (e *Engine) Run(ctx context.Context, mode Mode, src, dst, ext string) (*Report, error) {
	switch mode {
	case ModeMirror:
		return e.MirrorSync(ctx, src, dst)
	case ModeFullReplace:
		return e.FullReplace(ctx, src, dst)
	case ModeExtension:
		return e.ExtensionSync(ctx, src, dst, ext)
	default:
		return nil, deployerrors.Newf(deployerrors.ErrInternal, "unknown sync mode %q", mode)
	}
}

func (e *Engine) begin(dst string, mode Mode) (*Destination, *Report) {
	return NewDestination(dst, e.opts.OnState), &Report{Destination: dst, Mode: mode}
}

// finish stamps the report and moves the destination to its final state.
func (e *Engine) finish(d *Destination, r *Report, start time.Time, err error) (*Report, error) {
	if err != nil {
		d.Fail()
	} else if tErr := d.Transition(StateDone); tErr != nil {
		err = tErr
		d.Fail()
	}
	r.State = d.State()
	r.Duration = time.Since(start)

	ev := e.log.Info()
	if err != nil {
		ev = e.log.Warn().Err(err)
	}
	ev.Str("dest", r.Destination).
		Str("mode", string(r.Mode)).
		Int("copied", r.Copied).
		Int("deleted", r.Deleted).
		Int("unchanged", r.Unchanged).
		Int("failures", len(r.Failures)).
		Msg("sync finished")
	return r, err
}

// MirrorSync makes dst an incremental mirror of src: changed files are
// copied, stale files deleted and empty directories pruned.
func (e *Engine) MirrorSync(ctx context.Context, src, dst string) (*Report, error) {
	start := time.Now()
	d, r := e.begin(dst, ModeMirror)
	err := e.mirror(ctx, d, r, src, dst)
	return e.finish(d, r, start, err)
}

func (e *Engine) mirror(ctx context.Context, d *Destination, r *Report, src, dst string) error {
	if err := d.Transition(StatePlanning); err != nil {
		return err
	}
	if err := e.fs.MkdirAll(dst, 0o755); err != nil {
		return deployerrors.Wrapf(err, deployerrors.ErrDestinationSetup, "failed to create %s", dst)
	}
	planner := plan.New(e.fs, plan.Options{Slack: e.opts.Slack, DeleteStale: true}).WithReporter(e.reporter)
	p, err := planner.Compute(ctx, src, dst)
	if err != nil {
		return err
	}
	r.Unchanged = p.Unchanged
	r.Vanished = p.Vanished

	if len(p.ToCopy) > 0 {
		if err := d.Transition(StateCopying); err != nil {
			return err
		}
		if err := e.copyAll(ctx, r, p.ToCopy, "Updating files"); err != nil {
			return err
		}
	}

	if len(p.ToDelete) > 0 {
		if err := d.Transition(StateDeleting); err != nil {
			return err
		}
		paths := make([]string, len(p.ToDelete))
		for i, rel := range p.ToDelete {
			paths[i] = filepath.Join(dst, rel)
		}
		if err := e.deleteAll(ctx, r, dst, paths, "Deleting stale"); err != nil {
			return err
		}
	}

	if n := e.io.PruneEmptyDirs(dst); n > 0 {
		e.log.Debug().Int("dirs", n).Str("dest", dst).Msg("pruned empty directories")
	}
	return nil
}

// FullReplace swaps in a fresh copy of src. The previous tree is renamed to
// dst.old and deleted only once every file has been copied, so an
// interrupted run leaves dst.old intact.
func (e *Engine) FullReplace(ctx context.Context, src, dst string) (*Report, error) {
	start := time.Now()
	d, r := e.begin(dst, ModeFullReplace)
	err := e.fullReplace(ctx, d, r, src, dst)
	return e.finish(d, r, start, err)
}

func (e *Engine) fullReplace(ctx context.Context, d *Destination, r *Report, src, dst string) error {
	if err := d.Transition(StatePlanning); err != nil {
		return err
	}
	files, err := e.listFiles(src, nil)
	if err != nil {
		return err
	}
	old := dst + OldSuffix

	exists, err := afero.DirExists(e.fs, dst)
	if err != nil {
		return err
	}
	if exists {
		if oldExists, _ := afero.DirExists(e.fs, old); oldExists {
			if err := d.Transition(StateDeleting); err != nil {
				return err
			}
			e.log.Info().Str("path", old).Msg("deleting previous backup")
			if err := e.removeTree(ctx, r, old); err != nil {
				return err
			}
			if err := e.settle(ctx, d); err != nil {
				return err
			}
		}

		e.log.Info().Str("from", dst).Str("to", old).Msg("moving existing tree aside")
		if err := e.fs.Rename(dst, old); err != nil {
			e.log.Warn().Err(err).Msg("rename failed, deleting destination directly")
			if err := d.Transition(StateDeleting); err != nil {
				return err
			}
			if err := e.removeTree(ctx, r, dst); err != nil {
				return err
			}
		}
		if err := e.settle(ctx, d); err != nil {
			return err
		}
	}

	if err := e.fs.MkdirAll(dst, 0o755); err != nil {
		return deployerrors.Wrapf(err, deployerrors.ErrDestinationSetup, "failed to create %s", dst)
	}
	if err := d.Transition(StateCopying); err != nil {
		return err
	}
	pairs := make([]plan.CopyPair, len(files))
	for i, rel := range files {
		pairs[i] = plan.CopyPair{RelPath: rel, Src: filepath.Join(src, rel), Dst: filepath.Join(dst, rel)}
	}
	before := len(r.Failures)
	if err := e.copyAll(ctx, r, pairs, "Copying files"); err != nil {
		return err
	}
	if failed := len(r.Failures) - before; failed > 0 {
		return deployerrors.Newf(deployerrors.ErrSyncFailed,
			"%d file(s) failed to copy; previous tree kept at %s", failed, old).
			WithDetail("old", old)
	}

	if oldExists, _ := afero.DirExists(e.fs, old); oldExists {
		if err := e.settle(ctx, d); err != nil {
			return err
		}
		if err := d.Transition(StateDeleting); err != nil {
			return err
		}
		if err := e.removeTree(ctx, r, old); err != nil {
			return err
		}
	}
	return nil
}

// ExtensionSync deletes every ext file (and its compiled "c" variant) under
// dst, then copies every ext file from src.
func (e *Engine) ExtensionSync(ctx context.Context, src, dst, ext string) (*Report, error) {
	start := time.Now()
	d, r := e.begin(dst, ModeExtension)
	err := e.extension(ctx, d, r, src, dst, ext)
	return e.finish(d, r, start, err)
}

func (e *Engine) extension(ctx context.Context, d *Destination, r *Report, src, dst, ext string) error {
	if err := d.Transition(StatePlanning); err != nil {
		return err
	}
	compiled := ext + "c"
	stale, err := e.listFiles(dst, func(rel string) bool {
		return strings.HasSuffix(rel, ext) || strings.HasSuffix(rel, compiled)
	})
	if err != nil {
		return err
	}
	fresh, err := e.listFiles(src, func(rel string) bool { return strings.HasSuffix(rel, ext) })
	if err != nil {
		return err
	}

	if len(stale) > 0 {
		if err := d.Transition(StateDeleting); err != nil {
			return err
		}
		paths := make([]string, len(stale))
		for i, rel := range stale {
			paths[i] = filepath.Join(dst, rel)
		}
		if err := e.deleteAll(ctx, r, dst, paths, "Deleting "+ext); err != nil {
			return err
		}
	}

	if err := e.fs.MkdirAll(dst, 0o755); err != nil {
		return deployerrors.Wrapf(err, deployerrors.ErrDestinationSetup, "failed to create %s", dst)
	}
	if err := d.Transition(StateCopying); err != nil {
		return err
	}
	pairs := make([]plan.CopyPair, len(fresh))
	for i, rel := range fresh {
		pairs[i] = plan.CopyPair{RelPath: rel, Src: filepath.Join(src, rel), Dst: filepath.Join(dst, rel)}
	}
	return e.copyAll(ctx, r, pairs, "Copying "+ext)
}

// copyAll copies pairs in order. Per-file errors are recorded and the batch
// continues; only cancellation stops it.
func (e *Engine) copyAll(ctx context.Context, r *Report, pairs []plan.CopyPair, phase string) error {
	e.reporter.Start(phase, len(pairs))
	defer e.reporter.Finish()

	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.io.CopyFile(ctx, pair.Src, pair.Dst); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if os.IsNotExist(err) {
				e.log.Debug().Str("path", pair.RelPath).Msg("source vanished before copy")
				r.Vanished = append(r.Vanished, pair.RelPath)
				e.reporter.Advance(1)
				continue
			}
			e.log.Warn().Err(err).Str("path", pair.RelPath).Msg("copy failed")
			r.fail("copy", pair.RelPath, err)
			e.reporter.Advance(1)
			continue
		}
		e.io.Flush()
		if err := e.io.Pause(ctx, e.opts.FilePause); err != nil {
			return err
		}
		r.Copied++
		e.reporter.Item("copy", pair.RelPath)
		e.reporter.Advance(1)
	}
	return nil
}

// deleteAll removes absolute paths under root one at a time.
func (e *Engine) deleteAll(ctx context.Context, r *Report, root string, paths []string, phase string) error {
	e.reporter.Start(phase, len(paths))
	defer e.reporter.Finish()

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		if err := e.io.RemovePaced(ctx, p); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Warn().Err(err).Str("path", rel).Msg("delete failed")
			r.fail("delete", rel, err)
		} else {
			r.Deleted++
			e.reporter.Item("delete", rel)
		}
		e.reporter.Advance(1)
	}
	return nil
}

func (e *Engine) removeTree(ctx context.Context, r *Report, root string) error {
	abandoned, err := e.io.RemoveTree(ctx, root)
	for _, p := range abandoned {
		r.fail("delete", p, deployerrors.Newf(deployerrors.ErrFileAbandoned, "device stayed busy"))
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", root, err)
	}
	return nil
}

func (e *Engine) settle(ctx context.Context, d *Destination) error {
	if d.State() != StateSettling {
		if err := d.Transition(StateSettling); err != nil {
			return err
		}
	}
	e.io.Flush()
	return e.io.Pause(ctx, e.opts.PhaseSettle)
}

// listFiles returns sorted relative paths of regular files under root,
// optionally filtered. A missing root yields nothing.
func (e *Engine) listFiles(root string, keep func(rel string) bool) ([]string, error) {
	files, err := plan.New(e.fs, plan.Options{Filter: keep}).Walk(root)
	if err != nil {
		return nil, err
	}
	rels := make([]string, 0, len(files))
	for rel := range files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	return rels, nil
}
