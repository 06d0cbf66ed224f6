// Package staging prepares a transformed copy of the bundle on local disk.
//
// The bundle is copied into a private temp directory, transform steps run
// against that copy, and only the finished tree is synced to the target.
// A removable target therefore never sees a half-transformed file.
package staging

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/bolasblack/rfdeploy/internal/logging"
	"github.com/bolasblack/rfdeploy/internal/plan"
	"github.com/bolasblack/rfdeploy/internal/progress"
	"github.com/bolasblack/rfdeploy/internal/throttle"
	"github.com/bolasblack/rfdeploy/internal/util"
)

// Area is one staging directory. TargetDir is <Root>/<tgt_name>.
type Area struct {
	Root      string
	TargetDir string

	fs       afero.Fs
	keep     bool
	reporter progress.Reporter
	log      zerolog.Logger
}

// CreateRoot makes a process-unique temp directory for tgtName. With keep
// set, Cleanup leaves it in place.
func CreateRoot(fs afero.Fs, tgtName string, keep bool) (*Area, error) {
	root, err := afero.TempDir(fs, "", util.StagingPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	a := &Area{
		Root:      root,
		TargetDir: filepath.Join(root, tgtName),
		fs:        fs,
		keep:      keep,
		reporter:  progress.Nop{},
		log:       logging.Get("staging"),
	}
	a.log.Debug().Str("root", root).Msg("created staging area")
	return a, nil
}

// WithReporter sets the reporter used by Materialize.
func (a *Area) WithReporter(r progress.Reporter) *Area {
	if r == nil {
		r = progress.Nop{}
	}
	a.reporter = r
	return a
}

// Kept reports whether Cleanup will leave the directory.
func (a *Area) Kept() bool {
	return a.keep
}

// Cleanup removes the staging root unless the area is kept. Safe on nil.
func (a *Area) Cleanup() error {
	if a == nil {
		return nil
	}
	if a.keep {
		a.log.Info().Str("path", a.Root).Msg("keeping staging directory")
		return nil
	}
	if err := a.fs.RemoveAll(a.Root); err != nil {
		return fmt.Errorf("failed to remove staging directory %s: %w", a.Root, err)
	}
	return nil
}

// Materialize recreates TargetDir as an unthrottled copy of src and returns
// the number of files copied.
func (a *Area) Materialize(ctx context.Context, src string) (int, error) {
	if err := a.fs.RemoveAll(a.TargetDir); err != nil {
		return 0, fmt.Errorf("failed to clear %s: %w", a.TargetDir, err)
	}
	if err := a.fs.MkdirAll(a.TargetDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", a.TargetDir, err)
	}

	files, err := plan.New(a.fs, plan.DefaultOptions()).Walk(src)
	if err != nil {
		return 0, err
	}
	rels := make([]string, 0, len(files))
	for rel := range files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	copier := throttle.New(a.fs, throttle.Plain())
	a.reporter.Start("Staging", len(rels))
	defer a.reporter.Finish()
	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := copier.CopyFile(ctx, files[rel].AbsPath, filepath.Join(a.TargetDir, rel)); err != nil {
			return 0, fmt.Errorf("failed to stage %s: %w", rel, err)
		}
		a.reporter.Advance(1)
	}
	a.log.Info().Int("files", len(rels)).Str("dir", a.TargetDir).Msg("staged bundle")
	return len(rels), nil
}
