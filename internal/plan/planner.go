// Package plan computes which files to copy, skip or delete between a source
// tree and a destination tree.
//
// Comparison is cheap first: presence, then size, then modification time
// within a slack window. Only when the timestamps drift beyond the slack is
// the content hashed. FAT and exFAT store mtimes with two-second granularity,
// so a raw timestamp comparison would copy everything on every run.
package plan

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/bolasblack/rfdeploy/internal/logging"
	"github.com/bolasblack/rfdeploy/internal/progress"
)

// DefaultSlack is the mtime tolerance under which same-size files are unchanged.
const DefaultSlack = 2 * time.Second

// FileRecord describes one regular file found by a tree walk.
type FileRecord struct {
	RelPath string
	AbsPath string
	Size    int64
	ModTime time.Time
}

// CopyPair is a scheduled copy.
type CopyPair struct {
	RelPath string
	Src     string
	Dst     string
}

// Plan is the result of comparing two trees. A path is in at most one of
// ToCopy, ToDelete and Vanished.
type Plan struct {
	ToCopy    []CopyPair
	ToDelete  []string
	Unchanged int
	// Vanished lists source paths that disappeared between the walk and the
	// comparison. They get no action at all.
	Vanished []string
}

// Empty reports whether the plan has nothing to copy or delete.
func (p *Plan) Empty() bool {
	return len(p.ToCopy) == 0 && len(p.ToDelete) == 0
}

// Decision is the per-file outcome of NeedsCopy.
type Decision int

const (
	Unchanged Decision = iota
	Copy
	Vanished
)

func (d Decision) String() string {
	switch d {
	case Unchanged:
		return "unchanged"
	case Copy:
		return "copy"
	case Vanished:
		return "vanished"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Options configures a Planner.
type Options struct {
	// Slack is the mtime tolerance. Zero means DefaultSlack; use a negative
	// value to always hash on any mtime difference.
	Slack time.Duration
	// DeleteStale schedules destination files missing from the source for deletion.
	DeleteStale bool
	// Filter limits both trees to matching relative paths. Nil keeps everything.
	Filter func(relPath string) bool
}

// DefaultOptions returns the mirror defaults: 2 s slack, stale files deleted.
func DefaultOptions() Options {
	return Options{Slack: DefaultSlack, DeleteStale: true}
}

// Planner compares trees on an afero filesystem.
type Planner struct {
	fs       afero.Fs
	opts     Options
	reporter progress.Reporter
	log      zerolog.Logger
}

// New creates a Planner.
func New(fs afero.Fs, opts Options) *Planner {
	if opts.Slack == 0 {
		opts.Slack = DefaultSlack
	}
	return &Planner{fs: fs, opts: opts, reporter: progress.Nop{}, log: logging.Get("plan")}
}

// WithReporter returns a copy of the planner reporting to r.
func (p *Planner) WithReporter(r progress.Reporter) *Planner {
	cp := *p
	if r == nil {
		r = progress.Nop{}
	}
	cp.reporter = r
	return &cp
}

// Walk lists regular files under root keyed by relative path.
// A missing root yields an empty map.
func (p *Planner) Walk(root string) (map[string]FileRecord, error) {
	files := make(map[string]FileRecord)
	if _, err := p.fs.Stat(root); os.IsNotExist(err) {
		return files, nil
	}

	err := afero.Walk(p.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if p.opts.Filter != nil && !p.opts.Filter(rel) {
			return nil
		}
		files[rel] = FileRecord{RelPath: rel, AbsPath: path, Size: info.Size(), ModTime: info.ModTime()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}

// Compute builds the plan that makes dst mirror src.
func (p *Planner) Compute(ctx context.Context, src, dst string) (*Plan, error) {
	srcFiles, err := p.Walk(src)
	if err != nil {
		return nil, err
	}
	dstFiles, err := p.Walk(dst)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	rels := sortedKeys(srcFiles)

	p.reporter.Start("Verifying", len(rels))
	defer p.reporter.Finish()

	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		srcPath := srcFiles[rel].AbsPath
		dstPath := filepath.Join(dst, rel)

		decision, err := p.NeedsCopy(ctx, srcPath, dstPath)
		if err != nil {
			return nil, err
		}
		switch decision {
		case Copy:
			plan.ToCopy = append(plan.ToCopy, CopyPair{RelPath: rel, Src: srcPath, Dst: dstPath})
		case Unchanged:
			plan.Unchanged++
		case Vanished:
			p.log.Debug().Str("path", rel).Msg("source file vanished during scan")
			plan.Vanished = append(plan.Vanished, rel)
		}
		p.reporter.Advance(1)
	}

	if p.opts.DeleteStale {
		for _, rel := range sortedKeys(dstFiles) {
			if _, ok := srcFiles[rel]; !ok {
				plan.ToDelete = append(plan.ToDelete, rel)
			}
		}
	}

	p.log.Debug().
		Int("copy", len(plan.ToCopy)).
		Int("delete", len(plan.ToDelete)).
		Int("unchanged", plan.Unchanged).
		Msg("plan computed")
	return plan, nil
}

// NeedsCopy decides whether srcPath must be copied over dstPath.
func (p *Planner) NeedsCopy(ctx context.Context, srcPath, dstPath string) (Decision, error) {
	srcInfo, err := p.fs.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Vanished, nil
		}
		return Copy, nil
	}
	dstInfo, err := p.fs.Stat(dstPath)
	if err != nil {
		return Copy, nil
	}

	if srcInfo.Size() != dstInfo.Size() {
		return Copy, nil
	}

	drift := srcInfo.ModTime().Sub(dstInfo.ModTime())
	if drift < 0 {
		drift = -drift
	}
	if p.opts.Slack > 0 && drift <= p.opts.Slack {
		return Unchanged, nil
	}
	if drift == 0 {
		return Unchanged, nil
	}

	same, err := p.sameContent(ctx, srcPath, dstPath)
	if err != nil {
		if ctx.Err() != nil {
			return Copy, ctx.Err()
		}
		p.log.Debug().Err(err).Str("src", srcPath).Msg("hash failed, scheduling copy")
		return Copy, nil
	}
	if same {
		return Unchanged, nil
	}
	return Copy, nil
}

// sameContent hashes both files concurrently.
func (p *Planner) sameContent(ctx context.Context, a, b string) (bool, error) {
	var sumA, sumB string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sumA, err = FileMD5(gctx, p.fs, a)
		return err
	})
	g.Go(func() error {
		var err error
		sumB, err = FileMD5(gctx, p.fs, b)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	return sumA == sumB, nil
}

// hashChunk is the read size used while hashing.
const hashChunk = 1 << 20

// FileMD5 returns the hex MD5 of a file, streaming it in 1 MiB reads.
func FileMD5(ctx context.Context, fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, hashChunk)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sortedKeys(m map[string]FileRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
