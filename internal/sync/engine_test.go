package sync

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/plan"
	"github.com/bolasblack/rfdeploy/internal/progress"
	"github.com/bolasblack/rfdeploy/internal/throttle"
)

func writeAt(t *testing.T, fs afero.Fs, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	require.NoError(t, fs.Chtimes(path, mtime, mtime))
}

func write(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	writeAt(t, fs, path, content, time.Unix(1_700_000_000, 0))
}

func treeOf(t *testing.T, fs afero.Fs, root string) map[string]string {
	t.Helper()
	files := map[string]string{}
	exists, _ := afero.DirExists(fs, root)
	if !exists {
		return files
	}
	require.NoError(t, afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		data, err := afero.ReadFile(fs, path)
		files[rel] = string(data)
		return err
	}))
	return files
}

func plainEngine(fs afero.Fs) *Engine {
	return NewEngine(fs, throttle.New(fs, throttle.Plain()), Options{Slack: plan.DefaultSlack})
}

// failingFs refuses to create one path.
type failingFs struct {
	afero.Fs
	fail string
}

func (f *failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if name == f.fail && flag&os.O_CREATE != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: errors.New("disk full")}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

// cancelDuringCopy cancels its context after n files of the given phase.
type cancelDuringCopy struct {
	progress.Nop
	phase  string
	after  int
	cancel context.CancelFunc

	current string
	done    int
}

func (c *cancelDuringCopy) Start(phase string, _ int) { c.current = phase }

func (c *cancelDuringCopy) Advance(n int) {
	if c.current != c.phase {
		return
	}
	c.done += n
	if c.done >= c.after {
		c.cancel()
	}
}

func TestModeFor(t *testing.T) {
	tests := []struct {
		fileext   string
		removable bool
		want      Mode
		wantExt   string
		wantErr   bool
	}{
		{"", true, ModeFullReplace, "", false},
		{"", false, ModeMirror, "", false},
		{"fast", true, ModeMirror, "", false},
		{".lua", true, ModeExtension, ".lua", false},
		{".", true, "", "", true},
		{"lua", false, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.fileext, func(t *testing.T) {
			mode, ext, err := ModeFor(tt.fileext, tt.removable)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, deployerrors.IsCode(err, deployerrors.ErrConfigValid))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, mode)
			assert.Equal(t, tt.wantExt, ext)
		})
	}
}

func TestMirrorSyncExampleScenario(t *testing.T) {
	fs := afero.NewMemMapFs()
	base := time.Unix(1000, 0)
	writeAt(t, fs, "/src/a.lua", string(bytes.Repeat([]byte("a"), 100)), base)
	writeAt(t, fs, "/src/b.lua", "b", base)
	writeAt(t, fs, "/dst/a.lua", string(bytes.Repeat([]byte("a"), 100)), base.Add(500*time.Millisecond))
	writeAt(t, fs, "/dst/c.lua", "c", base)

	var rec progress.Recorder
	r, err := plainEngine(fs).WithReporter(&rec).MirrorSync(context.Background(), "/src", "/dst")
	require.NoError(t, err)

	assert.Equal(t, 1, r.Copied)
	assert.Equal(t, 1, r.Deleted)
	assert.Equal(t, 1, r.Unchanged)
	assert.Empty(t, r.Failures)
	assert.Equal(t, StateDone, r.State)
	assert.Equal(t, treeOf(t, fs, "/src"), treeOf(t, fs, "/dst"))
	assert.Equal(t, []string{"copy b.lua", "delete c.lua"}, rec.Items)
}

func TestMirrorSyncIdempotent(t *testing.T) {
	for name, pacing := range map[string]throttle.Pacing{
		"plain":     throttle.Plain(),
		"throttled": {Throttled: true, ChunkSize: 8, SyncEvery: 16, BusyRetries: 2},
	} {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			write(t, fs, "/src/main.lua", "return {}")
			write(t, fs, "/src/app/modules/manifest.lua", "return { modules = {} }")
			write(t, fs, "/src/audio/en/beep.wav", "RIFF....")
			write(t, fs, "/dst/old/stale.lua", "stale")

			engine := NewEngine(fs, throttle.New(fs, pacing), Options{Slack: plan.DefaultSlack})
			first, err := engine.MirrorSync(context.Background(), "/src", "/dst")
			require.NoError(t, err)
			assert.Equal(t, 3, first.Copied)
			assert.Equal(t, 1, first.Deleted)

			second, err := engine.MirrorSync(context.Background(), "/src", "/dst")
			require.NoError(t, err)
			assert.Equal(t, 0, second.Copied)
			assert.Equal(t, 0, second.Deleted)
			assert.Equal(t, 3, second.Unchanged)
			assert.Equal(t, treeOf(t, fs, "/src"), treeOf(t, fs, "/dst"))
		})
	}
}

func TestMirrorSyncPrunesEmptyDirs(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/src/main.lua", "x")
	write(t, fs, "/dst/widgets/old/w.lua", "w")

	_, err := plainEngine(fs).MirrorSync(context.Background(), "/src", "/dst")
	require.NoError(t, err)

	exists, _ := afero.DirExists(fs, "/dst/widgets")
	assert.False(t, exists)
	exists, _ = afero.DirExists(fs, "/dst")
	assert.True(t, exists)
}

func TestMirrorSyncRecordsCopyFailures(t *testing.T) {
	mem := afero.NewMemMapFs()
	write(t, mem, "/src/a.lua", "a")
	write(t, mem, "/src/b.lua", "b")
	fs := &failingFs{Fs: mem, fail: "/dst/a.lua"}

	r, err := plainEngine(fs).MirrorSync(context.Background(), "/src", "/dst")
	require.NoError(t, err, "per-file failures are not fatal")
	require.Len(t, r.Failures, 1)
	assert.Equal(t, "copy", r.Failures[0].Op)
	assert.Equal(t, "a.lua", r.Failures[0].Path)
	assert.Equal(t, 1, r.Copied)
	assert.Equal(t, StateDone, r.State)
}

func TestFullReplace(t *testing.T) {
	fs := afero.NewOsFs()
	root := t.TempDir()
	src, dst := filepath.Join(root, "src"), filepath.Join(root, "rfsuite")
	write(t, fs, filepath.Join(src, "main.lua"), "new main")
	write(t, fs, filepath.Join(src, "app", "ui.lua"), "ui")
	write(t, fs, filepath.Join(dst, "main.lua"), "old main")
	write(t, fs, filepath.Join(dst, "gone.lua"), "gone")
	write(t, fs, filepath.Join(dst+OldSuffix, "ancient.lua"), "leftover from an earlier run")

	var states []State
	engine := NewEngine(fs, throttle.New(fs, throttle.Plain()), Options{
		Slack:   plan.DefaultSlack,
		OnState: func(_ string, _, to State) { states = append(states, to) },
	})
	r, err := engine.FullReplace(context.Background(), src, dst)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"main.lua": "new main", filepath.Join("app", "ui.lua"): "ui"}, treeOf(t, fs, dst))
	exists, _ := afero.DirExists(fs, dst+OldSuffix)
	assert.False(t, exists, ".old must be removed after a complete copy")
	assert.Equal(t, 2, r.Copied)
	assert.Equal(t, StateDone, r.State)
	assert.Equal(t, []State{StatePlanning, StateDeleting, StateSettling, StateCopying, StateSettling, StateDeleting, StateDone}, states)
}

func TestFullReplaceFreshDestination(t *testing.T) {
	fs := afero.NewOsFs()
	root := t.TempDir()
	src, dst := filepath.Join(root, "src"), filepath.Join(root, "scripts", "rfsuite")
	write(t, fs, filepath.Join(src, "main.lua"), "main")

	r, err := plainEngine(fs).FullReplace(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Copied)
	assert.Equal(t, map[string]string{"main.lua": "main"}, treeOf(t, fs, dst))
}

func TestFullReplaceKeepsOldOnCopyError(t *testing.T) {
	osFs := afero.NewOsFs()
	root := t.TempDir()
	src, dst := filepath.Join(root, "src"), filepath.Join(root, "rfsuite")
	write(t, osFs, filepath.Join(src, "a.lua"), "new a")
	write(t, osFs, filepath.Join(src, "b.lua"), "new b")
	write(t, osFs, filepath.Join(dst, "a.lua"), "old a")
	write(t, osFs, filepath.Join(dst, "b.lua"), "old b")

	fs := &failingFs{Fs: osFs, fail: filepath.Join(dst, "b.lua")}
	r, err := plainEngine(fs).FullReplace(context.Background(), src, dst)
	require.Error(t, err)
	assert.True(t, deployerrors.IsCode(err, deployerrors.ErrSyncFailed))
	assert.Equal(t, StateError, r.State)

	assert.Equal(t, map[string]string{"a.lua": "old a", "b.lua": "old b"}, treeOf(t, osFs, dst+OldSuffix))
}

func TestFullReplaceKeepsOldOnCancel(t *testing.T) {
	fs := afero.NewOsFs()
	root := t.TempDir()
	src, dst := filepath.Join(root, "src"), filepath.Join(root, "rfsuite")
	for _, name := range []string{"a.lua", "b.lua", "c.lua"} {
		write(t, fs, filepath.Join(src, name), "new "+name)
		write(t, fs, filepath.Join(dst, name), "old "+name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep := &cancelDuringCopy{phase: "Copying files", after: 1, cancel: cancel}

	r, err := plainEngine(fs).WithReporter(rep).FullReplace(ctx, src, dst)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateError, r.State)
	assert.Equal(t, 1, r.Copied)

	old := treeOf(t, fs, dst+OldSuffix)
	assert.Equal(t, map[string]string{"a.lua": "old a.lua", "b.lua": "old b.lua", "c.lua": "old c.lua"}, old)
}

func TestExtensionSync(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/src/main.lua", "main v2")
	write(t, fs, "/src/app/new.lua", "new")
	write(t, fs, "/src/README.md", "docs")
	write(t, fs, "/dst/main.lua", "main v1")
	write(t, fs, "/dst/main.luac", "compiled")
	write(t, fs, "/dst/app/removed.lua", "removed")
	write(t, fs, "/dst/images/logo.png", "png")

	r, err := plainEngine(fs).ExtensionSync(context.Background(), "/src", "/dst", ".lua")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"main.lua":                          "main v2",
		filepath.Join("app", "new.lua"):     "new",
		filepath.Join("images", "logo.png"): "png",
	}, treeOf(t, fs, "/dst"))
	assert.Equal(t, 2, r.Copied)
	assert.Equal(t, 3, r.Deleted)
	assert.Equal(t, ModeExtension, r.Mode)
}

func TestRunDispatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/src/a.lua", "a")

	r, err := plainEngine(fs).Run(context.Background(), ModeMirror, "/src", "/dst", "")
	require.NoError(t, err)
	assert.Equal(t, ModeMirror, r.Mode)

	_, err = plainEngine(fs).Run(context.Background(), Mode("bogus"), "/src", "/dst", "")
	assert.True(t, deployerrors.IsCode(err, deployerrors.ErrInternal))
}
