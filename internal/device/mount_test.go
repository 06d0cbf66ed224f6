package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/util"
)

// lateVolumes reports its volumes only from the given call onwards.
type lateVolumes struct {
	from  int
	calls int
	vols  []Volume
}

func (l *lateVolumes) Volumes() ([]Volume, error) {
	l.calls++
	if l.calls < l.from {
		return nil, nil
	}
	return l.vols, nil
}

func testLocator(fs afero.Fs, lister VolumeLister, suite *Suite) *Locator {
	l := NewLocator(NewScanner(fs, lister), suite)
	l.watch = false
	return l
}

func fastMountWait(roots ...string) MountWaitOptions {
	return MountWaitOptions{Attempts: 4, Delay: time.Millisecond, Roots: roots, Debug: true}
}

func TestWaitForScriptsMountAfterPolls(t *testing.T) {
	fs := afero.NewMemMapFs()
	lister := &lateVolumes{from: 3, vols: []Volume{mkVolume(t, fs, "/media/u/RADIO", RoleRadio, true)}}

	got, err := testLocator(fs, lister, nil).WaitForScriptsMount(context.Background(), fastMountWait())
	require.NoError(t, err)
	assert.Equal(t, "/media/u/RADIO/scripts", got)
	assert.Equal(t, 3, lister.calls)
}

func TestWaitForScriptsMountFallbackScan(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/Volumes/X18/scripts", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/Volumes/X18/radio.bin", []byte{1}, 0o644))

	got, err := testLocator(fs, staticVolumes{}, nil).WaitForScriptsMount(context.Background(), fastMountWait("/Volumes"))
	require.NoError(t, err)
	assert.Equal(t, "/Volumes/X18/scripts", got)
}

func TestWaitForScriptsMountViaSuite(t *testing.T) {
	env := util.NewTestEnv()
	require.NoError(t, env.Fs.MkdirAll("/mnt/radio/scripts", 0o755))
	mock := env.Cmd.(*util.MockCommandRunner)
	mock.ExpectSuccess("ethos-suite --get-path SCRIPTS --radio auto", []byte("searching...\n/mnt/radio/scripts\n"))

	l := testLocator(env.Fs, staticVolumes{}, NewSuite("ethos-suite", env))
	got, err := l.WaitForScriptsMount(context.Background(), fastMountWait())
	require.NoError(t, err)
	assert.Equal(t, "/mnt/radio/scripts", got)
}

func TestWaitForScriptsMountTimeout(t *testing.T) {
	lister := &lateVolumes{from: 100}
	_, err := testLocator(afero.NewMemMapFs(), lister, nil).WaitForScriptsMount(context.Background(), fastMountWait("/media"))
	require.Error(t, err)
	assert.True(t, deployerrors.IsCode(err, deployerrors.ErrMountTimeout))
	assert.Contains(t, err.Error(), "4 attempts")
	assert.Equal(t, 4, lister.calls)
}

func TestWaitForScriptsMountCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := fastMountWait()
	opts.Delay = time.Hour

	_, err := testLocator(afero.NewMemMapFs(), staticVolumes{}, nil).WaitForScriptsMount(ctx, opts)
	assert.True(t, deployerrors.IsCode(err, deployerrors.ErrCancelled))
}

func TestWaitOrWakeLogsWatcherErrors(t *testing.T) {
	events := make(chan fsnotify.Event, 1)
	errs := make(chan error, 1)
	errs <- errors.New("queue overflow")
	go func() {
		time.Sleep(20 * time.Millisecond)
		events <- fsnotify.Event{Name: "/media/u/RADIO", Op: fsnotify.Create}
	}()

	got, err := waitOrWake(context.Background(), time.Minute, events, errs, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "/media/u/RADIO", got)
}

func TestWaitOrWakeClosedChannels(t *testing.T) {
	events := make(chan fsnotify.Event)
	errs := make(chan error)
	close(events)
	close(errs)

	got, err := waitOrWake(context.Background(), 10*time.Millisecond, events, errs, zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMountWatcherWakesOnNestedMount(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "u"), 0o755))

	w := watchRoots(afero.NewOsFs(), []string{root}, zerolog.Nop())
	require.NotNil(t, w)
	defer w.Close()

	wakeAfter := func(dir string) time.Duration {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = os.Mkdir(dir, 0o755)
		}()
		start := time.Now()
		require.NoError(t, w.wait(context.Background(), 10*time.Second))
		return time.Since(start)
	}

	assert.Less(t, wakeAfter(filepath.Join(root, "u", "RADIO")), 5*time.Second, "label dir under an existing user dir")
	assert.Less(t, wakeAfter(filepath.Join(root, "v")), 5*time.Second, "new user dir")
	assert.Less(t, wakeAfter(filepath.Join(root, "v", "SD")), 5*time.Second, "label dir under a user dir created while waiting")
}

func TestWatchRootsNoneExist(t *testing.T) {
	assert.Nil(t, watchRoots(afero.NewOsFs(), []string{"/nonexistent-rfdeploy-root"}, zerolog.Nop()))
}
