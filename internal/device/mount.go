package device

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/logging"
)

// MountWaitOptions controls WaitForScriptsMount.
type MountWaitOptions struct {
	Attempts int
	Delay    time.Duration
	// Roots are searched by the fallback scan.
	Roots []string
	// Debug logs every poll.
	Debug bool
}

// DefaultMountWaitOptions polls 10 times, 2 s apart.
func DefaultMountWaitOptions() MountWaitOptions {
	return MountWaitOptions{
		Attempts: 10,
		Delay:    2 * time.Second,
		Roots:    []string{"/Volumes", "/media", "/run/media", "/mnt"},
	}
}

// Locator finds the radio's scripts directory once it is mounted.
type Locator struct {
	scanner *Scanner
	suite   *Suite
	log     zerolog.Logger

	// watch enables fsnotify wake-ups on the scan roots.
	watch bool
}

// NewLocator returns a Locator. suite may be nil or unconfigured.
func NewLocator(scanner *Scanner, suite *Suite) *Locator {
	return &Locator{scanner: scanner, suite: suite, log: logging.Get("mount"), watch: true}
}

// LocateOnce runs one discovery pass: marker volumes first, then the fallback
// scan, then Ethos Suite. The second result names the source that matched.
func (l *Locator) LocateOnce(ctx context.Context, roots []string) (string, string, bool) {
	if p, ok := l.scanner.ResolveScriptsDir(); ok {
		return p, "marker", true
	}
	if p, ok := l.scanner.FallbackScan(roots); ok {
		return p, "scan", true
	}
	if l.suite.Configured() {
		p, err := l.suite.ScriptsPath(ctx)
		if err == nil {
			return p, "ethos-suite", true
		}
		l.log.Debug().Err(err).Msg("Ethos Suite did not report a scripts path")
	}
	return "", "", false
}

// WaitForScriptsMount polls for the scripts directory after a mode switch.
// A filesystem event under one of the roots cuts the delay short. After the
// last attempt one more fallback scan runs before giving up with
// ErrMountTimeout.
func (l *Locator) WaitForScriptsMount(ctx context.Context, opts MountWaitOptions) (string, error) {
	attempts := max(opts.Attempts, 1)

	var watcher *mountWatcher
	if l.watch {
		if watcher = watchRoots(l.scanner.fs, opts.Roots, l.log); watcher != nil {
			defer watcher.Close()
		}
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		p, source, ok := l.LocateOnce(ctx, opts.Roots)
		if opts.Debug {
			l.log.Info().Int("attempt", attempt).Int("of", attempts).Bool("found", ok).Str("source", source).Str("path", p).Msg("scripts drive poll")
		}
		if ok {
			l.log.Info().Str("path", p).Str("source", source).Msg("scripts drive mounted")
			return p, nil
		}
		if attempt == attempts {
			break
		}
		if err := watcher.wait(ctx, opts.Delay); err != nil {
			return "", deployerrors.Wrap(err, deployerrors.ErrCancelled, "mount wait cancelled")
		}
	}

	if p, ok := l.scanner.FallbackScan(opts.Roots); ok {
		return p, nil
	}

	return "", deployerrors.Newf(deployerrors.ErrMountTimeout,
		"radio scripts drive did not mount after %d attempts; check the USB cable, unlock the radio and accept the USB mode prompt (searched %s)",
		attempts, strings.Join(opts.Roots, ", ")).
		WithDetail("attempts", attempts).
		WithDetail("roots", opts.Roots)
}

// mountWatcher wakes the mount wait when a directory appears under a scan
// root or one level below it, as in /media/<user>/<label>.
type mountWatcher struct {
	w   *fsnotify.Watcher
	fs  afero.Fs
	log zerolog.Logger
}

// watchRoots watches every root that exists and its subdirectories, or
// returns nil when none could be watched.
func watchRoots(fs afero.Fs, roots []string, log zerolog.Logger) *mountWatcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug().Err(err).Msg("mount watcher unavailable")
		return nil
	}
	m := &mountWatcher{w: w, fs: fs, log: log}
	added := 0
	for _, root := range roots {
		if err := w.Add(root); err != nil {
			continue
		}
		added++
		entries, err := afero.ReadDir(fs, root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				m.add(filepath.Join(root, e.Name()))
			}
		}
	}
	if added == 0 {
		_ = w.Close()
		return nil
	}
	return m
}

func (m *mountWatcher) add(dir string) {
	if err := m.w.Add(dir); err != nil {
		m.log.Debug().Err(err).Str("dir", dir).Msg("cannot watch directory")
	}
}

func (m *mountWatcher) Close() error {
	return m.w.Close()
}

// wait sleeps for d or until a directory is created. New directories are
// watched too, so a per-user mount dir created by the first mount still
// reports the label dir created inside it. A nil watcher just sleeps.
func (m *mountWatcher) wait(ctx context.Context, d time.Duration) error {
	if m == nil {
		_, err := waitOrWake(ctx, d, nil, nil, zerolog.Nop())
		return err
	}
	created, err := waitOrWake(ctx, d, m.w.Events, m.w.Errors, m.log)
	if err != nil || created == "" {
		return err
	}
	if info, err := m.fs.Stat(created); err == nil && info.IsDir() {
		m.add(created)
	}
	return nil
}

// waitOrWake sleeps for d and returns early with the path of the first
// created entry. Watcher errors are logged and do not end the wait.
func waitOrWake(ctx context.Context, d time.Duration, events <-chan fsnotify.Event, errs <-chan error, log zerolog.Logger) (string, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) {
				return ev.Name, nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Debug().Err(err).Msg("mount watcher error")
		}
	}
}
