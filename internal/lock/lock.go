// Package lock prevents two deploys for the same configuration from running
// at once.
//
// The lock is an flock(2) on <tempdir>/deploy-<hash8>.lock, where hash8 is
// the first eight hex digits of the MD5 of the absolute config path. The
// holder writes {pid,time,host} into the file so a contender can tell a live
// holder from a stale one.
package lock

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/logging"
	"github.com/bolasblack/rfdeploy/internal/util"
)

// Record is the JSON persisted in the lock file.
type Record struct {
	PID  int     `json:"pid"`
	Time float64 `json:"time"`
	Host string  `json:"host"`
}

// AcquiredAt converts the Unix-seconds timestamp.
func (r Record) AcquiredAt() time.Time {
	sec, frac := math.Modf(r.Time)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Handle describes a held lock.
type Handle struct {
	Path       string
	OwnerPID   int
	AcquiredAt time.Time
}

// State is the lock lifecycle.
type State int

const (
	Unlocked State = iota
	Acquiring
	Held
	Released
	Rejected
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Released:
		return "released"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options customises a Lock. Zero values use the real system.
type Options struct {
	// Dir holds lock files. Defaults to os.TempDir().
	Dir string
	// IsAlive reports whether a PID belongs to a running process.
	IsAlive func(pid int) bool
	// PID is recorded as the owner. Defaults to os.Getpid().
	PID int
}

// Fingerprint returns the first 8 hex digits of the MD5 of the absolute
// config path.
func Fingerprint(configPath string) string {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		abs = configPath
	}
	sum := md5.Sum([]byte(abs))
	return hex.EncodeToString(sum[:])[:8]
}

// PathFor returns the lock file path for a config. An empty dir means os.TempDir().
func PathFor(dir, configPath string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, util.LockPrefix+Fingerprint(configPath)+util.LockSuffix)
}

// Lock is the single-instance guard for one configuration.
type Lock struct {
	path string
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	state  State
	fl     *flock.Flock
	handle *Handle
}

// New returns an unlocked Lock for configPath.
func New(configPath string, opts Options) *Lock {
	if opts.IsAlive == nil {
		opts.IsAlive = processAlive
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	return &Lock{
		path: PathFor(opts.Dir, configPath),
		opts: opts,
		log:  logging.Get("lock"),
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// State returns the current lifecycle state.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Acquire takes the lock without blocking. When another process holds it,
// a holder whose PID is no longer running is treated as stale: force takes
// the lock over, otherwise ErrLockStale is returned. A live holder always
// yields ErrLockHeld.
func (l *Lock) Acquire(force bool) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Held {
		return l.handle, nil
	}
	l.state = Acquiring

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.state = Rejected
		return nil, deployerrors.Wrapf(err, deployerrors.ErrLockIO, "failed to create lock directory")
	}

	ok, err := l.tryLock()
	if err != nil {
		l.state = Rejected
		return nil, err
	}
	if ok {
		return l.take()
	}

	rec, _ := ReadRecord(l.path)
	pid := 0
	if rec != nil {
		pid = rec.PID
	}

	if pid > 0 && !l.opts.IsAlive(pid) {
		if !force {
			l.state = Rejected
			return nil, deployerrors.Newf(deployerrors.ErrLockStale,
				"Another deploy appears to be running (stale lock from PID %d). Re-run with --force to take over. Lock: %s",
				pid, l.path).WithDetail("pid", pid).WithDetail("path", l.path)
		}

		l.log.Warn().Int("pid", pid).Str("path", l.path).Msg("taking over stale lock")
		// The old inode may still be flocked by a wedged process; unlinking
		// lets us lock a fresh file at the same path.
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			l.state = Rejected
			return nil, deployerrors.Wrapf(err, deployerrors.ErrLockIO, "failed to remove stale lock %s", l.path)
		}
		ok, err := l.tryLock()
		if err != nil {
			l.state = Rejected
			return nil, err
		}
		if ok {
			return l.take()
		}
		rec, _ = ReadRecord(l.path)
		if rec != nil {
			pid = rec.PID
		}
	}

	l.state = Rejected
	holder := "unknown"
	if pid > 0 {
		holder = fmt.Sprint(pid)
	}
	return nil, deployerrors.Newf(deployerrors.ErrLockHeld,
		"Another deploy is already running (PID %s).", holder).
		WithDetail("pid", pid).WithDetail("path", l.path)
}

func (l *Lock) tryLock() (bool, error) {
	l.fl = flock.New(l.path)
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, deployerrors.Wrapf(err, deployerrors.ErrLockIO, "failed to lock %s", l.path)
	}
	return ok, nil
}

// take records ownership. Caller holds l.mu and the flock.
func (l *Lock) take() (*Handle, error) {
	now := time.Now()
	host, _ := os.Hostname()
	rec := Record{
		PID:  l.opts.PID,
		Time: float64(now.UnixNano()) / 1e9,
		Host: host,
	}
	if err := writeRecord(l.path, rec); err != nil {
		_ = l.fl.Unlock()
		l.state = Rejected
		return nil, deployerrors.Wrapf(err, deployerrors.ErrLockIO, "failed to write lock record")
	}

	l.state = Held
	l.handle = &Handle{Path: l.path, OwnerPID: rec.PID, AcquiredAt: now}
	l.log.Debug().Str("path", l.path).Int("pid", rec.PID).Msg("lock acquired")
	return l.handle, nil
}

// Release truncates, unlocks and removes the lock file. It is safe to call
// more than once and on a lock that was never acquired.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Held {
		return nil
	}
	_ = os.Truncate(l.path, 0)
	err := l.fl.Unlock()
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	l.state = Released
	l.handle = nil
	l.log.Debug().Str("path", l.path).Msg("lock released")
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func writeRecord(path string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	_ = f.Sync()
	return f.Close()
}

// ReadRecord parses the holder record in a lock file. An empty file returns
// a nil record and no error.
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse lock file %s: %w", path, err)
	}
	return &rec, nil
}

// Clear removes one lock file. A missing file is not an error.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock %s: %w", path, err)
	}
	return nil
}

// List returns every deploy lock file in dir (os.TempDir() when empty).
func List(dir string) ([]string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	matches, err := filepath.Glob(filepath.Join(dir, util.LockGlob))
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	return matches, nil
}

// ClearAll removes every deploy lock file in dir and returns the removed paths.
func ClearAll(dir string) ([]string, error) {
	matches, err := List(dir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, m := range matches {
		if err := Clear(m); err != nil {
			return removed, err
		}
		removed = append(removed, m)
	}
	return removed, nil
}
