package device

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/logging"
	"github.com/bolasblack/rfdeploy/internal/util"
)

// MinSuiteVersion is the oldest Ethos Suite whose CLI we drive.
const MinSuiteVersion = "1.7.0"

// Per-call timeouts for the Ethos Suite CLI.
const (
	SuiteVersionTimeout = 10 * time.Second
	SuiteCommandTimeout = 20 * time.Second
)

var (
	versionLine = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	pathLine    = regexp.MustCompile(`^(?:[A-Za-z]:\\|\\\\\?\\|//|/)[^\r\n]+$`)
)

// Suite wraps the optional Ethos Suite command-line tool.
type Suite struct {
	bin string
	fs  afero.Fs
	cmd util.CommandRunner
	log zerolog.Logger
}

// NewSuite returns a Suite for bin. An empty bin means Ethos Suite is not
// installed and every call is skipped by callers via Configured.
func NewSuite(bin string, env *util.Env) *Suite {
	return &Suite{bin: bin, fs: env.Fs, cmd: env.Cmd, log: logging.Get("ethossuite")}
}

// Configured reports whether a binary was given.
func (s *Suite) Configured() bool {
	return s != nil && s.bin != ""
}

// CheckVersion runs --version and fails with ErrToolVersion when the
// version cannot be read or is older than MinSuiteVersion.
func (s *Suite) CheckVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, SuiteVersionTimeout)
	defer cancel()

	out, err := s.cmd.RunContext(ctx, "", s.bin, "--version")
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", deployerrors.New(deployerrors.ErrToolVersion, "Ethos Suite --version timed out")
		}
		return "", deployerrors.Wrapf(err, deployerrors.ErrToolVersion, "failed to run %s --version", s.bin)
	}

	version, ok := ParseSuiteVersion(string(out))
	if !ok {
		return "", deployerrors.Newf(deployerrors.ErrToolVersion,
			"could not parse Ethos Suite version from output:\n%s", strings.TrimSpace(string(out)))
	}
	if !VersionAtLeast(version, MinSuiteVersion) {
		return version, deployerrors.Newf(deployerrors.ErrToolVersion,
			"Ethos Suite version %s is too old (need >= %s)", version, MinSuiteVersion)
	}
	s.log.Info().Str("version", version).Msg("detected Ethos Suite")
	return version, nil
}

// ParseSuiteVersion returns the first line that is a bare x.y.z version.
func ParseSuiteVersion(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if versionLine.MatchString(line) {
			return line, true
		}
	}
	return "", false
}

// VersionAtLeast compares dotted numeric versions.
func VersionAtLeast(version, min string) bool {
	a, b := strings.Split(version, "."), strings.Split(min, ".")
	for i := 0; i < len(a) || i < len(b); i++ {
		var x, y int
		if i < len(a) {
			x, _ = strconv.Atoi(a[i])
		}
		if i < len(b) {
			y, _ = strconv.Atoi(b[i])
		}
		if x != y {
			return x > y
		}
	}
	return true
}

// Serial starts or stops the radio's serial debug mode ("start" or "stop").
func (s *Suite) Serial(ctx context.Context, action string) error {
	ctx, cancel := context.WithTimeout(ctx, SuiteCommandTimeout)
	defer cancel()

	out, err := s.cmd.RunContext(ctx, "", s.bin, "--serial", action, "--radio", "auto")
	if msg := strings.TrimSpace(string(out)); msg != "" {
		s.log.Info().Str("action", action).Msg(msg)
	}
	if err != nil {
		return deployerrors.Wrapf(err, deployerrors.ErrDeviceIO, "Ethos Suite --serial %s failed", action)
	}
	return nil
}

// ScriptsPath asks Ethos Suite where the radio's SCRIPTS directory is mounted.
func (s *Suite) ScriptsPath(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, SuiteCommandTimeout)
	defer cancel()

	out, err := s.cmd.RunContext(ctx, "", s.bin, "--get-path", "SCRIPTS", "--radio", "auto")
	if err != nil {
		return "", deployerrors.Wrapf(err, deployerrors.ErrDeviceIO, "Ethos Suite --get-path failed")
	}
	if p, ok := s.parseScriptsPath(string(out)); ok {
		return p, nil
	}
	return "", deployerrors.New(deployerrors.ErrDeviceNotFound, "no path-like output from Ethos Suite")
}

// removableDisk is one entry of the "New removable disks" JSON that Ethos
// Suite prints while a radio mounts.
type removableDisk struct {
	RadioDisk   string `json:"radioDisk"`
	Mountpoints []struct {
		Path string `json:"path"`
	} `json:"mountpoints"`
}

// parseScriptsPath tolerates chatty output: it prefers existing directories
// named scripts, then any path mentioning scripts, then the mount point
// announced in the removable-disks JSON.
func (s *Suite) parseScriptsPath(out string) (string, bool) {
	var candidates, disksBlobs []string
	for _, raw := range strings.Split(out, "\n") {
		line := strings.Trim(strings.TrimSpace(raw), `"'`)
		if line == "" || strings.HasPrefix(strings.ToLower(line), "exit code") {
			continue
		}
		if pathLine.MatchString(line) {
			candidates = append(candidates, line)
		}
		if strings.HasPrefix(strings.ToLower(line), "new removable disks") {
			disksBlobs = append(disksBlobs, line)
		}
	}

	var existing []string
	for _, c := range candidates {
		if ok, _ := afero.DirExists(s.fs, filepath.Clean(c)); ok {
			existing = append(existing, filepath.Clean(c))
		}
	}
	for _, p := range existing {
		if strings.EqualFold(filepath.Base(p), ScriptsDirName) {
			return p, true
		}
	}
	if len(existing) > 0 {
		return existing[0], true
	}
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(c), ScriptsDirName) {
			return filepath.Clean(c), true
		}
	}
	if len(candidates) > 0 {
		return filepath.Clean(candidates[0]), true
	}

	if len(disksBlobs) == 0 {
		return "", false
	}
	blob := disksBlobs[len(disksBlobs)-1]
	start, end := strings.Index(blob, "["), strings.LastIndex(blob, "]")
	if start < 0 || end <= start {
		return "", false
	}
	var disks []removableDisk
	if err := json.Unmarshal([]byte(blob[start:end+1]), &disks); err != nil {
		s.log.Debug().Err(err).Msg("could not parse removable disks")
		return "", false
	}
	var choice *removableDisk
	for i := range disks {
		if disks[i].RadioDisk == string(RoleRadio) {
			choice = &disks[i]
			break
		}
	}
	if choice == nil && len(disks) > 0 {
		choice = &disks[0]
	}
	if choice == nil {
		return "", false
	}
	for _, mp := range choice.Mountpoints {
		if p := strings.TrimSpace(mp.Path); p != "" {
			return filepath.Join(p, ScriptsDirName), true
		}
	}
	return "", false
}
