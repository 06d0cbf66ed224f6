// Package config handles parsing of rfdeploy configuration files (deploy.toml).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
)

// Filenames searched by Discover, in order.
const (
	ConfigFilename       = "deploy.toml"
	VSCodeConfigFilename = ".vscode/deploy.toml"
)

// Duration is a time.Duration that reads and writes as a Go duration string ("100ms", "2s").
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration literal.
func D(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// JSONSchema implements jsonschema.JSONSchemer.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration string, e.g. 100ms or 2s",
	}
}

// DeviceConfig describes the USB link to the radio and how long to wait for its drive.
type DeviceConfig struct {
	VendorID       uint16   `toml:"vendor_id,omitempty" json:"vendor_id,omitempty" jsonschema:"description=USB vendor id of the radio (default 0x0483)"`
	ProductID      uint16   `toml:"product_id,omitempty" json:"product_id,omitempty" jsonschema:"description=USB product id of the radio (default 0x5750)"`
	ConnectRetries int      `toml:"connect_retries,omitempty" json:"connect_retries,omitempty" jsonschema:"description=Attempts to open the HID link"`
	ConnectDelay   Duration `toml:"connect_delay,omitempty" json:"connect_delay,omitempty" jsonschema:"description=Delay between HID open attempts"`
	MountAttempts  int      `toml:"mount_attempts,omitempty" json:"mount_attempts,omitempty" jsonschema:"description=Polls for the radio scripts drive"`
	MountDelay     Duration `toml:"mount_delay,omitempty" json:"mount_delay,omitempty" jsonschema:"description=Delay between scripts drive polls"`
	SettleBefore   Duration `toml:"settle_before,omitempty" json:"settle_before,omitempty" jsonschema:"description=Pause before writing to the radio"`
	SettleAfter    Duration `toml:"settle_after,omitempty" json:"settle_after,omitempty" jsonschema:"description=Pause after writing to the radio"`
	ScanRoots      []string `toml:"scan_roots,omitempty" json:"scan_roots,omitempty" jsonschema:"description=Directories scanned for mounted radio drives when the mount table has no marker"`
	DebugMount     bool     `toml:"debug_mount,omitempty" json:"debug_mount,omitempty" jsonschema:"description=Log every scripts drive poll"`
}

// SerialConfig locates the radio's serial debug console.
type SerialConfig struct {
	VendorID     uint16   `toml:"vendor_id,omitempty" json:"vendor_id,omitempty" jsonschema:"description=USB vendor id of the serial console (default 0x0483)"`
	ProductID    uint16   `toml:"product_id,omitempty" json:"product_id,omitempty" jsonschema:"description=USB product id of the serial console; 0 ranks every port of the vendor"`
	Baud         int      `toml:"baud,omitempty" json:"baud,omitempty" jsonschema:"description=Baud rate"`
	Retries      int      `toml:"retries,omitempty" json:"retries,omitempty" jsonschema:"description=Scans for the serial port before giving up"`
	RetryDelay   Duration `toml:"retry_delay,omitempty" json:"retry_delay,omitempty" jsonschema:"description=Delay between port scans"`
	OpenAttempts int      `toml:"open_attempts,omitempty" json:"open_attempts,omitempty" jsonschema:"description=Attempts to open the port once found"`
	NameHint     string   `toml:"name_hint,omitempty" json:"name_hint,omitempty" jsonschema:"description=Substring matched against port names when no id matches"`
	Warmup       Duration `toml:"warmup,omitempty" json:"warmup,omitempty" jsonschema:"description=Pause before the first scan while the radio enumerates"`
}

// ThrottleConfig paces writes to removable storage.
type ThrottleConfig struct {
	ChunkSize   int      `toml:"chunk_size,omitempty" json:"chunk_size,omitempty" jsonschema:"description=Copy chunk size in bytes"`
	SyncEvery   int      `toml:"sync_every,omitempty" json:"sync_every,omitempty" jsonschema:"description=Bytes written between flush+fsync+pause"`
	Pause       Duration `toml:"pause,omitempty" json:"pause,omitempty" jsonschema:"description=Pause after each periodic sync"`
	Settle      Duration `toml:"settle,omitempty" json:"settle,omitempty" jsonschema:"description=Pause after each copied file"`
	DeletePause Duration `toml:"delete_pause,omitempty" json:"delete_pause,omitempty" jsonschema:"description=Pause after each deleted file and base of busy-retry backoff"`
	BusyRetries int      `toml:"busy_retries,omitempty" json:"busy_retries,omitempty" jsonschema:"description=Attempts for device-busy errors before a file is abandoned"`
	PhaseSettle Duration `toml:"phase_settle,omitempty" json:"phase_settle,omitempty" jsonschema:"description=Pause between full-replace phases"`
}

// StagingConfig controls the local staging directory.
type StagingConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" jsonschema:"description=Stage and transform locally before writing to the target"`
	Keep    bool `toml:"keep,omitempty" json:"keep,omitempty" jsonschema:"description=Keep the staging directory after the run"`
}

// StepConfig configures an external transform step.
// Placeholders {out_dir}, {lang} and {git_src} are expanded in Command.
type StepConfig struct {
	Command  []string `toml:"command,omitempty" json:"command,omitempty" jsonschema:"description=Command and arguments"`
	Requires []string `toml:"requires,omitempty" json:"requires,omitempty" jsonschema:"description=Paths that must exist or the step is skipped"`
}

// Config represents the deploy configuration after defaults and includes.
type Config struct {
	Includes       []string              `toml:"includes,omitempty" json:"includes,omitempty" jsonschema:"description=Other config files to include and merge (supports glob patterns)"`
	TgtName        string                `toml:"tgt_name" json:"tgt_name" jsonschema:"required,description=Name of the script bundle (src/<tgt_name>)"`
	GitSrc         string                `toml:"git_src,omitempty" json:"git_src,omitempty" jsonschema:"description=Source checkout root; defaults to the config file's project"`
	EthosSuiteBin  string                `toml:"ethossuite_bin,omitempty" json:"ethossuite_bin,omitempty" jsonschema:"description=Optional Ethos Suite binary used for mode switching and path discovery"`
	Language       string                `toml:"lang,omitempty" json:"lang,omitempty" jsonschema:"description=Default locale for transform steps"`
	Firmware       string                `toml:"firmware,omitempty" json:"firmware,omitempty" jsonschema:"description=Simulator firmware subdirectory"`
	StrictManifest bool                  `toml:"strict_manifest,omitempty" json:"strict_manifest,omitempty" jsonschema:"description=Abort the deploy if the manifest step fails"`
	Device         DeviceConfig          `toml:"device,omitempty" json:"device,omitempty"`
	Serial         SerialConfig          `toml:"serial,omitempty" json:"serial,omitempty"`
	Throttle       ThrottleConfig        `toml:"throttle,omitempty" json:"throttle,omitempty"`
	Staging        StagingConfig         `toml:"staging,omitempty" json:"staging,omitempty"`
	Steps          map[string]StepConfig `toml:"steps,omitempty" json:"steps,omitempty" jsonschema:"description=External transform steps by name"`

	// Path is the absolute path the config was loaded from. Not serialized.
	Path string `toml:"-" json:"-"`
}

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Language: "en",
		Device: DeviceConfig{
			VendorID:       0x0483,
			ProductID:      0x5750,
			ConnectRetries: 10,
			ConnectDelay:   D(500 * time.Millisecond),
			MountAttempts:  10,
			MountDelay:     D(2 * time.Second),
			SettleBefore:   D(1500 * time.Millisecond),
			SettleAfter:    D(time.Second),
			ScanRoots:      []string{"/Volumes", "/media", "/run/media", "/mnt"},
		},
		Serial: SerialConfig{
			VendorID:     0x0483,
			ProductID:    0x5750,
			Baud:         115200,
			Retries:      10,
			RetryDelay:   D(time.Second),
			OpenAttempts: 8,
			NameHint:     "Serial",
			Warmup:       D(1500 * time.Millisecond),
		},
		Throttle: ThrottleConfig{
			ChunkSize:   32 * 1024,
			SyncEvery:   64 * 1024,
			Pause:       D(100 * time.Millisecond),
			Settle:      D(100 * time.Millisecond),
			DeletePause: D(100 * time.Millisecond),
			BusyRetries: 5,
			PhaseSettle: D(2 * time.Second),
		},
		Staging: StagingConfig{Enabled: true},
		Steps: map[string]StepConfig{
			"manifest": {
				Command: []string{
					"python3", "{git_src}/bin/menu/generate.py",
					"--source", "{git_src}/bin/menu/manifest.source.json",
					"--output", "{manifest_out}",
				},
				Requires: []string{"{git_src}/bin/menu/generate.py", "{git_src}/bin/menu/manifest.source.json"},
			},
			"i18n": {
				Command: []string{
					"python3", "{git_src}/.vscode/scripts/resolve_i18n_tags.py",
					"--json", "{i18n_json}",
					"--root", "{out_dir}",
				},
				Requires: []string{"{git_src}/.vscode/scripts/resolve_i18n_tags.py", "{i18n_json}"},
			},
		},
	}
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.TgtName) == "" {
		return deployerrors.Newf(deployerrors.ErrConfigValid, "missing 'tgt_name' in %s", c.displayPath())
	}
	if strings.ContainsAny(c.TgtName, `/\`) {
		return deployerrors.Newf(deployerrors.ErrConfigValid, "tgt_name %q must be a single path component", c.TgtName)
	}
	if c.Throttle.ChunkSize <= 0 {
		return deployerrors.Newf(deployerrors.ErrConfigValid, "throttle.chunk_size must be positive, got %d", c.Throttle.ChunkSize)
	}
	if c.Serial.Baud <= 0 {
		return deployerrors.Newf(deployerrors.ErrConfigValid, "serial.baud must be positive, got %d", c.Serial.Baud)
	}
	if c.Throttle.SyncEvery < 0 {
		return deployerrors.Newf(deployerrors.ErrConfigValid, "throttle.sync_every must not be negative, got %d", c.Throttle.SyncEvery)
	}
	for name, step := range c.Steps {
		if len(step.Command) == 0 {
			return deployerrors.Newf(deployerrors.ErrConfigValid, "steps.%s.command must not be empty", name)
		}
	}
	return nil
}

func (c *Config) displayPath() string {
	if c.Path == "" {
		return "configuration"
	}
	return c.Path
}

// Discover returns the config path to use from dir: deploy.toml, then .vscode/deploy.toml.
func Discover(fs afero.Fs, dir string) (string, error) {
	for _, name := range []string{ConfigFilename, VSCodeConfigFilename} {
		p := filepath.Join(dir, name)
		if _, err := fs.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", deployerrors.Newf(deployerrors.ErrConfigLoad, "no %s found in %s or .vscode/", ConfigFilename, dir)
}

// LoadConfig reads a configuration file with includes, applies defaults,
// resolves git_src and validates. Environment overrides are applied separately
// with ApplyEnv so callers control the lookup.
func LoadConfig(fs afero.Fs, path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, deployerrors.Wrapf(err, deployerrors.ErrConfigLoad, "failed to resolve config path %s", path)
	}

	cfg := DefaultConfig()
	if err := loadWithIncludes(fs, absPath, &cfg, make(map[string]bool)); err != nil {
		if os.IsNotExist(err) {
			return Config{}, deployerrors.Wrapf(err, deployerrors.ErrConfigLoad, "config not found: %s", absPath)
		}
		return Config{}, deployerrors.Wrap(err, deployerrors.ErrConfigLoad, "failed to load config")
	}
	cfg.Includes = nil
	cfg.Path = absPath
	cfg.GitSrc = resolveGitSrc(absPath, cfg.GitSrc)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolveGitSrc makes git_src absolute. An unset git_src is the project
// holding the config: the config's directory, or its parent for .vscode/deploy.toml.
func resolveGitSrc(configPath, gitSrc string) string {
	configDir := filepath.Dir(configPath)
	if gitSrc == "" {
		if filepath.Base(configDir) == ".vscode" {
			return filepath.Dir(configDir)
		}
		return configDir
	}
	if filepath.IsAbs(gitSrc) {
		return filepath.Clean(gitSrc)
	}
	return filepath.Join(configDir, gitSrc)
}

// SchemaComment is the TOML comment that references the JSON Schema for editor autocomplete.
const SchemaComment = "#:schema https://raw.githubusercontent.com/bolasblack/rfdeploy/refs/heads/master/deploy-config.schema.json\n\n"

// SaveConfig writes the configuration to the given path with schema comment header.
func SaveConfig(fs afero.Fs, path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return afero.WriteFile(fs, path, append([]byte(SchemaComment), data...), 0o644)
}
