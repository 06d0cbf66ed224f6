package config

import (
	"strconv"
	"strings"
	"time"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
)

// Environment variables that override configuration defaults.
const (
	EnvCopySettle = "DEPLOY_COPY_SETTLE_S"
	EnvStage      = "DEPLOY_STAGE"
	EnvStageKeep  = "DEPLOY_STAGE_KEEP"
	EnvDebugMount = "DEPLOY_DEBUG_MOUNT"
	EnvLanguage   = "RFSUITE_LANG"
	EnvFirmware   = "ETHOS_FIRMWARE"
)

// EnvVar describes one override for generated documentation.
type EnvVar struct {
	Name        string
	Key         string
	Description string
}

// EnvVars lists the overrides ApplyEnv understands, in the order it applies them.
var EnvVars = []EnvVar{
	{EnvCopySettle, "throttle.settle", "Seconds to wait after each copied file"},
	{EnvStage, "staging.enabled", "Build the bundle in a temporary staging tree (boolean)"},
	{EnvStageKeep, "staging.keep", "Keep the staging tree after the run (boolean)"},
	{EnvDebugMount, "device.debug_mount", "Log every mount-wait attempt (boolean)"},
	{EnvLanguage, "lang", "Language passed to the i18n step"},
	{EnvFirmware, "firmware", "Simulator firmware directory name"},
}

// ApplyEnv overlays environment overrides on the config.
// getenv is usually os.Getenv. Unset or empty variables leave the config untouched.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvCopySettle)); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			return deployerrors.Newf(deployerrors.ErrConfigValid, "%s must be a non-negative number of seconds, got %q", EnvCopySettle, v)
		}
		c.Throttle.Settle = D(time.Duration(secs * float64(time.Second)))
	}

	if v, ok := parseBoolEnv(getenv(EnvStage)); ok {
		c.Staging.Enabled = v
	}
	if v, ok := parseBoolEnv(getenv(EnvStageKeep)); ok {
		c.Staging.Keep = v
	}
	if v, ok := parseBoolEnv(getenv(EnvDebugMount)); ok {
		c.Device.DebugMount = v
	}
	if v := strings.TrimSpace(getenv(EnvLanguage)); v != "" {
		c.Language = v
	}
	if v := strings.TrimSpace(getenv(EnvFirmware)); v != "" {
		c.Firmware = v
	}
	return nil
}

// parseBoolEnv accepts 1/true/yes/on and 0/false/no/off, case-insensitive.
// The second result is false when the value is empty or unrecognised.
func parseBoolEnv(v string) (value bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
