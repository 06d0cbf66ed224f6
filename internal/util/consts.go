package util

import "path/filepath"

// Project-level paths relative to the source checkout (git_src).
const (
	StateDir      = ".rfdeploy"
	LastRunFile   = "last-run.json"
	SimulatorDir  = "simulator"
	ScriptsDir    = "scripts"
	SourceSubdir  = "src"
	StagingPrefix = "rfsuite-stage-"
)

// Lock file naming inside the system temp dir.
const (
	LockPrefix = "deploy-"
	LockSuffix = ".lock"
	LockGlob   = LockPrefix + "*" + LockSuffix

	// ConsolePIDFile names the process following the serial console.
	ConsolePIDFile = LockPrefix + "serial.pid"
)

// LastRunPath returns the path of the last-run record for a checkout.
func LastRunPath(gitSrc string) string {
	return filepath.Join(gitSrc, StateDir, LastRunFile)
}

// SourceDir returns the bundle source directory for a target name.
// Format: <git_src>/src/<tgt_name>
func SourceDir(gitSrc, tgtName string) string {
	return filepath.Join(gitSrc, SourceSubdir, tgtName)
}
