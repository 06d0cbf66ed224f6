// Package deploy drives one deploy run from target discovery to cleanup.
//
// A run moves through Discover, Connect, Stage, Sync and Finalize. Finalize
// always runs: it flushes the target, puts the radio back into debug mode
// when the run switched it to storage, removes the staging area and writes
// the last-run record.
package deploy

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/bolasblack/rfdeploy/internal/config"
	"github.com/bolasblack/rfdeploy/internal/device"
	"github.com/bolasblack/rfdeploy/internal/progress"
	"github.com/bolasblack/rfdeploy/internal/staging"
	"github.com/bolasblack/rfdeploy/internal/util"
)

// State is the orchestrator lifecycle.
type State int32

const (
	StateIdle State = iota
	StateDiscover
	StateConnect
	StateStage
	StateSync
	StateFinalize
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscover:
		return "discover"
	case StateConnect:
		return "connect"
	case StateStage:
		return "stage"
	case StateSync:
		return "sync"
	case StateFinalize:
		return "finalize"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Flags are the per-invocation options from the command line.
type Flags struct {
	Radio       bool
	FileExt     string
	Steps       []string
	Lang        string
	SrcOverride string
	NoStage     bool
	RadioDebug  bool
	ConnectOnly bool
}

// FollowsConsole reports whether the run ends by following the radio's
// serial debug console.
func (f Flags) FollowsConsole() bool {
	return f.Radio && (f.ConnectOnly || f.RadioDebug)
}

// Target is where the bundle goes. Immutable for the run.
type Target struct {
	Name            string
	DestinationRoot string
	Removable       bool
	FirmwareID      string
}

// DeployContext carries everything a run needs.
type DeployContext struct {
	Config   config.Config
	Flags    Flags
	Env      *util.Env
	Reporter progress.Reporter
	// Out receives the user-facing progress lines. Nil discards them.
	Out io.Writer
	Log zerolog.Logger

	// Device and Locator are only used by radio runs.
	Device  *device.Controller
	Locator *device.Locator

	// Registry holds the transform steps. Nil means staging.DefaultRegistry.
	Registry *staging.Registry
}

func (dc *DeployContext) gitSrc() string {
	if dc.Flags.SrcOverride != "" {
		return dc.Flags.SrcOverride
	}
	return dc.Config.GitSrc
}

func (dc *DeployContext) lang() string {
	if dc.Flags.Lang != "" {
		return dc.Flags.Lang
	}
	if dc.Config.Language != "" {
		return dc.Config.Language
	}
	return "en"
}

func (dc *DeployContext) mountWait() device.MountWaitOptions {
	d := dc.Config.Device
	return device.MountWaitOptions{
		Attempts: d.MountAttempts,
		Delay:    d.MountDelay.Duration,
		Roots:    d.ScanRoots,
		Debug:    d.DebugMount,
	}
}
