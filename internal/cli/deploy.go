package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bolasblack/rfdeploy/internal/config"
	"github.com/bolasblack/rfdeploy/internal/deploy"
	"github.com/bolasblack/rfdeploy/internal/device"
	"github.com/bolasblack/rfdeploy/internal/lock"
	"github.com/bolasblack/rfdeploy/internal/logging"
	"github.com/bolasblack/rfdeploy/internal/progress"
	rfsync "github.com/bolasblack/rfdeploy/internal/sync"
	"github.com/bolasblack/rfdeploy/internal/util"
)

// deployOptions holds the root command's deploy flags.
type deployOptions struct {
	radio       bool
	fileExt     string
	steps       []string
	force       bool
	lang        string
	src         string
	noStage     bool
	radioDebug  bool
	connectOnly bool
	yes         bool

	clearLock     bool
	clearAllLocks bool
	printLock     bool
}

var deployOpts deployOptions

func registerDeployFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.BoolVar(&deployOpts.radio, "radio", false, "Deploy to a USB-attached radio instead of the simulator")
	f.StringVar(&deployOpts.fileExt, "fileext", "", `Sync mode: ".lua" replaces only files with that extension, "fast" mirrors changed files, empty is a full copy`)
	f.StringArrayVar(&deployOpts.steps, "step", nil, "Transform step to run after the manifest step (repeatable)")
	f.BoolVar(&deployOpts.force, "force", false, "Take over a stale lock left by a dead process")
	f.StringVar(&deployOpts.lang, "lang", "", "Locale for transform steps (default $RFSUITE_LANG or en)")
	f.StringVar(&deployOpts.src, "src", "", "Source checkout to deploy from (overrides git_src)")
	f.BoolVar(&deployOpts.noStage, "no-stage", false, "Copy straight from the source tree and run steps on the destination")
	f.BoolVar(&deployOpts.radioDebug, "radio-debug", false, "After a radio deploy, switch back to debug mode (retrying once) and follow the serial console")
	f.BoolVar(&deployOpts.connectOnly, "connect-only", false, "Only enable debug mode and follow the serial console; copy nothing")
	f.BoolVarP(&deployOpts.yes, "yes", "y", false, "Do not ask for confirmation")
	f.BoolVar(&deployOpts.clearLock, "clear-lock", false, "Remove this configuration's lock file and exit")
	f.BoolVar(&deployOpts.clearAllLocks, "clear-all-locks", false, "Remove every rfdeploy lock file and exit")
	f.BoolVar(&deployOpts.printLock, "print-lock", false, "Print this configuration's lock path and holder, then exit")
}

func (o deployOptions) flags() deploy.Flags {
	return deploy.Flags{
		Radio:       o.radio,
		FileExt:     o.fileExt,
		Steps:       o.steps,
		Lang:        o.lang,
		SrcOverride: o.src,
		NoStage:     o.noStage,
		RadioDebug:  o.radioDebug,
		ConnectOnly: o.connectOnly,
	}
}

// runDeploy is the root command: lock, deploy, summarise.
func runDeploy(cmd *cobra.Command, _ []string) error {
	closeLog := logging.Setup(verbosity, cmd.ErrOrStderr())
	defer closeLog()
	log := logging.Get("cli")
	out := cmd.OutOrStdout()

	if deployOpts.clearAllLocks {
		return clearAllLocks(out, "", deployOpts.yes)
	}

	cwd, err := getCwd()
	if err != nil {
		return err
	}
	env := util.NewOsEnv()
	cfg, err := loadConfig(env, configPath, cwd, os.Getenv)
	if err != nil {
		return err
	}

	switch {
	case deployOpts.printLock:
		return printLock(out, "", cfg.Path)
	case deployOpts.clearLock:
		return clearLock(out, "", cfg.Path)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lk := lock.New(cfg.Path, lock.Options{})
	if _, err := lk.Acquire(deployOpts.force); err != nil {
		return err
	}
	release := func() {
		if err := lk.Release(); err != nil {
			log.Warn().Err(err).Str("lock", lk.Path()).Msg("failed to release lock")
		}
	}
	defer release()

	dc := newDeployContext(cfg, env, deployOpts.flags(), out, cmd.ErrOrStderr())
	if err := executeDeploy(ctx, dc, out); err != nil {
		return err
	}
	if !dc.Flags.FollowsConsole() {
		return nil
	}
	// The console only reads the serial port; the lock is not held while following it.
	release()
	return followConsole(ctx, lock.NewPIDFile(""), device.SystemPorts(), cfg, out)
}

// newDeployContext wires the run's dependencies. Device access is only set
// up for radio runs.
func newDeployContext(cfg config.Config, env *util.Env, flags deploy.Flags, out, errOut io.Writer) *deploy.DeployContext {
	dc := &deploy.DeployContext{
		Config:   cfg,
		Flags:    flags,
		Env:      env,
		Reporter: newReporter(errOut),
		Out:      out,
		Log:      logging.Get("deploy"),
	}
	if flags.Radio {
		dc.Device, dc.Locator = newDevice(cfg, env)
	}
	return dc
}

// newReporter shows a progress bar on a terminal. Piped output only gets
// per-file lines with -v.
func newReporter(w io.Writer) progress.Reporter {
	if !progress.IsTerminal(w) && verbosity == 0 {
		return progress.Nop{}
	}
	return progress.NewTerminal(w, verbosity > 0)
}

func executeDeploy(ctx context.Context, dc *deploy.DeployContext, out io.Writer) error {
	runner := deploy.Start(ctx, dc)
	res, err := runner.Wait()
	snap := runner.Snapshot()
	dc.Log.Debug().Str("state", snap.State.String()).Str("phase", snap.Phase).
		Int64("done", snap.Done).Int64("total", snap.Total).Msg("deploy worker finished")
	if res == nil {
		return err
	}
	if len(res.Reports) > 0 || len(res.Steps) > 0 {
		rfsync.RenderSummary(out, res.Reports, res.StepLines())
	}
	if err != nil {
		return err
	}
	if dc.Flags.ConnectOnly {
		return nil
	}
	progressDone(out, "Deployed %s to %s\n", dc.Config.TgtName, res.Target.Name)
	if run := res.Run; run != nil {
		fmt.Fprintf(out, "Run %s finished in %s\n", run.RunID, run.Duration().Round(10*time.Millisecond))
	}
	return nil
}
