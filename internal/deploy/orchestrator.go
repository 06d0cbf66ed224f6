package deploy

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/bolasblack/rfdeploy/internal/device"
	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/plan"
	"github.com/bolasblack/rfdeploy/internal/progress"
	"github.com/bolasblack/rfdeploy/internal/retry"
	"github.com/bolasblack/rfdeploy/internal/staging"
	"github.com/bolasblack/rfdeploy/internal/state"
	rfsync "github.com/bolasblack/rfdeploy/internal/sync"
	"github.com/bolasblack/rfdeploy/internal/throttle"
	"github.com/bolasblack/rfdeploy/internal/util"
)

// Result is what a run produced, complete or not.
type Result struct {
	Target  Target
	Run     *state.Run
	Reports []*rfsync.Report
	Steps   []staging.StepResult
}

// StepLines converts step results for the summary banner.
func (r *Result) StepLines() []rfsync.StepLine {
	lines := make([]rfsync.StepLine, 0, len(r.Steps))
	for _, s := range r.Steps {
		lines = append(lines, rfsync.StepLine{Name: s.Name, Outcome: string(s.Outcome), Detail: s.Detail()})
	}
	return lines
}

// Orchestrator runs one deploy. It is single-use.
type Orchestrator struct {
	dc       *DeployContext
	reporter progress.Reporter
	log      zerolog.Logger
	state    atomic.Int32
	onState  func(from, to State)

	linkUsed bool
	synced   bool
	area     *staging.Area
	copier   *throttle.IO
}

// New returns an Orchestrator for dc.
func New(dc *DeployContext) *Orchestrator {
	r := dc.Reporter
	if r == nil {
		r = progress.Nop{}
	}
	return &Orchestrator{dc: dc, reporter: r, log: dc.Log}
}

// OnState registers an observer for state changes. Call before Run.
func (o *Orchestrator) OnState(fn func(from, to State)) *Orchestrator {
	o.onState = fn
	return o
}

// State returns the current state. Safe to call from any goroutine.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) enter(s State) {
	from := State(o.state.Swap(int32(s)))
	o.log.Debug().Stringer("from", from).Stringer("to", s).Msg("deploy state")
	if o.onState != nil {
		o.onState(from, s)
	}
}

// Run performs the deploy. The returned Result is never nil.
func (o *Orchestrator) Run(ctx context.Context) (res *Result, err error) {
	dc := o.dc
	run := state.NewRun(dc.Config.TgtName, dc.Flags.Radio)
	ctx = util.WithRunID(ctx, run.RunID)
	o.log = o.log.With().Str("run", run.RunID).Logger()
	res = &Result{Run: run}

	defer func() {
		err = o.finalize(ctx, res, err)
	}()

	o.enter(StateDiscover)
	src, err := o.discoverSource()
	if err != nil {
		return res, err
	}
	staged := dc.Config.Staging.Enabled && !dc.Flags.NoStage
	if dc.Flags.Radio && !dc.Flags.ConnectOnly && !staged {
		// Steps would rewrite files on the radio's volume after the sync.
		return res, deployerrors.New(deployerrors.ErrConfigValid,
			"radio deploys require staging; drop --no-stage or set DEPLOY_STAGE=1").
			WithDetail("staging.enabled", dc.Config.Staging.Enabled).
			WithDetail("no_stage", dc.Flags.NoStage)
	}

	var target Target
	if dc.Flags.Radio {
		o.enter(StateConnect)
		if dc.Flags.ConnectOnly {
			return res, o.connectOnly(ctx)
		}
		target, err = o.connectRadio(ctx)
	} else {
		target, err = o.simulatorTarget()
	}
	if err != nil {
		return res, err
	}
	res.Target = target
	outDir := filepath.Join(target.DestinationRoot, dc.Config.TgtName)
	o.log.Info().Str("target", target.Name).Str("dest", outDir).Msg("deploy target")

	o.enter(StateStage)
	syncSrc := src
	if staged {
		if syncSrc, err = o.stage(ctx, src, target, res); err != nil {
			return res, err
		}
	}

	o.enter(StateSync)
	report, err := o.sync(ctx, target, syncSrc, outDir)
	if report != nil {
		res.Reports = append(res.Reports, report)
	}
	if err != nil {
		if !deployerrors.IsCode(err, deployerrors.ErrSyncFailed) || ctx.Err() != nil {
			return res, err
		}
		// Per-file failures are in the report; the run itself carries on.
		util.ProgressWarn(dc.Out, "%s\n", err.Error())
	}

	if !staged {
		steps, err := o.runSteps(ctx, outDir, target)
		res.Steps = steps
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (o *Orchestrator) fs() afero.Fs {
	return o.dc.Env.Fs
}

// discoverSource checks that src/<tgt_name> exists under the checkout.
func (o *Orchestrator) discoverSource() (string, error) {
	src := util.SourceDir(o.dc.gitSrc(), o.dc.Config.TgtName)
	if ok, _ := afero.DirExists(o.fs(), src); !ok {
		return "", deployerrors.Newf(deployerrors.ErrConfigValid, "bundle source %s not found", src).
			WithDetail("path", src)
	}
	return src, nil
}

// simulatorTarget is <git_src>/simulator[/<firmware>]/scripts, falling back
// to <git_src>/simulator/scripts when the firmware directory cannot be made.
func (o *Orchestrator) simulatorTarget() (Target, error) {
	gitSrc := o.dc.Config.GitSrc
	fw := o.dc.Config.Firmware
	parts := []string{gitSrc, util.SimulatorDir}
	if fw != "" {
		parts = append(parts, fw)
	}
	dest := filepath.Join(append(parts, util.ScriptsDir)...)
	if err := o.fs().MkdirAll(dest, 0o755); err != nil {
		fallback := filepath.Join(gitSrc, util.SimulatorDir, util.ScriptsDir)
		o.log.Warn().Err(err).Str("dest", dest).Str("fallback", fallback).Msg("simulator destination unavailable")
		if err := o.fs().MkdirAll(fallback, 0o755); err != nil {
			return Target{}, deployerrors.Wrapf(err, deployerrors.ErrDestinationSetup, "failed to create %s", fallback)
		}
		dest = fallback
	}
	return Target{Name: "simulator", DestinationRoot: dest, FirmwareID: fw}, nil
}

func (o *Orchestrator) requireDevice() error {
	if o.dc.Device == nil || o.dc.Locator == nil {
		return deployerrors.New(deployerrors.ErrInternal, "radio deploy without device controller")
	}
	return nil
}

// connectRadio stops serial debug so the radio exposes its drives, then
// waits for the scripts directory. When the radio cannot be reached over
// HID an already mounted drive is still accepted.
func (o *Orchestrator) connectRadio(ctx context.Context) (Target, error) {
	if err := o.requireDevice(); err != nil {
		return Target{}, err
	}
	dev := o.dc.Device
	if suite := dev.Suite(); suite.Configured() {
		if _, err := suite.CheckVersion(ctx); err != nil {
			return Target{}, err
		}
	}

	util.ProgressStep(o.dc.Out, "Switching radio to storage mode\n")
	if err := dev.SetMode(ctx, device.ModeStorage); err != nil {
		if ctx.Err() != nil {
			return Target{}, deployerrors.Wrap(ctx.Err(), deployerrors.ErrCancelled, "connect cancelled")
		}
		o.log.Warn().Err(err).Msg("radio not reachable over USB; looking for a mounted drive")
		p, source, ok := o.dc.Locator.LocateOnce(ctx, o.dc.Config.Device.ScanRoots)
		if !ok {
			return Target{}, err
		}
		o.log.Info().Str("path", p).Str("source", source).Msg("using mounted radio drive")
		return radioTarget(p), nil
	}
	o.linkUsed = true

	p, err := o.dc.Locator.WaitForScriptsMount(ctx, o.dc.mountWait())
	if err != nil {
		return Target{}, err
	}
	util.ProgressDone(o.dc.Out, "Radio scripts drive at %s\n", p)
	return radioTarget(p), nil
}

func radioTarget(scriptsDir string) Target {
	return Target{Name: "radio", DestinationRoot: scriptsDir, Removable: true}
}

// connectOnly enables serial debug and stops.
func (o *Orchestrator) connectOnly(ctx context.Context) error {
	if err := o.requireDevice(); err != nil {
		return err
	}
	if err := o.setDebugMode(ctx); err != nil {
		return err
	}
	util.ProgressDone(o.dc.Out, "Radio in debug mode\n")
	return nil
}

// setDebugMode switches to debug mode, retrying once with --radio-debug.
func (o *Orchestrator) setDebugMode(ctx context.Context) error {
	attempts := 1
	if o.dc.Flags.RadioDebug {
		attempts = 2
	}
	return retry.Do(ctx, retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   o.dc.Config.Device.ConnectDelay.Duration,
		Backoff:     retry.Fixed,
		OnRetry: func(_ int, err error, _ time.Duration) {
			o.log.Warn().Err(err).Msg("debug mode switch failed; retrying once")
		},
	}, func(int) error {
		return o.dc.Device.SetMode(ctx, device.ModeDebug)
	})
}

// stage copies src into a fresh staging area and runs the steps there.
func (o *Orchestrator) stage(ctx context.Context, src string, target Target, res *Result) (string, error) {
	cfg := o.dc.Config
	area, err := staging.CreateRoot(o.fs(), cfg.TgtName, cfg.Staging.Keep)
	if err != nil {
		return "", err
	}
	o.area = area.WithReporter(o.reporter)

	util.ProgressStep(o.dc.Out, "Staging %s\n", cfg.TgtName)
	if _, err := o.area.Materialize(ctx, src); err != nil {
		if ctx.Err() != nil {
			return "", deployerrors.Wrap(ctx.Err(), deployerrors.ErrCancelled, "staging cancelled")
		}
		return "", err
	}
	steps, err := o.runSteps(ctx, o.area.TargetDir, target)
	res.Steps = steps
	if err != nil {
		return "", err
	}
	return o.area.TargetDir, nil
}

func (o *Orchestrator) runSteps(ctx context.Context, outDir string, target Target) ([]staging.StepResult, error) {
	reg := o.dc.Registry
	if reg == nil {
		reg = staging.DefaultRegistry(o.dc.Config)
	}
	sc := &staging.StepContext{
		Env:    o.dc.Env,
		OutDir: outDir,
		Lang:   o.dc.lang(),
		GitSrc: o.dc.gitSrc(),
	}
	if !target.Removable {
		sc.SimRoot = filepath.Dir(target.DestinationRoot)
	}
	return staging.NewPipeline(reg, o.dc.Config.StrictManifest).RunSteps(ctx, o.dc.Flags.Steps, sc)
}

// engine builds a throttled engine for removable targets and a plain one
// for local directories.
func (o *Orchestrator) engine(target Target) *rfsync.Engine {
	cfg := o.dc.Config
	onState := func(path string, from, to rfsync.State) {
		o.log.Debug().Str("dest", path).Stringer("from", from).Stringer("to", to).Msg("destination state")
	}
	if target.Removable {
		o.copier = throttle.New(o.fs(), throttle.PacingFrom(cfg.Throttle))
		opts := rfsync.DefaultOptions()
		opts.PhaseSettle = cfg.Throttle.PhaseSettle.Duration
		opts.OnState = onState
		return rfsync.NewEngine(o.fs(), o.copier, opts).WithReporter(o.reporter)
	}
	o.copier = throttle.New(o.fs(), throttle.Plain())
	opts := rfsync.Options{Slack: plan.DefaultSlack, OnState: onState}
	return rfsync.NewEngine(o.fs(), o.copier, opts).WithReporter(o.reporter)
}

func (o *Orchestrator) sync(ctx context.Context, target Target, src, outDir string) (*rfsync.Report, error) {
	mode, ext, err := rfsync.ModeFor(o.dc.Flags.FileExt, target.Removable)
	if err != nil {
		return nil, err
	}
	engine := o.engine(target)

	if target.Removable {
		if err := retry.Sleep(ctx, o.dc.Config.Device.SettleBefore.Duration); err != nil {
			return nil, deployerrors.Wrap(err, deployerrors.ErrCancelled, "sync cancelled")
		}
	}

	util.ProgressStep(o.dc.Out, "Syncing to %s (%s)\n", outDir, mode)
	o.synced = true
	report, err := engine.Run(ctx, mode, src, outDir, ext)
	if err != nil && ctx.Err() != nil && !deployerrors.IsCode(err, deployerrors.ErrCancelled) {
		err = deployerrors.Wrap(err, deployerrors.ErrCancelled, "sync cancelled")
	}
	return report, err
}

// finalize runs on every exit path. Its own failures are logged, never
// returned; it returns runErr with cancellation normalised.
func (o *Orchestrator) finalize(ctx context.Context, res *Result, runErr error) error {
	o.enter(StateFinalize)
	fctx := context.WithoutCancel(ctx)

	if o.copier != nil {
		o.copier.Flush()
	}
	if o.synced && res.Target.Removable {
		_ = retry.Sleep(fctx, o.dc.Config.Device.SettleAfter.Duration)
	}
	if o.linkUsed {
		util.ProgressStep(o.dc.Out, "Restoring radio debug mode\n")
		if err := o.setDebugMode(fctx); err != nil {
			o.log.Warn().Err(err).Msg("could not restore debug mode")
			util.ProgressWarn(o.dc.Out, "Could not restore radio debug mode: %v\n", err)
		}
	}
	if err := o.area.Cleanup(); err != nil {
		o.log.Warn().Err(err).Msg("staging cleanup failed")
	} else if o.area != nil && o.area.Kept() {
		util.ProgressWarn(o.dc.Out, "Staging kept at %s\n", o.area.Root)
	}

	final := StateDone
	switch {
	case runErr == nil:
	case isCancellation(ctx, runErr):
		final = StateCancelled
		if !deployerrors.IsCode(runErr, deployerrors.ErrCancelled) {
			runErr = deployerrors.Wrap(runErr, deployerrors.ErrCancelled, "deploy cancelled")
		}
	default:
		final = StateFailed
	}

	o.record(res, final, runErr)
	o.enter(final)
	return runErr
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		deployerrors.IsCode(err, deployerrors.ErrCancelled)
}

// record fills and saves the last-run record.
func (o *Orchestrator) record(res *Result, final State, runErr error) {
	run := res.Run
	run.EndedAt = time.Now()
	run.State = final.String()
	if runErr != nil {
		run.Error = runErr.Error()
	}
	for _, r := range res.Reports {
		d := state.DestinationResult{
			Path:      r.Destination,
			Mode:      string(r.Mode),
			State:     r.State.String(),
			Copied:    r.Copied,
			Deleted:   r.Deleted,
			Unchanged: r.Unchanged,
		}
		for _, f := range r.Failures {
			d.Failures = append(d.Failures, f.String())
		}
		run.Destinations = append(run.Destinations, d)
	}
	for _, s := range res.Steps {
		run.Steps = append(run.Steps, state.StepResult{Name: s.Name, Outcome: string(s.Outcome), Detail: s.Detail()})
	}

	if o.dc.Config.GitSrc == "" {
		return
	}
	if err := state.Save(o.fs(), o.dc.Config.GitSrc, run); err != nil {
		o.log.Warn().Err(err).Msg("could not save last-run record")
	}
}
