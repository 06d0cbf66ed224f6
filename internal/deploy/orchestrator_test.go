package deploy

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bolasblack/rfdeploy/internal/config"
	"github.com/bolasblack/rfdeploy/internal/device"
	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/staging"
	"github.com/bolasblack/rfdeploy/internal/state"
	rfsync "github.com/bolasblack/rfdeploy/internal/sync"
	"github.com/bolasblack/rfdeploy/internal/util"
)

// fakeHID records frames written to the radio.
type fakeHID struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeHID) Write(frame []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return len(frame), nil
}

func (f *fakeHID) ReadTimeout([]byte, time.Duration) (int, error) { return 0, nil }
func (f *fakeHID) Close() error                                   { return nil }

func (f *fakeHID) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

// denyMkdirFs refuses to create directories under deny.
type denyMkdirFs struct {
	afero.Fs
	deny string
}

func (d denyMkdirFs) MkdirAll(path string, perm os.FileMode) error {
	if strings.HasPrefix(path, d.deny) {
		return &os.PathError{Op: "mkdir", Path: path, Err: os.ErrPermission}
	}
	return d.Fs.MkdirAll(path, perm)
}

type volumes []device.Volume

func (v volumes) Volumes() ([]device.Volume, error) { return v, nil }

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.TgtName = "rfsuite"
	cfg.GitSrc = "/repo"
	cfg.Device.ConnectRetries = 1
	cfg.Device.ConnectDelay = config.D(time.Millisecond)
	cfg.Device.MountAttempts = 2
	cfg.Device.MountDelay = config.D(time.Millisecond)
	cfg.Device.SettleBefore = config.D(0)
	cfg.Device.SettleAfter = config.D(0)
	cfg.Device.ScanRoots = []string{"/nonexistent-rfdeploy-root"}
	cfg.Throttle.Pause = config.D(0)
	cfg.Throttle.Settle = config.D(0)
	cfg.Throttle.DeletePause = config.D(0)
	cfg.Throttle.PhaseSettle = config.D(0)
	return cfg
}

func writeBundle(t *testing.T, fs afero.Fs) {
	t.Helper()
	for p, content := range map[string]string{
		"/repo/src/rfsuite/main.lua":          "return main",
		"/repo/src/rfsuite/app/modules/a.lua": "return a",
	} {
		require.NoError(t, afero.WriteFile(fs, p, []byte(content), 0o644))
	}
}

func newContext(t *testing.T) (*DeployContext, *bytes.Buffer) {
	t.Helper()
	env := util.NewTestEnv()
	writeBundle(t, env.Fs)
	out := &bytes.Buffer{}
	return &DeployContext{Config: testConfig(), Env: env, Out: out, Log: zerolog.Nop()}, out
}

// radioDevices wires a controller and locator to a fake radio whose scripts
// drive is already mounted at /media/u/RADIO.
func radioDevices(t *testing.T, dc *DeployContext, reachable bool) *fakeHID {
	t.Helper()
	require.NoError(t, dc.Env.Fs.MkdirAll("/media/u/RADIO/scripts", 0o755))
	require.NoError(t, afero.WriteFile(dc.Env.Fs, "/media/u/RADIO/radio.cpuid", []byte("id"), 0o644))
	scanner := device.NewScanner(dc.Env.Fs, volumes{{Device: "/dev/sdb1", MountPoint: "/media/u/RADIO", Removable: true}})

	hid := &fakeHID{}
	opener := device.OpenerFunc(func(uint16, uint16) (device.Transport, error) {
		if !reachable {
			return nil, device.ErrNoDevice
		}
		return hid, nil
	})
	connect := device.DefaultConnectOptions()
	connect.Retries = 1
	connect.Delay = time.Millisecond
	dc.Device = device.NewController(opener, connect, nil, scanner)
	dc.Locator = device.NewLocator(scanner, nil)
	return hid
}

func readFile(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return string(data)
}

func TestSimulatorDeploy(t *testing.T) {
	dc, out := newContext(t)
	var states []State
	orch := New(dc).OnState(func(_, to State) { states = append(states, to) })

	res, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Target{Name: "simulator", DestinationRoot: "/repo/simulator/scripts"}, res.Target)
	assert.Equal(t, "return a", readFile(t, dc.Env.Fs, "/repo/simulator/scripts/rfsuite/app/modules/a.lua"))
	require.Len(t, res.Reports, 1)
	assert.Equal(t, rfsync.ModeMirror, res.Reports[0].Mode)
	assert.Equal(t, 2, res.Reports[0].Copied)
	assert.Equal(t, []State{StateDiscover, StateStage, StateSync, StateFinalize, StateDone}, states)
	assert.Equal(t, StateDone, orch.State())
	assert.Contains(t, out.String(), "Syncing to /repo/simulator/scripts/rfsuite")

	require.Len(t, res.Steps, 1)
	assert.Equal(t, staging.ManifestStep, res.Steps[0].Name)
	assert.Equal(t, staging.Skipped, res.Steps[0].Outcome)

	rec, err := state.Load(dc.Env.Fs, "/repo")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "done", rec.State)
	assert.Equal(t, res.Run.RunID, rec.RunID)
	assert.Equal(t, 2, rec.Destinations[0].Copied)
}

func TestSimulatorDeployIdempotent(t *testing.T) {
	dc, _ := newContext(t)
	_, err := New(dc).Run(context.Background())
	require.NoError(t, err)

	res, err := New(dc).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reports[0].Copied)
	assert.Equal(t, 2, res.Reports[0].Unchanged)
}

func TestSimulatorFirmwareDir(t *testing.T) {
	dc, _ := newContext(t)
	dc.Config.Firmware = "X20S"
	res, err := New(dc).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/repo/simulator/X20S/scripts", res.Target.DestinationRoot)
	assert.Equal(t, "X20S", res.Target.FirmwareID)
}

func TestSimulatorFirmwareFallback(t *testing.T) {
	dc, _ := newContext(t)
	dc.Config.Firmware = "X20S"
	dc.Env.Fs = denyMkdirFs{Fs: dc.Env.Fs, deny: "/repo/simulator/X20S"}

	res, err := New(dc).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/repo/simulator/scripts", res.Target.DestinationRoot)
}

func TestStagingCleanedUp(t *testing.T) {
	dc, _ := newContext(t)
	_, err := New(dc).Run(context.Background())
	require.NoError(t, err)

	matches, err := afero.Glob(dc.Env.Fs, filepath.Join(os.TempDir(), util.StagingPrefix+"*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

// outDirStep records the directory it was run against.
type outDirStep struct {
	mu   sync.Mutex
	dirs []string
}

func (s *outDirStep) Name() string { return "outdir" }

func (s *outDirStep) Run(_ context.Context, sc *staging.StepContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs = append(s.dirs, sc.OutDir)
	return afero.WriteFile(sc.Fs(), filepath.Join(sc.OutDir, "outdir.txt"), []byte(sc.Lang), 0o644)
}

func TestStepsRunOnStagedTree(t *testing.T) {
	dc, _ := newContext(t)
	step := &outDirStep{}
	dc.Registry = staging.NewRegistry()
	dc.Registry.Register(step)
	dc.Flags.Steps = []string{"outdir"}
	dc.Flags.Lang = "de"

	res, err := New(dc).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, step.dirs, 1)
	assert.NotEqual(t, "/repo/simulator/scripts/rfsuite", step.dirs[0])
	assert.Equal(t, "de", readFile(t, dc.Env.Fs, "/repo/simulator/scripts/rfsuite/outdir.txt"))
	assert.Equal(t, []rfsync.StepLine{
		{Name: "manifest", Outcome: "unknown", Detail: `unknown step "manifest"`},
		{Name: "outdir", Outcome: "ran"},
	}, res.StepLines())
}

func TestStepsRunInPlaceWithoutStaging(t *testing.T) {
	dc, _ := newContext(t)
	step := &outDirStep{}
	dc.Registry = staging.NewRegistry()
	dc.Registry.Register(step)
	dc.Flags.Steps = []string{"outdir"}
	dc.Flags.NoStage = true

	_, err := New(dc).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/repo/simulator/scripts/rfsuite"}, step.dirs)
}

func TestMissingSourceFails(t *testing.T) {
	dc, _ := newContext(t)
	dc.Config.TgtName = "missing"
	orch := New(dc)

	_, err := orch.Run(context.Background())
	assert.True(t, deployerrors.IsCode(err, deployerrors.ErrConfigValid))
	assert.Equal(t, StateFailed, orch.State())

	rec, err := state.Load(dc.Env.Fs, "/repo")
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.State)
	assert.NotEmpty(t, rec.Error)
}

func TestCancelledDeploy(t *testing.T) {
	dc, _ := newContext(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	orch := New(dc)

	_, err := orch.Run(ctx)
	assert.True(t, deployerrors.IsCode(err, deployerrors.ErrCancelled), "got %v", err)
	assert.Equal(t, StateCancelled, orch.State())
}

func TestRadioDeploy(t *testing.T) {
	dc, _ := newContext(t)
	dc.Flags.Radio = true
	hid := radioDevices(t, dc, true)

	res, err := New(dc).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Target{Name: "radio", DestinationRoot: "/media/u/RADIO/scripts", Removable: true}, res.Target)
	assert.Equal(t, "return main", readFile(t, dc.Env.Fs, "/media/u/RADIO/scripts/rfsuite/main.lua"))
	require.Len(t, res.Reports, 1)
	assert.Equal(t, rfsync.ModeFullReplace, res.Reports[0].Mode)
	assert.Equal(t, [][]byte{
		{0x00, device.USBModeRequest, byte(device.ModeStorage)},
		{0x00, device.USBModeRequest, byte(device.ModeDebug)},
	}, hid.Frames())
}

func TestRadioDeployFastMode(t *testing.T) {
	dc, _ := newContext(t)
	dc.Flags.Radio = true
	dc.Flags.FileExt = rfsync.FastFileExt
	radioDevices(t, dc, true)

	res, err := New(dc).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rfsync.ModeMirror, res.Reports[0].Mode)
}

func TestRadioUnreachableUsesMountedDrive(t *testing.T) {
	dc, _ := newContext(t)
	dc.Flags.Radio = true
	hid := radioDevices(t, dc, false)

	res, err := New(dc).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/media/u/RADIO/scripts", res.Target.DestinationRoot)
	assert.Empty(t, hid.Frames(), "debug mode is not restored without a link")
}

func TestRadioNotFound(t *testing.T) {
	dc, _ := newContext(t)
	dc.Flags.Radio = true
	radioDevices(t, dc, false)
	require.NoError(t, dc.Env.Fs.Remove("/media/u/RADIO/radio.cpuid"))

	orch := New(dc)
	_, err := orch.Run(context.Background())
	assert.True(t, deployerrors.IsCode(err, deployerrors.ErrDeviceNotFound), "got %v", err)
	assert.Equal(t, StateFailed, orch.State())
}

func TestRadioRequiresStaging(t *testing.T) {
	for name, disable := range map[string]func(*DeployContext){
		"flag":   func(dc *DeployContext) { dc.Flags.NoStage = true },
		"config": func(dc *DeployContext) { dc.Config.Staging.Enabled = false },
	} {
		t.Run(name, func(t *testing.T) {
			dc, _ := newContext(t)
			dc.Flags.Radio = true
			hid := radioDevices(t, dc, true)
			disable(dc)

			orch := New(dc)
			_, err := orch.Run(context.Background())
			assert.True(t, deployerrors.IsCode(err, deployerrors.ErrConfigValid), "got %v", err)
			assert.Equal(t, StateFailed, orch.State())
			assert.Empty(t, hid.Frames(), "refused before touching the radio")

			exists, _ := afero.Exists(dc.Env.Fs, "/media/u/RADIO/scripts/rfsuite")
			assert.False(t, exists)
		})
	}
}

func TestConnectOnly(t *testing.T) {
	dc, _ := newContext(t)
	dc.Flags.Radio = true
	dc.Flags.ConnectOnly = true
	hid := radioDevices(t, dc, true)

	res, err := New(dc).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Reports)
	assert.Equal(t, [][]byte{{0x00, device.USBModeRequest, byte(device.ModeDebug)}}, hid.Frames())
}

func TestInvalidFileExt(t *testing.T) {
	dc, _ := newContext(t)
	dc.Flags.FileExt = "lua"
	_, err := New(dc).Run(context.Background())
	assert.True(t, deployerrors.IsCode(err, deployerrors.ErrConfigValid))
}

func TestFlagsFollowsConsole(t *testing.T) {
	assert.True(t, Flags{Radio: true, ConnectOnly: true}.FollowsConsole())
	assert.True(t, Flags{Radio: true, RadioDebug: true}.FollowsConsole())
	assert.False(t, Flags{Radio: true}.FollowsConsole())
	assert.False(t, Flags{RadioDebug: true}.FollowsConsole(), "simulator runs have no console")
}
