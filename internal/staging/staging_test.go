package staging

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bolasblack/rfdeploy/internal/config"
	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/util"
)

func writeFiles(t *testing.T, fs afero.Fs, files map[string]string) {
	t.Helper()
	for p, content := range files {
		require.NoError(t, afero.WriteFile(fs, p, []byte(content), 0o644))
	}
}

func TestCreateRootAndCleanup(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := CreateRoot(fs, "rfsuite", false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(a.Root), util.StagingPrefix))
	assert.Equal(t, filepath.Join(a.Root, "rfsuite"), a.TargetDir)

	b, err := CreateRoot(fs, "rfsuite", false)
	require.NoError(t, err)
	assert.NotEqual(t, a.Root, b.Root)

	require.NoError(t, a.Cleanup())
	exists, _ := afero.DirExists(fs, a.Root)
	assert.False(t, exists)
}

func TestCleanupKeep(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := CreateRoot(fs, "rfsuite", true)
	require.NoError(t, err)
	require.NoError(t, a.Cleanup())
	exists, _ := afero.DirExists(fs, a.Root)
	assert.True(t, exists)
	assert.True(t, a.Kept())

	var nilArea *Area
	assert.NoError(t, nilArea.Cleanup())
}

func TestMaterialize(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"/repo/src/rfsuite/main.lua":          "main",
		"/repo/src/rfsuite/app/modules/x.lua": "x",
	})
	a, err := CreateRoot(fs, "rfsuite", false)
	require.NoError(t, err)
	writeFiles(t, fs, map[string]string{filepath.Join(a.TargetDir, "leftover.lua"): "old"})

	n, err := a.Materialize(context.Background(), "/repo/src/rfsuite")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := afero.ReadFile(fs, filepath.Join(a.TargetDir, "app/modules/x.lua"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
	exists, _ := afero.Exists(fs, filepath.Join(a.TargetDir, "leftover.lua"))
	assert.False(t, exists, "target dir is recreated from scratch")
}

func TestOrdered(t *testing.T) {
	assert.Equal(t, []string{"manifest"}, Ordered(nil))
	assert.Equal(t, []string{"manifest", "i18n", "soundpack"}, Ordered([]string{"i18n", "soundpack", "i18n"}))
	assert.Equal(t, []string{"i18n", "manifest", "soundpack"}, Ordered([]string{"i18n", "manifest", "soundpack", "manifest"}),
		"a requested manifest keeps its position")
}

func TestExpand(t *testing.T) {
	got := Expand("{git_src}/x --lang {lang} {unknown}", map[string]string{"git_src": "/repo", "lang": "de"})
	assert.Equal(t, "/repo/x --lang de {unknown}", got)
}

func newStepContext(t *testing.T) (*StepContext, *util.MockCommandRunner) {
	t.Helper()
	env := util.NewTestEnv()
	require.NoError(t, env.Fs.MkdirAll("/stage/rfsuite", 0o755))
	return &StepContext{Env: env, OutDir: "/stage/rfsuite", Lang: "en", GitSrc: "/repo"}, env.Cmd.(*util.MockCommandRunner)
}

const manifestCmd = "python3 /repo/bin/menu/generate.py --source /repo/bin/menu/manifest.source.json --output /stage/rfsuite/app/modules/manifest.lua"

func TestRunStepsManifestPrepended(t *testing.T) {
	sc, mock := newStepContext(t)
	writeFiles(t, sc.Fs(), map[string]string{
		"/repo/bin/menu/generate.py":                 "",
		"/repo/bin/menu/manifest.source.json":        "{}",
		"/repo/.vscode/scripts/resolve_i18n_tags.py": "",
		"/stage/rfsuite/i18n/en.json":                "{}",
	})
	mock.ExpectSuccess(manifestCmd, nil)
	mock.ExpectSuccess("python3 /repo/.vscode/scripts/resolve_i18n_tags.py --json /stage/rfsuite/i18n/en.json --root /stage/rfsuite", []byte("resolved 3 tags"))

	p := NewPipeline(DefaultRegistry(config.DefaultConfig()), false)
	results, err := p.RunSteps(context.Background(), []string{"i18n"}, sc)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, StepResult{Name: "manifest", Outcome: Ran}, results[0])
	assert.Equal(t, StepResult{Name: "i18n", Outcome: Ran}, results[1])
	assert.Equal(t, "/repo", mock.Calls[0].Dir)

	exists, _ := afero.DirExists(sc.Fs(), "/stage/rfsuite/app/modules")
	assert.True(t, exists, "manifest output directory is created")
}

func TestRunStepsKeepsRequestedManifestPosition(t *testing.T) {
	sc, mock := newStepContext(t)
	writeFiles(t, sc.Fs(), map[string]string{
		"/repo/bin/menu/generate.py":                 "",
		"/repo/bin/menu/manifest.source.json":        "{}",
		"/repo/.vscode/scripts/resolve_i18n_tags.py": "",
		"/stage/rfsuite/i18n/en.json":                "{}",
	})
	i18nCmd := "python3 /repo/.vscode/scripts/resolve_i18n_tags.py --json /stage/rfsuite/i18n/en.json --root /stage/rfsuite"
	mock.ExpectSuccess(manifestCmd, nil)
	mock.ExpectSuccess(i18nCmd, nil)

	p := NewPipeline(DefaultRegistry(config.DefaultConfig()), false)
	results, err := p.RunSteps(context.Background(), []string{"i18n", "manifest"}, sc)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "i18n", results[0].Name)
	assert.Equal(t, "manifest", results[1].Name)
	assert.Equal(t, []string{i18nCmd, manifestCmd}, mock.Keys())
}

func TestRunStepsMissingToolsSkip(t *testing.T) {
	sc, mock := newStepContext(t)
	p := NewPipeline(DefaultRegistry(config.DefaultConfig()), true)

	results, err := p.RunSteps(context.Background(), []string{"i18n", "soundpack", "sensors"}, sc)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, Skipped, r.Outcome, r.Name)
		assert.NotEmpty(t, r.Detail())
	}
	assert.Empty(t, mock.Calls)
}

func TestRunStepsUnknownAndFailed(t *testing.T) {
	sc, mock := newStepContext(t)
	writeFiles(t, sc.Fs(), map[string]string{
		"/repo/bin/menu/generate.py":          "",
		"/repo/bin/menu/manifest.source.json": "{}",
	})
	mock.Expect(manifestCmd, []byte("Traceback"), errors.New("exit status 1"))

	p := NewPipeline(DefaultRegistry(config.DefaultConfig()), false)
	results, err := p.RunSteps(context.Background(), []string{"bogus"}, sc)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, Failed, results[0].Outcome)
	assert.Contains(t, results[0].Detail(), "Traceback")

	assert.Equal(t, Unknown, results[1].Outcome)
	var w *UnknownStepWarning
	require.True(t, errors.As(results[1].Err, &w))
	assert.Equal(t, "bogus", w.Name)
}

func TestRunStepsStrictManifest(t *testing.T) {
	sc, mock := newStepContext(t)
	writeFiles(t, sc.Fs(), map[string]string{
		"/repo/bin/menu/generate.py":          "",
		"/repo/bin/menu/manifest.source.json": "{}",
	})
	mock.ExpectFailure(manifestCmd, errors.New("exit status 2"))

	p := NewPipeline(DefaultRegistry(config.DefaultConfig()), true)
	results, err := p.RunSteps(context.Background(), []string{"i18n"}, sc)
	assert.True(t, deployerrors.IsCode(err, deployerrors.ErrStepFailed))
	assert.Len(t, results, 1)
}

func TestRunStepsCancelled(t *testing.T) {
	sc, _ := newStepContext(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPipeline(NewRegistry(), false).RunSteps(ctx, nil, sc)
	assert.True(t, deployerrors.IsCode(err, deployerrors.ErrCancelled))
}

func TestManifestOutputNested(t *testing.T) {
	sc, _ := newStepContext(t)
	require.NoError(t, sc.Fs().MkdirAll("/stage/rfsuite/rfsuite", 0o755))
	assert.Equal(t, "/stage/rfsuite/rfsuite/app/modules/manifest.lua", Placeholders(sc)["manifest_out"])
}

func TestI18nDictionaryFallback(t *testing.T) {
	sc, _ := newStepContext(t)
	sc.Lang = "fr"
	assert.Equal(t, "/repo/scripts/rfsuite/i18n/fr.json", Placeholders(sc)["i18n_json"])
}

func TestSoundpackUpdateOnly(t *testing.T) {
	sc, _ := newStepContext(t)
	writeFiles(t, sc.Fs(), map[string]string{
		"/repo/bin/sound-generator/soundpack/en/alerts/armed.wav": "new",
		"/repo/bin/sound-generator/soundpack/en/beep.wav":         "beep",
		"/stage/rfsuite/audio/en/custom.wav":                      "mine",
	})

	require.NoError(t, SoundpackStep{}.Run(context.Background(), sc))

	data, err := afero.ReadFile(sc.Fs(), "/stage/rfsuite/audio/en/alerts/armed.wav")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	exists, _ := afero.Exists(sc.Fs(), "/stage/rfsuite/audio/en/custom.wav")
	assert.True(t, exists, "files absent from the soundpack are kept")
}

func TestSensorsStep(t *testing.T) {
	sc, _ := newStepContext(t)
	writeFiles(t, sc.Fs(), map[string]string{"/repo/.vscode/sensors.json": `{"a":1}`})

	err := SensorsStep{}.Run(context.Background(), sc)
	var skip *SkipError
	require.True(t, errors.As(err, &skip), "radio targets have no simulator root")

	sc.SimRoot = "/repo/simulator/X20"
	require.NoError(t, SensorsStep{}.Run(context.Background(), sc))
	data, err := afero.ReadFile(sc.Fs(), "/repo/simulator/X20/sensors.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	writeFiles(t, sc.Fs(), map[string]string{"/repo/simulator/X20/sensors.json": "edited"})
	err = SensorsStep{}.Run(context.Background(), sc)
	require.True(t, errors.As(err, &skip))
	data, _ = afero.ReadFile(sc.Fs(), "/repo/simulator/X20/sensors.json")
	assert.Equal(t, "edited", string(data))
}

func TestConfiguredStepOverridesBuiltin(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Steps["soundpack"] = config.StepConfig{Command: []string{"make", "sounds", "LANG={lang}"}}
	step, ok := DefaultRegistry(cfg).Lookup("soundpack")
	require.True(t, ok)
	_, isExec := step.(*ExecStep)
	assert.True(t, isExec)
}
