package staging

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/bolasblack/rfdeploy/internal/config"
	"github.com/bolasblack/rfdeploy/internal/logging"
	"github.com/bolasblack/rfdeploy/internal/plan"
	"github.com/bolasblack/rfdeploy/internal/throttle"
)

// DefaultRegistry registers the built-in steps plus one exec step per
// [steps.<name>] table. A configured step replaces a built-in of the same name.
func DefaultRegistry(cfg config.Config) *Registry {
	r := NewRegistry()
	r.Register(SoundpackStep{})
	r.Register(SensorsStep{})
	for name, sc := range cfg.Steps {
		r.Register(&ExecStep{StepName: name, Command: sc.Command, Requires: sc.Requires})
	}
	return r
}

// Placeholders returns the values substituted into exec step arguments.
func Placeholders(sc *StepContext) map[string]string {
	return map[string]string{
		"out_dir":      sc.OutDir,
		"lang":         sc.Lang,
		"git_src":      sc.GitSrc,
		"manifest_out": manifestOutput(sc.Fs(), sc.OutDir),
		"i18n_json":    i18nDictionary(sc),
	}
}

// Expand replaces {name} placeholders in s.
func Expand(s string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// manifestOutput is app/modules/manifest.lua, under rfsuite/ when the bundle
// nests its sources there.
func manifestOutput(fs afero.Fs, outDir string) string {
	if ok, _ := afero.DirExists(fs, filepath.Join(outDir, "rfsuite")); ok {
		return filepath.Join(outDir, "rfsuite", "app", "modules", "manifest.lua")
	}
	return filepath.Join(outDir, "app", "modules", "manifest.lua")
}

// i18nDictionary prefers the bundle's own i18n/<lang>.json and falls back to
// the checkout's copy.
func i18nDictionary(sc *StepContext) string {
	staged := filepath.Join(sc.OutDir, "i18n", sc.Lang+".json")
	if ok, _ := afero.Exists(sc.Fs(), staged); ok {
		return staged
	}
	return filepath.Join(sc.GitSrc, "scripts", "rfsuite", "i18n", sc.Lang+".json")
}

// ExecStep runs an external command. It is skipped when any of Requires is
// missing after placeholder expansion.
type ExecStep struct {
	StepName string
	Command  []string
	Requires []string
}

func (s *ExecStep) Name() string { return s.StepName }

func (s *ExecStep) Run(ctx context.Context, sc *StepContext) error {
	if len(s.Command) == 0 {
		return Skip("no command configured")
	}
	vars := Placeholders(sc)
	for _, req := range s.Requires {
		p := Expand(req, vars)
		if ok, _ := afero.Exists(sc.Fs(), p); !ok {
			return Skip("%s not found", p)
		}
	}

	argv := make([]string, len(s.Command))
	for i, a := range s.Command {
		argv[i] = Expand(a, vars)
	}
	if strings.Contains(strings.Join(s.Command, " "), "{manifest_out}") {
		if err := sc.Fs().MkdirAll(filepath.Dir(vars["manifest_out"]), 0o755); err != nil {
			return fmt.Errorf("failed to create manifest directory: %w", err)
		}
	}

	log := logging.Get("step")
	log.Debug().Str("step", s.StepName).Strs("argv", argv).Msg("running")
	out, err := sc.Env.Cmd.RunContext(ctx, sc.GitSrc, argv[0], argv[1:]...)
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w\n%s", argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	if msg := strings.TrimSpace(string(out)); msg != "" {
		log.Debug().Str("step", s.StepName).Msg(msg)
	}
	return nil
}

// SoundpackStep copies <git_src>/bin/sound-generator/soundpack/<lang> into
// <out_dir>/audio/<lang>, only updating changed files and never deleting.
type SoundpackStep struct{}

func (SoundpackStep) Name() string { return "soundpack" }

func (SoundpackStep) Run(ctx context.Context, sc *StepContext) error {
	src := filepath.Join(sc.GitSrc, "bin", "sound-generator", "soundpack", sc.Lang)
	if ok, _ := afero.DirExists(sc.Fs(), src); !ok {
		return Skip("soundpack not found at %s", src)
	}
	dst := filepath.Join(sc.OutDir, "audio", sc.Lang)

	opts := plan.DefaultOptions()
	opts.DeleteStale = false
	p, err := plan.New(sc.Fs(), opts).Compute(ctx, src, dst)
	if err != nil {
		return err
	}
	copier := throttle.New(sc.Fs(), throttle.Plain())
	for _, pair := range p.ToCopy {
		if err := copier.CopyFile(ctx, pair.Src, pair.Dst); err != nil {
			return fmt.Errorf("failed to copy %s: %w", pair.RelPath, err)
		}
	}
	log := logging.Get("step")
	log.Info().Int("copied", len(p.ToCopy)).Int("unchanged", p.Unchanged).Str("lang", sc.Lang).Msg("soundpack updated")
	return nil
}

// SensorsStep seeds the simulator root with .vscode/sensors.json. An
// existing file is left untouched.
type SensorsStep struct{}

func (SensorsStep) Name() string { return "sensors" }

func (SensorsStep) Run(ctx context.Context, sc *StepContext) error {
	src := filepath.Join(sc.GitSrc, ".vscode", "sensors.json")
	if ok, _ := afero.Exists(sc.Fs(), src); !ok {
		return Skip("no sensors.json at %s", src)
	}
	if sc.SimRoot == "" {
		return Skip("not a simulator target")
	}
	dst := filepath.Join(sc.SimRoot, "sensors.json")
	if ok, _ := afero.Exists(sc.Fs(), dst); ok {
		return Skip("sensors.json already present")
	}
	return throttle.New(sc.Fs(), throttle.Plain()).CopyFile(ctx, src, dst)
}
