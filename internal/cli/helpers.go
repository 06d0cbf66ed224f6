package cli

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/bolasblack/rfdeploy/internal/config"
	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/util"
)

// ErrMsgConfigNotFound is shown when no deploy.toml can be found.
const ErrMsgConfigNotFound = "configuration not found: run 'rfdeploy init' first"

// resolveConfigPath returns --config when given, otherwise the discovered
// deploy.toml under cwd.
func resolveConfigPath(env *util.Env, explicit, cwd string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	p, err := config.Discover(env.Fs, cwd)
	if err != nil {
		return "", deployerrors.Wrap(err, deployerrors.ErrConfigLoad, ErrMsgConfigNotFound)
	}
	return p, nil
}

// loadConfig resolves, loads and validates the configuration, then applies
// environment overrides.
func loadConfig(env *util.Env, explicit, cwd string, getenv func(string) string) (config.Config, error) {
	p, err := resolveConfigPath(env, explicit, cwd)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.LoadConfig(env.Fs, p)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// getCwd returns the current working directory or an error.
func getCwd() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return cwd, nil
}

// stdinIsTerminal reports whether prompts can be shown.
func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// confirm asks a yes/no question. assumeYes skips the prompt; without a
// terminal the answer is no.
func confirm(title string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !stdinIsTerminal() {
		return false, nil
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, fmt.Errorf("prompt cancelled: %w", err)
	}
	return ok, nil
}

// printError writes err and any structured details, sorted by key.
func printError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err)
	var de *deployerrors.DeployError
	if !errors.As(err, &de) || len(de.Details) == 0 {
		return
	}
	for _, k := range slices.Sorted(maps.Keys(de.Details)) {
		fmt.Fprintf(w, "  %s: %v\n", k, de.Details[k])
	}
}

var progressStep = util.ProgressStep

var progressDone = util.ProgressDone
