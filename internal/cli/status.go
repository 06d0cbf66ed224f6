package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/logging"
	"github.com/bolasblack/rfdeploy/internal/state"
	"github.com/bolasblack/rfdeploy/internal/util"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last deploy run",
	Long:  `Display the configuration in use and the record of the last deploy run for this checkout.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	closeLog := logging.Setup(verbosity, cmd.ErrOrStderr())
	defer closeLog()

	cwd, err := getCwd()
	if err != nil {
		return err
	}
	return showStatus(cmd.OutOrStdout(), util.NewReadonlyOsEnv(), configPath, cwd)
}

func showStatus(w io.Writer, env *util.Env, explicit, cwd string) error {
	cfg, err := loadConfig(env, explicit, cwd, os.Getenv)
	if deployerrors.IsCode(err, deployerrors.ErrConfigLoad) && explicit == "" {
		fmt.Fprintln(w, "Status: Not initialized")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Run 'rfdeploy init' to create a configuration file.")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Config:  %s\n", cfg.Path)
	fmt.Fprintf(w, "Bundle:  %s\n", util.SourceDir(cfg.GitSrc, cfg.TgtName))
	fmt.Fprintln(w, "")

	run, err := state.Load(env.Fs, cfg.GitSrc)
	if err != nil {
		return fmt.Errorf("failed to load last run: %w", err)
	}
	if run == nil {
		fmt.Fprintln(w, "Last run: none")
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Run 'rfdeploy' to deploy to the simulator, or 'rfdeploy --radio' for a radio.")
		return nil
	}
	renderRun(w, run)
	return nil
}

// renderRun prints a last-run record.
func renderRun(w io.Writer, run *state.Run) {
	target := "simulator"
	if run.Radio {
		target = "radio"
	}
	fmt.Fprintf(w, "Last run: %s\n", run.State)
	fmt.Fprintf(w, "  ID:      %s\n", run.RunID)
	fmt.Fprintf(w, "  Target:  %s (%s)\n", run.Target, target)
	fmt.Fprintf(w, "  Started: %s\n", run.StartedAt.Local().Format(time.DateTime))
	if d := run.Duration(); d > 0 {
		fmt.Fprintf(w, "  Took:    %s\n", d.Round(time.Millisecond))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  Error:   %s\n", run.Error)
	}

	if len(run.Destinations) > 0 {
		copied, deleted, unchanged, failures := run.Totals()
		fmt.Fprintf(w, "  Files:   %d copied, %d deleted, %d unchanged, %d failed\n", copied, deleted, unchanged, failures)
		for _, d := range run.Destinations {
			fmt.Fprintf(w, "  - %s [%s] %s\n", d.Path, d.Mode, d.State)
			for _, f := range d.Failures {
				fmt.Fprintf(w, "      ! %s\n", f)
			}
		}
	}
	for _, s := range run.Steps {
		if s.Detail != "" {
			fmt.Fprintf(w, "  step %s: %s (%s)\n", s.Name, s.Outcome, s.Detail)
		} else {
			fmt.Fprintf(w, "  step %s: %s\n", s.Name, s.Outcome)
		}
	}
}
