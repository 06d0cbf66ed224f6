package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
)

var (
	// Version, Commit, and Date are set at build time via ldflags
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Persistent flags shared by every subcommand.
var (
	configPath string
	verbosity  int
)

var rootCmd = &cobra.Command{
	Use:   "rfdeploy",
	Short: "Deploy a Lua script bundle to an Ethos radio or the simulator",
	Long: `rfdeploy copies the generated script bundle to the Ethos simulator
directory or to a USB-attached radio.

On a radio it switches the USB mode to mass storage, waits for the scripts
drive to mount, copies the bundle with pacing that FAT on slow media can
keep up with, then switches the radio back to debug mode.`,
	Version:       Version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDeploy,
}

// Execute runs the root command and exits with the error's exit code.
// Per-file copy failures are reported in the summary and do not reach here.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(deployerrors.ExitCode(err))
	}
}

// GetRootCmd returns the root command for documentation generation.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("rfdeploy version %s\ncommit: %s\ndate: %s\n", Version, Commit, Date))

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to deploy.toml (default: ./deploy.toml, then ./.vscode/deploy.toml)")
	pf.CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")

	registerDeployFlags(rootCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(deviceCmd)
}
