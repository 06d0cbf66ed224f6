// Package cli implements the rfdeploy command-line interface.
package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bolasblack/rfdeploy/internal/config"
	"github.com/bolasblack/rfdeploy/internal/util"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a deploy.toml in the current directory",
	Long:  `Create a deploy.toml configuration file in the current directory. Everything not written falls back to the built-in defaults.`,
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, _ []string) error {
	cwd, err := getCwd()
	if err != nil {
		return err
	}
	env := util.NewOsEnv()
	configPath := filepath.Join(cwd, config.ConfigFilename)

	if _, err := env.Fs.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists: %s", configPath)
	}

	tgtName := guessTgtName(env.Fs, cwd)
	var selectedTemplate string
	err = huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Bundle name").
			Description("Directory under src/ to deploy").
			Value(&tgtName).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return fmt.Errorf("bundle name is required")
				}
				return nil
			}),
		huh.NewSelect[string]().
			Title("Select a template").
			Options(
				huh.NewOption("Minimal - HID mode switching only", string(config.TemplateMinimal)),
				huh.NewOption("Ethos Suite - switch modes through an Ethos Suite install", string(config.TemplateEthosSuite)),
			).
			Value(&selectedTemplate),
	)).Run()
	if err != nil {
		return fmt.Errorf("init cancelled: %w", err)
	}

	if err := writeInitConfig(env.Fs, configPath, config.Template(selectedTemplate), strings.TrimSpace(tgtName)); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	progressDone(out, "Created %s\n", configPath)
	fmt.Fprintln(out, "Edit this file to customize pacing, steps and device settings.")
	return nil
}

func writeInitConfig(fs afero.Fs, path string, template config.Template, tgtName string) error {
	content, err := config.GenerateConfig(template, tgtName)
	if err != nil {
		return fmt.Errorf("failed to generate configuration: %w", err)
	}
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	return nil
}

// guessTgtName returns the only directory under src/, if there is exactly one.
func guessTgtName(fs afero.Fs, dir string) string {
	entries, err := afero.ReadDir(fs, filepath.Join(dir, util.SourceSubdir))
	if err != nil {
		return ""
	}
	var name string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if name != "" {
			return ""
		}
		name = e.Name()
	}
	return name
}
