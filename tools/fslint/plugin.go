package fslint

import (
	"github.com/golangci/plugin-module-register/register"
	"golang.org/x/tools/go/analysis"
)

func init() {
	register.Plugin("fslint", New)
}

// New creates the golangci-lint plugin.
func New(settings any) (register.LinterPlugin, error) {
	s, err := register.DecodeSettings[PluginSettings](settings)
	if err != nil {
		return nil, err
	}
	return &fslintPlugin{settings: s}, nil
}

// PluginSettings are read from the custom linter block in .golangci.yml.
type PluginSettings struct {
	Config string `json:"config"`
	// SkipTests overrides skip_tests from the config file when set.
	SkipTests *bool `json:"skip-tests"`
}

type fslintPlugin struct {
	settings PluginSettings
}

func (p *fslintPlugin) BuildAnalyzers() ([]*analysis.Analyzer, error) {
	configFile = p.settings.Config
	skipTestsOverride = p.settings.SkipTests
	return []*analysis.Analyzer{Analyzer}, nil
}

// LoadModeSyntax is enough: imports are resolved from the file's import specs.
func (p *fslintPlugin) GetLoadMode() string {
	return register.LoadModeSyntax
}
