package config

import (
	"fmt"
	"path/filepath"
	"sort"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
)

// loadWithIncludes decodes path onto cfg after its includes.
// Includes are processed depth-first in the order listed, so the including
// file always wins. Scalars and tables overlay; steps merge by name.
func loadWithIncludes(fs afero.Fs, path string, cfg *Config, visited map[string]bool) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	if visited[absPath] {
		return fmt.Errorf("circular include detected: %s", path)
	}
	visited[absPath] = true

	data, err := afero.ReadFile(fs, absPath)
	if err != nil {
		return err
	}

	var header struct {
		Includes []string `toml:"includes"`
	}
	if err := toml.Unmarshal(data, &header); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	baseDir := filepath.Dir(absPath)
	for _, includePattern := range header.Includes {
		resolvedPattern := includePattern
		if !filepath.IsAbs(includePattern) {
			resolvedPattern = filepath.Join(baseDir, includePattern)
		}

		matchedFiles, err := expandGlob(fs, resolvedPattern)
		if err != nil {
			return fmt.Errorf("failed to expand glob %s: %w", includePattern, err)
		}

		for _, includePath := range matchedFiles {
			if err := loadWithIncludes(fs, includePath, cfg, visited); err != nil {
				return fmt.Errorf("failed to load include %s: %w", includePath, err)
			}
		}
	}

	return decodeOnto(data, absPath, cfg)
}

// decodeOnto decodes data over cfg, keeping fields the file does not set.
func decodeOnto(data []byte, path string, cfg *Config) error {
	steps := cfg.Steps
	cfg.Steps = nil
	if err := toml.Unmarshal(data, cfg); err != nil {
		cfg.Steps = steps
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	merged := make(map[string]StepConfig, len(steps)+len(cfg.Steps))
	for name, step := range steps {
		merged[name] = step
	}
	for name, step := range cfg.Steps {
		merged[name] = step
	}
	cfg.Steps = merged
	return nil
}

// isGlobPattern checks if the pattern contains glob special characters.
func isGlobPattern(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// expandGlob expands a glob pattern and returns sorted matched files.
// For literal paths (no glob characters), returns error if file doesn't exist.
// For glob patterns, returns empty slice if no files match.
func expandGlob(fs afero.Fs, pattern string) ([]string, error) {
	if !isGlobPattern(pattern) {
		if _, err := fs.Stat(pattern); err != nil {
			return nil, err
		}
		return []string{pattern}, nil
	}

	matches, err := afero.Glob(fs, pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
