// generator.go provides config templates for rfdeploy init.
//
// init only writes what has no default (tgt_name) plus a few commented hints;
// everything else falls back to DefaultConfig.

package config

import (
	"bytes"
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Template represents a configuration template type.
type Template string

const (
	// TemplateMinimal writes only the bundle name.
	TemplateMinimal Template = "minimal"
	// TemplateEthosSuite also points at an Ethos Suite install for mode switching.
	TemplateEthosSuite Template = "ethossuite"
)

// templateFile is the subset of Config written by init.
type templateFile struct {
	TgtName       string `toml:"tgt_name"`
	EthosSuiteBin string `toml:"ethossuite_bin,omitempty"`
	Language      string `toml:"lang,omitempty"`
}

// TemplateConfig holds the fields and the comment placed above tgt_name.
type TemplateConfig struct {
	File    templateFile
	Comment string
}

// GenerateConfig returns the TOML content for the given template.
func GenerateConfig(template Template, tgtName string) (string, error) {
	tc := getTemplateConfig(template, tgtName)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(tc.File); err != nil {
		return "", fmt.Errorf("encode template: %w", err)
	}

	content := buf.String()
	if tc.Comment != "" {
		content = insertComment(content, "tgt_name", tc.Comment)
	}
	return SchemaComment + content, nil
}

func getTemplateConfig(template Template, tgtName string) TemplateConfig {
	switch template {
	case TemplateEthosSuite:
		return TemplateConfig{
			File: templateFile{
				TgtName:       tgtName,
				EthosSuiteBin: "/opt/ethossuite/ethossuite",
				Language:      "en",
			},
			Comment: "bundle copied from src/<tgt_name>; ethossuite_bin must be 1.7.0 or newer",
		}
	default:
		return TemplateConfig{
			File:    templateFile{TgtName: tgtName},
			Comment: "bundle copied from src/<tgt_name>",
		}
	}
}

// insertComment inserts a comment line before the first line assigning key.
func insertComment(content, key, comment string) string {
	lines := strings.Split(content, "\n")
	result := make([]string, 0, len(lines)+1)
	inserted := false

	for _, line := range lines {
		if !inserted && strings.HasPrefix(strings.TrimSpace(line), key) {
			result = append(result, "# "+comment)
			inserted = true
		}
		result = append(result, line)
	}

	return strings.Join(result, "\n")
}
