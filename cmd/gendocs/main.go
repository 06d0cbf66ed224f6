// Command gendocs generates documentation for the rfdeploy CLI.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/bolasblack/rfdeploy/internal/cli"
	"github.com/bolasblack/rfdeploy/internal/config"
	"github.com/bolasblack/rfdeploy/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: gendocs <markdown|man|completions|env>")
		os.Exit(1)
	}

	cmd := cli.GetRootCmd()

	switch os.Args[1] {
	case "markdown":
		generateMarkdown(cmd)
	case "man":
		generateMan(cmd)
	case "completions":
		generateCompletions(cmd)
	case "env":
		generateEnv()
	default:
		fmt.Printf("Unknown format: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func generateMarkdown(cmd *cobra.Command) {
	dir := "docs/commands"
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("Failed to create directory: %v", err)
	}

	// Add front matter for static site generators
	filePrepender := func(filename string) string {
		name := filepath.Base(filename)
		base := strings.TrimSuffix(name, filepath.Ext(name))
		title := strings.ReplaceAll(base, "_", " ")
		now := time.Now().Format("2006-01-02")
		return fmt.Sprintf(`---
title: "%s"
date: %s
---

`, title, now)
	}

	// Customize links for web usage
	linkHandler := func(name string) string {
		base := strings.TrimSuffix(name, filepath.Ext(name))
		return "./" + base + ".md"
	}

	if err := doc.GenMarkdownTreeCustom(cmd, dir, filePrepender, linkHandler); err != nil {
		log.Fatalf("Failed to generate markdown: %v", err)
	}

	fmt.Printf("Generated markdown documentation in %s/\n", dir)
}

func generateCompletions(cmd *cobra.Command) {
	dir := "out/completions"
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("Failed to create directory: %v", err)
	}

	writeCompletion(filepath.Join(dir, "rfdeploy.bash"), func(f *os.File) error {
		return cmd.GenBashCompletionV2(f, true)
	})
	writeCompletion(filepath.Join(dir, "rfdeploy.zsh"), func(f *os.File) error {
		return cmd.GenZshCompletion(f)
	})
	writeCompletion(filepath.Join(dir, "rfdeploy.fish"), func(f *os.File) error {
		return cmd.GenFishCompletion(f, true)
	})

	fmt.Printf("Generated shell completions in %s/\n", dir)
}

func writeCompletion(path string, gen func(*os.File) error) {
	f, err := os.Create(path)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", path, err)
	}
	if err := gen(f); err != nil {
		_ = f.Close()
		log.Fatalf("Failed to generate %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("Failed to close %s: %v", path, err)
	}
}

func generateMan(cmd *cobra.Command) {
	dir := "out/man"
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("Failed to create directory: %v", err)
	}

	header := &doc.GenManHeader{
		Title:   "RFDEPLOY",
		Section: "1",
		Source:  "rfdeploy",
		Manual:  "rfdeploy Manual",
	}

	if err := doc.GenManTree(cmd, header, dir); err != nil {
		log.Fatalf("Failed to generate man pages: %v", err)
	}

	fmt.Printf("Generated man pages in %s/\n", dir)
}

// generateEnv writes the environment override reference.
func generateEnv() {
	dir := "docs"
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("Failed to create directory: %v", err)
	}

	var b strings.Builder
	b.WriteString("# Environment variables\n\n")
	b.WriteString("Overrides are applied after deploy.toml is loaded.\n\n")
	b.WriteString("| Variable | Overrides | Description |\n|---|---|---|\n")
	for _, v := range config.EnvVars {
		fmt.Fprintf(&b, "| `%s` | `%s` | %s |\n", v.Name, v.Key, v.Description)
	}
	fmt.Fprintf(&b, "| `%s` | - | File that receives a JSON copy of every log line |\n", logging.LogFileEnv)

	path := filepath.Join(dir, "environment.md")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		log.Fatalf("Failed to write %s: %v", path, err)
	}
	fmt.Printf("Generated environment reference in %s\n", path)
}
