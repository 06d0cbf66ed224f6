// Package fslint reports direct filesystem calls in packages that are
// expected to go through an afero.Fs, so that their logic stays testable on
// an in-memory filesystem.
package fslint

import (
	"fmt"
	"go/ast"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/tools/go/analysis"
)

var (
	configFile        string
	skipTestsOverride *bool
)

// Config represents the fslint configuration.
type Config struct {
	ScanDirs        []string            `toml:"scan_dirs"`
	AllowedPackages []string            `toml:"allowed_packages"`
	ForbiddenCalls  map[string][]string `toml:"forbidden_calls"`
	// AllowedCalls exempts single calls per package, keyed by package
	// pattern, e.g. "internal/cli" = ["os.Getwd"].
	AllowedCalls map[string][]string `toml:"allowed_calls"`
	// SkipTests leaves _test.go files alone; tests may use t.TempDir and os.
	SkipTests bool `toml:"skip_tests"`
}

// Analyzer is the fslint analyzer.
var Analyzer = &analysis.Analyzer{
	Name: "fslint",
	Doc:  "reports direct filesystem calls in packages that must use env.Fs",
	Run:  run,
}

func init() {
	Analyzer.Flags.StringVar(&configFile, "config", "", "path to fslint config file (required)")
}

func loadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required (use -config flag)")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if skipTestsOverride != nil {
		cfg.SkipTests = *skipTestsOverride
	}

	return &cfg, nil
}

// rules is the per-package view of a Config.
type rules struct {
	forbidden map[string]map[string]bool // import path -> func
	allowed   map[string]bool            // "pkg.Func" as written with the import's default name
}

func (c *Config) rulesFor(pkgPath string) rules {
	r := rules{forbidden: make(map[string]map[string]bool), allowed: make(map[string]bool)}
	for pkg, funcs := range c.ForbiddenCalls {
		r.forbidden[pkg] = make(map[string]bool)
		for _, fn := range funcs {
			r.forbidden[pkg][fn] = true
		}
	}
	for pattern, calls := range c.AllowedCalls {
		if !matchesPackagePath(pkgPath, pattern) {
			continue
		}
		for _, call := range calls {
			r.allowed[call] = true
		}
	}
	return r
}

func (r rules) check(importPath, funcName string) bool {
	funcs, ok := r.forbidden[importPath]
	if !ok || !funcs[funcName] {
		return false
	}
	return !r.allowed[defaultName(importPath)+"."+funcName]
}

func run(pass *analysis.Pass) (interface{}, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}

	pkgPath := pass.Pkg.Path()
	if !shouldScanPackage(pkgPath, cfg.ScanDirs) || isAllowedPackage(pkgPath, cfg.AllowedPackages) {
		return nil, nil
	}
	r := cfg.rulesFor(pkgPath)

	for _, file := range pass.Files {
		if cfg.SkipTests && strings.HasSuffix(pass.Fset.File(file.Pos()).Name(), "_test.go") {
			continue
		}
		imports := buildImportMap(file)

		ast.Inspect(file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok {
				return true
			}
			sel, ok := call.Fun.(*ast.SelectorExpr)
			if !ok {
				return true
			}
			ident, ok := sel.X.(*ast.Ident)
			if !ok {
				return true
			}
			importPath, ok := imports[ident.Name]
			if !ok {
				return true
			}

			if r.check(importPath, sel.Sel.Name) {
				pass.Reportf(call.Pos(), "direct filesystem operation %s.%s is not allowed in this package (use env.Fs instead)", ident.Name, sel.Sel.Name)
			}
			return true
		})
	}

	return nil, nil
}

// shouldScanPackage checks if the package path should be scanned based on scan_dirs config.
func shouldScanPackage(pkgPath string, scanDirs []string) bool {
	for _, dir := range scanDirs {
		if strings.Contains(pkgPath, "/"+dir) || strings.HasPrefix(pkgPath, dir) {
			return true
		}
	}
	return false
}

// isAllowedPackage checks if pkgPath matches any allowed package or is a subpackage of it.
func isAllowedPackage(pkgPath string, allowedPackages []string) bool {
	for _, allowed := range allowedPackages {
		if matchesPackagePath(pkgPath, allowed) {
			return true
		}
	}
	return false
}

// matchesPackagePath checks if pkgPath matches the pattern or is a subpackage of it.
// Pattern examples: "internal/lock", "internal/logging"
func matchesPackagePath(pkgPath, pattern string) bool {
	return strings.HasSuffix(pkgPath, "/"+pattern) ||
		strings.Contains(pkgPath, "/"+pattern+"/") ||
		pkgPath == pattern ||
		strings.HasPrefix(pkgPath, pattern+"/")
}

// defaultName is the identifier an import is known by without an alias.
func defaultName(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

// buildImportMap builds a map from import alias to package path.
func buildImportMap(file *ast.File) map[string]string {
	imports := make(map[string]string)
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		name := defaultName(path)
		if imp.Name != nil {
			name = imp.Name.Name
		}
		imports[name] = path
	}
	return imports
}
