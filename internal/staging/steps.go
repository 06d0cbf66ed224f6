package staging

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/afero"

	"github.com/bolasblack/rfdeploy/internal/util"
)

// ManifestStep is always run first, whether or not it was requested.
const ManifestStep = "manifest"

// StepContext is what a step sees. OutDir is the bundle tree to transform.
type StepContext struct {
	Env    *util.Env
	OutDir string
	Lang   string
	GitSrc string
	// SimRoot is the simulator firmware directory for simulator targets.
	SimRoot string
}

// Fs is shorthand for Env.Fs.
func (sc *StepContext) Fs() afero.Fs {
	return sc.Env.Fs
}

// Step is one named transform.
type Step interface {
	Name() string
	// Run transforms sc.OutDir in place. Returning a SkipError marks the step
	// skipped rather than failed.
	Run(ctx context.Context, sc *StepContext) error
}

// SkipError reports that a step had nothing to do.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "skipped: " + e.Reason
}

// Skip returns a SkipError.
func Skip(format string, args ...any) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// UnknownStepWarning is recorded for a requested step that is not registered.
type UnknownStepWarning struct {
	Name string
}

func (w *UnknownStepWarning) Error() string {
	return fmt.Sprintf("unknown step %q", w.Name)
}

// Outcome is how a step ended.
type Outcome string

const (
	Ran     Outcome = "ran"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
	Unknown Outcome = "unknown"
)

// StepResult is one entry of RunSteps' output.
type StepResult struct {
	Name    string
	Outcome Outcome
	Err     error
}

// Detail is the skip reason or error text, empty for a clean run.
func (r StepResult) Detail() string {
	var skip *SkipError
	switch {
	case r.Err == nil:
		return ""
	case errors.As(r.Err, &skip):
		return skip.Reason
	default:
		return r.Err.Error()
	}
}

// Registry maps step names to implementations.
type Registry struct {
	steps map[string]Step
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds or replaces a step.
func (r *Registry) Register(s Step) {
	r.steps[s.Name()] = s
}

// Lookup returns the step registered under name.
func (r *Registry) Lookup(name string) (Step, bool) {
	s, ok := r.steps[name]
	return s, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.steps))
	for n := range r.steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Ordered returns names without duplicates, keeping the requested order.
// ManifestStep is prepended only when it was not requested.
func Ordered(names []string) []string {
	out := make([]string, 0, len(names)+1)
	seen := map[string]bool{}
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	if !seen[ManifestStep] {
		out = append([]string{ManifestStep}, out...)
	}
	return out
}
