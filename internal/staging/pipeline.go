package staging

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	deployerrors "github.com/bolasblack/rfdeploy/internal/errors"
	"github.com/bolasblack/rfdeploy/internal/logging"
)

// Pipeline runs requested steps from a registry.
type Pipeline struct {
	registry *Registry
	// strictManifest turns a manifest failure into an error.
	strictManifest bool
	log            zerolog.Logger
}

// NewPipeline returns a Pipeline over r.
func NewPipeline(r *Registry, strictManifest bool) *Pipeline {
	return &Pipeline{registry: r, strictManifest: strictManifest, log: logging.Get("staging")}
}

// RunSteps runs the requested steps in order, with the manifest step first
// unless it was requested explicitly.
// Unknown names and failing steps are recorded in the results and the run
// continues. The only error returned is cancellation, or the manifest step
// failing under strict_manifest.
func (p *Pipeline) RunSteps(ctx context.Context, names []string, sc *StepContext) ([]StepResult, error) {
	var results []StepResult
	for _, name := range Ordered(names) {
		if err := ctx.Err(); err != nil {
			return results, deployerrors.Wrap(err, deployerrors.ErrCancelled, "steps cancelled")
		}

		step, ok := p.registry.Lookup(name)
		if !ok {
			w := &UnknownStepWarning{Name: name}
			if name != ManifestStep {
				p.log.Warn().Str("step", name).Msg("unknown step, skipping")
			}
			results = append(results, StepResult{Name: name, Outcome: Unknown, Err: w})
			continue
		}

		err := step.Run(ctx, sc)
		var skip *SkipError
		switch {
		case err == nil:
			p.log.Info().Str("step", name).Msg("step finished")
			results = append(results, StepResult{Name: name, Outcome: Ran})
		case errors.As(err, &skip):
			p.log.Info().Str("step", name).Str("reason", skip.Reason).Msg("step skipped")
			results = append(results, StepResult{Name: name, Outcome: Skipped, Err: err})
		default:
			if ctx.Err() != nil {
				return results, deployerrors.Wrap(ctx.Err(), deployerrors.ErrCancelled, "steps cancelled")
			}
			p.log.Error().Err(err).Str("step", name).Msg("step failed")
			results = append(results, StepResult{Name: name, Outcome: Failed, Err: err})
			if name == ManifestStep && p.strictManifest {
				return results, deployerrors.Wrap(err, deployerrors.ErrStepFailed, "manifest step failed").
					WithDetail("step", name)
			}
		}
	}
	return results, nil
}
