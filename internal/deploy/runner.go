package deploy

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bolasblack/rfdeploy/internal/progress"
)

// Snapshot is a point-in-time view of a running deploy.
type Snapshot struct {
	State State
	progress.Snapshot
}

// Runner runs an Orchestrator on a worker goroutine so a UI can poll it.
// The worker is the only writer; Snapshot reads atomics and never blocks it.
type Runner struct {
	orch    *Orchestrator
	counter *progress.Counter
	cancel  context.CancelFunc
	group   *errgroup.Group

	mu     sync.Mutex
	result *Result
}

// Start launches the deploy described by dc. The counter is teed into the
// context's reporter.
func Start(ctx context.Context, dc *DeployContext) *Runner {
	counter := &progress.Counter{}
	cp := *dc
	if cp.Reporter == nil {
		cp.Reporter = counter
	} else {
		cp.Reporter = progress.Tee(cp.Reporter, counter)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	r := &Runner{orch: New(&cp), counter: counter, cancel: cancel, group: g}
	g.Go(func() error {
		res, err := r.orch.Run(gctx)
		r.mu.Lock()
		r.result = res
		r.mu.Unlock()
		return err
	})
	return r
}

// Cancel asks the worker to stop at the next item boundary.
func (r *Runner) Cancel() {
	r.cancel()
}

// Wait blocks until the worker exits and returns its result.
func (r *Runner) Wait() (*Result, error) {
	err := r.group.Wait()
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, err
}

// Snapshot returns the orchestrator state and progress counts.
func (r *Runner) Snapshot() Snapshot {
	return Snapshot{State: r.orch.State(), Snapshot: r.counter.Snapshot()}
}
