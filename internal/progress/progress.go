// Package progress reports per-phase, per-file progress of a deploy.
//
// The deploy packages only see the Reporter interface. The CLI plugs in a
// Terminal reporter; the async Runner adds a Counter that a UI can poll.
package progress

import (
	"sync"
	"sync/atomic"
)

// Reporter receives progress events. Implementations must tolerate Advance
// and Item calls without a preceding Start.
type Reporter interface {
	// Start begins a phase with a known number of items (0 when unknown).
	Start(phase string, total int)
	// Advance marks n items of the current phase as processed.
	Advance(n int)
	// Item reports a single action on a path, e.g. ("copy", "app/main.lua").
	Item(action, path string)
	// Finish ends the current phase.
	Finish()
}

// Nop discards all events.
type Nop struct{}

func (Nop) Start(string, int) {}
func (Nop) Advance(int) {}
func (Nop) Item(string, string) {}
func (Nop) Finish() {}

// Tee fans events out to several reporters. Nil reporters are skipped.
func Tee(reporters ...Reporter) Reporter {
	var rs []Reporter
	for _, r := range reporters {
		if r != nil {
			rs = append(rs, r)
		}
	}
	return tee(rs)
}

type tee []Reporter

func (t tee) Start(phase string, total int) {
	for _, r := range t {
		r.Start(phase, total)
	}
}

func (t tee) Advance(n int) {
	for _, r := range t {
		r.Advance(n)
	}
}

func (t tee) Item(action, path string) {
	for _, r := range t {
		r.Item(action, path)
	}
}

func (t tee) Finish() {
	for _, r := range t {
		r.Finish()
	}
}

// Snapshot is a point-in-time view of a Counter.
type Snapshot struct {
	Phase string
	Done  int64
	Total int64
}

// Counter records progress in atomics so one goroutine can write while
// another polls Snapshot without locking.
type Counter struct {
	phase atomic.Pointer[string]
	done  atomic.Int64
	total atomic.Int64
}

func (c *Counter) Start(phase string, total int) {
	c.phase.Store(&phase)
	c.done.Store(0)
	c.total.Store(int64(total))
}

func (c *Counter) Advance(n int) {
	c.done.Add(int64(n))
}

func (c *Counter) Item(string, string) {}

func (c *Counter) Finish() {}

// Snapshot returns the current phase and counts.
func (c *Counter) Snapshot() Snapshot {
	s := Snapshot{Done: c.done.Load(), Total: c.total.Load()}
	if p := c.phase.Load(); p != nil {
		s.Phase = *p
	}
	return s
}

// Recorder keeps every event; used by tests.
type Recorder struct {
	mu     sync.Mutex
	Phases []string
	Items  []string
	Done   int
}

func (r *Recorder) Start(phase string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Phases = append(r.Phases, phase)
}

func (r *Recorder) Advance(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Done += n
}

func (r *Recorder) Item(action, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Items = append(r.Items, action+" "+path)
}

func (r *Recorder) Finish() {}
