// Package state records the outcome of the last deploy in the source
// checkout (.rfdeploy/last-run.json) so `rfdeploy status` can show it.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/bolasblack/rfdeploy/internal/util"
)

// CurrentVersion is the record format version.
const CurrentVersion = "1"

// DestinationResult is the per-destination part of a run.
type DestinationResult struct {
	Path      string   `json:"path"`
	Mode      string   `json:"mode"`
	State     string   `json:"state"`
	Copied    int      `json:"copied"`
	Deleted   int      `json:"deleted"`
	Unchanged int      `json:"unchanged"`
	Failures  []string `json:"failures,omitempty"`
}

// StepResult records how a transform step ended.
type StepResult struct {
	Name    string `json:"name"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// Run is the persisted record of one deploy.
type Run struct {
	Version      string              `json:"version"`
	RunID        string              `json:"run_id"`
	Target       string              `json:"target"`
	Radio        bool                `json:"radio"`
	StartedAt    time.Time           `json:"started_at"`
	EndedAt      time.Time           `json:"ended_at,omitempty"`
	State        string              `json:"state"`
	Error        string              `json:"error,omitempty"`
	Destinations []DestinationResult `json:"destinations,omitempty"`
	Steps        []StepResult        `json:"steps,omitempty"`
}

// NewRun starts a record with a fresh run ID.
func NewRun(target string, radio bool) *Run {
	return &Run{
		Version:   CurrentVersion,
		RunID:     uuid.New().String(),
		Target:    target,
		Radio:     radio,
		StartedAt: time.Now(),
	}
}

// Duration is EndedAt - StartedAt, or zero while running.
func (r *Run) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Totals sums the destination counters.
func (r *Run) Totals() (copied, deleted, unchanged, failures int) {
	for _, d := range r.Destinations {
		copied += d.Copied
		deleted += d.Deleted
		unchanged += d.Unchanged
		failures += len(d.Failures)
	}
	return
}

// Load reads the last-run record of a checkout.
// Returns nil and no error if there is none yet.
func Load(fs afero.Fs, gitSrc string) (*Run, error) {
	data, err := afero.ReadFile(fs, util.LastRunPath(gitSrc))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read last-run record: %w", err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse last-run record: %w", err)
	}
	return &run, nil
}

// Save writes the record, creating .rfdeploy if needed. The file is written
// to a temp name and renamed so a crash never leaves half a record.
func Save(fs afero.Fs, gitSrc string, run *Run) error {
	path := util.LastRunPath(gitSrc)
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal last-run record: %w", err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write last-run record: %w", err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write last-run record: %w", err)
	}
	return nil
}

// Delete removes the record. A missing file is not an error.
func Delete(fs afero.Fs, gitSrc string) error {
	err := fs.Remove(util.LastRunPath(gitSrc))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete last-run record: %w", err)
	}
	return nil
}
