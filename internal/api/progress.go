package api

import (
	"sync"
	"time"

	"github.com/alekkss/avito/internal/publish"
)

// Stage names reported while a run is active.
const (
	StageScrape    = "scrape"
	StageNormalize = "normalize"
	StageExport    = "export"
	StagePublish   = "publish"
)

// RunStatus is the snapshot served by /v1/runs/current.
type RunStatus struct {
	RunID     string              `json:"run_id,omitempty"`
	Command   string              `json:"command,omitempty"`
	Running   bool                `json:"running"`
	Stage     string              `json:"stage,omitempty"`
	StartedAt time.Time           `json:"started_at,omitzero"`
	Last      *publish.RunSummary `json:"last,omitempty"`
}

// Progress tracks the active run. The zero value is ready to use.
type Progress struct {
	mu     sync.RWMutex
	status RunStatus
}

// Begin marks a run as started.
func (p *Progress) Begin(runID, command string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.RunID = runID
	p.status.Command = command
	p.status.Running = true
	p.status.Stage = ""
	p.status.StartedAt = at
}

// Stage records the stage the active run entered.
func (p *Progress) Stage(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Stage = name
}

// Finish marks the run as done and keeps its summary.
func (p *Progress) Finish(summary publish.RunSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Running = false
	p.status.Stage = ""
	p.status.Last = &summary
}

// Snapshot returns a copy of the current status.
func (p *Progress) Snapshot() RunStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := p.status
	if out.Last != nil {
		last := *out.Last
		out.Last = &last
	}
	return out
}
