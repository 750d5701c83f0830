package services

import (
	"sync"
	"time"

	"solar-history/internal/models"
	"solar-history/pkg/metrics"
)

// ProgressSnapshot is a point-in-time view of a download run
type ProgressSnapshot struct {
	RunID         string     `json:"run_id,omitempty"`
	State         string     `json:"state"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	SiteID        string     `json:"site_id,omitempty"`
	Kind          string     `json:"kind,omitempty"`
	Period        string     `json:"period,omitempty"`
	SitesTotal    int        `json:"sites_total"`
	SitesDone     int        `json:"sites_done"`
	PeriodsSeen   int        `json:"periods_seen"`
	PeriodsFetch  int        `json:"periods_fetched"`
	PeriodsSkip   int        `json:"periods_skipped"`
	PeriodsFailed int        `json:"periods_failed"`
	LastError     string     `json:"last_error,omitempty"`
}

// Run states reported by Progress
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateFinished = "finished"
	StateFailed   = "failed"
)

// Progress is shared between the sequential download and the status
// server. A nil *Progress ignores every update.
type Progress struct {
	mu   sync.RWMutex
	snap ProgressSnapshot
}

// NewProgress returns an idle progress tracker
func NewProgress() *Progress {
	return &Progress{snap: ProgressSnapshot{State: StateIdle}}
}

// Snapshot returns a copy of the current progress
func (p *Progress) Snapshot() ProgressSnapshot {
	if p == nil {
		return ProgressSnapshot{State: StateIdle}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

func (p *Progress) start(runID string, sites int, at time.Time) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = ProgressSnapshot{RunID: runID, State: StateRunning, StartedAt: &at, SitesTotal: sites}
}

func (p *Progress) site(siteID string, kind models.SeriesKind) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.SiteID = siteID
	p.snap.Kind = kind.String()
	p.snap.Period = ""
}

func (p *Progress) siteDone(err error) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.SitesDone++
	if err != nil {
		p.snap.LastError = err.Error()
	}
}

func (p *Progress) period(siteID string, period models.Period, outcome string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.SiteID = siteID
	p.snap.Kind = period.Kind.String()
	p.snap.Period = period.Label()
	p.snap.PeriodsSeen++
	switch outcome {
	case metrics.OutcomeFetched:
		p.snap.PeriodsFetch++
	case metrics.OutcomeSkipped:
		p.snap.PeriodsSkip++
	case metrics.OutcomeFailed:
		p.snap.PeriodsFailed++
	}
}

func (p *Progress) finish(err error, at time.Time) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.FinishedAt = &at
	p.snap.State = StateFinished
	if err != nil {
		p.snap.State = StateFailed
		p.snap.LastError = err.Error()
	}
}
