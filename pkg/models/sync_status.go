package models

import "time"

// Status is the result of one ingestion step or asset
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// StepOutcome describes one step (history or markets) for one asset
type StepOutcome struct {
	Status   Status `json:"status"`
	Fetched  int    `json:"fetched"`
	Inserted int64  `json:"inserted"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AssetOutcome is the per-asset result of a run
type AssetOutcome struct {
	AssetID    string        `json:"asset_id"`
	Status     Status        `json:"status"`
	History    *StepOutcome  `json:"history,omitempty"`
	Markets    *StepOutcome  `json:"markets,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Resolve derives the asset status from its steps.
// Any failed step fails the asset; otherwise any successful step makes it a success.
func (o *AssetOutcome) Resolve() {
	if o.Error != "" {
		o.Status = StatusFailed
		return
	}
	o.Status = StatusSkipped
	for _, step := range []*StepOutcome{o.History, o.Markets} {
		if step == nil {
			continue
		}
		switch step.Status {
		case StatusFailed:
			o.Status = StatusFailed
			return
		case StatusSuccess:
			o.Status = StatusSuccess
		}
	}
}

// RunSummary aggregates the outcomes of one ingestion run
type RunSummary struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Outcomes   []AssetOutcome `json:"outcomes"`
	Succeeded  int            `json:"succeeded"`
	Skipped    int            `json:"skipped"`
	Failed     int            `json:"failed"`
}

// Tally recounts the status totals from Outcomes
func (s *RunSummary) Tally() {
	s.Succeeded, s.Skipped, s.Failed = 0, 0, 0
	for _, o := range s.Outcomes {
		switch o.Status {
		case StatusSuccess:
			s.Succeeded++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
	}
}

// HasFailures reports whether any asset failed
func (s *RunSummary) HasFailures() bool {
	return s.Failed > 0
}

// FailedAssets lists the ids of failed assets in run order
func (s *RunSummary) FailedAssets() []string {
	var ids []string
	for _, o := range s.Outcomes {
		if o.Status == StatusFailed {
			ids = append(ids, o.AssetID)
		}
	}
	return ids
}
