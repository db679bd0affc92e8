package reconcile

import "time"

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeProtected Outcome = "protected"
)

type Phase string

const (
	PhaseUpsert Phase = "upsert"
	PhaseDelete Phase = "delete"
	PhaseHeal   Phase = "heal"
)

// RecordResult is the typed result of one record in one phase.
type RecordResult struct {
	Phase      Phase   `json:"phase"`
	ExternalID string  `json:"external_id,omitempty"`
	LocalID    int64   `json:"local_id,omitempty"`
	Outcome    Outcome `json:"outcome"`
	Reason     string  `json:"reason,omitempty"`
}

// Summary aggregates one reconciliation pass.
type Summary struct {
	Synced  int `json:"synced"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`

	Errors  []string       `json:"errors"`
	Results []RecordResult `json:"results,omitempty"`

	// FailedScans lists ledger status filters whose scan did not complete.
	FailedScans []string `json:"failed_scans,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (s *Summary) add(r RecordResult) {
	s.Results = append(s.Results, r)

	switch r.Outcome {
	case OutcomeCreated:
		s.Created++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeDeleted:
		s.Deleted++
	case OutcomeSkipped:
		s.Skipped++
	}
	if r.Phase == PhaseUpsert && r.Outcome != OutcomeFailed {
		s.Synced++
	}
}

func (s *Summary) fail(r RecordResult, msg string) {
	r.Outcome = OutcomeFailed
	if r.Reason == "" {
		r.Reason = msg
	}
	s.add(r)
	s.Errors = append(s.Errors, msg)
}

// HasErrors reports whether any record or scan failed.
func (s *Summary) HasErrors() bool {
	return len(s.Errors) > 0
}
