// Package job defines the core types shared across the tracker subsystems.
package job

import (
	"time"
)

// Status represents the lifecycle state of a remote analysis job.
type Status string

// Job status values reported by the analysis service.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further progress is expected for the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Brief is the job summary returned by the status and creation endpoints.
// The client holds it as a read-only, eventually-consistent view.
type Brief struct {
	ID           int64      `json:"id"`
	SeedInput    string     `json:"seed_input,omitempty"`
	Status       Status     `json:"status"`
	TotalResult  int64      `json:"total_result"`
	SeedResult   int64      `json:"seed_result"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
}

// CreateRequest is the body of the job creation request.
type CreateRequest struct {
	SeedInput string `json:"seed_input"`
}

// ResultKind names one of the result sets a completed job exposes.
type ResultKind string

// Result sets served under /job/{id}/{kind}.
const (
	ResultOverview     ResultKind = "overview"
	ResultCooccurrence ResultKind = "cooccurrence"
	ResultVolume       ResultKind = "volume"
	ResultCompetitors  ResultKind = "competitors"
	ResultUserProfiles ResultKind = "user-profiles"
)

// ResultKinds lists every result set in display order.
func ResultKinds() []ResultKind {
	return []ResultKind{
		ResultOverview,
		ResultCooccurrence,
		ResultVolume,
		ResultCompetitors,
		ResultUserProfiles,
	}
}
