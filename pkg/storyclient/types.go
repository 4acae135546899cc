package storyclient

import "time"

// Payload carries the partial results a job accumulates while generating.
type Payload struct {
	CaptionText    string `json:"captionText,omitempty"`
	TranscriptText string `json:"transcriptText,omitempty"`
	Title          string `json:"title,omitempty"`
	Body           string `json:"body,omitempty"`
	AudioRef       string `json:"audioRef,omitempty"`
}

// Job is the client-side snapshot of a generation job.
type Job struct {
	ID           string    `json:"id"`
	OwnerKey     string    `json:"ownerKey"`
	InputKind    string    `json:"inputKind"`
	State        string    `json:"state"`
	Language     string    `json:"language"`
	Payload      Payload   `json:"payload"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	IsFavorite   bool      `json:"isFavorite"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Outcome is the terminal classification of a generation attempt. Callers
// always receive one of these four; polling never surfaces a raw error.
type Outcome string

const (
	// OutcomeApproved is immediate success: the story is ready to play.
	OutcomeApproved Outcome = "approved"
	// OutcomePendingApproval is deferred success: the story is complete but
	// held for a parent's decision.
	OutcomePendingApproval Outcome = "pendingApproval"
	// OutcomeRejected means generation failed or the story was declined.
	OutcomeRejected Outcome = "rejected"
	// OutcomeTimedOut means the attempt cap was exhausted before a terminal
	// state appeared. The result still carries the last-known snapshot so
	// callers can show partial progress.
	OutcomeTimedOut Outcome = "timedOut"
)

// Result is the single awaitable outcome of a generation attempt.
type Result struct {
	Outcome Outcome
	// Job is the last observed snapshot. Nil only when the very first poll
	// never succeeded before timing out.
	Job *Job
}

// Succeeded reports whether the story was fully generated, whether or not
// it still awaits parental approval.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeApproved || r.Outcome == OutcomePendingApproval
}

// classify buckets a server state string. Unknown states are non-terminal
// so newer servers cannot break older clients.
func classify(state string) (Outcome, bool) {
	switch state {
	case "approved":
		return OutcomeApproved, true
	case "pendingApproval":
		return OutcomePendingApproval, true
	case "rejected":
		return OutcomeRejected, true
	}
	return "", false
}
