package domain

import "time"

// InputKind enumerates the supported story inputs.
type InputKind string

const (
	InputKindImage InputKind = "image"
	InputKindAudio InputKind = "audio"
	InputKindText  InputKind = "text"
)

// JobState enumerates the generation lifecycle states written by the
// orchestrator. Clients must not assume this set is closed: unknown state
// strings are treated as non-terminal so newer servers do not break older
// clients.
type JobState string

const (
	JobStateCreated         JobState = "created"
	JobStateCaptioning      JobState = "captioning"
	JobStateTranscribing    JobState = "transcribing"
	JobStateTextGenerating  JobState = "textGenerating"
	JobStateAudioGenerating JobState = "audioGenerating"
	JobStateApproved        JobState = "approved"
	JobStatePendingApproval JobState = "pendingApproval"
	JobStateRejected        JobState = "rejected"
)

// IsTerminal reports whether no further automatic transition occurs from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateApproved, JobStatePendingApproval, JobStateRejected:
		return true
	}
	return false
}

// Payload holds the partial results a job accumulates as it advances.
// Fields are additive; the orchestrator never retracts one.
type Payload struct {
	CaptionText    string `json:"captionText,omitempty"`
	TranscriptText string `json:"transcriptText,omitempty"`
	Title          string `json:"title,omitempty"`
	Body           string `json:"body,omitempty"`
	AudioRef       string `json:"audioRef,omitempty"`
}

// Job is one request to turn an input (image/audio/text) into a narrated
// story. State is the only field the orchestrator mutates along the
// lifecycle; IsFavorite toggles independently of generation.
type Job struct {
	ID           string    `json:"id"`
	OwnerKey     string    `json:"ownerKey"`
	InputKind    InputKind `json:"inputKind"`
	State        JobState  `json:"state"`
	Language     string    `json:"language"`
	Payload      Payload   `json:"payload"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	IsFavorite   bool      `json:"isFavorite"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`

	// InputRef/InputMIME locate the raw uploaded input (image bytes) in the
	// blob store for the orchestrator. Not part of the client snapshot.
	InputRef  string `json:"-"`
	InputMIME string `json:"-"`
}

// stateRank orders the lifecycle for monotonicity checks. Terminal states
// share the highest rank.
var stateRank = map[JobState]int{
	JobStateCreated:         0,
	JobStateCaptioning:      1,
	JobStateTranscribing:    1,
	JobStateTextGenerating:  2,
	JobStateAudioGenerating: 3,
	JobStateApproved:        4,
	JobStatePendingApproval: 4,
	JobStateRejected:        4,
}

// CanTransition reports whether moving from -> to respects the monotonic
// state graph. Rejection is reachable from any non-terminal state, and a
// parental decision may move pendingApproval to approved or rejected.
func CanTransition(from, to JobState) bool {
	if from == to {
		return false
	}
	if from.IsTerminal() {
		return from == JobStatePendingApproval && (to == JobStateApproved || to == JobStateRejected)
	}
	if to == JobStateRejected {
		return true
	}
	fromRank, ok := stateRank[from]
	if !ok {
		return false
	}
	toRank, ok := stateRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}
