package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for story generation jobs. State is
// written exclusively through UpdateState and FinishGeneration so the
// monotonic lifecycle can be enforced in one place; payload fields are
// additive. The narration reference is written only together with the
// terminal transition: a reader must never observe audio_ref on a job
// outside the success states.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	ListByOwner(ctx context.Context, ownerKey string) ([]Job, error)
	UpdateState(ctx context.Context, jobID string, state JobState, errMsg *string) error
	SetCaption(ctx context.Context, jobID, caption string) error
	SetTranscript(ctx context.Context, jobID, transcript string) error
	SetStoryText(ctx context.Context, jobID, title, body string) error
	FinishGeneration(ctx context.Context, jobID, audioRef string, state JobState) error
	ClearAudioRef(ctx context.Context, jobID string) error
	SubmitText(ctx context.Context, jobID, text string) error
	SetFavorite(ctx context.Context, jobID string, favorite bool) (*Job, error)
	ClaimNext(ctx context.Context, staleAfter time.Duration) (*Job, error)
}

// ChangeListener delivers coarse-grained change notifications for owner
// keys. Events carry no payload; consumers refetch the authoritative
// collection.
type ChangeListener interface {
	// Listen blocks until ctx is done, invoking onChange with the owner key
	// of every mutated job.
	Listen(ctx context.Context, onChange func(ownerKey string)) error
}
