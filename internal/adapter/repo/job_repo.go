package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"storyteller/internal/domain"
)

// ChangeChannel is the Postgres NOTIFY channel carrying owner keys of
// mutated jobs. Every write in this repository publishes on it so the
// collection change feed can fan events out to observers.
const ChangeChannel = "story_job_changes"

// defaultStaleAfter is the lease used when ClaimNext is given none:
// in-progress jobs untouched for this long are considered abandoned.
const defaultStaleAfter = 10 * time.Minute

// Querier is the subset of pgxpool.Pool the repository needs. Tests
// substitute a pgxmock pool.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// JobRepositoryPG implements domain.JobRepository on PostgreSQL.
type JobRepositoryPG struct {
	db Querier
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(db Querier) *JobRepositoryPG {
	return &JobRepositoryPG{db: db}
}

const jobColumns = `id, owner_key, input_kind, state, language,
caption_text, transcript_text, title, body, audio_ref,
error_message, is_favorite, input_ref, input_mime, created_at, updated_at`

// Create inserts a new job record and notifies the change feed.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	query := `
INSERT INTO story_jobs (id, owner_key, input_kind, state, language, input_ref, input_mime)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
	if _, err := r.db.Exec(ctx, query,
		job.ID, job.OwnerKey, job.InputKind, job.State, job.Language,
		nullable(job.InputRef), nullable(job.InputMIME),
	); err != nil {
		return err
	}
	return r.notify(ctx, job.OwnerKey)
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM story_jobs WHERE id = $1;`
	row := r.db.QueryRow(ctx, query, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListByOwner returns all jobs for an owner key, newest first.
func (r *JobRepositoryPG) ListByOwner(ctx context.Context, ownerKey string) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM story_jobs WHERE owner_key = $1 ORDER BY created_at DESC;`
	rows, err := r.db.Query(ctx, query, ownerKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateState advances the lifecycle. The current state is locked and
// checked against the monotonic state graph before writing, so a stale or
// duplicated update can never move a job backwards or out of a terminal
// state.
func (r *JobRepositoryPG) UpdateState(ctx context.Context, jobID string, state domain.JobState, errMsg *string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current domain.JobState
	var ownerKey string
	row := tx.QueryRow(ctx, `SELECT state, owner_key FROM story_jobs WHERE id = $1 FOR UPDATE;`, jobID)
	if err := row.Scan(&current, &ownerKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	if !domain.CanTransition(current, state) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, state)
	}

	query := `
UPDATE story_jobs
SET state = $2,
    error_message = COALESCE($3, error_message),
    updated_at = NOW()
WHERE id = $1;
`
	if _, err := tx.Exec(ctx, query, jobID, state, errMsg); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2);`, ChangeChannel, ownerKey); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetCaption stores the image caption payload.
func (r *JobRepositoryPG) SetCaption(ctx context.Context, jobID, caption string) error {
	return r.setPayloadField(ctx, jobID, `caption_text = $2`, caption)
}

// SetTranscript stores the speech-to-text result without advancing state.
func (r *JobRepositoryPG) SetTranscript(ctx context.Context, jobID, transcript string) error {
	return r.setPayloadField(ctx, jobID, `transcript_text = $2`, transcript)
}

// SetStoryText stores the generated title and body.
func (r *JobRepositoryPG) SetStoryText(ctx context.Context, jobID, title, body string) error {
	query := `
WITH updated AS (
	UPDATE story_jobs SET title = $2, body = $3, updated_at = NOW()
	WHERE id = $1
	RETURNING owner_key
)
SELECT pg_notify('` + ChangeChannel + `', owner_key) FROM updated;
`
	return r.execPayloadUpdate(ctx, query, jobID, title, body)
}

// FinishGeneration stores the narration reference and performs the
// terminal transition in a single transaction. Writing them together
// keeps the invariant that audio_ref is only ever visible on a job in a
// success state, even to a reader racing the worker.
func (r *JobRepositoryPG) FinishGeneration(ctx context.Context, jobID, audioRef string, state domain.JobState) error {
	if state != domain.JobStateApproved && state != domain.JobStatePendingApproval {
		return fmt.Errorf("%w: narration requires a success state, got %s", domain.ErrInvalidTransition, state)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current domain.JobState
	var ownerKey string
	row := tx.QueryRow(ctx, `SELECT state, owner_key FROM story_jobs WHERE id = $1 FOR UPDATE;`, jobID)
	if err := row.Scan(&current, &ownerKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	if !domain.CanTransition(current, state) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, state)
	}

	query := `
UPDATE story_jobs
SET state = $2,
    audio_ref = $3,
    updated_at = NOW()
WHERE id = $1;
`
	if _, err := tx.Exec(ctx, query, jobID, state, audioRef); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2);`, ChangeChannel, ownerKey); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ClearAudioRef removes the narration reference. Used when a parent rejects
// a pending story so audio_ref stays exclusive to the success states.
func (r *JobRepositoryPG) ClearAudioRef(ctx context.Context, jobID string) error {
	query := `
WITH updated AS (
	UPDATE story_jobs SET audio_ref = NULL, updated_at = NOW()
	WHERE id = $1
	RETURNING owner_key
)
SELECT pg_notify('` + ChangeChannel + `', owner_key) FROM updated;
`
	return r.execPayloadUpdate(ctx, query, jobID)
}

// SubmitText attaches the final story source text to a job awaiting
// submission and marks it ready for the orchestrator. Submitting twice is
// rejected.
func (r *JobRepositoryPG) SubmitText(ctx context.Context, jobID, text string) error {
	query := `
WITH updated AS (
	UPDATE story_jobs
	SET transcript_text = $2, submitted_at = NOW(), updated_at = NOW()
	WHERE id = $1 AND state = 'created' AND submitted_at IS NULL
	RETURNING owner_key
)
SELECT pg_notify('` + ChangeChannel + `', owner_key) FROM updated;
`
	rows, err := r.db.Query(ctx, query, jobID, text)
	if err != nil {
		return err
	}
	updated := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if updated {
		return nil
	}
	if _, err := r.GetByID(ctx, jobID); err != nil {
		return err
	}
	return domain.ErrAlreadySubmitted
}

// SetFavorite toggles the favorite flag, bypassing the generation state
// machine, and returns the updated snapshot.
func (r *JobRepositoryPG) SetFavorite(ctx context.Context, jobID string, favorite bool) (*domain.Job, error) {
	query := `
UPDATE story_jobs SET is_favorite = $2, updated_at = NOW()
WHERE id = $1
RETURNING ` + jobColumns + `;`
	row := r.db.QueryRow(ctx, query, jobID, favorite)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := r.notify(ctx, job.OwnerKey); err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNext atomically claims the oldest job ready for generation and
// performs its first transition: image jobs move to captioning, submitted
// text/voice jobs to textGenerating. In-progress jobs whose updated_at is
// older than staleAfter are reclaimed in their current state, so a job
// abandoned by a crashed worker is picked up again instead of stranding in
// a non-terminal state. SKIP LOCKED keeps concurrent workers from claiming
// the same job. Returns domain.ErrNotFound when nothing is ready.
func (r *JobRepositoryPG) ClaimNext(ctx context.Context, staleAfter time.Duration) (*domain.Job, error) {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	query := `
WITH next AS (
	SELECT id FROM story_jobs
	WHERE (state = 'created' AND (input_kind = 'image' OR submitted_at IS NOT NULL))
	   OR (state IN ('captioning', 'transcribing', 'textGenerating', 'audioGenerating')
	       AND updated_at < NOW() - make_interval(secs => $1))
	ORDER BY created_at
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
UPDATE story_jobs j
SET state = CASE
	WHEN j.state <> 'created' THEN j.state
	WHEN j.input_kind = 'image' THEN 'captioning'
	ELSE 'textGenerating'
    END,
    updated_at = NOW()
FROM next
WHERE j.id = next.id
RETURNING ` + qualifyColumns("j") + `;`
	row := r.db.QueryRow(ctx, query, staleAfter.Seconds())
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := r.notify(ctx, job.OwnerKey); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *JobRepositoryPG) setPayloadField(ctx context.Context, jobID, assignment string, value string) error {
	query := `
WITH updated AS (
	UPDATE story_jobs SET ` + assignment + `, updated_at = NOW()
	WHERE id = $1
	RETURNING owner_key
)
SELECT pg_notify('` + ChangeChannel + `', owner_key) FROM updated;
`
	return r.execPayloadUpdate(ctx, query, jobID, value)
}

func (r *JobRepositoryPG) execPayloadUpdate(ctx context.Context, query string, args ...any) error {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	updated := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if !updated {
		return domain.ErrNotFound
	}
	return nil
}

func (r *JobRepositoryPG) notify(ctx context.Context, ownerKey string) error {
	_, err := r.db.Exec(ctx, `SELECT pg_notify($1, $2);`, ChangeChannel, ownerKey)
	return err
}

func qualifyColumns(alias string) string {
	return alias + `.id, ` + alias + `.owner_key, ` + alias + `.input_kind, ` + alias + `.state, ` + alias + `.language,
` + alias + `.caption_text, ` + alias + `.transcript_text, ` + alias + `.title, ` + alias + `.body, ` + alias + `.audio_ref,
` + alias + `.error_message, ` + alias + `.is_favorite, ` + alias + `.input_ref, ` + alias + `.input_mime, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var caption, transcript, title, body, audioRef, errMsg, inputRef, inputMIME *string
	var createdAt, updatedAt time.Time
	if err := row.Scan(
		&job.ID,
		&job.OwnerKey,
		&job.InputKind,
		&job.State,
		&job.Language,
		&caption,
		&transcript,
		&title,
		&body,
		&audioRef,
		&errMsg,
		&job.IsFavorite,
		&inputRef,
		&inputMIME,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	job.Payload = domain.Payload{
		CaptionText:    deref(caption),
		TranscriptText: deref(transcript),
		Title:          deref(title),
		Body:           deref(body),
		AudioRef:       deref(audioRef),
	}
	job.ErrorMessage = deref(errMsg)
	job.InputRef = deref(inputRef)
	job.InputMIME = deref(inputMIME)
	job.CreatedAt = createdAt
	job.UpdatedAt = updatedAt
	return &job, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
