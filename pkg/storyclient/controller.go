package storyclient

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 8 * time.Second
	defaultMaxAttempts = 20
)

// Controller turns "a job was just created" into a single awaitable
// terminal outcome, hiding polling cadence, backoff and timeout from the
// UI layer. Polls are idempotent reads; the controller never writes job
// state itself.
type Controller struct {
	api         API
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
	onMutation  func(ownerKey string)
	logger      zerolog.Logger
}

// ControllerOptions tunes the polling loop. Zero values get defaults:
// base 1s, cap 8s, 20 attempts.
type ControllerOptions struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// OnMutation is invoked with the owner key after a local mutation
	// (favorite toggle) so a collection cache can refresh immediately.
	OnMutation func(ownerKey string)
	Logger     zerolog.Logger
}

// NewController wraps an API with the polling state machine.
func NewController(api API, opts ControllerOptions) *Controller {
	base := opts.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	ceiling := opts.MaxDelay
	if ceiling <= 0 {
		ceiling = defaultMaxDelay
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &Controller{
		api:         api,
		baseDelay:   base,
		maxDelay:    ceiling,
		maxAttempts: attempts,
		sleep:       sleepContext,
		onMutation:  opts.OnMutation,
		logger:      opts.Logger,
	}
}

// SubmitFromImage creates an image job and awaits its terminal outcome.
// Creation errors surface immediately; they are never folded into polling.
func (c *Controller) SubmitFromImage(ctx context.Context, ownerKey string, image []byte, mimeType, language string) (Result, error) {
	jobID, err := c.api.CreateFromImage(ctx, ownerKey, image, mimeType, language)
	if err != nil {
		return Result{}, err
	}
	return c.Await(ctx, jobID)
}

// InitiateVoiceJob creates an empty voice job and returns its identifier.
// No polling starts until the recording is transcribed and submitted.
func (c *Controller) InitiateVoiceJob(ctx context.Context, ownerKey, language string) (string, error) {
	return c.api.InitiateVoice(ctx, ownerKey, language)
}

// Transcribe runs speech-to-text for a voice job. Synchronous; failures
// surface to the caller rather than being retried here.
func (c *Controller) Transcribe(ctx context.Context, jobID string, audio []byte, mimeType string) (string, error) {
	return c.api.Transcribe(ctx, jobID, audio, mimeType)
}

// SubmitText attaches final text to a job and awaits the terminal outcome.
// An empty jobID creates a fresh text job first, covering the typed-text
// path; a non-empty one finalizes an initiated voice job.
func (c *Controller) SubmitText(ctx context.Context, jobID, ownerKey, text, language string) (Result, error) {
	if jobID == "" {
		created, err := c.api.InitiateText(ctx, ownerKey, language)
		if err != nil {
			return Result{}, err
		}
		jobID = created
	}
	if err := c.api.SubmitText(ctx, jobID, text); err != nil {
		return Result{}, err
	}
	return c.Await(ctx, jobID)
}

// Fetch reads the current snapshot without polling.
func (c *Controller) Fetch(ctx context.Context, jobID string) (*Job, error) {
	return c.api.Fetch(ctx, jobID)
}

// ToggleFavorite flips the favorite flag outside the generation state
// machine and notifies the mutation hook so observers refresh.
func (c *Controller) ToggleFavorite(ctx context.Context, jobID string, favorite bool) (*Job, error) {
	job, err := c.api.SetFavorite(ctx, jobID, favorite)
	if err != nil {
		return nil, err
	}
	if c.onMutation != nil {
		c.onMutation(job.OwnerKey)
	}
	return job, nil
}

// Await polls the job until it reaches a terminal state or the attempt
// budget runs out. Polls are strictly sequential. A transport error on a
// poll is absorbed: it does not consume a state-observing attempt, and the
// loop continues. Termination is still guaranteed by a hard ceiling of
// twice the attempt budget on total polls. Cancelling ctx abandons the
// wait without affecting the server-side job.
func (c *Controller) Await(ctx context.Context, jobID string) (Result, error) {
	var last *Job
	observed := 0
	maxPolls := 2 * c.maxAttempts

	for polls := 1; ; polls++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		job, err := c.api.Fetch(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			c.logger.Warn().Err(err).Str("job_id", jobID).Msg("poll failed, continuing")
		} else {
			observed++
			last = job
			if outcome, terminal := classify(job.State); terminal {
				return Result{Outcome: outcome, Job: job}, nil
			}
		}

		if observed >= c.maxAttempts || polls >= maxPolls {
			return Result{Outcome: OutcomeTimedOut, Job: last}, nil
		}

		wait := delay(max(observed-1, 0), c.baseDelay, c.maxDelay)
		if err := c.sleep(ctx, wait); err != nil {
			return Result{}, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
