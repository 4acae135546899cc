package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storyteller/internal/domain"
	"storyteller/internal/infra"
	"storyteller/internal/providers/caption"
	"storyteller/internal/providers/speech"
	"storyteller/internal/providers/story"
)

const defaultIdleDelay = 2 * time.Second

// BlobStore is the storage surface the worker needs: reading uploaded
// inputs and persisting synthesized narration.
type BlobStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// Options wires the worker's collaborators.
type Options struct {
	Repo            domain.JobRepository
	Captioner       caption.Captioner
	Writer          story.Writer
	Synthesizer     speech.Synthesizer
	Store           BlobStore
	Logger          infra.Logger
	RequireApproval bool
	IdleDelay       time.Duration
	// StaleAfter is the claim lease: in-progress jobs untouched for this
	// long are reclaimed and resumed. Zero uses the repository default.
	StaleAfter time.Duration
}

// Worker drives claimed jobs through the generation pipeline, writing each
// state transition to the job store. It is the only component that mutates
// job state.
type Worker struct {
	repo            domain.JobRepository
	captioner       caption.Captioner
	writer          story.Writer
	synth           speech.Synthesizer
	store           BlobStore
	logger          infra.Logger
	requireApproval bool
	idleDelay       time.Duration
	staleAfter      time.Duration
}

// NewWorker constructs a worker from the given options.
func NewWorker(opts Options) *Worker {
	idle := opts.IdleDelay
	if idle <= 0 {
		idle = defaultIdleDelay
	}
	return &Worker{
		repo:            opts.Repo,
		captioner:       opts.Captioner,
		writer:          opts.Writer,
		synth:           opts.Synthesizer,
		store:           opts.Store,
		logger:          opts.Logger,
		requireApproval: opts.RequireApproval,
		idleDelay:       idle,
		staleAfter:      opts.StaleAfter,
	}
}

// Run claims and processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("worker: started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := w.repo.ClaimNext(ctx, w.staleAfter)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				w.sleep(ctx, w.idleDelay)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error().Err(err).Msg("worker: failed to claim job")
			w.sleep(ctx, w.idleDelay)
			continue
		}

		w.Process(ctx, job)
	}
}

// Process runs the pipeline for one claimed job. Failures reject the job
// but keep whatever partial payload was already written.
func (w *Worker) Process(ctx context.Context, job *domain.Job) {
	w.logger.Info().
		Str("job_id", job.ID).
		Str("input_kind", string(job.InputKind)).
		Msg("worker: picked job")

	audioRef, err := w.generate(ctx, job)
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: job failed")
		w.reject(ctx, job.ID, err)
		return
	}

	terminal := domain.JobStateApproved
	if w.requireApproval {
		terminal = domain.JobStatePendingApproval
	}
	if err := w.repo.FinishGeneration(ctx, job.ID, audioRef, terminal); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: terminal update failed")
		return
	}
	w.logger.Info().Str("job_id", job.ID).Str("state", string(terminal)).Msg("worker: job finished")
}

// generate advances the pipeline from the job's current state and returns
// the narration reference. Starting from the state rather than from the
// top lets a reclaimed job resume where the previous worker stopped,
// reusing the payload fields already persisted.
func (w *Worker) generate(ctx context.Context, job *domain.Job) (string, error) {
	state := job.State

	if state == domain.JobStateCaptioning {
		captionText, err := w.captionImage(ctx, job)
		if err != nil {
			return "", err
		}
		if err := w.repo.SetCaption(ctx, job.ID, captionText); err != nil {
			return "", fmt.Errorf("store caption: %w", err)
		}
		if err := w.repo.UpdateState(ctx, job.ID, domain.JobStateTextGenerating, nil); err != nil {
			return "", fmt.Errorf("advance to text generation: %w", err)
		}
		job.Payload.CaptionText = captionText
		state = domain.JobStateTextGenerating
	}

	if state == domain.JobStateTranscribing {
		if err := w.repo.UpdateState(ctx, job.ID, domain.JobStateTextGenerating, nil); err != nil {
			return "", fmt.Errorf("advance to text generation: %w", err)
		}
		state = domain.JobStateTextGenerating
	}

	if state == domain.JobStateTextGenerating {
		source := job.Payload.TranscriptText
		if job.InputKind == domain.InputKindImage {
			source = job.Payload.CaptionText
		}
		tale, err := w.writer.Compose(ctx, story.Request{
			Source:    source,
			Language:  job.Language,
			RequestID: job.ID,
		})
		if err != nil {
			return "", fmt.Errorf("%w: story generation: %v", domain.ErrProviderFailure, err)
		}
		if err := w.repo.SetStoryText(ctx, job.ID, tale.Title, tale.Body); err != nil {
			return "", fmt.Errorf("store story: %w", err)
		}
		if err := w.repo.UpdateState(ctx, job.ID, domain.JobStateAudioGenerating, nil); err != nil {
			return "", fmt.Errorf("advance to audio generation: %w", err)
		}
		job.Payload.Title, job.Payload.Body = tale.Title, tale.Body
		state = domain.JobStateAudioGenerating
	}

	if state != domain.JobStateAudioGenerating {
		return "", fmt.Errorf("job in unexpected state %s", state)
	}

	audio, err := w.synth.Synthesize(ctx, job.Payload.Title+"\n\n"+job.Payload.Body, job.Language)
	if err != nil {
		return "", fmt.Errorf("%w: audio synthesis: %v", domain.ErrProviderFailure, err)
	}
	key, err := w.store.Write(ctx, fmt.Sprintf("stories/%s/narration.mp3", job.ID), audio.Data)
	if err != nil {
		return "", fmt.Errorf("persist narration: %w", err)
	}
	return key, nil
}

func (w *Worker) captionImage(ctx context.Context, job *domain.Job) (string, error) {
	if job.InputRef == "" {
		return "", errors.New("image job has no stored input")
	}
	imageData, err := w.store.Read(ctx, job.InputRef)
	if err != nil {
		return "", fmt.Errorf("read input image: %w", err)
	}
	captionText, err := w.captioner.Caption(ctx, caption.Request{
		ImageData: imageData,
		MIMEType:  job.InputMIME,
		Language:  job.Language,
		RequestID: job.ID,
	})
	if err != nil {
		return "", fmt.Errorf("%w: image captioning: %v", domain.ErrProviderFailure, err)
	}
	return captionText, nil
}

func (w *Worker) reject(ctx context.Context, jobID string, cause error) {
	msg := cause.Error()
	if err := w.repo.UpdateState(ctx, jobID, domain.JobStateRejected, &msg); err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: reject update failed")
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
