package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"storyteller/internal/domain"
	"storyteller/internal/middleware"
)

type createJobRequest struct {
	OwnerKey  string `json:"ownerKey"`
	ImageData string `json:"imageData,omitempty"`
	MIMEType  string `json:"mimeType,omitempty"`
	Language  string `json:"language,omitempty"`
}

type createJobResponse struct {
	JobID string          `json:"jobId"`
	State domain.JobState `json:"state"`
}

// JobFromImage accepts a base64-encoded photo and creates an image job.
// The orchestrator picks it up immediately; no separate submit step.
func (a *App) JobFromImage(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.OwnerKey) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "ownerKey required")
		return
	}
	if !strings.HasPrefix(req.MIMEType, "image/") {
		a.error(w, http.StatusBadRequest, "bad_request", "mimeType must be an image type")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.ImageData)
	if err != nil || len(data) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "imageData must be non-empty base64")
		return
	}
	lang, ok := a.resolveLanguage(r, req.Language)
	if !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "language is not a valid BCP 47 tag")
		return
	}

	jobID := uuid.NewString()
	key := fmt.Sprintf("inputs/%s/image", jobID)
	ref, err := a.Store.Write(r.Context(), key, data)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("store image input")
		a.error(w, http.StatusInternalServerError, "internal", "failed to store image")
		return
	}

	job := &domain.Job{
		ID:        jobID,
		OwnerKey:  req.OwnerKey,
		InputKind: domain.InputKindImage,
		State:     domain.JobStateCreated,
		Language:  lang,
		InputRef:  ref,
		InputMIME: req.MIMEType,
	}
	if err := a.Repo.Create(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("create image job")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}
	a.json(w, http.StatusAccepted, createJobResponse{JobID: jobID, State: job.State})
}

// InitiateVoice creates an empty voice job. The client records, calls
// Transcribe for a preview, then finalizes with SubmitText.
func (a *App) InitiateVoice(w http.ResponseWriter, r *http.Request) {
	a.initiate(w, r, domain.InputKindAudio)
}

// InitiateText creates an empty text job to be finalized with SubmitText.
func (a *App) InitiateText(w http.ResponseWriter, r *http.Request) {
	a.initiate(w, r, domain.InputKindText)
}

func (a *App) initiate(w http.ResponseWriter, r *http.Request, kind domain.InputKind) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.OwnerKey) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "ownerKey required")
		return
	}
	lang, ok := a.resolveLanguage(r, req.Language)
	if !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "language is not a valid BCP 47 tag")
		return
	}

	job := &domain.Job{
		ID:        uuid.NewString(),
		OwnerKey:  req.OwnerKey,
		InputKind: kind,
		State:     domain.JobStateCreated,
		Language:  lang,
	}
	if err := a.Repo.Create(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Str("input_kind", string(kind)).Msg("create job")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}
	a.json(w, http.StatusAccepted, createJobResponse{JobID: job.ID, State: job.State})
}

type transcribeRequest struct {
	AudioData string `json:"audioData"`
	MIMEType  string `json:"mimeType"`
}

// Transcribe runs speech-to-text synchronously and stores the transcript
// on the job without advancing its state. The client shows the text for
// editing before submission.
func (a *App) Transcribe(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := a.Repo.GetByID(r.Context(), jobID)
	if err != nil {
		a.jobError(w, jobID, err)
		return
	}
	if job.InputKind != domain.InputKindAudio {
		a.error(w, http.StatusBadRequest, "bad_request", "job does not accept audio input")
		return
	}
	if job.State != domain.JobStateCreated {
		a.error(w, http.StatusConflict, "conflict", "job already submitted")
		return
	}

	var req transcribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	audio, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil || len(audio) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "audioData must be non-empty base64")
		return
	}

	text, err := a.Transcriber.Transcribe(r.Context(), audio, req.MIMEType, job.Language)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("transcription failed")
		a.error(w, http.StatusBadGateway, "vendor_error", "transcription failed")
		return
	}
	if err := a.Repo.SetTranscript(r.Context(), jobID, text); err != nil {
		a.jobError(w, jobID, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"transcribedText": text})
}

type submitTextRequest struct {
	Text string `json:"text"`
}

// SubmitText finalizes a job's source text and queues it for generation.
func (a *App) SubmitText(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req submitTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "text required")
		return
	}
	if err := a.Repo.SubmitText(r.Context(), jobID, req.Text); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			a.error(w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, domain.ErrAlreadySubmitted):
			a.error(w, http.StatusConflict, "conflict", "job already submitted")
		default:
			a.Logger.Error().Err(err).Str("job_id", jobID).Msg("submit text")
			a.error(w, http.StatusInternalServerError, "internal", "failed to submit")
		}
		return
	}
	a.json(w, http.StatusOK, map[string]bool{"accepted": true})
}

// GetJob returns the current job snapshot.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := a.Repo.GetByID(r.Context(), jobID)
	if err != nil {
		a.jobError(w, jobID, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

type favoriteRequest struct {
	IsFavorite bool `json:"isFavorite"`
}

// Favorite toggles the favorite flag independently of generation state.
func (a *App) Favorite(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req favoriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	job, err := a.Repo.SetFavorite(r.Context(), jobID, req.IsFavorite)
	if err != nil {
		a.jobError(w, jobID, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

type approvalRequest struct {
	Approved bool `json:"approved"`
}

// Approval records the parent's decision on a pendingApproval job. A
// rejection clears the narration reference so audio exists only on
// approved stories.
func (a *App) Approval(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	job, err := a.Repo.GetByID(r.Context(), jobID)
	if err != nil {
		a.jobError(w, jobID, err)
		return
	}
	if job.State != domain.JobStatePendingApproval {
		a.error(w, http.StatusConflict, "approval_not_pending", "job is not awaiting approval")
		return
	}

	if req.Approved {
		err = a.Repo.UpdateState(r.Context(), jobID, domain.JobStateApproved, nil)
	} else {
		if err = a.Repo.ClearAudioRef(r.Context(), jobID); err == nil {
			msg := "rejected by parent"
			err = a.Repo.UpdateState(r.Context(), jobID, domain.JobStateRejected, &msg)
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			a.error(w, http.StatusConflict, "approval_not_pending", "job is not awaiting approval")
			return
		}
		a.jobError(w, jobID, err)
		return
	}

	job, err = a.Repo.GetByID(r.Context(), jobID)
	if err != nil {
		a.jobError(w, jobID, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

// Audio streams the narration audio for a completed job.
func (a *App) Audio(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := a.Repo.GetByID(r.Context(), jobID)
	if err != nil {
		a.jobError(w, jobID, err)
		return
	}
	if job.Payload.AudioRef == "" {
		a.error(w, http.StatusNotFound, "not_found", "job has no narration audio")
		return
	}
	data, err := a.Store.Read(r.Context(), job.Payload.AudioRef)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("read narration audio")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read audio")
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *App) jobError(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.Logger.Error().Err(err).Str("job_id", jobID).Msg("job request failed")
	a.error(w, http.StatusInternalServerError, "internal", "internal error")
}

// resolveLanguage picks the story language: an explicit request value wins,
// otherwise the detection middleware's result is used. An explicit value
// that fails to parse is reported back, not silently replaced.
func (a *App) resolveLanguage(r *http.Request, requested string) (string, bool) {
	if strings.TrimSpace(requested) != "" {
		lang := middleware.NormalizeLanguage(requested)
		if lang == "" {
			return "", false
		}
		return lang, true
	}
	if lang := middleware.LanguageFromContext(r.Context()); lang != "" {
		return lang, true
	}
	return a.DefaultLanguage, true
}
