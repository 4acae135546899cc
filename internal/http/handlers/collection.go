package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"storyteller/internal/domain"
	"storyteller/pkg/bundle"
)

// Collection lists every job for an owner key, newest first.
func (a *App) Collection(w http.ResponseWriter, r *http.Request) {
	ownerKey := r.URL.Query().Get("ownerKey")
	if ownerKey == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "ownerKey required")
		return
	}
	jobs, err := a.Repo.ListByOwner(r.Context(), ownerKey)
	if err != nil {
		a.Logger.Error().Err(err).Str("owner_key", ownerKey).Msg("list collection")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list collection")
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	a.json(w, http.StatusOK, map[string]any{"items": jobs})
}

// Bundle exports an approved story as a zip with the text and narration.
func (a *App) Bundle(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := a.Repo.GetByID(r.Context(), jobID)
	if err != nil {
		a.jobError(w, jobID, err)
		return
	}
	if job.State != domain.JobStateApproved || job.Payload.AudioRef == "" {
		a.error(w, http.StatusConflict, "conflict", "job is not an approved story")
		return
	}
	audio, err := a.Store.Read(r.Context(), job.Payload.AudioRef)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("read narration audio")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read audio")
		return
	}

	text := job.Payload.Title + "\n\n" + job.Payload.Body + "\n"
	archive := bundle.Archive([]bundle.Entry{
		{Filename: "story.txt", MIME: "text/plain", Data: []byte(text)},
		{Filename: "narration.mp3", MIME: "audio/mpeg", Data: audio},
	})

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="story-`+job.ID+`.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}
