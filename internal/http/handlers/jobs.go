package handlers

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"docapi/internal/domain"
	"docapi/internal/middleware"
	"docapi/internal/processor"
	"docapi/internal/storage"
)

type submitRequest struct {
	InputType domain.InputMode  `json:"input_type"`
	Content   string            `json:"content"`
	Options   map[string]string `json:"options,omitempty"`
}

func (req submitRequest) input() domain.RenderInput {
	return domain.RenderInput{Mode: req.InputType, Content: req.Content, Options: req.Options}
}

// admit parses and validates a submission and runs the admission checks.
func (a *App) admit(w http.ResponseWriter, r *http.Request) (string, domain.RenderInput, bool) {
	ownerID, ok := a.owner(w, r)
	if !ok {
		return "", domain.RenderInput{}, false
	}
	var req submitRequest
	if !a.decode(w, r, &req) {
		return "", domain.RenderInput{}, false
	}
	in := req.input()
	if err := processor.ValidateInput(in); err != nil {
		a.fail(w, r, err)
		return "", domain.RenderInput{}, false
	}
	if _, _, err := a.Admission.Admit(r.Context(), ownerID, 1); err != nil {
		a.fail(w, r, err)
		return "", domain.RenderInput{}, false
	}
	return ownerID, in, true
}

// JobsQuick renders synchronously. Timeouts answer 504 and failures 422,
// both carrying the job so clients can tell them apart.
func (a *App) JobsQuick(w http.ResponseWriter, r *http.Request) {
	ownerID, in, ok := a.admit(w, r)
	if !ok {
		return
	}
	locale := middleware.LocaleFromContext(r.Context())
	job, err := a.Processor.RunQuick(r.Context(), ownerID, in)
	switch {
	case errors.Is(err, domain.ErrJobTimeout):
		a.errorWithDetails(w, http.StatusGatewayTimeout, "job_timeout",
			middleware.Translate(locale, middleware.MsgJobTimeout, a.QuickTimeout),
			map[string]any{"job": job.View()})
	case err != nil && job.ID != "":
		a.errorWithDetails(w, http.StatusUnprocessableEntity, "job_failed",
			middleware.Translate(locale, middleware.MsgJobFailed),
			map[string]any{"job": job.View()})
	case err != nil:
		a.fail(w, r, err)
	default:
		a.json(w, http.StatusOK, job.View())
	}
}

// JobsSubmit queues a long job.
func (a *App) JobsSubmit(w http.ResponseWriter, r *http.Request) {
	ownerID, in, ok := a.admit(w, r)
	if !ok {
		return
	}
	job, err := a.Processor.SubmitLong(r.Context(), ownerID, in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	a.json(w, http.StatusAccepted, job.View())
}

func (a *App) JobsList(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := a.owner(w, r)
	if !ok {
		return
	}
	status := domain.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		a.error(w, http.StatusBadRequest, "invalid_input", "unknown status")
		return
	}
	list, err := a.Jobs.ListByOwner(r.Context(), ownerID, status)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	items := make([]domain.JobView, 0, len(list))
	for _, j := range list {
		items = append(items, j.View())
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) JobsGet(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := a.owner(w, r)
	if !ok {
		return
	}
	job, err := a.Jobs.GetOwned(r.Context(), ownerID, chi.URLParam(r, "job_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, job.View())
}

// JobDeliveries lists webhook attempts made for the job.
func (a *App) JobDeliveries(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := a.owner(w, r)
	if !ok {
		return
	}
	job, err := a.Jobs.GetOwned(r.Context(), ownerID, chi.URLParam(r, "job_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	records, err := a.Deliveries.ListByJob(r.Context(), ownerID, job.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"items": records})
}

// JobArtifact streams the generated document until it expires.
func (a *App) JobArtifact(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := a.owner(w, r)
	if !ok {
		return
	}
	job, err := a.Jobs.GetOwned(r.Context(), ownerID, chi.URLParam(r, "job_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if job.Artifact == nil {
		a.error(w, http.StatusNotFound, "not_found", "job has no artifact")
		return
	}
	data, err := a.Artifacts.Open(r.Context(), *job.Artifact)
	if errors.Is(err, storage.ErrNotFound) {
		a.error(w, http.StatusGone, "artifact_expired", "artifact expired or removed")
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", job.Artifact.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
