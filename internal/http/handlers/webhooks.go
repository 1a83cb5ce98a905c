package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"docapi/internal/domain"
	"docapi/internal/webhooks"
)

func (a *App) WebhooksCreate(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := a.owner(w, r)
	if !ok {
		return
	}
	var req webhooks.CreateRequest
	if !a.decode(w, r, &req) {
		return
	}
	hook, err := a.Webhooks.Create(r.Context(), ownerID, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, hook)
}

func (a *App) WebhooksList(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := a.owner(w, r)
	if !ok {
		return
	}
	hooks, err := a.Webhooks.List(r.Context(), ownerID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"items": hooks})
}

func (a *App) WebhooksGet(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := a.owner(w, r)
	if !ok {
		return
	}
	hook, err := a.Webhooks.Get(r.Context(), ownerID, chi.URLParam(r, "webhook_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, hook)
}

func (a *App) WebhooksUpdate(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := a.owner(w, r)
	if !ok {
		return
	}
	var patch domain.WebhookPatch
	if !a.decode(w, r, &patch) {
		return
	}
	hook, err := a.Webhooks.Update(r.Context(), ownerID, chi.URLParam(r, "webhook_id"), patch)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, hook)
}

func (a *App) WebhooksDelete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := a.owner(w, r)
	if !ok {
		return
	}
	if err := a.Webhooks.Delete(r.Context(), ownerID, chi.URLParam(r, "webhook_id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) WebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := a.owner(w, r)
	if !ok {
		return
	}
	records, err := a.Deliveries.ListDeliveries(r.Context(), ownerID, chi.URLParam(r, "webhook_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"items": records})
}
