package handlers

import (
	"net/http"

	"docapi/internal/domain"
)

type accountResponse struct {
	Account domain.Account `json:"account"`
	Plan    domain.Plan    `json:"plan"`
}

func (a *App) AccountGet(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := a.owner(w, r)
	if !ok {
		return
	}
	acct, err := a.Ledger.GetAccount(r.Context(), ownerID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	acct.Applied = nil
	a.json(w, http.StatusOK, accountResponse{Account: acct, Plan: a.Ledger.Plans().Lookup(acct.Plan)})
}

func (a *App) AccountTransactions(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := a.owner(w, r)
	if !ok {
		return
	}
	txns, err := a.Ledger.ListTransactions(r.Context(), ownerID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"items": txns})
}
