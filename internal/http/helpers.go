package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"condominio/internal/core"
)

// callerID extracts the authenticated user id set by the identity layer
// in front of this service. Empty means unauthenticated.
func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses. Unknown errors are
// reported as 500 without leaking internals.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, core.ErrObligationNotFound),
		errors.Is(err, core.ErrGroupNotFound),
		errors.Is(err, core.ErrResidentNotFound):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, core.ErrNotAdministrator):
		status = http.StatusForbidden
		message = err.Error()
	case errors.Is(err, core.ErrAlreadyFinalized),
		errors.Is(err, core.ErrAlreadySubmitted),
		errors.Is(err, core.ErrDuplicateConcept),
		errors.Is(err, core.ErrVersionConflict):
		status = http.StatusConflict
		message = err.Error()
	case errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrEmptyConcept),
		errors.Is(err, core.ErrMissingUnit),
		errors.Is(err, core.ErrInvalidRejection),
		errors.Is(err, core.ErrNoEvidence):
		status = http.StatusBadRequest
		message = err.Error()
	}

	writeJSON(w, status, errorResponse{Error: message})
}

// parseAmount converts a decimal request field into cents. Empty is
// returned as zero so optional amounts stay optional.
func parseAmount(s string) (core.Money, error) {
	if strings.TrimSpace(s) == "" {
		return core.Money{}, nil
	}
	cents, err := core.ParseDecimalToCents(s)
	if err != nil {
		return core.Money{}, err
	}
	return core.Money{Cents: cents}, nil
}

// parseDate parses a date string in YYYY-MM-DD format; empty is allowed.
func parseDate(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

type obligationResponse struct {
	ID                string  `json:"id"`
	ResidentID        string  `json:"resident_id"`
	UnitID            string  `json:"unit_id"`
	CondominiumID     string  `json:"condominium_id"`
	Concept           string  `json:"concept"`
	Origin            string  `json:"origin"`
	Amount            string  `json:"amount"`
	AmountUSD         string  `json:"amount_usd,omitempty"`
	Paid              string  `json:"paid"`
	Status            string  `json:"status"`
	DueDate           string  `json:"due_date,omitempty"`
	PaidDate          string  `json:"paid_date,omitempty"`
	GroupID           string  `json:"group_id,omitempty"`
	Excess            string  `json:"excess,omitempty"`
	RejectionReason   string  `json:"rejection_reason,omitempty"`
	SettlementReason  string  `json:"settlement_reason,omitempty"`
	OriginalID        string  `json:"original_obligation_id,omitempty"`
	SubmissionPending bool    `json:"submission_pending"`
	Version           int64   `json:"version"`
}

func toObligationResponse(o core.Obligation) obligationResponse {
	resp := obligationResponse{
		ID:                o.ID,
		ResidentID:        o.ResidentID,
		UnitID:            o.UnitID,
		CondominiumID:     o.CondominiumID,
		Concept:           o.Concept,
		Origin:            string(o.Origin),
		Amount:            o.Amount.String(),
		Paid:              o.Paid.String(),
		Status:            string(o.Status),
		GroupID:           o.GroupID,
		RejectionReason:   o.RejectionReason,
		SettlementReason:  o.SettlementReason,
		OriginalID:        o.OriginalObligationID,
		SubmissionPending: o.HasOpenSubmission(),
		Version:           o.Version,
	}
	if o.AmountUSD.Cents > 0 {
		resp.AmountUSD = o.AmountUSD.String()
	}
	if o.Excess.Cents > 0 {
		resp.Excess = o.Excess.String()
	}
	if !o.DueDate.IsZero() {
		resp.DueDate = o.DueDate.Format("2006-01-02")
	}
	if !o.PaidDate.IsZero() {
		resp.PaidDate = o.PaidDate.Format("2006-01-02")
	}
	return resp
}
