package http

import (
	"encoding/json"
	"net/http"

	"condominio/internal/core"
)

type applyCreditRequest struct {
	Amount string `json:"amount"`
}

type applyCreditResponse struct {
	Applied    string             `json:"applied"`
	Obligation obligationResponse `json:"obligation"`
}

func (s *Server) handleApplyCredit(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing X-User-ID"})
		return
	}

	var req applyCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil || amount.IsZero() {
		writeError(w, core.ErrInvalidAmount)
		return
	}

	applied, o, err := s.payments.ApplyCredit(r.Context(), caller, r.PathValue("id"), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if o.GroupID != "" {
		s.progressCache.Delete(o.GroupID)
	}
	writeJSON(w, http.StatusOK, applyCreditResponse{
		Applied:    applied.String(),
		Obligation: toObligationResponse(o),
	})
}

func (s *Server) handleApplyCreditAuto(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing X-User-ID"})
		return
	}
	// Residents spend only their own credit.
	if caller != r.PathValue("id") {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "cannot spend another resident's credit"})
		return
	}

	total, touched, err := s.payments.ApplyCreditAuto(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]obligationResponse, 0, len(touched))
	for _, o := range touched {
		out = append(out, toObligationResponse(o))
		if o.GroupID != "" {
			s.progressCache.Delete(o.GroupID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applied":     total.String(),
		"obligations": out,
	})
}

func (s *Server) handleAvailableCredit(w http.ResponseWriter, r *http.Request) {
	residentID := r.PathValue("id")

	available, err := s.payments.AvailableCredit(r.Context(), residentID)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.payments.ListCreditEntries(r.Context(), residentID)
	if err != nil {
		writeError(w, err)
		return
	}

	type entryResponse struct {
		ID         string `json:"id"`
		Amount     string `json:"amount"`
		SourceID   string `json:"source_obligation_id"`
		Consumed   bool   `json:"consumed"`
		ConsumedBy string `json:"consumed_by,omitempty"`
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:         e.ID,
			Amount:     e.Amount.String(),
			SourceID:   e.SourceObligationID,
			Consumed:   e.Consumed,
			ConsumedBy: e.ConsumedBy,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"available": available.String(),
		"entries":   out,
	})
}

func (s *Server) handleGroupProgress(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")

	if cached, ok := s.progressCache.Get(groupID); ok {
		writeProgress(w, cached)
		return
	}

	p, err := s.payments.GroupProgress(r.Context(), groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.progressCache.Set(groupID, p)
	writeProgress(w, p)
}

func writeProgress(w http.ResponseWriter, p core.GroupProgress) {
	writeJSON(w, http.StatusOK, map[string]any{
		"group_id":           p.GroupID,
		"target":             p.Target.String(),
		"collected":          p.Collected.String(),
		"percentage":         p.Percentage,
		"participants_paid":  p.ParticipantsPaid,
		"participants_total": p.ParticipantsTotal,
	})
}
