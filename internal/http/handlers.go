package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"condominio/internal/blob"
	"condominio/internal/core"
	"condominio/internal/services"
)

// maxEvidenceBytes caps the uploaded proof-of-payment size.
const maxEvidenceBytes = 10 << 20

type createObligationRequest struct {
	ResidentID    string `json:"resident_id"`
	UnitID        string `json:"unit_id"`
	CondominiumID string `json:"condominium_id"`
	Concept       string `json:"concept"`
	Origin        string `json:"origin"`
	Amount        string `json:"amount"`
	AmountUSD     string `json:"amount_usd"`
	DueDate       string `json:"due_date"`
}

func (s *Server) handleCreateObligation(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing X-User-ID"})
		return
	}

	var req createObligationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	amountUSD, err := parseAmount(req.AmountUSD)
	if err != nil {
		writeError(w, err)
		return
	}
	dueDate, err := parseDate(req.DueDate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid due_date, expected YYYY-MM-DD"})
		return
	}

	origin := core.Origin(req.Origin)
	if origin == "" {
		origin = core.OriginSelf
	}

	o := core.Obligation{
		ResidentID:    req.ResidentID,
		UnitID:        req.UnitID,
		CondominiumID: req.CondominiumID,
		Concept:       req.Concept,
		Origin:        origin,
		Amount:        amount,
		AmountUSD:     amountUSD,
		DueDate:       dueDate,
	}
	if o.ResidentID == "" {
		o.ResidentID = caller
	}

	created, err := s.payments.CreateObligation(r.Context(), caller, o)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toObligationResponse(created))
}

type bulkRequest struct {
	CondominiumID string `json:"condominium_id"`
	Concept       string `json:"concept"`
	Amount        string `json:"amount"`
	AmountUSD     string `json:"amount_usd"`
	DueDate       string `json:"due_date"`
	GroupTarget   string `json:"group_target"`
}

func (s *Server) handleCreateBulk(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing X-User-ID"})
		return
	}

	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	amountUSD, err := parseAmount(req.AmountUSD)
	if err != nil {
		writeError(w, err)
		return
	}
	target, err := parseAmount(req.GroupTarget)
	if err != nil {
		writeError(w, err)
		return
	}
	dueDate, err := parseDate(req.DueDate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid due_date, expected YYYY-MM-DD"})
		return
	}

	result, err := s.payments.CreateObligationsBulk(r.Context(), caller, services.BulkRequest{
		CondominiumID: req.CondominiumID,
		Concept:       req.Concept,
		Amount:        amount,
		AmountUSD:     amountUSD,
		DueDate:       dueDate,
		GroupTarget:   target,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetObligation(w http.ResponseWriter, r *http.Request) {
	o, err := s.payments.GetObligation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationResponse(o))
}

func (s *Server) handleListObligations(w http.ResponseWriter, r *http.Request) {
	obligations, err := s.payments.ListObligations(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]obligationResponse, 0, len(obligations))
	for _, o := range obligations {
		out = append(out, toObligationResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSubmitEvidence accepts a multipart form: reference, method, note,
// claimed_amount, and an optional "evidence" file part.
func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing X-User-ID"})
		return
	}

	if err := r.ParseMultipartForm(maxEvidenceBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid multipart form"})
		return
	}

	claimed, err := parseAmount(r.FormValue("claimed_amount"))
	if err != nil {
		writeError(w, err)
		return
	}

	sub := core.Submission{
		Reference:     r.FormValue("reference"),
		Method:        r.FormValue("method"),
		Note:          r.FormValue("note"),
		ClaimedAmount: claimed,
	}

	var evidence []byte
	mime := ""
	if file, header, err := r.FormFile("evidence"); err == nil {
		defer file.Close()
		evidence, err = io.ReadAll(io.LimitReader(file, maxEvidenceBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read evidence file"})
			return
		}
		mime = header.Header.Get("Content-Type")
	}

	updated, err := s.payments.SubmitEvidence(r.Context(), caller, r.PathValue("id"), sub, evidence, mime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationResponse(updated))
}

type validateRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

type validateResponse struct {
	Obligation obligationResponse  `json:"obligation"`
	Applied    string              `json:"applied,omitempty"`
	Excess     string              `json:"excess,omitempty"`
	Remainder  *obligationResponse `json:"remainder,omitempty"`
	NoOp       bool                `json:"no_op,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing X-User-ID"})
		return
	}

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	result, err := s.payments.Validate(r.Context(), caller, r.PathValue("id"), req.Approve, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := validateResponse{
		Obligation: toObligationResponse(result.Obligation),
		NoOp:       result.NoOp,
	}
	if result.Applied.Cents > 0 {
		resp.Applied = result.Applied.String()
	}
	if result.Excess.Cents > 0 {
		resp.Excess = result.Excess.String()
	}
	if result.Remainder != nil {
		rem := toObligationResponse(*result.Remainder)
		resp.Remainder = &rem
	}

	// A new validation may have changed any group this obligation is in.
	if result.Obligation.GroupID != "" {
		s.progressCache.Delete(result.Obligation.GroupID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResolveEvidence(w http.ResponseWriter, r *http.Request) {
	data, mime, err := s.blobs.Resolve(r.PathValue("blobID"))
	if errors.Is(err, blob.ErrBlobNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "evidence not found"})
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to resolve evidence blob", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	w.Header().Set("Content-Type", mime)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleCurrentRate(w http.ResponseWriter, r *http.Request) {
	rate := s.payments.CurrentRate(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"rate":       rate.Rate,
		"source":     rate.Source,
		"is_live":    rate.IsLive,
		"fetched_at": rate.FetchedAt,
	})
}
