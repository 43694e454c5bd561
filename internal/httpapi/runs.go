package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"invoicerun/internal/admission"
	"invoicerun/internal/i18n"
	"invoicerun/pkg/domain/run"
)

type createRunRequest struct {
	DocumentID string `json:"document_id"`
}

type runOut struct {
	ID                string              `json:"id"`
	DocumentID        string              `json:"document_id"`
	Status            string              `json:"status"`
	ReplayOfRunID     *string             `json:"replay_of_run_id,omitempty"`
	ReviewDecision    *string             `json:"review_decision,omitempty"`
	ReviewReasonCodes []string            `json:"review_reason_codes,omitempty"`
	Result            map[string]any      `json:"result,omitempty"`
	ValidationIssues  []run.ValidationIssue `json:"validation_issues,omitempty"`
	Deduplicated      bool                `json:"deduplicated,omitempty"`
	Backpressured     bool                `json:"backpressured,omitempty"`
	Message           string              `json:"message,omitempty"`
}

func toRunOut(r *run.Run) runOut {
	out := runOut{ID: r.ID, DocumentID: r.DocumentID, Status: string(r.Status), ReplayOfRunID: r.ReplayOfRunID,
		ReviewReasonCodes: r.ReviewReasonCodes, Result: r.Result, ValidationIssues: r.ValidationIssues}
	if r.ReviewDecision != nil {
		d := string(*r.ReviewDecision)
		out.ReviewDecision = &d
	}
	return out
}

func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	lang := langFrom(r)
	claims := claimsFrom(r)

	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := s.Admission.CreateRun(r.Context(), admission.CreateRunInput{
		DocumentID: req.DocumentID, TenantID: claims.TenantID, RequestedBy: claims.Subject,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeAdmissionError(w, err, lang)
		return
	}

	out := toRunOut(outcome.Run)
	out.Deduplicated = outcome.Deduplicated
	out.Backpressured = outcome.Backpressured
	out.Message = i18n.T("run_created", lang)
	writeJSON(w, http.StatusCreated, out)
}

func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	lang := langFrom(r)
	claims := claimsFrom(r)
	runID := chi.URLParam(r, "runID")

	updated, err := s.Admission.Cancel(r.Context(), runID, claims.TenantID)
	if err != nil {
		s.writeAdmissionError(w, err, lang)
		return
	}
	out := toRunOut(updated)
	out.Message = i18n.T("run_cancelled", lang)
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleReplayRun(w http.ResponseWriter, r *http.Request) {
	lang := langFrom(r)
	claims := claimsFrom(r)
	runID := chi.URLParam(r, "runID")

	outcome, err := s.Admission.Replay(r.Context(), runID, claims.TenantID, claims.Subject)
	if err != nil {
		s.writeAdmissionError(w, err, lang)
		return
	}
	out := toRunOut(outcome.Run)
	out.Backpressured = outcome.Backpressured
	out.Message = i18n.T("run_created", lang)
	writeJSON(w, http.StatusCreated, out)
}

func (s *server) handleExportRun(w http.ResponseWriter, r *http.Request) {
	lang := langFrom(r)
	claims := claimsFrom(r)
	runID := chi.URLParam(r, "runID")

	exported, err := s.Admission.Export(r.Context(), runID, claims.TenantID, claims.Subject, claims.Roles)
	if err != nil {
		s.writeAdmissionError(w, err, lang)
		return
	}
	writeJSON(w, http.StatusOK, toRunOut(exported))
}

func (s *server) writeAdmissionError(w http.ResponseWriter, err error, lang string) {
	switch {
	case errors.Is(err, admission.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, i18n.T("doc_not_found", lang))
	case errors.Is(err, admission.ErrDocumentQuarantined):
		writeError(w, http.StatusConflict, i18n.T("doc_quarantined", lang))
	case errors.Is(err, admission.ErrQueueOverloaded):
		writeError(w, http.StatusTooManyRequests, i18n.T("queue_overloaded", lang))
	case errors.Is(err, admission.ErrRunNotFound):
		writeError(w, http.StatusNotFound, i18n.T("run_not_found", lang))
	case errors.Is(err, admission.ErrRunNotExportable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
