package httpapi

import (
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"invoicerun/internal/i18n"
	"invoicerun/internal/ingestion"
	"invoicerun/internal/repository"
	"invoicerun/pkg/domain/document"
	"invoicerun/pkg/domain/quarantine"
)

type quarantineItemOut struct {
	ID                string         `json:"id"`
	DocumentID        string         `json:"document_id"`
	TenantID          string         `json:"tenant_id"`
	Stage             string         `json:"stage"`
	Status            string         `json:"status"`
	ReasonCodes       []string       `json:"reason_codes"`
	Details           map[string]any `json:"details"`
	StoragePath       string         `json:"storage_path"`
	ReprocessCount    int            `json:"reprocess_count"`
	Resolved          bool           `json:"resolved"`
}

func toQuarantineItemOut(i *quarantine.QuarantineItem) quarantineItemOut {
	return quarantineItemOut{
		ID: i.ID, DocumentID: i.DocumentID, TenantID: i.TenantID, Stage: string(i.Stage),
		Status: string(i.Status), ReasonCodes: i.ReasonCodes, Details: i.Details,
		StoragePath: i.StoragePath, ReprocessCount: i.ReprocessCount, Resolved: i.ResolvedAt != nil,
	}
}

func (s *server) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	items, err := s.Repo.ListQuarantineItems(r.Context(), claims.TenantID, repository.QuarantineFilter{
		Status:     quarantine.Status(r.URL.Query().Get("status")),
		ReasonCode: r.URL.Query().Get("reason_code"),
		Limit:      limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]quarantineItemOut, 0, len(items))
	for _, it := range items {
		out = append(out, toQuarantineItemOut(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

func (s *server) handleGetQuarantine(w http.ResponseWriter, r *http.Request) {
	lang := langFrom(r)
	claims := claimsFrom(r)
	itemID := chi.URLParam(r, "itemID")

	item, err := s.Repo.GetQuarantineItem(r.Context(), itemID, claims.TenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, i18n.T("quarantine_not_found", lang))
		return
	}
	writeJSON(w, http.StatusOK, toQuarantineItemOut(item))
}

// handleReprocessQuarantine re-runs the ingestion contract against the
// quarantined payload still on disk, same as a fresh upload.
func (s *server) handleReprocessQuarantine(w http.ResponseWriter, r *http.Request) {
	lang := langFrom(r)
	claims := claimsFrom(r)
	itemID := chi.URLParam(r, "itemID")

	item, err := s.Repo.GetQuarantineItem(r.Context(), itemID, claims.TenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, i18n.T("quarantine_not_found", lang))
		return
	}
	doc, err := s.Repo.GetDocument(r.Context(), item.DocumentID, claims.TenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, i18n.T("doc_not_found", lang))
		return
	}

	payload, err := os.ReadFile(item.StoragePath)
	if err != nil {
		updated, uerr := s.Repo.MarkQuarantineReprocessed(r.Context(), item.ID, repository.QuarantineReprocess{
			Status: quarantine.StatusUnknown, ReasonCodes: []string{"FILE_CORRUPT"},
			Details: map[string]any{"error": "missing_quarantine_file"}, Resolved: false,
		})
		if uerr != nil {
			writeError(w, http.StatusInternalServerError, uerr.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"quarantine_item_id": item.ID, "status": updated.Status, "reason_codes": updated.ReasonCodes,
			"message": i18n.T("quarantine_reprocessed", lang),
		})
		return
	}

	contract := s.evaluateUpload(payload, doc.Filename, doc.ContentType)

	var updatedItem *quarantine.QuarantineItem
	if contract.Decision == ingestion.DecisionAccept {
		rawPath, err := s.Blobs.SaveRawDocument(doc.ID, doc.Filename, payload)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		accepted := document.StatusAccepted
		if _, err := s.Repo.UpdateDocument(r.Context(), doc.ID, repository.DocumentUpdate{
			StoragePath: &rawPath, IngestionState: &accepted, QualityTier: qualityTierPtr(contract), QualityScore: contract.QualityScore,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		updatedItem, err = s.Repo.MarkQuarantineReprocessed(r.Context(), item.ID, repository.QuarantineReprocess{
			Status: quarantine.Status("QUARANTINE_RESOLVED"), ReasonCodes: nil,
			Details: map[string]any{"reprocess_result": "accepted"}, Resolved: true,
		})
	} else {
		quarantinePath, serr := s.Blobs.SaveQuarantineDocument(doc.TenantID, doc.ID, doc.Filename, payload)
		if serr != nil {
			writeError(w, http.StatusInternalServerError, serr.Error())
			return
		}
		quarantined := document.StatusQuarantined
		if _, err := s.Repo.UpdateDocument(r.Context(), doc.ID, repository.DocumentUpdate{
			StoragePath: &quarantinePath, IngestionState: &quarantined, QualityTier: qualityTierPtr(contract), QualityScore: contract.QualityScore,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		updatedItem, err = s.Repo.MarkQuarantineReprocessed(r.Context(), item.ID, repository.QuarantineReprocess{
			Status: contract.QuarantineStatus(), ReasonCodes: contract.ReasonCodes,
			Details: map[string]any{"reprocess_result": "still_quarantined", "stage": contract.Stage}, Resolved: false,
		})
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.Metrics.QuarantineReprocessed.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"quarantine_item_id": updatedItem.ID, "status": updatedItem.Status, "reason_codes": updatedItem.ReasonCodes,
		"message": i18n.T("quarantine_reprocessed", lang),
	})
}
