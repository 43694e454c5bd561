package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"invoicerun/internal/i18n"
	"invoicerun/internal/ingestion"
	"invoicerun/internal/repository"
	"invoicerun/pkg/domain/document"
	"invoicerun/pkg/domain/quarantine"
)

type documentOut struct {
	ID                    string   `json:"id"`
	TenantID              string   `json:"tenant_id"`
	Filename              string   `json:"filename"`
	ContentType           string   `json:"content_type"`
	SizeBytes             int64    `json:"size_bytes"`
	Language              string   `json:"language"`
	IngestionStatus       string   `json:"ingestion_status"`
	QualityTier           *string  `json:"quality_tier,omitempty"`
	QualityScore          *float64 `json:"quality_score,omitempty"`
	QuarantineItemID      *string  `json:"quarantine_item_id,omitempty"`
	QuarantineReasonCodes []string `json:"quarantine_reason_codes,omitempty"`
	Message               string   `json:"message,omitempty"`
}

func toDocumentOut(d *document.Document) documentOut {
	out := documentOut{
		ID: d.ID, TenantID: d.TenantID, Filename: d.Filename, ContentType: d.ContentType,
		SizeBytes: d.SizeBytes, Language: string(d.Language), IngestionStatus: string(d.IngestionState),
		QualityScore: d.QualityScore,
	}
	if d.QualityTier != nil {
		tier := string(*d.QualityTier)
		out.QualityTier = &tier
	}
	return out
}

// handleUploadDocument accepts a raw-body upload (X-Filename/X-Content-Type
// headers carry what multipart form fields would), runs the ingestion
// contract, and either stores the file or quarantines it.
func (s *server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	lang := langFrom(r)
	claims := claimsFrom(r)

	payload, err := io.ReadAll(io.LimitReader(r.Body, s.Config.MaxUploadSizeBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "empty file")
		return
	}

	filename := r.Header.Get("X-Filename")
	contentType := r.Header.Get("X-Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	contract := s.evaluateUpload(payload, filename, contentType)

	lang2 := detectLanguage(filename)
	doc, err := s.Repo.CreateDocument(r.Context(), repository.NewDocument{
		TenantID: claims.TenantID, Filename: filename, ContentType: contentType,
		SizeBytes: int64(len(payload)), StoragePath: "pending", Language: lang2,
		IngestionState: acceptedStateFor(contract), QualityTier: qualityTierPtr(contract), QualityScore: contract.QualityScore,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := toDocumentOut(doc)

	if contract.Decision == ingestion.DecisionAccept {
		path, err := s.Blobs.SaveRawDocument(doc.ID, filename, payload)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		accepted := document.StatusAccepted
		if _, err := s.Repo.UpdateDocument(r.Context(), doc.ID, repository.DocumentUpdate{
			StoragePath: &path, IngestionState: &accepted,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out.Message = i18n.T("upload_ok", lang)
		writeJSON(w, http.StatusOK, out)
		return
	}

	quarantinePath, err := s.Blobs.SaveQuarantineDocument(claims.TenantID, doc.ID, filename, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"stage": contract.Stage, "reason_codes": contract.ReasonCodes, "details": contract.Details,
	})
	_, _ = s.Blobs.SaveQuarantineMetadata(quarantinePath, meta)

	item, err := s.Repo.CreateQuarantineItem(r.Context(), repository.NewQuarantineItem{
		DocumentID: doc.ID, TenantID: claims.TenantID, Stage: quarantine.ContractStage(contract.Stage),
		Status: contract.QuarantineStatus(), ReasonCodes: contract.ReasonCodes, StoragePath: quarantinePath,
		Details: contract.Details,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Metrics.QuarantineCreated.Inc()

	quarantined := document.StatusQuarantined
	if contract.Decision == ingestion.DecisionReject {
		quarantined = document.StatusRejected
	}
	if _, err := s.Repo.UpdateDocument(r.Context(), doc.ID, repository.DocumentUpdate{
		StoragePath: &quarantinePath, IngestionState: &quarantined,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out.QuarantineItemID = &item.ID
	out.QuarantineReasonCodes = contract.ReasonCodes
	if contract.Decision == ingestion.DecisionQuarantine {
		out.Message = i18n.T("upload_quarantined", lang)
	} else {
		out.Message = i18n.T("upload_rejected", lang)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	lang := langFrom(r)
	claims := claimsFrom(r)
	documentID := chi.URLParam(r, "documentID")

	doc, err := s.Repo.GetDocument(r.Context(), documentID, claims.TenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, i18n.T("doc_not_found", lang))
		return
	}
	writeJSON(w, http.StatusOK, toDocumentOut(doc))
}

func acceptedStateFor(c ingestion.Result) document.IngestionStatus {
	switch c.Decision {
	case ingestion.DecisionAccept:
		return document.StatusAccepted
	case ingestion.DecisionReject:
		return document.StatusRejected
	default:
		return document.StatusQuarantined
	}
}

func qualityTierPtr(c ingestion.Result) *document.QualityTier {
	if c.QualityTier == nil {
		return nil
	}
	t := document.QualityTier(*c.QualityTier)
	return &t
}

// detectLanguage is a placeholder heuristic; the pipeline's actual language
// signal comes from OCR/extraction, not the filename.
func detectLanguage(filename string) document.Language {
	return document.LanguageEN
}
