package httpapi

import (
	"net/http"

	"invoicerun/internal/i18n"
)

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	lang := i18n.PickLang(r.Header.Get("Accept-Language"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": i18n.T("health_ok", lang)})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	lang := i18n.PickLang(r.Header.Get("Accept-Language"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "message": i18n.T("ready_ok", lang)})
}
