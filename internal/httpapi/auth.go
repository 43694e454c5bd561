package httpapi

import (
	"net/http"

	"invoicerun/internal/authn"
	"invoicerun/internal/i18n"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Message     string `json:"message"`
}

func (s *server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	lang := i18n.PickLang(r.Header.Get("Accept-Language"))

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, i18n.T("unauthorized", lang))
		return
	}

	roles, mfaVerified, ok := authn.Authenticate(req.Username, req.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, i18n.T("unauthorized", lang))
		return
	}

	token, err := s.Issuer.Issue(req.Username, roles, s.Config.DefaultTenant, mfaVerified)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, Message: i18n.T("token_issued", lang)})
}
