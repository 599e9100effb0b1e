package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/antoniostano/finmentor/internal/settings"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.settings.Load(r.Context()))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settings.Settings
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "settings body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	saved, err := s.settings.Save(r.Context(), req)
	if err != nil {
		var verr *settings.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusUnprocessableEntity, "invalid_settings", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "settings_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handlePutToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	token := strings.TrimSpace(req.Token)
	if err := s.settings.SaveToken(r.Context(), token); err != nil {
		respondError(w, http.StatusInternalServerError, "settings_unavailable", err.Error())
		return
	}
	effective := s.settings.Token(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{
		"token_configured": effective != "",
		"token":            settings.MaskToken(effective),
	})
}
