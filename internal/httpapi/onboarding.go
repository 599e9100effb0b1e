package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/antoniostano/finmentor/internal/settings"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	TransportMode       string            `json:"transport_mode"`
	StateStoreMode      string            `json:"state_store_mode"`
	TranscriptStoreMode string            `json:"transcript_store_mode"`
	TokenConfigured     bool              `json:"token_configured"`
	TimeLimitSeconds    int               `json:"time_limit_seconds"`
	Checks              []onboardingCheck `json:"checks"`
}

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, r *http.Request) {
	token := s.settings.Token(r.Context())
	checks := make([]onboardingCheck, 0, 6)

	if token == "" {
		checks = append(checks, onboardingCheck{
			ID:     "api_token",
			Status: "error",
			Label:  "Conversation API key",
			Detail: "no key configured",
			Fix:    "Set TAVUS_API_KEY or save a key with PUT /v1/settings/token.",
		})
	} else {
		checks = append(checks, onboardingCheck{
			ID:     "api_token",
			Status: "ok",
			Label:  "Conversation API key",
			Detail: settings.MaskToken(token),
		})
	}

	checks = append(checks, s.baseURLCheck())

	switch s.cfg.TransportMode {
	case "mock":
		checks = append(checks, onboardingCheck{
			ID:     "transport",
			Status: "warn",
			Label:  "Call transport",
			Detail: "mock: no real call is joined",
			Fix:    "Set TRANSPORT_MODE=bridge to drive the browser call client.",
		})
	default:
		checks = append(checks, onboardingCheck{
			ID:     "transport",
			Status: "ok",
			Label:  "Call transport",
			Detail: "browser bridge",
		})
	}

	switch s.modes.State {
	case "memory":
		checks = append(checks, onboardingCheck{
			ID:     "state_store",
			Status: "warn",
			Label:  "Settings persistence",
			Detail: "in-memory only",
			Fix:    "Set STATE_STORE_URL (sqlite://, redis:// or postgres://) to keep settings across restarts.",
		})
	default:
		checks = append(checks, onboardingCheck{
			ID:     "state_store",
			Status: "ok",
			Label:  "Settings persistence",
			Detail: s.modes.State,
		})
	}

	switch s.modes.Transcript {
	case "postgres":
		checks = append(checks, onboardingCheck{
			ID:     "transcript_store",
			Status: "ok",
			Label:  "Transcript persistence",
			Detail: "postgres",
		})
	default:
		checks = append(checks, onboardingCheck{
			ID:     "transcript_store",
			Status: "warn",
			Label:  "Transcript persistence",
			Detail: fmt.Sprintf("%s only", s.modes.Transcript),
			Fix:    "Set DATABASE_URL to persist transcripts across restarts.",
		})
	}

	respondJSON(w, http.StatusOK, onboardingStatusResponse{
		TransportMode:       s.cfg.TransportMode,
		StateStoreMode:      s.modes.State,
		TranscriptStoreMode: s.modes.Transcript,
		TokenConfigured:     token != "",
		TimeLimitSeconds:    s.cfg.TimeLimitSeconds(),
		Checks:              checks,
	})
}

func (s *Server) baseURLCheck() onboardingCheck {
	u, err := url.Parse(strings.TrimSpace(s.cfg.TavusBaseURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return onboardingCheck{
			ID:     "api_base_url",
			Status: "error",
			Label:  "Conversation API endpoint",
			Detail: "invalid TAVUS_BASE_URL",
			Fix:    "Set TAVUS_BASE_URL to an http(s) URL.",
		}
	}
	status := "ok"
	if u.Scheme == "http" && !isLoopbackHost(u.Hostname()) {
		status = "warn"
	}
	return onboardingCheck{
		ID:     "api_base_url",
		Status: status,
		Label:  "Conversation API endpoint",
		Detail: u.Scheme + "://" + u.Host,
	}
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
