package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/antoniostano/finmentor/internal/kv"
	"github.com/antoniostano/finmentor/internal/tavus"
)

const (
	settingsKey = "settings"
	tokenKey    = "api_token"

	maxFieldLen   = 256
	maxContextLen = 4000
)

var (
	validLanguages     = []string{"en", "es", "fr", "de", "it", "pt", "ja", "ko", "zh"}
	validSensitivities = []string{"low", "medium", "high"}
)

// Settings are the user-chosen knobs persisted between runs.
type Settings struct {
	Name                 string `json:"name" yaml:"name"`
	Language             string `json:"language" yaml:"language"`
	InterruptSensitivity string `json:"interruptSensitivity" yaml:"interrupt_sensitivity"`
	Greeting             string `json:"greeting" yaml:"greeting"`
	Context              string `json:"context" yaml:"context"`
	Persona              string `json:"persona" yaml:"persona"`
	Replica              string `json:"replica" yaml:"replica"`
}

// Defaults returns the settings used when nothing valid is stored.
func Defaults() Settings {
	return Settings{
		Language:             "en",
		InterruptSensitivity: "medium",
		Persona:              tavus.DefaultPersonaID,
		Replica:              tavus.DefaultReplicaID,
	}
}

// SessionConfig maps settings onto a provisioning config.
func (s Settings) SessionConfig() tavus.SessionConfig {
	return tavus.SessionConfig{
		PersonaID:    s.Persona,
		ReplicaID:    s.Replica,
		Greeting:     s.Greeting,
		DisplayName:  s.Name,
		ExtraContext: s.Context,
	}
}

// Normalize trims fields and fills blanks from defaults.
func (s Settings) Normalize() Settings {
	d := Defaults()
	s.Name = strings.TrimSpace(s.Name)
	s.Language = strings.ToLower(strings.TrimSpace(s.Language))
	s.InterruptSensitivity = strings.ToLower(strings.TrimSpace(s.InterruptSensitivity))
	s.Greeting = strings.TrimSpace(s.Greeting)
	s.Context = strings.TrimSpace(s.Context)
	s.Persona = strings.TrimSpace(s.Persona)
	s.Replica = strings.TrimSpace(s.Replica)
	if s.Language == "" {
		s.Language = d.Language
	}
	if s.InterruptSensitivity == "" {
		s.InterruptSensitivity = d.InterruptSensitivity
	}
	if s.Persona == "" {
		s.Persona = d.Persona
	}
	if s.Replica == "" {
		s.Replica = d.Replica
	}
	return s
}

// ValidationError is a settings value the provisioning API or UI cannot use.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate rejects values the provisioning API or UI cannot use.
func (s Settings) Validate() error {
	if !slices.Contains(validLanguages, s.Language) {
		return &ValidationError{Field: "language", Reason: fmt.Sprintf("unsupported language %q", s.Language)}
	}
	if !slices.Contains(validSensitivities, s.InterruptSensitivity) {
		return &ValidationError{Field: "interrupt_sensitivity", Reason: "must be one of " + strings.Join(validSensitivities, "|")}
	}
	for _, f := range []struct{ name, v string }{
		{"name", s.Name}, {"greeting", s.Greeting}, {"persona", s.Persona}, {"replica", s.Replica},
	} {
		if len(f.v) > maxFieldLen {
			return &ValidationError{Field: f.name, Reason: fmt.Sprintf("longer than %d characters", maxFieldLen)}
		}
	}
	if len(s.Context) > maxContextLen {
		return &ValidationError{Field: "context", Reason: fmt.Sprintf("longer than %d characters", maxContextLen)}
	}
	return nil
}

// Repository loads and stores settings and the API token.
type Repository struct {
	mu            sync.RWMutex
	store         kv.Store
	fallbackToken string
}

// NewRepository wraps a store. fallbackToken is used while no token is stored.
func NewRepository(store kv.Store, fallbackToken string) *Repository {
	return &Repository{store: store, fallbackToken: strings.TrimSpace(fallbackToken)}
}

// Load never fails: missing or corrupt entries yield defaults.
func (r *Repository) Load(ctx context.Context) Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, err := r.store.Get(ctx, settingsKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			log.Warn().Err(err).Msg("settings: load failed, using defaults")
		}
		return Defaults()
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		log.Warn().Err(err).Msg("settings: stored value is corrupt, using defaults")
		return Defaults()
	}
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		log.Warn().Err(err).Msg("settings: stored value is invalid, using defaults")
		return Defaults()
	}
	return s
}

// Save normalizes, validates and persists settings.
func (r *Repository) Save(ctx context.Context, s Settings) (Settings, error) {
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return Settings{}, fmt.Errorf("marshal settings: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Set(ctx, settingsKey, raw); err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	return s, nil
}

// Token returns the stored API token, or the configured fallback.
func (r *Repository) Token(ctx context.Context) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, err := r.store.Get(ctx, tokenKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			log.Warn().Err(err).Msg("settings: token load failed")
		}
		return r.fallbackToken
	}
	if tok := strings.TrimSpace(string(raw)); tok != "" {
		return tok
	}
	return r.fallbackToken
}

// SaveToken persists the API token. An empty token clears it.
func (r *Repository) SaveToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	r.mu.Lock()
	defer r.mu.Unlock()
	if token == "" {
		return r.store.Delete(ctx, tokenKey)
	}
	if err := r.store.Set(ctx, tokenKey, []byte(token)); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// MaskToken keeps the last four characters for display.
func MaskToken(token string) string {
	if len(token) <= 4 {
		if token == "" {
			return ""
		}
		return "****"
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}
