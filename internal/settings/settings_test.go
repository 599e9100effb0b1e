package settings

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/finmentor/internal/kv"
	"github.com/antoniostano/finmentor/internal/tavus"
)

func TestLoadFallsBackToDefaults(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	repo := NewRepository(store, "")

	assert.Equal(t, Defaults(), repo.Load(ctx))

	require.NoError(t, store.Set(ctx, settingsKey, []byte("][")))
	assert.Equal(t, Defaults(), repo.Load(ctx))

	require.NoError(t, store.Set(ctx, settingsKey, []byte(`{"language":"klingon"}`)))
	assert.Equal(t, Defaults(), repo.Load(ctx))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(kv.NewMemoryStore(), "")

	saved, err := repo.Save(ctx, Settings{Name: "  Ada ", Language: "EN", Context: "Paying off student loans."})
	require.NoError(t, err)
	assert.Equal(t, "Ada", saved.Name)
	assert.Equal(t, "en", saved.Language)
	assert.Equal(t, "medium", saved.InterruptSensitivity)
	assert.Equal(t, tavus.DefaultPersonaID, saved.Persona)

	assert.Equal(t, saved, repo.Load(ctx))
}

func TestSaveRejectsInvalid(t *testing.T) {
	repo := NewRepository(kv.NewMemoryStore(), "")
	_, err := repo.Save(context.Background(), Settings{InterruptSensitivity: "extreme"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "interrupt_sensitivity", verr.Field)

	_, err = repo.Save(context.Background(), Settings{Context: strings.Repeat("x", maxContextLen+1)})
	assert.Error(t, err)
}

func TestSessionConfigMapping(t *testing.T) {
	cfg := Settings{Name: "Ada", Greeting: "Hey", Context: "ctx", Persona: "p", Replica: "r"}.SessionConfig()
	assert.Equal(t, tavus.SessionConfig{PersonaID: "p", ReplicaID: "r", Greeting: "Hey", DisplayName: "Ada", ExtraContext: "ctx"}, cfg)
}

func TestTokenFallbackAndOverride(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(kv.NewMemoryStore(), "env-key")
	assert.Equal(t, "env-key", repo.Token(ctx))

	require.NoError(t, repo.SaveToken(ctx, " stored-key "))
	assert.Equal(t, "stored-key", repo.Token(ctx))

	require.NoError(t, repo.SaveToken(ctx, ""))
	assert.Equal(t, "env-key", repo.Token(ctx))
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", MaskToken(""))
	assert.Equal(t, "****", MaskToken("abc"))
	assert.Equal(t, "*****6789", MaskToken("123456789"))
}

func TestYAMLRoundTrip(t *testing.T) {
	in := Settings{Name: "Ada", Language: "fr", InterruptSensitivity: "high", Persona: "p1", Replica: "r1"}
	raw, err := EncodeYAML(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "interrupt_sensitivity: high")

	out, err := DecodeYAML(strings.NewReader(string(raw)))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeYAMLRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeYAML(strings.NewReader("name: Ada\nfavourite_color: blue\n"))
	assert.Error(t, err)
}
