package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/finmentor/internal/app"
	"github.com/antoniostano/finmentor/internal/kv"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func useSQLiteState(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	t.Setenv("STATE_STORE_URL", "sqlite://"+path)
	t.Setenv("TAVUS_API_KEY", "")
	t.Setenv("SESSION_TIME_LIMIT", "")
	t.Setenv("TRANSPORT_MODE", "")
	return path
}

func TestSettingsImportThenShow(t *testing.T) {
	useSQLiteState(t)

	doc := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(doc, []byte("name: Ada\nlanguage: de\ngreeting: Hallo\n"), 0o600))

	out, err := runCLI(t, "", "settings", "import", doc)
	require.NoError(t, err)
	assert.Contains(t, out, "language=de")

	out, err = runCLI(t, "", "settings", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "name: Ada")
	assert.Contains(t, out, "greeting: Hallo")
	assert.Contains(t, out, "interrupt_sensitivity: medium")
}

func TestSettingsImportRejectsInvalid(t *testing.T) {
	useSQLiteState(t)

	_, err := runCLI(t, "language: tlh\n", "settings", "import", "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "language")
}

func TestTokenSetAndClear(t *testing.T) {
	useSQLiteState(t)

	out, err := runCLI(t, "", "token", "set", "secret-9876")
	require.NoError(t, err)
	assert.Contains(t, out, "*******9876")

	out, err = runCLI(t, "", "token", "set")
	require.NoError(t, err)
	assert.Contains(t, out, "token cleared")
}

func TestTimerShowAndClear(t *testing.T) {
	path := useSQLiteState(t)

	_, err := runCLI(t, "", "timer", "show")
	require.Error(t, err)

	out, err := runCLI(t, "", "timer", "show", "--client", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "no timer running")

	store, err := kv.NewSQLiteStore(path)
	require.NoError(t, err)
	start := time.Now().UTC().Add(-90 * time.Second)
	raw := []byte(`{"started_at":"` + start.Format(time.RFC3339Nano) + `","last_observed_at":"` + start.Add(90*time.Second).Format(time.RFC3339Nano) + `"}`)
	require.NoError(t, store.Set(context.Background(), app.TimerKey("c1"), raw))
	require.NoError(t, store.Close())

	out, err = runCLI(t, "", "timer", "show", "--client", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "elapsed=90s remaining=210s")

	out, err = runCLI(t, "", "timer", "clear", "--client", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "timer cleared")

	out, err = runCLI(t, "", "timer", "show", "--client", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "no timer running")
}
