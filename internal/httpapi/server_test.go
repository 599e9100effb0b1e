package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/finmentor/internal/config"
	"github.com/antoniostano/finmentor/internal/kv"
	"github.com/antoniostano/finmentor/internal/media"
	"github.com/antoniostano/finmentor/internal/observability"
	"github.com/antoniostano/finmentor/internal/session"
	"github.com/antoniostano/finmentor/internal/sessiontimer"
	"github.com/antoniostano/finmentor/internal/settings"
	"github.com/antoniostano/finmentor/internal/tavus"
	"github.com/antoniostano/finmentor/internal/transcript"
	"github.com/antoniostano/finmentor/internal/transport"
)

type testFactory struct {
	client      *tavus.Client
	settings    *settings.Repository
	transcripts transcript.Store
	metrics     *observability.Metrics
}

func (f *testFactory) NewSession(clientID string, tr transport.Transport, device media.Device) (*session.Controller, error) {
	return session.NewController(session.Options{
		Transport:    tr,
		Media:        media.NewAcquirer(device),
		Provisioner:  f.client,
		Settings:     f.settings,
		Timer:        sessiontimer.New(kv.NewMemoryStore(), "timer:"+clientID, nil),
		Transcript:   f.transcripts,
		Metrics:      f.metrics,
		TimeLimit:    5 * time.Minute,
		RestartDelay: 10 * time.Millisecond,
	})
}

type testEnv struct {
	server      *httptest.Server
	api         *Server
	settings    *settings.Repository
	transcripts *transcript.InMemoryStore
	ended       atomic.Int32
}

func newTestEnv(t *testing.T, mode, token string) *testEnv {
	t.Helper()
	env := &testEnv{}

	tavusAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/conversations":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"conversation_id":"c-1","conversation_url":"https://call.example/c-1","status":"active"}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/end"):
			env.ended.Add(1)
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(tavusAPI.Close)

	cfg := config.Config{
		TransportMode:        mode,
		BridgeCommandTimeout: 2 * time.Second,
		SessionTimeLimit:     5 * time.Minute,
		TavusBaseURL:         tavusAPI.URL,
	}
	metrics := observability.NewMetrics("test")
	env.settings = settings.NewRepository(kv.NewMemoryStore(), token)
	env.transcripts = transcript.NewInMemoryStore()
	factory := &testFactory{
		client:      tavus.NewClient(tavusAPI.URL, tavusAPI.Client()),
		settings:    env.settings,
		transcripts: env.transcripts,
		metrics:     metrics,
	}

	env.api = New(cfg, session.NewManager(), factory, env.settings, env.transcripts, metrics, StoreModes{State: "memory", Transcript: "in-memory"})
	env.server = httptest.NewServer(env.api.Router())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) dial(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/v1/session/ws?client_id=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireMessage struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	RequestID string           `json:"request_id"`
	Command   string           `json:"command"`
	URL       string           `json:"url"`
	Code      string           `json:"code"`
	Snapshot  session.Snapshot `json:"snapshot"`
}

// readUntil reads messages until match returns true or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wireMessage) bool) wireMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read websocket: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func stateIs(s session.State) func(wireMessage) bool {
	return func(m wireMessage) bool { return m.Type == "session_state" && m.Snapshot.State == s }
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func putJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s error = %v", url, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestMockSessionOverWebsocket(t *testing.T) {
	env := newTestEnv(t, "mock", "tok")
	conn := env.dial(t, "client-1")

	first := readUntil(t, conn, stateIs(session.StateIdle))
	sessionID := first.SessionID
	if sessionID == "" {
		t.Fatalf("missing session id in first snapshot")
	}

	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "start"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	active := readUntil(t, conn, stateIs(session.StateActive))
	if active.Snapshot.ConversationID != "c-1" {
		t.Fatalf("ConversationID = %q, want c-1", active.Snapshot.ConversationID)
	}

	if err := conn.WriteJSON(map[string]string{"type": "client_text", "text": "   "}); err != nil {
		t.Fatalf("write text: %v", err)
	}
	errMsg := readUntil(t, conn, func(m wireMessage) bool { return m.Type == "error_event" })
	if errMsg.Code != "empty_message" {
		t.Fatalf("error code = %q, want empty_message", errMsg.Code)
	}

	res := postJSON(t, env.server.URL+"/v1/sessions/"+sessionID+"/messages", map[string]string{"text": "Should I pay off my 5% loan first?"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("send message status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, _ := env.transcripts.ForConversation(context.Background(), "c-1", 0)
		if len(entries) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transcript entry was not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	trRes, err := http.Get(env.server.URL + "/v1/conversations/c-1/transcript")
	if err != nil {
		t.Fatalf("GET transcript error = %v", err)
	}
	defer trRes.Body.Close()
	var transcriptBody struct {
		Entries []transcript.Entry `json:"entries"`
	}
	if err := json.NewDecoder(trRes.Body).Decode(&transcriptBody); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if len(transcriptBody.Entries) != 1 || transcriptBody.Entries[0].Role != transcript.RoleUser {
		t.Fatalf("unexpected transcript: %+v", transcriptBody.Entries)
	}

	listRes, err := http.Get(env.server.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET sessions error = %v", err)
	}
	defer listRes.Body.Close()
	var list struct {
		Sessions []session.Snapshot `json:"sessions"`
	}
	if err := json.NewDecoder(listRes.Body).Decode(&list); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].SessionID != sessionID {
		t.Fatalf("unexpected sessions: %+v", list.Sessions)
	}

	endRes := postJSON(t, env.server.URL+"/v1/sessions/"+sessionID+"/end", nil)
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
	readUntil(t, conn, stateIs(session.StateIdle))

	restartRes := postJSON(t, env.server.URL+"/v1/sessions/"+sessionID+"/restart", nil)
	if restartRes.StatusCode != http.StatusConflict {
		t.Fatalf("restart from idle status = %d, want %d", restartRes.StatusCode, http.StatusConflict)
	}

	deadline = time.Now().Add(2 * time.Second)
	for env.ended.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("conversation was not ended remotely")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridgeSessionOverWebsocket(t *testing.T) {
	env := newTestEnv(t, "bridge", "tok")
	conn := env.dial(t, "client-2")
	readUntil(t, conn, stateIs(session.StateIdle))

	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "start"}); err != nil {
		t.Fatalf("write start: %v", err)
	}

	camera := readUntil(t, conn, func(m wireMessage) bool { return m.Type == "transport_command" && m.Command == "start_camera" })
	if err := conn.WriteJSON(map[string]any{
		"type":       "transport_result",
		"request_id": camera.RequestID,
		"ok":         true,
		"devices": map[string]any{
			"camera":  map[string]any{"granted": true, "device_id": "default"},
			"mic":     map[string]any{"granted": true, "device_id": "default"},
			"speaker": map[string]any{"granted": true, "device_id": "default"},
		},
	}); err != nil {
		t.Fatalf("write camera result: %v", err)
	}

	join := readUntil(t, conn, func(m wireMessage) bool { return m.Type == "transport_command" && m.Command == "join" })
	if join.URL != "https://call.example/c-1" {
		t.Fatalf("join URL = %q", join.URL)
	}
	if err := conn.WriteJSON(map[string]any{"type": "transport_result", "request_id": join.RequestID, "ok": true}); err != nil {
		t.Fatalf("write join result: %v", err)
	}
	readUntil(t, conn, stateIs(session.StateWaitingForRemote))

	if err := conn.WriteJSON(map[string]any{"type": "transport_event", "event": "participant_joined", "participant_id": "replica"}); err != nil {
		t.Fatalf("write participant event: %v", err)
	}
	active := readUntil(t, conn, stateIs(session.StateActive))
	if len(active.Snapshot.RemoteParticipants) != 1 {
		t.Fatalf("RemoteParticipants = %v, want one", active.Snapshot.RemoteParticipants)
	}

	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "end"}); err != nil {
		t.Fatalf("write end: %v", err)
	}
	readUntil(t, conn, func(m wireMessage) bool { return m.Type == "transport_command" && m.Command == "leave" })
	readUntil(t, conn, func(m wireMessage) bool { return m.Type == "transport_command" && m.Command == "destroy" })
	readUntil(t, conn, stateIs(session.StateIdle))
}

func TestMissingTokenSurfacesInSnapshot(t *testing.T) {
	env := newTestEnv(t, "mock", "")
	conn := env.dial(t, "client-3")
	readUntil(t, conn, stateIs(session.StateIdle))

	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "start"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	msg := readUntil(t, conn, stateIs(session.StateProvisioningError))
	if msg.Snapshot.Error == nil || msg.Snapshot.Error.Kind != session.ErrorMissingToken {
		t.Fatalf("unexpected error: %+v", msg.Snapshot.Error)
	}
}

func TestInvalidClientMessage(t *testing.T) {
	env := newTestEnv(t, "mock", "tok")
	conn := env.dial(t, "client-4")
	readUntil(t, conn, stateIs(session.StateIdle))

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_control","action":"explode"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readUntil(t, conn, func(m wireMessage) bool { return m.Type == "error_event" })
	if msg.Code != "invalid_client_message" {
		t.Fatalf("code = %q, want invalid_client_message", msg.Code)
	}
}

func TestSessionWSRequiresClientID(t *testing.T) {
	env := newTestEnv(t, "mock", "tok")
	res, err := http.Get(env.server.URL + "/v1/session/ws")
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestUnknownSession(t *testing.T) {
	env := newTestEnv(t, "mock", "tok")
	res, err := http.Get(env.server.URL + "/v1/sessions/nope")
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestEnv(t, "mock", "")

	res := putJSON(t, env.server.URL+"/v1/settings", map[string]string{"name": "Ada", "language": "fr"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("PUT settings status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var saved settings.Settings
	if err := json.NewDecoder(res.Body).Decode(&saved); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if saved.Name != "Ada" || saved.Language != "fr" || saved.Persona != tavus.DefaultPersonaID {
		t.Fatalf("unexpected saved settings: %+v", saved)
	}

	bad := putJSON(t, env.server.URL+"/v1/settings", map[string]string{"interruptSensitivity": "extreme"})
	if bad.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid settings status = %d, want %d", bad.StatusCode, http.StatusUnprocessableEntity)
	}

	tokRes := putJSON(t, env.server.URL+"/v1/settings/token", map[string]string{"token": "abcd1234"})
	if tokRes.StatusCode != http.StatusOK {
		t.Fatalf("PUT token status = %d", tokRes.StatusCode)
	}
	var tok map[string]any
	if err := json.NewDecoder(tokRes.Body).Decode(&tok); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if tok["token"] != "****1234" || tok["token_configured"] != true {
		t.Fatalf("unexpected token response: %+v", tok)
	}
	if got := env.settings.Token(context.Background()); got != "abcd1234" {
		t.Fatalf("stored token = %q", got)
	}
}

func TestOnboardingStatus(t *testing.T) {
	env := newTestEnv(t, "mock", "")
	res, err := http.Get(env.server.URL + "/v1/onboarding/status")
	if err != nil {
		t.Fatalf("GET onboarding error = %v", err)
	}
	defer res.Body.Close()

	var body onboardingStatusResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode onboarding: %v", err)
	}
	if body.TokenConfigured {
		t.Fatalf("TokenConfigured = true, want false")
	}
	if body.TransportMode != "mock" || body.TimeLimitSeconds != 300 {
		t.Fatalf("unexpected onboarding response: %+v", body)
	}
	found := false
	for _, c := range body.Checks {
		if c.ID == "api_token" {
			found = true
			if c.Status != "error" {
				t.Fatalf("api_token status = %q, want error", c.Status)
			}
		}
	}
	if !found {
		t.Fatalf("api_token check missing: %+v", body.Checks)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, "mock", "tok")

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		res, err := http.Get(env.server.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

func TestUIRoutes(t *testing.T) {
	env := newTestEnv(t, "mock", "tok")
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	rootRes, err := client.Get(env.server.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	rootRes.Body.Close()
	if rootRes.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("GET / status = %d, want %d", rootRes.StatusCode, http.StatusTemporaryRedirect)
	}
	if loc := rootRes.Header.Get("Location"); loc != "/ui/" {
		t.Fatalf("GET / location = %q, want /ui/", loc)
	}

	uiRes, err := client.Get(env.server.URL + "/ui/")
	if err != nil {
		t.Fatalf("GET /ui/ error = %v", err)
	}
	defer uiRes.Body.Close()
	body, _ := io.ReadAll(uiRes.Body)
	if uiRes.StatusCode != http.StatusOK || !strings.Contains(string(body), "/v1/session/ws") {
		t.Fatalf("GET /ui/ status = %d, body missing websocket client", uiRes.StatusCode)
	}
}

func (e *testEnv) listSessions(t *testing.T) []session.Snapshot {
	t.Helper()
	res, err := http.Get(e.server.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET sessions error = %v", err)
	}
	defer res.Body.Close()
	var list struct {
		Sessions []session.Snapshot `json:"sessions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	return list.Sessions
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	env := newTestEnv(t, "mock", "tok")
	first := env.dial(t, "client-1")
	readUntil(t, first, stateIs(session.StateIdle))
	if err := first.WriteJSON(map[string]string{"type": "client_control", "action": "start"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	readUntil(t, first, stateIs(session.StateActive))

	second := env.dial(t, "client-1")
	idle := readUntil(t, second, stateIs(session.StateIdle))

	// The replaced socket is closed once its controller has torn down.
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				t.Fatalf("previous connection was not closed")
			}
			break
		}
	}
	if got := env.ended.Load(); got != 1 {
		t.Fatalf("ended conversations = %d, want 1", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sessions := env.listSessions(t)
		if len(sessions) == 1 && sessions[0].SessionID == idle.SessionID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unexpected sessions: %+v", sessions)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPushToTalkOverWebsocket(t *testing.T) {
	env := newTestEnv(t, "mock", "tok")
	conn := env.dial(t, "client-1")
	readUntil(t, conn, stateIs(session.StateIdle))

	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "push_to_talk"}); err != nil {
		t.Fatalf("write push_to_talk: %v", err)
	}
	errMsg := readUntil(t, conn, func(m wireMessage) bool { return m.Type == "error_event" })
	if errMsg.Code != "invalid_state" {
		t.Fatalf("error code = %q, want invalid_state", errMsg.Code)
	}

	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "start"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	readUntil(t, conn, stateIs(session.StateActive))
	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "push_to_talk"}); err != nil {
		t.Fatalf("write push_to_talk: %v", err)
	}
	talking := readUntil(t, conn, func(m wireMessage) bool { return m.Type == "session_state" && m.Snapshot.Listening })
	if !talking.Snapshot.LocalAudio {
		t.Fatalf("push to talk did not open the microphone")
	}
	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "release_talk"}); err != nil {
		t.Fatalf("write release_talk: %v", err)
	}
	readUntil(t, conn, func(m wireMessage) bool { return m.Type == "session_state" && !m.Snapshot.Listening })
}

func TestDrainRefusesNewSockets(t *testing.T) {
	env := newTestEnv(t, "mock", "tok")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.api.Drain(ctx); err != nil {
		t.Fatalf("Drain() with no sockets error = %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/session/ws?client_id=late"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial after drain succeeded")
	}
	if res == nil || res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("dial after drain response = %+v, want 503", res)
	}
}

func TestDrainTimesOutWhileSessionIsOpen(t *testing.T) {
	env := newTestEnv(t, "mock", "tok")
	conn := env.dial(t, "client-1")
	readUntil(t, conn, stateIs(session.StateIdle))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := env.api.Drain(ctx); err == nil {
		t.Fatalf("Drain() returned before the open socket closed")
	}

	_ = conn.Close()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := env.api.Drain(ctx2); err != nil {
		t.Fatalf("Drain() after close error = %v", err)
	}
}
