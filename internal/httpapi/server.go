package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/finmentor/internal/bridge"
	"github.com/antoniostano/finmentor/internal/config"
	"github.com/antoniostano/finmentor/internal/media"
	"github.com/antoniostano/finmentor/internal/observability"
	"github.com/antoniostano/finmentor/internal/protocol"
	"github.com/antoniostano/finmentor/internal/session"
	"github.com/antoniostano/finmentor/internal/settings"
	"github.com/antoniostano/finmentor/internal/transcript"
	"github.com/antoniostano/finmentor/internal/transport"
)

// SessionFactory builds a controller bound to one client connection.
type SessionFactory interface {
	NewSession(clientID string, tr transport.Transport, device media.Device) (*session.Controller, error)
}

// StoreModes names the active persistence backends for status endpoints.
type StoreModes struct {
	State      string
	Transcript string
}

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	factory     SessionFactory
	settings    *settings.Repository
	transcripts transcript.Store
	metrics     *observability.Metrics
	modes       StoreModes
	upgrader    websocket.Upgrader
	static      http.Handler

	connMu   sync.Mutex
	draining bool
	conns    sync.WaitGroup
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	factory SessionFactory,
	settingsRepo *settings.Repository,
	transcripts transcript.Store,
	metrics *observability.Metrics,
	modes StoreModes,
) *Server {
	return &Server{
		cfg:         cfg,
		sessions:    sessions,
		factory:     factory,
		settings:    settingsRepo,
		transcripts: transcripts,
		metrics:     metrics,
		modes:       modes,
		static:      newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())

	r.Get("/v1/onboarding/status", s.handleOnboardingStatus)
	r.Get("/v1/settings", s.handleGetSettings)
	r.Put("/v1/settings", s.handlePutSettings)
	r.Put("/v1/settings/token", s.handlePutToken)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/sessions/{id}/restart", s.handleRestartSession)
	r.Post("/v1/sessions/{id}/messages", s.handleSendMessage)
	r.Get("/v1/conversations/{id}/transcript", s.handleTranscript)
	r.Get("/v1/session/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"transport_mode":   s.cfg.TransportMode,
		"state_store_mode": s.modes.State,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":                "ready",
		"active_sessions":       s.sessions.ActiveCount(),
		"transcript_store_mode": s.modes.Transcript,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if err := ctrl.End(r.Context()); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (s *Server) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if err := ctrl.Restart(r.Context()); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ctrl.Snapshot())
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := ctrl.SendText(r.Context(), req.Text); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "missing conversation id")
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be within 1..1000")
			return
		}
		limit = n
	}
	entries, err := s.transcripts.ForConversation(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_unavailable", err.Error())
		return
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "entries": entries})
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	ctrl, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return ctrl, true
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "missing_client_id", "query parameter client_id is required")
		return
	}
	if s.factory == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "session factory not configured")
		return
	}

	if !s.trackConn() {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	defer s.conns.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	send := func(sendCtx context.Context, msg any) error {
		select {
		case outbound <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-sendCtx.Done():
			return sendCtx.Err()
		}
	}

	var (
		tr     transport.Transport
		device media.Device
		br     *bridge.Bridge
	)
	if s.cfg.TransportMode == "mock" {
		mock := transport.NewMockTransport()
		mock.AutoRemoteID = "replica"
		tr, device = mock, mock
	} else {
		br = bridge.New(send, s.cfg.BridgeCommandTimeout)
		tr, device = br, br
	}

	ctrl, err := s.factory.NewSession(clientID, tr, device)
	if err != nil {
		_ = conn.WriteJSON(protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "session_unavailable",
			Source: "gateway",
			Detail: err.Error(),
		})
		return
	}
	sessionID := ctrl.ID()
	logger := log.With().Str("session_id", sessionID).Str("client_id", clientID).Logger()
	if prev := s.sessions.Register(clientID, ctrl); prev != nil {
		// The same browser opened a second tab or reconnected before the old
		// socket timed out; only one of them may hold the call.
		logger.Info().Str("replaced_session_id", prev.ID()).Msg("closing previous session for client")
		prev.Close()
	}
	s.metrics.SessionEvent("ws_connected")
	logger.Info().Str("transport_mode", s.cfg.TransportMode).Msg("session connected")

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = ctrl.Run(ctx)
	}()

	snapshots, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapshots:
				_ = send(ctx, protocol.SessionState{
					Type:      protocol.TypeSessionState,
					SessionID: sessionID,
					Snapshot:  snap,
				})
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				// Unblocks the read loop on server shutdown.
				_ = conn.Close()
				return
			case <-ctrl.Done():
				// Replaced by a newer connection for the same client.
				_ = conn.Close()
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.WSMessage("outbound", "write_error")
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	sendError := func(code string, retryable bool, detail string) {
		_ = send(ctx, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      code,
			Source:    "gateway",
			Retryable: retryable,
			Detail:    detail,
		})
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		// Any client traffic counts as liveness.
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			sendError("invalid_client_message", false, err.Error())
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessage("inbound", string(t))
		}

		switch m := parsed.(type) {
		case protocol.ClientControl:
			if err := dispatchControl(ctx, ctrl, m.Action); err != nil {
				sendError(errorCode(err), false, err.Error())
			}
		case protocol.ClientText:
			if err := ctrl.SendText(ctx, m.Text); err != nil {
				sendError(errorCode(err), false, err.Error())
			}
		case protocol.TransportResult:
			if br != nil {
				br.HandleResult(m)
			}
		case protocol.TransportEvent:
			if br != nil {
				br.HandleEvent(m.Event)
			}
		}
	}

	cancel()
	if br != nil {
		br.Close()
	}
	<-runDone
	<-writerDone
	s.sessions.Remove(sessionID)
	s.metrics.SessionEvent("ws_disconnected")
	logger.Info().Msg("session disconnected")
}

func (s *Server) trackConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.draining {
		return false
	}
	s.conns.Add(1)
	return true
}

// Drain refuses new session sockets and waits until every open one has torn
// down its controller. Request contexts must already be cancelled, otherwise
// live sessions keep it waiting until ctx expires. http.Server.Shutdown does
// not wait for hijacked websocket connections, so callers drain after it.
func (s *Server) Drain(ctx context.Context) error {
	s.connMu.Lock()
	s.draining = true
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func dispatchControl(ctx context.Context, ctrl *session.Controller, action string) error {
	switch action {
	case protocol.ActionStart:
		return ctrl.Start(ctx)
	case protocol.ActionRetry:
		return ctrl.Retry(ctx)
	case protocol.ActionEnd:
		return ctrl.End(ctx)
	case protocol.ActionRestart:
		return ctrl.Restart(ctx)
	case protocol.ActionToggleAudio:
		return ctrl.ToggleAudio(ctx)
	case protocol.ActionToggleVideo:
		return ctrl.ToggleVideo(ctx)
	case protocol.ActionOpenSettings:
		return ctrl.OpenSettings(ctx)
	case protocol.ActionCloseSettings:
		return ctrl.CloseSettings(ctx)
	case protocol.ActionPushToTalk:
		return ctrl.PushToTalk(ctx)
	case protocol.ActionReleaseTalk:
		return ctrl.ReleaseTalk(ctx)
	default:
		return errors.New("unsupported action " + action)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, session.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, session.ErrClosed):
		return "session_closed"
	default:
		return "session_error"
	}
}

func respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, errorCode(err), err.Error())
	case errors.Is(err, session.ErrInvalidState):
		respondError(w, http.StatusConflict, errorCode(err), err.Error())
	case errors.Is(err, session.ErrClosed):
		respondError(w, http.StatusGone, errorCode(err), err.Error())
	default:
		respondError(w, http.StatusInternalServerError, errorCode(err), err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ClientText:
		return m.Type, true
	case protocol.TransportResult:
		return m.Type, true
	case protocol.TransportEvent:
		return m.Type, true
	case protocol.TransportCommand:
		return m.Type, true
	case protocol.SessionState:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
