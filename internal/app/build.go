package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/antoniostano/finmentor/internal/config"
	"github.com/antoniostano/finmentor/internal/httpapi"
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

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Sessions    *session.Manager
	Settings    *settings.Repository
	State       kv.Store
	Transcripts transcript.Store
	Metrics     *observability.Metrics
	Modes       httpapi.StoreModes

	// Cleanup should be called on shutdown, after the request context is
	// cancelled. It waits for live sessions to end their remote conversations
	// and then releases external resources (DB pools, redis clients).
	Cleanup func() error
}

// OpenState opens the key-value store that holds settings, the API token and
// per-client timers. CLI commands use it without building the HTTP stack.
func OpenState(ctx context.Context, cfg config.Config) (kv.Store, kv.Mode, error) {
	store, mode, err := kv.NewStore(ctx, cfg.StateStoreURL, cfg.StateKeyPrefix)
	if err != nil {
		return nil, "", fmt.Errorf("state store init failed: %w", err)
	}
	return store, mode, nil
}

// TimerKey is the state key holding a client's conversation timer.
func TimerKey(clientID string) string {
	return "timer:" + strings.TrimSpace(clientID)
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	state, stateMode, err := OpenState(ctx, cfg)
	if err != nil {
		return nil, err
	}

	transcripts, transcriptMode, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	repo := settings.NewRepository(state, cfg.TavusAPIKey)
	sessions := session.NewManager()
	modes := httpapi.StoreModes{State: string(stateMode), Transcript: transcriptMode}

	factory := &sessionFactory{
		cfg:         cfg,
		client:      tavus.NewClient(cfg.TavusBaseURL, &http.Client{}),
		settings:    repo,
		state:       state,
		transcripts: transcripts,
		metrics:     metrics,
	}
	api := httpapi.New(cfg, sessions, factory, repo, transcripts, metrics, modes)

	cleanup := func() error {
		var errs []string
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := api.Drain(drainCtx); err != nil {
			errs = append(errs, fmt.Sprintf("session drain: %v", err))
		}
		if err := transcripts.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := state.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Sessions:    sessions,
		Settings:    repo,
		State:       state,
		Transcripts: transcripts,
		Metrics:     metrics,
		Modes:       modes,
		Cleanup:     cleanup,
	}, nil
}

// sessionFactory binds one controller per websocket client. The timer is
// keyed by client id: a browser that reconnects within ResumeWindow carries
// its elapsed time into the next conversation it starts.
type sessionFactory struct {
	cfg         config.Config
	client      *tavus.Client
	settings    *settings.Repository
	state       kv.Store
	transcripts transcript.Store
	metrics     *observability.Metrics
}

func (f *sessionFactory) NewSession(clientID string, tr transport.Transport, device media.Device) (*session.Controller, error) {
	clk := clock.RealClock{}
	return session.NewController(session.Options{
		Transport:       tr,
		Media:           media.NewAcquirer(device),
		Provisioner:     f.client,
		Settings:        f.settings,
		Timer:           sessiontimer.New(f.state, TimerKey(clientID), clk),
		Transcript:      f.transcripts,
		Metrics:         f.metrics,
		Clock:           clk,
		TimeLimit:       f.cfg.SessionTimeLimit,
		TickInterval:    f.cfg.TickInterval,
		AudioGraceDelay: f.cfg.AudioGraceDelay,
		RestartDelay:    f.cfg.RestartDelay,
		ResumeWindow:    f.cfg.ResumeWindow,
	})
}
