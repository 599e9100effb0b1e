package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"

	"github.com/antoniostano/finmentor/internal/media"
	"github.com/antoniostano/finmentor/internal/observability"
	"github.com/antoniostano/finmentor/internal/settings"
	"github.com/antoniostano/finmentor/internal/tavus"
	"github.com/antoniostano/finmentor/internal/transcript"
	"github.com/antoniostano/finmentor/internal/transport"
)

// Provisioner creates and ends remote conversations.
type Provisioner interface {
	CreateConversation(ctx context.Context, token string, cfg tavus.SessionConfig) (tavus.Conversation, error)
	EndConversation(ctx context.Context, token, conversationID string) error
}

// SettingsSource supplies the session configuration and API token at provisioning time.
type SettingsSource interface {
	Load(ctx context.Context) settings.Settings
	Token(ctx context.Context) string
}

// Timer measures how long the current conversation has been active.
type Timer interface {
	Start(ctx context.Context)
	Tick(ctx context.Context)
	Elapsed(ctx context.Context) int
	Clear(ctx context.Context)
	// ExpireIdle forgets a recorded session not observed within maxIdle.
	ExpireIdle(ctx context.Context, maxIdle time.Duration) bool
}

type Options struct {
	ID          string
	Transport   transport.Transport
	Media       media.Acquirer
	Provisioner Provisioner
	Settings    SettingsSource
	Timer       Timer
	Transcript  transcript.Store
	Metrics     *observability.Metrics
	Clock       clock.WithDelayedExecution

	TimeLimit       time.Duration
	TickInterval    time.Duration
	AudioGraceDelay time.Duration
	RestartDelay    time.Duration
	// ResumeWindow bounds how long a disconnected client's elapsed time is
	// carried into its next conversation. Defaults to TimeLimit.
	ResumeWindow    time.Duration

	// Pick returns a uniform index in [0, n). Defaults to math/rand.
	Pick func(n int) int
}

// input is one unit of loop work. reply, when set, receives fn's result
// after the resulting snapshot is published.
type input struct {
	fn    func() error
	reply chan error
}

type endVariant int

const (
	variantEnd endVariant = iota
	variantRestart
	// variantDisconnect ends the call but keeps the persisted timer.
	variantDisconnect
)

const (
	pushToTalkWindow = 10 * time.Second
	remoteEndTimeout = 10 * time.Second
)

// Controller owns one conversation lifecycle. Every mutation runs on the
// goroutine started by Run; public methods enqueue work and wait for it.
type Controller struct {
	id          string
	transport   transport.Transport
	media       media.Acquirer
	provisioner Provisioner
	settings    SettingsSource
	timer       Timer
	transcript  transcript.Store
	metrics     *observability.Metrics
	clock       clock.WithDelayedExecution
	pick        func(n int) int

	limitSeconds int
	tickInterval time.Duration
	audioGrace   time.Duration
	restartDelay time.Duration
	resumeWindow time.Duration

	logger     zerolog.Logger
	inbox      chan input
	done       chan struct{}
	once       sync.Once
	stop       chan struct{}
	stopOnce   sync.Once
	background sync.WaitGroup

	// Loop-owned.
	ctx          context.Context
	state        State
	screen       Screen
	epoch        uint64
	conv         *tavus.Conversation
	token        string
	grant        *media.Grant
	localAudio   bool
	localVideo   bool
	remote       []string
	lastErr      *Error
	live         bool
	prevElapsed  int
	wrapUpFired  bool
	outroFired   bool
	listening    bool
	tickTimer    clock.Timer
	audioTimer   clock.Timer
	restartTimer clock.Timer
	listenTimer  clock.Timer

	mu     sync.RWMutex
	snap   Snapshot
	subs   map[int]chan Snapshot
	nextID int
}

func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.Transport == nil:
		return nil, errors.New("session: transport is required")
	case opts.Media == nil:
		return nil, errors.New("session: media acquirer is required")
	case opts.Provisioner == nil:
		return nil, errors.New("session: provisioner is required")
	case opts.Settings == nil:
		return nil, errors.New("session: settings source is required")
	case opts.Timer == nil:
		return nil, errors.New("session: timer is required")
	}
	if opts.TimeLimit <= time.Minute {
		return nil, fmt.Errorf("session: time limit %s leaves no room for wrap-up", opts.TimeLimit)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Pick == nil {
		opts.Pick = rand.IntN
	}
	if opts.ResumeWindow <= 0 {
		opts.ResumeWindow = opts.TimeLimit
	}

	c := &Controller{
		id:           opts.ID,
		transport:    opts.Transport,
		media:        opts.Media,
		provisioner:  opts.Provisioner,
		settings:     opts.Settings,
		timer:        opts.Timer,
		transcript:   opts.Transcript,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		pick:         opts.Pick,
		limitSeconds: int(opts.TimeLimit / time.Second),
		tickInterval: opts.TickInterval,
		audioGrace:   opts.AudioGraceDelay,
		restartDelay: opts.RestartDelay,
		resumeWindow: opts.ResumeWindow,
		logger:       log.With().Str("session_id", opts.ID).Logger(),
		inbox:        make(chan input, 32),
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
		ctx:          context.Background(),
		state:        StateIdle,
		screen:       ScreenConversation,
		subs:         make(map[int]chan Snapshot),
	}
	c.snap = c.buildSnapshot()
	return c, nil
}

func (c *Controller) ID() string { return c.id }

// Run processes inputs until ctx is cancelled or Close is called, then tears
// down any live conversation and waits for the remote end and transcript
// writes to finish. It must be called exactly once.
func (c *Controller) Run(ctx context.Context) error {
	c.ctx = ctx
	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go c.pumpEvents(pumpCtx)

	for {
		select {
		case in := <-c.inbox:
			err := in.fn()
			c.publish()
			if in.reply != nil {
				in.reply <- err
			}
		case <-ctx.Done():
			c.finish()
			return nil
		case <-c.stop:
			c.finish()
			return nil
		}
	}
}

func (c *Controller) finish() {
	c.shutdown()
	c.background.Wait()
	c.once.Do(func() { close(c.done) })
}

// Close stops Run as if its context were cancelled. Used when a newer
// connection replaces this controller.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Done is closed once Run has returned and background work has drained.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) Start(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state != StateIdle {
			return fmt.Errorf("%w: start from %s", ErrInvalidState, c.state)
		}
		c.lastErr = nil
		if c.screen == ScreenOutage || c.screen == ScreenOutOfMinutes {
			c.screen = ScreenConversation
		}
		c.metrics.SessionEvent("start")
		c.beginAcquire()
		return nil
	})
}

// Retry leaves an error sub-state and acquires media again.
func (c *Controller) Retry(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state != StateMediaError && c.state != StateProvisioningError {
			return fmt.Errorf("%w: retry from %s", ErrInvalidState, c.state)
		}
		c.lastErr = nil
		c.screen = ScreenConversation
		c.metrics.SessionEvent("retry")
		c.beginAcquire()
		return nil
	})
}

// End hangs up and returns to Idle. Ending an idle session is a no-op.
func (c *Controller) End(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.metrics.SessionEvent("end")
		switch {
		case c.state.inCall():
			c.teardown(variantEnd)
		case c.state == StateIdle:
		default:
			// Acquiring, error sub-states, or a pending restart.
			c.cancelPending()
			c.lastErr = nil
			c.setState(StateIdle)
		}
		return nil
	})
}

// Restart tears the conversation down and provisions a new one after RestartDelay.
func (c *Controller) Restart(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.state.inCall() {
			return fmt.Errorf("%w: restart from %s", ErrInvalidState, c.state)
		}
		c.metrics.SessionEvent("restart")
		c.teardown(variantRestart)
		return nil
	})
}

func (c *Controller) SetLocalAudio(ctx context.Context, enabled bool) error {
	return c.do(ctx, func() error { return c.applyAudio(enabled, true) })
}

func (c *Controller) SetLocalVideo(ctx context.Context, enabled bool) error {
	return c.do(ctx, func() error { return c.applyVideo(enabled) })
}

func (c *Controller) ToggleAudio(ctx context.Context) error {
	return c.do(ctx, func() error { return c.applyAudio(!c.localAudio, true) })
}

func (c *Controller) ToggleVideo(ctx context.Context) error {
	return c.do(ctx, func() error { return c.applyVideo(!c.localVideo) })
}

// PushToTalk opens the microphone and marks the user as speaking until
// ReleaseTalk or pushToTalkWindow elapses. The microphone stays open after.
func (c *Controller) PushToTalk(ctx context.Context) error {
	return c.do(ctx, func() error {
		if err := c.applyAudio(true, true); err != nil {
			return err
		}
		if c.listenTimer != nil {
			c.listenTimer.Stop()
		}
		c.listening = true
		epoch := c.epoch
		c.listenTimer = c.after(pushToTalkWindow, func() {
			if epoch != c.epoch {
				return
			}
			c.listenTimer = nil
			c.listening = false
		})
		return nil
	})
}

func (c *Controller) ReleaseTalk(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.listenTimer != nil {
			c.listenTimer.Stop()
			c.listenTimer = nil
		}
		c.listening = false
		return nil
	})
}

// SendText sends user-typed chat into the active conversation.
func (c *Controller) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return c.do(ctx, func() error {
		if c.state != StateActive || c.conv == nil {
			return fmt.Errorf("%w: send from %s", ErrInvalidState, c.state)
		}
		return c.sendMessage("chat", transcript.RoleUser, text)
	})
}

func (c *Controller) OpenSettings(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.screen = ScreenSettings
		return nil
	})
}

func (c *Controller) CloseSettings(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.screen == ScreenSettings {
			c.screen = ScreenConversation
		}
		return nil
	})
}

// Snapshot returns the state published after the last processed input.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneSnapshot(c.snap)
}

// Subscribe delivers snapshots, latest wins. The current snapshot is sent first.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	ch <- cloneSnapshot(c.snap)
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Controller) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case c.inbox <- input{fn: fn, reply: errCh}:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues work from a background goroutine.
func (c *Controller) post(fn func()) {
	in := input{fn: func() error {
		fn()
		return nil
	}}
	select {
	case c.inbox <- in:
	case <-c.done:
	}
}

// after schedules fn on the loop. Clock callbacks must not block.
func (c *Controller) after(d time.Duration, fn func()) clock.Timer {
	return c.clock.AfterFunc(d, func() { go c.post(fn) })
}

func (c *Controller) pumpEvents(ctx context.Context) {
	events := c.transport.Events()
	for {
		select {
		case ev := <-events:
			c.post(func() { c.handleEvent(ev) })
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) beginAcquire() {
	c.epoch++
	epoch := c.epoch
	c.setState(StateAcquiringMedia)

	ctx := c.ctx
	go func() {
		grant, err := c.media.RequestMedia(ctx)
		c.post(func() { c.onMedia(epoch, grant, err) })
	}()
}

func (c *Controller) onMedia(epoch uint64, grant media.Grant, err error) {
	if epoch != c.epoch || c.state != StateAcquiringMedia {
		return
	}
	if err != nil {
		msg := "Please allow camera and microphone access to continue with the video call."
		var merr *media.MediaAccessError
		if errors.As(err, &merr) && merr.Reason != "" {
			msg = merr.Reason
		}
		c.logger.Warn().Err(err).Msg("media acquisition failed")
		c.lastErr = &Error{Kind: ErrorMediaAccess, Message: msg, Retryable: true}
		c.setState(StateMediaError)
		return
	}
	c.grant = &grant
	c.localVideo = true
	c.localAudio = false
	c.beginProvision()
}

func (c *Controller) beginProvision() {
	c.epoch++
	epoch := c.epoch
	c.setState(StateProvisioning)

	ctx := c.ctx
	go func() {
		cfg := c.settings.Load(ctx).SessionConfig()
		token := c.settings.Token(ctx)
		if token == "" {
			c.post(func() { c.onProvisioned(epoch, "", tavus.Conversation{}, ErrMissingAPIToken) })
			return
		}
		started := c.clock.Now()
		conv, err := c.provisioner.CreateConversation(ctx, token, cfg)
		c.metrics.ObserveProvisioningLatency(c.clock.Since(started))
		c.post(func() { c.onProvisioned(epoch, token, conv, err) })
	}()
}

func (c *Controller) onProvisioned(epoch uint64, token string, conv tavus.Conversation, err error) {
	if epoch != c.epoch || c.state != StateProvisioning {
		if err == nil && conv.ID != "" {
			c.logger.Info().Str("conversation_id", conv.ID).Msg("ending conversation provisioned for a stale attempt")
			c.endRemote(token, conv.ID)
		}
		return
	}
	if err != nil {
		e, screen := classifyProvisioningError(err)
		c.logger.Warn().Err(err).Str("kind", string(e.Kind)).Msg("conversation provisioning failed")
		c.metrics.ProviderError("tavus", providerCode(e))
		c.lastErr = e
		if screen != "" {
			c.screen = screen
		}
		c.setState(StateProvisioningError)
		return
	}

	c.conv = &conv
	c.token = token
	c.logger.Info().Str("conversation_id", conv.ID).Msg("conversation provisioned")
	c.beginJoin()
}

func (c *Controller) beginJoin() {
	c.setState(StateJoining)
	epoch := c.epoch
	url := c.conv.URL
	opts := transport.JoinOptions{StartVideoOff: !c.localVideo, StartAudioOff: !c.localAudio}

	ctx := c.ctx
	go func() {
		err := c.transport.Join(ctx, url, opts)
		c.post(func() { c.onJoined(epoch, url, err) })
	}()
}

func (c *Controller) onJoined(epoch uint64, url string, err error) {
	if epoch != c.epoch || c.state != StateJoining {
		// A newer attempt may already hold the call; leaving would drop it.
		if err == nil && !c.state.joinedOrJoining() {
			c.logger.Info().Msg("leaving call joined by a stale attempt")
			if lerr := c.transport.Leave(c.ctx); lerr != nil {
				c.logger.Warn().Err(lerr).Msg("leave after stale join failed")
			}
		}
		return
	}
	if err != nil {
		jerr := &transport.JoinError{URL: url, Err: err}
		c.logger.Error().Err(jerr).Msg("transport join failed, discarding conversation")
		c.metrics.ProviderError("transport", "join")
		if derr := c.transport.Destroy(c.ctx); derr != nil {
			c.logger.Warn().Err(derr).Msg("destroy after failed join")
		}
		if c.conv != nil {
			c.endRemote(c.token, c.conv.ID)
		}
		c.conv = nil
		c.epoch++
		c.lastErr = &Error{
			Kind:    ErrorTransportJoin,
			Message: "We couldn't connect to the video call. Start a new session to try again.",
		}
		c.setState(StateIdle)
		return
	}

	c.setState(StateWaitingForRemote)
	if verr := c.transport.SetLocalVideo(c.ctx, c.localVideo); verr != nil {
		c.logger.Warn().Err(verr).Msg("set local video after join")
	}
	if aerr := c.transport.SetLocalAudio(c.ctx, c.localAudio); aerr != nil {
		c.logger.Warn().Err(aerr).Msg("set local audio after join")
	}
	c.remote = c.transport.RemoteParticipants()
	if len(c.remote) > 0 {
		c.activate()
	}
}

func (c *Controller) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventParticipantJoined, transport.EventParticipantLeft:
		c.remote = c.transport.RemoteParticipants()
		if c.state == StateWaitingForRemote && len(c.remote) > 0 {
			c.activate()
		}
	case transport.EventCameraError:
		c.logger.Warn().Str("detail", ev.Detail).Msg("camera error reported by transport")
		c.localVideo = false
		c.lastErr = &Error{Kind: ErrorCamera, Message: "Your camera stopped working. Check that no other app is using it."}
	}
}

func (c *Controller) activate() {
	c.setState(StateActive)
	c.live = true
	c.metrics.SessionStarted()
	// Time spent before a disconnect counts against this conversation too,
	// unless the client stayed away longer than the resume window.
	if c.timer.ExpireIdle(c.ctx, c.resumeWindow) {
		c.logger.Info().Msg("discarded session timer older than resume window")
	}
	c.timer.Start(c.ctx)
	c.prevElapsed = c.timer.Elapsed(c.ctx)
	c.wrapUpFired = false
	c.outroFired = false
	c.logger.Info().Str("conversation_id", c.conv.ID).Int("remote", len(c.remote)).Msg("remote participant joined, session active")

	epoch := c.epoch
	if c.audioGrace <= 0 {
		c.enableAudioAfterGrace(epoch)
	} else {
		c.audioTimer = c.after(c.audioGrace, func() { c.enableAudioAfterGrace(epoch) })
	}
	c.scheduleTick(epoch)
}

func (c *Controller) enableAudioAfterGrace(epoch uint64) {
	if epoch != c.epoch || c.state != StateActive {
		return
	}
	c.audioTimer = nil
	if err := c.applyAudio(true, false); err != nil {
		c.logger.Warn().Err(err).Msg("enable audio after grace delay")
	}
}

func (c *Controller) scheduleTick(epoch uint64) {
	c.tickTimer = c.after(c.tickInterval, func() { c.onTick(epoch) })
}

func (c *Controller) onTick(epoch uint64) {
	if epoch != c.epoch || c.state != StateActive {
		return
	}
	c.timer.Tick(c.ctx)
	cur := c.timer.Elapsed(c.ctx)
	prev := c.prevElapsed
	c.prevElapsed = cur

	if !c.wrapUpFired && crossed(prev, cur, c.limitSeconds-wrapUpLead) {
		c.wrapUpFired = true
		c.sendScripted("wrap_up", wrapUpPhrases)
	}
	if !c.outroFired && crossed(prev, cur, c.limitSeconds-outroLead) {
		c.outroFired = true
		c.sendScripted("outro", outroPhrases)
	}
	if cur >= c.limitSeconds {
		c.logger.Info().Int("elapsed", cur).Msg("time limit reached, ending session")
		c.metrics.SessionEvent("time_limit")
		c.teardown(variantEnd)
		return
	}
	c.scheduleTick(epoch)
}

// crossed reports prev < threshold <= cur.
func crossed(prev, cur, threshold int) bool {
	return prev < threshold && threshold <= cur
}

func (c *Controller) sendScripted(kind string, phrases []string) {
	text := phrases[c.pick(len(phrases))]
	if err := c.sendMessage(kind, transcript.RoleScript, text); err != nil {
		c.logger.Warn().Err(err).Str("kind", kind).Msg("scripted message not delivered")
	}
}

func (c *Controller) sendMessage(kind string, role transcript.Role, text string) error {
	msg := transport.NewEchoMessage(c.conv.ID, text)
	if err := c.transport.SendAppMessage(c.ctx, msg); err != nil {
		return fmt.Errorf("send app message: %w", err)
	}
	c.metrics.AppMessage(kind)
	if c.transcript != nil {
		entry := transcript.Entry{
			SessionID:      c.id,
			ConversationID: c.conv.ID,
			Role:           role,
			Kind:           kind,
			Text:           text,
		}
		ctx := context.WithoutCancel(c.ctx)
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			if err := c.transcript.Append(ctx, entry); err != nil {
				c.logger.Warn().Err(err).Msg("transcript append failed")
			}
		}()
	}
	return nil
}

func (c *Controller) applyAudio(enabled, explicit bool) error {
	if !c.state.joinedOrJoining() {
		return fmt.Errorf("%w: toggle audio from %s", ErrInvalidState, c.state)
	}
	if explicit && c.audioTimer != nil {
		// The user decided; the grace callback must not override it.
		c.audioTimer.Stop()
		c.audioTimer = nil
	}
	if c.state != StateJoining {
		if err := c.transport.SetLocalAudio(c.ctx, enabled); err != nil {
			return err
		}
	}
	c.localAudio = enabled
	return nil
}

func (c *Controller) applyVideo(enabled bool) error {
	if !c.state.joinedOrJoining() {
		return fmt.Errorf("%w: toggle video from %s", ErrInvalidState, c.state)
	}
	if c.state != StateJoining {
		if err := c.transport.SetLocalVideo(c.ctx, enabled); err != nil {
			return err
		}
	}
	c.localVideo = enabled
	return nil
}

// teardown is the single Ending path for hang-up, restart and the time limit.
func (c *Controller) teardown(variant endVariant) {
	c.setState(StateEnding)
	c.cancelPending()

	if err := c.transport.Leave(c.ctx); err != nil {
		c.logger.Warn().Err(err).Msg("transport leave failed")
	}
	if err := c.transport.Destroy(c.ctx); err != nil {
		c.logger.Warn().Err(err).Msg("transport destroy failed")
	}
	if c.conv != nil {
		c.endRemote(c.token, c.conv.ID)
	}
	if variant != variantDisconnect {
		c.timer.Clear(c.ctx)
	}
	c.conv = nil
	c.remote = nil
	c.localAudio = false
	c.localVideo = false
	c.listening = false
	if c.live {
		c.live = false
		c.metrics.SessionStopped()
	}

	if variant != variantRestart {
		c.setState(StateIdle)
		return
	}
	epoch := c.epoch
	c.restartTimer = c.after(c.restartDelay, func() { c.onRestartDelay(epoch) })
}

func (c *Controller) onRestartDelay(epoch uint64) {
	if epoch != c.epoch || c.state != StateEnding {
		return
	}
	c.restartTimer = nil
	if c.grant == nil {
		c.beginAcquire()
		return
	}
	c.localVideo = true
	c.localAudio = false
	c.beginProvision()
}

// cancelPending invalidates in-flight tasks and stops scheduled callbacks.
func (c *Controller) cancelPending() {
	c.epoch++
	for _, t := range []clock.Timer{c.tickTimer, c.audioTimer, c.restartTimer, c.listenTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.tickTimer, c.audioTimer, c.restartTimer, c.listenTimer = nil, nil, nil, nil
}

// endRemote releases the conversation without blocking the loop. Run waits
// for it before returning.
func (c *Controller) endRemote(token, conversationID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), remoteEndTimeout)
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		defer cancel()
		if err := c.provisioner.EndConversation(ctx, token, conversationID); err != nil {
			c.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("end conversation failed")
		}
	}()
}

func (c *Controller) shutdown() {
	if c.state.inCall() || c.state == StateEnding {
		c.ctx = context.WithoutCancel(c.ctx)
		c.teardown(variantDisconnect)
	} else {
		c.cancelPending()
	}
	c.publish()
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug().Str("from", string(c.state)).Str("state", string(s)).Msg("session state transition")
	c.state = s
	c.metrics.StateTransition(string(s))
}

func (c *Controller) buildSnapshot() Snapshot {
	elapsed := 0
	if c.state == StateActive {
		elapsed = c.timer.Elapsed(c.ctx)
	}
	snap := Snapshot{
		SessionID:          c.id,
		State:              c.state,
		Screen:             c.screen,
		ElapsedSeconds:     elapsed,
		RemainingSeconds:   max(c.limitSeconds-elapsed, 0),
		TimeLimitSeconds:   c.limitSeconds,
		LocalAudio:         c.localAudio,
		LocalVideo:         c.localVideo,
		Listening:          c.listening,
		RemoteParticipants: append([]string{}, c.remote...),
	}
	if c.conv != nil {
		snap.ConversationID = c.conv.ID
		snap.ConversationURL = c.conv.URL
	}
	if c.lastErr != nil {
		e := *c.lastErr
		snap.Error = &e
	}
	return snap
}

func (c *Controller) publish() {
	snap := c.buildSnapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- cloneSnapshot(snap)
	}
}

func cloneSnapshot(s Snapshot) Snapshot {
	s.RemoteParticipants = append([]string{}, s.RemoteParticipants...)
	if s.Error != nil {
		e := *s.Error
		s.Error = &e
	}
	return s
}

func providerCode(e *Error) string {
	if e.Status != 0 {
		return fmt.Sprintf("%d", e.Status)
	}
	return string(e.Kind)
}
