// Package bridge drives the browser's call client over the session websocket.
// The browser owns the realtime call and the media devices; the service sends
// transport_command messages and receives transport_result/transport_event.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/finmentor/internal/media"
	"github.com/antoniostano/finmentor/internal/protocol"
	"github.com/antoniostano/finmentor/internal/transport"
)

var (
	ErrClosed    = errors.New("bridge closed")
	ErrNotJoined = errors.New("bridge: not joined")
	ErrTimeout   = errors.New("bridge: command timed out")
)

// CommandError is a command the browser reported as failed.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("bridge %s failed: %s", e.Command, e.Message)
}

// Sender writes one message to the client connection.
type Sender func(ctx context.Context, msg any) error

// Bridge implements transport.Transport and media.Device.
type Bridge struct {
	send    Sender
	timeout time.Duration
	events  chan transport.Event

	mu      sync.Mutex
	pending map[string]chan protocol.TransportResult
	remote  []string
	joined  bool
	closed  bool
}

var (
	_ transport.Transport = (*Bridge)(nil)
	_ media.Device        = (*Bridge)(nil)
)

func New(send Sender, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bridge{
		send:    send,
		timeout: timeout,
		events:  make(chan transport.Event, 64),
		pending: make(map[string]chan protocol.TransportResult),
	}
}

func (b *Bridge) Join(ctx context.Context, url string, opts transport.JoinOptions) error {
	if _, err := b.request(ctx, protocol.TransportCommand{Command: protocol.CommandJoin, URL: url, Options: &opts}); err != nil {
		return err
	}
	b.mu.Lock()
	b.joined = true
	b.mu.Unlock()
	return nil
}

func (b *Bridge) Leave(ctx context.Context) error {
	b.resetCall()
	return b.notify(ctx, protocol.TransportCommand{Command: protocol.CommandLeave})
}

func (b *Bridge) Destroy(ctx context.Context) error {
	b.resetCall()
	return b.notify(ctx, protocol.TransportCommand{Command: protocol.CommandDestroy})
}

func (b *Bridge) SetLocalVideo(ctx context.Context, enabled bool) error {
	return b.notify(ctx, protocol.TransportCommand{Command: protocol.CommandSetLocalVideo, Enabled: &enabled})
}

func (b *Bridge) SetLocalAudio(ctx context.Context, enabled bool) error {
	return b.notify(ctx, protocol.TransportCommand{Command: protocol.CommandSetLocalAudio, Enabled: &enabled})
}

func (b *Bridge) RemoteParticipants() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.remote...)
}

func (b *Bridge) SendAppMessage(ctx context.Context, msg transport.AppMessage) error {
	b.mu.Lock()
	joined := b.joined
	b.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	return b.notify(ctx, protocol.TransportCommand{Command: protocol.CommandSendAppMessage, Message: &msg})
}

func (b *Bridge) Events() <-chan transport.Event { return b.events }

func (b *Bridge) StartCamera(ctx context.Context) (media.DeviceState, error) {
	res, err := b.request(ctx, protocol.TransportCommand{Command: protocol.CommandStartCamera})
	if err != nil {
		return media.DeviceState{}, err
	}
	if res.Devices == nil {
		return media.DeviceState{}, &CommandError{Command: protocol.CommandStartCamera, Message: "no device state in result"}
	}
	return *res.Devices, nil
}

func (b *Bridge) SetMicrophone(ctx context.Context, deviceID string) error {
	return b.notify(ctx, protocol.TransportCommand{Command: protocol.CommandSetMicrophone, DeviceID: deviceID})
}

func (b *Bridge) SetSpeaker(ctx context.Context, deviceID string) error {
	return b.notify(ctx, protocol.TransportCommand{Command: protocol.CommandSetSpeaker, DeviceID: deviceID})
}

// HandleResult completes the pending command with the same request id.
// Results for unknown or already timed-out requests are dropped.
func (b *Bridge) HandleResult(res protocol.TransportResult) {
	b.mu.Lock()
	ch, ok := b.pending[res.RequestID]
	delete(b.pending, res.RequestID)
	b.mu.Unlock()
	if !ok {
		log.Debug().Str("request_id", res.RequestID).Msg("dropping unmatched transport result")
		return
	}
	ch <- res
}

// HandleEvent tracks remote participants and forwards the event.
func (b *Bridge) HandleEvent(ev transport.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	switch ev.Type {
	case transport.EventParticipantJoined:
		if !slices.Contains(b.remote, ev.ParticipantID) {
			b.remote = append(b.remote, ev.ParticipantID)
		}
	case transport.EventParticipantLeft:
		b.remote = slices.DeleteFunc(b.remote, func(id string) bool { return id == ev.ParticipantID })
	}
	b.mu.Unlock()

	select {
	case b.events <- ev:
	default:
		log.Warn().Str("event", string(ev.Type)).Msg("transport event buffer full, dropping event")
	}
}

// Close fails all in-flight requests. The events channel stays open.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

func (b *Bridge) request(ctx context.Context, cmd protocol.TransportCommand) (protocol.TransportResult, error) {
	cmd.Type = protocol.TypeTransportCommand
	cmd.RequestID = uuid.NewString()

	ch := make(chan protocol.TransportResult, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return protocol.TransportResult{}, ErrClosed
	}
	b.pending[cmd.RequestID] = ch
	b.mu.Unlock()

	if err := b.send(ctx, cmd); err != nil {
		b.forget(cmd.RequestID)
		return protocol.TransportResult{}, fmt.Errorf("send %s: %w", cmd.Command, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return protocol.TransportResult{}, ErrClosed
		}
		if !res.OK {
			return res, &CommandError{Command: cmd.Command, Message: res.Error}
		}
		return res, nil
	case <-timer.C:
		b.forget(cmd.RequestID)
		return protocol.TransportResult{}, fmt.Errorf("%s: %w", cmd.Command, ErrTimeout)
	case <-ctx.Done():
		b.forget(cmd.RequestID)
		return protocol.TransportResult{}, ctx.Err()
	}
}

func (b *Bridge) notify(ctx context.Context, cmd protocol.TransportCommand) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	cmd.Type = protocol.TypeTransportCommand
	cmd.RequestID = uuid.NewString()
	if err := b.send(ctx, cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Command, err)
	}
	return nil
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bridge) resetCall() {
	b.mu.Lock()
	b.joined = false
	b.remote = nil
	b.mu.Unlock()
}
