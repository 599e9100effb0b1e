// Package transport is the boundary to the realtime audio/video call. The
// call itself (SFU, codecs, data channel) lives on the other side.
package transport

import (
	"context"
	"fmt"
)

type EventType string

const (
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventCameraError       EventType = "camera_error"
)

// Event is emitted asynchronously by the transport.
type Event struct {
	Type          EventType `json:"event"`
	ParticipantID string    `json:"participant_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// JoinOptions sets the initial local track state for a join.
type JoinOptions struct {
	StartVideoOff bool `json:"start_video_off"`
	StartAudioOff bool `json:"start_audio_off"`
}

// Transport is what the session controller needs from a realtime call.
// Join may be called again after Destroy; implementations recreate the call.
type Transport interface {
	Join(ctx context.Context, url string, opts JoinOptions) error
	Leave(ctx context.Context) error
	Destroy(ctx context.Context) error
	SetLocalVideo(ctx context.Context, enabled bool) error
	SetLocalAudio(ctx context.Context, enabled bool) error
	RemoteParticipants() []string
	SendAppMessage(ctx context.Context, msg AppMessage) error
	Events() <-chan Event
}

// JoinError is a failed join after the conversation was provisioned.
type JoinError struct {
	URL string
	Err error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("transport join %s: %v", e.URL, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }
