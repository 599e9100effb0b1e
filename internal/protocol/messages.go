package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/finmentor/internal/media"
	"github.com/antoniostano/finmentor/internal/transport"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl    MessageType = "client_control"
	TypeClientText       MessageType = "client_text"
	TypeTransportResult  MessageType = "transport_result"
	TypeTransportEvent   MessageType = "transport_event"
	TypeSessionState     MessageType = "session_state"
	TypeTransportCommand MessageType = "transport_command"
	TypeErrorEvent       MessageType = "error_event"
)

// Control actions accepted in client_control.
const (
	ActionStart         = "start"
	ActionRetry         = "retry"
	ActionEnd           = "end"
	ActionRestart       = "restart"
	ActionToggleAudio   = "toggle_audio"
	ActionToggleVideo   = "toggle_video"
	ActionOpenSettings  = "open_settings"
	ActionCloseSettings = "close_settings"
	ActionPushToTalk    = "push_to_talk"
	ActionReleaseTalk   = "release_talk"
)

// Transport commands sent to the browser.
const (
	CommandJoin           = "join"
	CommandLeave          = "leave"
	CommandDestroy        = "destroy"
	CommandSetLocalVideo  = "set_local_video"
	CommandSetLocalAudio  = "set_local_audio"
	CommandSendAppMessage = "send_app_message"
	CommandStartCamera    = "start_camera"
	CommandSetMicrophone  = "set_microphone"
	CommandSetSpeaker     = "set_speaker"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Action    string      `json:"action"`
}

type ClientText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Text      string      `json:"text"`
}

// TransportResult answers a transport_command that expects a reply.
type TransportResult struct {
	Type      MessageType        `json:"type"`
	RequestID string             `json:"request_id"`
	OK        bool               `json:"ok"`
	Error     string             `json:"error,omitempty"`
	Devices   *media.DeviceState `json:"devices,omitempty"`
}

// TransportEvent carries an asynchronous call event from the browser.
type TransportEvent struct {
	Type MessageType `json:"type"`
	transport.Event
}

type TransportCommand struct {
	Type      MessageType            `json:"type"`
	RequestID string                 `json:"request_id"`
	Command   string                 `json:"command"`
	URL       string                 `json:"url,omitempty"`
	Options   *transport.JoinOptions `json:"options,omitempty"`
	Enabled   *bool                  `json:"enabled,omitempty"`
	DeviceID  string                 `json:"device_id,omitempty"`
	Message   *transport.AppMessage  `json:"message,omitempty"`
}

// SessionState pushes the latest controller snapshot.
type SessionState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Snapshot  any         `json:"snapshot"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		if !validAction(msg.Action) {
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTransportResult:
		var msg TransportResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RequestID == "" {
			return nil, errors.New("invalid transport_result: missing request_id")
		}
		return msg, nil
	case TypeTransportEvent:
		var msg TransportEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Event.Type {
		case transport.EventParticipantJoined, transport.EventParticipantLeft:
			if msg.ParticipantID == "" {
				return nil, errors.New("invalid transport_event: missing participant_id")
			}
		case transport.EventCameraError:
		default:
			return nil, fmt.Errorf("invalid transport_event %q", msg.Event.Type)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func validAction(action string) bool {
	switch action {
	case ActionStart, ActionRetry, ActionEnd, ActionRestart,
		ActionToggleAudio, ActionToggleVideo, ActionOpenSettings, ActionCloseSettings,
		ActionPushToTalk, ActionReleaseTalk:
		return true
	}
	return false
}
