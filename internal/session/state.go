package session

import (
	"errors"

	"github.com/antoniostano/finmentor/internal/tavus"
)

// State is the conversation lifecycle position.
type State string

const (
	StateIdle              State = "idle"
	StateAcquiringMedia    State = "acquiring_media"
	StateMediaError        State = "media_error"
	StateProvisioning      State = "provisioning"
	StateProvisioningError State = "provisioning_error"
	StateJoining           State = "joining"
	StateWaitingForRemote  State = "waiting_for_remote"
	StateActive            State = "active"
	StateEnding            State = "ending"
)

// inCall reports whether a conversation may exist that teardown must release.
func (s State) inCall() bool {
	switch s {
	case StateProvisioning, StateJoining, StateWaitingForRemote, StateActive:
		return true
	}
	return false
}

// joinedOrJoining is the window where local track toggles reach the transport.
func (s State) joinedOrJoining() bool {
	switch s {
	case StateJoining, StateWaitingForRemote, StateActive:
		return true
	}
	return false
}

// Screen is the top-level view the client should render.
type Screen string

const (
	ScreenIntroLoading Screen = "introLoading"
	ScreenOutage       Screen = "outage"
	ScreenOutOfMinutes Screen = "outOfMinutes"
	ScreenSettings     Screen = "settings"
	ScreenConversation Screen = "conversation"
)

type ErrorKind string

const (
	ErrorMediaAccess   ErrorKind = "media_access"
	ErrorProvisioning  ErrorKind = "provisioning"
	ErrorNetwork       ErrorKind = "network"
	ErrorMissingToken  ErrorKind = "missing_token"
	ErrorTransportJoin ErrorKind = "transport_join"
	ErrorCamera        ErrorKind = "camera"
)

// Error is the user-visible failure attached to a snapshot.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Status    int       `json:"status,omitempty"`
}

// Snapshot is an immutable view of a controller.
type Snapshot struct {
	SessionID          string   `json:"session_id"`
	State              State    `json:"state"`
	Screen             Screen   `json:"screen"`
	ConversationID     string   `json:"conversation_id,omitempty"`
	ConversationURL    string   `json:"conversation_url,omitempty"`
	ElapsedSeconds     int      `json:"elapsed_seconds"`
	RemainingSeconds   int      `json:"remaining_seconds"`
	TimeLimitSeconds   int      `json:"time_limit_seconds"`
	LocalAudio         bool     `json:"local_audio"`
	LocalVideo         bool     `json:"local_video"`
	Listening          bool     `json:"listening"`
	RemoteParticipants []string `json:"remote_participants"`
	Error              *Error   `json:"error,omitempty"`
}

var (
	ErrNotFound        = errors.New("session not found")
	ErrClosed          = errors.New("session closed")
	ErrInvalidState    = errors.New("operation not allowed in current state")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrMissingAPIToken = errors.New("no API token configured")
)

func classifyProvisioningError(err error) (*Error, Screen) {
	var perr *tavus.ProvisioningError
	var nerr *tavus.NetworkError
	switch {
	case errors.Is(err, ErrMissingAPIToken):
		return &Error{
			Kind:      ErrorMissingToken,
			Message:   "Add your API key in settings to start a session.",
			Retryable: true,
		}, ""
	case errors.As(err, &perr):
		e := &Error{
			Kind:      ErrorProvisioning,
			Message:   tavus.UserMessage(perr.Status),
			Retryable: true,
			Status:    perr.Status,
		}
		switch {
		case perr.Status == 402:
			return e, ScreenOutOfMinutes
		case perr.Status >= 500:
			return e, ScreenOutage
		}
		return e, ""
	case errors.As(err, &nerr):
		return &Error{
			Kind:      ErrorNetwork,
			Message:   "We couldn't reach the mentor service. Check your connection and try again.",
			Retryable: true,
		}, ""
	default:
		return &Error{
			Kind:      ErrorNetwork,
			Message:   "We couldn't start your session. Please try again.",
			Retryable: true,
		}, ""
	}
}
