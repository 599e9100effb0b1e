package transport

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/antoniostano/finmentor/internal/media"
)

// MockTransport is an in-process call used for headless runs and tests. It
// also acts as the media device, granting camera and microphone unless told
// otherwise.
type MockTransport struct {
	mu sync.Mutex

	// AutoRemoteID, when set, joins as a remote participant right after Join.
	AutoRemoteID string
	JoinErr      error
	CameraState  *media.DeviceState
	CameraErr    error

	// JoinBlock, when set, holds the next Join until closed. Only one Join
	// consumes it.
	JoinBlock chan struct{}

	events   chan Event
	joined   bool
	remote   map[string]struct{}
	audioOn  bool
	videoOn  bool
	joinURLs []string
	messages []AppMessage
	calls    map[string]int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		events: make(chan Event, 64),
		remote: make(map[string]struct{}),
		calls:  make(map[string]int),
	}
}

func (m *MockTransport) Join(ctx context.Context, url string, opts JoinOptions) error {
	m.mu.Lock()
	m.calls["join"]++
	m.joinURLs = append(m.joinURLs, url)
	block := m.JoinBlock
	m.JoinBlock = nil
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	if m.JoinErr != nil {
		err := m.JoinErr
		m.mu.Unlock()
		return err
	}
	m.joined = true
	m.videoOn = !opts.StartVideoOff
	m.audioOn = !opts.StartAudioOff
	auto := m.AutoRemoteID
	m.mu.Unlock()

	if auto != "" {
		m.AddRemote(auto)
	}
	return nil
}

func (m *MockTransport) Leave(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["leave"]++
	m.joined = false
	m.remote = make(map[string]struct{})
	return nil
}

func (m *MockTransport) Destroy(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["destroy"]++
	m.joined = false
	m.remote = make(map[string]struct{})
	m.audioOn = false
	m.videoOn = false
	return nil
}

func (m *MockTransport) SetLocalVideo(_ context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["set_local_video"]++
	m.videoOn = enabled
	return nil
}

func (m *MockTransport) SetLocalAudio(_ context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["set_local_audio"]++
	m.audioOn = enabled
	return nil
}

func (m *MockTransport) RemoteParticipants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.remote))
	for id := range m.remote {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *MockTransport) SendAppMessage(_ context.Context, msg AppMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["send_app_message"]++
	if !m.joined {
		return errors.New("mock transport: not joined")
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *MockTransport) Events() <-chan Event { return m.events }

// StartCamera implements media.Device.
func (m *MockTransport) StartCamera(context.Context) (media.DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["start_camera"]++
	if m.CameraErr != nil {
		return media.DeviceState{}, m.CameraErr
	}
	if m.CameraState != nil {
		return *m.CameraState, nil
	}
	return media.DeviceState{
		Camera:     media.DeviceInfo{Granted: true, DeviceID: media.DefaultDeviceID},
		Microphone: media.DeviceInfo{Granted: true, DeviceID: media.DefaultDeviceID},
		Speaker:    media.DeviceInfo{Granted: true, DeviceID: media.DefaultDeviceID},
	}, nil
}

func (m *MockTransport) SetMicrophone(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["set_microphone"]++
	return nil
}

func (m *MockTransport) SetSpeaker(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["set_speaker"]++
	return nil
}

// AddRemote simulates a remote participant joining.
func (m *MockTransport) AddRemote(id string) {
	m.mu.Lock()
	m.remote[id] = struct{}{}
	m.mu.Unlock()
	m.emit(Event{Type: EventParticipantJoined, ParticipantID: id})
}

// RemoveRemote simulates a remote participant leaving.
func (m *MockTransport) RemoveRemote(id string) {
	m.mu.Lock()
	delete(m.remote, id)
	m.mu.Unlock()
	m.emit(Event{Type: EventParticipantLeft, ParticipantID: id})
}

// FailCamera simulates a camera error event.
func (m *MockTransport) FailCamera(detail string) {
	m.emit(Event{Type: EventCameraError, Detail: detail})
}

func (m *MockTransport) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

// Calls returns how often an operation was invoked.
func (m *MockTransport) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Messages returns the app messages sent so far.
func (m *MockTransport) Messages() []AppMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AppMessage(nil), m.messages...)
}

// JoinURLs returns every URL passed to Join.
func (m *MockTransport) JoinURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.joinURLs...)
}

// LocalTracks reports the local audio and video state.
func (m *MockTransport) LocalTracks() (audio, video bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioOn, m.videoOn
}
