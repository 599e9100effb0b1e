package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultDeviceID is the platform default input/output device.
const DefaultDeviceID = "default"

// DeviceInfo describes one capability returned by the device prompt.
type DeviceInfo struct {
	Granted  bool   `json:"granted"`
	DeviceID string `json:"device_id,omitempty"`
	Label    string `json:"label,omitempty"`
}

// DeviceState is the outcome of a combined camera+microphone prompt.
type DeviceState struct {
	Camera     DeviceInfo `json:"camera"`
	Microphone DeviceInfo `json:"mic"`
	Speaker    DeviceInfo `json:"speaker"`
}

// Device is the local capability boundary (the browser in bridge mode).
type Device interface {
	StartCamera(ctx context.Context) (DeviceState, error)
	SetMicrophone(ctx context.Context, deviceID string) error
	SetSpeaker(ctx context.Context, deviceID string) error
}

// Grant is a successful acquisition.
type Grant struct {
	CameraGranted     bool `json:"camera_granted"`
	MicrophoneGranted bool `json:"microphone_granted"`
}

// MediaAccessError means a capability was denied or no device is available.
type MediaAccessError struct {
	Reason string
	Err    error
}

func (e *MediaAccessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media access: %s: %v", e.Reason, e.Err)
	}
	return "media access: " + e.Reason
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

const deniedReason = "Please allow camera and microphone access to continue with the video call."

// Acquirer requests media capabilities.
type Acquirer interface {
	RequestMedia(ctx context.Context) (Grant, error)
}

// DeviceAcquirer acquires media through a Device.
type DeviceAcquirer struct {
	device Device
}

func NewAcquirer(device Device) *DeviceAcquirer {
	return &DeviceAcquirer{device: device}
}

func (a *DeviceAcquirer) RequestMedia(ctx context.Context) (Grant, error) {
	if a.device == nil {
		return Grant{}, &MediaAccessError{Reason: "no media device is attached"}
	}
	state, err := a.device.StartCamera(ctx)
	if err != nil {
		var merr *MediaAccessError
		if errors.As(err, &merr) {
			return Grant{}, err
		}
		if ctx.Err() != nil {
			return Grant{}, ctx.Err()
		}
		return Grant{}, &MediaAccessError{Reason: deniedReason, Err: err}
	}

	grant := Grant{CameraGranted: state.Camera.Granted, MicrophoneGranted: state.Microphone.Granted}
	if !grant.CameraGranted || !grant.MicrophoneGranted {
		return Grant{}, &MediaAccessError{Reason: deniedReason}
	}

	a.preferDefault(ctx, "microphone", state.Microphone.DeviceID, a.device.SetMicrophone)
	a.preferDefault(ctx, "speaker", state.Speaker.DeviceID, a.device.SetSpeaker)
	return grant, nil
}

func (a *DeviceAcquirer) preferDefault(ctx context.Context, kind, current string, set func(context.Context, string) error) {
	if strings.EqualFold(strings.TrimSpace(current), DefaultDeviceID) {
		return
	}
	if err := set(ctx, DefaultDeviceID); err != nil {
		log.Warn().Err(err).Str("device", kind).Str("current", current).Msg("could not switch to default device")
	}
}
