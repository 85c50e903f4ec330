// Package platform defines the device capability surface the daemon drives:
// lock/alarm/wipe actuation, evidence capture, location, and outbound
// messaging. Real builds wire OS-specific implementations; everything above
// this package talks only to the interfaces so the control logic tests
// against the fakes in fake.go.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoFix means no usable position is available right now.
var ErrNoFix = errors.New("platform: no location fix available")

// Coordinates is a geographic fix.
type Coordinates struct {
	Latitude  float64
	Longitude float64

	// Accuracy is the estimated error radius in meters.
	Accuracy float64

	Time time.Time
}

// ActuationError reports a failed device operation with enough context for
// the event log.
type ActuationError struct {
	Op  string
	Err error
}

func (e *ActuationError) Error() string {
	return fmt.Sprintf("platform: %s: %v", e.Op, e.Err)
}

func (e *ActuationError) Unwrap() error { return e.Err }

// Continuous, passed as a duration, means "until explicitly stopped".
const Continuous time.Duration = 0

// Actuator covers direct device control.
type Actuator interface {
	// Lock engages the OS lock screen immediately.
	Lock(ctx context.Context) error

	// Unlock releases the protection hold on the lock screen. The user
	// still authenticates to the OS; this only withdraws the enforced
	// lock.
	Unlock(ctx context.Context) error

	// Wipe factory-resets the device. There is no undo. The reason is
	// recorded by the platform layer before data is destroyed.
	Wipe(ctx context.Context, reason string) error

	// TriggerAlarm starts the alarm sound. ignoreVolume forces maximum
	// volume regardless of mute state. Duration Continuous means until
	// StopAlarm.
	TriggerAlarm(ctx context.Context, d time.Duration, ignoreVolume bool) error

	// StopAlarm silences a running alarm.
	StopAlarm(ctx context.Context) error

	// EnterLockdownUI covers the screen with the recovery message.
	EnterLockdownUI(ctx context.Context, message string) error

	// ExitLockdownUI removes the lockdown surface.
	ExitLockdownUI(ctx context.Context) error

	// SetStealth hides or reveals the protection UI.
	SetStealth(ctx context.Context, hidden bool) error

	// RestrictFileManager blocks or unblocks local file access.
	RestrictFileManager(ctx context.Context, blocked bool) error
}

// Evidence captures proof of who is holding the device.
type Evidence interface {
	// CaptureFrontPhoto takes a front-camera photo without shutter
	// feedback and returns the stored file path.
	CaptureFrontPhoto(ctx context.Context, reason string) (string, error)

	// StartAudio begins an audio recording. Duration Continuous records
	// until the platform stops it. Returns the stored file path.
	StartAudio(ctx context.Context, d time.Duration) (string, error)
}

// Locator resolves the device position.
type Locator interface {
	// Current returns a fresh fix within the context deadline.
	Current(ctx context.Context) (Coordinates, error)

	// LastKnown returns the most recent cached fix, if any.
	LastKnown() (Coordinates, bool)
}

// Messenger sends outbound notifications to the trusted contact.
type Messenger interface {
	// Send delivers a message to the given address.
	Send(ctx context.Context, to, body string) error
}
