// Package monitor turns raw platform signals into de-duplicated security
// events and the two policy auto-actions: airplane-mode re-disable and SIM
// change detection. Detection latency budgets are met by sampling level
// signals at half their budget, so the poll intervals are correctness
// knobs, not tuning.
package monitor

import (
	"context"
	"time"
)

// SignalKind identifies a raw platform signal.
type SignalKind int

const (
	// SignalAirplaneMode is a level signal: Enabled is the radio-off state.
	SignalAirplaneMode SignalKind = iota
	// SignalSIM is a level signal carrying the current SIM identity.
	SignalSIM
	// SignalUnlockAttempt fires once per lock-screen attempt; Success
	// reports the outcome.
	SignalUnlockAttempt
	// SignalScreenLockChange fires once per attempt to change or remove
	// the screen lock method; Success reports the outcome.
	SignalScreenLockChange
	// SignalUSBDebugging is a level signal: Enabled is the debug flag.
	SignalUSBDebugging
	// SignalDeveloperOptions is a level signal: Enabled is the flag.
	SignalDeveloperOptions
	// SignalCallStarted fires at call setup; Call holds number/direction.
	SignalCallStarted
	// SignalCallEnded fires at teardown; Call additionally holds duration.
	SignalCallEnded
	// SignalPanicButton fires when the physical button pattern matched.
	SignalPanicButton
)

// String returns the signal kind name.
func (k SignalKind) String() string {
	switch k {
	case SignalAirplaneMode:
		return "airplane_mode"
	case SignalSIM:
		return "sim"
	case SignalUnlockAttempt:
		return "unlock_attempt"
	case SignalScreenLockChange:
		return "screen_lock_change"
	case SignalUSBDebugging:
		return "usb_debugging"
	case SignalDeveloperOptions:
		return "developer_options"
	case SignalCallStarted:
		return "call_started"
	case SignalCallEnded:
		return "call_ended"
	case SignalPanicButton:
		return "panic_button"
	default:
		return "unknown"
	}
}

// SIMIdentity is the observable identity of the inserted SIM.
type SIMIdentity struct {
	Present bool   `json:"present"`
	Carrier string `json:"carrier,omitempty"`
	Serial  string `json:"serial,omitempty"`
}

// Equal reports identity match including presence.
func (s SIMIdentity) Equal(o SIMIdentity) bool {
	return s.Present == o.Present && s.Carrier == o.Carrier && s.Serial == o.Serial
}

// CallInfo describes one phone call.
type CallInfo struct {
	Number   string
	Incoming bool
	Duration time.Duration // set on SignalCallEnded only
}

// Signal is one raw platform observation.
type Signal struct {
	Kind SignalKind
	Time time.Time

	// Enabled carries the level for airplane/usb/developer signals.
	Enabled bool

	// Authorized marks an airplane toggle the owner performed through the
	// daemon itself, which must not be treated as tampering.
	Authorized bool

	// Success carries the unlock outcome.
	Success bool

	SIM  SIMIdentity
	Call CallInfo
}

// SignalSource is the platform adapter feeding the monitor. Push-type
// signals (unlock attempts, calls, button patterns) arrive on Signals;
// level-type signals are additionally sampled through the Read methods so
// the detection budgets hold even when the platform never pushes.
type SignalSource interface {
	Signals() <-chan Signal

	ReadAirplaneMode(ctx context.Context) (bool, error)
	ReadSIM(ctx context.Context) (SIMIdentity, error)

	// SetAirplaneMode requests a radio state change. Used to auto-disable
	// an unauthorized enable.
	SetAirplaneMode(ctx context.Context, enabled bool) error
}

// NoticeKind classifies an escalation the monitor hands to the mode machine.
type NoticeKind int

const (
	// NoticePanicButton requests an immediate Panic transition.
	NoticePanicButton NoticeKind = iota
	// NoticeCaptureWorthy requests evidence capture (5th consecutive
	// failed unlock).
	NoticeCaptureWorthy
	// NoticeAlertWorthy requests a trusted-contact alert (10th failed
	// unlock inside the rolling window).
	NoticeAlertWorthy
)

// Notice is an escalation forwarded to the mode machine.
type Notice struct {
	Kind NoticeKind
	Time time.Time

	// Attempts is the consecutive-failure count for capture notices and
	// the in-window count for alert notices.
	Attempts int
}
