// Package modes is the protection mode state machine: Normal, Protected,
// Kiosk and Panic, with stealth as an orthogonal flag. All transition
// requests funnel through a single run goroutine, so every request observes
// the state left by the previous one; side effects are dispatched to an
// async executor and never awaited on the decision path.
package modes

import (
	"errors"
	"fmt"
	"time"

	"sentryd/internal/credential"
)

// Machine errors
var (
	// ErrMissingPrerequisite rejects enabling protection before a trusted
	// contact is configured.
	ErrMissingPrerequisite = errors.New("modes: trusted contact not configured")

	// ErrInvalidTransition rejects a request with no edge from the
	// current state.
	ErrInvalidTransition = errors.New("modes: invalid transition")

	// ErrBlocked rejects a guarded transition whose verification did not
	// produce Ok. The state is unchanged.
	ErrBlocked = errors.New("modes: transition blocked")

	// ErrStopped is returned by Submit after Close.
	ErrStopped = errors.New("modes: machine stopped")
)

// Mode is the protection state.
type Mode int

const (
	Normal Mode = iota
	Protected
	Kiosk
	Panic
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Protected:
		return "protected"
	case Kiosk:
		return "kiosk"
	case Panic:
		return "panic"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "normal":
		return Normal, nil
	case "protected":
		return Protected, nil
	case "kiosk":
		return Kiosk, nil
	case "panic":
		return Panic, nil
	default:
		return Normal, fmt.Errorf("modes: unknown mode %q", s)
	}
}

// AtLeast reports whether m is o or stricter. Strictness order:
// Normal < Protected < Kiosk < Panic.
func (m Mode) AtLeast(o Mode) bool { return m >= o }

// RequestKind identifies a transition request.
type RequestKind int

const (
	// ReqEnableProtected asks Normal→Protected. Unguarded, but requires
	// a configured trusted contact.
	ReqEnableProtected RequestKind = iota
	// ReqDisableProtected asks Protected→Normal. Guarded.
	ReqDisableProtected
	// ReqEnableKiosk asks Protected→Kiosk. Unguarded: strengthening
	// protection needs no proof.
	ReqEnableKiosk
	// ReqExitKiosk asks Kiosk→Protected. Guarded.
	ReqExitKiosk
	// ReqPanic asks *→Panic. Unguarded.
	ReqPanic
	// ReqExitPanic asks Panic→previous. Guarded twice: two consecutive
	// Ok verifications, any WrongPassword resets progress.
	ReqExitPanic
	// ReqRemoteLockdown asks *→Kiosk on behalf of a remote LOCK command.
	ReqRemoteLockdown
	// ReqSetStealth toggles the orthogonal stealth flag.
	ReqSetStealth
)

// String returns the request kind name.
func (k RequestKind) String() string {
	switch k {
	case ReqEnableProtected:
		return "enable_protected"
	case ReqDisableProtected:
		return "disable_protected"
	case ReqEnableKiosk:
		return "enable_kiosk"
	case ReqExitKiosk:
		return "exit_kiosk"
	case ReqPanic:
		return "panic"
	case ReqExitPanic:
		return "exit_panic"
	case ReqRemoteLockdown:
		return "remote_lockdown"
	case ReqSetStealth:
		return "set_stealth"
	default:
		return "unknown"
	}
}

// Request is one transition request. Verification runs before Submit so
// the password hash never computes inside the machine's serialization.
type Request struct {
	Kind RequestKind

	// Verify is the credential check outcome for guarded requests.
	Verify *credential.Result

	// Source names the initiator for the event log: "cli", "remote",
	// "monitor", a signal name.
	Source string

	// Stealth is the target flag for ReqSetStealth.
	Stealth bool

	// Message overrides the lockdown recovery message for
	// ReqRemoteLockdown.
	Message string

	// AlarmDuration bounds the Panic alarm; 0 means continuous until
	// the panic is exited.
	AlarmDuration time.Duration
}

// Status is the externally visible machine state.
type Status struct {
	Mode             Mode
	Stealth          bool
	PanicExitPending bool
	BlockedStreak    int
	LogDegraded      bool
	AlarmActive      bool
}

// EffectKind identifies a side effect requested by a transition.
type EffectKind int

const (
	EffectLock EffectKind = iota
	EffectUnlock
	EffectAlarm
	EffectStopAlarm
	EffectLockdownUI
	EffectExitLockdownUI
	EffectCapture
	EffectStartTracking
	EffectStopTracking
	EffectAlertContact
	EffectSetStealth
)

// String returns the effect kind name.
func (k EffectKind) String() string {
	switch k {
	case EffectLock:
		return "lock"
	case EffectUnlock:
		return "unlock"
	case EffectAlarm:
		return "alarm"
	case EffectStopAlarm:
		return "stop_alarm"
	case EffectLockdownUI:
		return "lockdown_ui"
	case EffectExitLockdownUI:
		return "exit_lockdown_ui"
	case EffectCapture:
		return "capture"
	case EffectStartTracking:
		return "start_tracking"
	case EffectStopTracking:
		return "stop_tracking"
	case EffectAlertContact:
		return "alert_contact"
	case EffectSetStealth:
		return "set_stealth"
	default:
		return "unknown"
	}
}

// Effect is one side effect for the async executor.
type Effect struct {
	Kind EffectKind

	// Duration bounds EffectAlarm; 0 means continuous.
	Duration time.Duration

	// Message carries the lockdown or alert text.
	Message string

	// Hidden is the EffectSetStealth target.
	Hidden bool

	// Interval is the EffectStartTracking fix cadence.
	Interval time.Duration
}
