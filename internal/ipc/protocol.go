// Package ipc is the local control channel between the daemon and the
// platform collaborators (lock-screen hook, telephony bridge, CLI). One
// JSON object per line over a unix socket; the socket lives inside the
// sentryd state directory, so filesystem permissions are the access
// control.
package ipc

import (
	"time"

	"sentryd/internal/monitor"
)

// Op identifies a request.
type Op string

const (
	// OpSignal injects one platform signal into the monitor.
	OpSignal Op = "signal"
	// OpMessage delivers one inbound text message to the command
	// pipeline.
	OpMessage Op = "message"
	// OpStatus asks for the daemon status snapshot.
	OpStatus Op = "status"
	// OpPing checks daemon liveness.
	OpPing Op = "ping"
	// OpLocation reports a location fix from the platform collaborator.
	OpLocation Op = "location"
	// OpMode requests a mode transition on behalf of the owner.
	OpMode Op = "mode"
	// OpStealth toggles the stealth flag.
	OpStealth Op = "stealth"
	// OpGrant lifts the file-manager restriction temporarily, or revokes
	// the active grant early when Cancel is set.
	OpGrant Op = "grant"
	// OpSilence stops the active alarm.
	OpSilence Op = "silence"
)

// SignalPayload is the wire form of a platform signal.
type SignalPayload struct {
	Kind       string              `json:"kind"`
	Enabled    bool                `json:"enabled,omitempty"`
	Authorized bool                `json:"authorized,omitempty"`
	Success    bool                `json:"success,omitempty"`
	SIM        monitor.SIMIdentity `json:"sim,omitempty"`
	Number     string              `json:"number,omitempty"`
	Incoming   bool                `json:"incoming,omitempty"`
	DurationMs int64               `json:"duration_ms,omitempty"`
}

// LocationPayload is one reported fix.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy_m"`
}

// Request is one client line. Password rides the owner-only socket for
// guarded mode transitions; it never crosses a network boundary.
type Request struct {
	Op       Op               `json:"op"`
	Signal   *SignalPayload   `json:"signal,omitempty"`
	Sender   string           `json:"sender,omitempty"`
	Body     string           `json:"body,omitempty"`
	Location *LocationPayload `json:"location,omitempty"`
	Target   string           `json:"target,omitempty"`
	Password string           `json:"password,omitempty"`
	Hidden   bool             `json:"hidden,omitempty"`
	Cancel   bool             `json:"cancel,omitempty"`
}

// StatusPayload is the daemon snapshot returned for OpStatus.
type StatusPayload struct {
	Mode        string `json:"mode"`
	Stealth     bool   `json:"stealth"`
	AlarmActive bool   `json:"alarm_active"`
	LogDegraded bool   `json:"log_degraded"`
	Health      string `json:"health"`
	EventCount  int64  `json:"event_count"`
}

// Response is one server line.
type Response struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Status *StatusPayload `json:"status,omitempty"`
}

// ParseSignal converts the wire form to a monitor signal.
func ParseSignal(p *SignalPayload) (monitor.Signal, bool) {
	sig := monitor.Signal{Time: time.Now()}
	switch p.Kind {
	case "airplane_mode":
		sig.Kind = monitor.SignalAirplaneMode
		sig.Enabled = p.Enabled
		sig.Authorized = p.Authorized
	case "sim":
		sig.Kind = monitor.SignalSIM
		sig.SIM = p.SIM
	case "unlock_attempt":
		sig.Kind = monitor.SignalUnlockAttempt
		sig.Success = p.Success
	case "screen_lock_change":
		sig.Kind = monitor.SignalScreenLockChange
		sig.Success = p.Success
	case "usb_debugging":
		sig.Kind = monitor.SignalUSBDebugging
		sig.Enabled = p.Enabled
	case "developer_options":
		sig.Kind = monitor.SignalDeveloperOptions
		sig.Enabled = p.Enabled
	case "call_started":
		sig.Kind = monitor.SignalCallStarted
		sig.Call = monitor.CallInfo{Number: p.Number, Incoming: p.Incoming}
	case "call_ended":
		sig.Kind = monitor.SignalCallEnded
		sig.Call = monitor.CallInfo{
			Number:   p.Number,
			Incoming: p.Incoming,
			Duration: time.Duration(p.DurationMs) * time.Millisecond,
		}
	case "panic_button":
		sig.Kind = monitor.SignalPanicButton
	default:
		return monitor.Signal{}, false
	}
	return sig, true
}
