package monitor

import (
	"fmt"
	"time"

	"sentryd/internal/eventlog"
)

// outcome is what one reducer step produced: events for the log, notices
// for the mode machine, and whether the airplane radio must be re-disabled.
type outcome struct {
	events      []eventlog.Event
	notices     []Notice
	autoDisable bool
}

// airplaneReducer reports unauthorized disabled→enabled flips. Repeats are
// re-reported: each flip is its own event, suppression would hide a
// persistent attacker toggling the radio.
type airplaneReducer struct {
	known   bool
	enabled bool
}

func (r *airplaneReducer) reduce(sig Signal) outcome {
	wasEnabled := r.known && r.enabled
	r.known = true
	r.enabled = sig.Enabled

	if !sig.Enabled || wasEnabled {
		return outcome{}
	}
	if sig.Authorized {
		return outcome{}
	}
	return outcome{
		events: []eventlog.Event{{
			Type:        eventlog.TypeAirplaneMode,
			Time:        sig.Time,
			Description: "airplane mode enabled without authorization",
			Metadata:    map[string]any{"enabled": true},
		}},
		autoDisable: true,
	}
}

// simReducer compares the observed SIM identity against the persisted
// baseline. The baseline is adopted immediately on change so one swap is
// reported exactly once; the first-ever observation baselines silently.
type simReducer struct {
	known    bool
	baseline SIMIdentity

	// onBaseline persists the new baseline. May be nil in tests.
	onBaseline func(SIMIdentity)
}

func (r *simReducer) reduce(sig Signal) outcome {
	if !r.known {
		r.known = true
		r.baseline = sig.SIM
		if r.onBaseline != nil {
			r.onBaseline(sig.SIM)
		}
		return outcome{}
	}
	if r.baseline.Equal(sig.SIM) {
		return outcome{}
	}

	old := r.baseline
	r.baseline = sig.SIM
	if r.onBaseline != nil {
		r.onBaseline(sig.SIM)
	}

	desc := "SIM identity changed"
	switch {
	case old.Present && !sig.SIM.Present:
		desc = "SIM card removed"
	case !old.Present && sig.SIM.Present:
		desc = "SIM card inserted"
	}
	return outcome{
		events: []eventlog.Event{{
			Type:        eventlog.TypeSimChange,
			Time:        sig.Time,
			Description: desc,
			Metadata: map[string]any{
				"old_serial":  old.Serial,
				"new_serial":  sig.SIM.Serial,
				"old_carrier": old.Carrier,
				"new_carrier": sig.SIM.Carrier,
			},
		}},
	}
}

// unlockReducer tracks the consecutive-failure streak and the rolling
// alert window. The streak resets only on success; the window holds raw
// failure timestamps and survives successful unlocks in between.
type unlockReducer struct {
	captureAt   int
	alertAt     int
	alertWindow time.Duration

	consecutive int
	window      []time.Time
}

func (r *unlockReducer) reduce(sig Signal) outcome {
	if sig.Success {
		r.consecutive = 0
		return outcome{}
	}

	r.consecutive++
	r.window = append(r.window, sig.Time)
	r.prune(sig.Time)

	var out outcome
	out.events = append(out.events, eventlog.Event{
		Type:        eventlog.TypeFailedUnlock,
		Time:        sig.Time,
		Description: "failed unlock attempt",
		Metadata: map[string]any{
			"attempt":      r.consecutive,
			"window_count": len(r.window),
		},
	})

	// Both escalations may fire for the same failure.
	if r.consecutive == r.captureAt {
		out.events = append(out.events, eventlog.Event{
			Type:        eventlog.TypeSuspicious,
			Time:        sig.Time,
			Description: fmt.Sprintf("%d consecutive failed unlocks", r.consecutive),
			Metadata:    map[string]any{"attempt": r.consecutive},
		})
		out.notices = append(out.notices, Notice{
			Kind: NoticeCaptureWorthy, Time: sig.Time, Attempts: r.consecutive,
		})
	}
	if len(r.window) == r.alertAt {
		out.events = append(out.events, eventlog.Event{
			Type:        eventlog.TypeSuspicious,
			Time:        sig.Time,
			Description: fmt.Sprintf("%d failed unlocks within %s", len(r.window), r.alertWindow),
			Metadata:    map[string]any{"window_count": len(r.window)},
		})
		out.notices = append(out.notices, Notice{
			Kind: NoticeAlertWorthy, Time: sig.Time, Attempts: len(r.window),
		})
	}
	return out
}

// prune drops failures older than the alert window. The cutoff is
// inclusive: a failure aged exactly alertWindow still counts.
func (r *unlockReducer) prune(now time.Time) {
	cutoff := now.Add(-r.alertWindow)
	keep := r.window[:0]
	for _, t := range r.window {
		if !t.Before(cutoff) {
			keep = append(keep, t)
		}
	}
	r.window = keep
}

// screenLockReducer tracks consecutive failed attempts to change or remove
// the screen lock method. The counter resets only on a successful change;
// unlock outcomes never touch it.
type screenLockReducer struct {
	consecutive int
}

func (r *screenLockReducer) reduce(sig Signal) outcome {
	if sig.Success {
		r.consecutive = 0
		return outcome{}
	}

	r.consecutive++
	return outcome{
		events: []eventlog.Event{{
			Type:        eventlog.TypeScreenLockChange,
			Time:        sig.Time,
			Description: "failed screen lock change attempt",
			Metadata:    map[string]any{"attempt": r.consecutive},
		}},
	}
}

// edgeReducer fires only on observed false→true transitions. An initial
// true is not an edge: without a prior false observation there is no
// transition to report.
type edgeReducer struct {
	eventType eventlog.Type
	desc      string

	known   bool
	enabled bool
}

func (r *edgeReducer) reduce(sig Signal) outcome {
	fire := r.known && !r.enabled && sig.Enabled
	r.known = true
	r.enabled = sig.Enabled

	if !fire {
		return outcome{}
	}
	return outcome{
		events: []eventlog.Event{{
			Type:        r.eventType,
			Time:        sig.Time,
			Description: r.desc,
			Metadata:    map[string]any{"enabled": true},
		}},
	}
}

// callReducer logs call starts and ends while the device is in Protected
// mode or stricter. Gating is evaluated per signal so entering Protected
// mid-call logs the end but not the start.
type callReducer struct {
	// protectedNow reports whether the current mode is Protected or
	// stricter.
	protectedNow func() bool

	// trusted returns the normalized trusted sender address.
	trusted func() string

	// normalize matches the command pipeline's sender normalization.
	normalize func(string) string
}

func (r *callReducer) reduce(sig Signal) outcome {
	if r.protectedNow != nil && !r.protectedNow() {
		return outcome{}
	}

	direction := "outgoing"
	if sig.Call.Incoming {
		direction = "incoming"
	}
	trustedMatch := false
	if r.trusted != nil {
		want := r.trusted()
		got := sig.Call.Number
		if r.normalize != nil {
			want = r.normalize(want)
			got = r.normalize(got)
		}
		trustedMatch = want != "" && want == got
	}

	meta := map[string]any{
		"number":          sig.Call.Number,
		"direction":       direction,
		"trusted_contact": trustedMatch,
	}
	desc := "call started"
	if sig.Kind == SignalCallEnded {
		desc = "call ended"
		meta["duration_ms"] = sig.Call.Duration.Milliseconds()
	}
	return outcome{
		events: []eventlog.Event{{
			Type:        eventlog.TypeCall,
			Time:        sig.Time,
			Description: desc,
			Metadata:    meta,
		}},
	}
}
