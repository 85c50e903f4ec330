package monitor

import (
	"testing"
	"time"

	"sentryd/internal/eventlog"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sigAt(kind SignalKind, offset time.Duration) Signal {
	return Signal{Kind: kind, Time: t0.Add(offset)}
}

func TestAirplaneReducer(t *testing.T) {
	var r airplaneReducer

	// Initial disabled observation: nothing.
	if out := r.reduce(Signal{Kind: SignalAirplaneMode, Time: t0, Enabled: false}); len(out.events) != 0 {
		t.Fatalf("initial disabled produced %d events", len(out.events))
	}

	// Unauthorized enable: event + auto-disable.
	out := r.reduce(Signal{Kind: SignalAirplaneMode, Time: t0, Enabled: true})
	if len(out.events) != 1 || out.events[0].Type != eventlog.TypeAirplaneMode {
		t.Fatalf("enable: got %+v", out.events)
	}
	if !out.autoDisable {
		t.Fatal("enable should request auto-disable")
	}

	// Level repeat while enabled: no duplicate.
	if out := r.reduce(Signal{Kind: SignalAirplaneMode, Time: t0, Enabled: true}); len(out.events) != 0 {
		t.Fatal("level repeat re-reported")
	}

	// Disable then re-enable: reported again, repeats are not suppressed.
	r.reduce(Signal{Kind: SignalAirplaneMode, Time: t0, Enabled: false})
	out = r.reduce(Signal{Kind: SignalAirplaneMode, Time: t0, Enabled: true})
	if len(out.events) != 1 || !out.autoDisable {
		t.Fatal("re-enable after disable not reported")
	}

	// Authorized enable: silent.
	r.reduce(Signal{Kind: SignalAirplaneMode, Time: t0, Enabled: false})
	out = r.reduce(Signal{Kind: SignalAirplaneMode, Time: t0, Enabled: true, Authorized: true})
	if len(out.events) != 0 || out.autoDisable {
		t.Fatal("authorized enable treated as tampering")
	}
}

func TestSIMReducerBaselineAndChange(t *testing.T) {
	var persisted []SIMIdentity
	r := simReducer{onBaseline: func(s SIMIdentity) { persisted = append(persisted, s) }}

	simA := SIMIdentity{Present: true, Carrier: "310260", Serial: "8901-A"}
	simB := SIMIdentity{Present: true, Carrier: "310260", Serial: "8901-B"}

	// First observation baselines silently.
	if out := r.reduce(Signal{Kind: SignalSIM, Time: t0, SIM: simA}); len(out.events) != 0 {
		t.Fatal("first observation reported as change")
	}
	if len(persisted) != 1 || !persisted[0].Equal(simA) {
		t.Fatalf("baseline not persisted: %+v", persisted)
	}

	// Same identity: silent.
	if out := r.reduce(Signal{Kind: SignalSIM, Time: t0, SIM: simA}); len(out.events) != 0 {
		t.Fatal("unchanged identity reported")
	}

	// Serial change: exactly one event, baseline updated immediately.
	out := r.reduce(Signal{Kind: SignalSIM, Time: t0, SIM: simB})
	if len(out.events) != 1 || out.events[0].Type != eventlog.TypeSimChange {
		t.Fatalf("change: got %+v", out.events)
	}
	if out.events[0].Metadata["old_serial"] != "8901-A" || out.events[0].Metadata["new_serial"] != "8901-B" {
		t.Fatalf("serial metadata wrong: %v", out.events[0].Metadata)
	}

	// The very next sample of the same new identity is silent; a single
	// swap is never reported twice.
	if out := r.reduce(Signal{Kind: SignalSIM, Time: t0, SIM: simB}); len(out.events) != 0 {
		t.Fatal("single swap reported twice")
	}

	// Removal is a presence change.
	out = r.reduce(Signal{Kind: SignalSIM, Time: t0, SIM: SIMIdentity{}})
	if len(out.events) != 1 || out.events[0].Description != "SIM card removed" {
		t.Fatalf("removal: got %+v", out.events)
	}
}

func TestUnlockReducerThresholds(t *testing.T) {
	r := unlockReducer{captureAt: 5, alertAt: 10, alertWindow: 10 * time.Minute}

	fail := func(offset time.Duration) outcome {
		return r.reduce(Signal{Kind: SignalUnlockAttempt, Time: t0.Add(offset), Success: false})
	}

	// Failures 1-4: one failed_unlock event each, no notices.
	for i := 0; i < 4; i++ {
		out := fail(time.Duration(i) * time.Second)
		if len(out.events) != 1 || len(out.notices) != 0 {
			t.Fatalf("failure %d: events=%d notices=%d", i+1, len(out.events), len(out.notices))
		}
	}

	// 5th consecutive: capture-worthy.
	out := fail(4 * time.Second)
	if len(out.notices) != 1 || out.notices[0].Kind != NoticeCaptureWorthy {
		t.Fatalf("5th failure: notices=%+v", out.notices)
	}
	if out.notices[0].Attempts != 5 {
		t.Fatalf("capture notice attempts = %d", out.notices[0].Attempts)
	}

	// Success resets the streak but not the window.
	r.reduce(Signal{Kind: SignalUnlockAttempt, Time: t0.Add(5 * time.Second), Success: true})

	// Failures 6-9 (streak 1-4): no capture notice.
	for i := 6; i <= 9; i++ {
		out := fail(time.Duration(i) * time.Second)
		if len(out.notices) != 0 {
			t.Fatalf("failure %d fired notices %+v", i, out.notices)
		}
	}

	// 10th failure inside the window. The streak also hits 5 again, so
	// both escalations fire on the same failure.
	out = fail(10 * time.Second)
	if len(out.notices) != 2 {
		t.Fatalf("10th failure: notices=%+v", out.notices)
	}
	if out.notices[0].Kind != NoticeCaptureWorthy || out.notices[1].Kind != NoticeAlertWorthy {
		t.Fatalf("10th failure: wrong notice kinds %+v", out.notices)
	}
	if out.notices[1].Attempts != 10 {
		t.Fatalf("alert notice window count = %d", out.notices[1].Attempts)
	}
}

func TestUnlockReducerWindowExpiry(t *testing.T) {
	r := unlockReducer{captureAt: 5, alertAt: 3, alertWindow: 10 * time.Minute}
	fail := func(at time.Duration) outcome {
		return r.reduce(Signal{Kind: SignalUnlockAttempt, Time: t0.Add(at), Success: false})
	}

	fail(0)
	fail(5 * time.Minute)

	// The third failure lands exactly alertWindow after the first. The
	// cutoff is inclusive, so all three are in the window and the alert
	// fires.
	out := fail(10 * time.Minute)
	if len(out.notices) != 1 || out.notices[0].Kind != NoticeAlertWorthy {
		t.Fatalf("boundary failure did not alert: %+v", out.notices)
	}

	// Eleven minutes later everything has aged out; the window restarts
	// at 1 and stays silent.
	out = fail(21 * time.Minute)
	if len(out.notices) != 0 {
		t.Fatalf("expired window still alerted: %+v", out.notices)
	}

	// Refill: the fifth failure overall trips the consecutive-streak
	// capture, the sixth brings the window back to 3 and alerts again.
	out = fail(22 * time.Minute)
	if len(out.notices) != 1 || out.notices[0].Kind != NoticeCaptureWorthy {
		t.Fatalf("fifth failure: %+v", out.notices)
	}
	out = fail(23 * time.Minute)
	if len(out.notices) != 1 || out.notices[0].Kind != NoticeAlertWorthy {
		t.Fatalf("refilled window did not alert: %+v", out.notices)
	}
	if out.notices[0].Attempts != 3 {
		t.Fatalf("refilled window count = %d, want 3", out.notices[0].Attempts)
	}
}

func TestScreenLockReducerIndependentReset(t *testing.T) {
	var r screenLockReducer

	for i := 1; i <= 3; i++ {
		out := r.reduce(Signal{Kind: SignalScreenLockChange, Time: t0, Success: false})
		if len(out.events) != 1 || out.events[0].Type != eventlog.TypeScreenLockChange {
			t.Fatalf("failure %d: got %+v", i, out.events)
		}
		if got := out.events[0].Metadata["attempt"]; got != i {
			t.Fatalf("failure %d: attempt = %v", i, got)
		}
	}

	// Only its own success signal resets the counter.
	if out := r.reduce(Signal{Kind: SignalScreenLockChange, Time: t0, Success: true}); len(out.events) != 0 {
		t.Fatalf("success produced events: %+v", out.events)
	}
	out := r.reduce(Signal{Kind: SignalScreenLockChange, Time: t0, Success: false})
	if got := out.events[0].Metadata["attempt"]; got != 1 {
		t.Fatalf("counter did not reset: attempt = %v", got)
	}
}

func TestEdgeReducer(t *testing.T) {
	r := edgeReducer{eventType: eventlog.TypeUSBDebugging, desc: "USB debugging enabled"}

	// Initial true is not an edge.
	if out := r.reduce(Signal{Kind: SignalUSBDebugging, Time: t0, Enabled: true}); len(out.events) != 0 {
		t.Fatal("initial true fired")
	}

	r.reduce(Signal{Kind: SignalUSBDebugging, Time: t0, Enabled: false})

	out := r.reduce(Signal{Kind: SignalUSBDebugging, Time: t0, Enabled: true})
	if len(out.events) != 1 || out.events[0].Type != eventlog.TypeUSBDebugging {
		t.Fatalf("false→true edge: got %+v", out.events)
	}

	// Level repeat: silent.
	if out := r.reduce(Signal{Kind: SignalUSBDebugging, Time: t0, Enabled: true}); len(out.events) != 0 {
		t.Fatal("level repeat fired")
	}

	// true→false: silent, only rising edges matter.
	if out := r.reduce(Signal{Kind: SignalUSBDebugging, Time: t0, Enabled: false}); len(out.events) != 0 {
		t.Fatal("falling edge fired")
	}
}

func TestCallReducerGatingAndMetadata(t *testing.T) {
	protected := false
	r := callReducer{
		protectedNow: func() bool { return protected },
		trusted:      func() string { return "+1 555-0100" },
		normalize:    func(s string) string { return normalizeDigits(s) },
	}

	call := Signal{
		Kind: SignalCallStarted,
		Time: t0,
		Call: CallInfo{Number: "+15550100", Incoming: true},
	}

	// Normal mode: no logging.
	if out := r.reduce(call); len(out.events) != 0 {
		t.Fatal("call logged outside Protected")
	}

	protected = true
	out := r.reduce(call)
	if len(out.events) != 1 || out.events[0].Type != eventlog.TypeCall {
		t.Fatalf("call start: got %+v", out.events)
	}
	meta := out.events[0].Metadata
	if meta["direction"] != "incoming" || meta["trusted_contact"] != true {
		t.Fatalf("call start metadata: %v", meta)
	}

	end := Signal{
		Kind: SignalCallEnded,
		Time: t0.Add(90 * time.Second),
		Call: CallInfo{Number: "+15550199", Incoming: false, Duration: 90 * time.Second},
	}
	out = r.reduce(end)
	meta = out.events[0].Metadata
	if meta["direction"] != "outgoing" || meta["trusted_contact"] != false {
		t.Fatalf("call end metadata: %v", meta)
	}
	if meta["duration_ms"] != int64(90000) {
		t.Fatalf("duration metadata: %v", meta["duration_ms"])
	}
}

// normalizeDigits strips everything but digits and a leading plus, the
// same shape the command pipeline uses.
func normalizeDigits(s string) string {
	out := make([]rune, 0, len(s))
	for i, c := range s {
		if c >= '0' && c <= '9' || (c == '+' && i == 0) {
			out = append(out, c)
		}
	}
	return string(out)
}
