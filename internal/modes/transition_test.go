package modes

import (
	"errors"
	"testing"
	"time"

	"sentryd/internal/credential"
)

func testParams(trusted bool) params {
	return params{
		trustedConfigured: func() bool { return trusted },
		recoveryMessage:   "if found call +15550100",
		trackInterval:     5 * time.Second,
		blockedAlertAt:    3,
	}
}

func ok() *credential.Result {
	return &credential.Result{Outcome: credential.OutcomeOk}
}

func wrong() *credential.Result {
	return &credential.Result{Outcome: credential.OutcomeWrongPassword}
}

func lockedOut() *credential.Result {
	return &credential.Result{Outcome: credential.OutcomeLocked}
}

func effectKinds(effects []Effect) []EffectKind {
	kinds := make([]EffectKind, len(effects))
	for i, e := range effects {
		kinds[i] = e.Kind
	}
	return kinds
}

func hasEffect(effects []Effect, kind EffectKind) bool {
	for _, e := range effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func TestEnableProtectedRequiresContact(t *testing.T) {
	st := machineState{Mode: Normal}

	_, _, err := transition(st, Request{Kind: ReqEnableProtected}, testParams(false))
	if !errors.Is(err, ErrMissingPrerequisite) {
		t.Fatalf("got %v, want ErrMissingPrerequisite", err)
	}

	next, effects, err := transition(st, Request{Kind: ReqEnableProtected}, testParams(true))
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if next.Mode != Protected {
		t.Fatalf("mode = %s, want protected", next.Mode)
	}
	if !hasEffect(effects, EffectLock) {
		t.Fatalf("effects = %v, want lock", effectKinds(effects))
	}
}

func TestGuardedTransitions(t *testing.T) {
	p := testParams(true)

	cases := []struct {
		name string
		from Mode
		kind RequestKind
		to   Mode
	}{
		{"protected to normal", Protected, ReqDisableProtected, Normal},
		{"kiosk to protected", Kiosk, ReqExitKiosk, Protected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := machineState{Mode: tc.from}

			// Wrong password: state holds, streak grows.
			next, _, err := transition(st, Request{Kind: tc.kind, Verify: wrong()}, p)
			if !errors.Is(err, ErrBlocked) {
				t.Fatalf("wrong password: got %v, want ErrBlocked", err)
			}
			if next.Mode != tc.from || next.BlockedStreak != 1 {
				t.Fatalf("wrong password changed state: %+v", next)
			}

			// Locked: same.
			next, _, err = transition(st, Request{Kind: tc.kind, Verify: lockedOut()}, p)
			if !errors.Is(err, ErrBlocked) || next.Mode != tc.from {
				t.Fatalf("locked: err=%v mode=%s", err, next.Mode)
			}

			// Ok: transition applies, streak clears.
			st.BlockedStreak = 2
			next, _, err = transition(st, Request{Kind: tc.kind, Verify: ok()}, p)
			if err != nil {
				t.Fatalf("ok: %v", err)
			}
			if next.Mode != tc.to || next.BlockedStreak != 0 {
				t.Fatalf("ok: got %+v, want mode %s streak 0", next, tc.to)
			}
		})
	}
}

func TestKioskOnlyFromProtected(t *testing.T) {
	_, _, err := transition(machineState{Mode: Normal}, Request{Kind: ReqEnableKiosk}, testParams(true))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("kiosk from normal: got %v, want ErrInvalidTransition", err)
	}

	next, effects, err := transition(machineState{Mode: Protected}, Request{Kind: ReqEnableKiosk}, testParams(true))
	if err != nil || next.Mode != Kiosk {
		t.Fatalf("kiosk from protected: err=%v mode=%s", err, next.Mode)
	}
	if !hasEffect(effects, EffectLockdownUI) {
		t.Fatalf("effects = %v, want lockdown UI", effectKinds(effects))
	}
}

func TestPanicEntryFromAnyState(t *testing.T) {
	for _, from := range []Mode{Normal, Protected, Kiosk} {
		st := machineState{Mode: from}
		next, effects, err := transition(st, Request{Kind: ReqPanic, AlarmDuration: 2 * time.Minute}, testParams(true))
		if err != nil {
			t.Fatalf("panic from %s: %v", from, err)
		}
		if next.Mode != Panic || next.Previous != from {
			t.Fatalf("panic from %s: got %+v", from, next)
		}
		for _, want := range []EffectKind{EffectLock, EffectLockdownUI, EffectAlarm, EffectStartTracking, EffectCapture} {
			if !hasEffect(effects, want) {
				t.Fatalf("panic from %s: effects %v missing %s", from, effectKinds(effects), want)
			}
		}
	}
}

func TestPanicTwoStepExit(t *testing.T) {
	p := testParams(true)
	st := machineState{Mode: Panic, Previous: Protected}

	// First Ok only confirms.
	next, effects, err := transition(st, Request{Kind: ReqExitPanic, Verify: ok()}, p)
	if err != nil {
		t.Fatalf("first ok: %v", err)
	}
	if next.Mode != Panic || next.PanicProgress != 1 {
		t.Fatalf("first ok: got %+v, want panic with progress 1", next)
	}
	if len(effects) != 0 {
		t.Fatalf("first ok emitted effects %v", effectKinds(effects))
	}

	// Second consecutive Ok exits to the previous state.
	next, effects, err = transition(next, Request{Kind: ReqExitPanic, Verify: ok()}, p)
	if err != nil {
		t.Fatalf("second ok: %v", err)
	}
	if next.Mode != Protected || next.PanicProgress != 0 {
		t.Fatalf("second ok: got %+v, want protected", next)
	}
	for _, want := range []EffectKind{EffectStopAlarm, EffectStopTracking, EffectExitLockdownUI} {
		if !hasEffect(effects, want) {
			t.Fatalf("exit effects %v missing %s", effectKinds(effects), want)
		}
	}
}

func TestExitToNormalReleasesLock(t *testing.T) {
	p := testParams(true)

	_, effects, err := transition(machineState{Mode: Protected},
		Request{Kind: ReqDisableProtected, Verify: ok()}, p)
	if err != nil {
		t.Fatalf("disable protected: %v", err)
	}
	if !hasEffect(effects, EffectUnlock) {
		t.Fatalf("protected exit effects %v, want unlock", effectKinds(effects))
	}

	// Panic exit only releases the lock when it lands in Normal.
	st := machineState{Mode: Panic, Previous: Normal, PanicProgress: 1}
	_, effects, err = transition(st, Request{Kind: ReqExitPanic, Verify: ok()}, p)
	if err != nil {
		t.Fatalf("panic exit: %v", err)
	}
	if !hasEffect(effects, EffectUnlock) {
		t.Fatalf("panic exit to normal effects %v, want unlock", effectKinds(effects))
	}

	st = machineState{Mode: Panic, Previous: Protected, PanicProgress: 1}
	_, effects, err = transition(st, Request{Kind: ReqExitPanic, Verify: ok()}, p)
	if err != nil {
		t.Fatalf("panic exit: %v", err)
	}
	if hasEffect(effects, EffectUnlock) {
		t.Fatalf("panic exit to protected effects %v, unlock unexpected", effectKinds(effects))
	}
}

func TestPanicExitWrongPasswordResetsProgress(t *testing.T) {
	p := testParams(true)
	st := machineState{Mode: Panic, Previous: Normal, PanicProgress: 1}

	next, _, err := transition(st, Request{Kind: ReqExitPanic, Verify: wrong()}, p)
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("got %v, want ErrBlocked", err)
	}
	if next.Mode != Panic || next.PanicProgress != 0 {
		t.Fatalf("wrong password: got %+v, want progress reset to 0", next)
	}

	// The next Ok is step one again, not the exit.
	next, _, err = transition(next, Request{Kind: ReqExitPanic, Verify: ok()}, p)
	if err != nil || next.Mode != Panic || next.PanicProgress != 1 {
		t.Fatalf("ok after reset: err=%v state=%+v", err, next)
	}
}

func TestPanicExitLockedKeepsProgress(t *testing.T) {
	p := testParams(true)
	st := machineState{Mode: Panic, Previous: Normal, PanicProgress: 1}

	// Lockout blocks the attempt; only a wrong password resets progress.
	next, _, err := transition(st, Request{Kind: ReqExitPanic, Verify: lockedOut()}, p)
	if !errors.Is(err, ErrBlocked) || next.PanicProgress != 1 {
		t.Fatalf("locked: err=%v progress=%d", err, next.PanicProgress)
	}
}

func TestBlockedStreakAlert(t *testing.T) {
	p := testParams(true)
	st := machineState{Mode: Protected}

	var effects []Effect
	var err error
	for i := 0; i < 3; i++ {
		st, effects, err = transition(st, Request{Kind: ReqDisableProtected, Verify: wrong()}, p)
		if !errors.Is(err, ErrBlocked) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if st.BlockedStreak != 3 {
		t.Fatalf("streak = %d, want 3", st.BlockedStreak)
	}
	if !hasEffect(effects, EffectAlertContact) {
		t.Fatalf("third block did not alert: %v", effectKinds(effects))
	}
}

func TestRemoteLockdown(t *testing.T) {
	p := testParams(true)

	next, effects, err := transition(machineState{Mode: Normal},
		Request{Kind: ReqRemoteLockdown, Message: "stolen, call owner"}, p)
	if err != nil || next.Mode != Kiosk {
		t.Fatalf("lockdown from normal: err=%v mode=%s", err, next.Mode)
	}
	found := false
	for _, e := range effects {
		if e.Kind == EffectLockdownUI && e.Message == "stolen, call owner" {
			found = true
		}
	}
	if !found {
		t.Fatalf("lockdown message not carried: %v", effects)
	}

	// Already in panic: lockdown is idempotent, panic holds.
	next, _, err = transition(machineState{Mode: Panic, Previous: Normal},
		Request{Kind: ReqRemoteLockdown}, p)
	if err != nil || next.Mode != Panic {
		t.Fatalf("lockdown in panic: err=%v mode=%s", err, next.Mode)
	}
}

func TestStealthOrthogonal(t *testing.T) {
	p := testParams(true)

	next, effects, err := transition(machineState{Mode: Kiosk},
		Request{Kind: ReqSetStealth, Stealth: true}, p)
	if err != nil {
		t.Fatalf("stealth: %v", err)
	}
	if next.Mode != Kiosk || !next.Stealth {
		t.Fatalf("stealth: got %+v", next)
	}
	if !hasEffect(effects, EffectSetStealth) {
		t.Fatalf("effects = %v, want set_stealth", effectKinds(effects))
	}
}
