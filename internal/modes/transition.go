package modes

import (
	"time"

	"sentryd/internal/credential"
)

// machineState is everything the run goroutine owns. It is also the
// persisted form, so a restart resumes mid-panic with exit progress intact.
type machineState struct {
	Mode Mode `json:"mode"`

	// Previous is the state Panic returns to.
	Previous Mode `json:"previous"`

	Stealth bool `json:"stealth"`

	// PanicProgress counts consecutive Ok verifications toward the
	// two-step Panic exit.
	PanicProgress int `json:"panic_progress"`

	// BlockedStreak counts consecutive blocked guarded transitions.
	BlockedStreak int `json:"blocked_streak"`
}

// params are the policy knobs transition needs.
type params struct {
	trustedConfigured func() bool
	recoveryMessage   string
	trackInterval     time.Duration
	blockedAlertAt    int
}

// transition is the pure decision function: current state and one request
// in, next state and the effects to dispatch out. No I/O, no clocks.
func transition(st machineState, req Request, p params) (machineState, []Effect, error) {
	switch req.Kind {
	case ReqEnableProtected:
		if st.Mode != Normal {
			return st, nil, ErrInvalidTransition
		}
		if p.trustedConfigured == nil || !p.trustedConfigured() {
			return st, nil, ErrMissingPrerequisite
		}
		st.Mode = Protected
		return st, []Effect{{Kind: EffectLock}}, nil

	case ReqDisableProtected:
		if st.Mode != Protected {
			return st, nil, ErrInvalidTransition
		}
		return guarded(st, req, p, func(st machineState) (machineState, []Effect) {
			st.Mode = Normal
			return st, []Effect{{Kind: EffectUnlock}}
		})

	case ReqEnableKiosk:
		if st.Mode != Protected {
			return st, nil, ErrInvalidTransition
		}
		st.Mode = Kiosk
		return st, []Effect{
			{Kind: EffectLock},
			{Kind: EffectLockdownUI, Message: p.recoveryMessage},
		}, nil

	case ReqExitKiosk:
		if st.Mode != Kiosk {
			return st, nil, ErrInvalidTransition
		}
		return guarded(st, req, p, func(st machineState) (machineState, []Effect) {
			st.Mode = Protected
			return st, []Effect{{Kind: EffectExitLockdownUI}}
		})

	case ReqPanic:
		if st.Mode == Panic {
			// Already panicking; re-arm the alarm but keep the
			// original return state and exit progress.
			return st, []Effect{alarmEffect(req)}, nil
		}
		st.Previous = st.Mode
		st.Mode = Panic
		st.PanicProgress = 0
		msg := req.Message
		if msg == "" {
			msg = p.recoveryMessage
		}
		return st, []Effect{
			{Kind: EffectLock},
			{Kind: EffectLockdownUI, Message: msg},
			alarmEffect(req),
			{Kind: EffectStartTracking, Interval: p.trackInterval},
			{Kind: EffectCapture},
		}, nil

	case ReqExitPanic:
		if st.Mode != Panic {
			return st, nil, ErrInvalidTransition
		}
		outcome := verifyOutcome(req)
		switch outcome {
		case credential.OutcomeOk:
			st.PanicProgress++
			st.BlockedStreak = 0
			if st.PanicProgress < 2 {
				// First Ok only confirms; state holds.
				return st, nil, nil
			}
			st.Mode = st.Previous
			st.PanicProgress = 0
			effects := []Effect{
				{Kind: EffectStopAlarm},
				{Kind: EffectStopTracking},
			}
			if st.Mode != Kiosk {
				effects = append(effects, Effect{Kind: EffectExitLockdownUI})
			}
			if st.Mode == Normal {
				effects = append(effects, Effect{Kind: EffectUnlock})
			}
			return st, effects, nil
		case credential.OutcomeWrongPassword:
			// Any wrong password resets the two-step progress.
			st.PanicProgress = 0
		}
		return blocked(st, p)

	case ReqRemoteLockdown:
		if st.Mode == Kiosk || st.Mode == Panic {
			return st, []Effect{{Kind: EffectLock}}, nil
		}
		st.Mode = Kiosk
		msg := req.Message
		if msg == "" {
			msg = p.recoveryMessage
		}
		return st, []Effect{
			{Kind: EffectLock},
			{Kind: EffectLockdownUI, Message: msg},
		}, nil

	case ReqSetStealth:
		st.Stealth = req.Stealth
		return st, []Effect{{Kind: EffectSetStealth, Hidden: req.Stealth}}, nil

	default:
		return st, nil, ErrInvalidTransition
	}
}

// guarded applies a single-Ok guard around apply.
func guarded(st machineState, req Request, p params, apply func(machineState) (machineState, []Effect)) (machineState, []Effect, error) {
	if verifyOutcome(req) != credential.OutcomeOk {
		return blocked(st, p)
	}
	st.BlockedStreak = 0
	st, effects := apply(st)
	return st, effects, nil
}

// blocked records a failed guarded attempt. The state does not change;
// past the alert threshold an alert effect is attached.
func blocked(st machineState, p params) (machineState, []Effect, error) {
	st.BlockedStreak++
	var effects []Effect
	if p.blockedAlertAt > 0 && st.BlockedStreak >= p.blockedAlertAt {
		effects = append(effects, Effect{
			Kind:    EffectAlertContact,
			Message: "repeated failed attempts to change protection mode",
		})
	}
	return st, effects, ErrBlocked
}

func verifyOutcome(req Request) credential.Outcome {
	if req.Verify == nil {
		return credential.OutcomeLocked
	}
	return req.Verify.Outcome
}

func alarmEffect(req Request) Effect {
	return Effect{Kind: EffectAlarm, Duration: req.AlarmDuration}
}
