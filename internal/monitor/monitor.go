package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"sentryd/internal/eventlog"
	"sentryd/internal/logging"
	"sentryd/internal/store"
)

// Store keys for monitor state that must survive a restart.
const (
	simBaselineKey      = "sim_baseline"
	unlockStreakKey     = "unlock_streak"
	screenLockStreakKey = "screen_lock_streak"
)

// Options configures a Monitor.
type Options struct {
	Source SignalSource
	Log    *eventlog.Log
	Store  *store.Store

	// AirplanePoll and SIMPoll are the level-signal sampling intervals.
	// They must be at most half the respective detection budgets (2s
	// airplane, 5s SIM); Validate on the config layer enforces this.
	AirplanePoll time.Duration
	SIMPoll      time.Duration

	// UnlockCaptureThreshold is the consecutive-failure count that
	// requests evidence capture; UnlockAlertThreshold the in-window
	// count that requests a contact alert.
	UnlockCaptureThreshold int
	UnlockAlertThreshold   int
	UnlockAlertWindow      time.Duration

	// ProtectedNow gates call logging on Protected-or-stricter mode.
	ProtectedNow func() bool

	// TrustedSender returns the current trusted contact address. Read
	// per call so config hot reload takes effect immediately.
	TrustedSender func() string

	// NormalizeSender matches the command pipeline's normalization.
	NormalizeSender func(string) string

	Logger *logging.Logger
}

// Monitor correlates platform signals into events and escalation notices.
type Monitor struct {
	opts Options
	log  *logging.Logger

	airplane   airplaneReducer
	sim        simReducer
	unlock     unlockReducer
	screenlock screenLockReducer
	usb        edgeReducer
	devopts    edgeReducer
	call       callReducer

	notices chan Notice
}

// New creates a Monitor. The SIM baseline is restored from the store so a
// swap while the daemon was down is still detected on the first sample.
func New(opts Options) (*Monitor, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("monitor: signal source is required")
	}
	if opts.Log == nil {
		return nil, fmt.Errorf("monitor: event log is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default().WithComponent("monitor")
	}

	m := &Monitor{
		opts: opts,
		log:  logger,
		unlock: unlockReducer{
			captureAt:   opts.UnlockCaptureThreshold,
			alertAt:     opts.UnlockAlertThreshold,
			alertWindow: opts.UnlockAlertWindow,
		},
		usb: edgeReducer{
			eventType: eventlog.TypeUSBDebugging,
			desc:      "USB debugging enabled",
		},
		devopts: edgeReducer{
			eventType: eventlog.TypeDeveloperOptions,
			desc:      "developer options enabled",
		},
		call: callReducer{
			protectedNow: opts.ProtectedNow,
			trusted:      opts.TrustedSender,
			normalize:    opts.NormalizeSender,
		},
		notices: make(chan Notice, 16),
	}

	if opts.Store != nil {
		if err := m.restoreSIMBaseline(); err != nil {
			return nil, err
		}
		m.sim.onBaseline = m.persistSIMBaseline
		if err := m.restoreStreak(unlockStreakKey, &m.unlock.consecutive); err != nil {
			return nil, err
		}
		if err := m.restoreStreak(screenLockStreakKey, &m.screenlock.consecutive); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Notices is the escalation channel consumed by the mode machine driver.
func (m *Monitor) Notices() <-chan Notice {
	return m.notices
}

// Run consumes pushed signals and samples level signals until ctx is done.
// It owns all reducer state; no other goroutine touches it.
func (m *Monitor) Run(ctx context.Context) error {
	airplaneTick := time.NewTicker(m.opts.AirplanePoll)
	defer airplaneTick.Stop()
	simTick := time.NewTicker(m.opts.SIMPoll)
	defer simTick.Stop()

	m.log.Info("monitor started",
		"airplane_poll", m.opts.AirplanePoll, "sim_poll", m.opts.SIMPoll)

	for {
		select {
		case <-ctx.Done():
			close(m.notices)
			return ctx.Err()

		case sig, ok := <-m.opts.Source.Signals():
			if !ok {
				close(m.notices)
				return nil
			}
			m.handle(ctx, sig)

		case t := <-airplaneTick.C:
			enabled, err := m.readLevel(ctx, m.opts.Source.ReadAirplaneMode)
			if err != nil {
				m.log.Warn("airplane mode sample failed", "error", err)
				continue
			}
			m.handle(ctx, Signal{Kind: SignalAirplaneMode, Time: t, Enabled: enabled})

		case t := <-simTick.C:
			sampleCtx, cancel := context.WithTimeout(ctx, m.opts.SIMPoll)
			sim, err := m.opts.Source.ReadSIM(sampleCtx)
			cancel()
			if err != nil {
				m.log.Warn("SIM sample failed", "error", err)
				continue
			}
			m.handle(ctx, Signal{Kind: SignalSIM, Time: t, SIM: sim})
		}
	}
}

// handle routes one signal through its reducer and applies the outcome.
func (m *Monitor) handle(ctx context.Context, sig Signal) {
	if sig.Time.IsZero() {
		sig.Time = time.Now()
	}

	var out outcome
	switch sig.Kind {
	case SignalAirplaneMode:
		out = m.airplane.reduce(sig)
	case SignalSIM:
		out = m.sim.reduce(sig)
	case SignalUnlockAttempt:
		out = m.unlock.reduce(sig)
		m.persistStreak(unlockStreakKey, m.unlock.consecutive)
	case SignalScreenLockChange:
		out = m.screenlock.reduce(sig)
		m.persistStreak(screenLockStreakKey, m.screenlock.consecutive)
	case SignalUSBDebugging:
		out = m.usb.reduce(sig)
	case SignalDeveloperOptions:
		out = m.devopts.reduce(sig)
	case SignalCallStarted, SignalCallEnded:
		out = m.call.reduce(sig)
	case SignalPanicButton:
		out.notices = []Notice{{Kind: NoticePanicButton, Time: sig.Time}}
	default:
		m.log.Warn("unknown signal kind", "kind", int(sig.Kind))
		return
	}

	for i := range out.events {
		if err := m.opts.Log.Append(out.events[i]); err != nil {
			m.log.Error("event append failed", "type", string(out.events[i].Type), "error", err)
		}
	}
	for _, n := range out.notices {
		select {
		case m.notices <- n:
		default:
			m.log.Warn("notice channel full, dropping", "kind", int(n.Kind))
		}
	}
	if out.autoDisable {
		m.autoDisableAirplane(ctx)
	}
}

// autoDisableAirplane requests the radio back on inside the 2s budget.
func (m *Monitor) autoDisableAirplane(ctx context.Context) {
	disableCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.opts.Source.SetAirplaneMode(disableCtx, false); err != nil {
		m.log.Error("airplane mode auto-disable failed", "error", err)
		if appendErr := m.opts.Log.Record(eventlog.TypeActuationError,
			"airplane mode auto-disable failed",
			map[string]any{"op": "set_airplane_mode", "reason": err.Error()}); appendErr != nil {
			m.log.Error("event append failed", "error", appendErr)
		}
		return
	}
	// The resulting enabled→disabled level change is not a reportable
	// transition, so no suppression bookkeeping is needed.
	m.airplane.enabled = false
}

func (m *Monitor) readLevel(ctx context.Context, read func(context.Context) (bool, error)) (bool, error) {
	sampleCtx, cancel := context.WithTimeout(ctx, m.opts.AirplanePoll)
	defer cancel()
	return read(sampleCtx)
}

func (m *Monitor) restoreSIMBaseline() error {
	data, ok, err := m.opts.Store.GetState(simBaselineKey)
	if err != nil {
		return fmt.Errorf("load SIM baseline: %w", err)
	}
	if !ok {
		return nil
	}
	var sim SIMIdentity
	if err := json.Unmarshal(data, &sim); err != nil {
		return fmt.Errorf("decode SIM baseline: %w", err)
	}
	m.sim.known = true
	m.sim.baseline = sim
	return nil
}

func (m *Monitor) restoreStreak(key string, dst *int) error {
	data, ok, err := m.opts.Store.GetState(key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	*dst = n
	return nil
}

// persistStreak keeps a consecutive-failure counter durable so a reboot
// mid-streak does not reset its escalation threshold.
func (m *Monitor) persistStreak(key string, n int) {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.SetState(key, []byte(strconv.Itoa(n))); err != nil {
		m.log.Error("persist failure counter", "key", key, "error", err)
	}
}

func (m *Monitor) persistSIMBaseline(sim SIMIdentity) {
	data, err := json.Marshal(sim)
	if err != nil {
		m.log.Error("encode SIM baseline", "error", err)
		return
	}
	if err := m.opts.Store.SetState(simBaselineKey, data); err != nil {
		m.log.Error("persist SIM baseline", "error", err)
	}
}
