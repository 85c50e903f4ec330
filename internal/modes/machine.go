package modes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sentryd/internal/credential"
	"sentryd/internal/eventlog"
	"sentryd/internal/logging"
	"sentryd/internal/platform"
	"sentryd/internal/store"
)

// stateKey is the store key holding the persisted machine state.
const stateKey = "mode_state"

// Options configures a Machine.
type Options struct {
	Store *store.Store
	Log   *eventlog.Log

	Actuator  platform.Actuator
	Evidence  platform.Evidence
	Locator   platform.Locator
	Messenger platform.Messenger

	// TrustedSender returns the current trusted contact address; empty
	// means not configured. Read per request so hot reload applies.
	TrustedSender func() string

	// RecoveryMessage returns the lockdown screen text.
	RecoveryMessage func() string

	// TrackInterval is the Panic tracking cadence.
	TrackInterval time.Duration

	// BlockedAlertThreshold is the consecutive blocked-transition count
	// that triggers a trusted-contact alert. 0 disables.
	BlockedAlertThreshold int

	Logger *logging.Logger
}

// submission pairs a request with its reply channel.
type submission struct {
	req   Request
	reply chan response
}

type response struct {
	status Status
	err    error
}

// Machine serializes all mode transitions through one run goroutine.
type Machine struct {
	opts Options
	log  *logging.Logger
	exec *executor

	requests chan submission
	done     chan struct{}
	stopOnce sync.Once

	// mu guards the Status snapshot; the run goroutine is the only
	// writer.
	mu    sync.Mutex
	state machineState

	logDegraded atomic.Bool
}

// New creates a Machine, restoring the persisted mode. Resuming into Kiosk
// or Panic re-issues the entry effects so a reboot cannot silently drop
// the lockdown.
func New(opts Options) (*Machine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default().WithComponent("modes")
	}

	m := &Machine{
		opts:     opts,
		log:      logger,
		requests: make(chan submission, 16),
		done:     make(chan struct{}),
	}
	m.exec = newExecutor(opts.Actuator, opts.Evidence, opts.Locator,
		opts.Messenger, opts.Log, opts.TrustedSender, logger)

	if err := m.restore(); err != nil {
		return nil, err
	}
	m.resumeEffects()

	go m.run()
	return m, nil
}

// Submit sends one transition request and waits for the decision. The
// request is decided against the state left by the previous request, never
// a stale read.
func (m *Machine) Submit(ctx context.Context, req Request) (Status, error) {
	sub := submission{req: req, reply: make(chan response, 1)}
	select {
	case m.requests <- sub:
	case <-m.done:
		return m.Status(), ErrStopped
	case <-ctx.Done():
		return m.Status(), ctx.Err()
	}
	select {
	case resp := <-sub.reply:
		return resp.status, resp.err
	case <-ctx.Done():
		return m.Status(), ctx.Err()
	}
}

// Status returns the current machine snapshot.
func (m *Machine) Status() Status {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()
	return Status{
		Mode:             st.Mode,
		Stealth:          st.Stealth,
		PanicExitPending: st.Mode == Panic && st.PanicProgress > 0,
		BlockedStreak:    st.BlockedStreak,
		LogDegraded:      m.logDegraded.Load(),
		AlarmActive:      m.exec.alarmActive.Load(),
	}
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Mode
}

// SetLogDegraded flags that the event log is failing appends. Wired to the
// log's degraded hook; surfaces in Status and health checks.
func (m *Machine) SetLogDegraded(degraded bool) {
	m.logDegraded.Store(degraded)
}

// StopAlarm silences a running alarm. Requires a correct password so a
// thief cannot quiet the device.
func (m *Machine) StopAlarm(verify *credential.Result) error {
	if verify == nil || verify.Outcome != credential.OutcomeOk {
		return ErrBlocked
	}
	m.exec.stopAlarm()
	return nil
}

// Close stops the run goroutine and drains the effects pool.
func (m *Machine) Close() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.exec.close()
	})
}

func (m *Machine) run() {
	for {
		select {
		case <-m.done:
			return
		case sub := <-m.requests:
			resp := m.handle(sub.req)
			sub.reply <- resp
		}
	}
}

func (m *Machine) handle(req Request) response {
	prev := m.state
	next, effects, err := transition(m.state, req, m.params())

	if next != prev {
		if perr := m.persist(next); perr != nil {
			// Refusing the transition beats diverging from disk.
			m.log.Error("persist machine state failed", "error", perr)
			return response{status: m.Status(), err: perr}
		}
		m.mu.Lock()
		m.state = next
		m.mu.Unlock()
	}

	m.logOutcome(prev, next, req, err)
	for _, eff := range effects {
		m.exec.enqueue(eff)
	}
	return response{status: m.Status(), err: err}
}

func (m *Machine) params() params {
	recovery := ""
	if m.opts.RecoveryMessage != nil {
		recovery = m.opts.RecoveryMessage()
	}
	return params{
		trustedConfigured: func() bool {
			return m.opts.TrustedSender != nil && m.opts.TrustedSender() != ""
		},
		recoveryMessage: recovery,
		trackInterval:   m.opts.TrackInterval,
		blockedAlertAt:  m.opts.BlockedAlertThreshold,
	}
}

func (m *Machine) logOutcome(prev, next machineState, req Request, err error) {
	switch {
	case err == nil && req.Kind == ReqSetStealth:
		m.append(eventlog.Event{
			Type:        eventlog.TypeModeChange,
			Description: "stealth flag changed",
			Metadata: map[string]any{
				"enabled": next.Stealth,
				"source":  req.Source,
			},
		})
	case err == nil && next.Mode != prev.Mode:
		m.append(eventlog.Event{
			Type:        eventlog.TypeModeChange,
			Description: fmt.Sprintf("mode changed from %s to %s", prev.Mode, next.Mode),
			Metadata: map[string]any{
				"old_state": prev.Mode.String(),
				"new_state": next.Mode.String(),
				"source":    req.Source,
			},
		})
	case err == nil:
		// Confirmed first step of a panic exit, or an idempotent
		// request; nothing mode-changing to record.
		if req.Kind == ReqExitPanic && next.PanicProgress == 1 {
			m.log.Info("panic exit first verification accepted")
		}
	default:
		reason := "invalid"
		switch {
		case errors.Is(err, ErrMissingPrerequisite):
			reason = "missing_prerequisite"
		case errors.Is(err, ErrBlocked):
			reason = verifyOutcome(req).String()
		}
		m.append(eventlog.Event{
			Type:        eventlog.TypeBlockedTransition,
			Description: fmt.Sprintf("%s request rejected", req.Kind),
			Metadata: map[string]any{
				"reason": reason,
				"source": req.Source,
			},
		})
	}
}

func (m *Machine) append(e eventlog.Event) {
	if err := m.opts.Log.Append(e); err != nil {
		m.log.Error("event append failed", "type", string(e.Type), "error", err)
	}
}

func (m *Machine) restore() error {
	data, ok, err := m.opts.Store.GetState(stateKey)
	if err != nil {
		return fmt.Errorf("load machine state: %w", err)
	}
	if !ok {
		m.state = machineState{Mode: Normal}
		return nil
	}
	var st machineState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode machine state: %w", err)
	}
	m.state = st
	return nil
}

func (m *Machine) resumeEffects() {
	switch m.state.Mode {
	case Kiosk:
		m.log.Info("resuming kiosk mode")
		m.exec.enqueue(Effect{Kind: EffectLock})
		m.exec.enqueue(Effect{Kind: EffectLockdownUI, Message: m.params().recoveryMessage})
	case Panic:
		m.log.Info("resuming panic mode", "exit_progress", m.state.PanicProgress)
		m.exec.enqueue(Effect{Kind: EffectLock})
		m.exec.enqueue(Effect{Kind: EffectLockdownUI, Message: m.params().recoveryMessage})
		m.exec.enqueue(Effect{Kind: EffectAlarm})
		m.exec.enqueue(Effect{Kind: EffectStartTracking, Interval: m.opts.TrackInterval})
		m.exec.enqueue(Effect{Kind: EffectCapture})
	}
}

func (m *Machine) persist(st machineState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode machine state: %w", err)
	}
	if err := m.opts.Store.SetState(stateKey, data); err != nil {
		return fmt.Errorf("persist machine state: %w", err)
	}
	return nil
}
