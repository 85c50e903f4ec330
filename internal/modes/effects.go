package modes

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sentryd/internal/eventlog"
	"sentryd/internal/logging"
	"sentryd/internal/platform"
)

// effectTimeout bounds one actuation call so a hung platform layer cannot
// pin a worker.
const effectTimeout = 10 * time.Second

// executorRetries is how many times a failed actuation is retried before
// the failure is logged and dropped.
const executorRetries = 2

// executor runs effects on a small worker pool. The run goroutine only
// enqueues; outcomes come back as events, never as blocking.
type executor struct {
	actuator  platform.Actuator
	evidence  platform.Evidence
	locator   platform.Locator
	messenger platform.Messenger

	elog    *eventlog.Log
	log     *logging.Logger
	trusted func() string

	effects chan Effect
	wg      sync.WaitGroup

	alarmActive atomic.Bool

	mu         sync.Mutex
	alarmTimer *time.Timer
	trackStop  context.CancelFunc
}

func newExecutor(act platform.Actuator, ev platform.Evidence, loc platform.Locator, msg platform.Messenger, elog *eventlog.Log, trusted func() string, log *logging.Logger) *executor {
	e := &executor{
		actuator:  act,
		evidence:  ev,
		locator:   loc,
		messenger: msg,
		elog:      elog,
		log:       log,
		trusted:   trusted,
		effects:   make(chan Effect, 64),
	}
	for i := 0; i < 2; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// enqueue hands an effect to the pool. A full queue drops the effect with
// a log entry rather than blocking the machine.
func (e *executor) enqueue(eff Effect) {
	select {
	case e.effects <- eff:
	default:
		e.log.Error("effect queue full, dropping", "effect", eff.Kind.String())
	}
}

func (e *executor) close() {
	close(e.effects)
	e.wg.Wait()
	e.mu.Lock()
	if e.alarmTimer != nil {
		e.alarmTimer.Stop()
	}
	if e.trackStop != nil {
		e.trackStop()
	}
	e.mu.Unlock()
}

func (e *executor) worker() {
	defer e.wg.Done()
	for eff := range e.effects {
		e.execute(eff)
	}
}

func (e *executor) execute(eff Effect) {
	switch eff.Kind {
	case EffectLock:
		e.actuate("lock", func(ctx context.Context) error {
			return e.actuator.Lock(ctx)
		})
	case EffectUnlock:
		e.actuate("unlock", func(ctx context.Context) error {
			return e.actuator.Unlock(ctx)
		})
	case EffectAlarm:
		e.startAlarm(eff.Duration)
	case EffectStopAlarm:
		e.stopAlarm()
	case EffectLockdownUI:
		e.actuate("enter_lockdown_ui", func(ctx context.Context) error {
			return e.actuator.EnterLockdownUI(ctx, eff.Message)
		})
	case EffectExitLockdownUI:
		e.actuate("exit_lockdown_ui", func(ctx context.Context) error {
			return e.actuator.ExitLockdownUI(ctx)
		})
	case EffectCapture:
		e.capture()
	case EffectStartTracking:
		e.startTracking(eff.Interval)
	case EffectStopTracking:
		e.stopTracking()
	case EffectAlertContact:
		e.alert(eff.Message)
	case EffectSetStealth:
		e.actuate("set_stealth", func(ctx context.Context) error {
			return e.actuator.SetStealth(ctx, eff.Hidden)
		})
	default:
		e.log.Warn("unknown effect", "kind", int(eff.Kind))
	}
}

// actuate runs one platform call with timeout and bounded retry, logging
// the final failure as an actuation error event.
func (e *executor) actuate(op string, fn func(context.Context) error) bool {
	var err error
	for attempt := 0; attempt <= executorRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
		ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		err = fn(ctx)
		cancel()
		if err == nil {
			return true
		}
	}
	e.log.Error("actuation failed", "op", op, "error", err)
	e.record(eventlog.TypeActuationError, fmt.Sprintf("%s failed", op),
		map[string]any{"op": op, "reason": err.Error()})
	return false
}

func (e *executor) startAlarm(d time.Duration) {
	ok := e.actuate("trigger_alarm", func(ctx context.Context) error {
		return e.actuator.TriggerAlarm(ctx, d, true)
	})
	if !ok {
		return
	}
	e.alarmActive.Store(true)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.alarmTimer != nil {
		e.alarmTimer.Stop()
		e.alarmTimer = nil
	}
	if d > 0 {
		// Self-expiry runs independently of any further input.
		e.alarmTimer = time.AfterFunc(d, e.stopAlarm)
	}
}

func (e *executor) stopAlarm() {
	e.mu.Lock()
	if e.alarmTimer != nil {
		e.alarmTimer.Stop()
		e.alarmTimer = nil
	}
	e.mu.Unlock()

	if !e.alarmActive.Load() {
		return
	}
	if e.actuate("stop_alarm", func(ctx context.Context) error {
		return e.actuator.StopAlarm(ctx)
	}) {
		e.alarmActive.Store(false)
	}
}

func (e *executor) capture() {
	ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
	defer cancel()
	path, err := e.evidence.CaptureFrontPhoto(ctx, "panic mode")
	if err != nil {
		e.log.Error("evidence capture failed", "error", err)
		e.record(eventlog.TypeActuationError, "evidence capture failed",
			map[string]any{"op": "capture_front_photo", "reason": err.Error()})
		return
	}
	e.elogAppend(eventlog.Event{
		Type:         eventlog.TypeEvidenceCapture,
		Description:  "front camera photo captured",
		EvidencePath: path,
	})

	if _, err := e.evidence.StartAudio(ctx, platform.Continuous); err != nil {
		e.log.Warn("audio capture failed", "error", err)
	}
}

func (e *executor) startTracking(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	e.mu.Lock()
	if e.trackStop != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.trackStop = cancel
	e.mu.Unlock()

	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				e.trackFix(ctx)
			}
		}
	}()
}

func (e *executor) trackFix(ctx context.Context) {
	fixCtx, cancel := context.WithTimeout(ctx, effectTimeout)
	defer cancel()
	fix, err := e.locator.Current(fixCtx)
	if err != nil {
		e.log.Debug("tracking fix failed", "error", err)
		return
	}
	lat, lon, acc := fix.Latitude, fix.Longitude, fix.Accuracy
	e.elogAppend(eventlog.Event{
		Type:        eventlog.TypeEvidenceCapture,
		Description: "tracking fix",
		Latitude:    &lat,
		Longitude:   &lon,
		Accuracy:    &acc,
	})
}

func (e *executor) stopTracking() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trackStop != nil {
		e.trackStop()
		e.trackStop = nil
	}
}

// alert sends a message to the trusted contact with bounded backoff.
func (e *executor) alert(body string) {
	to := e.trusted()
	if to == "" {
		e.log.Warn("no trusted contact configured, dropping alert")
		return
	}
	var err error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		err = e.messenger.Send(ctx, to, body)
		cancel()
		if err == nil {
			return
		}
	}
	e.log.Error("alert delivery failed", "error", err)
	e.record(eventlog.TypeActuationError, "alert delivery failed",
		map[string]any{"op": "send", "reason": err.Error()})
}

func (e *executor) record(t eventlog.Type, desc string, meta map[string]any) {
	e.elogAppend(eventlog.Event{Type: t, Description: desc, Metadata: meta})
}

func (e *executor) elogAppend(ev eventlog.Event) {
	if err := e.elog.Append(ev); err != nil {
		e.log.Error("event append failed", "type", string(ev.Type), "error", err)
	}
}
