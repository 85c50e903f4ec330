package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentryd/internal/command"
	"sentryd/internal/config"
	"sentryd/internal/credential"
	"sentryd/internal/eventlog"
	"sentryd/internal/health"
	"sentryd/internal/ipc"
	"sentryd/internal/logging"
	"sentryd/internal/modes"
	"sentryd/internal/monitor"
	"sentryd/internal/platform"
	"sentryd/internal/store"
)

const (
	testPassword = "correct horse"
	testContact  = "+15550100"
)

type daemonFixture struct {
	d       *daemon
	handler *daemonHandler

	actuator  *platform.FakeActuator
	evidence  *platform.FakeEvidence
	messenger *platform.FakeMessenger
}

// newDaemonFixture assembles the daemon the way newDaemon does, with fake
// device capabilities in place of the action spool and fast monitor polls.
func newDaemonFixture(t *testing.T) *daemonFixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Contact.TrustedSender = testContact
	cfg.Storage.Path = filepath.Join(dir, "sentryd.db")
	cfg.Monitor.AirplanePollMs = 10
	cfg.Monitor.SimPollMs = 10
	cfg.Modes.TrackIntervalMs = 20
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, cfg.Save(configPath))

	loader := config.NewLoader(configPath)
	_, err := loader.Load()
	require.NoError(t, err)
	t.Cleanup(func() { loader.Close() })

	lc := logging.DefaultConfig()
	lc.Level = logging.LevelError
	logger, err := logging.New(lc)
	require.NoError(t, err)

	st, err := store.Open(cfg.Storage.Path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	spool, err := newActionSpool(dir)
	require.NoError(t, err)

	f := &daemonFixture{
		actuator:  &platform.FakeActuator{},
		evidence:  &platform.FakeEvidence{},
		messenger: &platform.FakeMessenger{},
	}
	locator := newCachedLocator(spool, st, logger)
	source := newIPCSource(spool)

	d := &daemon{
		loader:   loader,
		log:      logger,
		st:       st,
		source:   source,
		locator:  locator,
		evidence: f.evidence,
		contact:  f.messenger,
	}

	d.elog, err = eventlog.New(st, eventlog.Options{
		MaxRows: cfg.EventLog.MaxEvents,
		Strict:  true,
		Logger:  logger,
	})
	require.NoError(t, err)

	d.guard, err = credential.NewGuard(st, cfg.Guard.MaxAttempts, cfg.LockoutDuration())
	require.NoError(t, err)
	require.NoError(t, d.guard.Setup(testPassword))

	trusted := func() string { return loader.Config().Contact.TrustedSender }
	recovery := func() string { return loader.Config().Contact.RecoveryMessage }

	d.machine, err = modes.New(modes.Options{
		Store:                 st,
		Log:                   d.elog,
		Actuator:              f.actuator,
		Evidence:              f.evidence,
		Locator:               locator,
		Messenger:             f.messenger,
		TrustedSender:         trusted,
		RecoveryMessage:       recovery,
		TrackInterval:         20 * time.Millisecond,
		BlockedAlertThreshold: cfg.Modes.BlockedAlertThreshold,
		Logger:                logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.machine.Close() })

	d.monitor, err = monitor.New(monitor.Options{
		Source:                 source,
		Log:                    d.elog,
		Store:                  st,
		AirplanePoll:           10 * time.Millisecond,
		SIMPoll:                10 * time.Millisecond,
		UnlockCaptureThreshold: cfg.Monitor.UnlockCaptureThreshold,
		UnlockAlertThreshold:   cfg.Monitor.UnlockAlertThreshold,
		UnlockAlertWindow:      time.Minute,
		ProtectedNow: func() bool {
			return d.machine.Mode().AtLeast(modes.Protected)
		},
		TrustedSender:   trusted,
		NormalizeSender: command.NormalizeSender,
		Logger:          logger,
	})
	require.NoError(t, err)

	d.pipeline, err = command.New(command.Options{
		Guard:           d.guard,
		Machine:         d.machine,
		Log:             d.elog,
		Actuator:        f.actuator,
		Locator:         locator,
		Messenger:       f.messenger,
		TrustedSender:   trusted,
		RecoveryMessage: recovery,
		AlarmDuration:   cfg.AlarmDuration(),
		SenderRate:      100,
		SenderBurst:     100,
		SendRetries:     1,
		SendBackoff:     time.Millisecond,
		Logger:          logger,
	})
	require.NoError(t, err)

	d.checker = health.NewChecker()
	d.checker.RegisterFunc("store", true, health.StoreCheck(func(ctx context.Context) error {
		return st.Ping()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.monitor.Run(ctx)
	go d.consumeNotices(ctx)

	f.d = d
	f.handler = &daemonHandler{d: d}
	return f
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRemoteLockLocksDownDevice(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()

	err := f.handler.HandleMessage(ctx, testContact, "LOCK#"+testPassword)
	require.NoError(t, err)

	require.Equal(t, modes.Kiosk, f.d.machine.Mode())
	waitUntil(t, time.Second, func() bool { return f.actuator.Locked() })
	waitUntil(t, time.Second, func() bool {
		on, msg := f.actuator.Lockdown()
		return on && strings.Contains(msg, "protected")
	})

	sent := f.messenger.Sent()
	require.NotEmpty(t, sent)
	require.Equal(t, "LOCKED", sent[len(sent)-1].Body)
}

func TestUnlockFailuresCaptureEvidence(t *testing.T) {
	f := newDaemonFixture(t)

	for i := 0; i < 5; i++ {
		f.handler.HandleSignal(monitor.Signal{
			Kind:    monitor.SignalUnlockAttempt,
			Time:    time.Now(),
			Success: false,
		})
	}

	waitUntil(t, 2*time.Second, func() bool { return f.evidence.Photos() == 1 })

	waitUntil(t, 2*time.Second, func() bool {
		events, err := f.d.elog.Recent(store.EventFilter{Type: string(eventlog.TypeEvidenceCapture)})
		return err == nil && len(events) == 1
	})
}

func TestPanicButtonThenTwoStepRecovery(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()

	f.handler.HandleSignal(monitor.Signal{
		Kind: monitor.SignalPanicButton,
		Time: time.Now(),
	})
	waitUntil(t, 2*time.Second, func() bool { return f.d.machine.Mode() == modes.Panic })

	// First correct password arms the exit, second completes it.
	err := f.handler.HandleMode(ctx, "normal", testPassword)
	require.Error(t, err)
	require.Equal(t, modes.Panic, f.d.machine.Mode())

	err = f.handler.HandleMode(ctx, "normal", testPassword)
	require.NoError(t, err)
	require.Equal(t, modes.Normal, f.d.machine.Mode())
}

func TestReportedLocationAnswersLocate(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()

	f.handler.HandleLocation(ipc.LocationPayload{
		Latitude:  52.520008,
		Longitude: 13.404954,
		Accuracy:  12.5,
	})

	err := f.handler.HandleMessage(ctx, testContact, "LOCATE#"+testPassword)
	require.NoError(t, err)

	sent := f.messenger.Sent()
	require.NotEmpty(t, sent)
	reply := sent[len(sent)-1].Body
	require.True(t, strings.HasPrefix(reply, "52.520008,13.404954,12.5,"))
}

func TestStatusReflectsMachine(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()

	status := f.handler.HandleStatus(ctx)
	require.Equal(t, "normal", status.Mode)
	require.False(t, status.Stealth)

	require.NoError(t, f.handler.HandleStealth(ctx, true))
	_, err := f.d.machine.Submit(ctx, modes.Request{Kind: modes.ReqEnableProtected, Source: "cli"})
	require.NoError(t, err)

	status = f.handler.HandleStatus(ctx)
	require.Equal(t, "protected", status.Mode)
	require.True(t, status.Stealth)
	require.Greater(t, status.EventCount, int64(0))
}

func TestModeTargetsMapToTransitions(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.HandleMode(ctx, "protected", ""))
	require.Equal(t, modes.Protected, f.d.machine.Mode())

	require.NoError(t, f.handler.HandleMode(ctx, "kiosk", ""))
	require.Equal(t, modes.Kiosk, f.d.machine.Mode())

	// Wrong password holds the mode.
	err := f.handler.HandleMode(ctx, "normal", "wrong")
	require.Error(t, err)
	require.Equal(t, modes.Kiosk, f.d.machine.Mode())

	require.NoError(t, f.handler.HandleMode(ctx, "normal", testPassword))
	require.Equal(t, modes.Normal, f.d.machine.Mode())

	require.Error(t, f.handler.HandleMode(ctx, "sideways", ""))
}

func TestModeNormalDescendsFromPanicOverKiosk(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.HandleMode(ctx, "protected", ""))
	require.NoError(t, f.handler.HandleMode(ctx, "kiosk", ""))
	require.NoError(t, f.handler.HandleMode(ctx, "panic", ""))

	// First correct password arms the panic exit; the second completes it
	// and keeps descending through Kiosk and Protected in one request.
	require.Error(t, f.handler.HandleMode(ctx, "normal", testPassword))
	require.NoError(t, f.handler.HandleMode(ctx, "normal", testPassword))
	require.Equal(t, modes.Normal, f.d.machine.Mode())
}

func TestGrantLiftsAndRestoresFileRestriction(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()

	require.Error(t, f.handler.HandleGrant(ctx, "wrong", false))

	require.NoError(t, f.handler.HandleGrant(ctx, testPassword, false))
	require.False(t, f.actuator.FileManagerRestricted())

	// One grant at a time.
	require.Error(t, f.handler.HandleGrant(ctx, testPassword, false))

	require.NoError(t, f.handler.HandleGrant(ctx, testPassword, true))
	require.True(t, f.actuator.FileManagerRestricted())

	// After revocation a fresh grant is accepted again.
	require.NoError(t, f.handler.HandleGrant(ctx, testPassword, false))
	require.False(t, f.actuator.FileManagerRestricted())
}

func TestSilenceStopsAlarm(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.HandleMode(ctx, "panic", ""))
	waitUntil(t, time.Second, func() bool { return f.actuator.AlarmOn() })

	require.Error(t, f.handler.HandleSilence(ctx, "wrong"))
	require.True(t, f.actuator.AlarmOn())

	require.NoError(t, f.handler.HandleSilence(ctx, testPassword))
	waitUntil(t, time.Second, func() bool { return !f.actuator.AlarmOn() })

	// Silencing does not leave Panic; that still takes the two-step exit.
	require.Equal(t, modes.Panic, f.d.machine.Mode())
}

func TestAlertWorthyStreakMessagesContact(t *testing.T) {
	f := newDaemonFixture(t)

	for i := 0; i < 10; i++ {
		f.handler.HandleSignal(monitor.Signal{
			Kind:    monitor.SignalUnlockAttempt,
			Time:    time.Now(),
			Success: false,
		})
	}

	waitUntil(t, 2*time.Second, func() bool {
		for _, m := range f.messenger.Sent() {
			if m.To == testContact && strings.Contains(m.Body, "failed unlock") {
				return true
			}
		}
		return false
	})
}
