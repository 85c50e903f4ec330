package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

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

// socketPath returns the control socket location inside the state
// directory.
func socketPath() string {
	return filepath.Join(config.SentrydDir(), "sentryd.sock")
}

// daemon wires the controller components together.
type daemon struct {
	loader   *config.Loader
	log      *logging.Logger
	st       *store.Store
	elog     *eventlog.Log
	guard    *credential.Guard
	machine  *modes.Machine
	monitor  *monitor.Monitor
	pipeline *command.Pipeline
	checker  *health.Checker
	source   *ipcSource
	locator  *cachedLocator
	evidence platform.Evidence
	contact  platform.Messenger
	server   *ipc.Server

	grantMu sync.Mutex
	grant   *modes.Grant
}

func runDaemon(configPath string, dryRun bool) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(logger)

	d, err := newDaemon(loader, cfg, logger, dryRun)
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.run(ctx)
}

func newDaemon(loader *config.Loader, cfg *config.Config, logger *logging.Logger, dryRun bool) (*daemon, error) {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	spool, err := newActionSpool(config.SentrydDir())
	if err != nil {
		st.Close()
		return nil, err
	}

	var (
		actuator platform.Actuator
		evidence platform.Evidence
		contact  platform.Messenger
	)
	if dryRun {
		logger.Warn("dry run: device actions are recorded in memory only")
		actuator = &platform.FakeActuator{}
		evidence = &platform.FakeEvidence{}
		contact = &platform.FakeMessenger{}
	} else {
		actuator = &spoolActuator{spool: spool}
		evidence = &spoolEvidence{spool: spool, dir: filepath.Join(config.SentrydDir(), "evidence")}
		contact = &spoolMessenger{spool: spool}
	}
	locator := newCachedLocator(spool, st, logger.WithComponent("locator"))
	source := newIPCSource(spool)

	d := &daemon{
		loader:   loader,
		log:      logger,
		st:       st,
		source:   source,
		locator:  locator,
		evidence: evidence,
		contact:  contact,
	}

	d.elog, err = eventlog.New(st, eventlog.Options{
		MaxRows: cfg.EventLog.MaxEvents,
		Strict:  cfg.EventLog.StrictValidation,
		OnDegraded: func(err error) {
			logger.Error("event log degraded", "error", err)
			if d.machine != nil {
				d.machine.SetLogDegraded(true)
			}
		},
		Logger: logger.WithComponent("eventlog"),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open event log: %w", err)
	}

	d.guard, err = credential.NewGuard(st, cfg.Guard.MaxAttempts, cfg.LockoutDuration())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init credential guard: %w", err)
	}

	trusted := func() string { return loader.Config().Contact.TrustedSender }
	recovery := func() string { return loader.Config().Contact.RecoveryMessage }

	d.machine, err = modes.New(modes.Options{
		Store:                 st,
		Log:                   d.elog,
		Actuator:              actuator,
		Evidence:              evidence,
		Locator:               locator,
		Messenger:             contact,
		TrustedSender:         trusted,
		RecoveryMessage:       recovery,
		TrackInterval:         time.Duration(cfg.Modes.TrackIntervalMs) * time.Millisecond,
		BlockedAlertThreshold: cfg.Modes.BlockedAlertThreshold,
		Logger:                logger.WithComponent("modes"),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init mode machine: %w", err)
	}
	d.machine.SetLogDegraded(d.elog.Degraded())

	d.monitor, err = monitor.New(monitor.Options{
		Source:                 source,
		Log:                    d.elog,
		Store:                  st,
		AirplanePoll:           time.Duration(cfg.Monitor.AirplanePollMs) * time.Millisecond,
		SIMPoll:                time.Duration(cfg.Monitor.SimPollMs) * time.Millisecond,
		UnlockCaptureThreshold: cfg.Monitor.UnlockCaptureThreshold,
		UnlockAlertThreshold:   cfg.Monitor.UnlockAlertThreshold,
		UnlockAlertWindow:      time.Duration(cfg.Monitor.UnlockAlertWindowMin) * time.Minute,
		ProtectedNow: func() bool {
			return d.machine.Mode().AtLeast(modes.Protected)
		},
		TrustedSender:   trusted,
		NormalizeSender: command.NormalizeSender,
		Logger:          logger.WithComponent("monitor"),
	})
	if err != nil {
		d.machine.Close()
		st.Close()
		return nil, fmt.Errorf("init monitor: %w", err)
	}

	d.pipeline, err = command.New(command.Options{
		Guard:           d.guard,
		Machine:         d.machine,
		Log:             d.elog,
		Actuator:        actuator,
		Locator:         locator,
		Messenger:       contact,
		TrustedSender:   trusted,
		RecoveryMessage: recovery,
		AlarmDuration:   cfg.AlarmDuration(),
		SenderRate:      cfg.Commands.SenderRatePerMin / 60,
		SenderBurst:     cfg.Commands.SenderBurst,
		SendRetries:     cfg.Commands.SendRetries,
		SendBackoff:     time.Duration(cfg.Commands.SendBackoffMs) * time.Millisecond,
		Logger:          logger.WithComponent("command"),
	})
	if err != nil {
		d.machine.Close()
		st.Close()
		return nil, fmt.Errorf("init command pipeline: %w", err)
	}

	d.checker = health.NewChecker()
	d.checker.RegisterFunc("store", true, health.StoreCheck(func(ctx context.Context) error {
		return st.Ping()
	}))
	d.checker.RegisterFunc("event_log", false, health.EventLogCheck(d.elog.Degraded, d.elog.Count))
	d.checker.RegisterFunc("credential", false, health.CredentialCheck(d.guard.IsConfigured))

	d.server = ipc.NewServer(socketPath(), &daemonHandler{d: d}, logger.WithComponent("ipc"))

	loader.OnChange(func(next *config.Config) {
		logger.Info("configuration reloaded",
			"trusted_sender_set", next.Contact.TrustedSender != "")
	})

	return d, nil
}

func (d *daemon) run(ctx context.Context) error {
	if err := d.loader.Watch(); err != nil {
		d.log.Warn("config watch unavailable", "error", err)
	}
	if err := d.server.Listen(); err != nil {
		return fmt.Errorf("listen control socket: %w", err)
	}

	errc := make(chan error, 2)
	go func() { errc <- d.server.Serve(ctx) }()
	go func() { errc <- d.monitor.Run(ctx) }()
	go d.consumeNotices(ctx)

	d.checker.SetReady(true)
	d.log.Info("sentryd running",
		"mode", d.machine.Mode().String(),
		"socket", socketPath(),
		"configured", d.guard.IsConfigured())

	select {
	case <-ctx.Done():
		d.log.Info("shutting down")
		return nil
	case err := <-errc:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}

// consumeNotices drives monitor escalations into actions: panic button
// enters Panic, capture-worthy streaks take evidence, alert-worthy streaks
// message the trusted contact.
func (d *daemon) consumeNotices(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-d.monitor.Notices():
			if !ok {
				return
			}
			d.handleNotice(ctx, n)
		}
	}
}

func (d *daemon) handleNotice(ctx context.Context, n monitor.Notice) {
	switch n.Kind {
	case monitor.NoticePanicButton:
		if _, err := d.machine.Submit(ctx, modes.Request{
			Kind:   modes.ReqPanic,
			Source: "panic_button",
		}); err != nil {
			d.log.Error("panic entry failed", "error", err)
		}

	case monitor.NoticeCaptureWorthy:
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		path, err := d.evidence.CaptureFrontPhoto(cctx, "repeated unlock failures")
		cancel()
		if err != nil {
			d.log.Error("evidence capture failed", "error", err)
			return
		}
		e := eventlog.Event{
			Type:         eventlog.TypeEvidenceCapture,
			Description:  fmt.Sprintf("front photo after %d failed unlocks", n.Attempts),
			Metadata:     map[string]any{"attempt": n.Attempts},
			EvidencePath: path,
		}
		if err := d.elog.Append(e); err != nil {
			d.log.Error("record evidence capture", "error", err)
		}

	case monitor.NoticeAlertWorthy:
		to := d.loader.Config().Contact.TrustedSender
		if to == "" {
			return
		}
		body := fmt.Sprintf("ALERT: %d failed unlock attempts on protected device", n.Attempts)
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := d.contact.Send(sctx, to, body)
		cancel()
		if err != nil {
			d.log.Error("contact alert failed", "error", err)
		}
	}
}

func (d *daemon) close() {
	if d.server != nil {
		d.server.Close()
	}
	if d.machine != nil {
		d.machine.Close()
	}
	if d.loader != nil {
		d.loader.Close()
	}
	if d.st != nil {
		d.st.Close()
	}
}

// buildLogger translates the file configuration into a logger.
func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	if cfg.Logging.Level != "" {
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		lc.Level = level
	}
	if cfg.Logging.Format != "" {
		format, err := logging.ParseFormat(cfg.Logging.Format)
		if err != nil {
			return nil, err
		}
		lc.Format = format
	}
	if cfg.Logging.Output != "" {
		lc.Output = cfg.Logging.Output
	}
	if cfg.Logging.FilePath != "" {
		lc.FilePath = cfg.Logging.FilePath
	}
	if cfg.Logging.MaxSizeMB > 0 {
		lc.MaxSize = int64(cfg.Logging.MaxSizeMB)
	}
	if cfg.Logging.MaxBackups > 0 {
		lc.MaxBackups = cfg.Logging.MaxBackups
	}
	if cfg.Logging.MaxAgeDays > 0 {
		lc.MaxAge = cfg.Logging.MaxAgeDays
	}
	lc.Compress = cfg.Logging.Compress
	return logging.New(lc)
}

// daemonHandler adapts the daemon to the control socket.
type daemonHandler struct {
	d *daemon
}

func (h *daemonHandler) HandleSignal(sig monitor.Signal) {
	h.d.source.inject(sig)
}

func (h *daemonHandler) HandleMessage(ctx context.Context, sender, body string) error {
	return h.d.pipeline.HandleMessage(ctx, sender, body)
}

func (h *daemonHandler) HandleStatus(ctx context.Context) ipc.StatusPayload {
	st := h.d.machine.Status()
	count, _ := h.d.elog.Count()
	return ipc.StatusPayload{
		Mode:        st.Mode.String(),
		Stealth:     st.Stealth,
		AlarmActive: st.AlarmActive,
		LogDegraded: st.LogDegraded,
		Health:      string(h.d.checker.OverallStatus()),
		EventCount:  count,
	}
}

func (h *daemonHandler) HandleLocation(loc ipc.LocationPayload) {
	h.d.locator.SetFix(fromWire(loc))
}

// HandleMode maps a CLI target onto the right transition for the current
// mode. Exits from guarded modes verify the password daemon-side.
func (h *daemonHandler) HandleMode(ctx context.Context, target, password string) error {
	req := modes.Request{Source: "cli"}

	switch target {
	case "protected":
		req.Kind = modes.ReqEnableProtected
	case "kiosk":
		req.Kind = modes.ReqEnableKiosk
	case "panic":
		req.Kind = modes.ReqPanic
	case "normal":
		switch h.d.machine.Mode() {
		case modes.Normal:
			return nil
		case modes.Protected:
			req.Kind = modes.ReqDisableProtected
		case modes.Kiosk:
			req.Kind = modes.ReqExitKiosk
		case modes.Panic:
			req.Kind = modes.ReqExitPanic
		}
	default:
		return fmt.Errorf("unknown mode %q", target)
	}

	if req.Kind == modes.ReqDisableProtected || req.Kind == modes.ReqExitKiosk || req.Kind == modes.ReqExitPanic {
		result, err := h.d.guard.Verify(password)
		if err != nil {
			return fmt.Errorf("verify password: %w", err)
		}
		req.Verify = &result
	}

	status, err := h.d.machine.Submit(ctx, req)
	if err != nil {
		return err
	}
	if status.PanicExitPending {
		return fmt.Errorf("panic exit armed; confirm with a second request")
	}

	// Exits land one mode down (Kiosk to Protected, Panic to its previous
	// mode). One authenticated "normal" request keeps descending with the
	// already-verified result until Normal is reached.
	if target == "normal" {
		for steps := 0; status.Mode != modes.Normal && steps < 2; steps++ {
			next := modes.Request{Verify: req.Verify, Source: "cli"}
			switch status.Mode {
			case modes.Protected:
				next.Kind = modes.ReqDisableProtected
			case modes.Kiosk:
				next.Kind = modes.ReqExitKiosk
			default:
				return nil
			}
			status, err = h.d.machine.Submit(ctx, next)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleGrant lifts the file-manager restriction for the configured
// duration. A second grant while one is active is rejected; cancel revokes
// the active grant before its timer expires.
func (h *daemonHandler) HandleGrant(ctx context.Context, password string, cancel bool) error {
	result, err := h.d.guard.Verify(password)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}

	h.d.grantMu.Lock()
	defer h.d.grantMu.Unlock()

	if cancel {
		if h.d.grant == nil {
			return errors.New("no active grant")
		}
		err := h.d.grant.Cancel(&result)
		if err == nil || errors.Is(err, modes.ErrGrantExpired) {
			h.d.grant = nil
		}
		return err
	}

	if result.Outcome != credential.OutcomeOk {
		return modes.ErrBlocked
	}
	if h.d.grant != nil && h.d.grant.Active() {
		return errors.New("grant already active")
	}
	g, err := h.d.machine.GrantFileAccess(h.d.loader.Config().GrantDuration())
	if err != nil {
		return err
	}
	h.d.grant = g
	return nil
}

func (h *daemonHandler) HandleSilence(ctx context.Context, password string) error {
	result, err := h.d.guard.Verify(password)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	return h.d.machine.StopAlarm(&result)
}

func (h *daemonHandler) HandleStealth(ctx context.Context, hidden bool) error {
	_, err := h.d.machine.Submit(ctx, modes.Request{
		Kind:    modes.ReqSetStealth,
		Source:  "cli",
		Stealth: hidden,
	})
	return err
}
