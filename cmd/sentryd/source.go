package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"sentryd/internal/ipc"
	"sentryd/internal/logging"
	"sentryd/internal/monitor"
	"sentryd/internal/platform"
	"sentryd/internal/store"
)

// ipcSource implements monitor.SignalSource over the control socket.
// Platform collaborators inject signals and keep the radio and SIM
// levels current; the monitor's pollers read the cached levels.
type ipcSource struct {
	spool *actionSpool

	mu       sync.Mutex
	airplane bool
	sim      monitor.SIMIdentity

	signals chan monitor.Signal
}

func newIPCSource(spool *actionSpool) *ipcSource {
	return &ipcSource{
		spool:   spool,
		signals: make(chan monitor.Signal, 64),
	}
}

func (s *ipcSource) Signals() <-chan monitor.Signal { return s.signals }

// inject delivers a collaborator signal and updates the cached levels so
// later polls agree with the last reported state.
func (s *ipcSource) inject(sig monitor.Signal) {
	s.mu.Lock()
	switch sig.Kind {
	case monitor.SignalAirplaneMode:
		s.airplane = sig.Enabled
	case monitor.SignalSIM:
		s.sim = sig.SIM
	}
	s.mu.Unlock()

	select {
	case s.signals <- sig:
	default:
		// The monitor is wedged; dropping beats blocking the socket.
	}
}

func (s *ipcSource) ReadAirplaneMode(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.airplane, nil
}

func (s *ipcSource) ReadSIM(ctx context.Context) (monitor.SIMIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sim, nil
}

func (s *ipcSource) SetAirplaneMode(ctx context.Context, enabled bool) error {
	if err := s.spool.emit("set_airplane_mode", map[string]any{"enabled": enabled}); err != nil {
		return err
	}
	s.mu.Lock()
	s.airplane = enabled
	s.mu.Unlock()
	return nil
}

const (
	lastFixKey   = "last_fix"
	fixFreshness = 60 * time.Second
)

// cachedLocator implements platform.Locator from collaborator-reported
// fixes. The newest fix is persisted so a restarted daemon still has a
// last-known position.
type cachedLocator struct {
	spool *actionSpool
	st    *store.Store
	log   *logging.Logger

	mu  sync.Mutex
	fix *platform.Coordinates
}

func newCachedLocator(spool *actionSpool, st *store.Store, log *logging.Logger) *cachedLocator {
	if log == nil {
		log = logging.Default().WithComponent("locator")
	}
	l := &cachedLocator{spool: spool, st: st, log: log}
	if raw, ok, err := st.GetState(lastFixKey); err == nil && ok {
		var c platform.Coordinates
		if json.Unmarshal(raw, &c) == nil {
			l.fix = &c
		}
	}
	return l
}

// SetFix records a collaborator-reported position.
func (l *cachedLocator) SetFix(c platform.Coordinates) {
	l.mu.Lock()
	l.fix = &c
	l.mu.Unlock()

	// The in-memory fix still serves; persistence failure only costs the
	// restart carry-over.
	if data, err := json.Marshal(c); err == nil {
		if err := l.st.SetState(lastFixKey, data); err != nil {
			l.log.Error("persist last fix", "error", err)
		}
	}
}

// Current returns the cached fix when fresh. A stale cache spools a
// locate request for the collaborator and reports no fix; the eventual
// answer arrives as a new SetFix.
func (l *cachedLocator) Current(ctx context.Context) (platform.Coordinates, error) {
	l.mu.Lock()
	fix := l.fix
	l.mu.Unlock()

	if fix != nil && time.Since(fix.Time) <= fixFreshness {
		return *fix, nil
	}
	if err := l.spool.emit("locate", nil); err != nil {
		l.log.Error("spool locate request", "error", err)
	}
	return platform.Coordinates{}, platform.ErrNoFix
}

func (l *cachedLocator) LastKnown() (platform.Coordinates, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fix == nil {
		return platform.Coordinates{}, false
	}
	return *l.fix, true
}

// fromWire converts an ipc location payload into a timestamped fix.
func fromWire(p ipc.LocationPayload) platform.Coordinates {
	return platform.Coordinates{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Accuracy:  p.Accuracy,
		Time:      time.Now().UTC(),
	}
}
