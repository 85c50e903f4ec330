package modes

import (
	"context"
	"errors"
	"sync"
	"time"

	"sentryd/internal/credential"
)

// ErrGrantExpired is returned by Cancel after the grant already reverted.
var ErrGrantExpired = errors.New("modes: grant already expired")

// Grant is a temporary relaxation of a restriction, typically one minute
// of file-manager access inside kiosk mode. It self-expires on a scheduled
// timer independent of any further input, and can be revoked early with a
// correct password.
type Grant struct {
	timer  *time.Timer
	revert func()

	mu   sync.Mutex
	done bool
}

// GrantFileAccess lifts the file-manager restriction for the given
// duration. The restriction is re-applied either at expiry or on an early
// password-backed Cancel, whichever comes first.
func (m *Machine) GrantFileAccess(d time.Duration) (*Grant, error) {
	ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
	defer cancel()
	if err := m.opts.Actuator.RestrictFileManager(ctx, false); err != nil {
		return nil, err
	}
	m.log.Info("file manager access granted", "duration", d)

	g := &Grant{}
	g.revert = func() {
		revertCtx, revertCancel := context.WithTimeout(context.Background(), effectTimeout)
		defer revertCancel()
		if err := m.opts.Actuator.RestrictFileManager(revertCtx, true); err != nil {
			m.log.Error("file manager restriction re-apply failed", "error", err)
			return
		}
		m.log.Info("file manager access revoked")
	}
	g.timer = time.AfterFunc(d, g.expire)
	return g, nil
}

// expire reverts exactly once.
func (g *Grant) expire() {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return
	}
	g.done = true
	g.mu.Unlock()
	g.revert()
}

// Cancel revokes the grant early. Requires a correct password.
func (g *Grant) Cancel(verify *credential.Result) error {
	if verify == nil || verify.Outcome != credential.OutcomeOk {
		return ErrBlocked
	}
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return ErrGrantExpired
	}
	g.done = true
	g.mu.Unlock()

	g.timer.Stop()
	g.revert()
	return nil
}

// Active reports whether the grant is still in force.
func (g *Grant) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.done
}
