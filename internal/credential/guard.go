// Package credential implements the owner-password guard: salted one-way
// hashing, consecutive-failure tracking, and lockout.
//
// The guard exposes two comparison paths with different side effects:
// Verify drives the interactive lockout counter; Compare is the counter-free
// primitive used by the remote command pipeline, so command-password failures
// and interactive-login failures stay independent.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sentryd/internal/security"
	"sentryd/internal/store"
)

// Guard errors
var (
	ErrAlreadySet          = errors.New("credential: password already configured")
	ErrNotConfigured       = errors.New("credential: no password configured")
	ErrCorruptedCredential = errors.New("credential: stored record is corrupted")
)

// stateKey is the store key holding the persisted record.
const stateKey = "credential"

// Outcome is the result of a verification attempt.
type Outcome int

const (
	// OutcomeOk means the password matched.
	OutcomeOk Outcome = iota
	// OutcomeWrongPassword means the password did not match.
	OutcomeWrongPassword
	// OutcomeLocked means lockout is active; the password was not compared.
	OutcomeLocked
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeWrongPassword:
		return "wrong_password"
	case OutcomeLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Result carries the outcome of a verification attempt together with the
// counter state the caller needs for escalation decisions.
type Result struct {
	Outcome Outcome

	// FailedAttempts is the consecutive-failure count after this attempt.
	FailedAttempts int

	// ThresholdCrossed is true only on the attempt that moves the counter
	// onto the lockout threshold, so escalation fires exactly once per
	// crossing and never re-fires while the counter sits at or above it.
	ThresholdCrossed bool
}

// record is the persisted credential state.
type record struct {
	Hash           []byte    `json:"hash"`
	Salt           []byte    `json:"salt"`
	FailedAttempts int       `json:"failed_attempts"`
	LastFailure    time.Time `json:"last_failure,omitzero"`
}

// Guard verifies the owner password and tracks lockout state.
type Guard struct {
	mu          sync.Mutex
	store       *store.Store
	rec         *record // nil until Setup
	maxAttempts int
	lockout     time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

// NewGuard creates a guard backed by the given store, loading any persisted
// credential record. maxAttempts is the consecutive-failure count that
// activates lockout; lockout is how long the lockout holds after the last
// failure (0 means it holds until a process restart reloads the record,
// which still leaves the counter intact).
func NewGuard(st *store.Store, maxAttempts int, lockout time.Duration) (*Guard, error) {
	g := &Guard{
		store:       st,
		maxAttempts: maxAttempts,
		lockout:     lockout,
		now:         time.Now,
	}

	data, ok, err := st.GetState(stateKey)
	if err != nil {
		return nil, fmt.Errorf("load credential record: %w", err)
	}
	if ok {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedCredential, err)
		}
		g.rec = &rec
	}

	return g, nil
}

// IsConfigured reports whether a credential record exists.
func (g *Guard) IsConfigured() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rec != nil
}

// Setup configures the owner password. Rejects if a record already exists.
func (g *Guard) Setup(password string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rec != nil {
		return ErrAlreadySet
	}

	salt, err := security.NewSalt()
	if err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	hash, err := security.HashPassword(password, salt)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	rec := &record{Hash: hash, Salt: salt}
	if err := g.persist(rec); err != nil {
		return err
	}
	g.rec = rec
	return nil
}

// Verify checks the password against the stored record, updating the
// consecutive-failure counter. When lockout is active the password is not
// compared at all.
func (g *Guard) Verify(password string) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rec == nil {
		return Result{}, ErrNotConfigured
	}
	if err := g.checkRecord(); err != nil {
		return Result{}, err
	}

	if g.lockedLocked() {
		return Result{Outcome: OutcomeLocked, FailedAttempts: g.rec.FailedAttempts}, nil
	}

	match, err := g.compareLocked(password)
	if err != nil {
		return Result{}, err
	}

	if match {
		g.rec.FailedAttempts = 0
		g.rec.LastFailure = time.Time{}
		if err := g.persist(g.rec); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeOk}, nil
	}

	g.rec.FailedAttempts++
	g.rec.LastFailure = g.now()
	if err := g.persist(g.rec); err != nil {
		return Result{}, err
	}

	return Result{
		Outcome:          OutcomeWrongPassword,
		FailedAttempts:   g.rec.FailedAttempts,
		ThresholdCrossed: g.rec.FailedAttempts == g.maxAttempts,
	}, nil
}

// Compare checks the password in constant time without touching the lockout
// counter. Used by the remote command pipeline.
func (g *Guard) Compare(password string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rec == nil {
		return false, ErrNotConfigured
	}
	if err := g.checkRecord(); err != nil {
		return false, err
	}
	return g.compareLocked(password)
}

// IsLocked reports whether lockout is currently active.
func (g *Guard) IsLocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rec == nil {
		return false
	}
	return g.lockedLocked()
}

// FailedAttempts returns the current consecutive-failure count.
func (g *Guard) FailedAttempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rec == nil {
		return 0
	}
	return g.rec.FailedAttempts
}

// ChangePassword replaces the owner password after verifying the old one.
// A fresh salt is generated; the failure counter is reset by the successful
// verification.
func (g *Guard) ChangePassword(oldPassword, newPassword string) error {
	res, err := g.Verify(oldPassword)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case OutcomeLocked:
		return errors.New("credential: locked out")
	case OutcomeWrongPassword:
		return errors.New("credential: old password does not match")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	salt, err := security.NewSalt()
	if err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	hash, err := security.HashPassword(newPassword, salt)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	rec := &record{Hash: hash, Salt: salt}
	if err := g.persist(rec); err != nil {
		return err
	}
	g.rec = rec
	return nil
}

// lockedLocked reports lockout state. Caller must hold g.mu.
func (g *Guard) lockedLocked() bool {
	if g.rec.FailedAttempts < g.maxAttempts {
		return false
	}
	if g.lockout <= 0 {
		return true
	}
	return g.now().Sub(g.rec.LastFailure) < g.lockout
}

// compareLocked recomputes the digest and compares in constant time.
// Caller must hold g.mu.
func (g *Guard) compareLocked(password string) (bool, error) {
	hash, err := security.HashPassword(password, g.rec.Salt)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptedCredential, err)
	}
	return security.SecureCompare(hash, g.rec.Hash), nil
}

// checkRecord validates the stored hash and salt. A corrupted record must
// fail loudly, never behave as "every password is wrong" or "any password
// is right".
func (g *Guard) checkRecord() error {
	if len(g.rec.Hash) != security.DigestSize || len(g.rec.Salt) != security.SaltSize {
		return fmt.Errorf("%w: hash %d bytes, salt %d bytes", ErrCorruptedCredential, len(g.rec.Hash), len(g.rec.Salt))
	}
	return nil
}

// persist writes the record to the store.
func (g *Guard) persist(rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal credential record: %w", err)
	}
	if err := g.store.SetState(stateKey, data); err != nil {
		return fmt.Errorf("persist credential record: %w", err)
	}
	return nil
}
