package platform

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Call records one invocation on a fake.
type Call struct {
	Op   string
	Args []any
	Time time.Time
}

// recorder collects calls and scripted failures, shared by the fakes.
type recorder struct {
	mu    sync.Mutex
	calls []Call
	fail  map[string]error
}

func (r *recorder) record(op string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: op, Args: args, Time: time.Now()})
	if err, ok := r.fail[op]; ok {
		return &ActuationError{Op: op, Err: err}
	}
	return nil
}

// Calls returns a copy of all recorded invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsTo returns the invocations of one operation.
func (r *recorder) CallsTo(op string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// FailWith makes the named operation return the given error until cleared
// with a nil err.
func (r *recorder) FailWith(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail == nil {
		r.fail = make(map[string]error)
	}
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

// Reset clears recorded calls but keeps scripted failures.
func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// FakeActuator is an in-memory Actuator for tests.
type FakeActuator struct {
	recorder

	mu          sync.Mutex
	locked      bool
	alarmOn     bool
	lockdown    bool
	lockdownMsg string
	stealth     bool
	fmRestrict  bool
	wiped       bool
	wipeReason  string
}

func (f *FakeActuator) Lock(ctx context.Context) error {
	if err := f.record("lock"); err != nil {
		return err
	}
	f.mu.Lock()
	f.locked = true
	f.mu.Unlock()
	return nil
}

func (f *FakeActuator) Unlock(ctx context.Context) error {
	if err := f.record("unlock"); err != nil {
		return err
	}
	f.mu.Lock()
	f.locked = false
	f.mu.Unlock()
	return nil
}

func (f *FakeActuator) Wipe(ctx context.Context, reason string) error {
	if err := f.record("wipe", reason); err != nil {
		return err
	}
	f.mu.Lock()
	f.wiped = true
	f.wipeReason = reason
	f.mu.Unlock()
	return nil
}

func (f *FakeActuator) TriggerAlarm(ctx context.Context, d time.Duration, ignoreVolume bool) error {
	if err := f.record("trigger_alarm", d, ignoreVolume); err != nil {
		return err
	}
	f.mu.Lock()
	f.alarmOn = true
	f.mu.Unlock()
	return nil
}

func (f *FakeActuator) StopAlarm(ctx context.Context) error {
	if err := f.record("stop_alarm"); err != nil {
		return err
	}
	f.mu.Lock()
	f.alarmOn = false
	f.mu.Unlock()
	return nil
}

func (f *FakeActuator) EnterLockdownUI(ctx context.Context, message string) error {
	if err := f.record("enter_lockdown_ui", message); err != nil {
		return err
	}
	f.mu.Lock()
	f.lockdown = true
	f.lockdownMsg = message
	f.mu.Unlock()
	return nil
}

func (f *FakeActuator) ExitLockdownUI(ctx context.Context) error {
	if err := f.record("exit_lockdown_ui"); err != nil {
		return err
	}
	f.mu.Lock()
	f.lockdown = false
	f.mu.Unlock()
	return nil
}

func (f *FakeActuator) SetStealth(ctx context.Context, hidden bool) error {
	if err := f.record("set_stealth", hidden); err != nil {
		return err
	}
	f.mu.Lock()
	f.stealth = hidden
	f.mu.Unlock()
	return nil
}

func (f *FakeActuator) RestrictFileManager(ctx context.Context, blocked bool) error {
	if err := f.record("restrict_file_manager", blocked); err != nil {
		return err
	}
	f.mu.Lock()
	f.fmRestrict = blocked
	f.mu.Unlock()
	return nil
}

// Locked reports the fake lock state.
func (f *FakeActuator) Locked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked
}

// AlarmOn reports whether the fake alarm is running.
func (f *FakeActuator) AlarmOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alarmOn
}

// Lockdown reports the lockdown surface state and its message.
func (f *FakeActuator) Lockdown() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lockdown, f.lockdownMsg
}

// Stealth reports the fake stealth flag.
func (f *FakeActuator) Stealth() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stealth
}

// FileManagerRestricted reports the fake file manager restriction.
func (f *FakeActuator) FileManagerRestricted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fmRestrict
}

// Wiped reports whether Wipe ran, and the recorded reason.
func (f *FakeActuator) Wiped() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wiped, f.wipeReason
}

// FakeEvidence is an in-memory Evidence for tests.
type FakeEvidence struct {
	recorder

	mu     sync.Mutex
	photos int
	audio  int
}

func (f *FakeEvidence) CaptureFrontPhoto(ctx context.Context, reason string) (string, error) {
	if err := f.record("capture_front_photo", reason); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.photos++
	path := fmt.Sprintf("/evidence/photo-%04d.jpg", f.photos)
	f.mu.Unlock()
	return path, nil
}

func (f *FakeEvidence) StartAudio(ctx context.Context, d time.Duration) (string, error) {
	if err := f.record("start_audio", d); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.audio++
	path := fmt.Sprintf("/evidence/audio-%04d.ogg", f.audio)
	f.mu.Unlock()
	return path, nil
}

// Photos returns how many photos were taken.
func (f *FakeEvidence) Photos() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.photos
}

// AudioRecordings returns how many audio captures started.
func (f *FakeEvidence) AudioRecordings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio
}

// FakeLocator is an in-memory Locator for tests.
type FakeLocator struct {
	recorder

	mu        sync.Mutex
	fix       *Coordinates
	lastKnown *Coordinates
	failFresh bool
}

// SetFix seeds the position returned by Current; it also becomes the
// last-known fix.
func (f *FakeLocator) SetFix(c Coordinates) {
	f.mu.Lock()
	f.fix = &c
	f.lastKnown = &c
	f.mu.Unlock()
}

// FailFresh makes Current fail while keeping the last-known fix.
func (f *FakeLocator) FailFresh(fail bool) {
	f.mu.Lock()
	f.failFresh = fail
	f.mu.Unlock()
}

func (f *FakeLocator) Current(ctx context.Context) (Coordinates, error) {
	if err := f.record("current"); err != nil {
		return Coordinates{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFresh || f.fix == nil {
		return Coordinates{}, ErrNoFix
	}
	return *f.fix, nil
}

func (f *FakeLocator) LastKnown() (Coordinates, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastKnown == nil {
		return Coordinates{}, false
	}
	return *f.lastKnown, true
}

// Message is one delivered fake message.
type Message struct {
	To   string
	Body string
}

// FakeMessenger is an in-memory Messenger for tests.
type FakeMessenger struct {
	recorder

	mu   sync.Mutex
	sent []Message
}

func (f *FakeMessenger) Send(ctx context.Context, to, body string) error {
	if err := f.record("send", to, body); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, Message{To: to, Body: body})
	f.mu.Unlock()
	return nil
}

// Sent returns a copy of all delivered messages.
func (f *FakeMessenger) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.sent))
	copy(out, f.sent)
	return out
}
