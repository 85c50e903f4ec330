// Package command is the remote command pipeline: one inbound text message
// in, a fixed validation ladder, one device action out. The reply policy is
// asymmetric: an untrusted sender learns nothing, a trusted sender with a
// wrong password gets exactly one failure reply.
package command

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"sentryd/internal/credential"
	"sentryd/internal/eventlog"
	"sentryd/internal/logging"
	"sentryd/internal/modes"
	"sentryd/internal/platform"
	"sentryd/internal/security"
)

// Pipeline errors
var (
	ErrMalformedCommand = errors.New("command: malformed")
	ErrRejectedSender   = errors.New("command: sender not trusted")
	ErrRejectedPassword = errors.New("command: password rejected")
	ErrRateLimited      = errors.New("command: sender rate limited")
	ErrExecuteFailed    = errors.New("command: execution failed")
)

// commandRe is the wire contract: verb, one '#', non-empty password.
// Case-sensitive, exact token match.
var commandRe = regexp.MustCompile(`^(LOCK|WIPE|LOCATE|ALARM)#(.+)$`)

// authFailedReply is the fixed authentication-failure literal.
const authFailedReply = "AUTH FAILED"

// senderLimiters is the LRU capacity for per-sender rate limiters. A
// spoofing flood cycles through at most this many live buckets.
const senderLimiters = 128

// NormalizeSender reduces a sender address to a comparable form: spaces
// and punctuation stripped, a single leading + preserved.
func NormalizeSender(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Options configures a Pipeline.
type Options struct {
	Guard     *credential.Guard
	Machine   *modes.Machine
	Log       *eventlog.Log
	Actuator  platform.Actuator
	Locator   platform.Locator
	Messenger platform.Messenger

	// TrustedSender returns the configured trusted address, read live on
	// every message so a config hot reload applies immediately.
	TrustedSender func() string

	// RecoveryMessage is the lockdown screen text for LOCK.
	RecoveryMessage func() string

	// AlarmDuration bounds the ALARM command's siren. Default 2 minutes.
	AlarmDuration time.Duration

	// SenderRate and SenderBurst shape the per-sender token bucket.
	SenderRate  float64 // tokens per second
	SenderBurst int

	// SendRetries and SendBackoff shape reply delivery retry.
	SendRetries int
	SendBackoff time.Duration

	Logger *logging.Logger
}

// Pipeline validates and executes remote commands.
type Pipeline struct {
	opts     Options
	log      *logging.Logger
	limiters *lru.Cache[string, *security.RateLimiter]
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.AlarmDuration <= 0 {
		opts.AlarmDuration = 2 * time.Minute
	}
	if opts.SenderRate <= 0 {
		opts.SenderRate = 2.0 / 60.0
	}
	if opts.SenderBurst <= 0 {
		opts.SenderBurst = 5
	}
	if opts.SendRetries <= 0 {
		opts.SendRetries = 3
	}
	if opts.SendBackoff <= 0 {
		opts.SendBackoff = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default().WithComponent("command")
	}
	limiters, err := lru.New[string, *security.RateLimiter](senderLimiters)
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}
	return &Pipeline{opts: opts, log: logger, limiters: limiters}, nil
}

// HandleMessage runs one inbound message through the validation ladder:
// parse, sender, password, execute. Each step short-circuits; the reply
// rules of each rejection are fixed and must not be reordered.
func (p *Pipeline) HandleMessage(ctx context.Context, sender, body string) error {
	sender = NormalizeSender(sender)

	if !p.allow(sender) {
		return ErrRateLimited
	}

	match := commandRe.FindStringSubmatch(body)
	if match == nil {
		// Malformed: logged, never answered.
		p.record(eventlog.TypeCommandRejected, "malformed command", map[string]any{
			"sender": sender,
			"reason": "malformed",
		})
		return ErrMalformedCommand
	}
	verb, claimed := match[1], match[2]

	trusted := NormalizeSender(p.opts.TrustedSender())
	if trusted == "" || sender != trusted {
		// Unknown sender: suspicious-activity log with the raw command
		// and no reply. A reply would confirm the daemon exists.
		p.record(eventlog.TypeSuspicious, "command from untrusted sender", map[string]any{
			"sender":  sender,
			"command": verb,
		})
		return ErrRejectedSender
	}

	// Compare, not Verify: command password failures must not feed the
	// interactive lockout counter.
	ok, err := p.opts.Guard.Compare(claimed)
	if err != nil {
		p.log.Error("password comparison failed", "error", err)
		return fmt.Errorf("compare password: %w", err)
	}
	if !ok {
		p.record(eventlog.TypeCommandRejected, "invalid command password", map[string]any{
			"sender":  sender,
			"command": verb,
			"reason":  "password",
		})
		p.reply(ctx, sender, authFailedReply)
		return ErrRejectedPassword
	}

	if err := p.execute(ctx, verb, sender); err != nil {
		// Authorized but failed, distinct from unauthorized.
		p.record(eventlog.TypeCommandFailed, fmt.Sprintf("%s command failed", verb), map[string]any{
			"sender":  sender,
			"command": verb,
			"reason":  err.Error(),
		})
		return fmt.Errorf("%w: %s: %v", ErrExecuteFailed, verb, err)
	}

	p.record(eventlog.TypeCommandExecuted, fmt.Sprintf("%s command executed", verb), map[string]any{
		"sender":  sender,
		"command": verb,
	})
	return nil
}

// allow applies the per-sender token bucket. The first drop in a window is
// logged as suspicious; the rest of the flood is silent.
func (p *Pipeline) allow(sender string) bool {
	limiter, ok := p.limiters.Get(sender)
	if !ok {
		limiter = security.NewRateLimiter(p.opts.SenderRate, p.opts.SenderBurst)
		p.limiters.Add(sender, limiter)
	}
	if limiter.Allow() {
		return true
	}
	if !limiter.Blocked() {
		limiter.Block(time.Minute)
		p.record(eventlog.TypeSuspicious, "command flood rate limited", map[string]any{
			"sender": sender,
		})
	}
	return false
}

func (p *Pipeline) execute(ctx context.Context, verb, sender string) error {
	switch verb {
	case "LOCK":
		return p.executeLock(ctx, sender)
	case "WIPE":
		return p.executeWipe(ctx, sender)
	case "LOCATE":
		return p.executeLocate(ctx, sender)
	case "ALARM":
		return p.executeAlarm(ctx, sender)
	default:
		return fmt.Errorf("unreachable verb %q", verb)
	}
}

// executeLock locks the device, drives the machine into kiosk lockdown and
// shows the recovery message. Replies on success only.
func (p *Pipeline) executeLock(ctx context.Context, sender string) error {
	msg := ""
	if p.opts.RecoveryMessage != nil {
		msg = p.opts.RecoveryMessage()
	}
	_, err := p.opts.Machine.Submit(ctx, modes.Request{
		Kind:    modes.ReqRemoteLockdown,
		Source:  "remote",
		Message: msg,
	})
	if err != nil {
		p.reply(ctx, sender, "LOCK FAILED")
		return err
	}
	p.reply(ctx, sender, "LOCKED")
	return nil
}

// executeWipe sends the last-known-location notice first, since the device
// may be unusable afterward, then fires the wipe without expecting a reply.
func (p *Pipeline) executeWipe(ctx context.Context, sender string) error {
	if fix, ok := p.bestFix(ctx); ok {
		p.reply(ctx, sender, "WIPING. last location: "+formatFix(fix))
	} else {
		p.reply(ctx, sender, "WIPING. location unknown")
	}
	if err := p.opts.Actuator.Wipe(ctx, "remote wipe command"); err != nil {
		return err
	}
	return nil
}

// executeLocate replies with the current fix, falling back to last-known.
// An unanswered LOCATE is a contract violation, so even total failure
// produces a reply.
func (p *Pipeline) executeLocate(ctx context.Context, sender string) error {
	fix, ok := p.bestFix(ctx)
	if !ok {
		p.reply(ctx, sender, "LOCATION UNAVAILABLE")
		return nil
	}
	p.reply(ctx, sender, formatFix(fix))
	return nil
}

// executeAlarm triggers the time-boxed maximum-volume alarm through a
// panic transition. Replies on trigger success.
func (p *Pipeline) executeAlarm(ctx context.Context, sender string) error {
	_, err := p.opts.Machine.Submit(ctx, modes.Request{
		Kind:          modes.ReqPanic,
		Source:        "remote",
		AlarmDuration: p.opts.AlarmDuration,
	})
	if err != nil {
		p.reply(ctx, sender, "ALARM FAILED")
		return err
	}
	p.reply(ctx, sender, "ALARM TRIGGERED")
	return nil
}

// bestFix returns a current fix, or the cached last-known one.
func (p *Pipeline) bestFix(ctx context.Context) (platform.Coordinates, bool) {
	fixCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	fix, err := p.opts.Locator.Current(fixCtx)
	if err == nil {
		return fix, true
	}
	p.log.Warn("current location unavailable, trying last known", "error", err)
	return p.opts.Locator.LastKnown()
}

// formatFix renders the fixed LOCATE reply shape:
// lat,lon,accuracy,ISO8601-timestamp,map-link.
func formatFix(fix platform.Coordinates) string {
	return fmt.Sprintf("%.6f,%.6f,%.1f,%s,https://maps.google.com/?q=%.6f%%2C%.6f",
		fix.Latitude, fix.Longitude, fix.Accuracy,
		fix.Time.UTC().Format(time.RFC3339),
		fix.Latitude, fix.Longitude)
}

// reply delivers one message with bounded exponential backoff. Delivery
// failure is logged, never propagated: the command outcome stands.
func (p *Pipeline) reply(ctx context.Context, to, body string) {
	var err error
	backoff := p.opts.SendBackoff
	for attempt := 0; attempt < p.opts.SendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
		}
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = p.opts.Messenger.Send(sendCtx, to, body)
		cancel()
		if err == nil {
			return
		}
	}
	p.log.Error("reply delivery failed", "to", to, "error", err)
	p.record(eventlog.TypeActuationError, "reply delivery failed", map[string]any{
		"op":     "send",
		"reason": err.Error(),
	})
}

func (p *Pipeline) record(t eventlog.Type, desc string, meta map[string]any) {
	if err := p.opts.Log.Record(t, desc, meta); err != nil {
		p.log.Error("event append failed", "type", string(t), "error", err)
	}
}
