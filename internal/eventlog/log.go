package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"sentryd/internal/logging"
	"sentryd/internal/store"
)

// Log errors
var (
	ErrAppendFailed     = errors.New("eventlog: append failed")
	ErrInvalidEvent     = errors.New("eventlog: event rejected by schema")
	ErrNotAuthenticated = errors.New("eventlog: purge requires authentication")
)

// Type classifies a security event.
type Type string

// Event types recorded by the daemon.
const (
	TypeModeChange        Type = "mode_change"
	TypeBlockedTransition Type = "blocked_transition"
	TypeFailedUnlock      Type = "failed_unlock"
	TypeScreenLockChange  Type = "screen_lock_change"
	TypeSimChange         Type = "sim_change"
	TypeAirplaneMode      Type = "airplane_mode"
	TypeUSBDebugging      Type = "usb_debugging"
	TypeDeveloperOptions  Type = "developer_options"
	TypeCall              Type = "call"
	TypeSuspicious        Type = "suspicious_activity"
	TypeCommandRejected   Type = "command_rejected"
	TypeCommandExecuted   Type = "command_executed"
	TypeCommandFailed     Type = "command_failed"
	TypeActuationError    Type = "actuation_error"
	TypeEvidenceCapture   Type = "evidence_capture"
	TypeLogPurged         Type = "log_purged"
)

// Event is one security event. ID and Time are filled on append when zero.
type Event struct {
	ID           string
	Type         Type
	Time         time.Time
	Description  string
	Metadata     map[string]any
	Latitude     *float64
	Longitude    *float64
	Accuracy     *float64
	EvidencePath string
}

// Log is the append-only event log with a hard row cap.
type Log struct {
	mu       sync.Mutex
	store    *store.Store
	maxRows  int
	strict   bool
	schema   *jsonschema.Schema
	log      *logging.Logger
	degraded atomic.Bool

	// onDegraded fires once per transition into the degraded state.
	onDegraded func(error)

	// now is replaceable for tests.
	now func() time.Time
}

// Options configures a Log.
type Options struct {
	// MaxRows is the retention cap enforced on every append.
	MaxRows int

	// Strict rejects events that fail envelope validation. When false a
	// failing event is still appended and the violation only logged.
	Strict bool

	// OnDegraded is called when an append first fails after a healthy
	// period. May be nil.
	OnDegraded func(error)

	Logger *logging.Logger
}

// New creates a Log over the given store.
func New(st *store.Store, opts Options) (*Log, error) {
	if opts.MaxRows <= 0 {
		return nil, fmt.Errorf("eventlog: max rows must be positive, got %d", opts.MaxRows)
	}
	schema, err := compileEventSchema()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default().WithComponent("eventlog")
	}
	return &Log{
		store:      st,
		maxRows:    opts.MaxRows,
		strict:     opts.Strict,
		schema:     schema,
		log:        logger,
		onDegraded: opts.OnDegraded,
		now:        time.Now,
	}, nil
}

// Append records one event, trimming oldest rows past the cap in the same
// transaction. Failures never panic: the log flips to degraded and the
// caller gets ErrAppendFailed so the daemon can keep protecting the device
// without its audit trail.
func (l *Log) Append(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = l.now()
	}

	if err := l.schema.Validate(envelope(&e)); err != nil {
		if l.strict {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		l.log.Warn("event failed envelope validation, appending anyway",
			"event_id", e.ID, "type", string(e.Type), "error", err)
	}

	metadata := "{}"
	if e.Metadata != nil {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("%w: marshal metadata: %v", ErrInvalidEvent, err)
		}
		metadata = string(data)
	}

	row := store.EventRow{
		ID:           e.ID,
		Type:         string(e.Type),
		TimestampNs:  e.Time.UnixNano(),
		Description:  e.Description,
		Metadata:     metadata,
		Latitude:     e.Latitude,
		Longitude:    e.Longitude,
		Accuracy:     e.Accuracy,
		EvidencePath: e.EvidencePath,
	}

	trimmed, err := l.store.AppendEvent(&row, l.maxRows)
	if err != nil {
		if l.degraded.CompareAndSwap(false, true) {
			l.log.Error("event log degraded", "error", err)
			if l.onDegraded != nil {
				l.onDegraded(err)
			}
		}
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	if l.degraded.CompareAndSwap(true, false) {
		l.log.Info("event log recovered")
	}

	if trimmed > 0 {
		l.log.Debug("trimmed oldest events past retention cap",
			"trimmed", trimmed, "cap", l.maxRows)
	}
	return nil
}

// Record is the common append shape: type, description, metadata.
func (l *Log) Record(t Type, description string, metadata map[string]any) error {
	return l.Append(Event{Type: t, Description: description, Metadata: metadata})
}

// Recent returns matching events, newest first.
func (l *Log) Recent(filter store.EventFilter) ([]Event, error) {
	rows, err := l.store.QueryEvents(filter)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		e := Event{
			ID:           row.ID,
			Type:         Type(row.Type),
			Time:         time.Unix(0, row.TimestampNs),
			Description:  row.Description,
			Latitude:     row.Latitude,
			Longitude:    row.Longitude,
			Accuracy:     row.Accuracy,
			EvidencePath: row.EvidencePath,
		}
		if row.Metadata != "" && row.Metadata != "{}" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(row.Metadata), &meta); err == nil {
				e.Metadata = meta
			}
		}
		events = append(events, e)
	}
	return events, nil
}

// Count returns the number of stored events.
func (l *Log) Count() (int64, error) {
	return l.store.CountEvents()
}

// Degraded reports whether the last append failed.
func (l *Log) Degraded() bool {
	return l.degraded.Load()
}

// Purge deletes all events. The caller must have verified the owner
// password; a purge is itself recorded so the wipe leaves a trace.
func (l *Log) Purge(authenticated bool) (int64, error) {
	if !authenticated {
		return 0, ErrNotAuthenticated
	}
	l.mu.Lock()
	deleted, err := l.store.PurgeEvents()
	l.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	if err := l.Record(TypeLogPurged, "event log purged by owner",
		map[string]any{"deleted": deleted}); err != nil {
		l.log.Warn("purge marker append failed", "error", err)
	}
	return deleted, nil
}
