package eventlog

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"sentryd/internal/store"
)

func newTestLog(t *testing.T, maxRows int, strict bool) (*Log, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sentryd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	l, err := New(st, Options{MaxRows: maxRows, Strict: strict})
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return l, st
}

func TestAppendAndRecent(t *testing.T) {
	l, _ := newTestLog(t, 100, true)

	if err := l.Record(TypeFailedUnlock, "failed unlock attempt",
		map[string]any{"attempt": 2}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Record(TypeSimChange, "SIM card changed",
		map[string]any{"old_serial": "111", "new_serial": "222"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := l.Recent(store.EventFilter{})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	// Newest first.
	if events[0].Type != TypeSimChange {
		t.Fatalf("first event type = %s, want sim_change", events[0].Type)
	}
	if events[0].Metadata["new_serial"] != "222" {
		t.Fatalf("metadata round-trip failed: %v", events[0].Metadata)
	}
	if events[1].ID == "" || events[1].Time.IsZero() {
		t.Fatal("append did not fill ID and time")
	}
}

func TestRetentionCapOnEveryAppend(t *testing.T) {
	const capRows = 5
	l, _ := newTestLog(t, capRows, true)

	for i := 0; i < 20; i++ {
		if err := l.Record(TypeCall, fmt.Sprintf("call %d", i),
			map[string]any{"number": "+15550100", "direction": "incoming"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		n, err := l.Count()
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n > capRows {
			t.Fatalf("after append %d: %d rows, cap %d", i, n, capRows)
		}
	}

	events, err := l.Recent(store.EventFilter{})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != capRows {
		t.Fatalf("got %d survivors, want %d", len(events), capRows)
	}
	// Survivors are the newest appends.
	if events[0].Description != "call 19" || events[capRows-1].Description != "call 15" {
		t.Fatalf("wrong survivors: %q .. %q", events[0].Description, events[capRows-1].Description)
	}
}

func TestStrictValidationRejects(t *testing.T) {
	l, _ := newTestLog(t, 100, true)

	err := l.Append(Event{Type: Type("made_up_type"), Description: "x"})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("got %v, want ErrInvalidEvent", err)
	}

	bad := -200.0
	err = l.Append(Event{Type: TypeEvidenceCapture, Description: "x", Latitude: &bad})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("out-of-range latitude: got %v, want ErrInvalidEvent", err)
	}

	n, err := l.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("rejected events were stored: %d rows", n)
	}
}

func TestLenientValidationAppends(t *testing.T) {
	l, _ := newTestLog(t, 100, false)

	if err := l.Append(Event{Type: Type("made_up_type"), Description: "x"}); err != nil {
		t.Fatalf("lenient append: %v", err)
	}
	n, _ := l.Count()
	if n != 1 {
		t.Fatalf("got %d rows, want 1", n)
	}
}

func TestDegradedOnStoreFailure(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "sentryd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	var hookErr error
	l, err := New(st, Options{
		MaxRows:    100,
		Strict:     true,
		OnDegraded: func(e error) { hookErr = e },
	})
	if err != nil {
		t.Fatalf("new log: %v", err)
	}

	// Closing the store makes every append fail.
	st.Close()

	err = l.Record(TypeModeChange, "x", nil)
	if !errors.Is(err, ErrAppendFailed) {
		t.Fatalf("got %v, want ErrAppendFailed", err)
	}
	if !l.Degraded() {
		t.Fatal("log should report degraded")
	}
	if hookErr == nil {
		t.Fatal("degraded hook did not fire")
	}

	// The hook fires on the transition, not on every failure.
	hookErr = nil
	if err := l.Record(TypeModeChange, "y", nil); !errors.Is(err, ErrAppendFailed) {
		t.Fatalf("got %v, want ErrAppendFailed", err)
	}
	if hookErr != nil {
		t.Fatal("degraded hook fired twice")
	}
}

func TestPurge(t *testing.T) {
	l, _ := newTestLog(t, 100, true)

	for i := 0; i < 3; i++ {
		if err := l.Record(TypeCall, "call", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if _, err := l.Purge(false); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("unauthenticated purge: got %v, want ErrNotAuthenticated", err)
	}

	deleted, err := l.Purge(true)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}

	// Only the purge marker remains.
	events, err := l.Recent(store.EventFilter{})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 || events[0].Type != TypeLogPurged {
		t.Fatalf("got %d events after purge, want single log_purged marker", len(events))
	}
}
