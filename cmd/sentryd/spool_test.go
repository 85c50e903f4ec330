package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sentryd/internal/monitor"
	"sentryd/internal/platform"
	"sentryd/internal/store"
)

func readActions(t *testing.T, dir string) []action {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, "actions.jsonl"))
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	defer f.Close()

	var actions []action
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var a action
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			t.Fatalf("decode spool line: %v", err)
		}
		actions = append(actions, a)
	}
	return actions
}

func TestSpoolActuatorWritesOnePerLine(t *testing.T) {
	dir := t.TempDir()
	spool, err := newActionSpool(dir)
	if err != nil {
		t.Fatal(err)
	}
	a := &spoolActuator{spool: spool}
	ctx := context.Background()

	if err := a.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := a.TriggerAlarm(ctx, 2*time.Minute, true); err != nil {
		t.Fatalf("alarm: %v", err)
	}
	if err := a.EnterLockdownUI(ctx, "return me"); err != nil {
		t.Fatalf("lockdown: %v", err)
	}

	actions := readActions(t, dir)
	if len(actions) != 3 {
		t.Fatalf("got %d actions, want 3", len(actions))
	}
	if actions[0].Op != "lock" || actions[1].Op != "trigger_alarm" || actions[2].Op != "enter_lockdown_ui" {
		t.Fatalf("unexpected ops: %v %v %v", actions[0].Op, actions[1].Op, actions[2].Op)
	}
	if actions[1].Args["duration_ms"].(float64) != 120000 {
		t.Fatalf("alarm duration = %v", actions[1].Args["duration_ms"])
	}
	if actions[2].Args["message"] != "return me" {
		t.Fatalf("lockdown message = %v", actions[2].Args["message"])
	}
	for _, act := range actions {
		if act.ID == "" {
			t.Fatal("spooled action without id")
		}
	}
}

func TestSpoolEvidenceReturnsDistinctPaths(t *testing.T) {
	dir := t.TempDir()
	spool, err := newActionSpool(dir)
	if err != nil {
		t.Fatal(err)
	}
	e := &spoolEvidence{spool: spool, dir: filepath.Join(dir, "evidence")}

	p1, err := e.CaptureFrontPhoto(context.Background(), "test")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := e.CaptureFrontPhoto(context.Background(), "test")
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Fatal("photo paths must be unique")
	}

	actions := readActions(t, dir)
	if actions[0].Args["path"] != p1 {
		t.Fatalf("spooled path %v, returned %v", actions[0].Args["path"], p1)
	}
}

func TestCachedLocatorFreshnessAndPersistence(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	spool, err := newActionSpool(dir)
	if err != nil {
		t.Fatal(err)
	}

	loc := newCachedLocator(spool, st, nil)
	if _, ok := loc.LastKnown(); ok {
		t.Fatal("fresh locator should have no last-known fix")
	}
	if _, err := loc.Current(context.Background()); err == nil {
		t.Fatal("expected no fix before any report")
	}
	// The miss should have spooled a locate request.
	if actions := readActions(t, dir); len(actions) != 1 || actions[0].Op != "locate" {
		t.Fatalf("expected one locate request, got %v", actions)
	}

	fix := platform.Coordinates{Latitude: 52.5, Longitude: 13.4, Accuracy: 10, Time: time.Now()}
	loc.SetFix(fix)

	got, err := loc.Current(context.Background())
	if err != nil {
		t.Fatalf("current after report: %v", err)
	}
	if got.Latitude != fix.Latitude || got.Longitude != fix.Longitude {
		t.Fatalf("got %+v, want %+v", got, fix)
	}

	// A stale fix is not served as current but stays last-known.
	stale := fix
	stale.Time = time.Now().Add(-2 * fixFreshness)
	loc.SetFix(stale)
	if _, err := loc.Current(context.Background()); err == nil {
		t.Fatal("stale fix must not satisfy a current query")
	}
	if _, ok := loc.LastKnown(); !ok {
		t.Fatal("stale fix should remain as last-known")
	}

	// A restarted locator restores the persisted fix.
	reloaded := newCachedLocator(spool, st, nil)
	got2, ok := reloaded.LastKnown()
	if !ok {
		t.Fatal("persisted fix not restored")
	}
	if got2.Latitude != stale.Latitude {
		t.Fatalf("restored latitude %v, want %v", got2.Latitude, stale.Latitude)
	}
}

func TestCachedLocatorSurvivesSpoolAndStoreFailures(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	spool, err := newActionSpool(dir)
	if err != nil {
		t.Fatal(err)
	}
	// A directory where the spool file belongs makes every emit fail.
	if err := os.Mkdir(filepath.Join(dir, "actions.jsonl"), 0o700); err != nil {
		t.Fatal(err)
	}

	loc := newCachedLocator(spool, st, nil)
	if _, err := loc.Current(context.Background()); err == nil {
		t.Fatal("expected no fix before any report")
	}

	// A closed store fails persistence; the in-memory fix still serves.
	st.Close()
	fix := platform.Coordinates{Latitude: 52.5, Longitude: 13.4, Accuracy: 10, Time: time.Now()}
	loc.SetFix(fix)

	got, err := loc.Current(context.Background())
	if err != nil {
		t.Fatalf("current after report: %v", err)
	}
	if got.Latitude != fix.Latitude {
		t.Fatalf("got %+v, want %+v", got, fix)
	}
}

func TestIPCSourceLevelsFollowInjectedSignals(t *testing.T) {
	dir := t.TempDir()
	spool, err := newActionSpool(dir)
	if err != nil {
		t.Fatal(err)
	}
	src := newIPCSource(spool)
	ctx := context.Background()

	on, err := src.ReadAirplaneMode(ctx)
	if err != nil || on {
		t.Fatalf("initial airplane level = %v, %v", on, err)
	}

	src.inject(monitor.Signal{
		Kind:    monitor.SignalAirplaneMode,
		Time:    time.Now(),
		Enabled: true,
	})
	if on, _ := src.ReadAirplaneMode(ctx); !on {
		t.Fatal("level did not follow injected enable")
	}

	// Auto-disable spools the request and flips the level.
	if err := src.SetAirplaneMode(ctx, false); err != nil {
		t.Fatal(err)
	}
	if on, _ := src.ReadAirplaneMode(ctx); on {
		t.Fatal("level did not follow SetAirplaneMode")
	}
	actions := readActions(t, dir)
	if len(actions) != 1 || actions[0].Op != "set_airplane_mode" {
		t.Fatalf("expected one set_airplane_mode action, got %v", actions)
	}

	select {
	case sig := <-src.Signals():
		if !sig.Enabled {
			t.Fatal("delivered signal lost its payload")
		}
	default:
		t.Fatal("injected signal was not delivered")
	}
}
