package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentryd/internal/platform"
)

// actionSpool hands actuation requests to the platform collaborators: one
// JSON object per line appended to actions.jsonl inside the state
// directory. The collaborators tail the file and perform the OS-level
// work; the daemon stays free of OS privileges.
type actionSpool struct {
	mu   sync.Mutex
	path string
}

func newActionSpool(dir string) (*actionSpool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &actionSpool{path: filepath.Join(dir, "actions.jsonl")}, nil
}

// action is one spooled request.
type action struct {
	ID   string         `json:"id"`
	Time time.Time      `json:"time"`
	Op   string         `json:"op"`
	Args map[string]any `json:"args,omitempty"`
}

func (s *actionSpool) emit(op string, args map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return &platform.ActuationError{Op: op, Err: err}
	}
	defer f.Close()

	a := action{ID: uuid.NewString(), Time: time.Now().UTC(), Op: op, Args: args}
	data, err := json.Marshal(a)
	if err != nil {
		return &platform.ActuationError{Op: op, Err: err}
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return &platform.ActuationError{Op: op, Err: err}
	}
	return f.Sync()
}

// spoolActuator implements platform.Actuator over the spool.
type spoolActuator struct {
	spool *actionSpool
}

func (a *spoolActuator) Lock(ctx context.Context) error {
	return a.spool.emit("lock", nil)
}

func (a *spoolActuator) Unlock(ctx context.Context) error {
	return a.spool.emit("unlock", nil)
}

func (a *spoolActuator) Wipe(ctx context.Context, reason string) error {
	return a.spool.emit("wipe", map[string]any{"reason": reason})
}

func (a *spoolActuator) TriggerAlarm(ctx context.Context, d time.Duration, ignoreVolume bool) error {
	return a.spool.emit("trigger_alarm", map[string]any{
		"duration_ms":   d.Milliseconds(),
		"ignore_volume": ignoreVolume,
	})
}

func (a *spoolActuator) StopAlarm(ctx context.Context) error {
	return a.spool.emit("stop_alarm", nil)
}

func (a *spoolActuator) EnterLockdownUI(ctx context.Context, message string) error {
	return a.spool.emit("enter_lockdown_ui", map[string]any{"message": message})
}

func (a *spoolActuator) ExitLockdownUI(ctx context.Context) error {
	return a.spool.emit("exit_lockdown_ui", nil)
}

func (a *spoolActuator) SetStealth(ctx context.Context, hidden bool) error {
	return a.spool.emit("set_stealth", map[string]any{"hidden": hidden})
}

func (a *spoolActuator) RestrictFileManager(ctx context.Context, blocked bool) error {
	return a.spool.emit("restrict_file_manager", map[string]any{"blocked": blocked})
}

// spoolEvidence implements platform.Evidence. The returned path is where
// the collaborator will store the artifact.
type spoolEvidence struct {
	spool *actionSpool
	dir   string
}

func (e *spoolEvidence) CaptureFrontPhoto(ctx context.Context, reason string) (string, error) {
	path := filepath.Join(e.dir, "photo-"+uuid.NewString()+".jpg")
	if err := e.spool.emit("capture_front_photo", map[string]any{
		"reason": reason,
		"path":   path,
	}); err != nil {
		return "", err
	}
	return path, nil
}

func (e *spoolEvidence) StartAudio(ctx context.Context, d time.Duration) (string, error) {
	path := filepath.Join(e.dir, "audio-"+uuid.NewString()+".ogg")
	if err := e.spool.emit("start_audio", map[string]any{
		"duration_ms": d.Milliseconds(),
		"path":        path,
	}); err != nil {
		return "", err
	}
	return path, nil
}

// spoolMessenger implements platform.Messenger over the spool. Delivery is
// the telephony collaborator's job; spooling the request is the send.
type spoolMessenger struct {
	spool *actionSpool
}

func (m *spoolMessenger) Send(ctx context.Context, to, body string) error {
	return m.spool.emit("send", map[string]any{"to": to, "body": body})
}
