// sentryd - Personal device protection controller
//
//	sentryd setup           Set the owner password and write a default config
//	sentryd daemon          Run the protection daemon
//	sentryd status          Show mode, stealth, and health
//	sentryd log             Show recent security events
//	sentryd mode <target>   Change protection mode
//	sentryd stealth on|off  Toggle stealth presentation
//	sentryd grant           Allow file-manager access briefly
//	sentryd silence         Stop the active alarm
//	sentryd purge           Erase the security event log
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"sentryd/internal/config"
	"sentryd/internal/credential"
	"sentryd/internal/eventlog"
	"sentryd/internal/ipc"
	"sentryd/internal/store"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "setup":
		cmdSetup()
	case "daemon":
		cmdDaemon()
	case "status":
		cmdStatus()
	case "log":
		cmdLog()
	case "mode":
		cmdMode()
	case "stealth":
		cmdStealth()
	case "grant":
		cmdGrant()
	case "silence":
		cmdSilence()
	case "purge":
		cmdPurge()
	case "version", "-v", "--version":
		fmt.Println("sentryd " + version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`sentryd - Personal Device Protection

USAGE:
    sentryd <command> [options]

COMMANDS:
    setup               Set the owner password and write a default config
    daemon              Run the protection daemon
    status              Show current mode, stealth flag, and health
    log                 Show recent security events
    mode <target>       Switch mode: protected, normal, kiosk, panic
    stealth on|off      Hide or reveal the protection UI
    grant [-cancel]     Allow file-manager access briefly (requires password)
    silence             Stop the active alarm (requires password)
    purge               Erase the event log (requires owner password)
    version             Print version
    help                Show this help message

SETUP:
    1. sentryd setup                      # Set password, write config
    2. (edit config: trusted contact)     # Required for Protected mode
    3. sentryd daemon                     # Run the controller
    4. sentryd mode protected             # Arm protection

REMOTE COMMANDS (sent by the trusted contact):
    LOCK#<password>     Lock down the device with the recovery message
    WIPE#<password>     Factory reset; last location is sent first
    LOCATE#<password>   Reply with coordinates and a map link
    ALARM#<password>    Full-volume alarm and Panic mode

Leaving Panic mode requires the correct password twice in a row.`)
}

func cmdSetup() {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "Config file path")
	fs.Parse(os.Args[2:])

	cfg := loadOrDefault(*configPath)
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	guard, err := credential.NewGuard(st, cfg.Guard.MaxAttempts, cfg.LockoutDuration())
	if err != nil {
		fatal("init credential guard: %v", err)
	}

	if guard.IsConfigured() {
		old := promptPassword("Current password: ")
		next := promptNewPassword()
		if err := guard.ChangePassword(old, next); err != nil {
			fatal("change password: %v", err)
		}
		fmt.Println("Password changed.")
		return
	}

	password := promptNewPassword()
	if err := guard.Setup(password); err != nil {
		fatal("set password: %v", err)
	}

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		if err := cfg.Save(*configPath); err != nil {
			fatal("write config: %v", err)
		}
		fmt.Printf("Wrote default config to %s\n", *configPath)
		fmt.Println("Set contact.trusted_sender before enabling Protected mode.")
	}
	fmt.Println("Password set.")
}

func cmdDaemon() {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "Config file path")
	dryRun := fs.Bool("dry-run", false, "Record device actions in memory instead of spooling them")
	fs.Parse(os.Args[2:])

	if err := runDaemon(*configPath, *dryRun); err != nil {
		fatal("%v", err)
	}
}

func cmdStatus() {
	client := ipc.NewClient(socketPath())
	status, err := client.Status()
	if err == nil {
		fmt.Printf("Daemon:      running\n")
		fmt.Printf("Mode:        %s\n", status.Mode)
		fmt.Printf("Stealth:     %v\n", status.Stealth)
		fmt.Printf("Alarm:       %v\n", status.AlarmActive)
		fmt.Printf("Health:      %s\n", status.Health)
		fmt.Printf("Events:      %d\n", status.EventCount)
		if status.LogDegraded {
			fmt.Println("WARNING:     event log is degraded")
		}
		return
	}

	// No daemon; report what the store remembers.
	fmt.Println("Daemon:      not running")
	cfg := loadOrDefault(config.DefaultPath())
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return
	}
	defer st.Close()
	if raw, ok, err := st.GetState("mode_state"); err == nil && ok {
		fmt.Printf("Saved state: %s\n", strings.TrimSpace(string(raw)))
	}
	if count, err := st.CountEvents(); err == nil {
		fmt.Printf("Events:      %d\n", count)
	}
}

func cmdLog() {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	eventType := fs.String("type", "", "Filter by event type")
	since := fs.String("since", "", "Only events after this time (RFC 3339 or duration like 24h)")
	limit := fs.Int("limit", 50, "Maximum events to show")
	fs.Parse(os.Args[2:])

	cfg := loadOrDefault(config.DefaultPath())
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	elog, err := eventlog.New(st, eventlog.Options{MaxRows: cfg.EventLog.MaxEvents})
	if err != nil {
		fatal("open event log: %v", err)
	}

	filter := store.EventFilter{Type: *eventType, Limit: *limit}
	if *since != "" {
		t, err := parseSince(*since)
		if err != nil {
			fatal("parse -since: %v", err)
		}
		filter.SinceNs = t.UnixNano()
	}

	events, err := elog.Recent(filter)
	if err != nil {
		fatal("query events: %v", err)
	}
	if len(events) == 0 {
		fmt.Println("No events.")
		return
	}
	for _, e := range events {
		fmt.Printf("%s  %-20s %s\n", e.Time.Local().Format("2006-01-02 15:04:05"), e.Type, e.Description)
		if e.EvidencePath != "" {
			fmt.Printf("%21s evidence: %s\n", "", e.EvidencePath)
		}
	}
}

func cmdMode() {
	if len(os.Args) < 3 {
		fatal("usage: sentryd mode <protected|normal|kiosk|panic>")
	}
	target := os.Args[2]

	req := &ipc.Request{Op: ipc.OpMode, Target: target}
	if target == "normal" {
		// Exits from guarded modes are verified daemon-side.
		req.Password = promptPassword("Password: ")
	}

	resp, err := ipc.NewClient(socketPath()).Do(req)
	if err != nil {
		fatal("%v", err)
	}
	if !resp.OK {
		fatal("%s", resp.Error)
	}
	fmt.Printf("Mode: %s\n", target)
}

func cmdStealth() {
	if len(os.Args) < 3 || (os.Args[2] != "on" && os.Args[2] != "off") {
		fatal("usage: sentryd stealth on|off")
	}
	hidden := os.Args[2] == "on"

	resp, err := ipc.NewClient(socketPath()).Do(&ipc.Request{Op: ipc.OpStealth, Hidden: hidden})
	if err != nil {
		fatal("%v", err)
	}
	if !resp.OK {
		fatal("%s", resp.Error)
	}
	fmt.Printf("Stealth: %s\n", os.Args[2])
}

func cmdGrant() {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	cancel := fs.Bool("cancel", false, "Revoke the active grant early")
	fs.Parse(os.Args[2:])

	req := &ipc.Request{
		Op:       ipc.OpGrant,
		Password: promptPassword("Password: "),
		Cancel:   *cancel,
	}
	resp, err := ipc.NewClient(socketPath()).Do(req)
	if err != nil {
		fatal("%v", err)
	}
	if !resp.OK {
		fatal("%s", resp.Error)
	}
	if *cancel {
		fmt.Println("Grant revoked.")
	} else {
		fmt.Println("File manager access granted.")
	}
}

func cmdSilence() {
	req := &ipc.Request{
		Op:       ipc.OpSilence,
		Password: promptPassword("Password: "),
	}
	resp, err := ipc.NewClient(socketPath()).Do(req)
	if err != nil {
		fatal("%v", err)
	}
	if !resp.OK {
		fatal("%s", resp.Error)
	}
	fmt.Println("Alarm silenced.")
}

func cmdPurge() {
	cfg := loadOrDefault(config.DefaultPath())
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	guard, err := credential.NewGuard(st, cfg.Guard.MaxAttempts, cfg.LockoutDuration())
	if err != nil {
		fatal("init credential guard: %v", err)
	}

	password := promptPassword("Password: ")
	result, err := guard.Verify(password)
	if err != nil {
		fatal("verify password: %v", err)
	}
	if result.Outcome != credential.OutcomeOk {
		fatal("password rejected")
	}

	elog, err := eventlog.New(st, eventlog.Options{MaxRows: cfg.EventLog.MaxEvents})
	if err != nil {
		fatal("open event log: %v", err)
	}
	n, err := elog.Purge(true)
	if err != nil {
		fatal("purge: %v", err)
	}
	fmt.Printf("Purged %d events.\n", n)
}

func promptNewPassword() string {
	for {
		first := promptPassword("New password: ")
		if len(first) < 4 {
			fmt.Fprintln(os.Stderr, "Password must be at least 4 characters.")
			continue
		}
		second := promptPassword("Confirm password: ")
		if first == second {
			return first
		}
		fmt.Fprintln(os.Stderr, "Passwords do not match, try again.")
	}
}

func promptPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fatal("read password: %v", err)
	}
	return string(raw)
}

// loadOrDefault reads the config file when it exists, falling back to
// defaults so read-only commands work before setup.
func loadOrDefault(path string) *config.Config {
	if _, err := os.Stat(path); err == nil {
		if cfg, err := config.NewLoader(path).Load(); err == nil {
			return cfg
		}
	}
	return config.DefaultConfig()
}

// parseSince accepts an RFC 3339 timestamp or a relative duration.
func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	if days, err := strconv.Atoi(strings.TrimSuffix(s, "d")); err == nil && strings.HasSuffix(s, "d") {
		return time.Now().AddDate(0, 0, -days), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
