// Package eventlog is the append-only security event log. Every append is
// validated against an embedded JSON schema and runs the retention trim in
// the same transaction, so the row cap holds after each write rather than
// on a background sweep.
//
// Metadata keys are free-form JSON but the daemon sticks to a small
// vocabulary so queries stay useful:
//
//	attempt        failed-unlock attempt number within the current streak
//	window_count   failed unlocks inside the rolling alert window
//	old_state      previous machine state on a mode change
//	new_state      resulting machine state on a mode change
//	source         what initiated a transition (event name, "remote", "cli")
//	reason         why a transition or command was rejected
//	sender         normalized sender address of a remote command
//	command        remote command verb (LOCK, WIPE, LOCATE, ALARM)
//	op             platform operation that failed (lock_device, siren, ...)
//	old_serial     SIM serial before a detected change
//	new_serial     SIM serial after a detected change
//	number         remote party of a call event
//	direction      "incoming" or "outgoing"
//	enabled        boolean state of a toggled setting
package eventlog
