package pwsh

import "time"

// CommandResult is the outcome of one executed command.
type CommandResult struct {
	// Output is the raw text body with markers and the echoed command
	// stripped.
	Output string
	// JSON is the decoded structured payload when the body parsed as
	// JSON, nil otherwise. Decoding is always best-effort.
	JSON any
	// Error carries the child's error text when Success is false.
	Error string
	// Success reports whether the child emitted the success marker.
	Success bool
	// Command is the original command text as submitted.
	Command string
	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// Value returns the decoded JSON payload when present, the raw output
// string otherwise.
func (r *CommandResult) Value() any {
	if r.JSON != nil {
		return r.JSON
	}
	return r.Output
}
