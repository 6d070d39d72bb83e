// Package pwsh drives a persistent PowerShell child process over its
// standard pipes.
//
// One Session owns one process. At startup the process is handed a
// bootstrap script that configures the shell, prints a ready marker, and
// enters a dispatch loop reading commands line by line from stdin. Each
// command's output is framed by terminating markers, so command boundaries
// are unambiguous even though everything shares a single stdout stream.
// Structured results come back as JSON between sentinel markers and are
// decoded best-effort.
//
// Sessions are strictly sequential: one command in flight at a time, with
// explicit timeout, restart, and cleanup semantics. The manager package
// layers lifecycle pooling and retries on top.
package pwsh
