package pwsh

import (
	"encoding/json"
	"strings"
)

// Protocol markers. The child process emits these as whole lines on stdout
// to delimit protocol events; everything here is pure text logic, no I/O.
const (
	// MarkerReady is printed exactly once by the bootstrap script before
	// the dispatch loop accepts commands.
	MarkerReady = "SESSION_READY"
	// MarkerSuccess terminates the output of a command that completed.
	MarkerSuccess = "COMMAND_SUCCESS"
	// MarkerError terminates the output of a command that threw.
	MarkerError = "COMMAND_ERROR"
	// MarkerJSONStart and MarkerJSONEnd bracket structured payloads so
	// they can be told apart from plain text output.
	MarkerJSONStart = "JSON_START"
	MarkerJSONEnd   = "JSON_END"
	// ExitCommand makes the dispatch loop exit when received as a line.
	ExitCommand = "EXIT"
)

// bootstrapScript is passed to PowerShell via -Command at spawn time. It
// configures the host for machine consumption, announces readiness, then
// loops: read one command per line from stdin, evaluate it, print the
// result followed by exactly one status marker. Structured results are
// bracketed with the JSON markers.
const bootstrapScript = `
$ErrorActionPreference = 'Stop'
$ProgressPreference = 'SilentlyContinue'
try {
    [Console]::OutputEncoding = [System.Text.Encoding]::UTF8
    $OutputEncoding = [System.Text.Encoding]::UTF8
} catch {
    # keep the host default encoding if the console rejects UTF-8
}
function prompt { return '' }
Write-Output 'SESSION_READY'
while ($true) {
    $line = [Console]::In.ReadLine()
    if ($null -eq $line) { break }
    if ($line -ceq 'EXIT') { break }
    try {
        $result = Invoke-Expression $line
        if ($null -ne $result) {
            if ($result -is [System.Collections.IDictionary] -or
                $result -is [PSCustomObject] -or
                $result -is [Array]) {
                Write-Output 'JSON_START'
                $result | ConvertTo-Json -Depth 10 -Compress
                Write-Output 'JSON_END'
            } else {
                $result | Out-String -Stream | ForEach-Object { $_ }
            }
        }
        Write-Output 'COMMAND_SUCCESS'
    } catch {
        Write-Output ("ERROR_TYPE: " + $_.Exception.GetType().Name)
        Write-Output ("Error: " + $_.Exception.Message)
        Write-Output 'COMMAND_ERROR'
    }
}
`

// BootstrapScript returns the script installed in the child process at
// session initialization.
func BootstrapScript() string {
	return bootstrapScript
}

// WrapCommand produces the exact text written to the child's stdin for one
// command. The dispatch loop reads one command per line, so embedded
// newlines are collapsed into statement separators.
func WrapCommand(command string) string {
	command = strings.TrimRight(command, "\r\n")
	if !strings.ContainsAny(command, "\r\n") {
		return command
	}

	var parts []string
	for _, line := range strings.Split(command, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, "; ")
}

// Outcome is the result of classifying accumulated output.
type Outcome int

const (
	// OutcomeIncomplete: neither marker seen yet; keep reading.
	OutcomeIncomplete Outcome = iota
	// OutcomeSuccess: the success marker terminated the output.
	OutcomeSuccess
	// OutcomeError: the error marker terminated the output.
	OutcomeError
)

// Classification is the decoded view of one command's accumulated output.
type Classification struct {
	Outcome Outcome
	// Body is the command output with the echoed command line and all
	// protocol markers stripped, joined with newlines.
	Body string
}

// Classify scans accumulated output lines for protocol markers.
// An error marker always wins over a success marker, so malformed child
// output (e.g. a stray success marker in the body) is reported as an error
// rather than silently truncated. lastCommand is used to strip the echoed
// command line some hosts produce.
func Classify(lines []string, lastCommand string) Classification {
	errIdx := -1
	okIdx := -1
	for i, line := range lines {
		switch strings.TrimSpace(line) {
		case MarkerError:
			if errIdx < 0 {
				errIdx = i
			}
		case MarkerSuccess:
			if okIdx < 0 {
				okIdx = i
			}
		}
	}

	switch {
	case errIdx >= 0:
		return Classification{Outcome: OutcomeError, Body: joinBody(lines[:errIdx], lastCommand)}
	case okIdx >= 0:
		return Classification{Outcome: OutcomeSuccess, Body: joinBody(lines[:okIdx], lastCommand)}
	default:
		return Classification{Outcome: OutcomeIncomplete}
	}
}

// joinBody strips the echoed command line and any stray markers, then joins
// the remainder with newlines.
func joinBody(lines []string, lastCommand string) string {
	var kept []string
	commandSeen := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch trimmed {
		case MarkerReady, MarkerSuccess, MarkerError:
			continue
		}
		if !commandSeen && lastCommand != "" && trimmed == strings.TrimSpace(lastCommand) {
			commandSeen = true
			continue
		}
		kept = append(kept, line)
	}

	// Trim leading and trailing blank lines, keep interior ones.
	for len(kept) > 0 && strings.TrimSpace(kept[0]) == "" {
		kept = kept[1:]
	}
	for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
		kept = kept[:len(kept)-1]
	}
	return strings.Join(kept, "\n")
}

// TryParseJSON attempts a best-effort JSON decode of a command body.
// It recognizes the JSON sentinel markers, or falls back to a structural
// heuristic (body starts with '{' or '[' and ends with the matching close).
// Returns (nil, false) when the body is not JSON; it never fails.
func TryParseJSON(body string) (any, bool) {
	payload := body

	startIdx := strings.Index(body, MarkerJSONStart)
	endIdx := strings.LastIndex(body, MarkerJSONEnd)
	if startIdx >= 0 && endIdx > startIdx {
		payload = body[startIdx+len(MarkerJSONStart) : endIdx]
	} else {
		trimmed := strings.TrimSpace(body)
		openClose := len(trimmed) >= 2 &&
			((trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}') ||
				(trimmed[0] == '[' && trimmed[len(trimmed)-1] == ']'))
		if !openClose {
			return nil, false
		}
		payload = trimmed
	}

	var value any
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &value); err != nil {
		return nil, false
	}
	return value, true
}

// EnsureJSONCommand appends a ConvertTo-Json stage to a command unless it
// already has one, so the result comes back as a structured payload.
func EnsureJSONCommand(command string) string {
	if strings.Contains(command, "ConvertTo-Json") {
		return command
	}
	return command + " | ConvertTo-Json -Depth 10"
}
