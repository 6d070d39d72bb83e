package pwsh

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gopwsh/gopwsh/config"
	"github.com/gopwsh/gopwsh/logger"
)

// Status is the session lifecycle state.
type Status int

const (
	StatusNotStarted Status = iota
	StatusStarting
	StatusReady
	StatusBusy
	StatusShuttingDown
	StatusClosed
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not-started"
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusBusy:
		return "busy"
	case StatusShuttingDown:
		return "shutting-down"
	case StatusClosed:
		return "closed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is one live conversation with a single PowerShell child process.
//
// A Session owns its process exclusively: stdin for commands, stdout/stderr
// drained by two reader goroutines onto bounded queues. Commands are
// strictly sequential — a Session is not reentrant and callers must not
// invoke Execute concurrently (SessionManager enforces this at the
// current-session granularity).
//
// After an execution timeout the session is degraded: the timed-out
// command's stray output may still arrive. The next Execute (or Restart)
// drains and discards buffered output within a bounded grace window before
// writing the new command, so output from two commands never cross-talks.
type Session struct {
	id    string
	cfg   *config.Settings
	log   *slog.Logger
	spawn Spawner

	mu       sync.Mutex
	status   Status
	proc     childProcess
	outCh    chan lineEvent
	errCh    chan lineEvent
	degraded bool
}

// Option configures a Session at construction.
type Option func(*Session)

// WithSpawner replaces the process spawner. Tests use this to stand in a
// scripted fake child.
func WithSpawner(sp Spawner) Option {
	return func(s *Session) { s.spawn = sp }
}

// WithLogger replaces the session logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// NewSession creates a session from validated settings. Configuration
// problems — including an executable that cannot be found — are reported
// here, not deferred to Start.
func NewSession(cfg *config.Settings, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, wrapError(KindConfiguration, err, "invalid settings")
	}

	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		status: StatusNotStarted,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.WithSession(s.id)
	}
	if s.spawn == nil {
		s.spawn = spawnProcess
		if _, err := exec.LookPath(cfg.Executable); err != nil {
			return nil, wrapError(KindConfiguration, err, "executable %q not found on PATH", cfg.Executable)
		}
	}

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start spawns the child process and performs the startup handshake,
// waiting up to the startup timeout for the ready marker. Calling Start on
// a session that is already ready is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusReady:
		s.mu.Unlock()
		return nil
	case StatusNotStarted, StatusClosed:
	default:
		status := s.status
		s.mu.Unlock()
		return newError(KindProcess, "cannot start session in %s state", status)
	}
	s.status = StatusStarting
	s.mu.Unlock()

	s.log.Info("starting session", "executable", s.cfg.Executable)
	startTime := time.Now()

	proc, err := s.spawn(s.cfg)
	if err != nil {
		s.mu.Lock()
		s.status = StatusFailed
		s.mu.Unlock()
		s.log.Error("failed to spawn process", "error", err)
		return err
	}

	outCh := make(chan lineEvent, readerQueueSize)
	errCh := make(chan lineEvent, readerQueueSize)
	go readLines("stdout", proc.Stdout(), outCh, s.log)
	go readLines("stderr", proc.Stderr(), errCh, s.log)

	s.mu.Lock()
	s.proc = proc
	s.outCh = outCh
	s.errCh = errCh
	s.degraded = false
	s.mu.Unlock()

	if err := s.waitForReady(ctx); err != nil {
		s.log.Error("startup handshake failed", "error", err)
		s.teardown()
		s.mu.Lock()
		s.status = StatusFailed
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.status = StatusReady
	s.mu.Unlock()

	s.log.Info("session ready", "elapsed", time.Since(startTime), "pid", proc.Pid())
	return nil
}

// waitForReady polls the output queue for the ready marker, bounded by the
// startup timeout.
func (s *Session) waitForReady(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.Timeouts.Startup.Std())
	poll := s.cfg.Timeouts.ReadPoll.Std()
	var stderrLines []string

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &Error{
				Kind:    KindTimeout,
				Message: "no " + MarkerReady + " within " + s.cfg.Timeouts.Startup.Std().String(),
				Detail:  strings.Join(stderrLines, "\n"),
			}
		}
		if remaining > poll {
			remaining = poll
		}

		select {
		case ev, ok := <-s.outCh:
			if !ok {
				return &Error{
					Kind:    KindProcess,
					Message: "process died during startup: " + describeExit(s.proc),
					Detail:  strings.Join(stderrLines, "\n"),
				}
			}
			if ev.Err != nil {
				return ev.Err
			}
			if strings.TrimSpace(ev.Line) == MarkerReady {
				return nil
			}
			// Pre-handshake noise (banners, profile warnings) is ignored.
			s.log.Debug("pre-ready output", "line", ev.Line)

		case ev, ok := <-s.errCh:
			if ok && ev.Err == nil {
				stderrLines = append(stderrLines, ev.Line)
			}

		case <-ctx.Done():
			return wrapError(KindTimeout, ctx.Err(), "startup aborted before ready marker")

		case <-time.After(remaining):
		}
	}
}

// Execute runs one command with the configured execution timeout.
func (s *Session) Execute(ctx context.Context, command string) (*CommandResult, error) {
	return s.ExecuteWithTimeout(ctx, command, s.cfg.Timeouts.Execute.Std())
}

// ExecuteWithTimeout runs one command, waiting up to timeout for its
// terminating marker.
//
// On success the body is returned with best-effort JSON decoding. A child-
// reported failure surfaces as a KindExecution error carrying the child's
// error text verbatim. A timeout surfaces as KindTimeout, leaves the
// command running in the child (PowerShell has no per-command abort), and
// flags the session degraded; the next call drains stale output first.
func (s *Session) ExecuteWithTimeout(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	wrapped := WrapCommand(command)

	s.mu.Lock()
	switch s.status {
	case StatusReady:
	case StatusBusy:
		s.mu.Unlock()
		return nil, &Error{Kind: KindProcess, Message: "a command is already in flight", Command: command}
	default:
		status := s.status
		s.mu.Unlock()
		return nil, &Error{Kind: KindProcess, Message: "session not running (status " + status.String() + ")", Command: command}
	}
	proc := s.proc
	outCh := s.outCh
	errCh := s.errCh
	degraded := s.degraded
	if proc == nil || !proc.Alive() {
		s.status = StatusFailed
		s.mu.Unlock()
		return nil, &Error{Kind: KindProcess, Message: "process is not alive", Command: command}
	}
	s.status = StatusBusy
	s.mu.Unlock()

	if degraded {
		s.drainStale(outCh, errCh)
	}

	s.log.Debug("executing command", "command", command, "timeout", timeout)
	start := time.Now()

	if err := writeLine(proc.Stdin(), wrapped); err != nil {
		s.mu.Lock()
		s.status = StatusFailed
		s.mu.Unlock()
		return nil, &Error{Kind: KindCommunication, Message: "failed to send command", Command: command, Err: err}
	}

	result, err := s.readUntilMarker(ctx, command, wrapped, outCh, errCh, timeout, start)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// readUntilMarker pulls output lines until classification yields a terminal
// outcome or the timeout elapses.
func (s *Session) readUntilMarker(ctx context.Context, command, wrapped string, outCh, errCh chan lineEvent, timeout time.Duration, start time.Time) (*CommandResult, error) {
	deadline := start.Add(timeout)
	poll := s.cfg.Timeouts.ReadPoll.Std()
	var lines []string
	var stderrLines []string

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.markDegraded()
			s.log.Warn("command timed out", "command", command, "timeout", timeout)
			return nil, &Error{
				Kind:    KindTimeout,
				Message: "no terminating marker within " + timeout.String(),
				Command: command,
				Detail:  strings.Join(lines, "\n"),
			}
		}
		if remaining > poll {
			remaining = poll
		}

		select {
		case ev, ok := <-outCh:
			if !ok {
				s.failBusy()
				return nil, &Error{
					Kind:    KindProcess,
					Message: "process died during command: " + describeExit(s.procRef()),
					Command: command,
					Detail:  strings.Join(stderrLines, "\n"),
				}
			}
			if ev.Err != nil {
				s.failBusy()
				return nil, &Error{Kind: KindCommunication, Message: "read failed during command", Command: command, Err: ev.Err}
			}
			lines = append(lines, ev.Line)

			cls := Classify(lines, wrapped)
			switch cls.Outcome {
			case OutcomeSuccess:
				return s.finishSuccess(command, cls.Body, stderrLines, time.Since(start)), nil
			case OutcomeError:
				s.finishReady()
				s.log.Debug("command reported error", "command", command)
				return nil, &Error{
					Kind:    KindExecution,
					Message: firstLine(cls.Body),
					Command: command,
					Detail:  cls.Body,
				}
			}

		case ev, ok := <-errCh:
			if ok && ev.Err == nil {
				stderrLines = append(stderrLines, ev.Line)
			}

		case <-ctx.Done():
			s.markDegraded()
			return nil, &Error{
				Kind:    KindTimeout,
				Message: "command aborted: " + ctx.Err().Error(),
				Command: command,
				Detail:  strings.Join(lines, "\n"),
			}

		case <-time.After(remaining):
		}
	}
}

// finishSuccess assembles the result and returns the session to ready.
func (s *Session) finishSuccess(command, body string, stderrLines []string, elapsed time.Duration) *CommandResult {
	result := &CommandResult{
		Output:   body,
		Success:  true,
		Command:  command,
		Duration: elapsed,
	}
	if value, ok := TryParseJSON(body); ok {
		result.JSON = value
	}
	if len(stderrLines) > 0 {
		// Success with stderr output is a warning condition, not a failure.
		result.Error = strings.Join(stderrLines, "\n")
		s.log.Warn("command succeeded with stderr output", "command", command)
	}

	s.finishReady()
	s.log.Debug("command completed", "command", command, "elapsed", elapsed)
	return result
}

// finishReady transitions Busy → Ready and clears the degraded flag.
func (s *Session) finishReady() {
	s.mu.Lock()
	if s.status == StatusBusy {
		s.status = StatusReady
	}
	s.degraded = false
	s.mu.Unlock()
}

// markDegraded returns the session to ready but flags it so the next
// command drains stale output first.
func (s *Session) markDegraded() {
	s.mu.Lock()
	if s.status == StatusBusy {
		s.status = StatusReady
	}
	s.degraded = true
	s.mu.Unlock()
}

// failBusy transitions Busy → Failed after an unrecoverable error.
func (s *Session) failBusy() {
	s.mu.Lock()
	s.status = StatusFailed
	s.mu.Unlock()
}

func (s *Session) procRef() childProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// drainStale discards buffered output left behind by a timed-out command.
// The drain is bounded: it stops once the queues have been quiet for one
// poll interval, or after a hard cap for a child that streams endlessly.
func (s *Session) drainStale(outCh, errCh chan lineEvent) {
	poll := s.cfg.Timeouts.ReadPoll.Std()
	hardStop := time.Now().Add(10 * poll)
	discarded := 0

	for time.Now().Before(hardStop) {
		select {
		case _, ok := <-outCh:
			if !ok {
				return
			}
			discarded++
		case _, ok := <-errCh:
			if !ok {
				return
			}
			discarded++
		case <-time.After(poll):
			if discarded > 0 {
				s.log.Debug("drained stale output", "lines", discarded)
			}
			return
		}
	}
	s.log.Warn("stale output drain hit cap", "lines", discarded)
}

// Restart tears the current process down and starts a fresh one, keeping
// the session's identity and configuration.
func (s *Session) Restart(ctx context.Context) error {
	s.log.Info("restarting session")
	s.Cleanup()
	s.mu.Lock()
	s.status = StatusNotStarted
	s.mu.Unlock()
	return s.Start(ctx)
}

// Cleanup terminates the child process and releases all resources. It is
// idempotent and never fails observably: already-torn-down resources are
// logged and skipped.
func (s *Session) Cleanup() {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = StatusShuttingDown
	s.mu.Unlock()

	s.teardown()

	s.mu.Lock()
	s.status = StatusClosed
	s.mu.Unlock()
	s.log.Info("session closed")
}

// teardown stops the process and drains the reader queues. Safe to call
// with no process.
func (s *Session) teardown() {
	s.mu.Lock()
	proc := s.proc
	outCh := s.outCh
	errCh := s.errCh
	s.proc = nil
	s.outCh = nil
	s.errCh = nil
	s.degraded = false
	s.mu.Unlock()

	if proc != nil {
		// Ask the dispatch loop to exit, then close stdin so a wedged
		// child still sees EOF.
		if err := writeLine(proc.Stdin(), ExitCommand); err != nil {
			s.log.Debug("exit sentinel not delivered", "error", err)
		}
		if err := proc.Stdin().Close(); err != nil {
			s.log.Debug("stdin close failed", "error", err)
		}

		select {
		case <-proc.WaitDone():
			s.log.Debug("process exited gracefully")
		case <-time.After(s.cfg.Timeouts.Shutdown.Std()):
			s.log.Warn("process did not exit, killing", "pid", proc.Pid())
			if err := proc.Kill(); err != nil {
				s.log.Debug("kill failed", "error", err)
			}
			<-proc.WaitDone()
		}
	}

	// The readers close their channels on EOF, which the process exit
	// guarantees. Drain whatever is left so nothing blocks on the bounded
	// queues.
	if outCh != nil {
		for range outCh {
		}
	}
	if errCh != nil {
		for range errCh {
		}
	}
}

// firstLine returns the first non-empty line of text, or the whole text.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line)
		}
	}
	return strings.TrimSpace(text)
}
