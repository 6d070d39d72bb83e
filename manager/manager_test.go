package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gopwsh/gopwsh/config"
	"github.com/gopwsh/gopwsh/pwsh"
)

// fakeSession is a scripted ManagedSession for exercising the manager's
// lifecycle and retry logic without a real process.
type fakeSession struct {
	mu     sync.Mutex
	id     string
	status pwsh.Status

	startErrs []error // consumed one per Start call, nil-padded
	execFn    func(command string) (*pwsh.CommandResult, error)

	startCalls   int
	execCalls    int
	cleanupCalls int
	restartCalls int
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Status() pwsh.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) setStatus(s pwsh.Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *fakeSession) Start(ctx context.Context) error {
	f.mu.Lock()
	f.startCalls++
	var err error
	if len(f.startErrs) > 0 {
		err = f.startErrs[0]
		f.startErrs = f.startErrs[1:]
	}
	if err != nil {
		f.status = pwsh.StatusFailed
	} else {
		f.status = pwsh.StatusReady
	}
	f.mu.Unlock()
	return err
}

func (f *fakeSession) Execute(ctx context.Context, command string) (*pwsh.CommandResult, error) {
	f.mu.Lock()
	f.execCalls++
	f.mu.Unlock()
	if f.execFn != nil {
		return f.execFn(command)
	}
	return &pwsh.CommandResult{Output: "ok", Success: true, Command: command}, nil
}

func (f *fakeSession) ExecuteWithTimeout(ctx context.Context, command string, timeout time.Duration) (*pwsh.CommandResult, error) {
	return f.Execute(ctx, command)
}

func (f *fakeSession) Restart(ctx context.Context) error {
	f.mu.Lock()
	f.restartCalls++
	f.status = pwsh.StatusReady
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Cleanup() {
	f.mu.Lock()
	f.cleanupCalls++
	f.status = pwsh.StatusClosed
	f.mu.Unlock()
}

var _ ManagedSession = (*fakeSession)(nil)

func fastRetrySettings() *config.Settings {
	cfg := config.Default()
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelay = config.Duration(time.Millisecond)
	cfg.Retry.MaxDelay = config.Duration(5 * time.Millisecond)
	cfg.Retry.JitterFraction = 0
	return cfg
}

func TestGetSessionLazyAndReused(t *testing.T) {
	created := 0
	m := NewWithFactory(fastRetrySettings(), func(cfg *config.Settings) (ManagedSession, error) {
		created++
		return &fakeSession{id: "s1"}, nil
	})
	defer m.Close()

	ctx := context.Background()
	first, err := m.GetSession(ctx)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	second, err := m.GetSession(ctx)
	if err != nil {
		t.Fatalf("second GetSession failed: %v", err)
	}
	if created != 1 {
		t.Errorf("expected 1 session created, got %d", created)
	}
	if first != second {
		t.Error("healthy session should be reused")
	}
}

func TestGetSessionReplacesUnhealthy(t *testing.T) {
	var sessions []*fakeSession
	m := NewWithFactory(fastRetrySettings(), func(cfg *config.Settings) (ManagedSession, error) {
		s := &fakeSession{id: "s"}
		sessions = append(sessions, s)
		return s, nil
	})
	defer m.Close()

	ctx := context.Background()
	if _, err := m.GetSession(ctx); err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}

	sessions[0].setStatus(pwsh.StatusFailed)

	if _, err := m.GetSession(ctx); err != nil {
		t.Fatalf("GetSession after failure failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected a replacement session, got %d sessions", len(sessions))
	}
	if sessions[0].cleanupCalls == 0 {
		t.Error("failed session should be cleaned up before replacement")
	}
}

func TestStartRetriesTransientFailures(t *testing.T) {
	sess := &fakeSession{id: "s1", startErrs: []error{
		&pwsh.Error{Kind: pwsh.KindProcess, Message: "spawn failed"},
		&pwsh.Error{Kind: pwsh.KindTimeout, Message: "no ready marker"},
		nil,
	}}
	m := NewWithFactory(fastRetrySettings(), func(cfg *config.Settings) (ManagedSession, error) {
		return sess, nil
	})
	defer m.Close()

	if _, err := m.GetSession(context.Background()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if sess.startCalls != 3 {
		t.Errorf("expected 3 start attempts, got %d", sess.startCalls)
	}
}

func TestStartDoesNotRetryConfigurationErrors(t *testing.T) {
	sess := &fakeSession{id: "s1", startErrs: []error{
		&pwsh.Error{Kind: pwsh.KindConfiguration, Message: "bad executable"},
	}}
	m := NewWithFactory(fastRetrySettings(), func(cfg *config.Settings) (ManagedSession, error) {
		return sess, nil
	})
	defer m.Close()

	_, err := m.GetSession(context.Background())
	if !pwsh.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if sess.startCalls != 1 {
		t.Errorf("configuration errors must not be retried, got %d attempts", sess.startCalls)
	}
	if sess.cleanupCalls == 0 {
		t.Error("failed session should be cleaned up")
	}
}

func TestExecuteRetriesOnFreshSessionAfterProcessDeath(t *testing.T) {
	var sessions []*fakeSession
	m := NewWithFactory(fastRetrySettings(), func(cfg *config.Settings) (ManagedSession, error) {
		s := &fakeSession{id: "s"}
		if len(sessions) == 0 {
			s.execFn = func(command string) (*pwsh.CommandResult, error) {
				s.setStatus(pwsh.StatusFailed)
				return nil, &pwsh.Error{Kind: pwsh.KindProcess, Message: "process died", Command: command}
			}
		}
		sessions = append(sessions, s)
		return s, nil
	})
	defer m.Close()

	result, err := m.Execute(context.Background(), "Get-Date")
	if err != nil {
		t.Fatalf("expected success on replacement session, got %v", err)
	}
	if result.Output != "ok" {
		t.Errorf("unexpected result: %q", result.Output)
	}
	if len(sessions) != 2 {
		t.Errorf("expected the retry to run on a fresh session, got %d sessions", len(sessions))
	}
}

func TestExecuteDoesNotRetryChildErrors(t *testing.T) {
	sess := &fakeSession{id: "s1", execFn: func(command string) (*pwsh.CommandResult, error) {
		return nil, &pwsh.Error{Kind: pwsh.KindExecution, Message: "child said no", Command: command}
	}}
	m := NewWithFactory(fastRetrySettings(), func(cfg *config.Settings) (ManagedSession, error) {
		return sess, nil
	})
	defer m.Close()

	_, err := m.Execute(context.Background(), "Invoke-Bad")
	if !pwsh.IsExecution(err) {
		t.Fatalf("expected execution error, got %v", err)
	}
	if sess.execCalls != 1 {
		t.Errorf("child-reported errors must not be retried, got %d attempts", sess.execCalls)
	}
}

func TestExecuteDoesNotRetryTimeouts(t *testing.T) {
	sess := &fakeSession{id: "s1", execFn: func(command string) (*pwsh.CommandResult, error) {
		return nil, &pwsh.Error{Kind: pwsh.KindTimeout, Message: "too slow", Command: command}
	}}
	m := NewWithFactory(fastRetrySettings(), func(cfg *config.Settings) (ManagedSession, error) {
		return sess, nil
	})
	defer m.Close()

	_, err := m.Execute(context.Background(), "Invoke-Slow")
	if !pwsh.IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if sess.execCalls != 1 {
		t.Errorf("timeouts must not be retried (the command may still be running), got %d attempts", sess.execCalls)
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	sess := &fakeSession{id: "s1"}
	m := NewWithFactory(fastRetrySettings(), func(cfg *config.Settings) (ManagedSession, error) {
		return sess, nil
	})

	if _, err := m.GetSession(context.Background()); err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}

	m.Close()
	m.Close() // idempotent

	if sess.cleanupCalls != 1 {
		t.Errorf("expected exactly 1 cleanup, got %d", sess.cleanupCalls)
	}
	if _, err := m.GetSession(context.Background()); !pwsh.IsProcess(err) {
		t.Errorf("expected process error after close, got %v", err)
	}
}

func TestRestartCreatesSessionWhenMissing(t *testing.T) {
	sess := &fakeSession{id: "s1"}
	m := NewWithFactory(fastRetrySettings(), func(cfg *config.Settings) (ManagedSession, error) {
		return sess, nil
	})
	defer m.Close()

	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if sess.startCalls != 1 {
		t.Errorf("expected a fresh session start, got %d", sess.startCalls)
	}

	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("second Restart failed: %v", err)
	}
	if sess.restartCalls != 1 {
		t.Errorf("expected the live session to be restarted, got %d", sess.restartCalls)
	}
}
