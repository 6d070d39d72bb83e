// Package manager owns session lifecycle on behalf of callers that just
// want commands run: lazy creation, health checks, retry with backoff, and
// teardown, plus the Controller convenience facade.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gopwsh/gopwsh/config"
	"github.com/gopwsh/gopwsh/logger"
	"github.com/gopwsh/gopwsh/pwsh"
)

// ManagedSession is the session surface the manager depends on. Tests
// substitute fakes; production code uses *pwsh.Session.
type ManagedSession interface {
	ID() string
	Status() pwsh.Status
	Start(ctx context.Context) error
	Execute(ctx context.Context, command string) (*pwsh.CommandResult, error)
	ExecuteWithTimeout(ctx context.Context, command string, timeout time.Duration) (*pwsh.CommandResult, error)
	Restart(ctx context.Context) error
	Cleanup()
}

var _ ManagedSession = (*pwsh.Session)(nil)

// SessionFactory creates sessions. Injected so tests can supply fakes.
type SessionFactory func(cfg *config.Settings) (ManagedSession, error)

// SessionManager maintains at most one live session, created lazily and
// replaced when it fails. All methods are safe for concurrent use; command
// execution is serialized by the underlying session's one-in-flight rule.
type SessionManager struct {
	mu      sync.Mutex
	cfg     *config.Settings
	factory SessionFactory
	retry   pwsh.RetryPolicy
	log     *slog.Logger
	sess    ManagedSession
	closed  bool
}

// New creates a manager producing real PowerShell sessions.
func New(cfg *config.Settings) *SessionManager {
	return NewWithFactory(cfg, func(cfg *config.Settings) (ManagedSession, error) {
		return pwsh.NewSession(cfg)
	})
}

// NewWithFactory creates a manager with a custom session factory.
func NewWithFactory(cfg *config.Settings, factory SessionFactory) *SessionManager {
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.Debug {
		logger.SetDebug(true)
	}
	return &SessionManager{
		cfg:     cfg,
		factory: factory,
		retry:   pwsh.PolicyFromSettings(cfg.Retry),
		log:     logger.WithComponent("session-manager"),
	}
}

// GetSession returns the current healthy session, creating and starting one
// if needed. Startup failures are retried per the configured policy; the
// last attempt's error is returned unchanged.
func (m *SessionManager) GetSession(ctx context.Context) (ManagedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getSessionLocked(ctx)
}

func (m *SessionManager) getSessionLocked(ctx context.Context) (ManagedSession, error) {
	if m.closed {
		return nil, &pwsh.Error{Kind: pwsh.KindProcess, Message: "session manager is closed"}
	}

	if m.sess != nil {
		switch m.sess.Status() {
		case pwsh.StatusReady, pwsh.StatusBusy:
			return m.sess, nil
		}
		// Stale session: tear it down and fall through to create a fresh one.
		m.log.Info("discarding unhealthy session", "session", m.sess.ID(), "status", m.sess.Status())
		m.sess.Cleanup()
		m.sess = nil
	}

	sess, err := m.factory(m.cfg)
	if err != nil {
		return nil, err
	}

	err = m.retry.Do(ctx, m.log, sess.Start, pwsh.StartupRetryable)
	if err != nil {
		sess.Cleanup()
		return nil, err
	}

	m.log.Info("session created", "session", sess.ID())
	m.sess = sess
	return sess, nil
}

// Execute runs a command on the managed session. Infrastructure failures
// (process death, pipe errors) are retried on a fresh session; errors the
// child itself reported, and execution timeouts, are returned as-is.
func (m *SessionManager) Execute(ctx context.Context, command string) (*pwsh.CommandResult, error) {
	return m.execute(ctx, command, 0)
}

// ExecuteWithTimeout is Execute with a per-call timeout override.
func (m *SessionManager) ExecuteWithTimeout(ctx context.Context, command string, timeout time.Duration) (*pwsh.CommandResult, error) {
	return m.execute(ctx, command, timeout)
}

func (m *SessionManager) execute(ctx context.Context, command string, timeout time.Duration) (*pwsh.CommandResult, error) {
	var result *pwsh.CommandResult

	err := m.retry.Do(ctx, m.log, func(ctx context.Context) error {
		sess, err := m.GetSession(ctx)
		if err != nil {
			return err
		}

		if timeout > 0 {
			result, err = sess.ExecuteWithTimeout(ctx, command, timeout)
		} else {
			result, err = sess.Execute(ctx, command)
		}
		if err != nil && pwsh.ExecuteRetryable(err) {
			// The session is gone; drop it so the next attempt starts fresh.
			m.Reset()
		}
		return err
	}, pwsh.ExecuteRetryable)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reset discards the current session, if any. The next GetSession creates a
// fresh one.
func (m *SessionManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		m.log.Info("resetting session", "session", m.sess.ID())
		m.sess.Cleanup()
		m.sess = nil
	}
}

// Restart replaces the current session's process while keeping its
// identity. With no current session it simply creates one.
func (m *SessionManager) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &pwsh.Error{Kind: pwsh.KindProcess, Message: "session manager is closed"}
	}
	if m.sess == nil {
		_, err := m.getSessionLocked(ctx)
		return err
	}
	return m.retry.Do(ctx, m.log, m.sess.Restart, pwsh.StartupRetryable)
}

// Close tears down the current session and rejects further use. Idempotent.
func (m *SessionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.sess != nil {
		m.sess.Cleanup()
		m.sess = nil
	}
	m.log.Info("session manager closed")
}
