package manager

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/gopwsh/gopwsh/config"
	"github.com/gopwsh/gopwsh/logger"
	"github.com/gopwsh/gopwsh/pwsh"

	"log/slog"
)

// Controller is the high-level entry point: run commands and scripts, fetch
// structured results, poke at the child's environment. It hides session
// lifecycle entirely; every call transparently creates, reuses, or replaces
// the underlying session as needed.
type Controller struct {
	manager *SessionManager
	log     *slog.Logger
}

// NewController builds a controller over the given settings. Nil settings
// mean defaults.
func NewController(cfg *config.Settings) *Controller {
	return &Controller{
		manager: New(cfg),
		log:     logger.WithComponent("controller"),
	}
}

// NewControllerFromFile builds a controller from a YAML config file.
func NewControllerFromFile(path string) (*Controller, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &pwsh.Error{Kind: pwsh.KindConfiguration, Message: "failed to load settings", Err: err}
	}
	return NewController(cfg), nil
}

// newControllerWithManager is the test seam.
func newControllerWithManager(m *SessionManager) *Controller {
	return &Controller{manager: m, log: logger.WithComponent("controller")}
}

// Execute runs one command and returns its result.
func (c *Controller) Execute(ctx context.Context, command string) (*pwsh.CommandResult, error) {
	return c.manager.Execute(ctx, command)
}

// ExecuteWithTimeout runs one command with a per-call timeout.
func (c *Controller) ExecuteWithTimeout(ctx context.Context, command string, timeout time.Duration) (*pwsh.CommandResult, error) {
	return c.manager.ExecuteWithTimeout(ctx, command, timeout)
}

// GetJSON runs a command forced through ConvertTo-Json and returns the
// decoded value. A command whose output does not decode is an execution
// error carrying the raw output for diagnosis.
func (c *Controller) GetJSON(ctx context.Context, command string) (any, error) {
	result, err := c.manager.Execute(ctx, pwsh.EnsureJSONCommand(command))
	if err != nil {
		return nil, err
	}
	if result.JSON == nil {
		return nil, &pwsh.Error{
			Kind:    pwsh.KindExecution,
			Message: "command output is not valid JSON",
			Command: command,
			Detail:  result.Output,
		}
	}
	return result.JSON, nil
}

// ExecuteScript runs a multi-line script as a single command. Lines are
// collapsed into statement separators by the wire framing, so the script
// shares one success-or-error outcome.
func (c *Controller) ExecuteScript(ctx context.Context, lines []string) (*pwsh.CommandResult, error) {
	return c.manager.Execute(ctx, strings.Join(lines, "\n"))
}

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// GetEnvironmentVariable reads an environment variable from the child
// process. Empty output means the variable is unset.
func (c *Controller) GetEnvironmentVariable(ctx context.Context, name string) (string, error) {
	if !envNamePattern.MatchString(name) {
		return "", &pwsh.Error{Kind: pwsh.KindConfiguration, Message: "invalid environment variable name " + name}
	}
	result, err := c.manager.Execute(ctx, "$env:"+name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Output), nil
}

// SetEnvironmentVariable sets an environment variable in the child process.
// The value is single-quoted with embedded quotes doubled, so arbitrary
// text round-trips without being evaluated.
func (c *Controller) SetEnvironmentVariable(ctx context.Context, name, value string) error {
	if !envNamePattern.MatchString(name) {
		return &pwsh.Error{Kind: pwsh.KindConfiguration, Message: "invalid environment variable name " + name}
	}
	quoted := "'" + strings.ReplaceAll(value, "'", "''") + "'"
	_, err := c.manager.Execute(ctx, "$env:"+name+" = "+quoted)
	return err
}

// TestConnection verifies the session answers a trivial command.
func (c *Controller) TestConnection(ctx context.Context) bool {
	result, err := c.manager.Execute(ctx, "Write-Output 'CONNECTION_TEST'")
	if err != nil {
		c.log.Warn("connection test failed", "error", err)
		return false
	}
	return strings.Contains(result.Output, "CONNECTION_TEST")
}

// Restart replaces the underlying session process.
func (c *Controller) Restart(ctx context.Context) error {
	return c.manager.Restart(ctx)
}

// Close tears everything down. Idempotent.
func (c *Controller) Close() {
	c.manager.Close()
}
