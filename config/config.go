// Package config holds the controller settings: which PowerShell binary to
// run, how to talk to it, and how patient to be with it.
//
// Settings are loaded from a YAML file (config.yaml under the gopwsh config
// directory by default) and validated eagerly, so a bad executable path or a
// nonsensical timeout surfaces at load time rather than mid-session.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gopwsh/gopwsh/paths"
)

// Duration is a time.Duration that unmarshals from YAML either as a Go
// duration string ("30s", "1.5m") or as a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var asString string
	if err := node.Decode(&asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", asString, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var asSeconds float64
	if err := node.Decode(&asSeconds); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds")
	}
	*d = Duration(time.Duration(asSeconds * float64(time.Second)))
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TimeoutSettings holds the four timeout knobs the session honors.
type TimeoutSettings struct {
	// Startup bounds the wait for the ready marker after spawning.
	Startup Duration `yaml:"startup" json:"startup"`
	// Execute is the default per-command timeout (overridable per call).
	Execute Duration `yaml:"execute" json:"execute"`
	// Shutdown bounds the graceful-exit wait before escalating to kill.
	Shutdown Duration `yaml:"shutdown" json:"shutdown"`
	// ReadPoll is the poll interval of the output read loop.
	ReadPoll Duration `yaml:"read_poll" json:"read_poll"`
}

// RetrySettings configures the retry policy for transient failures.
type RetrySettings struct {
	MaxAttempts    int      `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay      Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay       Duration `yaml:"max_delay" json:"max_delay"`
	JitterFraction float64  `yaml:"jitter_fraction" json:"jitter_fraction"`
}

// Settings is the full configuration consumed by the session layer.
type Settings struct {
	// Executable is the PowerShell binary to spawn ("pwsh" or
	// "powershell.exe"). Empty means auto-detect.
	Executable string `yaml:"executable" json:"executable"`
	// Args are the CLI arguments passed to the executable.
	Args []string `yaml:"args" json:"args"`
	// Env holds extra environment variables set on the child process.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// WorkingDir is the child process working directory (empty = inherit).
	WorkingDir string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	// Encoding is the text encoding of the wire ("utf-8").
	Encoding string `yaml:"encoding" json:"encoding"`

	Timeouts TimeoutSettings `yaml:"timeouts" json:"timeouts"`
	Retry    RetrySettings   `yaml:"retry" json:"retry"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug,omitempty" json:"debug,omitempty"`
}

// Default returns settings matching the documented defaults: no profile,
// no logo, non-interactive, execution policy bypassed, UTF-8, 30s startup
// and command timeouts, 10s shutdown.
func Default() *Settings {
	return &Settings{
		Executable: DetectExecutable(),
		Args: []string{
			"-NoLogo",
			"-NoProfile",
			"-NonInteractive",
			"-ExecutionPolicy", "Bypass",
		},
		Encoding: "utf-8",
		Timeouts: TimeoutSettings{
			Startup:  Duration(30 * time.Second),
			Execute:  Duration(30 * time.Second),
			Shutdown: Duration(10 * time.Second),
			ReadPoll: Duration(100 * time.Millisecond),
		},
		Retry: RetrySettings{
			MaxAttempts:    3,
			BaseDelay:      Duration(1 * time.Second),
			MaxDelay:       Duration(10 * time.Second),
			JitterFraction: 0.25,
		},
	}
}

// DetectExecutable returns the first PowerShell binary found on the PATH,
// preferring pwsh (PowerShell 7+) over Windows PowerShell. Falls back to a
// platform-appropriate name when neither is installed so the eventual spawn
// error names the binary that was expected.
func DetectExecutable() string {
	if _, err := exec.LookPath("pwsh"); err == nil {
		return "pwsh"
	}
	if runtime.GOOS == "windows" {
		if _, err := exec.LookPath("powershell.exe"); err == nil {
			return "powershell.exe"
		}
		return "powershell.exe"
	}
	return "pwsh"
}

// Load reads settings from the given YAML file, layered over defaults.
// A missing file yields the defaults. The result is always validated.
func Load(path string) (*Settings, error) {
	s := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, s.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadDefault reads settings from the standard config file location.
func LoadDefault() (*Settings, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Validate checks the settings for internal consistency. It does not probe
// the filesystem for the executable; that check belongs to session
// construction where the failure is reported with full context.
func (s *Settings) Validate() error {
	if s.Executable == "" {
		return fmt.Errorf("executable must not be empty")
	}
	switch s.Encoding {
	case "", "utf-8", "utf8":
	default:
		return fmt.Errorf("unsupported encoding %q (only utf-8 is supported)", s.Encoding)
	}
	if s.Timeouts.Startup <= 0 {
		return fmt.Errorf("timeouts.startup must be positive, got %s", s.Timeouts.Startup.Std())
	}
	if s.Timeouts.Execute <= 0 {
		return fmt.Errorf("timeouts.execute must be positive, got %s", s.Timeouts.Execute.Std())
	}
	if s.Timeouts.Shutdown <= 0 {
		return fmt.Errorf("timeouts.shutdown must be positive, got %s", s.Timeouts.Shutdown.Std())
	}
	if s.Timeouts.ReadPoll <= 0 {
		return fmt.Errorf("timeouts.read_poll must be positive, got %s", s.Timeouts.ReadPoll.Std())
	}
	if s.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", s.Retry.MaxAttempts)
	}
	if s.Retry.BaseDelay < 0 || s.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if s.Retry.JitterFraction < 0 || s.Retry.JitterFraction >= 1 {
		return fmt.Errorf("retry.jitter_fraction must be in [0, 1), got %v", s.Retry.JitterFraction)
	}
	return nil
}

// Save writes the settings to the given path as YAML.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
