package pwsh

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gopwsh/gopwsh/config"
)

// childProcess abstracts the spawned PowerShell process so tests can stand
// in a scripted fake. The real implementation wraps exec.Cmd.
type childProcess interface {
	// Stdin is the pipe commands are written to.
	Stdin() io.WriteCloser
	// Stdout and Stderr are the pipes the line readers drain.
	Stdout() io.Reader
	Stderr() io.Reader
	// Alive reports whether the process has not yet exited.
	Alive() bool
	// WaitDone is closed once the process has exited.
	WaitDone() <-chan struct{}
	// Kill force-terminates the process and its descendants.
	Kill() error
	// Pid returns the OS process ID, or 0 for fakes.
	Pid() int
}

// Spawner starts a child process running the given bootstrap script.
type Spawner func(cfg *config.Settings) (childProcess, error)

// realChild wraps a live exec.Cmd.
type realChild struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitDone chan struct{}
	waitMu   sync.Mutex
	waitErr  error
}

// spawnProcess starts the PowerShell executable with the configured argument
// set plus the bootstrap script, wires up the three pipes, and begins
// monitoring process exit. The sole caller of cmd.Wait() is the monitor
// goroutine started here; everyone else observes exit via WaitDone.
func spawnProcess(cfg *config.Settings) (childProcess, error) {
	if _, err := exec.LookPath(cfg.Executable); err != nil {
		return nil, wrapError(KindProcess, err, "executable %q not found", cfg.Executable)
	}

	args := append([]string{}, cfg.Args...)
	args = append(args, "-Command", BootstrapScript())

	cmd := exec.Command(cfg.Executable, args...)
	cmd.Dir = cfg.WorkingDir
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, wrapError(KindProcess, err, "failed to get stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, wrapError(KindProcess, err, "failed to get stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, wrapError(KindProcess, err, "failed to get stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, wrapError(KindProcess, err, "failed to start %s", cfg.Executable)
	}

	c := &realChild{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		waitDone: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		c.waitMu.Lock()
		c.waitErr = err
		c.waitMu.Unlock()
		close(c.waitDone)
	}()

	// Liveness probe: a process that exits within the grace period never
	// reached the dispatch loop (bad flags, missing runtime, crash on load).
	select {
	case <-c.waitDone:
		return nil, newError(KindProcess, "%s exited immediately after start: %v", cfg.Executable, c.exitError())
	case <-time.After(50 * time.Millisecond):
	}

	return c, nil
}

func (c *realChild) Stdin() io.WriteCloser { return c.stdin }
func (c *realChild) Stdout() io.Reader     { return c.stdout }
func (c *realChild) Stderr() io.Reader     { return c.stderr }

func (c *realChild) WaitDone() <-chan struct{} { return c.waitDone }

func (c *realChild) Alive() bool {
	select {
	case <-c.waitDone:
		return false
	default:
		return true
	}
}

func (c *realChild) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Kill force-terminates the process tree. Descendants are killed first so
// commands that spawned their own children don't leave orphans behind.
func (c *realChild) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	killDescendants(c.cmd.Process.Pid)
	return c.cmd.Process.Kill()
}

func (c *realChild) exitError() error {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitErr
}

// killDescendants best-effort kills the children of pid before pid itself
// dies, walking the process tree with platform tooling.
func killDescendants(pid int) {
	switch runtime.GOOS {
	case "windows":
		// taskkill /T covers the whole tree including pid itself.
		exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
	default:
		out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
		if err != nil {
			return
		}
		for _, field := range strings.Fields(string(out)) {
			child, err := strconv.Atoi(field)
			if err != nil {
				continue
			}
			killDescendants(child)
			exec.Command("kill", "-9", strconv.Itoa(child)).Run()
		}
	}
}

// writeLine writes one protocol line to the child's stdin, appending the
// newline the dispatch loop expects.
func writeLine(w io.Writer, text string) error {
	if w == nil {
		return newError(KindCommunication, "stdin pipe is closed")
	}
	if _, err := io.WriteString(w, text+"\n"); err != nil {
		return wrapError(KindCommunication, err, "failed to write to process stdin")
	}
	return nil
}

// describeExit renders a process exit for error messages.
func describeExit(c childProcess) string {
	if rc, ok := c.(*realChild); ok {
		if err := rc.exitError(); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("pid %d exited cleanly", rc.Pid())
	}
	return "process exited"
}
