// Package tmux wraps the external tmux CLI with the idempotent
// session create/kill operations and the installed-check the session
// manager needs (§4.C). Grounded on the teacher's terminal.buildCommand, which
// already shells out to `tmux new-session -A -s <name>` to anchor a
// web-terminal child to a persistent shell.
package tmux

import (
	"fmt"
	"os/exec"
)

// Client shells out to the tmux binary. The zero value is ready to use.
type Client struct {
	// Bin overrides the tmux executable name, mainly for tests.
	Bin string
}

func (c *Client) bin() string {
	if c.Bin != "" {
		return c.Bin
	}
	return "tmux"
}

// IsInstalled is a one-shot capability probe for the tmux binary.
func (c *Client) IsInstalled() bool {
	_, err := exec.LookPath(c.bin())
	return err == nil
}

func (c *Client) hasSession(name string) bool {
	cmd := exec.Command(c.bin(), "has-session", "-t", name)
	return cmd.Run() == nil
}

// EnsureSession creates a detached tmux session named name anchored at
// cwd if one does not already exist. Idempotent: if the session
// already exists, it returns immediately.
func (c *Client) EnsureSession(name, cwd string) error {
	if c.hasSession(name) {
		return nil
	}
	cmd := exec.Command(c.bin(), "new-session", "-d", "-s", name, "-c", cwd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session %s: %w (%s)", name, err, out)
	}
	return nil
}

// KillSession removes the named tmux session, best-effort. A session
// that does not exist is not an error.
func (c *Client) KillSession(name string) error {
	if !c.hasSession(name) {
		return nil
	}
	cmd := exec.Command(c.bin(), "kill-session", "-t", name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux kill-session %s: %w (%s)", name, err, out)
	}
	return nil
}

// AttachCommand returns the argv that attaches to (or creates, via -A)
// the named tmux session, for use as the child terminal server's
// launch command (§4.D step 5).
func AttachCommand(name string) []string {
	return []string{"tmux", "new-session", "-A", "-s", name}
}
