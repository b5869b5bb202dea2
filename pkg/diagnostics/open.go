// Trace viewer links and the OS command that opens them
package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// TraceURL joins the trace UI base URL and a trace id.
func TraceURL(base, traceID string) string {
	return strings.TrimRight(base, "/") + "/" + traceID
}

// Command is a program and its arguments.
type Command struct {
	Name string
	Args []string
}

// OpenCommand returns the command that opens url on goos.
func OpenCommand(goos, url string) Command {
	switch goos {
	case "darwin":
		return Command{Name: "open", Args: []string{url}}
	case "windows":
		return Command{Name: "cmd", Args: []string{"/c", "start", "", url}}
	default:
		return Command{Name: "xdg-open", Args: []string{url}}
	}
}

// Runner runs a command and reports its exit code and standard error. A
// non-nil error means the command could not be run at all.
type Runner func(ctx context.Context, cmd Command) (code int, stderr string, err error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, cmd Command) (int, string, error) {
	var stderr bytes.Buffer
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...) //nolint:gosec // command comes from OpenCommand
	c.Stderr = &stderr
	err := c.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), stderr.String(), nil
	}
	if err != nil {
		return -1, stderr.String(), err
	}
	return 0, stderr.String(), nil
}

// OpenTrace opens url with the platform opener.
func OpenTrace(ctx context.Context, goos, url string, run Runner) error {
	code, stderr, err := run(ctx, OpenCommand(goos, url))
	if err != nil {
		return fmt.Errorf("opening trace url: %w", err)
	}
	if code == 0 {
		return nil
	}
	if msg := strings.TrimSpace(stderr); msg != "" {
		return errors.New(msg)
	}
	return fmt.Errorf("failed to open trace url (exit %d)", code)
}
