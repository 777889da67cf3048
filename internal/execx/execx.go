// Package execx abstracts command execution so the control-plane shim can be
// unit-tested without touching real system networking (nmcli).
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes external commands.
type Runner interface {
	// Output runs the command and returns trimmed combined stdout.
	// A non-zero exit status is returned as an error carrying stderr.
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct{}

// NewOSRunner creates a runner backed by the host OS.
func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

func (r *OSRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s: %s", err, msg)
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}
