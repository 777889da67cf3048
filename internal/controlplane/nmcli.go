package controlplane

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/vpnmon/internal/execx"
)

// NMCLI drives a NetworkManager control plane through the nmcli binary.
// Terse output mode (-t) is used everywhere so parsing stays stable across
// nmcli versions and locales.
type NMCLI struct {
	runner execx.Runner

	// Path to the nmcli binary. Default: "nmcli"
	Path string
}

// NewNMCLI creates an nmcli-backed control plane.
func NewNMCLI(runner execx.Runner) *NMCLI {
	if runner == nil {
		runner = execx.NewOSRunner()
	}
	return &NMCLI{runner: runner, Path: "nmcli"}
}

func (n *NMCLI) ListConnections(ctx context.Context) ([]string, error) {
	out, err := n.runner.Output(ctx, n.Path, "-t", "-f", "NAME", "connection", "show")
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	return splitLines(out), nil
}

func (n *NMCLI) IsActive(ctx context.Context, name string) (bool, error) {
	out, err := n.runner.Output(ctx, n.Path, "-t", "-f", "NAME", "connection", "show", "--active")
	if err != nil {
		return false, fmt.Errorf("listing active connections: %w", err)
	}
	for _, active := range splitLines(out) {
		if active == name {
			return true, nil
		}
	}
	return false, nil
}

func (n *NMCLI) Connect(ctx context.Context, name string) error {
	if _, err := n.runner.Output(ctx, n.Path, "connection", "up", "id", name); err != nil {
		return fmt.Errorf("bringing up %q: %w", name, err)
	}
	return nil
}

func (n *NMCLI) Disconnect(ctx context.Context, name string) error {
	if _, err := n.runner.Output(ctx, n.Path, "connection", "down", "id", name); err != nil {
		return fmt.Errorf("bringing down %q: %w", name, err)
	}
	return nil
}

// ActivationTime reads connection.timestamp, the unix time of the last
// successful activation. NetworkManager reports 0 for never-activated
// connections.
func (n *NMCLI) ActivationTime(ctx context.Context, name string) (time.Time, bool, error) {
	out, err := n.runner.Output(ctx, n.Path, "-t", "-f", "connection.timestamp", "connection", "show", "id", name)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading activation time for %q: %w", name, err)
	}
	// Terse output is "connection.timestamp:<unix>".
	_, value, found := strings.Cut(out, ":")
	if !found {
		return time.Time{}, false, fmt.Errorf("unexpected nmcli output: %q", out)
	}
	unix, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing activation time %q: %w", value, err)
	}
	if unix == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(unix, 0), true, nil
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
