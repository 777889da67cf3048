// Package controlplane abstracts the external network manager that owns the
// tunnels. The monitor only issues opaque imperative operations against it
// and never inspects tunnel internals.
package controlplane

import (
	"context"
	"time"
)

// ControlPlane is the set of connection operations the monitor consumes.
type ControlPlane interface {
	// ListConnections returns the names of all known connections.
	ListConnections(ctx context.Context) ([]string, error)

	// IsActive reports whether the named connection is currently active.
	IsActive(ctx context.Context, name string) (bool, error)

	// Connect brings the named connection up.
	Connect(ctx context.Context, name string) error

	// Disconnect brings the named connection down.
	Disconnect(ctx context.Context, name string) error

	// ActivationTime returns when the connection was last activated.
	// ok is false when the control plane has no record. Display-only;
	// the monitoring core does not depend on it.
	ActivationTime(ctx context.Context, name string) (t time.Time, ok bool, err error)
}
