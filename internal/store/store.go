// Package store persists per-tunnel metrics series as JSON documents.
//
// The monitor only needs get/put/list/delete semantics keyed by tunnel
// name; the interface is implemented by a local file tree, redis, and
// postgres so deployments can pick whatever is already running nearby.
package store

import (
	"context"
	"errors"

	"github.com/pilot-net/vpnmon/pkg/types"
)

// ErrNotFound is returned by Get when no document exists for the tunnel.
var ErrNotFound = errors.New("series not found")

// Store is a key-value JSON-document store, one document per tunnel.
type Store interface {
	// Get loads the series document for a tunnel. Returns ErrNotFound when
	// the tunnel has never been persisted.
	Get(ctx context.Context, tunnel string) (*types.SeriesDocument, error)

	// Put writes the full series document for doc.TunnelName, replacing any
	// previous version.
	Put(ctx context.Context, doc *types.SeriesDocument) error

	// List returns the tunnel names with persisted documents.
	List(ctx context.Context) ([]string, error)

	// Delete removes a tunnel's document. Deleting a missing document is
	// not an error.
	Delete(ctx context.Context, tunnel string) error

	// Close releases any backend resources.
	Close() error
}
