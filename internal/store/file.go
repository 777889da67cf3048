package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pilot-net/vpnmon/pkg/types"
)

// FileStore keeps one JSON document per tunnel in a directory. Tunnel names
// are path-escaped in filenames so arbitrary connection identifiers stay
// safe on disk.
type FileStore struct {
	dir string
}

// NewFileStore creates the data directory if needed and returns a store
// rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(tunnel string) string {
	return filepath.Join(s.dir, url.PathEscape(tunnel)+".json")
}

func (s *FileStore) Get(_ context.Context, tunnel string) (*types.SeriesDocument, error) {
	data, err := os.ReadFile(s.path(tunnel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading series for %q: %w", tunnel, err)
	}
	var doc types.SeriesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing series for %q: %w", tunnel, err)
	}
	return &doc, nil
}

// Put writes through a temp file and renames, so readers never observe a
// partially written document even if the process dies mid-write.
func (s *FileStore) Put(_ context.Context, doc *types.SeriesDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding series for %q: %w", doc.TunnelName, err)
	}

	target := s.path(doc.TunnelName)
	tmp, err := os.CreateTemp(s.dir, ".series-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing series for %q: %w", doc.TunnelName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing series for %q: %w", doc.TunnelName, err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing data dir: %w", err)
	}
	var tunnels []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		tunnel, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		tunnels = append(tunnels, tunnel)
	}
	return tunnels, nil
}

func (s *FileStore) Delete(_ context.Context, tunnel string) error {
	if err := os.Remove(s.path(tunnel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting series for %q: %w", tunnel, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
