package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/vpnmon/pkg/types"
)

// PostgresStore keeps one jsonb document per tunnel in a single table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and ensures the series table
// exists.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tunnel_series (
			tunnel_name TEXT PRIMARY KEY,
			doc         JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating tunnel_series table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, tunnel string) (*types.SeriesDocument, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT doc FROM tunnel_series WHERE tunnel_name = $1
	`, tunnel).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading series for %q: %w", tunnel, err)
	}
	var doc types.SeriesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing series for %q: %w", tunnel, err)
	}
	return &doc, nil
}

func (s *PostgresStore) Put(ctx context.Context, doc *types.SeriesDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding series for %q: %w", doc.TunnelName, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tunnel_series (tunnel_name, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tunnel_name) DO UPDATE SET doc = $2, updated_at = now()
	`, doc.TunnelName, data)
	if err != nil {
		return fmt.Errorf("writing series for %q: %w", doc.TunnelName, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT tunnel_name FROM tunnel_series ORDER BY tunnel_name`)
	if err != nil {
		return nil, fmt.Errorf("listing series: %w", err)
	}
	defer rows.Close()

	var tunnels []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning tunnel name: %w", err)
		}
		tunnels = append(tunnels, name)
	}
	return tunnels, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, tunnel string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM tunnel_series WHERE tunnel_name = $1`, tunnel); err != nil {
		return fmt.Errorf("deleting series for %q: %w", tunnel, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
