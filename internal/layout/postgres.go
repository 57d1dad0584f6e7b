package layout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/tabula/model"
)

// PgStore keeps layouts in a PostgreSQL table using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore on pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the layout table when it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS column_layouts (
			layout_key  TEXT PRIMARY KEY,
			session     TEXT NOT NULL,
			layout      JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("layout: migrate: %w", err)
	}
	return nil
}

func (s *PgStore) Load(ctx context.Context, key Key) (*model.Layout, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT layout FROM column_layouts WHERE layout_key = $1`,
		key.String(),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("layout: query: %w", err)
	}
	var l model.Layout
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("layout: decoding %s: %w", key, err)
	}
	return &l, nil
}

func (s *PgStore) Save(ctx context.Context, key Key, l model.Layout) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("layout: encoding: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO column_layouts (layout_key, session, layout, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (layout_key) DO UPDATE
		SET layout = EXCLUDED.layout, updated_at = EXCLUDED.updated_at`,
		key.String(), key.Session, data, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("layout: upsert: %w", err)
	}
	return nil
}

func (s *PgStore) Delete(ctx context.Context, key Key) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM column_layouts WHERE layout_key = $1`, key.String()); err != nil {
		return fmt.Errorf("layout: delete: %w", err)
	}
	return nil
}

func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}
