package mapping

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initMappingSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initMappingSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channel_mappings (
			channel_id TEXT PRIMARY KEY,
			transport TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_channel_mappings_session ON channel_mappings (session_id);`,
		`CREATE TABLE IF NOT EXISTS project_mappings (
			container_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			path TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init mapping schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveChannelMapping(ctx context.Context, m ChannelMapping) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO channel_mappings (channel_id, transport, session_id, project_id, created_by, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (channel_id) DO UPDATE SET
			transport=EXCLUDED.transport,
			session_id=EXCLUDED.session_id,
			project_id=EXCLUDED.project_id,
			created_by=EXCLUDED.created_by,
			created_at=EXCLUDED.created_at`,
		m.ChannelID, m.Transport, m.SessionID, m.ProjectID, m.CreatedBy, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert channel mapping: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChannelMapping(ctx context.Context, channelID string) (ChannelMapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT channel_id, transport, session_id, project_id, created_by, created_at
		   FROM channel_mappings WHERE channel_id=$1`,
		channelID,
	)
	var m ChannelMapping
	if err := row.Scan(&m.ChannelID, &m.Transport, &m.SessionID, &m.ProjectID, &m.CreatedBy, &m.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return ChannelMapping{}, ErrNotFound
		}
		return ChannelMapping{}, fmt.Errorf("get channel mapping: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListChannelMappingsBySession(ctx context.Context, sessionID string) ([]ChannelMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT channel_id, transport, session_id, project_id, created_by, created_at
		   FROM channel_mappings WHERE session_id=$1 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list channel mappings: %w", err)
	}
	defer rows.Close()

	var out []ChannelMapping
	for rows.Next() {
		var m ChannelMapping
		if err := rows.Scan(&m.ChannelID, &m.Transport, &m.SessionID, &m.ProjectID, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel mapping: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel mappings: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteChannelMapping(ctx context.Context, channelID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM channel_mappings WHERE channel_id=$1`, channelID); err != nil {
		return fmt.Errorf("delete channel mapping: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveProjectMapping(ctx context.Context, m ProjectMapping) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO project_mappings (container_id, project_id, path, created_by, created_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (container_id) DO UPDATE SET
			project_id=EXCLUDED.project_id,
			path=EXCLUDED.path,
			created_by=EXCLUDED.created_by,
			created_at=EXCLUDED.created_at`,
		m.ContainerID, m.ProjectID, m.Path, m.CreatedBy, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert project mapping: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProjectMapping(ctx context.Context, containerID string) (ProjectMapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT container_id, project_id, path, created_by, created_at
		   FROM project_mappings WHERE container_id=$1`,
		containerID,
	)
	var m ProjectMapping
	if err := row.Scan(&m.ContainerID, &m.ProjectID, &m.Path, &m.CreatedBy, &m.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return ProjectMapping{}, ErrNotFound
		}
		return ProjectMapping{}, fmt.Errorf("get project mapping: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
