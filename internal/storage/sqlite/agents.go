package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/pkg/types"
)

// UpsertAgent inserts or updates an agent row.
func (s *Store) UpsertAgent(ctx context.Context, a *types.Agent) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: agent id is required", storage.ErrInvalidInput)
	}

	overrideJSON, err := marshalJSON(a.ConfigOverride)
	if err != nil {
		return fmt.Errorf("sqlite: marshal config_override: %w", err)
	}
	metadataJSON, err := marshalJSON(a.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal agent metadata: %w", err)
	}

	now := s.clock.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, description, config_override, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			config_override = excluded.config_override,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		a.ID, a.Name, a.Description, overrideJSON, metadataJSON, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: upsert agent: %w", err)
	}
	return nil
}

// GetAgent returns an agent by id or storage.ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, config_override, metadata, created_at, updated_at
		FROM agents WHERE id = ?`, id)

	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: agent %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, config_override, metadata, created_at, updated_at
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteAgent removes an agent row. Its memories are left in place.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: agent %s", storage.ErrNotFound, id)
	}
	return nil
}

func scanAgent(sc scanner) (*types.Agent, error) {
	var a types.Agent
	var overrideJSON, metadataJSON sql.NullString
	if err := sc.Scan(&a.ID, &a.Name, &a.Description, &overrideJSON, &metadataJSON,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if overrideJSON.Valid && overrideJSON.String != "" {
		_ = json.Unmarshal([]byte(overrideJSON.String), &a.ConfigOverride)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &a.Metadata)
	}
	return &a, nil
}

// Stats aggregates counts for the /api/v1/stats endpoint.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	st := &storage.Stats{ByLayer: map[types.Layer]int{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&st.TotalMemories); err != nil {
		return nil, fmt.Errorf("sqlite: stats total: %w", err)
	}

	now := s.clock.Now().UTC()
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories
		WHERE superseded_by IS NULL AND (expires_at IS NULL OR expires_at > ?)`, now).
		Scan(&st.ActiveMemories); err != nil {
		return nil, fmt.Errorf("sqlite: stats active: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT layer, COUNT(*) FROM memories GROUP BY layer`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stats layers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var layer string
		var count int
		if err := rows.Scan(&layer, &count); err != nil {
			return nil, fmt.Errorf("sqlite: stats scan: %w", err)
		}
		st.ByLayer[types.Layer(layer)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relations`).Scan(&st.TotalRelations); err != nil {
		return nil, fmt.Errorf("sqlite: stats relations: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&st.TotalAgents); err != nil {
		return nil, fmt.Errorf("sqlite: stats agents: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extraction_logs`).Scan(&st.ExtractionRuns); err != nil {
		return nil, fmt.Errorf("sqlite: stats extraction logs: %w", err)
	}

	var last time.Time
	err = s.db.QueryRowContext(ctx, `SELECT created_at FROM lifecycle_logs ORDER BY id DESC LIMIT 1`).Scan(&last)
	if err == nil {
		st.LastLifecycleAt = &last
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: stats lifecycle: %w", err)
	}

	return st, nil
}
