package vector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/pgvector/pgvector-go"
)

// PgvectorIndex implements Index on Postgres with the pgvector extension.
// Use it when the deployment already runs Postgres and the dataset outgrows
// the in-process backend. The <=> operator is pgvector's cosine distance,
// which matches the contract (1 − cosine similarity) directly.
type PgvectorIndex struct {
	db         *sql.DB
	dimensions int
}

// NewPgvectorIndex connects to Postgres with the given DSN.
func NewPgvectorIndex(dsn string) (*PgvectorIndex, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgvector: ping: %w", err)
	}
	return &PgvectorIndex{db: db}, nil
}

// Initialize creates the extension and table on first call; both statements
// are IF NOT EXISTS so repeated calls are harmless.
func (p *PgvectorIndex) Initialize(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("pgvector: invalid dimensions %d", dimensions)
	}

	if _, err := p.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("pgvector: create extension: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS memory_vectors (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT 'default',
			embedding vector(%d) NOT NULL
		)`, dimensions)); err != nil {
		return fmt.Errorf("pgvector: create table: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_memory_vectors_agent ON memory_vectors(agent_id)`); err != nil {
		return fmt.Errorf("pgvector: create index: %w", err)
	}

	p.dimensions = dimensions
	return nil
}

// Upsert replaces any prior record for id.
func (p *PgvectorIndex) Upsert(ctx context.Context, id string, embedding []float32, agentID string) error {
	if len(embedding) == 0 {
		return fmt.Errorf("pgvector: empty embedding for %s", id)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO memory_vectors (id, agent_id, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET agent_id = $2, embedding = $3`,
		id, agentID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("pgvector: upsert: %w", err)
	}
	return nil
}

// Search runs an ANN scan ordered by cosine distance.
func (p *PgvectorIndex) Search(ctx context.Context, embedding []float32, topK int, agentID string) ([]Match, error) {
	if len(embedding) == 0 || topK <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, embedding <=> $1 AS distance
		FROM memory_vectors`
	args := []interface{}{pgvector.NewVector(embedding)}
	if agentID != "" {
		query += ` WHERE agent_id = $2`
		args = append(args, agentID)
	}
	query += fmt.Sprintf(` ORDER BY distance, id LIMIT %d`, topK)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.Distance); err != nil {
			return nil, fmt.Errorf("pgvector: scan: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Delete removes the given ids; missing ids are not an error.
func (p *PgvectorIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM memory_vectors WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("pgvector: delete: %w", err)
	}
	return nil
}

// Count returns the number of stored vectors.
func (p *PgvectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgvector: count: %w", err)
	}
	return n, nil
}

// Close closes the Postgres connection pool.
func (p *PgvectorIndex) Close() error { return p.db.Close() }

var _ Index = (*PgvectorIndex)(nil)
