// Package sqlite implements storage.MemoryStore on SQLite with an FTS5
// trigram index for full-text recall.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/cortexmem/cortex/internal/clock"
	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/pkg/types"
)

// Ensure *Store implements the full contract at compile time.
var _ storage.MemoryStore = (*Store)(nil)

// Store implements storage.MemoryStore using SQLite.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens (creating if necessary) a SQLite store at path and applies all
// pending migrations. Use ":memory:" for tests.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; WAL
	// lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if err := storage.RunMigrations(db, Migrations); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, clock: clk}, nil
}

// DB exposes the underlying connection for stats queries in tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// NewMemoryID returns a time-ordered unique identifier. UUIDv7 embeds a
// millisecond timestamp, so IDs sort by creation time.
func NewMemoryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// InsertMemory validates and writes a new memory row. Missing fields get
// defaults: a fresh UUIDv7 id, agent "default", decay_score 1.0.
func (s *Store) InsertMemory(ctx context.Context, m *types.Memory) error {
	if m == nil || strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	if !types.IsValidLayer(m.Layer) {
		return fmt.Errorf("%w: unknown layer %q", storage.ErrInvalidInput, m.Layer)
	}
	if !types.IsValidCategory(m.Category) {
		return fmt.Errorf("%w: unknown category %q", storage.ErrInvalidInput, m.Category)
	}
	if m.Layer == types.LayerWorking && m.ExpiresAt == nil {
		return fmt.Errorf("%w: working memories require expires_at", storage.ErrInvalidInput)
	}
	if m.Importance < 0 || m.Importance > 1 {
		return fmt.Errorf("%w: importance %f out of range", storage.ErrInvalidInput, m.Importance)
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("%w: confidence %f out of range", storage.ErrInvalidInput, m.Confidence)
	}

	if m.ID == "" {
		m.ID = NewMemoryID()
	}
	if m.AgentID == "" {
		m.AgentID = types.DefaultAgentID
	}

	now := s.clock.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.DecayScore = 1.0
	m.AccessCount = 0

	metadataJSON, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (
			id, layer, category, content, source, agent_id,
			importance, confidence, decay_score, access_count,
			last_accessed, created_at, updated_at, expires_at,
			superseded_by, is_pinned, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?, ?, NULL, ?, ?)`,
		m.ID, string(m.Layer), string(m.Category), m.Content, m.Source, m.AgentID,
		m.Importance, m.Confidence, m.DecayScore,
		m.CreatedAt, m.UpdatedAt, nullableTime(m.ExpiresAt),
		boolToInt(m.IsPinned), metadataJSON,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: memory %s already exists", storage.ErrConflict, m.ID)
		}
		return fmt.Errorf("sqlite: insert memory: %w", err)
	}
	return nil
}

const memoryColumns = `
	id, layer, category, content, source, agent_id,
	importance, confidence, decay_score, access_count,
	last_accessed, created_at, updated_at, expires_at,
	superseded_by, is_pinned, metadata`

// GetMemory returns a memory by id or storage.ErrNotFound.
func (s *Store) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: memory %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get memory: %w", err)
	}
	return m, nil
}

// UpdateMemory applies a whitelisted patch. updated_at always moves.
func (s *Store) UpdateMemory(ctx context.Context, id string, patch storage.MemoryPatch) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{s.clock.Now().UTC()}

	if patch.Importance != nil {
		if *patch.Importance < 0 || *patch.Importance > 1 {
			return fmt.Errorf("%w: importance out of range", storage.ErrInvalidInput)
		}
		sets = append(sets, "importance = ?")
		args = append(args, *patch.Importance)
	}
	if patch.Confidence != nil {
		if *patch.Confidence < 0 || *patch.Confidence > 1 {
			return fmt.Errorf("%w: confidence out of range", storage.ErrInvalidInput)
		}
		sets = append(sets, "confidence = ?")
		args = append(args, *patch.Confidence)
	}
	if patch.DecayScore != nil {
		sets = append(sets, "decay_score = ?")
		args = append(args, clamp01(*patch.DecayScore))
	}
	if patch.Layer != nil {
		if !types.IsValidLayer(*patch.Layer) {
			return fmt.Errorf("%w: unknown layer %q", storage.ErrInvalidInput, *patch.Layer)
		}
		sets = append(sets, "layer = ?")
		args = append(args, string(*patch.Layer))
	}
	if patch.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, nullableTime(*patch.ExpiresAt))
	}
	if patch.IsPinned != nil {
		sets = append(sets, "is_pinned = ?")
		args = append(args, boolToInt(*patch.IsPinned))
	}
	if patch.Content != nil {
		if strings.TrimSpace(*patch.Content) == "" {
			return fmt.Errorf("%w: content cannot be emptied", storage.ErrInvalidInput)
		}
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.Metadata != nil {
		metadataJSON, err := marshalJSON(patch.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: marshal metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadataJSON)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: update memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: memory %s", storage.ErrNotFound, id)
	}
	return nil
}

// DeleteMemory removes a memory row permanently.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: memory %s", storage.ErrNotFound, id)
	}
	return nil
}

// MarkSuperseded sets oldID's forward pointer to newID inside a transaction.
// The new memory must exist and must not be older than the one it replaces.
func (s *Store) MarkSuperseded(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return fmt.Errorf("%w: memory cannot supersede itself", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var oldCreated, newCreated time.Time
	if err := tx.QueryRowContext(ctx, `SELECT created_at FROM memories WHERE id = ?`, oldID).Scan(&oldCreated); err != nil {
		return fmt.Errorf("%w: memory %s", storage.ErrNotFound, oldID)
	}
	if err := tx.QueryRowContext(ctx, `SELECT created_at FROM memories WHERE id = ?`, newID).Scan(&newCreated); err != nil {
		return fmt.Errorf("%w: memory %s", storage.ErrNotFound, newID)
	}
	if newCreated.Before(oldCreated) {
		return fmt.Errorf("%w: superseding memory predates the original", storage.ErrInvalidInput)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET superseded_by = ?, updated_at = ? WHERE id = ?`,
		newID, s.clock.Now().UTC(), oldID); err != nil {
		return fmt.Errorf("sqlite: mark superseded: %w", err)
	}
	return tx.Commit()
}

// BumpAccess atomically increments access counters, stamps last_accessed and
// appends one access log row per memory.
func (s *Store) BumpAccess(ctx context.Context, bumps []storage.AccessBump, query string) error {
	if len(bumps) == 0 {
		return nil
	}

	now := s.clock.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, b := range bumps {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
			now, b.MemoryID); err != nil {
			return fmt.Errorf("sqlite: bump access: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO access_logs (memory_id, query, rank, accessed_at) VALUES (?, ?, ?, ?)`,
			b.MemoryID, query, b.Rank, now); err != nil {
			return fmt.Errorf("sqlite: append access log: %w", err)
		}
	}
	return tx.Commit()
}

// ListMemories returns a stable-ordered, paginated listing.
func (s *Store) ListMemories(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	opts.Normalize()

	where, args := listFilters(opts, s.clock.Now().UTC())

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: count memories: %w", err)
	}

	// Tie-break on id so paging is stable when timestamps collide.
	query := fmt.Sprintf(
		`SELECT %s FROM memories %s ORDER BY %s %s, id %s LIMIT ? OFFSET ?`,
		memoryColumns, where, opts.SortBy, opts.SortOrder, opts.SortOrder)
	args = append(args, opts.Limit, opts.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items, err := scanMemoryRows(rows)
	if err != nil {
		return nil, err
	}

	return &storage.PaginatedResult[types.Memory]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

func listFilters(opts storage.ListOptions, now time.Time) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if opts.Layer != "" {
		conds = append(conds, "layer = ?")
		args = append(args, string(opts.Layer))
	}
	if opts.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(opts.Category))
	}
	if opts.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.ActiveOnly {
		conds = append(conds, "superseded_by IS NULL")
		conds = append(conds, "(expires_at IS NULL OR expires_at > ?)")
		args = append(args, now)
	}
	if opts.Pinned != nil {
		conds = append(conds, "is_pinned = ?")
		args = append(args, boolToInt(*opts.Pinned))
	}
	if !opts.CreatedBefore.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, opts.CreatedBefore.UTC())
	}
	if opts.MaxDecayScore > 0 {
		conds = append(conds, "decay_score < ?")
		args = append(args, opts.MaxDecayScore)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(sc scanner, extra ...interface{}) (*types.Memory, error) {
	var m types.Memory
	var layer, category string
	var lastAccessed, expiresAt sql.NullTime
	var supersededBy, metadataJSON sql.NullString
	var pinned int

	dest := []interface{}{
		&m.ID, &layer, &category, &m.Content, &m.Source, &m.AgentID,
		&m.Importance, &m.Confidence, &m.DecayScore, &m.AccessCount,
		&lastAccessed, &m.CreatedAt, &m.UpdatedAt, &expiresAt,
		&supersededBy, &pinned, &metadataJSON,
	}
	dest = append(dest, extra...)

	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}

	m.Layer = types.Layer(layer)
	m.Category = types.Category(category)
	m.IsPinned = pinned != 0
	if lastAccessed.Valid {
		t := lastAccessed.Time
		m.LastAccessed = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		m.ExpiresAt = &t
	}
	if supersededBy.Valid {
		m.SupersededBy = supersededBy.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &m, nil
}

func scanMemoryRows(rows *sql.Rows) ([]types.Memory, error) {
	var out []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan memory row: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows error: %w", err)
	}
	return out, nil
}

func marshalJSON(v map[string]interface{}) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
