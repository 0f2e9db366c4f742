package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/pkg/types"
)

// relationEMAWeight is the weight of the incoming confidence when a relation
// is re-extracted: new = 0.3*incoming + 0.7*existing.
const relationEMAWeight = 0.3

// UpsertRelation inserts a relation or, when the (subject, predicate, object,
// agent_id) tuple already exists, folds the incoming confidence in via EMA,
// increments extraction_count and appends an evidence row. The whole
// operation runs in one transaction.
func (s *Store) UpsertRelation(ctx context.Context, r *types.Relation) (*types.Relation, error) {
	if r == nil {
		return nil, storage.ErrInvalidInput
	}
	if strings.TrimSpace(r.Subject) == "" || strings.TrimSpace(r.Object) == "" {
		return nil, fmt.Errorf("%w: relation subject and object are required", storage.ErrInvalidInput)
	}
	if !types.IsValidPredicate(r.Predicate) {
		return nil, fmt.Errorf("%w: unknown predicate %q", storage.ErrInvalidInput, r.Predicate)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %f out of range", storage.ErrInvalidInput, r.Confidence)
	}
	if r.AgentID == "" {
		r.AgentID = types.DefaultAgentID
	}

	now := s.clock.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing types.Relation
	var srcMemory sql.NullString
	var expired int
	err = tx.QueryRowContext(ctx, `
		SELECT id, confidence, source_memory_id, extraction_count, expired, created_at
		FROM relations
		WHERE subject = ? AND predicate = ? AND object = ? AND agent_id = ?`,
		r.Subject, r.Predicate, r.Object, r.AgentID,
	).Scan(&existing.ID, &existing.Confidence, &srcMemory, &existing.ExtractionCount, &expired, &existing.CreatedAt)

	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `
			INSERT INTO relations (
				subject, predicate, object, confidence, source_memory_id,
				agent_id, source, extraction_count, expired, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			r.Subject, r.Predicate, r.Object, r.Confidence,
			nullableString(r.SourceMemoryID), r.AgentID, r.Source,
			boolToInt(r.Expired), now, now)
		if err != nil {
			return nil, fmt.Errorf("sqlite: insert relation: %w", err)
		}
		r.ID, _ = res.LastInsertId()
		r.ExtractionCount = 1
		r.CreatedAt = now
		r.UpdatedAt = now

	case err != nil:
		return nil, fmt.Errorf("sqlite: lookup relation: %w", err)

	default:
		merged := relationEMAWeight*r.Confidence + (1-relationEMAWeight)*existing.Confidence
		merged = clamp01(merged)

		// source_memory_id is only filled in when previously null.
		src := srcMemory
		if !src.Valid && r.SourceMemoryID != "" {
			src = sql.NullString{String: r.SourceMemoryID, Valid: true}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE relations
			SET confidence = ?, source_memory_id = ?, extraction_count = extraction_count + 1,
			    expired = ?, updated_at = ?
			WHERE id = ?`,
			merged, src, boolToInt(r.Expired), now, existing.ID); err != nil {
			return nil, fmt.Errorf("sqlite: update relation: %w", err)
		}

		r.ID = existing.ID
		r.ExtractionCount = existing.ExtractionCount + 1
		r.Confidence = merged
		r.CreatedAt = existing.CreatedAt
		r.UpdatedAt = now
		if src.Valid {
			r.SourceMemoryID = src.String
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO relation_evidence (relation_id, memory_id, confidence, source, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, nullableString(r.SourceMemoryID), r.Confidence, r.Source, now); err != nil {
		return nil, fmt.Errorf("sqlite: append relation evidence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit relation upsert: %w", err)
	}
	return r, nil
}

// ListRelations returns relations filtered by agent/subject/predicate.
func (s *Store) ListRelations(ctx context.Context, f storage.RelationFilter) ([]types.Relation, error) {
	var conds []string
	var args []interface{}

	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Subject != "" {
		conds = append(conds, "subject = ?")
		args = append(args, f.Subject)
	}
	if f.Predicate != "" {
		conds = append(conds, "predicate = ?")
		args = append(args, f.Predicate)
	}
	if !f.IncludeExpired {
		conds = append(conds, "expired = 0")
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, subject, predicate, object, confidence, source_memory_id,
		       agent_id, source, extraction_count, expired, created_at, updated_at
		FROM relations %s
		ORDER BY updated_at DESC, id DESC
		LIMIT ?`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list relations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Relation
	for rows.Next() {
		var r types.Relation
		var src sql.NullString
		var expired int
		if err := rows.Scan(&r.ID, &r.Subject, &r.Predicate, &r.Object,
			&r.Confidence, &src, &r.AgentID, &r.Source,
			&r.ExtractionCount, &expired, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan relation: %w", err)
		}
		if src.Valid {
			r.SourceMemoryID = src.String
		}
		r.Expired = expired != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRelation removes a relation and (via cascade) its evidence rows.
func (s *Store) DeleteRelation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete relation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: relation %d", storage.ErrNotFound, id)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
