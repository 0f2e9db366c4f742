package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/pkg/types"
)

// AppendLifecycleLog records one lifecycle action with affected ids and
// numeric details.
func (s *Store) AppendLifecycleLog(ctx context.Context, l *types.LifecycleLog) error {
	if l == nil || l.Action == "" {
		return fmt.Errorf("%w: lifecycle log action is required", storage.ErrInvalidInput)
	}

	idsJSON, err := json.Marshal(l.MemoryIDs)
	if err != nil {
		return fmt.Errorf("sqlite: marshal memory ids: %w", err)
	}
	detailsJSON, err := marshalJSON(l.Details)
	if err != nil {
		return fmt.Errorf("sqlite: marshal details: %w", err)
	}

	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_logs (action, memory_ids, details, created_at)
		VALUES (?, ?, ?, ?)`,
		l.Action, string(idsJSON), detailsJSON, now)
	if err != nil {
		return fmt.Errorf("sqlite: append lifecycle log: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	l.CreatedAt = now
	return nil
}

// ListLifecycleLogs returns the most recent lifecycle log rows.
func (s *Store) ListLifecycleLogs(ctx context.Context, limit int) ([]types.LifecycleLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, memory_ids, details, created_at
		FROM lifecycle_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list lifecycle logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.LifecycleLog
	for rows.Next() {
		var l types.LifecycleLog
		var idsJSON, detailsJSON sql.NullString
		if err := rows.Scan(&l.ID, &l.Action, &idsJSON, &detailsJSON, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan lifecycle log: %w", err)
		}
		if idsJSON.Valid && idsJSON.String != "" {
			_ = json.Unmarshal([]byte(idsJSON.String), &l.MemoryIDs)
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			_ = json.Unmarshal([]byte(detailsJSON.String), &l.Details)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// AppendExtractionLog records one extraction attempt with raw output and
// per-attempt counters.
func (s *Store) AppendExtractionLog(ctx context.Context, l *types.ExtractionLog) error {
	if l == nil {
		return storage.ErrInvalidInput
	}
	if !types.IsValidChannel(l.Channel) {
		return fmt.Errorf("%w: unknown channel %q", storage.ErrInvalidInput, l.Channel)
	}
	if l.AgentID == "" {
		l.AgentID = types.DefaultAgentID
	}

	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO extraction_logs (
			channel, agent_id, session_id, raw_output, parsed_count,
			written_count, deduped_count, relation_count, error, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(l.Channel), l.AgentID, nullableString(l.SessionID),
		nullableString(l.RawOutput), l.ParsedCount, l.WrittenCount,
		l.DedupedCount, l.RelationCount, nullableString(l.Error),
		l.DurationMillis, now)
	if err != nil {
		return fmt.Errorf("sqlite: append extraction log: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	l.CreatedAt = now
	return nil
}

// ListExtractionLogs returns recent extraction attempts, newest first.
func (s *Store) ListExtractionLogs(ctx context.Context, f storage.ExtractionLogFilter) ([]types.ExtractionLog, error) {
	var conds []string
	var args []interface{}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, string(f.Channel))
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
		SELECT id, channel, agent_id, session_id, raw_output, parsed_count,
		       written_count, deduped_count, relation_count, error, duration_ms, created_at
		FROM extraction_logs %s ORDER BY id DESC LIMIT ?`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list extraction logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.ExtractionLog
	for rows.Next() {
		var l types.ExtractionLog
		var channel string
		var sessionID, rawOutput, errMsg sql.NullString
		if err := rows.Scan(&l.ID, &channel, &l.AgentID, &sessionID, &rawOutput,
			&l.ParsedCount, &l.WrittenCount, &l.DedupedCount, &l.RelationCount,
			&errMsg, &l.DurationMillis, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan extraction log: %w", err)
		}
		l.Channel = types.Channel(channel)
		l.SessionID = sessionID.String
		l.RawOutput = rawOutput.String
		l.Error = errMsg.String
		out = append(out, l)
	}
	return out, rows.Err()
}
