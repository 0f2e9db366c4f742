package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/cortexmem/cortex/internal/storage"
)

// SearchFullText runs a trigram-tokenized FTS5 query and returns rows sorted
// by rank ascending (FTS5 ranks are negative; lower = better match).
//
// The raw query is sanitized first; queries that sanitize to fewer than two
// characters return an empty result without touching the index.
func (s *Store) SearchFullText(ctx context.Context, query string, opts storage.ListOptions) ([]storage.TextResult, error) {
	opts.Normalize()

	cleaned := SanitizeQuery(query)
	if cleaned == "" {
		return nil, nil
	}

	var conds []string
	var args []interface{}
	args = append(args, cleaned)

	if opts.AgentID != "" {
		conds = append(conds, "m.agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.Layer != "" {
		conds = append(conds, "m.layer = ?")
		args = append(args, string(opts.Layer))
	}
	if opts.Category != "" {
		conds = append(conds, "m.category = ?")
		args = append(args, string(opts.Category))
	}
	extra := ""
	if len(conds) > 0 {
		extra = " AND " + strings.Join(conds, " AND ")
	}
	args = append(args, opts.Limit)

	querySQL := fmt.Sprintf(`
		SELECT %s, fts.rank
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ?%s
		ORDER BY fts.rank
		LIMIT ?`,
		prefixColumns("m"), extra)

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		// FTS5 can still reject input that slipped past sanitization.
		return nil, fmt.Errorf("sqlite: SearchFullText MATCH %q: %w", cleaned, err)
	}
	defer func() { _ = rows.Close() }()

	var results []storage.TextResult
	for rows.Next() {
		var rank float64
		m, err := scanMemory(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("sqlite: SearchFullText scan: %w", err)
		}
		results = append(results, storage.TextResult{Memory: *m, Rank: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: SearchFullText rows: %w", err)
	}
	return results, nil
}

// prefixColumns qualifies the shared memory column list with a table alias.
func prefixColumns(alias string) string {
	cols := strings.Split(memoryColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
