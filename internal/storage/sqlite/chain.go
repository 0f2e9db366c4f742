package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/pkg/types"
)

// maxChainHops bounds the version chain walk in each direction. Chains are
// linear by construction; the bound breaks any accidental cycle.
const maxChainHops = 50

// GetMemoryVersionChain reconstructs the version chain containing id by
// walking backward ("who supersedes me") and forward (superseded_by), each
// direction bounded by maxChainHops and guarded against cycles. The chain is
// returned in creation order.
func (s *Store) GetMemoryVersionChain(ctx context.Context, id string) ([]types.Memory, error) {
	start, err := s.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{start.ID: true}
	chain := []types.Memory{*start}

	// Backward: predecessors point at us via superseded_by.
	cur := start.ID
	for hops := 0; hops < maxChainHops; hops++ {
		prev, err := s.findPredecessor(ctx, cur)
		if err != nil {
			return nil, err
		}
		if prev == nil || seen[prev.ID] {
			break
		}
		seen[prev.ID] = true
		chain = append(chain, *prev)
		cur = prev.ID
	}

	// Forward: follow our own superseded_by pointers.
	next := start.SupersededBy
	for hops := 0; hops < maxChainHops && next != ""; hops++ {
		if seen[next] {
			break
		}
		m, err := s.GetMemory(ctx, next)
		if err != nil {
			// Dangling pointer; stop the walk rather than failing the call.
			break
		}
		seen[m.ID] = true
		chain = append(chain, *m)
		next = m.SupersededBy
	}

	sort.Slice(chain, func(i, j int) bool {
		if chain[i].CreatedAt.Equal(chain[j].CreatedAt) {
			return chain[i].ID < chain[j].ID
		}
		return chain[i].CreatedAt.Before(chain[j].CreatedAt)
	})
	return chain, nil
}

// findPredecessor returns the memory whose superseded_by points at id, or
// nil when id is the oldest version. If multiple rows point at id (should
// not happen for linear chains) the oldest wins for determinism.
func (s *Store) findPredecessor(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE superseded_by = ? ORDER BY created_at, id LIMIT 1`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find predecessor: %w", err)
	}
	return m, nil
}

// Ensure the interface stays satisfied as methods move between files.
var _ storage.MemoryStore = (*Store)(nil)
