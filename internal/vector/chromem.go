package vector

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"
)

const chromemCollection = "memories"

// ChromemIndex implements Index on chromem-go: pure Go, in-process, with
// optional gob persistence. Vectors live in RAM, which is fine for the
// personal-memory datasets this service targets.
type ChromemIndex struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	dimensions int
}

// NewChromemIndex creates a chromem-backed index. When persistPath is empty
// the index is memory-only.
func NewChromemIndex(persistPath string) (*ChromemIndex, error) {
	var db *chromem.DB
	var err error

	if persistPath != "" {
		if err := os.MkdirAll(filepath.Dir(persistPath), 0o755); err != nil {
			return nil, fmt.Errorf("vector: create persist dir: %w", err)
		}
		db, err = chromem.NewPersistentDB(persistPath, true)
		if err != nil {
			log.Printf("vector: failed to load persisted index, starting fresh: %v", err)
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemIndex{db: db}, nil
}

// Initialize creates the collection on first call; later calls are no-ops.
func (c *ChromemIndex) Initialize(ctx context.Context, dimensions int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.collection != nil {
		return nil
	}

	// Embeddings are computed upstream; the embedding func must never run.
	identity := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vector: embeddings must be precomputed")
	}

	col, err := c.db.GetOrCreateCollection(chromemCollection, nil, identity)
	if err != nil {
		return fmt.Errorf("vector: create collection: %w", err)
	}
	c.collection = col
	c.dimensions = dimensions
	return nil
}

// Upsert replaces the record for id.
func (c *ChromemIndex) Upsert(ctx context.Context, id string, embedding []float32, agentID string) error {
	col, err := c.ready()
	if err != nil {
		return err
	}
	if len(embedding) == 0 {
		return fmt.Errorf("vector: empty embedding for %s", id)
	}

	return col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Embedding: embedding,
		Metadata:  map[string]string{"agent_id": agentID},
		Content:   id, // chromem requires non-empty content; it is never read back
	})
}

// Search returns the topK nearest records for the agent, ascending by
// distance (1 − cosine similarity).
func (c *ChromemIndex) Search(ctx context.Context, embedding []float32, topK int, agentID string) ([]Match, error) {
	col, err := c.ready()
	if err != nil {
		return nil, err
	}
	if len(embedding) == 0 || topK <= 0 {
		return nil, nil
	}

	var where map[string]string
	if agentID != "" {
		where = map[string]string{"agent_id": agentID}
	}

	// chromem rejects nResults greater than the collection size.
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	if topK > n {
		topK = n
	}

	results, err := col.QueryEmbedding(ctx, embedding, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: query: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{ID: r.ID, Distance: 1 - float64(r.Similarity)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance == matches[j].Distance {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Distance < matches[j].Distance
	})
	return matches, nil
}

// Delete removes the given ids; missing ids are ignored.
func (c *ChromemIndex) Delete(ctx context.Context, ids []string) error {
	col, err := c.ready()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("vector: delete: %w", err)
	}
	return nil
}

// Count returns the number of stored vectors.
func (c *ChromemIndex) Count(ctx context.Context) (int, error) {
	col, err := c.ready()
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// Close is a no-op for chromem; persistence happens per write.
func (c *ChromemIndex) Close() error { return nil }

func (c *ChromemIndex) ready() (*chromem.Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.collection == nil {
		return nil, fmt.Errorf("vector: index not initialized")
	}
	return c.collection, nil
}

var _ Index = (*ChromemIndex)(nil)
