// Package vector defines the vector index contract and its two backends: an
// embedded chromem-go store (default, zero external services) and a
// Postgres/pgvector store for deployments that already run Postgres.
package vector

import "context"

// Match is one nearest-neighbor hit. Distance is 1 − cosine similarity, so
// lower means closer; results are sorted ascending.
type Match struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
}

// Index is the approximate nearest-neighbor contract over memory embeddings.
// Implementations must support filtering by agent id. Recall paths tolerate
// a failing index by degrading to text-only results.
type Index interface {
	// Initialize is idempotent; the collection is created on first call.
	Initialize(ctx context.Context, dimensions int) error

	// Upsert replaces any prior record for id.
	Upsert(ctx context.Context, id string, embedding []float32, agentID string) error

	// Search returns up to topK matches sorted by ascending distance.
	// agentID narrows the candidate set when non-empty.
	Search(ctx context.Context, embedding []float32, topK int, agentID string) ([]Match, error)

	// Delete is best-effort; missing ids are not an error.
	Delete(ctx context.Context, ids []string) error

	Count(ctx context.Context) (int, error)
	Close() error
}
