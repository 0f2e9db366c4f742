package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexmem/cortex/internal/config"
	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/internal/vector"
	"github.com/cortexmem/cortex/pkg/types"
)

// fakeStore is an in-memory MemoryStore for engine tests.
type fakeStore struct {
	mu             sync.Mutex
	now            func() time.Time
	memories       map[string]*types.Memory
	relations      []types.Relation
	agents         map[string]*types.Agent
	lifecycleLogs  []types.LifecycleLog
	extractionLogs []types.ExtractionLog
	accessBumps    int
	nextRelationID int64

	insertErr error
	textErr   error
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{
		now:      now,
		memories: make(map[string]*types.Memory),
		agents:   make(map[string]*types.Agent),
	}
}

func (s *fakeStore) InsertMemory(ctx context.Context, m *types.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.AgentID == "" {
		m.AgentID = types.DefaultAgentID
	}
	m.DecayScore = 1.0
	m.CreatedAt = s.now().UTC()
	m.UpdatedAt = m.CreatedAt
	copied := *m
	s.memories[m.ID] = &copied
	return nil
}

func (s *fakeStore) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (s *fakeStore) UpdateMemory(ctx context.Context, id string, patch storage.MemoryPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return storage.ErrNotFound
	}
	if patch.Importance != nil {
		m.Importance = *patch.Importance
	}
	if patch.Confidence != nil {
		m.Confidence = *patch.Confidence
	}
	if patch.DecayScore != nil {
		m.DecayScore = *patch.DecayScore
	}
	if patch.Layer != nil {
		m.Layer = *patch.Layer
	}
	if patch.ExpiresAt != nil {
		m.ExpiresAt = *patch.ExpiresAt
	}
	if patch.IsPinned != nil {
		m.IsPinned = *patch.IsPinned
	}
	if patch.Content != nil {
		m.Content = *patch.Content
	}
	if patch.Metadata != nil {
		m.Metadata = patch.Metadata
	}
	m.UpdatedAt = s.now().UTC()
	return nil
}

func (s *fakeStore) DeleteMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.memories, id)
	return nil
}

func (s *fakeStore) ListMemories(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opts.Normalize()
	now := s.now()

	var items []types.Memory
	for _, m := range s.memories {
		if opts.Layer != "" && m.Layer != opts.Layer {
			continue
		}
		if opts.Category != "" && m.Category != opts.Category {
			continue
		}
		if opts.AgentID != "" && m.AgentID != opts.AgentID {
			continue
		}
		if opts.ActiveOnly && !m.IsActive(now) {
			continue
		}
		if opts.Pinned != nil && m.IsPinned != *opts.Pinned {
			continue
		}
		if !opts.CreatedBefore.IsZero() && !m.CreatedAt.Before(opts.CreatedBefore) {
			continue
		}
		if opts.MaxDecayScore > 0 && m.DecayScore >= opts.MaxDecayScore {
			continue
		}
		items = append(items, *m)
	}

	sort.Slice(items, func(i, j int) bool {
		var less bool
		switch opts.SortBy {
		case "importance":
			less = items[i].Importance < items[j].Importance
		case "decay_score":
			less = items[i].DecayScore < items[j].DecayScore
		case "access_count":
			less = items[i].AccessCount < items[j].AccessCount
		default:
			less = items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		if opts.SortOrder == "desc" {
			return !less
		}
		return less
	})

	total := len(items)
	start := opts.Offset()
	if start > total {
		start = total
	}
	end := start + opts.Limit
	if end > total {
		end = total
	}
	return &storage.PaginatedResult[types.Memory]{
		Items:    items[start:end],
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  end < total,
	}, nil
}

// SearchFullText matches on case-insensitive substrings of the query's
// whitespace-separated terms; rank mimics FTS5 (more negative = better).
func (s *fakeStore) SearchFullText(ctx context.Context, query string, opts storage.ListOptions) ([]storage.TextResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.textErr != nil {
		return nil, s.textErr
	}
	opts.Normalize()

	terms := strings.Fields(strings.ToLower(query))
	var out []storage.TextResult
	for _, m := range s.memories {
		if opts.AgentID != "" && m.AgentID != opts.AgentID {
			continue
		}
		content := strings.ToLower(m.Content)
		hits := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, storage.TextResult{Memory: *m, Rank: -float64(hits)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank == out[j].Rank {
			return out[i].Memory.ID < out[j].Memory.ID
		}
		return out[i].Rank < out[j].Rank
	})
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *fakeStore) GetMemoryVersionChain(ctx context.Context, id string) ([]types.Memory, error) {
	m, err := s.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	return []types.Memory{*m}, nil
}

func (s *fakeStore) MarkSuperseded(ctx context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[oldID]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := s.memories[newID]; !ok {
		return storage.ErrNotFound
	}
	m.SupersededBy = newID
	m.UpdatedAt = s.now().UTC()
	return nil
}

func (s *fakeStore) BumpAccess(ctx context.Context, bumps []storage.AccessBump, query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for _, b := range bumps {
		if m, ok := s.memories[b.MemoryID]; ok {
			m.AccessCount++
			t := now
			m.LastAccessed = &t
		}
	}
	s.accessBumps += len(bumps)
	return nil
}

func (s *fakeStore) UpsertRelation(ctx context.Context, r *types.Relation) (*types.Relation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.relations {
		existing := &s.relations[i]
		if existing.Subject == r.Subject && existing.Predicate == r.Predicate &&
			existing.Object == r.Object && existing.AgentID == r.AgentID {
			existing.Confidence = 0.3*r.Confidence + 0.7*existing.Confidence
			existing.Expired = r.Expired
			copied := *existing
			return &copied, nil
		}
	}
	s.nextRelationID++
	r.ID = s.nextRelationID
	s.relations = append(s.relations, *r)
	copied := *r
	return &copied, nil
}

func (s *fakeStore) ListRelations(ctx context.Context, f storage.RelationFilter) ([]types.Relation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Relation(nil), s.relations...), nil
}

func (s *fakeStore) DeleteRelation(ctx context.Context, id int64) error { return nil }

func (s *fakeStore) AppendLifecycleLog(ctx context.Context, l *types.LifecycleLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.CreatedAt = s.now().UTC()
	s.lifecycleLogs = append(s.lifecycleLogs, *l)
	return nil
}

func (s *fakeStore) ListLifecycleLogs(ctx context.Context, limit int) ([]types.LifecycleLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.LifecycleLog(nil), s.lifecycleLogs...), nil
}

func (s *fakeStore) AppendExtractionLog(ctx context.Context, l *types.ExtractionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.CreatedAt = s.now().UTC()
	s.extractionLogs = append(s.extractionLogs, *l)
	return nil
}

func (s *fakeStore) ListExtractionLogs(ctx context.Context, f storage.ExtractionLogFilter) ([]types.ExtractionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ExtractionLog(nil), s.extractionLogs...), nil
}

func (s *fakeStore) UpsertAgent(ctx context.Context, a *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *a
	s.agents[a.ID] = &copied
	return nil
}

func (s *fakeStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (s *fakeStore) ListAgents(ctx context.Context) ([]types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return nil
}

func (s *fakeStore) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &storage.Stats{TotalMemories: len(s.memories)}, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := s.now()
	for _, m := range s.memories {
		if m.IsActive(now) {
			n++
		}
	}
	return n
}

// fakeIndex is a brute-force cosine-distance vector index.
type fakeIndex struct {
	mu      sync.Mutex
	vectors map[string][]float32
	agents  map[string]string

	upsertErr error
	searchErr error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{vectors: make(map[string][]float32), agents: make(map[string]string)}
}

func (f *fakeIndex) Initialize(ctx context.Context, dimensions int) error { return nil }

func (f *fakeIndex) Upsert(ctx context.Context, id string, embedding []float32, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.vectors[id] = append([]float32(nil), embedding...)
	f.agents[id] = agentID
	return nil
}

func (f *fakeIndex) Search(ctx context.Context, embedding []float32, topK int, agentID string) ([]vector.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []vector.Match
	for id, vec := range f.vectors {
		if agentID != "" && f.agents[id] != agentID {
			continue
		}
		out = append(out, vector.Match{ID: id, Distance: cosineDistance(embedding, vec)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance == out[j].Distance {
			return out[i].ID < out[j].ID
		}
		return out[i].Distance < out[j].Distance
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (f *fakeIndex) Delete(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.vectors, id)
		delete(f.agents, id)
	}
	return nil
}

func (f *fakeIndex) Count(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.vectors), nil
}

func (f *fakeIndex) Close() error { return nil }

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// scriptedChat answers prompts by first matching substring; unmatched prompts
// get the fallback text.
type scriptedChat struct {
	mu       sync.Mutex
	scripts  []chatScript
	fallback string
	err      error
	calls    []string

	// block, when non-nil, parks every Complete call until it is closed.
	block chan struct{}
}

type chatScript struct {
	contains string
	reply    string
}

func (c *scriptedChat) on(contains, reply string) *scriptedChat {
	c.scripts = append(c.scripts, chatScript{contains: contains, reply: reply})
	return c
}

func (c *scriptedChat) Complete(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, prompt)
	err := c.err
	reply := c.fallback
	for _, s := range c.scripts {
		if strings.Contains(prompt, s.contains) {
			reply = s.reply
			break
		}
	}
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (c *scriptedChat) GetModel() string { return "scripted" }

func (c *scriptedChat) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// mappedEmbedder returns registered vectors; unknown texts get a
// deterministic vector derived from their bytes so distinct texts rarely
// collide.
type mappedEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   int
}

func newMappedEmbedder() *mappedEmbedder {
	return &mappedEmbedder{vectors: make(map[string][]float32)}
}

func (e *mappedEmbedder) set(text string, vec []float32) { e.vectors[text] = vec }

func (e *mappedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return derivedVector(text), nil
}

func (e *mappedEmbedder) GetModel() string { return "mapped" }

func derivedVector(text string) []float32 {
	vec := make([]float32, 8)
	for i, b := range []byte(text) {
		vec[i%8] += float32(b) / 255
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// fixedReranker returns preset scores, or errors.
type fixedReranker struct {
	scores []float64
	err    error
}

func (r *fixedReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(r.scores) != len(docs) {
		return nil, fmt.Errorf("score arity %d != docs %d", len(r.scores), len(docs))
	}
	return r.scores, nil
}

func testMemoryConfig() config.MemoryConfig {
	return config.MemoryConfig{
		ExactDupThreshold:    0.08,
		SimilarityThreshold:  0.35,
		LegacyDedupThreshold: 0.15,
		SmartUpdateEnabled:   true,
		ParallelChannels:     true,
		QueryExpansion:       true,
		WorkingTTL:           config.Duration(72 * time.Hour),
		VectorWeight:         0.7,
		TextWeight:           0.3,
		AccessCap:            10,
		ContextMessages:      6,
		FlushMaxChars:        20000,
	}
}

func testLifecycleConfig() config.LifecycleConfig {
	return config.LifecycleConfig{
		PromotionThreshold: 0.6,
		ArchiveThreshold:   0.2,
		ArchiveTTL:         config.Duration(720 * time.Hour),
		DecayLambda:        0.03,
		DedupJaccard:       0.85,
		CompressBackToCore: true,
		RunHour:            3,
	}
}
