package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/cortexmem/cortex/internal/config"
	"github.com/cortexmem/cortex/internal/engine"
	"github.com/cortexmem/cortex/internal/llm"
	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/internal/vector"
	"github.com/cortexmem/cortex/pkg/types"
)

// Exporter is the markdown export hook; wired from internal/export.
type Exporter interface {
	Export(ctx context.Context) ([]string, error)
}

// The engine surfaces the handlers call, named per concern so tests can stub
// them individually. Satisfied by the concrete engines.
type (
	Recaller interface {
		Recall(ctx context.Context, req engine.RecallRequest) (*engine.RecallResponse, error)
	}
	Ingester interface {
		Ingest(ctx context.Context, req engine.IngestRequest) (*engine.IngestResult, error)
	}
	Flusher interface {
		Run(ctx context.Context, req engine.FlushRequest) (*engine.FlushResult, error)
	}
	LifecycleRunner interface {
		Run(ctx context.Context, dryRun bool) (*engine.LifecycleReport, error)
	}
	Writer interface {
		Write(ctx context.Context, req engine.WriteRequest) (*engine.WriteResult, error)
	}
	Searcher interface {
		Search(ctx context.Context, req engine.SearchRequest) (*engine.SearchResponse, error)
	}
)

// API bundles every dependency the HTTP handlers need.
type API struct {
	Store     storage.MemoryStore
	Index     vector.Index
	Embedder  llm.EmbeddingProvider
	Gate      Recaller
	Sieve     Ingester
	Flush     Flusher
	Lifecycle LifecycleRunner
	Writer    Writer
	Hybrid    Searcher
	Config    *config.Manager
	Exporter  Exporter // optional

	// OnMutate fires after any successful write so the markdown export can
	// schedule a debounced rewrite. Optional.
	OnMutate func()
}

func (a *API) mutated() {
	if a.OnMutate != nil {
		a.OnMutate()
	}
}

// Per-operation deadlines.
const (
	recallTimeout = 3 * time.Second
	ingestTimeout = 5 * time.Second
	flushTimeout  = 5 * time.Second
	healthTimeout = 2 * time.Second
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

// writeError maps typed storage errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrConflict), errors.Is(err, engine.ErrLifecycleRunning):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	return nil
}

// --- recall / ingest / flush / search ---

func (a *API) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req engine.RecallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), recallTimeout)
	defer cancel()

	resp, err := a.Gate.Recall(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req engine.IngestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), ingestTimeout)
	defer cancel()

	res, err := a.Sieve.Ingest(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	a.mutated()
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleFlush(w http.ResponseWriter, r *http.Request) {
	var req engine.FlushRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), flushTimeout)
	defer cancel()

	res, err := a.Flush.Run(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	a.mutated()
	writeJSON(w, http.StatusOK, res)
}

type searchBody struct {
	Query      string           `json:"query"`
	AgentID    string           `json:"agent_id,omitempty"`
	Layers     []types.Layer    `json:"layers,omitempty"`
	Categories []types.Category `json:"categories,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Debug      bool             `json:"debug,omitempty"`
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Query == "" {
		writeError(w, fmt.Errorf("%w: query is required", storage.ErrInvalidInput))
		return
	}
	resp, err := a.Hybrid.Search(r.Context(), engine.SearchRequest{
		Query:      body.Query,
		AgentID:    body.AgentID,
		Layers:     body.Layers,
		Categories: body.Categories,
		Limit:      body.Limit,
		Debug:      body.Debug,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- memories CRUD ---

func (a *API) handleListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		Layer:     types.Layer(q.Get("layer")),
		Category:  types.Category(q.Get("category")),
		AgentID:   q.Get("agent_id"),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
	opts.Page, _ = strconv.Atoi(q.Get("page"))
	opts.Limit, _ = strconv.Atoi(q.Get("limit"))
	opts.ActiveOnly = q.Get("active") != "false"
	if v := q.Get("pinned"); v != "" {
		pinned := v == "true"
		opts.Pinned = &pinned
	}

	page, err := a.Store.ListMemories(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var m types.Memory
	if err := decodeBody(r, &m); err != nil {
		writeError(w, err)
		return
	}
	if m.Source == "" {
		m.Source = "api"
	}
	if err := a.Store.InsertMemory(r.Context(), &m); err != nil {
		writeError(w, err)
		return
	}
	a.indexMemory(r.Context(), &m)
	a.mutated()
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	m, err := a.Store.GetMemory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type memoryPatchBody struct {
	Importance *float64               `json:"importance,omitempty"`
	Confidence *float64               `json:"confidence,omitempty"`
	Layer      *types.Layer           `json:"layer,omitempty"`
	Content    *string                `json:"content,omitempty"`
	IsPinned   *bool                  `json:"is_pinned,omitempty"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (a *API) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body memoryPatchBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	patch := storage.MemoryPatch{
		Importance: body.Importance,
		Confidence: body.Confidence,
		Layer:      body.Layer,
		Content:    body.Content,
		IsPinned:   body.IsPinned,
		Metadata:   body.Metadata,
	}
	if body.ExpiresAt != nil {
		patch.ExpiresAt = &body.ExpiresAt
	}
	if err := a.Store.UpdateMemory(r.Context(), id, patch); err != nil {
		writeError(w, err)
		return
	}

	m, err := a.Store.GetMemory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	// Edited content needs a fresh embedding.
	if body.Content != nil {
		a.indexMemory(r.Context(), m)
	}
	a.mutated()
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.Store.DeleteMemory(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := a.Index.Delete(r.Context(), []string{id}); err != nil {
		log.Printf("server: vector delete for %s: %v", id, err)
	}
	a.mutated()
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (a *API) handleMemoryChain(w http.ResponseWriter, r *http.Request) {
	chain, err := a.Store.GetMemoryVersionChain(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chain": chain})
}

func (a *API) indexMemory(ctx context.Context, m *types.Memory) {
	vec, err := a.Embedder.Embed(ctx, m.Content)
	if err != nil || len(vec) == 0 {
		return
	}
	if err := a.Index.Upsert(ctx, m.ID, vec, m.AgentID); err != nil {
		log.Printf("server: vector upsert for %s: %v", m.ID, err)
	}
}

// --- relations ---

func (a *API) handleListRelations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	rels, err := a.Store.ListRelations(r.Context(), storage.RelationFilter{
		AgentID:        q.Get("agent_id"),
		Subject:        q.Get("subject"),
		Predicate:      q.Get("predicate"),
		IncludeExpired: q.Get("include_expired") == "true",
		Limit:          limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"relations": rels})
}

func (a *API) handleDeleteRelation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: relation id must be numeric", storage.ErrInvalidInput))
		return
	}
	if err := a.Store.DeleteRelation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": id})
}

// --- lifecycle ---

func (a *API) handleLifecycleRun(w http.ResponseWriter, r *http.Request) {
	report, err := a.Lifecycle.Run(r.Context(), false)
	if err != nil {
		if errors.Is(err, engine.ErrLifecycleRunning) {
			writeJSON(w, http.StatusConflict, report)
			return
		}
		writeError(w, err)
		return
	}
	a.mutated()
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleLifecyclePreview(w http.ResponseWriter, r *http.Request) {
	report, err := a.Lifecycle.Run(r.Context(), true)
	if err != nil {
		if errors.Is(err, engine.ErrLifecycleRunning) {
			writeJSON(w, http.StatusConflict, report)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleLifecycleLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	logs, err := a.Store.ListLifecycleLogs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

// --- stats / health / extraction logs ---

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	vectors, err := a.Index.Count(r.Context())
	if err != nil {
		log.Printf("server: vector count: %v", err)
		vectors = -1
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"store":   stats,
		"vectors": vectors,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := "healthy"
	if _, err := a.Store.Stats(ctx); err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "version": version})
}

func (a *API) handleExtractionLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	logs, err := a.Store.ListExtractionLogs(r.Context(), storage.ExtractionLogFilter{
		AgentID: q.Get("agent_id"),
		Channel: types.Channel(q.Get("channel")),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

// --- agents ---

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (a *API) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var agent types.Agent
	if err := decodeBody(r, &agent); err != nil {
		writeError(w, err)
		return
	}
	if agent.ID == "" {
		writeError(w, fmt.Errorf("%w: agent id is required", storage.ErrInvalidInput))
		return
	}
	if err := a.Store.UpsertAgent(r.Context(), &agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := a.Store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.DeleteAgent(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": r.PathValue("id")})
}

// --- config ---

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := *a.Config.Current()
	// Secrets never leave the process.
	cfg.Providers.OpenAIAPIKey = redact(cfg.Providers.OpenAIAPIKey)
	cfg.Security.AuthToken = redact(cfg.Security.AuthToken)
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	current := a.Config.Current()
	updated := *current
	if err := decodeBody(r, &updated); err != nil {
		writeError(w, err)
		return
	}
	// Redacted values round-tripping through the UI keep the stored secret.
	if updated.Providers.OpenAIAPIKey == redact(current.Providers.OpenAIAPIKey) {
		updated.Providers.OpenAIAPIKey = current.Providers.OpenAIAPIKey
	}
	if updated.Security.AuthToken == redact(current.Security.AuthToken) {
		updated.Security.AuthToken = current.Security.AuthToken
	}

	a.Config.Replace(&updated)
	if err := updated.Save(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// --- export / import / reindex ---

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	if a.Exporter == nil {
		writeError(w, fmt.Errorf("%w: export is not configured", storage.ErrInvalidInput))
		return
	}
	files, err := a.Exporter.Export(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

type importBody struct {
	AgentID  string             `json:"agent_id,omitempty"`
	Memories []types.Extraction `json:"memories"`
}

func (a *API) handleImport(w http.ResponseWriter, r *http.Request) {
	var body importBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	imported, skipped := 0, 0
	for _, ext := range body.Memories {
		res, err := a.Writer.Write(r.Context(), engine.WriteRequest{
			Extraction: ext,
			AgentID:    body.AgentID,
			Source:     "import",
		})
		if err != nil {
			writeError(w, err)
			return
		}
		if res.Action == engine.ActionInserted {
			imported++
		} else {
			skipped++
		}
	}
	a.mutated()
	writeJSON(w, http.StatusOK, map[string]int{"imported": imported, "skipped": skipped})
}

// handleReindex re-embeds every active memory and rebuilds the vector index.
func (a *API) handleReindex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	opts := storage.ListOptions{ActiveOnly: true, Limit: 500, Page: 1}
	reindexed, failed := 0, 0
	for {
		page, err := a.Store.ListMemories(ctx, opts)
		if err != nil {
			writeError(w, err)
			return
		}
		for i := range page.Items {
			m := &page.Items[i]
			vec, err := a.Embedder.Embed(ctx, m.Content)
			if err != nil || len(vec) == 0 {
				failed++
				continue
			}
			if err := a.Index.Upsert(ctx, m.ID, vec, m.AgentID); err != nil {
				failed++
				continue
			}
			reindexed++
		}
		if !page.HasMore {
			break
		}
		opts.Page++
	}
	writeJSON(w, http.StatusOK, map[string]int{"reindexed": reindexed, "failed": failed})
}
