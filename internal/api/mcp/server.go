package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cortexmem/cortex/internal/engine"
	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/internal/vector"
	"github.com/cortexmem/cortex/pkg/types"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "cortex"
	serverVersion   = "1.0.0"
)

// Recaller produces injection-ready context for a query.
type Recaller interface {
	Recall(ctx context.Context, req engine.RecallRequest) (*engine.RecallResponse, error)
}

// Rememberer writes a memory through the dedup pipeline.
type Rememberer interface {
	Write(ctx context.Context, req engine.WriteRequest) (*engine.WriteResult, error)
}

// Searcher runs ranked hybrid search.
type Searcher interface {
	Search(ctx context.Context, req engine.SearchRequest) (*engine.SearchResponse, error)
}

// Server dispatches JSON-RPC requests to the memory engines. It is
// transport-agnostic: HandleRequest takes and returns raw JSON so the HTTP
// transport and tests can drive it directly.
type Server struct {
	store  storage.MemoryStore
	index  vector.Index
	gate   Recaller
	writer Rememberer
	hybrid Searcher

	// onMutate fires after remember/forget so the markdown export can
	// schedule a debounced rewrite. Optional.
	onMutate func()
}

func NewServer(store storage.MemoryStore, index vector.Index, gate Recaller, writer Rememberer, hybrid Searcher) *Server {
	return &Server{store: store, index: index, gate: gate, writer: writer, hybrid: hybrid}
}

// OnMutate registers the write hook.
func (s *Server) OnMutate(fn func()) { s.onMutate = fn }

func (s *Server) mutated() {
	if s.onMutate != nil {
		s.onMutate()
	}
}

// HandleRequest processes one JSON-RPC request and returns the serialized
// response. Notifications (no id) return nil with no error.
func (s *Server) HandleRequest(ctx context.Context, raw []byte) ([]byte, error) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshalResponse(response{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "parse error: " + err.Error()},
		})
	}
	if req.JSONRPC != "2.0" {
		return marshalResponse(response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeInvalidRequest, Message: "jsonrpc must be \"2.0\""},
		})
	}

	// Notifications get processed but produce no response.
	if len(req.ID) == 0 || string(req.ID) == "null" {
		if strings.HasPrefix(req.Method, "notifications/") {
			return nil, nil
		}
	}

	resp := response{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		resp.Result = map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]string{
				"name":    serverName,
				"version": serverVersion,
			},
		}
	case "ping":
		resp.Result = map[string]interface{}{}
	case "tools/list":
		resp.Result = map[string]interface{}{"tools": toolDefinitions()}
	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
			break
		}
		result, err := s.callTool(ctx, params.Name, params.Arguments)
		if err != nil {
			// Tool-level failures travel inside the result envelope so
			// clients can show them to the model.
			resp.Result = toolResult{
				Content: []toolContent{{Type: "text", Text: err.Error()}},
				IsError: true,
			}
			break
		}
		resp.Result = result
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}

	return marshalResponse(resp)
}

func marshalResponse(resp response) ([]byte, error) {
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal response: %w", err)
	}
	return out, nil
}

func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (*toolResult, error) {
	if args == nil {
		args = json.RawMessage("{}")
	}
	switch name {
	case "recall":
		return s.toolRecall(ctx, args)
	case "remember":
		return s.toolRemember(ctx, args)
	case "forget":
		return s.toolForget(ctx, args)
	case "search":
		return s.toolSearch(ctx, args)
	case "stats":
		return s.toolStats(ctx)
	case "list_relations":
		return s.toolListRelations(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func (s *Server) toolRecall(ctx context.Context, raw json.RawMessage) (*toolResult, error) {
	var args recallArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("recall: invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, fmt.Errorf("recall: query is required")
	}

	resp, err := s.gate.Recall(ctx, engine.RecallRequest{
		Query:     args.Query,
		AgentID:   args.AgentID,
		MaxTokens: args.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	if resp.Meta.Skipped || resp.Context == "" {
		return textResult("No relevant memories."), nil
	}
	return textResult(resp.Context), nil
}

func (s *Server) toolRemember(ctx context.Context, raw json.RawMessage) (*toolResult, error) {
	var args rememberArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("remember: invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Content) == "" {
		return nil, fmt.Errorf("remember: content is required")
	}

	category := types.Category(args.Category)
	if args.Category == "" {
		category = types.CategoryFact
	}
	if !types.IsValidCategory(category) {
		return nil, fmt.Errorf("remember: unknown category %q", args.Category)
	}
	importance := args.Importance
	if importance <= 0 {
		importance = 0.7
	}
	if importance > 1 {
		importance = 1
	}

	start := time.Now()
	result, err := s.writer.Write(ctx, engine.WriteRequest{
		Extraction: types.Extraction{
			Content:    args.Content,
			Category:   category,
			Importance: importance,
			Source:     types.SourceUserStated,
		},
		AgentID: args.AgentID,
		Source:  "mcp:remember",
		Pinned:  args.Pinned,
	})
	if err != nil {
		return nil, fmt.Errorf("remember: %w", err)
	}

	written, deduped := 0, 0
	if result.Action == engine.ActionInserted || result.Action == engine.ActionReplaced || result.Action == engine.ActionMerged {
		written = 1
	} else {
		deduped = 1
	}
	logEntry := &types.ExtractionLog{
		Channel:        types.ChannelMCP,
		AgentID:        args.AgentID,
		ParsedCount:    1,
		WrittenCount:   written,
		DedupedCount:   deduped,
		DurationMillis: time.Since(start).Milliseconds(),
	}
	if err := s.store.AppendExtractionLog(ctx, logEntry); err != nil {
		log.Printf("mcp: append extraction log: %v", err)
	}

	switch result.Action {
	case engine.ActionDeduped, engine.ActionKept:
		return textResult(fmt.Sprintf("Already known (matched memory %s).", result.CandidateID)), nil
	default:
		s.mutated()
		return textResult(fmt.Sprintf("Remembered as %s (%s).", result.Memory.ID, result.Action)), nil
	}
}

func (s *Server) toolForget(ctx context.Context, raw json.RawMessage) (*toolResult, error) {
	var args forgetArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("forget: invalid arguments: %w", err)
	}
	if args.ID == "" {
		return nil, fmt.Errorf("forget: id is required")
	}

	if _, err := s.store.GetMemory(ctx, args.ID); err != nil {
		return nil, fmt.Errorf("forget: %w", err)
	}
	if err := s.store.DeleteMemory(ctx, args.ID); err != nil {
		return nil, fmt.Errorf("forget: %w", err)
	}
	if err := s.index.Delete(ctx, []string{args.ID}); err != nil {
		log.Printf("mcp: drop vector %s: %v", args.ID, err)
	}
	s.mutated()
	return textResult(fmt.Sprintf("Forgot memory %s.", args.ID)), nil
}

func (s *Server) toolSearch(ctx context.Context, raw json.RawMessage) (*toolResult, error) {
	var args searchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("search: invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, fmt.Errorf("search: query is required")
	}
	limit := args.Limit
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	resp, err := s.hybrid.Search(ctx, engine.SearchRequest{
		Query:   args.Query,
		AgentID: args.AgentID,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(resp.Results) == 0 {
		return textResult("No matches."), nil
	}

	var b strings.Builder
	for i, r := range resp.Results {
		fmt.Fprintf(&b, "%d. [%s/%s] %s (score %.2f, id %s)\n",
			i+1, r.Memory.Layer, r.Memory.Category, r.Memory.Content, r.FinalScore, r.Memory.ID)
	}
	return textResult(strings.TrimRight(b.String(), "\n")), nil
}

func (s *Server) toolStats(ctx context.Context) (*toolResult, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	vectors, err := s.index.Count(ctx)
	if err != nil {
		vectors = -1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "memories: %d total, %d active\n", stats.TotalMemories, stats.ActiveMemories)
	for _, layer := range []types.Layer{types.LayerCore, types.LayerWorking, types.LayerArchive} {
		if n, ok := stats.ByLayer[layer]; ok {
			fmt.Fprintf(&b, "  %s: %d\n", layer, n)
		}
	}
	fmt.Fprintf(&b, "relations: %d\n", stats.TotalRelations)
	fmt.Fprintf(&b, "agents: %d\n", stats.TotalAgents)
	fmt.Fprintf(&b, "vectors: %d", vectors)
	return textResult(b.String()), nil
}

func (s *Server) toolListRelations(ctx context.Context, raw json.RawMessage) (*toolResult, error) {
	var args listRelationsArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("list_relations: invalid arguments: %w", err)
	}
	limit := args.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	relations, err := s.store.ListRelations(ctx, storage.RelationFilter{
		AgentID:   args.AgentID,
		Subject:   args.Subject,
		Predicate: args.Predicate,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list_relations: %w", err)
	}
	if len(relations) == 0 {
		return textResult("No relations."), nil
	}

	var b strings.Builder
	for _, rel := range relations {
		fmt.Fprintf(&b, "%s -[%s]-> %s (confidence %.2f, seen %d)\n",
			rel.Subject, rel.Predicate, rel.Object, rel.Confidence, rel.ExtractionCount)
	}
	return textResult(strings.TrimRight(b.String(), "\n")), nil
}

func textResult(text string) *toolResult {
	return &toolResult{Content: []toolContent{{Type: "text", Text: text}}}
}

func toolDefinitions() []toolDef {
	return []toolDef{
		{
			Name:        "recall",
			Description: "Retrieve relevant long-term memories for a query, formatted for prompt injection.",
			InputSchema: objectSchema(map[string]interface{}{
				"query":      prop("string", "What to recall memories about"),
				"agent_id":   prop("string", "Agent scope; defaults to the shared agent"),
				"max_tokens": prop("integer", "Token budget for the injected context"),
			}, []string{"query"}),
		},
		{
			Name:        "remember",
			Description: "Store a fact or preference as a long-term memory. Duplicates are merged automatically.",
			InputSchema: objectSchema(map[string]interface{}{
				"content":    prop("string", "The fact to remember, one sentence"),
				"category":   prop("string", "Memory category, e.g. fact, preference, decision"),
				"importance": prop("number", "Importance 0..1; defaults to 0.7"),
				"agent_id":   prop("string", "Agent scope; defaults to the shared agent"),
				"pinned":     prop("boolean", "Pin the memory so lifecycle never archives it"),
			}, []string{"content"}),
		},
		{
			Name:        "forget",
			Description: "Permanently delete a memory by id.",
			InputSchema: objectSchema(map[string]interface{}{
				"id": prop("string", "Memory id to delete"),
			}, []string{"id"}),
		},
		{
			Name:        "search",
			Description: "Hybrid search over memories, returning ranked matches with scores and ids.",
			InputSchema: objectSchema(map[string]interface{}{
				"query":    prop("string", "Search query"),
				"agent_id": prop("string", "Agent scope; defaults to the shared agent"),
				"limit":    prop("integer", "Maximum results, default 10"),
			}, []string{"query"}),
		},
		{
			Name:        "stats",
			Description: "Memory store statistics: counts by layer, relations, agents and vectors.",
			InputSchema: objectSchema(map[string]interface{}{}, nil),
		},
		{
			Name:        "list_relations",
			Description: "List extracted subject-predicate-object relations, optionally filtered.",
			InputSchema: objectSchema(map[string]interface{}{
				"agent_id":  prop("string", "Agent scope"),
				"subject":   prop("string", "Filter by subject"),
				"predicate": prop("string", "Filter by predicate"),
				"limit":     prop("integer", "Maximum results, default 50"),
			}, nil),
		},
	}
}

func objectSchema(props map[string]interface{}, required []string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, desc string) map[string]string {
	return map[string]string{"type": typ, "description": desc}
}
