// Command cortex runs the memory service: HTTP API, MCP adapter, nightly
// lifecycle sweep and the optional Markdown export, all over one SQLite store
// and one vector index.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cortexmem/cortex/internal/api/mcp"
	"github.com/cortexmem/cortex/internal/clock"
	"github.com/cortexmem/cortex/internal/config"
	"github.com/cortexmem/cortex/internal/engine"
	"github.com/cortexmem/cortex/internal/export"
	"github.com/cortexmem/cortex/internal/llm"
	"github.com/cortexmem/cortex/internal/scheduler"
	"github.com/cortexmem/cortex/internal/server"
	sigrules "github.com/cortexmem/cortex/internal/signal"
	"github.com/cortexmem/cortex/internal/storage/sqlite"
	"github.com/cortexmem/cortex/internal/vector"
)

func main() {
	probeDims := flag.Int("dims", 0, "Embedding dimensions; 0 probes the embedder at startup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	manager := config.NewManager(cfg)

	clk := clock.Real()

	store, err := sqlite.Open(cfg.Storage.DBPath, clk)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	index, err := openIndex(cfg)
	if err != nil {
		log.Fatalf("Failed to open vector index: %v", err)
	}
	defer index.Close()

	providers, err := llm.Build(cfg.Providers)
	if err != nil {
		log.Fatalf("Failed to build providers: %v", err)
	}
	chat := &hotChat{inner: providers.Chat}
	embedder := &hotEmbedder{inner: providers.Embedder}
	reranker := &hotReranker{inner: providers.Reranker}

	// Provider settings are hot-reloadable; everything downstream sees the
	// swap through the wrappers.
	manager.OnReload(func(next *config.Config) {
		fresh, err := llm.Build(next.Providers)
		if err != nil {
			log.Printf("main: provider rebuild failed, keeping previous chain: %v", err)
			return
		}
		chat.swap(fresh.Chat)
		embedder.swap(fresh.Embedder)
		reranker.swap(fresh.Reranker)
	})
	if err := manager.Watch(); err != nil {
		log.Printf("main: config watch disabled: %v", err)
	}
	defer manager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dims := *probeDims
	if dims == 0 {
		if vec, err := embedder.Embed(ctx, "cortex startup probe"); err == nil {
			dims = len(vec)
		} else {
			log.Printf("main: embedder probe failed, deferring dimension check: %v", err)
		}
	}
	if err := index.Initialize(ctx, dims); err != nil {
		log.Fatalf("Failed to initialize vector index: %v", err)
	}

	detector := sigrules.NewDetector(loadExtraRules(cfg.Memory.PatternFile)...)

	hybrid := engine.NewHybridSearch(store, index, embedder, clk, engine.HybridWeights{
		VectorWeight: cfg.Memory.VectorWeight,
		TextWeight:   cfg.Memory.TextWeight,
		AccessCap:    cfg.Memory.AccessCap,
	})
	writer := engine.NewMemoryWriter(store, index, embedder, chat, clk, cfg.Memory)
	sieve := engine.NewSieve(detector, chat, writer, store, clk, cfg.Memory)
	gate := engine.NewGate(hybrid, chat, reranker.orNil(), cfg.Memory, cfg.Providers.RerankerWeight)
	flush := engine.NewFlush(chat, writer, store, clk, cfg.Memory)
	lifecycle := engine.NewLifecycleEngine(store, index, embedder, chat, clk, cfg.Lifecycle)

	var exporter *export.Writer
	if cfg.Export.Enabled {
		exporter = export.NewWriter(store, clk, cfg.Export)
		defer exporter.Close()
	}

	sched := scheduler.New(lifecycle, clk, cfg.Lifecycle.RunHour)
	sched.Start(ctx)

	mcpServer := mcp.NewServer(store, index, gate, writer, hybrid)
	if exporter != nil {
		mcpServer.OnMutate(exporter.Request)
	}
	mcpHandler := mcp.NewHandler(mcpServer)

	api := &server.API{
		Store:     store,
		Index:     index,
		Embedder:  embedder,
		Gate:      gate,
		Sieve:     sieve,
		Flush:     flush,
		Lifecycle: lifecycle,
		Writer:    writer,
		Hybrid:    hybrid,
		Config:    manager,
	}
	if exporter != nil {
		api.Exporter = exporter
		api.OnMutate = exporter.Request
	}

	addr, err := server.Start(ctx, manager, api, mcpHandler)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Cortex memory service running at http://%s", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()
	<-sched.Done()
}

func openIndex(cfg *config.Config) (vector.Index, error) {
	if cfg.Storage.VectorBackend == "pgvector" && cfg.Storage.PostgresDSN != "" {
		return vector.NewPgvectorIndex(cfg.Storage.PostgresDSN)
	}
	return vector.NewChromemIndex(cfg.Storage.VectorPath)
}

func loadExtraRules(path string) []sigrules.Rule {
	if path == "" {
		return nil
	}
	rules, err := sigrules.LoadRuleFile(path)
	if err != nil {
		log.Printf("main: pattern file %s skipped: %v", path, err)
		return nil
	}
	log.Printf("main: loaded %d extra signal rules from %s", len(rules), path)
	return rules
}

// Hot-swappable provider wrappers. Engines hold these for the process
// lifetime; a config reload only replaces the inner client.

type hotChat struct {
	mu    sync.RWMutex
	inner llm.ChatProvider
}

func (h *hotChat) swap(p llm.ChatProvider) {
	h.mu.Lock()
	h.inner = p
	h.mu.Unlock()
}

func (h *hotChat) Complete(ctx context.Context, prompt string) (string, error) {
	h.mu.RLock()
	p := h.inner
	h.mu.RUnlock()
	return p.Complete(ctx, prompt)
}

func (h *hotChat) GetModel() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inner.GetModel()
}

type hotEmbedder struct {
	mu    sync.RWMutex
	inner llm.EmbeddingProvider
}

func (h *hotEmbedder) swap(p llm.EmbeddingProvider) {
	h.mu.Lock()
	h.inner = p
	h.mu.Unlock()
}

func (h *hotEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h.mu.RLock()
	p := h.inner
	h.mu.RUnlock()
	return p.Embed(ctx, text)
}

func (h *hotEmbedder) GetModel() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inner.GetModel()
}

type hotReranker struct {
	mu    sync.RWMutex
	inner llm.Reranker
}

func (h *hotReranker) swap(p llm.Reranker) {
	h.mu.Lock()
	h.inner = p
	h.mu.Unlock()
}

// orNil returns nil when reranking is disabled so the gate skips the stage
// entirely instead of calling through a nil inner provider.
func (h *hotReranker) orNil() llm.Reranker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.inner == nil {
		return nil
	}
	return h
}

func (h *hotReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	h.mu.RLock()
	p := h.inner
	h.mu.RUnlock()
	if p == nil {
		return nil, nil
	}
	return p.Rerank(ctx, query, documents)
}
