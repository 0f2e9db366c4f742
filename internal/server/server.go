// Package server exposes the Cortex HTTP API: recall, ingest, flush and
// search endpoints, memory and relation CRUD, lifecycle controls, agents,
// config and maintenance operations. Routing uses the standard mux with
// method-and-path patterns; auth and rate limiting wrap the /api/v1 subtree.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/cortexmem/cortex/internal/config"
)

const version = "1.0.0"

// Start builds the router and serves it until ctx is cancelled. It returns
// the actual listen address, useful with port 0 in tests. The MCP handler is
// optional and mounted under /mcp/.
func Start(ctx context.Context, manager *config.Manager, api *API, mcp http.Handler) (string, error) {
	handler := Router(manager, api, mcp)
	cfg := manager.Current()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown: %v", err)
		}
	}()

	log.Printf("server: listening on %s", actualAddr)
	return actualAddr, nil
}

// Router assembles the full handler tree. Exposed separately so tests can
// drive it with httptest without opening a socket.
func Router(manager *config.Manager, api *API, mcp http.Handler) http.Handler {
	apiMux := http.NewServeMux()

	apiMux.HandleFunc("POST /api/v1/recall", api.handleRecall)
	apiMux.HandleFunc("POST /api/v1/ingest", api.handleIngest)
	apiMux.HandleFunc("POST /api/v1/flush", api.handleFlush)
	apiMux.HandleFunc("POST /api/v1/search", api.handleSearch)

	apiMux.HandleFunc("GET /api/v1/memories", api.handleListMemories)
	apiMux.HandleFunc("POST /api/v1/memories", api.handleCreateMemory)
	apiMux.HandleFunc("GET /api/v1/memories/{id}", api.handleGetMemory)
	apiMux.HandleFunc("PATCH /api/v1/memories/{id}", api.handleUpdateMemory)
	apiMux.HandleFunc("DELETE /api/v1/memories/{id}", api.handleDeleteMemory)
	apiMux.HandleFunc("GET /api/v1/memories/{id}/chain", api.handleMemoryChain)

	apiMux.HandleFunc("GET /api/v1/relations", api.handleListRelations)
	apiMux.HandleFunc("DELETE /api/v1/relations/{id}", api.handleDeleteRelation)

	apiMux.HandleFunc("POST /api/v1/lifecycle/run", api.handleLifecycleRun)
	apiMux.HandleFunc("POST /api/v1/lifecycle/preview", api.handleLifecyclePreview)
	apiMux.HandleFunc("GET /api/v1/lifecycle/log", api.handleLifecycleLog)

	apiMux.HandleFunc("GET /api/v1/stats", api.handleStats)
	apiMux.HandleFunc("GET /api/v1/extraction-logs", api.handleExtractionLogs)

	apiMux.HandleFunc("GET /api/v1/agents", api.handleListAgents)
	apiMux.HandleFunc("POST /api/v1/agents", api.handleCreateAgent)
	apiMux.HandleFunc("GET /api/v1/agents/{id}", api.handleGetAgent)
	apiMux.HandleFunc("DELETE /api/v1/agents/{id}", api.handleDeleteAgent)

	apiMux.HandleFunc("GET /api/v1/config", api.handleGetConfig)
	apiMux.HandleFunc("PUT /api/v1/config", api.handlePutConfig)

	apiMux.HandleFunc("POST /api/v1/export", api.handleExport)
	apiMux.HandleFunc("POST /api/v1/import", api.handleImport)
	apiMux.HandleFunc("POST /api/v1/reindex", api.handleReindex)

	token := func() string { return manager.Current().Security.AuthToken }
	limiter := newRateLimiter(manager.Current().Security.RateLimitPerMinute)

	mux := http.NewServeMux()
	// Health stays public for monitoring and integration probes.
	mux.HandleFunc("GET /api/v1/health", api.handleHealth)
	mux.Handle("/api/", requireAuth(rateLimit(apiMux, limiter), token))
	if mcp != nil {
		mux.Handle("/mcp/", requireAuth(mcp, token))
	}

	return securityHeaders(mux)
}
