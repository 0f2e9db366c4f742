package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const (
	maxMessageBytes   = 4 << 20
	keepaliveInterval = 15 * time.Second
	rpcTimeout        = 30 * time.Second
)

// Handler serves the MCP server over HTTP: JSON-RPC on POST /mcp/message and
// an SSE announcement stream on GET /mcp/sse. Mount it under /mcp/.
type Handler struct {
	server *Server
	mux    *http.ServeMux
}

func NewHandler(server *Server) *Handler {
	h := &Handler{server: server, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /mcp/message", h.handleMessage)
	h.mux.HandleFunc("GET /mcp/sse", h.handleSSE)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, `{"error":"read body"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), rpcTimeout)
	defer cancel()

	resp, err := h.server.HandleRequest(ctx, body)
	if err != nil {
		log.Printf("mcp: handle request: %v", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if resp == nil {
		// Notification: acknowledge with no body.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		log.Printf("mcp: write response: %v", err)
	}
}

// handleSSE announces server info and then keeps the stream open with comment
// keepalives so proxies do not cut the connection.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	info, _ := json.Marshal(map[string]interface{}{
		"name":            serverName,
		"version":         serverVersion,
		"protocolVersion": protocolVersion,
		"endpoint":        "/mcp/message",
	})
	fmt.Fprintf(w, "event: server-info\ndata: %s\n\n", info)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
