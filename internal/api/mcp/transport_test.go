package mcp

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerMessage(t *testing.T) {
	h := newMCPHarness()
	handler := NewHandler(h.server)

	req := httptest.NewRequest(http.MethodPost, "/mcp/message",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"remember"`)
}

func TestHandlerNotificationAccepted(t *testing.T) {
	h := newMCPHarness()
	handler := NewHandler(h.server)

	req := httptest.NewRequest(http.MethodPost, "/mcp/message",
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHandlerRejectsWrongMethod(t *testing.T) {
	h := newMCPHarness()
	handler := NewHandler(h.server)

	req := httptest.NewRequest(http.MethodGet, "/mcp/message", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSSEAnnouncesServerInfo(t *testing.T) {
	h := newMCPHarness()
	srv := httptest.NewServer(NewHandler(h.server))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: server-info\n", event)

	data, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, data, `"name":"cortex"`)
	assert.Contains(t, data, `"endpoint":"/mcp/message"`)
}
