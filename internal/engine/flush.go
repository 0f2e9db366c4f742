package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cortexmem/cortex/internal/clock"
	"github.com/cortexmem/cortex/internal/config"
	"github.com/cortexmem/cortex/internal/llm"
	"github.com/cortexmem/cortex/internal/signal"
	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/pkg/types"
)

// Flush distills a whole conversation into memories when an agent's context
// window is about to be compacted.
type Flush struct {
	chat   llm.ChatProvider
	writer *MemoryWriter
	store  storage.MemoryStore
	clock  clock.Clock
	cfg    config.MemoryConfig
}

// NewFlush wires the session-boundary distiller.
func NewFlush(chat llm.ChatProvider, writer *MemoryWriter, store storage.MemoryStore, clk clock.Clock, cfg config.MemoryConfig) *Flush {
	return &Flush{chat: chat, writer: writer, store: store, clock: clk, cfg: cfg}
}

// FlushRequest carries the conversation to distill.
type FlushRequest struct {
	Messages  []types.ChatMessage `json:"messages"`
	AgentID   string              `json:"agent_id,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

// FlushResult reports what the distillation wrote.
type FlushResult struct {
	Flushed       []types.Memory       `json:"flushed"`
	Summary       string               `json:"summary"`
	ExtractionLog *types.ExtractionLog `json:"extraction_log,omitempty"`
}

// Run performs the two-call distillation: a highlights summary and a
// structured core-item extraction, both over the whole conversation. When
// zero memories survive, the highlights are stored as a fallback summary in
// the working layer so the session leaves a trace.
func (f *Flush) Run(ctx context.Context, req FlushRequest) (*FlushResult, error) {
	started := time.Now()
	if req.AgentID == "" {
		req.AgentID = types.DefaultAgentID
	}

	conversation := f.buildConversation(req.Messages)
	if conversation == "" {
		return &FlushResult{}, nil
	}

	source := "flush"
	if req.SessionID != "" {
		source = "flush:" + req.SessionID
	}

	extractionLog := &types.ExtractionLog{
		Channel:   types.ChannelFlush,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
	}
	result := &FlushResult{ExtractionLog: extractionLog}

	// Call #1: highlights. Failure is tolerable; the structured call may
	// still produce memories.
	summary, err := f.chat.Complete(ctx, llm.FlushHighlightsPrompt(conversation))
	if err != nil {
		log.Printf("flush: highlights call failed: %v", err)
		extractionLog.Error = appendError(extractionLog.Error, err)
	} else {
		result.Summary = strings.TrimSpace(summary)
	}

	// Call #2: structured core items.
	raw, err := f.chat.Complete(ctx, llm.FlushExtractionPrompt(conversation))
	if err != nil {
		extractionLog.Error = appendError(extractionLog.Error, err)
	} else {
		extractionLog.RawOutput = raw
		parsed := llm.ParseExtraction(raw)
		if parsed.Status == llm.ParseMalformed {
			extractionLog.Error = appendError(extractionLog.Error, fmt.Errorf("malformed flush output"))
		}
		extractionLog.ParsedCount = len(parsed.Memories)

		for _, ext := range parsed.Memories {
			wr, err := f.writer.Write(ctx, WriteRequest{
				Extraction: ext,
				AgentID:    req.AgentID,
				Source:     source,
			})
			if err != nil {
				log.Printf("flush: write failed: %v", err)
				extractionLog.Error = appendError(extractionLog.Error, err)
				continue
			}
			switch wr.Action {
			case ActionInserted, ActionReplaced, ActionMerged, ActionConflict:
				result.Flushed = append(result.Flushed, *wr.Memory)
				extractionLog.WrittenCount++
			default:
				extractionLog.DedupedCount++
			}
		}

		for _, rel := range parsed.Relations {
			if _, err := f.store.UpsertRelation(ctx, &types.Relation{
				Subject:    rel.Subject,
				Predicate:  rel.Predicate,
				Object:     rel.Object,
				Confidence: rel.Confidence,
				AgentID:    req.AgentID,
				Source:     source,
				Expired:    rel.Expired,
			}); err != nil {
				log.Printf("flush: relation upsert failed: %v", err)
				continue
			}
			extractionLog.RelationCount++
		}
	}

	// Fallback: keep the highlights as a working-layer summary when the
	// structured pass wrote nothing.
	if len(result.Flushed) == 0 && result.Summary != "" {
		expiresAt := f.clock.Now().UTC().Add(f.cfg.WorkingTTL.Std())
		m := &types.Memory{
			Layer:      types.LayerWorking,
			Category:   types.CategorySummary,
			Content:    result.Summary,
			Source:     source,
			AgentID:    req.AgentID,
			Importance: 0.5,
			Confidence: 0.6,
			ExpiresAt:  &expiresAt,
			Metadata:   map[string]interface{}{"fallback": true},
		}
		if err := f.store.InsertMemory(ctx, m); err != nil {
			log.Printf("flush: fallback summary insert failed: %v", err)
		} else {
			result.Flushed = append(result.Flushed, *m)
			extractionLog.WrittenCount++
		}
	}

	extractionLog.DurationMillis = time.Since(started).Milliseconds()
	if err := f.store.AppendExtractionLog(ctx, extractionLog); err != nil {
		log.Printf("flush: append extraction log: %v", err)
	}
	return result, nil
}

// buildConversation joins "role: content" lines, dropping sanitized messages
// of 10 characters or fewer and truncating to the configured max length.
func (f *Flush) buildConversation(messages []types.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		content := signal.SanitizeMessage(m.Content)
		if len(content) <= 10 {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteByte('\n')
	}

	text := strings.TrimSpace(b.String())
	max := f.cfg.FlushMaxChars
	if max <= 0 {
		max = 20000
	}
	if len(text) > max {
		text = truncateUTF8(text, max)
	}
	return text
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
