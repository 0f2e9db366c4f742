package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cortexmem/cortex/internal/clock"
	"github.com/cortexmem/cortex/internal/config"
	"github.com/cortexmem/cortex/internal/llm"
	"github.com/cortexmem/cortex/internal/signal"
	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/pkg/types"
)

// Sieve is the per-exchange ingestion pipeline: a fast regex channel and a
// deep LLM channel feeding the shared MemoryWriter.
type Sieve struct {
	detector *signal.Detector
	chat     llm.ChatProvider
	writer   *MemoryWriter
	store    storage.MemoryStore
	clock    clock.Clock
	cfg      config.MemoryConfig
}

// NewSieve wires the ingestion pipeline.
func NewSieve(detector *signal.Detector, chat llm.ChatProvider, writer *MemoryWriter, store storage.MemoryStore, clk clock.Clock, cfg config.MemoryConfig) *Sieve {
	return &Sieve{detector: detector, chat: chat, writer: writer, store: store, clock: clk, cfg: cfg}
}

// IngestRequest is one user↔assistant exchange.
type IngestRequest struct {
	UserMessage      string              `json:"user_message"`
	AssistantMessage string              `json:"assistant_message"`
	Messages         []types.ChatMessage `json:"messages,omitempty"` // prior context
	AgentID          string              `json:"agent_id,omitempty"`
	SessionID        string              `json:"session_id,omitempty"`
}

// IngestResult reports what each channel contributed.
type IngestResult struct {
	Extracted             []types.Memory        `json:"extracted"`
	HighSignals           []types.Signal        `json:"high_signals"`
	StructuredExtractions []types.Extraction    `json:"structured_extractions"`
	ExtractionLogs        []types.ExtractionLog `json:"extraction_logs"`
}

// Ingest runs both channels over the exchange. Channel failures are
// recoverable: a dead channel contributes zero memories and an error line in
// its log while the other channel still runs.
func (s *Sieve) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.AgentID == "" {
		req.AgentID = types.DefaultAgentID
	}
	user := signal.SanitizeMessage(req.UserMessage)
	assistant := signal.SanitizeMessage(req.AssistantMessage)
	if user == "" && assistant == "" {
		return &IngestResult{}, nil
	}

	var (
		fastResult *channelResult
		deepResult *channelResult
	)
	if s.cfg.ParallelChannels {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			fastResult = s.runFast(ctx, req, user, assistant)
		}()
		go func() {
			defer wg.Done()
			deepResult = s.runDeep(ctx, req, user, assistant)
		}()
		wg.Wait()
	} else {
		fastResult = s.runFast(ctx, req, user, assistant)
		deepResult = s.runDeep(ctx, req, user, assistant)
	}

	result := &IngestResult{
		HighSignals:           fastResult.signals,
		StructuredExtractions: deepResult.extractions,
		Extracted:             append(fastResult.memories, deepResult.memories...),
		ExtractionLogs:        []types.ExtractionLog{fastResult.log, deepResult.log},
	}

	for i := range result.ExtractionLogs {
		if err := s.store.AppendExtractionLog(ctx, &result.ExtractionLogs[i]); err != nil {
			log.Printf("sieve: append extraction log: %v", err)
		}
	}
	return result, nil
}

type channelResult struct {
	memories    []types.Memory
	signals     []types.Signal
	extractions []types.Extraction
	log         types.ExtractionLog
}

// runFast runs the signal detector and writes each signal through the
// legacy dedup path: exact-dup skip, otherwise insert.
func (s *Sieve) runFast(ctx context.Context, req IngestRequest, user, assistant string) *channelResult {
	started := time.Now()
	res := &channelResult{
		log: types.ExtractionLog{
			Channel:   types.ChannelFast,
			AgentID:   req.AgentID,
			SessionID: req.SessionID,
		},
	}

	signals := s.detector.Detect(user, assistant)
	res.signals = signals
	res.log.ParsedCount = len(signals)

	for _, sig := range signals {
		wr, err := s.writer.Write(ctx, WriteRequest{
			Extraction: types.Extraction{
				Content:    sig.Content,
				Category:   sig.Category,
				Importance: sig.Importance,
				Source:     types.SourceObservedPattern,
				Reasoning:  "pattern: " + sig.Pattern,
			},
			AgentID:    req.AgentID,
			Source:     "ingest",
			LegacyPath: true,
			Confidence: sig.Confidence,
		})
		if err != nil {
			log.Printf("sieve: fast channel write failed: %v", err)
			res.log.Error = appendError(res.log.Error, err)
			continue
		}
		switch wr.Action {
		case ActionInserted:
			res.memories = append(res.memories, *wr.Memory)
			res.log.WrittenCount++
		default:
			res.log.DedupedCount++
		}
	}

	res.log.DurationMillis = time.Since(started).Milliseconds()
	return res
}

// runDeep prompts the model with recent context plus this exchange and
// writes every validated extraction through the smart-update path.
func (s *Sieve) runDeep(ctx context.Context, req IngestRequest, user, assistant string) *channelResult {
	started := time.Now()
	res := &channelResult{
		log: types.ExtractionLog{
			Channel:   types.ChannelDeep,
			AgentID:   req.AgentID,
			SessionID: req.SessionID,
		},
	}
	finish := func() *channelResult {
		res.log.DurationMillis = time.Since(started).Milliseconds()
		return res
	}

	contextLines := s.contextLines(req.Messages)
	raw, err := s.chat.Complete(ctx, llm.ExtractionPrompt(contextLines, user, assistant))
	if err != nil {
		res.log.Error = appendError(res.log.Error, err)
		return finish()
	}
	res.log.RawOutput = raw

	parsed := llm.ParseExtraction(raw)
	if parsed.Status == llm.ParseMalformed {
		res.log.Error = appendError(res.log.Error, fmt.Errorf("malformed extraction output"))
		return finish()
	}
	res.extractions = parsed.Memories
	res.log.ParsedCount = len(parsed.Memories)

	for _, ext := range parsed.Memories {
		wr, err := s.writer.Write(ctx, WriteRequest{
			Extraction: ext,
			AgentID:    req.AgentID,
			Source:     "ingest",
		})
		if err != nil {
			log.Printf("sieve: deep channel write failed: %v", err)
			res.log.Error = appendError(res.log.Error, err)
			continue
		}
		switch wr.Action {
		case ActionInserted, ActionReplaced, ActionMerged, ActionConflict:
			res.memories = append(res.memories, *wr.Memory)
			res.log.WrittenCount++
		default:
			res.log.DedupedCount++
		}
	}

	for _, rel := range parsed.Relations {
		sourceID := ""
		if len(res.memories) > 0 {
			sourceID = res.memories[0].ID
		}
		if _, err := s.store.UpsertRelation(ctx, &types.Relation{
			Subject:        rel.Subject,
			Predicate:      rel.Predicate,
			Object:         rel.Object,
			Confidence:     rel.Confidence,
			SourceMemoryID: sourceID,
			AgentID:        req.AgentID,
			Source:         "ingest",
			Expired:        rel.Expired,
		}); err != nil {
			// Relation extraction is a best-effort side path.
			log.Printf("sieve: relation upsert failed: %v", err)
			continue
		}
		res.log.RelationCount++
	}

	return finish()
}

// contextLines renders the last N prior messages as "role: content" lines.
func (s *Sieve) contextLines(messages []types.ChatMessage) []string {
	n := s.cfg.ContextMessages
	if n <= 0 {
		n = 6
	}
	if len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		content := signal.SanitizeMessage(m.Content)
		if content == "" {
			continue
		}
		lines = append(lines, m.Role+": "+content)
	}
	return lines
}

func appendError(existing string, err error) string {
	if existing == "" {
		return err.Error()
	}
	return existing + "; " + err.Error()
}
