package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cortexmem/cortex/internal/clock"
	"github.com/cortexmem/cortex/internal/config"
	"github.com/cortexmem/cortex/internal/llm"
	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/internal/vector"
	"github.com/cortexmem/cortex/pkg/types"
)

// ErrLifecycleRunning is returned when a sweep is already in progress.
var ErrLifecycleRunning = errors.New("lifecycle run already in progress")

// baseImportance weights categories for promotion scoring and decay.
var baseImportance = map[types.Category]float64{
	types.CategoryIdentity:             0.9,
	types.CategoryDecision:             0.85,
	types.CategoryCorrection:           0.85,
	types.CategoryPreference:           0.8,
	types.CategoryConstraint:           0.8,
	types.CategoryPolicy:               0.8,
	types.CategoryGoal:                 0.75,
	types.CategoryRelationship:         0.7,
	types.CategorySkill:                0.7,
	types.CategoryProjectState:         0.65,
	types.CategoryInsight:              0.65,
	types.CategoryFact:                 0.6,
	types.CategoryEntity:               0.55,
	types.CategoryTodo:                 0.5,
	types.CategoryAgentSelfImprovement: 0.5,
	types.CategoryAgentUserHabit:       0.5,
	types.CategoryAgentRelationship:    0.5,
	types.CategoryAgentPersona:         0.45,
	types.CategoryContext:              0.3,
	types.CategorySummary:              0.4,
}

func categoryBaseImportance(c types.Category) float64 {
	if v, ok := baseImportance[c]; ok {
		return v
	}
	return 0.5
}

// LifecycleReport summarizes one sweep.
type LifecycleReport struct {
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	InProgress bool      `json:"in_progress,omitempty"`

	Expired         int `json:"expired"`
	Promoted        int `json:"promoted"`
	Deduped         int `json:"deduped"`
	Archived        int `json:"archived"`
	Compressed      int `json:"compressed"`
	DecayUpdated    int `json:"decay_updated"`
	ProfilesUpdated int `json:"profiles_updated"`

	Errors []string `json:"errors,omitempty"`
}

// LifecycleEngine runs the periodic maintenance sweep: expiry, promotion,
// dedup, archival, compression, decay update and profile synthesis, in that
// order. A process-wide mutex guarantees two runs never overlap.
type LifecycleEngine struct {
	store    storage.MemoryStore
	index    vector.Index
	embedder llm.EmbeddingProvider
	chat     llm.ChatProvider
	clock    clock.Clock
	cfg      config.LifecycleConfig

	mu         sync.Mutex
	running    bool
	lastReport *LifecycleReport

	// profileCache holds synthesized profiles per agent for 24h.
	profileCache *expirable.LRU[string, string]
}

// NewLifecycleEngine wires the maintenance sweep.
func NewLifecycleEngine(store storage.MemoryStore, index vector.Index, embedder llm.EmbeddingProvider, chat llm.ChatProvider, clk clock.Clock, cfg config.LifecycleConfig) *LifecycleEngine {
	return &LifecycleEngine{
		store:        store,
		index:        index,
		embedder:     embedder,
		chat:         chat,
		clock:        clk,
		cfg:          cfg,
		profileCache: expirable.NewLRU[string, string](128, nil, 24*time.Hour),
	}
}

// Run executes all phases in order. Dry-run performs every read and computes
// counts but writes nothing. A concurrent call returns ErrLifecycleRunning
// together with the in-progress report.
func (e *LifecycleEngine) Run(ctx context.Context, dryRun bool) (*LifecycleReport, error) {
	e.mu.Lock()
	if e.running {
		report := e.inProgressReport()
		e.mu.Unlock()
		return report, ErrLifecycleRunning
	}
	e.running = true
	report := &LifecycleReport{DryRun: dryRun, StartedAt: e.clock.Now().UTC(), InProgress: true}
	e.lastReport = report
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		report.InProgress = false
		report.FinishedAt = e.clock.Now().UTC()
		e.mu.Unlock()
	}()

	phases := []struct {
		name string
		run  func(context.Context, bool, *LifecycleReport) error
	}{
		{"expire", e.expireWorking},
		{"promote", e.promoteWorking},
		{"dedup", e.dedupCore},
		{"archive", e.archiveStale},
		{"compress", e.compressArchive},
		{"decay", e.updateDecay},
		{"profile", e.synthesizeProfiles},
	}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := phase.run(ctx, dryRun, report); err != nil {
			// A failing phase is recorded and the sweep continues; every
			// phase is idempotent and the next run retries it.
			log.Printf("lifecycle: %s phase failed: %v", phase.name, err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", phase.name, err))
		}
	}
	return report, nil
}

// LastReport returns the most recent (possibly in-progress) report.
func (e *LifecycleEngine) LastReport() *LifecycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inProgressReport()
}

func (e *LifecycleEngine) inProgressReport() *LifecycleReport {
	if e.lastReport == nil {
		return nil
	}
	copied := *e.lastReport
	return &copied
}

// expireWorking deletes working memories past their TTL and drops vectors.
func (e *LifecycleEngine) expireWorking(ctx context.Context, dryRun bool, report *LifecycleReport) error {
	now := e.clock.Now()
	memories, err := e.listAll(ctx, storage.ListOptions{Layer: types.LayerWorking})
	if err != nil {
		return err
	}

	var expiredIDs []string
	for _, m := range memories {
		if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
			expiredIDs = append(expiredIDs, m.ID)
		}
	}
	report.Expired = len(expiredIDs)
	if dryRun || len(expiredIDs) == 0 {
		return nil
	}

	for _, id := range expiredIDs {
		if err := e.store.DeleteMemory(ctx, id); err != nil {
			return fmt.Errorf("delete expired %s: %w", id, err)
		}
	}
	if err := e.index.Delete(ctx, expiredIDs); err != nil {
		log.Printf("lifecycle: vector delete failed: %v", err)
	}
	e.audit(ctx, "expire", expiredIDs, map[string]interface{}{"count": len(expiredIDs)})
	return nil
}

// promoteWorking promotes working memories older than 24h whose combined
// score clears the threshold: a new core copy supersedes the original.
func (e *LifecycleEngine) promoteWorking(ctx context.Context, dryRun bool, report *LifecycleReport) error {
	now := e.clock.Now()
	candidates, err := e.listAll(ctx, storage.ListOptions{
		Layer:         types.LayerWorking,
		ActiveOnly:    true,
		CreatedBefore: now.Add(-24 * time.Hour),
	})
	if err != nil {
		return err
	}

	for _, m := range candidates {
		score := 0.3*categoryBaseImportance(m.Category) +
			0.4*math.Log(1+float64(m.AccessCount))/math.Log(1+10) +
			0.3*m.Importance
		if score < e.cfg.PromotionThreshold {
			continue
		}
		report.Promoted++
		if dryRun {
			continue
		}

		importance := m.Importance
		if importance < 0.6 {
			importance = 0.6
		}
		promoted := &types.Memory{
			Layer:      types.LayerCore,
			Category:   m.Category,
			Content:    m.Content,
			Source:     "lifecycle:promotion",
			AgentID:    m.AgentID,
			Importance: importance,
			Confidence: m.Confidence,
			IsPinned:   m.IsPinned,
			Metadata:   map[string]interface{}{"promoted_from": m.ID},
		}
		if err := e.store.InsertMemory(ctx, promoted); err != nil {
			return fmt.Errorf("promote insert: %w", err)
		}
		if err := e.store.MarkSuperseded(ctx, m.ID, promoted.ID); err != nil {
			return fmt.Errorf("promote supersede: %w", err)
		}
		e.reembed(ctx, promoted)
		e.audit(ctx, "promote", []string{m.ID, promoted.ID},
			map[string]interface{}{"score": score, "importance": importance})
	}
	return nil
}

// dedupCore scans active core memories newest-first and supersedes the older
// member of any same-agent pair whose trigram Jaccard similarity exceeds the
// threshold. Pinned memories are exempt.
func (e *LifecycleEngine) dedupCore(ctx context.Context, dryRun bool, report *LifecycleReport) error {
	memories, err := e.listAll(ctx, storage.ListOptions{
		Layer:      types.LayerCore,
		ActiveOnly: true,
		SortBy:     "created_at",
		SortOrder:  "desc",
	})
	if err != nil {
		return err
	}

	superseded := make(map[string]bool)
	for i := 0; i < len(memories); i++ {
		newer := &memories[i]
		if newer.IsPinned || superseded[newer.ID] {
			continue
		}
		for j := i + 1; j < len(memories); j++ {
			older := &memories[j]
			if older.IsPinned || superseded[older.ID] || older.AgentID != newer.AgentID {
				continue
			}
			sim := trigramJaccard(
				e.stripBoilerplate(newer.Content),
				e.stripBoilerplate(older.Content),
			)
			if sim <= e.cfg.DedupJaccard {
				continue
			}
			superseded[older.ID] = true
			report.Deduped++
			if dryRun {
				continue
			}
			if err := e.store.MarkSuperseded(ctx, older.ID, newer.ID); err != nil {
				return fmt.Errorf("dedup supersede: %w", err)
			}
			if err := e.index.Delete(ctx, []string{older.ID}); err != nil {
				log.Printf("lifecycle: vector delete failed for %s: %v", older.ID, err)
			}
			e.audit(ctx, "merge", []string{older.ID, newer.ID},
				map[string]interface{}{"similarity": sim})
		}
	}
	return nil
}

// archiveStale moves low-decay core memories to the archive layer with an
// expiry. Pinned memories never archive.
func (e *LifecycleEngine) archiveStale(ctx context.Context, dryRun bool, report *LifecycleReport) error {
	memories, err := e.listAll(ctx, storage.ListOptions{
		Layer:         types.LayerCore,
		ActiveOnly:    true,
		MaxDecayScore: e.cfg.ArchiveThreshold,
	})
	if err != nil {
		return err
	}

	expiresAt := e.clock.Now().UTC().Add(e.cfg.ArchiveTTL.Std())
	var archivedIDs []string
	for _, m := range memories {
		if m.IsPinned {
			continue
		}
		report.Archived++
		archivedIDs = append(archivedIDs, m.ID)
		if dryRun {
			continue
		}
		layer := types.LayerArchive
		exp := expiresAt
		expPtr := &exp
		if err := e.store.UpdateMemory(ctx, m.ID, storage.MemoryPatch{
			Layer:     &layer,
			ExpiresAt: &expPtr,
		}); err != nil {
			return fmt.Errorf("archive %s: %w", m.ID, err)
		}
	}
	if !dryRun && len(archivedIDs) > 0 {
		e.audit(ctx, "archive", archivedIDs, map[string]interface{}{"count": len(archivedIDs)})
	}
	return nil
}

// compressArchive bundles expired archive memories per agent into one
// LLM super-summary written back to the core layer; inputs are superseded
// by the summary. Disabled by CompressBackToCore=false.
func (e *LifecycleEngine) compressArchive(ctx context.Context, dryRun bool, report *LifecycleReport) error {
	if !e.cfg.CompressBackToCore {
		return nil
	}
	now := e.clock.Now()
	memories, err := e.listAll(ctx, storage.ListOptions{Layer: types.LayerArchive})
	if err != nil {
		return err
	}

	byAgent := make(map[string][]types.Memory)
	for _, m := range memories {
		if m.SupersededBy != "" || m.IsPinned {
			continue
		}
		if m.ExpiresAt == nil || !m.ExpiresAt.Before(now) {
			continue
		}
		byAgent[m.AgentID] = append(byAgent[m.AgentID], m)
	}

	agentIDs := make([]string, 0, len(byAgent))
	for agentID := range byAgent {
		agentIDs = append(agentIDs, agentID)
	}
	sort.Strings(agentIDs)

	for _, agentID := range agentIDs {
		bundle := byAgent[agentID]
		if len(bundle) < 2 {
			continue // a single memory gains nothing from compression
		}
		report.Compressed += len(bundle)
		if dryRun {
			continue
		}

		contents := make([]string, len(bundle))
		ids := make([]string, len(bundle))
		for i, m := range bundle {
			contents[i] = m.Content
			ids[i] = m.ID
		}

		summary, err := e.chat.Complete(ctx, llm.SuperSummaryPrompt(contents))
		if err != nil {
			return fmt.Errorf("super-summary for %s: %w", agentID, err)
		}
		summary = strings.TrimSpace(summary)
		if summary == "" {
			continue
		}

		compressed := &types.Memory{
			Layer:      types.LayerCore,
			Category:   types.CategorySummary,
			Content:    summary,
			Source:     "lifecycle:compression",
			AgentID:    agentID,
			Importance: 0.6,
			Confidence: 0.7,
			Metadata:   map[string]interface{}{"compressed_from": ids},
		}
		if err := e.store.InsertMemory(ctx, compressed); err != nil {
			return fmt.Errorf("compression insert: %w", err)
		}
		for _, id := range ids {
			if err := e.store.MarkSuperseded(ctx, id, compressed.ID); err != nil {
				return fmt.Errorf("compression supersede: %w", err)
			}
		}
		e.reembed(ctx, compressed)
		if err := e.index.Delete(ctx, ids); err != nil {
			log.Printf("lifecycle: vector delete failed: %v", err)
		}
		e.audit(ctx, "compress", append(ids, compressed.ID),
			map[string]interface{}{"inputs": len(ids)})
	}
	return nil
}

// updateDecay recomputes decay_score for every active memory:
// clamp(baseImportance·accessFreq + recencyFactor·importance, 0, 1).
func (e *LifecycleEngine) updateDecay(ctx context.Context, dryRun bool, report *LifecycleReport) error {
	now := e.clock.Now()
	memories, err := e.listAll(ctx, storage.ListOptions{ActiveOnly: true})
	if err != nil {
		return err
	}

	for _, m := range memories {
		reference := m.CreatedAt
		if m.LastAccessed != nil && m.LastAccessed.After(reference) {
			reference = *m.LastAccessed
		}
		daysSinceAccess := now.Sub(reference).Hours() / 24
		if daysSinceAccess < 0 {
			daysSinceAccess = 0
		}
		recencyFactor := math.Exp(-e.cfg.DecayLambda * daysSinceAccess)
		accessFreq := math.Log(1+float64(m.AccessCount)) / math.Log(1+20)

		score := categoryBaseImportance(m.Category)*accessFreq + recencyFactor*m.Importance
		score = clampScore(score)

		if score == m.DecayScore {
			continue
		}
		report.DecayUpdated++
		if dryRun {
			continue
		}
		if err := e.store.UpdateMemory(ctx, m.ID, storage.MemoryPatch{DecayScore: &score}); err != nil {
			return fmt.Errorf("decay update %s: %w", m.ID, err)
		}
	}
	if !dryRun && report.DecayUpdated > 0 {
		e.audit(ctx, "decay", nil, map[string]interface{}{"updated": report.DecayUpdated})
	}
	return nil
}

const profileMemoryLimit = 30

// synthesizeProfiles writes a compact user profile for each known agent
// under agent.metadata.profile, cached for 24 hours.
func (e *LifecycleEngine) synthesizeProfiles(ctx context.Context, dryRun bool, report *LifecycleReport) error {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	for _, agent := range agents {
		if _, ok := e.profileCache.Get(agent.ID); ok {
			continue
		}

		memories, err := e.listAll(ctx, storage.ListOptions{
			Layer:      types.LayerCore,
			AgentID:    agent.ID,
			ActiveOnly: true,
			SortBy:     "importance",
			SortOrder:  "desc",
		})
		if err != nil {
			return err
		}

		byCategory := make(map[string][]string)
		taken := 0
		for _, m := range memories {
			if m.Category == types.CategoryContext || m.Category == types.CategorySummary {
				continue
			}
			byCategory[string(m.Category)] = append(byCategory[string(m.Category)], m.Content)
			taken++
			if taken == profileMemoryLimit {
				break
			}
		}
		if taken == 0 {
			continue
		}
		report.ProfilesUpdated++
		if dryRun {
			continue
		}

		profile, err := e.chat.Complete(ctx, llm.ProfilePrompt(byCategory))
		if err != nil {
			return fmt.Errorf("profile synthesis for %s: %w", agent.ID, err)
		}
		profile = strings.TrimSpace(profile)
		if profile == "" {
			continue
		}

		if agent.Metadata == nil {
			agent.Metadata = map[string]interface{}{}
		}
		agent.Metadata["profile"] = profile
		agent.Metadata["profile_updated_at"] = e.clock.Now().UTC().Format(time.RFC3339)
		if err := e.store.UpsertAgent(ctx, &agent); err != nil {
			return fmt.Errorf("profile persist for %s: %w", agent.ID, err)
		}
		e.profileCache.Add(agent.ID, profile)
		e.audit(ctx, "profile", nil, map[string]interface{}{"agent_id": agent.ID, "memories": taken})
	}
	return nil
}

// listAll pages through ListMemories until exhausted.
func (e *LifecycleEngine) listAll(ctx context.Context, opts storage.ListOptions) ([]types.Memory, error) {
	opts.Limit = 500
	opts.Page = 1

	var out []types.Memory
	for {
		page, err := e.store.ListMemories(ctx, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if !page.HasMore {
			return out, nil
		}
		opts.Page++
	}
}

func (e *LifecycleEngine) reembed(ctx context.Context, m *types.Memory) {
	vec, err := e.embedder.Embed(ctx, m.Content)
	if err != nil || len(vec) == 0 {
		log.Printf("lifecycle: re-embed failed for %s", m.ID)
		return
	}
	if err := e.index.Upsert(ctx, m.ID, vec, m.AgentID); err != nil {
		log.Printf("lifecycle: vector upsert failed for %s: %v", m.ID, err)
	}
}

func (e *LifecycleEngine) audit(ctx context.Context, action string, ids []string, details map[string]interface{}) {
	if err := e.store.AppendLifecycleLog(ctx, &types.LifecycleLog{
		Action:    action,
		MemoryIDs: ids,
		Details:   details,
	}); err != nil {
		log.Printf("lifecycle: audit log failed: %v", err)
	}
}

// stripBoilerplate removes configured prefixes ("User said:" and friends)
// before similarity comparison so shared framing doesn't inflate Jaccard.
func (e *LifecycleEngine) stripBoilerplate(content string) string {
	for _, prefix := range e.cfg.BoilerplatePrefixes {
		if strings.HasPrefix(content, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(content, prefix))
		}
	}
	return content
}

// trigramJaccard computes Jaccard similarity over rune trigrams.
func trigramJaccard(a, b string) float64 {
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for t := range ta {
		if tb[t] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func trigrams(s string) map[string]bool {
	runes := []rune(strings.ToLower(s))
	out := make(map[string]bool)
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = true
	}
	return out
}

func clampScore(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
