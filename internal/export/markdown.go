// Package export renders the memory store as human-readable Markdown files so
// users can read, diff and version their agent's memory outside the service.
// Core memories land in MEMORY.md grouped by category, working memories in
// per-day files and archive memories in per-month files.
package export

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cortexmem/cortex/internal/clock"
	"github.com/cortexmem/cortex/internal/config"
	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/pkg/types"
)

const pageSize = 500

// Writer renders memories to a directory of Markdown files. Request marks the
// export dirty; a background debounce collapses bursts of writes into one
// rewrite. Export runs immediately and is what the HTTP endpoint calls.
type Writer struct {
	store storage.MemoryStore
	clk   clock.Clock
	cfg   config.ExportConfig

	mu      sync.Mutex
	pending *time.Timer
	closed  bool
}

func NewWriter(store storage.MemoryStore, clk clock.Clock, cfg config.ExportConfig) *Writer {
	return &Writer{store: store, clk: clk, cfg: cfg}
}

// Request schedules a debounced export. Safe to call from any goroutine; a
// call while a rewrite is already pending resets the timer.
func (w *Writer) Request() {
	if !w.cfg.Enabled {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	debounce := w.cfg.Debounce.Std()
	if debounce <= 0 {
		debounce = 5 * time.Minute
	}
	if w.pending != nil {
		w.pending.Reset(debounce)
		return
	}
	w.pending = time.AfterFunc(debounce, func() {
		w.mu.Lock()
		w.pending = nil
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := w.Export(ctx); err != nil {
			log.Printf("export: debounced rewrite: %v", err)
		}
	})
}

// Close cancels any pending debounced rewrite.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
}

// Export rewrites all Markdown files now and returns the paths written.
func (w *Writer) Export(ctx context.Context) ([]string, error) {
	if w.cfg.Dir == "" {
		return nil, fmt.Errorf("export: no directory configured")
	}

	memories, err := w.listActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: list memories: %w", err)
	}

	byLayer := make(map[types.Layer][]types.Memory)
	for _, m := range memories {
		byLayer[m.Layer] = append(byLayer[m.Layer], m)
	}

	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create dir: %w", err)
	}

	var written []string
	path, err := w.writeCore(byLayer[types.LayerCore])
	if err != nil {
		return written, err
	}
	written = append(written, path)

	paths, err := w.writeDated(filepath.Join(w.cfg.Dir, "working"), byLayer[types.LayerWorking], "2006-01-02", "Working Memory")
	if err != nil {
		return written, err
	}
	written = append(written, paths...)

	paths, err = w.writeDated(filepath.Join(w.cfg.Dir, "archive"), byLayer[types.LayerArchive], "2006-01", "Archive")
	if err != nil {
		return written, err
	}
	written = append(written, paths...)

	return written, nil
}

func (w *Writer) listActive(ctx context.Context) ([]types.Memory, error) {
	var all []types.Memory
	for page := 1; ; page++ {
		res, err := w.store.ListMemories(ctx, storage.ListOptions{
			Page:       page,
			Limit:      pageSize,
			ActiveOnly: true,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, res.Items...)
		if !res.HasMore {
			return all, nil
		}
	}
}

// writeCore renders MEMORY.md: core memories grouped by category, pinned
// entries flagged, highest importance first within a group.
func (w *Writer) writeCore(memories []types.Memory) (string, error) {
	byCategory := make(map[types.Category][]types.Memory)
	for _, m := range memories {
		byCategory[m.Category] = append(byCategory[m.Category], m)
	}

	categories := make([]types.Category, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	var b strings.Builder
	fmt.Fprintf(&b, "# Memory\n\nGenerated %s. %d core memories.\n",
		w.clk.Now().Format(time.RFC3339), len(memories))

	for _, category := range categories {
		group := byCategory[category]
		sort.Slice(group, func(i, j int) bool {
			if group[i].Importance != group[j].Importance {
				return group[i].Importance > group[j].Importance
			}
			return group[i].ID < group[j].ID
		})

		fmt.Fprintf(&b, "\n## %s\n\n", category)
		for _, m := range group {
			pin := ""
			if m.IsPinned {
				pin = " 📌"
			}
			fmt.Fprintf(&b, "- %s%s _(importance %.2f, agent %s)_\n", m.Content, pin, m.Importance, m.AgentID)
		}
	}

	path := filepath.Join(w.cfg.Dir, "MEMORY.md")
	if err := atomicWrite(path, []byte(b.String())); err != nil {
		return "", fmt.Errorf("export: write %s: %w", path, err)
	}
	return path, nil
}

// writeDated buckets memories by CreatedAt using the given layout (day for
// working, month for archive) and writes one file per bucket.
func (w *Writer) writeDated(dir string, memories []types.Memory, layout, title string) ([]string, error) {
	if len(memories) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create dir: %w", err)
	}

	buckets := make(map[string][]types.Memory)
	for _, m := range memories {
		buckets[m.CreatedAt.Format(layout)] = append(buckets[m.CreatedAt.Format(layout)], m)
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var written []string
	for _, key := range keys {
		group := buckets[key]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })

		var b strings.Builder
		fmt.Fprintf(&b, "# %s %s\n\n", title, key)
		for _, m := range group {
			fmt.Fprintf(&b, "- [%s] %s _(decay %.2f)_\n", m.Category, m.Content, m.DecayScore)
		}

		path := filepath.Join(dir, key+".md")
		if err := atomicWrite(path, []byte(b.String())); err != nil {
			return written, fmt.Errorf("export: write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// atomicWrite avoids readers seeing a half-written file.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
