package memory

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"time"

	"github.com/switchboard-labs/switchboard/pkg/contextstore"
)

// minSnippetLen filters out turns too short to be worth indexing.
const minSnippetLen = 40

// ContextSource is the slice of the context store the sync worker reads.
type ContextSource interface {
	Chats() []string
	Get(chatID string, maxTurns int) contextstore.View
}

// SyncWorker keeps the pgvector snippet index in sync with chat history.
// It polls each chat for un-indexed summaries and turns and embeds them
// in batches.
type SyncWorker struct {
	source    ContextSource
	store     *Store
	client    *EmbedClient
	interval  time.Duration
	batchSize int
}

// NewSyncWorker creates a background sync worker.
func NewSyncWorker(source ContextSource, store *Store, client *EmbedClient, interval time.Duration, batchSize int) *SyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &SyncWorker{
		source:    source,
		store:     store,
		client:    client,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the sync loop. Blocks until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) {
	slog.Info("memory sync worker started", "interval", w.interval, "batch_size", w.batchSize)

	if indexed, err := w.SyncOnce(ctx); err != nil {
		slog.Warn("initial memory sync failed", "error", err)
	} else if indexed > 0 {
		slog.Info("initial memory sync complete", "indexed", indexed)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("memory sync worker stopping")
			return
		case <-ticker.C:
			if indexed, err := w.SyncOnce(ctx); err != nil {
				slog.Warn("memory sync cycle failed", "error", err)
			} else if indexed > 0 {
				slog.Info("memory sync cycle", "indexed", indexed)
			}
		}
	}
}

// SyncOnce indexes whatever each chat has accumulated since the last
// cycle: diff candidate snippets against stored hashes, embed the new
// ones in batches, insert.
func (w *SyncWorker) SyncOnce(ctx context.Context) (int, error) {
	total := 0
	for _, chatID := range w.source.Chats() {
		n, err := w.syncChat(ctx, chatID)
		if err != nil {
			slog.Warn("chat memory sync failed", "chat_id", chatID, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

func (w *SyncWorker) syncChat(ctx context.Context, chatID string) (int, error) {
	view := w.source.Get(chatID, 0)

	var candidates []string
	if view.Summary != "" {
		candidates = append(candidates, view.Summary)
	}
	for _, t := range view.Turns {
		if len(t.Text) >= minSnippetLen {
			candidates = append(candidates, t.Text)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	existing, err := w.store.Hashes(ctx, chatID)
	if err != nil {
		return 0, err
	}

	var contents, hashes []string
	seen := map[string]bool{}
	for _, c := range candidates {
		h := ContentHash(c)
		if existing[h] || seen[h] {
			continue
		}
		seen[h] = true
		contents = append(contents, c)
		hashes = append(hashes, h)
	}
	if len(contents) == 0 {
		return 0, nil
	}

	indexed := 0
	for i := 0; i < len(contents); i += w.batchSize {
		end := i + w.batchSize
		if end > len(contents) {
			end = len(contents)
		}
		embeddings, err := w.client.EmbedDocuments(ctx, contents[i:end])
		if err != nil {
			return indexed, fmt.Errorf("embed batch: %w", err)
		}
		if err := w.store.InsertBatch(ctx, chatID, contents[i:end], hashes[i:end], embeddings); err != nil {
			return indexed, fmt.Errorf("store batch: %w", err)
		}
		indexed += len(embeddings)
	}
	return indexed, nil
}

// ContentHash fingerprints a snippet for staleness-free dedupe.
func ContentHash(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}
