package memory

import (
	"context"
	"log/slog"
)

// maxDistance is the cosine-distance cutoff beyond which a snippet is
// treated as unrelated to the query.
const maxDistance = 0.65

// Memory answers recall queries against the snippet index. It satisfies
// the scheduler's retriever hook.
type Memory struct {
	store  *Store
	client *EmbedClient
	limit  int
}

// New creates a recall front end over the store and embedding client.
func New(store *Store, client *EmbedClient, limit int) *Memory {
	if limit <= 0 {
		limit = 5
	}
	return &Memory{store: store, client: client, limit: limit}
}

// Retrieve returns snippets from the chat's own history relevant to the
// query. Errors are logged and yield no snippets; recall is additive,
// never load-bearing.
func (m *Memory) Retrieve(ctx context.Context, chatID, query string) []string {
	vec, err := m.client.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("memory query embedding failed", "chat_id", chatID, "error", err)
		return nil
	}
	results, err := m.store.Search(ctx, chatID, vec, m.limit)
	if err != nil {
		slog.Warn("memory search failed", "chat_id", chatID, "error", err)
		return nil
	}

	var out []string
	for _, r := range results {
		if r.Distance > maxDistance {
			continue
		}
		out = append(out, r.Content)
	}
	return out
}
