package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Snippet is one recalled piece of long-term memory.
type Snippet struct {
	Content  string
	Distance float64 // cosine distance, lower is more similar
}

// Store persists snippet embeddings in pgvector, keyed by chat so
// recall never crosses chat boundaries.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to Postgres and verifies the connection.
func NewStore(ctx context.Context, pgURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Init creates the pgvector extension, snippet table, and index.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chat_snippets (
			id           BIGSERIAL PRIMARY KEY,
			chat_id      TEXT NOT NULL,
			content      TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			embedding    vector(768) NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (chat_id, content_hash)
		)
	`); err != nil {
		return fmt.Errorf("create snippets table: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_snippets_hnsw
		ON chat_snippets
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`); err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("memory store initialized")
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// InsertBatch stores snippets for one chat in a single transaction.
// Re-inserting a snippet already indexed for that chat is a no-op.
func (s *Store) InsertBatch(ctx context.Context, chatID string, contents []string, hashes []string, embeddings [][]float32) error {
	if len(contents) != len(embeddings) || len(contents) != len(hashes) {
		return fmt.Errorf("mismatched batch sizes: contents=%d hashes=%d embeddings=%d",
			len(contents), len(hashes), len(embeddings))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range contents {
		vec := pgvector.NewVector(embeddings[i])
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_snippets (chat_id, content, content_hash, embedding)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (chat_id, content_hash) DO NOTHING
		`, chatID, contents[i], hashes[i], vec); err != nil {
			return fmt.Errorf("insert snippet: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch tx: %w", err)
	}
	return nil
}

// Hashes returns the content hashes already indexed for a chat.
func (s *Store) Hashes(ctx context.Context, chatID string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT content_hash FROM chat_snippets WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query hashes: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		out[h] = true
	}
	return out, rows.Err()
}

// Search returns the chat's nearest snippets to the query vector.
func (s *Store) Search(ctx context.Context, chatID string, queryVec []float32, limit int) ([]Snippet, error) {
	if limit <= 0 {
		limit = 5
	}
	vec := pgvector.NewVector(queryVec)
	rows, err := s.pool.Query(ctx, `
		SELECT content, embedding <=> $2 AS distance
		FROM chat_snippets
		WHERE chat_id = $1
		ORDER BY distance
		LIMIT $3
	`, chatID, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("search snippets: %w", err)
	}
	defer rows.Close()

	var results []Snippet
	for rows.Next() {
		var sn Snippet
		if err := rows.Scan(&sn.Content, &sn.Distance); err != nil {
			return nil, fmt.Errorf("scan snippet: %w", err)
		}
		results = append(results, sn)
	}
	return results, rows.Err()
}
