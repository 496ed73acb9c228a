// Package contextstore owns per-chat conversational history.
//
// Contexts are keyed by chat identifier and held in memory as the
// authoritative copy. A SQLite write-behind worker persists them so
// history survives restarts; persistence failures are logged as storage
// errors and never fail the conversational path.
package contextstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

// Turn is one exchange entry in a chat's history.
type Turn struct {
	Role      string    `json:"role"` // user, assistant
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// View is a read-only copy of one chat's context. Mutating a View does
// not affect the store.
type View struct {
	ChatID       string
	Summary      string
	Turns        []Turn
	LastActivity time.Time
}

// Summarizer condenses older turns into a rolling summary. The previous
// summary is passed in so it can be folded forward.
type Summarizer func(ctx context.Context, previous string, older []Turn) (string, error)

// StorageError wraps a persistence failure. It is logged, never
// propagated as a task failure; in-memory state stays authoritative.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("context storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Options tunes summarization and persistence.
type Options struct {
	// SummarizeAfter is the turn count that triggers summarization.
	SummarizeAfter int
	// KeepRecent is how many recent turns survive a summarization pass.
	KeepRecent int
	// Summarizer condenses older turns. Nil means truncation only.
	Summarizer Summarizer
}

func (o *Options) fill() {
	if o.SummarizeAfter <= 0 {
		o.SummarizeAfter = 24
	}
	if o.KeepRecent <= 0 || o.KeepRecent >= o.SummarizeAfter {
		o.KeepRecent = 8
	}
}

type chatContext struct {
	summary      string
	turns        []Turn
	lastActivity time.Time
}

type persistJob struct {
	chatID string
	view   View
}

// Store holds all chat contexts.
type Store struct {
	mu    sync.RWMutex
	chats map[string]*chatContext
	opts  Options

	db      *sql.DB
	jobs    chan persistJob
	done    chan struct{}
	closing sync.Once
}

// Open creates or opens the context database at dir/context.db, loads
// persisted chats into memory, and starts the write-behind worker.
func Open(dir string, opts Options) (*Store, error) {
	opts.fill()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create context dir: %w", err)
	}
	dbPath := filepath.Join(dir, "context.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open context db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping context db: %w", err)
	}

	s := &Store{
		chats: map[string]*chatContext{},
		opts:  opts,
		db:    db,
		jobs:  make(chan persistJob, 256),
		done:  make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	go s.persistLoop()

	slog.Info("context store opened", "path", dbPath, "chats", len(s.chats))
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			chat_id       TEXT PRIMARY KEY,
			summary       TEXT NOT NULL DEFAULT '',
			last_activity TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS turns (
			chat_id TEXT NOT NULL,
			seq     INTEGER NOT NULL,
			role    TEXT NOT NULL,
			text    TEXT NOT NULL,
			ts      TEXT NOT NULL,
			PRIMARY KEY (chat_id, seq)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate context schema: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT chat_id, summary, last_activity FROM chats`)
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, summary, last string
		if err := rows.Scan(&id, &summary, &last); err != nil {
			return fmt.Errorf("scan chat: %w", err)
		}
		cc := &chatContext{summary: summary, lastActivity: parseTime(last)}
		s.chats[id] = cc
	}
	if err := rows.Err(); err != nil {
		return err
	}

	trows, err := s.db.Query(`SELECT chat_id, role, text, ts FROM turns ORDER BY chat_id, seq`)
	if err != nil {
		return fmt.Errorf("load turns: %w", err)
	}
	defer trows.Close()
	for trows.Next() {
		var id, role, text, ts string
		if err := trows.Scan(&id, &role, &text, &ts); err != nil {
			return fmt.Errorf("scan turn: %w", err)
		}
		cc := s.chats[id]
		if cc == nil {
			continue
		}
		cc.turns = append(cc.turns, Turn{Role: role, Text: text, Timestamp: parseTime(ts)})
	}
	return trows.Err()
}

// Close drains pending persistence work and closes the database.
func (s *Store) Close() error {
	s.closing.Do(func() {
		close(s.jobs)
		<-s.done
	})
	return s.db.Close()
}

// Append records a turn for a chat, creating the context lazily. A turn
// identical to the chat's most recent one (same role, text, timestamp)
// is dropped, so redelivered messages do not duplicate history.
func (s *Store) Append(chatID string, t Turn) {
	s.mu.Lock()
	cc := s.chats[chatID]
	if cc == nil {
		cc = &chatContext{}
		s.chats[chatID] = cc
	}
	if n := len(cc.turns); n > 0 {
		last := cc.turns[n-1]
		if last.Role == t.Role && last.Text == t.Text && last.Timestamp.Equal(t.Timestamp) {
			s.mu.Unlock()
			return
		}
	}
	cc.turns = append(cc.turns, t)
	cc.lastActivity = t.Timestamp
	view := cc.viewLocked(chatID)
	s.mu.Unlock()

	s.enqueue(persistJob{chatID: chatID, view: view})
}

// Get returns a copy of the chat's context. maxTurns > 0 limits the view
// to the most recent turns; 0 returns everything. Unseen chats yield an
// empty view and are not created.
func (s *Store) Get(chatID string, maxTurns int) View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cc := s.chats[chatID]
	if cc == nil {
		return View{ChatID: chatID}
	}
	v := cc.viewLocked(chatID)
	if maxTurns > 0 && len(v.Turns) > maxTurns {
		v.Turns = append([]Turn(nil), v.Turns[len(v.Turns)-maxTurns:]...)
	}
	return v
}

// Chats returns all known chat identifiers.
func (s *Store) Chats() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	return ids
}

func (cc *chatContext) viewLocked(chatID string) View {
	turns := make([]Turn, len(cc.turns))
	copy(turns, cc.turns)
	return View{
		ChatID:       chatID,
		Summary:      cc.summary,
		Turns:        turns,
		LastActivity: cc.lastActivity,
	}
}

// SummarizeIfNeeded folds older turns into the rolling summary once the
// turn count passes the threshold. When the summarizer fails or is nil,
// older turns are head-truncated into the summary instead, so the
// context is bounded either way.
func (s *Store) SummarizeIfNeeded(ctx context.Context, chatID string) {
	s.mu.RLock()
	cc := s.chats[chatID]
	var older []Turn
	var previous string
	if cc != nil && len(cc.turns) > s.opts.SummarizeAfter {
		previous = cc.summary
		older = make([]Turn, len(cc.turns)-s.opts.KeepRecent)
		copy(older, cc.turns[:len(cc.turns)-s.opts.KeepRecent])
	}
	s.mu.RUnlock()
	if len(older) == 0 {
		return
	}

	var summary string
	if s.opts.Summarizer != nil {
		var err error
		summary, err = s.opts.Summarizer(ctx, previous, older)
		if err != nil {
			slog.Warn("chat summarization failed, truncating instead",
				"chat_id", chatID, "error", err)
			summary = ""
		}
	}
	if summary == "" {
		summary = truncateSummary(previous, older)
	}

	s.mu.Lock()
	cc = s.chats[chatID]
	if cc == nil || len(cc.turns) <= s.opts.SummarizeAfter {
		// Context changed while summarizing; keep whatever is current.
		s.mu.Unlock()
		return
	}
	cc.turns = append([]Turn(nil), cc.turns[len(cc.turns)-s.opts.KeepRecent:]...)
	cc.summary = summary
	view := cc.viewLocked(chatID)
	s.mu.Unlock()

	slog.Debug("chat summarized", "chat_id", chatID, "kept_turns", s.opts.KeepRecent)
	s.enqueue(persistJob{chatID: chatID, view: view})
}

// truncateSummary is the no-model fallback: carry the old summary and a
// clipped transcript of the dropped turns.
func truncateSummary(previous string, older []Turn) string {
	var b strings.Builder
	if previous != "" {
		b.WriteString(previous)
		b.WriteString("\n")
	}
	for _, t := range older {
		line := t.Role + ": " + t.Text
		if utf8.RuneCountInString(line) > 120 {
			line = string([]rune(line)[:120]) + "..."
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	out := b.String()
	if len(out) > 4000 {
		out = out[len(out)-4000:]
		// Drop continuation bytes left by the cut.
		for len(out) > 0 && !utf8.RuneStart(out[0]) {
			out = out[1:]
		}
	}
	return strings.TrimSpace(out)
}

// enqueue hands a snapshot to the write-behind worker without blocking.
// A full queue drops the job; the next append re-snapshots the chat.
func (s *Store) enqueue(job persistJob) {
	select {
	case s.jobs <- job:
	default:
		serr := &StorageError{Op: "enqueue", Err: fmt.Errorf("persist queue full, chat %s snapshot dropped", job.chatID)}
		slog.Warn("context persistence backlogged", "error", serr)
	}
}

func (s *Store) persistLoop() {
	defer close(s.done)
	for job := range s.jobs {
		if err := s.persist(job); err != nil {
			slog.Warn("context persistence failed",
				"chat_id", job.chatID, "error", &StorageError{Op: "persist", Err: err})
		}
	}
}

// persist writes one chat snapshot. Whole-chat replacement keeps the
// table consistent with the in-memory copy after summarization rewrites
// the turn list.
func (s *Store) persist(job persistJob) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	v := job.view
	if _, err := tx.Exec(
		`INSERT INTO chats (chat_id, summary, last_activity) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
			summary = excluded.summary,
			last_activity = excluded.last_activity`,
		job.chatID, v.Summary, v.LastActivity.UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM turns WHERE chat_id = ?`, job.chatID); err != nil {
		return err
	}
	for i, t := range v.Turns {
		if _, err := tx.Exec(
			`INSERT INTO turns (chat_id, seq, role, text, ts) VALUES (?, ?, ?, ?, ?)`,
			job.chatID, i, t.Role, t.Text, t.Timestamp.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func parseTime(s string) time.Time {
	for _, f := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
