// Package feedback keeps per-(profile, backend) quality scores learned
// from user ratings.
//
// Scores are an exponentially weighted moving average on the 1..5 rating
// scale, persisted in SQLite so they survive restarts. A pairing with too
// few samples reads as neutral so a single bad rating cannot sink a
// backend the router has barely used.
package feedback

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// Neutral is the score reported for pairings below MinSamples.
	Neutral = 3.0

	defaultAlpha      = 0.3
	defaultMinSamples = 3
)

// Options tunes score smoothing and retention.
type Options struct {
	// Alpha is the EWMA smoothing factor in (0, 1]. Higher weighs
	// recent ratings more.
	Alpha float64
	// MinSamples is the sample count below which Score returns Neutral.
	MinSamples int
	// Retention bounds how long raw rating events are kept.
	Retention time.Duration
}

func (o *Options) fill() {
	if o.Alpha <= 0 || o.Alpha > 1 {
		o.Alpha = defaultAlpha
	}
	if o.MinSamples <= 0 {
		o.MinSamples = defaultMinSamples
	}
	if o.Retention <= 0 {
		o.Retention = 90 * 24 * time.Hour
	}
}

// Store persists feedback scores in a SQLite database.
type Store struct {
	db   *sql.DB
	opts Options

	mu sync.Mutex // serializes writes; the driver handles read concurrency
}

// Open creates or opens the feedback database at dir/feedback.db.
func Open(dir string, opts Options) (*Store, error) {
	opts.fill()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create feedback dir: %w", err)
	}
	dbPath := filepath.Join(dir, "feedback.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open feedback db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping feedback db: %w", err)
	}

	s := &Store{db: db, opts: opts}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("feedback store opened", "path", dbPath)
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scores (
			profile    TEXT NOT NULL,
			backend    TEXT NOT NULL,
			channel    TEXT NOT NULL DEFAULT '',
			score      REAL NOT NULL,
			samples    INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (profile, backend, channel)
		);
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			profile    TEXT NOT NULL,
			backend    TEXT NOT NULL,
			channel    TEXT NOT NULL DEFAULT '',
			rating     INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate feedback schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record folds a rating into the EWMA for (profile, backend, channel).
// Ratings outside 1..5 are clamped. An empty channel records at the
// coarse (profile, backend) key.
func (s *Store) Record(profile, backendName, channel string, rating int) error {
	if rating < 1 {
		rating = 1
	}
	if rating > 5 {
		rating = 5
	}
	now := time.Now().UTC().Format("2006-01-02 15:04:05")

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin feedback tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO events (profile, backend, channel, rating, created_at) VALUES (?, ?, ?, ?, ?)`,
		profile, backendName, channel, rating, now,
	); err != nil {
		return fmt.Errorf("insert feedback event: %w", err)
	}

	var old float64
	var samples int
	err = tx.QueryRow(
		`SELECT score, samples FROM scores WHERE profile = ? AND backend = ? AND channel = ?`,
		profile, backendName, channel,
	).Scan(&old, &samples)
	switch {
	case err == sql.ErrNoRows:
		old = float64(rating)
	case err != nil:
		return fmt.Errorf("query feedback score: %w", err)
	}

	score := old + s.opts.Alpha*(float64(rating)-old)
	if _, err := tx.Exec(
		`INSERT INTO scores (profile, backend, channel, score, samples, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT(profile, backend, channel) DO UPDATE SET
			score = excluded.score,
			samples = scores.samples + 1,
			updated_at = excluded.updated_at`,
		profile, backendName, channel, score, now,
	); err != nil {
		return fmt.Errorf("upsert feedback score: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit feedback tx: %w", err)
	}

	slog.Debug("feedback recorded",
		"profile", profile, "backend", backendName, "rating", rating, "score", score)
	return nil
}

// Score returns the learned score for (profile, backend). Channel-scoped
// rows fold into the coarse key as a sample-weighted mean. Pairings with
// fewer than MinSamples total reads return Neutral.
func (s *Store) Score(profile, backendName string) float64 {
	rows, err := s.db.Query(
		`SELECT score, samples FROM scores WHERE profile = ? AND backend = ?`,
		profile, backendName,
	)
	if err != nil {
		slog.Warn("feedback score query failed", "error", err)
		return Neutral
	}
	defer rows.Close()

	var weighted float64
	var total int
	for rows.Next() {
		var score float64
		var samples int
		if err := rows.Scan(&score, &samples); err != nil {
			return Neutral
		}
		weighted += score * float64(samples)
		total += samples
	}
	if total < s.opts.MinSamples {
		return Neutral
	}
	return weighted / float64(total)
}

// Scores returns the score for every backend with feedback under the
// given profile. Backends absent from the map should be read as Neutral.
func (s *Store) Scores(profile string) map[string]float64 {
	out := map[string]float64{}
	rows, err := s.db.Query(
		`SELECT DISTINCT backend FROM scores WHERE profile = ?`, profile,
	)
	if err != nil {
		slog.Warn("feedback scores query failed", "error", err)
		return out
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return out
		}
		names = append(names, name)
	}
	for _, name := range names {
		out[name] = s.Score(profile, name)
	}
	return out
}

// Prune drops raw rating events past the retention window. Aggregated
// scores are kept. Returns the number of events removed.
func (s *Store) Prune() (int64, error) {
	cutoff := time.Now().UTC().Add(-s.opts.Retention).Format("2006-01-02 15:04:05")

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune feedback events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("feedback events pruned", "removed", n)
	}
	return n, nil
}
