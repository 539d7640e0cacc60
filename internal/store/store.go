// Package store implements SQLite persistence for Mel's learning data.
// Patterns and interactions live in a single database at .mel/mel.db.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mel/internal/logging"
)

// ErrNotFound is returned when a pattern does not exist.
var ErrNotFound = errors.New("pattern not found")

// Pattern is a learned coding pattern with reinforcement state.
type Pattern struct {
	ID         int64     `json:"id"`
	Pattern    string    `json:"pattern"`    // normalized pattern key
	Context    string    `json:"context"`    // raw editor context it was learned from
	Response   string    `json:"response"`   // suggestion text to offer
	Confidence float64   `json:"confidence"` // 0.0-1.0, reinforced on reuse
	UsageCount int64     `json:"usage_count"`
	Embedding  []byte    `json:"-"` // optional embedding vector, little-endian float32
	CreatedAt  time.Time `json:"created_at"`
	LastUsed   time.Time `json:"last_used"`
}

// Interaction is one recorded editor event.
type Interaction struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Context   string    `json:"context"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes the store contents.
type Stats struct {
	PatternCount     int64
	InteractionCount int64
	AvgConfidence    float64
}

// Store manages the Mel SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and initializes the schema.
// Schema initialization is idempotent.
func Open(path string) (*Store, error) {
	logging.Store("Opening database at %s", path)

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database: %v", err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; SQLite serializes writes anyway and this avoids
	// SQLITE_BUSY under concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster on write
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Database ready at %s", path)
	return s, nil
}

// OpenDefault opens the database at .mel/mel.db under the workspace root.
func OpenDefault(workspace string) (*Store, error) {
	return Open(filepath.Join(workspace, ".mel", "mel.db"))
}

func (s *Store) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS learning_patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern TEXT NOT NULL UNIQUE,
		context TEXT NOT NULL DEFAULT '',
		response TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 1.0,
		usage_count INTEGER NOT NULL DEFAULT 1,
		embedding BLOB,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_used TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_confidence ON learning_patterns(confidence);
	CREATE INDEX IF NOT EXISTS idx_patterns_last_used ON learning_patterns(last_used);

	CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SavePattern upserts a pattern. A new pattern starts at the given
// confidence; an existing one is reinforced by +0.1, capped at 1.0.
func (s *Store) SavePattern(ctx context.Context, p *Pattern) error {
	timer := logging.StartTimer(logging.CategoryStore, "Store.SavePattern")
	defer timer.Stop()

	if p.Pattern == "" {
		return fmt.Errorf("pattern key required")
	}
	if p.Confidence <= 0 || p.Confidence > 1.0 {
		p.Confidence = 1.0
	}

	logging.StoreDebug("Saving pattern: key=%q confidence=%.2f", p.Pattern, p.Confidence)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learning_patterns (pattern, context, response, confidence, embedding)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pattern) DO UPDATE SET
			confidence = MIN(1.0, confidence + 0.1),
			usage_count = usage_count + 1,
			context = excluded.context,
			response = excluded.response,
			embedding = COALESCE(excluded.embedding, embedding),
			last_used = CURRENT_TIMESTAMP
	`, p.Pattern, p.Context, p.Response, p.Confidence, p.Embedding)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save pattern %q: %v", p.Pattern, err)
		return fmt.Errorf("failed to save pattern: %w", err)
	}

	logging.StoreDebug("Pattern saved/reinforced: %q", p.Pattern)
	return nil
}

// GetPattern retrieves a pattern by its key.
func (s *Store) GetPattern(ctx context.Context, key string) (*Pattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pattern, context, response, confidence, usage_count, embedding, created_at, last_used
		FROM learning_patterns
		WHERE pattern = ?
	`, key)

	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pattern: %w", err)
	}
	return p, nil
}

// MatchCandidates returns patterns eligible for suggestion matching.
// Low-confidence patterns (<= 0.3) are excluded; they have faded too
// far to be worth offering.
func (s *Store) MatchCandidates(ctx context.Context, limit int) ([]Pattern, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Store.MatchCandidates")
	defer timer.Stop()

	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pattern, context, response, confidence, usage_count, embedding, created_at, last_used
		FROM learning_patterns
		WHERE confidence > 0.3
		ORDER BY confidence DESC, last_used DESC
		LIMIT ?
	`, limit)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to load match candidates: %v", err)
		return nil, fmt.Errorf("failed to load match candidates: %w", err)
	}
	defer rows.Close()

	var patterns []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable pattern row: %v", err)
			continue
		}
		patterns = append(patterns, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logging.StoreDebug("Loaded %d match candidates (confidence > 0.3)", len(patterns))
	return patterns, nil
}

// TouchPattern records a successful use: bumps usage count, reinforces
// confidence by +0.05, and refreshes last_used.
func (s *Store) TouchPattern(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE learning_patterns
		SET usage_count = usage_count + 1,
			confidence = MIN(1.0, confidence + 0.05),
			last_used = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to touch pattern: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePattern removes a pattern by key. Used when a suggestion is
// explicitly rejected enough times to be unlearned.
func (s *Store) DeletePattern(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM learning_patterns WHERE pattern = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete pattern: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	logging.StoreDebug("Pattern deleted: %q", key)
	return nil
}

// PenalizePattern reduces a pattern's confidence after a rejection.
func (s *Store) PenalizePattern(ctx context.Context, id int64, penalty float64) error {
	if penalty <= 0 {
		penalty = 0.2
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE learning_patterns
		SET confidence = MAX(0.0, confidence - ?)
		WHERE id = ?
	`, penalty, id)
	if err != nil {
		return fmt.Errorf("failed to penalize pattern: %w", err)
	}
	return nil
}

// DecayConfidence fades patterns that have not been used recently.
// Patterns older than 7 days lose confidence multiplicatively; anything
// that drops below 0.1 is pruned.
func (s *Store) DecayConfidence(ctx context.Context, decayFactor float64) (decayed, pruned int64, err error) {
	timer := logging.StartTimer(logging.CategoryStore, "Store.DecayConfidence")
	defer timer.Stop()

	if decayFactor <= 0 || decayFactor >= 1 {
		decayFactor = 0.9
	}

	logging.Store("Decaying pattern confidence (factor=%.2f)", decayFactor)

	result, err := s.db.ExecContext(ctx, `
		UPDATE learning_patterns
		SET confidence = confidence * ?
		WHERE last_used < datetime('now', '-7 days')
	`, decayFactor)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to decay confidence: %v", err)
		return 0, 0, fmt.Errorf("failed to decay confidence: %w", err)
	}
	decayed, _ = result.RowsAffected()

	result, err = s.db.ExecContext(ctx, `DELETE FROM learning_patterns WHERE confidence < 0.1`)
	if err != nil {
		return decayed, 0, fmt.Errorf("failed to prune faded patterns: %w", err)
	}
	pruned, _ = result.RowsAffected()

	logging.StoreDebug("Decayed %d patterns, pruned %d", decayed, pruned)
	return decayed, pruned, nil
}

// RecordInteraction appends one editor event to the interaction log.
func (s *Store) RecordInteraction(ctx context.Context, i *Interaction) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (session_id, context, action)
		VALUES (?, ?, ?)
	`, i.SessionID, i.Context, i.Action)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to record interaction: %v", err)
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	i.ID, _ = result.LastInsertId()
	return nil
}

// RecentInteractions returns the most recent interactions, newest first.
// An empty sessionID returns interactions from all sessions.
func (s *Store) RecentInteractions(ctx context.Context, sessionID string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, session_id, context, action, created_at
		FROM interactions
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	args := []any{limit}
	if sessionID != "" {
		query = `
			SELECT id, session_id, context, action, created_at
			FROM interactions
			WHERE session_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`
		args = []any{sessionID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load interactions: %w", err)
	}
	defer rows.Close()

	var interactions []Interaction
	for rows.Next() {
		var i Interaction
		if err := rows.Scan(&i.ID, &i.SessionID, &i.Context, &i.Action, &i.CreatedAt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable interaction row: %v", err)
			continue
		}
		interactions = append(interactions, i)
	}
	return interactions, rows.Err()
}

// GetStats returns summary statistics about the store.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(confidence), 0) FROM learning_patterns
	`)
	if err := row.Scan(&stats.PatternCount, &stats.AvgConfidence); err != nil {
		return nil, fmt.Errorf("failed to read pattern stats: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions`)
	if err := row.Scan(&stats.InteractionCount); err != nil {
		return nil, fmt.Errorf("failed to read interaction stats: %w", err)
	}

	return stats, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	logging.StoreDebug("Closing database at %s", s.path)
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (*Pattern, error) {
	var p Pattern
	err := row.Scan(&p.ID, &p.Pattern, &p.Context, &p.Response, &p.Confidence,
		&p.UsageCount, &p.Embedding, &p.CreatedAt, &p.LastUsed)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
