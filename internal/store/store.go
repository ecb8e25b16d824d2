// Package store provides a reference sqlite-backed EpisodicStore, StateStore,
// and SavePointer — the concrete, swappable collaborators the orchestrator
// wires in by default so the loop is runnable end to end. Memories are stored
// as typed columns and the engine state as an opaque blob, behind
// database/sql and github.com/mattn/go-sqlite3.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/noesis-systems/cogloop/internal/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	summary TEXT NOT NULL,
	content TEXT NOT NULL,
	kind TEXT NOT NULL,
	importance REAL NOT NULL,
	emotional_salience REAL NOT NULL,
	novelty REAL,
	access_count INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	tier TEXT NOT NULL,
	parent_cycle INTEGER NOT NULL,
	promotion_score REAL,
	reason TEXT
);

CREATE TABLE IF NOT EXISTS save_points (
	cycle_no INTEGER PRIMARY KEY,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS engine_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	blob BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// Store is a sqlite-backed EpisodicStore + StateStore + SavePointer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a sqlite database at path and applies the
// schema. path may be ":memory:" for ephemeral use in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records a promoted Memory, satisfying memory.EpisodicStore.
func (s *Store) Append(ctx context.Context, m memory.Memory, eval *memory.Evaluation) error {
	var promotionScore sql.NullFloat64
	var reason sql.NullString
	if eval != nil {
		promotionScore = sql.NullFloat64{Float64: eval.PromotionScore, Valid: true}
		reason = sql.NullString{String: eval.Reason, Valid: true}
	}
	var novelty sql.NullFloat64
	if m.Novelty != nil {
		novelty = sql.NullFloat64{Float64: *m.Novelty, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO memories
		(id, summary, content, kind, importance, emotional_salience, novelty, access_count, created_at, tier, parent_cycle, promotion_score, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Summary, m.Content, string(m.Kind), m.Importance, m.EmotionalSalience, novelty,
		m.AccessCount, m.CreatedAt, string(m.Tier), m.ParentCycle, promotionScore, reason,
	)
	if err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	return nil
}

// SearchSimilar does a naive substring/keyword match — sqlite FTS is out of
// scope for this reference implementation; a production backend would swap
// in FTS5 or a vector index behind the same interface.
func (s *Store) SearchSimilar(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.ScoredMemory, error) {
	k := opts.K
	if k <= 0 {
		k = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, summary, content, kind, importance, emotional_salience, novelty, access_count, created_at, tier, parent_cycle
		FROM memories
		WHERE content LIKE ? OR summary LIKE ?
		ORDER BY created_at DESC
		LIMIT ?`,
		"%"+query+"%", "%"+query+"%", k)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()

	var out []memory.ScoredMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, memory.ScoredMemory{Memory: m, Score: 1.0})
	}
	return out, rows.Err()
}

// Recent returns up to n memories, most recently appended first.
func (s *Store) Recent(ctx context.Context, n int) ([]memory.Memory, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, summary, content, kind, importance, emotional_salience, novelty, access_count, created_at, tier, parent_cycle
		FROM memories ORDER BY rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var out []memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get returns a memory by ID.
func (s *Store) Get(ctx context.Context, id string) (memory.Memory, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, summary, content, kind, importance, emotional_salience, novelty, access_count, created_at, tier, parent_cycle
		FROM memories WHERE id = ?`, id)

	m, err := scanMemoryRow(row)
	if err == sql.ErrNoRows {
		return memory.Memory{}, false, nil
	}
	if err != nil {
		return memory.Memory{}, false, fmt.Errorf("store: get: %w", err)
	}
	return m, true, nil
}

// Stats summarizes the store's contents.
func (s *Store) Stats(ctx context.Context) (memory.Stats, error) {
	stats := memory.Stats{ByKind: make(map[memory.Kind]int)}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&stats.TotalMemories); err != nil {
		return memory.Stats{}, fmt.Errorf("store: stats count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM memories GROUP BY kind`)
	if err != nil {
		return memory.Stats{}, fmt.Errorf("store: stats by-kind: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return memory.Stats{}, fmt.Errorf("store: stats scan: %w", err)
		}
		stats.ByKind[memory.Kind(kind)] = count
	}

	var oldest, newest sql.NullTime
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(created_at), MAX(created_at) FROM memories`).Scan(&oldest, &newest); err != nil {
		return memory.Stats{}, fmt.Errorf("store: stats span: %w", err)
	}
	stats.OldestAt = oldest.Time
	stats.NewestAt = newest.Time

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(rows *sql.Rows) (memory.Memory, error) {
	return scanMemoryRow(rows)
}

func scanMemoryRow(row rowScanner) (memory.Memory, error) {
	var m memory.Memory
	var kind, tier string
	var novelty sql.NullFloat64
	if err := row.Scan(&m.ID, &m.Summary, &m.Content, &kind, &m.Importance, &m.EmotionalSalience,
		&novelty, &m.AccessCount, &m.CreatedAt, &tier, &m.ParentCycle); err != nil {
		return memory.Memory{}, err
	}
	m.Kind = memory.Kind(kind)
	m.Tier = memory.Tier(tier)
	if novelty.Valid {
		v := novelty.Float64
		m.Novelty = &v
	}
	return m, nil
}

// Save implements cycle.SavePointer: a lightweight row marking that cycleNo
// was checkpointed.
func (s *Store) Save(ctx context.Context, cycleNo int) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO save_points (cycle_no, created_at) VALUES (?, ?)`, cycleNo, time.Now())
	if err != nil {
		return fmt.Errorf("store: save point: %w", err)
	}
	return nil
}

// SaveState implements cycle.StateStore, storing the combined engine blob.
func (s *Store) SaveState(ctx context.Context, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO engine_state (id, blob, updated_at) VALUES (1, ?, ?)`, blob, time.Now())
	if err != nil {
		return fmt.Errorf("store: save state: %w", err)
	}
	return nil
}

// LoadState implements cycle.StateStore. Returns a nil blob if nothing has
// ever been saved.
func (s *Store) LoadState(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM engine_state WHERE id = 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load state: %w", err)
	}
	return blob, nil
}
