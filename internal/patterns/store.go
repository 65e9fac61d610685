package patterns

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AuraHome/aura/internal/fault"
)

const patternSchema = `
CREATE TABLE IF NOT EXISTS patterns (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	signature TEXT NOT NULL,
	action TEXT NOT NULL,
	frequency REAL NOT NULL,
	confidence REAL NOT NULL,
	occurrences INTEGER NOT NULL,
	last_seen DATETIME NOT NULL,
	decayed_at DATETIME
);
`

type patternStore struct {
	db *sql.DB
}

func openPatternStore(dbPath string) (*patternStore, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern db: %w", err)
	}
	if _, err := db.Exec(patternSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pattern schema: %w", err)
	}
	// Best-effort migration for databases created before decay tracking.
	db.Exec(`ALTER TABLE patterns ADD COLUMN decayed_at DATETIME`)
	return &patternStore{db: db}, nil
}

func (s *patternStore) Close() error {
	return s.db.Close()
}

func (s *patternStore) save(rec *Record) error {
	var decayedAt any
	if !rec.DecayedAt.IsZero() {
		decayedAt = rec.DecayedAt.UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO patterns (id, type, signature, action, frequency, confidence, occurrences, last_seen, decayed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			frequency = excluded.frequency,
			confidence = excluded.confidence,
			occurrences = excluded.occurrences,
			last_seen = excluded.last_seen,
			decayed_at = excluded.decayed_at`,
		rec.ID, rec.Type, rec.Signature, rec.Action,
		rec.Frequency, rec.Confidence, rec.Occurrences, rec.LastSeen.UTC(), decayedAt)
	if err != nil {
		return &fault.StorageError{Op: "patterns.save", Err: err}
	}
	return nil
}

func (s *patternStore) delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM patterns WHERE id = ?`, id); err != nil {
		return &fault.StorageError{Op: "patterns.delete", Err: err}
	}
	return nil
}

func (s *patternStore) loadAll() (map[string]*Record, error) {
	rows, err := s.db.Query(`SELECT id, type, signature, action, frequency, confidence, occurrences, last_seen, decayed_at FROM patterns`)
	if err != nil {
		return nil, &fault.StorageError{Op: "patterns.load", Err: err}
	}
	defer rows.Close()

	out := make(map[string]*Record)
	for rows.Next() {
		var rec Record
		var lastSeen time.Time
		var decayedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Signature, &rec.Action,
			&rec.Frequency, &rec.Confidence, &rec.Occurrences, &lastSeen, &decayedAt); err != nil {
			return nil, &fault.StorageError{Op: "patterns.load", Err: err}
		}
		rec.LastSeen = lastSeen
		if decayedAt.Valid {
			rec.DecayedAt = decayedAt.Time
		}
		out[rec.ID] = &rec
	}
	return out, rows.Err()
}
