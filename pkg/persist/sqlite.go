package persist

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loupelabs/loupe/core/pkg/state"
)

// SQLiteStore persists the snapshot as a single upserted row. The schema
// is deliberately trivial: whole-snapshot overwrite needs no migration
// machinery beyond the initial table.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteStore opens the database at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	return &SQLiteStore{db: db, clock: time.Now}, nil
}

// NewSQLiteStoreWithDB wraps an existing handle, for tests.
func NewSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) Init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS state_snapshots (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("init snapshot table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load() (*state.Snapshot, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM state_snapshots WHERE id = 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap state.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *SQLiteStore) Save(snap *state.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO state_snapshots (id, body, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		string(raw), s.clock().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
