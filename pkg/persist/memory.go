// Package persist provides the snapshot persistence backends: in-memory
// for tests, a JSON file for single-node deployments, and a SQLite
// single-row store when DATABASE_URL is set. Snapshots are whole-state
// overwrites; no backend needs transactions beyond one write.
package persist

import (
	"encoding/json"

	"github.com/loupelabs/loupe/core/pkg/state"
)

// MemoryStore keeps the serialized snapshot in memory. Serializing on
// save keeps the stored copy independent of the live container.
type MemoryStore struct {
	raw []byte
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Init() error { return nil }

func (m *MemoryStore) Load() (*state.Snapshot, error) {
	if m.raw == nil {
		return nil, nil
	}
	var snap state.Snapshot
	if err := json.Unmarshal(m.raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MemoryStore) Save(snap *state.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.raw = raw
	return nil
}
