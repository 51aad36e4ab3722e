package persist

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loupelabs/loupe/core/pkg/state"
)

func sampleSnapshot(t *testing.T) *state.Snapshot {
	t.Helper()
	d := state.NewData()
	d.Tenants["t1"] = &state.Tenant{ID: "t1", Name: "Acme", Status: state.TenantActive}
	d.InsertFact(&state.CanonicalFact{
		ID: "f1", TenantID: "t1", Domain: "finance",
		MetricID: "cash_in", Date: "2026-01-05", Value: 100, Source: "stripe",
	})
	return d
}

func TestMemoryStoreRoundtrip(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Init())

	snap, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, snap, "empty store loads nothing")

	original := sampleSnapshot(t)
	require.NoError(t, store.Save(original))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "Acme", loaded.Tenants["t1"].Name)
	require.Len(t, loaded.Facts, 1)
	assert.Equal(t, 100.0, loaded.Facts[0].Value)

	// The stored copy is detached from the live container.
	original.Tenants["t1"].Name = "Renamed"
	loaded, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, "Acme", loaded.Tenants["t1"].Name)
}

func TestFileStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snapshot.json")
	store := NewFileStore(path)
	require.NoError(t, store.Init(), "init creates the parent directory")

	snap, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, snap, "missing file is not an error")

	require.NoError(t, store.Save(sampleSnapshot(t)))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "Acme", loaded.Tenants["t1"].Name)
	require.Len(t, loaded.Facts, 1)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")
}

func TestFileStoreLoadCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileStore(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode snapshot")
}

func TestFileStoreDefaultPath(t *testing.T) {
	store := NewFileStore("")
	assert.Equal(t, DefaultSnapshotPath, store.path)
}

func TestSQLiteStoreInit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS state_snapshots").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewSQLiteStoreWithDB(db)
	require.NoError(t, store.Init())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLiteStoreWithDB(db)

	t.Run("no snapshot row", func(t *testing.T) {
		mock.ExpectQuery("SELECT body FROM state_snapshots").
			WillReturnError(sql.ErrNoRows)
		snap, err := store.Load()
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("existing snapshot", func(t *testing.T) {
		body, err := json.Marshal(sampleSnapshot(t))
		require.NoError(t, err)
		mock.ExpectQuery("SELECT body FROM state_snapshots").
			WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(string(body)))

		snap, err := store.Load()
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, "Acme", snap.Tenants["t1"].Name)
	})

	t.Run("corrupt body", func(t *testing.T) {
		mock.ExpectQuery("SELECT body FROM state_snapshots").
			WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow("{not json"))
		_, err := store.Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decode snapshot")
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreSaveUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	store := NewSQLiteStoreWithDB(db).WithClock(func() time.Time { return now })

	snap := sampleSnapshot(t)
	body, err := json.Marshal(snap)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO state_snapshots").
		WithArgs(string(body), "2026-02-01T12:00:00Z").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Save(snap))
	require.NoError(t, mock.ExpectationsWereMet())
}
