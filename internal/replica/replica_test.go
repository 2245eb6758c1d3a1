package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/vaultsync/internal/backend"
	"github.com/agentworkforce/vaultsync/internal/identity"
	"github.com/agentworkforce/vaultsync/internal/index"
	"github.com/agentworkforce/vaultsync/internal/vault"
)

const projectionDDL = `
-- INIT
CREATE TABLE tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	done INTEGER NOT NULL DEFAULT 0
);

-- ADD_TASK
INSERT INTO tasks (id, title, done) VALUES (:id, :title, :done);

-- COMPLETE_TASK
UPDATE tasks SET done = 1 WHERE id = :id;

-- LIST_TASKS
SELECT id, title, done FROM tasks ORDER BY id;

-- COUNT_TASKS
SELECT count(*) FROM tasks;
`

func projectionDB(t *testing.T) *index.DB {
	t.Helper()
	db, err := index.Open("sqlite3", index.Memory, projectionDDL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func vaultDB(t *testing.T) *index.DB {
	t.Helper()
	db, err := index.Open("sqlite3", index.Memory, "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newVault(t *testing.T, store backend.Store) *vault.Vault {
	t.Helper()
	secret, err := identity.NewPrivateID()
	require.NoError(t, err)
	v, err := vault.Create("realm", secret, store, vaultDB(t), vault.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func joinVault(t *testing.T, creator *vault.Vault, store backend.Store) *vault.Vault {
	t.Helper()
	secret, err := identity.NewPrivateID()
	require.NoError(t, err)
	pub, err := secret.Public()
	require.NoError(t, err)
	require.NoError(t, creator.SyncAccess(0, vault.AccessChange{
		Group: vault.GroupUsers, UserID: pub, Level: vault.LevelWrite,
	}))
	v, err := vault.Open("realm", secret, pub, store, vaultDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func countTasks(t *testing.T, r *Replica) int {
	t.Helper()
	rows, err := r.Query("COUNT_TASKS", nil)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var n int
	require.NoError(t, rows.Scan(&n))
	return n
}

func TestReadYourOwnWrites(t *testing.T) {
	v := newVault(t, backend.OpenMemory(t.Name()))
	r, err := Open(v, vault.GroupUsers, projectionDB(t))
	require.NoError(t, err)

	_, err = r.Exec("ADD_TASK", index.Args{"id": "t1", "title": "write tests", "done": 0})
	require.NoError(t, err)

	// visible in this session before any sync
	assert.Equal(t, 1, countTasks(t, r))
}

func TestCancelDiscardsUpdates(t *testing.T) {
	v := newVault(t, backend.OpenMemory(t.Name()))
	r, err := Open(v, vault.GroupUsers, projectionDB(t))
	require.NoError(t, err)

	_, err = r.Exec("ADD_TASK", index.Args{"id": "t1", "title": "doomed", "done": 0})
	require.NoError(t, err)
	require.NoError(t, r.Cancel())

	assert.Equal(t, 0, countTasks(t, r))
	require.NoError(t, r.Cancel(), "cancel without a transaction is a no-op")

	applied, err := r.SyncTables()
	require.NoError(t, err)
	assert.Zero(t, applied, "cancelled updates are never published")
}

func TestSyncTablesAppliesOwnUpdates(t *testing.T) {
	v := newVault(t, backend.OpenMemory(t.Name()))
	r, err := Open(v, vault.GroupUsers, projectionDB(t))
	require.NoError(t, err)

	_, err = r.Exec("ADD_TASK", index.Args{"id": "t1", "title": "a", "done": 0})
	require.NoError(t, err)
	_, err = r.Exec("ADD_TASK", index.Args{"id": "t2", "title": "b", "done": 0})
	require.NoError(t, err)

	applied, err := r.SyncTables()
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Equal(t, 2, countTasks(t, r))

	// a second sync finds nothing new
	applied, err = r.SyncTables()
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestProjectionConvergesAcrossMembers(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	alice := newVault(t, store)
	bobVault := joinVault(t, alice, store)

	ra, err := Open(alice, vault.GroupUsers, projectionDB(t))
	require.NoError(t, err)
	rb, err := Open(bobVault, vault.GroupUsers, projectionDB(t))
	require.NoError(t, err)

	_, err = ra.Exec("ADD_TASK", index.Args{"id": "t1", "title": "shared", "done": 0})
	require.NoError(t, err)
	_, err = ra.SyncTables()
	require.NoError(t, err)

	applied, err := rb.SyncTables()
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, countTasks(t, rb))

	// bob updates, alice converges
	_, err = rb.Exec("COMPLETE_TASK", index.Args{"id": "t1"})
	require.NoError(t, err)
	_, err = rb.SyncTables()
	require.NoError(t, err)

	_, err = ra.SyncTables()
	require.NoError(t, err)
	rows, err := ra.Query("LIST_TASKS", nil)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var id, title string
	var done int
	require.NoError(t, rows.Scan(&id, &title, &done))
	assert.Equal(t, "t1", id)
	assert.Equal(t, 1, done)
}

func TestCursorSurvivesReopen(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	v := newVault(t, store)
	db := projectionDB(t)

	r, err := Open(v, vault.GroupUsers, db)
	require.NoError(t, err)
	_, err = r.Exec("ADD_TASK", index.Args{"id": "t1", "title": "persisted", "done": 0})
	require.NoError(t, err)
	_, err = r.SyncTables()
	require.NoError(t, err)

	reopened, err := Open(v, vault.GroupUsers, db)
	require.NoError(t, err)
	applied, err := reopened.SyncTables()
	require.NoError(t, err)
	assert.Zero(t, applied, "the cursor skips already applied transactions")
	assert.Equal(t, 1, countTasks(t, reopened))
}

func TestRowsLifecycle(t *testing.T) {
	v := newVault(t, backend.OpenMemory(t.Name()))
	r, err := Open(v, vault.GroupUsers, projectionDB(t))
	require.NoError(t, err)
	_, err = r.Exec("ADD_TASK", index.Args{"id": "t1", "title": "only", "done": 0})
	require.NoError(t, err)

	rows, err := r.Query("LIST_TASKS", nil)
	require.NoError(t, err)
	defer rows.Close()

	// before the first Next there is no current row
	_, err = rows.Current()
	assert.ErrorIs(t, err, ErrNoCurrentRow)

	require.True(t, rows.Next())
	row, err := rows.Current()
	require.NoError(t, err)
	assert.Equal(t, "t1", row[0])

	assert.False(t, rows.Next(), "single row result is exhausted")
	_, err = rows.Current()
	assert.ErrorIs(t, err, ErrNoCurrentRow)
	require.NoError(t, rows.Err())

	require.NoError(t, rows.Close())
	require.NoError(t, rows.Close(), "double close is a no-op")
	assert.False(t, rows.Next())
	err = rows.Scan(new(string))
	assert.ErrorIs(t, err, ErrRowsClosed)
}
