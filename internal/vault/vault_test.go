package vault

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/vaultsync/internal/backend"
	"github.com/agentworkforce/vaultsync/internal/identity"
	"github.com/agentworkforce/vaultsync/internal/index"
)

func testDB(t *testing.T) *index.DB {
	t.Helper()
	db, err := index.Open("sqlite3", index.Memory, "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testIdentity(t *testing.T) identity.PrivateID {
	t.Helper()
	secret, err := identity.NewPrivateID()
	require.NoError(t, err)
	return secret
}

// newTestVault creates a fresh vault on its own in-memory backend.
func newTestVault(t *testing.T) *Vault {
	t.Helper()
	return newTestVaultOn(t, backend.OpenMemory(t.Name()), Config{})
}

func newTestVaultOn(t *testing.T, store backend.Store, config Config) *Vault {
	t.Helper()
	v, err := Create("realm", testIdentity(t), store, testDB(t), config)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

// openAs opens the vault on store as another user with an independent
// local index.
func openAs(t *testing.T, store backend.Store, secret identity.PrivateID) (*Vault, error) {
	t.Helper()
	pub, err := secret.Public()
	require.NoError(t, err)
	v, err := Open("realm", secret, pub, store, testDB(t))
	if v != nil {
		t.Cleanup(func() { v.Close() })
	}
	return v, err
}

func TestCreateRejectsOccupiedRealm(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	newTestVaultOn(t, store, Config{})

	_, err := Create("realm", testIdentity(t), store, testDB(t), Config{})
	assert.ErrorIs(t, err, ErrExists)
}

func TestOpenDeniesStranger(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	newTestVaultOn(t, store, Config{})

	_, err := openAs(t, store, testIdentity(t))
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestWriteReadRoundTrip(t *testing.T) {
	v := newTestVault(t)

	content := []byte("the quick brown fox")
	info, err := v.WriteBytes("users/docs/fox.txt", content, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "users/docs/fox.txt", info.Name)
	assert.Equal(t, GroupUsers, info.Group)
	assert.EqualValues(t, len(content), info.Size)
	assert.False(t, info.PendingWrite)

	got, gotInfo, err := v.ReadBytes("users/docs/fox.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, info.ID, gotInfo.ID)
}

func TestEncryptedBodyOnBackend(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	v := newTestVaultOn(t, store, Config{})

	content := []byte("secret payload that must not appear in clear")
	_, err := v.WriteBytes("users/secret.bin", content, WriteOptions{})
	require.NoError(t, err)

	// scan every object the backend holds: none may contain the plaintext
	segs, err := store.ReadDir("realm/data", backend.Filter{OnlyFolders: true})
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	for _, seg := range segs {
		for _, sub := range []string{"h", "b"} {
			ls, err := store.ReadDir("realm/data/"+seg.Name()+"/"+sub, backend.Filter{OnlyFiles: true})
			if err != nil {
				continue
			}
			for _, fi := range ls {
				data, err := backend.ReadFile(store, "realm/data/"+seg.Name()+"/"+sub+"/"+fi.Name())
				require.NoError(t, err)
				assert.False(t, bytes.Contains(data, content), "plaintext leaked to %s/%s", sub, fi.Name())
			}
		}
	}
}

func TestPlaintextGroupIsStoredInClear(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	v := newTestVaultOn(t, store, Config{})
	require.NoError(t, v.SyncAccess(0, AccessChange{Group: GroupAll, UserID: v.UserID, Level: LevelWrite}))

	content := []byte("public announcement")
	info, err := v.WriteBytes("all/notice.txt", content, WriteOptions{})
	require.NoError(t, err)
	require.NotZero(t, info.ID)

	got, _, err := v.ReadBytes("all/notice.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestWriteRequiresGroupPrefix(t *testing.T) {
	v := newTestVault(t)
	_, err := v.WriteBytes("orphan.txt", []byte("x"), WriteOptions{})
	assert.Error(t, err)
}

func TestReadMissingFile(t *testing.T) {
	v := newTestVault(t)
	_, _, err := v.ReadBytes("users/nope.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVersionsAndPinning(t *testing.T) {
	v := newTestVault(t)

	for _, s := range []string{"one", "two", "three"} {
		_, err := v.WriteBytes("users/note.txt", []byte(s), WriteOptions{})
		require.NoError(t, err)
	}

	versions, err := v.Versions("users/note.txt")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i].ID, versions[i-1].ID, "version ids are strictly increasing")
	}

	got, _, err := v.ReadBytes("users/note.txt")
	require.NoError(t, err)
	assert.Equal(t, "three", string(got), "default read is the newest version")

	got, _, err = v.ReadBytes("users/note.txt:0")
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))

	got, _, err = v.ReadBytes("users/note.txt:1")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	// direct id addressing
	got, _, err = v.ReadBytes(":" + versions[2].ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, "three", string(got))
}

func TestDeleteTombstones(t *testing.T) {
	v := newTestVault(t)

	_, err := v.WriteBytes("users/gone.txt", []byte("bye"), WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, v.Delete("users/gone.txt"))

	_, _, err = v.ReadBytes("users/gone.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	info, err := v.Stat("users/gone.txt")
	require.NoError(t, err)
	assert.True(t, info.Deleted)

	ls, err := v.ReadDir("users", ListOptions{NoSync: true})
	require.NoError(t, err)
	assert.Empty(t, ls)

	ls, err = v.ReadDir("users", ListOptions{NoSync: true, IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, ls, 1)
	assert.True(t, ls[0].Deleted)

	err = v.Delete("users/gone.txt")
	assert.ErrorIs(t, err, ErrNotFound, "double delete reports the tombstone")
}

func TestReadDirCursor(t *testing.T) {
	v := newTestVault(t)

	var written []string
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := v.WriteBytes("users/"+name, []byte(name), WriteOptions{})
		require.NoError(t, err)
		written = append(written, "users/"+name)
	}

	first, err := v.ReadDir("users", ListOptions{NoSync: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)

	rest, err := v.ReadDir("users", ListOptions{NoSync: true, FromID: first[len(first)-1].ID})
	require.NoError(t, err)
	require.Len(t, rest, 1)

	var names []string
	for _, fi := range append(first, rest...) {
		names = append(names, fi.Name)
	}
	assert.Equal(t, written, names)
}

func TestReadDirSince(t *testing.T) {
	v := newTestVault(t)

	_, err := v.WriteBytes("users/old.txt", []byte("old"), WriteOptions{})
	require.NoError(t, err)
	cut := time.Now()
	time.Sleep(5 * time.Millisecond)
	_, err = v.WriteBytes("users/new.txt", []byte("new"), WriteOptions{})
	require.NoError(t, err)

	ls, err := v.ReadDir("users", ListOptions{NoSync: true, Since: cut})
	require.NoError(t, err)
	require.Len(t, ls, 1)
	assert.Equal(t, "users/new.txt", ls[0].Name)
}

func TestAsyncWriteAndWaitFiles(t *testing.T) {
	v := newTestVault(t)

	info, err := v.WriteBytes("users/async.txt", []byte("later"), WriteOptions{Mode: Async})
	require.NoError(t, err)
	assert.True(t, info.PendingWrite)

	done, err := v.WaitFiles(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, []FileID{info.ID}, done)

	got, err := v.Stat(":" + info.ID.Hex())
	require.NoError(t, err)
	assert.False(t, got.PendingWrite)
}

func TestScheduledWriteFlushesOnWait(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	v := newTestVaultOn(t, store, Config{})

	info, err := v.WriteBytes("users/sched.txt", []byte("deferred"), WriteOptions{Mode: Scheduled})
	require.NoError(t, err)
	assert.True(t, info.PendingWrite)

	// nothing on the backend yet for this version
	got, _, err := v.ReadBytes("users/sched.txt")
	require.NoError(t, err, "local copy serves reads before the upload")
	assert.Equal(t, "deferred", string(got))

	done, err := v.WaitFiles(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, []FileID{info.ID}, done)
}

func TestWaitFilesTimeout(t *testing.T) {
	v := newTestVault(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// fake an in-flight operation that never completes
	id := FileID(999)
	require.True(t, v.scheduleIO(id))
	defer v.completeIO(id)

	done, err := v.WaitFiles(ctx, id)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, done)
}

func TestWaitFilesCancelled(t *testing.T) {
	v := newTestVault(t)
	ctx, cancel := context.WithCancel(context.Background())

	id := FileID(998)
	require.True(t, v.scheduleIO(id))
	defer v.completeIO(id)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := v.WaitFiles(ctx, id)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestQuota(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	v := newTestVaultOn(t, store, Config{MaxStorage: 256})

	_, err := v.WriteBytes("users/small.txt", []byte("fits"), WriteOptions{})
	require.NoError(t, err)

	_, err = v.WriteBytes("users/big.bin", bytes.Repeat([]byte("x"), 512), WriteOptions{})
	assert.ErrorIs(t, err, ErrQuota)
}

// tightStore caps the free space its wrapped store reports.
type tightStore struct {
	backend.Store
	free uint64
}

func (s tightStore) FreeSpace() (uint64, error) { return s.free, nil }

func TestWriteRefusedWhenBackendFull(t *testing.T) {
	store := tightStore{Store: backend.OpenMemory(t.Name()), free: 64}
	v := newTestVaultOn(t, store, Config{})

	_, err := v.WriteBytes("users/fits.txt", []byte("tiny"), WriteOptions{})
	require.NoError(t, err)

	_, err = v.WriteBytes("users/too-big.bin", bytes.Repeat([]byte("x"), 128), WriteOptions{})
	assert.ErrorIs(t, err, ErrQuota, "a write beyond the reported free space must not start")

	ls, err := v.ReadDir("users", ListOptions{NoSync: true})
	require.NoError(t, err)
	require.Len(t, ls, 1, "the refused version never enters the index")
	assert.Equal(t, "users/fits.txt", ls[0].Name)
}

func TestClosedVault(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	db := testDB(t)
	v, err := Create("realm", testIdentity(t), store, db, Config{})
	require.NoError(t, err)
	require.NoError(t, v.Close())

	_, err = v.WriteBytes("users/x", []byte("x"), WriteOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = v.ReadBytes("users/x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, v.Close(), ErrClosed)
}

func TestAttributes(t *testing.T) {
	v := newTestVault(t)

	require.NoError(t, v.SetAttribute("nick", "ferret"))
	require.NoError(t, v.SetAttribute("nick", "stoat"))

	got, err := v.GetAttribute(v.UserID, "nick")
	require.NoError(t, err)
	assert.Equal(t, "stoat", got, "later value wins")

	_, err = v.GetAttribute(v.UserID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := v.GetAttributes(v.UserID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"nick": "stoat"}, all)
}

func TestFileAttributes(t *testing.T) {
	v := newTestVault(t)

	attrs := map[string]string{"contentType": "text/plain", "origin": "unit"}
	info, err := v.WriteBytes("users/tagged.txt", []byte("x"), WriteOptions{Attrs: attrs})
	require.NoError(t, err)
	assert.Equal(t, attrs, info.Attributes)

	got, err := v.Stat("users/tagged.txt")
	require.NoError(t, err)
	assert.Equal(t, attrs, got.Attributes)
}

func TestWriteToPinnedVersionFails(t *testing.T) {
	v := newTestVault(t)
	_, err := v.WriteBytes("users/a.txt:2", []byte("x"), WriteOptions{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "pinned"))
}
