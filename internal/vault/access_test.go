package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/vaultsync/internal/backend"
	"github.com/agentworkforce/vaultsync/internal/identity"
)

func TestLevelOrdering(t *testing.T) {
	assert.True(t, LevelNone < LevelRead)
	assert.True(t, LevelRead < LevelWrite)
	assert.True(t, LevelWrite < LevelAdmin)
	assert.Equal(t, "admin", LevelAdmin.String())
	assert.Equal(t, "none", LevelNone.String())
}

func TestCreatorHoldsReservedGroups(t *testing.T) {
	v := newTestVault(t)

	groups, err := v.GetGroups(v.UserID)
	require.NoError(t, err)
	assert.Equal(t, LevelAdmin, groups[GroupHome])
	assert.Equal(t, LevelAdmin, groups[GroupUsers])

	names, err := v.ListGroups()
	require.NoError(t, err)
	assert.Contains(t, names, GroupHome)
	assert.Contains(t, names, GroupUsers)
}

func TestGrantPropagatesToPeer(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	alice := newTestVaultOn(t, store, Config{})

	bobSecret := testIdentity(t)
	bobPub, err := bobSecret.Public()
	require.NoError(t, err)

	require.NoError(t, alice.SyncAccess(0, AccessChange{Group: GroupUsers, UserID: bobPub, Level: LevelWrite}))

	bob, err := openAs(t, store, bobSecret)
	require.NoError(t, err)

	level, err := bob.GetAccess(GroupUsers, bobPub)
	require.NoError(t, err)
	assert.Equal(t, LevelWrite, level)

	members, err := bob.GroupMembers(GroupUsers)
	require.NoError(t, err)
	assert.Equal(t, LevelAdmin, members[alice.UserID])
	assert.Equal(t, LevelWrite, members[bobPub])
}

func TestPeerReadsEncryptedFile(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	alice := newTestVaultOn(t, store, Config{})

	bobSecret := testIdentity(t)
	bobPub, err := bobSecret.Public()
	require.NoError(t, err)
	require.NoError(t, alice.SyncAccess(0, AccessChange{Group: GroupUsers, UserID: bobPub, Level: LevelRead}))

	content := []byte("shared secret document")
	_, err = alice.WriteBytes("users/shared.txt", content, WriteOptions{})
	require.NoError(t, err)

	bob, err := openAs(t, store, bobSecret)
	require.NoError(t, err)

	ls, err := bob.ReadDir("users", ListOptions{})
	require.NoError(t, err)
	require.Len(t, ls, 1)
	assert.Equal(t, "users/shared.txt", ls[0].Name)
	assert.Equal(t, alice.UserID, ls[0].Author)

	got, _, err := bob.ReadBytes("users/shared.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestReaderCannotWrite(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	alice := newTestVaultOn(t, store, Config{})

	bobSecret := testIdentity(t)
	bobPub, err := bobSecret.Public()
	require.NoError(t, err)
	require.NoError(t, alice.SyncAccess(0, AccessChange{Group: GroupUsers, UserID: bobPub, Level: LevelRead}))

	bob, err := openAs(t, store, bobSecret)
	require.NoError(t, err)

	_, err = bob.WriteBytes("users/nope.txt", []byte("x"), WriteOptions{})
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestNonAdminCannotGrant(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	alice := newTestVaultOn(t, store, Config{})

	bobSecret := testIdentity(t)
	bobPub, err := bobSecret.Public()
	require.NoError(t, err)
	require.NoError(t, alice.SyncAccess(0, AccessChange{Group: GroupUsers, UserID: bobPub, Level: LevelWrite}))

	bob, err := openAs(t, store, bobSecret)
	require.NoError(t, err)

	carol := testIdentity(t)
	carolPub, err := carol.Public()
	require.NoError(t, err)
	err = bob.SyncAccess(0, AccessChange{Group: GroupUsers, UserID: carolPub, Level: LevelRead})
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestRevokeRotatesKey(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	alice := newTestVaultOn(t, store, Config{})

	bobSecret := testIdentity(t)
	bobPub, err := bobSecret.Public()
	require.NoError(t, err)
	require.NoError(t, alice.SyncAccess(0, AccessChange{Group: GroupUsers, UserID: bobPub, Level: LevelRead}))

	_, err = alice.WriteBytes("users/before.txt", []byte("before the revoke"), WriteOptions{})
	require.NoError(t, err)

	bob, err := openAs(t, store, bobSecret)
	require.NoError(t, err)
	got, _, err := bob.ReadBytes("users/before.txt")
	require.NoError(t, err)
	assert.Equal(t, "before the revoke", string(got))

	beforeKey, _, err := alice.currentKey(GroupUsers)
	require.NoError(t, err)

	require.NoError(t, alice.SyncAccess(0, AccessChange{Group: GroupUsers, UserID: bobPub, Level: LevelNone}))

	afterKey, _, err := alice.currentKey(GroupUsers)
	require.NoError(t, err)
	assert.NotEqual(t, beforeKey, afterKey, "revoking a reader mints a new key")

	_, err = alice.WriteBytes("users/after.txt", []byte("after the revoke"), WriteOptions{})
	require.NoError(t, err)

	// alice still reads files sealed under the old key
	got, _, err = alice.ReadBytes("users/before.txt")
	require.NoError(t, err)
	assert.Equal(t, "before the revoke", string(got))

	// bob learns about the revoke and loses the group
	require.NoError(t, bob.syncGroups())
	_, err = bob.ReadDir("users", ListOptions{})
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestNewMemberReadsHistory(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	alice := newTestVaultOn(t, store, Config{})

	// write history under the first key, then rotate by revoking a
	// short-lived member
	_, err := alice.WriteBytes("users/history.txt", []byte("early days"), WriteOptions{})
	require.NoError(t, err)

	tmp := testIdentity(t)
	tmpPub, err := tmp.Public()
	require.NoError(t, err)
	require.NoError(t, alice.SyncAccess(0, AccessChange{Group: GroupUsers, UserID: tmpPub, Level: LevelRead}))
	require.NoError(t, alice.SyncAccess(0, AccessChange{Group: GroupUsers, UserID: tmpPub, Level: LevelNone}))

	// bob joins after the rotation and must still read the old file
	bobSecret := testIdentity(t)
	bobPub, err := bobSecret.Public()
	require.NoError(t, err)
	require.NoError(t, alice.SyncAccess(0, AccessChange{Group: GroupUsers, UserID: bobPub, Level: LevelRead}))

	bob, err := openAs(t, store, bobSecret)
	require.NoError(t, err)
	require.NoError(t, bob.Sync())
	got, _, err := bob.ReadBytes("users/history.txt")
	require.NoError(t, err)
	assert.Equal(t, "early days", string(got))
}

func TestSyncAccessBatchIsAtomic(t *testing.T) {
	v := newTestVault(t)

	good := testIdentity(t)
	goodPub, err := good.Public()
	require.NoError(t, err)

	// the second change is invalid, so the first must not land either
	err = v.SyncAccess(0,
		AccessChange{Group: GroupUsers, UserID: goodPub, Level: LevelRead},
		AccessChange{Group: "bad/name", UserID: goodPub, Level: LevelRead},
	)
	require.Error(t, err)

	level, err := v.GetAccess(GroupUsers, goodPub)
	require.NoError(t, err)
	assert.Equal(t, LevelNone, level)
}

func TestAttributePropagates(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	alice := newTestVaultOn(t, store, Config{})

	bobSecret := testIdentity(t)
	bobPub, err := bobSecret.Public()
	require.NoError(t, err)
	require.NoError(t, alice.SyncAccess(0, AccessChange{Group: GroupUsers, UserID: bobPub, Level: LevelRead}))
	require.NoError(t, alice.SetAttribute("status", "on vacation"))

	bob, err := openAs(t, store, bobSecret)
	require.NoError(t, err)
	got, err := bob.GetAttribute(alice.UserID, "status")
	require.NoError(t, err)
	assert.Equal(t, "on vacation", got)
}

func TestUsersListsEveryoneSeen(t *testing.T) {
	store := backend.OpenMemory(t.Name())
	alice := newTestVaultOn(t, store, Config{})

	bobPub, _, err := identity.NewKeyPair()
	require.NoError(t, err)
	require.NoError(t, alice.SyncAccess(0, AccessChange{Group: GroupUsers, UserID: bobPub, Level: LevelRead}))

	users, err := alice.Users()
	require.NoError(t, err)
	assert.Contains(t, users, alice.UserID)
	assert.Contains(t, users, bobPub)
}
