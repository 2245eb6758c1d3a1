package vault

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/vaultsync/internal/identity"
	"github.com/agentworkforce/vaultsync/internal/index"
)

// AccessChange grants, changes or revokes one user's level in a group.
// LevelNone revokes.
type AccessChange struct {
	Group  string
	UserID identity.PublicID
	Level  Level
}

// SyncAccess applies a batch of access changes atomically: either every
// change lands, together with the key work it implies, or none does.
// Revoking a reader rotates the group key, so revoked members cannot
// read anything written afterwards; earlier keys stay available to the
// remaining members. With Async the change-log export runs in the
// background.
func (v *Vault) SyncAccess(options IOOption, changes ...AccessChange) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	for _, c := range changes {
		if err := validGroupName(c.Group); err != nil {
			return err
		}
		if c.UserID == "" {
			return fmt.Errorf("access change for group %s names no user", c.Group)
		}
	}

	creator, err := v.creator()
	if err != nil {
		return err
	}
	if creator == "" {
		// first grant ever: the caller is provisioning the vault
		if err := v.setCreator(v.UserID); err != nil {
			return err
		}
		creator = v.UserID
	}

	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rotate := map[string]bool{}
	newReaders := map[string][]identity.PublicID{}
	touched := map[string]bool{}

	for _, c := range changes {
		admin, err := v.isAdminTx(tx, v.UserID, c.Group)
		if err != nil {
			return err
		}
		if !admin && creator != v.UserID {
			return fmt.Errorf("%w: %s is not an admin of group %s", ErrAccessDenied, v.UserID, c.Group)
		}

		prev, err := v.levelTx(tx, c.Group, c.UserID)
		if err != nil {
			return err
		}

		if c.Level == LevelNone {
			if _, err := tx.Exec("REMOVE_ACCESS", index.Args{
				"vault": v.ID, "grp": c.Group, "userId": string(c.UserID),
			}); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec("SET_ACCESS", index.Args{
				"vault": v.ID, "grp": c.Group, "userId": string(c.UserID), "level": int(c.Level),
			}); err != nil {
				return err
			}
			if _, err := tx.Exec("SET_MEMBER", index.Args{
				"vault": v.ID, "userId": string(c.UserID), "shortId": int64(identity.ShortID(c.UserID)),
			}); err != nil {
				return err
			}
		}
		if err := v.stageChangeTx(tx, changeGrant, grantChange{Group: c.Group, UserID: c.UserID, Level: c.Level}); err != nil {
			return err
		}

		touched[c.Group] = true
		if prev >= LevelRead && c.Level < LevelRead {
			rotate[c.Group] = true
		}
		if prev < LevelRead && c.Level >= LevelRead {
			newReaders[c.Group] = append(newReaders[c.Group], c.UserID)
		}
	}

	for group := range touched {
		if group == GroupAll {
			continue // plaintext group, nothing to key
		}
		if err := v.reconcileKeys(tx, group, rotate[group], newReaders[group]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if options&Async != 0 {
		go func() {
			if err := v.exportChanges(); err != nil {
				v.logEntry.WithError(err).Warn("deferred change export failed")
			}
		}()
		return nil
	}
	return v.exportChanges()
}

// reconcileKeys makes sure a group's key state matches its membership:
// a keyless group gets its first key, a revoke forces a fresh key, and
// members who just gained read access receive every historical key so
// old files stay readable to them.
func (v *Vault) reconcileKeys(tx *index.Tx, group string, rotate bool, joined []identity.PublicID) error {
	readers, err := v.readersTx(tx, group)
	if err != nil {
		return err
	}

	var lastID uint64
	var lastKey []byte
	err = tx.QueryRow("GET_LAST_KEY", index.Args{"vault": v.ID, "grp": group}, &lastID, &lastKey)
	if err != nil && err != index.ErrNoRows {
		return err
	}
	needKey := err == index.ErrNoRows || rotate

	if needKey {
		key := identity.NewAESKey()
		keyID := newKeyID()
		if _, err := tx.Exec("SET_KEY", index.Args{
			"vault": v.ID, "grp": group, "id": keyID, "key": []byte(key), "tm": time.Now(),
		}); err != nil {
			return err
		}
		if err := v.stageChangeTx(tx, changeKeyAdd, keyAddChange{Group: group, KeyID: keyID}); err != nil {
			return err
		}
		for _, user := range readers {
			if err := v.stageKeyShare(tx, group, keyID, key, user); err != nil {
				return err
			}
		}
		return nil
	}

	// no rotation: hand the existing key history to the newcomers
	if len(joined) == 0 {
		return nil
	}
	rows, err := tx.Query("GET_GROUP_KEYS", index.Args{"vault": v.ID, "grp": group})
	if err != nil {
		return err
	}
	defer rows.Close()
	type groupKey struct {
		id  uint64
		key []byte
	}
	var keys []groupKey
	for rows.Next() {
		var k groupKey
		if err := rows.Scan(&k.id, &k.key); err != nil {
			return err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, user := range joined {
		for _, k := range keys {
			if err := v.stageKeyShare(tx, group, k.id, identity.AESKey(k.key), user); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Vault) stageKeyShare(tx *index.Tx, group string, keyID uint64, key identity.AESKey, user identity.PublicID) error {
	sealed, err := identity.EcEncrypt(user, []byte(key))
	if err != nil {
		return fmt.Errorf("cannot seal key of group %s for %s: %w", group, user, err)
	}
	return v.stageChangeTx(tx, changeKeyShare, keyShareChange{
		Group: group, KeyID: keyID, UserID: user, Sealed: sealed,
	})
}

func newKeyID() uint64 {
	var tail [2]byte
	rand.Read(tail[:])
	id := uint64(time.Now().UnixMilli())<<16 | uint64(binary.BigEndian.Uint16(tail[:]))
	if id == 0 {
		id = 1
	}
	return id
}

func validGroupName(group string) error {
	if group == "" || strings.ContainsAny(group, "/:") {
		return fmt.Errorf("invalid group name %q", group)
	}
	return nil
}

// readersTx lists the users holding at least read access in a group.
func (v *Vault) readersTx(tx *index.Tx, group string) ([]identity.PublicID, error) {
	rows, err := tx.Query("GET_GROUP_ACCESS", index.Args{"vault": v.ID, "grp": group})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []identity.PublicID
	for rows.Next() {
		var user string
		var level int
		if err := rows.Scan(&user, &level); err != nil {
			return nil, err
		}
		if Level(level) >= LevelRead {
			out = append(out, identity.PublicID(user))
		}
	}
	return out, rows.Err()
}

func (v *Vault) levelTx(tx *index.Tx, group string, user identity.PublicID) (Level, error) {
	var level int
	err := tx.QueryRow("GET_ACCESS", index.Args{"vault": v.ID, "grp": group, "userId": string(user)}, &level)
	if err == index.ErrNoRows {
		return LevelNone, nil
	}
	if err != nil {
		return LevelNone, err
	}
	return Level(level), nil
}

// isAdminTx reports whether a user may administer a group. The vault
// creator administers every group; anyone else needs an explicit admin
// grant. A group nobody holds yet is administered by whoever creates
// it. Callers warm the creator cache before opening the transaction.
func (v *Vault) isAdminTx(tx *index.Tx, user identity.PublicID, group string) (bool, error) {
	if v.cachedCreator() == user {
		return true, nil
	}
	level, err := v.levelTx(tx, group, user)
	if err != nil {
		return false, err
	}
	if level == LevelAdmin {
		return true, nil
	}
	var count int
	err = tx.QueryRow("SQL:SELECT count(*) FROM vault_access WHERE vault = :vault AND grp = :grp",
		index.Args{"vault": v.ID, "grp": group}, &count)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// GetAccess returns a user's level in a group. Everyone holds implicit
// read on the plaintext group.
func (v *Vault) GetAccess(group string, user identity.PublicID) (Level, error) {
	if err := v.checkOpen(); err != nil {
		return LevelNone, err
	}
	var level int
	err := v.db.QueryRow("GET_ACCESS", index.Args{"vault": v.ID, "grp": group, "userId": string(user)}, &level)
	if err == index.ErrNoRows {
		if group == GroupAll {
			return LevelRead, nil
		}
		return LevelNone, nil
	}
	if err != nil {
		return LevelNone, err
	}
	return Level(level), nil
}

// GetGroups returns every group a user holds access in, with the level.
func (v *Vault) GetGroups(user identity.PublicID) (map[string]Level, error) {
	rows, err := v.db.Query("GET_USER_GROUPS", index.Args{"vault": v.ID, "userId": string(user)})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]Level{}
	for rows.Next() {
		var group string
		var level int
		if err := rows.Scan(&group, &level); err != nil {
			return nil, err
		}
		out[group] = Level(level)
	}
	return out, rows.Err()
}

// ListGroups returns the names of every group anyone holds access in.
func (v *Vault) ListGroups() ([]string, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := v.db.Query("LIST_GROUPS", index.Args{"vault": v.ID})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return nil, err
		}
		out = append(out, group)
	}
	return out, rows.Err()
}

// GroupMembers returns the members of a group with their levels.
func (v *Vault) GroupMembers(group string) (map[identity.PublicID]Level, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := v.db.Query("GET_GROUP_ACCESS", index.Args{"vault": v.ID, "grp": group})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[identity.PublicID]Level{}
	for rows.Next() {
		var user string
		var level int
		if err := rows.Scan(&user, &level); err != nil {
			return nil, err
		}
		out[identity.PublicID(user)] = Level(level)
	}
	return out, rows.Err()
}

// requireLevel checks the caller's own level before an operation. The
// plaintext group is readable by anyone who can reach the backend.
func (v *Vault) requireLevel(group string, min Level) error {
	level, err := v.GetAccess(group, v.UserID)
	if err != nil {
		return err
	}
	if level < min {
		return fmt.Errorf("%w: %s on group %s requires %s access", ErrAccessDenied, v.UserID, group, min)
	}
	return nil
}

// Users lists every identity ever seen in the vault's change log,
// sorted for stable output.
func (v *Vault) Users() ([]identity.PublicID, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := v.db.Query("SQL:SELECT userId FROM vault_members WHERE vault = :vault", index.Args{"vault": v.ID})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []identity.PublicID
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		out = append(out, identity.PublicID(user))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
