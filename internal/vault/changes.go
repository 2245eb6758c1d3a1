package vault

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/agentworkforce/vaultsync/internal/backend"
	"github.com/agentworkforce/vaultsync/internal/identity"
	"github.com/agentworkforce/vaultsync/internal/index"
)

// changeType discriminates the records of a change set.
type changeType int

const (
	changeGrant changeType = iota + 1
	changeKeyAdd
	changeKeyShare
	changeAttribute
	changeConfig
)

type grantChange struct {
	Group  string            `msgpack:"g"`
	UserID identity.PublicID `msgpack:"u"`
	Level  Level             `msgpack:"l"`
}

type keyAddChange struct {
	Group string `msgpack:"g"`
	KeyID uint64 `msgpack:"k"`
}

// keyShareChange carries a group key sealed to one member's public
// encryption key. Everyone sees the record, only the member can open it.
type keyShareChange struct {
	Group  string            `msgpack:"g"`
	KeyID  uint64            `msgpack:"k"`
	UserID identity.PublicID `msgpack:"u"`
	Sealed []byte            `msgpack:"s"`
}

type attributeChange struct {
	Name  string    `msgpack:"n"`
	Value string    `msgpack:"v"`
	Tm    time.Time `msgpack:"t"`
}

type changeRecord struct {
	Type    changeType `msgpack:"t"`
	Payload []byte     `msgpack:"p"`
}

// changeSet is one block of the vault's change log. Blocks chain
// through the parent hash; the backend object is named after the
// block's own hash, so the log is append-only and fork-tolerant.
type changeSet struct {
	Parent  []byte            `msgpack:"r"`
	Author  identity.PublicID `msgpack:"a"`
	Tm      time.Time         `msgpack:"m"`
	Changes []changeRecord    `msgpack:"c"`
}

type signedChangeSet struct {
	Block []byte `msgpack:"b"`
	Sig   []byte `msgpack:"s"`
}

func changeSetName(hash []byte) string {
	return base64.URLEncoding.EncodeToString(hash)
}

// stageChange queues a change for the next export. Staged changes live
// in the index so they survive a restart before the export runs.
func (v *Vault) stageChange(t changeType, payload any) error {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = v.db.Exec("STAGE_CHANGE", index.Args{"vault": v.ID, "changeType": int(t), "payload": data})
	return err
}

func (v *Vault) stageChangeTx(tx *index.Tx, t changeType, payload any) error {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec("STAGE_CHANGE", index.Args{"vault": v.ID, "changeType": int(t), "payload": data})
	return err
}

// exportChanges packs all staged changes into one block, writes it to
// the backend and records it locally. A block with no changes is not
// written.
func (v *Vault) exportChanges() error {
	v.changeMu.Lock()
	defer v.changeMu.Unlock()

	rows, err := v.db.Query("GET_STAGED_CHANGES", index.Args{"vault": v.ID})
	if err != nil {
		return err
	}
	var records []changeRecord
	for rows.Next() {
		var t int64
		var payload []byte
		if err := rows.Scan(&t, &payload); err != nil {
			rows.Close()
			return err
		}
		records = append(records, changeRecord{Type: changeType(t), Payload: payload})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	if len(records) == 0 {
		return nil
	}

	var parent []byte
	if err := v.db.QueryRow("GET_LAST_CHANGESET_HASH", index.Args{"vault": v.ID}, &parent); err != nil && err != index.ErrNoRows {
		return err
	}

	block := changeSet{Parent: parent, Author: v.UserID, Tm: time.Now(), Changes: records}
	encoded, err := msgpack.Marshal(block)
	if err != nil {
		return err
	}
	sig, err := identity.Sign(v.secret, encoded)
	if err != nil {
		return err
	}
	payload, err := msgpack.Marshal(signedChangeSet{Block: encoded, Sig: sig})
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	hash := blake2b.Sum256(encoded)
	name := changeSetName(hash[:])
	dest := path.Join(v.Realm, changesDir, name)
	err = backend.Retry(context.Background(), "export changes", func() error {
		return backend.WriteFile(v.store, dest, buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("cannot export change set %s: %w", name, err)
	}

	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("SET_CHANGESET", index.Args{
		"vault": v.ID, "name": name, "hash": hash[:], "payload": encoded, "tm": block.Tm,
	}); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE_STAGED_CHANGES", index.Args{"vault": v.ID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	v.notifyPeers(changesDir)
	v.logEntry.WithField("changes", len(records)).Debug("change set exported")
	return nil
}

// importChanges pulls unseen change sets from the backend and applies
// them in chain order. Blocks whose parent never shows up stay pending
// and are retried on the next import.
func (v *Vault) importChanges() error {
	v.changeMu.Lock()
	defer v.changeMu.Unlock()

	ls, err := v.store.ReadDir(path.Join(v.Realm, changesDir), backend.Filter{OnlyFiles: true})
	if err != nil {
		if backend.IsNotFound(err) {
			return nil
		}
		return err
	}

	type pendingBlock struct {
		name    string
		encoded []byte
		block   changeSet
	}
	pending := map[string]pendingBlock{}
	for _, entry := range ls {
		name := entry.Name()
		var known int
		if err := v.db.QueryRow("SQL:SELECT count(*) FROM vault_changesets WHERE vault = :vault AND name = :name",
			index.Args{"vault": v.ID, "name": name}, &known); err != nil {
			return err
		}
		if known > 0 {
			continue
		}
		encoded, block, err := v.readChangeSet(name)
		if err != nil {
			v.logEntry.WithError(err).WithField("changeSet", name).Warn("skipping unreadable change set")
			continue
		}
		pending[name] = pendingBlock{name: name, encoded: encoded, block: block}
	}

	// apply any block whose parent is already recorded; repeat until
	// nothing moves so chains import in order regardless of listing order
	for len(pending) > 0 {
		progress := false
		for name, pb := range pending {
			ok, err := v.parentKnown(pb.block.Parent)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := v.applyChangeSet(pb.name, pb.encoded, pb.block); err != nil {
				return err
			}
			delete(pending, name)
			progress = true
		}
		if !progress {
			break
		}
	}
	if len(pending) > 0 {
		v.logEntry.WithField("orphaned", len(pending)).Debug("change sets waiting for their parent")
	}
	return nil
}

func (v *Vault) parentKnown(parent []byte) (bool, error) {
	if len(parent) == 0 {
		return true, nil
	}
	var known int
	err := v.db.QueryRow("SQL:SELECT count(*) FROM vault_changesets WHERE vault = :vault AND name = :name",
		index.Args{"vault": v.ID, "name": changeSetName(parent)}, &known)
	if err != nil {
		return false, err
	}
	return known > 0, nil
}

// readChangeSet fetches and verifies one block. The name must match the
// hash of the signed content, so a tampered object cannot impersonate a
// block it is not.
func (v *Vault) readChangeSet(name string) ([]byte, changeSet, error) {
	var buf bytes.Buffer
	err := backend.Retry(context.Background(), "read change set", func() error {
		buf.Reset()
		return v.store.Read(path.Join(v.Realm, changesDir, name), nil, &buf, nil)
	})
	if err != nil {
		return nil, changeSet{}, err
	}
	zr, err := gzip.NewReader(&buf)
	if err != nil {
		return nil, changeSet{}, fmt.Errorf("%w: change set %s is not gzip data: %v", ErrCorrupt, name, err)
	}
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, changeSet{}, fmt.Errorf("%w: change set %s is truncated: %v", ErrCorrupt, name, err)
	}

	var sc signedChangeSet
	if err := msgpack.Unmarshal(payload, &sc); err != nil {
		return nil, changeSet{}, fmt.Errorf("%w: change set %s is not decodable: %v", ErrCorrupt, name, err)
	}
	hash := blake2b.Sum256(sc.Block)
	if changeSetName(hash[:]) != name {
		return nil, changeSet{}, fmt.Errorf("%w: change set %s does not match its hash", ErrCorrupt, name)
	}
	var block changeSet
	if err := msgpack.Unmarshal(sc.Block, &block); err != nil {
		return nil, changeSet{}, fmt.Errorf("%w: change set %s is not decodable: %v", ErrCorrupt, name, err)
	}
	if !identity.Verify(block.Author, sc.Block, sc.Sig) {
		return nil, changeSet{}, fmt.Errorf("%w: change set %s carries an invalid signature", ErrAuth, name)
	}
	return sc.Block, block, nil
}

// applyChangeSet replays a verified block against the index. All of the
// block's effects and its log record commit in one transaction. Config
// and creator updates live in the settings store and land outside the
// transaction, since the index runs on a single connection.
func (v *Vault) applyChangeSet(name string, encoded []byte, block changeSet) error {
	// the genesis author is the vault creator and retains admin
	// everywhere; remember them on first sight
	if len(block.Parent) == 0 {
		if err := v.setCreator(block.Author); err != nil {
			return err
		}
	} else if _, err := v.creator(); err != nil {
		return err
	}

	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("SET_MEMBER", index.Args{
		"vault": v.ID, "userId": string(block.Author), "shortId": int64(identity.ShortID(block.Author)),
	}); err != nil {
		return err
	}

	var configPayload []byte
	for _, rec := range block.Changes {
		if rec.Type == changeConfig {
			if block.Author == v.cachedCreator() {
				configPayload = rec.Payload
			} else {
				v.logEntry.WithField("author", block.Author).Warn("ignoring config change from non-creator")
			}
			continue
		}
		if err := v.applyChange(tx, block, rec); err != nil {
			return err
		}
	}

	if _, err := tx.Exec("SET_CHANGESET", index.Args{
		"vault": v.ID, "name": name, "hash": hashOfBlock(encoded), "payload": encoded, "tm": block.Tm,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if configPayload != nil {
		var config Config
		if err := msgpack.Unmarshal(configPayload, &config); err != nil {
			return fmt.Errorf("%w: config record is not decodable: %v", ErrCorrupt, err)
		}
		if err := v.db.SetSetting(configSetting(v.ID), "", 0, 0, configPayload); err != nil {
			return err
		}
		v.mu.Lock()
		v.Config = config
		v.mu.Unlock()
	}
	return nil
}

func hashOfBlock(encoded []byte) []byte {
	h := blake2b.Sum256(encoded)
	return h[:]
}

func (v *Vault) applyChange(tx *index.Tx, block changeSet, rec changeRecord) error {
	switch rec.Type {
	case changeGrant:
		var c grantChange
		if err := msgpack.Unmarshal(rec.Payload, &c); err != nil {
			return fmt.Errorf("%w: grant record is not decodable: %v", ErrCorrupt, err)
		}
		admin, err := v.isAdminTx(tx, block.Author, c.Group)
		if err != nil {
			return err
		}
		if !admin {
			v.logEntry.WithFields(map[string]any{"author": block.Author, "group": c.Group}).
				Warn("ignoring grant from non-admin author")
			return nil
		}
		if c.Level == LevelNone {
			_, err = tx.Exec("REMOVE_ACCESS", index.Args{"vault": v.ID, "grp": c.Group, "userId": string(c.UserID)})
		} else {
			_, err = tx.Exec("SET_ACCESS", index.Args{"vault": v.ID, "grp": c.Group, "userId": string(c.UserID), "level": int(c.Level)})
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec("SET_MEMBER", index.Args{
			"vault": v.ID, "userId": string(c.UserID), "shortId": int64(identity.ShortID(c.UserID)),
		})
		return err

	case changeKeyAdd:
		// informational; the key material arrives in key shares
		return nil

	case changeKeyShare:
		var c keyShareChange
		if err := msgpack.Unmarshal(rec.Payload, &c); err != nil {
			return fmt.Errorf("%w: key share record is not decodable: %v", ErrCorrupt, err)
		}
		if c.UserID != v.UserID {
			return nil
		}
		admin, err := v.isAdminTx(tx, block.Author, c.Group)
		if err != nil {
			return err
		}
		if !admin {
			v.logEntry.WithFields(map[string]any{"author": block.Author, "group": c.Group}).
				Warn("ignoring key share from non-admin author")
			return nil
		}
		key, err := identity.EcDecrypt(v.secret, c.Sealed)
		if err != nil {
			return fmt.Errorf("%w: cannot open key share for group %s", ErrAuth, c.Group)
		}
		_, err = tx.Exec("SET_KEY", index.Args{
			"vault": v.ID, "grp": c.Group, "id": c.KeyID, "key": key, "tm": block.Tm,
		})
		return err

	case changeAttribute:
		var c attributeChange
		if err := msgpack.Unmarshal(rec.Payload, &c); err != nil {
			return fmt.Errorf("%w: attribute record is not decodable: %v", ErrCorrupt, err)
		}
		// last writer wins per (author, name); older records never
		// overwrite a newer value
		var tm time.Time
		err := tx.QueryRow("SQL:SELECT tm FROM vault_attributes WHERE vault = :vault AND authorId = :authorId AND name = :name",
			index.Args{"vault": v.ID, "authorId": string(block.Author), "name": c.Name}, &tm)
		if err == nil && tm.After(c.Tm) {
			return nil
		}
		if err != nil && err != index.ErrNoRows {
			return err
		}
		_, err = tx.Exec("SET_ATTRIBUTE", index.Args{
			"vault": v.ID, "authorId": string(block.Author), "name": c.Name, "value": c.Value, "tm": c.Tm,
		})
		return err

	default:
		v.logEntry.WithField("type", int(rec.Type)).Warn("ignoring unknown change record")
		return nil
	}
}

func creatorSetting(id string) string {
	return path.Join("vault/creator", id)
}

// creator loads the vault creator, caching it on the handle. Must not
// be called while a transaction is open on the index; transactional
// code uses cachedCreator instead.
func (v *Vault) creator() (identity.PublicID, error) {
	if c := v.cachedCreator(); c != "" {
		return c, nil
	}
	s, _, _, _, err := v.db.GetSetting(creatorSetting(v.ID))
	if err == index.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	v.mu.Lock()
	v.creatorID = identity.PublicID(s)
	v.mu.Unlock()
	return identity.PublicID(s), nil
}

func (v *Vault) cachedCreator() identity.PublicID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.creatorID
}

func (v *Vault) setCreator(id identity.PublicID) error {
	if err := v.db.SetSetting(creatorSetting(v.ID), string(id), 0, 0, nil); err != nil {
		return err
	}
	v.mu.Lock()
	v.creatorID = id
	v.mu.Unlock()
	return nil
}

// syncGroups runs a full change-log round trip: import what peers
// published, then export anything staged locally.
func (v *Vault) syncGroups() error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if err := v.importChanges(); err != nil {
		return err
	}
	if err := v.exportChanges(); err != nil {
		return err
	}
	v.mu.Lock()
	v.lastGroupSync = time.Now()
	v.mu.Unlock()
	return nil
}
