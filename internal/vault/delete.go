package vault

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/agentworkforce/vaultsync/internal/backend"
	"github.com/agentworkforce/vaultsync/internal/index"
)

// Delete tombstones a file. A new version marked deleted is written to
// the backend so peers learn about the delete, and the bodies of the
// surviving versions are wiped to reclaim storage. Heads stay behind
// until retention prunes their segment, keeping the history auditable.
func (v *Vault) Delete(name string) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	row, err := v.resolveFile(name)
	if err != nil {
		return err
	}
	if row.flags&FlagTombstone != 0 {
		return fmt.Errorf("%w: %s is already deleted", ErrNotFound, name)
	}
	if err := v.requireLevel(row.group, LevelWrite); err != nil {
		return err
	}

	keyID, key, err := v.currentKey(row.group)
	if err != nil {
		return err
	}

	now := time.Now().Truncate(time.Millisecond)
	tomb := fileRow{
		dir: row.dir, name: row.name, group: row.group,
		storeDir: v.segmentDir(now), storeName: newStoreName(),
		modTime: now, flags: FlagTombstone, author: v.UserID, keyID: keyID,
	}
	_, ok, err := v.insertFileRow(tomb)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: store name collision on %s", ErrCorrupt, tomb.storeName)
	}

	h := head{
		Dir: tomb.dir, Name: tomb.name, Group: tomb.group,
		ModTime: now, Author: v.UserID, Deleted: true,
	}
	encoded, err := v.encodeHead(h, keyID, key, tomb.storeName)
	if err != nil {
		return err
	}
	ctx := context.Background()
	err = backend.Retry(ctx, "upload tombstone", func() error {
		return backend.WriteFile(v.store, v.headPath(tomb.storeDir, tomb.storeName), encoded)
	})
	if err != nil {
		return err
	}

	if err := v.wipeBodies(row.dir, row.name); err != nil {
		v.logEntry.WithError(err).WithField("file", name).Warn("cannot wipe deleted bodies")
	}

	v.touchChangeMark()
	v.notifyPeers(tomb.storeDir)
	return nil
}

// wipeBodies removes the backend bodies and local copies of every
// version of a file. Best effort; a missing object is already gone.
func (v *Vault) wipeBodies(dir, base string) error {
	versions, err := v.fileVersions(dir, base)
	if err != nil {
		return err
	}
	var firstErr error
	for _, r := range versions {
		if r.flags&FlagTombstone != 0 {
			continue
		}
		if err := v.store.Delete(v.bodyPath(r.storeDir, r.storeName)); err != nil && firstErr == nil {
			firstErr = err
		}
		if r.localCopy != "" {
			os.Remove(r.localCopy)
			v.clearLocalCopy(r.id)
		}
		if _, err := v.db.Exec("UPDATE_FILE_ALLOCATED_SIZE", index.Args{
			"vault": v.ID, "id": r.id, "allocatedSize": 0,
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
