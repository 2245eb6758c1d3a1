package vault

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/agentworkforce/vaultsync/internal/backend"
	"github.com/agentworkforce/vaultsync/internal/index"
)

const syncWorkers = 4

// Sync reconciles the local index with the backend for the given
// groups, or for every group the caller belongs to when none is named.
// New heads written by peers become visible locally; content downloads
// stay on demand. Sync is cheap when nothing changed: the backend's
// change marker is consulted before any directory listing.
func (v *Vault) Sync(groups ...string) error {
	if err := v.checkOpen(); err != nil {
		return err
	}

	scoped := len(groups) > 0
	wanted := map[string]bool{}
	if len(groups) == 0 {
		mine, err := v.GetGroups(v.UserID)
		if err != nil {
			return err
		}
		for g := range mine {
			wanted[g] = true
		}
		wanted[GroupAll] = true
	} else {
		for _, g := range groups {
			if err := validGroupName(g); err != nil {
				return err
			}
			wanted[g] = true
		}
	}

	changed, mark, err := v.markChanged()
	if err != nil {
		return err
	}
	if !changed {
		v.mu.Lock()
		v.lastSyncAt = time.Now()
		v.mu.Unlock()
		return nil
	}

	segments, err := v.store.ReadDir(path.Join(v.Realm, dataDir), backend.Filter{OnlyFolders: true})
	if err != nil && !backend.IsNotFound(err) {
		return err
	}

	imported := 0
	for _, seg := range segments {
		n, err := v.syncSegment(seg.Name(), wanted)
		if err != nil {
			return err
		}
		imported += n
	}

	// a scoped sync skips foreign groups, so it must not claim the
	// marker as fully processed
	if mark != "" && !scoped {
		if err := v.db.SetSetting(markSetting(v.ID), mark, 0, 0, nil); err != nil {
			return err
		}
	}
	v.mu.Lock()
	v.lastSyncAt = time.Now()
	v.mu.Unlock()
	if imported > 0 {
		v.logEntry.WithField("files", imported).Debug("sync imported new versions")
	}
	return nil
}

// markChanged compares the backend change marker with the last one this
// instance saw. A missing marker forces a full pass, since older peers
// may never write one.
func (v *Vault) markChanged() (bool, string, error) {
	data, err := backend.ReadFile(v.store, v.changeMarkPath())
	if err != nil {
		if backend.IsNotFound(err) {
			return true, "", nil
		}
		return false, "", err
	}
	mark := string(data)
	last, _, _, _, err := v.db.GetSetting(markSetting(v.ID))
	if err != nil && err != index.ErrNoRows {
		return false, "", err
	}
	return mark != last, mark, nil
}

func markSetting(id string) string {
	return path.Join("vault/mark", id)
}

// syncSegment imports the unknown heads of one segment directory,
// fetching them through a small worker pool.
func (v *Vault) syncSegment(segment string, wanted map[string]bool) (int, error) {
	known, err := v.knownStoreNames(segment)
	if err != nil {
		return 0, err
	}

	ls, err := v.store.ReadDir(path.Join(v.Realm, dataDir, segment, "h"), backend.Filter{OnlyFiles: true})
	if err != nil {
		if backend.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}

	var fresh []string
	for _, fi := range ls {
		if !known[fi.Name()] {
			fresh = append(fresh, fi.Name())
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	names := make(chan string)
	var wg sync.WaitGroup
	var mu sync.Mutex
	imported := 0
	var firstErr error

	workers := syncWorkers
	if len(fresh) < workers {
		workers = len(fresh)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range names {
				ok, err := v.importHead(segment, name, wanted)
				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				if ok {
					imported++
				}
				mu.Unlock()
			}
		}()
	}
	for _, name := range fresh {
		names <- name
	}
	close(names)
	wg.Wait()
	return imported, firstErr
}

func (v *Vault) knownStoreNames(segment string) (map[string]bool, error) {
	rows, err := v.db.Query("GET_STORE_NAMES", index.Args{"vault": v.ID, "storeDir": segment})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// importHead fetches, verifies and indexes one remote head. Heads of
// groups the caller holds no key for, or written by authors without
// write access, are skipped, not failed: one bad or foreign object must
// not stall the whole sync.
func (v *Vault) importHead(segment, storeName string, wanted map[string]bool) (bool, error) {
	data, err := backend.ReadFile(v.store, v.headPath(segment, storeName))
	if err != nil {
		if backend.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	h, keyID, err := v.decodeHead(data, storeName)
	if err != nil {
		v.logEntry.WithError(err).WithField("head", storeName).Debug("skipping undecodable head")
		return false, nil
	}
	if len(wanted) > 0 && !wanted[h.Group] {
		return false, nil
	}

	level, err := v.GetAccess(h.Group, h.Author)
	if err != nil {
		return false, err
	}
	if level < LevelWrite {
		if creator, _ := v.creator(); creator != h.Author {
			v.logEntry.WithFields(map[string]any{"author": h.Author, "group": h.Group}).
				Warn("skipping head from author without write access")
			return false, nil
		}
	}

	flags := Flags(0)
	if h.Deleted {
		flags |= FlagTombstone
	}
	row := fileRow{
		dir: h.Dir, name: h.Name, group: h.Group,
		storeDir: segment, storeName: storeName,
		modTime: h.ModTime, size: h.Size, flags: flags,
		author: h.Author, keyID: keyID,
	}
	if len(h.Attrs) > 0 {
		row.attrs = mustMarshal(h.Attrs)
	}
	_, ok, err := v.insertFileRow(row)
	return ok, err
}

// SyncWait syncs and then blocks until pending uploads finish or the
// context expires. Useful before tearing an instance down.
func (v *Vault) SyncWait(ctx context.Context, groups ...string) error {
	if err := v.Sync(groups...); err != nil {
		return err
	}
	ids, err := v.pendingFileIDs(FlagPendingWrite)
	if err != nil {
		return err
	}
	_, err = v.WaitFiles(ctx, ids...)
	return err
}

func (v *Vault) pendingFileIDs(mask Flags) ([]FileID, error) {
	rows, err := v.db.Query("GET_PENDING_IDS", index.Args{"vault": v.ID, "mask": int64(mask)})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FileID
	for rows.Next() {
		var id FileID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
