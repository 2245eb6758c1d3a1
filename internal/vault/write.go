package vault

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	farm "github.com/dgryski/go-farm"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentworkforce/vaultsync/internal/backend"
	"github.com/agentworkforce/vaultsync/internal/identity"
	"github.com/agentworkforce/vaultsync/internal/index"
)

// WriteOptions tunes a single Write call.
type WriteOptions struct {
	// Attrs are stored in the file's head, visible to every reader of
	// the group.
	Attrs map[string]string
	// Mode selects synchronous (zero), Async or Scheduled upload.
	Mode IOOption
	// Progress receives byte deltas while the body uploads.
	Progress chan int64
}

// Write stores a new version of name. The content is spooled to a local
// copy first, so the version is visible and readable locally as soon as
// Write returns even when the upload runs in the background.
func (v *Vault) Write(name string, src io.Reader, opts WriteOptions) (FileInfo, error) {
	if err := v.checkOpen(); err != nil {
		return FileInfo{}, err
	}
	group, dir, base, err := splitName(name)
	if err != nil {
		return FileInfo{}, err
	}
	if _, _, pinned := parseVersion(name); pinned {
		return FileInfo{}, fmt.Errorf("cannot write to pinned version %s", name)
	}
	if err := v.requireLevel(group, LevelWrite); err != nil {
		return FileInfo{}, err
	}

	keyID, key, err := v.currentKey(group)
	if err != nil {
		return FileInfo{}, err
	}

	storeName := newStoreName()
	local, size, err := v.spool(storeName, src)
	if err != nil {
		return FileInfo{}, err
	}

	if max := v.Config.MaxStorage; max > 0 && v.AllocatedSize()+size > max {
		os.Remove(local)
		return FileInfo{}, fmt.Errorf("%w: %d bytes over the %d byte limit", ErrQuota, v.AllocatedSize()+size-max, max)
	}
	if sr, ok := v.store.(backend.SpaceReporter); ok {
		if free, err := sr.FreeSpace(); err == nil && uint64(size) > free {
			os.Remove(local)
			return FileInfo{}, fmt.Errorf("%w: backend reports %d bytes free, need %d", ErrQuota, free, size)
		}
	}

	now := time.Now().Truncate(time.Millisecond)
	row := fileRow{
		dir: dir, name: base, group: group,
		storeDir: v.segmentDir(now), storeName: storeName,
		localCopy: local, modTime: now, size: size,
		flags: FlagPendingWrite, author: v.UserID, keyID: keyID,
	}
	if len(opts.Attrs) > 0 {
		if row.attrs, err = msgpack.Marshal(opts.Attrs); err != nil {
			return FileInfo{}, err
		}
	}
	id, ok, err := v.insertFileRow(row)
	if err != nil {
		return FileInfo{}, err
	}
	if !ok {
		return FileInfo{}, fmt.Errorf("%w: store name collision on %s", ErrCorrupt, storeName)
	}
	row.id = id

	info, err := row.info()
	if err != nil {
		return FileInfo{}, err
	}

	switch {
	case opts.Mode&Scheduled != 0:
		// housekeeping or WaitFiles picks it up
	case opts.Mode&Async != 0:
		if v.scheduleIO(id) {
			go v.runUpload(id, row, key, opts.Progress)
		}
	default:
		if v.scheduleIO(id) {
			if err := v.runUpload(id, row, key, opts.Progress); err != nil {
				return info, err
			}
		}
		info.PendingWrite = false
	}
	return info, nil
}

// cacheDir is the per-vault directory for local copies.
func (v *Vault) cacheDir() (string, error) {
	dir := filepath.Join(os.TempDir(), "vaultsync", fmt.Sprintf("%x", farm.Hash64([]byte(v.ID))))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// spool copies the content into the vault's local cache directory and
// returns the path and byte count.
func (v *Vault) spool(storeName string, src io.Reader) (string, int64, error) {
	dir, err := v.cacheDir()
	if err != nil {
		return "", 0, err
	}
	local := filepath.Join(dir, storeName)
	f, err := os.Create(local)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(local)
		return "", 0, err
	}
	return local, size, nil
}

// runUpload pushes one version's body and head to the backend and
// clears its pending flag. The io semaphore bounds how many uploads and
// downloads run at once.
func (v *Vault) runUpload(id FileID, row fileRow, key identity.AESKey, progress chan int64) error {
	defer v.completeIO(id)

	ctx := context.Background()
	if err := v.ioSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer v.ioSem.Release(1)

	uploaded := int64(0)
	err := backend.Retry(ctx, "upload body", func() error {
		f, err := os.Open(row.localCopy)
		if err != nil {
			return err
		}
		defer f.Close()
		sealed, err := sealBody(key, row.storeName, f)
		if err != nil {
			return err
		}
		counted := &countingReader{r: sealed}
		if err := v.store.Write(v.bodyPath(row.storeDir, row.storeName), counted, progress); err != nil {
			return err
		}
		uploaded = counted.n
		return nil
	})
	if err != nil {
		v.logEntry.WithError(err).WithField("file", row.name).Warn("body upload failed, version stays pending")
		return err
	}

	h := head{
		Dir: row.dir, Name: row.name, Group: row.group,
		Size: row.size, ModTime: row.modTime, Author: row.author,
		Deleted: row.flags&FlagTombstone != 0,
	}
	if len(row.attrs) > 0 {
		if err := msgpack.Unmarshal(row.attrs, &h.Attrs); err != nil {
			return err
		}
	}
	encoded, err := v.encodeHead(h, row.keyID, key, row.storeName)
	if err != nil {
		return err
	}
	err = backend.Retry(ctx, "upload head", func() error {
		return backend.WriteFile(v.store, v.headPath(row.storeDir, row.storeName), encoded)
	})
	if err != nil {
		v.logEntry.WithError(err).WithField("file", row.name).Warn("head upload failed, version stays pending")
		return err
	}

	allocated := uploaded + int64(len(encoded))
	if _, err := v.db.Exec("UPDATE_FILE_ALLOCATED_SIZE", index.Args{
		"vault": v.ID, "id": id, "allocatedSize": allocated,
	}); err != nil {
		return err
	}
	if err := v.updateFlags(id, row.flags&^FlagPendingWrite); err != nil {
		return err
	}
	v.mu.Lock()
	v.allocated += allocated
	v.mu.Unlock()

	v.touchChangeMark()
	v.notifyPeers(row.storeDir)
	return nil
}

// touchChangeMark bumps the data change marker so peers polling the
// backend see that a segment changed without listing everything.
func (v *Vault) touchChangeMark() {
	v.ioMu.Lock()
	if v.markQueued {
		v.ioMu.Unlock()
		return
	}
	v.markQueued = true
	v.markWg.Add(1)
	v.ioMu.Unlock()

	go func() {
		defer v.markWg.Done()
		// coalesce bursts of writes into one marker update
		time.Sleep(100 * time.Millisecond)
		v.ioMu.Lock()
		v.markQueued = false
		v.ioMu.Unlock()

		stamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		err := backend.WriteFile(v.store, v.changeMarkPath(), []byte(stamp))
		if err != nil {
			v.logEntry.WithError(err).Debug("cannot update change marker")
		}
	}()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
