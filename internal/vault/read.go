package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/agentworkforce/vaultsync/internal/backend"
	"github.com/agentworkforce/vaultsync/internal/identity"
	"github.com/agentworkforce/vaultsync/internal/index"
)

// ReadOptions tunes a single Read call.
type ReadOptions struct {
	// Progress receives byte deltas while the body downloads.
	Progress chan int64
	// NoCache skips writing a local copy of the downloaded body.
	NoCache bool
}

// Read copies the content of name into dst. The name may pin a version
// ("dir/file:2"), address a version directly (":a3f"), or default to
// the newest one. Reading a tombstoned file fails with ErrNotFound.
func (v *Vault) Read(name string, dst io.Writer, opts ReadOptions) (FileInfo, error) {
	if err := v.checkOpen(); err != nil {
		return FileInfo{}, err
	}
	row, err := v.resolveFile(name)
	if err != nil {
		return FileInfo{}, err
	}
	if row.flags&FlagTombstone != 0 {
		return FileInfo{}, fmt.Errorf("%w: %s is deleted", ErrNotFound, name)
	}
	if err := v.requireLevel(row.group, LevelRead); err != nil {
		return FileInfo{}, err
	}
	info, err := row.info()
	if err != nil {
		return FileInfo{}, err
	}

	// a local copy serves reads without touching the backend, and is
	// the only source while our own upload is still pending
	if row.localCopy != "" {
		f, err := os.Open(row.localCopy)
		if err == nil {
			defer f.Close()
			if _, err := io.Copy(dst, f); err != nil {
				return FileInfo{}, err
			}
			return info, nil
		}
		if row.flags&FlagPendingWrite != 0 {
			return FileInfo{}, fmt.Errorf("%w: local copy of pending file %s is gone", ErrNotFound, name)
		}
		// stale cache entry, fall through to the backend
		v.clearLocalCopy(row.id)
	}
	if row.flags&FlagPendingWrite != 0 {
		return FileInfo{}, fmt.Errorf("%w: %s was written elsewhere and is not uploaded yet", ErrNotFound, name)
	}

	var key identity.AESKey
	if row.keyID != 0 {
		if key, err = v.keyForID(row.keyID); err != nil {
			return FileInfo{}, err
		}
	}

	ctx := context.Background()
	if err := v.ioSem.Acquire(ctx, 1); err != nil {
		return FileInfo{}, err
	}
	defer v.ioSem.Release(1)

	var cache *os.File
	out := dst
	if !opts.NoCache {
		if cache, err = v.cacheFile(row.storeName); err == nil {
			out = io.MultiWriter(dst, cache)
		}
	}

	w, err := openBody(key, row.storeName, out)
	if err != nil {
		return FileInfo{}, err
	}
	err = backend.Retry(ctx, "download body", func() error {
		return v.store.Read(v.bodyPath(row.storeDir, row.storeName), nil, w, opts.Progress)
	})
	if err == nil {
		err = w.Close()
	}
	if cache != nil {
		name := cache.Name()
		if cerr := cache.Close(); err != nil || cerr != nil {
			os.Remove(name)
		} else if uerr := v.setLocalCopy(row.id, name); uerr != nil {
			os.Remove(name)
		}
	}
	if err != nil {
		return FileInfo{}, err
	}
	return info, nil
}

// ReadBytes is Read into memory, for small files.
func (v *Vault) ReadBytes(name string) ([]byte, FileInfo, error) {
	var buf bytes.Buffer
	info, err := v.Read(name, &buf, ReadOptions{})
	if err != nil {
		return nil, FileInfo{}, err
	}
	return buf.Bytes(), info, nil
}

// WriteBytes is Write from memory, for small files.
func (v *Vault) WriteBytes(name string, data []byte, opts WriteOptions) (FileInfo, error) {
	return v.Write(name, bytes.NewReader(data), opts)
}

func (v *Vault) cacheFile(storeName string) (*os.File, error) {
	dir, err := v.cacheDir()
	if err != nil {
		return nil, err
	}
	return os.Create(filepath.Join(dir, storeName))
}

func (v *Vault) setLocalCopy(id FileID, local string) error {
	_, err := v.db.Exec("UPDATE_FILE_LOCAL_COPY", index.Args{"vault": v.ID, "id": id, "localCopy": local})
	return err
}

func (v *Vault) clearLocalCopy(id FileID) {
	if _, err := v.db.Exec("UPDATE_FILE_LOCAL_COPY", index.Args{"vault": v.ID, "id": id, "localCopy": ""}); err != nil {
		v.logEntry.WithError(err).Debug("cannot clear stale local copy")
	}
}
