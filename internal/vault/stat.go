package vault

import (
	"path"
	"strings"
	"time"

	"github.com/agentworkforce/vaultsync/internal/index"
)

// Stat returns the info of the version name refers to, including
// tombstones, so a caller can distinguish "deleted" from "never
// existed".
func (v *Vault) Stat(name string) (FileInfo, error) {
	if err := v.checkOpen(); err != nil {
		return FileInfo{}, err
	}
	row, err := v.resolveFile(name)
	if err != nil {
		return FileInfo{}, err
	}
	if err := v.requireLevel(row.group, LevelRead); err != nil {
		return FileInfo{}, err
	}
	return row.info()
}

// ListOptions filters a ReadDir. The zero value lists the current
// content of the directory.
type ListOptions struct {
	// Since keeps versions modified after this time. When FromID is
	// also set, a version passes on either condition, so a file whose
	// upload was delayed past the reader's time cursor still shows up
	// through its fresher id.
	Since time.Time
	// FromID keeps versions with a larger id; feeding the largest id
	// of the previous call back in makes ReadDir an incremental
	// cursor.
	FromID FileID
	// Limit caps the number of results; zero means no cap.
	Limit int
	// IncludeDeleted reports tombstones instead of hiding them.
	IncludeDeleted bool
	// NoSync skips the opportunistic backend sync before listing.
	NoSync bool
}

// ReadDir lists the newest version of every file in a directory, in
// id order. Unless the last sync is fresher than SyncCooldown, the
// group is synced against the backend first so the listing reflects
// recent remote writes.
func (v *Vault) ReadDir(dir string, opts ListOptions) ([]FileInfo, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	dir = strings.Trim(path.Clean("/"+dir), "/")
	group, _, ok := strings.Cut(dir, "/")
	if !ok {
		group = dir
	}
	if err := validGroupName(group); err != nil {
		return nil, err
	}
	if err := v.requireLevel(group, LevelRead); err != nil {
		return nil, err
	}

	if !opts.NoSync && v.syncDue() {
		if err := v.Sync(group); err != nil {
			v.logEntry.WithError(err).Debug("opportunistic sync failed, listing local state")
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // no cap
	}
	since := int64(0)
	if !opts.Since.IsZero() {
		since = opts.Since.UnixMilli()
	}
	rows, err := v.db.Query("GET_FILES_IN_DIR", index.Args{
		"vault": v.ID, "dir": dir, "afterId": int64(opts.FromID), "since": since, "limit": limit,
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileInfo
	for rows.Next() {
		var r fileRow
		if err := rows.Scan(r.scanDests()...); err != nil {
			return nil, err
		}
		if r.flags&FlagTombstone != 0 && !opts.IncludeDeleted {
			continue
		}
		info, err := r.info()
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (v *Vault) syncDue() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cooldown := orDefault(v.Config.SyncCooldown, defaultSyncCooldown)
	return time.Since(v.lastSyncAt) > cooldown
}

// Versions lists every version of a file, oldest first. The position in
// the returned slice is the N usable in the "name:N" pin syntax.
func (v *Vault) Versions(name string) ([]FileInfo, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	group, dir, base, err := splitName(name)
	if err != nil {
		return nil, err
	}
	if err := v.requireLevel(group, LevelRead); err != nil {
		return nil, err
	}
	rows, err := v.fileVersions(dir, base)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(rows))
	for _, r := range rows {
		info, err := r.info()
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (v *Vault) fileVersions(dir, base string) ([]fileRow, error) {
	rows, err := v.db.Query("GET_FILE_VERSIONS", index.Args{"vault": v.ID, "dir": dir, "name": base})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fileRow
	for rows.Next() {
		var r fileRow
		if err := rows.Scan(r.scanDests()...); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
