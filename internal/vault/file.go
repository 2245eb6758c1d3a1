package vault

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentworkforce/vaultsync/internal/identity"
	"github.com/agentworkforce/vaultsync/internal/index"
)

// FileID identifies a version of a file in the local index. IDs are
// strictly increasing in the order versions become visible locally, so
// they double as the incremental cursor for ReadDir.
type FileID int64

// Hex is the textual form accepted by the ":hexid" addressing syntax.
func (id FileID) Hex() string {
	return strconv.FormatInt(int64(id), 16)
}

// Flags records the local lifecycle state of a file version.
type Flags int64

const (
	// FlagPendingWrite marks a version whose body upload has not
	// completed yet.
	FlagPendingWrite Flags = 1 << iota
	// FlagPendingRead marks a version scheduled for download.
	FlagPendingRead
	// FlagTombstone marks a delete marker.
	FlagTombstone
)

// FileInfo describes one version of a vault file.
type FileInfo struct {
	ID            FileID
	Name          string // full path including the group element
	Group         string
	Size          int64
	AllocatedSize int64
	ModTime       time.Time
	Author        identity.PublicID
	Deleted       bool
	PendingWrite  bool
	PendingRead   bool
	LocalCopy     string
	Attributes    map[string]string
}

// fileRow is the index-side shape of a file version.
type fileRow struct {
	id            FileID
	dir           string
	name          string
	group         string
	storeDir      string
	storeName     string
	localCopy     string
	modTime       time.Time
	size          int64
	allocatedSize int64
	flags         Flags
	author        identity.PublicID
	keyID         uint64
	attrs         []byte
}

func (r *fileRow) scanDests() []any {
	return []any{&r.id, &r.dir, &r.name, &r.group, &r.storeDir, &r.storeName,
		&r.localCopy, &r.modTime, &r.size, &r.allocatedSize, &r.flags,
		&r.author, &r.keyID, &r.attrs}
}

func (r *fileRow) info() (FileInfo, error) {
	var attrs map[string]string
	if len(r.attrs) > 0 {
		if err := msgpack.Unmarshal(r.attrs, &attrs); err != nil {
			return FileInfo{}, fmt.Errorf("%w: attributes of file %d are not decodable: %v", ErrCorrupt, r.id, err)
		}
	}
	return FileInfo{
		ID:            r.id,
		Name:          path.Join(r.dir, r.name),
		Group:         r.group,
		Size:          r.size,
		AllocatedSize: r.allocatedSize,
		ModTime:       r.modTime,
		Author:        r.author,
		Deleted:       r.flags&FlagTombstone != 0,
		PendingWrite:  r.flags&FlagPendingWrite != 0,
		PendingRead:   r.flags&FlagPendingRead != 0,
		LocalCopy:     r.localCopy,
		Attributes:    attrs,
	}, nil
}

// splitName breaks a vault path into its group, directory and base
// name. The group is the first path element; a bare name such as
// "report.txt" is rejected because every file must live in a group.
func splitName(name string) (group, dir, base string, err error) {
	name = strings.Trim(path.Clean("/"+name), "/")
	if name == "" || name == "." {
		return "", "", "", fmt.Errorf("%w: empty file name", ErrNotFound)
	}
	group, _, ok := strings.Cut(name, "/")
	if !ok {
		return "", "", "", fmt.Errorf("file name %q must include a group prefix such as %s/", name, GroupUsers)
	}
	return group, path.Dir(name), path.Base(name), nil
}

// parseVersion strips an optional ":N" version suffix. Version 0 is the
// oldest surviving version; absent means the newest.
func parseVersion(name string) (string, int, bool) {
	base := path.Base(name)
	i := strings.LastIndexByte(base, ':')
	if i < 0 {
		return name, 0, false
	}
	n, err := strconv.Atoi(base[i+1:])
	if err != nil || n < 0 {
		return name, 0, false
	}
	return name[:len(name)-(len(base)-i)], n, true
}

// resolveFile locates the version a user-facing name refers to. The
// forms are "group/dir/name" (newest version), "group/dir/name:N"
// (N-th oldest version) and ":hexid" (direct version id).
func (v *Vault) resolveFile(name string) (fileRow, error) {
	if strings.HasPrefix(name, ":") {
		id, err := strconv.ParseInt(name[1:], 16, 64)
		if err != nil {
			return fileRow{}, fmt.Errorf("%w: invalid file id %q", ErrNotFound, name)
		}
		return v.fileByID(FileID(id))
	}

	name, version, pinned := parseVersion(name)
	_, dir, base, err := splitName(name)
	if err != nil {
		return fileRow{}, err
	}

	var r fileRow
	if pinned {
		err = v.db.QueryRow("GET_FILE_VERSION", index.Args{
			"vault": v.ID, "dir": dir, "name": base, "version": version,
		}, r.scanDests()...)
	} else {
		err = v.db.QueryRow("GET_FILE_LATEST", index.Args{
			"vault": v.ID, "dir": dir, "name": base,
		}, r.scanDests()...)
	}
	if err == index.ErrNoRows {
		return fileRow{}, fmt.Errorf("%w: no file %s", ErrNotFound, name)
	}
	if err != nil {
		return fileRow{}, err
	}
	return r, nil
}

func (v *Vault) fileByID(id FileID) (fileRow, error) {
	var r fileRow
	err := v.db.QueryRow("GET_FILE_BY_ID", index.Args{"vault": v.ID, "id": id}, r.scanDests()...)
	if err == index.ErrNoRows {
		return fileRow{}, fmt.Errorf("%w: no file with id %s", ErrNotFound, id.Hex())
	}
	if err != nil {
		return fileRow{}, err
	}
	return r, nil
}

// insertFileRow stores a version in the index and returns its id. A
// duplicate (storeDir, storeName) pair is silently skipped and reports
// ok=false, which is how sync recognizes already imported files.
func (v *Vault) insertFileRow(r fileRow) (FileID, bool, error) {
	res, err := v.db.Exec("SET_FILE", index.Args{
		"vault": v.ID, "dir": r.dir, "name": r.name, "grp": r.group,
		"storeDir": r.storeDir, "storeName": r.storeName, "localCopy": r.localCopy,
		"modTime": r.modTime, "size": r.size, "allocatedSize": r.allocatedSize,
		"flags": int64(r.flags), "authorId": string(r.author), "keyId": r.keyID,
		"attrs": r.attrs,
	})
	if err != nil {
		return 0, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return FileID(id), true, nil
}

func (v *Vault) updateFlags(id FileID, flags Flags) error {
	_, err := v.db.Exec("UPDATE_FILE_FLAGS", index.Args{"vault": v.ID, "id": id, "flags": int64(flags)})
	return err
}

// newStoreName mints a backend object name for a new version. The name
// starts with the millisecond timestamp so names within a segment sort
// roughly by creation time; the random tail avoids collisions between
// concurrent writers.
func newStoreName() string {
	var tail [6]byte
	rand.Read(tail[:])
	var buf [14]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(time.Now().UnixMilli()))
	copy(buf[8:], tail[:])
	return fmt.Sprintf("%x", buf[2:])
}

// segmentDir names the time bucket a new version is stored under.
// Segments let retention pruning skip whole directories by name.
func (v *Vault) segmentDir(tm time.Time) string {
	interval := orDefault(v.Config.SegmentInterval, defaultSegmentInterval)
	return strconv.FormatInt(tm.UnixMilli()/interval.Milliseconds(), 10)
}

// segmentTime recovers the inclusive upper bound of a segment's time
// bucket; malformed names report ok=false and are left alone.
func (v *Vault) segmentTime(segment string) (time.Time, bool) {
	n, err := strconv.ParseInt(segment, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	interval := orDefault(v.Config.SegmentInterval, defaultSegmentInterval)
	return time.UnixMilli((n + 1) * interval.Milliseconds()), true
}
