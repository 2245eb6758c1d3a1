//go:build unix

package backend

import "golang.org/x/sys/unix"

// FreeSpace reports the bytes still available on the filesystem holding
// the store. Housekeeping uses it to decide when pruning is urgent.
func (l *localStore) FreeSpace() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(l.base, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
