package vault

import (
	"path"
	"time"

	"github.com/agentworkforce/vaultsync/internal/backend"
	"github.com/agentworkforce/vaultsync/internal/index"
)

const housekeepingTick = time.Minute

// startHousekeeping runs the background maintenance loop: periodic file
// and group syncs, flushing scheduled uploads, retention pruning and
// the allocated-size refresh. The loop stops when the vault closes.
func (v *Vault) startHousekeeping() {
	go func() {
		ticker := time.NewTicker(housekeepingTick)
		defer ticker.Stop()
		var lastFiles, lastGroups time.Time
		for {
			select {
			case <-v.stopHousekeeping:
				return
			case <-ticker.C:
			}

			if time.Since(lastGroups) > orDefault(v.Config.GroupSyncPeriod, defaultGroupSyncPeriod) {
				lastGroups = time.Now()
				if err := v.syncGroups(); err != nil {
					v.logEntry.WithError(err).Warn("periodic group sync failed")
				}
			}
			if time.Since(lastFiles) > orDefault(v.Config.FilesSyncPeriod, defaultFilesSyncPeriod) {
				lastFiles = time.Now()
				v.flushScheduled()
				if err := v.Sync(); err != nil {
					v.logEntry.WithError(err).Warn("periodic file sync failed")
				}
			}
			if v.cleanupDue() {
				v.cleanup()
			}
		}
	}()
}

func (v *Vault) cleanupDue() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Since(v.lastCleanup) > orDefault(v.Config.CleanupPeriod, defaultCleanupPeriod)
}

// cleanup prunes segments past retention and refreshes the cached
// allocated size.
func (v *Vault) cleanup() {
	v.mu.Lock()
	v.lastCleanup = time.Now()
	v.mu.Unlock()

	if retention := orDefault(v.Config.Retention, defaultRetention); retention > 0 {
		if err := v.pruneSegments(retention); err != nil {
			v.logEntry.WithError(err).Warn("retention pruning failed")
		}
	}
	if total, err := v.calcAllocatedSize(); err == nil {
		v.mu.Lock()
		v.allocated = total
		v.mu.Unlock()
	}
}

// pruneSegments drops every segment whose whole time bucket lies beyond
// the retention window, both on the backend and in the index. Segment
// names encode their bucket, so no per-file inspection is needed.
func (v *Vault) pruneSegments(retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	segments, err := v.store.ReadDir(path.Join(v.Realm, dataDir), backend.Filter{OnlyFolders: true})
	if err != nil {
		if backend.IsNotFound(err) {
			return nil
		}
		return err
	}
	pruned := 0
	for _, seg := range segments {
		upper, ok := v.segmentTime(seg.Name())
		if !ok || !upper.Before(cutoff) {
			continue
		}
		if err := v.store.Delete(path.Join(v.Realm, dataDir, seg.Name())); err != nil {
			return err
		}
		pruned++
	}
	if pruned > 0 {
		if _, err := v.db.Exec("DELETE_FILES_BEFORE_MODTIME", index.Args{
			"vault": v.ID, "modTime": cutoff.UnixMilli(),
		}); err != nil {
			return err
		}
		v.logEntry.WithField("segments", pruned).Info("pruned segments past retention")
	}
	return nil
}
