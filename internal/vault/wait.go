package vault

import (
	"context"
	"errors"

	"github.com/agentworkforce/vaultsync/internal/identity"
)

// WaitFiles blocks until the backend I/O of the named versions has
// finished. Versions still flagged for a scheduled upload are started
// here. On timeout the ids that did complete are returned together with
// ErrTimeout; a cancelled context reports ErrCancelled instead. Ids
// with nothing pending count as done immediately.
func (v *Vault) WaitFiles(ctx context.Context, ids ...FileID) ([]FileID, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, orDefault(v.Config.WaitTimeout, defaultWaitTimeout))
		defer cancel()
	}

	waits := map[FileID]<-chan struct{}{}
	var done []FileID
	for _, id := range ids {
		if ch := v.pendingIO(id); ch != nil {
			waits[id] = ch
			continue
		}
		row, err := v.fileByID(id)
		if err != nil {
			return done, err
		}
		if row.flags&FlagPendingWrite == 0 {
			done = append(done, id)
			continue
		}
		// scheduled upload that never started
		if v.scheduleIO(id) {
			key, err := v.uploadKey(row)
			if err != nil {
				v.completeIO(id)
				return done, err
			}
			go v.runUpload(id, row, key, nil)
		}
		if ch := v.pendingIO(id); ch != nil {
			waits[id] = ch
		} else {
			done = append(done, id)
		}
	}

	for id, ch := range waits {
		select {
		case <-ch:
			// the flag tells success from failure
			row, err := v.fileByID(id)
			if err != nil {
				return done, err
			}
			if row.flags&FlagPendingWrite == 0 && row.flags&FlagPendingRead == 0 {
				done = append(done, id)
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return done, ErrCancelled
			}
			return done, ErrTimeout
		}
	}
	return done, nil
}

func (v *Vault) uploadKey(row fileRow) (identity.AESKey, error) {
	if row.keyID == 0 {
		return nil, nil
	}
	return v.keyForID(row.keyID)
}

// flushScheduled starts the upload of every version still flagged
// pending. Housekeeping calls it so scheduled writes eventually reach
// the backend even if nobody waits for them.
func (v *Vault) flushScheduled() {
	ids, err := v.pendingFileIDs(FlagPendingWrite)
	if err != nil {
		v.logEntry.WithError(err).Warn("cannot list pending uploads")
		return
	}
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), orDefault(v.Config.WaitTimeout, defaultWaitTimeout))
	defer cancel()
	if done, err := v.WaitFiles(ctx, ids...); err != nil {
		v.logEntry.WithError(err).WithField("done", len(done)).Debug("pending upload flush incomplete")
	}
}
