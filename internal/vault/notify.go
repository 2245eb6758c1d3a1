package vault

import (
	"context"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/vaultsync/internal/backend"
)

const notifyRedialDelay = 10 * time.Second

// startNotify wires the two wakeup sources that make syncs prompt
// instead of polled: the sync relay, when one is configured, and the
// backend's own change watcher, when the store supports one. Both paths
// only trigger syncs; correctness never depends on a wakeup arriving.
func (v *Vault) startNotify() {
	ctx, cancel := context.WithCancel(context.Background())
	v.notifyStop = cancel

	if v.Config.SyncRelay != "" {
		go v.relayLoop(ctx)
	}
	if w, ok := v.store.(backend.Watcher); ok {
		go v.watchLoop(ctx, w)
	}
}

// relayLoop keeps a subscription on the sync relay's watch channel,
// redialing after failures. A "+topic" line subscribes; every peer
// publishing "topic:detail" wakes us up.
func (v *Vault) relayLoop(ctx context.Context) {
	url := strings.TrimSuffix(v.Config.SyncRelay, "/") + "/watch"
	for ctx.Err() == nil {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			v.logEntry.WithError(err).Debug("cannot reach sync relay")
			v.notifySleep(ctx)
			continue
		}
		conn.SetReadLimit(1 << 16)

		err = conn.Write(ctx, websocket.MessageText, []byte("+"+v.ID))
		for err == nil {
			var data []byte
			if _, data, err = conn.Read(ctx); err != nil {
				break
			}
			topic, _, _ := strings.Cut(string(data), ":")
			if topic != v.ID {
				continue
			}
			if serr := v.syncGroups(); serr != nil {
				v.logEntry.WithError(serr).Debug("relay-triggered group sync failed")
			}
			if serr := v.Sync(); serr != nil {
				v.logEntry.WithError(serr).Debug("relay-triggered sync failed")
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() == nil {
			v.logEntry.WithError(err).Debug("sync relay connection lost")
			v.notifySleep(ctx)
		}
	}
}

// notifyPeers tells the relay that something under detail changed. Best
// effort over a short-lived connection; peers fall back to polling when
// no relay is configured or reachable.
func (v *Vault) notifyPeers(detail string) {
	if v.Config.SyncRelay == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		url := strings.TrimSuffix(v.Config.SyncRelay, "/") + "/watch"
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			v.logEntry.WithError(err).Debug("cannot notify sync relay")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		if err := conn.Write(ctx, websocket.MessageText, []byte(v.ID+":"+detail)); err != nil {
			v.logEntry.WithError(err).Debug("cannot notify sync relay")
		}
	}()
}

// watchLoop listens on the backend's native change events. Only the
// change marker matters; everything else is noise from our own writes.
func (v *Vault) watchLoop(ctx context.Context, w backend.Watcher) {
	events, stop, err := w.Watch(v.Realm)
	if err != nil {
		v.logEntry.WithError(err).Debug("backend watch unavailable")
		return
	}
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-events:
			if !ok {
				return
			}
			if !strings.HasSuffix(name, changeMark) {
				continue
			}
			if err := v.Sync(); err != nil {
				v.logEntry.WithError(err).Debug("watch-triggered sync failed")
			}
		}
	}
}

func (v *Vault) notifySleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(notifyRedialDelay):
	}
}
