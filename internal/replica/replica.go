// Package replica projects vault content into a relational shape. Every
// instance applies the same stream of recorded SQL updates to its own
// database, so all members of a group converge on the same tables
// without sharing a database server. Updates travel as ordinary vault
// files, which means they inherit the vault's encryption and access
// control.
package replica

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentworkforce/vaultsync/internal/index"
	"github.com/agentworkforce/vaultsync/internal/vault"
)

// transactionsDir is the vault directory, inside the replica's group,
// holding the recorded transaction files.
const transactionsDir = "replica"

// Update is one recorded statement of a transaction: the query key and
// its arguments, replayed verbatim on every instance.
type Update struct {
	Key  string     `msgpack:"k"`
	Args index.Args `msgpack:"a"`
}

// transaction is the wire format of one committed batch of updates.
type transaction struct {
	Updates []Update  `msgpack:"u"`
	Version float64   `msgpack:"v"`
	Tm      time.Time `msgpack:"t"`
}

// Replica is a SQL projection bound to one vault group. Exec records
// updates into an open local transaction; SyncTables exchanges recorded
// transactions with the other members and replays them.
type Replica struct {
	vlt   *vault.Vault
	group string
	db    *index.DB
	log   *logrus.Entry

	execMu  sync.Mutex
	queryMu sync.Mutex
	tx      *index.Tx
	updates []Update
	lastID  vault.FileID
}

// Open binds a projection database to a vault group. The caller defines
// the projection schema on db beforehand; Open only restores the sync
// cursor.
func Open(vlt *vault.Vault, group string, db *index.DB) (*Replica, error) {
	if _, err := vlt.GetAccess(group, vlt.UserID); err != nil {
		return nil, err
	}
	r := &Replica{
		vlt: vlt, group: group, db: db,
		log: logrus.WithFields(logrus.Fields{"vault": vlt.ID, "group": group}),
	}
	_, lastID, _, _, err := db.GetSetting(r.cursorSetting())
	if err != nil && err != index.ErrNoRows {
		return nil, err
	}
	r.lastID = vault.FileID(lastID)
	return r, nil
}

func (r *Replica) cursorSetting() string {
	return path.Join("replica/cursor", r.vlt.ID, r.group)
}

// Exec records an update. The statement runs immediately inside a local
// uncommitted transaction, so the session reads its own writes, but
// nothing reaches the other members until SyncTables.
func (r *Replica) Exec(key string, args index.Args) (sql.Result, error) {
	r.execMu.Lock()
	defer r.execMu.Unlock()

	if r.tx == nil {
		tx, err := r.db.Begin()
		if err != nil {
			return nil, err
		}
		r.tx = tx
	}
	res, err := r.tx.Exec(key, args)
	if err != nil {
		return nil, err
	}
	r.updates = append(r.updates, Update{Key: key, Args: args})
	return res, nil
}

// Query runs a read. While a recording transaction is open the query
// sees its uncommitted updates; otherwise it runs on the database
// directly. The returned Rows must be closed.
func (r *Replica) Query(key string, args index.Args) (*Rows, error) {
	r.queryMu.Lock()
	defer r.queryMu.Unlock()

	var rows *index.Rows
	var err error
	if r.tx != nil {
		rows, err = r.tx.Query(key, args)
	} else {
		rows, err = r.db.Query(key, args)
	}
	if err != nil {
		return nil, err
	}
	return &Rows{inner: rows}, nil
}

// Cancel throws away the updates recorded since the last SyncTables.
// Cancelling with nothing recorded is a no-op.
func (r *Replica) Cancel() error {
	r.execMu.Lock()
	defer r.execMu.Unlock()
	if r.tx == nil {
		return nil
	}
	err := r.tx.Rollback()
	r.tx = nil
	r.updates = nil
	return err
}

// SyncTables publishes the recorded updates and replays every
// transaction the other members published since the last call. Each
// remote transaction is applied in its own committed step and the
// cursor advances past it, so a crash never replays a transaction
// twice. Returns the number of updates applied locally.
func (r *Replica) SyncTables() (int, error) {
	r.execMu.Lock()
	defer r.execMu.Unlock()

	type pending struct {
		id vault.FileID
		t  transaction
	}
	var incoming []pending

	// an explicit sync, not the cooldown-gated one ReadDir runs, so a
	// transaction published a moment ago is never missed
	if err := r.vlt.Sync(r.group); err != nil {
		return 0, err
	}
	files, err := r.vlt.ReadDir(path.Join(r.group, transactionsDir), vault.ListOptions{FromID: r.lastID, NoSync: true})
	if err != nil {
		return 0, err
	}
	for _, fi := range files {
		t, err := r.readTransaction(fi.Name)
		if err != nil {
			r.log.WithError(err).WithField("file", fi.Name).Warn("skipping unreadable transaction")
			continue
		}
		incoming = append(incoming, pending{id: fi.ID, t: t})
	}
	sort.Slice(incoming, func(i, j int) bool { return incoming[i].id < incoming[j].id })

	// publish our own recorded updates; they re-apply below through the
	// same path every other member uses
	if r.tx != nil {
		mine := transaction{Updates: r.updates, Tm: time.Now()}
		if err := r.tx.Rollback(); err != nil {
			return 0, err
		}
		r.tx = nil
		r.updates = nil

		id, err := r.writeTransaction(mine)
		if err != nil {
			return 0, err
		}
		incoming = append(incoming, pending{id: id, t: mine})
	}

	r.queryMu.Lock()
	defer r.queryMu.Unlock()

	applied := 0
	for _, p := range incoming {
		if err := r.applyTransaction(p.t); err != nil {
			r.log.WithError(err).WithField("id", p.id).Warn("transaction does not apply, skipping")
		} else {
			applied += len(p.t.Updates)
		}
		r.lastID = p.id
		if err := r.db.SetSetting(r.cursorSetting(), "", int64(p.id), 0, nil); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// applyTransaction replays one batch atomically on the projection.
func (r *Replica) applyTransaction(t transaction) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	for _, u := range t.Updates {
		if _, err := tx.Exec(u.Key, u.Args); err != nil {
			tx.Rollback()
			return fmt.Errorf("cannot replay %s: %w", u.Key, err)
		}
	}
	return tx.Commit()
}

func (r *Replica) writeTransaction(t transaction) (vault.FileID, error) {
	encoded, err := msgpack.Marshal(t)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(encoded); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}

	name := path.Join(r.group, transactionsDir, transactionName())
	info, err := r.vlt.WriteBytes(name, buf.Bytes(), vault.WriteOptions{})
	if err != nil {
		return 0, err
	}
	return info.ID, nil
}

func (r *Replica) readTransaction(name string) (transaction, error) {
	data, _, err := r.vlt.ReadBytes(name)
	if err != nil {
		return transaction{}, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return transaction{}, err
	}
	encoded, err := io.ReadAll(zr)
	if err != nil {
		return transaction{}, err
	}
	var t transaction
	if err := msgpack.Unmarshal(encoded, &t); err != nil {
		return transaction{}, err
	}
	return t, nil
}
