// Package vault implements an encrypted, access-controlled content store
// synchronized through a remote backend. Files belong to named groups,
// are encrypted under group keys, versioned, and reconciled against the
// backend with incremental cursors. Group membership and keys propagate
// through a signed change log on the backend.
package vault

import (
	_ "embed"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/semaphore"

	"github.com/agentworkforce/vaultsync/internal/backend"
	"github.com/agentworkforce/vaultsync/internal/identity"
	"github.com/agentworkforce/vaultsync/internal/index"
)

//go:embed ddl.sql
var ddl string

// Backend layout under the realm directory.
const (
	dataDir    = "data"
	changesDir = "changes"
	changeMark = ".change"
)

// Reserved group names. Home is the creator's private scope, Users is
// the default shared scope, All holds plaintext files readable by
// anyone who can reach the backend.
const (
	GroupHome  = "home"
	GroupUsers = "users"
	GroupAll   = "all"
)

// Level is a user's access level within a group.
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Config tunes a vault. The zero value of every field means the default.
type Config struct {
	SyncRelay       string        `json:"syncRelay,omitempty" yaml:"syncRelay,omitempty"` // ws(s):// endpoint for change notifications
	Retention       time.Duration `json:"retention,omitempty" yaml:"retention,omitempty"`
	MaxStorage      int64         `json:"maxStorage,omitempty" yaml:"maxStorage,omitempty"`
	SegmentInterval time.Duration `json:"segmentInterval,omitempty" yaml:"segmentInterval,omitempty"`
	SyncCooldown    time.Duration `json:"syncCooldown,omitempty" yaml:"syncCooldown,omitempty"`
	WaitTimeout     time.Duration `json:"waitTimeout,omitempty" yaml:"waitTimeout,omitempty"`
	FilesSyncPeriod time.Duration `json:"filesSyncPeriod,omitempty" yaml:"filesSyncPeriod,omitempty"`
	CleanupPeriod   time.Duration `json:"cleanupPeriod,omitempty" yaml:"cleanupPeriod,omitempty"`
	GroupSyncPeriod time.Duration `json:"groupSyncPeriod,omitempty" yaml:"groupSyncPeriod,omitempty"`
	IoThrottle      int64         `json:"ioThrottle,omitempty" yaml:"ioThrottle,omitempty"`
}

const (
	defaultRetention       = 30 * 24 * time.Hour
	defaultSegmentInterval = 24 * time.Hour
	defaultSyncCooldown    = 5 * time.Second
	defaultWaitTimeout     = 10 * time.Minute
	defaultFilesSyncPeriod = 10 * time.Minute
	defaultCleanupPeriod   = time.Hour
	defaultGroupSyncPeriod = 10 * time.Minute
	defaultIoThrottle      = 10
)

func (c Config) Validate() error {
	if c.SyncRelay != "" && !strings.HasPrefix(c.SyncRelay, "ws://") && !strings.HasPrefix(c.SyncRelay, "wss://") {
		return fmt.Errorf("sync relay must be a ws:// or wss:// URL, got %q", c.SyncRelay)
	}
	if c.Retention < 0 || c.MaxStorage < 0 || c.IoThrottle < 0 {
		return fmt.Errorf("config durations and limits must not be negative")
	}
	return nil
}

func orDefault[T int64 | time.Duration](v, def T) T {
	if v == 0 {
		return def
	}
	return v
}

// Vault is a live handle on an encrypted store. It is safe for
// concurrent use; backend I/O never runs under the state mutex.
type Vault struct {
	ID       string
	Realm    string
	UserID   identity.PublicID
	Author   identity.PublicID
	Config   Config
	secret   identity.PrivateID
	store    backend.Store
	db       *index.DB
	ioSem    *semaphore.Weighted
	logEntry *logrus.Entry

	mu            sync.RWMutex
	closed        bool
	allocated     int64
	creatorID     identity.PublicID
	lastSyncAt    time.Time
	lastGroupSync time.Time
	lastCleanup   time.Time

	ioMu       sync.Mutex
	ioPending  map[FileID]chan struct{}
	markWg     sync.WaitGroup
	markQueued bool

	changeMu sync.Mutex // serializes change-log import/export

	stopHousekeeping chan struct{}
	notifyStop       func()
}

// Create provisions a new vault on an empty backend location. It grants
// the creator admin on the home group and persists the configuration
// into the vault's change log. Creating over existing vault data fails
// with ErrExists.
func Create(realm string, secret identity.PrivateID, store backend.Store, db *index.DB, config Config) (*Vault, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := db.Define(ddl); err != nil {
		return nil, fmt.Errorf("cannot provision vault schema: %w", err)
	}
	userID, err := secret.Public()
	if err != nil {
		return nil, err
	}

	if ls, err := store.ReadDir(realm, backend.Filter{MaxResults: 1}); err == nil && len(ls) > 0 {
		return nil, fmt.Errorf("%w: backend already holds data at realm %s", ErrExists, realm)
	}

	v := newVault(realm, secret, userID, userID, store, db, config)
	if err := v.stageConfig(config); err != nil {
		return nil, err
	}
	if err := v.SyncAccess(0,
		AccessChange{Group: GroupHome, UserID: userID, Level: LevelAdmin},
		AccessChange{Group: GroupUsers, UserID: userID, Level: LevelAdmin},
	); err != nil {
		return nil, fmt.Errorf("cannot grant creator access: %w", err)
	}
	v.startHousekeeping()
	v.startNotify()
	v.logEntry.Info("vault created")
	return v, nil
}

// Open attaches to an existing vault. The identity must hold access to
// at least one group, directly or after an initial change-log sync.
func Open(realm string, secret identity.PrivateID, author identity.PublicID, store backend.Store, db *index.DB) (*Vault, error) {
	if err := db.Define(ddl); err != nil {
		return nil, fmt.Errorf("cannot provision vault schema: %w", err)
	}
	userID, err := secret.Public()
	if err != nil {
		return nil, err
	}

	var config Config
	id := fmt.Sprintf("%s@%s", realm, store.ID())
	if _, _, _, blob, err := db.GetSetting(configSetting(id)); err == nil && len(blob) > 0 {
		if err := msgpack.Unmarshal(blob, &config); err != nil {
			return nil, fmt.Errorf("%w: stored config is not decodable: %v", ErrCorrupt, err)
		}
	}

	v := newVault(realm, secret, userID, author, store, db, config)

	groups, err := v.GetGroups(userID)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		if err := v.syncGroups(); err != nil {
			return nil, fmt.Errorf("cannot run initial group sync: %w", err)
		}
		if groups, err = v.GetGroups(userID); err != nil {
			return nil, err
		}
		if len(groups) == 0 {
			return nil, fmt.Errorf("%w: %s holds no access in vault %s", ErrAccessDenied, userID, id)
		}
	} else {
		go v.syncGroups()
	}

	if v.allocated, err = v.calcAllocatedSize(); err != nil {
		return nil, err
	}
	v.startHousekeeping()
	v.startNotify()
	v.logEntry.Info("vault opened")
	return v, nil
}

func newVault(realm string, secret identity.PrivateID, userID, author identity.PublicID, store backend.Store, db *index.DB, config Config) *Vault {
	id := fmt.Sprintf("%s@%s", realm, store.ID())
	return &Vault{
		ID:               id,
		Realm:            realm,
		UserID:           userID,
		Author:           author,
		Config:           config,
		secret:           secret,
		store:            store,
		db:               db,
		ioSem:            semaphore.NewWeighted(orDefault(config.IoThrottle, defaultIoThrottle)),
		logEntry:         logrus.WithField("vault", id),
		ioPending:        map[FileID]chan struct{}{},
		lastCleanup:      time.Now(),
		stopHousekeeping: make(chan struct{}),
	}
}

func configSetting(id string) string {
	return path.Join("vault/config", id)
}

func (v *Vault) stageConfig(config Config) error {
	if err := v.db.SetSetting(configSetting(v.ID), "", 0, 0, mustMarshal(config)); err != nil {
		return err
	}
	return v.stageChange(changeConfig, config)
}

func mustMarshal(v any) []byte {
	data, err := msgpack.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Close stops background work and releases the handle. Operations on a
// closed vault fail with ErrClosed.
func (v *Vault) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	v.closed = true
	v.mu.Unlock()

	close(v.stopHousekeeping)
	if v.notifyStop != nil {
		v.notifyStop()
	}
	v.markWg.Wait()
	v.logEntry.Info("vault closed")
	return nil
}

// checkOpen fails fast on a closed handle.
func (v *Vault) checkOpen() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return ErrClosed
	}
	return nil
}

// AllocatedSize returns the cached backend footprint of the vault. The
// value is refreshed by housekeeping every CleanupPeriod, so it is
// eventually consistent with recent writes, not read-after-write.
func (v *Vault) AllocatedSize() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.allocated
}

func (v *Vault) calcAllocatedSize() (int64, error) {
	var total int64
	err := v.db.QueryRow("CALC_ALLOCATED_SIZE", index.Args{"vault": v.ID}, &total)
	if err != nil && err != index.ErrNoRows {
		return 0, fmt.Errorf("cannot calculate allocated size: %w", err)
	}
	return total, nil
}

// IOOption selects how a Write/Read/Delete materializes its backend I/O.
type IOOption int

const (
	// Async performs the backend I/O in a background goroutine; use
	// WaitFiles to observe completion.
	Async IOOption = 1 << iota
	// Scheduled defers the backend I/O to a later WaitFiles or
	// housekeeping pass.
	Scheduled
)

func (v *Vault) scheduleIO(id FileID) bool {
	v.ioMu.Lock()
	defer v.ioMu.Unlock()
	if _, ok := v.ioPending[id]; ok {
		return false
	}
	v.ioPending[id] = make(chan struct{})
	return true
}

func (v *Vault) completeIO(id FileID) {
	v.ioMu.Lock()
	defer v.ioMu.Unlock()
	if ch, ok := v.ioPending[id]; ok {
		close(ch)
		delete(v.ioPending, id)
	}
}

// pendingIO returns the completion channel of an in-flight operation on
// id, or nil when none is running.
func (v *Vault) pendingIO(id FileID) <-chan struct{} {
	v.ioMu.Lock()
	defer v.ioMu.Unlock()
	if ch, ok := v.ioPending[id]; ok {
		return ch
	}
	return nil
}
