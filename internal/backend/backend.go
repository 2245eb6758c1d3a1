// Package backend provides byte-opaque remote persistence for the vault
// engine. A Store knows nothing about vault semantics: it moves bytes,
// lists directories and deletes objects, addressed by opaque paths.
package backend

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrTransient    = errors.New("transient backend failure")
	ErrUnsupported  = errors.New("unsupported backend type")
	ErrInvalidInput = errors.New("invalid input")
)

// Range selects a byte window of an object for partial reads.
type Range struct {
	From int64
	To   int64
}

// Filter narrows a ReadDir listing. The zero value matches everything.
type Filter struct {
	Prefix      string    // keep entries whose name starts with Prefix
	Suffix      string    // keep entries whose name ends with Suffix
	AfterName   string    // skip entries up to and including AfterName
	After       time.Time // skip entries not modified after this time
	MaxResults  int       // cap the number of returned entries, 0 = no cap
	OnlyFiles   bool
	OnlyFolders bool
}

func (f Filter) match(fi fs.FileInfo) bool {
	name := fi.Name()
	if f.Prefix != "" && !strings.HasPrefix(name, f.Prefix) {
		return false
	}
	if f.Suffix != "" && !strings.HasSuffix(name, f.Suffix) {
		return false
	}
	if f.AfterName != "" && name <= f.AfterName {
		return false
	}
	if !f.After.IsZero() && !fi.ModTime().After(f.After) {
		return false
	}
	if f.OnlyFiles && fi.IsDir() {
		return false
	}
	if f.OnlyFolders && !fi.IsDir() {
		return false
	}
	return true
}

// Store is the capability interface every backend implements. Dispatch on
// the backend type happens once, at Open time.
//
// Delete on an absent path is a no-op, never an error. Callers rely on
// idempotent cleanup across all backends.
type Store interface {
	// ReadDir lists a directory, non-recursively, applying the filter.
	// A missing directory yields ErrNotFound.
	ReadDir(name string, filter Filter) ([]fs.FileInfo, error)

	// Read copies an object (or a byte range of it) into dst. Progress
	// deltas are sent to progress when it is non-nil.
	Read(name string, rang *Range, dst io.Writer, progress chan int64) error

	// Write stores an object, overwriting any previous content.
	Write(name string, src io.Reader, progress chan int64) error

	// Stat returns size and modification time of an object.
	Stat(name string) (fs.FileInfo, error)

	// Delete removes an object. Deleting an absent path is a no-op.
	Delete(name string) error

	// ID identifies the store without credentials, e.g. "s3://bucket/prefix".
	ID() string

	// String is a human-readable description of the store.
	String() string

	Close() error
}

// Watcher is implemented by stores that can push change notifications for
// a directory subtree. The vault uses it to trigger prompt syncs instead
// of polling.
type Watcher interface {
	Watch(dir string) (<-chan string, func(), error)
}

// SpaceReporter is implemented by stores that can report the free space
// left on their medium. The vault refuses writes larger than the
// remaining space before spending any upload bandwidth.
type SpaceReporter interface {
	FreeSpace() (uint64, error)
}

// Factory builds a Store from its decoded configuration. Out-of-tree
// backends register themselves by type name.
type Factory func(id string, cfg Config) (Store, error)

var factories = struct {
	sync.RWMutex
	m map[string]Factory
}{m: map[string]Factory{}}

// Register installs a factory for a backend type. Later registrations for
// the same type win, which lets tests substitute backends.
func Register(typ string, factory Factory) {
	typ = strings.ToLower(strings.TrimSpace(typ))
	if typ == "" || factory == nil {
		return
	}
	factories.Lock()
	defer factories.Unlock()
	factories.m[typ] = factory
}

func lookup(typ string) (Factory, bool) {
	factories.RLock()
	defer factories.RUnlock()
	f, ok := factories.m[typ]
	return f, ok
}

// Open establishes a live session with the configured backend. It fails
// with a connection or authentication error when the target is
// unreachable or the credentials are rejected.
func Open(cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	typ := strings.ToLower(strings.TrimSpace(cfg.Type))
	if f, ok := lookup(typ); ok {
		return f(cfg.id(), cfg)
	}
	switch typ {
	case TypeLocal:
		return openLocal(cfg.id(), cfg.Local)
	case TypeMemory:
		return OpenMemory(cfg.id()), nil
	case TypeS3:
		return openS3(cfg.id(), cfg.S3)
	case TypeSFTP:
		return openSFTP(cfg.id(), cfg.SFTP)
	case TypeAzure:
		return openAzure(cfg.id(), cfg.Azure)
	case TypeWebDAV:
		return openWebDAV(cfg.id(), cfg.WebDAV)
	case TypeRelay:
		return openRelay(cfg.id(), cfg.Relay)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, cfg.Type)
	}
}

// ReadFile reads a whole object into memory.
func ReadFile(s Store, name string) ([]byte, error) {
	var buf writeBuffer
	if err := s.Read(name, nil, &buf, nil); err != nil {
		return nil, err
	}
	return buf.data, nil
}

// WriteFile stores a byte slice as a whole object.
func WriteFile(s Store, name string, data []byte) error {
	return s.Write(name, strings.NewReader(string(data)), nil)
}

type writeBuffer struct{ data []byte }

func (b *writeBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// simpleInfo is the fs.FileInfo used by backends that list remote entries.
type simpleInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

func (s simpleInfo) Name() string       { return s.name }
func (s simpleInfo) Size() int64        { return s.size }
func (s simpleInfo) Mode() fs.FileMode  { return 0 }
func (s simpleInfo) ModTime() time.Time { return s.modTime }
func (s simpleInfo) IsDir() bool        { return s.isDir }
func (s simpleInfo) Sys() any           { return nil }

// IsNotFound reports whether err means the target path does not exist on
// the backend, regardless of which backend produced it.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, fs.ErrNotExist)
}
