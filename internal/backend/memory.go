package backend

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryStore holds objects in a process-local map. It exists for tests
// and as the smallest possible reference implementation of Store.
type memoryStore struct {
	mu       sync.RWMutex
	objects  map[string]memObject
	id       string
	watchers []memWatcher
}

type memObject struct {
	data    []byte
	modTime time.Time
}

type memWatcher struct {
	dir string
	ch  chan string
}

// OpenMemory creates an empty in-memory store. Each call returns an
// independent namespace.
func OpenMemory(id string) Store {
	if id == "" {
		id = "memory://"
	}
	return &memoryStore{objects: map[string]memObject{}, id: id}
}

func normalize(name string) string {
	return strings.Trim(path.Clean("/"+name), "/")
}

func (m *memoryStore) ReadDir(name string, filter Filter) ([]fs.FileInfo, error) {
	dir := normalize(name)
	prefix := dir
	if prefix != "" {
		prefix += "/"
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]simpleInfo{}
	found := dir == ""
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		found = true
		rest := key[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			// a deeper object implies this folder entry
			folder := rest[:i]
			if prev, ok := seen[folder]; !ok || obj.modTime.After(prev.modTime) {
				seen[folder] = simpleInfo{name: folder, modTime: obj.modTime, isDir: true}
			}
		} else {
			seen[rest] = simpleInfo{name: rest, size: int64(len(obj.data)), modTime: obj.modTime}
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	infos := make([]fs.FileInfo, 0, len(seen))
	for _, fi := range seen {
		if filter.match(fi) {
			infos = append(infos, fi)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	if filter.MaxResults > 0 && len(infos) > filter.MaxResults {
		infos = infos[:filter.MaxResults]
	}
	return infos, nil
}

func (m *memoryStore) Read(name string, rang *Range, dst io.Writer, progress chan int64) error {
	m.mu.RLock()
	obj, ok := m.objects[normalize(name)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	data := obj.data
	if rang != nil {
		from, to := rang.From, rang.To
		if from < 0 || from > int64(len(data)) {
			return fmt.Errorf("%w: range start %d", ErrInvalidInput, from)
		}
		if to > int64(len(data)) {
			to = int64(len(data))
		}
		data = data[from:to]
	}
	return copyWithProgress(dst, strings.NewReader(string(data)), progress)
}

func (m *memoryStore) Write(name string, src io.Reader, progress chan int64) error {
	var buf writeBuffer
	if err := copyWithProgress(&buf, src, progress); err != nil {
		return err
	}
	key := normalize(name)
	m.mu.Lock()
	m.objects[key] = memObject{data: buf.data, modTime: time.Now()}
	watchers := append([]memWatcher(nil), m.watchers...)
	m.mu.Unlock()

	for _, w := range watchers {
		if w.dir == "" || key == w.dir || strings.HasPrefix(key, w.dir+"/") {
			select {
			case w.ch <- key:
			default:
			}
		}
	}
	return nil
}

func (m *memoryStore) Stat(name string) (fs.FileInfo, error) {
	key := normalize(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if obj, ok := m.objects[key]; ok {
		return simpleInfo{name: path.Base(key), size: int64(len(obj.data)), modTime: obj.modTime}, nil
	}
	prefix := key + "/"
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			return simpleInfo{name: path.Base(key), isDir: true, modTime: time.Now()}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (m *memoryStore) Delete(name string) error {
	key := normalize(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	prefix := key + "/"
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}

func (m *memoryStore) ID() string     { return m.id }
func (m *memoryStore) String() string { return "in-memory store" }
func (m *memoryStore) Close() error   { return nil }

func (m *memoryStore) Watch(dir string) (<-chan string, func(), error) {
	w := memWatcher{dir: normalize(dir), ch: make(chan string, 16)}
	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()

	stop := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i := range m.watchers {
			if m.watchers[i].ch == w.ch {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				close(w.ch)
				return
			}
		}
	}
	return w.ch, stop, nil
}
