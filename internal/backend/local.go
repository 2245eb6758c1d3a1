package backend

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// localStore keeps objects on the local filesystem under a base directory.
// It is the reference backend for tests and single-machine setups, and the
// only one that supports change watching natively.
type localStore struct {
	base string
	id   string
}

func openLocal(id string, cfg LocalConfig) (Store, error) {
	base := filepath.Clean(cfg.BasePath)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create base directory %s: %w", base, err)
	}
	return &localStore{base: base, id: id}, nil
}

func (l *localStore) path(name string) string {
	return filepath.Join(l.base, filepath.FromSlash(name))
}

func (l *localStore) ReadDir(name string, filter Filter) ([]fs.FileInfo, error) {
	entries, err := os.ReadDir(l.path(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	infos := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue // entry vanished between list and stat
		}
		if !filter.match(fi) {
			continue
		}
		infos = append(infos, fi)
		if filter.MaxResults > 0 && len(infos) >= filter.MaxResults {
			break
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

func (l *localStore) Read(name string, rang *Range, dst io.Writer, progress chan int64) error {
	f, err := os.Open(l.path(name))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if rang != nil {
		if _, err := f.Seek(rang.From, io.SeekStart); err != nil {
			return err
		}
		r = io.LimitReader(f, rang.To-rang.From)
	}
	return copyWithProgress(dst, r, progress)
}

func (l *localStore) Write(name string, src io.Reader, progress chan int64) error {
	target := l.path(name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp := target + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := copyWithProgress(f, src, progress); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

func (l *localStore) Stat(name string) (fs.FileInfo, error) {
	fi, err := os.Stat(l.path(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return fi, err
}

func (l *localStore) Delete(name string) error {
	err := os.RemoveAll(l.path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *localStore) ID() string     { return l.id }
func (l *localStore) String() string { return "local store at " + l.base }
func (l *localStore) Close() error   { return nil }

// Watch reports paths changed under dir until the returned stop function
// is called. Events are best-effort: a dropped notification is recovered
// by the next periodic sync.
func (l *localStore) Watch(dir string) (<-chan string, func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	root := l.path(dir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		watcher.Close()
		return nil, nil, err
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, nil, err
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = watcher.Add(ev.Name) // follow new segment directories
				}
				select {
				case out <- ev.Name:
				default: // a pending notification already wakes the consumer
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.WithError(err).Debug("local store watch error")
			}
		}
	}()
	return out, func() { watcher.Close() }, nil
}

func copyWithProgress(dst io.Writer, src io.Reader, progress chan int64) error {
	if progress == nil {
		_, err := io.Copy(dst, src)
		return err
	}
	buf := make([]byte, 256*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			select {
			case progress <- int64(n):
			default:
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
