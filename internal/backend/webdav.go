package backend

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/studio-b12/gowebdav"
)

type webdavStore struct {
	client *gowebdav.Client
	base   string
	id     string
}

func openWebDAV(id string, cfg WebDAVConfig) (Store, error) {
	scheme := "http"
	if cfg.HTTPS {
		scheme = "https"
	}
	host := cfg.Host
	if cfg.Port != 0 {
		host = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}
	client := gowebdav.NewClient(fmt.Sprintf("%s://%s", scheme, host), cfg.Username, cfg.Password)
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("%w: webdav connect %s: %v", ErrTransient, host, err)
	}

	base := strings.Trim(cfg.BasePath, "/")
	if base != "" {
		if err := client.MkdirAll("/"+base, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create webdav base %s: %w", base, err)
		}
	}
	return &webdavStore{client: client, base: base, id: id}, nil
}

func (w *webdavStore) path(name string) string {
	return "/" + path.Join(w.base, name)
}

func (w *webdavStore) ReadDir(name string, filter Filter) ([]fs.FileInfo, error) {
	entries, err := w.client.ReadDir(w.path(name))
	if err != nil {
		return nil, w.mapErr(name, err)
	}
	infos := make([]fs.FileInfo, 0, len(entries))
	for _, fi := range entries {
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

func (w *webdavStore) Read(name string, rang *Range, dst io.Writer, progress chan int64) error {
	var r io.ReadCloser
	var err error
	if rang == nil {
		r, err = w.client.ReadStream(w.path(name))
	} else {
		r, err = w.client.ReadStreamRange(w.path(name), rang.From, rang.To-rang.From)
	}
	if err != nil {
		return w.mapErr(name, err)
	}
	defer r.Close()
	return copyWithProgress(dst, r, progress)
}

func (w *webdavStore) Write(name string, src io.Reader, progress chan int64) error {
	target := w.path(name)
	if err := w.client.MkdirAll(path.Dir(target), 0o755); err != nil {
		return w.mapErr(name, err)
	}
	// WriteStream consumes the reader fully; wrap it to report progress.
	if progress != nil {
		src = &progressReader{r: src, progress: progress}
	}
	return w.mapErr(name, w.client.WriteStream(target, src, 0o644))
}

func (w *webdavStore) Stat(name string) (fs.FileInfo, error) {
	fi, err := w.client.Stat(w.path(name))
	if err != nil {
		return nil, w.mapErr(name, err)
	}
	return fi, nil
}

func (w *webdavStore) Delete(name string) error {
	err := w.client.RemoveAll(w.path(name))
	if err != nil && !IsNotFound(w.mapErr(name, err)) {
		return w.mapErr(name, err)
	}
	return nil
}

func (w *webdavStore) ID() string     { return w.id }
func (w *webdavStore) String() string { return "webdav store at " + w.id }
func (w *webdavStore) Close() error   { return nil }

// gowebdav surfaces missing paths as *fs.PathError wrapping os.ErrNotExist.
func (w *webdavStore) mapErr(name string, err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

type progressReader struct {
	r        io.Reader
	progress chan int64
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		select {
		case p.progress <- int64(n):
		default:
		}
	}
	return n, err
}
