package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Relay wire protocol. Every request carries a fresh correlation id; the
// server answers with exactly one frame carrying the same id. Frames are
// JSON text messages; payloads are raw base64 inside the JSON codec.
const (
	RelayOpReadDir = "readdir"
	RelayOpRead    = "read"
	RelayOpWrite   = "write"
	RelayOpStat    = "stat"
	RelayOpDelete  = "delete"
)

type RelayRequest struct {
	ID     string      `json:"id"`
	Token  string      `json:"token,omitempty"`
	Op     string      `json:"op"`
	Name   string      `json:"name"`
	From   int64       `json:"from,omitempty"`
	To     int64       `json:"to,omitempty"`
	Filter RelayFilter `json:"filter,omitempty"`
	Data   []byte      `json:"data,omitempty"`
}

type RelayFilter struct {
	Prefix      string `json:"prefix,omitempty"`
	Suffix      string `json:"suffix,omitempty"`
	AfterName   string `json:"afterName,omitempty"`
	AfterUnixMs int64  `json:"afterUnixMs,omitempty"`
	MaxResults  int    `json:"maxResults,omitempty"`
	OnlyFiles   bool   `json:"onlyFiles,omitempty"`
	OnlyFolders bool   `json:"onlyFolders,omitempty"`
}

type RelayResponse struct {
	ID       string      `json:"id"`
	Error    string      `json:"error,omitempty"`
	NotFound bool        `json:"notFound,omitempty"`
	Data     []byte      `json:"data,omitempty"`
	Infos    []RelayInfo `json:"infos,omitempty"`
}

type RelayInfo struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"modTime"` // unix milliseconds
	IsDir   bool   `json:"isDir"`
}

// relayStore tunnels Store operations to a vaultsync-relay server over a
// single multiplexed websocket.
type relayStore struct {
	conn    *websocket.Conn
	token   string
	id      string
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan RelayResponse
	closed  bool
}

const relayCallTimeout = 2 * time.Minute

func openRelay(id string, cfg RelayConfig) (Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	u := strings.TrimSuffix(cfg.URL, "/") + "/store"
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + cfg.Token}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: relay dial %s: %v", ErrTransient, cfg.URL, err)
	}
	conn.SetReadLimit(64 * 1024 * 1024)

	r := &relayStore{
		conn:    conn,
		token:   cfg.Token,
		id:      id,
		pending: map[string]chan RelayResponse{},
	}
	go r.readLoop()
	return r, nil
}

func (r *relayStore) readLoop() {
	for {
		var resp RelayResponse
		if err := wsjson.Read(context.Background(), r.conn, &resp); err != nil {
			r.failAll(err)
			return
		}
		r.mu.Lock()
		ch := r.pending[resp.ID]
		delete(r.pending, resp.ID)
		r.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

func (r *relayStore) failAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, ch := range r.pending {
		delete(r.pending, id)
		close(ch)
	}
	_ = err
}

func (r *relayStore) call(req RelayRequest) (RelayResponse, error) {
	req.ID = uuid.NewString()
	req.Token = r.token
	ch := make(chan RelayResponse, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return RelayResponse{}, fmt.Errorf("%w: relay connection lost", ErrTransient)
	}
	r.pending[req.ID] = ch
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), relayCallTimeout)
	defer cancel()

	r.writeMu.Lock()
	err := wsjson.Write(ctx, r.conn, req)
	r.writeMu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return RelayResponse{}, fmt.Errorf("%w: relay send: %v", ErrTransient, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return RelayResponse{}, fmt.Errorf("%w: relay connection lost", ErrTransient)
		}
		if resp.NotFound {
			return RelayResponse{}, fmt.Errorf("%w: %s", ErrNotFound, req.Name)
		}
		if resp.Error != "" {
			return RelayResponse{}, fmt.Errorf("relay: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
		return RelayResponse{}, fmt.Errorf("%w: relay call timed out", ErrTransient)
	}
}

func (r *relayStore) ReadDir(name string, filter Filter) ([]fs.FileInfo, error) {
	resp, err := r.call(RelayRequest{
		Op:   RelayOpReadDir,
		Name: name,
		Filter: RelayFilter{
			Prefix:      filter.Prefix,
			Suffix:      filter.Suffix,
			AfterName:   filter.AfterName,
			AfterUnixMs: unixMsOrZero(filter.After),
			MaxResults:  filter.MaxResults,
			OnlyFiles:   filter.OnlyFiles,
			OnlyFolders: filter.OnlyFolders,
		},
	})
	if err != nil {
		return nil, err
	}
	infos := make([]fs.FileInfo, 0, len(resp.Infos))
	for _, ri := range resp.Infos {
		infos = append(infos, simpleInfo{
			name:    ri.Name,
			size:    ri.Size,
			modTime: time.UnixMilli(ri.ModTime),
			isDir:   ri.IsDir,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

func (r *relayStore) Read(name string, rang *Range, dst io.Writer, progress chan int64) error {
	req := RelayRequest{Op: RelayOpRead, Name: name}
	if rang != nil {
		req.From, req.To = rang.From, rang.To
	} else {
		req.To = -1
	}
	resp, err := r.call(req)
	if err != nil {
		return err
	}
	return copyWithProgress(dst, bytes.NewReader(resp.Data), progress)
}

func (r *relayStore) Write(name string, src io.Reader, progress chan int64) error {
	var buf writeBuffer
	if err := copyWithProgress(&buf, src, progress); err != nil {
		return err
	}
	_, err := r.call(RelayRequest{Op: RelayOpWrite, Name: name, Data: buf.data})
	return err
}

func (r *relayStore) Stat(name string) (fs.FileInfo, error) {
	resp, err := r.call(RelayRequest{Op: RelayOpStat, Name: name})
	if err != nil {
		return nil, err
	}
	if len(resp.Infos) != 1 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	ri := resp.Infos[0]
	return simpleInfo{name: ri.Name, size: ri.Size, modTime: time.UnixMilli(ri.ModTime), isDir: ri.IsDir}, nil
}

func (r *relayStore) Delete(name string) error {
	_, err := r.call(RelayRequest{Op: RelayOpDelete, Name: name})
	return err
}

func (r *relayStore) ID() string     { return r.id }
func (r *relayStore) String() string { return "relay store at " + r.id }

func (r *relayStore) Close() error {
	r.failAll(nil)
	return r.conn.Close(websocket.StatusNormalClosure, "client closing")
}

func unixMsOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
