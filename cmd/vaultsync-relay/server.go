package main

import (
	"bytes"
	"context"
	"io/fs"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/vaultsync/internal/backend"
)

const (
	storeReadLimit = 64 * 1024 * 1024
	watchReadLimit = 1 << 16
	writeTimeout   = 30 * time.Second
)

// relayServer serves /store, /watch and /health. One instance fronts one
// backing store; every connected peer sees the same namespace.
type relayServer struct {
	store backend.Store
	token string
	mux   *http.ServeMux
	hub   *watchHub
}

func newRelayServer(store backend.Store, token string) *relayServer {
	s := &relayServer{
		store: store,
		token: token,
		mux:   http.NewServeMux(),
		hub:   newWatchHub(),
	}
	s.mux.HandleFunc("/store", s.handleStore)
	s.mux.HandleFunc("/watch", s.handleWatch)
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return s
}

func (s *relayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *relayServer) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.token
}

// handleStore speaks the store tunnel protocol: JSON frames, one
// response per request, matched by correlation id. Requests run
// concurrently so a slow write never stalls a listing.
func (s *relayServer) handleStore(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	conn.SetReadLimit(storeReadLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	var writeMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var req backend.RelayRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		if s.token != "" && req.Token != s.token {
			s.respond(ctx, conn, &writeMu, backend.RelayResponse{ID: req.ID, Error: "unauthorized"})
			continue
		}
		wg.Add(1)
		go func(req backend.RelayRequest) {
			defer wg.Done()
			resp := s.serve(req)
			s.respond(ctx, conn, &writeMu, resp)
		}(req)
	}
}

func (s *relayServer) respond(ctx context.Context, conn *websocket.Conn, mu *sync.Mutex, resp backend.RelayResponse) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	mu.Lock()
	defer mu.Unlock()
	if err := wsjson.Write(wctx, conn, resp); err != nil {
		logrus.WithError(err).Debug("cannot answer store request")
	}
}

func (s *relayServer) serve(req backend.RelayRequest) backend.RelayResponse {
	resp := backend.RelayResponse{ID: req.ID}
	switch req.Op {
	case backend.RelayOpReadDir:
		infos, err := s.store.ReadDir(req.Name, backend.Filter{
			Prefix:      req.Filter.Prefix,
			Suffix:      req.Filter.Suffix,
			AfterName:   req.Filter.AfterName,
			After:       timeOrZero(req.Filter.AfterUnixMs),
			MaxResults:  req.Filter.MaxResults,
			OnlyFiles:   req.Filter.OnlyFiles,
			OnlyFolders: req.Filter.OnlyFolders,
		})
		if err != nil {
			return s.fail(resp, err)
		}
		for _, fi := range infos {
			resp.Infos = append(resp.Infos, relayInfo(fi))
		}
	case backend.RelayOpRead:
		var rang *backend.Range
		if req.To >= 0 {
			rang = &backend.Range{From: req.From, To: req.To}
		}
		var buf bytes.Buffer
		if err := s.store.Read(req.Name, rang, &buf, nil); err != nil {
			return s.fail(resp, err)
		}
		resp.Data = buf.Bytes()
	case backend.RelayOpWrite:
		if err := s.store.Write(req.Name, bytes.NewReader(req.Data), nil); err != nil {
			return s.fail(resp, err)
		}
	case backend.RelayOpStat:
		fi, err := s.store.Stat(req.Name)
		if err != nil {
			return s.fail(resp, err)
		}
		resp.Infos = []backend.RelayInfo{relayInfo(fi)}
	case backend.RelayOpDelete:
		if err := s.store.Delete(req.Name); err != nil {
			return s.fail(resp, err)
		}
	default:
		resp.Error = "unknown operation " + req.Op
	}
	return resp
}

func (s *relayServer) fail(resp backend.RelayResponse, err error) backend.RelayResponse {
	if backend.IsNotFound(err) {
		resp.NotFound = true
	} else {
		resp.Error = err.Error()
	}
	return resp
}

func relayInfo(fi fs.FileInfo) backend.RelayInfo {
	return backend.RelayInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		ModTime: fi.ModTime().UnixMilli(),
		IsDir:   fi.IsDir(),
	}
}

// handleWatch is the notification channel. A "+topic" line subscribes
// the connection; any "topic:detail" line fans out verbatim to every
// subscriber of that topic, the publisher excluded.
func (s *relayServer) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	conn.SetReadLimit(watchReadLimit)

	client := &watchClient{conn: conn}
	defer s.hub.drop(client)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		line := string(data)
		switch {
		case strings.HasPrefix(line, "+"):
			s.hub.subscribe(strings.TrimPrefix(line, "+"), client)
		case strings.Contains(line, ":"):
			topic, _, _ := strings.Cut(line, ":")
			s.hub.publish(ctx, topic, line, client)
		}
	}
}

type watchClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *watchClient) send(ctx context.Context, line string) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(wctx, websocket.MessageText, []byte(line))
}

// watchHub tracks which connection subscribed to which topics.
type watchHub struct {
	mu     sync.Mutex
	topics map[string]map[*watchClient]struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{topics: map[string]map[*watchClient]struct{}{}}
}

func (h *watchHub) subscribe(topic string, c *watchClient) {
	if topic == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[topic]
	if subs == nil {
		subs = map[*watchClient]struct{}{}
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
}

func (h *watchHub) drop(c *watchClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *watchHub) publish(ctx context.Context, topic, line string, from *watchClient) {
	h.mu.Lock()
	targets := make([]*watchClient, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.send(ctx, line); err != nil {
			logrus.WithError(err).Debug("dropping stale watch subscriber")
			h.drop(c)
		}
	}
}

func timeOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
