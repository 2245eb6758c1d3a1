package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/vaultsync/internal/backend"
)

func startRelay(t *testing.T, token string) (wsURL string) {
	t.Helper()
	ts := httptest.NewServer(newRelayServer(backend.OpenMemory(t.Name()), token))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialStore(t *testing.T, wsURL, token string) backend.Store {
	t.Helper()
	store, err := backend.Open(backend.Config{
		Type:  backend.TypeRelay,
		Relay: backend.RelayConfig{URL: wsURL, Token: token},
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreTunnelRoundTrip(t *testing.T) {
	wsURL := startRelay(t, "secret")
	store := dialStore(t, wsURL, "secret")

	require.NoError(t, backend.WriteFile(store, "realm/data/hello", []byte("through the tunnel")))

	data, err := backend.ReadFile(store, "realm/data/hello")
	require.NoError(t, err)
	assert.Equal(t, "through the tunnel", string(data))

	fi, err := store.Stat("realm/data/hello")
	require.NoError(t, err)
	assert.Equal(t, int64(len("through the tunnel")), fi.Size())

	ls, err := store.ReadDir("realm/data", backend.Filter{OnlyFiles: true})
	require.NoError(t, err)
	require.Len(t, ls, 1)
	assert.Equal(t, "hello", ls[0].Name())

	require.NoError(t, store.Delete("realm/data/hello"))
	_, err = backend.ReadFile(store, "realm/data/hello")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestStoreTunnelSharesNamespace(t *testing.T) {
	wsURL := startRelay(t, "")
	first := dialStore(t, wsURL, "")
	second := dialStore(t, wsURL, "")

	require.NoError(t, backend.WriteFile(first, "shared/item", []byte("visible to both")))
	data, err := backend.ReadFile(second, "shared/item")
	require.NoError(t, err)
	assert.Equal(t, "visible to both", string(data))
}

func TestStoreTunnelRejectsBadToken(t *testing.T) {
	wsURL := startRelay(t, "secret")
	_, err := backend.Open(backend.Config{
		Type:  backend.TypeRelay,
		Relay: backend.RelayConfig{URL: wsURL, Token: "wrong"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrTransient)
}

func TestWatchFanout(t *testing.T) {
	wsURL := startRelay(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subscriber, _, err := websocket.Dial(ctx, wsURL+"/watch", nil)
	require.NoError(t, err)
	defer subscriber.Close(websocket.StatusNormalClosure, "")
	require.NoError(t, subscriber.Write(ctx, websocket.MessageText, []byte("+realm@abc")))

	publisher, _, err := websocket.Dial(ctx, wsURL+"/watch", nil)
	require.NoError(t, err)
	defer publisher.Close(websocket.StatusNormalClosure, "")

	// the subscription lands asynchronously, keep publishing until the
	// subscriber hears it
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(50 * time.Millisecond):
				publisher.Write(ctx, websocket.MessageText, []byte("realm@abc:data/segment"))
			}
		}
	}()

	_, data, err := subscriber.Read(ctx)
	close(done)
	require.NoError(t, err)
	assert.Equal(t, "realm@abc:data/segment", string(data))
}

func TestWatchIgnoresOtherTopics(t *testing.T) {
	wsURL := startRelay(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subscriber, _, err := websocket.Dial(ctx, wsURL+"/watch", nil)
	require.NoError(t, err)
	defer subscriber.Close(websocket.StatusNormalClosure, "")
	require.NoError(t, subscriber.Write(ctx, websocket.MessageText, []byte("+mine")))

	publisher, _, err := websocket.Dial(ctx, wsURL+"/watch", nil)
	require.NoError(t, err)
	defer publisher.Close(websocket.StatusNormalClosure, "")
	require.NoError(t, publisher.Write(ctx, websocket.MessageText, []byte("other:change")))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, publisher.Write(ctx, websocket.MessageText, []byte("mine:change")))

	// retry loop as above, the first matching line must be for our topic
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(50 * time.Millisecond):
				publisher.Write(ctx, websocket.MessageText, []byte("mine:change"))
			}
		}
	}()
	_, data, err := subscriber.Read(ctx)
	close(done)
	require.NoError(t, err)
	assert.Equal(t, "mine:change", string(data))
}
