package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	local, err := openLocal("file://test", LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	return map[string]Store{
		"local":  local,
		"memory": OpenMemory(""),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()

			require.NoError(t, WriteFile(s, "seg/a/file1", []byte("hello")))
			require.NoError(t, WriteFile(s, "seg/a/file2", []byte("world!")))

			data, err := ReadFile(s, "seg/a/file1")
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), data)

			fi, err := s.Stat("seg/a/file2")
			require.NoError(t, err)
			assert.EqualValues(t, 6, fi.Size())
			assert.False(t, fi.IsDir())

			// overwrite replaces content
			require.NoError(t, WriteFile(s, "seg/a/file1", []byte("replaced")))
			data, err = ReadFile(s, "seg/a/file1")
			require.NoError(t, err)
			assert.Equal(t, []byte("replaced"), data)
		})
	}
}

func TestStoreRangeRead(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			require.NoError(t, WriteFile(s, "blob", []byte("0123456789")))

			var buf bytes.Buffer
			require.NoError(t, s.Read("blob", &Range{From: 2, To: 5}, &buf, nil))
			assert.Equal(t, "234", buf.String())
		})
	}
}

func TestStoreNotFound(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()

			_, err := ReadFile(s, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Stat("missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.ReadDir("missing/dir", Filter{})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			require.NoError(t, WriteFile(s, "dir/file", []byte("x")))
			require.NoError(t, s.Delete("dir/file"))
			// a second delete of the same path is a no-op
			require.NoError(t, s.Delete("dir/file"))
			require.NoError(t, s.Delete("never/existed"))
		})
	}
}

func TestStoreReadDirFilter(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			for _, n := range []string{"d/aa.h", "d/ab.h", "d/ba.b", "d/sub/x"} {
				require.NoError(t, WriteFile(s, n, []byte("x")))
			}

			infos, err := s.ReadDir("d", Filter{Suffix: ".h"})
			require.NoError(t, err)
			require.Len(t, infos, 2)
			assert.Equal(t, "aa.h", infos[0].Name())
			assert.Equal(t, "ab.h", infos[1].Name())

			infos, err = s.ReadDir("d", Filter{OnlyFolders: true})
			require.NoError(t, err)
			require.Len(t, infos, 1)
			assert.Equal(t, "sub", infos[0].Name())
			assert.True(t, infos[0].IsDir())

			infos, err = s.ReadDir("d", Filter{OnlyFiles: true, AfterName: "aa.h"})
			require.NoError(t, err)
			require.Len(t, infos, 2)
			assert.Equal(t, "ab.h", infos[0].Name())

			infos, err = s.ReadDir("d", Filter{OnlyFiles: true, MaxResults: 1})
			require.NoError(t, err)
			assert.Len(t, infos, 1)
		})
	}
}

func TestStoreWatch(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			w, ok := s.(Watcher)
			require.True(t, ok, "%s should support watching", name)

			require.NoError(t, WriteFile(s, "watched/before", []byte("x")))
			ch, stop, err := w.Watch("watched")
			require.NoError(t, err)
			defer stop()

			require.NoError(t, WriteFile(s, "watched/after", []byte("y")))
			select {
			case got := <-ch:
				assert.Contains(t, got, "after")
			case <-time.After(5 * time.Second):
				t.Fatal("no change notification received")
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"type":"local","local":{"basePath":"/tmp/v"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeLocal, cfg.Type)
	assert.Equal(t, "/tmp/v", cfg.Local.BasePath)
	assert.Equal(t, "file:///tmp/v", cfg.id())

	for _, raw := range []string{
		`{`,                                      // not JSON
		`{"local":{"basePath":"/tmp/v"}}`,        // missing type
		`{"type":"local"}`,                       // missing basePath
		`{"type":"local","local":{"oops":true}}`, // unknown field
		`{"type":"relay","relay":{"url":"http://nope"}}`,
		`{"type":"warpdrive"}`,
	} {
		_, err := ParseConfig([]byte(raw))
		assert.Error(t, err, "config %s", raw)
	}
}

func TestOpenDispatch(t *testing.T) {
	s, err := Open(Config{Type: TypeMemory})
	require.NoError(t, err)
	assert.Equal(t, "memory://", s.ID())

	dir := t.TempDir()
	s, err = Open(Config{Type: TypeLocal, Local: LocalConfig{BasePath: dir}})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "file://"+dir, s.ID())

	_, err = Open(Config{Type: "warpdrive"})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestRegisterOverridesBuiltin(t *testing.T) {
	Register("memory", func(id string, cfg Config) (Store, error) {
		return OpenMemory("memory://custom"), nil
	})
	defer func() {
		factories.Lock()
		delete(factories.m, "memory")
		factories.Unlock()
	}()

	s, err := Open(Config{Type: TypeMemory})
	require.NoError(t, err)
	assert.Equal(t, "memory://custom", s.ID())
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", func() error {
		calls++
		return fmt.Errorf("%w: nope", ErrNotFound)
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: flaky", ErrTransient)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", func() error {
		calls++
		return fmt.Errorf("%w: always", ErrTransient)
	})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, retryAttempts, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, "op", func() error {
		return fmt.Errorf("%w: flaky", ErrTransient)
	})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("wrap: %w", ErrNotFound)))
	assert.False(t, IsNotFound(errors.New("other")))
	assert.False(t, IsNotFound(nil))
}

func TestMemoryStoreIsolation(t *testing.T) {
	a := OpenMemory("")
	b := OpenMemory("")
	require.NoError(t, WriteFile(a, "x", []byte("1")))
	_, err := ReadFile(b, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProgressReported(t *testing.T) {
	s := OpenMemory("")
	progress := make(chan int64, 64)
	require.NoError(t, s.Write("p", strings.NewReader(strings.Repeat("x", 1000)), progress))
	var total int64
	for {
		select {
		case n := <-progress:
			total += n
		default:
			assert.EqualValues(t, 1000, total)
			return
		}
	}
}
