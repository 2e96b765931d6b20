package miniosource

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeServer serves one object at /games/disc.iso, with Range support.
func newFakeServer(t *testing.T, data []byte) (*httptest.Server, *int64) {
	t.Helper()
	var gets int64
	modTime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/games/disc.iso" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodGet {
			atomic.AddInt64(&gets, 1)
		}
		w.Header().Set("ETag", `"abc"`)
		http.ServeContent(w, r, "disc.iso", modTime, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv, &gets
}

func TestSource(t *testing.T) {
	data := []byte("0123456789abcdef")
	srv, gets := newFakeServer(t, data)

	client, err := NewClient(Config{
		Endpoint:        strings.TrimPrefix(srv.URL, "http://"),
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Region:          "us-east-1",
	})
	require.NoError(t, err)

	src, err := Open(context.Background(), client, "games", "disc.iso", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), src.Size())
	assert.Equal(t, "minio://games/disc.iso", src.Path())
	assert.True(t, src.Exists())
	assert.False(t, src.IsDirectory())

	buf := make([]byte, 4)
	n, err := src.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(buf[:n]))

	n, err = src.ReadAt(buf, 14)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "ef", string(buf[:n]))

	n, err = src.ReadAt(buf, 16)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(2), atomic.LoadInt64(gets))

	// missing object
	src, err = Open(context.Background(), client, "games", "missing.iso", 0)
	require.NoError(t, err)
	assert.False(t, src.Exists())
	assert.NoError(t, src.Close())
}
