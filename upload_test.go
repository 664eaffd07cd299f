package shadownloader

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/shadownloader/internal/crypto"
	"github.com/kenneth/shadownloader/internal/metrics"
)

func testInfoHandler(e2ee bool, chunkSize int) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"name":    "test-server",
			"version": "1.0.0",
			"capabilities": map[string]any{
				"upload": map[string]any{
					"enabled":          true,
					"maxSizeMB":        0,
					"maxLifetimeHours": 0,
					"maxFileDownloads": 0,
					"e2ee":             e2ee,
					"chunkSize":        chunkSize,
				},
				"p2p":   map[string]any{"enabled": false},
				"webUI": map[string]any{"enabled": false},
			},
		})
	}
}

func newTestClient(t *testing.T, serverURL string, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithMetrics(metrics.NewWithRegistry(prometheus.NewRegistry())),
	}
	c, err := New("1.0.0", serverURL, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestUploadFile_PlainSmallFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", testInfoHandler(false, 5*1024*1024))
	mux.HandleFunc("/upload/init", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "hello.txt", body["filename"])
		json.NewEncoder(w).Encode(map[string]any{"uploadId": "up-1"})
	})
	var gotChunkBody []byte
	mux.HandleFunc("/upload/chunk", func(w http.ResponseWriter, r *http.Request) {
		gotChunkBody, _ = ioReadAllBody(r)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/upload/complete", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "file-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()))

	data := []byte("hello world")
	encrypt := false
	session := c.UploadFile(context.Background(), UploadOptions{
		Filename: "hello.txt",
		Size:     int64(len(data)),
		Source:   bytes.NewReader(data),
		Encrypt:  &encrypt,
	})

	result, err := session.Result()
	require.NoError(t, err)
	require.Equal(t, UploadCompleted, session.Status())
	require.Equal(t, srv.URL+"/file-1", result.ShareURL)
	require.Equal(t, data, gotChunkBody)
}

func TestUploadFile_EncryptedFile_SharesKeyInURLFragment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", testInfoHandler(true, 5*1024*1024))
	mux.HandleFunc("/upload/init", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.True(t, body["isEncrypted"].(bool))
		json.NewEncoder(w).Encode(map[string]any{"uploadId": "up-2"})
	})
	var gotChunkBody []byte
	mux.HandleFunc("/upload/chunk", func(w http.ResponseWriter, r *http.Request) {
		gotChunkBody, _ = ioReadAllBody(r)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/upload/complete", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "file-2"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()))

	data := []byte("top secret payload")
	session := c.UploadFile(context.Background(), UploadOptions{
		Filename: "secret.txt",
		Size:     int64(len(data)),
		Source:   bytes.NewReader(data),
	})

	result, err := session.Result()
	require.NoError(t, err)
	require.Contains(t, result.ShareURL, "#")

	fragment := result.ShareURL[len(result.ShareURL)-44:]
	key, err := crypto.ImportKeyBase64(fragment)
	require.NoError(t, err)

	plain, err := crypto.DecryptChunk(gotChunkBody, key)
	require.NoError(t, err)
	require.Equal(t, data, plain)
}

func TestUploadFile_ChunkRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	var events []UploadProgress

	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", testInfoHandler(false, 4))
	mux.HandleFunc("/upload/init", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"uploadId": "up-3"})
	})
	mux.HandleFunc("/upload/chunk", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/upload/complete", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "file-3"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()))
	encrypt := false
	data := []byte("abcd")
	session := c.UploadFile(context.Background(), UploadOptions{
		Filename: "a.bin",
		Size:     int64(len(data)),
		Source:   bytes.NewReader(data),
		Encrypt:  &encrypt,
		Retry:    RetryPolicy{Retries: 5, BackoffMs: 5, MaxBackoffMs: 20},
		OnProgress: func(p UploadProgress) {
			events = append(events, p)
		},
	})

	_, err := session.Result()
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))

	var retryWaits, retries int
	for _, e := range events {
		switch e.Phase {
		case ProgressRetryWait:
			retryWaits++
		case ProgressRetry:
			retries++
			require.Equal(t, 2, e.Attempt)
		}
	}
	require.Equal(t, 2, retryWaits)
	require.Equal(t, 1, retries)
}

func TestUploadFile_EmptyFileFailsValidationBeforeAnyNetworkCall(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()))
	session := c.UploadFile(context.Background(), UploadOptions{
		Filename: "empty.txt",
		Size:     0,
		Source:   bytes.NewReader(nil),
	})

	_, err := session.Result()
	require.Error(t, err)
	require.False(t, hit, "no network call should have been made for a zero-size file")
}

func TestUploadFile_CancelStopsChunkLoop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", testInfoHandler(false, 4))
	mux.HandleFunc("/upload/init", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"uploadId": "up-4"})
	})
	var chunkCalls int32
	mux.HandleFunc("/upload/chunk", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&chunkCalls, 1)
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/upload/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()))
	encrypt := false
	data := bytes.Repeat([]byte("x"), 16)
	session := c.UploadFile(context.Background(), UploadOptions{
		Filename: "big.bin",
		Size:     int64(len(data)),
		Source:   bytes.NewReader(data),
		Encrypt:  &encrypt,
	})

	session.Cancel("user requested cancel")
	_, err := session.Result()
	require.Error(t, err)
	require.Equal(t, UploadCancelled, session.Status())
}

func ioReadAllBody(r *http.Request) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}
