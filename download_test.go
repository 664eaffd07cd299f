package shadownloader

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenneth/shadownloader/internal/crypto"
)

func TestDownloadFile_PlainSmallFile(t *testing.T) {
	want := []byte("plain file contents")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", testInfoHandler(false, 5*1024*1024))
	mux.HandleFunc("/api/file/abc/meta", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(FileMetadata{Filename: "notes.txt", SizeBytes: int64(len(want)), IsEncrypted: false})
	})
	mux.HandleFunc("/api/file/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Write(want)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()))
	result, err := c.DownloadFile(context.Background(), DownloadOptions{FileID: "abc"})
	require.NoError(t, err)
	require.Equal(t, "notes.txt", result.Filename)
	require.False(t, result.WasEncrypted)
	require.Equal(t, want, result.Data)
	require.Equal(t, int64(len(want)), result.ReceivedBytes)
}

func TestDownloadFile_EncryptedFile_DecryptsFilenameAndBody(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	plain := []byte("super secret contents")
	encryptedBody, err := crypto.EncryptChunk(plain, key)
	require.NoError(t, err)
	encryptedName, err := crypto.EncryptFilenameB64("secret.txt", key)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", testInfoHandler(true, 1024))
	mux.HandleFunc("/api/file/xyz/meta", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(FileMetadata{Filename: encryptedName, SizeBytes: int64(len(encryptedBody)), IsEncrypted: true})
	})
	mux.HandleFunc("/api/file/xyz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(encryptedBody)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()))
	result, err := c.DownloadFile(context.Background(), DownloadOptions{
		FileID: "xyz",
		KeyB64: crypto.ExportKeyBase64(key),
	})
	require.NoError(t, err)
	require.Equal(t, "secret.txt", result.Filename)
	require.True(t, result.WasEncrypted)
	require.Equal(t, plain, result.Data)
}

func TestDownloadFile_MissingKeyForEncryptedFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", testInfoHandler(true, 1024))
	mux.HandleFunc("/api/file/xyz/meta", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(FileMetadata{Filename: "ZZZ", SizeBytes: 100, IsEncrypted: true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()))
	_, err := c.DownloadFile(context.Background(), DownloadOptions{FileID: "xyz"})
	require.Error(t, err)
}

func TestDownloadFile_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", testInfoHandler(false, 1024))
	mux.HandleFunc("/api/file/missing/meta", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()))
	_, err := c.DownloadFile(context.Background(), DownloadOptions{FileID: "missing"})
	require.Error(t, err)
}

func TestDownloadFile_TooLargeWithoutSinkFailsFast(t *testing.T) {
	bodyHit := false
	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", testInfoHandler(false, 1024))
	mux.HandleFunc("/api/file/big/meta", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(FileMetadata{Filename: "big.bin", SizeBytes: MaxInMemoryDownloadBytes + 1, IsEncrypted: false})
	})
	mux.HandleFunc("/api/file/big", func(w http.ResponseWriter, r *http.Request) {
		bodyHit = true
		w.Write([]byte("x"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()))
	_, err := c.DownloadFile(context.Background(), DownloadOptions{FileID: "big"})
	require.Error(t, err)
	require.False(t, bodyHit)
}

func TestDownloadFile_OnDataSinkReceivesChunksAndSkipsBuffering(t *testing.T) {
	want := []byte("streamed via a sink instead of buffering")
	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", testInfoHandler(false, 1024))
	mux.HandleFunc("/api/file/sink/meta", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(FileMetadata{Filename: "s.bin", SizeBytes: int64(len(want)), IsEncrypted: false})
	})
	mux.HandleFunc("/api/file/sink", func(w http.ResponseWriter, r *http.Request) {
		w.Write(want)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var received bytes.Buffer
	c := newTestClient(t, srv.URL, WithHTTPClient(srv.Client()))
	result, err := c.DownloadFile(context.Background(), DownloadOptions{
		FileID: "sink",
		OnData: func(chunk []byte) error {
			received.Write(chunk)
			return nil
		},
	})
	require.NoError(t, err)
	require.Nil(t, result.Data)
	require.Equal(t, want, received.Bytes())
}

type trickleReader struct {
	data      []byte
	chunkSize int
	pos       int
}

func (r *trickleReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := r.chunkSize
	if n > len(p) {
		n = len(p)
	}
	remaining := len(r.data) - r.pos
	if n > remaining {
		n = remaining
	}
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n
	return n, nil
}

func TestDownloadBody_CoalescesAcrossMisalignedFrameBoundaries(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	full := bytes.Repeat([]byte("a"), 10)
	residual := bytes.Repeat([]byte("b"), 7)

	encFull, err := crypto.EncryptChunk(full, key)
	require.NoError(t, err)
	encResidual, err := crypto.EncryptChunk(residual, key)
	require.NoError(t, err)

	combined := append(append([]byte{}, encFull...), encResidual...)
	reader := &trickleReader{data: combined, chunkSize: 13}

	var delivered [][]byte
	received, err := downloadBody(reader, true, key, len(encFull), func(p []byte) error {
		cp := append([]byte{}, p...)
		delivered = append(delivered, cp)
		return nil
	}, func(int64) {})

	require.NoError(t, err)
	require.Equal(t, int64(len(combined)), received)
	require.Len(t, delivered, 2)
	require.Equal(t, full, delivered[0])
	require.Equal(t, residual, delivered[1])
}
