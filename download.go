package shadownloader

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	shaderr "github.com/kenneth/shadownloader/errors"
	"github.com/kenneth/shadownloader/internal/crypto"
	"github.com/kenneth/shadownloader/internal/telemetry"
)

// DefaultMetaTimeout bounds the GET .../meta request; the streaming body
// read itself has no default timeout and relies on the caller's context.
const DefaultMetaTimeout = 10 * time.Second

// downloadReadBufferSize is the scratch buffer size used to read the
// streaming response body.
const downloadReadBufferSize = 64 * 1024

// FileMetadata is the decoded body of GET /api/file/<id>/meta.
type FileMetadata struct {
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"sizeBytes"`
	IsEncrypted bool   `json:"isEncrypted"`
}

// DownloadProgress is emitted through DownloadOptions.OnProgress, tracking
// bytes received from the network (pre-decryption) for a stable axis.
type DownloadProgress struct {
	ReceivedBytes int64
	TotalBytes    int64
	Percent       float64
}

// DownloadTimeouts overrides the client's default per-phase timeouts for a
// single download.
type DownloadTimeouts struct {
	MetaMs   int
	StreamMs int
}

// DownloadOptions describes one download_file call. When OnData is nil the
// result is materialised in memory, bounded by MaxInMemoryDownloadBytes.
type DownloadOptions struct {
	FileID     string
	KeyB64     string
	OnData     func(chunk []byte) error
	OnProgress func(DownloadProgress)
	Timeouts   DownloadTimeouts
}

// DownloadResult is the outcome of a completed download_file call.
type DownloadResult struct {
	Filename      string
	ReceivedBytes int64
	WasEncrypted  bool
	Data          []byte
}

// DownloadFile negotiates capabilities, fetches metadata, then streams and
// (if encrypted) decrypts the file body, blocking until the transfer
// completes, fails, or ctx is cancelled.
func (c *Client) DownloadFile(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	c.metrics.SessionStarted()
	defer c.metrics.SessionEnded()

	c.session.RecordOutcome(opts.FileID, telemetry.EventDownloadStarted, opts.FileID, nil)
	start := time.Now()

	result, err := c.doDownload(ctx, opts)
	if err != nil {
		c.session.RecordOutcome(opts.FileID, telemetry.EventDownloadFailed, err.Error(), err)
		return nil, err
	}

	c.metrics.RecordDownload(result.ReceivedBytes, time.Since(start).Seconds())
	c.session.RecordOutcome(opts.FileID, telemetry.EventDownloadCompleted, result.Filename, nil)
	return result, nil
}

func (c *Client) doDownload(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	compat, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if !compat.Compatible {
		return nil, shaderr.New(shaderr.Validation, "incompatible_version", "client version is incompatible with the server")
	}

	metaTimeout := DefaultMetaTimeout
	if opts.Timeouts.MetaMs > 0 {
		metaTimeout = time.Duration(opts.Timeouts.MetaMs) * time.Millisecond
	}

	metaResp, err := c.transport.FetchJSON(ctx, http.MethodGet, compat.BaseURL+"/api/file/"+opts.FileID+"/meta", nil, nil, metaTimeout)
	if err != nil {
		return nil, err
	}
	if metaResp.StatusCode == http.StatusNotFound {
		return nil, shaderr.New(shaderr.Protocol, "file_not_found", "File not found or has expired.")
	}
	if metaResp.StatusCode < 200 || metaResp.StatusCode >= 300 {
		return nil, shaderr.New(shaderr.Protocol, "meta_fetch_failed", "server rejected the metadata request")
	}
	var meta FileMetadata
	if err := metaResp.Decode(&meta); err != nil {
		return nil, err
	}

	if opts.OnData == nil && meta.SizeBytes > MaxInMemoryDownloadBytes {
		return nil, shaderr.New(shaderr.Validation, "download_too_large", "file exceeds the in-memory download limit; supply an OnData sink")
	}

	var key crypto.Key
	filename := meta.Filename
	if meta.IsEncrypted {
		if opts.KeyB64 == "" {
			return nil, shaderr.New(shaderr.Validation, "missing_key", "encrypted file requires a decryption key")
		}
		key, err = crypto.ImportKeyBase64(opts.KeyB64)
		if err != nil {
			return nil, err
		}
		filename, err = crypto.DecryptFilenameB64(meta.Filename, key)
		if err != nil {
			return nil, shaderr.Wrap(shaderr.Crypto, "filename_decrypt_failed", "Failed to decrypt filename", err)
		}
	}

	streamTimeout := time.Duration(0)
	if opts.Timeouts.StreamMs > 0 {
		streamTimeout = time.Duration(opts.Timeouts.StreamMs) * time.Millisecond
	}

	stream, cancel, err := c.transport.FetchStream(ctx, http.MethodGet, compat.BaseURL+"/api/file/"+opts.FileID, nil, streamTimeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer stream.Body.Close()
	if stream.StatusCode < 200 || stream.StatusCode >= 300 {
		return nil, shaderr.New(shaderr.Protocol, "download_failed", "server rejected the download request")
	}

	chunkUnit := c.chunkSize(compat.ServerInfo) + crypto.ChunkOverhead

	var resultBuf *bytes.Buffer
	var deliver func([]byte) error
	if opts.OnData != nil {
		deliver = opts.OnData
	} else {
		resultBuf = &bytes.Buffer{}
		deliver = func(p []byte) error {
			resultBuf.Write(p)
			return nil
		}
	}

	onProgress := opts.OnProgress
	if onProgress == nil {
		onProgress = func(DownloadProgress) {}
	}
	progress := func(received int64) {
		percent := 0.0
		if meta.SizeBytes > 0 {
			percent = float64(received) / float64(meta.SizeBytes) * 100
		}
		onProgress(DownloadProgress{ReceivedBytes: received, TotalBytes: meta.SizeBytes, Percent: percent})
	}

	received, err := downloadBody(stream.Body, meta.IsEncrypted, key, chunkUnit, deliver, progress)
	if err != nil {
		return nil, err
	}

	result := &DownloadResult{
		Filename:      filename,
		ReceivedBytes: received,
		WasEncrypted:  meta.IsEncrypted,
	}
	if resultBuf != nil {
		result.Data = resultBuf.Bytes()
	}
	return result, nil
}

// downloadBody reads body to completion, decrypting in fixed-size units
// when encrypted is set. Plain frames are delivered as received. Encrypted
// bytes pass through a BoundedQueue that coalesces arbitrarily-sized
// network frames into exactly chunkUnit-sized units before decrypting, so
// a frame boundary from the network never determines a ciphertext
// boundary. The queue is only ever touched from this goroutine, sized
// with enough headroom over a single read that Write never blocks.
func downloadBody(body io.Reader, encrypted bool, key crypto.Key, chunkUnit int, deliver func([]byte) error, progress func(received int64)) (int64, error) {
	var received int64
	buf := make([]byte, downloadReadBufferSize)

	if !encrypted {
		for {
			n, readErr := body.Read(buf)
			if n > 0 {
				frame := make([]byte, n)
				copy(frame, buf[:n])
				received += int64(n)
				progress(received)
				if err := deliver(frame); err != nil {
					return received, err
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return received, shaderr.Wrap(shaderr.Network, "download_stream_failed", "download stream failed", readErr)
			}
		}
		return received, nil
	}

	queue := crypto.NewBoundedQueue(chunkUnit + downloadReadBufferSize)
	unit := make([]byte, chunkUnit)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			received += int64(n)
			progress(received)
			if _, err := queue.Write(buf[:n]); err != nil {
				return received, shaderr.Wrap(shaderr.Network, "download_stream_failed", "download stream failed", err)
			}
			for queue.Size() >= chunkUnit {
				if _, err := queue.Read(unit); err != nil {
					return received, shaderr.Wrap(shaderr.Network, "download_stream_failed", "download stream failed", err)
				}
				plain, err := crypto.DecryptChunk(unit, key)
				if err != nil {
					return received, err
				}
				if err := deliver(plain); err != nil {
					return received, err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return received, shaderr.Wrap(shaderr.Network, "download_stream_failed", "download stream failed", readErr)
		}
	}

	queue.Close()
	if remaining := queue.Size(); remaining > 0 {
		tail := make([]byte, remaining)
		if _, err := queue.Read(tail); err != nil {
			return received, shaderr.Wrap(shaderr.Network, "download_stream_failed", "download stream failed", err)
		}
		plain, err := crypto.DecryptChunk(tail, key)
		if err != nil {
			return received, err
		}
		if err := deliver(plain); err != nil {
			return received, err
		}
	}

	return received, nil
}
