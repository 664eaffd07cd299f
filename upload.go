package shadownloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/shadownloader/internal/crypto"
	shaderr "github.com/kenneth/shadownloader/errors"
	"github.com/kenneth/shadownloader/internal/telemetry"
)

// UploadStatus is a state in the upload session state machine.
type UploadStatus string

const (
	UploadInitializing UploadStatus = "initializing"
	UploadUploading     UploadStatus = "uploading"
	UploadCompleting    UploadStatus = "completing"
	UploadCompleted     UploadStatus = "completed"
	UploadCancelled     UploadStatus = "cancelled"
	UploadError         UploadStatus = "error"
)

// UploadProgressPhase tags what a UploadProgress event is reporting.
type UploadProgressPhase string

const (
	ProgressChunk     UploadProgressPhase = "chunk"
	ProgressRetryWait UploadProgressPhase = "retry-wait"
	ProgressRetry     UploadProgressPhase = "retry"
	ProgressDone      UploadProgressPhase = "done"
)

// UploadProgress is emitted through UploadOptions.OnProgress during a
// running upload. Callbacks are invoked in event order and never after the
// session reaches a terminal status.
type UploadProgress struct {
	Phase          UploadProgressPhase
	ChunkIndex     int
	TotalChunks    int
	ProcessedBytes int64
	Percent        float64
	Attempt        int
}

// RetryPolicy controls the exponential backoff applied to chunk upload
// failures.
type RetryPolicy struct {
	Retries      int
	BackoffMs    int
	MaxBackoffMs int
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.Retries <= 0 {
		r.Retries = 5
	}
	if r.BackoffMs <= 0 {
		r.BackoffMs = 1000
	}
	if r.MaxBackoffMs <= 0 {
		r.MaxBackoffMs = 30000
	}
	return r
}

// UploadTimeouts overrides the client's default per-phase timeouts for a
// single upload.
type UploadTimeouts struct {
	InitMs     int
	ChunkMs    int
	CompleteMs int
}

// UploadOptions describes one upload_file call.
type UploadOptions struct {
	// Filename is the source's plain-text name, used both for validation
	// (when not encrypting) and as the input to filename encryption (when
	// encrypting), unless FilenameOverride is set.
	Filename         string
	FilenameOverride string
	Size             int64
	Source           io.ReaderAt

	LifetimeMs   int64
	Encrypt      *bool
	MaxDownloads *uint32

	OnProgress func(UploadProgress)
	Timeouts   UploadTimeouts
	Retry      RetryPolicy
}

// UploadResult is the terminal success value of an UploadSession.
type UploadResult struct {
	ShareURL string
	FileID   string
	UploadID string
}

// UploadSession is the handle returned by UploadFile: a result future, a
// cancel function, and a status accessor.
type UploadSession struct {
	client *Client

	mu     sync.Mutex
	status UploadStatus

	cancelFn   context.CancelFunc
	cancelOnce sync.Once

	done   chan struct{}
	result UploadResult
	err    error
}

// Status returns the session's current state.
func (s *UploadSession) Status() UploadStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *UploadSession) setStatus(status UploadStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == UploadCompleted || s.status == UploadCancelled || s.status == UploadError {
		return
	}
	s.status = status
}

// Cancel transitions the session to cancelled and interrupts any in-flight
// HTTP call. Cancellation after the session has completed is a no-op.
func (s *UploadSession) Cancel(reason string) {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		if s.status == UploadCompleted {
			s.mu.Unlock()
			return
		}
		s.status = UploadCancelled
		s.mu.Unlock()
		s.cancelFn()
	})
}

// Done returns a channel closed once the session reaches a terminal state.
func (s *UploadSession) Done() <-chan struct{} {
	return s.done
}

// Result blocks until the session resolves and returns its outcome.
func (s *UploadSession) Result() (UploadResult, error) {
	<-s.done
	return s.result, s.err
}

func (s *UploadSession) resolve(result UploadResult, err error) {
	s.mu.Lock()
	if err != nil {
		if s.status != UploadCancelled {
			s.status = UploadError
		}
	} else {
		s.status = UploadCompleted
	}
	s.result = result
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

// UploadFile validates opts, negotiates capabilities, and drives the
// chunked upload state machine in the background, returning a session
// handle immediately. Validation and network failures alike surface
// through the session's Result/Done, never as a synchronous error.
func (c *Client) UploadFile(ctx context.Context, opts UploadOptions) *UploadSession {
	runCtx, cancel := context.WithCancel(ctx)
	session := &UploadSession{
		client:   c,
		status:   UploadInitializing,
		cancelFn: cancel,
		done:     make(chan struct{}),
	}

	go c.runUpload(runCtx, session, opts)
	return session
}

func (c *Client) runUpload(ctx context.Context, session *UploadSession, opts UploadOptions) {
	c.metrics.SessionStarted()
	defer c.metrics.SessionEnded()

	result, err := c.doUpload(ctx, session, opts)
	if err != nil {
		if !shaderr.IsKind(err, shaderr.Abort) {
			c.session.RecordOutcome("", telemetry.EventUploadFailed, err.Error(), err)
		} else {
			c.session.RecordOutcome("", telemetry.EventUploadCancelled, err.Error(), err)
			session.mu.Lock()
			session.status = UploadCancelled
			session.mu.Unlock()
		}
	} else {
		c.session.RecordOutcome(result.UploadID, telemetry.EventUploadCompleted, result.ShareURL, nil)
	}
	session.resolve(result, err)
}

func (c *Client) doUpload(ctx context.Context, session *UploadSession, opts UploadOptions) (UploadResult, error) {
	if opts.Size <= 0 {
		return UploadResult{}, shaderr.New(shaderr.Validation, "empty_file", "file must not be empty")
	}
	if opts.Source == nil {
		return UploadResult{}, shaderr.New(shaderr.Validation, "missing_source", "upload source must not be nil")
	}

	compat, err := c.Connect(ctx)
	if err != nil {
		return UploadResult{}, err
	}
	if !compat.Compatible {
		return UploadResult{}, shaderr.New(shaderr.Validation, "incompatible_version", "client version is incompatible with the server")
	}
	info := compat.ServerInfo
	if !info.Upload.Enabled {
		return UploadResult{}, shaderr.New(shaderr.Validation, "uploads_disabled", "server does not support file uploads")
	}

	encrypt := info.Upload.E2EE
	if opts.Encrypt != nil {
		encrypt = *opts.Encrypt
	}
	if encrypt && !info.Upload.E2EE {
		return UploadResult{}, shaderr.New(shaderr.Validation, "e2ee_unsupported", "server does not support end-to-end encryption")
	}

	chunkSize := c.chunkSize(info)
	totalChunks := int((opts.Size + int64(chunkSize) - 1) / int64(chunkSize))

	var key crypto.Key
	filename := opts.Filename
	if opts.FilenameOverride != "" {
		filename = opts.FilenameOverride
	}
	var transmittedName string
	if encrypt {
		key, err = crypto.GenerateKey()
		if err != nil {
			return UploadResult{}, err
		}
		transmittedName, err = crypto.EncryptFilenameB64(filename, key)
		if err != nil {
			return UploadResult{}, err
		}
	} else {
		if err := ValidatePlainFilename(filename); err != nil {
			return UploadResult{}, err
		}
		transmittedName = filename
	}

	if info.Upload.MaxSizeMB > 0 {
		estimatedOverhead := int64(0)
		if encrypt {
			estimatedOverhead = int64(totalChunks) * crypto.ChunkOverhead
		}
		maxBytes := int64(info.Upload.MaxSizeMB) * 1_000_000
		if opts.Size+estimatedOverhead > maxBytes {
			return UploadResult{}, shaderr.New(shaderr.Validation, "file_too_large", "file exceeds the server's maximum upload size")
		}
	}
	if opts.LifetimeMs < 0 {
		return UploadResult{}, shaderr.New(shaderr.Validation, "invalid_lifetime", "lifetime must not be negative")
	}
	if opts.LifetimeMs == 0 && info.Upload.MaxLifetimeHours != 0 {
		return UploadResult{}, shaderr.New(shaderr.Validation, "lifetime_required", "server requires a finite lifetime")
	}
	if info.Upload.MaxLifetimeHours > 0 {
		maxMs := int64(info.Upload.MaxLifetimeHours) * 3_600_000
		if opts.LifetimeMs > maxMs {
			return UploadResult{}, shaderr.New(shaderr.Validation, "lifetime_too_long", "lifetime exceeds the server's maximum")
		}
	}

	retry := opts.Retry.withDefaults()
	timeouts := opts.Timeouts
	initTimeout := c.initTimeout
	if timeouts.InitMs > 0 {
		initTimeout = time.Duration(timeouts.InitMs) * time.Millisecond
	}
	chunkTimeout := c.chunkTimeout
	if timeouts.ChunkMs > 0 {
		chunkTimeout = time.Duration(timeouts.ChunkMs) * time.Millisecond
	}
	completeTimeout := c.completeTimeout
	if timeouts.CompleteMs > 0 {
		completeTimeout = time.Duration(timeouts.CompleteMs) * time.Millisecond
	}

	initBody := map[string]any{
		"filename":    transmittedName,
		"lifetime":    opts.LifetimeMs,
		"isEncrypted": encrypt,
		"totalSize":   opts.Size,
		"totalChunks": totalChunks,
	}
	if opts.MaxDownloads != nil {
		initBody["maxDownloads"] = *opts.MaxDownloads
	}

	initResp, err := c.transport.FetchJSON(ctx, http.MethodPost, compat.BaseURL+"/upload/init", initBody, nil, initTimeout)
	if err != nil {
		return UploadResult{}, err
	}
	if initResp.StatusCode < 200 || initResp.StatusCode >= 300 {
		return UploadResult{}, shaderr.New(shaderr.Protocol, "init_failed", "server rejected upload initialization")
	}
	var initOut struct {
		UploadID string `json:"uploadId"`
	}
	if err := initResp.Decode(&initOut); err != nil || initOut.UploadID == "" {
		return UploadResult{}, shaderr.New(shaderr.Protocol, "init_missing_upload_id", "server did not return an uploadId")
	}
	uploadID := initOut.UploadID
	c.session.RecordOutcome(uploadID, telemetry.EventUploadStarted, filename, nil)

	session.setStatus(UploadUploading)
	onProgress := opts.OnProgress
	if onProgress == nil {
		onProgress = func(UploadProgress) {}
	}

	if err := c.uploadChunks(ctx, compat.BaseURL, uploadID, opts.Source, opts.Size, chunkSize, totalChunks, encrypt, key, retry, chunkTimeout, onProgress); err != nil {
		c.cancelUpload(compat.BaseURL, uploadID)
		return UploadResult{}, err
	}

	session.setStatus(UploadCompleting)
	completeResp, err := c.transport.FetchJSON(ctx, http.MethodPost, compat.BaseURL+"/upload/complete", map[string]any{"uploadId": uploadID}, nil, completeTimeout)
	if err != nil {
		return UploadResult{}, err
	}
	if completeResp.StatusCode < 200 || completeResp.StatusCode >= 300 {
		return UploadResult{}, shaderr.New(shaderr.Protocol, "complete_failed", "server rejected upload completion")
	}
	var completeOut struct {
		ID string `json:"id"`
	}
	if err := completeResp.Decode(&completeOut); err != nil || completeOut.ID == "" {
		return UploadResult{}, shaderr.New(shaderr.Protocol, "complete_missing_id", "server did not return a file id")
	}

	shareURL := compat.BaseURL + "/" + completeOut.ID
	if encrypt {
		shareURL += "#" + crypto.ExportKeyBase64(key)
	}
	onProgress(UploadProgress{Phase: ProgressDone, ChunkIndex: totalChunks, TotalChunks: totalChunks, Percent: 100})

	return UploadResult{ShareURL: shareURL, FileID: completeOut.ID, UploadID: uploadID}, nil
}

func (c *Client) uploadChunks(ctx context.Context, baseURL, uploadID string, source io.ReaderAt, size int64, chunkSize, totalChunks int, encrypt bool, key crypto.Key, retry RetryPolicy, chunkTimeout time.Duration, onProgress func(UploadProgress)) error {
	pool := crypto.GetGlobalBufferPool()

	for idx := 0; idx < totalChunks; idx++ {
		if ctx.Err() != nil {
			return shaderr.Wrap(shaderr.Abort, "upload_cancelled", "upload was cancelled", ctx.Err())
		}

		start := int64(idx) * int64(chunkSize)
		end := start + int64(chunkSize)
		if end > size {
			end = size
		}
		plainLen := int(end - start)

		plain, hit := pool.GetChunk(plainLen)
		if hit {
			c.metrics.RecordBufferPoolHit("chunk")
		} else {
			c.metrics.RecordBufferPoolMiss("chunk")
		}
		if _, err := source.ReadAt(plain, start); err != nil && err != io.EOF {
			pool.PutChunk(plain)
			return shaderr.Wrap(shaderr.Validation, "read_failed", "failed to read file chunk", err)
		}

		onProgress(UploadProgress{
			Phase:          ProgressChunk,
			ChunkIndex:     idx,
			TotalChunks:    totalChunks,
			ProcessedBytes: start,
			Percent:        float64(idx) / float64(totalChunks) * 100,
		})

		var payload []byte
		if encrypt {
			encrypted, err := crypto.EncryptChunk(plain, key)
			pool.PutChunk(plain)
			if err != nil {
				return err
			}
			payload = encrypted
		} else {
			payload = plain
		}

		if len(payload) > chunkSize+chunkSizeServerHeadroom {
			return shaderr.New(shaderr.Validation, "chunk_too_large", "encrypted chunk exceeds the server's accepted size")
		}

		err := c.postChunkWithRetry(ctx, baseURL, uploadID, idx, totalChunks, payload, retry, chunkTimeout, onProgress)
		if !encrypt {
			pool.PutChunk(payload)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) postChunkWithRetry(ctx context.Context, baseURL, uploadID string, idx, totalChunks int, payload []byte, retry RetryPolicy, chunkTimeout time.Duration, onProgress func(UploadProgress)) error {
	url := baseURL + "/upload/chunk"
	headers := map[string]string{
		"Content-Type":  "application/octet-stream",
		"X-Upload-ID":   uploadID,
		"X-Chunk-Index": strconv.Itoa(idx),
		"X-Chunk-Hash":  crypto.SHA256Hex(payload),
	}

	var lastErr error
	var lastStatus int
	var lastBody []byte
	attempt := 0
	backoff := retry.BackoffMs

	for attempt < retry.Retries {
		attempt++
		attemptStart := time.Now()
		resp, err := c.transport.FetchRaw(ctx, http.MethodPost, url, payload, headers, chunkTimeout)
		duration := time.Since(attemptStart).Seconds()

		success := err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
		c.metrics.RecordChunkUploadAttempt(success, duration)

		if success {
			c.metrics.RecordChunkUploadBytes(int64(len(payload)))
			if attempt > 1 {
				onProgress(UploadProgress{Phase: ProgressRetry, ChunkIndex: idx, TotalChunks: totalChunks, Attempt: attempt - 1})
			}
			return nil
		}
		if err != nil && shaderr.IsKind(err, shaderr.Abort) {
			return err
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = nil
			lastStatus = resp.StatusCode
			lastBody = resp.Raw
		}

		if attempt >= retry.Retries {
			break
		}

		c.metrics.RecordChunkUploadRetry(retryReason(err))
		c.logger.WithFields(logrus.Fields{"chunk_index": idx, "attempt": attempt}).Debug("retrying chunk upload")

		if waitErr := sleepWithRetryProgress(ctx, time.Duration(backoff)*time.Millisecond, idx, totalChunks, onProgress); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > retry.MaxBackoffMs {
			backoff = retry.MaxBackoffMs
		}
	}

	if lastErr != nil {
		return shaderr.Wrap(shaderr.Network, "chunk_upload_failed", fmt.Sprintf("chunk %d failed after %d attempts", idx, attempt), lastErr)
	}
	return shaderr.New(shaderr.Protocol, "chunk_upload_rejected", fmt.Sprintf("server rejected chunk %d with status %d", idx, lastStatus)).
		WithDetails(map[string]any{"status": lastStatus, "body": truncateString(string(lastBody), 256)})
}

func retryReason(err error) string {
	if err == nil {
		return "http_status"
	}
	if shaderr.IsKind(err, shaderr.Timeout) {
		return "timeout"
	}
	return "network"
}

// sleepWithRetryProgress waits up to `wait`, emitting a retry-wait progress
// event on each 100ms tick (or once, when the wait ends, if wait is shorter). An
// abort via ctx cancels the wait immediately.
func sleepWithRetryProgress(ctx context.Context, wait time.Duration, idx, totalChunks int, onProgress func(UploadProgress)) error {
	if wait <= 0 {
		return nil
	}
	const tickInterval = 100 * time.Millisecond
	deadline := time.Now().Add(wait)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		tick := tickInterval
		if remaining < tick {
			tick = remaining
		}
		select {
		case <-ctx.Done():
			return shaderr.Wrap(shaderr.Abort, "upload_cancelled", "cancelled during retry backoff", ctx.Err())
		case <-time.After(tick):
			onProgress(UploadProgress{Phase: ProgressRetryWait, ChunkIndex: idx, TotalChunks: totalChunks})
		}
	}
}

// cancelUpload best-effort notifies the server that uploadID is abandoned.
// Errors are swallowed: this is advisory cleanup, not part of the result.
func (c *Client) cancelUpload(baseURL, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCancelTimeout)
	defer cancel()
	_, _ = c.transport.FetchJSON(ctx, http.MethodPost, baseURL+"/upload/cancel", map[string]any{"uploadId": uploadID}, nil, DefaultCancelTimeout)
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
