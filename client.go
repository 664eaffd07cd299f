// Package shadownloader is a privacy-focused ephemeral file transfer
// client library. A Client negotiates capabilities with a companion server
// once, then drives either a chunked hosted upload/download or a WebRTC
// peer-to-peer transfer on top of that negotiated session.
package shadownloader

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	shaderr "github.com/kenneth/shadownloader/errors"
	"github.com/kenneth/shadownloader/internal/metrics"
	"github.com/kenneth/shadownloader/internal/telemetry"
	"github.com/kenneth/shadownloader/internal/transport"
)

// Defaults mirrored from the wire contract and the timeout table.
const (
	DefaultChunkSize           = 5 * 1024 * 1024 // 5 MiB
	DefaultServerInfoTimeout   = 5 * time.Second
	DefaultInitTimeout         = 15 * time.Second
	DefaultChunkTimeout        = 60 * time.Second
	DefaultCompleteTimeout     = 30 * time.Second
	DefaultCancelTimeout       = 5 * time.Second
	MaxInMemoryDownloadBytes   = 100 * 1024 * 1024 // 100 MiB
	chunkSizeServerHeadroom    = 1024              // server accepts chunkSize+1024
)

// Client is bound to a single server target for its entire lifetime. It
// owns the transport, crypto adapters, logger, metrics, and the
// single-flight capability cache; upload and download sessions reference
// it but never mutate it except through the capability cache itself.
type Client struct {
	clientVersion  string
	fallbackToHTTP bool

	transport *transport.Transport
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	session   *telemetry.SessionLog

	serverInfoTimeout time.Duration
	initTimeout       time.Duration
	chunkTimeout      time.Duration
	completeTimeout   time.Duration
	chunkSizeOverride int

	mu       sync.Mutex
	target  ServerTarget // guarded copy, rewritten on HTTPS->HTTP fallback
	result   *CompatibilityResult
	inFlight chan struct{}
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger injects a structured logger. Defaults to logrus.StandardLogger().
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient injects the *http.Client the transport layer uses.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.transport = transport.New(hc) }
}

// WithMetrics injects a metrics recorder, typically built with a
// test-scoped prometheus.Registerer via metrics.NewWithRegistry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSessionLog injects a session lifecycle log. Defaults to a small
// in-memory ring buffer.
func WithSessionLog(s *telemetry.SessionLog) Option {
	return func(c *Client) { c.session = s }
}

// WithFallbackToHTTP opts into retrying connect() over plain HTTP when the
// HTTPS attempt fails. It is off by default: the encryption layer is what
// provides confidentiality for E2EE uploads regardless of transport, but
// downgrading transport silently is a security-sensitive default to avoid.
func WithFallbackToHTTP(enabled bool) Option {
	return func(c *Client) { c.fallbackToHTTP = enabled }
}

// WithChunkSize overrides the client's default upload chunk size (5 MiB),
// primarily for tests exercising chunk-boundary behaviour.
func WithChunkSize(size int) Option {
	return func(c *Client) { c.chunkSizeOverride = size }
}

// WithServerInfoTimeout overrides the default 5s /api/info timeout.
func WithServerInfoTimeout(d time.Duration) Option {
	return func(c *Client) { c.serverInfoTimeout = d }
}

// New builds a Client bound to serverURL, identifying itself with
// clientVersion for compatibility checks. The capability cache is not
// populated until the first Connect call.
func New(clientVersion, serverURL string, opts ...Option) (*Client, error) {
	target, err := ParseServerURL(serverURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		clientVersion:     clientVersion,
		target:           target,
		transport:         transport.New(nil),
		logger:            logrus.StandardLogger(),
		metrics:           metrics.New(),
		session:           telemetry.NewSessionLog(telemetry.DefaultMaxEvents),
		serverInfoTimeout: DefaultServerInfoTimeout,
		initTimeout:       DefaultInitTimeout,
		chunkTimeout:      DefaultChunkTimeout,
		completeTimeout:   DefaultCompleteTimeout,
		chunkSizeOverride: 0,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect performs capability negotiation exactly once for this Client's
// lifetime: concurrent callers share one in-flight request, and a
// successful result is memoised so later calls return it without network
// I/O. With WithFallbackToHTTP enabled, a failed HTTPS attempt against a
// secure target is retried once over HTTP; on success the client's base
// URL is rewritten to http permanently.
func (c *Client) Connect(ctx context.Context) (*CompatibilityResult, error) {
	c.mu.Lock()
	if c.result != nil {
		result := c.result
		c.mu.Unlock()
		return result, nil
	}
	if ch := c.inFlight; ch != nil {
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, shaderr.Wrap(shaderr.Abort, "connect_aborted", "connect was cancelled", ctx.Err())
		}
		c.mu.Lock()
		result := c.result
		c.mu.Unlock()
		if result != nil {
			return result, nil
		}
		return nil, shaderr.New(shaderr.Network, "connect_failed", "a concurrent connect attempt failed")
	}

	ch := make(chan struct{})
	c.inFlight = ch
	c.mu.Unlock()

	result, err := c.doConnect(ctx)

	c.mu.Lock()
	c.inFlight = nil
	if err == nil {
		c.result = result
	}
	c.mu.Unlock()
	close(ch)

	return result, err
}

func (c *Client) doConnect(ctx context.Context) (*CompatibilityResult, error) {
	target := c.currentTarget()
	result, err := c.fetchServerInfo(ctx, target)
	if err == nil {
		return result, nil
	}
	if !shaderr.IsKind(err, shaderr.Network) || !c.fallbackToHTTP || !target.Secure {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{"host": target.Host}).Warn("https connect failed, falling back to http")
	fallback := target
	fallback.Secure = false
	result, fallbackErr := c.fetchServerInfo(ctx, fallback)
	if fallbackErr != nil {
		return nil, err
	}
	c.setTarget(fallback)
	return result, nil
}

func (c *Client) fetchServerInfo(ctx context.Context, target ServerTarget) (*CompatibilityResult, error) {
	baseURL := BuildBaseURL(target)
	resp, err := c.transport.FetchJSON(ctx, http.MethodGet, baseURL+"/api/info", nil, nil, c.serverInfoTimeout)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, shaderr.New(shaderr.Network, "server_unreachable", "server responded with an error status")
	}

	var wire serverInfoWire
	if err := resp.Decode(&wire); err != nil {
		return nil, err
	}
	if wire.Version == "" {
		return nil, shaderr.New(shaderr.Protocol, "missing_version", "server response is missing a version")
	}

	compatible, message, err := CheckVersion(c.clientVersion, wire.Version)
	if err != nil {
		return nil, err
	}

	return &CompatibilityResult{
		Compatible:    compatible,
		ClientVersion: c.clientVersion,
		ServerVersion: wire.Version,
		Message:       message,
		ServerInfo:    wire.toServerInfo(),
		BaseURL:       baseURL,
	}, nil
}

func (c *Client) currentTarget() ServerTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Client) setTarget(t ServerTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = t
}

// chunkSize resolves the effective upload chunk size: the client override
// if set, else the server's advertised chunkSize if positive, else the
// library default.
func (c *Client) chunkSize(info ServerInfo) int {
	if c.chunkSizeOverride > 0 {
		return c.chunkSizeOverride
	}
	if info.Upload.ChunkSize > 0 {
		return info.Upload.ChunkSize
	}
	return DefaultChunkSize
}
