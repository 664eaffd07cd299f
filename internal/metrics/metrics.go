// Package metrics exposes the transfer client's Prometheus surface:
// counters and histograms for chunk upload attempts/retries/bytes,
// download bytes, and P2P session outcomes. A host application scrapes
// these the same way it would scrape any embedded library's metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// defaultRegistry is used by New(); tests should prefer NewWithRegistry to
// avoid double-registration panics across test runs.
var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds every metric the transfer engines record against.
type Metrics struct {
	chunkUploadAttempts *prometheus.CounterVec
	chunkUploadRetries  *prometheus.CounterVec
	chunkUploadBytes    prometheus.Counter
	chunkUploadDuration *prometheus.HistogramVec

	downloadBytes      prometheus.Counter
	downloadDuration   prometheus.Histogram

	p2pSessionsTotal   *prometheus.CounterVec
	p2pChunksAcked     prometheus.Counter
	p2pBytesTransferred prometheus.Counter

	bufferPoolHits   *prometheus.CounterVec
	bufferPoolMisses *prometheus.CounterVec

	activeSessions prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// New returns the Metrics instance registered against the default
// Prometheus registerer. It registers on the first call and returns that
// same instance on every later call.
func New() *Metrics {
	defaultOnce.Do(func() { defaultMetrics = NewWithRegistry(defaultRegistry) })
	return defaultMetrics
}

// NewWithRegistry creates a Metrics instance registered against reg. Tests
// pass a fresh prometheus.NewRegistry() to avoid collisions with metrics
// registered by other tests in the same process.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		chunkUploadAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadownloader_chunk_upload_attempts_total",
				Help: "Total number of upload chunk POST attempts, including retries.",
			},
			[]string{"outcome"}, // "success" or "failure"
		),
		chunkUploadRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadownloader_chunk_upload_retries_total",
				Help: "Total number of upload chunk retries performed after a transient failure.",
			},
			[]string{"reason"},
		),
		chunkUploadBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shadownloader_chunk_upload_bytes_total",
				Help: "Total bytes transmitted in successfully accepted upload chunks.",
			},
		),
		chunkUploadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shadownloader_chunk_upload_duration_seconds",
				Help:    "Duration of a single upload chunk POST, success or failure.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		downloadBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shadownloader_download_bytes_total",
				Help: "Total bytes received from the network during downloads.",
			},
		),
		downloadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shadownloader_download_duration_seconds",
				Help:    "Duration of a completed download from metadata fetch to final byte.",
				Buckets: prometheus.DefBuckets,
			},
		),
		p2pSessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadownloader_p2p_sessions_total",
				Help: "Total number of P2P sessions by terminal outcome.",
			},
			[]string{"role", "outcome"}, // role: sender|receiver; outcome: completed|failed
		),
		p2pChunksAcked: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shadownloader_p2p_chunks_acked_total",
				Help: "Total number of P2P chunk_ack messages received by senders.",
			},
		),
		p2pBytesTransferred: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shadownloader_p2p_bytes_transferred_total",
				Help: "Total bytes transferred over completed P2P data channels.",
			},
		),
		bufferPoolHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadownloader_buffer_pool_hits_total",
				Help: "Total number of chunk buffer pool hits.",
			},
			[]string{"size_class"},
		),
		bufferPoolMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadownloader_buffer_pool_misses_total",
				Help: "Total number of chunk buffer pool misses.",
			},
			[]string{"size_class"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shadownloader_active_sessions",
				Help: "Number of upload, download, or P2P sessions currently in flight.",
			},
		),
	}
}

// RecordChunkUploadAttempt records one POST /upload/chunk attempt.
func (m *Metrics) RecordChunkUploadAttempt(success bool, duration float64) {
	outcome := outcomeLabel(success)
	m.chunkUploadAttempts.WithLabelValues(outcome).Inc()
	m.chunkUploadDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordChunkUploadRetry records a retry triggered by reason ("network", "timeout", or "http_status").
func (m *Metrics) RecordChunkUploadRetry(reason string) {
	m.chunkUploadRetries.WithLabelValues(reason).Inc()
}

// RecordChunkUploadBytes adds n successfully transmitted chunk bytes.
func (m *Metrics) RecordChunkUploadBytes(n int64) {
	m.chunkUploadBytes.Add(float64(n))
}

// RecordDownload records a completed download's total bytes and duration.
func (m *Metrics) RecordDownload(bytes int64, durationSeconds float64) {
	m.downloadBytes.Add(float64(bytes))
	m.downloadDuration.Observe(durationSeconds)
}

// RecordP2PSession records a P2P session's terminal outcome.
func (m *Metrics) RecordP2PSession(role, outcome string) {
	m.p2pSessionsTotal.WithLabelValues(role, outcome).Inc()
}

// RecordP2PChunkAck records one chunk_ack received by a sender.
func (m *Metrics) RecordP2PChunkAck() {
	m.p2pChunksAcked.Inc()
}

// RecordP2PBytesTransferred adds n bytes to the completed P2P transfer total.
func (m *Metrics) RecordP2PBytesTransferred(n int64) {
	m.p2pBytesTransferred.Add(float64(n))
}

// RecordBufferPoolHit records a chunk buffer pool hit for sizeClass.
func (m *Metrics) RecordBufferPoolHit(sizeClass string) {
	m.bufferPoolHits.WithLabelValues(sizeClass).Inc()
}

// RecordBufferPoolMiss records a chunk buffer pool miss for sizeClass.
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) {
	m.bufferPoolMisses.WithLabelValues(sizeClass).Inc()
}

// SessionStarted increments the active session gauge; pair with SessionEnded.
func (m *Metrics) SessionStarted() {
	m.activeSessions.Inc()
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded() {
	m.activeSessions.Dec()
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
