package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)
	if m == nil {
		t.Fatal("NewWithRegistry returned nil")
	}
	if m.chunkUploadAttempts == nil {
		t.Error("chunkUploadAttempts is nil")
	}
	if m.p2pSessionsTotal == nil {
		t.Error("p2pSessionsTotal is nil")
	}
}

func TestMetrics_RecordChunkUploadAttempt(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordChunkUploadAttempt(true, 0.05)
	m.RecordChunkUploadAttempt(false, 0.1)
	m.RecordChunkUploadRetry("network")
	m.RecordChunkUploadBytes(5 * 1024 * 1024)
}

func TestMetrics_RecordDownload(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordDownload(12345, 1.5)
}

func TestMetrics_RecordP2PSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordP2PSession("sender", "completed")
	m.RecordP2PChunkAck()
	m.RecordP2PBytesTransferred(1024)
}

func TestMetrics_BufferPoolAndSessionGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordBufferPoolHit("64k")
	m.RecordBufferPoolMiss("64k")
	m.SessionStarted()
	m.SessionEnded()
}

func TestMetrics_ExposedViaPromhttpHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)
	m.RecordChunkUploadAttempt(true, 0.05)
	m.RecordP2PSession("receiver", "completed")

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	body := w.Body.String()
	for _, want := range []string{"shadownloader_chunk_upload_attempts_total", "shadownloader_p2p_sessions_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
